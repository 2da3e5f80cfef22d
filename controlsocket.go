package main

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"os"
	"strings"

	"github.com/rs/xid"
	"go.uber.org/zap"

	"ubond/engine"
	"ubond/scheduler"
	"ubond/utils"
)

// tunnelStatus is one tunnel's line in a status response (spec.md §9
// SUPPLEMENTED FEATURES item 5).
type tunnelStatus struct {
	Name         string  `json:"name"`
	State        string  `json:"state"`
	Loss         int     `json:"loss"`
	SRTTMs       float64 `json:"srtt_ms"`
	BandwidthMax uint64  `json:"bandwidth_max_kbit"`
	Weight       float64 `json:"weight"`
	Permitted    uint64  `json:"permitted"`
	FallbackOnly bool    `json:"fallback_only"`
}

// statusResponse is the control socket's `status` payload.
type statusResponse struct {
	RunID          string         `json:"run_id"`
	Name           string         `json:"name"`
	FallbackActive bool           `json:"fallback_active"`
	Tunnels        []tunnelStatus `json:"tunnels"`
}

// commandResponse is the control socket's `quota`/`reload` payload.
type commandResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// controlServer answers status/quota/reload requests over a UNIX domain
// socket (spec.md §9 SUPPLEMENTED FEATURES item 5), mirroring the
// original's socks.c control channel but rebuilt idiomatically as a
// line-oriented command set rather than translated protocol-for-protocol.
type controlServer struct {
	runID       xid.ID
	daemon      string
	ectx        *engine.Context
	resetQuotas func()
	reload      func() error
}

// serveControlSocket listens on path until ctx is cancelled, handling one
// connection at a time synchronously (status/quota/reload are cheap and
// infrequent; no concurrency is needed).
func serveControlSocket(ctx context.Context, path string, cs *controlServer) error {
	_ = os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return err
	}
	defer ln.Close()

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}
		cs.handle(conn)
	}
}

func (cs *controlServer) handle(conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	enc := json.NewEncoder(conn)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		switch line {
		case "status":
			_ = enc.Encode(cs.status())
		case "quota":
			cs.resetQuotas()
			_ = enc.Encode(commandResponse{OK: true})
		case "reload":
			if err := cs.reload(); err != nil {
				_ = enc.Encode(commandResponse{OK: false, Error: err.Error()})
				continue
			}
			_ = enc.Encode(commandResponse{OK: true})
		default:
			_ = enc.Encode(commandResponse{OK: false, Error: "unknown command: " + line})
		}
	}
}

func (cs *controlServer) status() statusResponse {
	nodes := make([]scheduler.Node, 0, len(cs.ectx.Tunnels))
	tunnels := make([]tunnelStatus, 0, len(cs.ectx.Tunnels))
	for _, t := range cs.ectx.Tunnels {
		nodes = append(nodes, t)
		tunnels = append(tunnels, tunnelStatus{
			Name:         t.Name(),
			State:        t.State().String(),
			Loss:         t.Loss(),
			SRTTMs:       t.SRTTAverage(),
			BandwidthMax: t.BandwidthMax(),
			Weight:       t.Weight(),
			Permitted:    t.Permitted(),
			FallbackOnly: t.IsFallbackOnly(),
		})
	}
	return statusResponse{
		RunID:          cs.runID.String(),
		Name:           cs.daemon,
		FallbackActive: scheduler.FallbackActive(nodes),
		Tunnels:        tunnels,
	}
}

// logControlSocketErr is a small seam so serveControlSocket's terminal
// error (other than context cancellation) gets logged by its caller.
func logControlSocketErr(err error) {
	if err != nil && err != context.Canceled {
		utils.Logger.Warn("control socket stopped", zap.Error(err))
	}
}
