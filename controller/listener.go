package controller

import (
	"context"
	"net"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"ubond/utils"
)

// errUnsupportedSockaddr is returned by originalDestination for an
// address family neither IPv4 nor IPv6 (never expected from a TCP
// listener, kept explicit rather than silently treated as IPv4).
var errUnsupportedSockaddr = errors.New("controller: unsupported sockaddr family")

// rateWindow/rateLimit bound how many accepts one source IP gets before
// Listen starts dropping its connections (original: "WAF strategy: limit
// single IP to no more than 200 requests within 30 seconds", server.go's
// commented-out-but-live ipCache check, carried over unchanged).
const (
	rateWindow = 30 * time.Second
	rateLimit  = 200
)

var ipCache = cache.New(rateWindow, time.Minute)

// Listen accepts local TCP connections on addr and splices each into a
// freshly opened bond flow, dialing the connection's pre-redirect
// destination on the peer (spec.md §4.6). addr's listening socket carries
// IP_TRANSPARENT so that, once an operator's firewall rules redirect
// traffic to it, Getsockname on each accepted connection still reports
// the original destination rather than addr itself (original:
// priv_set_socket_transparent + on_accept_cb's getsockname call).
func (c *Controller) Listen(ctx context.Context, addr string) error {
	lc := net.ListenConfig{
		Control: func(_, _ string, rc syscall.RawConn) error {
			var ctrlErr error
			err := rc.Control(func(fd uintptr) {
				ctrlErr = unix.SetsockoptInt(int(fd), unix.SOL_IP, unix.IP_TRANSPARENT, 1)
			})
			if err != nil {
				return err
			}
			return ctrlErr
		},
	}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	utils.Logger.Info("controller: listening", zap.String("addr", addr))
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
			utils.Logger.Warn("controller: accept", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}
		if !c.allow(conn) {
			_ = conn.Close()
			continue
		}
		go c.openLocal(ctx, conn)
	}
}

// allow applies the per-source-IP rate limit, returning false if conn
// should be dropped immediately.
func (c *Controller) allow(conn net.Conn) bool {
	host := conn.RemoteAddr().String()
	if i := strings.LastIndex(host, ":"); i >= 0 {
		host = host[:i]
	}
	if count, found := ipCache.Get(host); found {
		if count.(int) >= rateLimit {
			utils.Logger.Warn("controller: rate limit", zap.String("ip", host))
			return false
		}
		_ = ipCache.Increment(host, 1)
		return true
	}
	ipCache.Set(host, 1, cache.DefaultExpiration)
	return true
}

// openLocal mints a flow for a freshly accepted local connection and
// starts splicing it, naming the connection's original (pre-redirect)
// destination as the TCP_OPEN payload for the peer to dial.
func (c *Controller) openLocal(ctx context.Context, conn net.Conn) {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		utils.Logger.Warn("controller: non-TCP connection accepted")
		_ = conn.Close()
		return
	}
	dst, err := originalDestination(tc)
	if err != nil {
		utils.Logger.Warn("controller: original destination", zap.Error(err))
		_ = conn.Close()
		return
	}
	s, err := c.loop.OpenFlow(ctx, []byte(dst))
	if err != nil {
		_ = conn.Close()
		return
	}
	utils.Logger.Debug("controller: opened flow", zap.Uint32("flow", s.FlowID), zap.String("dst", dst))
	c.splice(ctx, s, conn)
}

// originalDestination retrieves the connection's pre-redirect destination
// address via getsockname on the accepted socket. Under an IP_TRANSPARENT
// listener fed by an operator's REDIRECT/TPROXY firewall rule, the kernel
// reports the traffic's original destination here instead of the
// listener's own bind address (original: on_accept_cb's getsockname call
// into a struct sockaddr payload).
func originalDestination(tc *net.TCPConn) (string, error) {
	rc, err := tc.SyscallConn()
	if err != nil {
		return "", err
	}
	var sa unix.Sockaddr
	var saErr error
	ctrlErr := rc.Control(func(fd uintptr) {
		sa, saErr = unix.Getsockname(int(fd))
	})
	if ctrlErr != nil {
		return "", ctrlErr
	}
	if saErr != nil {
		return "", saErr
	}
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		ip := net.IP(v.Addr[:])
		return net.JoinHostPort(ip.String(), strconv.Itoa(v.Port)), nil
	case *unix.SockaddrInet6:
		ip := net.IP(v.Addr[:])
		return net.JoinHostPort(ip.String(), strconv.Itoa(v.Port)), nil
	default:
		return "", errUnsupportedSockaddr
	}
}
