package engine

import (
	"context"
	"net"

	"ubond/tundev"
)

// maxDatagram is the largest UDP payload a reader will accept in one read,
// matching packet.MaxSize plus header overhead.
const maxDatagram = 2048

// InboundDatagram is one UDP datagram read off a tunnel's socket, tagged
// with which tunnel it arrived on so the loop can route it without a
// reverse address lookup.
type InboundDatagram struct {
	TunID uint16
	Data  []byte
}

// udpConn narrows *net.UDPConn to what a reader goroutine needs, so tests
// can substitute an in-memory pipe.
type udpConn interface {
	ReadFrom(b []byte) (int, net.Addr, error)
}

// ReadUDPLoop blocks reading datagrams from conn and forwards each, tagged
// with tunID, to out, until ctx is cancelled or the socket errs (spec.md
// §5 "Suspension points: read from UDP/TCP/TUN"). It is meant to run as
// one goroutine per tunnel, supervised alongside Loop.Run by an errgroup.
func ReadUDPLoop(ctx context.Context, tunID uint16, conn udpConn, out chan<- InboundDatagram) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		buf := make([]byte, maxDatagram)
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		select {
		case out <- InboundDatagram{TunID: tunID, Data: buf[:n]}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ReadTunLoop blocks reading IP packets off dev and forwards each to out,
// until ctx is cancelled.
func ReadTunLoop(ctx context.Context, dev *tundev.Device, out chan<- []byte) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		buf := make([]byte, maxDatagram)
		n, err := dev.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		select {
		case out <- buf[:n]:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
