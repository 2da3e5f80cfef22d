package controller

import (
	"context"
	"io"
	"net"

	"go.uber.org/zap"

	"ubond/tcpstream"
	"ubond/utils"
)

// readChunk is the size splice reads off the local socket per call,
// chosen to fit comfortably inside one packet.Packet payload (1500 bytes)
// once accounting for the rest of the aggregate datagram's overhead.
const readChunk = 1400

// splice pumps bytes both ways between conn and the bond side of s, until
// either direction signals it is done. flowID identifies s for the
// shared wake/close bookkeeping in Controller (grounded on the teacher's
// normal.go two-goroutine io.Copy shape, adapted because the remote side
// here is a scheduled packet stream driven by the loop goroutine, not a
// second net.Conn).
func (c *Controller) splice(ctx context.Context, s *tcpstream.Stream, conn net.Conn) {
	wake := c.register(s.FlowID, conn)

	go c.pumpLocalToFlow(s.FlowID, conn)
	go c.pumpFlowToLocal(ctx, s.FlowID, conn, wake)
}

// pumpLocalToFlow reads conn and hands each chunk to the loop as a
// TCP_DATA packet, until conn errs/EOFs, at which point it asks the loop
// to send TCP_CLOSE. The flow itself is torn down once the bond side
// confirms the close (tickFlowResend's Closed() sweep, which fires
// OnFlowClosed and closes conn from the other end), not here, so a
// connection that only half-closes locally still delivers whatever the
// peer sends back first.
func (c *Controller) pumpLocalToFlow(flowID uint32, conn net.Conn) {
	buf := make([]byte, readChunk)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			c.loop.WriteFlow(flowID, buf[:n])
		}
		if err != nil {
			if err != io.EOF {
				utils.Logger.Debug("controller: local read", zap.Uint32("flow", flowID), zap.Error(err))
			}
			c.loop.CloseLocalFlow(flowID)
			return
		}
	}
}

// pumpFlowToLocal waits for wake (fired by Loop.OnFlowReadable) and
// drains ReadFlow into conn until the flow reports closed, at which point
// it closes conn and forgets the flow's bookkeeping (Controller.forgetFlow
// does the same independently once the loop's own Closed() sweep notices
// first, so both paths are safe to race).
func (c *Controller) pumpFlowToLocal(ctx context.Context, flowID uint32, conn net.Conn, wake <-chan struct{}) {
	for {
		data, closed, err := c.loop.ReadFlow(ctx, flowID)
		if err != nil {
			return
		}
		if len(data) > 0 {
			if _, werr := conn.Write(data); werr != nil {
				utils.Logger.Debug("controller: local write", zap.Uint32("flow", flowID), zap.Error(werr))
				c.loop.CloseLocalFlow(flowID)
				return
			}
			continue
		}
		if closed {
			c.unregister(flowID)
			_ = conn.Close()
			return
		}
		select {
		case <-wake:
		case <-ctx.Done():
			return
		}
	}
}
