package controller

import (
	"context"

	"go.uber.org/zap"

	"ubond/utils"
)

// acceptRemoteOpen is Loop.OnTCPOpen: it fires on the loop goroutine for a
// TCP_OPEN naming a flow this process hasn't adopted yet. Dialing must
// never block the loop goroutine, so the actual connect happens in a
// fresh goroutine; the flow itself is adopted synchronously here so a
// retransmitted TCP_OPEN arriving before the dial finishes finds it
// already registered (original: ubond_socks_init, except the dial itself
// is inline there since the original has no single-threaded-loop
// constraint to respect).
func (c *Controller) acceptRemoteOpen(flowID uint32, payload []byte) {
	s := c.loop.Ctx.AdoptFlow(flowID)
	go c.dialRemote(s.FlowID, string(payload))
}

// dialRemote connects to addr (the destination the TCP_OPEN named) and
// splices the result into flowID's already-adopted stream. A failed dial
// closes the flow from this side so the initiator's side eventually sees
// TCP_CLOSE rather than hanging forever (original: "Unable to connect
// socket", which simply drops the request and leaves the initiator to
// time out — that gap is closed here with an explicit close).
func (c *Controller) dialRemote(flowID uint32, addr string) {
	conn, err := DialFast(addr)
	if err != nil {
		utils.Logger.Warn("controller: dial", zap.String("addr", addr), zap.Error(err))
		c.loop.CloseLocalFlow(flowID)
		return
	}

	s, ok := c.loop.Ctx.Flow(flowID)
	if !ok {
		_ = conn.Close()
		return
	}
	c.splice(context.Background(), s, conn)
}
