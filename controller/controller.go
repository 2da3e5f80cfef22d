// Package controller splices local TCP connections into the bonded
// tcpstream substream (spec.md §4.6), grounded on the teacher's
// accept-and-dispatch controller package, retargeted from "proxy to a
// configured remote TCP target" to "proxy into a bonded flow" (the
// original_source/src/socks.c pairing of on_accept_cb, which sends a
// TCP_OPEN naming the destination, and ubond_socks_init, which dials out
// on the peer that receives it). Either peer may run both roles at once.
package controller

import (
	"net"
	"sync"

	"ubond/engine"
)

// Controller owns the per-flow wake registry shared by a local listener
// (the connection-initiating role) and a remote-open dial handler (the
// connection-accepting role) wired onto one Loop.
type Controller struct {
	loop *engine.Loop

	mu    sync.Mutex
	conns map[uint32]net.Conn
	wake  map[uint32]chan struct{}
}

// New constructs a Controller and wires it onto loop's OnFlowReadable and
// OnTCPOpen callbacks. loop must not yet be running.
func New(loop *engine.Loop) *Controller {
	c := &Controller{
		loop:  loop,
		conns: make(map[uint32]net.Conn),
		wake:  make(map[uint32]chan struct{}),
	}
	loop.OnFlowReadable = c.wakeFlow
	loop.OnTCPOpen = c.acceptRemoteOpen
	loop.OnFlowClosed = c.forgetFlow
	return c
}

// register associates flowID with conn for the lifetime of its splice,
// returning the channel its writer pump should block on between wakeups.
func (c *Controller) register(flowID uint32, conn net.Conn) chan struct{} {
	ch := make(chan struct{}, 1)
	c.mu.Lock()
	c.conns[flowID] = conn
	c.wake[flowID] = ch
	c.mu.Unlock()
	return ch
}

// wakeFlow is Loop.OnFlowReadable: it pokes flowID's writer pump, if one
// is currently registered, without blocking (a pending wakeup already
// covers a second one that arrives before the pump drains it).
func (c *Controller) wakeFlow(flowID uint32) {
	c.mu.Lock()
	ch := c.wake[flowID]
	c.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

// forgetFlow is Loop.OnFlowClosed: the flow has finished closing on the
// bond side, so its local connection (if the splice hasn't already torn
// it down on its own) is closed and its bookkeeping dropped.
func (c *Controller) forgetFlow(flowID uint32) {
	c.mu.Lock()
	conn := c.conns[flowID]
	delete(c.conns, flowID)
	delete(c.wake, flowID)
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (c *Controller) unregister(flowID uint32) {
	c.mu.Lock()
	delete(c.conns, flowID)
	delete(c.wake, flowID)
	c.mu.Unlock()
}
