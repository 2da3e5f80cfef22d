// Package engine wires the tunnel, scheduler, bandwidth, reorder, resend,
// tcpstream, and lifecycle packages into the single-threaded cooperative
// event loop described in spec.md §5, around an owned, non-global Context
// (spec.md §9 "Global mutable state": "model them as an owned context
// passed explicitly to every subsystem").
package engine

import (
	"sync"

	"ubond/bandwidth"
	"ubond/lifecycle"
	"ubond/packet"
	"ubond/reorder"
	"ubond/resend"
	"ubond/scheduler"
	"ubond/tcpstream"
	"ubond/tunnel"
)

// Context owns every piece of mutable bond state: the packet pool, the
// tunnel set, the send buffer, the reorder buffer, and the
// live TCP substream table. All of it is touched only from the loop
// goroutine (spec.md §5 "Mutation is always from the loop thread; there is
// no locking"); the one exception is the packet pool and per-tunnel
// counters, which carry their own internal locking because reader
// goroutines feeding the loop retain packets before handing them over.
type Context struct {
	Pool *packet.Pool

	Tunnels []*tunnel.Tunnel
	byName  map[string]*tunnel.Tunnel
	byID    map[uint16]*tunnel.Tunnel

	Bandwidth *bandwidth.Controller
	Reorder   *reorder.Buffer
	Lifecycle *lifecycle.Manager

	// SendBuf holds every packet that must be scheduled across the tunnel
	// set by weight (plain DATA off the TUN device, TCP substream traffic,
	// and reinjected DATA_RESEND packets). Control traffic addressed to one
	// specific peer (AUTH, KEEPALIVE, DISCONNECT, RESEND requests) bypasses
	// it entirely and is sent immediately via TunnelQueue, mirroring the
	// original's separate hpsend_buffer/send_buffer split without needing a
	// second buffer: there is nothing to schedule when the destination is
	// already fixed.
	SendBuf *Queue

	streamsMu  sync.Mutex
	streams    map[uint32]*tcpstream.Stream
	nextFlowID uint32
}

// NewContext constructs an empty Context around a freshly built tunnel set.
// Tunnels must already be registered with their Sender (a live UDP socket);
// engine does not open sockets itself (spec.md §9: engine owns scheduling
// and protocol state, not transport setup).
func NewContext(tunnels []*tunnel.Tunnel, lm *lifecycle.Manager) *Context {
	c := &Context{
		Pool:      packet.NewPool(),
		Tunnels:   tunnels,
		byName:    make(map[string]*tunnel.Tunnel, len(tunnels)),
		byID:      make(map[uint16]*tunnel.Tunnel, len(tunnels)),
		Bandwidth: bandwidth.New(),
		Reorder:   reorder.New(),
		Lifecycle: lm,
		SendBuf:   NewQueue(),
		streams:   make(map[uint32]*tcpstream.Stream),
	}
	for _, t := range tunnels {
		c.byName[t.Name()] = t
		c.byID[t.ID] = t
	}
	return c
}

// TunnelByID resolves a tunnel by its wire identifier, satisfying
// resend.FindTunnel.
func (c *Context) TunnelByID(id uint16) (resend.Source, bool) {
	t, ok := c.byID[id]
	return t, ok
}

// TunnelQueue adapts a single tunnel into the Queue shape lifecycle and
// resend expect for a peer-addressed control send: Push transmits
// immediately over that tunnel rather than entering a shared buffer,
// because the destination is already fixed by which peer called the
// lifecycle/resend method (spec.md §4.7, §4.3).
type TunnelQueue struct {
	Tunnel *tunnel.Tunnel
}

// Push sends pkt over the bound tunnel right away.
func (q TunnelQueue) Push(pkt *packet.Packet) {
	if err := q.Tunnel.Send(pkt); err != nil {
		pkt.Release()
	}
}

// schedulerNodes adapts Tunnels to scheduler.Node (every tunnel already
// satisfies the interface), building a fresh slice on every call.
func (c *Context) schedulerNodes() []scheduler.Node {
	nodes := make([]scheduler.Node, len(c.Tunnels))
	for i, t := range c.Tunnels {
		nodes[i] = t
	}
	return nodes
}

// bandwidthNodes adapts Tunnels to bandwidth.Node.
func (c *Context) bandwidthNodes() []bandwidth.Node {
	nodes := make([]bandwidth.Node, len(c.Tunnels))
	for i, t := range c.Tunnels {
		nodes[i] = t
	}
	return nodes
}

// lifecyclePeers adapts Tunnels to lifecycle.Peer.
func (c *Context) lifecyclePeers() []lifecycle.Peer {
	peers := make([]lifecycle.Peer, len(c.Tunnels))
	for i, t := range c.Tunnels {
		peers[i] = t
	}
	return peers
}

// NewFlow allocates and registers a fresh TCP substream, minting a non-zero
// flow id (original: stream_t pool slots keep a preset flow_id that is
// never zero, spec.md §4.6).
func (c *Context) NewFlow() *tcpstream.Stream {
	c.streamsMu.Lock()
	defer c.streamsMu.Unlock()
	c.nextFlowID++
	id := c.nextFlowID
	s := tcpstream.New(id)
	c.streams[id] = s
	return s
}

// Flow looks up a live substream by flow id.
func (c *Context) Flow(id uint32) (*tcpstream.Stream, bool) {
	c.streamsMu.Lock()
	defer c.streamsMu.Unlock()
	s, ok := c.streams[id]
	return s, ok
}

// AdoptFlow registers a substream under a flow id chosen by the peer that
// opened it, rather than minting a fresh one (original: the accepting side
// of a TCP_OPEN never generates its own flow_id, it only ever echoes the
// one carried on the wire). Returns the existing stream if id is already
// registered, so a retransmitted TCP_OPEN never clobbers live state.
func (c *Context) AdoptFlow(id uint32) *tcpstream.Stream {
	c.streamsMu.Lock()
	defer c.streamsMu.Unlock()
	if s, ok := c.streams[id]; ok {
		return s
	}
	s := tcpstream.New(id)
	c.streams[id] = s
	return s
}

// CloseFlow releases and forgets a substream.
func (c *Context) CloseFlow(id uint32) {
	c.streamsMu.Lock()
	defer c.streamsMu.Unlock()
	if s, ok := c.streams[id]; ok {
		s.Close()
		delete(c.streams, id)
	}
}

// Flows returns a snapshot of the live streams, for timer callbacks that
// must sweep every stream (resend checks, stall detection).
func (c *Context) Flows() []*tcpstream.Stream {
	c.streamsMu.Lock()
	defer c.streamsMu.Unlock()
	out := make([]*tcpstream.Stream, 0, len(c.streams))
	for _, s := range c.streams {
		out = append(out, s)
	}
	return out
}
