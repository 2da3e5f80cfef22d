package engine

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/ipv4"
	"golang.org/x/sync/errgroup"

	"ubond/bandwidth"
	"ubond/lifecycle"
	"ubond/metrics"
	"ubond/packet"
	"ubond/reorder"
	"ubond/resend"
	"ubond/scheduler"
	"ubond/tcpstream"
	"ubond/tundev"
	"ubond/tunnel"
	"ubond/utils"
	"ubond/wire"
)

// connectTickInterval is the cadence ConnectTick is re-run at (original:
// UBOND_IO_TIMEOUT_DEFAULT/2).
const connectTickInterval = lifecycle.IOTimeoutDefault / 2

// lossyCheckInterval is the cadence CheckLossy/CheckTimeout are re-run at.
const lossyCheckInterval = lifecycle.IOTimeoutDefault / 2

// keepaliveInterval is the cadence SendKeepalive is re-run at.
const keepaliveInterval = lifecycle.IOTimeoutDefault

// flowResendInterval is the cadence tcpstream.Stream.NeedsResend is swept
// across every live flow.
const flowResendInterval = 50 * time.Millisecond

// disconnectTimeout is the base timeout CheckTimeout compares a LOSSY
// tunnel's last activity against (original: UBOND_TIMEOUT).
const disconnectTimeout = 30 * time.Second

// Loop drives Context through the cooperative event loop (spec.md §5).
// Every field below is read or dispatched only from the goroutine running
// Run's select statement; reader goroutines started by Supervise only ever
// write to the channels it owns, never touch Context directly.
type Loop struct {
	Ctx *Context

	// TunWrite hands a reassembled IP packet to the local TUN device. Set
	// by the caller before Run.
	TunWrite func([]byte) error

	// OnFlowReadable is invoked after an inbound TCP packet leaves new
	// bytes pending in a flow's output queue, so the controller package's
	// per-connection writer can wake and drain PeekOutput/ConsumeOutput.
	OnFlowReadable func(flowID uint32)

	// OnTCPOpen is invoked when a fresh TCP_OPEN arrives for a flow id this
	// process hasn't seen, carrying the raw sockaddr payload describing
	// the dial target (spec.md §6 "TCP_OPEN carries a sockaddr"), so the
	// controller package can dial out and register the resulting flow.
	OnTCPOpen func(flowID uint32, payload []byte)

	// OnFlowClosed is invoked once a flow has processed a TCP_CLOSE in
	// either direction and has been dropped from the flow table, so the
	// controller package can close its local connection and stop waking
	// its writer goroutine.
	OnFlowClosed func(flowID uint32)

	datagrams chan InboundDatagram
	tunIn     chan []byte

	// flowOpens, flowWrites, and flowCloses are how the controller
	// package's connection-handling goroutines reach into flow state
	// without touching a Stream directly: tcpstream.Stream is documented
	// "not safe for concurrent use... driven from a single event-loop
	// goroutine" (spec.md §5), so even minting a flow and building its
	// outbound packets must cross into the loop goroutine over a channel,
	// exactly as an inbound UDP datagram or TUN read does.
	flowOpens  chan flowOpenRequest
	flowWrites chan flowWrite
	flowCloses chan uint32
	flowReads  chan flowReadRequest

	maxOutOfOrder int
	srttMaxMs     float64
}

// NewLoop constructs a Loop around ctx with buffered dispatch channels of
// modest depth, enough to absorb a burst between select iterations without
// unbounded growth (spec.md §5 "Backpressure").
func NewLoop(ctx *Context) *Loop {
	return &Loop{
		Ctx:           ctx,
		datagrams:     make(chan InboundDatagram, 256),
		tunIn:         make(chan []byte, 256),
		flowOpens:     make(chan flowOpenRequest, 64),
		flowWrites:    make(chan flowWrite, 256),
		flowCloses:    make(chan uint32, 64),
		flowReads:     make(chan flowReadRequest, 64),
		maxOutOfOrder: reorder.MinSize,
	}
}

// ReadFlow asks the loop goroutine for flowID's next chunk of delivered
// application bytes, if any is queued right now. closed reports that the
// flow has finished closing and no further bytes will ever arrive for it
// (spec.md §4.6 draining queue); a nil data with closed==false means
// nothing is pending yet — the caller should wait for its next
// OnFlowReadable wakeup before asking again. Safe to call from any
// goroutine: PeekOutput/ConsumeOutput themselves stay loop-thread-only.
func (l *Loop) ReadFlow(ctx context.Context, flowID uint32) (data []byte, closed bool, err error) {
	req := flowReadRequest{flowID: flowID, resp: make(chan flowReadResult, 1)}
	select {
	case l.flowReads <- req:
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
	select {
	case res := <-req.resp:
		return res.data, res.closed, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// OpenFlow asks the loop goroutine to mint a flow for target (the raw
// dial-target payload a TCP_OPEN carries) and returns the resulting
// Stream once its TCP_OPEN packet has been queued. Safe to call from any
// goroutine; blocks until the loop services the request or ctx is done.
func (l *Loop) OpenFlow(ctx context.Context, target []byte) (*tcpstream.Stream, error) {
	req := flowOpenRequest{target: target, resp: make(chan *tcpstream.Stream, 1)}
	select {
	case l.flowOpens <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case s := <-req.resp:
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// WriteFlow hands a chunk of local-socket bytes to the loop goroutine to
// become flowID's next TCP_DATA packet. Safe to call from any goroutine.
func (l *Loop) WriteFlow(flowID uint32, data []byte) {
	cp := make([]byte, len(data))
	copy(cp, data)
	l.flowWrites <- flowWrite{flowID: flowID, data: cp}
}

// CloseLocalFlow asks the loop goroutine to send a TCP_CLOSE for flowID.
// Safe to call from any goroutine.
func (l *Loop) CloseLocalFlow(flowID uint32) {
	l.flowCloses <- flowID
}

// Datagrams returns the channel UDP reader goroutines should forward
// InboundDatagram values to.
func (l *Loop) Datagrams() chan<- InboundDatagram { return l.datagrams }

// TunIn returns the channel the TUN reader goroutine should forward raw IP
// packets to.
func (l *Loop) TunIn() chan<- []byte { return l.tunIn }

// Run is the single dispatch goroutine: it selects over inbound datagrams,
// inbound TUN reads, and every protocol timer, processing exactly one
// event per iteration (spec.md §5 "no callback preempts another"). It
// returns when ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	bwTicker := time.NewTicker(bandwidth.TickInterval)
	defer bwTicker.Stop()
	reorderTicker := time.NewTicker(reorder.TickInterval)
	defer reorderTicker.Stop()
	connectTicker := time.NewTicker(connectTickInterval)
	defer connectTicker.Stop()
	lossyTicker := time.NewTicker(lossyCheckInterval)
	defer lossyTicker.Stop()
	keepaliveTicker := time.NewTicker(keepaliveInterval)
	defer keepaliveTicker.Stop()
	flowTicker := time.NewTicker(flowResendInterval)
	defer flowTicker.Stop()
	drainTicker := time.NewTicker(5 * time.Millisecond)
	defer drainTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.shutdown()
			return ctx.Err()

		case dg := <-l.datagrams:
			l.handleDatagram(dg)

		case raw := <-l.tunIn:
			l.handleTunRead(raw)

		case req := <-l.flowOpens:
			l.handleFlowOpen(req)

		case w := <-l.flowWrites:
			l.handleFlowWrite(w)

		case flowID := <-l.flowCloses:
			l.handleFlowClose(flowID)

		case req := <-l.flowReads:
			l.handleFlowRead(req)

		case now := <-bwTicker.C:
			l.tickBandwidth(now)

		case now := <-reorderTicker.C:
			l.Ctx.Reorder.Tick(now, l.deliverToTun)

		case <-connectTicker.C:
			l.tickConnect()

		case now := <-lossyTicker.C:
			l.tickLossy(now)

		case <-keepaliveTicker.C:
			l.tickKeepalive()

		case now := <-flowTicker.C:
			l.tickFlowResend(now)

		case <-drainTicker.C:
			l.drainSendBuf()
		}
	}
}

// Supervise starts Run alongside a reader goroutine per UDP tunnel and one
// for the TUN device, cancelling every goroutine as soon as one returns
// (spec.md §9's event-loop-bound callbacks, realized with errgroup rather
// than a raw epoll set). udpConns is keyed by tunnel id; callers build it
// from real sockets since the narrower udpConn interface ReadUDPLoop tests
// against is unexported.
func (l *Loop) Supervise(ctx context.Context, udpConns map[uint16]*net.UDPConn, tun *tundev.Device) error {
	g, gctx := errgroup.WithContext(ctx)
	for id, conn := range udpConns {
		id, conn := id, conn
		g.Go(func() error { return ReadUDPLoop(gctx, id, conn, l.datagrams) })
	}
	if tun != nil {
		g.Go(func() error { return ReadTunLoop(gctx, tun, l.tunIn) })
	}
	g.Go(func() error { return l.Run(gctx) })
	return g.Wait()
}

// shutdown sends a DISCONNECT over each AUTHOK/LOSSY tunnel, each one
// addressed to that tunnel's own peer.
func (l *Loop) shutdown() {
	for _, t := range l.Ctx.Tunnels {
		l.Ctx.Lifecycle.Shutdown([]lifecycle.Peer{t}, engineTunnelQueue(t), l.Ctx.Pool)
	}
}

// handleDatagram decodes one inbound UDP payload, folds it into the
// owning tunnel's loss/RTT tracking, and dispatches by wire type.
func (l *Loop) handleDatagram(dg InboundDatagram) {
	t, ok := l.Ctx.byID[dg.TunID]
	if !ok {
		return
	}
	h, payload, err := wire.Decode(dg.Data)
	if err != nil {
		return
	}
	t.RecordReceivedBytes(len(dg.Data))

	resendSeq, needResend, _, _ := t.OnReceive(&h)
	if needResend {
		metrics.ResendRequestsTotal.WithLabelValues(t.Name()).Inc()
		_ = resend.Request(l.Ctx.Pool, engineTunnelQueue(t), t.ID, resendSeq, 1)
	}

	switch h.Type {
	case wire.TypeAuth, wire.TypeAuthOK:
		a, err := wire.DecodeAuth(payload)
		if err != nil {
			return
		}
		if err := l.Ctx.Lifecycle.HandleAuth(t, engineTunnelQueue(t), l.Ctx.Pool, a); err != nil {
			return
		}
	case wire.TypeKeepalive:
		_ = l.Ctx.Lifecycle.HandleKeepalive(t, payload)
	case wire.TypeResend:
		r, err := wire.DecodeResendRequest(payload)
		if err != nil {
			return
		}
		resend.Handle(l.Ctx.TunnelByID, l.Ctx.SendBuf, r)
	case wire.TypeDisconnect:
		t.SetState(tunnel.StateDisconnected)
		t.ReleaseRing()
		l.Ctx.Lifecycle.NotifyRtunDown(t.Name())
	case wire.TypeData, wire.TypeDataResend:
		pkt := l.Ctx.Pool.Get()
		pkt.Header = h
		_ = pkt.SetPayload(payload)
		l.Ctx.Reorder.Insert(h.DataSeq, pkt, l.deliverToTun)
	case wire.TypeTCPOpen, wire.TypeTCPData, wire.TypeTCPClose, wire.TypeTCPAck:
		l.handleStreamPacket(h, payload)
	}
}

// handleStreamPacket folds one inbound TCP substream packet into its
// Stream's reassembly state. A TCP_OPEN for a flow id this process hasn't
// seen adopts the flow under the peer-chosen id (original: the accepting
// side never mints its own flow_id) and fires OnTCPOpen with the dial
// target carried as the TCP_OPEN's payload; that payload is control data,
// not application bytes, so it is never run through Stream.Inbound — only
// the data_seq slot it occupies is consumed, so the next TCP_DATA drains
// immediately instead of waiting behind a sequence number that was never
// formally received.
func (l *Loop) handleStreamPacket(h wire.Header, payload []byte) {
	s, ok := l.Ctx.Flow(h.FlowID)
	if !ok {
		if h.Type != wire.TypeTCPOpen {
			return
		}
		s = l.Ctx.AdoptFlow(h.FlowID)
		if l.OnTCPOpen != nil {
			l.OnTCPOpen(h.FlowID, payload)
		}
		payload = nil
	}

	pkt := l.Ctx.Pool.Get()
	pkt.Header = h
	_ = pkt.SetPayload(payload)

	shouldAck := s.Inbound(pkt, l.maxOutOfOrder)
	if shouldAck {
		ack := l.Ctx.Pool.Get()
		ack = s.Outbound(ack, wire.TypeTCPAck)
		l.EnqueueStreamOutbound(s, ack)
	}
	if s.PendingOutput() > 0 && l.OnFlowReadable != nil {
		l.OnFlowReadable(h.FlowID)
	}
}

// EnqueueStreamOutbound files a freshly built TCP substream packet for
// scheduled transmission. pkt must already be the return value of
// s.Outbound; every type except a pure ACK is also referenced by the
// stream's own sent list, so it is Retain()'d before entering the shared
// ring (spec.md §9 "Packet aliasing") and immediately marked sent, since
// the 5ms drain tick hands it to the wire shortly after (original: tcp_sent,
// cleared once the write actually leaves the ev_io callback). Exported for
// the controller package's per-connection reader to call after
// Stream.Outbound.
func (l *Loop) EnqueueStreamOutbound(s *tcpstream.Stream, pkt *packet.Packet) {
	if pkt.Header.Type != wire.TypeTCPAck {
		pkt.Retain()
		s.MarkSent(pkt)
	}
	l.Ctx.SendBuf.Push(pkt)
}

// deliverToTun is the reorder buffer's Deliverer: it writes a reassembled
// aggregate packet out through the TUN device and releases it.
func (l *Loop) deliverToTun(pkt *packet.Packet) {
	if l.TunWrite != nil {
		_ = l.TunWrite(pkt.Payload())
	}
	pkt.Release()
}

// handleTunRead wraps one raw IP packet read off the TUN device as a DATA
// packet and files it for scheduling (spec.md §4.1, §4.4). A malformed
// read (wrong version nibble, truncated header) is logged and dropped
// rather than sent across the bond (spec.md §7 "Validation error on
// received packet").
func (l *Loop) handleTunRead(raw []byte) {
	if !validIPPacket(raw) {
		utils.Logger.Warn("engine: dropping malformed tun read", zap.Int("len", len(raw)))
		return
	}
	l.Ctx.Bandwidth.AddIncomingBytes(len(raw))
	pkt := l.Ctx.Pool.Get()
	pkt.Header.Type = wire.TypeData
	if err := pkt.SetPayload(raw); err != nil {
		pkt.Release()
		return
	}
	l.Ctx.SendBuf.Push(pkt)
}

// ipv6HeaderLen is the fixed length of the IPv6 base header (extension
// headers are not validated here; the substream/reorder layers only need
// enough of a sanity check to catch a badly truncated TUN read, not a
// full protocol parse).
const ipv6HeaderLen = 40

// validIPPacket reports whether raw looks like a well-formed IPv4 or IPv6
// packet. IPv4 is validated with golang.org/x/net/ipv4's header parser
// (which also checks the header checksum and declared total length);
// IPv6's base header is fixed-size and carries no checksum of its own, so
// a length/version check is all a TUN-read sanity check needs.
func validIPPacket(raw []byte) bool {
	if len(raw) < 1 {
		return false
	}
	switch raw[0] >> 4 {
	case 4:
		_, err := ipv4.ParseHeader(raw)
		return err == nil
	case 6:
		return len(raw) >= ipv6HeaderLen
	default:
		return false
	}
}

// tickBandwidth runs the 100ms AIMD pass and recomputes the scheduler's
// weights off its freshly smoothed aggregate demand (spec.md §4.5).
func (l *Loop) tickBandwidth(now time.Time) {
	aggregateKbit, maxSizeOutOfOrder := l.Ctx.Bandwidth.Tick(now, l.Ctx.bandwidthNodes())
	l.Ctx.Reorder.SetMaxSizeOutOfOrder(maxSizeOutOfOrder)
	l.maxOutOfOrder = int(maxSizeOutOfOrder)
	scheduler.Recompute(l.Ctx.schedulerNodes(), aggregateKbit, l.Ctx.SendBuf.Len())

	var maxSRTT float64
	for _, t := range l.Ctx.Tunnels {
		if srtt := t.SRTT(); srtt > maxSRTT {
			maxSRTT = srtt
		}
		metrics.ObserveTunnel(t.Name(), t.Loss(), t.SRTTAverage(), float64(t.BandwidthMax()), t.Weight(), int(t.State()))
	}
	l.srttMaxMs = maxSRTT
	metrics.ReorderBufferSize.Set(float64(l.Ctx.Reorder.Size()))
}

// tickConnect re-runs the connect handshake check on every tunnel
// (spec.md §4.7 "Connect tick").
func (l *Loop) tickConnect() {
	for _, t := range l.Ctx.Tunnels {
		l.Ctx.Lifecycle.ConnectTick(t, engineTunnelQueue(t), l.Ctx.Pool)
	}
}

// tickKeepalive emits a KEEPALIVE on every AUTHOK/LOSSY tunnel.
func (l *Loop) tickKeepalive() {
	for _, t := range l.Ctx.Tunnels {
		if t.State() == tunnel.StateAuthOK || t.State() == tunnel.StateLossy {
			l.Ctx.Lifecycle.SendKeepalive(t, engineTunnelQueue(t), l.Ctx.Pool)
		}
	}
}

// tickLossy re-runs the LOSSY/DISCONNECTED transition checks on every
// tunnel (spec.md §4.7). A tunnel newly gone DISCONNECTED asks every
// surviving tunnel to resend its own last ring's worth of traffic, since
// whatever that dead tunnel was carrying is now presumed lost (spec.md §8
// scenario 3: "the other tunnel receives a RESEND request covering
// seq_last..seq_last+RESENDBUFSIZE").
func (l *Loop) tickLossy(now time.Time) {
	for _, t := range l.Ctx.Tunnels {
		t := t
		l.Ctx.Lifecycle.CheckLossy(t, now, func() {
			metrics.TunnelsLossyTotal.WithLabelValues(t.Name()).Inc()
			metrics.ResendRequestsTotal.WithLabelValues(t.Name()).Inc()
			base := t.LastRingSeq() + 1
			_ = resend.Request(l.Ctx.Pool, engineTunnelQueue(t), t.ID, base, tunnel.RingSize)
		})
		l.Ctx.Lifecycle.CheckTimeout(t, now, disconnectTimeout, func() {
			for _, survivor := range l.Ctx.Tunnels {
				if survivor == t || (survivor.State() != tunnel.StateAuthOK && survivor.State() != tunnel.StateLossy) {
					continue
				}
				metrics.ResendRequestsTotal.WithLabelValues(survivor.Name()).Inc()
				base := survivor.LastRingSeq() + 1
				_ = resend.Request(l.Ctx.Pool, engineTunnelQueue(survivor), survivor.ID, base, tunnel.RingSize)
			}
		})
	}
	if scheduler.FallbackActive(l.Ctx.schedulerNodes()) {
		metrics.FallbackActive.Set(1)
	} else {
		metrics.FallbackActive.Set(0)
	}
}

// tickFlowResend sweeps every live flow for a head-of-line packet overdue
// for retransmission (spec.md §4.6), and reaps any flow that has finished
// closing (TCP_CLOSE sent-and-acked, or received from the peer) so the
// controller package can tear down its local connection (spec.md §3
// "Lifecycles": substreams "destroyed when TCP_CLOSE is both sent and
// ACKed or on socket error").
func (l *Loop) tickFlowResend(now time.Time) {
	fullRTT := tcpstream.FullRTT(l.srttMaxMs)
	for _, s := range l.Ctx.Flows() {
		if s.Closed() {
			l.Ctx.CloseFlow(s.FlowID)
			if l.OnFlowClosed != nil {
				l.OnFlowClosed(s.FlowID)
			}
			continue
		}
		if pkt := s.NeedsResend(now, l.maxOutOfOrder, fullRTT); pkt != nil {
			pkt.Retain()
			s.MarkSent(pkt)
			l.Ctx.SendBuf.Push(pkt)
		}
	}
}

// flowOpenRequest asks the loop goroutine to mint a flow and send its
// TCP_OPEN, replying with the new Stream so the requester's connection
// pump can start driving it.
type flowOpenRequest struct {
	target []byte
	resp   chan *tcpstream.Stream
}

// flowWrite carries one chunk of local-socket bytes destined for an
// existing flow's outbound queue.
type flowWrite struct {
	flowID uint32
	data   []byte
}

// handleFlowOpen mints a flow for a locally-accepted connection and queues
// its TCP_OPEN, carrying target (the dial address the peer must connect
// to) as payload (spec.md §4.6 "On accept, the server side sends TCP_OPEN
// containing the destination... the peer opens the matching TCP socket").
func (l *Loop) handleFlowOpen(req flowOpenRequest) {
	s := l.Ctx.NewFlow()
	pkt := l.Ctx.Pool.Get()
	if err := pkt.SetPayload(req.target); err != nil {
		pkt.Release()
		req.resp <- s
		return
	}
	pkt = s.Outbound(pkt, wire.TypeTCPOpen)
	l.EnqueueStreamOutbound(s, pkt)
	req.resp <- s
}

// handleFlowWrite folds one chunk of local-socket bytes into w.flowID's
// next TCP_DATA packet. A flow that vanished in the meantime (closed by
// the peer) silently drops the write, matching a write to an already-shut
// socket.
func (l *Loop) handleFlowWrite(w flowWrite) {
	s, ok := l.Ctx.Flow(w.flowID)
	if !ok {
		return
	}
	pkt := l.Ctx.Pool.Get()
	if err := pkt.SetPayload(w.data); err != nil {
		pkt.Release()
		return
	}
	pkt = s.Outbound(pkt, wire.TypeTCPData)
	l.EnqueueStreamOutbound(s, pkt)
}

// handleFlowClose sends a TCP_CLOSE for flowID. The flow itself is only
// dropped from the table once tickFlowResend observes Stream.Closed(),
// i.e. once the close has actually been acked (or the peer's own close
// was received first).
func (l *Loop) handleFlowClose(flowID uint32) {
	s, ok := l.Ctx.Flow(flowID)
	if !ok {
		return
	}
	pkt := l.Ctx.Pool.Get()
	pkt = s.Outbound(pkt, wire.TypeTCPClose)
	l.EnqueueStreamOutbound(s, pkt)
}

// flowReadRequest asks the loop goroutine to drain one queued chunk off
// flowID's delivered-output queue.
type flowReadRequest struct {
	flowID uint32
	resp   chan flowReadResult
}

// flowReadResult carries back either a chunk of delivered bytes or a
// closed notice; neither set means nothing is pending yet.
type flowReadResult struct {
	data   []byte
	closed bool
}

// handleFlowRead drains flowID's front output chunk, if any, copying it
// out before calling ConsumeOutput (the stream owns the underlying slice
// afterward, so the caller must not be handed a reference into it).
func (l *Loop) handleFlowRead(req flowReadRequest) {
	s, ok := l.Ctx.Flow(req.flowID)
	if !ok {
		req.resp <- flowReadResult{closed: true}
		return
	}
	if out, has := s.PeekOutput(); has {
		cp := make([]byte, len(out))
		copy(cp, out)
		s.ConsumeOutput(len(cp))
		req.resp <- flowReadResult{data: cp}
		return
	}
	req.resp <- flowReadResult{closed: s.Closed()}
}

// drainSendBuf hands queued packets to the scheduler's pick, one at a
// time, stopping as soon as no tunnel has pacing budget ready right now
// (spec.md §4.5 pacer, §9 "Backpressure").
func (l *Loop) drainSendBuf() {
	for {
		pkt, ok := l.Ctx.SendBuf.Pop()
		if !ok {
			return
		}
		wireSize := wire.HeaderLen + len(pkt.Payload())
		idx := scheduler.Pick(l.Ctx.schedulerNodes(), wireSize)
		if idx < 0 {
			// Nothing ready: put it back at the front and wait for the
			// next drain tick rather than spin.
			l.Ctx.SendBuf.items = append([]*packet.Packet{pkt}, l.Ctx.SendBuf.items...)
			return
		}
		if err := l.Ctx.Tunnels[idx].Send(pkt); err != nil {
			pkt.Release()
		}
	}
}

func engineTunnelQueue(t *tunnel.Tunnel) TunnelQueue {
	return TunnelQueue{Tunnel: t}
}
