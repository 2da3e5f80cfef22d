// Package tcpstream implements the reliable TCP substream carried over the
// bonded tunnels: one Stream per accepted local TCP connection, each
// reassembling its own ordered byte stream out of aggregate-layer packets
// that may arrive over different tunnels out of order (spec.md §2 "TCP
// substream", §4.6), grounded on original_source/src/socks.c.
package tcpstream

import (
	"time"

	"ubond/packet"
	"ubond/seqnum"
	"ubond/wire"
)

// MaxOutstanding caps how many unacknowledged DATA packets a stream may have
// in flight before its local reader is paused (original: TCP_MAX_OUTSTANDING).
const MaxOutstanding = 1024

// DrainStallThreshold is the backlog of locally-undelivered drained chunks
// (one per packet) at which a stream stops acking new data until the local
// socket catches up
// (original: "if (s->draining.length > 1000) s->stall = 1").
const DrainStallThreshold = 1000

// DefaultFullRTT is used until a tunnel has produced a real srtt_max sample
// (original: "if (srtt_max) return srtt_max/250; else return 0.25").
const DefaultFullRTT = 250 * time.Millisecond

// FullRTTDivisor converts a bond-wide srtt_max (ms) into the substream's
// resend interval. Preserved verbatim from the original as a tunable
// package-level var rather than a constant (spec.md §9 Open Questions).
var FullRTTDivisor float64 = 250

// FullRTT computes the resend interval for a stream given the bond's
// current maximum smoothed RTT (ms), or DefaultFullRTT if none has been
// measured yet.
func FullRTT(srttMaxMs float64) time.Duration {
	if srttMaxMs <= 0 {
		return DefaultFullRTT
	}
	return time.Duration(srttMaxMs / FullRTTDivisor * float64(time.Second))
}

type sentEntry struct {
	pkt      *packet.Packet
	sending  bool
	lastSent time.Time
}

// Stream is one reliable, ordered substream multiplexed over the bond. It is
// not safe for concurrent use: like the rest of this module it is driven
// from a single event-loop goroutine (spec.md §5).
type Stream struct {
	FlowID uint32

	dataSeq  uint16
	nextSeq  uint16
	seqToAck uint16

	sent     []*sentEntry
	received []*packet.Packet
	draining [][]byte

	drainOffset int // bytes of draining[0] already delivered locally

	stall   bool
	sending int
	closed  bool
}

// New constructs a Stream for a freshly accepted local connection, assigned
// flowID (original: stream_t's preset_flow_id, minted once per pooled slot
// and never zero).
func New(flowID uint32) *Stream {
	return &Stream{FlowID: flowID}
}

// ReadyForMore reports whether the stream may accept more bytes from its
// local socket right now (original: the io_read ev_io gate keyed on
// s->sent.length < TCP_MAX_OUTSTANDING, generalized here to also honor an
// explicit close).
func (s *Stream) ReadyForMore() bool {
	return !s.closed && len(s.sent) < MaxOutstanding
}

// Closed reports whether this stream has processed a TCP_CLOSE in either
// direction and should be returned to its pool.
func (s *Stream) Closed() bool {
	return s.closed
}

// Outbound stamps pkt for transmission over the bond: assigns the next
// data_seq (or 0 for a pure ACK, which is never itself acked or resent),
// piggybacks the last delivered ack, and files it on the sent list so a
// later ACK or resend timer can account for it (original: send_pkt_tun).
// The caller owns handing the returned packet to a tunnel/scheduler.
func (s *Stream) Outbound(pkt *packet.Packet, typ wire.Type) *packet.Packet {
	pkt.Header.FlowID = s.FlowID
	pkt.Header.Type = typ
	pkt.Header.AckSeq = s.seqToAck

	if typ == wire.TypeTCPAck {
		pkt.Header.DataSeq = 0
		return pkt
	}

	pkt.Header.DataSeq = s.dataSeq
	s.dataSeq++
	s.sending++
	s.sent = append(s.sent, &sentEntry{pkt: pkt, sending: true, lastSent: time.Now()})
	return pkt
}

// Sent reports this stream's count of unacknowledged outstanding packets.
func (s *Stream) Sent() int { return len(s.sent) }

// MarkSent clears the in-flight flag a freshly (re)transmitted packet
// carries once it actually leaves the wire (original: tcp_sent).
func (s *Stream) MarkSent(pkt *packet.Packet) {
	if s.sending > 0 {
		s.sending--
	}
	for _, e := range s.sent {
		if e.pkt == pkt {
			e.sending = false
			return
		}
	}
}

// Inbound folds a freshly-arrived aggregate packet into this stream's
// reassembly state: it reconciles the sent list against the packet's
// ack_seq, inserts DATA into the ordered received buffer (de-duplicating
// and discarding anything already delivered), and drains any now-contiguous
// prefix into the local-delivery queue, where it stays until the caller
// reports it written via ConsumeOutput (original: ubond_stream_write).
//
// It returns whether the stream should emit an ACK now (original: the
// trailing "if (drained || ...) stamp(s)" call).
func (s *Stream) Inbound(pkt *packet.Packet, maxOutOfOrder int) (shouldAck bool) {
	s.reconcileAcks(pkt.Header.AckSeq)

	if pkt.Header.Type == wire.TypeTCPAck {
		pkt.Release()
	} else if s.insertReceived(pkt) {
		// duplicate or already-delivered: drop and still ack, so the
		// sender's resend timer sees proof of life (original: the
		// early-return branches of ubond_stream_write all call stamp()).
		return true
	}

	drainedCount := s.drainContiguous()

	if len(s.draining) > DrainStallThreshold {
		s.stall = true
	}

	return drainedCount > 0 || len(s.received) > maxOutOfOrder
}

// reconcileAcks removes every sent entry whose data_seq is covered by
// ackSeq, closing the stream if a TCP_CLOSE was among them (original: the
// "first check off the things from the 'sent' queue" loop).
func (s *Stream) reconcileAcks(ackSeq uint16) int {
	acked := 0
	for len(s.sent) > 0 {
		e := s.sent[0]
		if !seqnum.Uint16OlderOrEqual(e.pkt.Header.DataSeq, ackSeq) {
			break
		}
		s.sent = s.sent[1:]
		acked++
		closedNow := e.pkt.Header.Type == wire.TypeTCPClose
		matched := e.pkt.Header.DataSeq == ackSeq
		e.pkt.Release()
		if closedNow {
			s.closed = true
			break
		}
		if matched {
			break
		}
	}
	return acked
}

// insertReceived inserts pkt into the ordered out-of-order buffer,
// reporting true if it was a duplicate (already delivered, or already
// buffered) and was dropped instead (original: the dedup checks preceding
// UBOND_TAILQ_INSERT_BEFORE/INSERT_TAIL in ubond_stream_write).
func (s *Stream) insertReceived(pkt *packet.Packet) (duplicate bool) {
	seq := pkt.Header.DataSeq
	if seqnum.Uint16Older(seq, s.nextSeq) {
		pkt.Release()
		return true
	}
	for i, l := range s.received {
		if l.Header.DataSeq == seq {
			pkt.Release()
			return true
		}
		if seqnum.Uint16Older(seq, l.Header.DataSeq) {
			s.received = append(s.received, nil)
			copy(s.received[i+1:], s.received[i:])
			s.received[i] = pkt
			return false
		}
	}
	s.received = append(s.received, pkt)
	return false
}

// drainContiguous moves every received packet whose data_seq picks up
// exactly where next_seq left off into the draining queue (original: the
// "drain" loop in ubond_stream_write).
func (s *Stream) drainContiguous() int {
	drained := 0
	for len(s.received) > 0 && s.received[0].Header.DataSeq == s.nextSeq {
		l := s.received[0]
		s.received = s.received[1:]
		s.seqToAck = l.Header.DataSeq
		s.nextSeq = s.seqToAck + 1

		if l.Header.Type == wire.TypeTCPClose {
			l.Release()
			s.closed = true
			drained++
			break
		}
		if len(l.Payload()) > 0 {
			buf := make([]byte, len(l.Payload()))
			copy(buf, l.Payload())
			s.draining = append(s.draining, buf)
			drained++
		}
		l.Release()
	}
	return drained
}

// PendingOutput reports how many undelivered chunks remain queued for the
// local socket (original: s->draining.length).
func (s *Stream) PendingOutput() int {
	return len(s.draining)
}

// PeekOutput returns the bytes still owed to the local socket from the
// front of the output queue, without removing them (original:
// &l->p.data[l->sent]). Returns false if nothing is queued.
func (s *Stream) PeekOutput() ([]byte, bool) {
	if len(s.draining) == 0 {
		return nil, false
	}
	return s.draining[0][s.drainOffset:], true
}

// ConsumeOutput reports that n bytes from the front of the output queue
// were successfully written to the local socket, advancing past the
// current chunk once it is fully consumed and clearing the stall flag
// once the remaining backlog drops back below DrainStallThreshold
// (original: the partial-write bookkeeping in on_write_cb, keyed on
// "if (s->draining.length < 1000) s->stall = 0").
func (s *Stream) ConsumeOutput(n int) {
	if len(s.draining) == 0 {
		return
	}
	s.drainOffset += n
	if s.drainOffset >= len(s.draining[0]) {
		s.draining = s.draining[1:]
		s.drainOffset = 0
		if len(s.draining) < DrainStallThreshold {
			s.stall = false
		}
	}
}

// Stalled reports whether new data should stop being acked until the local
// socket drains its backlog.
func (s *Stream) Stalled() bool {
	return s.stall
}

// NeedsResend reports the head-of-line sent packet that should be
// retransmitted because the stream has accumulated more than
// 2*maxOutOfOrder unacknowledged packets and the oldest hasn't been
// re-sent within fullRTT (original: the first branch of resend(); its
// exhaustive per-packet fallback loop is left disabled behind "#if 0" in
// the original and is not ported). Returns nil if no resend is due.
func (s *Stream) NeedsResend(now time.Time, maxOutOfOrder int, fullRTT time.Duration) *packet.Packet {
	if len(s.sent) <= maxOutOfOrder*2 {
		return nil
	}
	e := s.sent[0]
	if e.sending {
		return nil
	}
	if now.Sub(e.lastSent) <= fullRTT {
		return nil
	}
	e.lastSent = now
	e.sending = true
	s.sending++
	return e.pkt
}

// Close releases every packet this stream still owns across its sent,
// received, and draining queues (original: ubond_stream_close's teardown).
func (s *Stream) Close() {
	for _, e := range s.sent {
		e.pkt.Release()
	}
	s.sent = nil
	for _, l := range s.received {
		l.Release()
	}
	s.received = nil
	s.draining = nil
	s.closed = true
}
