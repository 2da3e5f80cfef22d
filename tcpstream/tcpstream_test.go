package tcpstream

import (
	"testing"
	"time"

	"github.com/go-test/deep"

	"ubond/packet"
	"ubond/wire"
)

func dataPkt(pool *packet.Pool, seq uint16, payload string) *packet.Packet {
	pk := pool.Get()
	_ = pk.SetPayload([]byte(payload))
	pk.Header.Type = wire.TypeTCPData
	pk.Header.DataSeq = seq
	return pk
}

func TestOutboundAssignsSequentialDataSeq(t *testing.T) {
	pool := packet.NewPool()
	s := New(7)

	for i := 0; i < 3; i++ {
		pk := pool.Get()
		_ = pk.SetPayload([]byte("x"))
		out := s.Outbound(pk, wire.TypeTCPData)
		if out.Header.DataSeq != uint16(i) {
			t.Errorf("packet %d has data_seq %d, want %d", i, out.Header.DataSeq, i)
		}
		if out.Header.FlowID != 7 {
			t.Errorf("flow_id = %d, want 7", out.Header.FlowID)
		}
	}
	if s.Sent() != 3 {
		t.Errorf("Sent() = %d, want 3", s.Sent())
	}
}

func TestOutboundACKDoesNotConsumeDataSeqOrSentSlot(t *testing.T) {
	pool := packet.NewPool()
	s := New(1)

	ack := pool.Get()
	out := s.Outbound(ack, wire.TypeTCPAck)
	if out.Header.DataSeq != 0 {
		t.Errorf("ACK data_seq = %d, want 0", out.Header.DataSeq)
	}
	if s.Sent() != 0 {
		t.Errorf("Sent() after ACK = %d, want 0", s.Sent())
	}

	pk := pool.Get()
	_ = pk.SetPayload([]byte("x"))
	data := s.Outbound(pk, wire.TypeTCPData)
	if data.Header.DataSeq != 0 {
		t.Errorf("first DATA data_seq = %d, want 0 (ACK must not consume the sequence space)", data.Header.DataSeq)
	}
}

// takeAllOutput drains every queued output chunk for test assertions,
// mirroring a caller that writes each chunk to the local socket in full.
func takeAllOutput(s *Stream) [][]byte {
	var out [][]byte
	for {
		chunk, ok := s.PeekOutput()
		if !ok {
			return out
		}
		cp := make([]byte, len(chunk))
		copy(cp, chunk)
		out = append(out, cp)
		s.ConsumeOutput(len(chunk))
	}
}

func TestInboundDrainsContiguous(t *testing.T) {
	pool := packet.NewPool()
	s := New(1)

	for i := uint16(0); i < 3; i++ {
		pk := dataPkt(pool, i, "abc")
		shouldAck := s.Inbound(pk, 20)
		if !shouldAck {
			t.Errorf("seq %d: expected shouldAck", i)
		}
		drained := takeAllOutput(s)
		if len(drained) != 1 || string(drained[0]) != "abc" {
			t.Errorf("seq %d: drained = %v, want one \"abc\" chunk", i, drained)
		}
	}
	if s.nextSeq != 3 {
		t.Errorf("next_seq = %d, want 3", s.nextSeq)
	}
}

func TestInboundBuffersOutOfOrderThenDrainsOnGapFill(t *testing.T) {
	pool := packet.NewPool()
	s := New(1)

	shouldAck := s.Inbound(dataPkt(pool, 1, "second"), 20)
	if s.PendingOutput() != 0 {
		t.Errorf("out-of-order packet should not drain yet, pending=%d", s.PendingOutput())
	}
	if shouldAck {
		t.Error("an out-of-order insert alone should not require an immediate ack")
	}

	shouldAck = s.Inbound(dataPkt(pool, 0, "first"), 20)
	if !shouldAck {
		t.Error("filling the gap should trigger an ack")
	}
	drained := takeAllOutput(s)
	got := make([]string, len(drained))
	for i, d := range drained {
		got[i] = string(d)
	}
	if diff := deep.Equal(got, []string{"first", "second"}); diff != nil {
		t.Errorf("drained mismatch: %v", diff)
	}
}

func TestInboundDropsDuplicateAlreadyDelivered(t *testing.T) {
	pool := packet.NewPool()
	s := New(1)

	s.Inbound(dataPkt(pool, 0, "x"), 20)
	takeAllOutput(s)

	shouldAck := s.Inbound(dataPkt(pool, 0, "x"), 20)
	if s.PendingOutput() != 0 {
		t.Errorf("a resend of an already-delivered packet should not drain again, pending=%d", s.PendingOutput())
	}
	if !shouldAck {
		t.Error("a duplicate should still be acked, proving liveness to the sender's resend timer")
	}
}

func TestInboundDropsDuplicateStillBuffered(t *testing.T) {
	pool := packet.NewPool()
	s := New(1)

	s.Inbound(dataPkt(pool, 1, "second"), 20) // buffered, not yet drained

	shouldAck := s.Inbound(dataPkt(pool, 1, "second-resend"), 20)
	if s.PendingOutput() != 0 {
		t.Errorf("a duplicate of a still-buffered seq should not drain, pending=%d", s.PendingOutput())
	}
	if !shouldAck {
		t.Error("a duplicate should still be acked")
	}
	if len(s.received) != 1 {
		t.Errorf("received buffer should still hold exactly one entry, got %d", len(s.received))
	}
}

func TestReconcileAcksRemovesAckedSentAndStopsAtMatch(t *testing.T) {
	pool := packet.NewPool()
	s := New(1)
	for i := 0; i < 3; i++ {
		pk := pool.Get()
		_ = pk.SetPayload([]byte("x"))
		s.Outbound(pk, wire.TypeTCPData)
	}

	ack := pool.Get()
	ack.Header.Type = wire.TypeTCPAck
	ack.Header.AckSeq = 1
	s.Inbound(ack, 20)

	if s.Sent() != 1 {
		t.Errorf("Sent() after ack_seq=1 = %d, want 1 (data_seq 0 and 1 retired)", s.Sent())
	}
	if s.sent[0].pkt.Header.DataSeq != 2 {
		t.Errorf("remaining sent entry has data_seq %d, want 2", s.sent[0].pkt.Header.DataSeq)
	}
}

func TestReconcileAcksClosesStreamOnAckedTCPClose(t *testing.T) {
	pool := packet.NewPool()
	s := New(1)
	pk := pool.Get()
	s.Outbound(pk, wire.TypeTCPClose)

	ack := pool.Get()
	ack.Header.Type = wire.TypeTCPAck
	ack.Header.AckSeq = 0
	s.Inbound(ack, 20)

	if !s.Closed() {
		t.Error("acking a TCP_CLOSE should close the stream")
	}
}

func TestReadyForMoreBlocksAtMaxOutstanding(t *testing.T) {
	pool := packet.NewPool()
	s := New(1)
	for i := 0; i < MaxOutstanding; i++ {
		pk := pool.Get()
		_ = pk.SetPayload([]byte("x"))
		s.Outbound(pk, wire.TypeTCPData)
	}
	if s.ReadyForMore() {
		t.Error("ReadyForMore() should be false once sent.length reaches MaxOutstanding")
	}
}

func TestNeedsResendRetransmitsHeadAfterFullRTT(t *testing.T) {
	pool := packet.NewPool()
	s := New(1)
	maxOutOfOrder := 5
	for i := 0; i < maxOutOfOrder*2+1; i++ {
		pk := pool.Get()
		_ = pk.SetPayload([]byte("x"))
		out := s.Outbound(pk, wire.TypeTCPData)
		s.MarkSent(out)
	}

	past := time.Now().Add(2 * DefaultFullRTT)
	pkt := s.NeedsResend(past, maxOutOfOrder, DefaultFullRTT)
	if pkt == nil {
		t.Fatal("expected a resend once the head of the sent queue is older than fullRTT")
	}
	if pkt.Header.DataSeq != 0 {
		t.Errorf("resent packet has data_seq %d, want 0 (head of line)", pkt.Header.DataSeq)
	}

	if again := s.NeedsResend(past, maxOutOfOrder, DefaultFullRTT); again != nil {
		t.Error("a packet already marked sending should not be resent twice concurrently")
	}
}

func TestNeedsResendNoopBelowThreshold(t *testing.T) {
	pool := packet.NewPool()
	s := New(1)
	pk := pool.Get()
	out := s.Outbound(pk, wire.TypeTCPData)
	s.MarkSent(out)

	if got := s.NeedsResend(time.Now().Add(time.Hour), 20, DefaultFullRTT); got != nil {
		t.Error("a single outstanding packet below 2*maxOutOfOrder should not trigger a resend")
	}
}

func TestCloseReleasesQueuesAndMarksClosed(t *testing.T) {
	pool := packet.NewPool()
	s := New(1)
	pk := pool.Get()
	_ = pk.SetPayload([]byte("x"))
	s.Outbound(pk, wire.TypeTCPData)
	s.Inbound(dataPkt(pool, 5, "buffered"), 20)

	s.Close()

	if !s.Closed() {
		t.Error("Close() should mark the stream closed")
	}
	if len(s.sent) != 0 || len(s.received) != 0 || len(s.draining) != 0 {
		t.Error("Close() should empty every queue")
	}
}

func TestInboundStallsAfterLargeDrainBacklog(t *testing.T) {
	pool := packet.NewPool()
	s := New(1)
	for i := uint16(0); i <= DrainStallThreshold; i++ {
		s.Inbound(dataPkt(pool, i, "x"), 20)
	}
	if !s.Stalled() {
		t.Error("exceeding DrainStallThreshold undelivered chunks should set stall")
	}
	for s.PendingOutput() > 0 {
		chunk, _ := s.PeekOutput()
		s.ConsumeOutput(len(chunk))
	}
	if s.Stalled() {
		t.Error("draining the backlog below DrainStallThreshold should clear stall")
	}
}
