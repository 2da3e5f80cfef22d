package tunnel

import (
	"testing"
	"time"

	"ubond/packet"
	"ubond/wire"
)

type fakeSender struct {
	sent [][]byte
}

func (f *fakeSender) SendTo(b []byte) (int, error) {
	cp := make([]byte, len(b))
	copy(cp, b)
	f.sent = append(f.sent, cp)
	return len(b), nil
}

func TestSendAssignsMonotonicTunSeq(t *testing.T) {
	pool := packet.NewPool()
	sender := &fakeSender{}
	tun := New("t0", 5000, sender, 1000, false, false)
	tun.SetBytesPerSec(1_000_000_000) // effectively unlimited for this test

	for i := 0; i < 5; i++ {
		pk := pool.Get()
		_ = pk.SetPayload([]byte("x"))
		if err := tun.Send(pk); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	if len(sender.sent) != 5 {
		t.Fatalf("expected 5 sends, got %d", len(sender.sent))
	}
	for i, raw := range sender.sent {
		h, _, err := wire.Decode(raw)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if h.TunSeq != uint16(i) {
			t.Errorf("packet %d has tun_seq %d, want %d", i, h.TunSeq, i)
		}
	}
}

func TestRingOverwriteReleasesPriorOccupant(t *testing.T) {
	pool := packet.NewPool()
	sender := &fakeSender{}
	tun := New("t0", 5000, sender, 1000, false, false)
	tun.SetBytesPerSec(1_000_000_000)

	// Send RingSize+1 packets; the first slot's original occupant must be
	// released (and its ring entry replaced) without a double free.
	for i := 0; i < RingSize+1; i++ {
		pk := pool.Get()
		_ = pk.SetPayload([]byte{byte(i)})
		if err := tun.Send(pk); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	// tun_seq 0 should no longer be resolvable: its slot was overwritten by
	// tun_seq RingSize (same slot index), which carries a different tun_seq.
	if _, ok := tun.RingLookup(0); ok {
		t.Error("stale ring slot should not resolve for an overwritten tun_seq")
	}
	if _, ok := tun.RingLookup(RingSize); !ok {
		t.Error("the packet that overwrote the slot should be found by its own tun_seq")
	}
}

func TestRingLookupGuardsAgainstWrongTunSeq(t *testing.T) {
	pool := packet.NewPool()
	sender := &fakeSender{}
	tun := New("t0", 5000, sender, 1000, false, false)
	tun.SetBytesPerSec(1_000_000_000)

	pk := pool.Get()
	_ = pk.SetPayload([]byte("a"))
	if err := tun.Send(pk); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if _, ok := tun.RingLookup(999); ok {
		t.Error("lookup for a tun_seq never sent should miss")
	}
}

func TestOnReceiveTracksRTT(t *testing.T) {
	sender := &fakeSender{}
	tun := New("t0", 5000, sender, 1000, false, false)

	h := &wire.Header{TunSeq: 1, Timestamp: now16(), TimestampReply: now16() - 10}
	_, _, rtt, have := tun.OnReceive(h)
	if !have {
		t.Fatal("expected an RTT sample")
	}
	if rtt < 0 || rtt > 1000 {
		t.Errorf("unexpected rtt sample %d", rtt)
	}
}

func TestOnReceiveDiscardsHugeRTT(t *testing.T) {
	sender := &fakeSender{}
	tun := New("t0", 5000, sender, 1000, false, false)

	// timestamp_reply far in the past: sample >= 5000ms must be discarded.
	h := &wire.Header{TunSeq: 1, Timestamp: now16(), TimestampReply: now16() - 6000}
	_, _, _, have := tun.OnReceive(h)
	if have {
		t.Error("RTT sample >= 5000ms should be discarded")
	}
}

func TestOnReceiveAbsentReplyNoSample(t *testing.T) {
	sender := &fakeSender{}
	tun := New("t0", 5000, sender, 1000, false, false)
	h := &wire.Header{TunSeq: 1, Timestamp: now16(), TimestampReply: wire.TimestampAbsent}
	_, _, _, have := tun.OnReceive(h)
	if have {
		t.Error("absent timestamp_reply should not produce a sample")
	}
}

func TestBandwidthMaxFloor(t *testing.T) {
	sender := &fakeSender{}
	tun := New("t0", 5000, sender, 1000, false, false)
	tun.SetBandwidthMax(50)
	if tun.BandwidthMax() != 100 {
		t.Errorf("bandwidth_max should floor at 100, got %d", tun.BandwidthMax())
	}
}

func TestReleaseRingReleasesAllSlots(t *testing.T) {
	pool := packet.NewPool()
	sender := &fakeSender{}
	tun := New("t0", 5000, sender, 1000, false, false)
	tun.SetBytesPerSec(1_000_000_000)
	for i := 0; i < 3; i++ {
		pk := pool.Get()
		_ = pk.SetPayload([]byte{byte(i)})
		_ = tun.Send(pk)
	}
	tun.ReleaseRing()
	if _, ok := tun.RingLookup(0); ok {
		t.Error("ring should be empty after ReleaseRing")
	}
}

func TestPacerBlocksOverBudget(t *testing.T) {
	sender := &fakeSender{}
	tun := New("t0", 5000, sender, 1000, false, false)
	tun.SetBytesPerSec(10) // 10 bytes/sec: tiny budget

	// The first send may consume the initial burst allowance immediately
	// (spec.md §4.1: the tunnel always gets to send one packet before
	// pacing kicks in).
	if ok, _ := tun.ReserveSend(1000); !ok {
		t.Fatal("first reservation within burst should be admitted")
	}
	// A second, equally large send against the same tiny budget must now
	// be deferred.
	ok, delay := tun.ReserveSend(1000)
	if ok && delay == 0 {
		t.Error("a second 1000-byte send against a 10 B/s budget should not be immediately admitted")
	}
}

func TestDrainMeasuredBandwidthResetsAccumulator(t *testing.T) {
	sender := &fakeSender{}
	tun := New("t0", 5000, sender, 1000, false, false)
	tun.RecordReceivedBytes(128) // 128 bytes / 128 = 1, * inverseBwCalcTime(10) = 10 kbit/s
	kbit := tun.DrainMeasuredBandwidth(10)
	if kbit != 10 {
		t.Errorf("measured bandwidth = %f, want 10", kbit)
	}
	if kbit2 := tun.DrainMeasuredBandwidth(10); kbit2 != 0 {
		t.Errorf("second drain should see 0, got %f", kbit2)
	}
}

func TestSetBandwidthOutIgnoresZero(t *testing.T) {
	sender := &fakeSender{}
	tun := New("t0", 5000, sender, 1000, false, false)
	tun.SetBandwidthOut(500)
	tun.SetBandwidthOut(0)
	if tun.BandwidthOut() != 500 {
		t.Errorf("BandwidthOut() = %d, want 500 (a zero report must be ignored)", tun.BandwidthOut())
	}
}

func TestDrainReductionsPercentBelowMinSamplesIsZero(t *testing.T) {
	sender := &fakeSender{}
	tun := New("t0", 5000, sender, 1000, false, false)
	for i := 0; i < 3; i++ {
		tun.OnReceive(&wire.Header{TimestampReply: wire.TimestampAbsent})
	}
	tun.IncrementSRTTReductions()
	if pct := tun.DrainReductionsPercent(); pct != 0 {
		t.Errorf("reductions pct with <10 samples = %f, want 0", pct)
	}
}

func TestDrainReductionsPercentComputesRatio(t *testing.T) {
	sender := &fakeSender{}
	tun := New("t0", 5000, sender, 1000, false, false)
	for i := 0; i < 10; i++ {
		tun.OnReceive(&wire.Header{TimestampReply: wire.TimestampAbsent})
	}
	tun.IncrementSRTTReductions()
	tun.IncrementSRTTReductions()
	if pct := tun.DrainReductionsPercent(); pct != 20 {
		t.Errorf("reductions pct = %f, want 20", pct)
	}
}

func TestDrainAdjustWindowResets(t *testing.T) {
	sender := &fakeSender{}
	tun := New("t0", 5000, sender, 1_000_000, false, false)
	tun.SetBytesPerSec(1_000_000)
	ok, _ := tun.ReserveSend(100)
	if !ok {
		t.Fatal("expected reservation to be admitted")
	}
	sent, _ := tun.DrainAdjustWindow(time.Now())
	if sent != 100 {
		t.Errorf("drained %d bytes, want 100", sent)
	}
	sent2, _ := tun.DrainAdjustWindow(time.Now())
	if sent2 != 0 {
		t.Errorf("second drain should see 0 bytes, got %d", sent2)
	}
}
