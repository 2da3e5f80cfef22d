package tunnel

import "testing"

func TestLossTrackerInitializesOnFirstPacket(t *testing.T) {
	var l lossTracker
	l.update(100)
	if l.Loss() != 0 {
		t.Errorf("fresh tunnel should start lossless, got %d", l.Loss())
	}
}

func TestLossTrackerInRange(t *testing.T) {
	var l lossTracker
	seqs := []uint16{1, 2, 3, 5, 6, 9, 10, 11, 12, 60, 61, 62, 130}
	for _, s := range seqs {
		l.update(s)
		if l.Loss() < 0 || l.Loss() > LossWindow {
			t.Fatalf("loss %d out of [0,64] after seq %d", l.Loss(), s)
		}
	}
}

func TestLossTrackerDetectsGaps(t *testing.T) {
	var l lossTracker
	l.update(1)
	l.update(2)
	// Skip 3..9, arrive at 10: seven missing packets should count as loss.
	l.update(10)
	if l.Loss() == 0 {
		t.Error("expected nonzero loss after a gap")
	}
}

func TestLossTrackerReconnectOnBigGap(t *testing.T) {
	var l lossTracker
	l.update(1)
	l.update(2)
	l.update(1000) // gap >= 64: reconnect semantics, loss resets
	if l.Loss() != 0 {
		t.Errorf("large gap should reset loss to 0 (reconnect), got %d", l.Loss())
	}
}

func TestLossTrackerRequestsResendOnMissingBitThree(t *testing.T) {
	var l lossTracker
	l.update(1)
	l.update(2)
	// seq 3 missing; bit 3 relative to seq_last=2 would be seq -1, not yet
	// reachable, so drive seq_last forward until the gap exists at offset 3.
	l.update(5) // seq_last=5; positions 5,4(missing),3(missing),2 -> bit3 is seq 2 (present) so no resend yet
	resendSeq, need := l.update(6) // seq_last=6, bit3 is seq 3, which is missing
	if !need {
		t.Fatal("expected resend request when bit 3 back is unset")
	}
	if resendSeq != 3 {
		t.Errorf("resend seq = %d, want 3", resendSeq)
	}
}

func TestLossTrackerOutOfOrderSetsCorrectBit(t *testing.T) {
	var l lossTracker
	l.update(10)
	l.update(12) // gap of 2, sets bit0 for 12 after shifting
	l.update(11) // arrives late, should set bit for seq_last(12)-11=1
	if l.Loss() != 0 {
		t.Errorf("a single late but in-window packet should not count as loss once it fills the gap, got %d", l.Loss())
	}
}
