package tunnel

import (
	"math/bits"

	"ubond/seqnum"
)

// LossWindow is the width of the sliding loss-detection bitmap (spec.md §2,
// §4.2): 64 bits, one per recently observed tun_seq position.
const LossWindow = 64

// LossTolerance is the loss count (out of LossWindow) at which a tunnel is
// declared LOSSY (glossary: "LOSS_TOLERENCE — loss percentage ... 50%").
const LossTolerance = LossWindow / 2

// lossTracker implements the per-tunnel inbound loss-detection state
// machine (spec.md §4.2).
type lossTracker struct {
	initialized bool
	seqLast     uint16
	vect        uint64
	loss        int // 0..64, recomputed after every update
}

// update folds a newly-received tun_seq into the loss bitmap and returns
// whether an immediate single-packet resend should be requested, along with
// the tun_seq to request (seq_last - 3).
//
// Ported bit-for-bit from original_source/src/ubond.c's ubond_loss_update:
// the "forgive the two most recent positions" step is a signed, arithmetic
// right-shift-by-two of (vect | sign-bit), which drops the two freshest
// bits out of the popcount entirely rather than merely masking them.
func (l *lossTracker) update(seq uint16) (resendSeq uint16, needResend bool) {
	if !l.initialized {
		l.initialized = true
		l.seqLast = seq
		l.vect = ^uint64(0)
		l.loss = 0
		return 0, false
	}

	if seqnum.Uint16Older(l.seqLast, seq) {
		gap := seq - l.seqLast
		if gap >= LossWindow {
			// Gap too large to reason about incrementally: reconnect semantics.
			l.vect = ^uint64(0)
			l.seqLast = seq
			l.loss = 0
			return 0, false
		}
		l.vect <<= gap
		l.vect |= 1
	} else {
		back := l.seqLast - seq
		if back < LossWindow {
			l.vect |= 1 << back
		}
	}

	signed := int64(l.vect | (uint64(1) << 63))
	l.loss = LossWindow - bits.OnesCount64(uint64(signed>>2))
	l.seqLast = seq

	needResend = l.vect&0x8 == 0
	resendSeq = l.seqLast - 3
	return resendSeq, needResend
}

// Loss returns the current loss count (invariant: always in [0, 64]).
func (l *lossTracker) Loss() int {
	return l.loss
}
