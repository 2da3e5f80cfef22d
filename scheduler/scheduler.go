// Package scheduler selects which tunnel should carry the next egress
// packet and computes each tunnel's share of traffic from its measured
// loss, RTT, and quota state (spec.md §2 "Scheduler", §4.5 weight
// formula, §4.7 "Fallback"), grounded on
// original_source/src/ubond.c's ubond_rtun_recalc_weight and
// ubond_rtun_choose.
package scheduler

import (
	"ubond/packet"
	"ubond/tunnel"
)

// Node is the tunnel-side state the scheduler needs to weigh and select a
// destination. *tunnel.Tunnel implements this directly.
type Node interface {
	State() tunnel.State
	IsFallbackOnly() bool
	IsQuota() bool
	BandwidthMax() uint64
	SentLoss() uint8
	SRTT() float64
	SRTTMin() float64
	Permitted() uint64
	SetWeight(float64)
	Weight() float64
	SetBytesPerSec(uint64)
	ReserveBytes(n int) (ok bool, readyNow bool)
	IncrementSRTTReductions()
}

// MinBandwidthNeeded is the floor applied to the aggregate demand figure
// (original: "if (bwneeded < 1000) bwneeded = 1000").
const MinBandwidthNeeded = 1000

// QuotaEligibleFraction*BandwidthToBytesFactor mirrors the original's
// "bandwidth_max * 128 * BANDWIDTHCALCTIME" quota-eligibility threshold:
// a quota tunnel only counts as usable once its remaining permitted bytes
// exceed one bandwidth-controller tick's worth of its declared capacity.
const (
	BandwidthToBytesFactor = 128
	BandwidthCalcTime      = 0.1 // seconds, matches bandwidth.TickInterval
)

// minWeightFraction is the floor applied to the loss/RTT penalty term
// `part` (original: "if (part <= 0.2) part = 0.2").
const minWeightFraction = 0.2

// idleBytesPerSec is the trickle pacing budget left on tunnels that got no
// weight this round, enough for keepalives (original: "DEFAULT_MTU * 2").
const idleBytesPerSec = uint64(packet.MaxSize * 2)

func quotaEligible(t Node) bool {
	if !t.IsQuota() {
		return true
	}
	threshold := float64(t.BandwidthMax()) * BandwidthToBytesFactor * BandwidthCalcTime
	return float64(t.Permitted()) > threshold
}

func eligible(t Node, fallbackMode bool) bool {
	return t.State() == tunnel.StateAuthOK && t.IsFallbackOnly() == fallbackMode && quotaEligible(t)
}

// part computes a tunnel's loss/RTT penalty factor in [0.2, 1.0] (original:
// the `part` local in ubond_rtun_recalc_weight).
func part(t Node) float64 {
	p := 1.0
	lt := float64(tunnel.LossTolerance) / 2
	if float64(t.SentLoss()) >= lt {
		p = 1.0 - (float64(t.SentLoss())-lt)/lt
		if p <= minWeightFraction {
			p = minWeightFraction
			t.IncrementSRTTReductions()
		}
	}
	srttMin := t.SRTTMin()
	if srttMin > 0 && t.SRTT() > srttMin*2 {
		p *= (srttMin * 2) / t.SRTT()
		if p <= minWeightFraction {
			p = minWeightFraction
		}
	}
	return p
}

// FallbackActive reports whether the bond should operate in fallback mode:
// true when no non-fallback tunnel is currently AUTHOK (spec.md §4.7).
func FallbackActive(ts []Node) bool {
	for _, t := range ts {
		if !t.IsFallbackOnly() && t.State() == tunnel.StateAuthOK {
			return false
		}
	}
	return true
}

// Recompute redistributes bandwidth across every tunnel in ts, given the
// bond's recent aggregate throughput (kbit/s) and the current depth of the
// pending egress send buffer, then installs each tunnel's resulting
// weight and bytes_per_sec pacing rate (original: ubond_rtun_recalc_weight).
func Recompute(ts []Node, recentAggregateKbit float64, sendBufferLen int) {
	fallbackMode := FallbackActive(ts)

	bwneeded := recentAggregateKbit * 2
	if bwneeded < MinBandwidthNeeded {
		bwneeded = MinBandwidthNeeded
	}

	total := 0.0
	for _, t := range ts {
		if eligible(t, fallbackMode) {
			t.SetWeight(bwneeded / 50)
			total += float64(t.BandwidthMax())
		} else {
			t.SetWeight(0)
		}
	}

	if bwneeded < total/4 {
		bwneeded = total / 4
	}
	if float64(sendBufferLen) > float64(len(ts))*2 {
		bwneeded = total
	}

	bwavailable := 0.0
	for _, t := range ts {
		if !eligible(t, fallbackMode) {
			continue
		}
		p := part(t)
		bw := bwneeded - bwavailable
		if bw <= 0 {
			continue
		}
		bwMax := float64(t.BandwidthMax())
		switch {
		case t.IsQuota() && bwMax*p > bw:
			t.SetWeight(bw * p)
			bwavailable += bw * p
		case bwMax*p < bw:
			t.SetWeight(bwMax * p)
			bwavailable += bwMax * p
			bwneeded += bwMax * (1 - p)
		default:
			t.SetWeight(bw * p)
			bwavailable += bw * p
			bwneeded += bw * (1 - p)
		}
	}

	for _, t := range ts {
		if t.Weight() > 0 {
			t.SetBytesPerSec(uint64(t.Weight() * BandwidthToBytesFactor))
		} else {
			t.SetBytesPerSec(idleBytesPerSec)
		}
	}
}

// Pick selects the tunnel that should carry the next packet: among
// eligible tunnels (AUTHOK, matching the current fallback mode, and past
// the quota threshold) with available pacing budget, the one with the
// highest weight that is ready right now. LOSSY tunnels never receive new
// traffic (original: ubond_rtun_choose checks status == UBOND_AUTHOK
// strictly). Returns -1 if none are ready.
func Pick(ts []Node, wireSize int) int {
	fallbackMode := FallbackActive(ts)
	best := -1
	bestWeight := -1.0
	for i, t := range ts {
		if !eligible(t, fallbackMode) {
			continue
		}
		ok, readyNow := t.ReserveBytes(wireSize)
		if !ok || !readyNow {
			continue
		}
		if w := t.Weight(); w > bestWeight {
			bestWeight = w
			best = i
		}
	}
	return best
}
