// Package bandwidth implements the 100ms AIMD bandwidth controller that
// drives each tunnel's declared capacity ceiling, drains its RTT
// accumulator, and tracks the bond's smoothed aggregate demand (spec.md
// §2 "Bandwidth controller", §4.5), grounded on
// original_source/src/ubond.c's ubond_calc_bandwidth.
package bandwidth

import (
	"sync"
	"time"

	"ubond/tunnel"
)

// TickInterval is the controller's cadence (original: BANDWIDTHCALCTIME).
const TickInterval = 100 * time.Millisecond

// InverseTickInterval converts accumulated bytes directly into a per-tick
// rate without a division (original: INVERSEBWCALCTIME = 1/BANDWIDTHCALCTIME).
const InverseTickInterval = 10

// bytesPerKbit is the original's overloaded "128" conversion constant
// (128 bytes per kbit, i.e. 1024 bits / 8).
const bytesPerKbit = 128

// lossToleranceQuarter is the sent_loss threshold below which a tunnel is
// considered healthy enough to grow (original: "LOSS_TOLERENCE / 4.0").
const lossToleranceQuarter = float64(tunnel.LossTolerance) / 4

// growthCeilingFraction is the portion of bandwidth_max a tunnel must
// already be using before fast-growth mode engages (original: 0.80).
const growthCeilingFraction = 0.80

// minReductionsPctToShrink is the loss-penalty-floor rate above which an
// otherwise-underused tunnel still gets throttled back (original: "if
// (reductions > 50)").
const minReductionsPctToShrink = 50

// Node is the tunnel-facing state the bandwidth controller drains and
// adjusts every tick. *tunnel.Tunnel implements this directly.
type Node interface {
	State() tunnel.State
	IsQuota() bool
	QuotaRateKbit() uint64
	CreditPermitted(uint64)
	DrainRTT()
	SRTT() float64
	SRTTAverage() float64
	SRTTMin() float64
	SentLoss() uint8
	BandwidthMax() uint64
	SetBandwidthMax(uint64)
	BandwidthOut() uint64
	DrainAdjustWindow(now time.Time) (bytesSent uint64, elapsed time.Duration)
	Lossless() bool
	SetLossless(bool)
	DrainReductionsPercent() float64
	DrainMeasuredBandwidth(inverseTickInterval float64) float64
}

// Controller smooths the bond's aggregate inbound demand and periodically
// re-tunes every tunnel's bandwidth_max (spec.md §4.5).
type Controller struct {
	mu            sync.Mutex
	bandwidthKbit float64
	bytesIn       uint64
	lastTick      time.Time
}

// New constructs an idle Controller.
func New() *Controller {
	return &Controller{}
}

// AddIncomingBytes accounts wire-size bytes that arrived from the tun
// device since the last tick, feeding the smoothed aggregate-demand
// estimate (original: "bandwidthdata += p.len + overhead").
func (c *Controller) AddIncomingBytes(n int) {
	c.mu.Lock()
	c.bytesIn += uint64(n)
	c.mu.Unlock()
}

// AggregateKbit returns the last-computed smoothed aggregate demand
// (kbit/s), the figure scheduler.Recompute uses as bwneeded's basis.
func (c *Controller) AggregateKbit() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bandwidthKbit
}

// Tick drains every tunnel's RTT and throughput accumulators, re-tunes
// bandwidth_max via AIMD, and returns the freshly smoothed aggregate
// demand (kbit/s) plus the reorder buffer's adaptive drain threshold
// (srtt_max / srtt_min), mirroring ubond_calc_bandwidth in one pass.
func (c *Controller) Tick(now time.Time, nodes []Node) (aggregateKbit float64, maxSizeOutOfOrder float64) {
	c.mu.Lock()
	diff := TickInterval.Seconds()
	if !c.lastTick.IsZero() {
		elapsed := now.Sub(c.lastTick).Seconds()
		if elapsed > diff/2 && elapsed < diff*2 {
			diff = elapsed
		}
	}
	c.lastTick = now

	measuredAggregate := (float64(c.bytesIn) / bytesPerKbit) / diff
	c.bandwidthKbit = ((c.bandwidthKbit * 9.0) + measuredAggregate) / 10.0
	c.bytesIn = 0
	aggregateKbit = c.bandwidthKbit
	c.mu.Unlock()

	var minSRTTAv, maxSRTTAv float64

	for _, n := range nodes {
		if n.State() != tunnel.StateAuthOK && n.State() != tunnel.StateLossy {
			continue
		}
		if n.IsQuota() {
			n.CreditPermitted(uint64(float64(n.QuotaRateKbit()) * diff * bytesPerKbit))
		}

		n.DrainRTT()
		srttAv := n.SRTTAverage()
		if minSRTTAv == 0 || srttAv < minSRTTAv {
			minSRTTAv = srttAv
		}
		if maxSRTTAv == 0 || srttAv > maxSRTTAv {
			maxSRTTAv = srttAv
		}

		n.DrainMeasuredBandwidth(InverseTickInterval)

		bytesSent, _ := n.DrainAdjustWindow(now)
		bandwidthSentKbit := (float64(bytesSent) / bytesPerKbit) / diff
		reductionsPct := n.DrainReductionsPercent()

		adjustBandwidthMax(n, bandwidthSentKbit, reductionsPct)
	}

	if minSRTTAv > 0 && maxSRTTAv > 0 {
		maxSizeOutOfOrder = maxSRTTAv / minSRTTAv
	}
	return aggregateKbit, maxSizeOutOfOrder
}

// adjustBandwidthMax applies one tunnel's AIMD step (original:
// the "hunt a high watermark with slow drift" block of
// ubond_calc_bandwidth).
func adjustBandwidthMax(n Node, bandwidthSentKbit, reductionsPct float64) {
	bwMax := float64(n.BandwidthMax())

	if bandwidthSentKbit <= bwMax/2 {
		if reductionsPct > minReductionsPctToShrink {
			n.SetBandwidthMax(uint64(bwMax * 0.99))
		}
		n.SetLossless(false)
		return
	}

	newBwm := bwMax
	srtt, srttMin := n.SRTT(), n.SRTTMin()
	bwOut := float64(n.BandwidthOut())
	sentLoss := float64(n.SentLoss())

	if sentLoss < lossToleranceQuarter && srtt < 3*srttMin {
		if sentLoss == 0 && bwOut > bwMax*growthCeilingFraction {
			if n.Lossless() {
				newBwm *= 1.01
			} else {
				n.SetLossless(true)
			}
		} else {
			if sentLoss != 0 && n.Lossless() {
				newBwm *= 0.99
			}
			n.SetLossless(false)
		}
		if bwOut > bwMax {
			newBwm = ((newBwm * 9) + bwOut) / 10
		}
	} else {
		if n.Lossless() {
			newBwm *= 0.99
		}
		if srtt > 3*srttMin {
			newBwm *= 0.99
		}
		n.SetLossless(false)
		if bwOut < bandwidthSentKbit {
			newBwm *= 0.995
		}
	}
	n.SetBandwidthMax(uint64(newBwm))
}
