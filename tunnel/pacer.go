package tunnel

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"ubond/packet"
)

// ip4UDPOverhead is the per-datagram wire overhead counted against a
// tunnel's byte budget (spec.md §4.1): 20-byte IPv4 header + 8-byte UDP
// header.
const ip4UDPOverhead = 28

// pacer governs how many bytes a tunnel may emit per second, implementing
// spec.md §4.1's "bytes_since_adjust vs bytes_per_sec x elapsed" admission
// rule on top of golang.org/x/time/rate's token bucket (bytes are the
// token unit, burst sized to one maximum-size datagram).
type pacer struct {
	mu      sync.Mutex
	limiter *rate.Limiter

	bytesPerSec      uint64
	bytesSinceAdjust uint64
	lastAdjust       time.Time
}

func newPacer() *pacer {
	return &pacer{
		limiter:    rate.NewLimiter(rate.Inf, packet.MaxSize+ip4UDPOverhead),
		lastAdjust: time.Now(),
	}
}

// setBytesPerSec installs a new pacing rate, as computed by the bandwidth
// controller (spec.md §4.5: bytes_per_sec = weight * 128).
func (p *pacer) setBytesPerSec(bps uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bytesPerSec = bps
	if bps == 0 {
		p.limiter.SetLimit(0)
	} else {
		p.limiter.SetLimit(rate.Limit(bps))
	}
}

// reserve attempts to admit a datagram of wireSize bytes (header+payload)
// right now. ok is false if the burst itself can't ever hold wireSize
// (e.g. it's larger than the configured burst); delay is how long the
// caller should wait before the next send opportunity, matching spec.md's
// "re-arm a short timer whose interval equals (packet_size + overhead) /
// bytes_per_sec" when the budget is currently exhausted.
func (p *pacer) reserve(wireSize int) (ok bool, delay time.Duration) {
	r := p.limiter.ReserveN(time.Now(), wireSize)
	if !r.OK() {
		return false, 0
	}
	d := r.Delay()
	if d > 0 {
		// The reservation still consumed a token slot for the future; give
		// it back since the caller will retry rather than block.
		r.Cancel()
		return true, d
	}
	p.mu.Lock()
	p.bytesSinceAdjust += uint64(wireSize)
	p.mu.Unlock()
	return true, 0
}

// drainAdjustWindow is called by the bandwidth controller's 100ms tick
// (spec.md §4.5 step 2): it returns the bytes sent since the last call and
// the elapsed time, then resets the window.
func (p *pacer) drainAdjustWindow(now time.Time) (bytesSent uint64, elapsed time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	bytesSent = p.bytesSinceAdjust
	elapsed = now.Sub(p.lastAdjust)
	p.bytesSinceAdjust = 0
	p.lastAdjust = now
	return bytesSent, elapsed
}

// bytesPerSecValue reports the currently configured pacing rate.
func (p *pacer) bytesPerSecValue() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bytesPerSec
}
