// Package tunnel implements a single authenticated UDP association between
// two peers: its send pacer, resend ring, RTT/loss tracking, and lifecycle
// state machine (spec.md §2 "Tunnel", §4.1, §4.2, §4.7).
package tunnel

import (
	"sync"
	"time"

	"ubond/packet"
	"ubond/wire"
)

// RingSize is the size of the per-tunnel resend ring, old_pkts[] in
// spec.md's data model. Chosen as a power of two equal to the loss
// detection window, as spec.md's glossary recommends.
const RingSize = LossWindow

// BandwidthToBytesPerKbit converts between bytes and kbit (1 kbit = 1024
// bits = 128 bytes; matches the original's overloaded use of the literal
// 128 for both directions of this conversion, spec.md §4.5).
const BandwidthToBytesPerKbit = 128

// State is a tunnel's lifecycle state (spec.md §4.7).
type State int32

const (
	StateDisconnected State = iota
	StateAuthSent
	StateAuthOK
	StateLossy
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateAuthSent:
		return "AUTHSENT"
	case StateAuthOK:
		return "AUTHOK"
	case StateLossy:
		return "LOSSY"
	default:
		return "UNKNOWN"
	}
}

// Sender abstracts the underlying UDP socket so the tunnel's scheduling and
// protocol logic can be exercised without a real network (spec.md §9:
// tests should be able to instantiate an isolated engine).
type Sender interface {
	SendTo(b []byte) (int, error)
}

type ringSlot struct {
	occupied bool
	tunSeq   uint16
	pkt      *packet.Packet
}

// Tunnel is one authenticated UDP association (spec.md §2, §3).
type Tunnel struct {
	name string
	ID   uint16

	FallbackOnly bool
	Quota        bool

	mu    sync.Mutex
	state State

	sender Sender

	seq uint16 // monotonic per-tunnel send sequence (tun_seq)
	ring [RingSize]ringSlot

	pacer *pacer

	loss     lossTracker
	sentLoss uint8 // peer-reported observed loss, echoed to us (§4.2)

	// RTT accumulation (§4.1).
	srttD         int64 // accumulated ms sum since last 100ms drain
	srttC         int64 // sample count since last drain
	srtt          float64
	srttAv        float64
	srttMin       float64
	srttMinInited bool

	lastRecvTimestamp   uint16
	lastRecvAt          time.Time
	haveLastRecv        bool

	bandwidthMax  uint64 // kbit/s, declared capacity (§2, §4.5)
	bytesPerSec   uint64 // derived pacing budget
	weight        float64
	permitted     uint64 // quota byte budget
	quotaRateKbit uint64 // configured credit rate for quota tunnels
	lossless      bool

	bmData       uint64  // bytes received since the last measured-bandwidth drain
	measuredKbit float64 // last drained inbound throughput (§4.5 bandwidth_measured)
	bandwidthOut uint64  // peer-reported receive throughput, from keepalive (§4.5 bandwidth_out)
	srttReductions uint64
	pktsCnt        uint64

	lastActivity time.Time
}

// New constructs a Tunnel bound to sender, with the given declared
// bandwidth ceiling (kbit/s).
func New(name string, id uint16, sender Sender, bandwidthMaxKbit uint64, fallbackOnly, quota bool) *Tunnel {
	return &Tunnel{
		name:         name,
		ID:           id,
		sender:       sender,
		FallbackOnly: fallbackOnly,
		Quota:        quota,
		pacer:        newPacer(),
		bandwidthMax: bandwidthMaxKbit,
		lastActivity: time.Now(),
	}
}

// State returns the tunnel's current lifecycle state.
func (t *Tunnel) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// SetState forces a state transition. Lifecycle validity is the caller's
// (lifecycle package's) responsibility; Tunnel itself is a passive data
// structure plus the send/receive mechanics.
func (t *Tunnel) SetState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// now16 returns the current wall-clock time in milliseconds, truncated to
// 16 bits, matching the wire timestamp field's width (spec.md §4.1).
func now16() uint16 {
	return uint16(time.Now().UnixMilli())
}

// ReserveSend asks the pacer whether wireSize bytes may be sent right now.
func (t *Tunnel) ReserveSend(wireSize int) (ok bool, delay time.Duration) {
	return t.pacer.reserve(wireSize)
}

// SetBytesPerSec installs a freshly computed pacing rate (§4.5).
func (t *Tunnel) SetBytesPerSec(bps uint64) {
	t.bytesPerSec = bps
	t.pacer.setBytesPerSec(bps)
}

// BytesPerSec reports the currently configured pacing rate.
func (t *Tunnel) BytesPerSec() uint64 { return t.pacer.bytesPerSecValue() }

// DrainAdjustWindow hands the bandwidth controller this tunnel's
// bytes-sent-since-last-tick and resets the window (§4.5 step 2).
func (t *Tunnel) DrainAdjustWindow(now time.Time) (bytesSent uint64, elapsed time.Duration) {
	return t.pacer.drainAdjustWindow(now)
}

// Send assigns a tun_seq, stamps the RTT fields, stores the packet in the
// resend ring, and hands it to the sender (§4.1 "On transmission"). pkt's
// ownership transfers to the ring; callers that need to keep their own
// reference (e.g. tcpstream's sent list) must Retain() before calling Send.
func (t *Tunnel) Send(pkt *packet.Packet) error {
	t.mu.Lock()
	seq := t.seq
	t.seq++
	pkt.Header.TunSeq = seq
	t.stampLocked(&pkt.Header)
	idx := seq % RingSize
	old := t.ring[idx]
	t.ring[idx] = ringSlot{occupied: true, tunSeq: seq, pkt: pkt}
	t.lastActivity = time.Now()
	t.mu.Unlock()

	if old.occupied {
		old.pkt.Release()
	}

	buf := make([]byte, wire.HeaderLen+len(pkt.Payload()))
	if _, err := wire.Encode(buf, &pkt.Header, pkt.Payload()); err != nil {
		return err
	}
	_, err := t.sender.SendTo(buf)
	return err
}

func (t *Tunnel) stampLocked(h *wire.Header) {
	h.Timestamp = now16()
	h.SentLoss = uint8(t.loss.Loss())
	if !t.haveLastRecv {
		h.TimestampReply = wire.TimestampAbsent
		return
	}
	held := time.Since(t.lastRecvAt)
	if held >= time.Second {
		h.TimestampReply = wire.TimestampAbsent
		return
	}
	h.TimestampReply = t.lastRecvTimestamp + uint16(held.Milliseconds())
}

// RingLookup finds the packet stored for tunSeq, guarding against ring
// overwrite (spec.md §4.3 "A slot is a hit iff the stored packet's tun_seq
// equals seq").
func (t *Tunnel) RingLookup(tunSeq uint16) (*packet.Packet, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	slot := t.ring[tunSeq%RingSize]
	if slot.occupied && slot.tunSeq == tunSeq {
		return slot.pkt, true
	}
	return nil, false
}

// TakeForResend removes and returns the packet stored at tunSeq, if its
// stored tun_seq still matches (spec.md §4.3: a resend consumes the ring
// slot so a second request for the same seq reports "not found"
// rather than resending twice). Ownership transfers to the caller.
func (t *Tunnel) TakeForResend(tunSeq uint16) (*packet.Packet, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := tunSeq % RingSize
	slot := t.ring[idx]
	if !slot.occupied || slot.tunSeq != tunSeq {
		return nil, false
	}
	t.ring[idx] = ringSlot{}
	return slot.pkt, true
}

// OnReceive folds a freshly-arrived packet into the loss tracker and RTT
// state (§4.1, §4.2). It returns a resend request to issue, if any, and
// an RTT sample in milliseconds (0, false if none this call).
func (t *Tunnel) OnReceive(h *wire.Header) (resendSeq uint16, needResend bool, rttMs int, haveRTT bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.lastActivity = time.Now()
	t.pktsCnt++

	resendSeq, needResend = t.loss.update(h.TunSeq)

	t.lastRecvTimestamp = h.Timestamp
	t.lastRecvAt = time.Now()
	t.haveLastRecv = true

	if h.TimestampReply != wire.TimestampAbsent {
		sample := int(now16() - h.TimestampReply)
		if sample >= 0 && sample < 5000 {
			t.srttD += int64(sample)
			t.srttC++
			rttMs = sample
			haveRTT = true
		}
	}

	t.sentLoss = uint8(h.SentLoss)
	return resendSeq, needResend, rttMs, haveRTT
}

// Loss returns the current inbound loss count (0..64, §4.2).
func (t *Tunnel) Loss() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.loss.Loss()
}

// SentLoss returns the peer's most recently reported outbound loss
// observation (their view of packets we sent that they never saw).
func (t *Tunnel) SentLoss() uint8 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sentLoss
}

// SetSentLoss forces the outbound loss figure, used when the resend
// protocol declares this tunnel LOSSY because a single resend request
// exceeded the threshold (spec.md §4.3).
func (t *Tunnel) SetSentLoss(v uint8) {
	t.mu.Lock()
	t.sentLoss = v
	t.mu.Unlock()
}

// DrainRTT folds the accumulated RTT samples into the smoothed values,
// called every 100ms (§4.1 "drained each 100ms into srtt = srtt_d/srtt_c").
func (t *Tunnel) DrainRTT() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.srttC == 0 {
		return
	}
	t.srtt = float64(t.srttD) / float64(t.srttC)
	t.srttD, t.srttC = 0, 0

	if t.srttAv == 0 {
		t.srttAv = t.srtt
	} else {
		t.srttAv = (t.srttAv*9 + t.srtt) / 10
	}
	if !t.srttMinInited || t.srtt < t.srttMin {
		t.srttMin = t.srtt
		t.srttMinInited = true
	}
}

// SRTT returns the most recently drained smoothed RTT (ms).
func (t *Tunnel) SRTT() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.srtt
}

// SRTTAverage returns the EMA(9:1) smoothed RTT (ms).
func (t *Tunnel) SRTTAverage() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.srttAv
}

// SRTTMin returns this tunnel's minimum observed smoothed RTT (ms).
func (t *Tunnel) SRTTMin() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.srttMinInited {
		return 0
	}
	return t.srttMin
}

// LastActivity reports when a packet was last sent or received on this
// tunnel, used by the lifecycle timeout checks (§4.7).
func (t *Tunnel) LastActivity() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastActivity
}

// BandwidthMax returns the declared/adjusted capacity ceiling (kbit/s).
func (t *Tunnel) BandwidthMax() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bandwidthMax
}

// SetBandwidthMax installs a new capacity ceiling, floored at 100 kbit/s
// per spec.md §4.5 step 3.
func (t *Tunnel) SetBandwidthMax(v uint64) {
	if v < 100 {
		v = 100
	}
	t.mu.Lock()
	t.bandwidthMax = v
	t.mu.Unlock()
}

// Weight returns the scheduler weight last computed for this tunnel (§4.5, §4.7).
func (t *Tunnel) Weight() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.weight
}

// SetWeight installs a freshly computed scheduler weight.
func (t *Tunnel) SetWeight(w float64) {
	t.mu.Lock()
	t.weight = w
	t.mu.Unlock()
}

// Permitted returns the remaining quota byte budget.
func (t *Tunnel) Permitted() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.permitted
}

// SetPermitted installs the quota byte budget.
func (t *Tunnel) SetPermitted(v uint64) {
	t.mu.Lock()
	t.permitted = v
	t.mu.Unlock()
}

// CreditPermitted adds to the quota byte budget (credited by the 100ms
// tick, §8 scenario 5).
func (t *Tunnel) CreditPermitted(v uint64) {
	t.mu.Lock()
	t.permitted += v
	t.mu.Unlock()
}

// DebitPermitted subtracts from the quota budget, never going negative.
func (t *Tunnel) DebitPermitted(v uint64) {
	t.mu.Lock()
	if v >= t.permitted {
		t.permitted = 0
	} else {
		t.permitted -= v
	}
	t.mu.Unlock()
}

// Lossless reports/sets the "currently receiving at full rate with zero
// loss" latch used by the bandwidth controller (§4.5).
func (t *Tunnel) Lossless() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lossless
}

func (t *Tunnel) SetLossless(v bool) {
	t.mu.Lock()
	t.lossless = v
	t.mu.Unlock()
}

// ReleaseRing releases every packet currently held in the resend ring and
// resets it to empty, used when a tunnel transitions to DISCONNECTED
// (spec.md §4.7 "mark all in-flight state lost").
func (t *Tunnel) ReleaseRing() {
	t.mu.Lock()
	var toRelease []*packet.Packet
	for i := range t.ring {
		if t.ring[i].occupied {
			toRelease = append(toRelease, t.ring[i].pkt)
			t.ring[i] = ringSlot{}
		}
	}
	t.mu.Unlock()
	for _, p := range toRelease {
		p.Release()
	}
}

// QuotaRateKbit returns the configured credit rate for a quota-gated
// tunnel (kbit/s), credited into its permitted budget every bandwidth
// tick (§4.5, §8 scenario 5).
func (t *Tunnel) QuotaRateKbit() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.quotaRateKbit
}

// SetQuotaRateKbit installs the configured quota credit rate.
func (t *Tunnel) SetQuotaRateKbit(v uint64) {
	t.mu.Lock()
	t.quotaRateKbit = v
	t.mu.Unlock()
}

// RecordReceivedBytes accumulates inbound payload bytes toward the next
// measured-bandwidth drain (§4.5 bm_data).
func (t *Tunnel) RecordReceivedBytes(n int) {
	t.mu.Lock()
	t.bmData += uint64(n)
	t.mu.Unlock()
}

// DrainMeasuredBandwidth computes this tunnel's inbound throughput in
// kbit/s since the last drain and resets the accumulator (§4.5:
// "bandwidth_measured = (bm_data/128) * INVERSEBWCALCTIME").
func (t *Tunnel) DrainMeasuredBandwidth(inverseBwCalcTime float64) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.measuredKbit = (float64(t.bmData) / BandwidthToBytesPerKbit) * inverseBwCalcTime
	t.bmData = 0
	return t.measuredKbit
}

// MeasuredBandwidth returns the last-drained inbound throughput (kbit/s).
func (t *Tunnel) MeasuredBandwidth() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.measuredKbit
}

// BandwidthOut returns the peer's self-reported receive throughput, last
// communicated via a keepalive (§4.5 bandwidth_out).
func (t *Tunnel) BandwidthOut() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bandwidthOut
}

// SetBandwidthOut installs a freshly received peer-reported throughput
// figure, ignoring a zero/unset report (§4.5, original: "if (bw > 0)").
func (t *Tunnel) SetBandwidthOut(v uint64) {
	if v == 0 {
		return
	}
	t.mu.Lock()
	t.bandwidthOut = v
	t.mu.Unlock()
}

// IncrementSRTTReductions records that the scheduler had to floor this
// tunnel's weight due to loss pressure (§4.5, used by DrainReductionsPercent).
func (t *Tunnel) IncrementSRTTReductions() {
	t.mu.Lock()
	t.srttReductions++
	t.mu.Unlock()
}

// DrainReductionsPercent returns the percentage of packets received since
// the last drain that tripped a scheduler loss-penalty floor, resetting
// both counters. Below 10 received packets the figure is considered
// unreliable and reported as zero (original: "if (pkts_cnt < 10) reductions = 0").
func (t *Tunnel) DrainReductionsPercent() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var pct float64
	if t.pktsCnt >= 10 {
		pct = (float64(t.srttReductions) / float64(t.pktsCnt)) * 100
	}
	t.srttReductions = 0
	t.pktsCnt = 0
	return pct
}

// IsFallbackOnly reports whether this tunnel only carries traffic while the
// bond has no other usable tunnel (spec.md §4.7 "Fallback").
func (t *Tunnel) IsFallbackOnly() bool { return t.FallbackOnly }

// Name returns this tunnel's configured identity string.
func (t *Tunnel) Name() string { return t.name }

// IsQuota reports whether this tunnel's weight is gated by a metered byte
// budget (§4.5, §8 scenario 5).
func (t *Tunnel) IsQuota() bool { return t.Quota }

// ReserveBytes is the scheduler-facing wrapper around ReserveSend: ok is
// false only when wireSize can never be admitted (larger than the pacer's
// burst); readyNow is false when the reservation succeeded but must wait.
func (t *Tunnel) ReserveBytes(wireSize int) (ok bool, readyNow bool) {
	ok, delay := t.ReserveSend(wireSize)
	return ok, ok && delay == 0
}

// LastRingSeq returns the most recently assigned tun_seq (useful for
// lifecycle transitions that must request resends covering the full ring).
func (t *Tunnel) LastRingSeq() uint16 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.seq == 0 {
		return 0
	}
	return t.seq - 1
}
