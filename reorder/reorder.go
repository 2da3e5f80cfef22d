// Package reorder implements the aggregate reorder buffer that restores
// the tun interface's send order across interleaved tunnels (spec.md §2
// "Reorder buffer", §4.4), grounded on
// original_source/src/reorder.c's ubond_reorder_insert/deliver/tick.
package reorder

import (
	"time"

	"ubond/packet"
)

// MaxSize is the reorder buffer's fixed capacity (original: MAX_REORDERBUF).
const MaxSize = 1024

// MinSize is the floor applied to the buffer's adaptive drain threshold
// (original: MIN_REORDERBUF).
const MinSize = 20

// Timeout is how long the buffer waits for a missing packet to arrive
// before skipping past the hole (original: REORDER_TIMEOUT, 0.1s).
const Timeout = 100 * time.Millisecond

// TickInterval is the cadence at which Tick should be invoked by the
// owning event loop (original: ev_timer_init(..., 0.25)).
const TickInterval = 250 * time.Millisecond

// Deliverer hands a reassembled, in-order packet onward to the tun device.
type Deliverer func(pkt *packet.Packet)

// Buffer holds packets that arrived out of order, indexed by their
// aggregate data_seq modulo MaxSize, and releases them to a Deliverer
// once a contiguous run is available or the buffer grows too deep.
type Buffer struct {
	next         uint16
	slots        [MaxSize]*packet.Packet
	size         int
	waitingSince time.Time

	maxSizeOutOfOrder float64 // srtt_max/srtt_min, set by the bandwidth controller
}

// New constructs an empty reorder buffer. Its cursor starts at data_seq 1:
// data_seq 0 is never buffered (Insert delivers it directly), so 1 is the
// first sequence number that can arrive in order.
func New() *Buffer {
	return &Buffer{next: 1, maxSizeOutOfOrder: MinSize}
}

// SetMaxSizeOutOfOrder installs the adaptive drain threshold computed by
// the bandwidth controller's 100ms tick (spec.md §4.5: max_size_outoforder
// = srtt_max / srtt_min), clamped to [MinSize, MaxSize].
func (b *Buffer) SetMaxSizeOutOfOrder(v float64) {
	b.maxSizeOutOfOrder = v
}

func (b *Buffer) maxDrainSize() int {
	v := b.maxSizeOutOfOrder
	if v < MinSize {
		return MinSize
	}
	if v > MaxSize {
		return MaxSize
	}
	return int(v)
}

// deliver drains every contiguous packet starting at next, then continues
// past holes once size has grown to maxDrainSize (original: deliver()).
func (b *Buffer) deliver(out Deliverer) {
	for b.size > 0 && (b.slots[b.next] != nil || b.size >= b.maxDrainSize()) {
		if b.slots[b.next] != nil {
			out(b.slots[b.next])
			b.slots[b.next] = nil
			b.size--
		}
		b.next = (b.next + 1) % MaxSize
	}
}

// Insert places pkt at its data_seq slot and attempts to drain. A packet
// with no assigned data_seq (data_seq == 0, meaning it was never subject
// to reordering) or one landing on an already-occupied slot (a stale or
// duplicate sequence number) is delivered immediately instead of being
// held (original: ubond_reorder_insert).
func (b *Buffer) Insert(dataSeq uint16, pkt *packet.Packet, out Deliverer) {
	if dataSeq == 0 {
		out(pkt)
		return
	}
	idx := dataSeq % MaxSize
	if b.slots[idx] != nil {
		out(pkt)
		return
	}
	b.slots[idx] = pkt
	b.size++

	b.deliver(out)

	if b.size > 0 {
		b.waitingSince = time.Now()
	} else {
		b.waitingSince = time.Time{}
	}
}

// Tick checks whether the buffer has been stalled on a missing packet
// longer than Timeout and, if so, skips past the hole and drains
// (original: ubond_reorder_tick).
func (b *Buffer) Tick(now time.Time, out Deliverer) {
	if b.size == 0 || b.waitingSince.IsZero() {
		return
	}
	if now.Sub(b.waitingSince) <= Timeout {
		return
	}
	for b.slots[b.next] == nil {
		b.next = (b.next + 1) % MaxSize
	}
	b.deliver(out)
}

// Size reports the number of packets currently held in the buffer.
func (b *Buffer) Size() int {
	return b.size
}
