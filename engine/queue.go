package engine

import "ubond/packet"

// Queue is a FIFO of packets awaiting scheduled transmission (the
// Context's SendBuf): TUN reads, TCP substream packets, and the packets
// resend.Handle re-emits go in, and the loop's scheduler draining step
// takes them out. Peer-addressed control packets from lifecycle and
// resend.Request go through TunnelQueue instead. It is touched only from
// the loop goroutine, so it carries no locking of its own (spec.md §5).
type Queue struct {
	items []*packet.Packet
}

// NewQueue constructs an empty Queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Push appends pkt to the back of the queue (satisfies lifecycle.Queue and
// resend.Queue).
func (q *Queue) Push(pkt *packet.Packet) {
	q.items = append(q.items, pkt)
}

// Pop removes and returns the packet at the front of the queue.
func (q *Queue) Pop() (*packet.Packet, bool) {
	if len(q.items) == 0 {
		return nil, false
	}
	pkt := q.items[0]
	q.items = q.items[1:]
	return pkt, true
}

// Len reports how many packets are currently queued.
func (q *Queue) Len() int {
	return len(q.items)
}
