// Package packet implements the pool-allocated, reference-counted packet
// buffer shared by the tunnel resend ring and the TCP substream's sent
// list (spec.md §3 "Packet", §9 "Packet aliasing").
package packet

import (
	"sync"

	"github.com/pkg/errors"

	"ubond/wire"
)

// MaxSize is the largest payload a Packet can carry; the wire header is
// held separately in Header (spec.md non-goal: no IP fragmentation by the
// tunnel, MTU capped).
const MaxSize = 1500

// Packet is a fixed-capacity, reference-counted buffer. A Packet may be
// referenced simultaneously by a tunnel's resend ring slot and a TCP
// stream's sent-list entry; it returns to the pool only when both release
// it (spec.md §3, §9).
type Packet struct {
	Header wire.Header
	buf    [MaxSize]byte
	n      int // valid payload length currently stored in buf

	pool *Pool
	refs int32
	mu   sync.Mutex
}

// Payload returns the packet's current payload slice.
func (p *Packet) Payload() []byte {
	return p.buf[:p.n]
}

// SetPayload copies data into the packet's buffer, replacing any previous
// payload. Returns an error if data does not fit in MaxSize.
func (p *Packet) SetPayload(data []byte) error {
	if len(data) > MaxSize {
		return errors.Errorf("packet: payload of %d bytes exceeds MaxSize %d", len(data), MaxSize)
	}
	p.n = copy(p.buf[:], data)
	return nil
}

// Retain increments the use-count. Call before handing the packet to a
// second owner (e.g. inserting an already-ring-resident packet into a
// stream's sent list).
func (p *Packet) Retain() {
	p.mu.Lock()
	p.refs++
	p.mu.Unlock()
}

// Release decrements the use-count, returning the packet to its pool once
// it drops to zero. Safe to call from any owner at any time; double-release
// past zero is a programming error and panics, matching the teacher's
// preference for fail-fast over silently corrupting pool state.
func (p *Packet) Release() {
	p.mu.Lock()
	p.refs--
	r := p.refs
	p.mu.Unlock()
	if r < 0 {
		panic("packet: released more times than retained")
	}
	if r == 0 {
		p.pool.put(p)
	}
}

// Pool is a reusable, reference-counted packet buffer pool (spec.md §2
// "Packet pool"). It is not a process singleton: spec.md §9 requires an
// owned context so tests can instantiate an isolated engine, so each
// engine instance constructs its own Pool.
type Pool struct {
	free sync.Pool
}

// NewPool constructs an empty packet pool.
func NewPool() *Pool {
	p := &Pool{}
	p.free.New = func() any { return &Packet{} }
	return p
}

// Get returns a Packet with refs=1, ready for a single owner. The caller
// must Release it exactly once per Retain (including the initial implicit
// retain from Get).
func (p *Pool) Get() *Packet {
	pk := p.free.Get().(*Packet)
	pk.pool = p
	pk.refs = 1
	pk.n = 0
	pk.Header = wire.Header{}
	return pk
}

func (p *Pool) put(pk *Packet) {
	pk.n = 0
	pk.Header = wire.Header{}
	p.free.Put(pk)
}
