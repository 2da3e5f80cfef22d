package reorder

import (
	"testing"
	"time"

	"ubond/packet"
)

func TestInsertInOrderDeliversImmediately(t *testing.T) {
	pool := packet.NewPool()
	b := New()
	var delivered []*packet.Packet
	out := func(p *packet.Packet) { delivered = append(delivered, p) }

	p1 := pool.Get()
	b.Insert(1, p1, out)
	if len(delivered) != 1 || delivered[0] != p1 {
		t.Fatalf("expected packet 1 delivered immediately, got %d delivered", len(delivered))
	}
	if b.Size() != 0 {
		t.Errorf("buffer size = %d, want 0", b.Size())
	}
}

func TestInsertOutOfOrderHoldsUntilTimeout(t *testing.T) {
	pool := packet.NewPool()
	b := New()
	var delivered []*packet.Packet
	out := func(p *packet.Packet) { delivered = append(delivered, p) }

	p2 := pool.Get()
	b.Insert(2, p2, out)
	if len(delivered) != 0 {
		t.Fatalf("packet 2 should be held waiting for packet 1, got %d delivered", len(delivered))
	}
	if b.Size() != 1 {
		t.Errorf("buffer size = %d, want 1", b.Size())
	}

	// Packet 1 never arrives: once Timeout has passed, Tick skips the empty
	// slot 1 and releases packet 2.
	b.Tick(time.Now().Add(2*Timeout), out)
	if len(delivered) != 1 || delivered[0] != p2 {
		t.Fatalf("expected timeout-triggered delivery of packet 2, got %d delivered", len(delivered))
	}
	if b.Size() != 0 {
		t.Errorf("buffer size = %d, want 0 after drain", b.Size())
	}
}

func TestInsertZeroDataSeqBypassesBuffer(t *testing.T) {
	pool := packet.NewPool()
	b := New()
	var delivered []*packet.Packet
	out := func(p *packet.Packet) { delivered = append(delivered, p) }

	p := pool.Get()
	b.Insert(0, p, out)
	if len(delivered) != 1 {
		t.Fatalf("data_seq 0 should bypass the buffer entirely, got %d delivered", len(delivered))
	}
	if b.Size() != 0 {
		t.Errorf("buffer size = %d, want 0", b.Size())
	}
}

func TestInsertDuplicateSlotDeliversImmediately(t *testing.T) {
	pool := packet.NewPool()
	b := New()
	var delivered []*packet.Packet
	out := func(p *packet.Packet) { delivered = append(delivered, p) }

	first := pool.Get()
	b.Insert(5, first, out) // held, no packet at data_seq 1..4 yet

	dup := pool.Get()
	b.Insert(5, dup, out) // same slot already occupied -> delivered immediately, not queued
	if len(delivered) != 1 || delivered[0] != dup {
		t.Fatalf("duplicate slot insert should deliver immediately, got %d delivered", len(delivered))
	}
}

func TestTickNoopWhenNotWaitingLongEnough(t *testing.T) {
	pool := packet.NewPool()
	b := New()
	var delivered []*packet.Packet
	out := func(p *packet.Packet) { delivered = append(delivered, p) }

	p := pool.Get()
	b.Insert(3, p, out)
	b.Tick(time.Now(), out) // elapsed well under Timeout
	if len(delivered) != 0 {
		t.Errorf("expected no delivery before Timeout elapses, got %d", len(delivered))
	}
}

func TestDeliverDrainsPastHoleOnceMaxSizeReached(t *testing.T) {
	pool := packet.NewPool()
	b := New()
	b.SetMaxSizeOutOfOrder(MinSize) // smallest adaptive threshold
	var delivered []*packet.Packet
	out := func(p *packet.Packet) { delivered = append(delivered, p) }

	// Fill MinSize packets at increasing data_seq starting at 2, none of
	// which is the expected "next" (slot 1 is left empty).
	for i := 2; i <= MinSize+1; i++ {
		pk := pool.Get()
		b.Insert(uint16(i), pk, out)
	}
	if len(delivered) != MinSize {
		t.Errorf("expected size-triggered drain of %d packets, got %d", MinSize, len(delivered))
	}
}

func TestSetMaxSizeOutOfOrderClampsToRange(t *testing.T) {
	b := New()
	b.SetMaxSizeOutOfOrder(1)
	if got := b.maxDrainSize(); got != MinSize {
		t.Errorf("maxDrainSize() = %d, want floor %d", got, MinSize)
	}
	b.SetMaxSizeOutOfOrder(100000)
	if got := b.maxDrainSize(); got != MaxSize {
		t.Errorf("maxDrainSize() = %d, want ceiling %d", got, MaxSize)
	}
}
