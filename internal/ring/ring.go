// Package ring implements a bounded multi-producer multi-consumer ring of
// 32-bit indexes. It backs the buffer pool free list, where per-thread caches
// spill and refill in bursts, and tolerates concurrent producers and
// consumers on any side.
//
// Each slot stores either a value or an empty marker tagged with the turn
// (cursor / capacity) it expects next, so a slow producer and a fast consumer
// lapping the ring cannot observe each other's stale slots. Head and tail
// cursors only ever grow; the capacity mask folds them onto the slot array.
package ring

import (
	"sync/atomic"

	"code.hybscloud.com/spin"
)

const (
	slotEmpty    = uint64(1) << 62
	slotTurnMask = slotEmpty>>32 - 1
)

// Ring is a fixed-capacity MPMC index ring. Capacity must be a power of two.
type Ring struct {
	slots []atomic.Uint64
	size  uint32
	mask  uint32

	head atomic.Uint32 // consumer cursor
	tail atomic.Uint32 // producer cursor
}

// New creates a ring with the given capacity, which must be a power of two
// and at least 2.
func New(capacity uint32) *Ring {
	if capacity < 2 || capacity&(capacity-1) != 0 {
		panic("ring: capacity must be a power of two >= 2")
	}
	r := &Ring{
		slots: make([]atomic.Uint64, capacity),
		size:  capacity,
		mask:  capacity - 1,
	}
	for i := range r.slots {
		r.slots[i].Store(empty(0))
	}
	return r
}

// Cap returns the ring capacity.
func (r *Ring) Cap() uint32 { return r.size }

// Len returns the number of stored indexes. The value is a snapshot and may
// be stale under concurrent use.
func (r *Ring) Len() uint32 {
	return r.tail.Load() - r.head.Load()
}

// Enq stores one index. It reports false when the ring is full.
func (r *Ring) Enq(v uint32) bool {
	sw := spin.Wait{}
	for {
		h, t := r.head.Load(), r.tail.Load()
		if t != r.tail.Load() {
			sw.Once()
			continue
		}
		if t == h+r.size {
			return false
		}
		turn := (t / r.size) & slotTurnMask
		i := t & r.mask
		ok := r.slots[i].CompareAndSwap(empty(turn), uint64(v))
		r.tail.CompareAndSwap(t, t+1)
		if ok {
			return true
		}
		sw.Once()
	}
}

// Deq removes one index. It reports false when the ring is empty.
func (r *Ring) Deq() (uint32, bool) {
	sw := spin.Wait{}
	for {
		h, t := r.head.Load(), r.tail.Load()
		i := h & r.mask
		e := r.slots[i].Load()
		if h != r.head.Load() {
			sw.Once()
			continue
		}
		if h == t {
			return 0, false
		}
		nextTurn := (h/r.size + 1) & slotTurnMask
		if e == empty(nextTurn) {
			// Slot already consumed by a racing thread; help the
			// cursor along and retry.
			r.head.CompareAndSwap(h, h+1)
			sw.Once()
			continue
		}
		ok := r.slots[i].CompareAndSwap(e, empty(nextTurn))
		r.head.CompareAndSwap(h, h+1)
		if ok {
			return uint32(e), true
		}
		sw.Once()
	}
}

// EnqMulti stores indexes from vals until the ring fills, returning the
// number stored.
func (r *Ring) EnqMulti(vals []uint32) int {
	for i, v := range vals {
		if !r.Enq(v) {
			return i
		}
	}
	return len(vals)
}

// DeqMulti fills out with indexes until the ring drains, returning the
// number removed.
func (r *Ring) DeqMulti(out []uint32) int {
	for i := range out {
		v, ok := r.Deq()
		if !ok {
			return i
		}
		out[i] = v
	}
	return len(out)
}

func empty(turn uint32) uint64 {
	return slotEmpty | uint64(turn&slotTurnMask)
}
