// Package locks provides the low-level mutual exclusion primitives of the
// packet I/O core: a FIFO ticket lock for per-device receive/transmit paths
// and a test-and-set spinlock for short table-wide critical sections.
package locks

import (
	"sync/atomic"

	"code.hybscloud.com/spin"
)

// Ticket is a FIFO spinning lock. Acquirers take a ticket and spin until the
// serving counter reaches it, so the lock is granted strictly in arrival
// order. The zero value is an unlocked lock.
type Ticket struct {
	next    atomic.Uint32
	serving atomic.Uint32
}

// Lock acquires the lock, spinning until it is granted.
func (t *Ticket) Lock() {
	ticket := t.next.Add(1) - 1
	sw := spin.Wait{}
	for t.serving.Load() != ticket {
		sw.Once()
	}
}

// Unlock releases the lock. Must only be called by the current holder.
func (t *Ticket) Unlock() {
	t.serving.Add(1)
}

// TryLock acquires the lock only if no other ticket is outstanding.
func (t *Ticket) TryLock() bool {
	serving := t.serving.Load()
	return t.next.CompareAndSwap(serving, serving+1)
}
