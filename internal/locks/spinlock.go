package locks

import (
	"sync/atomic"

	"code.hybscloud.com/spin"
)

// Spin is a test-and-set spinlock. It makes no fairness guarantee and is
// meant for short critical sections such as slot allocation. The zero value
// is an unlocked lock.
type Spin struct {
	held atomic.Uint32
}

// Lock acquires the lock, spinning until it is granted.
func (s *Spin) Lock() {
	sw := spin.Wait{}
	for !s.held.CompareAndSwap(0, 1) {
		sw.Once()
	}
}

// Unlock releases the lock.
func (s *Spin) Unlock() {
	s.held.Store(0)
}

// TryLock acquires the lock without spinning.
func (s *Spin) TryLock() bool {
	return s.held.CompareAndSwap(0, 1)
}
