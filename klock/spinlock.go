// Package klock provides the non-blocking spinlock primitive the coremap and
// TLB manager use for their leaf critical sections. The sleeping mutex used
// for as_lock/swap_lock is the generic thread/synchronization primitive the
// spec treats as an external collaborator (out of scope); stdlib sync.Mutex
// stands in for it directly. The spinlock has no stdlib equivalent with
// hold-check semantics, so it is implemented here in the corpus's own idiom.
package klock

import "sync/atomic"

// Spinlock is a busy-wait lock with a hold-check, modeled on the kernel
// spinlocks used for brief, non-blocking critical sections (cm_spinlock,
// tlb_spinlock) that must never be held across a suspension point.
type Spinlock struct {
	state uint32
}

// Lock blocks, busy-waiting, until the lock is acquired.
func (l *Spinlock) Lock() {
	for !l.TryLock() {
	}
}

// TryLock attempts to acquire the lock without blocking and reports whether
// it succeeded.
func (l *Spinlock) TryLock() bool {
	return atomic.CompareAndSwapUint32(&l.state, 0, 1)
}

// Unlock releases a held lock. Calling Unlock on a free lock has no effect.
func (l *Spinlock) Unlock() {
	atomic.StoreUint32(&l.state, 0)
}

// Held reports whether the lock is currently held by anyone. It exists for
// debug assertions ("a spinlock must never be held across a suspension
// point"), not for synchronization decisions.
func (l *Spinlock) Held() bool {
	return atomic.LoadUint32(&l.state) != 0
}
