// Package ksync provides synchronization primitive implementations for
// spinlocks.
package ksync

import (
	"runtime"
	"sync/atomic"
)

// spinsBeforeYielding is the number of failed acquisition attempts before
// the spinning task yields its time slice.
const spinsBeforeYielding = 64

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active task.
// Any attempt to re-acquire a lock already held by the current task will cause
// a deadlock.
func (l *Spinlock) Acquire() {
	for spins := 0; !atomic.CompareAndSwapUint32(&l.state, 0, 1); spins++ {
		if spins >= spinsBeforeYielding {
			spins = 0
			runtime.Gosched()
		}
	}
}

// TryToAcquire attempts to acquire the lock and returns true if the lock could
// be acquired or false otherwise.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.CompareAndSwapUint32(&l.state, 0, 1)
}

// Release relinquishes a held lock allowing other tasks to acquire it. Calling
// Release while the lock is free has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}
