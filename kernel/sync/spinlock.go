// Package sync provides a spinlock implementation for code that cannot rely
// on the Go scheduler.
package sync

import "sync/atomic"

// attemptsBeforeYielding is the number of failed acquisition attempts after
// which Acquire hands the CPU to another thread via the registered yield
// function.
const attemptsBeforeYielding = 64

var (
	// yieldFn is invoked by Acquire while spinning. It remains nil until
	// the thread scheduler is up and SetYieldFunc has been called.
	yieldFn func()
)

// SetYieldFunc registers the function that Acquire calls to give up the CPU
// after spinning for a while. The kernel sets it to thread.Yield once the
// scheduler is running. Passing nil reverts to pure busy-waiting.
func SetYieldFunc(fn func()) {
	yieldFn = fn
}

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active task.
// Any attempt to re-acquire a lock already held by the current task will cause
// a deadlock.
func (l *Spinlock) Acquire() {
	for attempts := uint32(0); !atomic.CompareAndSwapUint32(&l.state, 0, 1); attempts++ {
		if attempts < attemptsBeforeYielding {
			continue
		}

		if yieldFn != nil {
			yieldFn()
		}
		attempts = 0
	}
}

// TryToAcquire attempts to acquire the lock and returns true if the lock could
// be acquired or false otherwise.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.SwapUint32(&l.state, 1) == 0
}

// Release relinquishes a held lock allowing other tasks to acquire it. Calling
// Release while the lock is free has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}
