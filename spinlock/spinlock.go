// Package spinlock provides a busy-wait lock that can be used from elevated
// execution contexts.
//
// A Lock never parks the calling goroutine on a semaphore. While contended it
// spins, yielding the processor with runtime.Gosched every few iterations so
// that the holder can make progress on a saturated scheduler. Critical
// sections protected by a Lock must be short and must not perform I/O.
package spinlock

import (
	"runtime"
	"sync/atomic"

	"github.com/sarchlab/iotrack/priority"
)

const spinsBeforeYield = 64

// Lock is a busy-wait mutual-exclusion lock. The zero value is unlocked.
//
// The lock remembers the priority level passed by the acquirer so that the
// level can be restored when the lock is released. A Lock is not tied to the
// goroutine that acquired it.
type Lock struct {
	state      atomic.Uint32
	savedLevel priority.Level
}

// Acquire spins until the lock is held. The current level of the caller is
// saved and returned again by Release.
func (l *Lock) Acquire(current priority.Level) {
	spins := 0

	for !l.state.CompareAndSwap(0, 1) {
		spins++
		if spins%spinsBeforeYield == 0 {
			runtime.Gosched()
		}
	}

	l.savedLevel = current
}

// TryAcquire acquires the lock only if it is free.
func (l *Lock) TryAcquire(current priority.Level) bool {
	if !l.state.CompareAndSwap(0, 1) {
		return false
	}

	l.savedLevel = current

	return true
}

// Release releases the lock and returns the level that was saved by the
// matching Acquire. Releasing an unlocked Lock panics.
func (l *Lock) Release() priority.Level {
	level := l.savedLevel
	l.savedLevel = priority.Passive

	if !l.state.CompareAndSwap(1, 0) {
		panic("spinlock: release of unlocked lock")
	}

	return level
}

// Held reports whether the lock is currently held by anyone. It is only
// meaningful for diagnostics.
func (l *Lock) Held() bool {
	return l.state.Load() == 1
}
