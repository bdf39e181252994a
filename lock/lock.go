// Package lock implements Mutex, a fully adaptive mutex whose whole
// state is two flag bits in one uint32 word (four bytes, not one:
// sync/atomic has no byte-sized atomic type). Its fast paths (a single
// CAS each for Lock and Unlock) are competitive with a bare spinlock
// under light contention; its slow paths delegate blocking to the
// parkinglot package, using the address of the state word itself as the
// parking key, so the queue of waiters lives entirely outside the Mutex
// value.
package lock

import (
	"sync/atomic"
	"unsafe"

	"github.com/ahrav/parkbolt/addr"
	"github.com/ahrav/parkbolt/internal/backoff"
	"github.com/ahrav/parkbolt/internal/nocopy"
	"github.com/ahrav/parkbolt/parkinglot"
)

const (
	isHeldBit    uint32 = 1
	hasParkedBit uint32 = 2
)

// Mutex is a mutual-exclusion lock whose state fits in a single word
// (sync/atomic has no byte-sized atomic type, so the state is carried
// in a uint32). The zero value is an unlocked Mutex, ready to use.
type Mutex struct {
	_ nocopy.NoCopy

	state atomic.Uint32
}

// Lock acquires the mutex, blocking until it is available.
func (m *Mutex) Lock() {
	if m.state.CompareAndSwap(0, isHeldBit) {
		return
	}
	m.lockSlow()
}

// Unlock releases the mutex. Unlock of an unheld Mutex is a programmer
// error and panics.
func (m *Mutex) Unlock() {
	if m.state.CompareAndSwap(isHeldBit, 0) {
		return
	}
	m.unlockSlow()
}

// IsHeld reports whether some goroutine currently holds the mutex.
func (m *Mutex) IsHeld() bool {
	return m.state.Load()&isHeldBit != 0
}

// IsLocked is an alias of IsHeld, kept for parity with the original
// design's redundant-but-intentional naming.
func (m *Mutex) IsLocked() bool { return m.IsHeld() }

func (m *Mutex) token() addr.Token {
	return addr.Of(unsafe.Pointer(&m.state))
}

func (m *Mutex) lockSlow() {
	var bo backoff.Backoff
	for {
		s := m.state.Load()
		if s&isHeldBit == 0 {
			if m.state.CompareAndSwap(s, s|isHeldBit) {
				return
			}
			continue
		}

		if !bo.Exhausted() {
			bo.Once()
			continue
		}

		if !m.publishParkIntent() {
			// Lock became free while we were tagging intent; retry the
			// fast path instead of parking on stale state.
			bo.Reset()
			continue
		}

		const want = isHeldBit | hasParkedBit
		parkinglot.Park(m.token(), func() bool {
			return m.state.Load() == want
		})
		bo.Reset()
	}
}

// publishParkIntent CASes hasParkedBit on while isHeldBit remains set. It
// returns false if the lock became free before the bit could be set,
// telling the caller to abandon the park attempt and retry acquisition.
func (m *Mutex) publishParkIntent() bool {
	for {
		s := m.state.Load()
		if s&isHeldBit == 0 {
			return false
		}
		if s&hasParkedBit != 0 {
			return true
		}
		if m.state.CompareAndSwap(s, s|hasParkedBit) {
			return true
		}
	}
}

func (m *Mutex) unlockSlow() {
	for {
		s := m.state.Load()
		if s&isHeldBit == 0 {
			panic("lock: unlock of unheld Mutex")
		}
		if m.state.CompareAndSwap(s, s&^isHeldBit) {
			break
		}
	}

	// unpark_one's boolean is "bucket non-empty after removal", not "did
	// we wake someone" (see parkinglot.UnparkOne's doc comment) — the
	// original design uses exactly this value to decide whether to clear
	// hasParkedBit, and this port preserves that, including its known
	// imprecision against bucket collisions from unrelated addresses.
	moreMayBeWaiting := parkinglot.UnparkOne(m.token())
	if moreMayBeWaiting {
		return
	}

	for {
		s := m.state.Load()
		if s&hasParkedBit == 0 {
			return
		}
		if m.state.CompareAndSwap(s, s&^hasParkedBit) {
			return
		}
	}
}

// Holder is a scope guard over a Mutex, for callers who want
// defer-based unlock symmetry instead of a bare Lock/defer Unlock pair.
type Holder struct {
	m *Mutex
}

// Hold locks m and returns a Holder whose Close unlocks it.
func Hold(m *Mutex) Holder {
	m.Lock()
	return Holder{m: m}
}

// Close unlocks the held Mutex.
func (h Holder) Close() { h.m.Unlock() }
