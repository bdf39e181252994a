package wordlock

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUncontendedLockUnlock(t *testing.T) {
	var l WordLock
	for i := 0; i < 1_000_000; i++ {
		l.Lock()
		l.Unlock()
	}
	assert.False(t, l.IsHeld())
}

func TestMutualExclusion(t *testing.T) {
	var l WordLock
	const goroutines = 100
	const iterations = 500
	counter := 0

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				l.Lock()
				counter++
				l.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, goroutines*iterations, counter)
}

func TestContendedLockEventuallyDrains(t *testing.T) {
	var l WordLock
	const goroutines = 16
	var wg sync.WaitGroup
	wg.Add(goroutines)
	start := time.Now()
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				l.Lock()
				time.Sleep(time.Microsecond)
				l.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.False(t, l.IsHeld())
}

// TestUnlockAfterWaiterFinishesRegisteringWakesIt pins the owner's hold
// long enough for a second goroutine to finish registering itself in the
// wait queue (lockSlow's spin budget is exhausted well within the hold
// time below) before Unlock ever runs, reproducing the exact steady
// state a lost wakeup would hang in: one owner, one fully-enqueued
// waiter, at the moment of Unlock.
func TestUnlockAfterWaiterFinishesRegisteringWakesIt(t *testing.T) {
	var l WordLock
	l.Lock()

	acquired := make(chan struct{})
	go func() {
		l.Lock()
		close(acquired)
		l.Unlock()
	}()

	time.Sleep(50 * time.Millisecond)
	l.Unlock()

	select {
	case <-acquired:
	case <-time.After(5 * time.Second):
		t.Fatal("waiter was never woken after Unlock; lost wakeup")
	}
}

func TestHolderUnlocksOnClose(t *testing.T) {
	var l WordLock
	h := Hold(&l)
	require.True(t, l.IsHeld())
	h.Close()
	assert.False(t, l.IsHeld())
}

func TestUnlockOfUnheldWordLockPanics(t *testing.T) {
	var l WordLock
	assert.Panics(t, func() { l.Unlock() })
}

func TestIsLockedAliasesIsHeld(t *testing.T) {
	var l WordLock
	assert.Equal(t, l.IsHeld(), l.IsLocked())
	l.Lock()
	assert.Equal(t, l.IsHeld(), l.IsLocked())
	l.Unlock()
}
