package rwlock

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestUncontendedLockUnlock(t *testing.T) {
	var l RWMutex
	for i := 0; i < 1_000_000; i++ {
		l.Lock()
		l.Unlock()
	}
	assert.False(t, l.IsWriteLocked())
}

func TestMutualExclusionAmongWriters(t *testing.T) {
	var l RWMutex
	const goroutines = 64
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

func TestReadersRunConcurrently(t *testing.T) {
	var l RWMutex
	const readers = 32
	var active, maxActive atomic.Int32
	var wg sync.WaitGroup
	wg.Add(readers)
	for i := 0; i < readers; i++ {
		go func() {
			defer wg.Done()
			l.RLock()
			n := active.Add(1)
			for {
				m := maxActive.Load()
				if n <= m || maxActive.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			active.Add(-1)
			l.RUnlock()
		}()
	}
	wg.Wait()
	assert.Greater(t, maxActive.Load(), int32(1))
}

func TestWriterExcludesReaders(t *testing.T) {
	var l RWMutex
	l.Lock()

	done := make(chan struct{})
	go func() {
		l.RLock()
		close(done)
		l.RUnlock()
	}()

	select {
	case <-done:
		t.Fatal("reader acquired RLock while writer held Lock")
	case <-time.After(20 * time.Millisecond):
	}

	l.Unlock()
	<-done
}

func TestReaderExcludesWriter(t *testing.T) {
	var l RWMutex
	l.RLock()

	done := make(chan struct{})
	go func() {
		l.Lock()
		close(done)
		l.Unlock()
	}()

	select {
	case <-done:
		t.Fatal("writer acquired Lock while reader held RLock")
	case <-time.After(20 * time.Millisecond):
	}

	l.RUnlock()
	<-done
}

func TestWriterEventuallyAcquiresUnderReaderLoad(t *testing.T) {
	var l RWMutex
	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				l.RLock()
				time.Sleep(time.Microsecond)
				l.RUnlock()
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		l.Lock()
		l.Unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("writer starved under sustained reader load")
	}
	close(stop)
	wg.Wait()
}

func TestUnlockOfUnheldRWMutexPanics(t *testing.T) {
	var l RWMutex
	assert.Panics(t, func() { l.Unlock() })
}

func TestRUnlockWithNoReadersPanics(t *testing.T) {
	var l RWMutex
	assert.Panics(t, func() { l.RUnlock() })
}

func TestIsWriteLockedReflectsState(t *testing.T) {
	var l RWMutex
	assert.False(t, l.IsWriteLocked())
	l.Lock()
	assert.True(t, l.IsWriteLocked())
	l.Unlock()
	assert.False(t, l.IsWriteLocked())
}
