// Package backoff implements the bounded spin-then-yield policy shared by
// WordLock's and Lock's slow paths. It turns an inline
// runtime.Gosched() spin loop into one reusable budget that both
// adaptive mutexes exhaust before falling back to blocking.
package backoff

import "runtime"

// SpinLimit bounds how many times Backoff busy-spins or yields before
// Exhausted reports true. It is on the order of "tens of yields", per
// the slow-path budget the adaptive lock is specified to use.
const SpinLimit = 40

// Backoff tracks how many times a caller has retried a CAS loop and
// decides, each time, whether to spin a little, yield to the scheduler,
// or (once Exhausted) stop spinning and move on to a real block.
type Backoff struct {
	spins int
}

// Once performs one unit of backoff: a short busy-wait for the first few
// calls, then a scheduler yield once the spin count passes SpinLimit,
// without paying for a Gosched on the first handful of retries the way a
// bare Gosched loop would.
func (b *Backoff) Once() {
	b.spins++
	if b.spins > SpinLimit {
		runtime.Gosched()
		return
	}
	for i := 0; i < b.spins; i++ {
		// Empty spin loop, growing with the number of retries so far;
		// callers here only ever contend over a single word.
	}
}

// Exhausted reports whether the spin budget has been used up and the
// caller should stop retrying the fast path and proceed to park.
func (b *Backoff) Exhausted() bool { return b.spins >= SpinLimit }

// Reset clears the spin counter, used after a caller returns from a park
// and is about to re-attempt acquisition from the top of its slow path.
func (b *Backoff) Reset() { b.spins = 0 }
