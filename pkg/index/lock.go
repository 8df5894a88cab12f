package index

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// fenceCounter backs fence(): Go gives no portable bare store-fence, so
// an atomic release-store on a dummy word is used to force the
// preceding plain write (Pair.value) to be visible before the
// following atomic key publish, which is itself the real ordering
// primitive relied on by Get.
var fenceCounter atomic.Uint64

func fence() { fenceCounter.Add(1) }

// rwSpin keeps the reader/writer state in its own atomic word rather
// than packing a rw-counter, side bit, and depth into one machine
// word: the depth integer lives on the owning Segment/Directory and
// this lock stands alone. sema >= 0 counts concurrent shared
// holders; sema == -1 marks a single exclusive holder. mu serializes
// would-be exclusive acquirers against each other so only one busy-spins
// for sema to quiesce at a time.
type rwSpin struct {
	mu   sync.Mutex
	sema atomic.Int32
}

// RLock acquires the lock for lookup: busy-waits only while an
// exclusive holder is present.
func (l *rwSpin) RLock() {
	for {
		n := l.sema.Load()
		if n < 0 {
			runtime.Gosched()
			continue
		}
		if l.sema.CompareAndSwap(n, n+1) {
			return
		}
	}
}

func (l *rwSpin) RUnlock() { l.sema.Add(-1) }

// Lock acquires the lock for mutation (split/cuckoo), busy-waiting for
// sema to reach 0.
func (l *rwSpin) Lock() {
	l.mu.Lock()
	for !l.sema.CompareAndSwap(0, -1) {
		runtime.Gosched()
	}
}

func (l *rwSpin) Unlock() {
	l.sema.Store(0)
	l.mu.Unlock()
}

// NonNegative reports whether the lock is currently free of an
// exclusive holder, for Get's "wait until dir.sema >= 0" check.
func (l *rwSpin) NonNegative() bool { return l.sema.Load() >= 0 }

// WaitNonNegative busy-waits until no exclusive holder is present,
// without itself taking the lock. Used by Get, which only needs a
// consistent read of the segment pointer, not exclusion from other
// readers.
func (l *rwSpin) WaitNonNegative() {
	for !l.NonNegative() {
		runtime.Gosched()
	}
}
