package index

import "sync/atomic"

// atomicSnapshot is a thin, named wrapper over atomic.Pointer so the
// Directory struct reads cleanly; doubling is a single atomic pointer
// swap, giving readers a consistent view without ever locking.
type atomicSnapshot struct {
	p atomic.Pointer[dirSnapshot]
}

func (a *atomicSnapshot) load() *dirSnapshot   { return a.p.Load() }
func (a *atomicSnapshot) store(s *dirSnapshot) { a.p.Store(s) }

// dirSnapshot is an immutable view of the directory's pointer table.
// Doubling publishes a brand new snapshot atomically rather than
// mutating the live slice in place, so readers never observe a
// half-built table.
type dirSnapshot struct {
	depth    int
	segments []SegmentID
}

// Directory is the volatile fan-out table above the persistent segment
// store: depth, capacity = 1<<depth, and one SegmentID per directory
// slot. lock.sema serializes doubling against concurrent Inserts.
type Directory struct {
	snap atomicSnapshot
	lock rwSpin
}

func newDirectory(initial []SegmentID, depth int) *Directory {
	d := &Directory{}
	d.snap.store(&dirSnapshot{depth: depth, segments: initial})
	return d
}

// Depth returns the current global depth.
func (d *Directory) Depth() int { return d.snap.load().depth }

// Capacity returns 1<<Depth().
func (d *Directory) Capacity() int { return len(d.snap.load().segments) }

// Resolve returns the SegmentID currently responsible for hash h's top
// directory-depth bits. Callers must have already waited for
// d.lock.WaitNonNegative() if they need a guarantee no doubling is
// in-flight; Resolve itself just reads the current published snapshot.
func (d *Directory) Resolve(h uint64) (SegmentID, int) {
	s := d.snap.load()
	idx := int(h >> (keyBits - uint(s.depth)))
	if s.depth == 0 {
		idx = 0
	}
	return s.segments[idx], s.depth
}

// replaceAfterSplit installs newSeg as the handler for the upper half
// of the directory slots previously pointing at oldSeg. If
// oldLocalDepth equals the current global depth, the directory is
// doubled first.
func (d *Directory) replaceAfterSplit(oldSeg, newSeg *Segment, oldLocalDepth int) {
	d.lock.Lock()
	defer d.lock.Unlock()

	cur := d.snap.load()
	if oldLocalDepth == cur.depth {
		doubled := make([]SegmentID, len(cur.segments)*2)
		for i, seg := range cur.segments {
			doubled[2*i] = seg
			doubled[2*i+1] = seg
		}
		newDepth := cur.depth + 1
		// The split segment's own two children (old half, new half) take
		// the two slots that used to be the single pointer at i, i.e.
		// 2*splitIndex and 2*splitIndex+1 in the doubled table.
		splitIndex := directoryIndexOf(cur, oldSeg.id)
		doubled[2*splitIndex] = oldSeg.id
		doubled[2*splitIndex+1] = newSeg.id
		d.snap.store(&dirSnapshot{depth: newDepth, segments: doubled})
		return
	}

	stride := 1 << (cur.depth - oldLocalDepth)
	splitIndex := directoryIndexOf(cur, oldSeg.id)
	blockStart := (splitIndex / stride) * stride
	next := make([]SegmentID, len(cur.segments))
	copy(next, cur.segments)
	half := stride / 2
	for i := 0; i < half; i++ {
		next[blockStart+half+i] = newSeg.id
	}
	d.snap.store(&dirSnapshot{depth: cur.depth, segments: next})
}

func directoryIndexOf(s *dirSnapshot, id SegmentID) int {
	for i, seg := range s.segments {
		if seg == id {
			return i
		}
	}
	return -1
}

// rebuild replaces the whole directory, used by Recovery once it has
// walked the sibling chain and computed the target depth.
func (d *Directory) rebuild(segments []SegmentID, depth int) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.snap.store(&dirSnapshot{depth: depth, segments: segments})
}
