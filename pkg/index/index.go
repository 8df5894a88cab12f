// Package index implements the CCEH Index: the public Insert/Get/Recover
// API composed of the Persistent Segment Store (segments, slot
// scanning, cuckoo displacement) and the Directory & Split Coordinator
// (volatile directory, doubling, pointer fan-out).
package index

import (
	"fmt"
	"sync"

	"github.com/rdpma/rdpma/internal/numastat"
	"github.com/rdpma/rdpma/pkg/pmem"
)

// Index is the concurrent extendible-hash index over one or more
// per-NUMA-node persistent pools.
type Index struct {
	pools    []*pmem.Pool // HashTable pool per NUMA node
	dir      *Directory
	policy   SplitPolicy
	counters *numastat.Counters

	segMu    sync.RWMutex
	segments map[SegmentID]*Segment
}

// New creates a fresh index with one empty root segment on node 0.
// pools must have one entry per NUMA node, indexed by node id.
func New(pools []*pmem.Pool, policy SplitPolicy) (*Index, error) {
	if len(pools) == 0 {
		return nil, fmt.Errorf("index: at least one pool required")
	}
	root, err := newSegment(pools[0], 0, 0)
	if err != nil {
		return nil, fmt.Errorf("index: allocate root segment: %w", err)
	}
	idx := &Index{
		pools:    pools,
		dir:      newDirectory([]SegmentID{root.id}, 0),
		policy:   policy,
		counters: numastat.New(len(pools)),
		segments: map[SegmentID]*Segment{root.id: root},
	}
	idx.counters.Increment(0)
	return idx, nil
}

func (idx *Index) segment(id SegmentID) *Segment {
	idx.segMu.RLock()
	s := idx.segments[id]
	idx.segMu.RUnlock()
	return s
}

func (idx *Index) registerSegment(s *Segment) {
	idx.segMu.Lock()
	idx.segments[s.id] = s
	idx.segMu.Unlock()
}

// observeInsert notifies the active split policy that a pair just
// landed on node, if that policy tracks per-insert state. Policies
// that don't need this (skewed/balanced/random) simply don't
// implement splitObserver.
func (idx *Index) observeInsert(node int) {
	if obs, ok := idx.policy.(splitObserver); ok {
		obs.OnInsert(node)
	}
}

// GetNodeID returns the NUMA node a key's current segment resides on,
// used by the server dispatch engine to route a request to the right
// worker queue.
func (idx *Index) GetNodeID(key uint64) int {
	idx.dir.lock.WaitNonNegative()
	segID, _ := idx.dir.Resolve(fHash(key))
	return int(segID.Node)
}

// Insert places {key, value}. It never fails except by panicking on
// capacity exhaustion: allocation failure during a split is fatal,
// since a half-completed split must never be observable.
func (idx *Index) Insert(key, value uint64) {
	if key == Invalid || key == Sentinel {
		panic("index: reserved key value")
	}
	fh := fHash(key)
	sh := sHash(key)

	for {
		idx.dir.lock.WaitNonNegative()
		segID, _ := idx.dir.Resolve(fh)
		seg := idx.segment(segID)

		seg.lock.RLock()
		// Re-verify the top-bits lookup under the lock; on mismatch,
		// another goroutine doubled/split between Resolve and RLock.
		curID, _ := idx.dir.Resolve(fh)
		if curID != segID {
			seg.lock.RUnlock()
			continue
		}
		localDepth := seg.LocalDepth()
		pattern := segmentPattern(fh, localDepth)

		// An existing slot for this key is updated in place, so a Get
		// that follows observes the newest value rather than whichever
		// duplicate a window scan reaches first.
		if seg.tryUpdateWindow(probeStart(fh), key, value) {
			seg.lock.RUnlock()
			idx.observeInsert(seg.numaNode)
			return
		}
		if seg.tryUpdateWindow(probeStart(sh), key, value) {
			seg.lock.RUnlock()
			idx.observeInsert(seg.numaNode)
			return
		}

		if _, ok := seg.tryInsertWindow(probeStart(fh), key, value, localDepth, pattern); ok {
			seg.lock.RUnlock()
			idx.observeInsert(seg.numaNode)
			return
		}
		if _, ok := seg.tryInsertWindow(probeStart(sh), key, value, localDepth, pattern); ok {
			seg.lock.RUnlock()
			idx.observeInsert(seg.numaNode)
			return
		}
		seg.lock.RUnlock()

		// Both probes failed: escalate to exclusive for cuckoo/split.
		seg.lock.Lock()
		// Re-check local depth: if a concurrent split already changed
		// it, our window computation is stale; abort and retry fresh.
		if seg.LocalDepth() != localDepth {
			seg.lock.Unlock()
			continue
		}

		if path := findPath(seg, localDepth, pattern, probeStart(fh), false); len(path) > 0 {
			if executePath(seg, path, key, value) {
				seg.lock.Unlock()
				idx.observeInsert(seg.numaNode)
				return
			}
		}
		if path := findPath(seg, localDepth, pattern, probeStart(sh), true); len(path) > 0 {
			if executePath(seg, path, key, value) {
				seg.lock.Unlock()
				idx.observeInsert(seg.numaNode)
				return
			}
		}

		idx.split(seg, localDepth, pattern)
		seg.lock.Unlock()
		// Retry Insert from the top; the key now has room in one of the
		// two post-split segments.
	}
}

// split allocates a sibling segment, redistributes pairs, and updates
// the directory. Caller holds seg's exclusive lock.
func (idx *Index) split(seg *Segment, localDepth int, pattern uint64) {
	newNode := idx.policy.Choose(idx.counters, seg.numaNode)
	newSeg, err := newSegment(idx.pools[newNode], int32(localDepth+1), newNode)
	if err != nil {
		// Allocation failure during a split is fatal: persistent
		// corruption must not result from a half-completed insert.
		panic(fmt.Errorf("index: split allocation failed: %w", err))
	}
	idx.counters.Increment(newNode)
	idx.registerSegment(newSeg)

	for i := 0; i < kNumSlot; i++ {
		key := seg.bucket[i].rawKey()
		if key == Invalid || key == Sentinel {
			continue
		}
		if !matchesPattern(fHash(key), localDepth, pattern) {
			continue // stale leftover from an earlier split, ignore
		}
		if splitBit(fHash(key), localDepth) == 0 {
			continue // stays in seg
		}
		value := seg.bucket[i].Value()
		insert4split(newSeg, key, value, localDepth+1, segmentPattern(fHash(key), localDepth+1))
	}

	// Splice newSeg into the sibling chain directly after seg: its
	// forward slot (sibling[0], side bit clear at birth) inherits seg's
	// old forward target, so Recovery's traversal still visits every
	// live segment in hash order.
	newSeg.sibling[0] = seg.forwardSibling()
	if seg.siblingSide {
		seg.sibling[0] = newSeg.id
	} else {
		seg.sibling[1] = newSeg.id
	}
	seg.localDepth = int32(localDepth + 1)
	seg.siblingSide = !seg.siblingSide
	newSeg.persistHeader()
	seg.persistHeader()

	idx.dir.replaceAfterSplit(seg, newSeg, localDepth)
}

// insert4split places a pair into a brand new segment during a split:
// f-probe window, falling back to s-probe, falling back to cuckoo.
// Since newSeg is empty of anything but freshly moved keys this should
// always succeed within the probe windows; cuckoo is attempted so no
// pair is ever silently dropped.
func insert4split(seg *Segment, key, value uint64, localDepth int, pattern uint64) {
	fh := fHash(key)
	sh := sHash(key)
	if _, ok := seg.tryInsertWindow(probeStart(fh), key, value, localDepth, pattern); ok {
		return
	}
	if _, ok := seg.tryInsertWindow(probeStart(sh), key, value, localDepth, pattern); ok {
		return
	}
	if path := findPath(seg, localDepth, pattern, probeStart(fh), false); len(path) > 0 {
		if executePath(seg, path, key, value) {
			return
		}
	}
	if path := findPath(seg, localDepth, pattern, probeStart(sh), true); len(path) > 0 {
		if executePath(seg, path, key, value) {
			return
		}
	}
	// Every window and cuckoo chain saturated on a just-split, half-full
	// segment should not happen in practice; rather than silently drop
	// the pair, fail loudly.
	panic(fmt.Errorf("index: insert4split exhausted all placement options for key %d", key))
}

// Get returns the value for key, or ok=false if absent: wait for no
// in-progress directory doubling, resolve the segment, acquire its
// shared lock, re-verify under the lock, then scan both probe windows.
func (idx *Index) Get(key uint64) (value uint64, ok bool) {
	fh := fHash(key)
	sh := sHash(key)

	for {
		idx.dir.lock.WaitNonNegative()
		segID, _ := idx.dir.Resolve(fh)
		seg := idx.segment(segID)

		seg.lock.RLock()
		curID, _ := idx.dir.Resolve(fh)
		if curID != segID {
			seg.lock.RUnlock()
			continue // directory moved under us, retry from the top
		}

		if i := seg.scanWindow(probeStart(fh), key); i >= 0 {
			v := seg.bucket[i].Value()
			seg.lock.RUnlock()
			return v, true
		}
		if i := seg.scanWindow(probeStart(sh), key); i >= 0 {
			v := seg.bucket[i].Value()
			seg.lock.RUnlock()
			return v, true
		}
		seg.lock.RUnlock()
		return 0, false
	}
}

// ForEach visits every live {key, value} pair exactly once. Used by
// Recovery's caller to rebuild any external state keyed off the values
// the index stores but never interprets itself, such as the server's
// log-pool bump allocator, which must resume past every page a
// recovered value still points at. Pairs a split left behind in their
// old segment are skipped: only the slot the directory currently
// resolves the key to counts as live.
func (idx *Index) ForEach(fn func(key, value uint64)) {
	idx.segMu.RLock()
	segs := make([]*Segment, 0, len(idx.segments))
	for _, s := range idx.segments {
		segs = append(segs, s)
	}
	idx.segMu.RUnlock()

	for _, s := range segs {
		for i := 0; i < kNumSlot; i++ {
			key := s.bucket[i].rawKey()
			if key == Invalid || key == Sentinel {
				continue
			}
			if owner, _ := idx.dir.Resolve(fHash(key)); owner != s.id {
				continue
			}
			fn(key, s.bucket[i].Value())
		}
	}
}
