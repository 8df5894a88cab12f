package index

import (
	"github.com/rdpma/rdpma/pkg/pmem"
)

// SegmentID is a stable on-PM identifier: the NUMA node whose
// HashTable pool holds the record, plus a 1-based index into that
// pool's fixed-size segment records. Local == 0 means "none", so the
// zero value doubles as the sentinel regardless of Node.
type SegmentID struct {
	Node  int32
	Local int32
}

var noSegment = SegmentID{}

var rootID = SegmentID{Node: 0, Local: 1}

func (id SegmentID) valid() bool { return id.Local != 0 }

const (
	pairSize   = 16 // value(8) + key(8)
	headerSize = 32 // id(8) + localDepth(4) + siblingSide(1+3 pad) + sibling[0](8) + sibling[1](8)
	recordSize = headerSize + kNumSlot*pairSize
)

// Segment is a persistent record containing the bucket array, its
// local depth, sibling pointers for Recovery's chain traversal, and the
// volatile locking state: a rw
// "sema"-style lock (shared for lookup, exclusive for mutation/split)
// and a protocol mutex serializing exclusive acquirers.
type Segment struct {
	id SegmentID

	bucket [kNumSlot]Pair

	localDepth  int32 // depth only; the side bit lives in siblingSide
	siblingSide bool  // which sibling slot is currently the forward link, toggles each split
	sibling     [2]SegmentID

	lock rwSpin

	numaNode int

	pool   *pmem.Pool
	offset int64 // byte offset of this segment's record in pool
}

// newSegment allocates a fresh segment record in pool (the HashTable
// pool belonging to numaNode) and returns it zeroed (all slots Invalid).
func newSegment(pool *pmem.Pool, localDepth int32, numaNode int) (*Segment, error) {
	off, err := pool.Allocate(recordSize)
	if err != nil {
		return nil, err
	}
	id := SegmentID{Node: int32(numaNode), Local: int32(off/recordSize) + 1}
	s := &Segment{
		id:          id,
		localDepth:  localDepth,
		siblingSide: false,
		numaNode:    numaNode,
		pool:        pool,
		offset:      off,
	}
	s.persistHeader()
	return s, nil
}

// loadSegment reconstructs a Segment from its persisted record, used
// by Recovery.
func loadSegment(pool *pmem.Pool, numaNode int, local int32) *Segment {
	off := int64(local-1) * recordSize
	buf := pool.Bytes()
	s := &Segment{
		id:          SegmentID{Node: int32(numaNode), Local: local},
		localDepth:  int32(getUint32(buf[off+8:])),
		siblingSide: buf[off+12] != 0,
		numaNode:    numaNode,
		pool:        pool,
		offset:      off,
	}
	s.sibling[0] = decodeSegmentID(getUint64(buf[off+16:]))
	s.sibling[1] = decodeSegmentID(getUint64(buf[off+24:]))
	for i := 0; i < kNumSlot; i++ {
		pairOff := off + headerSize + int64(i)*pairSize
		value := getUint64(buf[pairOff:])
		key := getUint64(buf[pairOff+8:])
		s.bucket[i].value = value
		s.bucket[i].key.Store(key)
	}
	return s
}

// encodeSegmentID/decodeSegmentID pack a SegmentID into the 64-bit
// on-disk sibling fields (node in the high 32 bits, local index in the
// low 32 bits).
func encodeSegmentID(id SegmentID) uint64 {
	return uint64(uint32(id.Node))<<32 | uint64(uint32(id.Local))
}

func decodeSegmentID(v uint64) SegmentID {
	return SegmentID{Node: int32(uint32(v >> 32)), Local: int32(uint32(v))}
}

func (s *Segment) ID() SegmentID   { return s.id }
func (s *Segment) LocalDepth() int { return int(s.localDepth) }
func (s *Segment) NumaNode() int   { return s.numaNode }

// matchesPattern reports whether a key's hash still belongs to this segment
// given the segment's current local depth and the pattern it was
// assigned at creation (passed in, since the pattern itself is a
// property of the segment's position in the directory at creation
// time, not recomputable from depth alone after a parent split).
func matchesPattern(h uint64, localDepth int, pattern uint64) bool {
	return segmentPattern(h, localDepth) == pattern
}

// scanWindow probes the kWindowSlots-wide window starting at start,
// wrapping around the bucket, and returns the slot index whose key
// equals target, or -1.
func (s *Segment) scanWindow(start int, target uint64) int {
	for i := 0; i < kWindowSlots; i++ {
		idx := (start + i) % kNumSlot
		if s.bucket[idx].rawKey() == target {
			return idx
		}
	}
	return -1
}

// tryUpdateWindow looks for an existing slot holding key within the
// window starting at start and commits the new value in place, so a
// repeated Insert of the same key replaces rather than duplicates
// (the common case for re-exported pages). The claim briefly parks the
// slot at Sentinel, the same discipline a fresh insert uses.
func (s *Segment) tryUpdateWindow(start int, key, value uint64) bool {
	for i := 0; i < kWindowSlots; i++ {
		idx := (start + i) % kNumSlot
		slot := &s.bucket[idx]
		if slot.rawKey() != key {
			continue
		}
		if !slot.claim(key) {
			continue
		}
		slot.commit(key, value)
		s.persistPair(idx)
		return true
	}
	return false
}

// tryInsertWindow attempts to claim any empty-or-stale slot in the
// window starting at start and commit {key, value} there. pattern and
// localDepth identify which keys currently in the bucket are "stale"
// (left over from before a split) and therefore reclaimable.
func (s *Segment) tryInsertWindow(start int, key, value uint64, localDepth int, pattern uint64) (int, bool) {
	for i := 0; i < kWindowSlots; i++ {
		idx := (start + i) % kNumSlot
		slot := &s.bucket[idx]
		cur := slot.rawKey()
		reclaimable := cur == Invalid || (cur != Sentinel && !matchesPattern(fHash(cur), localDepth, pattern))
		if !reclaimable {
			continue
		}
		if slot.claim(cur) {
			slot.commit(key, value)
			s.persistPair(idx)
			return idx, true
		}
	}
	return -1, false
}

// persistPair flushes one {key,value} slot to the pool.
func (s *Segment) persistPair(idx int) {
	if s.pool == nil {
		return
	}
	off := s.offset + headerSize + int64(idx)*pairSize
	buf := s.pool.Bytes()
	putUint64(buf[off:], s.bucket[idx].Value())
	putUint64(buf[off+8:], s.bucket[idx].Key())
	_ = s.pool.Persist(off, pairSize)
}

// persistHeader flushes id/localDepth/siblingSide/sibling to the pool.
func (s *Segment) persistHeader() {
	if s.pool == nil {
		return
	}
	buf := s.pool.Bytes()
	off := s.offset
	putUint64(buf[off:], encodeSegmentID(s.id))
	putUint32(buf[off+8:], uint32(s.localDepth))
	if s.siblingSide {
		buf[off+12] = 1
	} else {
		buf[off+12] = 0
	}
	putUint64(buf[off+16:], encodeSegmentID(s.sibling[0]))
	putUint64(buf[off+24:], encodeSegmentID(s.sibling[1]))
	_ = s.pool.Persist(off, headerSize)
}

// forwardSibling returns the sibling slot currently acting as the
// forward link for Recovery's chain traversal.
func (s *Segment) forwardSibling() SegmentID {
	if s.siblingSide {
		return s.sibling[1]
	}
	return s.sibling[0]
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * (7 - i)))
	}
}

func getUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func putUint32(b []byte, v uint32) {
	for i := 0; i < 4; i++ {
		b[i] = byte(v >> (8 * (3 - i)))
	}
}

func getUint32(b []byte) uint32 {
	var v uint32
	for i := 0; i < 4; i++ {
		v = v<<8 | uint32(b[i])
	}
	return v
}
