package index

import (
	"fmt"

	"github.com/rdpma/rdpma/internal/numastat"
	"github.com/rdpma/rdpma/pkg/pmem"
)

// Recover rebuilds an Index from existing per-NUMA-node HashTable
// pools: traverse from the root segment following the forward sibling
// link, record (segment, localDepth)
// pairs, compute dir_depth = max(localDepth), and fill a fresh
// directory by assigning each segment 2^(dir_depth-localDepth)
// consecutive slots in chain order. Per-node segment counters are
// rebuilt by scanning which pool each segment resides in.
func Recover(pools []*pmem.Pool, policy SplitPolicy) (*Index, error) {
	if len(pools) == 0 {
		return nil, fmt.Errorf("index: at least one pool required")
	}

	root := loadSegment(pools[rootID.Node], int(rootID.Node), rootID.Local)
	chain := []*Segment{root}

	cur := root
	for {
		next := cur.forwardSibling()
		if !next.valid() {
			break
		}
		if int(next.Node) >= len(pools) {
			return nil, fmt.Errorf("index: recovered sibling references unknown node %d", next.Node)
		}
		seg := loadSegment(pools[next.Node], int(next.Node), next.Local)
		chain = append(chain, seg)
		cur = seg
	}

	dirDepth := 0
	for _, s := range chain {
		if s.LocalDepth() > dirDepth {
			dirDepth = s.LocalDepth()
		}
	}

	capacity := 1 << dirDepth
	segments := make([]SegmentID, capacity)
	idxPos := 0
	for _, s := range chain {
		span := 1 << (dirDepth - s.LocalDepth())
		for i := 0; i < span; i++ {
			if idxPos >= capacity {
				return nil, fmt.Errorf("index: recovered chain overflows directory capacity")
			}
			segments[idxPos] = s.id
			idxPos++
		}
	}
	if idxPos != capacity {
		return nil, fmt.Errorf("index: recovered chain covers %d of %d directory slots", idxPos, capacity)
	}

	counters := numastat.New(len(pools))
	segMap := make(map[SegmentID]*Segment, len(chain))
	maxLocal := make([]int32, len(pools))
	for _, s := range chain {
		segMap[s.id] = s
		counters.Increment(s.numaNode)
		if s.id.Local > maxLocal[s.numaNode] {
			maxLocal[s.numaNode] = s.id.Local
		}
	}
	// Resume each pool's bump allocator past every recovered record, so
	// a post-recovery split doesn't allocate a new segment on top of a
	// live one (newSegment's id derives from the current offset, same
	// as loadSegment's does from Local).
	for node, pool := range pools {
		if maxLocal[node] > 0 {
			pool.RestoreAllocator(int64(maxLocal[node]) * recordSize)
		}
	}

	idx := &Index{
		pools:    pools,
		dir:      newDirectory(segments, dirDepth),
		policy:   policy,
		counters: counters,
		segments: segMap,
	}
	return idx, nil
}
