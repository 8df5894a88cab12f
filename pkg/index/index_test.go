package index

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rdpma/rdpma/pkg/pmem"
)

func openTestPools(t *testing.T, numNodes int) []*pmem.Pool {
	t.Helper()
	dir := t.TempDir()
	pools := make([]*pmem.Pool, numNodes)
	for i := 0; i < numNodes; i++ {
		p, _, err := pmem.Open(filepath.Join(dir, fmt.Sprintf("node%d.hashtable", i)), 4<<20, pmem.PoolTypeHashTable)
		require.NoError(t, err)
		pools[i] = p
		t.Cleanup(func() { _ = p.Close() })
	}
	return pools
}

func TestInsertGetConsistency(t *testing.T) {
	pools := openTestPools(t, 1)
	idx, err := New(pools, SkewedPolicy{})
	require.NoError(t, err)

	idx.Insert(42, 1001)
	v, ok := idx.Get(42)
	require.True(t, ok)
	require.Equal(t, uint64(1001), v)

	idx.Insert(42, 2002)
	v, ok = idx.Get(42)
	require.True(t, ok)
	require.Equal(t, uint64(2002), v)
}

func TestAbsence(t *testing.T) {
	pools := openTestPools(t, 1)
	idx, err := New(pools, SkewedPolicy{})
	require.NoError(t, err)

	_, ok := idx.Get(999)
	require.False(t, ok)
}

func TestManyKeysSurviveSplits(t *testing.T) {
	pools := openTestPools(t, 1)
	idx, err := New(pools, SkewedPolicy{})
	require.NoError(t, err)

	const n = 1000
	for i := uint64(1); i <= n; i++ {
		idx.Insert(i, i*10)
	}
	for i := uint64(1); i <= n; i++ {
		v, ok := idx.Get(i)
		require.True(t, ok, "key %d missing", i)
		require.Equal(t, i*10, v)
	}
	require.Greater(t, idx.dir.Depth(), 0)
}

func TestConcurrentInsertsDistinctKeys(t *testing.T) {
	pools := openTestPools(t, 2)
	idx, err := New(pools, BalancedPolicy{})
	require.NoError(t, err)

	const n = 64
	var wg sync.WaitGroup
	for i := uint64(0); i < n; i++ {
		wg.Add(1)
		go func(k uint64) {
			defer wg.Done()
			idx.Insert(k+1, (k+1)*100)
		}(i)
	}
	wg.Wait()

	for i := uint64(1); i <= n; i++ {
		v, ok := idx.Get(i)
		require.True(t, ok)
		require.Equal(t, i*100, v)
	}
}

func TestRecoveryAfterCleanShutdown(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node0.hashtable")
	p, existed, err := pmem.Open(path, 4<<20, pmem.PoolTypeHashTable)
	require.NoError(t, err)
	require.False(t, existed)

	idx, err := New([]*pmem.Pool{p}, SkewedPolicy{})
	require.NoError(t, err)
	for i := uint64(1); i <= 300; i++ {
		idx.Insert(i, i+1)
	}
	wantDepth := idx.dir.Depth()
	require.NoError(t, p.Close())

	p2, existed2, err := pmem.Open(path, 4<<20, pmem.PoolTypeHashTable)
	require.NoError(t, err)
	require.True(t, existed2)
	defer p2.Close()

	recovered, err := Recover([]*pmem.Pool{p2}, SkewedPolicy{})
	require.NoError(t, err)
	require.Equal(t, wantDepth, recovered.dir.Depth())

	for i := uint64(1); i <= 300; i++ {
		v, ok := recovered.Get(i)
		require.True(t, ok, "key %d missing after recovery", i)
		require.Equal(t, i+1, v)
	}
}

// TestDirectoryInvariantHoldsAtQuiescence checks, at a quiescent point
// after many inserts, that every segment's directory pointer block has
// length exactly 2^(globalDepth-localDepth).
func TestDirectoryInvariantHoldsAtQuiescence(t *testing.T) {
	pools := openTestPools(t, 1)
	idx, err := New(pools, SkewedPolicy{})
	require.NoError(t, err)

	for i := uint64(1); i <= 2000; i++ {
		idx.Insert(i, i)
	}

	snap := idx.dir.snap.load()
	globalDepth := snap.depth
	seen := make(map[SegmentID]int)
	for _, id := range snap.segments {
		seen[id]++
	}
	for id, count := range seen {
		seg := idx.segment(id)
		want := 1 << (globalDepth - seg.LocalDepth())
		require.Equal(t, want, count, "segment %+v pointer block length", id)
	}
}

// TestRecoveryThenInsertDoesNotClobberSegments guards against a
// reopened pool's bump allocator restarting at offset zero: if
// Recover failed to resume it past every recovered record, a
// post-recovery split would allocate a new segment on top of a live
// one and silently corrupt previously durable keys.
func TestRecoveryThenInsertDoesNotClobberSegments(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node0.hashtable")
	p, _, err := pmem.Open(path, 4<<20, pmem.PoolTypeHashTable)
	require.NoError(t, err)

	idx, err := New([]*pmem.Pool{p}, SkewedPolicy{})
	require.NoError(t, err)
	for i := uint64(1); i <= 200; i++ {
		idx.Insert(i, i*7)
	}
	require.NoError(t, p.Close())

	p2, existed2, err := pmem.Open(path, 4<<20, pmem.PoolTypeHashTable)
	require.NoError(t, err)
	require.True(t, existed2)
	defer p2.Close()

	recovered, err := Recover([]*pmem.Pool{p2}, SkewedPolicy{})
	require.NoError(t, err)

	for i := uint64(1000); i <= 1300; i++ {
		recovered.Insert(i, i*7)
	}

	for i := uint64(1); i <= 200; i++ {
		v, ok := recovered.Get(i)
		require.True(t, ok, "pre-recovery key %d missing after post-recovery inserts", i)
		require.Equal(t, i*7, v)
	}
	for i := uint64(1000); i <= 1300; i++ {
		v, ok := recovered.Get(i)
		require.True(t, ok, "post-recovery key %d missing", i)
		require.Equal(t, i*7, v)
	}
}

func TestForEachVisitsEveryInsertedPair(t *testing.T) {
	pools := openTestPools(t, 1)
	idx, err := New(pools, SkewedPolicy{})
	require.NoError(t, err)

	want := make(map[uint64]uint64)
	for i := uint64(1); i <= 500; i++ {
		idx.Insert(i, i*3)
		want[i] = i * 3
	}

	got := make(map[uint64]uint64)
	idx.ForEach(func(key, value uint64) { got[key] = value })
	require.Equal(t, want, got)
}

func TestGetNodeIDMatchesSegmentPlacement(t *testing.T) {
	pools := openTestPools(t, 3)
	idx, err := New(pools, BalancedPolicy{})
	require.NoError(t, err)

	for i := uint64(1); i <= 500; i++ {
		idx.Insert(i, i)
		node := idx.GetNodeID(i)
		require.GreaterOrEqual(t, node, 0)
		require.Less(t, node, 3)
		segID, _ := idx.dir.Resolve(fHash(i))
		require.Equal(t, idx.segment(segID).NumaNode(), node)
	}
}

// TestCuckooDisplacementPreservesBothKeys drives findPath/executePath
// directly: a victim sitting at the head of a newcomer's probe window
// is pushed into its own alternate window, and both keys stay
// reachable through a normal window scan afterwards.
func TestCuckooDisplacementPreservesBothKeys(t *testing.T) {
	seg := &Segment{}
	const newcomer, victim = uint64(1), uint64(2)

	head := probeStart(fHash(newcomer))
	seg.bucket[head].commit(victim, 200)

	path := findPath(seg, 0, 0, head, false)
	require.NotEmpty(t, path)
	require.True(t, executePath(seg, path, newcomer, 100))

	i := seg.scanWindow(probeStart(fHash(newcomer)), newcomer)
	require.GreaterOrEqual(t, i, 0)
	require.Equal(t, uint64(100), seg.bucket[i].Value())

	j := seg.scanWindow(probeStart(fHash(victim)), victim)
	if j < 0 {
		j = seg.scanWindow(probeStart(sHash(victim)), victim)
	}
	require.GreaterOrEqual(t, j, 0)
	require.Equal(t, uint64(200), seg.bucket[j].Value())
}
