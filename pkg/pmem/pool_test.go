package pmem

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpenCreatesThenReopensExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pool.dat")

	p, existed, err := Open(path, 1<<20, PoolTypeHashTable)
	require.NoError(t, err)
	require.False(t, existed)
	require.NoError(t, p.Close())

	p2, existed2, err := Open(path, 1<<20, PoolTypeHashTable)
	require.NoError(t, err)
	require.True(t, existed2)
	require.NoError(t, p2.Close())
}

func TestAllocateBumpsCursorAndRejectsOverflow(t *testing.T) {
	p, _, err := Open(filepath.Join(t.TempDir(), "pool.dat"), 64, PoolTypeLog)
	require.NoError(t, err)
	defer p.Close()

	off1, err := p.Allocate(32)
	require.NoError(t, err)
	require.Equal(t, int64(0), off1)

	off2, err := p.Allocate(32)
	require.NoError(t, err)
	require.Equal(t, int64(32), off2)

	_, err = p.Allocate(1)
	require.Error(t, err)
}

func TestPersistWritesSurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pool.dat")
	p, _, err := Open(path, 1<<20, PoolTypeHashTable)
	require.NoError(t, err)

	off, err := p.Allocate(8)
	require.NoError(t, err)
	copy(p.Bytes()[off:off+8], []byte("durable!"))
	require.NoError(t, p.Persist(off, 8))
	require.NoError(t, p.Close())

	p2, _, err := Open(path, 1<<20, PoolTypeHashTable)
	require.NoError(t, err)
	defer p2.Close()
	require.Equal(t, "durable!", string(p2.Bytes()[off:off+8]))
}

func TestRestoreAllocatorAdvancesOnlyForward(t *testing.T) {
	p, _, err := Open(filepath.Join(t.TempDir(), "pool.dat"), 1<<20, PoolTypeHashTable)
	require.NoError(t, err)
	defer p.Close()

	p.RestoreAllocator(4096)
	off, err := p.Allocate(8)
	require.NoError(t, err)
	require.Equal(t, int64(4096), off)

	// A smaller value must never move the cursor backward.
	p.RestoreAllocator(100)
	off2, err := p.Allocate(8)
	require.NoError(t, err)
	require.Equal(t, int64(4104), off2)
}
