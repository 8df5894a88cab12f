// Package pmem is the persistent-memory pool: an allocator over a
// memory-mapped file with a persist/flush barrier, the interface a
// real PM pool manager would provide. The mmap+msync pairing lets the
// index and server run unchanged on hosts without PM devices.
package pmem

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// PoolType distinguishes the two pool kinds: the index pool (segment
// tree) and the log pool (page payload slab).
type PoolType uint8

const (
	PoolTypeHashTable PoolType = iota
	PoolTypeLog
)

// Pool is a single memory-mapped persistent file. Allocate hands out
// disjoint byte ranges; Persist applies the flush barrier (a cache
// writeback instruction on real PM, msync here) to the given range.
type Pool struct {
	Type PoolType
	path string
	file *os.File
	data []byte
	size int64

	mu     sync.Mutex
	offset int64 // bump allocator cursor
}

// Open creates path at the given size on first run, or opens it
// unmodified on subsequent starts (triggering Recovery for hash-table
// pools.
func Open(path string, size int64, typ PoolType) (*Pool, bool, error) {
	existed := true
	if _, err := os.Stat(path); os.IsNotExist(err) {
		existed = false
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, false, fmt.Errorf("pmem: open %s: %w", path, err)
	}
	if !existed {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, false, fmt.Errorf("pmem: truncate %s: %w", path, err)
		}
	} else {
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, false, err
		}
		size = info.Size()
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, false, fmt.Errorf("pmem: mmap %s: %w", path, err)
	}

	p := &Pool{Type: typ, path: path, file: f, data: data, size: size}
	return p, existed, nil
}

// Close unmaps and closes the backing file.
func (p *Pool) Close() error {
	if err := unix.Munmap(p.data); err != nil {
		return err
	}
	return p.file.Close()
}

// Bytes returns the full mapped region. Callers index into it with
// offsets returned by Allocate.
func (p *Pool) Bytes() []byte { return p.data }

// Allocate bump-allocates n bytes and returns the byte offset of the
// new region. It never reuses freed space: segments are never freed
// individually.
func (p *Pool) Allocate(n int64) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.offset+n > p.size {
		return 0, fmt.Errorf("pmem: pool %s exhausted (need %d, have %d)", p.path, n, p.size-p.offset)
	}
	off := p.offset
	p.offset += n
	return off, nil
}

// RestoreAllocator advances the bump-allocator cursor to at least off,
// used by Recovery to resume allocation past every record a reopened
// pool already holds: Open has no way to infer the cursor from file
// size alone (the file is pre-truncated to its full fixed size), so
// the component that walks the recovered records must report back how
// much of the pool they actually occupy.
func (p *Pool) RestoreAllocator(off int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if off > p.offset {
		p.offset = off
	}
}

// pageAlign is the msync address granularity: the mapping base is
// page-aligned, so flush ranges are widened down to the containing
// page boundary.
const pageAlign = 4096

// Persist applies the flush barrier to data[off:off+n]: on real PM this
// is a cacheline writeback plus sfence; here it is msync, which is the
// closest stdlib-reachable analog of "make these bytes durable now".
func (p *Pool) Persist(off, n int64) error {
	if n == 0 {
		return nil
	}
	start := off &^ (pageAlign - 1)
	return unix.Msync(p.data[start:off+n], unix.MS_SYNC)
}

// Fence is a store fence: on real hardware an SFENCE between writing a
// pair's value and its key, ensuring the key is never visible before
// the value. The Go memory model gives us no portable fence weaker than
// a full atomic release-store, so Fence is realized as an atomic
// release on a dummy counter, sufficient to order the two
// plain writes around it on every platform the Go race detector models.
var fenceCounter atomic.Uint64

func Fence() {
	fenceCounter.Add(1)
}
