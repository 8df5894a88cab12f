package server

import (
	"fmt"
	"sync"
)

// Staging is a volatile free-list allocator over the staging sub-range
// of the shared region, used by the buffered PUT/GET paths:
// WRITE_REQUEST hands the client a transient address to write into,
// and READ_REQUEST copies a value's pages into one before
// replying. Unlike pkg/pmem's persistent bump allocator, staging
// buffers are genuinely freed once their handshake completes, so a
// small free list sits in front of the bump cursor.
type Staging struct {
	region []byte

	mu     sync.Mutex
	free   []span
	offset int64
}

type span struct {
	off  int64
	size int64
}

// NewStaging wraps region, which must be exactly the staging
// sub-range: offsets returned by Alloc are relative to region[0].
func NewStaging(region []byte) *Staging {
	return &Staging{region: region}
}

// Alloc reserves size contiguous bytes, preferring a freed span over
// extending the bump cursor, and returns its offset (relative to the
// staging region) along with the backing slice.
func (s *Staging) Alloc(size int64) (int64, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, sp := range s.free {
		if sp.size >= size {
			s.free = append(s.free[:i], s.free[i+1:]...)
			if sp.size > size {
				s.free = append(s.free, span{off: sp.off + size, size: sp.size - size})
			}
			return sp.off, s.region[sp.off : sp.off+size], nil
		}
	}
	if s.offset+size > int64(len(s.region)) {
		return 0, nil, fmt.Errorf("server: staging area exhausted (need %d, have %d free)", size, int64(len(s.region))-s.offset)
	}
	off := s.offset
	s.offset += size
	return off, s.region[off : off+size], nil
}

// Free returns a previously allocated span to the free list. off and
// size must be relative to the staging region, as returned by Alloc.
func (s *Staging) Free(off, size int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.free = append(s.free, span{off: off, size: size})
}
