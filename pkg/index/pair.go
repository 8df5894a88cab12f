package index

import "sync/atomic"

// Invalid and Sentinel are the two reserved key values: Invalid marks
// an empty slot, Sentinel marks a slot mid-claim by a concurrent
// Insert.
const (
	Invalid  uint64 = 0
	Sentinel uint64 = ^uint64(0)
)

// Pair is one cache-aligned {key, value} unit. Value is written first,
// a store fence follows, then key is published last: the key store is
// the commit point a concurrent Get can observe. Modeling the key as
// atomic.Uint64 gives that publish a real happens-before edge under
// the Go memory model without reaching for unsafe/cgo fences.
type Pair struct {
	value uint64
	key   atomic.Uint64
}

func (p *Pair) Key() uint64   { return p.key.Load() }
func (p *Pair) Value() uint64 { return p.value }

// claim attempts to take ownership of an empty-equivalent slot by CASing
// its key to Sentinel. want is the key value the slot is presumed to
// hold (Invalid, or a stale key whose segment pattern no longer
// matches).
func (p *Pair) claim(want uint64) bool {
	return p.key.CompareAndSwap(want, Sentinel)
}

// commit publishes value then key, with persist left to the caller
// (the caller knows the pool offset and batches the flush).
func (p *Pair) commit(key, value uint64) {
	p.value = value
	fence()
	p.key.Store(key)
}

// rawKey reads the slot's key without any claim semantics, for
// lock-free scans (Get, find_path).
func (p *Pair) rawKey() uint64 { return p.key.Load() }
