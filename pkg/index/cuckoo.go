package index

// cuckooStep is one hop in a displacement path: the slot index being
// displaced and whether the key currently there was found via its
// f-probe or s-probe window (so execute_path knows which alternate
// window to re-place it in).
type cuckooStep struct {
	slot     int
	key      uint64
	value    uint64
	viaSHash bool // true if this key was found through s_hash's window
}

// findPath builds a chain of up to kCuckooThreshold alternate slots by
// following the non-current hash of each displaced key, stopping when a
// slot whose key's pattern no longer matches the segment (the "empty
// equivalent" case) is found. It returns an empty path on failure or a
// prefix mismatch.
func findPath(s *Segment, localDepth int, pattern uint64, startSlot int, startViaSHash bool) []cuckooStep {
	path := make([]cuckooStep, 0, kCuckooThreshold)
	slot := startSlot
	viaSHash := startViaSHash

	for depth := 0; depth < kCuckooThreshold; depth++ {
		p := &s.bucket[slot]
		key := p.rawKey()
		if key == Invalid || key == Sentinel {
			return nil
		}
		if !matchesPattern(fHash(key), localDepth, pattern) {
			// Stale leftover from a prior split: treat its slot as free.
			return append(path, cuckooStep{slot: slot, key: key, value: p.Value(), viaSHash: viaSHash})
		}

		path = append(path, cuckooStep{slot: slot, key: key, value: p.Value(), viaSHash: viaSHash})

		// Follow the *other* hash's window for this displaced key.
		var nextSlot int
		var nextViaSHash bool
		if viaSHash {
			nextSlot = probeStart(fHash(key))
			nextViaSHash = false
		} else {
			nextSlot = probeStart(sHash(key))
			nextViaSHash = true
		}
		// Scan the displaced key's alternate window: a reclaimable slot
		// ends the chain there, otherwise the first other occupant in
		// that window becomes the next victim.
		found := false
		for i := 0; i < kWindowSlots; i++ {
			idx := (nextSlot + i) % kNumSlot
			k := s.bucket[idx].rawKey()
			if k == Invalid || !matchesPattern(fHash(k), localDepth, pattern) {
				return append(path, cuckooStep{slot: idx, key: k, value: s.bucket[idx].Value(), viaSHash: nextViaSHash})
			}
			if idx != slot {
				nextSlot = idx
				found = true
				break
			}
		}
		if !found {
			return nil
		}
		slot = nextSlot
		viaSHash = nextViaSHash
	}
	return nil
}

// executePath shifts pairs along a displacement chain found by
// findPath, writing the new {key,value} at the head. Each shifted pair
// is persisted individually; the head is written value-first, fenced,
// key last, matching the ordering discipline of a direct insert.
func executePath(s *Segment, path []cuckooStep, key, value uint64) bool {
	if len(path) == 0 {
		return false
	}
	// Shift in reverse: the tail slot (whose occupant's pattern no
	// longer matches, i.e. effectively empty) receives the key that was
	// displaced from the slot before it, and so on back to the head.
	for i := len(path) - 1; i > 0; i-- {
		dst := &s.bucket[path[i].slot]
		src := path[i-1]
		dst.value = src.value
		fence()
		dst.key.Store(src.key)
		s.persistPair(path[i].slot)
	}
	head := &s.bucket[path[0].slot]
	head.commit(key, value)
	s.persistPair(path[0].slot)
	return true
}
