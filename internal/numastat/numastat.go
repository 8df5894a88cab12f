// Package numastat holds the per-NUMA-node advisory counters shared by
// the split placement policy and Recovery: a CAS-updated count of
// segments currently resident on each node.
package numastat

import "sync/atomic"

// Counters tracks segments_in_node for every configured NUMA node.
type Counters struct {
	perNode []atomic.Int64
}

// New allocates counters for numNodes NUMA nodes.
func New(numNodes int) *Counters {
	return &Counters{perNode: make([]atomic.Int64, numNodes)}
}

// NumNodes reports how many NUMA nodes are tracked.
func (c *Counters) NumNodes() int { return len(c.perNode) }

// Get reads the advisory count for a node.
func (c *Counters) Get(node int) int64 { return c.perNode[node].Load() }

// Increment bumps the count for a node by one, used both when a
// segment is placed and when Recovery rebuilds the counters from a
// pool scan.
func (c *Counters) Increment(node int) { c.perNode[node].Add(1) }

// Min returns the node with the smallest count, breaking ties toward
// the lowest node id.
func (c *Counters) Min() int {
	best := 0
	bestVal := c.perNode[0].Load()
	for i := 1; i < len(c.perNode); i++ {
		v := c.perNode[i].Load()
		if v < bestVal {
			best, bestVal = i, v
		}
	}
	return best
}
