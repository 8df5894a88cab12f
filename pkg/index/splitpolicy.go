package index

import (
	"math"
	"math/rand"
	"sync"

	"github.com/rdpma/rdpma/internal/numastat"
)

// SplitPolicy chooses which NUMA node a freshly split segment lands
// on. Exactly one is active per server.
type SplitPolicy interface {
	// Choose returns the node id to place a new segment on, given the
	// node the segment being split currently lives on.
	Choose(counters *numastat.Counters, currentNode int) int
}

// splitObserver is implemented by policies that need to observe every
// Insert landing on a node, not just splits.
type splitObserver interface {
	OnInsert(node int)
}

// SkewedPolicy always allocates on NUMA node 0.
type SkewedPolicy struct{}

func (SkewedPolicy) Choose(counters *numastat.Counters, currentNode int) int { return 0 }

// BalancedPolicy picks the node with the minimum segments_in_node
// counter.
type BalancedPolicy struct{}

func (BalancedPolicy) Choose(counters *numastat.Counters, currentNode int) int {
	return counters.Min()
}

// RandomPolicy picks a uniformly random node.
type RandomPolicy struct {
	rng *rand.Rand
	mu  sync.Mutex
}

func NewRandomPolicy(seed int64) *RandomPolicy {
	return &RandomPolicy{rng: rand.New(rand.NewSource(seed))}
}

func (p *RandomPolicy) Choose(counters *numastat.Counters, currentNode int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rng.Intn(counters.NumNodes())
}

// LRFUPolicy maintains a per-node combined recency/frequency score and
// a monotonic global tick; it picks the minimum-crf node only if the
// current node's crf exceeds the minimum by more than 1, otherwise it
// keeps the current node.
type LRFUPolicy struct {
	mu    sync.Mutex
	crf   []float64
	atime []int64
	gtime int64
}

func NewLRFUPolicy(numNodes int) *LRFUPolicy {
	return &LRFUPolicy{crf: make([]float64, numNodes), atime: make([]int64, numNodes)}
}

// OnInsert updates node's crf on every Insert that lands there,
// independent of whether a split occurs.
func (p *LRFUPolicy) OnInsert(node int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gtime++
	decay := math.Pow(0.5, float64(p.gtime-p.atime[node])*0.5)
	p.crf[node] = 1 + p.crf[node]*decay
	p.atime[node] = p.gtime
}

func (p *LRFUPolicy) Choose(counters *numastat.Counters, currentNode int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	minNode := 0
	minVal := p.crf[0]
	for i := 1; i < len(p.crf); i++ {
		if p.crf[i] < minVal {
			minNode, minVal = i, p.crf[i]
		}
	}
	if p.crf[currentNode]-minVal > 1 {
		return minNode
	}
	return currentNode
}
