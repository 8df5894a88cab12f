package client

import (
	"context"
	"sync"

	"github.com/rdpma/rdpma/pkg/proto"
)

// pendingOp is the status-wait descriptor for one in-flight request,
// registered in a per-queue id-to-descriptor map under its msg_num
// (the id) and released back to the free list once the originating
// Put/Get observes its reply. A single op is
// reused across the two wait phases of BufferedPut and Get (reset
// swaps in a fresh channel between phases) since both phases share one
// msg_num end to end.
type pendingOp struct {
	id       uint16
	done     chan struct{}
	cw       proto.ControlWord
	err      error // set instead of cw on a connection-level failure
	notified bool  // guards against complete/killAll double-closing done
}

// wait blocks until the reply control word for this op arrives, the
// connection reports a failure, or ctx is canceled. A canceled context
// is how signal delivery cancels a submitter's wait.
func (p *pendingOp) wait(ctx context.Context) (proto.ControlWord, error) {
	select {
	case <-p.done:
		return p.cw, p.err
	case <-ctx.Done():
		return proto.ControlWord{}, ctx.Err()
	}
}

// pendingTable is the per-queue id-to-descriptor map, bounded by
// NumEntry so msg_num ids can be encoded directly into the control
// word without a server-side lookup.
type pendingTable struct {
	mu   sync.Mutex
	ops  map[uint16]*pendingOp
	free chan uint16
}

func newPendingTable() *pendingTable {
	t := &pendingTable{
		ops:  make(map[uint16]*pendingOp),
		free: make(chan uint16, proto.NumEntry),
	}
	for i := 0; i < proto.NumEntry; i++ {
		t.free <- uint16(i)
	}
	return t
}

// acquire reserves a free msg_num and registers a fresh pendingOp for
// it, blocking if every id is currently in flight.
func (t *pendingTable) acquire(ctx context.Context) (*pendingOp, error) {
	select {
	case id := <-t.free:
		op := &pendingOp{id: id, done: make(chan struct{})}
		t.mu.Lock()
		t.ops[id] = op
		t.mu.Unlock()
		return op, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// reset prepares op for a second wait phase (BufferedPut's commit
// reply, Get's RDMA_READ completion), called only after the caller has
// already observed the first phase's done close; the table lock
// orders it against any complete/killAll racing the first phase's
// tail.
func (t *pendingTable) reset(op *pendingOp) {
	t.mu.Lock()
	op.done = make(chan struct{})
	op.err = nil
	op.notified = false
	t.mu.Unlock()
}

// release removes op from the map and returns its id to the free list.
func (t *pendingTable) release(op *pendingOp) {
	t.mu.Lock()
	delete(t.ops, op.id)
	t.mu.Unlock()
	t.free <- op.id
}

// complete delivers a reply control word to the op registered under
// msgNum, if any is still outstanding. A BufferedPut/Get resets an op
// for its second wait phase before posting the request that phase
// waits on, so completion and the fresh-channel swap never run
// concurrently; only
// killAll (a connection-level event, not tied to a single msg_num) can
// race it, which the notified flag below resolves.
func (t *pendingTable) complete(msgNum uint16, cw proto.ControlWord) {
	t.mu.Lock()
	op := t.ops[msgNum]
	if op == nil || op.notified {
		t.mu.Unlock()
		return
	}
	op.notified = true
	t.mu.Unlock()
	op.cw = cw
	close(op.done)
}

// killAll fails every outstanding op with err: a lost connection must
// wake every submitter blocked in wait rather than leaving it stuck
// forever.
func (t *pendingTable) killAll(err error) {
	t.mu.Lock()
	ops := make([]*pendingOp, 0, len(t.ops))
	for _, op := range t.ops {
		if !op.notified {
			op.notified = true
			ops = append(ops, op)
		}
	}
	t.mu.Unlock()
	for _, op := range ops {
		op.err = err
		close(op.done)
	}
}
