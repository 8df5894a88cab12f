// Package server implements the protocol engine and dispatch engine:
// one receive-polling listener per accepted connection feeds a pair of
// lock-free request queues per
// NUMA node, drained by a pool of worker goroutines that do the actual
// persistent-memory writes, index operations, and reply posts.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rdpma/rdpma/pkg/index"
	"github.com/rdpma/rdpma/pkg/pmem"
	"github.com/rdpma/rdpma/pkg/proto"
	"github.com/rdpma/rdpma/pkg/queue"
	"github.com/rdpma/rdpma/pkg/transport"
)

// pollInterval bounds how long an idle worker sleeps between Pop
// attempts, keeping the drain loop a bounded busy poll.
const pollInterval = 200 * time.Microsecond

// Server is the memory-side node: one shared region (metadata, fixed
// page slots, staging) visible to every client connection, one CCEH
// index, and one LOG pmem pool per NUMA node.
type Server struct {
	logger *slog.Logger

	idx      *index.Index
	logPools []*pmem.Pool // LOG pool per NUMA node

	region  []byte
	layout  proto.RegionLayout
	staging *Staging

	queues []queue.Pair[requestDescriptor]

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a dispatch engine. region must be at least layout.Size()
// bytes and is the server's full peer-visible memory, shared by every
// accepted connection. logPools holds one LOG-typed pool per NUMA
// node, indexed by node id, matching idx's own pool indexing.
func New(idx *index.Index, logPools []*pmem.Pool, region []byte, layout proto.RegionLayout, queueCap int) (*Server, error) {
	if uint64(len(region)) < layout.Size() {
		return nil, fmt.Errorf("server: region too small: have %d, need %d", len(region), layout.Size())
	}
	stagingRegion := region[layout.StagingBase() : layout.StagingBase()+layout.StagingSize]
	queues := make([]queue.Pair[requestDescriptor], len(logPools))
	for i := range queues {
		queues[i] = queue.NewPair[requestDescriptor](queueCap)
	}
	return &Server{
		logger:   slog.Default().With("component", "server"),
		idx:      idx,
		logPools: logPools,
		region:   region,
		layout:   layout,
		staging:  NewStaging(stagingRegion),
		queues:   queues,
		stopCh:   make(chan struct{}),
	}, nil
}

// Accept wires qp's completions into this server's protocol engine;
// pass it as (or from) a transport backend's AcceptHandler.
func (s *Server) Accept(qp transport.QueuePair) {
	h := &connHandler{srv: s, qp: qp, logger: s.logger.With("qp", fmt.Sprintf("%p", qp))}
	if err := qp.Subscribe(h); err != nil {
		s.logger.Warn("subscribe failed for accepted connection", "err", err)
	}
}

// Run starts one worker per (node, direction) queue, optionally pinned
// to a CPU drawn from cpus (nil means no pinning, matching a kv-cpu
// mask of all zero bits). It blocks until ctx is canceled or Stop is
// called.
func (s *Server) Run(ctx context.Context, cpus []int) {
	for node := range s.logPools {
		for _, dir := range []queue.Direction{queue.DirectionRead, queue.DirectionWrite} {
			qi := queue.TargetQueue(node, dir)
			cpu := -1
			if len(cpus) > 0 {
				cpu = cpus[qi%len(cpus)]
			}
			s.wg.Add(1)
			go s.worker(ctx, node, dir, cpu)
		}
	}
	s.wg.Wait()
}

// Stop signals every worker to exit and waits for them to drain.
func (s *Server) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

func (s *Server) queueFor(node int, dir queue.Direction) *queue.MPMC[requestDescriptor] {
	if dir == queue.DirectionRead {
		return s.queues[node].Read
	}
	return s.queues[node].Write
}

func (s *Server) worker(ctx context.Context, node int, dir queue.Direction, cpu int) {
	defer s.wg.Done()
	if cpu >= 0 {
		if err := pinWorker(cpu); err != nil {
			s.logger.Warn("cpu pin failed, continuing unpinned", "cpu", cpu, "err", err)
		}
	}
	q := s.queueFor(node, dir)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			for {
				desc, err := q.Pop()
				if err != nil {
					break
				}
				s.handle(desc)
			}
		}
	}
}

func (s *Server) handle(desc requestDescriptor) {
	switch desc.Type {
	case proto.Write:
		s.handleWrite(desc)
	case proto.WriteRequest:
		s.handleWriteRequest(desc)
	case proto.ReadRequest:
		s.handleReadRequest(desc)
	default:
		s.logger.Warn("dropping descriptor with unexpected type", "type", desc.Type)
	}
}

// handleWrite services a WRITE: read the slot's source address (the
// fixed page slot for a direct PUT, or a staging
// buffer for a buffered PUT; handleWrite doesn't need to know which),
// persist each page to the target node's LOG pool, insert the
// sequential key batch into the index, and reply WRITE_REPLY /
// WRITE_COMMITTED.
func (s *Server) handleWrite(desc requestDescriptor) {
	slot := proto.NewMetadataSlot(s.region, desc.QID, desc.MsgNum)
	baseKey := slot.Key()
	srcOff := slot.Address()
	staged := srcOff >= s.layout.StagingBase()

	for i := uint8(0); i < desc.Num; i++ {
		key := baseKey + uint64(i)
		start := srcOff + uint64(i)*proto.PageSize
		src := s.region[start : start+proto.PageSize]

		pool := s.logPools[desc.NodeID]
		off, err := pool.Allocate(proto.PageSize)
		if err != nil {
			s.logger.Error("log pool exhausted", "node", desc.NodeID, "err", err)
			return
		}
		copy(pool.Bytes()[off:off+proto.PageSize], src)
		if err := pool.Persist(off, proto.PageSize); err != nil {
			s.logger.Error("persist failed", "err", err)
			return
		}
		s.idx.Insert(key, EncodeValue(desc.NodeID, off))
	}

	if staged {
		s.freeStaging(srcOff, int64(desc.Num)*proto.PageSize)
	}
	s.reply(desc, proto.WriteReply, proto.WriteCommitted)
}

// handleWriteRequest implements the buffered-PUT staging phase:
// allocate a transient buffer, publish its address in the reply
// metadata slot, and tell the client it is ready to receive the page
// bytes.
func (s *Server) handleWriteRequest(desc requestDescriptor) {
	size := int64(desc.Num) * proto.PageSize
	localOff, _, err := s.staging.Alloc(size)
	if err != nil {
		s.logger.Error("staging allocation failed", "err", err)
		return
	}
	slot := proto.NewMetadataSlot(s.region, desc.QID, desc.MsgNum)
	slot.SetAddress(s.layout.StagingBase() + uint64(localOff))
	s.reply(desc, proto.WriteRequestReply, proto.WriteReady)
}

// handleReadRequest implements the GET handshake's server half:
// resolve the sequential key batch through the index, stage the pages
// contiguously, publish the staging address, and reply
// READ_REQUEST_REPLY/READ_READY, or READ_ABORTED if any key misses.
func (s *Server) handleReadRequest(desc requestDescriptor) {
	slot := proto.NewMetadataSlot(s.region, desc.QID, desc.MsgNum)
	baseKey := slot.Key()

	pages := make([][]byte, desc.Num)
	for i := uint8(0); i < desc.Num; i++ {
		v, ok := s.idx.Get(baseKey + uint64(i))
		if !ok {
			s.reply(desc, proto.ReadRequestReply, proto.ReadAborted)
			return
		}
		node, off := DecodeValue(v)
		pool := s.logPools[node]
		pages[i] = pool.Bytes()[off : off+proto.PageSize]
	}

	size := int64(desc.Num) * proto.PageSize
	localOff, buf, err := s.staging.Alloc(size)
	if err != nil {
		s.logger.Error("staging allocation failed for read", "err", err)
		s.reply(desc, proto.ReadRequestReply, proto.ReadAborted)
		return
	}
	for i, p := range pages {
		copy(buf[int64(i)*proto.PageSize:], p)
	}

	slot.SetAddress(s.layout.StagingBase() + uint64(localOff))
	s.reply(desc, proto.ReadRequestReply, proto.ReadReady)
}

// freeStaging returns an absolute (region-relative) staging span to
// the free list, converting it to the Staging allocator's own
// region-relative coordinates.
func (s *Server) freeStaging(absOff uint64, size int64) {
	s.staging.Free(int64(absOff-s.layout.StagingBase()), size)
}

// reply posts a signaled write-with-immediate carrying the current
// metadata slot snapshot back to the client, landing at the same
// (qid, msgNum) offset in the client's own region so it can read back
// any address the handler just published.
func (s *Server) reply(desc requestDescriptor, typ proto.MessageType, state proto.TxState) {
	cw := proto.ControlWord{Num: desc.Num, MsgNum: desc.MsgNum, Type: typ, State: state, QID: desc.QID}
	off := s.layout.MetaOffset(desc.QID, desc.MsgNum)
	payload := make([]byte, proto.MetadataSize)
	copy(payload, s.region[off:off+proto.MetadataSize])

	err := desc.QP.PostSend(transport.WorkRequest{
		Op:           transport.OpWriteImm,
		Local:        payload,
		RemoteOffset: off,
		Imm:          cw.Uint32(),
		Signaled:     true,
	})
	if err != nil {
		s.logger.Warn("reply post_send failed", "type", typ, "err", err)
	}
}
