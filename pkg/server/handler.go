package server

import (
	"log/slog"

	"github.com/rdpma/rdpma/pkg/proto"
	"github.com/rdpma/rdpma/pkg/queue"
	"github.com/rdpma/rdpma/pkg/transport"
)

// connHandler is the receive-polling half of the protocol engine for
// one accepted connection: it decodes the imm control word, reads the
// metadata slot to learn the key, resolves the
// target NUMA node, and enqueues a request descriptor. It never
// touches persistent memory or the index itself; that happens in a
// worker, off the receive-poll hot path.
type connHandler struct {
	srv    *Server
	qp     transport.QueuePair
	logger *slog.Logger
}

func (h *connHandler) Handle(ev transport.CompletionEvent) {
	if ev.Err != nil {
		h.logger.Warn("completion error", "err", ev.Err)
		return
	}
	cw := proto.ControlWordFromUint32(ev.Imm)

	switch cw.Type {
	case proto.Write:
		h.dispatch(cw, proto.Write, queue.DirectionWrite)
	case proto.WriteRequest:
		h.dispatch(cw, proto.WriteRequest, queue.DirectionWrite)
	case proto.ReadRequest:
		h.dispatch(cw, proto.ReadRequest, queue.DirectionRead)
	case proto.ReadReply:
		h.freeReadStaging(cw)
	case proto.WriteReply, proto.WriteRequestReply, proto.ReadRequestReply:
		// These are server-originated types; a client never sends one
		// back to us, so there is nothing to act on here.
	default:
		h.logger.Warn("unrecognized control word type", "type", cw.Type)
	}
}

func (h *connHandler) dispatch(cw proto.ControlWord, typ proto.MessageType, dir queue.Direction) {
	slot := proto.NewMetadataSlot(h.srv.region, cw.QID, cw.MsgNum)
	node := h.srv.idx.GetNodeID(slot.Key())
	desc := requestDescriptor{
		NodeID: node,
		QID:    cw.QID,
		MsgNum: cw.MsgNum,
		Type:   typ,
		State:  cw.State,
		Num:    cw.Num,
		QP:     h.qp,
	}
	if err := h.srv.queueFor(node, dir).Push(desc); err != nil {
		h.logger.Warn("request queue full, dropping descriptor", "node", node, "err", err)
	}
}

// freeReadStaging handles the client's READ_REPLY acknowledging its
// RDMA_READ completed, letting the server free
// the transient staging buffer. Freeing is cheap and order-independent
// so it runs inline on the receive-poll thread rather than via the RQL.
func (h *connHandler) freeReadStaging(cw proto.ControlWord) {
	slot := proto.NewMetadataSlot(h.srv.region, cw.QID, cw.MsgNum)
	addr := slot.Address()
	if addr < h.srv.layout.StagingBase() {
		return // direct path never stages a read reply buffer
	}
	h.srv.freeStaging(addr, int64(cw.Num)*proto.PageSize)
}
