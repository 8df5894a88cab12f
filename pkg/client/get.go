package client

import (
	"context"
	"fmt"

	"github.com/rdpma/rdpma/pkg/proto"
	"github.com/rdpma/rdpma/pkg/transport"
)

// Get implements the GET handshake: it asks the server to resolve key
// through the index, waits for READ_READY (or
// returns proto.ErrNotFound on READ_ABORTED), pulls the staged page(s)
// with an RDMA_READ, and acknowledges with READ_REPLY so the server
// can free its transient buffer. num is the page count the caller
// expects back.
func (c *Client) Get(ctx context.Context, key uint64, num int) ([][]byte, error) {
	if num < 1 || num > proto.MaxPages {
		return nil, fmt.Errorf("client: get: page count %d outside 1..%d", num, proto.MaxPages)
	}
	op, err := c.pending.acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("client: get: acquire msg_num: %w", err)
	}
	defer c.pending.release(op)

	metaOff := c.layout.MetaOffset(c.qid, op.id)
	reqCW := proto.ControlWord{Num: uint8(num), MsgNum: op.id, Type: proto.ReadRequest, State: proto.ReadBegin, QID: c.qid}
	if err := c.qp.PostSend(transport.WorkRequest{
		Op:           transport.OpWriteImm,
		Local:        c.metaSlotBuffer(key, 0, uint64(num)),
		RemoteOffset: metaOff,
		Imm:          reqCW.Uint32(),
		Signaled:     true,
	}); err != nil {
		return nil, fmt.Errorf("client: get: post_send request: %w", err)
	}

	reply, err := op.wait(ctx)
	if err != nil {
		return nil, fmt.Errorf("client: get: %w", err)
	}
	if reply.Type != proto.ReadRequestReply {
		return nil, fmt.Errorf("client: get: unexpected reply type %s: %w", reply.Type, proto.ErrIO)
	}
	if reply.State == proto.ReadAborted {
		return nil, proto.ErrNotFound
	}
	if reply.State != proto.ReadReady {
		return nil, fmt.Errorf("client: get: unexpected reply state %s: %w", reply.State, proto.ErrIO)
	}

	replySlot := proto.NewMetadataSlot(c.region, c.qid, op.id)
	bufAddr := replySlot.Address()

	c.pending.reset(op)

	dstOff := c.layout.PageOffset(c.qid, op.id)
	size := int64(num) * proto.PageSize
	readTag := proto.ControlWord{MsgNum: op.id, QID: c.qid, Type: rdmaReadDone}.Uint32()
	if err := c.qp.PostSend(transport.WorkRequest{
		Op:           transport.OpRead,
		Local:        make([]byte, size),
		RemoteOffset: bufAddr,
		ReplyOffset:  dstOff,
		Imm:          readTag,
	}); err != nil {
		return nil, fmt.Errorf("client: get: post_send read: %w", err)
	}

	if _, err := op.wait(ctx); err != nil {
		return nil, fmt.Errorf("client: get: %w", err)
	}

	pages := make([][]byte, num)
	for i := 0; i < num; i++ {
		start := dstOff + uint64(i)*proto.PageSize
		p := make([]byte, proto.PageSize)
		copy(p, c.region[start:start+proto.PageSize])
		pages[i] = p
	}

	// Preserve bufAddr in the ack payload: this write-with-imm lands in
	// the server's own metadata slot before freeReadStaging reads its
	// Address field back out, so the slot must still read the address
	// the server itself published.
	ackCW := proto.ControlWord{Num: uint8(num), MsgNum: op.id, Type: proto.ReadReply, State: proto.ReadCommitted, QID: c.qid}
	if err := c.qp.PostSend(transport.WorkRequest{
		Op:           transport.OpWriteImm,
		Local:        c.metaSlotBuffer(key, bufAddr, uint64(num)),
		RemoteOffset: metaOff,
		Imm:          ackCW.Uint32(),
		Signaled:     false,
	}); err != nil {
		return nil, fmt.Errorf("client: get: post_send ack: %w", err)
	}

	return pages, nil
}
