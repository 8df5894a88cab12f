package client

import (
	"context"
	"fmt"

	"github.com/rdpma/rdpma/pkg/proto"
	"github.com/rdpma/rdpma/pkg/transport"
)

// Put implements the direct PUT handshake: key's pages are written
// straight into the server's fixed page slot for this (qid, msg_num),
// chained with a signaled metadata write-with-immediate, and Put
// blocks until the server's WRITE_REPLY/WRITE_COMMITTED lands.
func (c *Client) Put(ctx context.Context, key uint64, pages [][]byte) error {
	if err := validatePages(pages); err != nil {
		return err
	}
	op, err := c.pending.acquire(ctx)
	if err != nil {
		return fmt.Errorf("client: put: acquire msg_num: %w", err)
	}
	defer c.pending.release(op)

	pageOff := c.layout.PageOffset(c.qid, op.id)
	metaOff := c.layout.MetaOffset(c.qid, op.id)

	payload := make([]byte, 0, len(pages)*proto.PageSize)
	for _, p := range pages {
		payload = append(payload, p...)
	}

	cw := proto.ControlWord{Num: uint8(len(pages)), MsgNum: op.id, Type: proto.Write, State: proto.WriteBegin, QID: c.qid}
	metaWR := transport.WorkRequest{
		Op:           transport.OpWriteImm,
		Local:        c.metaSlotBuffer(key, pageOff, uint64(len(pages))),
		RemoteOffset: metaOff,
		Imm:          cw.Uint32(),
		Signaled:     true,
	}
	pageWR := transport.WorkRequest{
		Op:           transport.OpWrite,
		Local:        payload,
		RemoteOffset: pageOff,
		Signaled:     false,
		Next:         &metaWR,
	}
	if err := c.qp.PostSend(pageWR); err != nil {
		return fmt.Errorf("client: put: post_send: %w", err)
	}

	reply, err := op.wait(ctx)
	if err != nil {
		return fmt.Errorf("client: put: %w", err)
	}
	if reply.Type != proto.WriteReply || reply.State != proto.WriteCommitted {
		return fmt.Errorf("client: put: unexpected reply %s/%s: %w", reply.Type, reply.State, proto.ErrIO)
	}
	return nil
}

// BufferedPut has identical semantics to Put but drives it through the
// staged WRITE_REQUEST handshake instead of the direct path: the
// client first asks the server for a transient staging buffer, then
// writes the page payload there before committing. Any batching this
// implies is invisible to the caller.
func (c *Client) BufferedPut(ctx context.Context, key uint64, pages [][]byte) error {
	if err := validatePages(pages); err != nil {
		return err
	}
	op, err := c.pending.acquire(ctx)
	if err != nil {
		return fmt.Errorf("client: buffered_put: acquire msg_num: %w", err)
	}
	defer c.pending.release(op)

	metaOff := c.layout.MetaOffset(c.qid, op.id)
	num := uint64(len(pages))

	reqCW := proto.ControlWord{Num: uint8(len(pages)), MsgNum: op.id, Type: proto.WriteRequest, State: proto.WriteBegin, QID: c.qid}
	if err := c.qp.PostSend(transport.WorkRequest{
		Op:           transport.OpWriteImm,
		Local:        c.metaSlotBuffer(key, 0, num),
		RemoteOffset: metaOff,
		Imm:          reqCW.Uint32(),
		Signaled:     true,
	}); err != nil {
		return fmt.Errorf("client: buffered_put: post_send request: %w", err)
	}

	reply, err := op.wait(ctx)
	if err != nil {
		return fmt.Errorf("client: buffered_put: %w", err)
	}
	if reply.Type != proto.WriteRequestReply || reply.State != proto.WriteReady {
		return fmt.Errorf("client: buffered_put: unexpected staging reply %s/%s: %w", reply.Type, reply.State, proto.ErrIO)
	}

	stagingAddr := proto.NewMetadataSlot(c.region, c.qid, op.id).Address()

	c.pending.reset(op)

	payload := make([]byte, 0, len(pages)*proto.PageSize)
	for _, p := range pages {
		payload = append(payload, p...)
	}
	commitCW := proto.ControlWord{Num: uint8(len(pages)), MsgNum: op.id, Type: proto.Write, State: proto.WriteBegin, QID: c.qid}
	commitMeta := transport.WorkRequest{
		Op:           transport.OpWriteImm,
		Local:        c.metaSlotBuffer(key, stagingAddr, num),
		RemoteOffset: metaOff,
		Imm:          commitCW.Uint32(),
		Signaled:     true,
	}
	stageWR := transport.WorkRequest{
		Op:           transport.OpWrite,
		Local:        payload,
		RemoteOffset: stagingAddr,
		Signaled:     false,
		Next:         &commitMeta,
	}
	if err := c.qp.PostSend(stageWR); err != nil {
		return fmt.Errorf("client: buffered_put: post_send commit: %w", err)
	}

	reply, err = op.wait(ctx)
	if err != nil {
		return fmt.Errorf("client: buffered_put: %w", err)
	}
	if reply.Type != proto.WriteReply || reply.State != proto.WriteCommitted {
		return fmt.Errorf("client: buffered_put: unexpected reply %s/%s: %w", reply.Type, reply.State, proto.ErrIO)
	}
	return nil
}

func validatePages(pages [][]byte) error {
	if len(pages) == 0 || len(pages) > proto.MaxPages {
		return fmt.Errorf("client: page count %d outside 1..%d", len(pages), proto.MaxPages)
	}
	for i, p := range pages {
		if len(p) != proto.PageSize {
			return fmt.Errorf("client: page %d is %d bytes, want %d", i, len(p), proto.PageSize)
		}
	}
	return nil
}
