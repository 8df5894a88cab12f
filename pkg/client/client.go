// Package client implements the client submission path: request
// descriptor enqueue and the wait-for-completion primitive a
// page-eviction caller blocks on. The queue id (qid) is fixed per
// Client and supplied by the caller of Dial; this package does not
// select a queue from the submitting CPU itself. Put, BufferedPut and
// Get are synchronous from the caller's perspective but internally
// drive the PUT/GET handshakes over a transport.QueuePair.
package client

import (
	"fmt"
	"log/slog"

	"github.com/rdpma/rdpma/pkg/proto"
	"github.com/rdpma/rdpma/pkg/transport"
)

// rdmaReadDone is a client-internal control-word tag, never sent by a
// server: proto.MessageType values start at 1, so 0 is free for Get's
// own RDMA_READ completion to route through the same
// Handle/pendingTable plumbing as a real protocol reply.
const rdmaReadDone = proto.MessageType(0)

// Client is one compute-side connection's submission path: one
// transport.QueuePair, one peer-visible region mirroring the server's
// layout, and one pending-operation table keyed by msg_num.
type Client struct {
	logger *slog.Logger
	qp     transport.QueuePair
	region []byte
	layout proto.RegionLayout
	qid    uint8

	pending *pendingTable
}

// Dial creates a QueuePair over the named transport backend, connects
// it to addr (a simnet "host:port", or a real verbs channel identifier
// for a hardware backend), and completes the handshake needed before
// Put/Get can be called: posting a receive and subscribing this
// Client as the completion listener.
//
// qid is this client's queue/node identifier, conventionally derived
// from the submitting CPU id; layout must match the server's
// RegionLayout exactly.
func Dial(backend, addr string, qid uint8, layout proto.RegionLayout) (*Client, error) {
	if int(qid) >= layout.NumQIDs {
		return nil, fmt.Errorf("client: qid %d outside the layout's %d queues", qid, layout.NumQIDs)
	}
	qp, err := transport.New(backend, addr)
	if err != nil {
		return nil, fmt.Errorf("client: create queue pair: %w", err)
	}
	region := make([]byte, layout.Size())
	if err := qp.Connect(region); err != nil {
		return nil, fmt.Errorf("client: connect: %w", err)
	}
	c := &Client{
		logger:  slog.Default().With("component", "client", "qid", qid),
		qp:      qp,
		region:  region,
		layout:  layout,
		qid:     qid,
		pending: newPendingTable(),
	}
	if err := qp.Subscribe(c); err != nil {
		return nil, fmt.Errorf("client: subscribe: %w", err)
	}
	if err := qp.PostRecv(); err != nil {
		return nil, fmt.Errorf("client: post_recv: %w", err)
	}
	return c, nil
}

// Close tears down the connection and fails every outstanding Put/Get
// wait with proto.ErrDied.
func (c *Client) Close() error {
	c.pending.killAll(proto.ErrDied)
	return c.qp.Disconnect()
}

// Handle implements transport.CompletionListener: it is invoked once
// per reply completion arriving on this Client's receive side, for
// every reply type the server or the client's own RDMA_READ can
// produce.
func (c *Client) Handle(ev transport.CompletionEvent) {
	if ev.Err != nil {
		c.logger.Warn("completion error, failing outstanding requests", "err", ev.Err)
		c.pending.killAll(fmt.Errorf("client: %w: %w", proto.ErrDied, ev.Err))
		return
	}
	cw := proto.ControlWordFromUint32(ev.Imm)
	c.pending.complete(cw.MsgNum, cw)
}

func (c *Client) metaSlotBuffer(key uint64, address, num uint64) []byte {
	buf := make([]byte, proto.MetadataSize)
	slot := proto.NewMetadataSlot(buf, 0, 0)
	slot.SetKey(key)
	slot.SetAddress(address)
	slot.SetNum(num)
	return buf
}
