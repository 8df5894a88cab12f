package server

import (
	"github.com/rdpma/rdpma/pkg/proto"
	"github.com/rdpma/rdpma/pkg/transport"
)

// requestDescriptor carries one decoded request
// ({node_id, msg_num, type, count}), extended with the
// originating qid and the QueuePair a worker posts its reply over. It
// is the element type of every Request Queue Layer queue.
type requestDescriptor struct {
	NodeID int
	QID    uint8
	MsgNum uint16
	Type   proto.MessageType
	State  proto.TxState
	Num    uint8
	QP     transport.QueuePair
}
