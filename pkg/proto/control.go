// Package proto defines the wire contract shared by the client submission
// path and the server dispatch engine: the imm-data control word, message
// kinds, transaction states and metadata slot addressing.
package proto

import "encoding/binary"

// MessageType is the 4-bit "type" field of the control word.
type MessageType uint8

const (
	WriteRequest MessageType = iota + 1
	WriteRequestReply
	Write
	WriteReply
	ReadRequest
	ReadRequestReply
	ReadReply
)

func (t MessageType) String() string {
	switch t {
	case WriteRequest:
		return "WRITE_REQUEST"
	case WriteRequestReply:
		return "WRITE_REQUEST_REPLY"
	case Write:
		return "WRITE"
	case WriteReply:
		return "WRITE_REPLY"
	case ReadRequest:
		return "READ_REQUEST"
	case ReadRequestReply:
		return "READ_REQUEST_REPLY"
	case ReadReply:
		return "READ_REPLY"
	default:
		return "UNKNOWN"
	}
}

// TxState is the 4-bit "state" field of the control word.
type TxState uint8

const (
	WriteBegin TxState = iota + 1
	WriteReady
	WriteCommitted
	ReadBegin
	ReadReady
	ReadCommitted
	ReadAborted
)

func (s TxState) String() string {
	switch s {
	case WriteBegin:
		return "WRITE_BEGIN"
	case WriteReady:
		return "WRITE_READY"
	case WriteCommitted:
		return "WRITE_COMMITTED"
	case ReadBegin:
		return "READ_BEGIN"
	case ReadReady:
		return "READ_READY"
	case ReadCommitted:
		return "READ_COMMITTED"
	case ReadAborted:
		return "READ_ABORTED"
	default:
		return "UNKNOWN"
	}
}

// NumEntry bounds the per-queue msg_num space: how many requests one
// qid may have in flight, and how many metadata/page slots are
// provisioned per qid. The control word's msg_num field is 12 bits
// wide, so deployments may raise this up to 1<<12.
const NumEntry = 16

// MaxPages is the largest page count a single control word can carry
// (bits 31-28, 4 bits). pkg/client rejects larger batches before
// encoding; Encode itself keeps only the field's low 4 bits.
const MaxPages = 15

// ControlWord is the decoded form of the 32-bit RDMA-WRITE-WITH-IMMEDIATE
// payload. Bit layout, most-significant bit first:
//
//	31-28 num      page count for this operation (1..15)
//	27-16 msg_num  per-queue request slot id (0..NumEntry-1)
//	15-12 type     MessageType
//	11-8  state    TxState
//	7-0   qid      origin queue / node identifier
type ControlWord struct {
	Num    uint8
	MsgNum uint16
	Type   MessageType
	State  TxState
	QID    uint8
}

// Encode packs the control word into network byte order.
func Encode(w ControlWord) [4]byte {
	v := uint32(w.Num&0xF)<<28 |
		uint32(w.MsgNum&0xFFF)<<16 |
		uint32(w.Type&0xF)<<12 |
		uint32(w.State&0xF)<<8 |
		uint32(w.QID)
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	return buf
}

// Decode unpacks a network-byte-order control word.
func Decode(buf [4]byte) ControlWord {
	v := binary.BigEndian.Uint32(buf[:])
	return ControlWord{
		Num:    uint8(v >> 28 & 0xF),
		MsgNum: uint16(v >> 16 & 0xFFF),
		Type:   MessageType(v >> 12 & 0xF),
		State:  TxState(v >> 8 & 0xF),
		QID:    uint8(v & 0xFF),
	}
}

// Uint32 views a control word as a raw imm-data value, for transports
// that carry it as a bare uint32 rather than 4 bytes.
func (w ControlWord) Uint32() uint32 {
	buf := Encode(w)
	return binary.BigEndian.Uint32(buf[:])
}

// ControlWordFromUint32 is the inverse of Uint32.
func ControlWordFromUint32(v uint32) ControlWord {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	return Decode(buf)
}
