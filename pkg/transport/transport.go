// Package transport is the RDMA Transport Shim: connection setup
// artifacts (queue pair, completion queues, registered memory) and the
// low-level post_recv/post_send primitives, abstracted behind an
// interface so the protocol engine and client submission path never
// depend on a specific verbs binding.
//
// A small interface plus a named-backend registry keeps the rest of
// the system testable; the one concrete backend (simnet) needs no
// special hardware.
package transport

import "fmt"

// Opcode names the RDMA verb a WorkRequest performs.
type Opcode uint8

const (
	// OpWrite is an unsignaled RDMA_WRITE of page payload bytes.
	OpWrite Opcode = iota
	// OpWriteImm is an RDMA_WRITE_WITH_IMMEDIATE carrying a control word.
	OpWriteImm
	// OpRead is an RDMA_READ pulling bytes from a remote buffer.
	OpRead
)

// WorkRequest is a typed stand-in for the ad-hoc scatter-gather lists a
// verbs binding would build by hand: it names the operation, the local
// and remote memory, the optional immediate, and an optional chained
// next request so PUT's two-write handshake posts as one call.
type WorkRequest struct {
	Op           Opcode
	Local        []byte // source bytes for a write; for a read, only len(Local) (the byte count) is used
	RemoteOffset uint64 // byte offset into the peer's registered region
	ReplyOffset  uint64 // OpRead only: byte offset in the requester's own region the pulled bytes land at
	Imm          uint32 // valid when Op == OpWriteImm, or as a correlation tag on OpRead
	Signaled     bool
	Next         *WorkRequest
}

// CompletionEvent is what a completion-queue poll yields: either a
// signaled send/receive with its immediate, or an error terminating the
// association (peer gone, bad frame).
type CompletionEvent struct {
	Imm uint32
	Err error
}

// CompletionListener receives completion events off a QueuePair's
// receive side. Handle must not block: a single receive-polling
// goroutine serves the connection and a slow listener stalls it.
type CompletionListener interface {
	Handle(ev CompletionEvent)
}

// QueuePair is one RDMA connection between a client CPU's submission
// queue and the server. Region is the peer-visible memory this QP
// writes into and reads from (the page slab plus metadata region);
// PostSend addresses it with RemoteOffset.
type QueuePair interface {
	Connect(region []byte) error
	Disconnect() error
	PostSend(wr WorkRequest) error
	PostRecv() error
	Subscribe(listener CompletionListener) error
}

// NewQueuePairFunc constructs a QueuePair bound to the given channel
// (an address, device path, or simnet endpoint depending on backend).
type NewQueuePairFunc func(channel string) (QueuePair, error)

var registry = make(map[string]NewQueuePairFunc)

// Register adds a named backend to the registry. Called from a
// backend's init(), mirroring can.RegisterInterface.
func Register(name string, newQP NewQueuePairFunc) {
	registry[name] = newQP
}

// New creates a QueuePair using the named backend. A backend is
// available only once its package is linked into the program ("simnet"
// registers itself from pkg/transport/simnet's init).
func New(backend string, channel string) (QueuePair, error) {
	newQP, ok := registry[backend]
	if !ok {
		return nil, fmt.Errorf("transport: unsupported backend %q", backend)
	}
	return newQP(channel)
}
