// Package simnet is a TCP-framed loopback RDMA backend. It stands in
// for a real verbs queue pair on hosts without RDMA hardware: PostSend
// serializes a WorkRequest and ships it over a plain TCP connection to
// a peer that copies bytes into its own region and, for every
// write-with-immediate (the Signaled flag is not carried on the wire),
// hands the immediate to the subscribed CompletionListener. A real QP is bidirectional over one connection,
// so both the dialing and accepting side share the same Conn type.
package simnet

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/rdpma/rdpma/pkg/transport"
)

func init() {
	transport.Register("simnet", NewQueuePair)
}

// AcceptHandler is invoked with a Conn for every inbound connection, so
// the server half of the protocol engine can Subscribe a listener and
// later PostSend a reply over the same logical QP.
type AcceptHandler func(transport.QueuePair)

// Server listens for simnet client connections and hands each one to
// an AcceptHandler as a full transport.QueuePair, mirroring the
// server-side half of the RDMA Transport Shim for hosts without a real
// verbs stack.
type Server struct {
	logger   *slog.Logger
	region   []byte
	onAccept AcceptHandler
}

// NewServer creates a loopback RDMA server. region is the server's own
// peer-visible memory (the page slab plus metadata region); onAccept
// receives a Conn for each client that dials in.
func NewServer(region []byte, onAccept AcceptHandler) *Server {
	return &Server{
		logger:   slog.Default().With("component", "simnet.server"),
		region:   region,
		onAccept: onAccept,
	}
}

// ListenAndServe accepts connections on addr until the returned
// net.Listener is closed by the caller.
func (s *Server) ListenAndServe(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			if tcpConn, ok := conn.(*net.TCPConn); ok {
				_ = tcpConn.SetNoDelay(true)
			}
			c := &Conn{
				logger: slog.Default().With("component", "simnet.accepted"),
				conn:   conn,
				region: s.region,
				stopCh: make(chan struct{}),
			}
			if s.onAccept != nil {
				s.onAccept(c)
			}
		}
	}()
	return ln, nil
}

// Conn is one simnet QP endpoint, usable both by a dialing client
// (via NewQueuePair) and by the server for each accepted connection.
// It implements transport.QueuePair.
type Conn struct {
	logger   *slog.Logger
	mu       sync.Mutex
	addr     string
	conn     net.Conn
	region   []byte
	listener transport.CompletionListener
	stopCh   chan struct{}
	wg       sync.WaitGroup
	running  bool

	writeMu sync.Mutex // serializes frame writes from PostSend against receive()'s OpRead auto-replies
}

// QueuePair is an alias kept for readability at call sites that only
// ever dial out; Conn is the same type used on both sides.
type QueuePair = Conn

// NewQueuePair implements transport.NewQueuePairFunc for the "simnet"
// backend name; channel is the server's "host:port" address.
func NewQueuePair(channel string) (transport.QueuePair, error) {
	return &Conn{
		logger: slog.Default().With("component", "simnet.qp"),
		addr:   channel,
		stopCh: make(chan struct{}),
	}, nil
}

func (q *Conn) Connect(region []byte) error {
	conn, err := net.Dial("tcp", q.addr)
	if err != nil {
		return err
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.SetNoDelay(true)
	}
	q.conn = conn
	q.region = region
	return nil
}

// Disconnect signals the receive loop, closes the socket so a blocked
// read unblocks, then waits for the loop to drain.
func (q *Conn) Disconnect() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running {
		close(q.stopCh)
	}
	var err error
	if q.conn != nil {
		err = q.conn.Close()
	}
	if q.running {
		q.wg.Wait()
		q.running = false
	}
	return err
}

// PostSend serializes wr (and any chained wr.Next) and writes it to
// the peer in order: a chained payload write lands before its metadata
// write-with-imm because both travel the same ordered TCP stream.
//
// OpRead posts a read request asynchronously: the peer's receive loop
// answers it with the bytes, which land in this Conn's own region at
// ReplyOffset and surface as an ordinary OpWriteImm completion tagged
// with Imm, mirroring a real RDMA_READ's CQ completion.
func (q *Conn) PostSend(wr transport.WorkRequest) error {
	for cur := &wr; cur != nil; cur = cur.Next {
		frame := wireWorkRequest{
			Op:           cur.Op,
			RemoteOffset: cur.RemoteOffset,
			ReplyOffset:  cur.ReplyOffset,
			Imm:          cur.Imm,
			Payload:      cur.Local,
		}
		if cur.Op == transport.OpRead {
			frame.Length = uint32(len(cur.Local))
			frame.Payload = nil
		}
		if err := q.writeLocked(frame); err != nil {
			return fmt.Errorf("simnet: post_send: %w", err)
		}
	}
	return nil
}

func (q *Conn) writeLocked(frame wireWorkRequest) error {
	q.writeMu.Lock()
	defer q.writeMu.Unlock()
	return writeFrame(q.conn, frame)
}

// PostRecv is a no-op for simnet: the background reception goroutine
// always accepts the next frame, matching real verbs only in that a
// receive must be (logically) outstanding before a peer's signaled
// send completes.
func (q *Conn) PostRecv() error { return nil }

func (q *Conn) Subscribe(listener transport.CompletionListener) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.listener = listener
	if q.running {
		return nil
	}
	q.running = true
	q.wg.Add(1)
	go q.receive()
	return nil
}

// receive reads frames arriving from the peer, mirrors write payloads
// into this endpoint's region, and dispatches write-with-immediate
// completions to the subscribed listener. This is the single logical
// receive-CQ poller for this QP, on whichever side owns this Conn.
func (q *Conn) receive() {
	defer q.wg.Done()
	for {
		select {
		case <-q.stopCh:
			return
		default:
		}
		_ = q.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		wr, err := readFrame(q.conn)
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			continue
		}
		if err != nil {
			select {
			case <-q.stopCh:
				// Orderly Disconnect closed the socket under us.
			default:
				q.logger.Warn("simnet receive loop stopped", "err", err)
			}
			return
		}
		switch wr.Op {
		case transport.OpWrite, transport.OpWriteImm:
			end := wr.RemoteOffset + uint64(len(wr.Payload))
			if end <= uint64(len(q.region)) {
				copy(q.region[wr.RemoteOffset:end], wr.Payload)
			} else {
				q.logger.Warn("write exceeds region", "offset", wr.RemoteOffset, "len", len(wr.Payload))
			}
			if wr.Op == transport.OpWriteImm && q.listener != nil {
				q.listener.Handle(transport.CompletionEvent{Imm: wr.Imm})
			}
		case transport.OpRead:
			// The peer is asking me (the Conn on this side) to hand back
			// bytes from my own region; this is not data landing here, so
			// no write into q.region and no completion for me.
			q.replyToRead(wr)
		}
	}
}

// replyToRead answers an incoming read request by sending the
// requested byte range back as an ordinary OpWriteImm addressed at the
// requester's ReplyOffset, tagged with the requester's own Imm so its
// receive loop can correlate the completion.
func (q *Conn) replyToRead(wr wireWorkRequest) {
	end := wr.RemoteOffset + uint64(wr.Length)
	if end > uint64(len(q.region)) {
		q.logger.Warn("read exceeds region", "offset", wr.RemoteOffset, "len", wr.Length)
		return
	}
	payload := make([]byte, wr.Length)
	copy(payload, q.region[wr.RemoteOffset:end])
	reply := wireWorkRequest{
		Op:           transport.OpWriteImm,
		RemoteOffset: wr.ReplyOffset,
		Imm:          wr.Imm,
		Payload:      payload,
	}
	if err := q.writeLocked(reply); err != nil {
		q.logger.Warn("failed to reply to read", "err", err)
	}
}

// wireWorkRequest is the on-the-wire encoding of a WorkRequest:
// op(1) | remoteOffset(8) | replyOffset(8) | imm(4) | length(4) |
// payloadLen(4) | payload. length is only meaningful for OpRead
// requests (the peer has no Local slice to size the pull from).
type wireWorkRequest struct {
	Op           transport.Opcode
	RemoteOffset uint64
	ReplyOffset  uint64
	Imm          uint32
	Length       uint32
	Payload      []byte
}

func writeFrame(conn net.Conn, wr wireWorkRequest) error {
	buf := new(bytes.Buffer)
	buf.WriteByte(byte(wr.Op))
	var n8 [8]byte
	binary.BigEndian.PutUint64(n8[:], wr.RemoteOffset)
	buf.Write(n8[:])
	binary.BigEndian.PutUint64(n8[:], wr.ReplyOffset)
	buf.Write(n8[:])
	var n4 [4]byte
	binary.BigEndian.PutUint32(n4[:], wr.Imm)
	buf.Write(n4[:])
	binary.BigEndian.PutUint32(n4[:], wr.Length)
	buf.Write(n4[:])
	binary.BigEndian.PutUint32(n4[:], uint32(len(wr.Payload)))
	buf.Write(n4[:])
	buf.Write(wr.Payload)

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(buf.Len()))
	if _, err := conn.Write(header); err != nil {
		return err
	}
	_, err := conn.Write(buf.Bytes())
	return err
}

const wireHeaderLen = 1 + 8 + 8 + 4 + 4 + 4

func readFrame(conn net.Conn) (wireWorkRequest, error) {
	var header [4]byte
	if _, err := readFull(conn, header[:]); err != nil {
		return wireWorkRequest{}, err
	}
	// Header bytes committed: the peer is mid-frame, so the receive
	// loop's poll deadline no longer applies until the frame is whole.
	_ = conn.SetReadDeadline(time.Time{})
	length := binary.BigEndian.Uint32(header[:])
	body := make([]byte, length)
	if _, err := readFull(conn, body); err != nil {
		return wireWorkRequest{}, err
	}
	if len(body) < wireHeaderLen {
		return wireWorkRequest{}, fmt.Errorf("simnet: short frame")
	}
	wr := wireWorkRequest{
		Op:           transport.Opcode(body[0]),
		RemoteOffset: binary.BigEndian.Uint64(body[1:9]),
		ReplyOffset:  binary.BigEndian.Uint64(body[9:17]),
		Imm:          binary.BigEndian.Uint32(body[17:21]),
		Length:       binary.BigEndian.Uint32(body[21:25]),
	}
	payloadLen := binary.BigEndian.Uint32(body[25:29])
	wr.Payload = body[29 : 29+payloadLen]
	return wr, nil
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() && total > 0 {
				// Poll deadline fired mid-read; the bytes so far are
				// committed, so finish without one rather than desync
				// the frame stream.
				_ = conn.SetReadDeadline(time.Time{})
				continue
			}
			return total, err
		}
	}
	return total, nil
}
