// Package bootstrap implements the TCP bootstrap exchange: before a
// client's QueuePair starts posting RDMA work requests, both peers
// trade a fixed-size record naming the
// connection parameters a real verbs QP transition (INIT->RTR->RTS)
// needs. The simnet transport backend doesn't need real QP numbers or
// LIDs, but the record shape and handshake sequence are kept faithful
// to what a real verbs backend would require. With simnet, the
// server's MMBase field carries its data-plane TCP port; the other
// fields are exchanged but not consumed, and the shared region's layout
// is fixed by each side rather than derived from the record.
package bootstrap

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RecordSize is the wire size of one bootstrap record: node_id(4) +
// lid(2) + qpn(4) + psn(4) + mm_base(8) + rkey(4) + gid(16).
const RecordSize = 4 + 2 + 4 + 4 + 8 + 4 + 16

// Record is one peer's bootstrap exchange payload.
type Record struct {
	NodeID uint32
	LID    uint16
	QPN    uint32
	PSN    uint32
	MMBase uint64
	RKey   uint32
	GID    [16]byte
}

// Marshal encodes r as a RecordSize-byte big-endian record.
func (r Record) Marshal() []byte {
	buf := make([]byte, RecordSize)
	binary.BigEndian.PutUint32(buf[0:4], r.NodeID)
	binary.BigEndian.PutUint16(buf[4:6], r.LID)
	binary.BigEndian.PutUint32(buf[6:10], r.QPN)
	binary.BigEndian.PutUint32(buf[10:14], r.PSN)
	binary.BigEndian.PutUint64(buf[14:22], r.MMBase)
	binary.BigEndian.PutUint32(buf[22:26], r.RKey)
	copy(buf[26:42], r.GID[:])
	return buf
}

// Unmarshal decodes a RecordSize-byte record produced by Marshal.
func Unmarshal(buf []byte) (Record, error) {
	if len(buf) != RecordSize {
		return Record{}, fmt.Errorf("bootstrap: record is %d bytes, want %d", len(buf), RecordSize)
	}
	var r Record
	r.NodeID = binary.BigEndian.Uint32(buf[0:4])
	r.LID = binary.BigEndian.Uint16(buf[4:6])
	r.QPN = binary.BigEndian.Uint32(buf[6:10])
	r.PSN = binary.BigEndian.Uint32(buf[10:14])
	r.MMBase = binary.BigEndian.Uint64(buf[14:22])
	r.RKey = binary.BigEndian.Uint32(buf[22:26])
	copy(r.GID[:], buf[26:42])
	return r, nil
}

// DialAndExchange connects to addr, retrying with backoff since the
// server's bootstrap listener may not be up yet when a client starts,
// then trades local for the peer's Record over the new connection.
// The connection is left open and returned for the caller to hand to
// the transport backend.
func DialAndExchange(addr string, local Record) (net.Conn, Record, error) {
	conn, err := backoff.Retry(context.Background(), func() (net.Conn, error) {
		return net.DialTimeout("tcp", addr, 2*time.Second)
	}, backoff.WithMaxTries(10), backoff.WithBackOff(backoff.NewExponentialBackOff()))
	if err != nil {
		return nil, Record{}, fmt.Errorf("bootstrap: dial %s: %w", addr, err)
	}

	peer, err := exchange(conn, local)
	if err != nil {
		conn.Close()
		return nil, Record{}, err
	}
	return conn, peer, nil
}

// Accept performs the server side of the exchange over an already
// accepted connection.
func Accept(conn net.Conn, local Record) (Record, error) {
	return exchange(conn, local)
}

func exchange(conn net.Conn, local Record) (Record, error) {
	writeDone := make(chan error, 1)
	go func() {
		_, err := conn.Write(local.Marshal())
		writeDone <- err
	}()

	buf := make([]byte, RecordSize)
	if _, err := readFull(conn, buf); err != nil {
		return Record{}, fmt.Errorf("bootstrap: read peer record: %w", err)
	}
	if err := <-writeDone; err != nil {
		return Record{}, fmt.Errorf("bootstrap: write local record: %w", err)
	}
	return Unmarshal(buf)
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
