package simnet

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rdpma/rdpma/pkg/transport"
)

type recorder struct {
	events chan transport.CompletionEvent
}

func (r *recorder) Handle(ev transport.CompletionEvent) {
	r.events <- ev
}

func newTestServer(region []byte, rec *recorder) *Server {
	return NewServer(region, func(qp transport.QueuePair) {
		_ = qp.Subscribe(rec)
	})
}

func TestQueuePairWriteImmDeliversToServerRegion(t *testing.T) {
	serverRegion := make([]byte, 256)
	rec := &recorder{events: make(chan transport.CompletionEvent, 4)}
	srv := newTestServer(serverRegion, rec)
	ln, err := srv.ListenAndServe("127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	qp, err := NewQueuePair(ln.Addr().String())
	require.NoError(t, err)
	require.NoError(t, qp.Connect(make([]byte, 256)))
	defer qp.Disconnect()

	payload := []byte("hello-rdma")
	err = qp.PostSend(transport.WorkRequest{
		Op:           transport.OpWriteImm,
		Local:        payload,
		RemoteOffset: 8,
		Imm:          0x12345678,
		Signaled:     true,
	})
	require.NoError(t, err)

	select {
	case ev := <-rec.events:
		require.Equal(t, uint32(0x12345678), ev.Imm)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for completion")
	}
	require.Equal(t, payload, serverRegion[8:8+len(payload)])
}

func TestQueuePairChainedWritesPreserveOrder(t *testing.T) {
	serverRegion := make([]byte, 256)
	rec := &recorder{events: make(chan transport.CompletionEvent, 4)}
	srv := newTestServer(serverRegion, rec)
	ln, err := srv.ListenAndServe("127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	qp, err := NewQueuePair(ln.Addr().String())
	require.NoError(t, err)
	require.NoError(t, qp.Connect(make([]byte, 256)))
	defer qp.Disconnect()

	page := []byte("pagebytes")
	meta := []byte("metadata")
	second := transport.WorkRequest{Op: transport.OpWriteImm, Local: meta, RemoteOffset: 64, Imm: 7, Signaled: true}
	first := transport.WorkRequest{Op: transport.OpWrite, Local: page, RemoteOffset: 0, Next: &second}

	require.NoError(t, qp.PostSend(first))

	select {
	case ev := <-rec.events:
		require.Equal(t, uint32(7), ev.Imm)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for completion")
	}
	require.Equal(t, page, serverRegion[0:len(page)])
	require.Equal(t, meta, serverRegion[64:64+len(meta)])
}

func TestServerRepliesOverAcceptedConn(t *testing.T) {
	serverRegion := make([]byte, 256)
	clientEvents := &recorder{events: make(chan transport.CompletionEvent, 4)}

	var acceptedWg chan transport.QueuePair = make(chan transport.QueuePair, 1)
	srv := NewServer(serverRegion, func(qp transport.QueuePair) {
		acceptedWg <- qp
	})
	ln, err := srv.ListenAndServe("127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	qp, err := NewQueuePair(ln.Addr().String())
	require.NoError(t, err)
	clientRegion := make([]byte, 256)
	require.NoError(t, qp.Connect(clientRegion))
	require.NoError(t, qp.Subscribe(clientEvents))
	defer qp.Disconnect()

	require.NoError(t, qp.PostSend(transport.WorkRequest{
		Op: transport.OpWriteImm, Local: []byte("ping"), RemoteOffset: 0, Imm: 1, Signaled: true,
	}))

	var accepted transport.QueuePair
	select {
	case accepted = <-acceptedWg:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for accept")
	}

	require.NoError(t, accepted.PostSend(transport.WorkRequest{
		Op: transport.OpWriteImm, Local: []byte("pong"), RemoteOffset: 16, Imm: 2, Signaled: true,
	}))

	select {
	case ev := <-clientEvents.events:
		require.Equal(t, uint32(2), ev.Imm)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reply completion")
	}
	require.Equal(t, []byte("pong"), clientRegion[16:20])
}

type discardListener struct{}

func (discardListener) Handle(transport.CompletionEvent) {}

func TestOpReadPullsBytesFromPeerRegion(t *testing.T) {
	serverRegion := make([]byte, 256)
	copy(serverRegion[32:], []byte("staged-page-bytes"))
	clientEvents := &recorder{events: make(chan transport.CompletionEvent, 4)}

	// The accepted side must subscribe (even a discarding listener)
	// for its receive loop to start answering read requests.
	srv := NewServer(serverRegion, func(qp transport.QueuePair) {
		_ = qp.Subscribe(discardListener{})
	})
	ln, err := srv.ListenAndServe("127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	qp, err := NewQueuePair(ln.Addr().String())
	require.NoError(t, err)
	clientRegion := make([]byte, 256)
	require.NoError(t, qp.Connect(clientRegion))
	require.NoError(t, qp.Subscribe(clientEvents))
	defer qp.Disconnect()

	want := []byte("staged-page-bytes")
	require.NoError(t, qp.PostSend(transport.WorkRequest{
		Op:           transport.OpRead,
		Local:        make([]byte, len(want)),
		RemoteOffset: 32,
		ReplyOffset:  96,
		Imm:          42,
	}))

	select {
	case ev := <-clientEvents.events:
		require.Equal(t, uint32(42), ev.Imm)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for read completion")
	}
	require.Equal(t, want, clientRegion[96:96+len(want)])
}
