package bootstrap

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	r := Record{
		NodeID: 3,
		LID:    7,
		QPN:    42,
		PSN:    99,
		MMBase: 0xdeadbeef,
		RKey:   0x1234,
	}
	copy(r.GID[:], []byte("0123456789abcdef"))

	got, err := Unmarshal(r.Marshal())
	require.NoError(t, err)
	require.Equal(t, r, got)
}

func TestUnmarshalRejectsWrongSize(t *testing.T) {
	_, err := Unmarshal([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestAcceptAndDialExchangeTradeRecords(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	serverRecord := Record{NodeID: 1, MMBase: 0xabc0}
	clientRecord := Record{NodeID: 2, MMBase: 0xdef0}

	acceptedCh := make(chan Record, 1)
	go func() {
		conn, err := ln.Accept()
		require.NoError(t, err)
		defer conn.Close()
		got, err := Accept(conn, serverRecord)
		require.NoError(t, err)
		acceptedCh <- got
	}()

	conn, peer, err := DialAndExchange(ln.Addr().String(), clientRecord)
	require.NoError(t, err)
	defer conn.Close()

	require.Equal(t, serverRecord, peer)
	require.Equal(t, clientRecord, <-acceptedCh)
}
