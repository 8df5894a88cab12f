package client_test

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rdpma/rdpma/pkg/client"
	"github.com/rdpma/rdpma/pkg/index"
	"github.com/rdpma/rdpma/pkg/pmem"
	"github.com/rdpma/rdpma/pkg/proto"
	"github.com/rdpma/rdpma/pkg/server"
	"github.com/rdpma/rdpma/pkg/transport/simnet"
)

// newTestServer wires a full single-NUMA-node server (IDX + one LOG
// pool) behind a simnet listener, the same shape cmd/rdpma-server
// assembles for a real run, minus CPU pinning and CLI flags.
func newTestServer(t *testing.T) (addr string, layout proto.RegionLayout) {
	t.Helper()
	dir := t.TempDir()

	hashPool, _, err := pmem.Open(filepath.Join(dir, "node0.hashtable"), 4<<20, pmem.PoolTypeHashTable)
	require.NoError(t, err)
	t.Cleanup(func() { _ = hashPool.Close() })

	logPool, _, err := pmem.Open(filepath.Join(dir, "node0.log"), 16<<20, pmem.PoolTypeLog)
	require.NoError(t, err)
	t.Cleanup(func() { _ = logPool.Close() })

	idx, err := index.New([]*pmem.Pool{hashPool}, index.SkewedPolicy{})
	require.NoError(t, err)

	layout = proto.RegionLayout{NumQIDs: 4, StagingSize: 1 << 20}
	region := make([]byte, layout.Size())

	srv, err := server.New(idx, []*pmem.Pool{logPool}, region, layout, 64)
	require.NoError(t, err)

	simSrv := simnet.NewServer(region, srv.Accept)
	ln, err := simSrv.ListenAndServe("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.Run(ctx, nil)

	return ln.Addr().String(), layout
}

func page(fill byte) []byte {
	p := make([]byte, proto.PageSize)
	for i := range p {
		p[i] = fill
	}
	return p
}

func TestPutGetRoundTrip(t *testing.T) {
	addr, layout := newTestServer(t)

	c, err := client.Dial("simnet", addr, 0, layout)
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	want := page(0xAB)
	require.NoError(t, c.Put(ctx, 7, [][]byte{want}))

	got, err := c.Get(ctx, 7, 1)
	require.NoError(t, err)
	require.Equal(t, want, got[0])
}

func TestBufferedPutRoundTrip(t *testing.T) {
	addr, layout := newTestServer(t)

	c, err := client.Dial("simnet", addr, 0, layout)
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pages := [][]byte{page(0x22), page(0x33)}

	require.NoError(t, c.BufferedPut(ctx, 99, pages))

	got, err := c.Get(ctx, 99, 2)
	require.NoError(t, err)
	require.Equal(t, pages[0], got[0])
	require.Equal(t, pages[1], got[1])
}

func TestGetAbsentKeyReturnsNotFound(t *testing.T) {
	addr, layout := newTestServer(t)

	c, err := client.Dial("simnet", addr, 0, layout)
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = c.Get(ctx, 12345, 1)
	require.ErrorIs(t, err, proto.ErrNotFound)
}

func TestConcurrentPutsDistinctKeys(t *testing.T) {
	addr, layout := newTestServer(t)

	c, err := client.Dial("simnet", addr, 0, layout)
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	const n = 32
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = c.Put(ctx, uint64(1000+i), [][]byte{page(byte(i))})
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		require.NoErrorf(t, err, "put %d", i)
	}

	for i := 0; i < n; i++ {
		got, err := c.Get(ctx, uint64(1000+i), 1)
		require.NoError(t, err)
		require.Equal(t, page(byte(i)), got[0], fmt.Sprintf("key %d", 1000+i))
	}
}
