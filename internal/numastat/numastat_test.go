package numastat

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMinBreaksTiesTowardLowestNode(t *testing.T) {
	c := New(3)
	require.Equal(t, 0, c.Min())

	c.Increment(0)
	require.Equal(t, 1, c.Min())

	c.Increment(1)
	c.Increment(1)
	require.Equal(t, 2, c.Min())
}

func TestIncrementAndGet(t *testing.T) {
	c := New(2)
	c.Increment(1)
	c.Increment(1)
	require.Equal(t, int64(0), c.Get(0))
	require.Equal(t, int64(2), c.Get(1))
}
