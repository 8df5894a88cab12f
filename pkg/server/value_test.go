package server

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValueEncodingRoundTrip(t *testing.T) {
	cases := []struct {
		node   int
		offset int64
	}{
		{0, 0},
		{1, 4096},
		{3, 1 << 40},
		{15, (1 << 48) - 1},
	}
	for _, c := range cases {
		node, offset := DecodeValue(EncodeValue(c.node, c.offset))
		require.Equal(t, c.node, node)
		require.Equal(t, c.offset, offset)
	}
}
