package affinity

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseMaskHexPrefixed(t *testing.T) {
	cpus, err := ParseMask("0x5")
	require.NoError(t, err)
	require.Equal(t, []int{0, 2}, cpus)
}

func TestParseMaskBarePrefix(t *testing.T) {
	cpus, err := ParseMask("f")
	require.NoError(t, err)
	require.Equal(t, []int{0, 1, 2, 3}, cpus)
}

func TestParseMaskRejectsGarbage(t *testing.T) {
	_, err := ParseMask("not-hex")
	require.Error(t, err)
}
