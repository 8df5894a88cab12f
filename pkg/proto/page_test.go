package proto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPageSlotOffsetsDoNotOverlap(t *testing.T) {
	seen := map[uint64]bool{}
	for qid := uint8(0); qid < 3; qid++ {
		for msgNum := uint16(0); msgNum < NumEntry; msgNum++ {
			off := PageSlotOffset(qid, msgNum)
			require.False(t, seen[off], "duplicate page slot offset for qid=%d msgNum=%d", qid, msgNum)
			seen[off] = true
		}
	}
}

func TestPageSlotsFitMaxPagesBatch(t *testing.T) {
	// Neighboring slots must be at least one full batch apart.
	require.Equal(t, uint64(MaxPages*PageSize), PageSlotOffset(0, 1)-PageSlotOffset(0, 0))
	require.Equal(t, uint64(MaxPages*PageSize), PageSlotOffset(1, 0)-PageSlotOffset(0, NumEntry-1))
}
