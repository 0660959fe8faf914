//go:build unix

package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMmapBacking(t *testing.T) {
	var resized []uint64
	r := newTestReservation(t, KindMmap, &resized)

	heap := r.Heap().Bytes()
	require.Len(t, heap, 1*mib)
	heap[0] = 1
	heap[len(heap)-1] = 2

	require.NoError(t, r.Resize(4*mib))
	heap = r.Heap().Bytes()
	require.Len(t, heap, 4*mib)
	assert.Equal(t, byte(1), heap[0])
	assert.Equal(t, byte(2), heap[mib-1])
	assert.Equal(t, byte(0), heap[4*mib-1])

	heap[3*mib] = 7
	require.NoError(t, r.Resize(2*mib))
	require.NoError(t, r.Resize(4*mib))
	assert.Equal(t, byte(0), r.Heap().Bytes()[3*mib])
	assert.Equal(t, []uint64{4 * mib, 2 * mib, 4 * mib}, resized)
}
