package bitmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBitmap_AllocateLowestFirst(t *testing.T) {
	b := New(8)

	for want := uint(0); want < 8; want++ {
		idx, err := b.Allocate()
		require.NoError(t, err)
		assert.Equal(t, want, idx)
	}
	assert.True(t, b.Full())

	_, err := b.Allocate()
	assert.ErrorIs(t, err, ErrFull)
}

func TestBitmap_ReleaseReusesHole(t *testing.T) {
	b := New(4)
	for i := 0; i < 4; i++ {
		_, err := b.Allocate()
		require.NoError(t, err)
	}

	assert.True(t, b.Release(2))
	assert.Equal(t, uint(3), b.InUse())

	idx, err := b.Allocate()
	require.NoError(t, err)
	assert.Equal(t, uint(2), idx, "lowest free index must be handed out")
}

func TestBitmap_DoubleReleaseReported(t *testing.T) {
	b := New(4)
	idx, err := b.Allocate()
	require.NoError(t, err)

	assert.True(t, b.Release(idx))
	assert.False(t, b.Release(idx))
	assert.False(t, b.Release(99), "out of range index")
	assert.Equal(t, uint(0), b.InUse())
}

func TestBitmap_CapacityNotWordAligned(t *testing.T) {
	// 70 bits spans two words; the tail of the second word must never be
	// handed out.
	b := New(70)
	for i := 0; i < 70; i++ {
		_, err := b.Allocate()
		require.NoError(t, err)
	}
	_, err := b.Allocate()
	assert.ErrorIs(t, err, ErrFull)
	assert.True(t, b.Test(69))
	assert.False(t, b.Test(70))
}

func TestBitmap_AllocReleaseLoopNeverExhausts(t *testing.T) {
	b := New(3)
	for i := 0; i < 100; i++ {
		idx, err := b.Allocate()
		require.NoError(t, err)
		assert.Equal(t, uint(0), idx)
		require.True(t, b.Release(idx))
	}
	assert.Equal(t, uint(0), b.InUse())
}
