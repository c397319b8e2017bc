package vm

import (
	"testing"

	"github.com/nmxmxh/semasea/kernel/mm/dma"
	"github.com/nmxmxh/semasea/kernel/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testUserBase = 0x100000
	testUserSize = 1 << 20
	testLimit    = 1 << 24
)

func newTestSpace(t *testing.T) *Space {
	t.Helper()
	s, err := NewSpace(SpaceConfig{
		Name:     "test",
		UserBase: testUserBase,
		UserSize: testUserSize,
		Limit:    testLimit,
	}, nil)
	require.NoError(t, err)
	return s
}

func TestSpace_MapTranslateUnmap(t *testing.T) {
	s := newTestSpace(t)
	mem := dma.NewHostMemory(8192)
	require.NoError(t, mem.AtomicStore32(4096+8, 77))

	page, err := dma.NewView(mem, 4096, 4096)
	require.NoError(t, err)

	va, err := s.Map(page, 4096, ReadWrite)
	require.NoError(t, err)
	assert.Equal(t, uint64(testUserBase), va)

	backing, off, err := s.Translate(va+8, ReadWrite)
	require.NoError(t, err)
	v, err := backing.AtomicLoad32(off)
	require.NoError(t, err)
	assert.Equal(t, uint32(77), v)

	require.NoError(t, s.Unmap(va))
	_, _, err = s.Translate(va+8, ReadOnly)
	assert.ErrorIs(t, err, utils.ErrNotMapped)
	assert.ErrorIs(t, s.Unmap(va), utils.ErrNotMapped)
}

func TestSpace_FixedReadOnly(t *testing.T) {
	s := newTestSpace(t)
	mem := dma.NewHostMemory(4 * 4096)
	base := uint64(testLimit - 4*4096)

	va, err := s.MapFixed(mem, base, 4*4096, ReadOnly)
	require.NoError(t, err)
	assert.Equal(t, base, va)

	_, _, err = s.Translate(base+4096, ReadOnly)
	assert.NoError(t, err)
	_, _, err = s.Translate(base+4096, ReadWrite)
	assert.ErrorIs(t, err, utils.ErrPermission)

	_, err = s.MapFixed(mem, base, 4096, ReadOnly)
	assert.ErrorIs(t, err, utils.ErrAlreadyMapped)

	require.NoError(t, s.Unmap(base))
	_, err = s.MapFixed(mem, base, 4*4096, ReadOnly)
	assert.NoError(t, err, "fixed range is reusable after unmap")
}

func TestSpace_FixedRejectsUserWindowAndLimit(t *testing.T) {
	s := newTestSpace(t)
	mem := dma.NewHostMemory(4 * 4096)

	_, err := s.MapFixed(mem, testUserBase+4096, 4096, ReadOnly)
	assert.ErrorIs(t, err, utils.ErrOutOfRange)

	_, err = s.MapFixed(mem, testUserBase-4096, 2*4096, ReadOnly)
	assert.ErrorIs(t, err, utils.ErrOutOfRange, "straddling the user window start")

	_, err = s.MapFixed(mem, testLimit-4096, 2*4096, ReadOnly)
	assert.ErrorIs(t, err, utils.ErrOutOfRange)

	_, err = s.MapFixed(mem, 0x1001, 4096, ReadOnly)
	assert.ErrorIs(t, err, utils.ErrOutOfRange)

	_, err = s.MapFixed(mem, 0, 8*4096, ReadOnly)
	assert.ErrorIs(t, err, utils.ErrOutOfRange, "mapping larger than backing")
}

func TestSpace_Mappings(t *testing.T) {
	s := newTestSpace(t)
	mem := dma.NewHostMemory(4096)

	_, err := s.MapFixed(mem, testLimit-4096, 4096, ReadOnly)
	require.NoError(t, err)
	_, err = s.Map(mem, 4096, ReadWrite)
	require.NoError(t, err)

	maps := s.Mappings()
	require.Len(t, maps, 2)
	assert.Less(t, maps[0].VA, maps[1].VA)
	assert.False(t, maps[0].Fixed)
	assert.True(t, maps[1].Fixed)
}

func TestKernelWindow_ReserveFixed(t *testing.T) {
	w := NewKernelWindow(0xf000000, 0x10000000)

	va, err := w.ReserveFixed(0xf000000, 512*4096, 4096)
	require.NoError(t, err)
	assert.Equal(t, uint64(0xf000000), va)

	_, err = w.ReserveFixed(0xf000000+4096, 4096, 4096)
	assert.ErrorIs(t, err, utils.ErrNoSpace)

	_, err = w.ReserveFixed(0x1000, 4096, 4096)
	assert.ErrorIs(t, err, utils.ErrOutOfRange)

	_, err = w.ReserveFixed(0xf000000+0x800, 4096, 4096)
	assert.ErrorIs(t, err, utils.ErrOutOfRange)

	require.NoError(t, w.Release(0xf000000))
	assert.Error(t, w.Release(0xf000000))
}
