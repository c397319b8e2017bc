package channel

import (
	"testing"

	"github.com/nmxmxh/semasea/kernel/mm/dma"
	"github.com/nmxmxh/semasea/kernel/mm/vm"
	"github.com/nmxmxh/semasea/kernel/semaphore"
	"github.com/nmxmxh/semasea/kernel/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	kernelBase = 1 << 23
	vaLimit    = 1 << 24
)

func newPool(t *testing.T, sea *semaphore.Sea) (*semaphore.Pool, *vm.Space) {
	t.Helper()
	space, err := vm.NewSpace(vm.SpaceConfig{
		Name:     "ctx",
		UserBase: 0x100000,
		UserSize: 1 << 20,
		Limit:    vaLimit,
	}, nil)
	require.NoError(t, err)

	pool, err := semaphore.AllocPool(sea)
	require.NoError(t, err)
	require.NoError(t, pool.Map(space))
	return pool, space
}

func newSea(t *testing.T) *semaphore.Sea {
	t.Helper()
	cfg := semaphore.DefaultSeaConfig()
	cfg.PoolCount = 4
	sea, err := semaphore.NewSea(cfg, dma.NewHostAllocator(dma.HostAllocatorConfig{}))
	require.NoError(t, err)
	require.NoError(t, sea.ReserveGPUVA(vm.NewKernelWindow(kernelBase, vaLimit), kernelBase, sea.MapSize(), cfg.PageSize))
	return sea
}

// write stores v at va the way an engine would.
func write(t *testing.T, space *vm.Space, va uint64, v uint32) {
	t.Helper()
	mem, off, err := space.Translate(va, vm.ReadWrite)
	require.NoError(t, err)
	require.NoError(t, mem.AtomicStore32(off, v))
}

func TestSync_Incr(t *testing.T) {
	sea := newSea(t)
	pool, space := newPool(t, sea)

	cs, err := NewSync(pool, 5, nil)
	require.NoError(t, err)
	assert.Equal(t, 5, cs.ChannelID())

	cmd, sema, err := cs.Incr(true)
	require.NoError(t, err)
	assert.Equal(t, OpRelease, cmd.Op)
	assert.Equal(t, sema.GPURWVA(), cmd.VA)
	assert.Equal(t, sema.Value(), cmd.Payload)
	assert.Equal(t, semaphore.Sentinel+1, cmd.Payload)
	assert.True(t, cmd.WFI)
	assert.Equal(t, 5, cmd.Chid)

	cmd2, sema2, err := cs.Incr(false)
	require.NoError(t, err)
	assert.Equal(t, cmd.Payload+1, cmd2.Payload)
	assert.Equal(t, cmd.VA, cmd2.VA, "same slot")

	assert.True(t, sema.IsAcquired())
	write(t, space, cmd.VA, cmd.Payload)
	assert.True(t, sema.IsReleased())
	assert.False(t, sema2.IsReleased())
}

func TestSync_WaitCmd(t *testing.T) {
	sea := newSea(t)
	pool, _ := newPool(t, sea)
	other, _ := newPool(t, sea)

	producer, err := NewSync(pool, 0, nil)
	require.NoError(t, err)
	consumer, err := NewSync(other, 1, nil)
	require.NoError(t, err)

	_, sema, err := producer.Incr(false)
	require.NoError(t, err)
	sema.Get()

	cmd := consumer.WaitCmd(sema)
	assert.Equal(t, OpAcquire, cmd.Op)
	assert.Equal(t, sema.GPUROVA(), cmd.VA)
	assert.Equal(t, pool.GPUVA(true)+uint64(producer.HwSemaphore().Offset()), cmd.VA)
	assert.Equal(t, sema.Value(), cmd.Payload)
	assert.Equal(t, 1, cmd.Chid)

	assert.Equal(t, OpNop, consumer.WaitCmd(nil).Op)
	sema.Put()
}

func TestSync_WaitCmdUnprepared(t *testing.T) {
	sea := newSea(t)
	pool, _ := newPool(t, sea)
	cs, err := NewSync(pool, 0, nil)
	require.NoError(t, err)

	sema, err := semaphore.NewSemaphore(cs.HwSemaphore())
	require.NoError(t, err)
	assert.Equal(t, OpNop, cs.WaitCmd(sema).Op)
}

func TestSync_SetMinEqMax(t *testing.T) {
	sea := newSea(t)
	pool, _ := newPool(t, sea)
	cs, err := NewSync(pool, 0, nil)
	require.NoError(t, err)

	var fences []*semaphore.Semaphore
	for i := 0; i < 3; i++ {
		_, sema, err := cs.Incr(false)
		require.NoError(t, err)
		fences = append(fences, sema)
	}
	for _, f := range fences {
		assert.False(t, f.IsReleased())
	}

	assert.True(t, cs.SetMinEqMax())
	for _, f := range fences {
		assert.True(t, f.IsReleased(), "abandoned jobs released after reset")
	}
	assert.False(t, cs.SetMinEqMax())
}

func TestSync_DestroyKeepsFences(t *testing.T) {
	sea := newSea(t)
	pool, space := newPool(t, sea)
	cs, err := NewSync(pool, 0, nil)
	require.NoError(t, err)

	cmd, sema, err := cs.Incr(false)
	require.NoError(t, err)
	cs.Destroy()

	require.NoError(t, pool.Unmap(space))
	pool.Put()
	assert.Equal(t, 1, sea.LivePages())

	sema.Put()
	assert.Equal(t, 0, sea.LivePages())
	assert.NotZero(t, cmd.VA)
}

func TestSync_IncrUnmapped(t *testing.T) {
	sea := newSea(t)
	pool, space := newPool(t, sea)
	cs, err := NewSync(pool, 0, nil)
	require.NoError(t, err)
	next := cs.HwSemaphore().PeekNext()

	require.NoError(t, pool.Unmap(space))
	cmd, sema, err := cs.Incr(false)
	assert.ErrorIs(t, err, utils.ErrNotMapped)
	assert.Nil(t, sema)
	assert.Zero(t, cmd.VA)
	assert.Equal(t, next, cs.HwSemaphore().PeekNext(), "no threshold spent")

	cs.Destroy()
	pool.Put()
	assert.Equal(t, 0, sea.LivePages())
}

func TestNewSync_PoolFull(t *testing.T) {
	sea := newSea(t)
	pool, _ := newPool(t, sea)
	for i := 0; i < semaphore.PageSize/semaphore.SlotSize; i++ {
		_, err := NewSync(pool, i, nil)
		require.NoError(t, err)
	}
	_, err := NewSync(pool, 1000, nil)
	assert.ErrorIs(t, err, utils.ErrNoSpace)
}

func TestCmd_String(t *testing.T) {
	assert.Equal(t, "ch2 nop", Cmd{Chid: 2}.String())
	assert.Equal(t, "ch1 release va=0x1000 payload=0x5 wfi=true",
		Cmd{Op: OpRelease, VA: 0x1000, Payload: 5, WFI: true, Chid: 1}.String())
}
