package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/nmxmxh/semasea/kernel/channel"
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

type testContext struct {
	space *vm.Space
	sync  *channel.Sync
}

func newContexts(t *testing.T, n int) []testContext {
	t.Helper()
	cfg := semaphore.DefaultSeaConfig()
	cfg.PoolCount = 4
	sea, err := semaphore.NewSea(cfg, dma.NewHostAllocator(dma.HostAllocatorConfig{}))
	require.NoError(t, err)
	require.NoError(t, sea.ReserveGPUVA(vm.NewKernelWindow(kernelBase, vaLimit), kernelBase, sea.MapSize(), cfg.PageSize))

	out := make([]testContext, 0, n)
	for i := 0; i < n; i++ {
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
		cs, err := channel.NewSync(pool, i, nil)
		require.NoError(t, err)
		out = append(out, testContext{space: space, sync: cs})
	}
	return out
}

func TestEngine_ReleaseAndAcquire(t *testing.T) {
	ctxs := newContexts(t, 2)
	producer := New(ctxs[0].space, Config{Name: "gr0"})
	consumer := New(ctxs[1].space, Config{Name: "gr1"})

	release, fence, err := ctxs[0].sync.Incr(true)
	require.NoError(t, err)
	fence.Get()
	wait := ctxs[1].sync.WaitCmd(fence)
	own, ownFence, err := ctxs[1].sync.Incr(false)
	require.NoError(t, err)

	consumer.Submit(wait, own)
	require.NoError(t, consumer.Drain())
	assert.Equal(t, 2, consumer.Pending(), "acquire stalls the queue")
	assert.False(t, ownFence.IsReleased())

	producer.Submit(release)
	require.NoError(t, producer.Drain())
	assert.True(t, fence.IsReleased())

	require.NoError(t, consumer.Drain())
	assert.Zero(t, consumer.Pending())
	assert.True(t, ownFence.IsReleased())

	stats := consumer.Stats()
	assert.Equal(t, 1, stats.Acquires)
	assert.Equal(t, 1, stats.Releases)
	assert.GreaterOrEqual(t, stats.Stalls, 1)
	assert.Equal(t, 1, producer.Stats().Releases)

	fence.Put()
	ownFence.Put()
}

func TestEngine_Nop(t *testing.T) {
	ctxs := newContexts(t, 1)
	e := New(ctxs[0].space, Config{Name: "ce0"})

	e.Submit(ctxs[0].sync.WaitCmd(nil))
	progressed, err := e.Step()
	require.NoError(t, err)
	assert.True(t, progressed)
	assert.Equal(t, 1, e.Stats().Nops)

	progressed, err = e.Step()
	require.NoError(t, err)
	assert.False(t, progressed, "empty queue")
}

func TestEngine_Faults(t *testing.T) {
	ctxs := newContexts(t, 1)
	e := New(ctxs[0].space, Config{Name: "gr0"})

	_, fence, err := ctxs[0].sync.Incr(false)
	require.NoError(t, err)

	// Releasing through the read-only sea mapping faults.
	e.Submit(
		channel.Cmd{Op: channel.OpRelease, VA: fence.GPUROVA(), Payload: fence.Value()},
		channel.Cmd{Op: channel.OpAcquire, VA: 0x10, Payload: 1},
		channel.Cmd{Op: channel.OpRelease, VA: fence.GPURWVA(), Payload: fence.Value()},
	)
	err = e.Drain()
	assert.ErrorIs(t, err, utils.ErrPermission)
	assert.ErrorIs(t, err, utils.ErrNotMapped)
	assert.Zero(t, e.Pending(), "faulting commands are dropped")
	assert.Equal(t, 2, e.Stats().Faults)
	assert.ErrorIs(t, e.Faults(), utils.ErrPermission)
	assert.True(t, fence.IsReleased())
}

func TestEngine_RunPollsStalledAcquire(t *testing.T) {
	ctxs := newContexts(t, 2)
	mock := clock.NewMock()
	consumer := New(ctxs[1].space, Config{Name: "gr1", Clock: mock, PollInterval: time.Millisecond})

	release, fence, err := ctxs[0].sync.Incr(false)
	require.NoError(t, err)
	fence.Get()
	consumer.Submit(ctxs[1].sync.WaitCmd(fence))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- consumer.Run(ctx) }()

	assert.Eventually(t, func() bool { return consumer.Stats().Stalls > 0 }, time.Second, time.Millisecond)

	producer := New(ctxs[0].space, Config{Name: "gr0"})
	producer.Submit(release)
	require.NoError(t, producer.Drain())

	assert.Eventually(t, func() bool {
		mock.Add(time.Millisecond)
		return consumer.Pending() == 0
	}, time.Second, time.Millisecond)

	cancel()
	err = <-done
	assert.True(t, errors.Is(err, context.Canceled))
	fence.Put()
}

func TestEngine_RunWakesOnSubmit(t *testing.T) {
	ctxs := newContexts(t, 1)
	mock := clock.NewMock()
	e := New(ctxs[0].space, Config{Name: "gr0", Clock: mock})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = e.Run(ctx) }()

	release, fence, err := ctxs[0].sync.Incr(false)
	require.NoError(t, err)
	e.Submit(release)

	assert.Eventually(t, fence.IsReleased, time.Second, time.Millisecond)
	fence.Put()
}
