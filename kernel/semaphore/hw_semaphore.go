package semaphore

import (
	"sync/atomic"

	"github.com/nmxmxh/semasea/kernel/utils"
)

// HwSemaphore is the persistent counter of one channel, backed by one slot
// of a pool.
type HwSemaphore struct {
	pool   *Pool
	offset uint32
	chid   int
	logger *utils.Logger

	// next is the last value handed out to a submission.
	next      atomic.Uint32
	destroyed atomic.Bool
}

// NewHwSemaphore reserves a slot in pool for channel chid. The counter
// starts at whatever the slot already holds.
func NewHwSemaphore(pool *Pool, chid int) (*HwSemaphore, error) {
	offset, err := pool.ReserveSlot()
	if err != nil {
		pool.logger.Warn("no free hw semaphore slot",
			utils.Int("chid", chid),
			utils.Err(err),
		)
		return nil, err
	}

	h := &HwSemaphore{
		pool:   pool.Get(),
		offset: offset,
		chid:   chid,
		logger: pool.logger.With(utils.Int("chid", chid), utils.Uint32("offset", offset)),
	}
	h.next.Store(pool.read(offset))
	pool.sea.metrics.HwSemaphoreCreated()

	h.logger.Debug("created hw semaphore", utils.Uint32("next", h.next.Load()))
	return h, nil
}

// Destroy releases the slot and the pool reference.
func (h *HwSemaphore) Destroy() {
	if !h.destroyed.CompareAndSwap(false, true) {
		h.pool.sea.metrics.Invariant("hw_double_destroy")
		h.logger.Error("hw semaphore destroyed twice")
		return
	}
	h.pool.ReleaseSlot(h.offset)
	h.pool.sea.metrics.HwSemaphoreDestroyed()
	h.logger.Debug("destroyed hw semaphore")
	h.pool.Put()
}

func (h *HwSemaphore) Pool() *Pool {
	return h.pool
}

// Offset is the slot's byte offset within its pool page.
func (h *HwSemaphore) Offset() uint32 {
	return h.offset
}

func (h *HwSemaphore) ChannelID() int {
	return h.chid
}

// Read returns what the hardware has written to the slot so far.
func (h *HwSemaphore) Read() uint32 {
	return h.pool.read(h.offset)
}

// GPUVA is the slot's sea-wide read-only address, 0 while the sea has no
// GPU VA.
func (h *HwSemaphore) GPUVA() uint64 {
	return slotVA(h.pool.GPUVA(true), h.offset)
}

func (h *HwSemaphore) PeekNext() uint32 {
	return h.next.Load()
}

// ReserveNext hands out the next threshold. Each value is spent once
// returned, whether or not the submission runs.
func (h *HwSemaphore) ReserveNext() uint32 {
	return h.next.Add(1)
}

// FastForward writes the reserved watermark into the slot if the hardware
// value lags it. It reports whether memory changed.
func (h *HwSemaphore) FastForward() bool {
	threshold := h.next.Load()
	current := h.Read()

	if ValueReleased(threshold+1, current) {
		h.pool.sea.metrics.Invariant("hw_overrun")
		h.logger.Error("hw semaphore ahead of every reserved value",
			utils.Uint32("current", current),
			utils.Uint32("next", threshold),
		)
		return false
	}
	if current == threshold {
		return false
	}

	h.pool.write(h.offset, threshold)
	h.pool.sea.metrics.FastForwarded()
	h.logger.Debug("fast-forwarded hw semaphore",
		utils.Uint32("from", current),
		utils.Uint32("to", threshold),
	)
	return true
}
