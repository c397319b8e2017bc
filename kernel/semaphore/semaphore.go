package semaphore

import (
	"sync/atomic"

	"github.com/nmxmxh/semasea/kernel/utils"
)

// Location names one hardware semaphore slot.
type Location struct {
	Pool   *Pool
	Offset uint32
}

// Semaphore is the completion fence of one submission: a slot plus the
// value it must reach. It holds a pool reference, not a reference on the
// hardware semaphore, so it outlives channel teardown. Lifetime is driven
// by Get and Put only.
type Semaphore struct {
	loc    Location
	logger *utils.Logger

	value    atomic.Uint32
	prepared atomic.Bool
	ready    atomic.Bool
	refs     atomic.Int32
}

// NewSemaphore returns an unprepared handle on hw's slot with one reference.
func NewSemaphore(hw *HwSemaphore) (*Semaphore, error) {
	if hw.destroyed.Load() {
		return nil, utils.ErrInvariant("semaphore created from destroyed hw semaphore").
			WithContext("chid", hw.chid)
	}

	s := &Semaphore{
		loc:    Location{Pool: hw.pool.Get(), Offset: hw.offset},
		logger: hw.logger,
	}
	s.refs.Store(1)
	hw.pool.sea.metrics.SemaphoreCreated()
	return s, nil
}

// Prepare reserves the next value of hw as this handle's threshold. It
// succeeds once per handle.
func (s *Semaphore) Prepare(hw *HwSemaphore) error {
	if hw.destroyed.Load() {
		s.loc.Pool.sea.metrics.Invariant("prepare_destroyed_hw")
		s.logger.Error("semaphore prepared against a destroyed hw semaphore")
		return utils.ErrInvariant("semaphore prepared against a destroyed hw semaphore").
			WithContext("chid", hw.chid)
	}
	if hw.pool != s.loc.Pool || hw.offset != s.loc.Offset {
		s.loc.Pool.sea.metrics.Invariant("prepare_foreign_hw")
		s.logger.Error("semaphore prepared against a different hw semaphore",
			utils.Uint32("hw_offset", hw.offset),
		)
		return utils.ErrInvariant("semaphore prepared against a different hw semaphore")
	}
	if !s.prepared.CompareAndSwap(false, true) {
		s.loc.Pool.sea.metrics.Invariant("double_prepare")
		s.logger.Error("semaphore prepared twice",
			utils.Uint32("threshold", s.value.Load()),
		)
		return utils.ErrInvariant("semaphore already prepared").
			WithContext("threshold", s.value.Load())
	}

	threshold := hw.ReserveNext()
	s.value.Store(threshold)
	s.ready.Store(true)
	s.loc.Pool.sea.metrics.ThresholdPrepared()

	s.logger.Debug("prepared semaphore", utils.Uint32("threshold", threshold))
	return nil
}

func (s *Semaphore) Location() Location {
	return s.loc
}

// Value is the threshold, 0 until prepared.
func (s *Semaphore) Value() uint32 {
	return s.value.Load()
}

// Read returns the current value of the backing slot.
func (s *Semaphore) Read() uint32 {
	return s.loc.Pool.read(s.loc.Offset)
}

func (s *Semaphore) IsReleased() bool {
	return ValueReleased(s.value.Load(), s.Read())
}

func (s *Semaphore) IsAcquired() bool {
	return !s.IsReleased()
}

// CanWait reports whether a threshold has been committed.
func (s *Semaphore) CanWait() bool {
	return s.ready.Load()
}

// GPUROVA is the slot's sea-wide read-only address, valid in every
// address space that mapped the sea. 0 while the sea has no GPU VA.
func (s *Semaphore) GPUROVA() uint64 {
	return slotVA(s.loc.Pool.GPUVA(true), s.loc.Offset)
}

// GPURWVA is the slot's address in the owning address space's read-write
// mapping, 0 while the pool is unmapped.
func (s *Semaphore) GPURWVA() uint64 {
	return slotVA(s.loc.Pool.GPUVA(false), s.loc.Offset)
}

func slotVA(base uint64, off uint32) uint64 {
	if base == 0 {
		return 0
	}
	return base + uint64(off)
}

func (s *Semaphore) Get() *Semaphore {
	s.refs.Add(1)
	return s
}

// Put drops a reference; the last one releases the pool reference.
func (s *Semaphore) Put() {
	n := s.refs.Add(-1)
	switch {
	case n > 0:
		return
	case n < 0:
		s.loc.Pool.sea.metrics.Invariant("semaphore_double_put")
		s.logger.Error("semaphore reference dropped below zero")
		return
	}
	s.loc.Pool.sea.metrics.SemaphoreFreed()
	s.loc.Pool.Put()
}
