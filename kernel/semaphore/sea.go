// Package semaphore implements GPU semaphores backed by a shared arena of
// host-visible memory (the sea).
//
// The sea is carved into pages, one per GPU address space (a Pool). Each
// pool holds fixed-size slots, each slot one hardware semaphore: a 32-bit
// counter that a channel's engine increments in memory as its work
// completes. A Semaphore is a short-lived handle pairing a slot with the
// value one submission must reach.
//
// Locking: Sea.mu guards the page bitmap, the pool table and every pool's
// mapping state. Pool.mu guards only that pool's slot bitmap. Pool.mu may be
// taken while Sea.mu is held, never the other way around. Hardware semaphore
// counters and reference counts are atomics and take neither lock.
package semaphore

import (
	"errors"
	"fmt"
	"sync"

	"github.com/nmxmxh/semasea/kernel/metrics"
	"github.com/nmxmxh/semasea/kernel/mm/bitmap"
	"github.com/nmxmxh/semasea/kernel/mm/dma"
	"github.com/nmxmxh/semasea/kernel/mm/vm"
	"github.com/nmxmxh/semasea/kernel/utils"
	"go.uber.org/multierr"
)

const (
	PageSize  = 4096
	SlotSize  = 16
	PoolCount = 512

	// Sentinel pre-fills the sea. A counter nobody initialised reads as a
	// value just short of wrapping, which shows up fast in any comparison.
	Sentinel uint32 = 0xfffffff0
)

type SeaConfig struct {
	PageSize  uint64
	SlotSize  uint64
	PoolCount uint
	Sentinel  uint32
}

func DefaultSeaConfig() SeaConfig {
	return SeaConfig{
		PageSize:  PageSize,
		SlotSize:  SlotSize,
		PoolCount: PoolCount,
		Sentinel:  Sentinel,
	}
}

func (c SeaConfig) Validate() error {
	switch {
	case c.PoolCount == 0:
		return errors.New("sea pool count must be positive")
	case c.SlotSize < 4 || c.SlotSize%4 != 0:
		return fmt.Errorf("slot size %d must be a positive multiple of 4", c.SlotSize)
	case c.PageSize == 0 || c.PageSize%vm.MIN_VA_BLOCK != 0:
		return fmt.Errorf("page size %d must be a multiple of %d", c.PageSize, vm.MIN_VA_BLOCK)
	case c.PageSize%c.SlotSize != 0:
		return fmt.Errorf("page size %d not a multiple of slot size %d", c.PageSize, c.SlotSize)
	}
	return nil
}

// Option configures a Sea.
type Option func(*Sea)

func WithLogger(logger *utils.Logger) Option {
	return func(s *Sea) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithMetrics(m *metrics.SemaphoreMetrics) Option {
	return func(s *Sea) {
		s.metrics = m
	}
}

// Sea owns the backing store every pool's page lives in.
type Sea struct {
	cfg     SeaConfig
	alloc   dma.Allocator
	logger  *utils.Logger
	metrics *metrics.SemaphoreMetrics

	mu        sync.Mutex
	store     dma.Memory
	pages     *bitmap.Bitmap
	pools     map[uint]*Pool
	livePages int
	destroyed bool

	gpuVA   uint64
	vaRange vm.FixedRange
}

// NewSea allocates the backing store and fills it with the sentinel.
func NewSea(cfg SeaConfig, alloc dma.Allocator, opts ...Option) (*Sea, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Sea{
		cfg:    cfg,
		alloc:  alloc,
		logger: utils.NopLogger(),
		pages:  bitmap.New(cfg.PoolCount),
		pools:  make(map[uint]*Pool),
	}
	for _, opt := range opts {
		opt(s)
	}

	size := cfg.PageSize * uint64(cfg.PoolCount)
	store, err := alloc.AllocContiguous(size)
	if err != nil {
		s.metrics.AllocFailed("sea_backing")
		s.logger.Error("semaphore sea backing allocation failed",
			utils.Uint64("size", size),
			utils.Err(err),
		)
		if errors.Is(err, utils.ErrOutOfMemory) {
			return nil, err
		}
		return nil, utils.WrapDriverError(utils.ErrCodeOutOfMemory, "sea backing allocation failed", err)
	}

	if err := dma.Fill32(store, cfg.Sentinel); err != nil {
		_ = alloc.Free(store)
		return nil, utils.WrapError(err, "sea sentinel fill")
	}
	s.store = store

	s.logger.Info("semaphore sea created",
		utils.Uint64("size", size),
		utils.Int("pools", int(cfg.PoolCount)),
		utils.Uint64("slots_per_pool", cfg.PageSize/cfg.SlotSize),
	)
	return s, nil
}

// Lock enters the sea-wide critical section. Other Sea and Pool methods
// take this lock themselves and must not be called while it is held.
func (s *Sea) Lock() {
	s.mu.Lock()
}

func (s *Sea) Unlock() {
	s.mu.Unlock()
}

// ReserveGPUVA asks r for a fixed placement of length bytes at base and
// records it as the read-only base every address space maps the sea at.
// Nothing is mapped here.
func (s *Sea) ReserveGPUVA(r vm.FixedRange, base, length, pageSize uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.destroyed {
		return utils.ErrInvariant("GPU VA reserved for destroyed sea")
	}
	if s.gpuVA != 0 {
		return utils.NewDriverError(utils.ErrCodeAlreadyMapped, "sea GPU VA already reserved").
			WithContext("va", utils.Hex(s.gpuVA))
	}
	if length < s.store.Size() {
		return utils.NewDriverError(utils.ErrCodeOutOfRange, "reserved range smaller than sea").
			WithContext("length", length).
			WithContext("sea_size", s.store.Size())
	}

	va, err := r.ReserveFixed(base, length, pageSize)
	if err != nil {
		return utils.WrapError(err, "reserve sea GPU VA")
	}
	s.gpuVA = va
	s.vaRange = r

	s.logger.Info("semaphore sea GPU VA reserved",
		utils.Addr("va", va),
		utils.Uint64("length", length),
	)
	return nil
}

// GPUVA is the read-only base address of the sea, 0 until reserved.
func (s *Sea) GPUVA() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gpuVA
}

// MapSize is the byte length of the read-only whole-sea mapping.
func (s *Sea) MapSize() uint64 {
	return s.cfg.PageSize * uint64(s.cfg.PoolCount)
}

func (s *Sea) PageSize() uint64 {
	return s.cfg.PageSize
}

func (s *Sea) SlotSize() uint64 {
	return s.cfg.SlotSize
}

func (s *Sea) Capacity() uint {
	return s.cfg.PoolCount
}

func (s *Sea) LivePages() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.livePages
}

// Destroy frees the backing store. It refuses while any pool is live.
func (s *Sea) Destroy() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.destroyed {
		return nil
	}
	if s.livePages > 0 {
		s.metrics.Invariant("sea_destroy_live_pools")
		s.logger.Error("refusing to destroy semaphore sea with live pools",
			utils.Int("live_pages", s.livePages),
		)
		return utils.ErrInvariant("sea destroyed with live pools").
			WithContext("live_pages", s.livePages)
	}

	var err error
	if s.vaRange != nil {
		err = s.vaRange.Release(s.gpuVA)
		s.vaRange = nil
		s.gpuVA = 0
	}
	err = multierr.Append(err, s.alloc.Free(s.store))
	s.store = nil
	s.destroyed = true

	s.logger.Info("semaphore sea destroyed")
	return err
}

// load32 and store32 access the backing store at offsets the sea computed
// itself. A failure means the sea's own bookkeeping is corrupt.
func (s *Sea) load32(off uint64) uint32 {
	v, err := s.store.AtomicLoad32(off)
	if err != nil {
		panic(fmt.Sprintf("semaphore sea: load at 0x%x: %v", off, err))
	}
	return v
}

func (s *Sea) store32(off uint64, v uint32) {
	if err := s.store.AtomicStore32(off, v); err != nil {
		panic(fmt.Sprintf("semaphore sea: store at 0x%x: %v", off, err))
	}
}

// PoolStats describes one pool.
type PoolStats struct {
	Page         uint
	Refs         int32
	Mapped       bool
	SlotsInUse   uint
	SlotCapacity uint
	GlobalVA     uint64
	RWVA         uint64
}

// SeaStats is a point-in-time view of sea occupancy.
type SeaStats struct {
	PageSize  uint64
	Capacity  uint
	LivePages int
	GPUVA     uint64
	Pools     []PoolStats
}

func (s *Sea) Stats() SeaStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := SeaStats{
		PageSize:  s.cfg.PageSize,
		Capacity:  s.cfg.PoolCount,
		LivePages: s.livePages,
		GPUVA:     s.gpuVA,
		Pools:     make([]PoolStats, 0, len(s.pools)),
	}
	for idx := uint(0); idx < s.cfg.PoolCount; idx++ {
		p, ok := s.pools[idx]
		if !ok {
			continue
		}
		p.mu.Lock()
		ps := PoolStats{
			Page:         idx,
			Refs:         p.refs.Load(),
			Mapped:       p.mapped,
			SlotsInUse:   p.slots.InUse(),
			SlotCapacity: p.slots.Capacity(),
			RWVA:         p.rwVA,
		}
		p.mu.Unlock()
		if s.gpuVA != 0 {
			ps.GlobalVA = s.gpuVA + uint64(idx)*s.cfg.PageSize
		}
		stats.Pools = append(stats.Pools, ps)
	}
	return stats
}
