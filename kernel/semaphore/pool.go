package semaphore

import (
	"sync"
	"sync/atomic"

	"github.com/nmxmxh/semasea/kernel/mm/bitmap"
	"github.com/nmxmxh/semasea/kernel/mm/dma"
	"github.com/nmxmxh/semasea/kernel/mm/vm"
	"github.com/nmxmxh/semasea/kernel/utils"
	"go.uber.org/multierr"
)

// Pool is one page of the sea, owned by one GPU address space.
type Pool struct {
	sea     *Sea
	pageIdx uint
	logger  *utils.Logger

	mu    sync.Mutex
	slots *bitmap.Bitmap

	refs atomic.Int32

	// Set under sea.mu, read without it.
	freed atomic.Bool

	// Guarded by sea.mu.
	mapped bool
	as     vm.AddressSpace
	roVA   uint64
	rwVA   uint64
	view   *dma.View
}

// AllocPool claims the lowest free page of the sea. The returned pool holds
// one reference.
func AllocPool(sea *Sea) (*Pool, error) {
	sea.mu.Lock()
	defer sea.mu.Unlock()

	if sea.destroyed {
		return nil, utils.ErrInvariant("pool allocated from destroyed sea")
	}

	idx, err := sea.pages.Allocate()
	if err != nil {
		sea.metrics.AllocFailed("sea_page")
		sea.logger.Warn("semaphore sea exhausted",
			utils.Int("capacity", int(sea.cfg.PoolCount)),
		)
		return nil, utils.ErrPoolsExhausted(sea.cfg.PoolCount)
	}

	p := &Pool{
		sea:     sea,
		pageIdx: idx,
		logger:  sea.logger.Named("pool").With(utils.Int("page", int(idx))),
		slots:   bitmap.New(uint(sea.cfg.PageSize / sea.cfg.SlotSize)),
	}
	p.refs.Store(1)

	sea.pools[idx] = p
	sea.livePages++
	sea.metrics.PoolAllocated()

	p.logger.Debug("allocated semaphore pool",
		utils.Int("live_pages", sea.livePages),
	)
	return p, nil
}

func (p *Pool) Sea() *Sea {
	return p.sea
}

// PageIndex is the pool's page within the sea.
func (p *Pool) PageIndex() uint {
	return p.pageIdx
}

func (p *Pool) Mapped() bool {
	p.sea.mu.Lock()
	defer p.sea.mu.Unlock()
	return p.mapped
}

// Map maps the whole sea read-only at its reserved base and this pool's page
// read-write at an address chosen by as.
func (p *Pool) Map(as vm.AddressSpace) error {
	sea := p.sea
	sea.mu.Lock()
	defer sea.mu.Unlock()

	if p.freed.Load() {
		return utils.ErrInvariant("freed semaphore pool mapped").
			WithContext("page", p.pageIdx)
	}
	if p.mapped {
		return utils.NewDriverError(utils.ErrCodeAlreadyMapped, "semaphore pool already mapped").
			WithContext("page", p.pageIdx)
	}
	if sea.gpuVA == 0 {
		return utils.NewDriverError(utils.ErrCodeNoGPUVA, "semaphore sea has no reserved GPU VA")
	}

	roVA, err := as.MapFixed(sea.store, sea.gpuVA, sea.store.Size(), vm.ReadOnly)
	if err != nil {
		p.logger.Error("failed to map semaphore sea read-only",
			utils.Addr("va", sea.gpuVA),
			utils.Err(err),
		)
		return utils.WrapError(err, "map sea read-only")
	}

	view, err := dma.NewView(sea.store, uint64(p.pageIdx)*sea.cfg.PageSize, sea.cfg.PageSize)
	if err != nil {
		return multierr.Append(utils.WrapError(err, "pool page view"), as.Unmap(roVA))
	}

	rwVA, err := as.Map(view, sea.cfg.PageSize, vm.ReadWrite)
	if err != nil {
		p.logger.Error("failed to map semaphore pool read-write",
			utils.Err(err),
		)
		return multierr.Combine(
			utils.WrapError(err, "map pool read-write"),
			as.Unmap(roVA),
			view.Close(),
		)
	}

	p.as = as
	p.roVA = roVA
	p.rwVA = rwVA
	p.view = view
	p.mapped = true

	p.logger.Debug("mapped semaphore pool",
		utils.String("space", as.ID()),
		utils.Addr("ro_va", roVA),
		utils.Addr("rw_va", rwVA),
	)
	return nil
}

// Unmap reverses Map. If every reference was already dropped the pool is
// freed here.
func (p *Pool) Unmap(as vm.AddressSpace) error {
	sea := p.sea
	sea.mu.Lock()
	defer sea.mu.Unlock()

	if !p.mapped {
		return utils.NewDriverError(utils.ErrCodeNotMapped, "semaphore pool not mapped").
			WithContext("page", p.pageIdx)
	}
	if as.ID() != p.as.ID() {
		sea.metrics.Invariant("pool_unmap_foreign_space")
		p.logger.Error("unmap from an address space that does not own the pool",
			utils.String("owner", p.as.ID()),
			utils.String("caller", as.ID()),
		)
		return utils.ErrInvariant("pool unmapped from foreign address space").
			WithContext("page", p.pageIdx)
	}

	err := multierr.Combine(
		as.Unmap(p.rwVA),
		as.Unmap(p.roVA),
		p.view.Close(),
	)

	p.mapped = false
	p.as = nil
	p.roVA = 0
	p.rwVA = 0
	p.view = nil

	p.logger.Debug("unmapped semaphore pool", utils.String("space", as.ID()))

	if p.refs.Load() == 0 {
		p.freeLocked()
	}
	return err
}

// GPUVA returns the sea-wide read-only address of this page when global is
// set, else the read-write address in the owning address space. The
// read-write address does not resolve anywhere else. Either is 0 while it
// does not exist. Not callable with the sea lock held.
func (p *Pool) GPUVA(global bool) uint64 {
	p.sea.mu.Lock()
	defer p.sea.mu.Unlock()

	if global {
		if p.sea.gpuVA == 0 {
			return 0
		}
		return p.sea.gpuVA + uint64(p.pageIdx)*p.sea.cfg.PageSize
	}
	return p.rwVA
}

// ReserveSlot claims the lowest free hardware semaphore slot and returns its
// byte offset in the page. A freed pool no longer owns its page and
// refuses.
func (p *Pool) ReserveSlot() (uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.freed.Load() {
		p.sea.metrics.Invariant("reserve_freed_pool")
		p.logger.Error("slot reserved from a freed semaphore pool")
		return 0, utils.ErrInvariant("slot reserved from freed semaphore pool").
			WithContext("page", p.pageIdx)
	}

	idx, err := p.slots.Allocate()
	if err != nil {
		p.sea.metrics.AllocFailed("pool_slot")
		return 0, utils.ErrSlotsExhausted(p.pageIdx, p.slots.Capacity())
	}
	return uint32(uint64(idx) * p.sea.cfg.SlotSize), nil
}

func (p *Pool) ReleaseSlot(offset uint32) {
	p.mu.Lock()
	released := p.slots.Release(uint(uint64(offset) / p.sea.cfg.SlotSize))
	p.mu.Unlock()

	if !released {
		p.sea.metrics.Invariant("slot_double_release")
		p.logger.Error("released a semaphore slot that was not reserved",
			utils.Uint32("offset", offset),
		)
	}
}

func (p *Pool) Get() *Pool {
	p.refs.Add(1)
	return p
}

// Put drops a reference. The last one frees the page once the pool is
// unmapped.
func (p *Pool) Put() {
	n := p.refs.Add(-1)
	switch {
	case n > 0:
		return
	case n < 0:
		p.sea.metrics.Invariant("pool_double_put")
		p.logger.Error("semaphore pool reference dropped below zero",
			utils.Int("refs", int(n)),
		)
		return
	}

	p.sea.mu.Lock()
	defer p.sea.mu.Unlock()
	p.freeLocked()
}

func (p *Pool) freeLocked() {
	sea := p.sea
	if p.freed.Load() {
		return
	}
	if p.mapped || p.rwVA != 0 {
		sea.metrics.Invariant("pool_free_mapped")
		p.logger.Error("refusing to free mapped semaphore pool",
			utils.Addr("rw_va", p.rwVA),
		)
		return
	}

	sea.pages.Release(p.pageIdx)
	delete(sea.pools, p.pageIdx)
	sea.livePages--
	p.freed.Store(true)
	sea.metrics.PoolFreed()

	p.logger.Debug("freed semaphore pool",
		utils.Int("live_pages", sea.livePages),
	)
}

// offset in the sea backing store of a byte offset within this page.
func (p *Pool) seaOffset(off uint32) uint64 {
	return uint64(p.pageIdx)*p.sea.cfg.PageSize + uint64(off)
}

func (p *Pool) read(off uint32) uint32 {
	return p.sea.load32(p.seaOffset(off))
}

func (p *Pool) write(off uint32, v uint32) {
	p.sea.store32(p.seaOffset(off), v)
}
