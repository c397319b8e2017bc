// Package device ties the semaphore sea to a GPU: it owns the sea for the
// device's lifetime and gives every address space its pool.
package device

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nmxmxh/semasea/kernel/metrics"
	"github.com/nmxmxh/semasea/kernel/mm/dma"
	"github.com/nmxmxh/semasea/kernel/mm/vm"
	"github.com/nmxmxh/semasea/kernel/semaphore"
	"github.com/nmxmxh/semasea/kernel/utils"
)

const shutdownTimeout = 5 * time.Second

type Option func(*Device)

func WithLogger(logger *utils.Logger) Option {
	return func(d *Device) {
		if logger != nil {
			d.logger = logger
		}
	}
}

func WithMetrics(m *metrics.SemaphoreMetrics) Option {
	return func(d *Device) {
		d.metrics = m
	}
}

// WithAllocator replaces the host DMA allocator built from the config.
func WithAllocator(a dma.Allocator) Option {
	return func(d *Device) {
		d.alloc = a
	}
}

type Device struct {
	id      string
	cfg     Config
	logger  *utils.Logger
	metrics *metrics.SemaphoreMetrics
	alloc   dma.Allocator
	window  *vm.KernelWindow

	nextChid atomic.Int32

	mu     sync.Mutex
	sea    *semaphore.Sea
	spaces map[string]*AddressSpace
	closed bool
}

func New(cfg Config, opts ...Option) (*Device, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	d := &Device{
		id:     utils.GenerateID(),
		cfg:    cfg,
		logger: utils.NopLogger(),
		window: vm.NewKernelWindow(cfg.SeaBase(), cfg.VASize),
		spaces: make(map[string]*AddressSpace),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.alloc == nil {
		d.alloc = dma.NewHostAllocator(dma.HostAllocatorConfig{
			Budget:     cfg.DMABudget,
			SharedPath: cfg.SharedPath,
		})
	}
	d.logger = d.logger.Named("device").With(
		utils.String("device", cfg.Name),
		utils.String("id", utils.ShortID(d.id)),
	)

	d.logger.Info("device created",
		utils.Addr("va_size", cfg.VASize),
		utils.Addr("sea_base", cfg.SeaBase()),
	)
	return d, nil
}

func (d *Device) ID() string {
	return d.id
}

func (d *Device) Config() Config {
	return d.cfg
}

func (d *Device) Logger() *utils.Logger {
	return d.logger
}

// SemaphoreSea returns the device's sea, creating it on first use.
func (d *Device) SemaphoreSea() (*semaphore.Sea, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.seaLocked()
}

func (d *Device) seaLocked() (*semaphore.Sea, error) {
	if d.closed {
		return nil, utils.ErrInvariant("device closed")
	}
	if d.sea != nil {
		return d.sea, nil
	}

	sea, err := semaphore.NewSea(d.cfg.SeaConfig(), d.alloc,
		semaphore.WithLogger(d.logger.Named("sea")),
		semaphore.WithMetrics(d.metrics),
	)
	if err != nil {
		return nil, err
	}
	d.sea = sea
	return sea, nil
}

// NewAddressSpace creates a GPU VA space with semaphore support: it
// allocates the space's pool, reserves the sea's fixed range on first use
// and maps the pool. Nothing is left behind on failure.
func (d *Device) NewAddressSpace(name string) (*AddressSpace, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	sea, err := d.seaLocked()
	if err != nil {
		return nil, err
	}

	space, err := vm.NewSpace(vm.SpaceConfig{
		Name:     name,
		UserBase: d.cfg.UserBase,
		UserSize: d.cfg.UserSize(),
		Limit:    d.cfg.VASize,
	}, d.logger.Named("vm"))
	if err != nil {
		return nil, utils.WrapError(err, "create address space "+name)
	}

	pool, err := semaphore.AllocPool(sea)
	if err != nil {
		d.logger.Error("failed to allocate semaphore pool",
			utils.String("space", name),
			utils.Err(err),
		)
		return nil, err
	}

	if sea.GPUVA() == 0 {
		if err := sea.ReserveGPUVA(d.window, d.cfg.SeaBase(), sea.MapSize(), d.cfg.PageSize); err != nil {
			pool.Put()
			return nil, err
		}
	}

	if err := pool.Map(space); err != nil {
		pool.Put()
		return nil, err
	}

	as := &AddressSpace{
		dev:      d,
		name:     name,
		space:    space,
		pool:     pool,
		logger:   d.logger.With(utils.String("space", name)),
		channels: make(map[int]*channelEntry),
	}
	d.spaces[space.ID()] = as

	as.logger.Info("address space created",
		utils.Int("page", int(pool.PageIndex())),
		utils.Addr("sema_ro", pool.GPUVA(true)),
		utils.Addr("sema_rw", pool.GPUVA(false)),
	)
	return as, nil
}

// AddressSpaces lists live address spaces by name.
func (d *Device) AddressSpaces() []*AddressSpace {
	d.mu.Lock()
	out := make([]*AddressSpace, 0, len(d.spaces))
	for _, as := range d.spaces {
		out = append(out, as)
	}
	d.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

func (d *Device) allocChid() int {
	return int(d.nextChid.Add(1) - 1)
}

func (d *Device) forget(as *AddressSpace) {
	d.mu.Lock()
	delete(d.spaces, as.space.ID())
	d.mu.Unlock()
}

// Close tears down every address space, then the sea.
func (d *Device) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	gs := utils.NewGracefulShutdown(shutdownTimeout, d.logger)
	gs.Register("semaphore sea", func() error {
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.sea == nil {
			return nil
		}
		return d.sea.Destroy()
	})
	for _, as := range d.AddressSpaces() {
		gs.Register("address space "+as.name, as.Close)
	}

	err := gs.Shutdown(ctx)
	if err != nil {
		d.logger.Error("device close incomplete", utils.Err(err))
	} else {
		d.logger.Info("device closed")
	}
	return err
}
