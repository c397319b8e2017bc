// Package engine simulates a GPU engine executing channel semaphore
// commands against an address space.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/nmxmxh/semasea/kernel/channel"
	"github.com/nmxmxh/semasea/kernel/mm/dma"
	"github.com/nmxmxh/semasea/kernel/mm/vm"
	"github.com/nmxmxh/semasea/kernel/semaphore"
	"github.com/nmxmxh/semasea/kernel/utils"
	"go.uber.org/multierr"
)

const DefaultPollInterval = 100 * time.Microsecond

// Translator resolves GPU virtual addresses. *vm.Space implements it.
type Translator interface {
	Translate(va uint64, access vm.Perm) (dma.Memory, uint64, error)
}

type Config struct {
	Name string
	// PollInterval is how often a stalled acquire is re-checked.
	PollInterval time.Duration
	Clock        clock.Clock
	Logger       *utils.Logger
}

// Stats counts what an engine has executed.
type Stats struct {
	Releases int
	Acquires int
	Nops     int
	Stalls   int
	Faults   int
	Pending  int
}

// Engine executes commands in submission order. An acquire whose counter
// has not been reached stalls everything behind it.
type Engine struct {
	name     string
	space    Translator
	clock    clock.Clock
	interval time.Duration
	logger   *utils.Logger

	mu     sync.Mutex
	queue  []channel.Cmd
	stats  Stats
	faults error

	wake chan struct{}
}

func New(space Translator, cfg Config) *Engine {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = utils.NopLogger()
	}
	return &Engine{
		name:     cfg.Name,
		space:    space,
		clock:    cfg.Clock,
		interval: cfg.PollInterval,
		logger:   cfg.Logger.Named("engine").With(utils.String("engine", cfg.Name)),
		wake:     make(chan struct{}, 1),
	}
}

func (e *Engine) Name() string {
	return e.name
}

// Submit appends cmds to the queue and wakes the run loop.
func (e *Engine) Submit(cmds ...channel.Cmd) {
	e.mu.Lock()
	e.queue = append(e.queue, cmds...)
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.stats
	s.Pending = len(e.queue)
	return s
}

// Faults returns every fault raised so far, combined.
func (e *Engine) Faults() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.faults
}

// Step executes the head of the queue. It reports false when the queue is
// empty or the head is an unsatisfied acquire. A faulting command is
// dropped and its error returned.
func (e *Engine) Step() (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.queue) == 0 {
		return false, nil
	}
	cmd := e.queue[0]

	switch cmd.Op {
	case channel.OpNop:
		e.stats.Nops++

	case channel.OpRelease:
		mem, off, err := e.space.Translate(cmd.VA, vm.ReadWrite)
		if err == nil {
			err = mem.AtomicStore32(off, cmd.Payload)
		}
		if err != nil {
			return true, e.faultLocked(cmd, err)
		}
		e.stats.Releases++

	case channel.OpAcquire:
		mem, off, err := e.space.Translate(cmd.VA, vm.ReadOnly)
		var current uint32
		if err == nil {
			current, err = mem.AtomicLoad32(off)
		}
		if err != nil {
			return true, e.faultLocked(cmd, err)
		}
		if !semaphore.ValueReleased(cmd.Payload, current) {
			e.stats.Stalls++
			return false, nil
		}
		e.stats.Acquires++
	}

	e.queue = e.queue[1:]
	return true, nil
}

func (e *Engine) faultLocked(cmd channel.Cmd, err error) error {
	e.queue = e.queue[1:]
	e.stats.Faults++
	err = utils.WrapError(err, "engine "+e.name+" fault on "+cmd.String())
	e.faults = multierr.Append(e.faults, err)
	e.logger.Error("engine fault",
		utils.String("cmd", cmd.String()),
		utils.Err(err),
	)
	return err
}

// Drain steps until the queue is empty or stalled. Faults do not stop it.
func (e *Engine) Drain() error {
	var errs error
	for {
		progressed, err := e.Step()
		errs = multierr.Append(errs, err)
		if !progressed {
			return errs
		}
	}
}

// Run drains the queue whenever work is submitted and re-polls stalled
// acquires every PollInterval until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	ticker := e.clock.Ticker(e.interval)
	defer ticker.Stop()

	e.logger.Debug("engine started", utils.Duration("poll", e.interval))
	for {
		_ = e.Drain()

		select {
		case <-ctx.Done():
			e.logger.Debug("engine stopped", utils.Int("pending", e.Pending()))
			return ctx.Err()
		case <-e.wake:
		case <-ticker.C:
		}
	}
}

// Idle blocks until the queue is empty or ctx is done.
func (e *Engine) Idle(ctx context.Context) error {
	ticker := e.clock.Ticker(e.interval)
	defer ticker.Stop()

	for e.Pending() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}
