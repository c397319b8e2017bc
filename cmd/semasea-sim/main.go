// Command semasea-sim boots a simulated GPU, runs chained submissions on
// channels spread over several address spaces and checks that every
// semaphore fence is released.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nmxmxh/semasea/kernel/channel"
	"github.com/nmxmxh/semasea/kernel/device"
	"github.com/nmxmxh/semasea/kernel/engine"
	"github.com/nmxmxh/semasea/kernel/metrics"
	"github.com/nmxmxh/semasea/kernel/semaphore"
	"github.com/nmxmxh/semasea/kernel/utils"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

type options struct {
	configPath string
	spaces     int
	channels   int
	jobs       int
	abandon    int
	logLevel   string
	sharedPath string
	timeout    time.Duration
}

// lane is one channel with the engine that executes it.
type lane struct {
	as     *device.AddressSpace
	cs     *channel.Sync
	engine *engine.Engine
	fences []*semaphore.Semaphore
	cmds   []channel.Cmd
}

func main() {
	var opts options
	flag.StringVar(&opts.configPath, "config", "", "device config YAML")
	flag.IntVar(&opts.spaces, "spaces", 4, "address spaces to create")
	flag.IntVar(&opts.channels, "channels", 2, "channels per address space")
	flag.IntVar(&opts.jobs, "jobs", 64, "submissions per channel")
	flag.IntVar(&opts.abandon, "abandon", 0, "submissions per channel reserved but never run, recovered by fast-forward")
	flag.StringVar(&opts.logLevel, "log-level", "", "override config log level")
	flag.StringVar(&opts.sharedPath, "shared", "", "back the sea with a shared memory file at this path prefix")
	flag.DurationVar(&opts.timeout, "timeout", 30*time.Second, "give up if engines have not drained by then")
	flag.Parse()

	if err := run(opts); err != nil {
		fmt.Fprintln(os.Stderr, "semasea-sim:", err)
		os.Exit(1)
	}
}

func loadConfig(opts options) (device.Config, error) {
	cfg := device.DefaultConfig()
	if opts.configPath != "" {
		var err error
		if cfg, err = device.LoadConfig(opts.configPath); err != nil {
			return cfg, err
		}
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}
	if opts.sharedPath != "" {
		cfg.SharedPath = opts.sharedPath
	}
	return cfg, cfg.Validate()
}

func run(opts options) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	level, _ := utils.ParseLogLevel(cfg.LogLevel)
	logger := utils.NewLogger(utils.LoggerConfig{
		Level:     level,
		Component: "semasea-sim",
		Output:    os.Stderr,
		Colorize:  true,
	})
	utils.SetGlobalLogger(logger)
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	m := metrics.NewSemaphoreMetrics(reg)

	dev, err := device.New(cfg, device.WithLogger(logger), device.WithMetrics(m))
	if err != nil {
		return err
	}
	defer func() {
		if err := dev.Close(context.Background()); err != nil {
			logger.Error("device close failed", utils.Err(err))
		}
	}()

	lanes, err := buildLanes(dev, opts, logger)
	if err != nil {
		return err
	}
	if err := reserveFences(lanes, opts.jobs); err != nil {
		return err
	}
	buildCommands(lanes, opts.jobs)

	start := time.Now()
	if err := execute(ctx, lanes, opts.timeout); err != nil {
		return err
	}
	elapsed := time.Since(start)

	if err := verify(lanes); err != nil {
		return err
	}
	if opts.abandon > 0 {
		if err := recoverAbandoned(lanes, opts.abandon); err != nil {
			return err
		}
	}

	report(dev, lanes, reg, elapsed)
	for _, l := range lanes {
		for _, f := range l.fences {
			f.Put()
		}
	}
	return nil
}

func buildLanes(dev *device.Device, opts options, logger *utils.Logger) ([]*lane, error) {
	var lanes []*lane
	for i := 0; i < opts.spaces; i++ {
		as, err := dev.NewAddressSpace(fmt.Sprintf("as%d", i))
		if err != nil {
			return nil, err
		}
		for c := 0; c < opts.channels; c++ {
			cs, err := as.OpenChannel()
			if err != nil {
				return nil, err
			}
			lanes = append(lanes, &lane{
				as: as,
				cs: cs,
				engine: engine.New(as.Space(), engine.Config{
					Name:   fmt.Sprintf("ch%d", cs.ChannelID()),
					Logger: logger,
				}),
			})
		}
	}
	return lanes, nil
}

// reserveFences prepares every job's fence, one goroutine per channel.
func reserveFences(lanes []*lane, jobs int) error {
	var g errgroup.Group
	for _, l := range lanes {
		g.Go(func() error {
			l.fences = make([]*semaphore.Semaphore, 0, jobs)
			l.cmds = make([]channel.Cmd, 0, 2*jobs)
			for j := 0; j < jobs; j++ {
				cmd, fence, err := l.cs.Incr(j%8 == 0)
				if err != nil {
					return err
				}
				l.fences = append(l.fences, fence)
				l.cmds = append(l.cmds, cmd)
			}
			return nil
		})
	}
	return g.Wait()
}

// buildCommands makes job j of every channel wait for job j-1 of the
// previous channel, in whatever address space it lives.
func buildCommands(lanes []*lane, jobs int) {
	n := len(lanes)
	for i, l := range lanes {
		peer := lanes[(i+n-1)%n]
		releases := l.cmds
		l.cmds = make([]channel.Cmd, 0, 2*jobs)
		for j := 0; j < jobs; j++ {
			var dep *semaphore.Semaphore
			if j > 0 {
				dep = peer.fences[j-1].Get()
			}
			l.cmds = append(l.cmds, l.cs.WaitCmd(dep), releases[j])
		}
	}
}

func execute(ctx context.Context, lanes []*lane, timeout time.Duration) error {
	runCtx, cancel := context.WithCancel(ctx)
	var engines errgroup.Group
	for _, l := range lanes {
		e := l.engine
		engines.Go(func() error { return e.Run(runCtx) })
	}

	var submit errgroup.Group
	for _, l := range lanes {
		submit.Go(func() error {
			l.engine.Submit(l.cmds...)
			return nil
		})
	}
	_ = submit.Wait()

	idleCtx, idleCancel := context.WithTimeout(ctx, timeout)
	defer idleCancel()
	var idleErr error
	for _, l := range lanes {
		if err := l.engine.Idle(idleCtx); err != nil {
			idleErr = utils.WrapError(err, "engine "+l.engine.Name()+" did not drain")
			break
		}
	}

	cancel()
	if err := engines.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	if idleErr != nil {
		return idleErr
	}

	var faults error
	for _, l := range lanes {
		faults = multierr.Append(faults, l.engine.Faults())
	}
	return faults
}

func verify(lanes []*lane) error {
	for _, l := range lanes {
		for j, f := range l.fences {
			if !f.IsReleased() {
				return fmt.Errorf("channel %d job %d: fence 0x%x not released (counter 0x%x)",
					l.cs.ChannelID(), j, f.Value(), f.Read())
			}
		}
	}
	return nil
}

// recoverAbandoned reserves submissions that never reach an engine, as a
// hung channel would, then resets each channel and checks the abandoned
// fences were released.
func recoverAbandoned(lanes []*lane, count int) error {
	for _, l := range lanes {
		abandoned := make([]*semaphore.Semaphore, 0, count)
		for i := 0; i < count; i++ {
			_, fence, err := l.cs.Incr(false)
			if err != nil {
				return err
			}
			abandoned = append(abandoned, fence)
		}
		if !l.cs.SetMinEqMax() {
			return fmt.Errorf("channel %d: fast-forward made no progress", l.cs.ChannelID())
		}
		for _, f := range abandoned {
			released := f.IsReleased()
			f.Put()
			if !released {
				return fmt.Errorf("channel %d: abandoned fence 0x%x still pending", l.cs.ChannelID(), f.Value())
			}
		}
	}
	return nil
}

func report(dev *device.Device, lanes []*lane, reg *prometheus.Registry, elapsed time.Duration) {
	sea, err := dev.SemaphoreSea()
	if err != nil {
		return
	}
	stats := sea.Stats()
	fmt.Printf("device %s: %d/%d sea pages live, sea at 0x%x\n",
		dev.Config().Name, stats.LivePages, stats.Capacity, stats.GPUVA)
	for _, p := range stats.Pools {
		fmt.Printf("  page %3d: ro=0x%x rw=0x%x slots=%d/%d refs=%d\n",
			p.Page, p.GlobalVA, p.RWVA, p.SlotsInUse, p.SlotCapacity, p.Refs)
	}
	for _, l := range lanes {
		s := l.engine.Stats()
		fmt.Printf("  %s (%s): releases=%d acquires=%d nops=%d stalls=%d counter=0x%x\n",
			l.engine.Name(), l.as.Name(), s.Releases, s.Acquires, s.Nops, s.Stalls, l.cs.HwSemaphore().Read())
	}

	families, err := reg.Gather()
	if err != nil {
		return
	}
	for _, f := range families {
		for _, metric := range f.GetMetric() {
			value := metric.GetCounter().GetValue() + metric.GetGauge().GetValue()
			name := f.GetName()
			for _, lp := range metric.GetLabel() {
				name += fmt.Sprintf("{%s=%q}", lp.GetName(), lp.GetValue())
			}
			fmt.Printf("  %s %g\n", name, value)
		}
	}
	fences := 0
	for _, l := range lanes {
		fences += len(l.fences)
	}
	fmt.Printf("ran %d fences in %s\n", fences, elapsed)
}
