// Package channel builds the semaphore commands a channel pushes to its
// engine: a release after each job and acquires that order it behind other
// channels' jobs.
package channel

import (
	"fmt"

	"github.com/nmxmxh/semasea/kernel/semaphore"
	"github.com/nmxmxh/semasea/kernel/utils"
)

type Op int

const (
	OpNop Op = iota
	// OpAcquire stalls the engine until the counter at VA reaches Payload.
	OpAcquire
	// OpRelease writes Payload to VA once prior work completes.
	OpRelease
)

func (o Op) String() string {
	switch o {
	case OpAcquire:
		return "acquire"
	case OpRelease:
		return "release"
	default:
		return "nop"
	}
}

// Cmd is one semaphore method in a channel's command stream.
type Cmd struct {
	Op      Op
	VA      uint64
	Payload uint32
	// WFI makes a release wait for the engine to idle first.
	WFI  bool
	Chid int
}

func (c Cmd) String() string {
	if c.Op == OpNop {
		return fmt.Sprintf("ch%d nop", c.Chid)
	}
	return fmt.Sprintf("ch%d %s va=0x%x payload=0x%x wfi=%t", c.Chid, c.Op, c.VA, c.Payload, c.WFI)
}

// Sync is the semaphore state of one channel.
type Sync struct {
	chid   int
	hw     *semaphore.HwSemaphore
	logger *utils.Logger
}

// NewSync binds a hardware semaphore from pool to channel chid.
func NewSync(pool *semaphore.Pool, chid int, logger *utils.Logger) (*Sync, error) {
	if logger == nil {
		logger = utils.NopLogger()
	}
	hw, err := semaphore.NewHwSemaphore(pool, chid)
	if err != nil {
		return nil, utils.WrapError(err, fmt.Sprintf("channel %d sync", chid))
	}
	return &Sync{
		chid:   chid,
		hw:     hw,
		logger: logger.Named("channel").With(utils.Int("chid", chid)),
	}, nil
}

func (s *Sync) ChannelID() int {
	return s.chid
}

func (s *Sync) HwSemaphore() *semaphore.HwSemaphore {
	return s.hw
}

// Incr reserves the channel's next threshold and returns the release
// command that posts it, with the fence for the job it follows. The caller
// owns one reference on the returned semaphore.
func (s *Sync) Incr(wfi bool) (Cmd, *semaphore.Semaphore, error) {
	sema, err := semaphore.NewSemaphore(s.hw)
	if err != nil {
		return Cmd{}, nil, err
	}
	va := sema.GPURWVA()
	if va == 0 {
		sema.Put()
		return Cmd{}, nil, utils.NewDriverError(utils.ErrCodeNotMapped, "channel semaphore pool not mapped").
			WithContext("chid", s.chid)
	}
	if err := sema.Prepare(s.hw); err != nil {
		sema.Put()
		return Cmd{}, nil, err
	}

	cmd := Cmd{
		Op:      OpRelease,
		VA:      va,
		Payload: sema.Value(),
		WFI:     wfi,
		Chid:    s.chid,
	}
	s.logger.Debug("semaphore incr", utils.String("cmd", cmd.String()))
	return cmd, sema, nil
}

// WaitCmd returns an acquire on sema's sea-wide address, usable from any
// channel. It consumes the caller's reference. A nil semaphore stands for
// an already expired fence and yields a nop.
func (s *Sync) WaitCmd(sema *semaphore.Semaphore) Cmd {
	if sema == nil {
		return Cmd{Op: OpNop, Chid: s.chid}
	}
	defer sema.Put()

	if !sema.CanWait() {
		s.logger.Warn("waiting on a semaphore with no threshold")
		return Cmd{Op: OpNop, Chid: s.chid}
	}

	cmd := Cmd{
		Op:      OpAcquire,
		VA:      sema.GPUROVA(),
		Payload: sema.Value(),
		Chid:    s.chid,
	}
	s.logger.Debug("semaphore wait", utils.String("cmd", cmd.String()))
	return cmd
}

// SetMinEqMax brings memory up to the last reserved threshold after a
// channel reset, so waiters on abandoned jobs are released.
func (s *Sync) SetMinEqMax() bool {
	changed := s.hw.FastForward()
	if changed {
		s.logger.Info("channel semaphore fast-forwarded", utils.Uint32("value", s.hw.Read()))
	}
	return changed
}

func (s *Sync) Destroy() {
	s.hw.Destroy()
}
