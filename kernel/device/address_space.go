package device

import (
	"sort"
	"sync"

	"github.com/nmxmxh/semasea/kernel/channel"
	"github.com/nmxmxh/semasea/kernel/mm/vm"
	"github.com/nmxmxh/semasea/kernel/semaphore"
	"github.com/nmxmxh/semasea/kernel/utils"
	"go.uber.org/multierr"
)

type channelEntry struct {
	cs *channel.Sync
}

// AddressSpace is a GPU VA space with its semaphore pool mapped.
type AddressSpace struct {
	dev    *Device
	name   string
	space  *vm.Space
	pool   *semaphore.Pool
	logger *utils.Logger

	mu       sync.Mutex
	channels map[int]*channelEntry
	closed   bool
}

func (a *AddressSpace) Name() string {
	return a.name
}

func (a *AddressSpace) Space() *vm.Space {
	return a.space
}

func (a *AddressSpace) Pool() *semaphore.Pool {
	return a.pool
}

// OpenChannel creates a channel in this address space with a device-wide
// channel id and its own hardware semaphore.
func (a *AddressSpace) OpenChannel() (*channel.Sync, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil, utils.ErrInvariant("channel opened on closed address space").
			WithContext("space", a.name)
	}

	chid := a.dev.allocChid()
	cs, err := channel.NewSync(a.pool, chid, a.dev.logger)
	if err != nil {
		a.logger.Error("failed to create channel", utils.Int("chid", chid), utils.Err(err))
		return nil, err
	}
	a.channels[chid] = &channelEntry{cs: cs}

	a.logger.Debug("channel opened",
		utils.Int("chid", chid),
		utils.Addr("sema", cs.HwSemaphore().GPUVA()),
	)
	return cs, nil
}

// CloseChannel destroys a channel opened here.
func (a *AddressSpace) CloseChannel(chid int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	entry, ok := a.channels[chid]
	if !ok {
		return utils.ErrInvariant("unknown channel").
			WithContext("space", a.name).
			WithContext("chid", chid)
	}
	delete(a.channels, chid)
	entry.cs.Destroy()
	return nil
}

// Channels returns the open channels ordered by id.
func (a *AddressSpace) Channels() []*channel.Sync {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]*channel.Sync, 0, len(a.channels))
	for _, e := range a.channels {
		out = append(out, e.cs)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChannelID() < out[j].ChannelID() })
	return out
}

// Close destroys remaining channels, unmaps the pool and drops the space's
// pool reference. Semaphores still held elsewhere keep the pool's page.
func (a *AddressSpace) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	for chid, e := range a.channels {
		e.cs.Destroy()
		delete(a.channels, chid)
	}
	a.mu.Unlock()

	err := a.pool.Unmap(a.space)
	a.pool.Put()
	a.dev.forget(a)

	if mappings := a.space.Mappings(); len(mappings) > 0 {
		err = multierr.Append(err, utils.ErrInvariant("mappings left after address space close").
			WithContext("space", a.name).
			WithContext("count", len(mappings)))
	}

	a.logger.Info("address space closed")
	return err
}
