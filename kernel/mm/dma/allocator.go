package dma

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"

	"github.com/nmxmxh/semasea/kernel/utils"
)

// Allocator hands out physically contiguous, host-visible buffers.
type Allocator interface {
	// AllocContiguous returns a buffer of at least size bytes, or an error
	// matching utils.ErrOutOfMemory.
	AllocContiguous(size uint64) (Memory, error)
	Free(mem Memory) error
}

// HostAllocator allocates from process memory, optionally capped by a byte
// budget so callers can exercise out-of-memory paths. With SharedPath set,
// each allocation is a separate memory-mapped file under that prefix.
type HostAllocator struct {
	budget     uint64
	sharedPath string

	mu        sync.Mutex
	allocated uint64
	live      map[Memory]uint64
	seq       int
}

// HostAllocatorConfig configures a HostAllocator. Zero Budget means unlimited.
type HostAllocatorConfig struct {
	Budget     uint64
	SharedPath string
}

func NewHostAllocator(cfg HostAllocatorConfig) *HostAllocator {
	return &HostAllocator{
		budget:     cfg.Budget,
		sharedPath: cfg.SharedPath,
		live:       make(map[Memory]uint64),
	}
}

func (a *HostAllocator) AllocContiguous(size uint64) (Memory, error) {
	if size == 0 {
		return nil, utils.NewDriverError(utils.ErrCodeOutOfMemory, "zero-sized contiguous allocation")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.budget != 0 && a.allocated+size > a.budget {
		return nil, utils.NewDriverError(utils.ErrCodeOutOfMemory, "dma budget exhausted").
			WithContext("requested", size).
			WithContext("available", a.budget-a.allocated)
	}

	var mem Memory
	if a.sharedPath != "" {
		a.seq++
		shm, err := OpenSharedMemory(SharedMemoryOptions{
			Path:   fmt.Sprintf("%s.%d", a.sharedPath, a.seq),
			Size:   size,
			Create: true,
		})
		if err != nil {
			return nil, utils.WrapDriverError(utils.ErrCodeOutOfMemory, "shared backing allocation failed", err)
		}
		mem = shm
	} else {
		mem = NewHostMemory(size)
	}

	a.allocated += size
	a.live[mem] = size
	return mem, nil
}

func (a *HostAllocator) Free(mem Memory) error {
	a.mu.Lock()
	size, ok := a.live[mem]
	if ok {
		delete(a.live, mem)
		a.allocated -= size
	}
	a.mu.Unlock()

	if !ok {
		return utils.ErrInvariant("free of memory not owned by allocator")
	}
	if err := mem.Close(); err != nil {
		return err
	}
	if shm, isShared := mem.(interface{ Path() string }); isShared {
		return removeBacking(shm.Path())
	}
	return nil
}

// Allocated reports bytes currently handed out.
func (a *HostAllocator) Allocated() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocated
}

func removeBacking(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
