package vm

import (
	"fmt"
	"sync"

	"github.com/nmxmxh/semasea/kernel/utils"
)

// Buddy allocator for GPU virtual address ranges.
// Uses power-of-2 block sizes with automatic coalescing. Nothing is stored
// in the range itself; free lists live on the Go heap.

const (
	MIN_VA_BLOCK = 4096 // GPU small page
)

type BuddyAllocator struct {
	base      uint64
	totalSize uint64
	levels    int

	// Free blocks per level (0=4KB, 1=8KB, ...)
	freeLists []map[uint64]struct{}

	// Start address -> level for every allocated block
	allocated map[uint64]int

	mu sync.Mutex
}

// NewBuddyAllocator manages [base, base+size). base must be MIN_VA_BLOCK
// aligned; size is truncated to a whole number of blocks.
func NewBuddyAllocator(base, size uint64) (*BuddyAllocator, error) {
	if base%MIN_VA_BLOCK != 0 {
		return nil, fmt.Errorf("buddy base 0x%x not %d aligned", base, MIN_VA_BLOCK)
	}
	size -= size % MIN_VA_BLOCK
	if size == 0 {
		return nil, fmt.Errorf("buddy range smaller than one block")
	}

	levels := 1
	for (uint64(MIN_VA_BLOCK) << uint(levels)) <= size {
		levels++
	}

	ba := &BuddyAllocator{
		base:      base,
		totalSize: size,
		levels:    levels,
		freeLists: make([]map[uint64]struct{}, levels),
		allocated: make(map[uint64]int),
	}
	for i := range ba.freeLists {
		ba.freeLists[i] = make(map[uint64]struct{})
	}

	// Initialize free lists with largest possible blocks
	remaining := size
	current := base
	for remaining >= MIN_VA_BLOCK {
		level := levels - 1
		for level >= 0 {
			blockSize := ba.levelToSize(level)
			if blockSize <= remaining {
				ba.freeLists[level][current] = struct{}{}
				current += blockSize
				remaining -= blockSize
				break
			}
			level--
		}
	}

	return ba, nil
}

// Allocate returns the start of a free block of at least size bytes.
func (ba *BuddyAllocator) Allocate(size uint64) (uint64, error) {
	if size == 0 {
		size = MIN_VA_BLOCK
	}
	if size > ba.levelToSize(ba.levels-1) {
		return 0, utils.NewDriverError(utils.ErrCodeOutOfMemory, "VA request larger than window").
			WithContext("size", size)
	}

	ba.mu.Lock()
	defer ba.mu.Unlock()

	level := ba.sizeToLevel(size)
	addr, ok := ba.findFreeBlock(level)
	if !ok {
		return 0, utils.NewDriverError(utils.ErrCodeOutOfMemory, "GPU VA window exhausted").
			WithContext("size", size)
	}

	ba.allocated[addr] = level
	return addr, nil
}

// Free returns a block obtained from Allocate.
func (ba *BuddyAllocator) Free(addr uint64) error {
	ba.mu.Lock()
	defer ba.mu.Unlock()

	level, ok := ba.allocated[addr]
	if !ok {
		return utils.NewDriverError(utils.ErrCodeOutOfRange, "free of unallocated VA").
			WithContext("va", utils.Hex(addr))
	}
	delete(ba.allocated, addr)
	ba.coalesce(addr, level)
	return nil
}

// Contains reports whether va falls in the managed window.
func (ba *BuddyAllocator) Contains(va uint64) bool {
	return va >= ba.base && va < ba.base+ba.totalSize
}

// Helper: Convert size to level
func (ba *BuddyAllocator) sizeToLevel(size uint64) int {
	level := 0
	blockSize := uint64(MIN_VA_BLOCK)

	for blockSize < size && level < ba.levels-1 {
		blockSize *= 2
		level++
	}

	return level
}

// Helper: Convert level to size
func (ba *BuddyAllocator) levelToSize(level int) uint64 {
	return uint64(MIN_VA_BLOCK) << uint(level)
}

// lowest returns the lowest free block at level. Lowest-first keeps
// placement deterministic.
func (ba *BuddyAllocator) lowest(level int) (uint64, bool) {
	found := false
	var best uint64
	for addr := range ba.freeLists[level] {
		if !found || addr < best {
			best = addr
			found = true
		}
	}
	return best, found
}

// Helper: Find free block at level or split larger block
func (ba *BuddyAllocator) findFreeBlock(level int) (uint64, bool) {
	if addr, ok := ba.lowest(level); ok {
		delete(ba.freeLists[level], addr)
		return addr, true
	}

	for l := level + 1; l < ba.levels; l++ {
		if _, ok := ba.lowest(l); ok {
			return ba.splitBlock(l, level), true
		}
	}

	return 0, false
}

// Helper: Split block from higher level to target level
func (ba *BuddyAllocator) splitBlock(fromLevel, toLevel int) uint64 {
	addr, _ := ba.lowest(fromLevel)
	delete(ba.freeLists[fromLevel], addr)

	for level := fromLevel - 1; level >= toLevel; level-- {
		buddy := addr + ba.levelToSize(level)
		ba.freeLists[level][buddy] = struct{}{}
	}

	return addr
}

// Helper: Coalesce with buddy
func (ba *BuddyAllocator) coalesce(addr uint64, level int) {
	for level < ba.levels-1 {
		blockSize := ba.levelToSize(level)
		rel := addr - ba.base
		buddy := ba.base + (rel ^ blockSize)

		if _, free := ba.freeLists[level][buddy]; !free {
			break
		}
		delete(ba.freeLists[level], buddy)

		if buddy < addr {
			addr = buddy
		}
		level++
	}

	ba.freeLists[level][addr] = struct{}{}
}

// Statistics

type BuddyStats struct {
	TotalSize  uint64
	Allocated  uint64
	Free       uint64
	LevelStats []LevelStats
}

type LevelStats struct {
	Level      int
	BlockSize  uint64
	FreeBlocks int
}

func (ba *BuddyAllocator) GetStats() BuddyStats {
	ba.mu.Lock()
	defer ba.mu.Unlock()

	stats := BuddyStats{TotalSize: ba.totalSize}
	for _, level := range ba.allocated {
		stats.Allocated += ba.levelToSize(level)
	}
	stats.Free = ba.totalSize - stats.Allocated

	for level := 0; level < ba.levels; level++ {
		stats.LevelStats = append(stats.LevelStats, LevelStats{
			Level:      level,
			BlockSize:  ba.levelToSize(level),
			FreeBlocks: len(ba.freeLists[level]),
		})
	}
	return stats
}
