// Package vm is the GPU virtual-address-space manager the semaphore code
// maps its backing pages through. It records mappings and resolves GPU
// virtual addresses back to backing memory; there are no page tables.
package vm

import (
	"fmt"
	"sort"
	"sync"

	"github.com/nmxmxh/semasea/kernel/mm/dma"
	"github.com/nmxmxh/semasea/kernel/utils"
)

// Perm is the access a mapping grants to GPU engines.
type Perm int

const (
	ReadOnly Perm = iota
	ReadWrite
)

func (p Perm) String() string {
	if p == ReadWrite {
		return "rw"
	}
	return "ro"
}

// AddressSpace is one GPU virtual memory context.
type AddressSpace interface {
	ID() string
	// MapFixed maps size bytes of mem at exactly base.
	MapFixed(mem dma.Memory, base, size uint64, perm Perm) (uint64, error)
	// Map maps size bytes of mem at an address chosen by the space.
	Map(mem dma.Memory, size uint64, perm Perm) (uint64, error)
	Unmap(va uint64) error
}

// FixedRange reserves fixed placements from a shared VA window.
type FixedRange interface {
	ReserveFixed(base, length, align uint64) (uint64, error)
	Release(base uint64) error
}

// Mapping is one live GPU VA -> backing memory mapping.
type Mapping struct {
	VA    uint64
	Size  uint64
	Mem   dma.Memory
	Perm  Perm
	Fixed bool
}

func (m *Mapping) contains(va uint64) bool {
	return va >= m.VA && va < m.VA+m.Size
}

func (m *Mapping) overlaps(base, size uint64) bool {
	return base < m.VA+m.Size && m.VA < base+size
}

// SpaceConfig lays out a Space: non-fixed mappings come from the user
// window [UserBase, UserBase+UserSize); fixed mappings must lie in
// [0, Limit) outside that window.
type SpaceConfig struct {
	Name     string
	UserBase uint64
	UserSize uint64
	Limit    uint64
}

// Space is the reference AddressSpace implementation.
type Space struct {
	id     string
	name   string
	limit  uint64
	user   *BuddyAllocator
	logger *utils.Logger

	mu       sync.RWMutex
	mappings map[uint64]*Mapping
}

func NewSpace(cfg SpaceConfig, logger *utils.Logger) (*Space, error) {
	if cfg.UserBase+cfg.UserSize > cfg.Limit {
		return nil, fmt.Errorf("user window [0x%x, 0x%x) exceeds VA limit 0x%x",
			cfg.UserBase, cfg.UserBase+cfg.UserSize, cfg.Limit)
	}
	user, err := NewBuddyAllocator(cfg.UserBase, cfg.UserSize)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = utils.NopLogger()
	}

	id := utils.GenerateID()
	return &Space{
		id:       id,
		name:     cfg.Name,
		limit:    cfg.Limit,
		user:     user,
		logger:   logger.With(utils.String("as", cfg.Name)),
		mappings: make(map[uint64]*Mapping),
	}, nil
}

func (s *Space) ID() string {
	return s.id
}

func (s *Space) Name() string {
	return s.name
}

func (s *Space) MapFixed(mem dma.Memory, base, size uint64, perm Perm) (uint64, error) {
	if base%MIN_VA_BLOCK != 0 {
		return 0, utils.NewDriverError(utils.ErrCodeOutOfRange, "fixed mapping base not page aligned").
			WithContext("va", utils.Hex(base))
	}
	if size == 0 || size > mem.Size() {
		return 0, utils.NewDriverError(utils.ErrCodeOutOfRange, "mapping larger than backing memory").
			WithContext("size", size)
	}
	if base+size > s.limit || base+size < base {
		return 0, utils.NewDriverError(utils.ErrCodeOutOfRange, "fixed mapping beyond VA limit").
			WithContext("va", utils.Hex(base))
	}
	if base < s.user.base+s.user.totalSize && s.user.base < base+size {
		return 0, utils.NewDriverError(utils.ErrCodeOutOfRange, "fixed mapping overlaps user window").
			WithContext("va", utils.Hex(base))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range s.mappings {
		if m.overlaps(base, size) {
			return 0, utils.NewDriverError(utils.ErrCodeAlreadyMapped, "fixed mapping overlaps existing mapping").
				WithContext("va", utils.Hex(base)).
				WithContext("existing", utils.Hex(m.VA))
		}
	}

	s.mappings[base] = &Mapping{VA: base, Size: size, Mem: mem, Perm: perm, Fixed: true}
	s.logger.Debug("mapped fixed",
		utils.Addr("va", base),
		utils.Uint64("size", size),
		utils.String("perm", perm.String()),
	)
	return base, nil
}

func (s *Space) Map(mem dma.Memory, size uint64, perm Perm) (uint64, error) {
	if size == 0 || size > mem.Size() {
		return 0, utils.NewDriverError(utils.ErrCodeOutOfRange, "mapping larger than backing memory").
			WithContext("size", size)
	}

	va, err := s.user.Allocate(size)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	s.mappings[va] = &Mapping{VA: va, Size: size, Mem: mem, Perm: perm}
	s.mu.Unlock()

	s.logger.Debug("mapped",
		utils.Addr("va", va),
		utils.Uint64("size", size),
		utils.String("perm", perm.String()),
	)
	return va, nil
}

func (s *Space) Unmap(va uint64) error {
	s.mu.Lock()
	m, ok := s.mappings[va]
	if ok {
		delete(s.mappings, va)
	}
	s.mu.Unlock()

	if !ok {
		return utils.NewDriverError(utils.ErrCodeNotMapped, "no mapping at address").
			WithContext("va", utils.Hex(va))
	}
	s.logger.Debug("unmapped", utils.Addr("va", va), utils.Bool("fixed", m.Fixed))
	if m.Fixed {
		return nil
	}
	return s.user.Free(va)
}

// Translate resolves va to backing memory for an access of kind access.
// A write through a read-only mapping fails with ErrPermission.
func (s *Space) Translate(va uint64, access Perm) (dma.Memory, uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, m := range s.mappings {
		if !m.contains(va) {
			continue
		}
		if access == ReadWrite && m.Perm == ReadOnly {
			return nil, 0, utils.NewDriverError(utils.ErrCodePermission, "write to read-only mapping").
				WithContext("va", utils.Hex(va))
		}
		return m.Mem, va - m.VA, nil
	}
	return nil, 0, utils.NewDriverError(utils.ErrCodeNotMapped, "GPU VA fault").
		WithContext("va", utils.Hex(va))
}

// Mappings returns a snapshot sorted by address.
func (s *Space) Mappings() []Mapping {
	s.mu.RLock()
	out := make([]Mapping, 0, len(s.mappings))
	for _, m := range s.mappings {
		out = append(out, *m)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].VA < out[j].VA })
	return out
}

func (s *Space) Stats() BuddyStats {
	return s.user.GetStats()
}
