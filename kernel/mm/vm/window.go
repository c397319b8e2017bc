package vm

import (
	"sync"

	"github.com/nmxmxh/semasea/kernel/utils"
)

// KernelWindow is a FixedRange over a VA window that every address space
// lays out identically, so a placement reserved once is valid in all of them.
type KernelWindow struct {
	base  uint64
	limit uint64

	mu       sync.Mutex
	reserved map[uint64]uint64 // base -> length
}

func NewKernelWindow(base, limit uint64) *KernelWindow {
	return &KernelWindow{
		base:     base,
		limit:    limit,
		reserved: make(map[uint64]uint64),
	}
}

func (w *KernelWindow) Base() uint64 {
	return w.base
}

func (w *KernelWindow) Limit() uint64 {
	return w.limit
}

func (w *KernelWindow) ReserveFixed(base, length, align uint64) (uint64, error) {
	if align == 0 || base%align != 0 {
		return 0, utils.NewDriverError(utils.ErrCodeOutOfRange, "fixed reservation misaligned").
			WithContext("va", utils.Hex(base)).
			WithContext("align", align)
	}
	end := base + length
	if length == 0 || end < base || base < w.base || end > w.limit {
		return 0, utils.NewDriverError(utils.ErrCodeOutOfRange, "fixed reservation outside kernel window").
			WithContext("va", utils.Hex(base)).
			WithContext("length", length)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	for b, l := range w.reserved {
		if base < b+l && b < end {
			return 0, utils.NewDriverError(utils.ErrCodeNoSpace, "fixed reservation overlaps").
				WithContext("va", utils.Hex(base)).
				WithContext("existing", utils.Hex(b))
		}
	}
	w.reserved[base] = length
	return base, nil
}

func (w *KernelWindow) Release(base uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.reserved[base]; !ok {
		return utils.NewDriverError(utils.ErrCodeNotMapped, "no reservation at address").
			WithContext("va", utils.Hex(base))
	}
	delete(w.reserved, base)
	return nil
}
