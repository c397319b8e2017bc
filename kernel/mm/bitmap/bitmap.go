// Package bitmap implements the fixed-capacity "first free bit" allocator
// used for sea pages and for hardware semaphore slots inside a pool.
//
// A Bitmap does no locking of its own. Callers serialize access.
package bitmap

import (
	"errors"

	"github.com/bits-and-blooms/bitset"
)

// ErrFull is returned by Allocate when every index is in use.
var ErrFull = errors.New("bitmap full")

type Bitmap struct {
	bits     *bitset.BitSet
	capacity uint
}

func New(capacity uint) *Bitmap {
	return &Bitmap{
		bits:     bitset.New(capacity),
		capacity: capacity,
	}
}

// Allocate sets and returns the lowest clear index.
func (b *Bitmap) Allocate() (uint, error) {
	idx, ok := b.bits.NextClear(0)
	if !ok || idx >= b.capacity {
		return 0, ErrFull
	}
	b.bits.Set(idx)
	return idx, nil
}

// Release clears idx and reports whether it was set. Releasing an index
// that was never allocated leaves the bitmap unchanged and returns false;
// the caller decides how loudly to complain.
func (b *Bitmap) Release(idx uint) bool {
	if idx >= b.capacity || !b.bits.Test(idx) {
		return false
	}
	b.bits.Clear(idx)
	return true
}

func (b *Bitmap) Test(idx uint) bool {
	return idx < b.capacity && b.bits.Test(idx)
}

func (b *Bitmap) InUse() uint {
	return b.bits.Count()
}

func (b *Bitmap) Capacity() uint {
	return b.capacity
}

func (b *Bitmap) Full() bool {
	return b.InUse() == b.capacity
}
