// Package dma provides host-visible backing memory for GPU-written data and
// the contiguous allocator the driver carves it from.
package dma

import "errors"

// Memory is a contiguous, host-visible buffer that GPU engines write into.
// Implementations may be backed by a plain byte slice or by a shared
// memory-mapped file.
type Memory interface {
	Size() uint64
	ReadAt(offset uint64, dest []byte) error
	WriteAt(offset uint64, src []byte) error
	AtomicLoad32(offset uint64) (uint32, error)
	AtomicStore32(offset uint64, val uint32) error
	AtomicAdd32(offset uint64, delta uint32) (uint32, error)
	Close() error
}

var ErrOutOfBounds = errors.New("offset out of bounds")
var ErrMisaligned = errors.New("offset is not 4-byte aligned")
var ErrClosed = errors.New("memory already freed")

// Fill32 writes val into every aligned 32-bit word of mem.
func Fill32(mem Memory, val uint32) error {
	size := mem.Size() &^ 3
	for off := uint64(0); off < size; off += 4 {
		if err := mem.AtomicStore32(off, val); err != nil {
			return err
		}
	}
	return nil
}

func inBounds(offset, length, size uint64) bool {
	end := offset + length
	return end >= offset && end <= size
}
