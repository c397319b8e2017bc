package dma

import (
	"sync/atomic"
	"unsafe"
)

// HostMemory stores backing data in a local byte slice. The slice is
// allocated as []uint32 so every word offset is naturally aligned.
type HostMemory struct {
	words []uint32
	data  []byte
}

// NewHostMemory creates host memory of the requested size, rounded up to a
// whole 32-bit word.
func NewHostMemory(size uint64) *HostMemory {
	words := make([]uint32, (size+3)/4)
	var data []byte
	if len(words) > 0 {
		data = unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), size)
	}
	return &HostMemory{
		words: words,
		data:  data,
	}
}

func (m *HostMemory) Size() uint64 {
	return uint64(len(m.data))
}

func (m *HostMemory) ReadAt(offset uint64, dest []byte) error {
	if !inBounds(offset, uint64(len(dest)), m.Size()) {
		return ErrOutOfBounds
	}
	copy(dest, m.data[offset:offset+uint64(len(dest))])
	return nil
}

func (m *HostMemory) WriteAt(offset uint64, src []byte) error {
	if !inBounds(offset, uint64(len(src)), m.Size()) {
		return ErrOutOfBounds
	}
	copy(m.data[offset:offset+uint64(len(src))], src)
	return nil
}

func (m *HostMemory) AtomicLoad32(offset uint64) (uint32, error) {
	ptr, err := m.ptrAt(offset)
	if err != nil {
		return 0, err
	}
	return atomic.LoadUint32(ptr), nil
}

func (m *HostMemory) AtomicStore32(offset uint64, val uint32) error {
	ptr, err := m.ptrAt(offset)
	if err != nil {
		return err
	}
	atomic.StoreUint32(ptr, val)
	return nil
}

func (m *HostMemory) AtomicAdd32(offset uint64, delta uint32) (uint32, error) {
	ptr, err := m.ptrAt(offset)
	if err != nil {
		return 0, err
	}
	return atomic.AddUint32(ptr, delta), nil
}

func (m *HostMemory) Close() error {
	m.words = nil
	m.data = nil
	return nil
}

func (m *HostMemory) ptrAt(offset uint64) (*uint32, error) {
	if m.data == nil {
		return nil, ErrClosed
	}
	if !inBounds(offset, 4, m.Size()) {
		return nil, ErrOutOfBounds
	}
	if offset%4 != 0 {
		return nil, ErrMisaligned
	}
	return &m.words[offset/4], nil
}
