//go:build unix

package dma

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// SharedMemory is backing memory in a memory-mapped file, so another
// process (a hardware model, a debugger) can observe or post semaphore
// values while the driver runs.
type SharedMemory struct {
	path string
	file *os.File
	data []byte
	size uint64
}

// SharedMemoryOptions configures shared memory creation/opening.
type SharedMemoryOptions struct {
	Path   string
	Size   uint64
	Create bool
}

// DefaultSharedMemoryPath returns the default shared memory path.
func DefaultSharedMemoryPath() string {
	if _, err := os.Stat("/dev/shm"); err == nil {
		return "/dev/shm/semasea"
	}
	return filepath.Join(os.TempDir(), "semasea")
}

// OpenSharedMemory opens or creates a shared memory mapping.
func OpenSharedMemory(opts SharedMemoryOptions) (*SharedMemory, error) {
	if opts.Path == "" {
		return nil, errors.New("shared memory path required")
	}

	path := filepath.Clean(opts.Path)
	flags := os.O_RDWR
	if opts.Create {
		flags |= os.O_CREATE
	}

	file, err := os.OpenFile(path, flags, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open shared memory file: %w", err)
	}

	if opts.Create {
		if opts.Size == 0 {
			_ = file.Close()
			return nil, errors.New("shared memory size required when creating")
		}
		if err := file.Truncate(int64(opts.Size)); err != nil {
			_ = file.Close()
			return nil, fmt.Errorf("truncate shared memory file: %w", err)
		}
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("stat shared memory file: %w", err)
	}
	if info.Size() == 0 {
		_ = file.Close()
		return nil, errors.New("shared memory file has zero size")
	}
	size := uint64(info.Size())

	data, err := unix.Mmap(int(file.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("mmap shared memory file: %w", err)
	}

	return &SharedMemory{
		path: path,
		file: file,
		data: data,
		size: size,
	}, nil
}

func (s *SharedMemory) Path() string {
	return s.path
}

func (s *SharedMemory) Size() uint64 {
	return s.size
}

func (s *SharedMemory) ReadAt(offset uint64, dest []byte) error {
	if !inBounds(offset, uint64(len(dest)), s.size) {
		return ErrOutOfBounds
	}
	copy(dest, s.data[offset:offset+uint64(len(dest))])
	return nil
}

func (s *SharedMemory) WriteAt(offset uint64, src []byte) error {
	if !inBounds(offset, uint64(len(src)), s.size) {
		return ErrOutOfBounds
	}
	copy(s.data[offset:offset+uint64(len(src))], src)
	return nil
}

func (s *SharedMemory) AtomicLoad32(offset uint64) (uint32, error) {
	ptr, err := s.ptrAt(offset)
	if err != nil {
		return 0, err
	}
	return atomic.LoadUint32((*uint32)(ptr)), nil
}

func (s *SharedMemory) AtomicStore32(offset uint64, val uint32) error {
	ptr, err := s.ptrAt(offset)
	if err != nil {
		return err
	}
	atomic.StoreUint32((*uint32)(ptr), val)
	return nil
}

func (s *SharedMemory) AtomicAdd32(offset uint64, delta uint32) (uint32, error) {
	ptr, err := s.ptrAt(offset)
	if err != nil {
		return 0, err
	}
	return atomic.AddUint32((*uint32)(ptr), delta), nil
}

func (s *SharedMemory) Close() error {
	var err error
	if s.data != nil {
		if unmapErr := unix.Munmap(s.data); unmapErr != nil {
			err = unmapErr
		}
		s.data = nil
		s.size = 0
	}
	if s.file != nil {
		if closeErr := s.file.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
		s.file = nil
	}
	return err
}

func (s *SharedMemory) ptrAt(offset uint64) (unsafe.Pointer, error) {
	if s.data == nil {
		return nil, ErrClosed
	}
	if !inBounds(offset, 4, s.size) {
		return nil, ErrOutOfBounds
	}
	if offset%4 != 0 {
		return nil, ErrMisaligned
	}
	return unsafe.Pointer(&s.data[offset]), nil
}
