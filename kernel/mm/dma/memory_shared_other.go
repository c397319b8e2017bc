//go:build !unix

package dma

import "errors"

// SharedMemory is unavailable on this platform.
type SharedMemory struct{ HostMemory }

type SharedMemoryOptions struct {
	Path   string
	Size   uint64
	Create bool
}

func DefaultSharedMemoryPath() string {
	return ""
}

func OpenSharedMemory(opts SharedMemoryOptions) (*SharedMemory, error) {
	return nil, errors.New("shared memory backing requires a unix platform")
}

func (s *SharedMemory) Path() string {
	return ""
}
