// Package shm provides the anonymous shared-memory segment the pool
// registry lives in. A Go process cannot fork() safely (the runtime's
// background threads would not survive it), so a mapping created before
// fork cannot simply be inherited the way a C supervisor inherits its
// registry across fork(). Instead the segment is backed by a memfd: the
// supervisor creates it, mmaps it, and passes the descriptor to each
// re-exec'd worker via ExtraFiles; the worker mmaps the same descriptor
// independently. Both processes then observe the same physical pages,
// and ordinary atomic instructions on those pages (see internal/registry)
// provide the cross-process spinlock the spec calls for.
package shm

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Segment is a region of memory backed by a memfd and shared across
// processes that mmap the same descriptor.
type Segment struct {
	file *os.File
	data []byte
}

// Create allocates a new anonymous shared-memory segment of the given
// size. The returned Segment owns a memfd; pass Segment.File() to a child
// process's ExtraFiles to share it.
func Create(name string, size int) (*Segment, error) {
	fd, err := unix.MemfdCreate(name, 0)
	if err != nil {
		return nil, fmt.Errorf("memfd_create: %w", err)
	}
	f := os.NewFile(uintptr(fd), name)

	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		return nil, fmt.Errorf("truncate shared segment: %w", err)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap shared segment: %w", err)
	}

	return &Segment{file: f, data: data}, nil
}

// Open maps an existing shared-memory segment from an inherited file
// descriptor. Used by a re-exec'd worker to attach to the segment its
// supervisor created.
func Open(fd uintptr, size int) (*Segment, error) {
	f := os.NewFile(fd, "poolcore-registry")
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap inherited segment: %w", err)
	}
	return &Segment{file: f, data: data}, nil
}

// Bytes returns the raw mapped memory. Callers are responsible for any
// synchronization (the registry package serializes access with a spinlock
// stored in this same memory).
func (s *Segment) Bytes() []byte {
	return s.data
}

// File returns the backing memfd, for handing to exec.Cmd.ExtraFiles.
func (s *Segment) File() *os.File {
	return s.file
}

// Close unmaps the segment and closes the descriptor.
func (s *Segment) Close() error {
	if err := unix.Munmap(s.data); err != nil {
		return fmt.Errorf("munmap: %w", err)
	}
	return s.file.Close()
}
