//go:build unix

package memory

import (
	"fmt"

	"golang.org/x/sys/unix"
)

const defaultKind = KindMmap

// mmapBacking reserves an inaccessible anonymous mapping and flips page
// protections as the committed prefix moves.
type mmapBacking struct {
	mem       []byte
	committed uint64
	page      uint64
}

func newMmapBacking() (Backing, error) {
	return &mmapBacking{page: uint64(unix.Getpagesize())}, nil
}

func (m *mmapBacking) Reserve(size uint64) error {
	if m.mem != nil {
		return fmt.Errorf("mmap: already reserved")
	}
	size = roundUp(size, m.page)
	if size == 0 {
		size = m.page
	}
	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return fmt.Errorf("mmap: reserving %d bytes: %w", size, err)
	}
	m.mem = mem
	return nil
}

func (m *mmapBacking) Commit(size uint64) error {
	if size <= m.committed {
		return nil
	}
	if size > uint64(len(m.mem)) {
		return fmt.Errorf("mmap: commit %d exceeds reservation %d", size, len(m.mem))
	}
	if err := unix.Mprotect(m.mem[m.committed:size], unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return fmt.Errorf("mmap: committing %d bytes: %w", size-m.committed, err)
	}
	m.committed = size
	return nil
}

func (m *mmapBacking) Decommit(size uint64) error {
	if size >= m.committed {
		return nil
	}
	tail := m.mem[size:m.committed]
	// MADV_DONTNEED does not zero pages on every unix.
	clear(tail)
	if err := unix.Madvise(tail, unix.MADV_DONTNEED); err != nil {
		return fmt.Errorf("mmap: releasing %d bytes: %w", len(tail), err)
	}
	if err := unix.Mprotect(tail, unix.PROT_NONE); err != nil {
		return fmt.Errorf("mmap: protecting %d bytes: %w", len(tail), err)
	}
	m.committed = size
	return nil
}

func (m *mmapBacking) Bytes() []byte {
	return m.mem[:m.committed]
}

func (m *mmapBacking) PageSize() uint64 {
	return m.page
}

func (m *mmapBacking) Release() error {
	if m.mem == nil {
		return nil
	}
	err := unix.Munmap(m.mem)
	m.mem = nil
	m.committed = 0
	return err
}
