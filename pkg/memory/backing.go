package memory

import "fmt"

// Backing provides the address range behind one Area. Sizes passed to
// Commit and Decommit are absolute committed sizes, already rounded to
// PageSize.
type Backing interface {
	// Reserve sets aside size bytes of address space without committing them.
	Reserve(size uint64) error
	// Commit grows the committed prefix to size bytes. New bytes read as zero.
	Commit(size uint64) error
	// Decommit shrinks the committed prefix to size bytes.
	Decommit(size uint64) error
	// Bytes returns the committed prefix. The slice is invalidated by the
	// next Commit or Decommit.
	Bytes() []byte
	PageSize() uint64
	Release() error
}

// Kind selects a Backing implementation.
type Kind string

const (
	KindAuto Kind = "auto"
	KindMmap Kind = "mmap"
	KindWasm Kind = "wasm"
)

// NewBacking creates an unreserved backing of the given kind.
func NewBacking(kind Kind) (Backing, error) {
	switch kind {
	case KindAuto, "":
		return NewBacking(defaultKind)
	case KindMmap:
		return newMmapBacking()
	case KindWasm:
		return newWasmBacking(), nil
	}
	return nil, fmt.Errorf("unknown backing %q", kind)
}

func roundUp(n, align uint64) uint64 {
	return (n + align - 1) / align * align
}
