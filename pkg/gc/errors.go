package gc

import (
	"fmt"

	"github.com/daimatz/gcrt/pkg/object"
)

// CorruptionError reports a heap invariant violation detected by the
// tracer. It is always fatal.
type CorruptionError struct {
	Op     string
	Addr   object.Addr
	Detail string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("%s: %s at 0x%08x", e.Op, e.Detail, uint32(e.Addr))
}

// OutOfMemoryError reports that an allocation could not be satisfied even
// after a collection and growing the heap to its maximum.
type OutOfMemoryError struct {
	Requested uint64
	Available uint64
	Max       uint64
}

func (e *OutOfMemoryError) Error() string {
	return fmt.Sprintf("out of memory: requested %d bytes, heap %d of max %d bytes", e.Requested, e.Available, e.Max)
}
