package gc

import "github.com/daimatz/gcrt/pkg/object"

// Listener receives the collector protocol notifications. Allocation and
// phase hooks are called in order: GCStarted, MarkStarted, MarkCompleted,
// SweepStarted, SweepCompleted, DefragStarted, DefragCompleted, GCCompleted.
// Corrupted receives damage the collector finds on its own heap walks; the
// collector panics with err if Corrupted returns.
type Listener interface {
	Allocate(addr object.Addr, size uint32)
	Free(addr object.Addr, size uint32)
	AssertFree(addr object.Addr, size uint32)
	Mark(addr object.Addr)
	Move(from, to object.Addr, size uint32)

	GCStarted(full bool)
	MarkStarted()
	MarkCompleted()
	SweepStarted()
	SweepCompleted()
	DefragStarted()
	DefragCompleted()
	GCCompleted()

	HeapResized(newSize uint64)
	ReportDirtyRegion(addr object.Addr)
	Corrupted(err *CorruptionError)
}
