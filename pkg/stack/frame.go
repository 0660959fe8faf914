package stack

import (
	"fmt"

	"github.com/daimatz/gcrt/pkg/object"
)

// Frame is one shadow stack frame: a fixed number of root slots and the
// call site the frame is currently suspended at.
type Frame struct {
	next     *Frame
	depth    int
	CallSite int32
	roots    []object.Addr
}

// Next returns the caller's frame.
func (f *Frame) Next() *Frame { return f.next }

// Size returns the number of root slots.
func (f *Frame) Size() int { return len(f.roots) }

// Get returns the reference in root slot index.
func (f *Frame) Get(index int) object.Addr {
	return *f.Slot(index)
}

// Set stores a reference in root slot index.
func (f *Frame) Set(index int, a object.Addr) {
	*f.Slot(index) = a
}

// Release clears root slot index once its value is dead.
func (f *Frame) Release(index int) {
	*f.Slot(index) = object.Null
}

// Slot returns a pointer to root slot index, for the collector to rewrite.
func (f *Frame) Slot(index int) *object.Addr {
	if index < 0 || index >= len(f.roots) {
		panic(fmt.Sprintf("root slot index out of range: index=%d, max=%d", index, len(f.roots)))
	}
	return &f.roots[index]
}
