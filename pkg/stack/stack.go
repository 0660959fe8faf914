package stack

import (
	"errors"
	"fmt"

	"github.com/daimatz/gcrt/pkg/object"
)

// ErrStackOverflow is returned by Push when the frame limit is reached.
var ErrStackOverflow = errors.New("stack overflow")

// Handler is one exception handler of a call site. A null Class catches
// everything.
type Handler struct {
	ID    int32
	Class object.Class
}

// Location is the source position of a call site.
type Location struct {
	File   string
	Class  string
	Method string
	Line   int32
}

// CallSite describes a point where a frame may be suspended.
type CallSite struct {
	Handlers []Handler
	Location *Location
}

// Stack is the shadow call stack. Frames are pushed on method entry and
// popped on return in strict LIFO order.
type Stack struct {
	top       *Frame
	depth     int
	maxDepth  int
	callSites []CallSite
}

// New creates an empty stack allowing at most maxDepth frames.
func New(maxDepth int) *Stack {
	return &Stack{maxDepth: maxDepth}
}

// Top returns the innermost frame, or nil.
func (s *Stack) Top() *Frame { return s.top }

// Depth returns the number of live frames.
func (s *Stack) Depth() int { return s.depth }

// Push links a frame with size root slots on top of the stack.
func (s *Stack) Push(size int) (*Frame, error) {
	if s.maxDepth > 0 && s.depth >= s.maxDepth {
		return nil, fmt.Errorf("%w: frame depth exceeded %d", ErrStackOverflow, s.maxDepth)
	}
	s.depth++
	f := &Frame{next: s.top, depth: s.depth, CallSite: -1, roots: make([]object.Addr, size)}
	s.top = f
	return f, nil
}

// Pop removes f, which must be the top frame.
func (s *Stack) Pop(f *Frame) {
	if f != s.top {
		panic(fmt.Sprintf("shadow stack discipline violated: popping frame at depth %d, top is at depth %d", f.depth, s.depth))
	}
	s.top = f.next
	s.depth = f.depth - 1
}

// Walk visits frames from the top until fn returns false.
func (s *Stack) Walk(fn func(f *Frame) bool) {
	for f := s.top; f != nil; f = f.next {
		if !fn(f) {
			return
		}
	}
}

// Roots calls fn with every non-null root slot of every live frame.
func (s *Stack) Roots(fn func(slot *object.Addr)) {
	for f := s.top; f != nil; f = f.next {
		for i := range f.roots {
			if f.roots[i] != object.Null {
				fn(&f.roots[i])
			}
		}
	}
}

// RegisterCallSites appends call sites and returns the id of the first.
func (s *Stack) RegisterCallSites(sites ...CallSite) int32 {
	id := int32(len(s.callSites))
	s.callSites = append(s.callSites, sites...)
	return id
}

// CallSite looks up a registered call site.
func (s *Stack) CallSite(id int32) (CallSite, bool) {
	if id < 0 || int(id) >= len(s.callSites) {
		return CallSite{}, false
	}
	return s.callSites[id], true
}
