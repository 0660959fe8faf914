package stack

import (
	"errors"
	"fmt"

	"github.com/daimatz/gcrt/pkg/object"
)

// TypeChecker resolves exception classes. *object.ClassTable implements it.
type TypeChecker interface {
	ClassOf(obj object.Addr) object.Class
	IsSupertypeOf(sup, sub object.Class) bool
}

// Unwind is returned up the call chain while an exception propagates.
// Target is the frame whose handler catches it, or nil when no frame does.
// Exception is not a root; the handler must store it in a root slot before
// allocating.
type Unwind struct {
	Exception object.Addr
	Class     object.Class
	Target    *Frame
	HandlerID int32
}

func (u *Unwind) Error() string {
	if u.Target == nil {
		return fmt.Sprintf("uncaught exception %v at 0x%08x", u.Class, uint32(u.Exception))
	}
	return fmt.Sprintf("exception %v at 0x%08x unwinding to handler %d", u.Class, uint32(u.Exception), u.HandlerID)
}

// Throw finds the nearest frame whose current call site has a handler for
// exc and returns the unwind signal targeting it. exc must not be null.
func (s *Stack) Throw(exc object.Addr, types TypeChecker) *Unwind {
	if exc == object.Null {
		panic("throw: null exception")
	}
	cls := types.ClassOf(exc)
	for f := s.top; f != nil; f = f.next {
		site, ok := s.CallSite(f.CallSite)
		if !ok {
			continue
		}
		for _, h := range site.Handlers {
			if h.Class.IsNull() || types.IsSupertypeOf(h.Class, cls) {
				return &Unwind{Exception: exc, Class: cls, Target: f, HandlerID: h.ID}
			}
		}
	}
	return &Unwind{Exception: exc, Class: cls}
}

// Call runs body in a new frame of size root slots. The previous top is
// restored however body returns.
func (s *Stack) Call(size int, body func(f *Frame) error) error {
	f, err := s.Push(size)
	if err != nil {
		return err
	}
	defer func() {
		s.top = f.next
		s.depth = f.depth - 1
	}()
	return body(f)
}

// Catch consumes err if it is an unwind targeting f, making f the top frame
// again.
func (s *Stack) Catch(err error, f *Frame) (*Unwind, bool) {
	var u *Unwind
	if !errors.As(err, &u) || u.Target != f {
		return nil, false
	}
	s.top = f
	s.depth = f.depth
	return u, true
}
