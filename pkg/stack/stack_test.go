package stack

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daimatz/gcrt/pkg/memory"
	"github.com/daimatz/gcrt/pkg/object"
)

func TestPushPop(t *testing.T) {
	t.Run("LIFO order", func(t *testing.T) {
		s := New(0)
		a, _ := s.Push(1)
		b, _ := s.Push(2)
		c, _ := s.Push(0)

		if s.Top() != c || c.Next() != b || b.Next() != a || a.Next() != nil {
			t.Fatal("frames are not linked in push order")
		}
		if s.Depth() != 3 {
			t.Errorf("depth: got %d, want 3", s.Depth())
		}
		s.Pop(c)
		s.Pop(b)
		if s.Top() != a {
			t.Errorf("top after two pops: got %p, want %p", s.Top(), a)
		}
		s.Pop(a)
		if s.Top() != nil || s.Depth() != 0 {
			t.Errorf("stack not empty: top=%p depth=%d", s.Top(), s.Depth())
		}
	})

	t.Run("popping a non-top frame panics", func(t *testing.T) {
		s := New(0)
		a, _ := s.Push(1)
		s.Push(1)
		assert.Panics(t, func() { s.Pop(a) })
	})

	t.Run("overflow", func(t *testing.T) {
		s := New(2)
		s.Push(0)
		s.Push(0)
		_, err := s.Push(0)
		if !errors.Is(err, ErrStackOverflow) {
			t.Errorf("got %v, want ErrStackOverflow", err)
		}
	})
}

func TestRootSlots(t *testing.T) {
	s := New(0)
	outer, _ := s.Push(2)
	inner, _ := s.Push(3)
	outer.Set(0, 0x4000_0010)
	inner.Set(1, 0x4000_0020)
	inner.Set(2, 0x4000_0030)
	inner.Release(2)

	var got []object.Addr
	s.Roots(func(slot *object.Addr) { got = append(got, *slot) })
	// 内側のフレームから順に列挙される
	assert.Equal(t, []object.Addr{0x4000_0020, 0x4000_0010}, got)

	t.Run("slots can be rewritten", func(t *testing.T) {
		s.Roots(func(slot *object.Addr) { *slot += 0x100 })
		assert.Equal(t, object.Addr(0x4000_0110), outer.Get(0))
		assert.Equal(t, object.Addr(0x4000_0120), inner.Get(1))
	})

	t.Run("popped frames are not scanned", func(t *testing.T) {
		s.Pop(inner)
		var n int
		s.Roots(func(*object.Addr) { n++ })
		assert.Equal(t, 1, n)
	})

	t.Run("index out of range", func(t *testing.T) {
		assert.Panics(t, func() { outer.Get(2) })
		assert.Panics(t, func() { outer.Set(-1, object.Null) })
	})
}

func newTestClasses(t *testing.T) *object.ClassTable {
	t.Helper()
	mem, err := memory.Init(memory.Options{Min: 1 << 16, Max: 1 << 20, RegionSize: 2048, Backing: memory.KindWasm})
	require.NoError(t, err)
	t.Cleanup(func() { mem.Release() })
	return object.NewClassTable(object.NewSpace(mem), 4)
}

func newException(table *object.ClassTable, cls object.Class) object.Addr {
	sp := table.Space()
	exc := sp.AllocImage(cls.Size(), object.PointerSize)
	sp.SetHeader(exc, table.Header(cls))
	return exc
}

func TestThrowAndCatch(t *testing.T) {
	table := newTestClasses(t)
	throwable, err := table.Define(object.ClassSpec{Name: "java/lang/Throwable", Size: 8})
	require.NoError(t, err)
	ioErr, err := table.Define(object.ClassSpec{Name: "java/io/IOException", Superclass: throwable})
	require.NoError(t, err)
	stateErr, err := table.Define(object.ClassSpec{Name: "java/lang/IllegalStateException", Superclass: throwable})
	require.NoError(t, err)

	s := New(0)
	catchIO := s.RegisterCallSites(
		CallSite{Handlers: []Handler{{ID: 7, Class: ioErr}}, Location: &Location{File: "Main.java", Class: "Main", Method: "run", Line: 12}},
		CallSite{Handlers: []Handler{{ID: 9}}},
		CallSite{Location: &Location{File: "Main.java", Class: "Main", Method: "work", Line: 30}},
	)
	catchAll, plain := catchIO+1, catchIO+2

	t.Run("nearest matching handler", func(t *testing.T) {
		exc := newException(table, ioErr)
		var caught *Unwind
		err := s.Call(1, func(outer *Frame) error {
			outer.CallSite = catchIO
			err := s.Call(2, func(inner *Frame) error {
				inner.CallSite = plain
				return s.Throw(exc, table)
			})
			u, ok := s.Catch(err, outer)
			if !ok {
				return err
			}
			caught = u
			if s.Top() != outer {
				t.Error("top was not reset to the catching frame")
			}
			return nil
		})
		require.NoError(t, err)
		require.NotNil(t, caught)
		assert.Equal(t, int32(7), caught.HandlerID)
		assert.Equal(t, exc, caught.Exception)
		assert.Equal(t, 0, s.Depth())
	})

	t.Run("null exception", func(t *testing.T) {
		err := s.Call(0, func(f *Frame) error {
			f.CallSite = catchAll
			assert.PanicsWithValue(t, "throw: null exception", func() { s.Throw(object.Null, table) })
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 0, s.Depth())
	})

	t.Run("skips handlers of other classes", func(t *testing.T) {
		exc := newException(table, stateErr)
		err := s.Call(0, func(outer *Frame) error {
			outer.CallSite = catchAll
			return s.Call(0, func(inner *Frame) error {
				inner.CallSite = catchIO
				u := s.Throw(exc, table)
				assert.Equal(t, outer, u.Target)
				assert.Equal(t, int32(9), u.HandlerID)
				return u
			})
		})
		var u *Unwind
		require.True(t, errors.As(err, &u))
		assert.Equal(t, stateErr, u.Class)
	})

	t.Run("uncaught", func(t *testing.T) {
		exc := newException(table, stateErr)
		err := s.Call(0, func(f *Frame) error {
			f.CallSite = plain
			return s.Throw(exc, table)
		})
		var u *Unwind
		require.True(t, errors.As(err, &u))
		assert.Nil(t, u.Target)
		assert.Contains(t, u.Error(), "uncaught exception")
		assert.Nil(t, s.Top())
	})
}
