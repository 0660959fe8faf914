package object

import (
	"math"
	"testing"
)

func newImageObject(table *ClassTable, cls Class) Addr {
	sp := table.Space()
	obj := sp.AllocImage(cls.Size(), PointerSize)
	sp.SetHeader(obj, table.Header(cls))
	return obj
}

func TestReferenceQueue(t *testing.T) {
	table := newTestTable(t, 4)
	sp := table.Space()
	var barriers []Addr
	refs := References{Space: sp, Barrier: func(obj Addr) { barriers = append(barriers, obj) }}

	queue := newImageObject(table, table.ReferenceQueue)
	target := newImageObject(table, table.Object)
	a := newImageObject(table, table.Reference)
	b := newImageObject(table, table.Reference)
	orphan := newImageObject(table, table.Reference)
	refs.Init(a, target, queue)
	refs.Init(b, target, queue)
	refs.Init(orphan, target, Null)

	t.Run("get and clear", func(t *testing.T) {
		if got := refs.Get(a); got != target {
			t.Errorf("Get: got 0x%x, want 0x%x", got, target)
		}
		refs.Clear(orphan)
		if got := refs.Get(orphan); got != Null {
			t.Errorf("Get after Clear: got 0x%x, want null", got)
		}
		if len(barriers) == 0 {
			t.Error("stores did not go through the barrier")
		}
	})

	t.Run("enqueue is idempotent", func(t *testing.T) {
		if refs.IsEnqueued(a) {
			t.Fatal("fresh reference reports enqueued")
		}
		if !refs.Enqueue(a) {
			t.Fatal("first Enqueue failed")
		}
		if refs.Enqueue(a) {
			t.Error("second Enqueue succeeded")
		}
		if !refs.IsEnqueued(a) {
			t.Error("enqueued reference reports not enqueued")
		}
		if refs.Enqueue(orphan) {
			t.Error("Enqueue without a queue succeeded")
		}
	})

	t.Run("poll is FIFO", func(t *testing.T) {
		if !refs.Enqueue(b) {
			t.Fatal("Enqueue b failed")
		}
		if got := refs.Poll(queue); got != a {
			t.Errorf("first Poll: got 0x%x, want 0x%x", got, a)
		}
		if refs.IsEnqueued(a) {
			t.Error("polled reference still enqueued")
		}
		if got := refs.Poll(queue); got != b {
			t.Errorf("second Poll: got 0x%x, want 0x%x", got, b)
		}
		if got := refs.Poll(queue); got != Null {
			t.Errorf("Poll on empty queue: got 0x%x, want null", got)
		}
		if !refs.Enqueue(a) {
			t.Error("re-enqueue after poll failed")
		}
	})
}

func TestLiteral(t *testing.T) {
	table := newTestTable(t, 4)
	sp := table.Space()

	tests := []string{"", "abc", "héllo", "日本語", "😀"}
	for _, s := range tests {
		str := table.Literal(s)
		if got := sp.GoString(str); got != s {
			t.Errorf("GoString: got %q, want %q", got, s)
		}
		if table.ClassOf(str) != table.String {
			t.Errorf("%q: class got %v", s, table.ClassOf(str))
		}
		if table.ClassOf(sp.StringChars(str)) != table.CharArray {
			t.Errorf("%q: chars class got %v", s, table.ClassOf(sp.StringChars(str)))
		}
	}

	if n := sp.StringLength(table.Literal("😀")); n != 2 {
		t.Errorf("surrogate pair length: got %d, want 2", n)
	}
}

func TestWriteChars(t *testing.T) {
	table := newTestTable(t, 4)
	sp := table.Space()

	chars := sp.AllocImage(ArraySize(table.CharArray, 2), PointerSize)
	sp.SetHeader(chars, table.Header(table.CharArray))
	sp.SetUint32(chars+OffsetArrayLength, 2)
	guard := sp.AllocImage(PointerSize, PointerSize)
	sp.SetUint32(guard, 0xCAFEBABE)

	t.Run("fits", func(t *testing.T) {
		sp.WriteChars(chars, EncodeUTF16("hi"))
		if got, want := sp.Uint16(chars+ArrayHeaderSize+2), uint16('i'); got != want {
			t.Errorf("second unit: got %d, want %d", got, want)
		}
	})

	t.Run("longer than the array", func(t *testing.T) {
		func() {
			defer func() {
				err, ok := recover().(*AccessError)
				if !ok {
					t.Fatal("expected *AccessError panic")
				}
				if got, want := err.Addr, chars+ArrayHeaderSize+4; got != want {
					t.Errorf("Addr: got 0x%08x, want 0x%08x", uint32(got), uint32(want))
				}
				if got, want := err.Size, uint32(4); got != want {
					t.Errorf("Size: got %d, want %d", got, want)
				}
			}()
			sp.WriteChars(chars, EncodeUTF16("abcd"))
		}()
		if got := sp.Uint32(guard); got != 0xCAFEBABE {
			t.Errorf("neighbouring word: got 0x%08x, want 0xcafebabe", got)
		}
		if got := sp.Uint16(chars + ArrayHeaderSize); got != uint16('h') {
			t.Errorf("first unit overwritten: got %d", got)
		}
	})
}

func TestSpaceAccess(t *testing.T) {
	sp := newTestSpace(t)

	t.Run("float bit patterns", func(t *testing.T) {
		a := sp.HeapStart()
		sp.SetFloat64(a, math.Copysign(0, -1))
		if got := sp.Uint64(a); got != 0x8000_0000_0000_0000 {
			t.Errorf("negative zero bits: got 0x%x", got)
		}
		sp.SetFloat32(a, 1.5)
		if got := sp.Float32(a); got != 1.5 {
			t.Errorf("float32: got %v, want 1.5", got)
		}
	})

	t.Run("overlapping copy", func(t *testing.T) {
		a := sp.HeapStart() + 64
		for i := Addr(0); i < 8; i++ {
			sp.SetUint8(a+i, uint8(i+1))
		}
		sp.Copy(a+2, a, 6)
		want := []byte{1, 2, 1, 2, 3, 4, 5, 6}
		got := sp.Bytes(a, 8)
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("byte %d: got %d, want %d", i, got[i], want[i])
			}
		}
	})

	t.Run("out of range", func(t *testing.T) {
		for _, a := range []Addr{Null, ImageBase - 4, sp.ImageEnd() + 64, sp.HeapEnd()} {
			func() {
				defer func() {
					if _, ok := recover().(*AccessError); !ok {
						t.Errorf("0x%08x: expected *AccessError panic", uint32(a))
					}
				}()
				sp.Uint32(a)
			}()
		}
	})
}
