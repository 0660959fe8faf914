package vm

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daimatz/gcrt/pkg/object"
)

func TestNewObject(t *testing.T) {
	vm, _ := newTestVM(t, testConfig(t))
	node := defineNode(t, vm)

	obj := vm.NewObject(node)
	assert.Equal(t, node.Addr(), vm.Classes.ClassOf(obj).Addr())
	assert.Equal(t, object.Null, vm.Ref(obj, nodeNext))
	assert.Zero(t, vm.Space.Int32(obj+nodeValue))

	t.Run("array class", func(t *testing.T) {
		assert.Panics(t, func() { vm.NewObject(vm.Classes.CharArray) })
	})
}

func TestArrays(t *testing.T) {
	vm, _ := newTestVM(t, testConfig(t))
	node := defineNode(t, vm)
	f := push(t, vm, 1)

	arr := vm.NewArray(node, 3)
	f.Set(0, arr)
	assert.Equal(t, uint32(3), vm.Space.ArrayLength(arr))
	for i := uint32(0); i < 3; i++ {
		n := vm.NewObject(node)
		vm.Space.SetInt32(n+nodeValue, int32(i*10))
		vm.SetElement(f.Get(0), i, n)
	}

	vm.CollectFull()
	arr = f.Get(0)
	for i := uint32(0); i < 3; i++ {
		n := vm.Element(arr, i)
		require.NotEqual(t, object.Null, n)
		assert.Equal(t, int32(i*10), vm.Space.Int32(n+nodeValue))
	}

	t.Run("out of range", func(t *testing.T) {
		assert.PanicsWithValue(t, "array index out of range: index=3, length=3", func() {
			vm.Element(arr, 3)
		})
	})
}

func TestStrings(t *testing.T) {
	vm, _ := newTestVM(t, testConfig(t))

	a := vm.NewString("héllo")
	b := vm.NewString("héllo")
	assert.NotEqual(t, a, b)
	assert.Equal(t, "héllo", vm.GoString(a))
	assert.Equal(t, uint32(5), vm.Space.StringLength(a))

	canonical := vm.Intern(a)
	assert.Equal(t, canonical, vm.Intern(b))
	assert.NotEqual(t, canonical, vm.Intern(vm.NewString("hello")))

	lit := vm.Literal("héllo")
	assert.False(t, vm.Space.InHeap(lit))
	assert.Equal(t, "héllo", vm.GoString(lit))

	t.Run("interned strings survive", func(t *testing.T) {
		vm.CollectFull()
		got := vm.Intern(vm.NewString("héllo"))
		assert.True(t, vm.Space.InHeap(got))
		assert.Equal(t, "héllo", vm.GoString(got))
		vm.CheckHeap()
	})
}

func TestWeakReferences(t *testing.T) {
	vm, _ := newTestVM(t, testConfig(t))
	node := defineNode(t, vm)
	f := push(t, vm, 4)

	f.Set(0, vm.NewReferenceQueue())
	f.Set(1, vm.NewObject(node))
	// slot 2: reference to an unreachable object, slot 3: to slot 1.
	f.Set(2, vm.NewReference(vm.NewObject(node), f.Get(0)))
	f.Set(3, vm.NewReference(f.Get(1), f.Get(0)))
	assert.NotEqual(t, object.Null, vm.Get(f.Get(2)))

	vm.CollectFull()
	vm.CheckHeap()

	assert.Equal(t, object.Null, vm.Get(f.Get(2)), "unreachable referent is cleared")
	assert.Equal(t, f.Get(1), vm.Get(f.Get(3)))
	assert.Equal(t, f.Get(2), vm.Poll(f.Get(0)))
	assert.Equal(t, object.Null, vm.Poll(f.Get(0)))

	t.Run("manual enqueue", func(t *testing.T) {
		ref := f.Get(3)
		vm.Clear(ref)
		assert.Equal(t, object.Null, vm.Get(ref))
		assert.True(t, vm.Enqueue(ref))
		assert.False(t, vm.Enqueue(ref), "already enqueued")
		assert.Equal(t, ref, vm.Poll(f.Get(0)))
	})

	t.Run("no queue", func(t *testing.T) {
		ref := vm.NewReference(object.Null, object.Null)
		assert.False(t, vm.Enqueue(ref))
	})
}

func TestStaticRoots(t *testing.T) {
	vm, _ := newTestVM(t, testConfig(t))
	node := defineNode(t, vm)

	slot := vm.AddStaticRoot()
	assert.False(t, vm.Space.InHeap(slot))
	assert.Equal(t, object.Null, vm.Static(slot))

	// Garbage below the rooted object makes compaction move it.
	vm.NewObject(node)
	obj := vm.NewObject(node)
	vm.Space.SetInt32(obj+nodeValue, 77)
	vm.SetStatic(slot, obj)

	vm.CollectFull()
	moved := vm.Static(slot)
	assert.True(t, vm.Tracer.IsAllocated(moved))
	assert.Equal(t, int32(77), vm.Space.Int32(moved+nodeValue))
	assert.Equal(t, uint64(64*kib-16), vm.GC.FreeBytes())

	vm.SetStatic(slot, object.Null)
	vm.CollectFull()
	assert.Equal(t, uint64(64*kib), vm.GC.FreeBytes())
}

func TestResourceMap(t *testing.T) {
	vm, _ := newTestVM(t, testConfig(t))
	m := vm.NewResourceMap(map[string]string{
		"gc.region":  "2048",
		"gc.compact": "true",
		"gc.young":   "8",
	})
	assert.Equal(t, 3, m.Len())

	v, ok := m.Get("gc.compact")
	require.True(t, ok)
	assert.Equal(t, "true", vm.GoString(v))
	v, ok = m.Lookup(vm.NewString("gc.region"))
	require.True(t, ok)
	assert.Equal(t, "2048", vm.GoString(v))
	_, ok = m.Get("gc.missing")
	assert.False(t, ok)

	keys := vm.ResourceKeys(m)
	assert.Equal(t, "[Ljava/lang/String;", vm.Classes.ClassOf(keys).Name())
	var got []string
	for i := uint32(0); i < vm.Space.ArrayLength(keys); i++ {
		got = append(got, vm.GoString(vm.Element(keys, i)))
	}
	sort.Strings(got)
	assert.Equal(t, []string{"gc.compact", "gc.region", "gc.young"}, got)
}
