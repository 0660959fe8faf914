package vm

import (
	"fmt"

	"github.com/daimatz/gcrt/pkg/intern"
	"github.com/daimatz/gcrt/pkg/object"
)

// hold parks v in scratch slot i for the duration of one allocation.
func (vm *VM) hold(i int, v object.Addr) { vm.Space.SetRef(vm.scratch[i], v) }

// release returns the possibly moved value of scratch slot i and clears it.
func (vm *VM) release(i int) object.Addr {
	v := vm.Space.Ref(vm.scratch[i])
	vm.Space.SetRef(vm.scratch[i], object.Null)
	return v
}

// NewObject allocates a zeroed instance of cls, which must be neither an
// array nor a primitive class.
func (vm *VM) NewObject(cls object.Class) object.Addr {
	if cls.IsArray() || cls.IsPrimitive() {
		panic(fmt.Sprintf("new object: %s is not an instance class", cls))
	}
	return vm.GC.AllocObject(cls)
}

// NewArray allocates an array of length items of class item.
func (vm *VM) NewArray(item object.Class, length uint32) object.Addr {
	return vm.GC.AllocArray(vm.Classes.ArrayClassOf(item), length)
}

// NewString allocates a heap string with the contents of s.
func (vm *VM) NewString(s string) object.Addr {
	units := object.EncodeUTF16(s)
	chars := vm.GC.AllocArray(vm.Classes.CharArray, uint32(len(units)/2))
	vm.Space.WriteChars(chars, units)

	vm.hold(0, chars)
	str := vm.GC.AllocObject(vm.Classes.String)
	vm.GC.WriteRef(str, object.OffsetStringChars, vm.release(0))
	return str
}

// Literal returns an immortal string in the static image.
func (vm *VM) Literal(s string) object.Addr { return vm.Classes.Literal(s) }

// Intern returns the canonical string equal to str.
func (vm *VM) Intern(str object.Addr) object.Addr { return vm.Strings.Intern(str) }

// GoString decodes a managed string.
func (vm *VM) GoString(str object.Addr) string { return vm.Space.GoString(str) }

// SetRef stores v in the reference field at obj+offset.
func (vm *VM) SetRef(obj object.Addr, offset uint32, v object.Addr) {
	vm.GC.WriteRef(obj, offset, v)
}

// Ref loads the reference field at obj+offset.
func (vm *VM) Ref(obj object.Addr, offset uint32) object.Addr {
	return vm.Space.Ref(obj + object.Addr(offset))
}

func (vm *VM) elementOffset(arr object.Addr, i uint32) uint32 {
	if n := vm.Space.ArrayLength(arr); i >= n {
		panic(fmt.Sprintf("array index out of range: index=%d, length=%d", i, n))
	}
	return uint32(vm.Classes.ArrayData(arr)-arr) + i*object.PointerSize
}

// SetElement stores v at index i of the object array arr.
func (vm *VM) SetElement(arr object.Addr, i uint32, v object.Addr) {
	vm.GC.WriteRef(arr, vm.elementOffset(arr, i), v)
}

// Element loads index i of the object array arr.
func (vm *VM) Element(arr object.Addr, i uint32) object.Addr {
	return vm.Ref(arr, vm.elementOffset(arr, i))
}

// Field finds the named instance field of cls or its superclasses.
func (vm *VM) Field(cls object.Class, name string) (object.Field, bool) {
	for c := cls; !c.IsNull(); c = c.Superclass() {
		for _, f := range c.Fields() {
			if f.Name == name {
				return f, true
			}
		}
	}
	return object.Field{}, false
}

// StaticField finds the named static field declared by cls.
func (vm *VM) StaticField(cls object.Class, name string) (object.StaticField, bool) {
	for _, f := range cls.StaticFields() {
		if f.Name == name {
			return f, true
		}
	}
	return object.StaticField{}, false
}

// AddStaticRoot creates a null static slot that keeps its referent alive.
func (vm *VM) AddStaticRoot() object.Addr { return vm.Statics.Alloc() }

// SetStatic stores v in the static slot.
func (vm *VM) SetStatic(slot, v object.Addr) { vm.Space.SetRef(slot, v) }

// Static loads the static slot.
func (vm *VM) Static(slot object.Addr) object.Addr { return vm.Space.Ref(slot) }

// NewReferenceQueue allocates an empty reference queue.
func (vm *VM) NewReferenceQueue() object.Addr {
	return vm.GC.AllocObject(vm.Classes.ReferenceQueue)
}

// NewReference allocates a weak reference to referent, registered with
// queue, which may be null.
func (vm *VM) NewReference(referent, queue object.Addr) object.Addr {
	vm.hold(0, referent)
	vm.hold(1, queue)
	ref := vm.GC.AllocObject(vm.Classes.Reference)
	referent, queue = vm.release(0), vm.release(1)
	vm.refs.Init(ref, referent, queue)
	return ref
}

// Get returns the referent of ref, or null once it was cleared.
func (vm *VM) Get(ref object.Addr) object.Addr { return vm.refs.Get(ref) }

// Clear drops the referent of ref.
func (vm *VM) Clear(ref object.Addr) { vm.refs.Clear(ref) }

// Enqueue adds ref to its queue. It reports false when ref has no queue or
// is already enqueued.
func (vm *VM) Enqueue(ref object.Addr) bool { return vm.refs.Enqueue(ref) }

// Poll removes the head of queue, or returns null.
func (vm *VM) Poll(queue object.Addr) object.Addr { return vm.refs.Poll(queue) }

// NewResourceMap builds a read-only map of literal strings.
func (vm *VM) NewResourceMap(entries map[string]string) *intern.ResourceMap {
	resources := make([]intern.Resource, 0, len(entries))
	for k, v := range entries {
		resources = append(resources, intern.Resource{Key: vm.Literal(k), Value: vm.Literal(v)})
	}
	return intern.NewResourceMap(vm.Space, resources)
}

// ResourceKeys returns the keys of m as a String[]. The keys must not live
// in the heap.
func (vm *VM) ResourceKeys(m *intern.ResourceMap) object.Addr {
	keys := m.Keys()
	arr := vm.NewArray(vm.Classes.String, uint32(len(keys)))
	for i, k := range keys {
		vm.SetElement(arr, uint32(i), k)
	}
	return arr
}
