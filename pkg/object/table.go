package object

import (
	"fmt"
	"sync"

	"github.com/sigurn/crc16"
)

// CapacityError reports exhaustion of a fixed-capacity runtime table.
type CapacityError struct {
	What     string
	Capacity int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("%s exhausted (capacity %d)", e.What, e.Capacity)
}

var canaryTable = crc16.MakeTable(crc16.CRC16_XMODEM)

type classMeta struct {
	name         string
	fields       []Field
	staticFields []StaticField
	supertypeOf  func(sub Class) bool
}

// ClassTable owns every class record and the packed class pointer encoding.
type ClassTable struct {
	space *Space
	base  Addr
	meta  map[Addr]*classMeta
	order []Addr
	names map[string]Addr

	mu       sync.Mutex
	pool     Addr
	poolCap  int
	poolUsed int

	Object         Class
	ClassClass     Class
	String         Class
	Reference      Class
	ReferenceQueue Class
	ObjectArray    Class
	CharArray      Class
	primitives     [8]Class
}

// NewClassTable bootstraps the core classes in the image of space and
// computes the packing base. poolCapacity bounds the number of array
// classes created on demand.
func NewClassTable(space *Space, poolCapacity int) *ClassTable {
	t := &ClassTable{
		space:   space,
		meta:    make(map[Addr]*classMeta),
		names:   make(map[string]Addr),
		poolCap: poolCapacity,
	}

	t.Object = t.allocRecord(ClassSpec{Name: "java/lang/Object", Size: ObjectHeaderSize})
	t.meta[t.Object.addr].supertypeOf = func(sub Class) bool { return !sub.IsNull() && !sub.IsPrimitive() }
	t.ClassClass = t.allocRecord(ClassSpec{Name: "java/lang/Class", Superclass: t.Object, Size: ClassRecordSize})
	t.String = t.allocRecord(ClassSpec{
		Name:       "java/lang/String",
		Superclass: t.Object,
		Size:       StringSize,
		Fields: []Field{
			{Name: "characters", Offset: OffsetStringChars, Type: FieldObject},
			{Name: "hashCode", Offset: OffsetStringHash, Type: FieldInt},
		},
	})
	t.Reference = t.allocRecord(ClassSpec{
		Name:          "java/lang/ref/Reference",
		Superclass:    t.Object,
		Size:          ReferenceSize,
		ReferenceKind: WeakReference,
		Fields: []Field{
			{Name: "queue", Offset: OffsetRefQueue, Type: FieldObject},
			{Name: "referent", Offset: OffsetRefReferent, Type: FieldObject},
			{Name: "next", Offset: OffsetRefNext, Type: FieldObject},
		},
	})
	t.ReferenceQueue = t.allocRecord(ClassSpec{
		Name:          "java/lang/ref/ReferenceQueue",
		Superclass:    t.Object,
		Size:          ReferenceQueueSize,
		ReferenceKind: ReferenceQueueKind,
		Fields: []Field{
			{Name: "first", Offset: OffsetQueueFirst, Type: FieldObject},
			{Name: "last", Offset: OffsetQueueLast, Type: FieldObject},
		},
	})
	for k := Boolean; k <= Double; k++ {
		t.primitives[k] = t.allocPrimitive(k)
	}
	t.ObjectArray = t.allocRecord(ClassSpec{Name: "[Ljava/lang/Object;", Superclass: t.Object, Size: ArrayHeaderSize})
	t.linkArray(t.ObjectArray, t.Object)

	if poolCapacity > 0 {
		t.pool = space.AllocImage(uint32(poolCapacity)*ClassRecordSize, PointerSize)
	}

	t.base = t.order[0]
	for _, a := range t.order {
		if a < t.base {
			t.base = a
		}
	}
	t.base -= 4096

	// Names are managed strings, so they need String and char[] to exist.
	t.CharArray = t.ArrayClassOf(t.primitives[Char])
	for _, a := range t.order {
		t.finishRecord(Class{t: t, addr: a})
	}
	return t
}

// Space returns the address space the table lives in.
func (t *ClassTable) Space() *Space { return t.space }

// Base returns the packing base pointer.
func (t *ClassTable) Base() Addr { return t.base }

// Pack encodes a class record address into header bits.
func (t *ClassTable) Pack(cls Addr) uint32 {
	return uint32(cls-t.base) >> PointerShift
}

// Unpack decodes header class bits into a class record address.
func (t *ClassTable) Unpack(packed uint32) Addr {
	return t.base + Addr((packed&HeaderClassMask)<<PointerShift)
}

// Header returns a fresh object header for instances of cls.
func (t *ClassTable) Header(cls Class) uint32 { return t.Pack(cls.addr) }

// ClassOf returns the class of obj, or a null class for a free block.
func (t *ClassTable) ClassOf(obj Addr) Class {
	h := t.space.Header(obj)
	if h == 0 {
		return Class{}
	}
	return Class{t: t, addr: t.Unpack(h)}
}

// At returns the class whose record is at a.
func (t *ClassTable) At(a Addr) Class {
	if a == Null {
		return Class{}
	}
	return Class{t: t, addr: a}
}

// Known reports whether a is the address of a defined class record.
func (t *ClassTable) Known(a Addr) bool {
	_, ok := t.meta[a]
	return ok
}

// Verify checks that cls is a defined class whose canary is intact.
func (t *ClassTable) Verify(cls Class) bool {
	m := t.meta[cls.addr]
	if m == nil {
		return false
	}
	return t.space.Uint32(cls.addr+OffsetClassCanary) == uint32(crc16.Checksum([]byte(m.name), canaryTable))
}

// Lookup finds a class by name.
func (t *ClassTable) Lookup(name string) (Class, bool) {
	a, ok := t.names[name]
	if !ok {
		return Class{}, false
	}
	return Class{t: t, addr: a}, true
}

// Classes returns every class in definition order.
func (t *ClassTable) Classes() []Class {
	out := make([]Class, len(t.order))
	for i, a := range t.order {
		out[i] = Class{t: t, addr: a}
	}
	return out
}

// Primitive returns the primitive class of kind k.
func (t *ClassTable) Primitive(k PrimitiveKind) Class { return t.primitives[k] }

// Define creates a class record for spec.
func (t *ClassTable) Define(spec ClassSpec) (Class, error) {
	if spec.Name == "" {
		return Class{}, fmt.Errorf("define class: empty name")
	}
	if _, dup := t.names[spec.Name]; dup {
		return Class{}, fmt.Errorf("define class %s: already defined", spec.Name)
	}
	if spec.Superclass.IsNull() {
		spec.Superclass = t.Object
	}
	superSize := spec.Superclass.Size()
	if spec.Size == 0 {
		spec.Size = superSize
	}
	if spec.Size < superSize {
		return Class{}, fmt.Errorf("define class %s: size %d smaller than superclass size %d", spec.Name, spec.Size, superSize)
	}
	if spec.ReferenceKind == PlainObject {
		spec.ReferenceKind = spec.Superclass.ReferenceKind()
	}
	for _, f := range spec.Fields {
		if f.Offset < ObjectHeaderSize || f.Offset+f.Type.Size() > alignUp(spec.Size, PointerSize) {
			return Class{}, fmt.Errorf("define class %s: field %s at offset %d outside instance", spec.Name, f.Name, f.Offset)
		}
	}
	cls := t.allocRecord(spec)
	t.finishRecord(cls)
	return cls, nil
}

func (t *ClassTable) allocRecord(spec ClassSpec) Class {
	sp := t.space
	a := sp.AllocImage(ClassRecordSize, PointerSize)
	cls := Class{t: t, addr: a}
	flags := uint32(spec.ReferenceKind) << referenceKindShift
	sp.SetUint32(a+OffsetClassSize, alignUp(spec.Size, PointerSize))
	sp.SetUint32(a+OffsetClassFlags, flags)
	sp.SetInt32(a+OffsetClassTag, spec.Tag)
	sp.SetRef(a+OffsetClassSuperclass, spec.Superclass.addr)

	// The first class of a reference kind keeps its pointer fields out of the
	// layout table; the collector treats them specially.
	kindRoot := !spec.Superclass.IsNull() && spec.ReferenceKind != spec.Superclass.ReferenceKind()
	var layout []uint32
	for _, f := range spec.Fields {
		if f.Type.IsReference() && !kindRoot {
			layout = append(layout, f.Offset)
		}
	}
	if len(layout) > 0 {
		table := sp.AllocImage(uint32(2+2*len(layout)), 2)
		sp.SetUint16(table, uint16(len(layout)))
		for i, off := range layout {
			sp.SetUint16(table+2+Addr(2*i), uint16(off))
		}
		sp.SetRef(a+OffsetClassLayout, table)
	}

	m := &classMeta{name: spec.Name, fields: spec.Fields, staticFields: spec.StaticFields}
	m.supertypeOf = func(sub Class) bool {
		for c := sub; !c.IsNull(); c = c.Superclass() {
			if c.addr == a {
				return true
			}
		}
		return false
	}
	t.meta[a] = m
	t.order = append(t.order, a)
	t.names[spec.Name] = a
	return cls
}

func (t *ClassTable) allocPrimitive(k PrimitiveKind) Class {
	cls := t.allocRecord(ClassSpec{Name: k.String(), Size: k.Size()})
	flags := FlagPrimitive | uint32(k)<<primitiveKindShift
	t.space.SetUint32(cls.addr+OffsetClassFlags, flags)
	// Size of a primitive class is its item size, not rounded.
	t.space.SetUint32(cls.addr+OffsetClassSize, k.Size())
	t.meta[cls.addr].supertypeOf = func(sub Class) bool { return sub.addr == cls.addr }
	return cls
}

// finishRecord stamps the header, name and canary. It needs the packing
// base and the string classes.
func (t *ClassTable) finishRecord(cls Class) {
	sp := t.space
	name := t.meta[cls.addr].name
	sp.SetHeader(cls.addr, t.Header(t.ClassClass))
	sp.SetUint32(cls.addr+OffsetClassCanary, uint32(crc16.Checksum([]byte(name), canaryTable)))
	sp.SetRef(cls.addr+OffsetClassName, t.Literal(name))
	sp.SetRef(cls.addr+OffsetClassSimpleName, t.Literal(simpleName(name)))
}

func simpleName(name string) string {
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '/' || name[i] == '$' {
			return name[i+1:]
		}
	}
	return name
}

func (t *ClassTable) linkArray(arrayCls, item Class) {
	sp := t.space
	sp.SetRef(arrayCls.addr+OffsetClassItemType, item.addr)
	sp.SetRef(item.addr+OffsetClassArrayType, arrayCls.addr)
	t.meta[arrayCls.addr].supertypeOf = func(sub Class) bool {
		subItem := sub.ItemType()
		if subItem.IsNull() {
			return false
		}
		if item.IsPrimitive() || subItem.IsPrimitive() {
			return subItem.addr == item.addr
		}
		return t.IsSupertypeOf(item, subItem)
	}
}

// ArrayClassOf returns the array class with items of class item, creating
// it from the array class pool on first use. Pool exhaustion panics with a
// *CapacityError.
func (t *ClassTable) ArrayClassOf(item Class) Class {
	t.mu.Lock()
	defer t.mu.Unlock()

	if a := item.ArrayType(); !a.IsNull() {
		return a
	}
	if t.poolUsed >= t.poolCap {
		panic(&CapacityError{What: "array class pool", Capacity: t.poolCap})
	}
	a := t.pool + Addr(t.poolUsed*ClassRecordSize)
	t.poolUsed++

	sp := t.space
	sp.Copy(a, t.ObjectArray.addr, ClassRecordSize)
	sp.SetRef(a+OffsetClassArrayType, Null)
	name := arrayName(item)
	t.meta[a] = &classMeta{name: name}
	t.order = append(t.order, a)
	t.names[name] = a
	arrayCls := Class{t: t, addr: a}
	t.linkArray(arrayCls, item)
	if t.String.addr != Null && !t.CharArray.IsNull() {
		t.finishRecord(arrayCls)
	}
	return arrayCls
}

func arrayName(item Class) string {
	switch {
	case item.IsPrimitive():
		return "[" + string(item.PrimitiveKind().Descriptor())
	case item.IsArray():
		return "[" + item.Name()
	default:
		return "[L" + item.Name() + ";"
	}
}

// IsSupertypeOf reports whether values of class sub are assignable to sup.
func (t *ClassTable) IsSupertypeOf(sup, sub Class) bool {
	m := t.meta[sup.addr]
	if m == nil || sub.IsNull() {
		return false
	}
	return m.supertypeOf(sub)
}

// ArrayBytes returns the byte size of an array of class cls with length
// elements. It does not overflow for any length.
func ArrayBytes(cls Class, length uint32) uint64 {
	itemSize := uint64(cls.ItemSize())
	size := uint64(alignUp(ArrayHeaderSize, uint32(itemSize))) + uint64(length)*itemSize
	return (size + PointerSize - 1) &^ (PointerSize - 1)
}

// ArraySize is ArrayBytes for arrays that fit the address space, which
// every allocated array does.
func ArraySize(cls Class, length uint32) uint32 {
	return uint32(ArrayBytes(cls, length))
}

// ArrayData returns the address of the first element of arr.
func (t *ClassTable) ArrayData(arr Addr) Addr {
	cls := t.ClassOf(arr)
	return arr + Addr(alignUp(ArrayHeaderSize, cls.ItemSize()))
}

// ObjectSize returns the byte size of obj: the instance size of its class or
// the size of the array.
func (t *ClassTable) ObjectSize(obj Addr) uint32 {
	cls := t.ClassOf(obj)
	if cls.IsArray() {
		return ArraySize(cls, t.space.ArrayLength(obj))
	}
	return cls.Size()
}
