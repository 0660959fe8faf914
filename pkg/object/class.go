package object

import "fmt"

// Class record layout. A class record is itself an object of class Class.
const (
	OffsetClassSize       = 8
	OffsetClassFlags      = 12
	OffsetClassTag        = 16
	OffsetClassCanary     = 20
	OffsetClassName       = 24
	OffsetClassItemType   = 28
	OffsetClassArrayType  = 32
	OffsetClassSuperclass = 36
	OffsetClassLayout     = 40
	OffsetClassSimpleName = 44
	ClassRecordSize       = 48
)

// Class flags.
const (
	FlagPrimitive       uint32 = 2
	primitiveKindShift         = 3
	referenceKindShift         = 7
	kindMask                   = 7
)

// PrimitiveKind identifies the primitive classes.
type PrimitiveKind uint8

const (
	Boolean PrimitiveKind = iota
	Byte
	Short
	Char
	Int
	Long
	Float
	Double
)

var primitiveNames = [...]string{"boolean", "byte", "short", "char", "int", "long", "float", "double"}
var primitiveSizes = [...]uint32{1, 1, 2, 2, 4, 8, 4, 8}
var primitiveDescriptors = [...]byte{'Z', 'B', 'S', 'C', 'I', 'J', 'F', 'D'}

func (k PrimitiveKind) String() string {
	if int(k) < len(primitiveNames) {
		return primitiveNames[k]
	}
	return fmt.Sprintf("PrimitiveKind(%d)", uint8(k))
}

// Size returns the storage size of a value of kind k.
func (k PrimitiveKind) Size() uint32 { return primitiveSizes[k] }

// Descriptor returns the one-letter type descriptor of k.
func (k PrimitiveKind) Descriptor() byte { return primitiveDescriptors[k] }

// ReferenceKind tells the collector which classes need weak-reference
// handling.
type ReferenceKind uint8

const (
	PlainObject ReferenceKind = iota
	WeakReference
	ReferenceQueueKind
)

// FieldType is the storage type of a field.
type FieldType uint8

const (
	FieldBoolean FieldType = iota
	FieldByte
	FieldShort
	FieldChar
	FieldInt
	FieldLong
	FieldFloat
	FieldDouble
	FieldObject
	FieldAddress
)

var fieldTypeNames = [...]string{"boolean", "byte", "short", "char", "int", "long", "float", "double", "object", "address"}

func (t FieldType) String() string {
	if int(t) < len(fieldTypeNames) {
		return fieldTypeNames[t]
	}
	return fmt.Sprintf("FieldType(%d)", uint8(t))
}

// Size returns the storage size of a field of type t.
func (t FieldType) Size() uint32 {
	if t < FieldObject {
		return PrimitiveKind(t).Size()
	}
	return PointerSize
}

// IsReference reports whether fields of type t hold managed references.
func (t FieldType) IsReference() bool { return t == FieldObject }

// Field describes an instance field.
type Field struct {
	Name   string
	Offset uint32
	Type   FieldType
}

// StaticField describes a static field living in the image.
type StaticField struct {
	Name string
	Addr Addr
	Type FieldType
}

// ClassSpec describes a class to define.
type ClassSpec struct {
	Name       string
	Superclass Class
	// Size is the instance size including the object header. Zero means the
	// superclass size.
	Size          uint32
	Tag           int32
	ReferenceKind ReferenceKind
	// Fields lists the fields declared by this class. Reference fields make
	// up the layout table.
	Fields       []Field
	StaticFields []StaticField
}

// Class is a view of a class record.
type Class struct {
	t    *ClassTable
	addr Addr
}

// Addr returns the address of the class record.
func (c Class) Addr() Addr { return c.addr }

// IsNull reports whether c refers to no class.
func (c Class) IsNull() bool { return c.addr == Null }

func (c Class) space() *Space { return c.t.space }

// Size returns the instance size, or the item size of a primitive class.
func (c Class) Size() uint32 { return c.space().Uint32(c.addr + OffsetClassSize) }

func (c Class) Flags() uint32 { return c.space().Uint32(c.addr + OffsetClassFlags) }

func (c Class) Tag() int32 { return c.space().Int32(c.addr + OffsetClassTag) }

func (c Class) IsPrimitive() bool { return c.Flags()&FlagPrimitive != 0 }

func (c Class) PrimitiveKind() PrimitiveKind {
	return PrimitiveKind(c.Flags() >> primitiveKindShift & kindMask)
}

func (c Class) ReferenceKind() ReferenceKind {
	return ReferenceKind(c.Flags() >> referenceKindShift & kindMask)
}

func (c Class) related(offset Addr) Class {
	if c.addr == Null {
		return Class{}
	}
	a := c.space().Ref(c.addr + offset)
	if a == Null {
		return Class{}
	}
	return Class{t: c.t, addr: a}
}

// ItemType returns the element class of an array class.
func (c Class) ItemType() Class { return c.related(OffsetClassItemType) }

// ArrayType returns the cached array class whose items are c.
func (c Class) ArrayType() Class { return c.related(OffsetClassArrayType) }

func (c Class) Superclass() Class { return c.related(OffsetClassSuperclass) }

// IsArray reports whether c is an array class.
func (c Class) IsArray() bool { return !c.ItemType().IsNull() }

// NameString returns the address of the managed name string.
func (c Class) NameString() Addr { return c.space().Ref(c.addr + OffsetClassName) }

// Name returns the class name.
func (c Class) Name() string {
	if m := c.t.meta[c.addr]; m != nil {
		return m.name
	}
	return ""
}

// Layout returns the offsets of reference fields declared by c itself.
// Superclass fields are listed by the superclass.
func (c Class) Layout() []uint32 {
	sp := c.space()
	table := sp.Ref(c.addr + OffsetClassLayout)
	if table == Null {
		return nil
	}
	n := sp.Uint16(table)
	offsets := make([]uint32, n)
	for i := range offsets {
		offsets[i] = uint32(sp.Uint16(table + 2 + Addr(2*i)))
	}
	return offsets
}

// Fields returns the declared instance fields.
func (c Class) Fields() []Field {
	if m := c.t.meta[c.addr]; m != nil {
		return m.fields
	}
	return nil
}

// StaticFields returns the declared static fields.
func (c Class) StaticFields() []StaticField {
	if m := c.t.meta[c.addr]; m != nil {
		return m.staticFields
	}
	return nil
}

// ItemSize returns the storage size of one element of array class c.
func (c Class) ItemSize() uint32 {
	item := c.ItemType()
	if item.IsPrimitive() {
		return item.Size()
	}
	return PointerSize
}

func (c Class) String() string {
	if c.IsNull() {
		return "<null class>"
	}
	return fmt.Sprintf("%s@0x%08x", c.Name(), uint32(c.addr))
}
