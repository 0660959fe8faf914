package classfile

// Access flags
const (
	AccPublic    = 0x0001
	AccStatic    = 0x0008
	AccFinal     = 0x0010
	AccSuper     = 0x0020
	AccInterface = 0x0200
	AccAbstract  = 0x0400
)

// ClassFile is the part of a parsed .class file the runtime needs to
// define the class: its names, fields and enough of each method to size
// frames and locate call sites.
type ClassFile struct {
	MinorVersion uint16
	MajorVersion uint16
	ConstantPool []ConstantPoolEntry
	AccessFlags  uint16
	// Name is the internal name, as in "java/lang/Object".
	Name string
	// SuperName is empty for java/lang/Object.
	SuperName  string
	Interfaces []string
	Fields     []FieldInfo
	Methods    []MethodInfo
	// SourceFile is the value of the SourceFile attribute, if any.
	SourceFile string
}

// ConstantPoolEntry is an interface implemented by all constant pool types.
type ConstantPoolEntry interface {
	Tag() uint8
}

type ConstantUtf8 struct {
	Value string
}

func (c *ConstantUtf8) Tag() uint8 { return TagUtf8 }

type ConstantInteger struct {
	Value int32
}

func (c *ConstantInteger) Tag() uint8 { return TagInteger }

type ConstantFloat struct {
	Value float32
}

func (c *ConstantFloat) Tag() uint8 { return TagFloat }

type ConstantLong struct {
	Value int64
}

func (c *ConstantLong) Tag() uint8 { return TagLong }

type ConstantDouble struct {
	Value float64
}

func (c *ConstantDouble) Tag() uint8 { return TagDouble }

type ConstantClass struct {
	NameIndex uint16
}

func (c *ConstantClass) Tag() uint8 { return TagClass }

type ConstantString struct {
	StringIndex uint16
}

func (c *ConstantString) Tag() uint8 { return TagString }

// FieldInfo is a field declaration.
type FieldInfo struct {
	AccessFlags uint16
	Name        string
	Descriptor  string
	// ConstantValue is the constant pool index of the initial value of a
	// static final field, or 0.
	ConstantValue uint16
}

// IsStatic reports whether f is a class field.
func (f *FieldInfo) IsStatic() bool { return f.AccessFlags&AccStatic != 0 }

// LineNumber maps the bytecode offset StartPC to a source line.
type LineNumber struct {
	StartPC uint16
	Line    uint16
}

// MethodInfo is a method declaration. Abstract and native methods have no
// code and therefore zero MaxLocals.
type MethodInfo struct {
	AccessFlags uint16
	Name        string
	Descriptor  string
	MaxStack    uint16
	MaxLocals   uint16
	HasCode     bool
	Lines       []LineNumber
}

// LineAt returns the source line of the bytecode at pc, or -1.
func (m *MethodInfo) LineAt(pc uint16) int32 {
	line, best := int32(-1), -1
	for _, ln := range m.Lines {
		if ln.StartPC <= pc && int(ln.StartPC) > best {
			best = int(ln.StartPC)
			line = int32(ln.Line)
		}
	}
	return line
}

// InstanceFields returns the non-static fields in declaration order.
func (cf *ClassFile) InstanceFields() []FieldInfo {
	var fields []FieldInfo
	for _, f := range cf.Fields {
		if !f.IsStatic() {
			fields = append(fields, f)
		}
	}
	return fields
}

// StaticFields returns the static fields in declaration order.
func (cf *ClassFile) StaticFields() []FieldInfo {
	var fields []FieldInfo
	for _, f := range cf.Fields {
		if f.IsStatic() {
			fields = append(fields, f)
		}
	}
	return fields
}

// FindMethod finds a method by name and descriptor.
func (cf *ClassFile) FindMethod(name, descriptor string) *MethodInfo {
	for i := range cf.Methods {
		if cf.Methods[i].Name == name && cf.Methods[i].Descriptor == descriptor {
			return &cf.Methods[i]
		}
	}
	return nil
}
