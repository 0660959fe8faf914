package classfile

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

const classMagic = 0xCAFEBABE

// decoder reads big-endian class file items from a byte slice. The first
// short read sticks in err and turns every later read into a no-op.
type decoder struct {
	data []byte
	pos  int
	err  error
}

func (d *decoder) take(n int, what string) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || d.pos+n > len(d.data) {
		d.err = fmt.Errorf("reading %s at offset %d: %w", what, d.pos, io.ErrUnexpectedEOF)
		return nil
	}
	b := d.data[d.pos : d.pos+n]
	d.pos += n
	return b
}

func (d *decoder) u1(what string) uint8 {
	if b := d.take(1, what); b != nil {
		return b[0]
	}
	return 0
}

func (d *decoder) u2(what string) uint16 {
	if b := d.take(2, what); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

func (d *decoder) u4(what string) uint32 {
	if b := d.take(4, what); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

// ParseFile opens and parses a .class file from the given path.
func ParseFile(path string) (*ClassFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseBytes(data)
}

// Parse reads a .class file from the given reader and returns a ClassFile.
func Parse(r io.Reader) (*ClassFile, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading class file: %w", err)
	}
	return ParseBytes(data)
}

// ParseBytes parses the contents of a .class file.
func ParseBytes(data []byte) (*ClassFile, error) {
	d := &decoder{data: data}
	cf := &ClassFile{}

	if magic := d.u4("magic number"); d.err == nil && magic != classMagic {
		return nil, fmt.Errorf("invalid magic number: 0x%X (expected 0xCAFEBABE)", magic)
	}
	cf.MinorVersion = d.u2("minor version")
	cf.MajorVersion = d.u2("major version")
	if d.err != nil {
		return nil, d.err
	}

	pool, err := d.parseConstantPool(d.u2("constant pool count"))
	if err != nil {
		return nil, fmt.Errorf("parsing constant pool: %w", err)
	}
	cf.ConstantPool = pool

	cf.AccessFlags = d.u2("access flags")
	thisClass := d.u2("this_class")
	superClass := d.u2("super_class")
	interfaces := make([]uint16, d.u2("interfaces count"))
	for i := range interfaces {
		interfaces[i] = d.u2("interface")
	}
	if d.err != nil {
		return nil, d.err
	}

	if cf.Name, err = GetClassName(pool, thisClass); err != nil {
		return nil, fmt.Errorf("resolving this_class: %w", err)
	}
	if superClass != 0 {
		if cf.SuperName, err = GetClassName(pool, superClass); err != nil {
			return nil, fmt.Errorf("resolving super_class: %w", err)
		}
	}
	for i, idx := range interfaces {
		name, err := GetClassName(pool, idx)
		if err != nil {
			return nil, fmt.Errorf("resolving interface %d: %w", i, err)
		}
		cf.Interfaces = append(cf.Interfaces, name)
	}

	if cf.Fields, err = d.parseFields(pool); err != nil {
		return nil, fmt.Errorf("parsing fields: %w", err)
	}
	if cf.Methods, err = d.parseMethods(pool); err != nil {
		return nil, fmt.Errorf("parsing methods: %w", err)
	}
	err = d.parseAttributes(pool, func(name string, data []byte) error {
		if name != "SourceFile" {
			return nil
		}
		if len(data) != 2 {
			return fmt.Errorf("SourceFile attribute has %d bytes", len(data))
		}
		file, err := GetUtf8(pool, binary.BigEndian.Uint16(data))
		cf.SourceFile = file
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("parsing class attributes: %w", err)
	}
	return cf, nil
}

// parseAttributes walks an attribute table, calling fn with each
// attribute's name and payload.
func (d *decoder) parseAttributes(pool []ConstantPoolEntry, fn func(name string, data []byte) error) error {
	count := d.u2("attributes count")
	for i := uint16(0); i < count; i++ {
		nameIndex := d.u2("attribute name index")
		length := d.u4("attribute length")
		data := d.take(int(length), "attribute data")
		if d.err != nil {
			return fmt.Errorf("attribute %d: %w", i, d.err)
		}
		name, err := GetUtf8(pool, nameIndex)
		if err != nil {
			return fmt.Errorf("resolving attribute %d name: %w", i, err)
		}
		if err := fn(name, data); err != nil {
			return fmt.Errorf("%s attribute: %w", name, err)
		}
	}
	return d.err
}

// member reads the common head of a field or method entry.
func (d *decoder) member(pool []ConstantPoolEntry, kind string, i int) (flags uint16, name, desc string, err error) {
	flags = d.u2(kind + " access flags")
	nameIndex := d.u2(kind + " name index")
	descIndex := d.u2(kind + " descriptor index")
	if d.err != nil {
		return 0, "", "", fmt.Errorf("%s %d: %w", kind, i, d.err)
	}
	if name, err = GetUtf8(pool, nameIndex); err != nil {
		return 0, "", "", fmt.Errorf("resolving %s %d name: %w", kind, i, err)
	}
	if desc, err = GetUtf8(pool, descIndex); err != nil {
		return 0, "", "", fmt.Errorf("resolving %s %d descriptor: %w", kind, i, err)
	}
	return flags, name, desc, nil
}

func (d *decoder) parseFields(pool []ConstantPoolEntry) ([]FieldInfo, error) {
	fields := make([]FieldInfo, d.u2("fields count"))
	for i := range fields {
		flags, name, desc, err := d.member(pool, "field", i)
		if err != nil {
			return nil, err
		}
		f := FieldInfo{AccessFlags: flags, Name: name, Descriptor: desc}
		err = d.parseAttributes(pool, func(attr string, data []byte) error {
			if attr != "ConstantValue" {
				return nil
			}
			if len(data) != 2 {
				return fmt.Errorf("%d bytes", len(data))
			}
			f.ConstantValue = binary.BigEndian.Uint16(data)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", name, err)
		}
		fields[i] = f
	}
	return fields, d.err
}

func (d *decoder) parseMethods(pool []ConstantPoolEntry) ([]MethodInfo, error) {
	methods := make([]MethodInfo, d.u2("methods count"))
	for i := range methods {
		flags, name, desc, err := d.member(pool, "method", i)
		if err != nil {
			return nil, err
		}
		m := MethodInfo{AccessFlags: flags, Name: name, Descriptor: desc}
		err = d.parseAttributes(pool, func(attr string, data []byte) error {
			if attr != "Code" {
				return nil
			}
			return parseCode(pool, data, &m)
		})
		if err != nil {
			return nil, fmt.Errorf("method %s%s: %w", name, desc, err)
		}
		methods[i] = m
	}
	return methods, d.err
}

// parseCode extracts the frame sizes and the line number table from a
// Code attribute. The bytecode itself is skipped.
func parseCode(pool []ConstantPoolEntry, data []byte, m *MethodInfo) error {
	d := &decoder{data: data}
	m.HasCode = true
	m.MaxStack = d.u2("max_stack")
	m.MaxLocals = d.u2("max_locals")
	d.take(int(d.u4("code length")), "code")
	d.take(8*int(d.u2("exception table length")), "exception table")
	if d.err != nil {
		return d.err
	}
	return d.parseAttributes(pool, func(name string, data []byte) error {
		if name != "LineNumberTable" {
			return nil
		}
		t := &decoder{data: data}
		lines := make([]LineNumber, t.u2("line number count"))
		for i := range lines {
			lines[i] = LineNumber{StartPC: t.u2("start_pc"), Line: t.u2("line_number")}
		}
		m.Lines = append(m.Lines, lines...)
		return t.err
	})
}
