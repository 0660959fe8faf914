package heapdump

import (
	"encoding/hex"
	"fmt"
	"io"

	"github.com/mailru/easyjson/jlexer"
)

// Dump is a parsed heap dump. Ids are the addresses the entities had when
// the dump was taken; zero stands for null.
type Dump struct {
	PointerSize int
	Classes     []Class
	Objects     []Object
	Stack       []Frame

	classIndex  map[uint64]int
	objectIndex map[uint64]int
}

// Class is a class entry. Exactly one of Primitive, Item or Name is set.
type Class struct {
	ID           uint64
	Name         string
	Primitive    string
	Item         uint64
	Size         int
	Super        uint64
	Fields       []Field
	StaticFields []Field
	// Data holds the static field values, one hex number per field.
	Data string
}

type Field struct {
	Name string
	Type string
}

// Object is an object entry. Data holds the instance fields in
// superclass-first declaration order, or the array items, each as a hex
// number of the field's size.
type Object struct {
	ID    uint64
	Class uint64
	Data  string
}

// Frame is a shadow stack frame, innermost first.
type Frame struct {
	File   string
	Class  string
	Method string
	// Line is -1 when unknown.
	Line  int
	Roots []uint64
}

// Value is a decoded field or item.
type Value struct {
	Name  string
	Type  string
	Value uint64
}

// Read parses a dump written by Write.
func Read(r io.Reader) (*Dump, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("heap dump: %w", err)
	}
	in := &jlexer.Lexer{Data: data}
	d := &Dump{}
	d.decode(in)
	in.Consumed()
	if err := in.Error(); err != nil {
		return nil, fmt.Errorf("heap dump: %w", err)
	}
	d.classIndex = make(map[uint64]int, len(d.Classes))
	for i, c := range d.Classes {
		d.classIndex[c.ID] = i
	}
	d.objectIndex = make(map[uint64]int, len(d.Objects))
	for i, o := range d.Objects {
		d.objectIndex[o.ID] = i
	}
	return d, nil
}

// Object returns the object with the given id.
func (d *Dump) Object(id uint64) (*Object, bool) {
	i, ok := d.objectIndex[id]
	if !ok {
		return nil, false
	}
	return &d.Objects[i], true
}

// Class returns the class with the given id.
func (d *Dump) Class(id uint64) (*Class, bool) {
	i, ok := d.classIndex[id]
	if !ok {
		return nil, false
	}
	return &d.Classes[i], true
}

// ClassByName returns the named class.
func (d *Dump) ClassByName(name string) (*Class, bool) {
	for i := range d.Classes {
		if d.Classes[i].Name == name {
			return &d.Classes[i], true
		}
	}
	return nil, false
}

// ClassName renders the name of a class entry, including array and
// primitive classes.
func (d *Dump) ClassName(c *Class) string {
	switch {
	case c.Primitive != "":
		return c.Primitive
	case c.Item != 0:
		item, ok := d.Class(c.Item)
		if !ok {
			return "?[]"
		}
		return d.ClassName(item) + "[]"
	}
	return c.Name
}

func (d *Dump) typeSize(t string) (int, error) {
	switch t {
	case "boolean", "byte":
		return 1, nil
	case "short", "char":
		return 2, nil
	case "int", "float":
		return 4, nil
	case "long", "double":
		return 8, nil
	case "object", "address", "array":
		return d.PointerSize, nil
	}
	return 0, fmt.Errorf("heap dump: unknown field type %q", t)
}

func splitValues(data string, sizes []int) ([]uint64, error) {
	values := make([]uint64, len(sizes))
	pos := 0
	for i, size := range sizes {
		end := pos + 2*size
		if end > len(data) {
			return nil, fmt.Errorf("heap dump: data too short for %d values", len(sizes))
		}
		b, err := hex.DecodeString(data[pos:end])
		if err != nil {
			return nil, fmt.Errorf("heap dump: %w", err)
		}
		for _, x := range b {
			values[i] = values[i]<<8 | uint64(x)
		}
		pos = end
	}
	if pos != len(data) {
		return nil, fmt.Errorf("heap dump: %d bytes of trailing data", (len(data)-pos)/2)
	}
	return values, nil
}

// Fields decodes the instance fields of o, superclass fields first. For
// arrays it decodes the items, named by index.
func (d *Dump) Fields(o *Object) ([]Value, error) {
	cls, ok := d.Class(o.Class)
	if !ok {
		return nil, fmt.Errorf("heap dump: object %d has unknown class %d", o.ID, o.Class)
	}
	if cls.Item != 0 {
		item, ok := d.Class(cls.Item)
		if !ok {
			return nil, fmt.Errorf("heap dump: array class %d has unknown item class %d", cls.ID, cls.Item)
		}
		typ, size := "object", d.PointerSize
		if item.Primitive != "" {
			typ = item.Primitive
			size, _ = d.typeSize(typ)
		}
		if len(o.Data)%(2*size) != 0 {
			return nil, fmt.Errorf("heap dump: array %d data is not a multiple of %d bytes", o.ID, size)
		}
		sizes := make([]int, len(o.Data)/(2*size))
		for i := range sizes {
			sizes[i] = size
		}
		raw, err := splitValues(o.Data, sizes)
		if err != nil {
			return nil, err
		}
		values := make([]Value, len(raw))
		for i, v := range raw {
			values[i] = Value{Name: fmt.Sprint(i), Type: typ, Value: v}
		}
		return values, nil
	}

	var chain []*Class
	for c := cls; c != nil; {
		chain = append(chain, c)
		if c.Super == 0 {
			break
		}
		if c, ok = d.Class(c.Super); !ok {
			return nil, fmt.Errorf("heap dump: class %s has unknown superclass", chain[len(chain)-1].Name)
		}
	}
	var fields []Field
	for i := len(chain) - 1; i >= 0; i-- {
		fields = append(fields, chain[i].Fields...)
	}
	sizes := make([]int, len(fields))
	for i, f := range fields {
		size, err := d.typeSize(f.Type)
		if err != nil {
			return nil, err
		}
		sizes[i] = size
	}
	raw, err := splitValues(o.Data, sizes)
	if err != nil {
		return nil, err
	}
	values := make([]Value, len(raw))
	for i, v := range raw {
		values[i] = Value{Name: fields[i].Name, Type: fields[i].Type, Value: v}
	}
	return values, nil
}

// Field returns the named field of o.
func (d *Dump) Field(o *Object, name string) (uint64, error) {
	values, err := d.Fields(o)
	if err != nil {
		return 0, err
	}
	for _, v := range values {
		if v.Name == name {
			return v.Value, nil
		}
	}
	return 0, fmt.Errorf("heap dump: object %d has no field %s", o.ID, name)
}

func (d *Dump) decode(in *jlexer.Lexer) {
	in.Delim('{')
	for !in.IsDelim('}') {
		key := in.UnsafeFieldName(false)
		in.WantColon()
		switch key {
		case "pointerSize":
			d.PointerSize = in.Int()
		case "classes":
			in.Delim('[')
			for !in.IsDelim(']') {
				var c Class
				c.decode(in)
				d.Classes = append(d.Classes, c)
				in.WantComma()
			}
			in.Delim(']')
		case "objects":
			in.Delim('[')
			for !in.IsDelim(']') {
				var o Object
				o.decode(in)
				d.Objects = append(d.Objects, o)
				in.WantComma()
			}
			in.Delim(']')
		case "stack":
			in.Delim('[')
			for !in.IsDelim(']') {
				f := Frame{Line: -1}
				f.decode(in)
				d.Stack = append(d.Stack, f)
				in.WantComma()
			}
			in.Delim(']')
		default:
			in.SkipRecursive()
		}
		in.WantComma()
	}
	in.Delim('}')
}

// id reads an entity id, mapping null to zero.
func id(in *jlexer.Lexer) uint64 {
	if in.IsNull() {
		in.Skip()
		return 0
	}
	return in.Uint64()
}

func decodeFields(in *jlexer.Lexer) []Field {
	var fields []Field
	in.Delim('[')
	for !in.IsDelim(']') {
		var f Field
		in.Delim('{')
		for !in.IsDelim('}') {
			key := in.UnsafeFieldName(false)
			in.WantColon()
			switch key {
			case "name":
				f.Name = in.String()
			case "type":
				f.Type = in.String()
			default:
				in.SkipRecursive()
			}
			in.WantComma()
		}
		in.Delim('}')
		fields = append(fields, f)
		in.WantComma()
	}
	in.Delim(']')
	return fields
}

func (c *Class) decode(in *jlexer.Lexer) {
	in.Delim('{')
	for !in.IsDelim('}') {
		key := in.UnsafeFieldName(false)
		in.WantColon()
		switch key {
		case "id":
			c.ID = id(in)
		case "name":
			c.Name = in.String()
		case "primitive":
			c.Primitive = in.String()
		case "item":
			c.Item = id(in)
		case "size":
			c.Size = in.Int()
		case "super":
			c.Super = id(in)
		case "fields":
			c.Fields = decodeFields(in)
		case "staticFields":
			c.StaticFields = decodeFields(in)
		case "data":
			c.Data = in.String()
		default:
			in.SkipRecursive()
		}
		in.WantComma()
	}
	in.Delim('}')
}

func (o *Object) decode(in *jlexer.Lexer) {
	in.Delim('{')
	for !in.IsDelim('}') {
		key := in.UnsafeFieldName(false)
		in.WantColon()
		switch key {
		case "id":
			o.ID = id(in)
		case "class":
			o.Class = id(in)
		case "data":
			o.Data = in.String()
		default:
			in.SkipRecursive()
		}
		in.WantComma()
	}
	in.Delim('}')
}

func (f *Frame) decode(in *jlexer.Lexer) {
	in.Delim('{')
	for !in.IsDelim('}') {
		key := in.UnsafeFieldName(false)
		in.WantColon()
		switch key {
		case "file":
			f.File = in.String()
		case "class":
			f.Class = in.String()
		case "method":
			f.Method = in.String()
		case "line":
			f.Line = in.Int()
		case "roots":
			in.Delim('[')
			for !in.IsDelim(']') {
				f.Roots = append(f.Roots, id(in))
				in.WantComma()
			}
			in.Delim(']')
		default:
			in.SkipRecursive()
		}
		in.WantComma()
	}
	in.Delim('}')
}
