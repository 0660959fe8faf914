// Package heapdump writes and reads JSON snapshots of the managed heap:
// every class, every live object with its raw field data, the interned
// strings living in the image and the shadow stack with its roots.
package heapdump

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/mailru/easyjson/jwriter"

	"github.com/daimatz/gcrt/pkg/intern"
	"github.com/daimatz/gcrt/pkg/object"
	"github.com/daimatz/gcrt/pkg/stack"
)

// FileName is the name of dump files written by WriteFile.
const FileName = "heap-dump.json"

const hexChars = "0123456789abcdef"

// Heap walks the objects of a heap in address order.
type Heap interface {
	Walk(fn func(obj object.Addr, cls object.Class, size uint32) bool)
}

// Source is what a dump is taken from. Strings and Stack may be nil.
type Source struct {
	Classes *object.ClassTable
	Heap    Heap
	Strings *intern.Table
	Stack   *stack.Stack
}

type dumper struct {
	w   *jwriter.Writer
	sp  *object.Space
	src Source
}

// Write writes a dump of src to w.
func Write(w io.Writer, src Source) error {
	d := &dumper{w: &jwriter.Writer{}, sp: src.Classes.Space(), src: src}
	d.w.RawString("{\n")
	d.w.RawString(`"pointerSize":`)
	d.w.Int(object.PointerSize)
	d.w.RawString(",\n")
	d.classes()
	d.w.RawString(",\n")
	d.objects()
	d.w.RawString(",\n")
	d.stack()
	d.w.RawString("\n}")
	if d.w.Error != nil {
		return fmt.Errorf("heap dump: %w", d.w.Error)
	}
	if _, err := d.w.DumpTo(w); err != nil {
		return fmt.Errorf("heap dump: %w", err)
	}
	return nil
}

// WriteFile writes a dump of src to FileName in dir and returns its path.
// Concurrent writers to the same directory are serialized with a file
// lock.
func WriteFile(dir string, src Source) (string, error) {
	path := filepath.Join(dir, FileName)
	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return "", fmt.Errorf("heap dump: locking %s: %w", path, err)
	}
	defer lock.Unlock()

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("heap dump: %w", err)
	}
	bw := bufio.NewWriter(f)
	if err := Write(bw, src); err != nil {
		f.Close()
		return "", err
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return "", fmt.Errorf("heap dump: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("heap dump: %w", err)
	}
	return path, nil
}

func (d *dumper) id(a object.Addr) {
	if a == object.Null {
		d.w.RawString("null")
		return
	}
	d.w.Uint32(uint32(a))
}

// data writes size bytes at a as one hexadecimal number, most significant
// digit first.
func (d *dumper) data(a object.Addr, size uint32) {
	for i := int(size) - 1; i >= 0; i-- {
		b := d.sp.Uint8(a + object.Addr(i))
		d.w.RawByte(hexChars[b>>4])
		d.w.RawByte(hexChars[b&15])
	}
}

func (d *dumper) classes() {
	w := d.w
	w.RawString(`"classes":[`)
	for i, cls := range d.src.Classes.Classes() {
		if i > 0 {
			w.RawString(",\n")
		}
		w.RawString(`{"id":`)
		d.id(cls.Addr())
		switch {
		case cls.IsPrimitive():
			w.RawString(`,"primitive":`)
			w.String(cls.PrimitiveKind().String())
		case cls.IsArray():
			w.RawString(`,"item":`)
			d.id(cls.ItemType().Addr())
		default:
			w.RawString(`,"name":`)
			w.String(cls.Name())
			w.RawString(`,"size":`)
			w.Uint32(cls.Size())
			w.RawString(`,"super":`)
			d.id(cls.Superclass().Addr())
			if fields := cls.Fields(); len(fields) > 0 {
				w.RawString(`,"fields":[`)
				for j, f := range fields {
					if j > 0 {
						w.RawByte(',')
					}
					d.field(f.Name, f.Type)
				}
				w.RawByte(']')
			}
			if statics := cls.StaticFields(); len(statics) > 0 {
				w.RawString(`,"staticFields":[`)
				for j, f := range statics {
					if j > 0 {
						w.RawByte(',')
					}
					d.field(f.Name, f.Type)
				}
				w.RawString(`],"data":"`)
				for _, f := range statics {
					d.data(f.Addr, f.Type.Size())
				}
				w.RawByte('"')
			}
		}
		w.RawByte('}')
	}
	w.RawString("\n]")
}

func (d *dumper) field(name string, t object.FieldType) {
	d.w.RawString(`{"name":`)
	d.w.String(name)
	d.w.RawString(`,"type":`)
	d.w.String(t.String())
	d.w.RawByte('}')
}

func (d *dumper) object(obj object.Addr) {
	w := d.w
	classes := d.src.Classes
	cls := classes.ClassOf(obj)
	w.RawString(`{"id":`)
	d.id(obj)
	w.RawString(`,"class":`)
	d.id(cls.Addr())
	w.RawString(`,"data":"`)
	if cls.IsArray() {
		itemSize := cls.ItemSize()
		data := classes.ArrayData(obj)
		n := d.sp.ArrayLength(obj)
		for i := uint32(0); i < n; i++ {
			d.data(data+object.Addr(i*itemSize), itemSize)
		}
	} else {
		var chain []object.Class
		for c := cls; !c.IsNull(); c = c.Superclass() {
			chain = append(chain, c)
		}
		for i := len(chain) - 1; i >= 0; i-- {
			for _, f := range chain[i].Fields() {
				d.data(obj+object.Addr(f.Offset), f.Type.Size())
			}
		}
	}
	w.RawString(`"}`)
}

func (d *dumper) objects() {
	w := d.w
	w.RawString(`"objects":[`)
	first := true
	next := func() {
		if !first {
			w.RawByte(',')
		}
		first = false
		w.RawByte('\n')
	}
	d.src.Heap.Walk(func(obj object.Addr, _ object.Class, _ uint32) bool {
		next()
		d.object(obj)
		return true
	})
	if d.src.Strings != nil {
		d.src.Strings.Each(func(str object.Addr) {
			if d.sp.InHeap(str) {
				return
			}
			next()
			d.object(str)
			if chars := d.sp.StringChars(str); chars != object.Null {
				w.RawString(",\n")
				d.object(chars)
			}
		})
	}
	w.RawString("\n]")
}

func (d *dumper) stack() {
	w := d.w
	w.RawString(`"stack":[`)
	if d.src.Stack == nil {
		w.RawString("\n]")
		return
	}
	first := true
	d.src.Stack.Walk(func(f *stack.Frame) bool {
		if !first {
			w.RawByte(',')
		}
		first = false
		w.RawString("\n{")
		if site, ok := d.src.Stack.CallSite(f.CallSite); ok && site.Location != nil {
			loc := site.Location
			for _, kv := range [...]struct{ key, value string }{
				{"file", loc.File}, {"class", loc.Class}, {"method", loc.Method},
			} {
				if kv.value == "" {
					continue
				}
				w.RawByte('"')
				w.RawString(kv.key)
				w.RawString(`":`)
				w.String(kv.value)
				w.RawByte(',')
			}
			if loc.Line >= 0 {
				w.RawString(`"line":`)
				w.Int32(loc.Line)
				w.RawByte(',')
			}
		}
		w.RawString(`"roots":[`)
		rootsFirst := true
		for i := 0; i < f.Size(); i++ {
			root := f.Get(i)
			if root == object.Null {
				continue
			}
			if !rootsFirst {
				w.RawByte(',')
			}
			rootsFirst = false
			d.id(root)
		}
		w.RawString("]}")
		return true
	})
	w.RawString("\n]")
}
