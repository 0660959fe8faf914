package vm

import (
	"fmt"
	"strings"

	"github.com/daimatz/gcrt/pkg/classfile"
	"github.com/daimatz/gcrt/pkg/object"
	"github.com/daimatz/gcrt/pkg/stack"
)

type siteKey struct {
	class  string
	method string
	pc     uint16
}

// DefineClass defines the named class from the class files of loader,
// defining its superclasses first. Known classes are returned unchanged.
// Instance fields are laid out after the superclass fields, static fields
// get image slots initialized from their constant values, and static
// reference fields become roots.
func (vm *VM) DefineClass(loader classfile.Loader, name string) (object.Class, error) {
	if cls, ok := vm.Classes.Lookup(name); ok {
		return cls, nil
	}
	if vm.defining[name] {
		return object.Class{}, fmt.Errorf("define %s: circular superclass chain", name)
	}
	vm.defining[name] = true
	defer delete(vm.defining, name)

	cf, err := loader.Load(name)
	if err != nil {
		return object.Class{}, fmt.Errorf("define %s: %w", name, err)
	}
	if cf.AccessFlags&classfile.AccInterface != 0 {
		return object.Class{}, fmt.Errorf("define %s: interfaces have no instances", name)
	}

	super := vm.Classes.Object
	if cf.SuperName != "" {
		if super, err = vm.DefineClass(loader, cf.SuperName); err != nil {
			return object.Class{}, err
		}
	}
	if super.IsArray() || super.IsPrimitive() {
		return object.Class{}, fmt.Errorf("define %s: cannot extend %s", name, super)
	}

	fields, size, err := classfile.InstanceLayout(cf.InstanceFields(), super.Size())
	if err != nil {
		return object.Class{}, fmt.Errorf("define %s: %w", name, err)
	}
	statics, err := vm.staticFields(cf)
	if err != nil {
		return object.Class{}, fmt.Errorf("define %s: %w", name, err)
	}
	cls, err := vm.Classes.Define(object.ClassSpec{
		Name:         name,
		Superclass:   super,
		Size:         size,
		Fields:       fields,
		StaticFields: statics,
	})
	if err != nil {
		return object.Class{}, err
	}
	vm.files[cls.Addr()] = cf
	vm.Logger.Debug("class defined", "class", name, "size", cls.Size(), "fields", len(fields), "statics", len(statics))
	return cls, nil
}

func (vm *VM) staticFields(cf *classfile.ClassFile) ([]object.StaticField, error) {
	sp := vm.Space
	var out []object.StaticField
	for _, f := range cf.StaticFields() {
		typ, err := classfile.FieldType(f.Descriptor)
		if err != nil {
			return nil, fmt.Errorf("static field %s: %w", f.Name, err)
		}
		size := typ.Size()
		slot := sp.AllocImage(size, size)
		switch {
		case typ.IsReference():
			vm.Statics.Register(slot)
			if f.ConstantValue != 0 {
				s, err := classfile.GetString(cf.ConstantPool, f.ConstantValue)
				if err != nil {
					return nil, fmt.Errorf("static field %s: %w", f.Name, err)
				}
				sp.SetRef(slot, vm.Literal(s))
			}
		case f.ConstantValue != 0:
			bits, _, err := classfile.Constant(cf.ConstantPool, f.ConstantValue)
			if err != nil {
				return nil, fmt.Errorf("static field %s: %w", f.Name, err)
			}
			switch size {
			case 1:
				sp.SetUint8(slot, uint8(bits))
			case 2:
				sp.SetUint16(slot, uint16(bits))
			case 4:
				sp.SetUint32(slot, uint32(bits))
			default:
				sp.SetUint64(slot, bits)
			}
		}
		out = append(out, object.StaticField{Name: f.Name, Addr: slot, Type: typ})
	}
	return out, nil
}

// ClassFile returns the class file cls was defined from.
func (vm *VM) ClassFile(cls object.Class) (*classfile.ClassFile, bool) {
	cf, ok := vm.files[cls.Addr()]
	return cf, ok
}

// Enter pushes a frame for method m of cf with one root slot per local
// variable and suspends it at the call site of bytecode offset pc, so
// dumps and handlers can locate it.
func (vm *VM) Enter(cf *classfile.ClassFile, m *classfile.MethodInfo, pc uint16) (*stack.Frame, error) {
	f, err := vm.Stack.Push(max(int(m.MaxLocals), 1))
	if err != nil {
		return nil, fmt.Errorf("enter %s.%s: %w", cf.Name, m.Name, err)
	}
	key := siteKey{class: cf.Name, method: m.Name + m.Descriptor, pc: pc}
	id, ok := vm.sites[key]
	if !ok {
		id = vm.Stack.RegisterCallSites(stack.CallSite{Location: &stack.Location{
			File:   cf.SourceFile,
			Class:  strings.ReplaceAll(cf.Name, "/", "."),
			Method: m.Name,
			Line:   m.LineAt(pc),
		}})
		vm.sites[key] = id
	}
	f.CallSite = id
	return f, nil
}

// Leave pops the frame pushed by Enter.
func (vm *VM) Leave(f *stack.Frame) { vm.Stack.Pop(f) }
