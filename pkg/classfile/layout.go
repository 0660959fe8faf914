package classfile

import (
	"fmt"
	"sort"

	"github.com/daimatz/gcrt/pkg/object"
)

// FieldType maps a field descriptor to its storage type. Class and array
// descriptors are references.
func FieldType(desc string) (object.FieldType, error) {
	if desc == "" {
		return 0, fmt.Errorf("empty field descriptor")
	}
	switch desc[0] {
	case 'Z':
		return object.FieldBoolean, nil
	case 'B':
		return object.FieldByte, nil
	case 'S':
		return object.FieldShort, nil
	case 'C':
		return object.FieldChar, nil
	case 'I':
		return object.FieldInt, nil
	case 'J':
		return object.FieldLong, nil
	case 'F':
		return object.FieldFloat, nil
	case 'D':
		return object.FieldDouble, nil
	case 'L':
		if len(desc) < 3 || desc[len(desc)-1] != ';' {
			return 0, fmt.Errorf("malformed class descriptor %q", desc)
		}
		return object.FieldObject, nil
	case '[':
		if len(desc) < 2 {
			return 0, fmt.Errorf("malformed array descriptor %q", desc)
		}
		return object.FieldObject, nil
	}
	return 0, fmt.Errorf("unknown field descriptor %q", desc)
}

// InstanceLayout assigns offsets to fields, placed after base bytes of
// inherited state. Wider fields come first (8, then 4, 2 and 1 bytes),
// each aligned to its size; fields of equal size keep declaration order.
// The result lists the fields in declaration order together with the
// instance size, which is not rounded.
func InstanceLayout(fields []FieldInfo, base uint32) ([]object.Field, uint32, error) {
	out := make([]object.Field, len(fields))
	for i, f := range fields {
		typ, err := FieldType(f.Descriptor)
		if err != nil {
			return nil, 0, fmt.Errorf("field %s: %w", f.Name, err)
		}
		out[i] = object.Field{Name: f.Name, Type: typ}
	}

	order := make([]int, len(out))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return out[order[a]].Type.Size() > out[order[b]].Type.Size()
	})

	end := base
	for _, i := range order {
		size := out[i].Type.Size()
		end = object.Align(end, size)
		out[i].Offset = end
		end += size
	}
	return out, end, nil
}
