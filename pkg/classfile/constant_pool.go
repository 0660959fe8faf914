package classfile

import (
	"fmt"
	"math"
)

// Constant pool tags
const (
	TagUtf8               = 1
	TagInteger            = 3
	TagFloat              = 4
	TagLong               = 5
	TagDouble             = 6
	TagClass              = 7
	TagString             = 8
	TagFieldref           = 9
	TagMethodref          = 10
	TagInterfaceMethodref = 11
	TagNameAndType        = 12
	TagMethodHandle       = 15
	TagMethodType         = 16
	TagDynamic            = 17
	TagInvokeDynamic      = 18
	TagModule             = 19
	TagPackage            = 20
)

// skipSizes gives the payload length of the entries kept only as
// placeholders.
var skipSizes = map[uint8]int{
	TagFieldref:           4,
	TagMethodref:          4,
	TagInterfaceMethodref: 4,
	TagNameAndType:        4,
	TagMethodHandle:       3,
	TagMethodType:         2,
	TagDynamic:            4,
	TagInvokeDynamic:      4,
	TagModule:             2,
	TagPackage:            2,
}

// parseConstantPool reads count-1 entries. The returned slice is
// 1-indexed: index 0 is nil, as is the slot after each long or double.
func (d *decoder) parseConstantPool(count uint16) ([]ConstantPoolEntry, error) {
	pool := make([]ConstantPoolEntry, count)
	for i := uint16(1); i < count; i++ {
		tag := d.u1("constant pool tag")
		switch tag {
		case TagUtf8:
			n := d.u2("Utf8 length")
			pool[i] = &ConstantUtf8{Value: string(d.take(int(n), "Utf8 bytes"))}
		case TagInteger:
			pool[i] = &ConstantInteger{Value: int32(d.u4("Integer"))}
		case TagFloat:
			pool[i] = &ConstantFloat{Value: math.Float32frombits(d.u4("Float"))}
		case TagLong:
			hi, lo := d.u4("Long"), d.u4("Long")
			pool[i] = &ConstantLong{Value: int64(uint64(hi)<<32 | uint64(lo))}
			i++
		case TagDouble:
			hi, lo := d.u4("Double"), d.u4("Double")
			pool[i] = &ConstantDouble{Value: math.Float64frombits(uint64(hi)<<32 | uint64(lo))}
			i++
		case TagClass:
			pool[i] = &ConstantClass{NameIndex: d.u2("Class")}
		case TagString:
			pool[i] = &ConstantString{StringIndex: d.u2("String")}
		default:
			n, ok := skipSizes[tag]
			if !ok {
				if d.err != nil {
					return nil, d.err
				}
				return nil, fmt.Errorf("unknown constant pool tag %d at index %d", tag, i)
			}
			d.take(n, "constant pool entry")
			pool[i] = &constantPlaceholder{tag: tag}
		}
		if d.err != nil {
			return nil, fmt.Errorf("constant pool index %d: %w", i, d.err)
		}
	}
	return pool, nil
}

// constantPlaceholder is used for constant pool entries we don't fully parse.
type constantPlaceholder struct {
	tag uint8
}

func (c *constantPlaceholder) Tag() uint8 { return c.tag }

// GetUtf8 returns the Utf8 string at the given constant pool index.
func GetUtf8(pool []ConstantPoolEntry, index uint16) (string, error) {
	if int(index) >= len(pool) || pool[index] == nil {
		return "", fmt.Errorf("invalid constant pool index %d", index)
	}
	utf8, ok := pool[index].(*ConstantUtf8)
	if !ok {
		return "", fmt.Errorf("constant pool index %d is not Utf8 (tag=%d)", index, pool[index].Tag())
	}
	return utf8.Value, nil
}

// GetClassName returns the class name referenced by a CONSTANT_Class entry.
func GetClassName(pool []ConstantPoolEntry, classIndex uint16) (string, error) {
	if int(classIndex) >= len(pool) || pool[classIndex] == nil {
		return "", fmt.Errorf("invalid constant pool index %d", classIndex)
	}
	class, ok := pool[classIndex].(*ConstantClass)
	if !ok {
		return "", fmt.Errorf("constant pool index %d is not Class", classIndex)
	}
	return GetUtf8(pool, class.NameIndex)
}

// Constant returns the numeric value of an Integer, Float, Long or Double
// entry as raw bits, together with its width in bytes.
func Constant(pool []ConstantPoolEntry, index uint16) (bits uint64, size int, err error) {
	if int(index) >= len(pool) || pool[index] == nil {
		return 0, 0, fmt.Errorf("invalid constant pool index %d", index)
	}
	switch c := pool[index].(type) {
	case *ConstantInteger:
		return uint64(uint32(c.Value)), 4, nil
	case *ConstantFloat:
		return uint64(math.Float32bits(c.Value)), 4, nil
	case *ConstantLong:
		return uint64(c.Value), 8, nil
	case *ConstantDouble:
		return math.Float64bits(c.Value), 8, nil
	}
	return 0, 0, fmt.Errorf("constant pool index %d is not numeric (tag=%d)", index, pool[index].Tag())
}

// GetString returns the value of a CONSTANT_String entry.
func GetString(pool []ConstantPoolEntry, index uint16) (string, error) {
	if int(index) >= len(pool) || pool[index] == nil {
		return "", fmt.Errorf("invalid constant pool index %d", index)
	}
	s, ok := pool[index].(*ConstantString)
	if !ok {
		return "", fmt.Errorf("constant pool index %d is not String", index)
	}
	return GetUtf8(pool, s.StringIndex)
}
