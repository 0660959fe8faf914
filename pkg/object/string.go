package object

import (
	"fmt"

	"golang.org/x/text/encoding/unicode"
)

// String layout.
const (
	OffsetStringChars = 8
	OffsetStringHash  = 12
	StringSize        = 16
)

var utf16LE = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// EncodeUTF16 returns s as little-endian UTF-16 code units.
func EncodeUTF16(s string) []byte {
	b, err := utf16LE.NewEncoder().Bytes([]byte(s))
	if err != nil {
		panic(fmt.Sprintf("encoding %q as UTF-16: %v", s, err))
	}
	return b
}

// Literal builds a string and its character array in the static image.
// Literals are never collected.
func (t *ClassTable) Literal(s string) Addr {
	sp := t.space
	units := EncodeUTF16(s)
	n := uint32(len(units) / 2)

	chars := sp.AllocImage(ArraySize(t.CharArray, n), PointerSize)
	sp.SetHeader(chars, t.Header(t.CharArray))
	sp.SetUint32(chars+OffsetArrayLength, n)
	copy(sp.Bytes(chars+ArrayHeaderSize, uint32(len(units))), units)

	str := sp.AllocImage(StringSize, PointerSize)
	sp.SetHeader(str, t.Header(t.String))
	sp.SetRef(str+OffsetStringChars, chars)
	return str
}

// StringChars returns the character array of str.
func (s *Space) StringChars(str Addr) Addr { return s.Ref(str + OffsetStringChars) }

// StringLength returns the number of UTF-16 code units of str.
func (s *Space) StringLength(str Addr) uint32 {
	chars := s.StringChars(str)
	if chars == Null {
		return 0
	}
	return s.ArrayLength(chars)
}

// StringUnits returns a view of the UTF-16 code units of str as bytes.
func (s *Space) StringUnits(str Addr) []byte {
	chars := s.StringChars(str)
	if chars == Null {
		return nil
	}
	return s.Bytes(chars+ArrayHeaderSize, 2*s.ArrayLength(chars))
}

// StringUnit returns code unit i of str.
func (s *Space) StringUnit(str Addr, i uint32) uint16 {
	return s.Uint16(s.StringChars(str) + ArrayHeaderSize + Addr(2*i))
}

// WriteChars stores little-endian UTF-16 units into the char array chars.
// It panics with an *AccessError if units do not fit the array.
func (s *Space) WriteChars(chars Addr, units []byte) {
	if limit := 2 * s.ArrayLength(chars); uint32(len(units)) > limit {
		panic(&AccessError{Addr: chars + ArrayHeaderSize + Addr(limit), Size: uint32(len(units)) - limit})
	}
	copy(s.Bytes(chars+ArrayHeaderSize, uint32(len(units))), units)
}

// GoString decodes str.
func (s *Space) GoString(str Addr) string {
	if str == Null {
		return ""
	}
	b, err := utf16LE.NewDecoder().Bytes(s.StringUnits(str))
	if err != nil {
		panic(fmt.Sprintf("decoding string at 0x%08x: %v", uint32(str), err))
	}
	return string(b)
}
