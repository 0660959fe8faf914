package object

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/daimatz/gcrt/pkg/memory"
)

// Addr is a 32-bit address in the runtime's arena. Zero is the null
// reference.
type Addr uint32

// Null is the null reference.
const Null Addr = 0

const (
	// ImageBase is where the static image (class records, layout tables,
	// literal strings, static fields) starts.
	ImageBase Addr = 0x0001_0000
	// HeapBase is where the collected heap starts.
	HeapBase Addr = 0x4000_0000

	PointerSize  = 4
	PointerShift = 2
)

// AccessError reports a load or store outside mapped memory.
type AccessError struct {
	Addr Addr
	Size uint32
}

func (e *AccessError) Error() string {
	return fmt.Sprintf("invalid memory access at 0x%08x (%d bytes)", uint32(e.Addr), e.Size)
}

// Space maps the static image and the committed heap into one address
// range and provides typed little-endian accessors over it.
type Space struct {
	image []byte
	mem   *memory.Reservation
}

// NewSpace creates a space with an empty image over the reservation's heap.
func NewSpace(mem *memory.Reservation) *Space {
	return &Space{mem: mem}
}

// Reservation returns the memory reservation behind the heap.
func (s *Space) Reservation() *memory.Reservation { return s.mem }

// HeapStart returns the first heap address.
func (s *Space) HeapStart() Addr { return HeapBase }

// HeapEnd returns the address just past the available heap.
func (s *Space) HeapEnd() Addr { return HeapBase + Addr(s.mem.Available()) }

// InHeap reports whether a lies inside the available heap.
func (s *Space) InHeap(a Addr) bool {
	return a >= HeapBase && a < s.HeapEnd()
}

// ImageEnd returns the address just past the static image.
func (s *Space) ImageEnd() Addr { return ImageBase + Addr(len(s.image)) }

// AllocImage reserves size zeroed bytes in the static image.
func (s *Space) AllocImage(size, align uint32) Addr {
	off := alignUp(uint32(len(s.image)), align)
	if uint64(ImageBase)+uint64(off)+uint64(size) > uint64(HeapBase) {
		panic(&CapacityError{What: "static image", Capacity: int(HeapBase - ImageBase)})
	}
	s.image = append(s.image, make([]byte, int(off+size)-len(s.image))...)
	return ImageBase + Addr(off)
}

// Bytes returns a view of n bytes at a. The view is invalidated by heap
// resizing and image growth.
func (s *Space) Bytes(a Addr, n uint32) []byte {
	if a >= HeapBase {
		off := uint64(a - HeapBase)
		if off+uint64(n) > s.mem.Available() {
			panic(&AccessError{Addr: a, Size: n})
		}
		return s.mem.Heap().Bytes()[off : off+uint64(n)]
	}
	if a >= ImageBase {
		off := uint64(a - ImageBase)
		if off+uint64(n) <= uint64(len(s.image)) {
			return s.image[off : off+uint64(n)]
		}
	}
	panic(&AccessError{Addr: a, Size: n})
}

func (s *Space) Uint8(a Addr) uint8       { return s.Bytes(a, 1)[0] }
func (s *Space) SetUint8(a Addr, v uint8) { s.Bytes(a, 1)[0] = v }

func (s *Space) Uint16(a Addr) uint16 {
	return binary.LittleEndian.Uint16(s.Bytes(a, 2))
}

func (s *Space) SetUint16(a Addr, v uint16) {
	binary.LittleEndian.PutUint16(s.Bytes(a, 2), v)
}

func (s *Space) Uint32(a Addr) uint32 {
	return binary.LittleEndian.Uint32(s.Bytes(a, 4))
}

func (s *Space) SetUint32(a Addr, v uint32) {
	binary.LittleEndian.PutUint32(s.Bytes(a, 4), v)
}

func (s *Space) Uint64(a Addr) uint64 {
	return binary.LittleEndian.Uint64(s.Bytes(a, 8))
}

func (s *Space) SetUint64(a Addr, v uint64) {
	binary.LittleEndian.PutUint64(s.Bytes(a, 8), v)
}

func (s *Space) Int32(a Addr) int32       { return int32(s.Uint32(a)) }
func (s *Space) SetInt32(a Addr, v int32) { s.SetUint32(a, uint32(v)) }
func (s *Space) Int64(a Addr) int64       { return int64(s.Uint64(a)) }
func (s *Space) SetInt64(a Addr, v int64) { s.SetUint64(a, uint64(v)) }

// Float32 reads the IEEE-754 bit pattern at a.
func (s *Space) Float32(a Addr) float32 { return math.Float32frombits(s.Uint32(a)) }

func (s *Space) SetFloat32(a Addr, v float32) { s.SetUint32(a, math.Float32bits(v)) }

// Float64 reads the IEEE-754 bit pattern at a.
func (s *Space) Float64(a Addr) float64 { return math.Float64frombits(s.Uint64(a)) }

func (s *Space) SetFloat64(a Addr, v float64) { s.SetUint64(a, math.Float64bits(v)) }

// Ref reads a reference slot. Stores into heap objects must go through a
// write barrier; see gc.Collector.WriteRef.
func (s *Space) Ref(a Addr) Addr       { return Addr(s.Uint32(a)) }
func (s *Space) SetRef(a Addr, v Addr) { s.SetUint32(a, uint32(v)) }

// Copy moves n bytes from src to dst. Overlapping ranges are handled.
func (s *Space) Copy(dst, src Addr, n uint32) {
	if n == 0 {
		return
	}
	copy(s.Bytes(dst, n), s.Bytes(src, n))
}

// Zero clears n bytes at a.
func (s *Space) Zero(a Addr, n uint32) {
	if n == 0 {
		return
	}
	clear(s.Bytes(a, n))
}

func alignUp(n, align uint32) uint32 {
	if align <= 1 {
		return n
	}
	return (n + align - 1) / align * align
}

// Align rounds n up to a multiple of align.
func Align(n, align uint32) uint32 { return alignUp(n, align) }
