package object

// Header bits. The low 30 bits hold the packed class pointer; a header of
// zero marks a free block whose hash word holds the block size.
const (
	HeaderMarked        uint32 = 0x8000_0000
	HeaderOldGeneration uint32 = 0x4000_0000
	HeaderClassMask     uint32 = 0x3FFF_FFFF
)

// Object layout.
const (
	OffsetHeader      = 0
	OffsetHash        = 4
	ObjectHeaderSize  = 8
	OffsetArrayLength = 8
	ArrayHeaderSize   = 12
)

// Header returns the raw header word of obj.
func (s *Space) Header(obj Addr) uint32 { return s.Uint32(obj + OffsetHeader) }

func (s *Space) SetHeader(obj Addr, h uint32) { s.SetUint32(obj+OffsetHeader, h) }

// Hash returns the identity hash word, or the block size of a free block.
func (s *Space) Hash(obj Addr) uint32 { return s.Uint32(obj + OffsetHash) }

func (s *Space) SetHash(obj Addr, v uint32) { s.SetUint32(obj+OffsetHash, v) }

// ArrayLength returns the element count of an array object.
func (s *Space) ArrayLength(arr Addr) uint32 { return s.Uint32(arr + OffsetArrayLength) }

// IsFree reports whether the block at a is a free block.
func (s *Space) IsFree(a Addr) bool { return s.Header(a) == 0 }

// FreeBlockSize returns the size recorded in a free block.
func (s *Space) FreeBlockSize(a Addr) uint32 { return s.Hash(a) }

// MakeFree turns [a, a+size) into one free block.
func (s *Space) MakeFree(a Addr, size uint32) {
	s.SetHeader(a, 0)
	s.SetHash(a, size)
}

// IsMarked reports the mark bit of obj.
func (s *Space) IsMarked(obj Addr) bool { return s.Header(obj)&HeaderMarked != 0 }

// IsOld reports the old generation bit of obj.
func (s *Space) IsOld(obj Addr) bool { return s.Header(obj)&HeaderOldGeneration != 0 }

func (s *Space) setHeaderBits(obj Addr, bits uint32, on bool) {
	h := s.Header(obj)
	if on {
		h |= bits
	} else {
		h &^= bits
	}
	s.SetHeader(obj, h)
}

func (s *Space) SetMarked(obj Addr, on bool) { s.setHeaderBits(obj, HeaderMarked, on) }
func (s *Space) SetOld(obj Addr, on bool)    { s.setHeaderBits(obj, HeaderOldGeneration, on) }
