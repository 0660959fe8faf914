package gc

import (
	"encoding/binary"

	"github.com/daimatz/gcrt/pkg/object"
)

// Card states. The write barrier clears the card of the region holding the
// written object; every collection resets all cards to valid.
const (
	CardDirty = 0
	CardValid = 1
)

func (c *Collector) regionSize() uint32 { return uint32(c.mem.RegionSize()) }

func (c *Collector) regionOf(a object.Addr) int {
	return int(uint32(a-object.HeapBase) / c.regionSize())
}

func (c *Collector) regionStart(r int) object.Addr {
	return object.HeapBase + object.Addr(uint32(r)*c.regionSize())
}

// clearRegions zeroes the region table for the current heap.
func (c *Collector) clearRegions() {
	n := int(c.mem.RegionCount())
	clear(c.mem.Regions().Bytes()[:2*n])
}

// recordRegion notes obj as the first object of its region unless an
// earlier one was recorded. Entries hold the offset within the region plus
// one so zero means the region starts no object.
func (c *Collector) recordRegion(obj object.Addr) {
	r := c.regionOf(obj)
	table := c.mem.Regions().Bytes()
	if binary.LittleEndian.Uint16(table[2*r:]) != 0 {
		return
	}
	off := uint32(obj-object.HeapBase) % c.regionSize()
	binary.LittleEndian.PutUint16(table[2*r:], uint16(off+1))
}

// firstObject returns the first object recorded for region r.
func (c *Collector) firstObject(r int) (object.Addr, bool) {
	v := binary.LittleEndian.Uint16(c.mem.Regions().Bytes()[2*r:])
	if v == 0 {
		return object.Null, false
	}
	return c.regionStart(r) + object.Addr(v-1), true
}

func (c *Collector) resetCards() {
	cards := c.mem.Cards().Bytes()[:c.mem.RegionCount()]
	for i := range cards {
		cards[i] = CardValid
	}
}

// WriteBarrier records a reference store into obj.
func (c *Collector) WriteBarrier(obj object.Addr) {
	if !c.space.InHeap(obj) {
		return
	}
	c.mem.Cards().Bytes()[c.regionOf(obj)] = CardDirty
}

// IsDirty reports whether the card of the region holding a is dirty.
func (c *Collector) IsDirty(a object.Addr) bool {
	return c.mem.Cards().Bytes()[c.regionOf(a)] != CardValid
}
