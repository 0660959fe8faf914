package gc

import (
	"encoding/binary"

	"github.com/daimatz/gcrt/pkg/object"
)

// CheckHeapConsistency walks the heap linearly and verifies every block
// against the heap map: free blocks hold no objects, live objects are
// registered, and every reference they hold points outside the heap or at
// an allocated object. With oldGen every live object must carry the old
// generation bit. With offsets the region table must match the first live
// object of every region.
func (t *Tracer) CheckHeapConsistency(oldGen, offsets bool) {
	if !t.checks {
		return
	}
	sp := t.space
	mem := sp.Reservation()
	regionSize := uint32(mem.RegionSize())
	regions := mem.Regions().Bytes()
	lastChecked := -1

	regionOffset := func(r int) uint16 {
		return binary.LittleEndian.Uint16(regions[2*r:])
	}
	expectEmpty := func(upTo int) bool {
		for lastChecked+1 < upTo {
			lastChecked++
			if got := regionOffset(lastChecked); got != 0 {
				start := object.HeapBase + object.Addr(uint32(lastChecked)*regionSize)
				t.fail("consistency", start, "region %d has offset %d but contains no object", lastChecked, got)
				return false
			}
		}
		return true
	}

	for a := sp.HeapStart(); a < sp.HeapEnd(); {
		if sp.IsFree(a) {
			size := sp.FreeBlockSize(a)
			if size == 0 {
				t.fail("consistency", a, "free block of zero size")
				return
			}
			t.AssertFree(a, size)
			a += object.Addr(size)
			continue
		}

		cls := t.classes.ClassOf(a)
		if !t.classes.Verify(cls) {
			t.fail("consistency", a, "header 0x%08x does not reference a class", sp.Header(a))
			return
		}
		slot := int(a-object.HeapBase) / object.PointerSize
		if t.heapMap[slot] != slotStart {
			t.fail("consistency", a, "live object is not registered as allocated")
			return
		}
		size := t.classes.ObjectSize(a)
		if size == 0 {
			t.fail("consistency", a, "object of zero size")
			return
		}
		if !t.checkReferences(a, cls) {
			return
		}
		if oldGen && !sp.IsOld(a) {
			t.fail("consistency", a, "live object is not in the old generation")
			return
		}
		if offsets {
			off := uint32(a - object.HeapBase)
			r := int(off / regionSize)
			if r != lastChecked {
				if !expectEmpty(r) {
					return
				}
				lastChecked = r
				want := uint16(off%regionSize + 1)
				if got := regionOffset(r); got != want {
					t.fail("consistency", a, "region %d has offset %d, first object is at offset %d", r, got, want)
					return
				}
			}
		}
		a += object.Addr(size)
	}

	if offsets {
		expectEmpty(int(mem.Available()/uint64(regionSize)) + 1)
	}
}

func (t *Tracer) checkReferences(obj object.Addr, cls object.Class) bool {
	sp := t.space
	check := func(slot object.Addr) bool {
		ref := sp.Ref(slot)
		if ref == object.Null || !sp.InHeap(ref) {
			return true
		}
		if (ref-object.HeapBase)%object.PointerSize != 0 ||
			t.heapMap[int(ref-object.HeapBase)/object.PointerSize] != slotStart {
			t.fail("consistency", obj, "field at +%d references 0x%08x, which is not an allocated object", slot-obj, uint32(ref))
			return false
		}
		return true
	}

	if cls.IsArray() {
		if cls.ItemType().IsPrimitive() {
			return true
		}
		data := obj + object.ArrayHeaderSize
		for i := uint32(0); i < sp.ArrayLength(obj); i++ {
			if !check(data + object.Addr(i*object.PointerSize)) {
				return false
			}
		}
		return true
	}

	for c := cls; !c.IsNull(); c = c.Superclass() {
		for _, off := range c.Layout() {
			if !check(obj + object.Addr(off)) {
				return false
			}
		}
	}
	switch cls.ReferenceKind() {
	case object.WeakReference:
		return check(obj+object.OffsetRefQueue) && check(obj+object.OffsetRefReferent) && check(obj+object.OffsetRefNext)
	case object.ReferenceQueueKind:
		return check(obj+object.OffsetQueueFirst) && check(obj+object.OffsetQueueLast)
	}
	return true
}
