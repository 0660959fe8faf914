package gc

import (
	"github.com/daimatz/gcrt/pkg/object"
)

// sweep frees unmarked objects, coalesces adjacent free blocks into chunks,
// clears the mark bits of survivors and records the first survivor of every
// region.
func (c *Collector) sweep() {
	c.listener.SweepStarted()
	sp := c.space
	end := sp.HeapEnd()

	c.clearRegions()
	c.chunkCount = 0
	c.occupied = 0
	c.firstFree = end

	run, runSize := object.Null, uint32(0)
	flush := func() {
		if runSize == 0 {
			return
		}
		sp.MakeFree(run, runSize)
		c.addChunk(run)
		if c.firstFree == end {
			c.firstFree = run
		}
		run, runSize = object.Null, 0
	}
	extend := func(a object.Addr, size uint32) {
		if runSize == 0 {
			run = a
		}
		runSize += size
	}

	for a := sp.HeapStart(); a < end; {
		if sp.IsFree(a) {
			size := sp.FreeBlockSize(a)
			if size == 0 {
				err := &CorruptionError{Op: "sweep", Addr: a, Detail: "free block of zero size"}
				c.listener.Corrupted(err)
				// The walk cannot advance past it.
				panic(err)
			}
			c.listener.AssertFree(a, size)
			extend(a, size)
			a += object.Addr(size)
			continue
		}
		size := c.classes.ObjectSize(a)
		if c.isMarked(a) {
			flush()
			sp.SetMarked(a, false)
			c.recordRegion(a)
			c.occupied += uint64(size)
		} else {
			c.listener.Free(a, size)
			extend(a, size)
		}
		a += object.Addr(size)
	}
	c.tail = end
	if runSize > 0 {
		c.tail = run
	}
	flush()
	c.listener.SweepCompleted()
}

// defrag promotes every survivor to the old generation and, when enabled
// and the heap has holes, compacts it first.
func (c *Collector) defrag() {
	c.listener.DefragStarted()
	if c.opts.Compact && c.firstFree < c.tail {
		c.compact()
	}
	c.clearRegions()
	c.Walk(func(obj object.Addr, _ object.Class, _ uint32) bool {
		c.space.SetOld(obj, true)
		c.recordRegion(obj)
		return true
	})
	c.listener.DefragCompleted()
}

// compact slides every object above the first hole down to the lowest free
// address, preserving order. Forwarding addresses are computed first, then
// every slot referencing a moved object is rewritten, then the objects are
// copied in ascending order.
func (c *Collector) compact() {
	sp := c.space
	end := sp.HeapEnd()
	forward := make(map[object.Addr]object.Addr)

	dest := c.firstFree
	for a := c.firstFree; a < end; {
		if sp.IsFree(a) {
			a += object.Addr(sp.FreeBlockSize(a))
			continue
		}
		size := c.classes.ObjectSize(a)
		if a != dest {
			forward[a] = dest
		}
		dest += object.Addr(size)
		a += object.Addr(size)
	}

	update := func(slot *object.Addr) {
		if to, ok := forward[*slot]; ok {
			*slot = to
		}
	}
	updateSlot := func(slot object.Addr) {
		if to, ok := forward[sp.Ref(slot)]; ok {
			sp.SetRef(slot, to)
		}
	}
	if c.roots.Stack != nil {
		c.roots.Stack.Roots(update)
	}
	if c.roots.Statics != nil {
		for _, slot := range c.roots.Statics.Slots() {
			updateSlot(slot)
		}
	}
	if c.roots.Strings != nil {
		c.roots.Strings.Slots(update)
	}
	c.Walk(func(obj object.Addr, _ object.Class, _ uint32) bool {
		c.scan(obj, updateSlot, false)
		return true
	})

	for a := c.firstFree; a < end; {
		if sp.IsFree(a) {
			a += object.Addr(sp.FreeBlockSize(a))
			continue
		}
		size := c.classes.ObjectSize(a)
		if to, ok := forward[a]; ok {
			c.listener.Move(a, to, size)
			sp.Copy(to, a, size)
		}
		a += object.Addr(size)
	}

	c.chunkCount = 0
	c.tail = dest
	c.firstFree = end
	if dest < end {
		sp.MakeFree(dest, uint32(end-dest))
		c.listener.AssertFree(dest, uint32(end-dest))
		c.addChunk(dest)
		c.firstFree = dest
	}
}
