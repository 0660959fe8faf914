package gc

import (
	"github.com/daimatz/gcrt/pkg/object"
)

// isMarked reports whether obj survives the current cycle. Young cycles
// treat the old generation as marked.
func (c *Collector) isMarked(obj object.Addr) bool {
	h := c.space.Header(obj)
	return h&object.HeaderMarked != 0 || (!c.full && h&object.HeaderOldGeneration != 0)
}

func (c *Collector) markRef(ref object.Addr) {
	if ref == object.Null || !c.space.InHeap(ref) || c.isMarked(ref) {
		return
	}
	c.space.SetMarked(ref, true)
	c.listener.Mark(ref)
	c.worklist = append(c.worklist, ref)
}

func (c *Collector) layout(cls object.Class) []uint32 {
	if l, ok := c.layouts[cls.Addr()]; ok {
		return l
	}
	var l []uint32
	for s := cls; !s.IsNull(); s = s.Superclass() {
		l = append(l, s.Layout()...)
	}
	c.layouts[cls.Addr()] = l
	return l
}

// scan visits every reference slot of obj. With weak set, the referent of
// a reference object is skipped and the reference is remembered for
// processing after the mark phase.
func (c *Collector) scan(obj object.Addr, visit func(slot object.Addr), weak bool) {
	cls := c.classes.ClassOf(obj)
	if cls.IsArray() {
		if cls.ItemType().IsPrimitive() {
			return
		}
		data := obj + object.ArrayHeaderSize
		n := c.space.ArrayLength(obj)
		for i := uint32(0); i < n; i++ {
			visit(data + object.Addr(i*object.PointerSize))
		}
		return
	}
	for _, off := range c.layout(cls) {
		visit(obj + object.Addr(off))
	}
	switch cls.ReferenceKind() {
	case object.WeakReference:
		visit(obj + object.OffsetRefQueue)
		visit(obj + object.OffsetRefNext)
		if weak {
			c.discovered = append(c.discovered, obj)
		} else {
			visit(obj + object.OffsetRefReferent)
		}
	case object.ReferenceQueueKind:
		visit(obj + object.OffsetQueueFirst)
		visit(obj + object.OffsetQueueLast)
	}
}

func (c *Collector) markSlot(slot object.Addr) { c.markRef(c.space.Ref(slot)) }

func (c *Collector) markRoots() {
	if c.roots.Stack != nil {
		c.roots.Stack.Roots(func(slot *object.Addr) { c.markRef(*slot) })
	}
	if c.roots.Statics != nil {
		for _, slot := range c.roots.Statics.Slots() {
			c.markSlot(slot)
		}
	}
	if c.roots.Strings != nil {
		c.roots.Strings.Slots(func(slot *object.Addr) { c.markRef(*slot) })
	}
}

// markFromOldGeneration rescans the old objects of every region whose card
// was dirtied since the last cycle.
func (c *Collector) markFromOldGeneration() {
	cards := c.mem.Cards().Bytes()
	end := c.space.HeapEnd()
	for r := 0; r < int(c.mem.RegionCount()); r++ {
		if cards[r] == CardValid {
			continue
		}
		start := c.regionStart(r)
		if start >= end {
			break
		}
		c.listener.ReportDirtyRegion(start)
		a, ok := c.firstObject(r)
		if !ok {
			continue
		}
		limit := min(c.regionStart(r+1), end)
		for a < limit {
			var size uint32
			if c.space.IsFree(a) {
				size = c.space.FreeBlockSize(a)
			} else {
				size = c.classes.ObjectSize(a)
				if c.space.IsOld(a) {
					c.scan(a, c.markSlot, true)
				}
			}
			if size == 0 {
				break
			}
			a += object.Addr(size)
		}
	}
}

func (c *Collector) drain(weak bool) {
	for len(c.worklist) > 0 {
		obj := c.worklist[len(c.worklist)-1]
		c.worklist = c.worklist[:len(c.worklist)-1]
		c.scan(obj, c.markSlot, weak)
	}
}

// mark runs the mark phase. With references set, weak references whose
// referents were not reached are cleared and enqueued.
func (c *Collector) mark(references bool) {
	c.listener.MarkStarted()
	c.discovered = c.discovered[:0]
	c.markRoots()
	if !c.full {
		c.markFromOldGeneration()
	}
	c.drain(references)
	if references {
		c.processReferences()
	}
	c.listener.MarkCompleted()
}

func (c *Collector) processReferences() {
	refs := object.References{Space: c.space}
	for _, ref := range c.discovered {
		referent := refs.Get(ref)
		if referent == object.Null || !c.space.InHeap(referent) || c.isMarked(referent) {
			continue
		}
		refs.Clear(ref)
		refs.Enqueue(ref)
	}
	c.discovered = c.discovered[:0]
}

// Mark runs a standalone full mark phase from clean mark bits and returns
// the reached objects in address order. Weak references are traced
// strongly and no reference is cleared. Mark bits are clear on return.
func (c *Collector) Mark() []object.Addr {
	saved := c.full
	c.full = true
	defer func() { c.full = saved }()

	c.Walk(func(obj object.Addr, _ object.Class, _ uint32) bool {
		c.space.SetMarked(obj, false)
		return true
	})
	c.mark(false)
	var marked []object.Addr
	c.Walk(func(obj object.Addr, _ object.Class, _ uint32) bool {
		if c.space.IsMarked(obj) {
			marked = append(marked, obj)
			c.space.SetMarked(obj, false)
		}
		return true
	})
	return marked
}
