package gc

import (
	"fmt"

	"github.com/daimatz/gcrt/pkg/object"
)

// chunkFits reports whether any recorded chunk can hold size bytes.
func (c *Collector) chunkFits(size uint32) bool {
	for i := 0; i < c.chunkCount; i++ {
		a := c.chunkAt(i)
		if fits(c.space.FreeBlockSize(a), size) {
			return true
		}
	}
	return false
}

func alignSize(n uint64) uint64 { return (n + 7) &^ 7 }

// resizeIfNecessary grows the heap when requested bytes do not fit or more
// than half of it is occupied, and shrinks it when less than a quarter is.
func (c *Collector) resizeIfNecessary(requested uint32) {
	available := c.mem.Available()
	tailOffset := uint64(c.tail - object.HeapBase)
	fitsNow := requested == 0 || c.chunkFits(requested)

	// Smallest heap whose trailing free block holds the request.
	minSize := tailOffset
	if requested > 0 {
		minSize += uint64(requested)
		minSize = alignSize(minSize)
		if rem := minSize - tailOffset - uint64(requested); rem != 0 && rem < object.ObjectHeaderSize {
			minSize += object.ObjectHeaderSize
		}
	}

	switch {
	case !fitsNow || c.occupied > available/2:
		newSize := alignSize(max(minSize, 2*c.occupied))
		newSize = min(newSize, c.mem.Max())
		if newSize > available {
			c.grow(newSize)
		}
	case c.occupied < available/4:
		newSize := max(alignSize(3*c.occupied), c.mem.Min(), minSize)
		if rem := newSize - tailOffset; rem != 0 && rem < object.ObjectHeaderSize {
			newSize += object.ObjectHeaderSize
		}
		if newSize < available {
			c.shrink(newSize)
		}
	}
}

func (c *Collector) grow(newSize uint64) {
	sp := c.space
	oldEnd := sp.HeapEnd()
	if err := c.mem.Resize(newSize); err != nil {
		c.logger.Warn("heap growth failed", "size", formatBytes(newSize), "err", err)
		return
	}
	end := sp.HeapEnd()
	if c.tail < oldEnd {
		sp.MakeFree(c.tail, uint32(end-c.tail))
		return
	}
	sp.MakeFree(oldEnd, uint32(end-oldEnd))
	c.addChunk(oldEnd)
	c.tail = oldEnd
	if c.firstFree >= oldEnd {
		c.firstFree = oldEnd
	}
}

func (c *Collector) shrink(newSize uint64) {
	sp := c.space
	if err := c.mem.Resize(newSize); err != nil {
		c.logger.Warn("heap shrink failed", "size", formatBytes(newSize), "err", err)
		return
	}
	end := sp.HeapEnd()
	if c.tail < end {
		sp.MakeFree(c.tail, uint32(end-c.tail))
		return
	}
	c.dropLastChunk(c.tail)
	c.tail = end
	if c.firstFree >= end {
		c.firstFree = end
	}
}

// Resize grows or shrinks the heap to newSize bytes between cycles. The
// heap cannot shrink below the end of the last allocated object.
func (c *Collector) Resize(newSize uint64) error {
	newSize = alignSize(newSize)
	if newSize < c.mem.Min() || newSize > c.mem.Max() {
		return fmt.Errorf("resize heap to %s: outside [%s, %s]", formatBytes(newSize), formatBytes(c.mem.Min()), formatBytes(c.mem.Max()))
	}
	available := c.mem.Available()
	tailOffset := uint64(c.tail - object.HeapBase)
	switch {
	case newSize > available:
		c.grow(newSize)
	case newSize < available:
		if newSize < tailOffset || (newSize > tailOffset && newSize-tailOffset < object.ObjectHeaderSize) {
			return fmt.Errorf("resize heap to %s: objects extend to %s", formatBytes(newSize), formatBytes(tailOffset))
		}
		c.shrink(newSize)
	default:
		return nil
	}
	if c.mem.Available() != newSize {
		return fmt.Errorf("resize heap to %s failed", formatBytes(newSize))
	}
	c.syncCursor()
	return nil
}

// syncCursor points the allocator at the trailing free block after it was
// extended, cut or appended outside a cycle.
func (c *Collector) syncCursor() {
	switch {
	case c.cursor == object.Null:
		if c.chunk < c.chunkCount {
			c.chunk--
			c.nextChunk()
		}
	case c.cursor >= c.tail && c.cursor < c.chunkEnd:
		c.chunkEnd = c.space.HeapEnd()
	}
}
