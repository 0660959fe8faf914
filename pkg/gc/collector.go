package gc

import (
	"encoding/binary"
	"io"
	"log/slog"

	"github.com/daimatz/gcrt/pkg/intern"
	"github.com/daimatz/gcrt/pkg/memory"
	"github.com/daimatz/gcrt/pkg/object"
	"github.com/daimatz/gcrt/pkg/stack"
)

// Roots are the root sets scanned at the start of every mark phase. Any of
// them may be nil.
type Roots struct {
	Stack   *stack.Stack
	Statics *object.StaticRoots
	Strings *intern.Table
}

// Options configures a Collector.
type Options struct {
	// Compact slides live objects to the heap start during defrag.
	Compact bool
	// YoungCollections is the number of consecutive young cycles after
	// which the next cycle is full. Zero or less makes every cycle full.
	YoungCollections int
	// OnOutOfMemory is called before the collector panics with an
	// *OutOfMemoryError.
	OnOutOfMemory func(requested uint64)
	Logger        *slog.Logger
}

// Collector is a mark-sweep-compact collector over the heap of a class
// table. It drives the Listener protocol on every allocation and phase.
//
// Free memory is kept as a list of free blocks (chunks) in the GC working
// buffer. Allocation bumps through the current chunk and moves on to the
// next one when the request does not fit. The remainder of the current
// chunk is always a well formed free block, so the heap can be walked at
// any time.
type Collector struct {
	classes  *object.ClassTable
	space    *object.Space
	mem      *memory.Reservation
	roots    Roots
	listener Listener
	opts     Options
	logger   *slog.Logger

	chunkCount int
	chunk      int
	cursor     object.Addr
	chunkEnd   object.Addr

	// tail is where the trailing free block starts, or the heap end.
	tail      object.Addr
	firstFree object.Addr
	occupied  uint64

	full       bool
	youngCount int
	fullNext   bool
	layouts    map[object.Addr][]uint32
	worklist   []object.Addr
	discovered []object.Addr
}

// New creates a collector over the heap of classes. The whole heap starts
// out as one free block.
func New(classes *object.ClassTable, roots Roots, listener Listener, opts Options) *Collector {
	sp := classes.Space()
	c := &Collector{
		classes:  classes,
		space:    sp,
		mem:      sp.Reservation(),
		roots:    roots,
		listener: listener,
		opts:     opts,
		logger:   opts.Logger,
		layouts:  make(map[object.Addr][]uint32),
	}
	if c.logger == nil {
		c.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	c.mem.SetResizeListener(listener.HeapResized)

	start, end := sp.HeapStart(), sp.HeapEnd()
	c.tail = end
	c.firstFree = end
	if end-start >= object.ObjectHeaderSize {
		sp.MakeFree(start, uint32(end-start))
		c.addChunk(start)
		c.tail = start
		c.firstFree = start
	}
	c.clearRegions()
	c.resetCards()
	c.resetChunks()
	return c
}

// Classes returns the class table of the collected heap.
func (c *Collector) Classes() *object.ClassTable { return c.classes }

// References returns the weak reference operations with the write barrier
// installed.
func (c *Collector) References() object.References {
	return object.References{Space: c.space, Barrier: c.WriteBarrier}
}

func (c *Collector) chunkCapacity() int {
	return int(c.mem.Storage().Committed() / object.PointerSize)
}

func (c *Collector) chunkAt(i int) object.Addr {
	return object.Addr(binary.LittleEndian.Uint32(c.mem.Storage().Bytes()[4*i:]))
}

// addChunk records a free block. A block that does not fit in the working
// buffer is left unrecorded until the next sweep.
func (c *Collector) addChunk(a object.Addr) {
	if c.chunkCount >= c.chunkCapacity() {
		return
	}
	binary.LittleEndian.PutUint32(c.mem.Storage().Bytes()[4*c.chunkCount:], uint32(a))
	c.chunkCount++
}

func (c *Collector) dropLastChunk(a object.Addr) {
	if c.chunkCount > 0 && c.chunkAt(c.chunkCount-1) == a {
		c.chunkCount--
	}
}

func (c *Collector) resetChunks() {
	c.chunk = -1
	c.cursor, c.chunkEnd = object.Null, object.Null
	c.nextChunk()
}

func (c *Collector) nextChunk() bool {
	c.chunk++
	if c.chunk >= c.chunkCount {
		c.chunk = c.chunkCount
		c.cursor, c.chunkEnd = object.Null, object.Null
		return false
	}
	c.cursor = c.chunkAt(c.chunk)
	c.chunkEnd = c.cursor + object.Addr(c.space.FreeBlockSize(c.cursor))
	return true
}

func fits(remaining, size uint32) bool {
	return remaining == size || remaining >= size+object.ObjectHeaderSize
}

func (c *Collector) tryAlloc(size uint32) (object.Addr, bool) {
	for c.chunk < c.chunkCount {
		remaining := uint32(c.chunkEnd - c.cursor)
		if fits(remaining, size) {
			a := c.cursor
			c.cursor += object.Addr(size)
			if a >= c.tail {
				c.tail = c.cursor
			}
			if c.cursor < c.chunkEnd {
				c.space.MakeFree(c.cursor, uint32(c.chunkEnd-c.cursor))
			}
			return a, true
		}
		c.nextChunk()
	}
	return object.Null, false
}

// Alloc returns size bytes of zeroed heap memory, collecting and growing
// the heap as needed. It panics with an *OutOfMemoryError when the request
// cannot be satisfied.
func (c *Collector) Alloc(size uint32) object.Addr {
	if uint64(size) > c.mem.Max() {
		c.outOfMemory(uint64(size))
	}
	size = object.Align(max(size, object.ObjectHeaderSize), object.PointerSize)
	a, ok := c.tryAlloc(size)
	if !ok {
		c.collect(size, false)
		a, ok = c.tryAlloc(size)
	}
	if !ok && !c.full {
		c.collect(size, true)
		a, ok = c.tryAlloc(size)
	}
	if !ok {
		c.outOfMemory(uint64(size))
	}
	c.space.Zero(a, size)
	c.listener.Allocate(a, size)
	return a
}

// AllocObject allocates an instance of cls.
func (c *Collector) AllocObject(cls object.Class) object.Addr {
	a := c.Alloc(cls.Size())
	c.space.SetHeader(a, c.classes.Header(cls))
	return a
}

// AllocArray allocates an array of class cls with length elements.
func (c *Collector) AllocArray(cls object.Class, length uint32) object.Addr {
	size := object.ArrayBytes(cls, length)
	if size > c.mem.Max() {
		c.outOfMemory(size)
	}
	a := c.Alloc(uint32(size))
	c.space.SetHeader(a, c.classes.Header(cls))
	c.space.SetUint32(a+object.OffsetArrayLength, length)
	return a
}

// WriteRef stores v into the reference field at obj+offset and runs the
// write barrier.
func (c *Collector) WriteRef(obj object.Addr, offset uint32, v object.Addr) {
	c.space.SetRef(obj+object.Addr(offset), v)
	c.WriteBarrier(obj)
}

func (c *Collector) outOfMemory(size uint64) {
	err := &OutOfMemoryError{Requested: size, Available: c.mem.Available(), Max: c.mem.Max()}
	c.logger.Error("out of memory", "requested", size, "available", formatBytes(err.Available))
	if c.opts.OnOutOfMemory != nil {
		c.opts.OnOutOfMemory(size)
	}
	panic(err)
}

// Collect runs a cycle, young or full according to the cycle policy.
func (c *Collector) Collect() { c.collect(0, false) }

// CollectFull runs a full cycle.
func (c *Collector) CollectFull() { c.collect(0, true) }

// TryShrink runs a full cycle and shrinks the heap when occupancy allows.
func (c *Collector) TryShrink() { c.collect(0, true) }

func (c *Collector) collect(requested uint32, full bool) {
	full = full || c.fullNext || c.opts.YoungCollections <= 0
	c.runCycle(full)
	if full {
		c.youngCount = 0
		c.fullNext = false
	} else {
		c.youngCount++
		c.fullNext = c.youngCount >= c.opts.YoungCollections
	}
	c.resizeIfNecessary(requested)
	c.resetChunks()
}

func (c *Collector) runCycle(full bool) {
	c.full = full
	c.listener.GCStarted(full)
	c.mark(true)
	c.sweep()
	c.defrag()
	c.resetCards()
	c.listener.GCCompleted()
}

// Walk calls fn with every object in the heap in address order until fn
// returns false.
func (c *Collector) Walk(fn func(obj object.Addr, cls object.Class, size uint32) bool) {
	sp := c.space
	for a := sp.HeapStart(); a < sp.HeapEnd(); {
		if sp.IsFree(a) {
			size := sp.FreeBlockSize(a)
			if size == 0 {
				return
			}
			a += object.Addr(size)
			continue
		}
		size := c.classes.ObjectSize(a)
		if !fn(a, c.classes.ClassOf(a), size) {
			return
		}
		a += object.Addr(size)
	}
}

// FreeBytes returns the total size of the free blocks in the heap.
func (c *Collector) FreeBytes() uint64 {
	var n uint64
	sp := c.space
	for a := sp.HeapStart(); a < sp.HeapEnd(); {
		var size uint32
		if sp.IsFree(a) {
			size = sp.FreeBlockSize(a)
			if size == 0 {
				break
			}
			n += uint64(size)
		} else {
			size = c.classes.ObjectSize(a)
		}
		a += object.Addr(size)
	}
	return n
}

// Occupied returns the live bytes found by the last sweep.
func (c *Collector) Occupied() uint64 { return c.occupied }

// YoungCount returns the number of young cycles since the last full one.
func (c *Collector) YoungCount() int { return c.youngCount }
