package gc

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/daimatz/gcrt/pkg/object"
)

// Heap map states, one byte per pointer-sized slot.
const (
	slotFree         = 0
	slotStart        = 1
	slotContinuation = 2
)

// TracerOptions configures a Tracer.
type TracerOptions struct {
	// Checks enables the shadow heap maps and every consistency check.
	Checks bool
	// Stats collects per-cycle statistics.
	Stats bool
	// PrintStats writes the statistics to Out after every cycle.
	PrintStats bool
	// Log, when set, receives an occupancy histogram per phase.
	Log    *TraceLog
	Out    io.Writer
	Logger *slog.Logger
}

// Tracer is the consistency oracle. It mirrors the heap in two maps,
// heapMap (free, object start, continuation) and markMap (reached in the
// current cycle), and checks every protocol notification against them.
// Any violation is passed to Abort, which by default panics with a
// *CorruptionError.
type Tracer struct {
	space   *object.Space
	classes *object.ClassTable
	checks  bool
	heapMap []byte
	markMap []byte

	stats      *Stats
	last       Stats
	printStats bool
	log        *TraceLog
	out        io.Writer
	logger     *slog.Logger
	started    time.Time

	// Abort is called with every invariant violation.
	Abort func(err error)
	// Now is the clock used for phase timing.
	Now func() time.Time
}

// NewTracer creates a tracer for the heap of classes' space.
func NewTracer(classes *object.ClassTable, opts TracerOptions) *Tracer {
	sp := classes.Space()
	t := &Tracer{
		space:      sp,
		classes:    classes,
		checks:     opts.Checks,
		printStats: opts.PrintStats,
		log:        opts.Log,
		out:        opts.Out,
		logger:     opts.Logger,
		Now:        time.Now,
	}
	if t.out == nil {
		t.out = io.Discard
	}
	if t.logger == nil {
		t.logger = slog.New(slog.NewTextHandler(t.out, &slog.HandlerOptions{Level: slog.LevelWarn}))
	}
	if opts.Stats || opts.PrintStats {
		t.stats = &Stats{}
	}
	if t.checks {
		slots := sp.Reservation().Max() / object.PointerSize
		t.heapMap = make([]byte, slots)
		t.markMap = make([]byte, slots)
	}
	t.Abort = func(err error) {
		fmt.Fprintf(t.out, "[GC] %v\n", err)
		panic(err)
	}
	t.started = t.Now()
	return t
}

// Stats returns the counters of the current cycle, or nil when statistics
// are disabled.
func (t *Tracer) Stats() *Stats { return t.stats }

// LastCycle returns the counters of the most recent completed cycle.
func (t *Tracer) LastCycle() Stats { return t.last }

// Checks reports whether consistency checking is enabled.
func (t *Tracer) Checks() bool { return t.checks }

// Corrupted reports a violation found by the collector through Abort.
func (t *Tracer) Corrupted(err *CorruptionError) { t.Abort(err) }

func (t *Tracer) fail(op string, addr object.Addr, format string, args ...any) {
	t.Abort(&CorruptionError{Op: op, Addr: addr, Detail: fmt.Sprintf(format, args...)})
}

// slots returns the map range for [addr, addr+size), or ok=false after
// reporting the violation.
func (t *Tracer) slots(op string, addr object.Addr, size uint32) (start, n int, ok bool) {
	if !t.space.InHeap(addr) || uint64(addr-object.HeapBase)+uint64(size) > t.space.Reservation().Available() {
		t.fail(op, addr, "range of %d bytes outside the heap", size)
		return 0, 0, false
	}
	if (addr-object.HeapBase)%object.PointerSize != 0 || size%object.PointerSize != 0 {
		t.fail(op, addr, "unaligned range of %d bytes", size)
		return 0, 0, false
	}
	return int(addr-object.HeapBase) / object.PointerSize, int(size) / object.PointerSize, true
}

// Allocate records a new object. The slots must be free.
func (t *Tracer) Allocate(addr object.Addr, size uint32) {
	if t.stats != nil {
		t.stats.AllocationCount++
	}
	if !t.checks {
		return
	}
	start, n, ok := t.slots("allocate", addr, size)
	if !ok {
		return
	}
	for i := 0; i < n; i++ {
		if t.heapMap[start+i] != slotFree {
			t.fail("allocate", addr+object.Addr(i*object.PointerSize), "allocating memory that is already occupied")
			return
		}
	}
	t.heapMap[start] = slotStart
	for i := 1; i < n; i++ {
		t.heapMap[start+i] = slotContinuation
	}
}

// Free records the release of dead objects. The range must start at an
// object, contain no free slot and nothing marked.
func (t *Tracer) Free(addr object.Addr, size uint32) {
	if t.stats != nil {
		t.stats.FreeCount++
		t.stats.FreeByteCount += uint64(size)
	}
	if !t.checks {
		return
	}
	start, n, ok := t.slots("free", addr, size)
	if !ok {
		return
	}
	if n > 0 && t.heapMap[start] != slotStart {
		t.fail("free", addr, "releasing memory that does not start an object")
		return
	}
	for i := 0; i < n; i++ {
		at := addr + object.Addr(i*object.PointerSize)
		if t.heapMap[start+i] == slotFree {
			t.fail("free", at, "releasing memory that is already free")
			return
		}
		if t.markMap[start+i] != 0 {
			t.fail("free", at, "releasing a reachable object")
			return
		}
	}
	clear(t.heapMap[start : start+n])
}

// AssertFree checks that the range holds no object.
func (t *Tracer) AssertFree(addr object.Addr, size uint32) {
	if !t.checks {
		return
	}
	start, n, ok := t.slots("assert free", addr, size)
	if !ok {
		return
	}
	for i := 0; i < n; i++ {
		if t.heapMap[start+i] != slotFree {
			t.fail("assert free", addr+object.Addr(i*object.PointerSize), "memory expected to be free is occupied")
			return
		}
	}
}

// Mark records that the object at addr was reached. Addresses outside the
// heap are ignored.
func (t *Tracer) Mark(addr object.Addr) {
	if t.stats != nil {
		t.stats.MarkCount++
	}
	if !t.checks || !t.space.InHeap(addr) {
		return
	}
	if (addr-object.HeapBase)%object.PointerSize != 0 {
		t.fail("mark", addr, "unaligned object address")
		return
	}
	start := int(addr-object.HeapBase) / object.PointerSize
	if t.heapMap[start] != slotStart {
		t.fail("mark", addr, "marking memory that is not an allocated object")
		return
	}
	if t.markMap[start] != 0 {
		t.fail("mark", addr, "object marked twice")
		return
	}
	n := int(t.classes.ObjectSize(addr)) / object.PointerSize
	if start+n > len(t.heapMap) {
		t.fail("mark", addr, "object extends past the heap")
		return
	}
	for i := 1; i < n; i++ {
		if t.heapMap[start+i] != slotContinuation {
			t.fail("mark", addr, "object size %d does not match its allocation", n*object.PointerSize)
			return
		}
	}
	for i := 0; i < n; i++ {
		t.markMap[start+i] = 1
	}
}

// Move transfers the occupancy of [from, from+size) to [to, to+size). The
// copy direction follows memmove so overlapping moves work both ways.
func (t *Tracer) Move(from, to object.Addr, size uint32) {
	if t.stats != nil {
		t.stats.RelocatedBlocks++
		t.stats.RelocatedBytes += uint64(size)
	}
	if !t.checks || from == to {
		return
	}
	src, n, ok := t.slots("move", from, size)
	if !ok {
		return
	}
	dst, _, ok := t.slots("move", to, size)
	if !ok {
		return
	}
	step := func(i int) bool {
		if t.heapMap[src+i] == slotFree {
			t.fail("move", from+object.Addr(i*object.PointerSize), "moving free memory")
			return false
		}
		if t.heapMap[dst+i] != slotFree {
			t.fail("move", to+object.Addr(i*object.PointerSize), "moving into occupied memory")
			return false
		}
		t.heapMap[dst+i] = t.heapMap[src+i]
		t.markMap[dst+i] = t.markMap[src+i]
		t.heapMap[src+i] = slotFree
		t.markMap[src+i] = 0
		return true
	}
	if from > to {
		for i := 0; i < n; i++ {
			if !step(i) {
				return
			}
		}
	} else {
		for i := n - 1; i >= 0; i-- {
			if !step(i) {
				return
			}
		}
	}
}

// IsAllocated reports whether addr starts an object in the heap map.
func (t *Tracer) IsAllocated(addr object.Addr) bool {
	if !t.checks || !t.space.InHeap(addr) {
		return false
	}
	return t.heapMap[int(addr-object.HeapBase)/object.PointerSize] == slotStart
}

// IsFree reports whether every slot of [addr, addr+size) is free in the
// heap map.
func (t *Tracer) IsFree(addr object.Addr, size uint32) bool {
	if !t.checks {
		return false
	}
	start := int(addr-object.HeapBase) / object.PointerSize
	for i := 0; i < int(size)/object.PointerSize; i++ {
		if t.heapMap[start+i] != slotFree {
			return false
		}
	}
	return true
}

// IsMarked reports whether addr was reached in the current cycle.
func (t *Tracer) IsMarked(addr object.Addr) bool {
	if !t.checks || !t.space.InHeap(addr) {
		return false
	}
	return t.markMap[int(addr-object.HeapBase)/object.PointerSize] != 0
}

func (t *Tracer) record(phase string) {
	if t.log == nil {
		return
	}
	if err := t.log.Record(phase, t.space, t.classes); err != nil {
		t.logger.Warn("gc trace log write failed", "path", t.log.Path(), "err", err)
	}
}

func (t *Tracer) GCStarted(full bool) {
	if t.stats != nil {
		now := t.Now()
		t.stats.Full = full
		t.stats.cycleStart = now
		t.stats.StartedAt = now.Sub(t.started)
	}
	t.logger.Debug("collection started", "full", full)
	t.record("gc-started")
}

func (t *Tracer) MarkStarted() {
	if t.checks {
		clear(t.markMap)
	}
	if t.stats != nil {
		t.stats.phaseStart = t.Now()
	}
}

func (t *Tracer) MarkCompleted() {
	if t.stats != nil {
		t.stats.MarkTime = t.Now().Sub(t.stats.phaseStart)
	}
	t.record("mark")
}

func (t *Tracer) SweepStarted() {
	if t.stats != nil {
		t.stats.phaseStart = t.Now()
	}
}

func (t *Tracer) SweepCompleted() {
	t.CheckHeapConsistency(false, true)
	if t.stats != nil {
		t.stats.SweepTime = t.Now().Sub(t.stats.phaseStart)
	}
	t.record("sweep")
}

func (t *Tracer) DefragStarted() {
	if t.stats != nil {
		t.stats.phaseStart = t.Now()
	}
}

func (t *Tracer) DefragCompleted() {
	t.CheckHeapConsistency(true, true)
	if t.stats != nil {
		t.stats.DefragTime = t.Now().Sub(t.stats.phaseStart)
	}
	t.record("defrag")
}

func (t *Tracer) GCCompleted() {
	if t.stats == nil {
		return
	}
	t.stats.TotalTime = t.Now().Sub(t.stats.cycleStart)
	t.stats.Cycles++
	t.logger.Debug("collection completed", "full", t.stats.Full, "took", t.stats.TotalTime, "freed", formatBytes(t.stats.FreeByteCount))
	if t.printStats {
		t.stats.Print(t.out)
	}
	t.last = *t.stats
	t.stats.Reset()
}

func (t *Tracer) HeapResized(newSize uint64) {
	t.logger.Info("heap resized", "size", formatBytes(newSize))
	t.record("resized")
}

func (t *Tracer) ReportDirtyRegion(addr object.Addr) {
	if t.stats != nil {
		t.stats.DirtyRegionCount++
	}
}
