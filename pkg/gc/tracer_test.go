package gc

import (
	"bufio"
	"bytes"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daimatz/gcrt/pkg/memory"
	"github.com/daimatz/gcrt/pkg/object"
)

type tracerFixture struct {
	space   *object.Space
	classes *object.ClassTable
	tracer  *Tracer
	node    object.Class
	errs    []error
}

func newTracerFixture(t *testing.T) *tracerFixture {
	t.Helper()
	mem, err := memory.Init(memory.Options{
		Min:        64 * kib,
		Max:        256 * kib,
		RegionSize: 2 * kib,
		Backing:    memory.KindWasm,
	})
	require.NoError(t, err)
	t.Cleanup(func() { mem.Release() })

	fx := &tracerFixture{space: object.NewSpace(mem)}
	fx.classes = object.NewClassTable(fx.space, 4)
	fx.node, err = fx.classes.Define(object.ClassSpec{Name: "test/Node", Size: 16})
	require.NoError(t, err)
	fx.tracer = NewTracer(fx.classes, TracerOptions{Checks: true, Stats: true})
	fx.tracer.Abort = func(err error) { fx.errs = append(fx.errs, err) }
	return fx
}

// object allocates a node at offset off of the heap in the tracer and
// writes its header.
func (fx *tracerFixture) object(off uint32) object.Addr {
	a := object.HeapBase + object.Addr(off)
	fx.tracer.Allocate(a, 16)
	fx.space.SetHeader(a, fx.classes.Header(fx.node))
	return a
}

func (fx *tracerFixture) lastOp(t *testing.T) string {
	t.Helper()
	if len(fx.errs) == 0 {
		t.Fatal("expected a violation, got none")
	}
	var ce *CorruptionError
	if !errors.As(fx.errs[len(fx.errs)-1], &ce) {
		t.Fatalf("got %T, want *CorruptionError", fx.errs[len(fx.errs)-1])
	}
	return ce.Op
}

func TestTracerAllocate(t *testing.T) {
	t.Run("fresh memory", func(t *testing.T) {
		fx := newTracerFixture(t)
		a := fx.object(0)
		if !fx.tracer.IsAllocated(a) {
			t.Errorf("IsAllocated(0x%x) = false after Allocate", a)
		}
		if fx.tracer.IsAllocated(a + 4) {
			t.Error("continuation slot reported as object start")
		}
		if len(fx.errs) != 0 {
			t.Errorf("unexpected violations: %v", fx.errs)
		}
	})

	t.Run("overlapping allocation", func(t *testing.T) {
		fx := newTracerFixture(t)
		fx.object(0)
		fx.tracer.Allocate(object.HeapBase+8, 16)
		if got := fx.lastOp(t); got != "allocate" {
			t.Errorf("got op %q, want %q", got, "allocate")
		}
	})

	t.Run("outside the heap", func(t *testing.T) {
		fx := newTracerFixture(t)
		fx.tracer.Allocate(object.HeapBase+64*kib-8, 16)
		if got := fx.lastOp(t); got != "allocate" {
			t.Errorf("got op %q, want %q", got, "allocate")
		}
	})

	t.Run("unaligned", func(t *testing.T) {
		fx := newTracerFixture(t)
		fx.tracer.Allocate(object.HeapBase+2, 16)
		if got := fx.lastOp(t); got != "allocate" {
			t.Errorf("got op %q, want %q", got, "allocate")
		}
	})
}

func TestTracerFree(t *testing.T) {
	t.Run("free then allocate again", func(t *testing.T) {
		fx := newTracerFixture(t)
		a := fx.object(0)
		fx.tracer.Free(a, 16)
		fx.tracer.AssertFree(a, 16)
		fx.object(0)
		assert.Empty(t, fx.errs)
	})

	t.Run("double free", func(t *testing.T) {
		fx := newTracerFixture(t)
		a := fx.object(0)
		fx.tracer.Free(a, 16)
		fx.tracer.Free(a, 16)
		if got := fx.lastOp(t); got != "free" {
			t.Errorf("got op %q, want %q", got, "free")
		}
	})

	t.Run("range with a free tail", func(t *testing.T) {
		fx := newTracerFixture(t)
		a := fx.object(0)
		fx.tracer.Free(a, 24)
		if got := fx.lastOp(t); got != "free" {
			t.Errorf("got op %q, want %q", got, "free")
		}
	})

	t.Run("marked object", func(t *testing.T) {
		fx := newTracerFixture(t)
		a := fx.object(0)
		fx.tracer.MarkStarted()
		fx.tracer.Mark(a)
		fx.tracer.Free(a, 16)
		if got := fx.lastOp(t); got != "free" {
			t.Errorf("got op %q, want %q", got, "free")
		}
	})

	t.Run("assert free on an object", func(t *testing.T) {
		fx := newTracerFixture(t)
		fx.object(16)
		fx.tracer.AssertFree(object.HeapBase, 32)
		if got := fx.lastOp(t); got != "assert free" {
			t.Errorf("got op %q, want %q", got, "assert free")
		}
	})
}

func TestTracerMark(t *testing.T) {
	t.Run("mark once", func(t *testing.T) {
		fx := newTracerFixture(t)
		a := fx.object(0)
		fx.tracer.MarkStarted()
		fx.tracer.Mark(a)
		assert.True(t, fx.tracer.IsMarked(a))
		assert.Empty(t, fx.errs)
	})

	t.Run("mark after free", func(t *testing.T) {
		fx := newTracerFixture(t)
		a := fx.object(0)
		fx.tracer.Free(a, 16)
		fx.tracer.Mark(a)
		if got := fx.lastOp(t); got != "mark" {
			t.Errorf("got op %q, want %q", got, "mark")
		}
	})

	t.Run("double mark", func(t *testing.T) {
		fx := newTracerFixture(t)
		a := fx.object(0)
		fx.tracer.MarkStarted()
		fx.tracer.Mark(a)
		fx.tracer.Mark(a)
		if got := fx.lastOp(t); got != "mark" {
			t.Errorf("got op %q, want %q", got, "mark")
		}
	})

	t.Run("new cycle clears marks", func(t *testing.T) {
		fx := newTracerFixture(t)
		a := fx.object(0)
		fx.tracer.MarkStarted()
		fx.tracer.Mark(a)
		fx.tracer.MarkStarted()
		assert.False(t, fx.tracer.IsMarked(a))
		fx.tracer.Mark(a)
		assert.Empty(t, fx.errs)
	})

	t.Run("unaligned address", func(t *testing.T) {
		fx := newTracerFixture(t)
		a := fx.object(0)
		fx.tracer.MarkStarted()
		fx.tracer.Mark(a + 1)
		if got := fx.lastOp(t); got != "mark" {
			t.Errorf("got op %q, want %q", got, "mark")
		}
		assert.False(t, fx.tracer.IsMarked(a), "the enclosing object stays unmarked")
		fx.tracer.Mark(a)
		assert.Len(t, fx.errs, 1)
	})

	t.Run("addresses outside the heap are ignored", func(t *testing.T) {
		fx := newTracerFixture(t)
		fx.tracer.Mark(object.ImageBase)
		assert.Empty(t, fx.errs)
	})
}

func TestTracerMove(t *testing.T) {
	t.Run("overlapping move down", func(t *testing.T) {
		fx := newTracerFixture(t)
		a := fx.object(8)
		fx.tracer.Move(a, object.HeapBase, 16)
		assert.Empty(t, fx.errs)
		assert.True(t, fx.tracer.IsAllocated(object.HeapBase))
		assert.False(t, fx.tracer.IsAllocated(a))
		assert.True(t, fx.tracer.IsFree(object.HeapBase+16, 8))
	})

	t.Run("overlapping move up", func(t *testing.T) {
		fx := newTracerFixture(t)
		a := fx.object(0)
		fx.tracer.Move(a, a+8, 16)
		assert.Empty(t, fx.errs)
		assert.True(t, fx.tracer.IsAllocated(a+8))
		assert.True(t, fx.tracer.IsFree(a, 8))
	})

	t.Run("marks move along", func(t *testing.T) {
		fx := newTracerFixture(t)
		a := fx.object(32)
		fx.tracer.MarkStarted()
		fx.tracer.Mark(a)
		fx.tracer.Move(a, object.HeapBase, 16)
		assert.True(t, fx.tracer.IsMarked(object.HeapBase))
		assert.False(t, fx.tracer.IsMarked(a))
	})

	t.Run("into an object", func(t *testing.T) {
		fx := newTracerFixture(t)
		fx.object(0)
		a := fx.object(32)
		fx.tracer.Move(a, object.HeapBase+8, 16)
		if got := fx.lastOp(t); got != "move" {
			t.Errorf("got op %q, want %q", got, "move")
		}
	})

	t.Run("free memory", func(t *testing.T) {
		fx := newTracerFixture(t)
		fx.tracer.Move(object.HeapBase+64, object.HeapBase, 16)
		if got := fx.lastOp(t); got != "move" {
			t.Errorf("got op %q, want %q", got, "move")
		}
	})

	t.Run("stats", func(t *testing.T) {
		fx := newTracerFixture(t)
		a := fx.object(16)
		fx.tracer.Move(a, object.HeapBase, 16)
		assert.Equal(t, 1, fx.tracer.Stats().RelocatedBlocks)
		assert.Equal(t, uint64(16), fx.tracer.Stats().RelocatedBytes)
	})
}

func TestTracerDisabledChecks(t *testing.T) {
	fx := newTracerFixture(t)
	tr := NewTracer(fx.classes, TracerOptions{})
	tr.Abort = func(err error) { t.Errorf("unexpected violation: %v", err) }

	tr.Free(object.HeapBase, 16)
	tr.Mark(object.HeapBase)
	tr.CheckHeapConsistency(true, true)
	assert.False(t, tr.Checks())
	assert.Nil(t, tr.Stats())
}

func TestCheckHeapConsistency(t *testing.T) {
	newHeap := func(t *testing.T) (*testHeap, *[]error) {
		h := newTestHeap(t, 64*kib, 256*kib, Options{Compact: true})
		errs := &[]error{}
		h.tracer.Abort = func(err error) { *errs = append(*errs, err) }
		return h, errs
	}
	detail := func(t *testing.T, errs []error) string {
		t.Helper()
		require.NotEmpty(t, errs)
		var ce *CorruptionError
		require.True(t, errors.As(errs[0], &ce))
		assert.Equal(t, "consistency", ce.Op)
		return ce.Detail
	}

	t.Run("after collection", func(t *testing.T) {
		h, errs := newHeap(t)
		f := h.push(t, 1)
		defer h.stack.Pop(f)
		h.buildList(f, 0, 5)
		h.gc.CollectFull()
		h.tracer.CheckHeapConsistency(true, true)
		assert.Empty(t, *errs)
	})

	t.Run("dangling field", func(t *testing.T) {
		h, errs := newHeap(t)
		a := h.gc.AllocObject(h.node)
		h.space.SetRef(a+nodeNext, h.space.HeapStart()+64)
		h.tracer.CheckHeapConsistency(false, false)
		assert.Contains(t, detail(t, *errs), "not an allocated object")
	})

	t.Run("garbage header", func(t *testing.T) {
		h, errs := newHeap(t)
		a := h.gc.AllocObject(h.node)
		h.space.SetHeader(a, 0x1234)
		h.tracer.CheckHeapConsistency(false, false)
		assert.Contains(t, detail(t, *errs), "does not reference a class")
	})

	t.Run("young object in old generation check", func(t *testing.T) {
		h, errs := newHeap(t)
		h.gc.AllocObject(h.node)
		h.tracer.CheckHeapConsistency(true, false)
		assert.Contains(t, detail(t, *errs), "old generation")
	})

	t.Run("stale region offset", func(t *testing.T) {
		h, errs := newHeap(t)
		f := h.push(t, 1)
		defer h.stack.Pop(f)
		h.buildList(f, 0, 2)
		h.gc.CollectFull()
		require.Empty(t, *errs)

		regions := h.mem.Regions().Bytes()
		regions[2] = 9
		h.tracer.CheckHeapConsistency(true, true)
		assert.Contains(t, detail(t, *errs), "region 1")
	})
}

func TestStatsPrint(t *testing.T) {
	s := Stats{
		Full:            false,
		StartedAt:       1500 * time.Millisecond,
		AllocationCount: 12,
		MarkCount:       3,
		FreeCount:       2,
		FreeByteCount:   2048,
		TotalTime:       250 * time.Nanosecond,
	}
	var buf bytes.Buffer
	s.Print(&buf)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 7)
	assert.Equal(t, "[GC] Garbage collection (young) performed at 1500, took 250 ns", lines[0])
	assert.Equal(t, "[GC]   Allocations performed before GC: 12", lines[1])
	assert.True(t, strings.HasPrefix(lines[3], "[GC]   Sweep phase took 0 ns, 2 regions of "))
	assert.Equal(t, "[GC]   Dirty regions: 0", lines[6])

	buf.Reset()
	s.Full = true
	s.Print(&buf)
	assert.NotContains(t, buf.String(), "Dirty regions")
	assert.Contains(t, buf.String(), "(full)")
}

func TestStatsReset(t *testing.T) {
	s := Stats{Cycles: 3, MarkCount: 9, Full: true}
	s.Reset()
	assert.Equal(t, Stats{Cycles: 3}, s)
}

func TestPrintStatsAfterCycle(t *testing.T) {
	var out bytes.Buffer
	h := newTestHeap(t, 64*kib, 256*kib, Options{Compact: true})
	h.tracer.printStats = true
	h.tracer.out = &out
	h.gc.CollectFull()

	assert.Contains(t, out.String(), "[GC] Garbage collection (full)")
	assert.Equal(t, 1, h.tracer.Stats().Cycles)
	assert.Zero(t, h.tracer.Stats().AllocationCount)
}

func TestOccupancy(t *testing.T) {
	h := newTestHeap(t, 64*kib, 256*kib, Options{Compact: true})
	for i := 0; i < 64; i++ {
		h.gc.AllocObject(h.node) // 1 KiB in total
	}

	got := Occupancy(h.space, h.classes, 64)
	require.Len(t, got, 64)
	if got[0] != 4096 {
		t.Errorf("first bucket: got %d, want 4096", got[0])
	}
	for i, v := range got[1:] {
		if v != 0 {
			t.Errorf("bucket %d: got %d, want 0", i+1, v)
		}
	}
}

func TestTraceLog(t *testing.T) {
	dir := t.TempDir()
	log, err := OpenTraceLog(dir)
	require.NoError(t, err)

	_, err = OpenTraceLog(dir)
	assert.Error(t, err, "second trace log on the same directory")

	h := newTestHeap(t, 64*kib, 256*kib, Options{Compact: true})
	h.tracer.log = log
	h.gc.CollectFull()
	require.NoError(t, log.Close())

	f, err := os.Open(log.Path())
	require.NoError(t, err)
	defer f.Close()

	var phases []string
	sc := bufio.NewScanner(f)
	sc.Buffer(nil, 1<<20)
	for sc.Scan() {
		phase, buckets, ok := strings.Cut(sc.Text(), ":")
		require.True(t, ok)
		phases = append(phases, phase)
		assert.Len(t, strings.Fields(buckets), traceBuckets)
	}
	require.NoError(t, sc.Err())
	assert.Equal(t, []string{"gc-started", "mark", "sweep", "defrag"}, phases)
}
