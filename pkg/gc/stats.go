package gc

import (
	"fmt"
	"io"
	"time"

	"github.com/inhies/go-bytesize"
)

// Stats holds the counters of the current collection cycle. They are
// diagnostic only.
type Stats struct {
	Full             bool
	StartedAt        time.Duration
	AllocationCount  int
	FreeCount        int
	FreeByteCount    uint64
	MarkCount        int
	DirtyRegionCount int
	RelocatedBlocks  int
	RelocatedBytes   uint64
	MarkTime         time.Duration
	SweepTime        time.Duration
	DefragTime       time.Duration
	TotalTime        time.Duration

	// Cycles counts completed cycles and survives Reset.
	Cycles int

	cycleStart time.Time
	phaseStart time.Time
}

// Reset clears the per-cycle counters.
func (s *Stats) Reset() {
	*s = Stats{Cycles: s.Cycles}
}

func formatBytes(n uint64) string {
	return bytesize.New(float64(n)).String()
}

// Print writes the cycle report.
func (s *Stats) Print(w io.Writer) {
	kind := "young"
	if s.Full {
		kind = "full"
	}
	fmt.Fprintf(w, "[GC] Garbage collection (%s) performed at %d, took %d ns\n", kind, s.StartedAt.Milliseconds(), s.TotalTime.Nanoseconds())
	fmt.Fprintf(w, "[GC]   Allocations performed before GC: %d\n", s.AllocationCount)
	fmt.Fprintf(w, "[GC]   Mark phase took %d ns, %d objects reached\n", s.MarkTime.Nanoseconds(), s.MarkCount)
	fmt.Fprintf(w, "[GC]   Sweep phase took %d ns, %d regions of %s freed\n", s.SweepTime.Nanoseconds(), s.FreeCount, formatBytes(s.FreeByteCount))
	fmt.Fprintf(w, "[GC]   Defrag phase took %d ns\n", s.DefragTime.Nanoseconds())
	fmt.Fprintf(w, "[GC]   Blocks relocated %d of total %s\n", s.RelocatedBlocks, formatBytes(s.RelocatedBytes))
	if !s.Full {
		fmt.Fprintf(w, "[GC]   Dirty regions: %d\n", s.DirtyRegionCount)
	}
}
