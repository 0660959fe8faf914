package gc

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gofrs/flock"

	"github.com/daimatz/gcrt/pkg/object"
)

// TraceLogName is the file the occupancy trace is written to.
const TraceLogName = "gc-trace.txt"

const traceBuckets = 4096

// TraceLog appends one heap occupancy histogram per collection phase to a
// text file. Each line is "<phase>: b0 b1 ...", where every bucket is the
// occupied share of its slice of the heap scaled to 4096.
type TraceLog struct {
	path string
	lock *flock.Flock
	f    *os.File
}

// OpenTraceLog creates the trace file in dir, holding a lock on it until
// Close.
func OpenTraceLog(dir string) (*TraceLog, error) {
	path := filepath.Join(dir, TraceLogName)
	lock := flock.New(path + ".lock")
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("trace log: locking %s: %w", path, err)
	}
	if !ok {
		return nil, fmt.Errorf("trace log: %s is in use by another process", path)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("trace log: %w", err)
	}
	return &TraceLog{path: path, lock: lock, f: f}, nil
}

// Path returns the trace file path.
func (l *TraceLog) Path() string { return l.path }

// Record appends the histogram of the current heap for phase.
func (l *TraceLog) Record(phase string, sp *object.Space, classes *object.ClassTable) error {
	var b strings.Builder
	b.WriteString(phase)
	b.WriteByte(':')
	for _, v := range Occupancy(sp, classes, traceBuckets) {
		b.WriteByte(' ')
		b.WriteString(strconv.Itoa(v))
	}
	b.WriteByte('\n')
	_, err := l.f.WriteString(b.String())
	return err
}

// Close closes the file and releases the lock.
func (l *TraceLog) Close() error {
	err := l.f.Close()
	if uerr := l.lock.Unlock(); err == nil {
		err = uerr
	}
	return err
}

// Occupancy splits the heap into at most n equal slices of pointer-sized
// slots and returns, for each slice, the occupied share scaled to 4096.
func Occupancy(sp *object.Space, classes *object.ClassTable, n int) []int {
	slots := int(sp.HeapEnd()-sp.HeapStart()) / object.PointerSize
	if n > slots {
		n = slots
	}
	if n == 0 {
		return nil
	}
	used := make([]int, n)
	bounds := func(i int) int { return i * slots / n }
	bucket := 0
	a := sp.HeapStart()
	for a < sp.HeapEnd() {
		var size uint32
		free := sp.IsFree(a)
		if free {
			size = sp.FreeBlockSize(a)
		} else {
			size = classes.ObjectSize(a)
		}
		if size == 0 {
			break
		}
		first := int(a-sp.HeapStart()) / object.PointerSize
		last := first + int(size)/object.PointerSize
		if !free {
			for s := first; s < last; {
				for bounds(bucket+1) <= s {
					bucket++
				}
				end := min(last, bounds(bucket+1))
				used[bucket] += end - s
				s = end
			}
		}
		a += object.Addr(size)
	}
	out := make([]int, n)
	for i := range out {
		width := bounds(i+1) - bounds(i)
		out[i] = used[i] * 4096 / width
	}
	return out
}
