// Package vm ties the runtime together. A VM owns one heap with its class
// table, interning table, shadow stack, static roots, consistency tracer
// and collector; independent VMs share nothing.
package vm

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/daimatz/gcrt/pkg/classfile"
	"github.com/daimatz/gcrt/pkg/config"
	"github.com/daimatz/gcrt/pkg/gc"
	"github.com/daimatz/gcrt/pkg/heapdump"
	"github.com/daimatz/gcrt/pkg/intern"
	"github.com/daimatz/gcrt/pkg/memory"
	"github.com/daimatz/gcrt/pkg/object"
	"github.com/daimatz/gcrt/pkg/stack"
)

// VM is the runtime state.
type VM struct {
	Config config.Config
	// Diag receives statistics, violations and log records.
	Diag   io.Writer
	Logger *slog.Logger

	Memory  *memory.Reservation
	Space   *object.Space
	Classes *object.ClassTable
	Strings *intern.Table
	Stack   *stack.Stack
	Statics *object.StaticRoots
	Tracer  *gc.Tracer
	GC      *gc.Collector

	refs     object.References
	traceLog *gc.TraceLog
	// scratch are static root slots keeping arguments alive across an
	// allocation made on their behalf.
	scratch  [2]object.Addr
	files    map[object.Addr]*classfile.ClassFile
	defining map[string]bool
	sites    map[siteKey]int32
}

// Option adjusts a VM under construction.
type Option func(*VM)

// WithDiag sends diagnostic output to w instead of standard error.
func WithDiag(w io.Writer) Option {
	return func(vm *VM) { vm.Diag = w }
}

// New validates cfg and builds a VM with a freshly reserved heap.
func New(cfg config.Config, opts ...Option) (*VM, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	level, err := cfg.Level()
	if err != nil {
		return nil, err
	}

	vm := &VM{
		Config:   cfg,
		files:    make(map[object.Addr]*classfile.ClassFile),
		defining: make(map[string]bool),
		sites:    make(map[siteKey]int32),
	}
	for _, o := range opts {
		o(vm)
	}
	if vm.Diag == nil {
		vm.Diag = NewDiagWriter(os.Stderr)
	}
	vm.Logger = slog.New(slog.NewTextHandler(vm.Diag, &slog.HandlerOptions{Level: level}))

	vm.Memory, err = memory.Init(memory.Options{
		Min:        uint64(cfg.MinHeap),
		Max:        uint64(cfg.MaxHeap),
		RegionSize: uint64(cfg.RegionSize),
		Backing:    cfg.Backing,
	})
	if err != nil {
		return nil, fmt.Errorf("vm: %w", err)
	}

	d := cfg.Diagnostics
	if d.GCLog {
		vm.traceLog, err = gc.OpenTraceLog(d.DumpDirectory)
		if err != nil {
			vm.Memory.Release()
			return nil, fmt.Errorf("vm: %w", err)
		}
	}

	vm.Space = object.NewSpace(vm.Memory)
	vm.Classes = object.NewClassTable(vm.Space, cfg.ArrayClassPool)
	vm.Strings = intern.New(vm.Classes)
	vm.Stack = stack.New(cfg.MaxFrameDepth)
	vm.Statics = object.NewStaticRoots(vm.Space)
	vm.Tracer = gc.NewTracer(vm.Classes, gc.TracerOptions{
		Checks:     d.MemoryTrace,
		Stats:      true,
		PrintStats: d.GCStats,
		Log:        vm.traceLog,
		Out:        vm.Diag,
		Logger:     vm.Logger,
	})
	vm.GC = gc.New(vm.Classes, gc.Roots{
		Stack:   vm.Stack,
		Statics: vm.Statics,
		Strings: vm.Strings,
	}, vm.Tracer, gc.Options{
		Compact:          cfg.Compact,
		YoungCollections: cfg.YoungCollections,
		OnOutOfMemory:    vm.dumpOnOutOfMemory,
		Logger:           vm.Logger,
	})
	vm.refs = vm.GC.References()
	vm.scratch = [2]object.Addr{vm.Statics.Alloc(), vm.Statics.Alloc()}

	vm.Logger.Debug("runtime initialized",
		"min", cfg.MinHeap, "max", cfg.MaxHeap, "region", cfg.RegionSize, "backing", cfg.Backing)
	return vm, nil
}

// Shutdown closes the trace log and releases the heap. The VM must not be
// used afterwards.
func (vm *VM) Shutdown() error {
	var errs []error
	if vm.traceLog != nil {
		errs = append(errs, vm.traceLog.Close())
		vm.traceLog = nil
	}
	if vm.Memory != nil {
		errs = append(errs, vm.Memory.Release())
		vm.Memory = nil
	}
	return errors.Join(errs...)
}

// Collect runs a collection cycle, young or full by the cycle policy.
func (vm *VM) Collect() { vm.GC.Collect() }

// CollectFull runs a full collection cycle.
func (vm *VM) CollectFull() { vm.GC.CollectFull() }

// ResizeHeap grows or shrinks the committed heap between cycles.
func (vm *VM) ResizeHeap(newSize uint64) error { return vm.GC.Resize(newSize) }

// CheckHeap runs the full consistency check when the memory trace is
// enabled. Violations are fatal.
func (vm *VM) CheckHeap() {
	if vm.Tracer.Checks() {
		vm.Tracer.CheckHeapConsistency(false, false)
	}
}

// LastCycle returns the statistics of the most recent cycle.
func (vm *VM) LastCycle() gc.Stats { return vm.Tracer.LastCycle() }

// WriteHeapDump writes a heap dump into the dump directory and returns its
// path.
func (vm *VM) WriteHeapDump() (string, error) {
	path, err := heapdump.WriteFile(vm.Config.Diagnostics.DumpDirectory, heapdump.Source{
		Classes: vm.Classes,
		Heap:    vm.GC,
		Strings: vm.Strings,
		Stack:   vm.Stack,
	})
	if err != nil {
		return "", err
	}
	vm.Logger.Info("heap dump written", "path", path)
	return path, nil
}

func (vm *VM) dumpOnOutOfMemory(requested uint64) {
	if !vm.Config.Diagnostics.HeapDump {
		return
	}
	if _, err := vm.WriteHeapDump(); err != nil {
		vm.Logger.Error("heap dump failed", "requested", requested, "err", err)
	}
}

// OutOfMemory reports that a request of requested bytes cannot be served:
// it writes a heap dump when enabled and panics with an
// *gc.OutOfMemoryError. It never returns.
func (vm *VM) OutOfMemory(requested uint64) {
	vm.dumpOnOutOfMemory(requested)
	panic(&gc.OutOfMemoryError{Requested: requested, Available: vm.Memory.Available(), Max: vm.Memory.Max()})
}
