package memory

import (
	"errors"
	"fmt"
)

// Area is one reserved address range with a committed prefix.
type Area struct {
	name      string
	backing   Backing
	reserved  uint64
	committed uint64
}

// Name returns the area name used in error messages.
func (a *Area) Name() string { return a.name }

// Bytes returns the committed bytes of the area.
func (a *Area) Bytes() []byte { return a.backing.Bytes() }

// Committed returns the committed size in bytes, rounded to pages.
func (a *Area) Committed() uint64 { return a.committed }

// Reserved returns the reserved size in bytes.
func (a *Area) Reserved() uint64 { return a.reserved }

func newArea(name string, kind Kind, size uint64) (*Area, error) {
	b, err := NewBacking(kind)
	if err != nil {
		return nil, err
	}
	size = roundUp(size, b.PageSize())
	if err := b.Reserve(size); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return &Area{name: name, backing: b, reserved: size}, nil
}

func (a *Area) resize(size uint64) error {
	size = roundUp(size, a.backing.PageSize())
	if size > a.reserved {
		size = a.reserved
	}
	switch {
	case size > a.committed:
		if err := a.backing.Commit(size); err != nil {
			return fmt.Errorf("%s: %w", a.name, err)
		}
	case size < a.committed:
		if err := a.backing.Decommit(size); err != nil {
			return fmt.Errorf("%s: %w", a.name, err)
		}
	default:
		return nil
	}
	a.committed = size
	return nil
}

// Options configures Init.
type Options struct {
	Min        uint64
	Max        uint64
	RegionSize uint64
	Backing    Kind
	// OnResize is called after every effective Resize with the new heap size.
	OnResize func(newSize uint64)
}

// Reservation owns the object heap and the three collector side tables:
// the GC working buffer, the region table and the card table.
type Reservation struct {
	heap       *Area
	storage    *Area
	regions    *Area
	cards      *Area
	min        uint64
	max        uint64
	regionSize uint64
	available  uint64
	onResize   func(uint64)
}

// Init reserves all four areas for opts.Max bytes of heap and commits opts.Min.
func Init(opts Options) (*Reservation, error) {
	if opts.Max == 0 {
		return nil, fmt.Errorf("memory: maximum heap size is zero")
	}
	if opts.Min > opts.Max {
		return nil, fmt.Errorf("memory: minimum heap size %d exceeds maximum %d", opts.Min, opts.Max)
	}
	if opts.RegionSize == 0 || opts.RegionSize&(opts.RegionSize-1) != 0 {
		return nil, fmt.Errorf("memory: region size %d is not a power of two", opts.RegionSize)
	}

	r := &Reservation{
		min:        opts.Min,
		max:        opts.Max,
		regionSize: opts.RegionSize,
		onResize:   opts.OnResize,
	}
	sizes := r.areaSizes(opts.Max)
	names := [4]string{"heap", "gc storage", "region table", "card table"}
	areas := [4]**Area{&r.heap, &r.storage, &r.regions, &r.cards}
	for i, name := range names {
		a, err := newArea(name, opts.Backing, sizes[i])
		if err != nil {
			r.Release()
			return nil, fmt.Errorf("memory: %w", err)
		}
		*areas[i] = a
	}
	if err := r.commit(opts.Min); err != nil {
		r.Release()
		return nil, err
	}
	r.available = opts.Min
	return r, nil
}

func (r *Reservation) areaSizes(heapSize uint64) [4]uint64 {
	regionCount := heapSize/r.regionSize + 1
	return [4]uint64{
		heapSize,
		heapSize / 16,
		2 * regionCount,
		regionCount,
	}
}

func (r *Reservation) commit(heapSize uint64) error {
	sizes := r.areaSizes(heapSize)
	for i, a := range r.areas() {
		if err := a.resize(sizes[i]); err != nil {
			return fmt.Errorf("memory: %w", err)
		}
	}
	return nil
}

func (r *Reservation) areas() [4]*Area {
	return [4]*Area{r.heap, r.storage, r.regions, r.cards}
}

// Resize commits or decommits all areas for a heap of newSize bytes.
// Resizing to the current size does nothing.
func (r *Reservation) Resize(newSize uint64) error {
	if newSize == r.available {
		return nil
	}
	if newSize < r.min || newSize > r.max {
		return fmt.Errorf("memory: heap size %d outside [%d, %d]", newSize, r.min, r.max)
	}
	if err := r.commit(newSize); err != nil {
		return err
	}
	r.available = newSize
	if r.onResize != nil {
		r.onResize(newSize)
	}
	return nil
}

// SetResizeListener replaces the resize notification callback.
func (r *Reservation) SetResizeListener(fn func(newSize uint64)) {
	r.onResize = fn
}

// Release unmaps every area. The reservation is unusable afterwards.
func (r *Reservation) Release() error {
	var errs []error
	for _, a := range r.areas() {
		if a != nil {
			errs = append(errs, a.backing.Release())
		}
	}
	return errors.Join(errs...)
}

func (r *Reservation) Heap() *Area    { return r.heap }
func (r *Reservation) Storage() *Area { return r.storage }
func (r *Reservation) Regions() *Area { return r.regions }
func (r *Reservation) Cards() *Area   { return r.cards }

// Available returns the current logical heap size.
func (r *Reservation) Available() uint64 { return r.available }

func (r *Reservation) Min() uint64        { return r.min }
func (r *Reservation) Max() uint64        { return r.max }
func (r *Reservation) RegionSize() uint64 { return r.regionSize }

// RegionCount returns the number of region and card entries covering the
// current heap.
func (r *Reservation) RegionCount() uint64 {
	return r.available/r.regionSize + 1
}
