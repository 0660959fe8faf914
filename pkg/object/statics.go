package object

// StaticRoots lists the image slots that hold references into the heap,
// such as static fields. The collector treats every non-null slot as a root
// and rewrites slots when objects move.
type StaticRoots struct {
	space *Space
	slots []Addr
}

func NewStaticRoots(space *Space) *StaticRoots {
	return &StaticRoots{space: space}
}

// Register adds existing image slots.
func (r *StaticRoots) Register(slots ...Addr) {
	r.slots = append(r.slots, slots...)
}

// Alloc creates a new null slot in the image and registers it.
func (r *StaticRoots) Alloc() Addr {
	slot := r.space.AllocImage(PointerSize, PointerSize)
	r.slots = append(r.slots, slot)
	return slot
}

// Slots returns the registered slot addresses.
func (r *StaticRoots) Slots() []Addr { return r.slots }
