package object

// Reference and ReferenceQueue layouts.
const (
	OffsetRefQueue     = 8
	OffsetRefReferent  = 12
	OffsetRefNext      = 16
	ReferenceSize      = 20
	OffsetQueueFirst   = 8
	OffsetQueueLast    = 12
	ReferenceQueueSize = 16
)

// References implements the weak reference operations. Barrier, when set,
// is called with every object whose reference field was stored.
//
// The last reference of a queue links to itself, so a reference is enqueued
// exactly when its next field is non-null.
type References struct {
	Space   *Space
	Barrier func(obj Addr)
}

func (r References) store(obj Addr, offset Addr, v Addr) {
	r.Space.SetRef(obj+offset, v)
	if r.Barrier != nil {
		r.Barrier(obj)
	}
}

// Init sets up a freshly allocated reference.
func (r References) Init(ref, referent, queue Addr) {
	r.store(ref, OffsetRefReferent, referent)
	r.store(ref, OffsetRefQueue, queue)
	r.store(ref, OffsetRefNext, Null)
}

// Get returns the referent, or Null once cleared.
func (r References) Get(ref Addr) Addr { return r.Space.Ref(ref + OffsetRefReferent) }

// Clear drops the referent.
func (r References) Clear(ref Addr) { r.store(ref, OffsetRefReferent, Null) }

// Queue returns the queue the reference was registered with.
func (r References) Queue(ref Addr) Addr { return r.Space.Ref(ref + OffsetRefQueue) }

func (r References) IsEnqueued(ref Addr) bool {
	return r.Space.Ref(ref+OffsetRefNext) != Null
}

// Enqueue appends ref to its queue. It returns false when ref has no queue
// or is already enqueued.
func (r References) Enqueue(ref Addr) bool {
	queue := r.Queue(ref)
	if queue == Null || r.IsEnqueued(ref) {
		return false
	}
	last := r.Space.Ref(queue + OffsetQueueLast)
	if last == Null {
		r.store(queue, OffsetQueueFirst, ref)
	} else {
		r.store(last, OffsetRefNext, ref)
	}
	r.store(queue, OffsetQueueLast, ref)
	r.store(ref, OffsetRefNext, ref)
	return true
}

// Poll removes and returns the head of queue, or Null when it is empty.
func (r References) Poll(queue Addr) Addr {
	first := r.Space.Ref(queue + OffsetQueueFirst)
	if first == Null {
		return Null
	}
	next := r.Space.Ref(first + OffsetRefNext)
	if next == first {
		r.store(queue, OffsetQueueFirst, Null)
		r.store(queue, OffsetQueueLast, Null)
	} else {
		r.store(queue, OffsetQueueFirst, next)
	}
	r.store(first, OffsetRefNext, Null)
	return first
}
