// Package intern deduplicates managed strings by content.
package intern

import (
	"github.com/daimatz/gcrt/pkg/object"
)

const (
	loadFactor     = 0.6
	initialBuckets = 16
	entriesPerSet  = 512
)

// Hash returns the polynomial hash h = 31*h + c over little-endian UTF-16
// code units.
func Hash(units []byte) int32 {
	var h int32
	for i := 0; i+1 < len(units); i += 2 {
		h = 31*h + int32(uint16(units[i])|uint16(units[i+1])<<8)
	}
	return h
}

// Equal reports whether two strings have the same code units.
func Equal(sp *object.Space, a, b object.Addr) bool {
	if a == b {
		return true
	}
	if sp.StringLength(a) != sp.StringLength(b) {
		return false
	}
	ua, ub := sp.StringUnits(a), sp.StringUnits(b)
	for i := range ua {
		if ua[i] != ub[i] {
			return false
		}
	}
	return true
}

type entry struct {
	str  object.Addr
	hash int32
	next *entry
}

// entrySet is a block of entries; the table grows by whole sets.
type entrySet struct {
	entries [entriesPerSet]entry
	used    int
	next    *entrySet
}

// Table is the string interning table: chained buckets, doubling when the
// fill exceeds the load factor.
type Table struct {
	classes *object.ClassTable
	space   *object.Space
	buckets []*entry
	count   int
	first   *entrySet
	last    *entrySet
}

// New creates an empty table.
func New(classes *object.ClassTable) *Table {
	return &Table{
		classes: classes,
		space:   classes.Space(),
		buckets: make([]*entry, initialBuckets),
	}
}

// Len returns the number of interned strings.
func (t *Table) Len() int { return t.count }

// Buckets returns the current bucket count.
func (t *Table) Buckets() int { return len(t.buckets) }

func (t *Table) hashOf(str object.Addr) int32 {
	h := Hash(t.space.StringUnits(str))
	t.space.SetInt32(str+object.OffsetStringHash, h)
	return h
}

func (t *Table) index(h int32) int {
	return int(uint32(h) % uint32(len(t.buckets)))
}

// Intern returns the canonical string with the content of str, adding str
// itself when no such string exists yet.
func (t *Table) Intern(str object.Addr) object.Addr {
	h := t.hashOf(str)
	for e := t.buckets[t.index(h)]; e != nil; e = e.next {
		if e.hash == h && Equal(t.space, e.str, str) {
			return e.str
		}
	}

	t.stamp(str)
	if float64(t.count+1) > loadFactor*float64(len(t.buckets)) {
		t.rehash()
	}
	e := t.newEntry()
	e.str = str
	e.hash = h
	idx := t.index(h)
	e.next = t.buckets[idx]
	t.buckets[idx] = e
	t.count++
	return str
}

// stamp rewrites the class headers of a string entering the table, keeping
// the mark and generation bits.
func (t *Table) stamp(str object.Addr) {
	sp := t.space
	keep := object.HeaderMarked | object.HeaderOldGeneration
	sp.SetHeader(str, sp.Header(str)&keep|t.classes.Header(t.classes.String))
	if chars := sp.StringChars(str); chars != object.Null {
		sp.SetHeader(chars, sp.Header(chars)&keep|t.classes.Header(t.classes.CharArray))
	}
}

func (t *Table) newEntry() *entry {
	if t.last == nil || t.last.used == entriesPerSet {
		set := &entrySet{}
		if t.last == nil {
			t.first = set
		} else {
			t.last.next = set
		}
		t.last = set
	}
	e := &t.last.entries[t.last.used]
	t.last.used++
	return e
}

// rehash relinks the existing entries into twice as many buckets. No entry
// is created or dropped.
func (t *Table) rehash() {
	old := t.buckets
	t.buckets = make([]*entry, 2*len(old))
	for _, e := range old {
		for e != nil {
			next := e.next
			idx := t.index(e.hash)
			e.next = t.buckets[idx]
			t.buckets[idx] = e
			e = next
		}
	}
}

// Each calls fn with every interned string in insertion order.
func (t *Table) Each(fn func(str object.Addr)) {
	for set := t.first; set != nil; set = set.next {
		for i := 0; i < set.used; i++ {
			fn(set.entries[i].str)
		}
	}
}

// Slots calls fn with the slot of every interned heap string. Interned
// strings are roots; the collector rewrites the slots when they move.
func (t *Table) Slots(fn func(slot *object.Addr)) {
	for set := t.first; set != nil; set = set.next {
		for i := 0; i < set.used; i++ {
			if t.space.InHeap(set.entries[i].str) {
				fn(&set.entries[i].str)
			}
		}
	}
}
