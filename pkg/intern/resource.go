package intern

import (
	"github.com/daimatz/gcrt/pkg/object"
)

// Resource is one key/value pair of a ResourceMap. Keys are strings.
type Resource struct {
	Key   object.Addr
	Value object.Addr
}

// ResourceMap is a read-only open-addressing map from string keys to
// objects, using the interning hash and equality. Empty slots have a null
// key.
type ResourceMap struct {
	space   *object.Space
	entries []Resource
	count   int
}

// NewResourceMap builds a map from resources. Later duplicates replace
// earlier ones.
func NewResourceMap(space *object.Space, resources []Resource) *ResourceMap {
	size := 1
	for float64(len(resources)) > loadFactor*float64(size) {
		size *= 2
	}
	m := &ResourceMap{space: space, entries: make([]Resource, size)}
	for _, r := range resources {
		m.put(r)
	}
	return m
}

func (m *ResourceMap) put(r Resource) {
	n := len(m.entries)
	i := int(uint32(Hash(m.space.StringUnits(r.Key))) % uint32(n))
	for {
		e := &m.entries[i]
		if e.Key == object.Null {
			*e = r
			m.count++
			return
		}
		if Equal(m.space, e.Key, r.Key) {
			e.Value = r.Value
			return
		}
		i = (i + 1) % n
	}
}

// Len returns the number of keys.
func (m *ResourceMap) Len() int { return m.count }

// Lookup returns the value stored under a key with the content of key.
func (m *ResourceMap) Lookup(key object.Addr) (object.Addr, bool) {
	return m.find(Hash(m.space.StringUnits(key)), func(k object.Addr) bool {
		return Equal(m.space, k, key)
	})
}

// Get is Lookup for a Go string key.
func (m *ResourceMap) Get(key string) (object.Addr, bool) {
	units := object.EncodeUTF16(key)
	return m.find(Hash(units), func(k object.Addr) bool {
		ku := m.space.StringUnits(k)
		if len(ku) != len(units) {
			return false
		}
		for i := range ku {
			if ku[i] != units[i] {
				return false
			}
		}
		return true
	})
}

func (m *ResourceMap) find(h int32, match func(object.Addr) bool) (object.Addr, bool) {
	n := len(m.entries)
	i := int(uint32(h) % uint32(n))
	for probes := 0; probes < n; probes++ {
		e := m.entries[i]
		if e.Key == object.Null {
			return object.Null, false
		}
		if match(e.Key) {
			return e.Value, true
		}
		i = (i + 1) % n
	}
	return object.Null, false
}

// Keys returns every key, in slot order.
func (m *ResourceMap) Keys() []object.Addr {
	keys := make([]object.Addr, 0, m.count)
	for _, e := range m.entries {
		if e.Key != object.Null {
			keys = append(keys, e.Key)
		}
	}
	return keys
}
