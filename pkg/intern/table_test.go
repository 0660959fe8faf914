package intern

import (
	"fmt"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daimatz/gcrt/pkg/memory"
	"github.com/daimatz/gcrt/pkg/object"
)

func newTestClasses(t *testing.T) *object.ClassTable {
	t.Helper()
	mem, err := memory.Init(memory.Options{Min: 1 << 16, Max: 1 << 20, RegionSize: 2048, Backing: memory.KindWasm})
	require.NoError(t, err)
	t.Cleanup(func() { mem.Release() })
	return object.NewClassTable(object.NewSpace(mem), 4)
}

func TestHash(t *testing.T) {
	tests := []struct {
		in   string
		want int32
	}{
		{"", 0},
		{"a", 97},
		{"abc", 96354},
		{"hello world", 1794106052},
		// overflow wraps like a 32-bit int
		{"polygenelubricants", -2147483648},
	}
	for _, tt := range tests {
		if got := Hash(object.EncodeUTF16(tt.in)); got != tt.want {
			t.Errorf("Hash(%q): got %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestIntern(t *testing.T) {
	classes := newTestClasses(t)
	sp := classes.Space()
	table := New(classes)

	t.Run("same content same object", func(t *testing.T) {
		first := table.Intern(classes.Literal("abc"))
		second := table.Intern(classes.Literal("abc"))
		if first != second {
			t.Errorf("got 0x%x and 0x%x, want the same object", first, second)
		}
		if got := sp.Int32(first + object.OffsetStringHash); got != 96354 {
			t.Errorf("cached hash: got %d, want 96354", got)
		}
	})

	t.Run("different content different object", func(t *testing.T) {
		abc := table.Intern(classes.Literal("abc"))
		abd := table.Intern(classes.Literal("abd"))
		if abc == abd {
			t.Error("abc and abd interned to the same object")
		}
	})

	t.Run("prefix is not equal", func(t *testing.T) {
		ab := table.Intern(classes.Literal("ab"))
		abc := table.Intern(classes.Literal("abc"))
		assert.NotEqual(t, ab, abc)
	})

	t.Run("headers are stamped", func(t *testing.T) {
		str := classes.Literal("stamp")
		sp.SetHeader(str, object.HeaderOldGeneration)
		sp.SetHeader(sp.StringChars(str), 0)
		table.Intern(str)
		assert.Equal(t, classes.Header(classes.String)|object.HeaderOldGeneration, sp.Header(str))
		assert.Equal(t, classes.CharArray, classes.ClassOf(sp.StringChars(str)))
	})
}

func TestInternRehash(t *testing.T) {
	classes := newTestClasses(t)
	table := New(classes)
	const n = 200

	canonical := make([]object.Addr, n)
	for i := range canonical {
		canonical[i] = table.Intern(classes.Literal(fmt.Sprintf("key-%d", i)))
	}
	// 16 -> 32 -> 64 -> 128 -> 256 -> 512
	require.GreaterOrEqual(t, table.Buckets(), 4*initialBuckets)
	assert.Equal(t, n, table.Len())

	for i := range canonical {
		got := table.Intern(classes.Literal(fmt.Sprintf("key-%d", i)))
		if got != canonical[i] {
			t.Errorf("key-%d: got 0x%x, want 0x%x", i, got, canonical[i])
		}
	}
	assert.Equal(t, n, table.Len())

	var seen []object.Addr
	table.Each(func(str object.Addr) { seen = append(seen, str) })
	assert.Equal(t, canonical, seen)
}

func TestResourceMap(t *testing.T) {
	classes := newTestClasses(t)
	sp := classes.Space()

	var resources []Resource
	want := map[string]object.Addr{}
	for i := 0; i < 20; i++ {
		key := fmt.Sprintf("res/%d.txt", i)
		value := classes.Literal(fmt.Sprintf("value %d", i))
		resources = append(resources, Resource{Key: classes.Literal(key), Value: value})
		want[key] = value
	}
	m := NewResourceMap(sp, resources)

	t.Run("lookup", func(t *testing.T) {
		for key, value := range want {
			got, ok := m.Lookup(classes.Literal(key))
			if !ok || got != value {
				t.Errorf("Lookup(%q): got 0x%x %v, want 0x%x", key, got, ok, value)
			}
			got, ok = m.Get(key)
			if !ok || got != value {
				t.Errorf("Get(%q): got 0x%x %v, want 0x%x", key, got, ok, value)
			}
		}
		_, ok := m.Get("missing")
		assert.False(t, ok)
	})

	t.Run("keys", func(t *testing.T) {
		var got []string
		for _, k := range m.Keys() {
			got = append(got, sp.GoString(k))
		}
		var expected []string
		for k := range want {
			expected = append(expected, k)
		}
		sort.Strings(got)
		sort.Strings(expected)
		assert.Equal(t, expected, got)
		assert.Equal(t, len(want), m.Len())
	})

	t.Run("empty", func(t *testing.T) {
		empty := NewResourceMap(sp, nil)
		assert.Empty(t, empty.Keys())
		_, ok := empty.Get("x")
		assert.False(t, ok)
	})
}
