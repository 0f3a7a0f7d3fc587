package safemap

import (
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSafeMap(t *testing.T) {
	m := NewSafeMap[string, int]()
	require.NotNil(t, m)
	assert.Equal(t, 0, m.Len())
	_, ok := m.Load("x")
	assert.False(t, ok)
}

func TestSafeMap_Store_Load(t *testing.T) {
	m := NewSafeMap[uint32, string]()

	t.Run("store and load returns value", func(t *testing.T) {
		m.Store(1, "one")
		v, ok := m.Load(1)
		assert.True(t, ok)
		assert.Equal(t, "one", v)
	})

	t.Run("overwrite returns new value", func(t *testing.T) {
		m.Store(1, "uno")
		v, ok := m.Load(1)
		assert.True(t, ok)
		assert.Equal(t, "uno", v)
	})

	t.Run("load missing key returns zero value and false", func(t *testing.T) {
		v, ok := m.Load(99)
		assert.False(t, ok)
		assert.Empty(t, v)
	})
}

func TestSafeMap_Delete(t *testing.T) {
	m := NewSafeMap[string, int]()
	m.Store("a", 1)
	m.Store("b", 2)

	m.Delete("a")
	assert.False(t, m.Has("a"))
	assert.True(t, m.Has("b"))

	m.Delete("missing")
	assert.Equal(t, 1, m.Len())
}

func TestSafeMap_LoadAndDelete(t *testing.T) {
	m := NewSafeMap[string, int]()
	m.Store("a", 1)

	v, ok := m.LoadAndDelete("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	v, ok = m.LoadAndDelete("a")
	assert.False(t, ok)
	assert.Equal(t, 0, v)
}

func TestSafeMap_Swap(t *testing.T) {
	m := NewSafeMap[uint16, *int]()
	first, second := new(int), new(int)

	prev, loaded := m.Swap(9902, first)
	assert.False(t, loaded)
	assert.Nil(t, prev)

	prev, loaded = m.Swap(9902, second)
	assert.True(t, loaded)
	assert.Same(t, first, prev)

	cur, _ := m.Load(9902)
	assert.Same(t, second, cur)
}

func TestSafeMap_CompareAndDelete(t *testing.T) {
	m := NewSafeMap[uint16, *int]()
	first, second := new(int), new(int)
	m.Store(1, second)

	t.Run("stale value is not removed", func(t *testing.T) {
		assert.False(t, m.CompareAndDelete(1, first))
		assert.True(t, m.Has(1))
	})

	t.Run("current value is removed", func(t *testing.T) {
		assert.True(t, m.CompareAndDelete(1, second))
		assert.False(t, m.Has(1))
	})
}

func TestSafeMap_Range(t *testing.T) {
	m := NewSafeMap[string, int]()
	m.Store("a", 1)
	m.Store("b", 2)
	m.Store("c", 3)

	t.Run("iterates all entries", func(t *testing.T) {
		seen := make(map[string]int)
		m.Range(func(k string, v int) bool {
			seen[k] = v
			return true
		})
		assert.Equal(t, map[string]int{"a": 1, "b": 2, "c": 3}, seen)
	})

	t.Run("stops when f returns false", func(t *testing.T) {
		count := 0
		m.Range(func(string, int) bool {
			count++
			return count < 2
		})
		assert.Equal(t, 2, count)
	})

	t.Run("deleting while ranging is allowed", func(t *testing.T) {
		m.Range(func(k string, _ int) bool {
			m.Delete(k)
			return true
		})
		assert.Equal(t, 0, m.Len())
	})
}

func TestSafeMap_Keys_Clear(t *testing.T) {
	m := NewSafeMap[uint32, bool]()
	for i := uint32(1); i <= 4; i++ {
		m.Store(i, true)
	}

	keys := m.Keys()
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	assert.Equal(t, []uint32{1, 2, 3, 4}, keys)

	m.Clear()
	assert.Empty(t, m.Keys())
}

func TestSafeMap_Concurrent(t *testing.T) {
	m := NewSafeMap[int, int]()
	const goroutines = 50
	const opsPerGoroutine = 500

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := range goroutines {
		go func(id int) {
			defer wg.Done()
			for i := range opsPerGoroutine {
				key := id*opsPerGoroutine + i
				m.Store(key, key)
				m.Load(key)
			}
		}(g)
	}
	wg.Wait()
	assert.Equal(t, goroutines*opsPerGoroutine, m.Len())

	wg.Add(goroutines)
	for g := range goroutines {
		go func(id int) {
			defer wg.Done()
			for i := range opsPerGoroutine {
				m.LoadAndDelete(id*opsPerGoroutine + i)
				m.Len()
			}
		}(g)
	}
	wg.Wait()
	assert.Equal(t, 0, m.Len())
}
