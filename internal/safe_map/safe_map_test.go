package safe_map

import (
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreLoadDelete(t *testing.T) {
	m := NewSafeMap[string, int]()

	_, ok := m.Load("a")
	assert.False(t, ok)

	m.Store("a", 1)
	m.Store("b", 2)
	v, ok := m.Load("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)
	assert.Equal(t, 2, m.Len())

	assert.True(t, m.Delete("a"))
	assert.False(t, m.Delete("a"))
	assert.Equal(t, 1, m.Len())
}

func TestLoadOrStoreKeepsFirstValue(t *testing.T) {
	m := NewSafeMap[string, string]()

	actual, loaded := m.LoadOrStore("svc", "first")
	assert.False(t, loaded)
	assert.Equal(t, "first", actual)

	actual, loaded = m.LoadOrStore("svc", "second")
	assert.True(t, loaded)
	assert.Equal(t, "first", actual)
}

func TestValuesAndClear(t *testing.T) {
	m := NewSafeMap[int, int]()
	for i := 0; i < 10; i++ {
		m.Store(i, i*i)
	}

	values := m.Values()
	sort.Ints(values)
	assert.Equal(t, []int{0, 1, 4, 9, 16, 25, 36, 49, 64, 81}, values)

	m.Clear()
	assert.Equal(t, 0, m.Len())
}

func TestConcurrentStores(t *testing.T) {
	m := NewSafeMap[string, int]()
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				m.Store(fmt.Sprintf("%d-%d", g, i), i)
			}
		}(g)
	}
	wg.Wait()

	assert.Equal(t, 400, m.Len())
}
