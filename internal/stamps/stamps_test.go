package stamps

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBook_OldestFirst(t *testing.T) {
	t.Parallel()

	b := New[int64](8)
	t.Cleanup(b.Close)

	b.Set(8, 300)
	b.Set(0, 100)
	b.Set(4, 200)
	b.Set(12, 100) // tie with 0, broken by key

	assert.Equal(t, []int64{0, 12, 4, 8}, b.Oldest())

	b.Set(0, 400)
	b.Delete(12)
	assert.Equal(t, []int64{4, 8, 0}, b.Oldest())

	ts, ok := b.Get(4)
	require.True(t, ok)
	assert.Equal(t, int64(200), ts)

	_, ok = b.Get(12)
	assert.False(t, ok)
}

func TestBook_ConcurrentWriters(t *testing.T) {
	t.Parallel()

	b := New[int64](0)
	t.Cleanup(b.Close)

	const writers, perWriter = 8, 200
	var wg sync.WaitGroup
	wg.Add(writers)
	for w := 0; w < writers; w++ {
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				k := int64(w*perWriter + i)
				b.Set(k, k)
			}
		}(w)
	}
	wg.Wait()

	keys := b.Oldest()
	require.Len(t, keys, writers*perWriter)
	for i, k := range keys {
		require.Equal(t, int64(i), k)
	}
}

func TestBook_ClosedIsInert(t *testing.T) {
	t.Parallel()

	b := New[string](1)
	b.Set("a", 1)
	b.Close()
	b.Close()

	b.Set("b", 2)
	assert.Nil(t, b.Oldest())
	_, ok := b.Get("a")
	assert.False(t, ok)
}
