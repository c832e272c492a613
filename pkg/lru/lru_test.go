package lru

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func Test_lru(t *testing.T) {
	var evicted []int
	q := NewLRU[int, int](4, func(key int, _ int) { evicted = append(evicted, key) })

	for i := 0; i < 4; i++ {
		q.Add(i, i*10)
	}
	require.Equal(t, 4, q.Len())

	// 0 becomes the most recent, 1 is now the oldest.
	v, ok := q.Get(0)
	require.True(t, ok)
	require.Equal(t, 0, v)

	q.Add(4, 40)
	require.Equal(t, []int{1}, evicted)
	_, ok = q.Get(1)
	require.False(t, ok)

	key, _, ok := q.Oldest()
	require.True(t, ok)
	require.Equal(t, 2, key)

	// Peek must not refresh recency.
	_, ok = q.Peek(2)
	require.True(t, ok)
	q.Add(5, 50)
	require.Equal(t, []int{1, 2}, evicted)
}

func Test_lru_update(t *testing.T) {
	q := NewLRU[string, int](2, nil)
	q.Add("a", 1)
	q.Add("b", 2)
	q.Add("a", 3)
	q.Add("c", 4)

	v, ok := q.Get("a")
	require.True(t, ok)
	require.Equal(t, 3, v)
	_, ok = q.Get("b")
	require.False(t, ok)
}

func Test_lru_del_clean(t *testing.T) {
	q := NewLRU[int, int](8, nil)
	for i := 0; i < 8; i++ {
		q.Add(i, i)
	}
	require.True(t, q.Del(3))
	require.False(t, q.Del(3))

	removed := q.Clean(func(_ int, v int) bool { return v%2 == 0 })
	require.Equal(t, 4, removed)
	require.Equal(t, 3, q.Len())

	q.Flush()
	require.Equal(t, 0, q.Len())
	_, _, ok := q.Oldest()
	require.False(t, ok)

	q.Add(1, 1)
	v, ok := q.Get(1)
	require.True(t, ok)
	require.Equal(t, 1, v)
}

func Test_lru_invalid_size(t *testing.T) {
	require.Panics(t, func() { NewLRU[int, int](0, nil) })
}
