package lru

import (
	"fmt"
)

// LRU is a fixed size least-recently-used table. It is not safe for
// concurrent use; callers serialize access.
type LRU[K comparable, V any] struct {
	maxSize int
	onEvict func(key K, v V)

	// head is the least recently used element, tail the most recent.
	head, tail *elem[K, V]
	m          map[K]*elem[K, V]
}

type elem[K comparable, V any] struct {
	prev, next *elem[K, V]
	key        K
	v          V
}

// NewLRU returns a LRU that holds at most maxSize entries. onEvict, if
// not nil, is called for every entry removed by capacity pressure, Del
// or Clean.
func NewLRU[K comparable, V any](maxSize int, onEvict func(key K, v V)) *LRU[K, V] {
	if maxSize <= 0 {
		panic(fmt.Sprintf("LRU: invalid max size: %d", maxSize))
	}

	return &LRU[K, V]{
		maxSize: maxSize,
		onEvict: onEvict,
		m:       make(map[K]*elem[K, V], maxSize),
	}
}

// Add inserts or updates key and marks it as the most recently used.
// If the table is full the least recently used entry is evicted first.
func (q *LRU[K, V]) Add(key K, v V) {
	if e, ok := q.m[key]; ok {
		e.v = v
		q.moveToTail(e)
		return
	}

	if len(q.m) >= q.maxSize {
		// Reuse the evicted element.
		e := q.head
		if q.onEvict != nil {
			q.onEvict(e.key, e.v)
		}
		delete(q.m, e.key)
		e.key, e.v = key, v
		q.m[key] = e
		q.moveToTail(e)
		return
	}

	e := &elem[K, V]{key: key, v: v}
	q.m[key] = e
	q.pushTail(e)
}

// Get returns the value of key and refreshes its recency.
func (q *LRU[K, V]) Get(key K) (v V, ok bool) {
	e, ok := q.m[key]
	if !ok {
		return
	}
	q.moveToTail(e)
	return e.v, true
}

// Peek returns the value of key without touching its recency.
func (q *LRU[K, V]) Peek(key K) (v V, ok bool) {
	e, ok := q.m[key]
	if !ok {
		return
	}
	return e.v, true
}

// Del removes key. It reports whether key was present.
func (q *LRU[K, V]) Del(key K) bool {
	e := q.m[key]
	if e == nil {
		return false
	}
	q.delElem(e)
	return true
}

// Oldest returns the least recently used entry without removing it.
func (q *LRU[K, V]) Oldest() (key K, v V, ok bool) {
	if q.head == nil {
		return
	}
	return q.head.key, q.head.v, true
}

// Clean removes every entry for which f returns true, oldest first.
func (q *LRU[K, V]) Clean(f func(key K, v V) bool) (removed int) {
	e := q.head
	for e != nil {
		next := e.next
		if f(e.key, e.v) {
			q.delElem(e)
			removed++
		}
		e = next
	}
	return
}

// Flush removes every entry without calling onEvict.
func (q *LRU[K, V]) Flush() {
	q.head, q.tail = nil, nil
	clear(q.m)
}

func (q *LRU[K, V]) Len() int {
	return len(q.m)
}

func (q *LRU[K, V]) delElem(e *elem[K, V]) {
	q.unlink(e)
	delete(q.m, e.key)
	if q.onEvict != nil {
		q.onEvict(e.key, e.v)
	}
}

func (q *LRU[K, V]) pushTail(e *elem[K, V]) {
	e.prev, e.next = q.tail, nil
	if q.tail != nil {
		q.tail.next = e
	} else {
		q.head = e
	}
	q.tail = e
}

func (q *LRU[K, V]) unlink(e *elem[K, V]) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		q.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		q.tail = e.prev
	}
	e.prev, e.next = nil, nil
}

func (q *LRU[K, V]) moveToTail(e *elem[K, V]) {
	if q.tail == e {
		return
	}
	q.unlink(e)
	q.pushTail(e)
}
