package heap

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type testItem struct {
	value    string
	priority int
	index    int
}

func newTestHeap() *MinHeap[*testItem] {
	return NewIndexedMinHeap(
		func(a, b *testItem) bool { return a.priority < b.priority },
		func(item *testItem, index int) { item.index = index },
	)
}

func drain(h *MinHeap[*testItem]) []int {
	var priorities []int
	for h.Len() > 0 {
		item, _ := h.Pop()
		priorities = append(priorities, item.priority)
	}
	return priorities
}

func TestHeap(t *testing.T) {
	t.Run("empty heap", func(t *testing.T) {
		h := NewMinHeap(func(a, b int) bool { return a < b })
		assert.Equal(t, 0, h.Len())
		_, ok := h.Peek()
		assert.False(t, ok)
		_, ok = h.Pop()
		assert.False(t, ok)
	})

	t.Run("pops in priority order", func(t *testing.T) {
		h := NewMinHeap(func(a, b int) bool { return a < b })
		for _, v := range []int{5, 3, 8, 1, 9, 2} {
			h.Push(v)
		}

		top, ok := h.Peek()
		assert.True(t, ok)
		assert.Equal(t, 1, top)

		var popped []int
		for h.Len() > 0 {
			v, _ := h.Pop()
			popped = append(popped, v)
		}
		assert.Equal(t, []int{1, 2, 3, 5, 8, 9}, popped)
	})

	t.Run("indexes track positions", func(t *testing.T) {
		h := newTestHeap()
		items := []*testItem{{value: "a", priority: 4}, {value: "b", priority: 2}, {value: "c", priority: 7}, {value: "d", priority: 1}}
		for _, item := range items {
			h.Push(item)
		}
		for _, item := range items {
			assert.Same(t, item, h.items[item.index])
		}
	})

	t.Run("remove at index", func(t *testing.T) {
		h := newTestHeap()
		items := []*testItem{{priority: 4}, {priority: 2}, {priority: 7}, {priority: 1}, {priority: 5}}
		for _, item := range items {
			h.Push(item)
		}

		removed, ok := h.RemoveAt(items[0].index)
		assert.True(t, ok)
		assert.Same(t, items[0], removed)
		assert.Equal(t, -1, items[0].index)
		assert.Equal(t, []int{1, 2, 5, 7}, drain(h))

		_, ok = h.RemoveAt(3)
		assert.False(t, ok)
	})

	t.Run("fix after key change", func(t *testing.T) {
		h := newTestHeap()
		items := []*testItem{{priority: 1}, {priority: 2}, {priority: 3}}
		for _, item := range items {
			h.Push(item)
		}

		items[0].priority = 10
		h.Fix(items[0].index)
		top, _ := h.Peek()
		assert.Same(t, items[1], top)

		items[2].priority = 0
		h.Fix(items[2].index)
		top, _ = h.Peek()
		assert.Same(t, items[2], top)

		assert.Equal(t, []int{0, 2, 10}, drain(h))
	})
}
