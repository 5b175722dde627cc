package heap

// MinHeap is a binary heap whose items can be removed or re-ordered in place.
// The optional onMove callback receives an item's new position every time it
// moves, so callers can hold on to the index instead of searching for it.
type MinHeap[T any] struct {
	items  []T
	less   func(a, b T) bool
	onMove func(item T, index int)
}

func NewMinHeap[T any](less func(a, b T) bool) *MinHeap[T] {
	return NewIndexedMinHeap(less, nil)
}

// NewIndexedMinHeap creates a heap that reports item positions through
// onMove. Removed items are reported with index -1.
func NewIndexedMinHeap[T any](less func(a, b T) bool, onMove func(item T, index int)) *MinHeap[T] {
	if onMove == nil {
		onMove = func(T, int) {}
	}
	return &MinHeap[T]{
		items:  make([]T, 0),
		less:   less,
		onMove: onMove,
	}
}

func (h *MinHeap[T]) Len() int { return len(h.items) }

func (h *MinHeap[T]) Push(item T) {
	h.items = append(h.items, item)
	last := len(h.items) - 1
	h.onMove(item, last)
	h.up(last)
}

func (h *MinHeap[T]) Peek() (T, bool) {
	var zero T
	if len(h.items) == 0 {
		return zero, false
	}
	return h.items[0], true
}

func (h *MinHeap[T]) Pop() (T, bool) {
	return h.RemoveAt(0)
}

// RemoveAt deletes the item at index.
func (h *MinHeap[T]) RemoveAt(index int) (T, bool) {
	var zero T
	if index < 0 || index >= len(h.items) {
		return zero, false
	}

	removed := h.items[index]
	last := len(h.items) - 1
	if index != last {
		h.swap(index, last)
	}
	h.items[last] = zero
	h.items = h.items[:last]
	h.onMove(removed, -1)

	if index < len(h.items) {
		h.Fix(index)
	}
	return removed, true
}

// Fix restores the heap order after the item at index changed its key.
func (h *MinHeap[T]) Fix(index int) {
	if index < 0 || index >= len(h.items) {
		return
	}
	if !h.down(index) {
		h.up(index)
	}
}

func (h *MinHeap[T]) swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.onMove(h.items[i], i)
	h.onMove(h.items[j], j)
}

func (h *MinHeap[T]) up(index int) {
	for index > 0 {
		parent := (index - 1) / 2
		if !h.less(h.items[index], h.items[parent]) {
			return
		}
		h.swap(index, parent)
		index = parent
	}
}

// down reports whether the item moved.
func (h *MinHeap[T]) down(index int) bool {
	start := index
	for {
		smallest := index
		left, right := 2*index+1, 2*index+2
		if left < len(h.items) && h.less(h.items[left], h.items[smallest]) {
			smallest = left
		}
		if right < len(h.items) && h.less(h.items[right], h.items[smallest]) {
			smallest = right
		}
		if smallest == index {
			return index != start
		}
		h.swap(index, smallest)
		index = smallest
	}
}
