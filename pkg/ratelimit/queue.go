package ratelimit

// waiter is one blocked Admit call. ready is closed when the waiter is
// granted a slot.
type waiter struct {
	priority int
	seq      uint64 // FIFO tiebreak within a priority level
	ready    chan struct{}
	removed  bool // set when the caller gave up (context cancelled)
	index    int
}

// waiterHeap orders waiters by priority (higher first), then FIFO by
// enqueue sequence.
type waiterHeap []*waiter

func (h waiterHeap) Len() int { return len(h) }

func (h waiterHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h waiterHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *waiterHeap) Push(x any) {
	w := x.(*waiter)
	w.index = len(*h)
	*h = append(*h, w)
}

func (h *waiterHeap) Pop() any {
	old := *h
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	w.index = -1
	*h = old[:n-1]
	return w
}
