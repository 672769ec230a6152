package scheduler

// readyHeap orders runnable tasks by priority (descending) and enqueue
// sequence (ascending) so equal-priority tasks dispatch FIFO.
type readyHeap []*taskRecord

func (h readyHeap) Len() int { return len(h) }

func (h readyHeap) Less(i, j int) bool {
	if h[i].spec.Priority != h[j].spec.Priority {
		return h[i].spec.Priority > h[j].spec.Priority
	}
	return h[i].seq < h[j].seq
}

func (h readyHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *readyHeap) Push(x any) {
	rec := x.(*taskRecord)
	rec.index = len(*h)
	*h = append(*h, rec)
}

func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	rec := old[n-1]
	old[n-1] = nil
	rec.index = -1
	*h = old[:n-1]
	return rec
}
