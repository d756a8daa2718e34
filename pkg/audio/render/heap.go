package render

// scheduled wraps a started [source] with its clock position for the pending
// queue. The seq field provides FIFO ordering between sources that share a
// start frame.
type scheduled struct {
	src   *source
	start int64
	seq   uint64
}

// startHeap implements [container/heap.Interface] as a min-heap ordered by
// start frame (ascending), with FIFO tie-breaking on seq (ascending).
type startHeap []scheduled

func (h startHeap) Len() int { return len(h) }

// Less reports whether element i should begin playing before element j.
func (h startHeap) Less(i, j int) bool {
	if h[i].start != h[j].start {
		return h[i].start < h[j].start
	}
	return h[i].seq < h[j].seq
}

func (h startHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

// Push appends x to the heap. Called by [container/heap.Push]; callers must
// not invoke this directly.
func (h *startHeap) Push(x any) {
	*h = append(*h, x.(scheduled))
}

// Pop removes and returns the last element. Called by [container/heap.Pop];
// callers must not invoke this directly.
func (h *startHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = scheduled{}
	*h = old[:n-1]
	return e
}
