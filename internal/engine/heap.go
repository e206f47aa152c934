package engine

import "container/heap"

// entry wraps a Task with its priority and the submission counter used to
// break priority ties FIFO.
type entry struct {
	task     Task
	priority int
	seq      uint64
	index    int // maintained by container/heap
}

// readyHeap orders entries by descending priority, ties broken by
// ascending submission sequence (FIFO within a priority band).
type readyHeap []*entry

func (h readyHeap) Len() int { return len(h) }

func (h readyHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h readyHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *readyHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

var _ heap.Interface = (*readyHeap)(nil)
