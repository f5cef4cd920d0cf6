package scheduler

import "time"

type deferredUnit struct {
	unit Unit
	at   time.Time
	seq  uint64
}

// deferredHeap orders deferred units by due time, then by insertion order
type deferredHeap []deferredUnit

func (h deferredHeap) Len() int { return len(h) }

func (h deferredHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}
	return h[i].at.Before(h[j].at)
}

func (h deferredHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *deferredHeap) Push(x any) { *h = append(*h, x.(deferredUnit)) }

func (h *deferredHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
