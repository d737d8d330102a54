package events

import (
	"container/heap"
	"sync"
)

// queueItem pairs an event with the insertion sequence used to keep FIFO
// order inside a priority band.
type queueItem struct {
	event Event
	seq   uint64
}

// itemHeap orders by (priority desc, insertion seq asc).
type itemHeap []queueItem

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].event.Priority != h[j].event.Priority {
		return h[i].event.Priority > h[j].event.Priority
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x interface{}) {
	*h = append(*h, x.(queueItem))
}

func (h *itemHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// PriorityQueue is a mutex-guarded priority queue of events. Higher priority
// events pop first; equal-priority events pop in insertion order.
type PriorityQueue struct {
	mu    sync.Mutex
	items itemHeap
	seq   uint64
}

// NewPriorityQueue creates an empty priority queue.
func NewPriorityQueue() *PriorityQueue {
	pq := &PriorityQueue{items: make(itemHeap, 0)}
	heap.Init(&pq.items)
	return pq
}

// Put enqueues an event.
func (pq *PriorityQueue) Put(event Event) {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	pq.putLocked(event)
}

// PutSync enqueues without taking the lock. Only valid when the caller
// guarantees no concurrent queue access (single-threaded setup paths).
func (pq *PriorityQueue) PutSync(event Event) {
	pq.putLocked(event)
}

func (pq *PriorityQueue) putLocked(event Event) {
	pq.seq++
	heap.Push(&pq.items, queueItem{event: event, seq: pq.seq})
}

// Pop removes and returns the highest-priority event. The second return is
// false when the queue is empty.
func (pq *PriorityQueue) Pop() (Event, bool) {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	if len(pq.items) == 0 {
		return Event{}, false
	}
	item := heap.Pop(&pq.items).(queueItem)
	return item.event, true
}

// Peek returns the next event without removing it.
func (pq *PriorityQueue) Peek() (Event, bool) {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	if len(pq.items) == 0 {
		return Event{}, false
	}
	return pq.items[0].event, true
}

// Size returns the number of queued events.
func (pq *PriorityQueue) Size() int {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	return len(pq.items)
}

// Clear drops all queued events and returns how many were removed.
func (pq *PriorityQueue) Clear() int {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	n := len(pq.items)
	pq.items = pq.items[:0]
	return n
}
