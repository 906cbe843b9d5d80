package work

import (
	"container/heap"
	"sync"
)

// pendingQueue implements heap.Interface over tasks.
// Higher priority pops first; equal priorities pop FIFO by creation time.
type pendingQueue []*Task

func (pq pendingQueue) Len() int { return len(pq) }

func (pq pendingQueue) Less(i, j int) bool {
	if pq[i].Priority != pq[j].Priority {
		return pq[i].Priority > pq[j].Priority
	}
	return pq[i].CreatedAt.Before(pq[j].CreatedAt)
}

func (pq pendingQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].heapIndex = i
	pq[j].heapIndex = j
}

func (pq *pendingQueue) Push(x any) {
	n := len(*pq)
	task := x.(*Task)
	task.heapIndex = n
	*pq = append(*pq, task)
}

func (pq *pendingQueue) Pop() any {
	old := *pq
	n := len(old)
	task := old[n-1]
	old[n-1] = nil
	task.heapIndex = -1 // mark as removed
	*pq = old[0 : n-1]
	return task
}

// contains reports whether task is still queued. Guards against stale
// pointers whose heapIndex happens to be in range after a pop.
func (pq pendingQueue) contains(task *Task) bool {
	if task == nil || task.heapIndex < 0 || task.heapIndex >= len(pq) {
		return false
	}
	return pq[task.heapIndex] == task
}

// reprioritize changes a queued task's priority and restores heap order.
// Returns false if the task already left the queue.
func (pq *pendingQueue) reprioritize(task *Task, priority int) bool {
	if !pq.contains(task) {
		return false
	}
	task.Priority = priority
	heap.Fix(pq, task.heapIndex)
	return true
}

// remove takes a queued task out of the heap. Returns false if it
// already left the queue.
func (pq *pendingQueue) remove(task *Task) bool {
	if !pq.contains(task) {
		return false
	}
	heap.Remove(pq, task.heapIndex)
	return true
}

// RingBuffer is a fixed-capacity circular buffer holding finished tasks.
// Thread-safe. Oldest entries are evicted when capacity is reached.
type RingBuffer struct {
	mu       sync.RWMutex
	tasks    []*Task
	capacity int
	head     int // next write position
	count    int
}

// NewRingBuffer creates a ring buffer with the given capacity.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = 100
	}
	return &RingBuffer{
		tasks:    make([]*Task, capacity),
		capacity: capacity,
	}
}

// Push adds a task, evicting the oldest if full.
func (r *RingBuffer) Push(task *Task) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.tasks[r.head] = task
	r.head = (r.head + 1) % r.capacity
	if r.count < r.capacity {
		r.count++
	}
}

// All returns every buffered task, newest first.
func (r *RingBuffer) All() []*Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.recentLocked(r.count)
}

// Recent returns the n most recent tasks, newest first.
func (r *RingBuffer) Recent(n int) []*Task {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n > r.count {
		n = r.count
	}
	return r.recentLocked(n)
}

func (r *RingBuffer) recentLocked(n int) []*Task {
	if n <= 0 {
		return nil
	}
	result := make([]*Task, n)
	for i := 0; i < n; i++ {
		idx := (r.head - 1 - i + r.capacity) % r.capacity
		result[i] = r.tasks[idx]
	}
	return result
}

// Len returns the number of buffered tasks.
func (r *RingBuffer) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

// Clear removes all buffered tasks.
func (r *RingBuffer) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = make([]*Task, r.capacity)
	r.head = 0
	r.count = 0
}
