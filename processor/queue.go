package processor

import (
	"container/heap"
	"fmt"
	"sync"
	"time"
)

// taskHeap orders tasks by priority (highest first), then by submission
// sequence so that equal priorities stay FIFO.
type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	t := x.(*Task)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// taskQueue is a bounded priority queue.
//
// Capacity is enforced with the space channel: a submitter takes a slot
// before pushing and the slot is returned when the task leaves the queue.
// Retries and stop sentinels bypass the bound so a full queue never blocks
// a worker.
type taskQueue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	items    taskHeap
	byID     map[string]*Task
	space    chan struct{}
	seq      uint64
}

func newTaskQueue(capacity int) *taskQueue {
	q := &taskQueue{
		byID:  make(map[string]*Task),
		space: make(chan struct{}, capacity),
	}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

// push waits up to wait for a free slot, then enqueues t.
func (q *taskQueue) push(t *Task, wait time.Duration) error {
	select {
	case q.space <- struct{}{}:
	default:
		if wait <= 0 {
			return fmt.Errorf("%w: capacity %d reached", ErrQueueFull, cap(q.space))
		}
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case q.space <- struct{}{}:
		case <-timer.C:
			return fmt.Errorf("%w: capacity %d reached after waiting %s", ErrQueueFull, cap(q.space), wait)
		}
	}

	t.holdsSlot = true
	q.insert(t)
	return nil
}

// pushUnbounded enqueues t without taking a slot.
func (q *taskQueue) pushUnbounded(t *Task) {
	t.holdsSlot = false
	q.insert(t)
}

func (q *taskQueue) insert(t *Task) {
	q.mu.Lock()
	q.seq++
	t.seq = q.seq
	heap.Push(&q.items, t)
	if !t.stop {
		q.byID[t.ID] = t
	}
	q.mu.Unlock()
	q.notEmpty.Signal()
}

// pop blocks until a task is available.
func (q *taskQueue) pop() *Task {
	q.mu.Lock()
	for q.items.Len() == 0 {
		q.notEmpty.Wait()
	}
	t := heap.Pop(&q.items).(*Task)
	q.forgetUnsafe(t)
	q.mu.Unlock()
	return t
}

// remove takes the task with id out of the queue, if it is still queued.
func (q *taskQueue) remove(id string) (*Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.byID[id]
	if !ok {
		return nil, false
	}
	heap.Remove(&q.items, t.index)
	q.forgetUnsafe(t)
	return t, true
}

// drain removes and returns the real tasks in priority order. Stop
// sentinels stay queued so a worker still busy with a task exits when it
// returns.
func (q *taskQueue) drain() []*Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out, stops []*Task
	for q.items.Len() > 0 {
		t := heap.Pop(&q.items).(*Task)
		if t.stop {
			stops = append(stops, t)
			continue
		}
		q.forgetUnsafe(t)
		out = append(out, t)
	}
	for _, t := range stops {
		heap.Push(&q.items, t)
	}
	return out
}

// len counts queued real tasks.
func (q *taskQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.byID)
}

func (q *taskQueue) capacity() int {
	return cap(q.space)
}

// forgetUnsafe releases bookkeeping for a task leaving the heap.
// Must be called with q.mu held.
func (q *taskQueue) forgetUnsafe(t *Task) {
	if !t.stop {
		delete(q.byID, t.ID)
	}
	if t.holdsSlot {
		t.holdsSlot = false
		<-q.space
	}
}
