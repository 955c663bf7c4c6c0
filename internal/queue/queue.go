// Package queue implements TaskQueue: the prioritized, persistent queue of
// pending tasks with atomic reservation semantics.
package queue

import (
	"container/heap"
	"errors"
	"sync"
	"time"

	"github.com/orchestra/core/internal/pathmatch"
	v1 "github.com/orchestra/core/pkg/api/v1"
)

// ErrQueueFull is returned by Enqueue when pending count >= maxPending.
var ErrQueueFull = errors.New("queue is full")

// ErrTaskExists is returned when a task already exists in the queue.
var ErrTaskExists = errors.New("task already exists in queue")

// queuedTask wraps a Task with heap bookkeeping.
type queuedTask struct {
	task     *v1.Task
	queuedAt time.Time
	index    int
}

// taskHeap implements heap.Interface, ordering Critical > High > Normal >
// Low, then FIFO by createdAt.
type taskHeap []*queuedTask

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].task.Priority != h[j].task.Priority {
		return h[i].task.Priority > h[j].task.Priority
	}
	return h[i].task.CreatedAt.Before(h[j].task.CreatedAt)
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x interface{}) {
	n := len(*h)
	item := x.(*queuedTask)
	item.index = n
	*h = append(*h, item)
}

func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[0 : n-1]
	return item
}

// TaskQueue is the in-memory priority queue of Pending tasks. It holds the
// authoritative scan index the dispatcher claims from; StateStore is the
// durable mirror, updated by the caller alongside each queue mutation.
type TaskQueue struct {
	mu      sync.Mutex
	heap    taskHeap
	taskMap map[string]*queuedTask
	maxSize int
}

// NewTaskQueue creates an empty queue bounded to maxSize pending tasks.
// maxSize <= 0 means unbounded.
func NewTaskQueue(maxSize int) *TaskQueue {
	q := &TaskQueue{
		heap:    make(taskHeap, 0),
		taskMap: make(map[string]*queuedTask),
		maxSize: maxSize,
	}
	heap.Init(&q.heap)
	return q
}

// Enqueue adds a Pending task to the queue.
func (q *TaskQueue) Enqueue(task *v1.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.taskMap[task.ID]; exists {
		return ErrTaskExists
	}
	if q.maxSize > 0 && len(q.heap) >= q.maxSize {
		return ErrQueueFull
	}

	qt := &queuedTask{task: task, queuedAt: time.Now().UTC()}
	heap.Push(&q.heap, qt)
	q.taskMap[task.ID] = qt
	return nil
}

// ClaimForAgent atomically selects and removes the oldest highest-priority
// Pending task whose repositoryPath matches agent's repositoryPath (or is
// empty), per §4.3's match predicate. Returns nil if nothing matches.
func (q *TaskQueue) ClaimForAgent(agent *v1.Agent) *v1.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	var matchIdx = -1
	for i, qt := range q.heap {
		if qt.task.RepositoryPath == "" || pathmatch.Match(qt.task.RepositoryPath, agent.RepositoryPath) {
			if matchIdx == -1 || q.heap.Less(i, matchIdx) {
				matchIdx = i
			}
		}
	}
	if matchIdx == -1 {
		return nil
	}

	qt := heap.Remove(&q.heap, matchIdx).(*queuedTask)
	delete(q.taskMap, qt.task.ID)
	return qt.task
}

// Remove removes a specific task from the queue (used on Cancelled).
func (q *TaskQueue) Remove(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	qt, exists := q.taskMap[taskID]
	if !exists {
		return false
	}
	heap.Remove(&q.heap, qt.index)
	delete(q.taskMap, taskID)
	return true
}

// Contains reports whether taskID is currently queued.
func (q *TaskQueue) Contains(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	_, exists := q.taskMap[taskID]
	return exists
}

// Len returns the number of pending tasks.
func (q *TaskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// IsFull reports whether the queue is at max capacity.
func (q *TaskQueue) IsFull() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.maxSize > 0 && len(q.heap) >= q.maxSize
}

// List returns a snapshot of all queued tasks in heap order, which is not a
// total priority order.
func (q *TaskQueue) List() []*v1.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*v1.Task, len(q.heap))
	for i, qt := range q.heap {
		out[i] = qt.task
	}
	return out
}
