package queue

import (
	"slices"
	"sync"

	"github.com/seantiz/specrun/internal/model"
)

// Queue is a FIFO run queue with at most one running item. It is safe for
// concurrent use.
//
// The change hook is called after every mutation with a snapshot of the new
// state, while the queue's lock is held, so consecutive snapshots are
// delivered in mutation order. The hook must not call back into the Queue.
type Queue struct {
	mu       sync.Mutex
	running  string
	queued   []string
	onChange func(model.QueueState)
	ready    chan struct{}
}

// New creates an empty queue. onChange may be nil.
func New(onChange func(model.QueueState)) *Queue {
	return &Queue{
		onChange: onChange,
		ready:    make(chan struct{}, 1),
	}
}

// Ready returns a channel that receives a value whenever items are enqueued.
func (q *Queue) Ready() <-chan struct{} {
	return q.ready
}

// Enqueue appends ids that are neither running nor queued and returns the ids
// actually added. Enqueueing a known id is a no-op.
func (q *Queue) Enqueue(ids ...string) []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	var added []string
	for _, id := range ids {
		if id == "" || id == q.running || slices.Contains(q.queued, id) {
			continue
		}
		q.queued = append(q.queued, id)
		added = append(added, id)
	}
	if len(added) == 0 {
		return nil
	}
	q.changed()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return added
}

// Next promotes the head of the queue to running. It returns false when an
// item is already running or nothing is queued.
func (q *Queue) Next() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.running != "" || len(q.queued) == 0 {
		return "", false
	}
	q.running = q.queued[0]
	q.queued = slices.Delete(q.queued, 0, 1)
	q.changed()
	return q.running, true
}

// Complete clears the running item if it is id.
func (q *Queue) Complete(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.running == "" || q.running != id {
		return false
	}
	q.running = ""
	q.changed()
	return true
}

// Cancel removes id from the queued items. A running item cannot be cancelled.
func (q *Queue) Cancel(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := slices.Index(q.queued, id)
	if i < 0 {
		return false
	}
	q.queued = slices.Delete(q.queued, i, i+1)
	q.changed()
	return true
}

// CancelQueued removes every queued item and returns them in queue order. The
// running item is left alone.
func (q *Queue) CancelQueued() []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.queued) == 0 {
		return nil
	}
	cancelled := q.queued
	q.queued = nil
	q.changed()
	return cancelled
}

// State returns a snapshot of the queue.
func (q *Queue) State() model.QueueState {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.snapshot()
}

// Len returns the number of running and queued items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.queued)
	if q.running != "" {
		n++
	}
	return n
}

func (q *Queue) snapshot() model.QueueState {
	return model.QueueState{
		Running: q.running,
		Queued:  slices.Clone(q.queued),
	}
}

func (q *Queue) changed() {
	if q.onChange != nil {
		q.onChange(q.snapshot())
	}
}
