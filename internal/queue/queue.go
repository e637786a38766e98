// Package queue implements the in-process job queue: three FIFO lanes
// drained in strict priority order high > default > low.
package queue

import (
	"sync"

	"github.com/tunedrop/pipeline/internal/model"
)

// Queue holds pending jobs. Enqueue appends to the tail of the job's
// lane — retries included, so a retried job never starves newer work.
// Dequeue blocks while every lane is empty.
type Queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	lanes  map[model.Lane][]*model.Job
	closed bool
}

// New creates an empty queue.
func New() *Queue {
	q := &Queue{
		lanes: make(map[model.Lane][]*model.Job, len(model.Lanes)),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue appends the job to the tail of its lane. Enqueueing on a
// closed queue is a silent drop.
func (q *Queue) Enqueue(job *model.Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	lane := job.Lane
	if _, ok := laneValid(lane); !ok {
		lane = model.LaneDefault
	}
	q.lanes[lane] = append(q.lanes[lane], job)
	q.cond.Signal()
}

// Dequeue returns the head of the highest-priority non-empty lane,
// blocking until a job arrives. ok is false once the queue is closed
// and drained.
func (q *Queue) Dequeue() (job *model.Job, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		for _, lane := range model.Lanes {
			if jobs := q.lanes[lane]; len(jobs) > 0 {
				job = jobs[0]
				q.lanes[lane] = jobs[1:]
				return job, true
			}
		}
		if q.closed {
			return nil, false
		}
		q.cond.Wait()
	}
}

// Close wakes all blocked consumers. Jobs already queued are still
// handed out before Dequeue starts reporting ok=false.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

// Len reports the number of pending jobs in one lane.
func (q *Queue) Len(lane model.Lane) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.lanes[lane])
}

func laneValid(lane model.Lane) (model.Lane, bool) {
	for _, l := range model.Lanes {
		if l == lane {
			return l, true
		}
	}
	return lane, false
}
