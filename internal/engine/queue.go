package engine

import (
	"cmp"
	"context"
	"sync"

	"github.com/emirpasic/gods/queues/priorityqueue"
)

// byPriority orders jobs put back after a transport failure first, then by
// expiry and submission order. Stop sentinels go last so queued work drains
// before workers exit.
func byPriority(a, b interface{}) int {
	x, y := a.(*Job), b.(*Job)
	if x.stop != y.stop {
		if x.stop {
			return 1
		}
		return -1
	}
	if xr, yr := x.Requeued(), y.Requeued(); xr != yr {
		if xr {
			return -1
		}
		return 1
	}
	if c := x.ExpireAt.Compare(y.ExpireAt); c != 0 {
		return c
	}
	return cmp.Compare(x.Seq, y.Seq)
}

// jobQueue is a blocking priority queue shared by all workers.
type jobQueue struct {
	mu    sync.Mutex
	items *priorityqueue.Queue
	// wake is closed and replaced on every push.
	wake chan struct{}
}

func newJobQueue() *jobQueue {
	return &jobQueue{
		items: priorityqueue.NewWith(byPriority),
		wake:  make(chan struct{}),
	}
}

// Push adds a job in priority order.
func (q *jobQueue) Push(j *Job) {
	q.mu.Lock()
	q.items.Enqueue(j)
	close(q.wake)
	q.wake = make(chan struct{})
	n := q.items.Size()
	q.mu.Unlock()
	recordQueueDepth(n)
}

// PushFront puts a job back ahead of everything not previously requeued.
func (q *jobQueue) PushFront(j *Job) {
	j.requeued.Store(true)
	q.Push(j)
}

// Pop blocks until a job is available or ctx is done.
func (q *jobQueue) Pop(ctx context.Context) (*Job, error) {
	for {
		q.mu.Lock()
		if v, ok := q.items.Dequeue(); ok {
			n := q.items.Size()
			q.mu.Unlock()
			recordQueueDepth(n)
			return v.(*Job), nil
		}
		wake := q.wake
		q.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Len counts queued entries, sentinels included.
func (q *jobQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Size()
}

// drain empties the queue and returns the user jobs it held.
func (q *jobQueue) drain() []*Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	var jobs []*Job
	for {
		v, ok := q.items.Dequeue()
		if !ok {
			break
		}
		if j := v.(*Job); !j.stop {
			jobs = append(jobs, j)
		}
	}
	recordQueueDepth(0)
	return jobs
}
