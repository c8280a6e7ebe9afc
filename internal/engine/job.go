package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tomyan/chromepool/internal/chrome"
)

var (
	ErrJobTimeout       = errors.New("job timed out")
	ErrJobCancelled     = errors.New("job cancelled")
	ErrEngineStopped    = errors.New("engine stopped")
	ErrRetriesExhausted = errors.New("job retries exhausted")
)

// TabFunc does a job's work on a fresh tab. The tab is closed when it
// returns.
type TabFunc func(ctx context.Context, tab *chrome.Tab, payload interface{}) (interface{}, error)

// State is a job's position in its lifecycle.
type State int32

const (
	StatePending State = iota
	StateRunning
	StateResolved
	StateFailed
	StateCancelled
	StateTimedOut
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateResolved:
		return "resolved"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	case StateTimedOut:
		return "timed_out"
	}
	return "unknown"
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool { return s >= StateResolved }

// Job is one unit of queued work, ordered by ExpireAt. Once terminal it
// never runs again.
type Job struct {
	Seq      uint64
	Payload  interface{}
	Fn       TabFunc
	ExpireAt time.Time

	retries  atomic.Int32
	requeued atomic.Bool
	stop     bool

	ctx    context.Context
	cancel context.CancelFunc

	state      atomic.Int32
	finishOnce sync.Once
	done       chan struct{}
	result     interface{}
	err        error
}

func newJob(seq uint64, payload interface{}, fn TabFunc, timeout time.Duration, retries int) *Job {
	j := &Job{
		Seq:      seq,
		Payload:  payload,
		Fn:       fn,
		ExpireAt: time.Now().Add(timeout),
		done:     make(chan struct{}),
	}
	j.retries.Store(int32(retries))
	j.ctx, j.cancel = context.WithDeadline(context.Background(), j.ExpireAt)
	context.AfterFunc(j.ctx, func() {
		if errors.Is(j.ctx.Err(), context.DeadlineExceeded) {
			j.finish(StateTimedOut, nil, ErrJobTimeout)
		}
	})
	return j
}

// stopJob is the shutdown sentinel. It sorts after every user job.
func stopJob() *Job {
	j := &Job{stop: true, done: make(chan struct{})}
	j.ctx, j.cancel = context.WithCancel(context.Background())
	return j
}

// State returns the current state.
func (j *Job) State() State { return State(j.state.Load()) }

// RetriesRemaining is how many more times a transport failure may put the
// job back on the queue.
func (j *Job) RetriesRemaining() int { return int(j.retries.Load()) }

// Requeued reports whether the job went back on the queue after a
// transport failure.
func (j *Job) Requeued() bool { return j.requeued.Load() }

// Context is cancelled when the job expires, is cancelled or finishes.
func (j *Job) Context() context.Context { return j.ctx }

// begin claims a pending job for a worker.
func (j *Job) begin() bool {
	return j.state.CompareAndSwap(int32(StatePending), int32(StateRunning))
}

// retry moves a running job back to pending, spending one retry. It fails
// when no retries remain or the job already ended.
func (j *Job) retry() bool {
	if j.retries.Add(-1) < 0 {
		j.retries.Store(0)
		return false
	}
	if !j.state.CompareAndSwap(int32(StateRunning), int32(StatePending)) {
		return false
	}
	j.requeued.Store(true)
	return true
}

// finish records the outcome exactly once.
func (j *Job) finish(state State, result interface{}, err error) bool {
	won := false
	j.finishOnce.Do(func() {
		won = true
		j.result, j.err = result, err
		j.state.Store(int32(state))
		close(j.done)
		j.cancel()
		recordFinished(state)
	})
	return won
}

// Future is the caller's handle on a submitted job.
type Future struct {
	job *Job
}

// Wait blocks until the job ends or ctx is done. Abandoning the wait does
// not cancel the job.
func (f *Future) Wait(ctx context.Context) (interface{}, error) {
	select {
	case <-f.job.done:
		return f.job.result, f.job.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done is closed when the job reaches a terminal state.
func (f *Future) Done() <-chan struct{} { return f.job.done }

// Cancel ends the job. A running worker sees its context cancelled and its
// tab is closed.
func (f *Future) Cancel() {
	f.job.finish(StateCancelled, nil, ErrJobCancelled)
}

func (f *Future) State() State { return f.job.State() }

func (f *Future) Job() *Job { return f.job }
