package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/tomyan/chromepool/internal/browser"
	"github.com/tomyan/chromepool/internal/cdp"
	"github.com/tomyan/chromepool/internal/chrome"
)

const (
	// relaunchAttempts bounds consecutive factory failures before a worker
	// gives up.
	relaunchAttempts = 3
	relaunchBackoff  = 500 * time.Millisecond
)

// WorkerState is where a worker is in its browser's lifecycle.
type WorkerState int32

const (
	WorkerInitializing WorkerState = iota
	WorkerReady
	WorkerDraining
	WorkerRecycling
	WorkerStopped
)

func (s WorkerState) String() string {
	switch s {
	case WorkerInitializing:
		return "initializing"
	case WorkerReady:
		return "ready"
	case WorkerDraining:
		return "draining"
	case WorkerRecycling:
		return "recycling"
	case WorkerStopped:
		return "stopped"
	}
	return "unknown"
}

// Worker owns one browser and runs up to MaxConcurrentTabs jobs on it at a
// time, each in its own tab.
type Worker struct {
	id      int
	port    int
	cfg     Config
	factory BrowserFactory
	queue   *jobQueue
	logger  *zap.Logger
	slots   *semaphore.Weighted

	state atomic.Int32

	mu        sync.RWMutex
	browser   *browser.Browser
	startedAt time.Time

	served       atomic.Int64
	sinceRecycle atomic.Int64
	inFlight     atomic.Int64
	peak         atomic.Int64
	broken       atomic.Bool

	jobs   sync.WaitGroup
	active sync.Map // *Job -> struct{}
}

func newWorker(id, port int, cfg Config, factory BrowserFactory, queue *jobQueue, logger *zap.Logger) *Worker {
	return &Worker{
		id:      id,
		port:    port,
		cfg:     cfg,
		factory: factory,
		queue:   queue,
		logger:  logger.With(zap.Int("worker", id), zap.Int("port", port)),
		slots:   semaphore.NewWeighted(int64(cfg.MaxConcurrentTabs)),
	}
}

func (w *Worker) ID() int            { return w.id }
func (w *Worker) Port() int          { return w.port }
func (w *Worker) State() WorkerState { return WorkerState(w.state.Load()) }

// Served counts jobs this worker finished, successfully or not.
func (w *Worker) Served() int64 { return w.served.Load() }

// InFlight is the number of tabs running a job right now.
func (w *Worker) InFlight() int64 { return w.inFlight.Load() }

// PeakInFlight is the highest InFlight seen.
func (w *Worker) PeakInFlight() int64 { return w.peak.Load() }

// Browser is the current browser, nil before start and after stop.
func (w *Worker) Browser() *browser.Browser {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.browser
}

func (w *Worker) setState(s WorkerState) {
	prev := WorkerState(w.state.Swap(int32(s)))
	if prev != s {
		w.logger.Debug("worker state", zap.Stringer("from", prev), zap.Stringer("to", s))
	}
}

// start brings up the first browser.
func (w *Worker) start(ctx context.Context) error {
	w.setState(WorkerInitializing)
	b, err := w.factory(ctx, w.port)
	if err != nil {
		w.setState(WorkerStopped)
		return fmt.Errorf("worker %d: starting browser on port %d: %w", w.id, w.port, err)
	}
	w.install(b)
	w.setState(WorkerReady)
	return nil
}

func (w *Worker) install(b *browser.Browser) {
	w.mu.Lock()
	w.browser = b
	w.startedAt = time.Now()
	w.mu.Unlock()
	w.sinceRecycle.Store(0)
	w.broken.Store(false)
}

// recycleReason says why the browser should be replaced before the next
// job, or "" when it should not.
func (w *Worker) recycleReason() string {
	if w.broken.Load() {
		return "error"
	}
	if w.cfg.RecycleAfterJobs > 0 && w.sinceRecycle.Load() >= int64(w.cfg.RecycleAfterJobs) {
		return "jobs"
	}
	if w.cfg.RestartEvery > 0 {
		w.mu.RLock()
		age := time.Since(w.startedAt)
		w.mu.RUnlock()
		if age > w.cfg.RestartEvery {
			return "age"
		}
	}
	return ""
}

// run is the dispatch loop. It returns nil when it meets the stop sentinel
// or ctx ends, and an error when the browser cannot be replaced.
func (w *Worker) run(ctx context.Context) error {
	defer w.stop()
	for {
		if reason := w.recycleReason(); reason != "" {
			if err := w.recycle(ctx, reason); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
		// A slot is taken before dequeuing so a saturated worker leaves jobs
		// to the others.
		if err := w.slots.Acquire(ctx, 1); err != nil {
			return nil
		}
		job, err := w.queue.Pop(ctx)
		if err != nil {
			w.slots.Release(1)
			return nil
		}
		if job.stop {
			w.slots.Release(1)
			w.queue.Push(job)
			return nil
		}
		if w.recycleReason() != "" {
			w.slots.Release(1)
			w.queue.Push(job)
			continue
		}
		if !job.begin() {
			w.slots.Release(1)
			continue
		}
		w.jobs.Add(1)
		go w.serve(job)
	}
}

// serve runs one job attempt in a fresh tab and settles its future.
func (w *Worker) serve(job *Job) {
	defer w.jobs.Done()
	defer w.slots.Release(1)
	w.active.Store(job, struct{}{})
	defer w.active.Delete(job)
	n := w.inFlight.Add(1)
	for {
		p := w.peak.Load()
		if n <= p || w.peak.CompareAndSwap(p, n) {
			break
		}
	}
	recordInFlight(w.port, n)
	defer func() { recordInFlight(w.port, w.inFlight.Add(-1)) }()

	began := time.Now()
	result, opened, err := w.attempt(job)
	recordJobDuration(time.Since(began).Seconds())
	w.served.Add(1)
	w.sinceRecycle.Add(1)

	ctx := job.Context()
	switch {
	case err == nil:
		job.finish(StateResolved, result, nil)
	case ctx.Err() != nil:
		// Cancelled or expired; the future is already settled.
	case !opened || isBrowserFailure(err):
		w.broken.Store(true)
		if job.retry() {
			recordRequeued()
			w.logger.Warn("requeueing job after browser failure", zap.Uint64("job", job.Seq),
				zap.Int("retries_remaining", job.RetriesRemaining()), zap.Error(err))
			w.queue.PushFront(job)
			return
		}
		job.finish(StateFailed, nil, fmt.Errorf("%w: %w", ErrRetriesExhausted, err))
	default:
		job.finish(StateFailed, nil, err)
	}
}

// attempt runs the job function. opened reports whether a tab was acquired.
func (w *Worker) attempt(job *Job) (result interface{}, opened bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("job panicked", zap.Uint64("job", job.Seq), zap.Any("panic", r))
			err = fmt.Errorf("job %d panicked: %v", job.Seq, r)
		}
	}()
	b := w.Browser()
	if b == nil {
		return nil, false, cdp.ErrBrowserGone
	}
	ctx := job.Context()
	err = b.WithTab(ctx, "about:blank", true, func(tab *chrome.Tab) error {
		opened = true
		r, err := job.Fn(ctx, tab, job.Payload)
		result = r
		return err
	})
	return result, opened, err
}

func isBrowserFailure(err error) bool {
	return cdp.IsTransient(err) || errors.Is(err, chrome.ErrTabClosed)
}

// recycle waits for in-flight jobs, then replaces the browser.
func (w *Worker) recycle(ctx context.Context, reason string) error {
	w.setState(WorkerRecycling)
	w.logger.Info("recycling browser", zap.String("reason", reason), zap.Int64("served", w.served.Load()))
	recordRecycle(w.port, reason)
	w.jobs.Wait()

	if old := w.Browser(); old != nil {
		if err := old.Shutdown(); err != nil {
			w.logger.Warn("shutting down old browser", zap.Error(err))
		}
	}

	var lastErr error
	for attempt := 1; attempt <= relaunchAttempts; attempt++ {
		b, err := w.factory(ctx, w.port)
		if err == nil {
			w.install(b)
			w.setState(WorkerReady)
			return nil
		}
		lastErr = err
		w.logger.Warn("relaunching browser", zap.Int("attempt", attempt), zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(relaunchBackoff * time.Duration(attempt)):
		}
	}
	w.mu.Lock()
	w.browser = nil
	w.mu.Unlock()
	return fmt.Errorf("worker %d: relaunching browser on port %d: %w", w.id, w.port, lastErr)
}

// abort fails every running job, which cancels its context.
func (w *Worker) abort() {
	w.active.Range(func(k, _ interface{}) bool {
		k.(*Job).finish(StateFailed, nil, ErrEngineStopped)
		return true
	})
}

// stop drains in-flight jobs and shuts the browser down.
func (w *Worker) stop() {
	w.setState(WorkerDraining)
	w.jobs.Wait()
	w.mu.Lock()
	b := w.browser
	w.browser = nil
	w.mu.Unlock()
	if b != nil {
		if err := b.Shutdown(); err != nil {
			w.logger.Warn("shutting down browser", zap.Error(err))
		}
	}
	w.setState(WorkerStopped)
}
