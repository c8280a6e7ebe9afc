// Package engine schedules tab jobs across a pool of browser workers. Jobs
// wait in one priority queue ordered by expiry; each worker runs a bounded
// number of them at once, one tab per job, and replaces its browser when it
// ages out, has served enough jobs or breaks.
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tomyan/chromepool/internal/browser"
	"github.com/tomyan/chromepool/internal/cdp"
	"github.com/tomyan/chromepool/internal/chrome"
	"github.com/tomyan/chromepool/internal/chrome/launcher"
)

const (
	DefaultStartPort         = 9345
	DefaultWorkersAmount     = 1
	DefaultMaxConcurrentTabs = 5
	DefaultRestartEvery      = 8 * time.Minute
	DefaultJobTimeout        = 30 * time.Second
	DefaultMaxRetries        = 1

	// NoRetries as Config.MaxRetries fails a job on its first browser
	// failure.
	NoRetries = -1
)

// Config sizes the pool.
type Config struct {
	// StartPort is the first worker's debugging port; worker i uses
	// StartPort+i.
	StartPort         int
	WorkersAmount     int
	MaxConcurrentTabs int
	Headless          bool
	// ExtraConfig is appended to every browser's argv.
	ExtraConfig []string
	// RestartEvery recycles a browser older than this. Zero disables it.
	RestartEvery time.Duration
	// RecycleAfterJobs recycles after this many jobs. Zero disables it.
	RecycleAfterJobs int
	DefaultTimeout   time.Duration
	// MaxRetries is how often a job may be requeued after a browser
	// failure. Zero selects DefaultMaxRetries; NoRetries disables requeue.
	MaxRetries int

	// Launcher is the template for each browser. Port and Headless are set
	// per worker.
	Launcher launcher.Options
	// TabTimeout is the per-command default of every tab session.
	TabTimeout   time.Duration
	PollInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.StartPort == 0 {
		c.StartPort = DefaultStartPort
	}
	if c.WorkersAmount == 0 {
		c.WorkersAmount = DefaultWorkersAmount
	}
	if c.MaxConcurrentTabs == 0 {
		c.MaxConcurrentTabs = DefaultMaxConcurrentTabs
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = DefaultJobTimeout
	}
	switch {
	case c.MaxRetries == 0:
		c.MaxRetries = DefaultMaxRetries
	case c.MaxRetries < 0:
		c.MaxRetries = NoRetries
	}
	return c
}

// Validate rejects pools that cannot run.
func (c Config) Validate() error {
	switch {
	case c.WorkersAmount < 1:
		return &launcher.ConfigError{Field: "workers_amount", Reason: "must be at least 1"}
	case c.MaxConcurrentTabs < 1:
		return &launcher.ConfigError{Field: "max_concurrent_tabs", Reason: "must be at least 1"}
	case c.StartPort < 1 || c.StartPort+c.WorkersAmount-1 > 65535:
		return &launcher.ConfigError{Field: "start_port", Reason: fmt.Sprintf("ports %d..%d are not all valid", c.StartPort, c.StartPort+c.WorkersAmount-1)}
	case c.RestartEvery < 0 || c.RecycleAfterJobs < 0:
		return &launcher.ConfigError{Field: "restart_every", Reason: "recycle limits must not be negative"}
	}
	return nil
}

// BrowserFactory brings up the browser a worker on port will own.
type BrowserFactory func(ctx context.Context, port int) (*browser.Browser, error)

// Option configures an Engine.
type Option func(*Engine)

// WithBrowserFactory replaces launching real browsers.
func WithBrowserFactory(f BrowserFactory) Option {
	return func(e *Engine) { e.factory = f }
}

// WithLauncherDeps sets the collaborators of the default factory.
func WithLauncherDeps(deps launcher.Deps) Option {
	return func(e *Engine) { e.deps = deps }
}

// WithPorts shares a port registry with other launchers in the process.
func WithPorts(ports *launcher.PortRegistry) Option {
	return func(e *Engine) { e.deps.Ports = ports }
}

// Engine is a pool of workers over a shared job queue.
type Engine struct {
	cfg     Config
	logger  *zap.Logger
	factory BrowserFactory
	deps    launcher.Deps
	queue   *jobQueue
	seq     atomic.Uint64

	mu        sync.Mutex
	workers   []*Worker
	started   bool
	stopped   atomic.Bool
	cancelRun context.CancelFunc
	runGroup  *errgroup.Group

	shutdownOnce sync.Once
	shutdownErr  error
}

// New validates cfg and prepares an engine. Nothing is launched until
// Start.
func New(cfg Config, logger *zap.Logger, opts ...Option) (*Engine, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		cfg:    cfg,
		logger: logger.Named("engine"),
		queue:  newJobQueue(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.deps.Ports == nil {
		e.deps.Ports = launcher.NewPortRegistry()
	}
	if e.deps.Logger == nil {
		e.deps.Logger = logger.Named("launcher")
	}
	if e.factory == nil {
		e.factory = e.launchBrowser
	}
	return e, nil
}

// launchBrowser is the default factory: a supervised browser built from
// the launcher template.
func (e *Engine) launchBrowser(ctx context.Context, port int) (*browser.Browser, error) {
	opts := e.cfg.Launcher
	opts.Port = port
	opts.Headless = e.cfg.Headless
	if len(e.cfg.ExtraConfig) > 0 {
		base := opts.ExtraFlags
		if base == nil {
			base = launcher.DefaultExtraFlags
		}
		opts.ExtraFlags = append(append([]string(nil), base...), e.cfg.ExtraConfig...)
	}
	return browser.Launch(ctx, opts, e.deps, e.browserOptions()...)
}

func (e *Engine) browserOptions() []browser.Option {
	bopts := []browser.Option{browser.WithLogger(e.logger.Named("browser"))}
	if e.cfg.TabTimeout > 0 {
		bopts = append(bopts, browser.WithSessionOptions(cdp.WithTimeout(e.cfg.TabTimeout)))
	}
	if e.cfg.PollInterval > 0 {
		bopts = append(bopts, browser.WithTabOptions(chrome.WithPollInterval(e.cfg.PollInterval)))
	}
	return bopts
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// Workers returns the workers in port order.
func (e *Engine) Workers() []*Worker {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Worker(nil), e.workers...)
}

// Pending is the number of queued jobs.
func (e *Engine) Pending() int { return e.queue.Len() }

// Start brings up every worker's browser concurrently and starts
// dispatching. If any browser fails to come up the others are shut down
// again. A second call does nothing.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped.Load() {
		return ErrEngineStopped
	}
	if e.started {
		return nil
	}

	workers := make([]*Worker, e.cfg.WorkersAmount)
	for i := range workers {
		workers[i] = newWorker(i, e.cfg.StartPort+i, e.cfg, e.factory, e.queue, e.logger)
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, w := range workers {
		g.Go(func() error { return w.start(gctx) })
	}
	if err := g.Wait(); err != nil {
		for _, w := range workers {
			w.stop()
		}
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	run := new(errgroup.Group)
	for _, w := range workers {
		run.Go(func() error { return w.run(runCtx) })
	}
	e.workers = workers
	e.cancelRun = cancel
	e.runGroup = run
	e.started = true
	e.logger.Info("engine started", zap.Int("workers", len(workers)),
		zap.Int("start_port", e.cfg.StartPort), zap.Int("max_concurrent_tabs", e.cfg.MaxConcurrentTabs))
	return nil
}

// Submit queues fn to run on a fresh tab with payload. A timeout of zero
// selects the configured default. After Shutdown the future fails at once
// with ErrEngineStopped.
//
// A job whose browser fails mid-run may be retried on another browser, so
// fn should be idempotent unless MaxRetries is zero.
func (e *Engine) Submit(payload interface{}, fn TabFunc, timeout time.Duration) *Future {
	if timeout <= 0 {
		timeout = e.cfg.DefaultTimeout
	}
	j := newJob(e.seq.Add(1), payload, fn, timeout, max(e.cfg.MaxRetries, 0))
	recordSubmitted()
	if e.stopped.Load() {
		j.finish(StateFailed, nil, ErrEngineStopped)
		return &Future{job: j}
	}
	e.queue.Push(j)
	if e.stopped.Load() {
		// Raced with Shutdown; workers skip finished jobs.
		j.finish(StateFailed, nil, ErrEngineStopped)
	}
	return &Future{job: j}
}

// Screenshot loads pageURL and captures the viewport, or the first element
// matching css when css is set, as base64 PNG.
func (e *Engine) Screenshot(ctx context.Context, pageURL, css string, timeout time.Duration) (string, error) {
	return e.runString(ctx, pageURL, ScreenshotTask(css, chrome.ScreenshotOptions{}), timeout)
}

// Download loads pageURL and returns its HTML, or the outer HTML of every
// element matching css joined by newlines.
func (e *Engine) Download(ctx context.Context, pageURL, css string, timeout time.Duration) (string, error) {
	return e.runString(ctx, pageURL, DownloadTask(css), timeout)
}

func (e *Engine) runString(ctx context.Context, payload string, fn TabFunc, timeout time.Duration) (string, error) {
	f := e.Submit(payload, fn, timeout)
	v, err := f.Wait(ctx)
	if err != nil {
		if ctx.Err() != nil {
			f.Cancel()
		}
		return "", err
	}
	s, _ := v.(string)
	return s, nil
}

// Shutdown lets queued jobs drain, stops every worker and shuts their
// browsers down. When ctx ends first, in-flight jobs are abandoned and
// whatever is still queued fails with ErrEngineStopped. It is idempotent.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.shutdownOnce.Do(func() {
		e.stopped.Store(true)
		e.mu.Lock()
		started, workers, run, cancel := e.started, e.workers, e.runGroup, e.cancelRun
		e.mu.Unlock()
		if !started {
			e.failQueued()
			return
		}

		e.logger.Info("engine shutting down", zap.Int("queued", e.queue.Len()))
		for range workers {
			e.queue.Push(stopJob())
		}
		done := make(chan error, 1)
		go func() { done <- run.Wait() }()
		select {
		case err := <-done:
			e.shutdownErr = err
		case <-ctx.Done():
			for _, w := range workers {
				w.abort()
			}
			cancel()
			e.shutdownErr = <-done
			if e.shutdownErr == nil {
				e.shutdownErr = ctx.Err()
			}
		}
		cancel()
		e.failQueued()
	})
	return e.shutdownErr
}

func (e *Engine) failQueued() {
	for _, j := range e.queue.drain() {
		j.finish(StateFailed, nil, ErrEngineStopped)
	}
}
