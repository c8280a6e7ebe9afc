// Package launcher provides Chrome browser discovery, launching, and
// supervised lifecycle management.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/tomyan/chromepool/internal/devtools"
)

const (
	readyPollInterval = 100 * time.Millisecond
	stopWaitTimeout   = 5 * time.Second
)

// Probe checks whether a DevTools endpoint answers.
type Probe func(ctx context.Context, host string, port int) error

// DevToolsProbe succeeds when GET /json answers.
func DevToolsProbe(ctx context.Context, host string, port int) error {
	return devtools.New(host, port, devtools.WithTimeout(time.Second)).Ping(ctx)
}

// Deps are the process-wide collaborators of a launch. Zero fields get
// working defaults; Ports should be shared by every launcher in a process.
type Deps struct {
	Runner  CommandRunner
	Scanner Scanner
	Ports   *PortRegistry
	Probe   Probe
	Logger  *zap.Logger
}

func (d Deps) withDefaults() Deps {
	if d.Runner == nil {
		d.Runner = DefaultCommandRunner{}
	}
	if d.Scanner == nil {
		d.Scanner = NewProcessScanner(d.Runner)
	}
	if d.Ports == nil {
		d.Ports = NewPortRegistry()
	}
	if d.Probe == nil {
		d.Probe = DevToolsProbe
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return d
}

// Instance represents a running Chrome instance.
type Instance struct {
	Host      string
	Port      int
	PID       int
	DataDir   string
	StartedAt time.Time
	ReadyAt   time.Time

	proc     Process
	deps     Deps
	exited   chan struct{}
	exitErr  error
	stopOnce sync.Once
	stopErr  error
}

// Launch frees the port, spawns the browser and waits until /json answers.
func Launch(ctx context.Context, opts Options, deps Deps) (*Instance, error) {
	opts = opts.withDefaults()
	deps = deps.withDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	logger := deps.Logger.With(zap.String("host", opts.Host), zap.Int("port", opts.Port))

	if opts.ChromePath == "" {
		path, err := FindChrome("", deps.Runner)
		if err != nil {
			return nil, err
		}
		opts.ChromePath = path
	}

	if err := deps.Ports.Reserve(opts.Port); err != nil {
		return nil, err
	}
	release := true
	defer func() {
		if release {
			deps.Ports.Release(opts.Port)
		}
	}()

	if err := FreePort(ctx, opts.Host, opts.Port, deps.Scanner, deps.Probe, logger); err != nil {
		return nil, err
	}

	if opts.UserDataDir == "" {
		opts.UserDataDir = UserDataDirFor(opts.UserDataRoot, opts.Port)
	}
	if err := os.MkdirAll(opts.UserDataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating user data dir: %w", err)
	}

	proc, err := deps.Runner.Start(opts.ChromePath, BuildArgs(opts)...)
	if err != nil {
		return nil, fmt.Errorf("starting Chrome: %w", err)
	}

	inst := &Instance{
		Host:      opts.Host,
		Port:      opts.Port,
		PID:       proc.Pid(),
		DataDir:   opts.UserDataDir,
		StartedAt: time.Now(),
		proc:      proc,
		deps:      deps,
		exited:    make(chan struct{}),
	}
	go func() {
		inst.exitErr = proc.Wait()
		close(inst.exited)
	}()

	logger.Info("browser spawned", zap.Int("pid", inst.PID), zap.String("user_data_dir", inst.DataDir))

	if err := inst.waitReady(ctx, opts.Timeout); err != nil {
		release = false
		_ = inst.Stop()
		return nil, err
	}
	release = false
	inst.ReadyAt = time.Now()
	logger.Info("browser ready", zap.Int("pid", inst.PID), zap.Duration("took", time.Since(inst.StartedAt)))
	return inst, nil
}

func (i *Instance) waitReady(ctx context.Context, timeout time.Duration) error {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	limiter := rate.NewLimiter(rate.Every(readyPollInterval), 1)
	for {
		if err := limiter.Wait(waitCtx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: no answer on port %d within %s", ErrLaunchTimeout, i.Port, timeout)
		}
		select {
		case <-i.exited:
			return fmt.Errorf("%w: process exited during startup: %v", ErrLaunchTimeout, i.exitErr)
		default:
		}
		if err := i.deps.Probe(waitCtx, i.Host, i.Port); err == nil {
			return nil
		}
	}
}

// Exited is closed when the child process has exited.
func (i *Instance) Exited() <-chan struct{} { return i.exited }

// ExitErr is the child's wait error; valid after Exited is closed.
func (i *Instance) ExitErr() error {
	select {
	case <-i.exited:
		return i.exitErr
	default:
		return nil
	}
}

// Alive reports whether the child is still running.
func (i *Instance) Alive() bool {
	select {
	case <-i.exited:
		return false
	default:
		return true
	}
}

// Stop kills the child, reaps stragglers that still carry its debug port,
// and releases the port. It is safe to call more than once.
func (i *Instance) Stop() error {
	i.stopOnce.Do(func() {
		logger := i.deps.Logger.With(zap.Int("port", i.Port), zap.Int("pid", i.PID))
		if i.Alive() {
			if err := i.proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
				i.stopErr = fmt.Errorf("killing browser: %w", err)
			}
		}
		select {
		case <-i.exited:
		case <-time.After(stopWaitTimeout):
			logger.Warn("browser did not exit after kill")
		}

		procs, err := i.deps.Scanner.FindByPort(i.Port)
		if err != nil {
			logger.Debug("straggler scan failed", zap.Error(err))
		}
		for _, p := range procs {
			if err := i.deps.Scanner.Kill(p.PID); err != nil {
				logger.Debug("killing straggler", zap.Int("straggler", p.PID), zap.Error(err))
			}
		}
		i.deps.Ports.Release(i.Port)
		logger.Info("browser stopped", zap.Int("stragglers", len(procs)))
	})
	return i.stopErr
}
