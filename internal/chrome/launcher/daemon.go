package launcher

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	// rapidDeathLimit consecutive exits, each within one check interval of
	// the instance becoming ready, disable restart.
	rapidDeathLimit = 3
	// unreadyAfter consecutive failed health probes count as a death.
	unreadyAfter = 2
)

// Daemon supervises one browser: it relaunches after unexpected exits until
// the death budget is spent, and shuts down in order.
type Daemon struct {
	opts   Options
	deps   Deps
	logger *zap.Logger

	// launchMu serialises launch, restart and shutdown.
	launchMu sync.Mutex
	instMu   sync.RWMutex
	inst     *Instance

	deaths   atomic.Int32
	rapid    int
	ready    atomic.Bool
	shutdown atomic.Bool

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewDaemon validates opts and resolves the executable. Configuration
// errors surface here, before anything is spawned.
func NewDaemon(opts Options, deps Deps) (*Daemon, error) {
	opts = opts.withDefaults()
	deps = deps.withDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	path, err := FindChrome(opts.ChromePath, deps.Runner)
	if err != nil {
		return nil, err
	}
	opts.ChromePath = path

	return &Daemon{
		opts:   opts,
		deps:   deps,
		logger: deps.Logger.Named("daemon").With(zap.Int("port", opts.Port)),
		stopCh: make(chan struct{}),
	}, nil
}

// Options returns the resolved options.
func (d *Daemon) Options() Options { return d.opts }

// Deaths is the number of unexpected exits observed so far.
func (d *Daemon) Deaths() int { return int(d.deaths.Load()) }

// Ready reports whether the current instance has answered /json and has
// not since failed two probes in a row.
func (d *Daemon) Ready() bool { return d.ready.Load() }

// Instance returns the live instance, or nil.
func (d *Daemon) Instance() *Instance {
	d.instMu.RLock()
	defer d.instMu.RUnlock()
	return d.inst
}

func (d *Daemon) setInstance(inst *Instance) {
	d.instMu.Lock()
	d.inst = inst
	d.instMu.Unlock()
	d.ready.Store(inst != nil)
	recordReady(d.opts.Port, inst != nil)
}

// Start performs the first launch.
func (d *Daemon) Start(ctx context.Context) error {
	d.launchMu.Lock()
	defer d.launchMu.Unlock()
	if d.shutdown.Load() {
		return ErrShutdown
	}
	if d.Instance() != nil {
		return nil
	}
	inst, err := Launch(ctx, d.opts, d.deps)
	if err != nil {
		return err
	}
	d.setInstance(inst)
	return nil
}

// Restart replaces the running instance. It does not count as a death.
func (d *Daemon) Restart(ctx context.Context) error {
	d.launchMu.Lock()
	defer d.launchMu.Unlock()
	if d.shutdown.Load() {
		return ErrShutdown
	}
	if old := d.Instance(); old != nil {
		d.setInstance(nil)
		if err := old.Stop(); err != nil {
			d.logger.Warn("stopping instance for restart", zap.Error(err))
		}
	}
	inst, err := Launch(ctx, d.opts, d.deps)
	if err != nil {
		return err
	}
	d.setInstance(inst)
	recordRestart(d.opts.Port, "recycle")
	d.logger.Info("browser restarted", zap.Int("pid", inst.PID))
	return nil
}

// Run supervises the browser until ctx ends, Shutdown is called, or the
// restart budget is exhausted, in which case it returns an error wrapping
// ErrRestartDisabled.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.Start(ctx); err != nil {
		if errors.Is(err, ErrShutdown) {
			return nil
		}
		return err
	}

	ticker := time.NewTicker(d.opts.CheckInterval)
	defer ticker.Stop()

	failures := 0
	for {
		inst := d.Instance()
		if inst == nil {
			// Restart in progress.
			select {
			case <-ctx.Done():
				return d.Shutdown()
			case <-d.stopCh:
				return nil
			case <-ticker.C:
				continue
			}
		}

		select {
		case <-ctx.Done():
			return d.Shutdown()
		case <-d.stopCh:
			return nil
		case <-inst.Exited():
			if d.replaced(inst) {
				continue
			}
			d.logger.Warn("browser exited", zap.Int("pid", inst.PID), zap.NamedError("exit", inst.ExitErr()))
			if err := d.onDeath(ctx, inst); err != nil {
				return err
			}
			failures = 0
		case <-ticker.C:
			if err := d.deps.Probe(ctx, inst.Host, inst.Port); err != nil {
				failures++
				if failures < unreadyAfter {
					continue
				}
				if d.replaced(inst) {
					failures = 0
					continue
				}
				d.ready.Store(false)
				recordReady(d.opts.Port, false)
				d.logger.Warn("browser unresponsive", zap.Int("failed_probes", failures), zap.Error(err))
				_ = inst.Stop()
				if err := d.onDeath(ctx, inst); err != nil {
					return err
				}
				failures = 0
				continue
			}
			failures = 0
		}
	}
}

// replaced reports whether inst is no longer the daemon's current
// instance, waiting out any restart in progress.
func (d *Daemon) replaced(inst *Instance) bool {
	d.launchMu.Lock()
	defer d.launchMu.Unlock()
	return d.shutdown.Load() || d.Instance() != inst
}

func (d *Daemon) onDeath(ctx context.Context, dead *Instance) error {
	d.launchMu.Lock()
	defer d.launchMu.Unlock()
	if d.shutdown.Load() {
		return nil
	}
	d.setInstance(nil)
	_ = dead.Stop()

	if time.Since(dead.ReadyAt) < d.opts.CheckInterval {
		d.rapid++
	} else {
		d.rapid = 0
	}
	deaths := int(d.deaths.Add(1))
	recordDeath(d.opts.Port)

	for {
		if d.rapid >= rapidDeathLimit {
			d.logger.Error("browser keeps dying right after start", zap.Int("rapid_deaths", d.rapid))
			return fmt.Errorf("%w: %d rapid deaths", ErrRestartDisabled, d.rapid)
		}
		if deaths >= d.opts.MaxDeaths {
			d.logger.Error("death budget exhausted", zap.Int("deaths", deaths), zap.Int("max_deaths", d.opts.MaxDeaths))
			return fmt.Errorf("%w: %d deaths", ErrRestartDisabled, deaths)
		}

		inst, err := Launch(ctx, d.opts, d.deps)
		if err == nil {
			d.setInstance(inst)
			recordRestart(d.opts.Port, "death")
			d.logger.Info("browser relaunched", zap.Int("pid", inst.PID), zap.Int("deaths", deaths))
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
		if !errors.Is(err, ErrLaunchTimeout) {
			return fmt.Errorf("relaunching browser: %w", err)
		}
		// A launch that never became ready counts against the budget.
		d.logger.Warn("relaunch timed out", zap.Error(err))
		d.rapid++
		deaths = int(d.deaths.Add(1))
		recordDeath(d.opts.Port)
	}
}

// Shutdown stops supervision and kills the browser. It is idempotent and
// prevents any further restart.
func (d *Daemon) Shutdown() error {
	var err error
	d.stopOnce.Do(func() {
		d.shutdown.Store(true)
		close(d.stopCh)

		d.launchMu.Lock()
		defer d.launchMu.Unlock()
		if inst := d.Instance(); inst != nil {
			d.setInstance(nil)
			err = inst.Stop()
		}
		// Reap anything still holding the port, even if we never owned it.
		procs, scanErr := d.deps.Scanner.FindByPort(d.opts.Port)
		if scanErr == nil {
			for _, p := range procs {
				_ = d.deps.Scanner.Kill(p.PID)
			}
		}
		d.deps.Ports.Release(d.opts.Port)
		d.logger.Info("daemon shut down", zap.Int("deaths", d.Deaths()))
	})
	return err
}

// Done is closed once Shutdown has been called.
func (d *Daemon) Done() <-chan struct{} { return d.stopCh }

func portLabel(port int) string { return strconv.Itoa(port) }
