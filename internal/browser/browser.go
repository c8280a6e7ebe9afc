// Package browser binds a browser instance, launched and supervised or
// attached to, with its DevTools endpoints and hands out tabs.
package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tomyan/chromepool/internal/cdp"
	"github.com/tomyan/chromepool/internal/chrome"
	"github.com/tomyan/chromepool/internal/chrome/launcher"
	"github.com/tomyan/chromepool/internal/devtools"
)

const cleanupTimeout = 5 * time.Second

// ErrNotSupervised is returned by Restart on an attached browser.
var ErrNotSupervised = errors.New("browser is not supervised by this process")

// Option configures a Browser.
type Option func(*Browser)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(b *Browser) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithSessionOptions applies opts to every tab session.
func WithSessionOptions(opts ...cdp.Option) Option {
	return func(b *Browser) { b.sessionOpts = append(b.sessionOpts, opts...) }
}

// WithTabOptions applies opts to every tab.
func WithTabOptions(opts ...chrome.Option) Option {
	return func(b *Browser) { b.tabOpts = append(b.tabOpts, opts...) }
}

// Browser is one browser reachable over DevTools.
type Browser struct {
	host        string
	port        int
	devtools    *devtools.Client
	logger      *zap.Logger
	sessionOpts []cdp.Option
	tabOpts     []chrome.Option

	// Set only for launched browsers.
	daemon    *launcher.Daemon
	cancelRun context.CancelFunc
	runDone   chan struct{}
	runErr    error

	shutdownOnce sync.Once
	shutdownErr  error
}

func newBrowser(host string, port int, opts []Option) *Browser {
	b := &Browser{host: host, port: port, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With(zap.String("host", host), zap.Int("port", port))
	b.devtools = devtools.New(host, port, devtools.WithLogger(b.logger))
	b.sessionOpts = append([]cdp.Option{cdp.WithLogger(b.logger.Named("cdp"))}, b.sessionOpts...)
	b.tabOpts = append([]chrome.Option{chrome.WithLogger(b.logger.Named("tab"))}, b.tabOpts...)
	return b
}

// Attach binds to a browser someone else runs.
func Attach(host string, port int, opts ...Option) *Browser {
	return newBrowser(host, port, opts)
}

// Launch starts a supervised browser and returns once it answers /json.
// The supervisor keeps relaunching it until Shutdown or until restart is
// disabled, after which Exited is closed and Err explains why.
func Launch(ctx context.Context, opts launcher.Options, deps launcher.Deps, bopts ...Option) (*Browser, error) {
	d, err := launcher.NewDaemon(opts, deps)
	if err != nil {
		return nil, err
	}
	resolved := d.Options()
	b := newBrowser(resolved.Host, resolved.Port, bopts)
	if err := d.Start(ctx); err != nil {
		_ = d.Shutdown()
		return nil, err
	}
	b.daemon = d

	runCtx, cancel := context.WithCancel(context.Background())
	b.cancelRun = cancel
	b.runDone = make(chan struct{})
	go func() {
		defer close(b.runDone)
		b.runErr = d.Run(runCtx)
		if b.runErr != nil {
			b.logger.Error("browser supervision ended", zap.Error(b.runErr))
		}
	}()
	return b, nil
}

func (b *Browser) Host() string { return b.host }
func (b *Browser) Port() int    { return b.port }

// DevTools exposes the HTTP discovery client.
func (b *Browser) DevTools() *devtools.Client { return b.devtools }

// Daemon is the supervisor, or nil for an attached browser.
func (b *Browser) Daemon() *launcher.Daemon { return b.daemon }

// Exited is closed when supervision ends. It is nil for attached browsers.
func (b *Browser) Exited() <-chan struct{} { return b.runDone }

// Err is the supervisor's terminal error, valid once Exited is closed.
func (b *Browser) Err() error {
	if b.runDone == nil {
		return nil
	}
	select {
	case <-b.runDone:
		return b.runErr
	default:
		return nil
	}
}

// Version reads /json/version.
func (b *Browser) Version(ctx context.Context) (*devtools.Version, error) {
	return b.devtools.Version(ctx)
}

// ListTabs returns the open page targets.
func (b *Browser) ListTabs(ctx context.Context) ([]devtools.TabDescriptor, error) {
	return b.devtools.ListTabs(ctx, false)
}

// NewTab opens a page at pageURL and connects to it. On connect failure the
// new target is closed again.
func (b *Browser) NewTab(ctx context.Context, pageURL string) (*chrome.Tab, error) {
	desc, err := b.devtools.NewTab(ctx, pageURL)
	if err != nil {
		return nil, err
	}
	tab, err := b.Connect(ctx, *desc)
	if err != nil {
		b.closeTarget(ctx, desc.ID)
		return nil, err
	}
	return tab, nil
}

// Connect opens a session to an existing target.
func (b *Browser) Connect(ctx context.Context, desc devtools.TabDescriptor) (*chrome.Tab, error) {
	return chrome.Connect(ctx, desc, b.sessionOpts, b.tabOpts...)
}

// Activate brings a target to the front.
func (b *Browser) Activate(ctx context.Context, id string) error {
	return b.devtools.Activate(ctx, id)
}

// CloseTab closes a target through /json/close.
func (b *Browser) CloseTab(ctx context.Context, id string) error {
	return b.devtools.Close(ctx, id)
}

// WithTab opens a tab, runs fn and releases the tab on every exit path: the
// WebSocket is always closed and, when autoClose is set, so is the target.
// A panic in fn is re-raised after cleanup.
func (b *Browser) WithTab(ctx context.Context, pageURL string, autoClose bool, fn func(*chrome.Tab) error) (err error) {
	tab, err := b.NewTab(ctx, pageURL)
	if err != nil {
		return err
	}
	defer func() {
		r := recover()
		b.release(ctx, tab, autoClose)
		if r != nil {
			panic(r)
		}
	}()
	return fn(tab)
}

func (b *Browser) release(ctx context.Context, tab *chrome.Tab, autoClose bool) {
	if err := tab.Disconnect(); err != nil {
		b.logger.Debug("closing tab session", zap.String("tab", tab.ID()), zap.Error(err))
	}
	if autoClose {
		b.closeTarget(ctx, tab.ID())
	}
}

// closeTarget closes a target even when ctx is already done.
func (b *Browser) closeTarget(ctx context.Context, id string) {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := b.devtools.Close(cleanupCtx, id); err != nil {
		b.logger.Debug("closing target", zap.String("tab", id), zap.Error(err))
	}
}

// Healthy fails when DevTools does not answer or the supervisor reports the
// browser not ready.
func (b *Browser) Healthy(ctx context.Context) error {
	if b.daemon != nil && !b.daemon.Ready() {
		return fmt.Errorf("browser on port %d is not ready", b.port)
	}
	return b.devtools.Ping(ctx)
}

// Restart replaces a launched browser with a fresh process.
func (b *Browser) Restart(ctx context.Context) error {
	if b.daemon == nil {
		return ErrNotSupervised
	}
	return b.daemon.Restart(ctx)
}

// Shutdown stops supervision and kills a launched browser. For an attached
// browser it does nothing. It is idempotent.
func (b *Browser) Shutdown() error {
	b.shutdownOnce.Do(func() {
		if b.daemon == nil {
			return
		}
		b.shutdownErr = b.daemon.Shutdown()
		b.cancelRun()
		<-b.runDone
	})
	return b.shutdownErr
}
