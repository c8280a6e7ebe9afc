// Package chrome provides a high-level page API over one CDP session.
package chrome

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/tomyan/chromepool/internal/cdp"
	"github.com/tomyan/chromepool/internal/devtools"
)

var wire = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	// DefaultPollInterval paces the DOM pollers.
	DefaultPollInterval = 250 * time.Millisecond
	closeTimeout        = 2 * time.Second
)

// ErrTabClosed is returned by operations on a tab after Close.
var ErrTabClosed = errors.New("tab is closed")

// Option configures a Tab.
type Option func(*Tab)

// WithHTTPClient sets the client InjectJSURL fetches with.
func WithHTTPClient(hc *http.Client) Option {
	return func(t *Tab) {
		if hc != nil {
			t.http = hc
		}
	}
}

// WithLogger sets the tab logger.
func WithLogger(logger *zap.Logger) Option {
	return func(t *Tab) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithPollInterval sets how often the Wait* pollers query the page.
func WithPollInterval(d time.Duration) Option {
	return func(t *Tab) {
		if d > 0 {
			t.pollInterval = d
		}
	}
}

// Tab is one page target driven over its own CDP session. A Tab owns its
// session; Close disposes of both.
type Tab struct {
	desc         devtools.TabDescriptor
	session      *cdp.Session
	http         *http.Client
	logger       *zap.Logger
	pollInterval time.Duration

	mu      sync.Mutex
	enabled map[string]bool
	closed  atomic.Bool
}

// New wraps an open session for the target described by desc.
func New(session *cdp.Session, desc devtools.TabDescriptor, opts ...Option) *Tab {
	t := &Tab{
		desc:         desc,
		session:      session,
		http:         http.DefaultClient,
		logger:       zap.NewNop(),
		pollInterval: DefaultPollInterval,
		enabled:      make(map[string]bool),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With(zap.String("tab", desc.ID))
	return t
}

// Connect dials the target's WebSocket and returns a Tab bound to it.
func Connect(ctx context.Context, desc devtools.TabDescriptor, sessionOpts []cdp.Option, opts ...Option) (*Tab, error) {
	if desc.WebSocketDebuggerURL == "" {
		return nil, fmt.Errorf("tab %s has no debugger URL; is another client attached?", desc.ID)
	}
	session, err := cdp.Dial(ctx, desc.WebSocketDebuggerURL, sessionOpts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to tab %s: %w", desc.ID, err)
	}
	return New(session, desc, opts...), nil
}

// ID is the target id.
func (t *Tab) ID() string { return t.desc.ID }

// Descriptor is the /json entry the tab was opened from.
func (t *Tab) Descriptor() devtools.TabDescriptor { return t.desc }

// Session exposes the underlying multiplexer.
func (t *Tab) Session() *cdp.Session { return t.session }

// Usable reports whether the tab can still carry commands.
func (t *Tab) Usable() bool {
	return !t.closed.Load() && t.session.Err() == nil
}

// Send issues a raw command and returns its result. Protocol errors come
// back as *cdp.ProtocolError.
func (t *Tab) Send(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	if t.closed.Load() {
		return nil, ErrTabClosed
	}
	return t.session.Send(ctx, method, params)
}

// call is Send with the result decoded into out when out is non-nil.
func (t *Tab) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	raw, err := t.Send(ctx, method, params)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := wire.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("parsing %s response: %w", method, err)
	}
	return nil
}

// enable turns on a CDP domain once per tab.
func (t *Tab) enable(ctx context.Context, domain string) error {
	t.mu.Lock()
	done := t.enabled[domain]
	t.mu.Unlock()
	if done {
		return nil
	}
	if _, err := t.Send(ctx, domain+".enable", nil); err != nil {
		return fmt.Errorf("enabling %s domain: %w", domain, err)
	}
	t.mu.Lock()
	t.enabled[domain] = true
	t.mu.Unlock()
	return nil
}

// Close asks the browser to close the page and disposes of the session.
// Page.close is best-effort; Close never fails because the page is gone.
func (t *Tab) Close(ctx context.Context) error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	if t.session.Err() == nil {
		closeCtx, cancel := context.WithTimeout(ctx, closeTimeout)
		if _, err := t.session.Send(closeCtx, "Page.close", nil); err != nil {
			t.logger.Debug("Page.close failed", zap.Error(err))
		}
		cancel()
	}
	return t.session.Close()
}

// Disconnect closes the WebSocket but leaves the page open.
func (t *Tab) Disconnect() error {
	t.closed.Store(true)
	return t.session.Close()
}

// Title evaluates document.title.
func (t *Tab) Title(ctx context.Context) (string, error) {
	v, err := t.JSValue(ctx, "document.title")
	if err != nil {
		return "", err
	}
	return v.String(), nil
}

// URL evaluates location.href.
func (t *Tab) URL(ctx context.Context) (string, error) {
	v, err := t.JSValue(ctx, "location.href")
	if err != nil {
		return "", err
	}
	return v.String(), nil
}
