// Package devtools is a client for the browser's DevTools HTTP endpoints.
package devtools

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	// DefaultTimeout bounds a single HTTP attempt.
	DefaultTimeout = 5 * time.Second

	bodyActivated = "Target activated"
	bodyClosing   = "Target is closing"

	maxBody = 4 << 20
)

var (
	ErrUnexpectedBody   = errors.New("unexpected response body")
	ErrUnexpectedStatus = errors.New("unexpected response status")
)

// TabDescriptor is one entry of /json.
type TabDescriptor struct {
	ID                   string `json:"id"`
	Type                 string `json:"type"`
	Title                string `json:"title"`
	URL                  string `json:"url"`
	Description          string `json:"description,omitempty"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
	DevtoolsFrontendURL  string `json:"devtoolsFrontendUrl,omitempty"`
	FaviconURL           string `json:"faviconUrl,omitempty"`
}

// Version is the body of /json/version.
type Version struct {
	Browser              string `json:"Browser"`
	ProtocolVersion      string `json:"Protocol-Version"`
	UserAgent            string `json:"User-Agent"`
	V8Version            string `json:"V8-Version"`
	WebKitVersion        string `json:"WebKit-Version"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// Option configures a Client.
type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Client talks to http://host:port.
type Client struct {
	base    string
	http    *http.Client
	timeout time.Duration
	logger  *zap.Logger
}

// New creates a discovery client for the browser at host:port.
func New(host string, port int, opts ...Option) *Client {
	c := &Client{
		base:    "http://" + net.JoinHostPort(host, fmt.Sprint(port)),
		http:    &http.Client{},
		timeout: DefaultTimeout,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the HTTP endpoint root.
func (c *Client) BaseURL() string { return c.base }

// ListTabs returns page targets, or every target when all is set.
func (c *Client) ListTabs(ctx context.Context, all bool) ([]TabDescriptor, error) {
	body, err := c.get(ctx, http.MethodGet, "/json")
	if err != nil {
		return nil, fmt.Errorf("listing tabs: %w", err)
	}
	var tabs []TabDescriptor
	if err := json.Unmarshal(body, &tabs); err != nil {
		return nil, fmt.Errorf("decoding tab list: %w", err)
	}
	if all {
		return tabs, nil
	}
	pages := tabs[:0]
	for _, t := range tabs {
		if t.Type == "page" {
			pages = append(pages, t)
		}
	}
	return pages, nil
}

// Version returns browser and protocol version strings.
func (c *Client) Version(ctx context.Context) (*Version, error) {
	body, err := c.get(ctx, http.MethodGet, "/json/version")
	if err != nil {
		return nil, fmt.Errorf("getting version: %w", err)
	}
	var v Version
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, fmt.Errorf("decoding version: %w", err)
	}
	return &v, nil
}

// NewTab opens a page target at pageURL. Newer browsers only accept PUT on
// /json/new; older ones only GET.
func (c *Client) NewTab(ctx context.Context, pageURL string) (*TabDescriptor, error) {
	path := "/json/new"
	if pageURL != "" {
		path += "?" + url.QueryEscape(pageURL)
	}
	body, err := c.get(ctx, http.MethodPut, path)
	if errors.Is(err, errMethodNotAllowed) {
		body, err = c.get(ctx, http.MethodGet, path)
	}
	if err != nil {
		return nil, fmt.Errorf("opening tab: %w", err)
	}
	var tab TabDescriptor
	if err := json.Unmarshal(body, &tab); err != nil {
		return nil, fmt.Errorf("decoding new tab: %w", err)
	}
	if tab.ID == "" {
		return nil, fmt.Errorf("opening tab: %w: %q", ErrUnexpectedBody, truncate(body))
	}
	return &tab, nil
}

// Activate brings a target to the front.
func (c *Client) Activate(ctx context.Context, id string) error {
	return c.expectBody(ctx, "/json/activate/"+id, bodyActivated)
}

// Close closes a target.
func (c *Client) Close(ctx context.Context, id string) error {
	return c.expectBody(ctx, "/json/close/"+id, bodyClosing)
}

// Ping succeeds when /json answers with a 200.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, "/json")
	return err
}

func (c *Client) expectBody(ctx context.Context, path, want string) error {
	body, err := c.get(ctx, http.MethodGet, path)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if got := strings.TrimSpace(string(body)); got != want {
		return fmt.Errorf("%s: %w: %q", path, ErrUnexpectedBody, truncate(body))
	}
	return nil
}

var errMethodNotAllowed = fmt.Errorf("%w: 405", ErrUnexpectedStatus)

// get performs the request, retrying once on a transport failure.
func (c *Client) get(ctx context.Context, method, path string) ([]byte, error) {
	body, err := c.do(ctx, method, path)
	if err == nil || !isTransient(err) || ctx.Err() != nil {
		return body, err
	}
	c.logger.Debug("retrying devtools request", zap.String("path", path), zap.Error(err))
	return c.do(ctx, method, path)
}

func (c *Client) do(ctx context.Context, method, path string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusMethodNotAllowed:
		return nil, errMethodNotAllowed
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: %d: %q", ErrUnexpectedStatus, resp.StatusCode, truncate(body))
	}
	return body, nil
}

func isTransient(err error) bool {
	if errors.Is(err, ErrUnexpectedStatus) || errors.Is(err, ErrUnexpectedBody) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

func truncate(body []byte) string {
	const n = 200
	if len(body) > n {
		return string(body[:n]) + "..."
	}
	return string(body)
}
