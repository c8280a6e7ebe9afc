package launcher

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

const (
	DefaultHost          = "127.0.0.1"
	DefaultPort          = 9222
	DefaultStartURL      = "about:blank"
	DefaultMaxDeaths     = 5
	DefaultTimeout       = 10 * time.Second
	DefaultCheckInterval = time.Second
)

// DefaultExtraFlags are appended when Options.ExtraFlags is nil.
var DefaultExtraFlags = []string{"--disable-gpu", "--no-sandbox", "--no-first-run"}

// Options configures one browser process.
type Options struct {
	ChromePath string
	Host       string
	Port       int
	Headless   bool
	UserAgent  string
	Proxy      string
	// UserDataDir is used verbatim when set. Otherwise a per-port directory
	// under UserDataRoot is created.
	UserDataDir  string
	UserDataRoot string
	DisableImage bool
	StartURL     string
	// ExtraFlags are appended to argv verbatim. Nil selects
	// DefaultExtraFlags; an empty slice adds nothing.
	ExtraFlags []string

	// Timeout bounds the wait for /json after spawn.
	Timeout time.Duration
	// MaxDeaths is the supervisor's restart budget.
	MaxDeaths int
	// CheckInterval paces the supervisor's child and health checks.
	CheckInterval time.Duration
}

// withDefaults fills zero values.
func (o Options) withDefaults() Options {
	if o.Host == "" {
		o.Host = DefaultHost
	}
	if o.Port == 0 {
		o.Port = DefaultPort
	}
	if o.StartURL == "" {
		o.StartURL = DefaultStartURL
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.MaxDeaths <= 0 {
		o.MaxDeaths = DefaultMaxDeaths
	}
	if o.CheckInterval <= 0 {
		o.CheckInterval = DefaultCheckInterval
	}
	return o
}

// Validate rejects options that can never launch.
func (o Options) Validate() error {
	if o.Port < 1 || o.Port > 65535 {
		return &ConfigError{Field: "port", Reason: fmt.Sprintf("%d is not a valid TCP port", o.Port)}
	}
	if o.Host == "" {
		return &ConfigError{Field: "host", Reason: "must not be empty"}
	}
	if o.Timeout < 0 || o.CheckInterval < 0 {
		return &ConfigError{Field: "timeout", Reason: "durations must not be negative"}
	}
	return nil
}

// BuildArgs assembles the browser argv, excluding the executable.
func BuildArgs(o Options) []string {
	o = o.withDefaults()
	args := []string{
		"--remote-debugging-address=" + o.Host,
		"--remote-debugging-port=" + strconv.Itoa(o.Port),
	}
	if o.Headless {
		args = append(args, "--headless", "--hide-scrollbars")
	}
	if o.UserDataDir != "" {
		args = append(args, "--user-data-dir="+o.UserDataDir)
	}
	if o.UserAgent != "" {
		args = append(args, "--user-agent="+o.UserAgent)
	}
	if o.Proxy != "" {
		args = append(args, "--proxy-server="+o.Proxy)
	}
	if o.DisableImage {
		args = append(args, "--blink-settings=imagesEnabled=false")
	}
	extra := o.ExtraFlags
	if extra == nil {
		extra = DefaultExtraFlags
	}
	args = append(args, extra...)
	return append(args, o.StartURL)
}

// UserDataDirFor returns the isolated profile directory for port.
func UserDataDirFor(root string, port int) string {
	if root == "" {
		root = filepath.Join(os.TempDir(), "chromepool")
	}
	return filepath.Join(root, "chrome_"+strconv.Itoa(port))
}
