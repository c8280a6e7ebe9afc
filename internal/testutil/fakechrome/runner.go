// Package fakechrome stands in for the Chrome executable in tests: its
// Runner "launches" a testutil.FakeBrowser on whatever debugging port the
// launcher asks for.
package fakechrome

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/tomyan/chromepool/internal/chrome/launcher"
	"github.com/tomyan/chromepool/internal/testutil"
)

// ErrKilled is what Process.Wait returns after Kill or Crash.
var ErrKilled = errors.New("signal: killed")

// ChromePath is an executable that exists on every test host. The runner
// never executes it.
const ChromePath = "/bin/sh"

// Runner implements launcher.CommandRunner.
type Runner struct {
	// OnStart customizes each fake browser before the launcher sees it.
	OnStart func(*testutil.FakeBrowser)
	// FailStart makes every Start fail.
	FailStart error

	mu      sync.Mutex
	procs   []*Process
	nextPID int
}

// NewRunner returns a runner with no browsers started.
func NewRunner() *Runner {
	return &Runner{nextPID: 40000}
}

// Run answers the version probe and an empty process table.
func (r *Runner) Run(name string, args ...string) ([]byte, error) {
	if len(args) == 1 && args[0] == "--version" {
		return []byte("Chromium 120.0.6099.109\n"), nil
	}
	return nil, nil
}

// Start serves a FakeBrowser on the requested address.
func (r *Runner) Start(name string, args ...string) (launcher.Process, error) {
	if r.FailStart != nil {
		return nil, r.FailStart
	}
	host, port := "127.0.0.1", ""
	for _, arg := range args {
		switch {
		case strings.HasPrefix(arg, "--remote-debugging-address="):
			host = strings.TrimPrefix(arg, "--remote-debugging-address=")
		case strings.HasPrefix(arg, "--remote-debugging-port="):
			port = strings.TrimPrefix(arg, "--remote-debugging-port=")
		}
	}
	if port == "" {
		return nil, fmt.Errorf("fakechrome: no --remote-debugging-port in %v", args)
	}
	fb, err := testutil.NewFakeBrowserAt(net.JoinHostPort(host, port))
	if err != nil {
		return nil, fmt.Errorf("fakechrome: %w", err)
	}
	if r.OnStart != nil {
		r.OnStart(fb)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextPID++
	p := &Process{pid: r.nextPID, Args: args, Browser: fb, done: make(chan struct{})}
	r.procs = append(r.procs, p)
	return p, nil
}

// Processes returns every process started so far, oldest first.
func (r *Runner) Processes() []*Process {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Process(nil), r.procs...)
}

// Last is the most recently started process, or nil.
func (r *Runner) Last() *Process {
	procs := r.Processes()
	if len(procs) == 0 {
		return nil
	}
	return procs[len(procs)-1]
}

// Process is one fake browser child.
type Process struct {
	Args    []string
	Browser *testutil.FakeBrowser

	pid  int
	once sync.Once
	done chan struct{}
}

func (p *Process) Pid() int { return p.pid }

// Wait blocks until the process is killed or crashes.
func (p *Process) Wait() error {
	<-p.done
	return ErrKilled
}

// Kill stops serving. It is safe to call more than once.
func (p *Process) Kill() error {
	p.once.Do(func() {
		p.Browser.Close()
		close(p.done)
	})
	return nil
}

// Crash is Kill from the browser's side.
func (p *Process) Crash() { _ = p.Kill() }

// Dead reports whether the process has exited.
func (p *Process) Dead() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Options returns launcher options for a fake browser on a free port with
// its profile under t.TempDir().
func Options(t testing.TB) launcher.Options {
	t.Helper()
	return launcher.Options{
		ChromePath:   ChromePath,
		Host:         "127.0.0.1",
		Port:         UnusedPort(t),
		UserDataRoot: t.TempDir(),
		Headless:     true,
	}
}

// UnusedPort returns a TCP port nothing listens on right now.
func UnusedPort(t testing.TB) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("finding a free port: %v", err)
	}
	defer ln.Close()
	port, _ := strconv.Atoi(strings.TrimPrefix(ln.Addr().String(), "127.0.0.1:"))
	return port
}
