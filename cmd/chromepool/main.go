// Command chromepool launches, supervises and drives Chrome browsers over
// the DevTools protocol.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap/zapcore"
	"golang.org/x/term"

	"github.com/tomyan/chromepool/internal/cdp"
	"github.com/tomyan/chromepool/internal/chrome/launcher"
	"github.com/tomyan/chromepool/internal/engine"
	"github.com/tomyan/chromepool/internal/observability"
)

// Exit codes
const (
	ExitSuccess    = 0
	ExitError      = 1
	ExitConnFailed = 2
	ExitTimeout    = 3
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// errConnFailed marks errors where nothing answered on the DevTools port.
var errConnFailed = errors.New("connection failed")

// App is what a command run takes from its environment.
type App struct {
	Stdout io.Writer
	Stderr io.Writer
	// LogWriter receives log output. Nil means Stderr.
	LogWriter zapcore.WriteSyncer
	// Terminal reports whether logs go to a terminal, which selects the
	// console encoder when the config leaves the format unset.
	Terminal bool
	// Deps override the launcher's process collaborators.
	Deps launcher.Deps
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	app := &App{
		Stdout:    os.Stdout,
		Stderr:    os.Stderr,
		LogWriter: zapcore.Lock(os.Stderr),
		Terminal:  term.IsTerminal(int(os.Stderr.Fd())),
	}
	code := run(ctx, os.Args[1:], app)
	stop()
	observability.Sync()
	os.Exit(code)
}

func run(ctx context.Context, args []string, app *App) int {
	root := newRootCmd(app)
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(app.Stderr, "error: %v\n", err)
		return exitCode(err)
	}
	return ExitSuccess
}

func exitCode(err error) int {
	switch {
	case errors.Is(err, errConnFailed):
		return ExitConnFailed
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, cdp.ErrOperationTimeout),
		errors.Is(err, engine.ErrJobTimeout),
		errors.Is(err, launcher.ErrLaunchTimeout):
		return ExitTimeout
	default:
		return ExitError
	}
}
