package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/tomyan/chromepool/internal/chrome"
	"github.com/tomyan/chromepool/internal/engine"
)

const engineStopTimeout = 10 * time.Second

// CaptureResult describes a capture written to a file.
type CaptureResult struct {
	URL   string `json:"url"`
	File  string `json:"file"`
	Bytes int    `json:"bytes"`
}

func (r CaptureResult) TextValue() string { return r.File }

type captureFlags struct {
	css     string
	out     string
	timeout time.Duration
}

func (f *captureFlags) register(fs *pflag.FlagSet, what string) {
	fs.StringVar(&f.css, "css", "", "capture only the elements matching this selector")
	fs.StringVar(&f.out, "out", "", "write the "+what+" to this file instead of stdout")
	fs.DurationVar(&f.timeout, "job-timeout", 0, "give up on the page after this long (default engine.default_timeout)")

	fs.String("chrome-path", "", "browser executable (default: search well-known locations)")
	fs.String("user-data-root", "", "parent of per-port profile directories")
	fs.Int("start-port", 0, "debugging port of the pool's browser (default 9345)")
	fs.Bool("headless", true, "run without a window")
	bindFlag(fs, "chrome-path", "launcher.chrome_path")
	bindFlag(fs, "user-data-root", "launcher.user_data_root")
	bindFlag(fs, "start-port", "engine.start_port")
	bindFlag(fs, "headless", "engine.headless")
}

func newScreenshotCmd(rc *rootCommand) *cobra.Command {
	var f captureFlags
	cmd := &cobra.Command{
		Use:   "screenshot URL",
		Short: "Capture a PNG of a page, or of the elements matching --css",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rc.capture(cmd.Context(), args[0], f, func(ctx context.Context, e *engine.Engine) ([]byte, error) {
				shot, err := e.Screenshot(ctx, args[0], f.css, f.timeout)
				if err != nil {
					return nil, err
				}
				return chrome.DecodeScreenshot(shot)
			})
		},
	}
	f.register(cmd.Flags(), "PNG")
	return cmd
}

func newDownloadCmd(rc *rootCommand) *cobra.Command {
	var f captureFlags
	cmd := &cobra.Command{
		Use:   "download URL",
		Short: "Fetch a page's rendered HTML, or the outer HTML of the elements matching --css",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rc.capture(cmd.Context(), args[0], f, func(ctx context.Context, e *engine.Engine) ([]byte, error) {
				html, err := e.Download(ctx, args[0], f.css, f.timeout)
				if err != nil {
					return nil, err
				}
				return []byte(html), nil
			})
		},
	}
	f.register(cmd.Flags(), "HTML")
	return cmd
}

// capture runs job on a one-browser engine and writes what it returns to
// the --out file, or raw to stdout.
func (rc *rootCommand) capture(ctx context.Context, pageURL string, f captureFlags, job func(context.Context, *engine.Engine) ([]byte, error)) error {
	logger := rc.logger.Named("engine")
	ec := rc.cfg.EngineConfig()
	ec.WorkersAmount = 1
	e, err := engine.New(ec, logger, engine.WithLauncherDeps(rc.app.Deps))
	if err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), engineStopTimeout)
		defer cancel()
		if err := e.Shutdown(stopCtx); err != nil {
			logger.Warn("engine shutdown", zap.Error(err))
		}
	}()
	if err := e.Start(ctx); err != nil {
		return err
	}

	data, err := job(ctx, e)
	if err != nil {
		return fmt.Errorf("capturing %s: %w", pageURL, err)
	}
	if f.out == "" {
		_, err := rc.app.Stdout.Write(data)
		return err
	}
	if err := os.WriteFile(f.out, data, 0o644); err != nil {
		return err
	}
	return outputResult(rc.app.Stdout, rc.output, CaptureResult{URL: pageURL, File: f.out, Bytes: len(data)})
}
