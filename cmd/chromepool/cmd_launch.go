package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/tomyan/chromepool/internal/chrome/launcher"
	"github.com/tomyan/chromepool/internal/devtools"
)

// LaunchResult is printed once the browser answers on its debugging port.
type LaunchResult struct {
	Host                 string `json:"host"`
	Port                 int    `json:"port"`
	PID                  int    `json:"pid"`
	UserDataDir          string `json:"user_data_dir"`
	Browser              string `json:"browser,omitempty"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl,omitempty"`
	MetricsAddr          string `json:"metrics_addr,omitempty"`
}

func (r LaunchResult) TextValue() string {
	if r.WebSocketDebuggerURL != "" {
		return r.WebSocketDebuggerURL
	}
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

func newLaunchCmd(rc *rootCommand) *cobra.Command {
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   "launch [flags] [-- browser-flags...]",
		Short: "Launch a supervised browser and keep it running until interrupted",
		Long: `Launch starts Chrome with remote debugging enabled and relaunches it when
it dies, until the death budget is spent or the process is interrupted.

Arguments after -- are appended to the browser's command line.`,
		Args: func(cmd *cobra.Command, args []string) error {
			at := cmd.ArgsLenAtDash()
			if (at < 0 && len(args) > 0) || at > 0 {
				return fmt.Errorf("unexpected arguments %q; pass browser flags after --", args)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			var extra []string
			if at := cmd.ArgsLenAtDash(); at >= 0 {
				extra = args[at:]
			}
			return rc.launch(cmd.Context(), metricsAddr, extra)
		},
	}
	addLauncherFlags(cmd.Flags())
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9100")
	return cmd
}

// addLauncherFlags registers one flag per launcher config field. Defaults
// live in the config layer, so flags only count when set.
func addLauncherFlags(fs *pflag.FlagSet) {
	fs.String("chrome-path", "", "browser executable (default: search well-known locations)")
	fs.String("host", "", "remote debugging address (default 127.0.0.1)")
	fs.Int("port", 0, "remote debugging port (default 9222)")
	fs.Bool("headless", false, "run without a window")
	fs.String("user-agent", "", "override the User-Agent")
	fs.String("proxy", "", "proxy server, e.g. http://127.0.0.1:8080")
	fs.String("user-data-dir", "", "profile directory (default: per-port under --user-data-root)")
	fs.String("user-data-root", "", "parent of per-port profile directories")
	fs.Bool("disable-image", false, "do not load images")
	fs.String("start-url", "", "page opened at launch (default about:blank)")
	fs.Int("max-deaths", 0, "unexpected exits tolerated before giving up (default 5)")
	fs.Duration("timeout", 0, "wait for the DevTools endpoint after spawn (default 10s)")
	fs.Duration("check-interval", 0, "supervisor poll interval (default 1s)")
	fs.StringSlice("extra-flags", nil, "browser flags that replace the built-in extras")

	for _, name := range []string{
		"chrome-path", "host", "port", "headless", "user-agent", "proxy", "user-data-dir",
		"user-data-root", "disable-image", "start-url", "max-deaths", "timeout",
		"check-interval", "extra-flags",
	} {
		bindFlag(fs, name, "launcher."+strings.ReplaceAll(name, "-", "_"))
	}
}

func (rc *rootCommand) launch(ctx context.Context, metricsAddr string, extra []string) error {
	logger := rc.logger.Named("launch")
	opts := rc.cfg.Launcher.Options()
	if len(extra) > 0 {
		base := opts.ExtraFlags
		if base == nil {
			base = launcher.DefaultExtraFlags
		}
		opts.ExtraFlags = append(append([]string{}, base...), extra...)
	}

	deps := rc.app.Deps
	deps.Logger = rc.logger.Named("launcher")
	d, err := launcher.NewDaemon(opts, deps)
	if err != nil {
		return err
	}
	defer func() { _ = d.Shutdown() }()

	var result LaunchResult
	if metricsAddr != "" {
		srv, addr, err := serveMetrics(metricsAddr, logger)
		if err != nil {
			return err
		}
		defer stopServer(srv, logger)
		result.MetricsAddr = addr
	}

	if err := d.Start(ctx); err != nil {
		return fmt.Errorf("launching browser: %w", err)
	}
	inst := d.Instance()
	if inst == nil {
		return nil
	}
	result.Host, result.Port, result.PID, result.UserDataDir = inst.Host, inst.Port, inst.PID, inst.DataDir
	v, err := devtools.New(inst.Host, inst.Port, devtools.WithLogger(logger)).Version(ctx)
	if err != nil {
		logger.Warn("reading browser version", zap.Error(err))
	} else {
		result.Browser, result.WebSocketDebuggerURL = v.Browser, v.WebSocketDebuggerURL
	}
	if err := outputResult(rc.app.Stdout, rc.output, result); err != nil {
		return err
	}

	logger.Info("supervising browser", zap.Int("pid", inst.PID), zap.Int("port", inst.Port))
	if err := d.Run(ctx); err != nil {
		return err
	}
	logger.Info("browser stopped", zap.Int("deaths", d.Deaths()))
	return nil
}

func serveMetrics(addr string, logger *zap.Logger) (*http.Server, string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, "", fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	logger.Info("serving metrics", zap.String("addr", ln.Addr().String()))
	return srv, ln.Addr().String(), nil
}

func stopServer(srv *http.Server, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("stopping metrics server", zap.Error(err))
	}
}
