package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/tomyan/chromepool/internal/chrome/launcher"
)

const (
	portCloseTimeout = 3 * time.Second
	portClosePoll    = 100 * time.Millisecond
)

// ShutdownResult lists the processes killed for a debugging port.
type ShutdownResult struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Killed   []int  `json:"killed"`
	PortOpen bool   `json:"port_open"`
}

func (r ShutdownResult) TextValue() string {
	return fmt.Sprintf("killed %d process(es) on port %d", len(r.Killed), r.Port)
}

func newShutdownCmd(rc *rootCommand) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "shutdown --port N [--host H]",
		Short: "Kill browsers started with the given debugging port",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return rc.shutdown(cmd.Context())
		},
	}
	fs := cmd.Flags()
	fs.Int("port", 0, "remote debugging port of the browsers to kill")
	fs.String("host", "", "address to check for a listener afterwards (default 127.0.0.1)")
	bindFlag(fs, "port", "launcher.port")
	bindFlag(fs, "host", "launcher.host")
	_ = cmd.MarkFlagRequired("port")
	return cmd
}

func (rc *rootCommand) shutdown(ctx context.Context) error {
	logger := rc.logger.Named("shutdown")
	host, port := rc.cfg.Launcher.Host, rc.cfg.Launcher.Port
	scanner := rc.app.Deps.Scanner
	if scanner == nil {
		scanner = launcher.NewProcessScanner(rc.app.Deps.Runner)
	}

	procs, err := scanner.FindByPort(port)
	if err != nil {
		return fmt.Errorf("scanning processes: %w", err)
	}
	result := ShutdownResult{Host: host, Port: port, Killed: []int{}}
	var errs []error
	for _, p := range procs {
		if err := scanner.Kill(p.PID); err != nil {
			logger.Warn("kill failed", zap.Int("pid", p.PID), zap.Error(err))
			errs = append(errs, fmt.Errorf("killing %d: %w", p.PID, err))
			continue
		}
		logger.Info("killed browser", zap.Int("pid", p.PID), zap.Int("port", port))
		result.Killed = append(result.Killed, p.PID)
	}
	if len(result.Killed) > 0 {
		result.PortOpen = waitPortClosed(ctx, host, port)
	} else {
		result.PortOpen = launcher.IsPortOpen(host, port)
	}
	if result.PortOpen {
		logger.Warn("port still accepting connections", zap.String("host", host), zap.Int("port", port))
	}

	if err := outputResult(rc.app.Stdout, rc.output, result); err != nil {
		return err
	}
	return errors.Join(errs...)
}

// waitPortClosed reports whether host:port still accepts connections after
// a short grace period.
func waitPortClosed(ctx context.Context, host string, port int) bool {
	ctx, cancel := context.WithTimeout(ctx, portCloseTimeout)
	defer cancel()
	limiter := rate.NewLimiter(rate.Every(portClosePoll), 1)
	for launcher.IsPortOpen(host, port) {
		if err := limiter.Wait(ctx); err != nil {
			return launcher.IsPortOpen(host, port)
		}
	}
	return false
}
