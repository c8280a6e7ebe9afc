package main

import (
	"runtime"

	"github.com/spf13/cobra"

	"github.com/tomyan/chromepool/internal/devtools"
)

// VersionResult is the version command's result.
type VersionResult struct {
	Version string            `json:"version"`
	Go      string            `json:"go"`
	Browser *devtools.Version `json:"browser,omitempty"`
}

func (r VersionResult) TextValue() string {
	if r.Browser != nil {
		return "chromepool " + r.Version + " (" + r.Browser.Browser + ")"
	}
	return "chromepool " + r.Version
}

func newVersionCmd(rc *rootCommand) *cobra.Command {
	var withBrowser bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the chromepool version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			result := VersionResult{Version: version, Go: runtime.Version()}
			if withBrowser {
				client := devtools.New(rc.cfg.Launcher.Host, rc.cfg.Launcher.Port, devtools.WithLogger(rc.logger.Named("devtools")))
				v, err := client.Version(cmd.Context())
				if err != nil {
					return err
				}
				result.Browser = v
			}
			return outputResult(rc.app.Stdout, rc.output, result)
		},
	}
	fs := cmd.Flags()
	fs.BoolVar(&withBrowser, "browser", false, "also report the browser answering on --host/--port")
	fs.String("host", "", "remote debugging address (default 127.0.0.1)")
	fs.Int("port", 0, "remote debugging port (default 9222)")
	bindFlag(fs, "host", "launcher.host")
	bindFlag(fs, "port", "launcher.port")
	return cmd
}
