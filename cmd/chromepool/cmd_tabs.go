package main

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tomyan/chromepool/internal/chrome/launcher"
	"github.com/tomyan/chromepool/internal/devtools"
)

// TabList is the tabs command's result.
type TabList []devtools.TabDescriptor

func (l TabList) TextValue() string {
	lines := make([]string, 0, len(l))
	for _, t := range l {
		lines = append(lines, strings.Join([]string{t.ID, t.Type, t.URL, t.Title}, "\t"))
	}
	return strings.Join(lines, "\n")
}

func newTabsCmd(rc *rootCommand) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "tabs",
		Short: "List the browser's open tabs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			host, port := rc.cfg.Launcher.Host, rc.cfg.Launcher.Port
			if !launcher.IsPortOpen(host, port) {
				return fmt.Errorf("%w: nothing listening on %s", errConnFailed, net.JoinHostPort(host, strconv.Itoa(port)))
			}
			client := devtools.New(host, port, devtools.WithLogger(rc.logger.Named("devtools")))
			tabs, err := client.ListTabs(cmd.Context(), all)
			if err != nil {
				return err
			}
			if tabs == nil {
				tabs = []devtools.TabDescriptor{}
			}
			return outputResult(rc.app.Stdout, rc.output, TabList(tabs))
		},
	}
	fs := cmd.Flags()
	fs.String("host", "", "remote debugging address (default 127.0.0.1)")
	fs.Int("port", 0, "remote debugging port (default 9222)")
	fs.BoolVar(&all, "all", false, "include workers, iframes and other non-page targets")
	bindFlag(fs, "host", "launcher.host")
	bindFlag(fs, "port", "launcher.port")
	return cmd
}
