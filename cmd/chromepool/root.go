package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/tomyan/chromepool/internal/config"
	"github.com/tomyan/chromepool/internal/observability"
)

// viperKey annotates a flag with the config key it overrides.
const viperKey = "chromepool_config_key"

type rootCommand struct {
	app     *App
	cfgFile string
	output  string

	cfg    *config.Config
	logger *zap.Logger
}

func newRootCmd(app *App) *cobra.Command {
	rc := &rootCommand{app: app}
	cmd := &cobra.Command{
		Use:   "chromepool",
		Short: "Launch, supervise and drive Chrome over the DevTools protocol",
		Long: `chromepool manages Chrome processes with remote debugging enabled.

Settings come from flags, CHROMEPOOL_* environment variables, .env and
chromepool.yaml, in that order of precedence.`,
		Version:           version,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: rc.setup,
	}
	cmd.SetOut(app.Stdout)
	cmd.SetErr(app.Stderr)
	cmd.SetVersionTemplate("chromepool {{.Version}}\n")

	pf := cmd.PersistentFlags()
	pf.StringVarP(&rc.cfgFile, "config", "c", "", "config file (default ./chromepool.yaml or ~/.config/chromepool/chromepool.yaml)")
	pf.StringVarP(&rc.output, "output", "o", "json", "output format: json, ndjson, text")

	cmd.AddCommand(
		newLaunchCmd(rc),
		newShutdownCmd(rc),
		newTabsCmd(rc),
		newScreenshotCmd(rc),
		newDownloadCmd(rc),
		newVersionCmd(rc),
	)
	return cmd
}

// setup loads configuration, applies the flags the user set and
// initializes logging.
func (rc *rootCommand) setup(cmd *cobra.Command, _ []string) error {
	switch rc.output {
	case "json", "ndjson", "text":
	default:
		return fmt.Errorf("unknown output format: %s", rc.output)
	}
	if err := config.LoadDotEnv(); err != nil {
		return err
	}
	v := viper.New()
	if err := config.Prepare(v, rc.cfgFile); err != nil {
		return err
	}
	if err := bindFlags(v, cmd.Flags()); err != nil {
		return err
	}
	cfg, err := config.NewConfigFromViper(v)
	if err != nil {
		return err
	}

	cfg.Logger.Format = observability.ResolveFormat(cfg.Logger.Format, rc.app.Terminal)
	w := rc.app.LogWriter
	if w == nil {
		w = zapcore.Lock(zapcore.AddSync(rc.app.Stderr))
	}
	observability.Initialize(cfg.Logger, w)

	rc.cfg = cfg
	rc.logger = observability.GetLogger()
	return nil
}

// bindFlag ties a flag to a config key.
func bindFlag(fs *pflag.FlagSet, name, key string) {
	if err := fs.SetAnnotation(name, viperKey, []string{key}); err != nil {
		panic(err)
	}
}

// bindFlags binds every changed, annotated flag into v so it wins over the
// file and the environment. Unset flags leave the config untouched.
func bindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	var err error
	fs.VisitAll(func(f *pflag.Flag) {
		keys := f.Annotations[viperKey]
		if err != nil || len(keys) == 0 || !f.Changed {
			return
		}
		err = v.BindPFlag(keys[0], f)
	})
	return err
}
