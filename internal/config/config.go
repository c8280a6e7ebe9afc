// Package config loads chromepool settings from defaults, an optional YAML
// file, .env files and CHROMEPOOL_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"

	"github.com/tomyan/chromepool/internal/chrome/launcher"
	"github.com/tomyan/chromepool/internal/engine"
)

// EnvPrefix namespaces environment overrides: engine.workers_amount is
// read from CHROMEPOOL_ENGINE_WORKERS_AMOUNT.
const EnvPrefix = "CHROMEPOOL"

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config is the whole configuration tree.
type Config struct {
	Logger   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	Launcher LauncherConfig `mapstructure:"launcher" yaml:"launcher"`
	Engine   EngineConfig   `mapstructure:"engine" yaml:"engine"`
	Tab      TabConfig      `mapstructure:"tab" yaml:"tab"`
}

type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	// LogFile enables a rotating file sink when set.
	LogFile    string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize    int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge     int    `mapstructure:"max_age" yaml:"max_age"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// LauncherConfig describes one browser process.
type LauncherConfig struct {
	ChromePath    string        `mapstructure:"chrome_path" yaml:"chrome_path"`
	Host          string        `mapstructure:"host" yaml:"host"`
	Port          int           `mapstructure:"port" yaml:"port"`
	Headless      bool          `mapstructure:"headless" yaml:"headless"`
	UserAgent     string        `mapstructure:"user_agent" yaml:"user_agent"`
	Proxy         string        `mapstructure:"proxy" yaml:"proxy"`
	UserDataDir   string        `mapstructure:"user_data_dir" yaml:"user_data_dir"`
	UserDataRoot  string        `mapstructure:"user_data_root" yaml:"user_data_root"`
	DisableImage  bool          `mapstructure:"disable_image" yaml:"disable_image"`
	StartURL      string        `mapstructure:"start_url" yaml:"start_url"`
	MaxDeaths     int           `mapstructure:"max_deaths" yaml:"max_deaths"`
	Timeout       time.Duration `mapstructure:"timeout" yaml:"timeout"`
	CheckInterval time.Duration `mapstructure:"check_interval" yaml:"check_interval"`
	ExtraFlags    []string      `mapstructure:"extra_flags" yaml:"extra_flags"`
}

// EngineConfig sizes the worker pool.
type EngineConfig struct {
	StartPort         int           `mapstructure:"start_port" yaml:"start_port"`
	WorkersAmount     int           `mapstructure:"workers_amount" yaml:"workers_amount"`
	MaxConcurrentTabs int           `mapstructure:"max_concurrent_tabs" yaml:"max_concurrent_tabs"`
	Headless          bool          `mapstructure:"headless" yaml:"headless"`
	ExtraConfig       []string      `mapstructure:"extra_config" yaml:"extra_config"`
	RestartEvery      time.Duration `mapstructure:"restart_every" yaml:"restart_every"`
	RecycleAfterJobs  int           `mapstructure:"recycle_after_jobs" yaml:"recycle_after_jobs"`
	DefaultTimeout    time.Duration `mapstructure:"default_timeout" yaml:"default_timeout"`
	MaxRetries        int           `mapstructure:"max_retries" yaml:"max_retries"`
}

type TabConfig struct {
	Timeout      time.Duration `mapstructure:"timeout" yaml:"timeout"`
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
}

// SetDefaults registers every default with v.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "chromepool")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Launcher --
	v.SetDefault("launcher.chrome_path", "")
	v.SetDefault("launcher.host", launcher.DefaultHost)
	v.SetDefault("launcher.port", launcher.DefaultPort)
	v.SetDefault("launcher.headless", false)
	v.SetDefault("launcher.user_data_root", "~/.config/chromepool/profiles")
	v.SetDefault("launcher.start_url", launcher.DefaultStartURL)
	v.SetDefault("launcher.max_deaths", launcher.DefaultMaxDeaths)
	v.SetDefault("launcher.timeout", launcher.DefaultTimeout)
	v.SetDefault("launcher.check_interval", launcher.DefaultCheckInterval)

	// -- Engine --
	v.SetDefault("engine.start_port", engine.DefaultStartPort)
	v.SetDefault("engine.workers_amount", engine.DefaultWorkersAmount)
	v.SetDefault("engine.max_concurrent_tabs", engine.DefaultMaxConcurrentTabs)
	v.SetDefault("engine.headless", true)
	v.SetDefault("engine.restart_every", engine.DefaultRestartEvery)
	v.SetDefault("engine.recycle_after_jobs", 0)
	v.SetDefault("engine.default_timeout", engine.DefaultJobTimeout)
	v.SetDefault("engine.max_retries", engine.DefaultMaxRetries)

	// -- Tab --
	v.SetDefault("tab.timeout", "10s")
	v.SetDefault("tab.poll_interval", "250ms")
}

// NewDefaultConfig returns the defaults alone.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// LoadDotEnv loads the given .env files, or ./.env when none are named,
// without overriding variables already set. Missing files are skipped.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("loading %s: %w", f, err)
		}
	}
	return nil
}

// Prepare wires defaults, the config file and environment lookup into v.
// With cfgFile empty it searches ./chromepool.yaml and
// ~/.config/chromepool/chromepool.yaml; not finding one is fine.
func Prepare(v *viper.Viper, cfgFile string) error {
	SetDefaults(v)
	if cfgFile != "" {
		path, err := homedir.Expand(cfgFile)
		if err != nil {
			return fmt.Errorf("expanding config path: %w", err)
		}
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		if dir, err := homedir.Expand("~/.config/chromepool"); err == nil {
			v.AddConfigPath(dir)
		}
		v.SetConfigName("chromepool")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("reading config: %w", err)
		}
	}
	return nil
}

// Load is LoadDotEnv, Prepare and NewConfigFromViper on a fresh viper.
func Load(cfgFile string) (*Config, error) {
	if err := LoadDotEnv(); err != nil {
		return nil, err
	}
	v := viper.New()
	if err := Prepare(v, cfgFile); err != nil {
		return nil, err
	}
	return NewConfigFromViper(v)
}

// NewConfigFromViper decodes, expands ~ in paths and validates.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	for _, p := range []*string{&cfg.Launcher.ChromePath, &cfg.Launcher.UserDataDir, &cfg.Launcher.UserDataRoot, &cfg.Logger.LogFile} {
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return nil, fmt.Errorf("expanding %q: %w", *p, err)
		}
		*p = expanded
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks ranges and counts.
func (c *Config) Validate() error {
	invalid := func(format string, args ...interface{}) error {
		return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
	}
	if !validPort(c.Launcher.Port) {
		return invalid("launcher.port %d is not a valid TCP port", c.Launcher.Port)
	}
	if c.Launcher.MaxDeaths < 1 {
		return invalid("launcher.max_deaths must be at least 1")
	}
	if c.Engine.WorkersAmount < 1 {
		return invalid("engine.workers_amount must be at least 1")
	}
	if !validPort(c.Engine.StartPort) || !validPort(c.Engine.StartPort+c.Engine.WorkersAmount-1) {
		return invalid("engine.start_port %d leaves no room for %d workers", c.Engine.StartPort, c.Engine.WorkersAmount)
	}
	if c.Engine.MaxConcurrentTabs < 1 {
		return invalid("engine.max_concurrent_tabs must be at least 1")
	}
	if c.Engine.RecycleAfterJobs < 0 || c.Engine.MaxRetries < 0 {
		return invalid("engine counts must not be negative")
	}
	for name, d := range map[string]time.Duration{
		"launcher.timeout":        c.Launcher.Timeout,
		"launcher.check_interval": c.Launcher.CheckInterval,
		"engine.restart_every":    c.Engine.RestartEvery,
		"engine.default_timeout":  c.Engine.DefaultTimeout,
		"tab.timeout":             c.Tab.Timeout,
		"tab.poll_interval":       c.Tab.PollInterval,
	} {
		if d < 0 {
			return invalid("%s must not be negative", name)
		}
	}
	return nil
}

func validPort(p int) bool { return p >= 1 && p <= 65535 }

// Options converts the launcher section.
func (c LauncherConfig) Options() launcher.Options {
	return launcher.Options{
		ChromePath:    c.ChromePath,
		Host:          c.Host,
		Port:          c.Port,
		Headless:      c.Headless,
		UserAgent:     c.UserAgent,
		Proxy:         c.Proxy,
		UserDataDir:   c.UserDataDir,
		UserDataRoot:  c.UserDataRoot,
		DisableImage:  c.DisableImage,
		StartURL:      c.StartURL,
		ExtraFlags:    c.ExtraFlags,
		Timeout:       c.Timeout,
		MaxDeaths:     c.MaxDeaths,
		CheckInterval: c.CheckInterval,
	}
}

// engineRetries maps the config's zero, which means no requeue, onto the
// engine's NoRetries.
func engineRetries(n int) int {
	if n == 0 {
		return engine.NoRetries
	}
	return n
}

// EngineConfig combines the engine, tab and launcher sections. The
// launcher section is the template for every worker's browser.
func (c *Config) EngineConfig() engine.Config {
	tmpl := c.Launcher.Options()
	tmpl.UserDataDir = ""
	return engine.Config{
		StartPort:         c.Engine.StartPort,
		WorkersAmount:     c.Engine.WorkersAmount,
		MaxConcurrentTabs: c.Engine.MaxConcurrentTabs,
		Headless:          c.Engine.Headless,
		ExtraConfig:       c.Engine.ExtraConfig,
		RestartEvery:      c.Engine.RestartEvery,
		RecycleAfterJobs:  c.Engine.RecycleAfterJobs,
		DefaultTimeout:    c.Engine.DefaultTimeout,
		MaxRetries:        engineRetries(c.Engine.MaxRetries),
		Launcher:          tmpl,
		TabTimeout:        c.Tab.Timeout,
		PollInterval:      c.Tab.PollInterval,
	}
}
