package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomyan/chromepool/internal/engine"
)

func TestNewDefaultConfig(t *testing.T) {
	t.Parallel()
	cfg := NewDefaultConfig()

	assert.Equal(t, "info", cfg.Logger.Level)
	assert.Equal(t, "127.0.0.1", cfg.Launcher.Host)
	assert.Equal(t, 9222, cfg.Launcher.Port)
	assert.Equal(t, 10*time.Second, cfg.Launcher.Timeout)
	assert.Equal(t, 9345, cfg.Engine.StartPort)
	assert.Equal(t, 5, cfg.Engine.MaxConcurrentTabs)
	assert.Equal(t, 1, cfg.Engine.MaxRetries)
	assert.Equal(t, 250*time.Millisecond, cfg.Tab.PollInterval)
	assert.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	t.Parallel()
	cases := map[string]struct {
		mutate func(*Config)
		msg    string
	}{
		"launcher port":   {func(c *Config) { c.Launcher.Port = 70000 }, "launcher.port"},
		"zero port":       {func(c *Config) { c.Launcher.Port = 0 }, "launcher.port"},
		"max deaths":      {func(c *Config) { c.Launcher.MaxDeaths = 0 }, "launcher.max_deaths"},
		"workers":         {func(c *Config) { c.Engine.WorkersAmount = 0 }, "engine.workers_amount"},
		"tabs":            {func(c *Config) { c.Engine.MaxConcurrentTabs = 0 }, "engine.max_concurrent_tabs"},
		"port range":      {func(c *Config) { c.Engine.StartPort, c.Engine.WorkersAmount = 65535, 3 }, "engine.start_port"},
		"negative retry":  {func(c *Config) { c.Engine.MaxRetries = -1 }, "engine counts"},
		"negative period": {func(c *Config) { c.Tab.PollInterval = -time.Second }, "tab.poll_interval"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			cfg := NewDefaultConfig()
			tc.mutate(cfg)

			err := cfg.Validate()

			require.ErrorIs(t, err, ErrInvalid)
			assert.Contains(t, err.Error(), tc.msg)
		})
	}
}

func TestPrepare_ReadsFileAndEnvironment(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "pool.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
launcher:
  port: 9333
  extra_flags: ["--mute-audio"]
engine:
  workers_amount: 3
  restart_every: 90s
tab:
  timeout: 4s
`), 0o600))
	t.Setenv("CHROMEPOOL_ENGINE_MAX_CONCURRENT_TABS", "7")
	t.Setenv("CHROMEPOOL_LAUNCHER_HOST", "0.0.0.0")

	v := viper.New()
	require.NoError(t, Prepare(v, file))
	cfg, err := NewConfigFromViper(v)

	require.NoError(t, err)
	assert.Equal(t, 9333, cfg.Launcher.Port)
	assert.Equal(t, []string{"--mute-audio"}, cfg.Launcher.ExtraFlags)
	assert.Equal(t, "0.0.0.0", cfg.Launcher.Host)
	assert.Equal(t, 3, cfg.Engine.WorkersAmount)
	assert.Equal(t, 7, cfg.Engine.MaxConcurrentTabs)
	assert.Equal(t, 90*time.Second, cfg.Engine.RestartEvery)
	assert.Equal(t, 4*time.Second, cfg.Tab.Timeout)
}

func TestPrepare_MissingDefaultFileIsFine(t *testing.T) {
	t.Chdir(t.TempDir())

	v := viper.New()
	require.NoError(t, Prepare(v, ""))
	cfg, err := NewConfigFromViper(v)

	require.NoError(t, err)
	assert.Equal(t, 9345, cfg.Engine.StartPort)
}

func TestPrepare_NamedFileMustExist(t *testing.T) {
	t.Parallel()
	v := viper.New()

	err := Prepare(v, filepath.Join(t.TempDir(), "absent.yaml"))

	assert.Error(t, err)
}

func TestNewConfigFromViper_ExpandsHome(t *testing.T) {
	t.Parallel()
	home, err := homedir.Dir()
	require.NoError(t, err)
	v := viper.New()
	SetDefaults(v)
	v.Set("launcher.user_data_root", "~/profiles")

	cfg, err := NewConfigFromViper(v)

	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "profiles"), cfg.Launcher.UserDataRoot)
}

func TestNewConfigFromViper_RejectsInvalid(t *testing.T) {
	t.Parallel()
	v := viper.New()
	SetDefaults(v)
	v.Set("engine.workers_amount", 0)

	_, err := NewConfigFromViper(v)

	assert.ErrorIs(t, err, ErrInvalid)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(envFile, []byte("CHROMEPOOL_TEST_DOTENV=from-file\n"), 0o600))
	t.Setenv("CHROMEPOOL_TEST_DOTENV", "")
	require.NoError(t, os.Unsetenv("CHROMEPOOL_TEST_DOTENV"))

	require.NoError(t, LoadDotEnv(envFile, filepath.Join(dir, "missing.env")))

	assert.Equal(t, "from-file", os.Getenv("CHROMEPOOL_TEST_DOTENV"))
}

func TestEngineConfig_UsesLauncherAsTemplate(t *testing.T) {
	t.Parallel()
	cfg := NewDefaultConfig()
	cfg.Launcher.UserDataDir = "/tmp/fixed"
	cfg.Launcher.UserAgent = "Test UA"
	cfg.Engine.WorkersAmount = 2
	cfg.Engine.ExtraConfig = []string{"--mute-audio"}

	ec := cfg.EngineConfig()

	assert.Equal(t, 2, ec.WorkersAmount)
	assert.Equal(t, "Test UA", ec.Launcher.UserAgent)
	assert.Empty(t, ec.Launcher.UserDataDir, "workers need per-port profiles")
	assert.Equal(t, []string{"--mute-audio"}, ec.ExtraConfig)
	assert.Equal(t, 10*time.Second, ec.TabTimeout)
	assert.Equal(t, 1, ec.MaxRetries)

	cfg.Engine.MaxRetries = 0
	assert.Equal(t, engine.NoRetries, cfg.EngineConfig().MaxRetries)
}
