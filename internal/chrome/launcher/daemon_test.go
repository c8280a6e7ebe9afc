package launcher

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDaemon(t *testing.T, runner *mockRunner, opts Options, probe Probe) (*Daemon, *PortRegistry) {
	t.Helper()
	if probe == nil {
		probe = okProbe
	}
	ports := NewPortRegistry()
	d, err := NewDaemon(opts, Deps{Runner: runner, Scanner: &fakeScanner{}, Ports: ports, Probe: probe})
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Shutdown() })
	return d, ports
}

func runDaemon(d *Daemon, ctx context.Context) <-chan error {
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	return done
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 3*time.Second, 10*time.Millisecond)
}

func TestNewDaemon_ConfigErrorIsFatal(t *testing.T) {
	t.Parallel()

	opts := testOptions(t)
	opts.ChromePath = "/nonexistent/chrome"
	_, err := NewDaemon(opts, Deps{Runner: newMockRunner()})
	assert.ErrorIs(t, err, ErrConfig)
}

func TestDaemon_RelaunchesAfterDeath(t *testing.T) {
	t.Parallel()

	// Given a supervised browser
	runner := newMockRunner()
	opts := testOptions(t)
	d, _ := newTestDaemon(t, runner, opts, nil)
	done := runDaemon(d, context.Background())
	waitFor(t, func() bool { return d.Instance() != nil })
	first := d.Instance()

	// When the child dies well after becoming ready
	time.Sleep(2 * opts.CheckInterval)
	require.NoError(t, runner.started()[0].Kill())

	// Then a new instance takes its place
	waitFor(t, func() bool { inst := d.Instance(); return inst != nil && inst != first })
	assert.Equal(t, 1, d.Deaths())
	assert.True(t, d.Ready())

	require.NoError(t, d.Shutdown())
	require.NoError(t, <-done)
	assert.Nil(t, d.Instance())
}

func TestDaemon_RapidDeathsDisableRestart(t *testing.T) {
	t.Parallel()

	// Given children that die right after they answer
	runner := newMockRunner()
	runner.lifetime = 20 * time.Millisecond
	opts := testOptions(t)
	opts.CheckInterval = time.Second
	opts.MaxDeaths = 100
	d, _ := newTestDaemon(t, runner, opts, nil)

	// When
	err := d.Run(context.Background())

	// Then
	assert.ErrorIs(t, err, ErrRestartDisabled)
	assert.Equal(t, rapidDeathLimit, d.Deaths())
}

func TestDaemon_DeathBudget(t *testing.T) {
	t.Parallel()

	runner := newMockRunner()
	runner.lifetime = 120 * time.Millisecond
	opts := testOptions(t)
	opts.CheckInterval = 40 * time.Millisecond
	opts.MaxDeaths = 2
	d, ports := newTestDaemon(t, runner, opts, nil)

	err := d.Run(context.Background())

	assert.ErrorIs(t, err, ErrRestartDisabled)
	assert.Equal(t, 2, d.Deaths())
	assert.Len(t, runner.started(), 2)
	assert.False(t, ports.InUse(opts.Port))
}

func TestDaemon_UnresponsiveBrowserCountsAsDeath(t *testing.T) {
	t.Parallel()

	// Given a browser that stops answering after it was ready
	var healthy atomic.Bool
	healthy.Store(true)
	probe := func(context.Context, string, int) error {
		if healthy.Load() {
			return nil
		}
		return errors.New("timeout")
	}
	runner := newMockRunner()
	opts := testOptions(t)
	d, _ := newTestDaemon(t, runner, opts, probe)
	done := runDaemon(d, context.Background())
	waitFor(t, func() bool { return d.Ready() })
	time.Sleep(2 * opts.CheckInterval)

	// When two probes fail, the process is killed and relaunched
	healthy.Store(false)
	waitFor(t, func() bool { return runner.started()[0].dead() })
	healthy.Store(true)
	waitFor(t, func() bool { return len(runner.started()) == 2 && d.Ready() })

	assert.Equal(t, 1, d.Deaths())
	require.NoError(t, d.Shutdown())
	require.NoError(t, <-done)
}

func TestDaemon_RestartIsNotADeath(t *testing.T) {
	t.Parallel()

	runner := newMockRunner()
	d, _ := newTestDaemon(t, runner, testOptions(t), nil)
	done := runDaemon(d, context.Background())
	waitFor(t, func() bool { return d.Ready() })

	require.NoError(t, d.Restart(context.Background()))

	assert.Equal(t, 0, d.Deaths())
	assert.Len(t, runner.started(), 2)
	assert.True(t, runner.started()[0].dead())
	require.NoError(t, d.Shutdown())
	require.NoError(t, <-done)
}

func TestDaemon_ShutdownIsIdempotentAndTerminal(t *testing.T) {
	t.Parallel()

	runner := newMockRunner()
	opts := testOptions(t)
	d, ports := newTestDaemon(t, runner, opts, nil)
	require.NoError(t, d.Start(context.Background()))
	proc := runner.started()[0]

	require.NoError(t, d.Shutdown())
	require.NoError(t, d.Shutdown())

	assert.True(t, proc.dead())
	assert.False(t, ports.InUse(opts.Port))
	assert.ErrorIs(t, d.Start(context.Background()), ErrShutdown)
	assert.ErrorIs(t, d.Restart(context.Background()), ErrShutdown)
	assert.NoError(t, d.Run(context.Background()))
	assert.Len(t, runner.started(), 1)
}

func TestDaemon_ContextCancelShutsDown(t *testing.T) {
	t.Parallel()

	runner := newMockRunner()
	d, _ := newTestDaemon(t, runner, testOptions(t), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := runDaemon(d, ctx)
	waitFor(t, func() bool { return d.Ready() })

	cancel()

	require.NoError(t, <-done)
	assert.True(t, runner.started()[0].dead())
	select {
	case <-d.Done():
	default:
		t.Fatal("expected daemon to be shut down")
	}
}
