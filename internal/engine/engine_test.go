package engine

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.uber.org/zap/zaptest"

	"github.com/tomyan/chromepool/internal/browser"
	"github.com/tomyan/chromepool/internal/cdp"
	"github.com/tomyan/chromepool/internal/chrome"
	"github.com/tomyan/chromepool/internal/chrome/launcher"
	fake "github.com/tomyan/chromepool/internal/testutil"
	"github.com/tomyan/chromepool/internal/testutil/fakechrome"
)

// fleet hands out attached fake browsers and remembers them in launch
// order.
type fleet struct {
	mu       sync.Mutex
	browsers []*fake.FakeBrowser
	setup    func(n int, fb *fake.FakeBrowser)
}

func newFleet(t *testing.T, setup func(n int, fb *fake.FakeBrowser)) *fleet {
	t.Helper()
	f := &fleet{setup: setup}
	t.Cleanup(func() {
		for _, fb := range f.all() {
			fb.Close()
		}
	})
	return f
}

func (f *fleet) factory(ctx context.Context, port int) (*browser.Browser, error) {
	fb, err := fake.NewFakeBrowserAt("127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	n := len(f.browsers)
	f.browsers = append(f.browsers, fb)
	f.mu.Unlock()
	if f.setup != nil {
		f.setup(n, fb)
	}
	return browser.Attach(fb.Host(), fb.Port(), browser.WithSessionOptions(cdp.WithTimeout(2*time.Second))), nil
}

func (f *fleet) all() []*fake.FakeBrowser {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fake.FakeBrowser(nil), f.browsers...)
}

func (f *fleet) get(n int) *fake.FakeBrowser { return f.all()[n] }

func startEngine(t *testing.T, cfg Config, f *fleet) *Engine {
	t.Helper()
	e, err := New(cfg, zaptest.NewLogger(t), WithBrowserFactory(f.factory))
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Shutdown(ctx)
	})
	return e
}

// serveHTML answers the outerHTML probe with html.
func serveHTML(fb *fake.FakeBrowser, html string) {
	fb.Handle("Runtime.evaluate", func(_ *fake.FakeTab, p gjson.Result) (interface{}, error) {
		if p.Get("expression").String() == "document.documentElement.outerHTML" {
			return fake.EvalResult(html), nil
		}
		return fake.EvalResult(nil), nil
	})
}

func echo(_ context.Context, _ *chrome.Tab, payload interface{}) (interface{}, error) {
	return payload, nil
}

func TestEngine_NeverExceedsTabLimit(t *testing.T) {
	t.Parallel()
	f := newFleet(t, nil)
	e := startEngine(t, Config{StartPort: 42001, WorkersAmount: 1, MaxConcurrentTabs: 5}, f)
	w := e.Workers()[0]

	// Given six jobs that hold their tab until released
	gate := make(chan struct{})
	hold := func(ctx context.Context, _ *chrome.Tab, payload interface{}) (interface{}, error) {
		select {
		case <-gate:
			return payload, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	futures := make([]*Future, 6)
	for i := range futures {
		futures[i] = e.Submit(i, hold, 5*time.Second)
	}

	// When five are running
	require.Eventually(t, func() bool { return w.InFlight() == 5 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	// Then the sixth waits in the queue
	assert.EqualValues(t, 5, w.InFlight())
	assert.Equal(t, 1, e.Pending())
	assert.Equal(t, StatePending, futures[5].State())

	// And every job completes once released
	close(gate)
	for i, fut := range futures {
		v, err := fut.Wait(context.Background())
		require.NoError(t, err)
		assert.Equal(t, i, v)
	}
	assert.EqualValues(t, 5, w.PeakInFlight())
	assert.EqualValues(t, 6, w.Served())
	fb := f.get(0)
	assert.Equal(t, 6, fb.PeakPages(), "one blank page plus five job tabs")
	require.Eventually(t, func() bool { return fb.OpenPages() == 1 }, time.Second, 5*time.Millisecond)
}

func TestEngine_RequeuesAfterTransportLoss(t *testing.T) {
	t.Parallel()
	f := newFleet(t, func(n int, fb *fake.FakeBrowser) {
		if n == 0 {
			fb.Handle("Page.navigate", func(tab *fake.FakeTab, _ gjson.Result) (interface{}, error) {
				tab.Drop()
				return nil, nil
			})
			return
		}
		serveHTML(fb, "<html><body>second browser</body></html>")
	})
	e := startEngine(t, Config{StartPort: 42101, MaxRetries: 1}, f)
	requeuedBefore := testutil.ToFloat64(metricRequeued)

	// When the first browser's socket drops during navigation
	fut := e.Submit("https://example.com/", DownloadTask(""), 5*time.Second)
	v, err := fut.Wait(context.Background())

	// Then the job ran again on a recycled browser
	require.NoError(t, err)
	assert.Equal(t, "<html><body>second browser</body></html>", v)
	assert.True(t, fut.Job().Requeued())
	assert.Zero(t, fut.Job().RetriesRemaining())
	assert.Len(t, f.all(), 2)
	assert.GreaterOrEqual(t, testutil.ToFloat64(metricRequeued)-requeuedBefore, 1.0)
	assert.Equal(t, 1.0, testutil.ToFloat64(metricRecycles.WithLabelValues("42101", "error")))
}

func TestEngine_FailsWhenRetriesRunOut(t *testing.T) {
	t.Parallel()
	f := newFleet(t, func(_ int, fb *fake.FakeBrowser) {
		fb.Handle("Page.navigate", func(tab *fake.FakeTab, _ gjson.Result) (interface{}, error) {
			tab.Drop()
			return nil, nil
		})
	})
	e := startEngine(t, Config{StartPort: 42201, MaxRetries: NoRetries}, f)

	_, err := e.Download(context.Background(), "https://example.com/", "", 5*time.Second)

	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.ErrorIs(t, err, cdp.ErrTransportLost)
}

func TestEngine_JobErrorsAreNotRetried(t *testing.T) {
	t.Parallel()
	f := newFleet(t, nil)
	e := startEngine(t, Config{StartPort: 42301, MaxRetries: 3}, f)
	boom := errors.New("boom")
	var calls atomic.Int32

	fut := e.Submit(nil, func(context.Context, *chrome.Tab, interface{}) (interface{}, error) {
		calls.Add(1)
		return nil, boom
	}, time.Second)
	_, err := fut.Wait(context.Background())

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, StateFailed, fut.State())
	assert.EqualValues(t, 1, calls.Load())
	assert.Len(t, f.all(), 1)
}

func TestEngine_TimesOutAndClosesTab(t *testing.T) {
	t.Parallel()
	f := newFleet(t, nil)
	e := startEngine(t, Config{StartPort: 42401}, f)
	finishedBefore := testutil.ToFloat64(metricFinished.WithLabelValues("timed_out"))
	sawCancel := make(chan error, 1)

	fut := e.Submit(nil, func(ctx context.Context, _ *chrome.Tab, _ interface{}) (interface{}, error) {
		<-ctx.Done()
		sawCancel <- ctx.Err()
		return nil, ctx.Err()
	}, 100*time.Millisecond)
	started := time.Now()
	_, err := fut.Wait(context.Background())

	assert.ErrorIs(t, err, ErrJobTimeout)
	assert.Equal(t, StateTimedOut, fut.State())
	assert.Less(t, time.Since(started), time.Second)
	assert.ErrorIs(t, <-sawCancel, context.DeadlineExceeded)
	fb := f.get(0)
	require.Eventually(t, func() bool { return fb.OpenPages() == 1 }, time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, testutil.ToFloat64(metricFinished.WithLabelValues("timed_out"))-finishedBefore, 1.0)
}

func TestEngine_Cancel(t *testing.T) {
	t.Parallel()
	f := newFleet(t, nil)
	e := startEngine(t, Config{StartPort: 42501, MaxConcurrentTabs: 1}, f)

	// Given a running job holding the only tab slot and a queued one
	started := make(chan struct{})
	sawCancel := make(chan error, 1)
	running := e.Submit(nil, func(ctx context.Context, _ *chrome.Tab, _ interface{}) (interface{}, error) {
		close(started)
		<-ctx.Done()
		sawCancel <- ctx.Err()
		return nil, ctx.Err()
	}, 5*time.Second)
	var queuedRan atomic.Bool
	waiting := e.Submit(nil, func(context.Context, *chrome.Tab, interface{}) (interface{}, error) {
		queuedRan.Store(true)
		return nil, nil
	}, 5*time.Second)
	<-started

	// When both are cancelled
	waiting.Cancel()
	running.Cancel()

	// Then the running function sees its context end and the queued one
	// never runs
	_, err := running.Wait(context.Background())
	assert.ErrorIs(t, err, ErrJobCancelled)
	assert.ErrorIs(t, <-sawCancel, context.Canceled)
	_, err = waiting.Wait(context.Background())
	assert.ErrorIs(t, err, ErrJobCancelled)

	v, err := e.Submit("after", echo, time.Second).Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "after", v)
	assert.False(t, queuedRan.Load())
}

func TestEngine_SurvivesPanickingJob(t *testing.T) {
	t.Parallel()
	f := newFleet(t, nil)
	e := startEngine(t, Config{StartPort: 42601}, f)

	_, err := e.Submit(nil, func(context.Context, *chrome.Tab, interface{}) (interface{}, error) {
		panic("kaboom")
	}, time.Second).Wait(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")

	v, err := e.Submit(7, echo, time.Second).Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, v)
	require.Eventually(t, func() bool { return f.get(0).OpenPages() == 1 }, time.Second, 5*time.Millisecond)
}

func TestEngine_RecyclesAfterJobCount(t *testing.T) {
	t.Parallel()
	f := newFleet(t, nil)
	e := startEngine(t, Config{StartPort: 42701, RecycleAfterJobs: 2}, f)

	for i := 0; i < 4; i++ {
		v, err := e.Submit(i, echo, 2*time.Second).Wait(context.Background())
		require.NoError(t, err)
		assert.Equal(t, i, v)
	}

	assert.Len(t, f.all(), 2)
	assert.Equal(t, 1.0, testutil.ToFloat64(metricRecycles.WithLabelValues("42701", "jobs")))
}

func TestEngine_RecyclesByAge(t *testing.T) {
	t.Parallel()
	f := newFleet(t, nil)
	e := startEngine(t, Config{StartPort: 42801, RestartEvery: 200 * time.Millisecond}, f)

	_, err := e.Submit(1, echo, 2*time.Second).Wait(context.Background())
	require.NoError(t, err)
	time.Sleep(250 * time.Millisecond)
	_, err = e.Submit(2, echo, 2*time.Second).Wait(context.Background())
	require.NoError(t, err)

	assert.GreaterOrEqual(t, len(f.all()), 2)
	assert.Equal(t, WorkerReady, e.Workers()[0].State())
}

func TestEngine_SpreadsAcrossWorkers(t *testing.T) {
	t.Parallel()
	f := newFleet(t, nil)
	e := startEngine(t, Config{StartPort: 42901, WorkersAmount: 2, MaxConcurrentTabs: 1}, f)

	gate := make(chan struct{})
	hold := func(ctx context.Context, _ *chrome.Tab, payload interface{}) (interface{}, error) {
		<-gate
		return payload, nil
	}
	a := e.Submit("a", hold, 5*time.Second)
	b := e.Submit("b", hold, 5*time.Second)
	require.Eventually(t, func() bool {
		ws := e.Workers()
		return ws[0].InFlight() == 1 && ws[1].InFlight() == 1
	}, 2*time.Second, 5*time.Millisecond)
	close(gate)

	for _, fut := range []*Future{a, b} {
		_, err := fut.Wait(context.Background())
		require.NoError(t, err)
	}
	ports := []int{e.Workers()[0].Port(), e.Workers()[1].Port()}
	assert.Equal(t, []int{42901, 42902}, ports)
}

func TestEngine_ScreenshotAndDownload(t *testing.T) {
	t.Parallel()
	f := newFleet(t, func(_ int, fb *fake.FakeBrowser) {
		serveHTML(fb, "<html><head></head><body>hi</body></html>")
	})
	e := startEngine(t, Config{StartPort: 43001}, f)
	ctx := context.Background()

	shot, err := e.Screenshot(ctx, "https://example.com/", "", 2*time.Second)
	require.NoError(t, err)
	img, err := chrome.DecodeScreenshot(shot)
	require.NoError(t, err)
	assert.Equal(t, fake.FakeScreenshot, img)

	html, err := e.Download(ctx, "https://example.com/", "", 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "<html><head></head><body>hi</body></html>", html)

	_, err = e.Download(ctx, "", "", 2*time.Second)
	assert.ErrorContains(t, err, "payload must be a URL")
}

func TestEngine_ShutdownDrainsQueue(t *testing.T) {
	t.Parallel()
	f := newFleet(t, nil)
	e := startEngine(t, Config{StartPort: 43101, MaxConcurrentTabs: 1}, f)

	futures := []*Future{e.Submit(1, echo, 2*time.Second), e.Submit(2, echo, 2*time.Second), e.Submit(3, echo, 2*time.Second)}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.Shutdown(ctx))

	for i, fut := range futures {
		v, err := fut.Wait(context.Background())
		require.NoError(t, err)
		assert.Equal(t, i+1, v)
	}
	assert.Equal(t, WorkerStopped, e.Workers()[0].State())
	assert.Nil(t, e.Workers()[0].Browser())

	_, err := e.Submit(4, echo, time.Second).Wait(context.Background())
	assert.ErrorIs(t, err, ErrEngineStopped)
	assert.NoError(t, e.Shutdown(ctx))
	assert.ErrorIs(t, e.Start(ctx), ErrEngineStopped)
}

func TestEngine_ShutdownDeadlineAbandonsJobs(t *testing.T) {
	t.Parallel()
	f := newFleet(t, nil)
	e := startEngine(t, Config{StartPort: 43201}, f)
	started := make(chan struct{})
	fut := e.Submit(nil, func(ctx context.Context, _ *chrome.Tab, _ interface{}) (interface{}, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}, time.Minute)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := e.Shutdown(ctx)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	_, err = fut.Wait(context.Background())
	assert.ErrorIs(t, err, ErrEngineStopped)
}

func TestEngine_StartFailureStopsOthers(t *testing.T) {
	t.Parallel()
	f := newFleet(t, nil)
	var n atomic.Int32
	failing := func(ctx context.Context, port int) (*browser.Browser, error) {
		if n.Add(1) == 2 {
			return nil, errors.New("no browser for you")
		}
		return f.factory(ctx, port)
	}
	e, err := New(Config{StartPort: 43301, WorkersAmount: 2}, nil, WithBrowserFactory(failing))
	require.NoError(t, err)

	err = e.Start(context.Background())

	assert.ErrorContains(t, err, "no browser for you")
	assert.Empty(t, e.Workers())
}

func TestNew_RejectsBadConfig(t *testing.T) {
	t.Parallel()
	for name, cfg := range map[string]Config{
		"workers":   {WorkersAmount: -1},
		"tabs":      {MaxConcurrentTabs: -2},
		"port":      {StartPort: 65535, WorkersAmount: 2},
		"recycling": {RestartEvery: -time.Second},
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := New(cfg, nil)
			assert.ErrorIs(t, err, launcher.ErrConfig)
		})
	}
}

func TestNew_AppliesDefaults(t *testing.T) {
	t.Parallel()

	e, err := New(Config{}, nil)
	require.NoError(t, err)
	cfg := e.Config()
	assert.Equal(t, DefaultStartPort, cfg.StartPort)
	assert.Equal(t, DefaultWorkersAmount, cfg.WorkersAmount)
	assert.Equal(t, DefaultMaxConcurrentTabs, cfg.MaxConcurrentTabs)
	assert.Equal(t, DefaultJobTimeout, cfg.DefaultTimeout)
	assert.Equal(t, DefaultMaxRetries, cfg.MaxRetries)

	e, err = New(Config{MaxRetries: -5}, nil)
	require.NoError(t, err)
	assert.Equal(t, NoRetries, e.Config().MaxRetries)
}

func TestEngine_LaunchesSupervisedBrowsers(t *testing.T) {
	t.Parallel()
	runner := fakechrome.NewRunner()
	runner.OnStart = func(fb *fake.FakeBrowser) { serveHTML(fb, "<html>launched</html>") }
	opts := fakechrome.Options(t)
	opts.CheckInterval = 50 * time.Millisecond
	cfg := Config{
		StartPort:  opts.Port,
		Headless:   true,
		Launcher:   opts,
		TabTimeout: 2 * time.Second,
		MaxRetries: 1,
	}
	e, err := New(cfg, zaptest.NewLogger(t), WithLauncherDeps(launcher.Deps{Runner: runner}))
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	ctx := context.Background()

	html, err := e.Download(ctx, "https://example.com/", "", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "<html>launched</html>", html)
	assert.Contains(t, runner.Last().Args, "--remote-debugging-port="+strconv.Itoa(opts.Port))
	assert.Contains(t, runner.Last().Args, "--headless")

	// When the browser process dies under a running job
	var attempts atomic.Int32
	crashed := make(chan struct{})
	fut := e.Submit("https://example.com/", func(ctx context.Context, tab *chrome.Tab, payload interface{}) (interface{}, error) {
		if attempts.Add(1) == 1 {
			runner.Last().Crash()
			close(crashed)
			_, err := tab.Send(ctx, "Runtime.evaluate", map[string]interface{}{"expression": "1"})
			return nil, err
		}
		return DownloadTask("")(ctx, tab, payload)
	}, 10*time.Second)

	// Then it completes on a relaunched browser after one requeue
	v, err := fut.Wait(ctx)
	require.NoError(t, err)
	<-crashed
	assert.Equal(t, "<html>launched</html>", v)
	assert.EqualValues(t, 2, attempts.Load())
	assert.True(t, fut.Job().Requeued())
	assert.GreaterOrEqual(t, len(runner.Processes()), 2)

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, e.Shutdown(shutdownCtx))
	for _, p := range runner.Processes() {
		assert.True(t, p.Dead())
	}
}
