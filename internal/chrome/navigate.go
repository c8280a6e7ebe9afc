package chrome

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tomyan/chromepool/internal/cdp"
)

// SetURL navigates and waits for Page.loadEventFired. When the load event
// does not arrive within the timeout, loading is stopped and the result is
// returned with Loaded false and a nil error.
func (t *Tab) SetURL(ctx context.Context, pageURL string, opts NavigateOptions) (*NavigateResult, error) {
	params := map[string]interface{}{"url": pageURL}
	if opts.Referrer != "" {
		params["referrer"] = opts.Referrer
	}
	res, err := t.navigateAndWait(ctx, "Page.navigate", params, opts.Timeout)
	if res != nil {
		res.URL = pageURL
	}
	return res, err
}

// Reload reloads the page and waits for the load event like SetURL.
func (t *Tab) Reload(ctx context.Context, opts NavigateOptions) (*NavigateResult, error) {
	params := map[string]interface{}{"ignoreCache": opts.IgnoreCache}
	res, err := t.navigateAndWait(ctx, "Page.reload", params, opts.Timeout)
	if res != nil && res.URL == "" {
		if u, uerr := t.URL(ctx); uerr == nil {
			res.URL = u
		}
	}
	return res, err
}

func (t *Tab) navigateAndWait(ctx context.Context, method string, params map[string]interface{}, timeout time.Duration) (*NavigateResult, error) {
	if timeout <= 0 {
		timeout = t.session.Timeout()
	}
	navCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := t.enable(navCtx, "Page"); err != nil {
		return nil, err
	}

	// Register before navigating so the event cannot slip past.
	w := t.session.Expect("Page.loadEventFired")
	defer w.Cancel()

	var nav struct {
		FrameID   string `json:"frameId"`
		LoaderID  string `json:"loaderId"`
		ErrorText string `json:"errorText"`
	}
	if err := t.call(navCtx, method, params, &nav); err != nil {
		if errors.Is(err, cdp.ErrOperationTimeout) && ctx.Err() == nil {
			t.stopAfterTimeout(ctx)
			return &NavigateResult{}, nil
		}
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	res := &NavigateResult{FrameID: nav.FrameID, LoaderID: nav.LoaderID, ErrorText: nav.ErrorText}
	if nav.ErrorText != "" {
		return res, nil
	}

	_, err := w.Wait(navCtx)
	switch {
	case err == nil:
		res.Loaded = true
	case errors.Is(err, cdp.ErrOperationTimeout) && ctx.Err() == nil:
		t.stopAfterTimeout(ctx)
	default:
		return res, fmt.Errorf("waiting for load: %w", err)
	}
	return res, nil
}

func (t *Tab) stopAfterTimeout(ctx context.Context) {
	t.logger.Debug("load event timed out, stopping")
	if err := t.StopLoading(ctx); err != nil {
		t.logger.Debug("Page.stopLoading failed", zap.Error(err))
	}
}

// StopLoading issues Page.stopLoading.
func (t *Tab) StopLoading(ctx context.Context) error {
	if _, err := t.Send(ctx, "Page.stopLoading", nil); err != nil {
		return fmt.Errorf("stopping load: %w", err)
	}
	return nil
}

// WaitLoading waits for the next Page.loadEventFired. It reports false,
// with no error, when none arrives within timeout.
func (t *Tab) WaitLoading(ctx context.Context, timeout time.Duration) (bool, error) {
	if err := t.enable(ctx, "Page"); err != nil {
		return false, err
	}
	waitCtx, cancel := t.withTimeout(ctx, timeout)
	defer cancel()
	_, err := t.session.WaitMethod(waitCtx, "Page.loadEventFired")
	if err != nil {
		if timedOut(ctx, err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (t *Tab) withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = t.session.Timeout()
	}
	return context.WithTimeout(ctx, timeout)
}

// timedOut reports whether err is a local deadline rather than a caller
// cancellation.
func timedOut(ctx context.Context, err error) bool {
	return errors.Is(err, cdp.ErrOperationTimeout) && ctx.Err() == nil
}
