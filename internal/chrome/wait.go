package chrome

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/tomyan/chromepool/internal/cdp"
)

// WaitEventOptions tunes WaitEvent.
type WaitEventOptions struct {
	// Timeout bounds the wait for each successive event. Zero uses the
	// session default.
	Timeout time.Duration
	// Accept filters events; nil accepts the first one.
	Accept func(*cdp.Event) bool
	// MaxWait caps the total time across rejected events. Zero means no cap.
	MaxWait time.Duration
}

// WaitEvent returns the first event named method that Accept takes. It
// returns nil with no error when time runs out.
func (t *Tab) WaitEvent(ctx context.Context, method string, opts WaitEventOptions) (*cdp.Event, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = t.session.Timeout()
	}
	events, stop := t.session.Subscribe(method)
	defer stop()

	var capC <-chan time.Time
	if opts.MaxWait > 0 {
		capTimer := time.NewTimer(opts.MaxWait)
		defer capTimer.Stop()
		capC = capTimer.C
	}
	idle := time.NewTimer(timeout)
	defer idle.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil, t.session.Err()
			}
			if opts.Accept == nil || opts.Accept(ev) {
				return ev, nil
			}
			idle.Reset(timeout)
		case <-idle.C:
			return nil, nil
		case <-capC:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// WaitResponse waits for a Network.responseReceived event that accept
// takes. It returns nil with no error on timeout.
func (t *Tab) WaitResponse(ctx context.Context, accept func(*cdp.Event) bool, timeout time.Duration) (*cdp.Event, error) {
	if accept == nil {
		accept = func(*cdp.Event) bool { return true }
	}
	return t.waitResponse(ctx, cdp.MatchFunc("Network.responseReceived", accept), timeout)
}

// WaitResponseMatch is WaitResponse with a field filter, e.g.
// {"params.response.status": 200}. Concurrent waits on equal filters share
// one registration key and resolve together.
func (t *Tab) WaitResponseMatch(ctx context.Context, fields map[string]interface{}, timeout time.Duration) (*cdp.Event, error) {
	return t.waitResponse(ctx, cdp.Filter{Method: "Network.responseReceived", Fields: fields}, timeout)
}

func (t *Tab) waitResponse(ctx context.Context, m cdp.Matcher, timeout time.Duration) (*cdp.Event, error) {
	if err := t.enable(ctx, "Network"); err != nil {
		return nil, err
	}
	waitCtx, cancel := t.withTimeout(ctx, timeout)
	defer cancel()
	ev, err := t.session.WaitMatch(waitCtx, m)
	if err != nil {
		if timedOut(ctx, err) {
			return nil, nil
		}
		return nil, err
	}
	return ev, nil
}

// GetResponseBody fetches the body of a finished request, decoding it when
// the browser sends it base64 encoded.
func (t *Tab) GetResponseBody(ctx context.Context, requestID string) (string, error) {
	var resp struct {
		Body          string `json:"body"`
		Base64Encoded bool   `json:"base64Encoded"`
	}
	if err := t.call(ctx, "Network.getResponseBody", map[string]interface{}{"requestId": requestID}, &resp); err != nil {
		return "", fmt.Errorf("getting response body: %w", err)
	}
	if !resp.Base64Encoded {
		return resp.Body, nil
	}
	body, err := base64.StdEncoding.DecodeString(resp.Body)
	if err != nil {
		return "", fmt.Errorf("decoding response body: %w", err)
	}
	return string(body), nil
}

// WaitTags polls until css matches at least one element. It returns nil
// when maxWait passes first.
func (t *Tab) WaitTags(ctx context.Context, css string, maxWait time.Duration) ([]Tag, error) {
	var tags []Tag
	_, err := t.poll(ctx, maxWait, func(ctx context.Context) (bool, error) {
		found, err := t.QuerySelectorAll(ctx, css, "")
		if err != nil {
			return false, err
		}
		tags = found
		return len(found) > 0, nil
	})
	if len(tags) == 0 {
		tags = nil
	}
	return tags, err
}

// WaitTag is WaitTags returning the first element, or the zero Tag.
func (t *Tab) WaitTag(ctx context.Context, css string, maxWait time.Duration) (Tag, error) {
	tags, err := t.WaitTags(ctx, css, maxWait)
	if err != nil || len(tags) == 0 {
		return Tag{}, err
	}
	return tags[0], nil
}

// WaitIncludes polls until the page HTML contains text.
func (t *Tab) WaitIncludes(ctx context.Context, text string, maxWait time.Duration) (bool, error) {
	return t.poll(ctx, maxWait, func(ctx context.Context) (bool, error) {
		return strings.Contains(t.CurrentHTML(ctx), text), nil
	})
}

// WaitFindall polls until pattern matches the page HTML.
func (t *Tab) WaitFindall(ctx context.Context, pattern string, maxWait time.Duration) ([]string, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compiling pattern: %w", err)
	}
	var found []string
	_, err = t.poll(ctx, maxWait, func(ctx context.Context) (bool, error) {
		found = findall(re, t.CurrentHTML(ctx))
		return len(found) > 0, nil
	})
	if len(found) == 0 {
		found = nil
	}
	return found, err
}

// poll runs check at the tab's poll interval until it reports true or
// maxWait passes. Running out of time is not an error; a dead session or a
// cancelled ctx is.
func (t *Tab) poll(ctx context.Context, maxWait time.Duration, check func(context.Context) (bool, error)) (bool, error) {
	pollCtx, cancel := t.withTimeout(ctx, maxWait)
	defer cancel()

	limiter := rate.NewLimiter(rate.Every(t.pollInterval), 1)
	for {
		if err := limiter.Wait(pollCtx); err != nil {
			return false, ctx.Err()
		}
		ok, err := check(pollCtx)
		if err == nil && ok {
			return true, nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			if cdp.IsTransient(err) || errors.Is(err, ErrTabClosed) {
				return false, err
			}
			if pollCtx.Err() != nil {
				return false, nil
			}
		}
	}
}
