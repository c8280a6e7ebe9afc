package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tomyan/chromepool/internal/chrome"
)

// load navigates to the URL carried as payload, waiting for the load event
// until the job's deadline. A page that never finishes loading is used as
// it stands.
func load(ctx context.Context, tab *chrome.Tab, payload interface{}) error {
	pageURL, ok := payload.(string)
	if !ok || pageURL == "" {
		return fmt.Errorf("payload must be a URL, got %T", payload)
	}
	opts := chrome.NavigateOptions{}
	if deadline, ok := ctx.Deadline(); ok {
		opts.Timeout = time.Until(deadline)
	}
	res, err := tab.SetURL(ctx, pageURL, opts)
	if err != nil {
		return err
	}
	if res.ErrorText != "" {
		return fmt.Errorf("loading %s: %s", pageURL, res.ErrorText)
	}
	return nil
}

// ScreenshotTask captures the viewport, or the first element matching css,
// of the page whose URL is the payload. The result is a base64 string.
func ScreenshotTask(css string, opts chrome.ScreenshotOptions) TabFunc {
	return func(ctx context.Context, tab *chrome.Tab, payload interface{}) (interface{}, error) {
		if err := load(ctx, tab, payload); err != nil {
			return nil, err
		}
		if css == "" {
			return tab.Screenshot(ctx, opts)
		}
		return tab.ScreenshotElement(ctx, css, opts)
	}
}

// DownloadTask returns the HTML of the page whose URL is the payload, or
// the outer HTML of every element matching css joined by newlines.
func DownloadTask(css string) TabFunc {
	return func(ctx context.Context, tab *chrome.Tab, payload interface{}) (interface{}, error) {
		if err := load(ctx, tab, payload); err != nil {
			return nil, err
		}
		if css == "" {
			return tab.HTML(ctx)
		}
		tags, err := tab.QuerySelectorAll(ctx, css, "")
		if err != nil {
			return nil, err
		}
		parts := make([]string, 0, len(tags))
		for _, tag := range tags {
			parts = append(parts, tag.OuterHTML)
		}
		return strings.Join(parts, "\n"), nil
	}
}
