package chrome

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// JSError is a script exception reported by Runtime.evaluate.
type JSError struct {
	Text   string
	Line   int
	Column int
}

func (e *JSError) Error() string {
	return fmt.Sprintf("javascript exception at %d:%d: %s", e.Line, e.Column, e.Text)
}

// JS evaluates expression and returns the complete Runtime.evaluate result,
// including any exceptionDetails.
func (t *Tab) JS(ctx context.Context, expression string) (json.RawMessage, error) {
	raw, err := t.Send(ctx, "Runtime.evaluate", map[string]interface{}{
		"expression":    expression,
		"returnByValue": true,
		"awaitPromise":  true,
	})
	if err != nil {
		return nil, fmt.Errorf("evaluating script: %w", err)
	}
	return raw, nil
}

// JSValue evaluates expression and returns result.value. Script exceptions
// come back as *JSError.
func (t *Tab) JSValue(ctx context.Context, expression string) (gjson.Result, error) {
	raw, err := t.JS(ctx, expression)
	if err != nil {
		return gjson.Result{}, err
	}
	res := gjson.ParseBytes(raw)
	if exc := res.Get("exceptionDetails"); exc.Exists() {
		text := exc.Get("exception.description").String()
		if text == "" {
			text = exc.Get("text").String()
		}
		return gjson.Result{}, &JSError{
			Text:   text,
			Line:   int(exc.Get("lineNumber").Int()),
			Column: int(exc.Get("columnNumber").Int()),
		}
	}
	return res.Get("result.value"), nil
}

// JSCode runs body inside a function so it may use return.
func (t *Tab) JSCode(ctx context.Context, body string) (gjson.Result, error) {
	return t.JSValue(ctx, "(function(){"+body+"})()")
}

// GetVariable reads a global by path, e.g. "window.config.items". With
// jsonify the value is round-tripped through JSON.stringify so nested
// objects are fully materialized.
func (t *Tab) GetVariable(ctx context.Context, path string, jsonify bool) (gjson.Result, error) {
	if !jsonify {
		return t.JSValue(ctx, path)
	}
	v, err := t.JSValue(ctx, "JSON.stringify("+path+")")
	if err != nil {
		return gjson.Result{}, err
	}
	if v.Type != gjson.String {
		return gjson.Result{}, nil
	}
	return gjson.Parse(v.String()), nil
}

// HTML returns document.documentElement.outerHTML.
func (t *Tab) HTML(ctx context.Context) (string, error) {
	v, err := t.JSValue(ctx, "document.documentElement.outerHTML")
	if err != nil {
		return "", err
	}
	return v.String(), nil
}

// CurrentHTML is HTML that returns "" on any failure.
func (t *Tab) CurrentHTML(ctx context.Context) string {
	html, err := t.HTML(ctx)
	if err != nil {
		t.logger.Debug("reading page HTML", zap.Error(err))
		return ""
	}
	return html
}

// SetHTML replaces the document's outer HTML.
func (t *Tab) SetHTML(ctx context.Context, html string) error {
	quoted, err := wire.MarshalToString(html)
	if err != nil {
		return err
	}
	_, err = t.JSValue(ctx, "document.documentElement.outerHTML = "+quoted)
	return err
}

// Findall matches pattern against the current HTML. Without capture groups
// it returns whole matches, otherwise the first group of each match.
func (t *Tab) Findall(ctx context.Context, pattern string) ([]string, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compiling pattern: %w", err)
	}
	return findall(re, t.CurrentHTML(ctx)), nil
}

// Findone is the first Findall match, or "".
func (t *Tab) Findone(ctx context.Context, pattern string) (string, error) {
	all, err := t.Findall(ctx, pattern)
	if err != nil || len(all) == 0 {
		return "", err
	}
	return all[0], nil
}

func findall(re *regexp.Regexp, s string) []string {
	matches := re.FindAllStringSubmatch(s, -1)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		if len(m) > 1 {
			out = append(out, m[1])
		} else {
			out = append(out, m[0])
		}
	}
	return out
}

// Screenshot captures the viewport and returns the image base64 encoded.
func (t *Tab) Screenshot(ctx context.Context, opts ScreenshotOptions) (string, error) {
	return t.capture(ctx, screenshotParams(opts))
}

// ScreenshotElement measures the first element matching css and captures
// just that clip. An absent element is an error.
func (t *Tab) ScreenshotElement(ctx context.Context, css string, opts ScreenshotOptions) (string, error) {
	rect, err := t.GetBoundingClientRect(ctx, css)
	if err != nil {
		return "", err
	}
	if rect == nil {
		return "", fmt.Errorf("no element matches %q", css)
	}
	scale := opts.Scale
	if scale <= 0 {
		scale = 1
	}
	params := screenshotParams(opts)
	params["clip"] = map[string]interface{}{
		"x":      rect.Left,
		"y":      rect.Top,
		"width":  rect.Width,
		"height": rect.Height,
		"scale":  scale,
	}
	return t.capture(ctx, params)
}

func screenshotParams(opts ScreenshotOptions) map[string]interface{} {
	params := map[string]interface{}{}
	if opts.Format != "" {
		params["format"] = opts.Format
	}
	if opts.Quality > 0 && (opts.Format == "jpeg" || opts.Format == "webp") {
		params["quality"] = opts.Quality
	}
	return params
}

func (t *Tab) capture(ctx context.Context, params map[string]interface{}) (string, error) {
	var resp struct {
		Data string `json:"data"`
	}
	if err := t.call(ctx, "Page.captureScreenshot", params, &resp); err != nil {
		return "", fmt.Errorf("capturing screenshot: %w", err)
	}
	return resp.Data, nil
}

// DecodeScreenshot turns a Screenshot result into image bytes.
func DecodeScreenshot(data string) ([]byte, error) {
	img, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("decoding screenshot data: %w", err)
	}
	return img, nil
}

// InjectJSURL fetches a script over HTTP and evaluates its text in the page.
func (t *Tab) InjectJSURL(ctx context.Context, scriptURL string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, scriptURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", scriptURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching %s: status %d", scriptURL, resp.StatusCode)
	}
	src, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", scriptURL, err)
	}
	return t.JS(ctx, string(src))
}

// AddJSOnload registers source to run in every new document and returns
// its identifier.
func (t *Tab) AddJSOnload(ctx context.Context, source string) (string, error) {
	var resp struct {
		Identifier string `json:"identifier"`
	}
	err := t.call(ctx, "Page.addScriptToEvaluateOnNewDocument", map[string]interface{}{"source": source}, &resp)
	if err != nil {
		return "", fmt.Errorf("adding onload script: %w", err)
	}
	return resp.Identifier, nil
}

// RemoveJSOnload unregisters a script added by AddJSOnload.
func (t *Tab) RemoveJSOnload(ctx context.Context, identifier string) error {
	_, err := t.Send(ctx, "Page.removeScriptToEvaluateOnNewDocument", map[string]interface{}{"identifier": identifier})
	if err != nil {
		return fmt.Errorf("removing onload script: %w", err)
	}
	return nil
}

// ClearBrowserCache issues Network.clearBrowserCache.
func (t *Tab) ClearBrowserCache(ctx context.Context) error {
	_, err := t.Send(ctx, "Network.clearBrowserCache", nil)
	return err
}
