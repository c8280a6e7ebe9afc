package chrome

import (
	"context"
	"fmt"
)

// SetCookie sets a cookie. Either URL or Domain must be given.
func (t *Tab) SetCookie(ctx context.Context, cookie Cookie) error {
	if cookie.URL == "" && cookie.Domain == "" {
		return fmt.Errorf("cookie %q needs a url or a domain", cookie.Name)
	}
	var resp struct {
		Success *bool `json:"success"`
	}
	if err := t.call(ctx, "Network.setCookie", cookie, &resp); err != nil {
		return fmt.Errorf("setting cookie: %w", err)
	}
	if resp.Success != nil && !*resp.Success {
		return fmt.Errorf("browser rejected cookie %q", cookie.Name)
	}
	return nil
}

// GetCookies returns the cookies visible to urls, or to the current page
// when none are given.
func (t *Tab) GetCookies(ctx context.Context, urls ...string) ([]Cookie, error) {
	var params map[string]interface{}
	if len(urls) > 0 {
		params = map[string]interface{}{"urls": urls}
	}
	var resp struct {
		Cookies []Cookie `json:"cookies"`
	}
	if err := t.call(ctx, "Network.getCookies", params, &resp); err != nil {
		return nil, fmt.Errorf("getting cookies: %w", err)
	}
	return resp.Cookies, nil
}

// GetAllCookies returns every cookie in the browser.
func (t *Tab) GetAllCookies(ctx context.Context) ([]Cookie, error) {
	var resp struct {
		Cookies []Cookie `json:"cookies"`
	}
	if err := t.call(ctx, "Network.getAllCookies", nil, &resp); err != nil {
		return nil, fmt.Errorf("getting all cookies: %w", err)
	}
	return resp.Cookies, nil
}

// DeleteCookies deletes cookies named name, scoped by url or by the
// domain and path of scope.
func (t *Tab) DeleteCookies(ctx context.Context, name string, scope Cookie) error {
	params := map[string]interface{}{"name": name}
	if scope.URL != "" {
		params["url"] = scope.URL
	}
	if scope.Domain != "" {
		params["domain"] = scope.Domain
	}
	if scope.Path != "" {
		params["path"] = scope.Path
	}
	if _, err := t.Send(ctx, "Network.deleteCookies", params); err != nil {
		return fmt.Errorf("deleting cookie %q: %w", name, err)
	}
	return nil
}

// ClearBrowserCookies removes every cookie in the browser.
func (t *Tab) ClearBrowserCookies(ctx context.Context) error {
	if _, err := t.Send(ctx, "Network.clearBrowserCookies", nil); err != nil {
		return fmt.Errorf("clearing cookies: %w", err)
	}
	return nil
}
