package chrome

import (
	"context"
	"fmt"
)

// SetUA overrides the user agent for this tab.
func (t *Tab) SetUA(ctx context.Context, userAgent string) error {
	_, err := t.Send(ctx, "Network.setUserAgentOverride", map[string]interface{}{"userAgent": userAgent})
	if err != nil {
		return fmt.Errorf("setting user agent: %w", err)
	}
	return nil
}

// SetHeaders sends headers with every request from this tab.
func (t *Tab) SetHeaders(ctx context.Context, headers map[string]string) error {
	if err := t.enable(ctx, "Network"); err != nil {
		return err
	}
	_, err := t.Send(ctx, "Network.setExtraHTTPHeaders", map[string]interface{}{"headers": headers})
	if err != nil {
		return fmt.Errorf("setting extra headers: %w", err)
	}
	return nil
}

// SetViewport overrides the viewport size.
func (t *Tab) SetViewport(ctx context.Context, width, height int) error {
	_, err := t.Send(ctx, "Emulation.setDeviceMetricsOverride", map[string]interface{}{
		"width":             width,
		"height":            height,
		"deviceScaleFactor": 1,
		"mobile":            false,
	})
	if err != nil {
		return fmt.Errorf("setting viewport: %w", err)
	}
	return nil
}

// Emulate applies a device's metrics and, when set, its user agent.
func (t *Tab) Emulate(ctx context.Context, device DeviceInfo) error {
	_, err := t.Send(ctx, "Emulation.setDeviceMetricsOverride", map[string]interface{}{
		"width":             device.Width,
		"height":            device.Height,
		"deviceScaleFactor": device.DeviceScaleFactor,
		"mobile":            device.Mobile,
	})
	if err != nil {
		return fmt.Errorf("setting device metrics: %w", err)
	}
	if device.UserAgent == "" {
		return nil
	}
	_, err = t.Send(ctx, "Emulation.setUserAgentOverride", map[string]interface{}{
		"userAgent": device.UserAgent,
	})
	if err != nil {
		return fmt.Errorf("setting user agent: %w", err)
	}
	return nil
}

// HandleDialog accepts or dismisses the open JavaScript dialog. promptText
// answers a prompt() and is ignored otherwise.
func (t *Tab) HandleDialog(ctx context.Context, accept bool, promptText string) error {
	if err := t.enable(ctx, "Page"); err != nil {
		return err
	}
	params := map[string]interface{}{"accept": accept}
	if promptText != "" {
		params["promptText"] = promptText
	}
	if _, err := t.Send(ctx, "Page.handleJavaScriptDialog", params); err != nil {
		return fmt.Errorf("handling dialog: %w", err)
	}
	return nil
}
