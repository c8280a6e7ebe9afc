package chrome

import "time"

// NavigateOptions tunes SetURL and Reload.
type NavigateOptions struct {
	Referrer string
	// Timeout bounds navigation plus the load event. Zero uses the session
	// default.
	Timeout     time.Duration
	IgnoreCache bool
}

// NavigateResult describes a navigation. Loaded is false when the load
// event did not arrive in time and loading was stopped.
type NavigateResult struct {
	FrameID   string `json:"frameId"`
	LoaderID  string `json:"loaderId,omitempty"`
	URL       string `json:"url"`
	ErrorText string `json:"errorText,omitempty"`
	Loaded    bool   `json:"loaded"`
}

// Tag is one element serialized by QuerySelectorAll. The zero Tag stands
// for "no such element".
type Tag struct {
	TagName     string            `json:"tagName"`
	InnerHTML   string            `json:"innerHTML"`
	OuterHTML   string            `json:"outerHTML"`
	TextContent string            `json:"textContent"`
	Attributes  map[string]string `json:"attributes"`
	// Result is the stringified return value of the action, if any.
	Result string `json:"result,omitempty"`
}

// Found reports whether the tag refers to a real element.
func (t Tag) Found() bool { return t.TagName != "" }

// Attr returns an attribute value, or "".
func (t Tag) Attr(name string) string { return t.Attributes[name] }

// Rect is the subset of DOMRect returned by GetBoundingClientRect.
type Rect struct {
	Left   float64 `json:"left"`
	Top    float64 `json:"top"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// ScreenshotOptions configures screenshot capture.
type ScreenshotOptions struct {
	Format  string // "png", "jpeg", "webp"
	Quality int    // 0-100, only for jpeg/webp
	// Scale of the clip used by ScreenshotElement. Zero means 1.
	Scale float64
}

// Cookie mirrors Network.Cookie. URL is only used when setting.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	URL      string  `json:"url,omitempty"`
	Domain   string  `json:"domain,omitempty"`
	Path     string  `json:"path,omitempty"`
	Expires  float64 `json:"expires,omitempty"`
	HTTPOnly bool    `json:"httpOnly,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
	SameSite string  `json:"sameSite,omitempty"`
}

// ConsoleMessage represents a console message from the page.
type ConsoleMessage struct {
	Type string `json:"type"` // "log", "warn", "error", "info", "debug"
	Text string `json:"text"`
}

// KeyModifiers represents modifier keys held during a key press.
type KeyModifiers struct {
	Ctrl  bool
	Alt   bool
	Shift bool
	Meta  bool
}

// modifierBitmask returns the protocol modifier bitmask.
func (m KeyModifiers) modifierBitmask() int {
	mask := 0
	if m.Shift {
		mask |= 1
	}
	if m.Ctrl {
		mask |= 2
	}
	if m.Alt {
		mask |= 4
	}
	if m.Meta {
		mask |= 8
	}
	return mask
}

// DeviceInfo describes an emulated device.
type DeviceInfo struct {
	Name              string  `json:"name"`
	Width             int     `json:"width"`
	Height            int     `json:"height"`
	DeviceScaleFactor float64 `json:"deviceScaleFactor"`
	Mobile            bool    `json:"mobile"`
	UserAgent         string  `json:"userAgent"`
}

// CommonDevices is a map of common device names to their configurations.
var CommonDevices = map[string]DeviceInfo{
	"iPhone 12": {
		Name:              "iPhone 12",
		Width:             390,
		Height:            844,
		DeviceScaleFactor: 3,
		Mobile:            true,
		UserAgent:         "Mozilla/5.0 (iPhone; CPU iPhone OS 14_4 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/14.0.3 Mobile/15E148 Safari/604.1",
	},
	"Pixel 5": {
		Name:              "Pixel 5",
		Width:             393,
		Height:            851,
		DeviceScaleFactor: 2.75,
		Mobile:            true,
		UserAgent:         "Mozilla/5.0 (Linux; Android 11; Pixel 5) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/90.0.4430.91 Mobile Safari/537.36",
	},
	"iPad": {
		Name:              "iPad",
		Width:             768,
		Height:            1024,
		DeviceScaleFactor: 2,
		Mobile:            true,
		UserAgent:         "Mozilla/5.0 (iPad; CPU OS 14_4 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/14.0.3 Mobile/15E148 Safari/604.1",
	},
	"Desktop 1080p": {
		Name:              "Desktop 1080p",
		Width:             1920,
		Height:            1080,
		DeviceScaleFactor: 1,
		Mobile:            false,
		UserAgent:         "",
	},
}
