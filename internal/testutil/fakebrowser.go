package testutil

import (
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/tidwall/gjson"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// FakeScreenshot is the PNG payload served by Page.captureScreenshot.
var FakeScreenshot = []byte("\x89PNG\r\n\x1a\nfake")

// ErrorResponse is returned by a Handler to answer with a protocol error.
type ErrorResponse struct {
	Code    int
	Message string
}

func (e *ErrorResponse) Error() string { return fmt.Sprintf("%d: %s", e.Code, e.Message) }

// Handler answers one CDP method. A non-nil error becomes the error member
// of the response; *ErrorResponse controls code and message.
type Handler func(tab *FakeTab, params gjson.Result) (interface{}, error)

// FakeBrowser serves the DevTools HTTP surface and per-tab CDP WebSockets
// from an httptest server.
type FakeBrowser struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	tabs     []*FakeTab
	handlers map[string]Handler
	calls    map[string]int
	cookies  []map[string]interface{}
	nextTab  int
	peakOpen int
	// loadDelay postpones Page.loadEventFired after navigation. A negative
	// value suppresses the event.
	loadDelay time.Duration

	wg     sync.WaitGroup
	closed chan struct{}
	once   sync.Once
}

// FakeTab is one page target of a FakeBrowser.
type FakeTab struct {
	ID    string
	Type  string
	fb    *FakeBrowser
	mu    sync.Mutex
	url   string
	title string
	conn  *websocket.Conn
	wmu   sync.Mutex
}

// NewFakeBrowser starts a fake browser with one blank page open.
func NewFakeBrowser() *FakeBrowser {
	fb, err := NewFakeBrowserAt("127.0.0.1:0")
	if err != nil {
		panic(fmt.Sprintf("fakebrowser: %v", err))
	}
	return fb
}

// NewFakeBrowserAt is NewFakeBrowser listening on addr.
func NewFakeBrowserAt(addr string) (*FakeBrowser, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	fb := &FakeBrowser{
		handlers: make(map[string]Handler),
		calls:    make(map[string]int),
		closed:   make(chan struct{}),
	}
	fb.installDefaults()

	mux := http.NewServeMux()
	mux.HandleFunc("/json", fb.handleList)
	mux.HandleFunc("/json/list", fb.handleList)
	mux.HandleFunc("/json/version", fb.handleVersion)
	mux.HandleFunc("/json/new", fb.handleNew)
	mux.HandleFunc("/json/activate/", fb.handleActivate)
	mux.HandleFunc("/json/close/", fb.handleClose)
	mux.HandleFunc("/devtools/page/", fb.handleWebSocket)
	fb.server = httptest.NewUnstartedServer(mux)
	fb.server.Listener.Close()
	fb.server.Listener = ln
	fb.server.Start()

	fb.AddTab("about:blank")
	return fb, nil
}

// Close shuts down the server and all tab sockets.
func (fb *FakeBrowser) Close() {
	fb.once.Do(func() { close(fb.closed) })
	fb.mu.Lock()
	tabs := append([]*FakeTab(nil), fb.tabs...)
	fb.mu.Unlock()
	for _, t := range tabs {
		t.Drop()
	}
	fb.server.CloseClientConnections()
	fb.server.Close()
	fb.wg.Wait()
}

// URL is the HTTP base URL.
func (fb *FakeBrowser) URL() string { return fb.server.URL }

// Host returns the listener host.
func (fb *FakeBrowser) Host() string {
	host, _, _ := net.SplitHostPort(fb.server.Listener.Addr().String())
	return host
}

// Port returns the listener port.
func (fb *FakeBrowser) Port() int {
	_, port, _ := net.SplitHostPort(fb.server.Listener.Addr().String())
	n, _ := strconv.Atoi(port)
	return n
}

// Handle replaces the handler for method.
func (fb *FakeBrowser) Handle(method string, h Handler) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.handlers[method] = h
}

// SetLoadDelay changes when Page.loadEventFired follows a navigation.
func (fb *FakeBrowser) SetLoadDelay(d time.Duration) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.loadDelay = d
}

// Calls returns how many times method was received across all tabs.
func (fb *FakeBrowser) Calls(method string) int {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return fb.calls[method]
}

// AddTab opens a page target without going through /json/new.
func (fb *FakeBrowser) AddTab(pageURL string) *FakeTab {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.nextTab++
	t := &FakeTab{
		ID:   fmt.Sprintf("FAKE%04d", fb.nextTab),
		Type: "page",
		fb:   fb,
		url:  pageURL,
	}
	fb.tabs = append(fb.tabs, t)
	if n := fb.countPages(); n > fb.peakOpen {
		fb.peakOpen = n
	}
	return t
}

// Tab looks up a target by id.
func (fb *FakeBrowser) Tab(id string) *FakeTab {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	for _, t := range fb.tabs {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// Tabs returns the open targets in creation order.
func (fb *FakeBrowser) Tabs() []*FakeTab {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return append([]*FakeTab(nil), fb.tabs...)
}

// OpenPages is the number of open page targets.
func (fb *FakeBrowser) OpenPages() int {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return fb.countPages()
}

// PeakPages is the highest number of page targets open at once.
func (fb *FakeBrowser) PeakPages() int {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return fb.peakOpen
}

func (fb *FakeBrowser) countPages() int {
	n := 0
	for _, t := range fb.tabs {
		if t.Type == "page" {
			n++
		}
	}
	return n
}

func (fb *FakeBrowser) removeTab(id string) bool {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	for i, t := range fb.tabs {
		if t.ID == id {
			fb.tabs = append(fb.tabs[:i], fb.tabs[i+1:]...)
			return true
		}
	}
	return false
}

func (fb *FakeBrowser) wsURL(id string) string {
	return "ws://" + fb.server.Listener.Addr().String() + "/devtools/page/" + id
}

func (fb *FakeBrowser) descriptor(t *FakeTab) map[string]interface{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return map[string]interface{}{
		"id":                   t.ID,
		"type":                 t.Type,
		"title":                t.title,
		"url":                  t.url,
		"webSocketDebuggerUrl": fb.wsURL(t.ID),
		"devtoolsFrontendUrl":  "/devtools/inspector.html?ws=" + strings.TrimPrefix(fb.wsURL(t.ID), "ws://"),
	}
}

func (fb *FakeBrowser) handleList(w http.ResponseWriter, r *http.Request) {
	out := make([]map[string]interface{}, 0)
	for _, t := range fb.Tabs() {
		out = append(out, fb.descriptor(t))
	}
	writeJSON(w, out)
}

func (fb *FakeBrowser) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{
		"Browser":              "HeadlessChrome/120.0.6099.109",
		"Protocol-Version":     "1.3",
		"User-Agent":           "Mozilla/5.0 HeadlessChrome/120.0.6099.109",
		"V8-Version":           "12.0.267.8",
		"WebKit-Version":       "537.36",
		"webSocketDebuggerUrl": "ws://" + fb.server.Listener.Addr().String() + "/devtools/browser/fake",
	})
}

func (fb *FakeBrowser) handleNew(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, "Using unsafe HTTP verb GET to invoke /json/new. This action supports only PUT verb.", http.StatusMethodNotAllowed)
		return
	}
	target := "about:blank"
	if raw := r.URL.RawQuery; raw != "" {
		if u, err := url.QueryUnescape(raw); err == nil {
			target = u
		}
	}
	t := fb.AddTab(target)
	writeJSON(w, fb.descriptor(t))
}

func (fb *FakeBrowser) handleActivate(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/json/activate/")
	if fb.Tab(id) == nil {
		http.Error(w, "No such target id: "+id, http.StatusNotFound)
		return
	}
	_, _ = w.Write([]byte("Target activated"))
}

func (fb *FakeBrowser) handleClose(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/json/close/")
	t := fb.Tab(id)
	if t == nil {
		http.Error(w, "No such target id: "+id, http.StatusNotFound)
		return
	}
	fb.removeTab(id)
	t.Drop()
	_, _ = w.Write([]byte("Target is closing"))
}

func (fb *FakeBrowser) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/devtools/page/")
	t := fb.Tab(id)
	if t == nil {
		http.NotFound(w, r)
		return
	}
	conn, err := fb.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
	t.serve(conn)
}

func (t *FakeTab) serve(conn *websocket.Conn) {
	defer conn.Close()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		id := gjson.GetBytes(data, "id").Int()
		method := gjson.GetBytes(data, "method").String()
		params := gjson.GetBytes(data, "params")

		t.fb.mu.Lock()
		t.fb.calls[method]++
		h := t.fb.handlers[method]
		t.fb.mu.Unlock()

		resp := map[string]interface{}{"id": id}
		if h == nil {
			resp["error"] = map[string]interface{}{"code": -32601, "message": fmt.Sprintf("'%s' wasn't found", method)}
		} else if result, err := h(t, params); err != nil {
			code := -32000
			msg := err.Error()
			if er, ok := err.(*ErrorResponse); ok {
				code, msg = er.Code, er.Message
			}
			resp["error"] = map[string]interface{}{"code": code, "message": msg}
		} else {
			if result == nil {
				result = map[string]interface{}{}
			}
			resp["result"] = result
		}
		if err := t.write(resp); err != nil {
			return
		}
	}
}

func (t *FakeTab) write(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	t.wmu.Lock()
	defer t.wmu.Unlock()
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return websocket.ErrCloseSent
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Emit pushes an event to the tab's connected session.
func (t *FakeTab) Emit(method string, params interface{}) error {
	if params == nil {
		params = map[string]interface{}{}
	}
	return t.write(map[string]interface{}{"method": method, "params": params})
}

// EmitRaw writes a frame verbatim.
func (t *FakeTab) EmitRaw(frame string) error {
	t.wmu.Lock()
	defer t.wmu.Unlock()
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return websocket.ErrCloseSent
	}
	return conn.WriteMessage(websocket.TextMessage, []byte(frame))
}

// Drop closes the tab's socket without a close handshake.
func (t *FakeTab) Drop() {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// Connected reports whether a session is attached.
func (t *FakeTab) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

// URL is the page's current URL.
func (t *FakeTab) URL() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.url
}

// SetTitle changes what document.title evaluates to by default.
func (t *FakeTab) SetTitle(title string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.title = title
}

func (t *FakeTab) navigate(u string) {
	t.mu.Lock()
	t.url = u
	t.mu.Unlock()

	t.fb.mu.Lock()
	delay := t.fb.loadDelay
	t.fb.mu.Unlock()
	if delay < 0 {
		return
	}
	t.fb.wg.Add(1)
	go func() {
		defer t.fb.wg.Done()
		select {
		case <-time.After(delay):
		case <-t.fb.closed:
			return
		}
		_ = t.Emit("Page.frameNavigated", map[string]interface{}{"frame": map[string]interface{}{"id": "frame-" + t.ID, "url": u}})
		_ = t.Emit("Page.loadEventFired", map[string]interface{}{"timestamp": float64(time.Now().UnixNano()) / 1e9})
	}()
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	_ = json.NewEncoder(w).Encode(v)
}

// EvalResult builds a Runtime.evaluate result carrying value by value.
func EvalResult(value interface{}) map[string]interface{} {
	typ := "object"
	switch value.(type) {
	case string:
		typ = "string"
	case bool:
		typ = "boolean"
	case int, int64, float64:
		typ = "number"
	case nil:
		typ = "undefined"
	}
	return map[string]interface{}{"result": map[string]interface{}{"type": typ, "value": value}}
}

func (fb *FakeBrowser) installDefaults() {
	empty := func(*FakeTab, gjson.Result) (interface{}, error) { return nil, nil }
	for _, m := range []string{
		"Page.enable", "Network.enable", "Runtime.enable", "DOM.enable", "Inspector.enable",
		"Page.stopLoading", "Page.handleJavaScriptDialog", "Page.bringToFront",
		"Network.setUserAgentOverride", "Network.setExtraHTTPHeaders", "Network.clearBrowserCache",
		"Input.dispatchMouseEvent", "Input.dispatchKeyEvent", "Input.insertText",
		"Emulation.setDeviceMetricsOverride", "Emulation.clearDeviceMetricsOverride",
		"Emulation.setUserAgentOverride", "Emulation.setTouchEmulationEnabled",
		"Page.removeScriptToEvaluateOnNewDocument",
	} {
		fb.handlers[m] = empty
	}

	fb.handlers["Page.navigate"] = func(t *FakeTab, p gjson.Result) (interface{}, error) {
		t.navigate(p.Get("url").String())
		return map[string]interface{}{"frameId": "frame-" + t.ID, "loaderId": "loader"}, nil
	}
	fb.handlers["Page.reload"] = func(t *FakeTab, p gjson.Result) (interface{}, error) {
		t.navigate(t.URL())
		return nil, nil
	}
	fb.handlers["Page.close"] = func(t *FakeTab, p gjson.Result) (interface{}, error) {
		fb.removeTab(t.ID)
		return nil, nil
	}
	fb.handlers["Page.captureScreenshot"] = func(t *FakeTab, p gjson.Result) (interface{}, error) {
		return map[string]interface{}{"data": base64.StdEncoding.EncodeToString(FakeScreenshot)}, nil
	}
	var scriptSeq int
	fb.handlers["Page.addScriptToEvaluateOnNewDocument"] = func(t *FakeTab, p gjson.Result) (interface{}, error) {
		fb.mu.Lock()
		scriptSeq++
		id := strconv.Itoa(scriptSeq)
		fb.mu.Unlock()
		return map[string]interface{}{"identifier": id}, nil
	}
	fb.handlers["Runtime.evaluate"] = func(t *FakeTab, p gjson.Result) (interface{}, error) {
		expr := p.Get("expression").String()
		switch {
		case expr == "document.title":
			t.mu.Lock()
			defer t.mu.Unlock()
			return EvalResult(t.title), nil
		case expr == "location.href" || expr == "window.location.href":
			return EvalResult(t.URL()), nil
		}
		return EvalResult(nil), nil
	}
	fb.handlers["Network.getResponseBody"] = func(t *FakeTab, p gjson.Result) (interface{}, error) {
		return map[string]interface{}{"body": "body of " + p.Get("requestId").String(), "base64Encoded": false}, nil
	}

	fb.handlers["Network.setCookie"] = func(t *FakeTab, p gjson.Result) (interface{}, error) {
		c := map[string]interface{}{
			"name":   p.Get("name").String(),
			"value":  p.Get("value").String(),
			"domain": cookieDomain(p),
			"path":   "/",
		}
		if path := p.Get("path").String(); path != "" {
			c["path"] = path
		}
		fb.mu.Lock()
		defer fb.mu.Unlock()
		fb.dropCookie(c["name"].(string), c["domain"].(string))
		fb.cookies = append(fb.cookies, c)
		return map[string]interface{}{"success": true}, nil
	}
	fb.handlers["Network.getCookies"] = func(t *FakeTab, p gjson.Result) (interface{}, error) {
		domains := map[string]bool{}
		for _, u := range p.Get("urls").Array() {
			if parsed, err := url.Parse(u.String()); err == nil {
				domains[parsed.Hostname()] = true
			}
		}
		fb.mu.Lock()
		defer fb.mu.Unlock()
		out := make([]map[string]interface{}, 0)
		for _, c := range fb.cookies {
			if len(domains) == 0 || domains[c["domain"].(string)] {
				out = append(out, c)
			}
		}
		return map[string]interface{}{"cookies": out}, nil
	}
	fb.handlers["Network.getAllCookies"] = func(t *FakeTab, p gjson.Result) (interface{}, error) {
		fb.mu.Lock()
		defer fb.mu.Unlock()
		out := append([]map[string]interface{}{}, fb.cookies...)
		return map[string]interface{}{"cookies": out}, nil
	}
	fb.handlers["Network.deleteCookies"] = func(t *FakeTab, p gjson.Result) (interface{}, error) {
		fb.mu.Lock()
		defer fb.mu.Unlock()
		fb.dropCookie(p.Get("name").String(), cookieDomain(p))
		return nil, nil
	}
	fb.handlers["Network.clearBrowserCookies"] = func(t *FakeTab, p gjson.Result) (interface{}, error) {
		fb.mu.Lock()
		defer fb.mu.Unlock()
		fb.cookies = nil
		return nil, nil
	}
}

func (fb *FakeBrowser) dropCookie(name, domain string) {
	kept := fb.cookies[:0]
	for _, c := range fb.cookies {
		if c["name"] == name && (domain == "" || c["domain"] == domain) {
			continue
		}
		kept = append(kept, c)
	}
	fb.cookies = kept
}

func cookieDomain(p gjson.Result) string {
	if d := p.Get("domain").String(); d != "" {
		return d
	}
	if u, err := url.Parse(p.Get("url").String()); err == nil {
		return u.Hostname()
	}
	return ""
}
