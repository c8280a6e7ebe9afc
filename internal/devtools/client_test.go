package devtools

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomyan/chromepool/internal/testutil"
)

func newFakeClient(t *testing.T) (*Client, *testutil.FakeBrowser) {
	t.Helper()
	fb := testutil.NewFakeBrowser()
	t.Cleanup(fb.Close)
	return New(fb.Host(), fb.Port()), fb
}

func TestListTabs_FiltersPages(t *testing.T) {
	t.Parallel()

	// Given a browser with a page and a service worker
	c, fb := newFakeClient(t)
	fb.AddTab("https://example.com/").Type = "service_worker"

	// When
	pages, err := c.ListTabs(context.Background(), false)
	require.NoError(t, err)
	all, err := c.ListTabs(context.Background(), true)
	require.NoError(t, err)

	// Then
	require.Len(t, pages, 1)
	assert.Equal(t, "about:blank", pages[0].URL)
	assert.Contains(t, pages[0].WebSocketDebuggerURL, "/devtools/page/"+pages[0].ID)
	assert.Len(t, all, 2)
}

func TestVersion(t *testing.T) {
	t.Parallel()
	c, _ := newFakeClient(t)

	v, err := c.Version(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1.3", v.ProtocolVersion)
	assert.Contains(t, v.Browser, "Chrome")
}

func TestNewTab_ActivateAndClose(t *testing.T) {
	t.Parallel()
	c, fb := newFakeClient(t)
	ctx := context.Background()

	tab, err := c.NewTab(ctx, "https://example.com/?a=1&b=2")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/?a=1&b=2", tab.URL)
	assert.Equal(t, 2, fb.OpenPages())

	require.NoError(t, c.Activate(ctx, tab.ID))
	require.NoError(t, c.Close(ctx, tab.ID))
	assert.Equal(t, 1, fb.OpenPages())

	err = c.Close(ctx, tab.ID)
	assert.ErrorIs(t, err, ErrUnexpectedStatus)
}

func TestNewTab_FallsBackToGet(t *testing.T) {
	t.Parallel()

	var methods []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		methods = append(methods, r.Method)
		if r.Method == http.MethodPut {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		_, _ = w.Write([]byte(`{"id":"T1","type":"page","url":"about:blank","webSocketDebuggerUrl":"ws://x/devtools/page/T1"}`))
	}))
	defer srv.Close()

	c := New("127.0.0.1", 0)
	c.base = srv.URL

	tab, err := c.NewTab(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "T1", tab.ID)
	assert.Equal(t, []string{http.MethodPut, http.MethodGet}, methods)
}

func TestActivate_RejectsUnexpectedBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("Target moved"))
	}))
	defer srv.Close()
	c := New("127.0.0.1", 0)
	c.base = srv.URL

	assert.ErrorIs(t, c.Activate(context.Background(), "X"), ErrUnexpectedBody)
}

func TestGet_RetriesOnceOnTransportFailure(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			// Drop the first connection without a response.
			hj, ok := w.(http.Hijacker)
			require.True(t, ok)
			conn, _, err := hj.Hijack()
			require.NoError(t, err)
			conn.Close()
			return
		}
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()
	c := New("127.0.0.1", 0)
	c.base = srv.URL

	tabs, err := c.ListTabs(context.Background(), false)
	require.NoError(t, err)
	assert.Empty(t, tabs)
	assert.Equal(t, int32(2), hits.Load())
}

func TestPing_FailsWhenNothingListens(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()
	c := New("127.0.0.1", 0)
	c.base = addr

	assert.Error(t, c.Ping(context.Background()))
}
