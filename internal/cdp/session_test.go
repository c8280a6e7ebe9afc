package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var errPipeClosed = errors.New("pipe closed")

// pipeTransport is an in-memory Transport. The test plays the browser side
// through in (frames to the session) and out (frames from the session).
type pipeTransport struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once
}

func newPipe() *pipeTransport {
	return &pipeTransport{
		in:     make(chan []byte, 64),
		out:    make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (p *pipeTransport) ReadMessage() ([]byte, error) {
	select {
	case data := <-p.in:
		return data, nil
	case <-p.closed:
		return nil, io.EOF
	}
}

func (p *pipeTransport) WriteMessage(ctx context.Context, data []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.closed:
		return errPipeClosed
	case p.out <- data:
		return nil
	}
}

func (p *pipeTransport) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

// next returns the next request the session wrote.
func (p *pipeTransport) next(t *testing.T) request {
	t.Helper()
	select {
	case data := <-p.out:
		var req request
		require.NoError(t, json.Unmarshal(data, &req))
		return req
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for request")
		return request{}
	}
}

func (p *pipeTransport) reply(id int64, result string) {
	p.in <- []byte(`{"id":` + itoa(id) + `,"result":` + result + `}`)
}

func (p *pipeTransport) emit(method, params string) {
	p.in <- []byte(`{"method":"` + method + `","params":` + params + `}`)
}

func itoa(n int64) string {
	data, _ := json.Marshal(n)
	return string(data)
}

func newTestSession(t *testing.T, opts ...Option) (*Session, *pipeTransport) {
	t.Helper()
	p := newPipe()
	s := NewSession(p, opts...)
	t.Cleanup(func() { _ = s.Close() })
	return s, p
}

func TestSendAssignsMonotonicIDs(t *testing.T) {
	t.Parallel()
	s, p := newTestSession(t)

	for want := int64(1); want <= 3; want++ {
		done := make(chan error, 1)
		go func() {
			_, err := s.Send(context.Background(), "Page.enable", nil)
			done <- err
		}()
		req := p.next(t)
		assert.Equal(t, want, req.ID)
		assert.Equal(t, "Page.enable", req.Method)
		p.reply(req.ID, `{}`)
		require.NoError(t, <-done)
	}
}

func TestSendCorrelatesOutOfOrderResponses(t *testing.T) {
	t.Parallel()
	s, p := newTestSession(t)

	type res struct {
		method string
		body   json.RawMessage
		err    error
	}
	results := make(chan res, 2)
	send := func(method string) {
		body, err := s.Send(context.Background(), method, map[string]interface{}{"x": 1})
		results <- res{method, body, err}
	}

	go send("Runtime.evaluate")
	first := p.next(t)
	go send("Page.navigate")
	second := p.next(t)

	// Given responses delivered in reverse order
	p.reply(second.ID, `{"who":"`+second.Method+`"}`)
	p.reply(first.ID, `{"who":"`+first.Method+`"}`)

	// Then each waiter receives its own response
	for i := 0; i < 2; i++ {
		r := <-results
		require.NoError(t, r.err)
		assert.JSONEq(t, `{"who":"`+r.method+`"}`, string(r.body))
	}
	assert.Equal(t, 0, s.Pending())
}

func TestSendSurfacesProtocolError(t *testing.T) {
	t.Parallel()
	s, p := newTestSession(t)

	done := make(chan error, 1)
	go func() {
		_, err := s.Send(context.Background(), "Nope.method", nil)
		done <- err
	}()
	req := p.next(t)
	p.in <- []byte(`{"id":` + itoa(req.ID) + `,"error":{"code":-32601,"message":"'Nope.method' wasn't found"}}`)

	err := <-done
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrProtocol))
	var perr *ProtocolError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, -32601, perr.Code)
	assert.Equal(t, "'Nope.method' wasn't found", perr.Message)
}

func TestSendTimeoutRemovesSlotAndDropsLateResponse(t *testing.T) {
	t.Parallel()
	s, p := newTestSession(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := s.Send(ctx, "Page.navigate", nil)
		done <- err
	}()
	req := p.next(t)

	err := <-done
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrOperationTimeout))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, 0, s.Pending())

	// A late response is dropped and the session keeps working.
	p.reply(req.ID, `{}`)
	go func() {
		_, err := s.Send(context.Background(), "Page.enable", nil)
		done <- err
	}()
	next := p.next(t)
	assert.Equal(t, req.ID+1, next.ID)
	p.reply(next.ID, `{}`)
	require.NoError(t, <-done)
}

func TestSendUsesSessionTimeoutWithoutDeadline(t *testing.T) {
	t.Parallel()
	s, p := newTestSession(t, WithTimeout(20*time.Millisecond))

	done := make(chan error, 1)
	go func() {
		_, err := s.Send(context.Background(), "Page.enable", nil)
		done <- err
	}()
	p.next(t)
	assert.ErrorIs(t, <-done, ErrOperationTimeout)
}

func TestSendCancellationRemovesSlot(t *testing.T) {
	t.Parallel()
	s, p := newTestSession(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := s.Send(ctx, "Page.enable", nil)
		done <- err
	}()
	p.next(t)
	cancel()

	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, 0, s.Pending())
}

func TestSendWithExpiredContextKeepsSession(t *testing.T) {
	t.Parallel()
	s, p := newTestSession(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	<-ctx.Done()

	_, err := s.Send(ctx, "Page.enable", nil)

	assert.ErrorIs(t, err, ErrOperationTimeout)
	assert.NoError(t, s.Err())
	assert.Equal(t, 0, s.Pending())

	done := make(chan error, 1)
	go func() {
		_, err := s.Send(context.Background(), "Page.enable", nil)
		done <- err
	}()
	req := p.next(t)
	assert.EqualValues(t, 1, req.ID)
	p.reply(req.ID, `{}`)
	require.NoError(t, <-done)
}

func TestTransportLossFailsEveryWaiter(t *testing.T) {
	t.Parallel()
	s, p := newTestSession(t)

	sendErr := make(chan error, 1)
	go func() {
		_, err := s.Send(context.Background(), "Page.navigate", nil)
		sendErr <- err
	}()
	p.next(t)

	w1 := s.Expect("Page.loadEventFired")
	w2 := s.ExpectMatch(Filter{Method: "Network.responseReceived"})

	// When the socket goes away
	require.NoError(t, p.Close())

	// Then every outstanding slot fails with ErrTransportLost
	assert.ErrorIs(t, <-sendErr, ErrTransportLost)
	_, err := w1.Wait(context.Background())
	assert.ErrorIs(t, err, ErrTransportLost)
	_, err = w2.Wait(context.Background())
	assert.ErrorIs(t, err, ErrTransportLost)

	<-s.Done()
	assert.ErrorIs(t, s.Err(), ErrTransportLost)
	assert.Equal(t, 0, s.Pending())
	assert.Equal(t, 0, s.Waiters())

	// And later operations fail fast
	_, err = s.Send(context.Background(), "Page.enable", nil)
	assert.ErrorIs(t, err, ErrTransportLost)
	_, err = s.WaitMethod(context.Background(), "Page.loadEventFired")
	assert.ErrorIs(t, err, ErrTransportLost)
}

func TestWaitMethodIsFirstComeFirstServed(t *testing.T) {
	t.Parallel()
	s, p := newTestSession(t)

	first := s.Expect("Page.loadEventFired")
	second := s.Expect("Page.loadEventFired")
	require.Equal(t, 2, s.Waiters())

	p.emit("Page.loadEventFired", `{"timestamp":1}`)
	ev, err := first.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, float64(1), ev.Get("timestamp").Float())
	assert.Equal(t, 1, s.Waiters())

	p.emit("Page.loadEventFired", `{"timestamp":2}`)
	ev, err = second.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, float64(2), ev.Get("timestamp").Float())
	assert.Equal(t, 0, s.Waiters())
}

func TestWaitMatchResolvesEveryWaiterWithSameKey(t *testing.T) {
	t.Parallel()
	s, p := newTestSession(t)

	f := Filter{Method: "Network.responseReceived", Fields: map[string]interface{}{
		"params.response.status": 200,
		"params.type":            "Document",
	}}
	a := s.ExpectMatch(f)
	b := s.ExpectMatch(Filter{Method: f.Method, Fields: map[string]interface{}{
		"params.type":            "Document",
		"params.response.status": 200,
	}})
	other := s.ExpectMatch(MatchFunc("Network.responseReceived", func(ev *Event) bool {
		return ev.Get("response.status").Int() == 404
	}))

	p.emit("Network.responseReceived", `{"type":"Image","response":{"status":200}}`)
	p.emit("Network.responseReceived", `{"type":"Document","response":{"status":200,"url":"http://x/"}}`)

	for _, w := range []*Waiter{a, b} {
		ev, err := w.Wait(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "http://x/", ev.Get("response.url").String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := other.Wait(ctx)
	assert.ErrorIs(t, err, ErrOperationTimeout)
	assert.Equal(t, 0, s.Waiters())
}

func TestWaiterCancelDropsLateEvent(t *testing.T) {
	t.Parallel()
	s, p := newTestSession(t)

	w := s.Expect("Page.loadEventFired")
	w.Cancel()
	assert.Equal(t, 0, s.Waiters())

	next := s.Expect("Page.loadEventFired")
	p.emit("Page.loadEventFired", `{}`)
	_, err := next.Wait(context.Background())
	require.NoError(t, err)
}

func TestRenderProcessGoneFailsSession(t *testing.T) {
	t.Parallel()
	s, p := newTestSession(t)

	w := s.Expect("Page.loadEventFired")
	p.emit("Inspector.detached", `{"reason":"Render process gone"}`)

	_, err := w.Wait(context.Background())
	assert.ErrorIs(t, err, ErrBrowserGone)
	<-s.Done()
	assert.True(t, IsTransient(s.Err()))
}

func TestMalformedFramesAreDropped(t *testing.T) {
	t.Parallel()
	s, p := newTestSession(t)

	w := s.Expect("Page.loadEventFired")
	p.in <- []byte(`{not json`)
	p.in <- []byte(`{"params":{}}`)
	p.emit("Page.loadEventFired", `{}`)

	_, err := w.Wait(context.Background())
	require.NoError(t, err)
	assert.NoError(t, s.Err())
}

func TestSubscribeStreamsUntilStopped(t *testing.T) {
	t.Parallel()
	s, p := newTestSession(t)

	events, stop := s.Subscribe("Runtime.consoleAPICalled")
	p.emit("Runtime.consoleAPICalled", `{"type":"log"}`)
	p.emit("Runtime.consoleAPICalled", `{"type":"error"}`)

	assert.Equal(t, "log", (<-events).Get("type").String())
	assert.Equal(t, "error", (<-events).Get("type").String())

	stop()
	stop()
	_, open := <-events
	assert.False(t, open)
}

func TestCloseIsIdempotentAndFailsWaiters(t *testing.T) {
	t.Parallel()
	s, _ := newTestSession(t)

	w := s.Expect("Page.loadEventFired")
	events, _ := s.Subscribe("Page.frameNavigated")

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err := w.Wait(context.Background())
	assert.ErrorIs(t, err, ErrSessionClosed)
	_, open := <-events
	assert.False(t, open)

	_, err = s.Send(context.Background(), "Page.enable", nil)
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestFilterKeyIsCanonical(t *testing.T) {
	t.Parallel()

	a := Filter{Method: "Page.frameNavigated", Fields: map[string]interface{}{"b": 1, "a": "x"}}
	b := Filter{Method: "Page.frameNavigated", Fields: map[string]interface{}{"a": "x", "b": 1}}
	c := Filter{Method: "Page.frameNavigated", Fields: map[string]interface{}{"a": "y", "b": 1}}

	assert.Equal(t, a.Key(), b.Key())
	assert.NotEqual(t, a.Key(), c.Key())
	assert.NotEqual(t, MatchFunc("", func(*Event) bool { return true }).Key(),
		MatchFunc("", func(*Event) bool { return true }).Key())
}

func TestFilterMatchesCompositeValues(t *testing.T) {
	t.Parallel()

	ev := &Event{
		Method: "Network.requestWillBeSent",
		Raw:    []byte(`{"method":"Network.requestWillBeSent","params":{"request":{"headers":{"A":"1"}},"flag":true}}`),
	}
	assert.True(t, Filter{Fields: map[string]interface{}{
		"params.request.headers": map[string]string{"A": "1"},
		"params.flag":            true,
	}}.Match(ev))
	assert.False(t, Filter{Fields: map[string]interface{}{"params.missing": nil}}.Match(ev))
	assert.False(t, Filter{Method: "Other"}.Match(ev))
}

// wsPeer serves one WebSocket per connection with serve. stop is closed when
// the test ends.
func wsPeer(t *testing.T, serve func(conn *websocket.Conn, stop <-chan struct{})) string {
	t.Helper()
	stop := make(chan struct{})
	var upgrader websocket.Upgrader
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		serve(conn, stop)
	}))
	t.Cleanup(func() {
		close(stop)
		srv.Close()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// answerAll replies with an empty result to every command it reads.
func answerAll(conn *websocket.Conn, _ <-chan struct{}) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		reply := `{"id":` + itoa(gjson.GetBytes(data, "id").Int()) + `,"result":{}}`
		if err := conn.WriteMessage(websocket.TextMessage, []byte(reply)); err != nil {
			return
		}
	}
}

func TestCloseDuringConcurrentSends(t *testing.T) {
	t.Parallel()
	wsURL := wsPeer(t, answerAll)
	params := map[string]string{"expression": strings.Repeat("x", 4096)}

	for round := 0; round < 20; round++ {
		s, err := Dial(context.Background(), wsURL, WithTimeout(2*time.Second))
		require.NoError(t, err)

		// Given several goroutines sending as fast as the peer answers
		var wg sync.WaitGroup
		var sent sync.WaitGroup
		sent.Add(8)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				first := true
				for {
					_, err := s.Send(context.Background(), "Runtime.evaluate", params)
					if first {
						sent.Done()
						first = false
					}
					if err != nil {
						return
					}
				}
			}()
		}
		sent.Wait()

		// When the session is closed mid-flight
		require.NoError(t, s.Close())
		wg.Wait()

		// Then every sender stops with the session's terminal error
		assert.ErrorIs(t, s.Err(), ErrSessionClosed)
		assert.Equal(t, 0, s.Pending())
	}
}

func TestSendGivesUpWhenPeerStopsReading(t *testing.T) {
	t.Parallel()
	wsURL := wsPeer(t, func(_ *websocket.Conn, stop <-chan struct{}) { <-stop })
	s, err := Dial(context.Background(), wsURL, WithTimeout(200*time.Millisecond))
	require.NoError(t, err)
	defer s.Close()

	// When a command larger than the socket buffers meets a peer that never reads
	start := time.Now()
	_, err = s.Send(context.Background(), "Runtime.evaluate", map[string]string{"expression": strings.Repeat("x", 32<<20)})

	// Then the write is abandoned at the deadline and the socket is dropped
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.ErrorIs(t, err, ErrTransportLost)
	<-s.Done()
	assert.ErrorIs(t, s.Err(), ErrTransportLost)
}
