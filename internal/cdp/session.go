package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// DefaultTimeout applies to operations whose context carries no deadline.
	DefaultTimeout     = 30 * time.Second
	defaultEventBuffer = 100

	renderProcessGone = "Render process gone"
)

// Option configures a Session.
type Option func(*Session)

// WithTimeout sets the deadline used when the caller's context has none.
func WithTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithEventBuffer sets the channel capacity of Subscribe listeners.
func WithEventBuffer(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.eventBuffer = n
		}
	}
}

// Session multiplexes commands and events over one tab WebSocket.
type Session struct {
	id          string
	transport   Transport
	logger      *zap.Logger
	timeout     time.Duration
	eventBuffer int

	sendMu sync.Mutex
	nextID int64

	reg *registry

	subMu sync.Mutex
	subs  map[string][]chan *Event

	errMu sync.RWMutex
	err   error

	closeOnce  sync.Once
	done       chan struct{}
	readerDone chan struct{}
}

// Dial connects to a tab's WebSocket debugger URL and starts its session.
func Dial(ctx context.Context, wsURL string, opts ...Option) (*Session, error) {
	t, err := DialTransport(ctx, wsURL)
	if err != nil {
		return nil, err
	}
	return NewSession(t, opts...), nil
}

// NewSession attaches a session to an open transport and starts its
// receive loop.
func NewSession(t Transport, opts ...Option) *Session {
	s := &Session{
		id:          uuid.NewString(),
		transport:   t,
		logger:      zap.NewNop(),
		timeout:     DefaultTimeout,
		eventBuffer: defaultEventBuffer,
		reg:         newRegistry(),
		subs:        make(map[string][]chan *Event),
		done:        make(chan struct{}),
		readerDone:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("session", s.id))
	go s.readLoop()
	return s
}

// ID is a local identifier used to correlate log lines.
func (s *Session) ID() string { return s.id }

// Timeout is the session's default operation timeout.
func (s *Session) Timeout() time.Duration { return s.timeout }

// Done is closed once the session has reached a terminal state.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the terminal error, or nil while the session is usable.
func (s *Session) Err() error {
	s.errMu.RLock()
	defer s.errMu.RUnlock()
	return s.err
}

// Pending is the number of commands awaiting a response.
func (s *Session) Pending() int { return s.reg.pending() }

// Waiters is the number of registered event waiters.
func (s *Session) Waiters() int { return s.reg.waiters() }

// Send issues a command and waits for its response. The params value may be
// nil, a json.RawMessage, or anything the codec can marshal.
func (s *Session) Send(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()

	s.sendMu.Lock()
	if err := s.Err(); err != nil {
		s.sendMu.Unlock()
		return nil, err
	}
	// A write that misses its deadline poisons the socket, so a context
	// that expired while queued on the lock must not reach the transport.
	if err := ctx.Err(); err != nil {
		s.sendMu.Unlock()
		return nil, contextError(method, err)
	}
	s.nextID++
	id := s.nextID
	data, err := encodeRequest(id, method, params)
	if err != nil {
		s.sendMu.Unlock()
		return nil, fmt.Errorf("encoding %s: %w", method, err)
	}
	sl := s.reg.addID(id)
	if err := s.transport.WriteMessage(ctx, data); err != nil {
		s.sendMu.Unlock()
		s.fail(fmt.Errorf("%w: writing %s: %v", ErrTransportLost, method, err))
		return nil, s.Err()
	}
	s.sendMu.Unlock()

	s.logger.Debug("sent command", zap.Int64("id", id), zap.String("method", method))

	out, err := s.await(ctx, sl, method)
	if err != nil {
		return nil, err
	}
	if out.msg.Error != nil {
		return nil, out.msg.Error
	}
	return out.msg.Result, nil
}

// Waiter is a registered interest in one event. Registering before issuing
// the command that triggers the event avoids missing it.
type Waiter struct {
	s    *Session
	slot *slot
	what string
}

// Expect registers a first-come-first-served waiter for method.
func (s *Session) Expect(method string) *Waiter {
	return s.newWaiter(s.reg.addMethod(method), method)
}

// ExpectMatch registers a by-predicate waiter.
func (s *Session) ExpectMatch(m Matcher) *Waiter {
	return s.newWaiter(s.reg.addPredicate(m), m.Key())
}

func (s *Session) newWaiter(sl *slot, what string) *Waiter {
	w := &Waiter{s: s, slot: sl, what: what}
	// A waiter dropped without Wait or Cancel releases its slot when collected.
	reg := s.reg
	runtime.AddCleanup(w, func(sl *slot) { reg.remove(sl) }, sl)
	return w
}

// Wait blocks until the event arrives, the deadline passes, or the session
// fails. On timeout or cancellation the registration is removed.
func (w *Waiter) Wait(ctx context.Context) (*Event, error) {
	ctx, cancel := w.s.withDeadline(ctx)
	defer cancel()
	out, err := w.s.await(ctx, w.slot, w.what)
	if err != nil {
		return nil, err
	}
	return out.event, nil
}

// Cancel removes the registration. Late events are dropped.
func (w *Waiter) Cancel() {
	w.s.reg.remove(w.slot)
}

// WaitMethod waits for the next event named method.
func (s *Session) WaitMethod(ctx context.Context, method string) (*Event, error) {
	return s.Expect(method).Wait(ctx)
}

// WaitMatch waits for the next event accepted by m.
func (s *Session) WaitMatch(ctx context.Context, m Matcher) (*Event, error) {
	return s.ExpectMatch(m).Wait(ctx)
}

// Subscribe streams every event named method until the returned stop func is
// called or the session ends. Events are dropped when the listener falls
// behind.
func (s *Session) Subscribe(method string) (<-chan *Event, func()) {
	ch := make(chan *Event, s.eventBuffer)

	s.subMu.Lock()
	if s.subs == nil {
		s.subMu.Unlock()
		close(ch)
		return ch, func() {}
	}
	s.subs[method] = append(s.subs[method], ch)
	s.subMu.Unlock()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			s.subMu.Lock()
			defer s.subMu.Unlock()
			if s.subs == nil {
				return
			}
			listeners := s.subs[method]
			for i, l := range listeners {
				if l == ch {
					s.subs[method] = append(listeners[:i:i], listeners[i+1:]...)
					close(ch)
					break
				}
			}
		})
	}
	return ch, stop
}

// Close fails all waiters with ErrSessionClosed and closes the transport.
// It is safe to call more than once.
func (s *Session) Close() error {
	s.fail(ErrSessionClosed)
	<-s.readerDone
	return nil
}

func (s *Session) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *Session) await(ctx context.Context, sl *slot, what string) (outcome, error) {
	select {
	case out := <-sl.ch:
		return out, out.err
	case <-ctx.Done():
		s.reg.remove(sl)
		select {
		case out := <-sl.ch:
			return out, out.err
		default:
		}
		return outcome{}, contextError(what, ctx.Err())
	}
}

func contextError(what string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %w", ErrOperationTimeout, what, err)
	}
	return err
}

func (s *Session) readLoop() {
	defer close(s.readerDone)
	for {
		data, err := s.transport.ReadMessage()
		if err != nil {
			s.fail(fmt.Errorf("%w: %v", ErrTransportLost, err))
			return
		}

		msg, err := decodeMessage(data)
		if err != nil {
			s.logger.Warn("dropping malformed frame", zap.Int("bytes", len(data)), zap.Error(err))
			continue
		}

		if msg.isResponse() {
			if !s.reg.resolveID(msg.ID, msg) {
				s.logger.Debug("dropping unclaimed response", zap.Int64("id", msg.ID))
			}
			continue
		}
		if msg.Method == "" {
			s.logger.Warn("dropping frame without id or method", zap.Int("bytes", len(data)))
			continue
		}

		ev := &Event{Method: msg.Method, Params: msg.Params, SessionID: msg.SessionID, Raw: data}
		if ev.Method == "Inspector.detached" && ev.Get("reason").String() == renderProcessGone {
			s.logger.Warn("renderer gone", zap.String("reason", renderProcessGone))
			s.fail(ErrBrowserGone)
			return
		}

		s.reg.dispatch(ev)
		s.publish(ev)
	}
}

func (s *Session) publish(ev *Event) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs[ev.Method] {
		select {
		case ch <- ev:
		default:
			s.logger.Debug("listener behind, dropping event", zap.String("method", ev.Method))
		}
	}
}

// fail moves the session to its terminal state exactly once.
func (s *Session) fail(err error) {
	s.closeOnce.Do(func() {
		s.errMu.Lock()
		s.err = err
		s.errMu.Unlock()

		s.reg.failAll(err)

		s.subMu.Lock()
		for _, listeners := range s.subs {
			for _, ch := range listeners {
				close(ch)
			}
		}
		s.subs = nil
		s.subMu.Unlock()

		close(s.done)
		if cerr := s.transport.Close(); cerr != nil && !errors.Is(err, ErrSessionClosed) {
			s.logger.Debug("closing transport", zap.Error(cerr))
		}
		if !errors.Is(err, ErrSessionClosed) {
			s.logger.Warn("session failed", zap.Error(err))
		}
	})
}
