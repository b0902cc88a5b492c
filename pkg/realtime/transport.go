// Package realtime is the device side of the realtime stream: a single
// websocket connection that receives chat events, plus reconnection with
// exponential backoff.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"github.com/LuyxT/PitchOS-apple--sub002/pkg/models"
	"github.com/coder/websocket"
	"go.uber.org/zap"
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateFailed       State = "failed"
)

const (
	maxFrameSize   = 1 << 20
	dedupCapacity  = 512
	tokenQueryName = "token"
)

// Conn is the part of a websocket connection the transport uses.
// *websocket.Conn satisfies it.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Close(code websocket.StatusCode, reason string) error
}

// Dialer opens the stream at rawURL.
type Dialer func(ctx context.Context, rawURL string) (Conn, error)

func defaultDialer(ctx context.Context, rawURL string) (Conn, error) {
	conn, _, err := websocket.Dial(ctx, rawURL, nil) //nolint:bodyclose // Dial closes the response body
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(maxFrameSize)
	return conn, nil
}

type Options struct {
	Dialer Dialer
	Logger *zap.Logger
}

// Transport owns at most one realtime connection. Connect always tears the
// previous connection down, and waits for its receive loop to exit, before
// dialing again. The wait is skipped while that loop is running an event
// callback; the loop exits as soon as the callback returns.
type Transport struct {
	connectMu sync.Mutex

	mu       sync.Mutex
	state    State
	lastErr  error
	conn     Conn
	cancel   context.CancelFunc
	loopDone chan struct{}
	// dispatching is the loopDone of the receive loop currently running
	// callbacks, so a callback that tears the transport down does not wait
	// for itself.
	dispatching chan struct{}

	onEvent      []func(models.RealtimeEvent)
	onState      []func(State, error)
	onUnexpected []func(error)

	seen   *recentSet
	dial   Dialer
	logger *zap.Logger
}

func NewTransport(opts Options) *Transport {
	dial := opts.Dialer
	if dial == nil {
		dial = defaultDialer
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transport{
		state:  StateDisconnected,
		seen:   newRecentSet(dedupCapacity),
		dial:   dial,
		logger: logger,
	}
}

// OnEvent registers fn for every decoded, deduplicated event. Callbacks run
// on the receive goroutine and may call Connect or Disconnect.
func (t *Transport) OnEvent(fn func(models.RealtimeEvent)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onEvent = append(t.onEvent, fn)
}

// OnStateChange registers fn for state transitions. StateFailed after a lost
// connection is reported on the receive goroutine, where Connect and
// Disconnect are safe to call. The other transitions are reported on the
// goroutine calling Connect or Disconnect, which holds the connect lock, so
// fn must not call either of them synchronously there.
func (t *Transport) OnStateChange(fn func(State, error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onState = append(t.onState, fn)
}

// OnUnexpectedDisconnect registers fn for connection losses that were not
// requested with Disconnect. It runs on the receive goroutine after the lost
// connection is released, so fn may call Connect.
func (t *Transport) OnUnexpectedDisconnect(fn func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onUnexpected = append(t.onUnexpected, fn)
}

// State returns the current state and, for StateFailed, the cause.
func (t *Transport) State() (State, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state, t.lastErr
}

// Connect replaces any existing connection with a new one to endpoint. The
// token travels as a query parameter. Dial failures move the transport to
// StateFailed and are also returned.
func (t *Transport) Connect(ctx context.Context, endpoint, token string) error {
	t.connectMu.Lock()
	defer t.connectMu.Unlock()

	t.teardown()
	t.setState(StateConnecting, nil)

	streamURL, err := withToken(endpoint, token)
	if err != nil {
		t.setState(StateFailed, err)
		return err
	}

	conn, err := t.dial(ctx, streamURL)
	if err != nil {
		err = fmt.Errorf("realtime: dial: %w", err)
		t.setState(StateFailed, err)
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	t.mu.Lock()
	t.conn = conn
	t.cancel = cancel
	t.loopDone = done
	t.mu.Unlock()

	t.setState(StateConnected, nil)
	go t.run(loopCtx, conn, done)
	return nil
}

// Disconnect closes the connection on purpose. It is idempotent and never
// reports an unexpected disconnect.
func (t *Transport) Disconnect() {
	t.connectMu.Lock()
	defer t.connectMu.Unlock()

	t.teardown()
	if state, _ := t.State(); state != StateDisconnected {
		t.setState(StateDisconnected, nil)
	}
}

func (t *Transport) teardown() {
	t.mu.Lock()
	conn, cancel, done := t.conn, t.cancel, t.loopDone
	t.conn, t.cancel, t.loopDone = nil, nil, nil
	fromCallback := done != nil && t.dispatching == done
	t.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	_ = conn.Close(websocket.StatusNormalClosure, "client disconnect")
	if !fromCallback {
		<-done
	}
}

func (t *Transport) run(ctx context.Context, conn Conn, done chan struct{}) {
	defer close(done)

	err := t.receive(ctx, conn, done)
	if err == nil {
		return
	}

	t.logger.Warn("realtime stream lost", zap.Error(err))
	_ = conn.Close(websocket.StatusGoingAway, "read failed")

	// A concurrent Connect or Disconnect that already took the connection
	// owns the state from here on.
	t.mu.Lock()
	if t.loopDone != done {
		t.mu.Unlock()
		return
	}
	t.conn, t.cancel, t.loopDone = nil, nil, nil
	t.state, t.lastErr = StateFailed, err
	stateListeners := append([]func(State, error){}, t.onState...)
	lostListeners := append([]func(error){}, t.onUnexpected...)
	t.mu.Unlock()

	t.logger.Debug("realtime state", zap.String("state", string(StateFailed)), zap.Error(err))
	for _, fn := range stateListeners {
		fn(StateFailed, err)
	}
	for _, fn := range lostListeners {
		fn(err)
	}
}

// receive blocks on inbound frames until the connection fails. It returns
// nil when ctx was cancelled by a local teardown.
func (t *Transport) receive(ctx context.Context, conn Conn, done chan struct{}) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("realtime: read: %w", err)
		}
		if typ != websocket.MessageText {
			continue
		}

		event, err := models.DecodeRealtimeEvent(data)
		if err != nil {
			t.logger.Warn("dropping malformed realtime frame", zap.Error(err))
			continue
		}
		if !t.seen.add(event.EventCursor) {
			t.logger.Debug("dropping duplicate realtime event", zap.String("event_cursor", event.EventCursor))
			continue
		}

		t.mu.Lock()
		listeners := append([]func(models.RealtimeEvent){}, t.onEvent...)
		t.dispatching = done
		t.mu.Unlock()
		for _, fn := range listeners {
			fn(event)
		}
		t.mu.Lock()
		if t.dispatching == done {
			t.dispatching = nil
		}
		t.mu.Unlock()
	}
}

func (t *Transport) setState(state State, err error) {
	t.mu.Lock()
	t.state = state
	t.lastErr = err
	listeners := append([]func(State, error){}, t.onState...)
	t.mu.Unlock()

	t.logger.Debug("realtime state", zap.String("state", string(state)), zap.Error(err))
	for _, fn := range listeners {
		fn(state, err)
	}
}

func withToken(endpoint, token string) (string, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("realtime: endpoint: %w", err)
	}
	switch parsed.Scheme {
	case "ws", "wss":
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	default:
		return "", fmt.Errorf("realtime: unsupported endpoint scheme %q", parsed.Scheme)
	}
	if token == "" {
		return "", errors.New("realtime: token is required")
	}
	query := parsed.Query()
	query.Set(tokenQueryName, token)
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

// recentSet remembers the last n event cursors.
type recentSet struct {
	mu    sync.Mutex
	items map[string]struct{}
	order []string
	next  int
}

func newRecentSet(n int) *recentSet {
	return &recentSet{items: make(map[string]struct{}, n), order: make([]string, n)}
}

// add reports false when cursor was already seen.
func (s *recentSet) add(cursor string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[cursor]; ok {
		return false
	}
	if evicted := s.order[s.next]; evicted != "" {
		delete(s.items, evicted)
	}
	s.order[s.next] = cursor
	s.next = (s.next + 1) % len(s.order)
	s.items[cursor] = struct{}{}
	return true
}
