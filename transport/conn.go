// Package transport maintains a persistent WebSocket connection to the
// control server. It authenticates at connect time, delivers inbound events
// to subscribers, and reconnects on transient network loss with bounded
// exponential backoff. Authentication rejections and deliberate server
// terminations stop the reconnect loop and are surfaced as notices — the
// supervisor decides what happens next.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/legionhq/legion-agent/protocol"
)

// ErrNotConnected is returned by Send while no session is live. Requests are
// not queued across reconnects.
var ErrNotConnected = errors.New("transport: not connected")

// ErrClosed is returned after Close.
var ErrClosed = errors.New("transport: closed")

// ErrReconnectExhausted is reported when a finite retry budget is spent.
var ErrReconnectExhausted = errors.New("transport: reconnection attempts exhausted")

// errAuthRejected marks a connection refused for credential reasons.
var errAuthRejected = errors.New("transport: authentication rejected")

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	ackWait    = 15 * time.Second

	maxMessageSize = 4 << 20
)

// Event is one inbound frame.
type Event struct {
	Name string
	Data json.RawMessage
}

// NoticeKind classifies lifecycle notices.
type NoticeKind int

const (
	// NoticeConnected fires after the server acknowledges authentication.
	NoticeConnected NoticeKind = iota
	// NoticeDropped fires on network-level loss; the transport keeps
	// retrying on its own.
	NoticeDropped
	// NoticeAuthRejected fires when the server refuses the credentials.
	// The transport stops; reconnecting with the same token is pointless.
	NoticeAuthRejected
	// NoticeForcedClose fires on a deliberate server-side termination.
	// The transport stops.
	NoticeForcedClose
	// NoticeExhausted fires when a finite reconnect budget is spent.
	NoticeExhausted
)

// Notice is a lifecycle event delivered to the supervisor.
type Notice struct {
	Kind NoticeKind
	Err  error
}

// Config configures a connection.
type Config struct {
	URL     string
	Auth    protocol.AuthPayload
	Backoff Backoff
	Log     *slog.Logger
	// Dialer overrides the websocket dialer, for tests.
	Dialer *websocket.Dialer
}

// Conn is a single logical connection. It is built fresh for each credential
// snapshot and never reused across a rotation.
type Conn struct {
	cfg Config
	log *slog.Logger

	notices chan Notice

	mu      sync.Mutex
	subs    map[int]func(Event)
	nextSub int
	cur     *session
	closed  bool
}

// session is one live socket within the connection's lifetime.
type session struct {
	ws   *websocket.Conn
	send chan []byte
	stop chan struct{}
	once sync.Once
}

func (s *session) close() {
	s.once.Do(func() {
		close(s.stop)
		s.ws.Close()
	})
}

// New creates a connection. No I/O happens until Start.
func New(cfg Config) *Conn {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Backoff.InitialWait == 0 {
		cfg.Backoff = DefaultBackoff()
	}
	return &Conn{
		cfg:     cfg,
		log:     cfg.Log,
		notices: make(chan Notice, 16),
		subs:    make(map[int]func(Event)),
	}
}

// Notices returns the lifecycle notice channel. It closes when the connect
// loop ends (Close, auth rejection, forced close, or exhaustion).
func (c *Conn) Notices() <-chan Notice {
	return c.notices
}

// Subscribe registers fn for inbound events and returns an unsubscribe
// function. Events are delivered sequentially per connection; subscribers
// that do real work should hand it off to their own goroutines.
func (c *Conn) Subscribe(fn func(Event)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs, id)
	}
}

// Send emits an outbound event. It fails with ErrNotConnected while no
// session is live and ErrClosed after Close.
func (c *Conn) Send(event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", event, err)
	}
	frame, err := json.Marshal(protocol.Envelope{Event: event, Data: payload})
	if err != nil {
		return fmt.Errorf("marshal %s envelope: %w", event, err)
	}

	c.mu.Lock()
	sess := c.cur
	closed := c.closed
	c.mu.Unlock()

	if closed {
		return ErrClosed
	}
	if sess == nil {
		return ErrNotConnected
	}

	select {
	case sess.send <- frame:
		return nil
	case <-sess.stop:
		return ErrNotConnected
	}
}

// Close stops the connection permanently: auto-reconnect is disabled, the
// socket is torn down, and all subscribers are removed.
func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	sess := c.cur
	c.cur = nil
	c.subs = make(map[int]func(Event))
	c.mu.Unlock()

	if sess != nil {
		sess.close()
	}
}

// Start runs the connect loop in a new goroutine. The loop ends on Close,
// context cancellation, auth rejection, forced close, or budget exhaustion.
func (c *Conn) Start(ctx context.Context) {
	go c.run(ctx)
}

func (c *Conn) run(ctx context.Context) {
	defer close(c.notices)

	attempts := 0
	for {
		if c.isClosed() || ctx.Err() != nil {
			return
		}

		sess, err := c.dial(ctx)
		if err != nil {
			if c.isClosed() || ctx.Err() != nil {
				return
			}
			if errors.Is(err, errAuthRejected) {
				c.log.Warn("authentication rejected", "error", err)
				c.notify(Notice{Kind: NoticeAuthRejected, Err: err})
				return
			}

			attempts++
			if c.cfg.Backoff.exhausted(attempts) {
				c.log.Error("reconnection budget exhausted", "attempts", attempts)
				c.notify(Notice{Kind: NoticeExhausted, Err: fmt.Errorf("%w after %d attempts: %v", ErrReconnectExhausted, attempts, err)})
				return
			}

			wait := c.cfg.Backoff.wait(attempts)
			c.log.Debug("connect failed, retrying", "attempt", attempts, "wait", wait, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}

		attempts = 0
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			sess.close()
			return
		}
		c.cur = sess
		c.mu.Unlock()

		c.log.Info("connected", "url", c.cfg.URL)
		c.notify(Notice{Kind: NoticeConnected})

		go c.writePump(sess)
		readErr := c.readPump(sess)

		c.mu.Lock()
		if c.cur == sess {
			c.cur = nil
		}
		c.mu.Unlock()
		sess.close()

		if c.isClosed() || ctx.Err() != nil {
			return
		}

		switch kind := classifyDisconnect(readErr); kind {
		case NoticeAuthRejected:
			c.log.Warn("disconnected: authentication rejected", "error", readErr)
			c.notify(Notice{Kind: NoticeAuthRejected, Err: readErr})
			return
		case NoticeForcedClose:
			c.log.Warn("disconnected: terminated by server", "error", readErr)
			c.notify(Notice{Kind: NoticeForcedClose, Err: readErr})
			return
		default:
			c.log.Info("disconnected, will reconnect", "error", readErr)
			c.notify(Notice{Kind: NoticeDropped, Err: readErr})
		}
	}
}

// dial opens a socket, sends the auth payload as the first frame, and waits
// for the server's acknowledgement.
func (c *Conn) dial(ctx context.Context) (*session, error) {
	dialer := c.cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	ws, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}

	authData, err := json.Marshal(c.cfg.Auth)
	if err != nil {
		ws.Close()
		return nil, fmt.Errorf("marshal auth payload: %w", err)
	}
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := ws.WriteJSON(protocol.Envelope{Event: protocol.EventAuth, Data: authData}); err != nil {
		ws.Close()
		return nil, fmt.Errorf("send auth: %w", err)
	}

	ws.SetReadDeadline(time.Now().Add(ackWait))
	var ack protocol.Envelope
	if err := ws.ReadJSON(&ack); err != nil {
		ws.Close()
		if isAuthError(err) {
			return nil, fmt.Errorf("%w: %v", errAuthRejected, err)
		}
		return nil, fmt.Errorf("await connect ack: %w", err)
	}

	switch ack.Event {
	case protocol.EventConnect:
	case protocol.EventError:
		ws.Close()
		var ep protocol.ErrorPayload
		if err := json.Unmarshal(ack.Data, &ep); err != nil {
			ep.Message = string(ack.Data)
		}
		if isAuthText(ep.Message) {
			return nil, fmt.Errorf("%w: %s", errAuthRejected, ep.Message)
		}
		return nil, fmt.Errorf("server error during connect: %s", ep.Message)
	default:
		ws.Close()
		return nil, fmt.Errorf("unexpected event %q before connect ack", ack.Event)
	}

	ws.SetReadLimit(maxMessageSize)
	return &session{
		ws:   ws,
		send: make(chan []byte, 64),
		stop: make(chan struct{}),
	}, nil
}

// readPump delivers inbound frames to subscribers until the socket fails.
func (c *Conn) readPump(sess *session) error {
	sess.ws.SetReadDeadline(time.Now().Add(pongWait))
	sess.ws.SetPongHandler(func(string) error {
		sess.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := sess.ws.ReadMessage()
		if err != nil {
			return err
		}
		sess.ws.SetReadDeadline(time.Now().Add(pongWait))

		var env protocol.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			c.log.Warn("dropping malformed frame", "error", err)
			continue
		}

		if env.Event == protocol.EventError {
			var ep protocol.ErrorPayload
			if err := json.Unmarshal(env.Data, &ep); err == nil && isAuthText(ep.Message) {
				return fmt.Errorf("%w: %s", errAuthRejected, ep.Message)
			}
		}

		c.deliver(Event{Name: env.Event, Data: env.Data})
	}
}

func (c *Conn) writePump(sess *session) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		sess.ws.Close()
	}()

	for {
		select {
		case <-sess.stop:
			return
		case frame := <-sess.send:
			sess.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sess.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			sess.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sess.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Conn) deliver(ev Event) {
	c.mu.Lock()
	fns := make([]func(Event), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

func (c *Conn) notify(n Notice) {
	select {
	case c.notices <- n:
	default:
		// The buffer is sized so this only happens if the supervisor has
		// stopped draining, in which case the process is on its way down.
		c.log.Warn("dropping notice, channel full", "kind", n.Kind)
	}
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// classifyDisconnect maps a read error to a notice kind. Close frames with
// auth-flavored reasons are credential rejections; other close frames (aside
// from going-away and abnormal closure, which accompany network teardown)
// are deliberate server terminations.
func classifyDisconnect(err error) NoticeKind {
	if err == nil {
		return NoticeDropped
	}
	if errors.Is(err, errAuthRejected) || isAuthError(err) {
		return NoticeAuthRejected
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		switch ce.Code {
		case websocket.CloseGoingAway, websocket.CloseAbnormalClosure:
			return NoticeDropped
		default:
			return NoticeForcedClose
		}
	}
	return NoticeDropped
}

func isAuthError(err error) bool {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return isAuthText(ce.Text)
	}
	return false
}

// isAuthText reports whether a server-supplied message indicates a
// credential problem.
func isAuthText(msg string) bool {
	m := strings.ToLower(msg)
	for _, marker := range []string{"auth", "token", "unauthorized", "forbidden", "credential"} {
		if strings.Contains(m, marker) {
			return true
		}
	}
	return false
}
