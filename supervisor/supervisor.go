// Package supervisor drives the agent's connection lifecycle as an explicit
// state machine: a pure transition function maps (state, event) to the next
// state plus a list of effects, and a single driver goroutine owns the state,
// executes the effects, and serializes every transition. Transport notices,
// credential-watch wakeups, and server-pushed rotations all funnel through
// one event channel; events from a superseded connection are discarded by
// generation.
package supervisor

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/url"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/legionhq/legion-agent/credentials"
	"github.com/legionhq/legion-agent/dispatch"
	"github.com/legionhq/legion-agent/fingerprint"
	"github.com/legionhq/legion-agent/protocol"
	"github.com/legionhq/legion-agent/settings"
	"github.com/legionhq/legion-agent/transport"
)

// State is the supervisor's lifecycle phase.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	// StateDisconnected covers network-level loss while the transport
	// redials on its own.
	StateDisconnected
	// StateHibernating means the server refused the credentials; the
	// supervisor waits for the credential file to change before retrying.
	StateHibernating
	// StateRotating is the drain-and-teardown pause between accepting new
	// credentials and reconnecting with them.
	StateRotating
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateHibernating:
		return "hibernating"
	case StateRotating:
		return "rotating"
	}
	return "unknown"
}

type eventKind int

const (
	eventStart eventKind = iota
	eventConnected
	eventDropped
	eventAuthRejected
	eventForcedClose
	eventExhausted
	// eventRotationApplied means a server-pushed rotation has already been
	// persisted to the store; the connection must be rebuilt.
	eventRotationApplied
	// eventCredentialChange means the hibernation watch saw the credential
	// file change and the store reloaded it successfully.
	eventCredentialChange
)

// event is one input to the state machine. gen tags events originating from
// a specific connection generation; 0 means generation-independent.
type event struct {
	kind eventKind
	gen  int
	err  error
}

type effectKind int

const (
	// effectConnect builds a fresh transport from the store's current
	// credentials, attaches the dispatcher, and starts the connect loop.
	effectConnect effectKind = iota
	// effectHandshake announces the device on the live connection.
	effectHandshake
	// effectHibernate tears the connection down and watches the credential
	// file for an external change.
	effectHibernate
	// effectRecycle drains briefly, tears everything down, and queues a
	// restart so the machine passes through Connecting with fresh state.
	effectRecycle
	// effectStop ends the run loop with the carried error.
	effectStop
)

type effect struct {
	kind effectKind
	err  error
}

// step is the pure transition function. It never touches a connection or the
// filesystem; the driver executes the returned effects in order.
func step(s State, ev event) (State, []effect) {
	switch ev.kind {
	case eventStart:
		return StateConnecting, []effect{{kind: effectConnect}}
	case eventConnected:
		return StateConnected, []effect{{kind: effectHandshake}}
	case eventDropped:
		// The transport redials on its own.
		return StateDisconnected, nil
	case eventAuthRejected, eventForcedClose:
		return StateHibernating, []effect{{kind: effectHibernate}}
	case eventRotationApplied:
		if s == StateHibernating || s == StateRotating || s == StateIdle {
			return s, nil
		}
		return StateRotating, []effect{{kind: effectRecycle}}
	case eventCredentialChange:
		if s != StateHibernating {
			return s, nil
		}
		return StateRotating, []effect{{kind: effectRecycle}}
	case eventExhausted:
		return StateIdle, []effect{{kind: effectStop, err: ev.err}}
	}
	return s, nil
}

// Transport is the connection surface the supervisor drives. *transport.Conn
// satisfies it.
type Transport interface {
	Start(ctx context.Context)
	Close()
	Send(event string, data any) error
	Subscribe(fn func(transport.Event)) func()
	Notices() <-chan transport.Notice
}

// ConnectFunc builds a fresh transport for one credential snapshot. A new
// transport is created for every generation; connections are never reused
// across a rotation or hibernation.
type ConnectFunc func(creds credentials.Credentials) Transport

// Config wires a supervisor's collaborators.
type Config struct {
	Store       *credentials.Store
	Settings    *settings.Settings
	Registry    *dispatch.Registry
	Fingerprint *fingerprint.Fingerprinter
	// WorkDir is reported in the handshake and used as the default
	// listing path. Defaults to the process working directory.
	WorkDir string
	// Connect overrides transport construction, for tests.
	Connect ConnectFunc
	Log     *slog.Logger
}

// Supervisor owns the connect/dispatch/rotate/hibernate loop.
type Supervisor struct {
	cfg        Config
	dispatcher *dispatch.Dispatcher
	log        *slog.Logger

	events chan event

	mu    sync.Mutex
	state State

	// Driver-owned; only the Run goroutine touches these.
	gen   int
	conn  Transport
	unsub func()
	watch *credentials.Subscription
}

// New creates a supervisor. Run does the work.
func New(cfg Config) *Supervisor {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Settings == nil {
		cfg.Settings = settings.Default()
	}
	if cfg.Fingerprint == nil {
		cfg.Fingerprint = &fingerprint.Fingerprinter{}
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir, _ = os.Getwd()
	}
	s := &Supervisor{
		cfg:        cfg,
		dispatcher: dispatch.NewDispatcher(cfg.Log),
		log:        cfg.Log,
		events:     make(chan event, 32),
		state:      StateIdle,
	}
	if s.cfg.Connect == nil {
		s.cfg.Connect = s.defaultConnect
	}
	return s
}

// State returns the current lifecycle phase.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) setState(next State) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	s.mu.Unlock()
	if prev != next {
		s.log.Info("state change", "from", prev, "to", next)
	}
}

// Run blocks until the context is canceled or the connection is
// unrecoverable (exhausted reconnect budget, unusable credential store).
// Auth rejection and forced closes do not end the loop; they hibernate it.
func (s *Supervisor) Run(ctx context.Context) error {
	defer s.setState(StateIdle)
	defer s.teardown()

	s.enqueue(ctx, event{kind: eventStart})
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-s.events:
			if ev.gen != 0 && ev.gen != s.gen {
				continue
			}
			next, effects := step(s.State(), ev)
			s.setState(next)
			for _, fx := range effects {
				done, err := s.apply(ctx, fx)
				if done {
					return err
				}
			}
		}
	}
}

func (s *Supervisor) apply(ctx context.Context, fx effect) (done bool, err error) {
	switch fx.kind {
	case effectConnect:
		return s.openConnection(ctx)
	case effectHandshake:
		s.sendHandshake(s.conn)
	case effectHibernate:
		return s.startHibernation(ctx)
	case effectRecycle:
		s.recycle(ctx)
	case effectStop:
		return true, fx.err
	}
	return false, nil
}

// openConnection starts a new generation: fresh transport, fresh dispatcher
// attachment, fresh notice forwarder. Anything left from the previous
// generation is torn down first so a double attach is impossible.
func (s *Supervisor) openConnection(ctx context.Context) (bool, error) {
	s.closeWatch()
	s.closeConn()

	creds, err := s.cfg.Store.Current()
	if err != nil {
		return true, err
	}

	s.gen++
	gen := s.gen
	conn := s.cfg.Connect(creds)
	s.conn = conn

	s.unsub = conn.Subscribe(func(ev transport.Event) {
		switch ev.Name {
		case protocol.EventServerPing:
			if err := conn.Send(protocol.EventPong, protocol.Pong{TS: time.Now().UnixMilli()}); err != nil {
				s.log.Debug("pong failed", "error", err)
			}
		case protocol.EventTokenRotation:
			if s.applyRotation(ev.Data) {
				s.enqueue(ctx, event{kind: eventRotationApplied, gen: gen})
			}
		}
	})

	s.dispatcher.Attach(ctx, conn, s.cfg.Registry, dispatch.ConnContext{
		Credentials: creds,
		WorkDir:     s.cfg.WorkDir,
		ReadMaxSize: s.cfg.Settings.ReadMaxSize,
		Log:         s.log,
	})

	conn.Start(ctx)

	go func() {
		for n := range conn.Notices() {
			s.enqueue(ctx, event{kind: noticeEvent(n.Kind), gen: gen, err: n.Err})
		}
	}()
	return false, nil
}

func noticeEvent(kind transport.NoticeKind) eventKind {
	switch kind {
	case transport.NoticeConnected:
		return eventConnected
	case transport.NoticeAuthRejected:
		return eventAuthRejected
	case transport.NoticeForcedClose:
		return eventForcedClose
	case transport.NoticeExhausted:
		return eventExhausted
	}
	return eventDropped
}

// applyRotation persists a server-pushed credential replacement before the
// connection is recycled, so the next auth payload is already correct. A
// rotation that cannot be persisted is discarded and the current connection
// stays up.
func (s *Supervisor) applyRotation(data json.RawMessage) bool {
	var tr protocol.TokenRotation
	if err := json.Unmarshal(data, &tr); err != nil {
		s.log.Warn("malformed rotation payload", "error", err)
		return false
	}
	if tr.Secret == "" {
		s.log.Warn("rotation payload missing secret")
		return false
	}
	if _, err := s.cfg.Store.Rotate(credentials.Partial{ID: tr.TokenID, Token: tr.Secret}); err != nil {
		s.log.Error("credential rotation failed", "error", err)
		return false
	}
	s.log.Info("credentials rotated", "token_id", tr.TokenID)
	return true
}

// startHibernation tears the dead connection down and parks until the
// credential file changes on disk. The watch goroutine reloads the store
// before waking the machine; a file that no longer parses keeps it parked.
func (s *Supervisor) startHibernation(ctx context.Context) (bool, error) {
	s.dispatcher.Detach()
	s.closeConn()

	sub, err := s.cfg.Store.Watch(ctx)
	if err != nil {
		return true, err
	}
	s.watch = sub

	gen := s.gen
	go func() {
		for range sub.Events() {
			if err := s.cfg.Store.Load(); err != nil {
				s.log.Warn("credential reload failed, staying hibernated", "error", err)
				continue
			}
			s.log.Info("credentials changed on disk, reconnecting")
			s.enqueue(ctx, event{kind: eventCredentialChange, gen: gen})
		}
	}()
	return false, nil
}

// recycle ends the current generation after a rotation: brief drain, full
// teardown, then a queued restart so the machine re-enters Connecting with a
// fresh credential snapshot.
func (s *Supervisor) recycle(ctx context.Context) {
	s.drain(ctx)
	s.dispatcher.Detach()
	s.closeConn()
	s.closeWatch()
	s.enqueue(ctx, event{kind: eventStart})
}

func (s *Supervisor) teardown() {
	s.dispatcher.Detach()
	s.closeConn()
	s.closeWatch()
}

func (s *Supervisor) closeConn() {
	if s.unsub != nil {
		s.unsub()
		s.unsub = nil
	}
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}

func (s *Supervisor) closeWatch() {
	if s.watch != nil {
		s.watch.Close()
		s.watch = nil
	}
}

func (s *Supervisor) enqueue(ctx context.Context, ev event) {
	select {
	case s.events <- ev:
	case <-ctx.Done():
	}
}

// drain pauses briefly so in-flight responses on the old connection can
// flush before it is torn down.
func (s *Supervisor) drain(ctx context.Context) {
	grace := s.cfg.Settings.RotateGrace()
	if grace <= 0 {
		return
	}
	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (s *Supervisor) sendHandshake(conn Transport) {
	if conn == nil {
		return
	}
	fp, err := s.cfg.Fingerprint.Get()
	if err != nil {
		s.log.Warn("fingerprint unavailable", "error", err)
	}
	hostname, _ := os.Hostname()
	hs := protocol.Handshake{
		Fingerprint: fp,
		Version:     protocol.AgentVersion,
		Hostname:    hostname,
		Platform:    runtime.GOOS,
		Release:     osRelease(),
		CWD:         s.cfg.WorkDir,
	}
	if err := conn.Send(protocol.EventHandshake, hs); err != nil {
		s.log.Warn("handshake send failed", "error", err)
	}
}

func (s *Supervisor) defaultConnect(creds credentials.Credentials) Transport {
	rc := s.cfg.Settings.Reconnect
	return transport.New(transport.Config{
		URL: socketURL(creds.ServerURL),
		Auth: protocol.AuthPayload{
			ID:    creds.ID,
			Token: creds.Token,
			Type:  protocol.AuthType,
		},
		Backoff: transport.Backoff{
			MaxAttempts: rc.MaxAttempts,
			InitialWait: rc.InitialWait(),
			MaxWait:     rc.MaxWait(),
			Multiplier:  rc.Multiplier,
			Jitter:      0.1,
		},
		Log: s.log,
	})
}

// socketURL maps an http(s) server URL onto its websocket scheme. URLs that
// are already ws(s) pass through.
func socketURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	return u.String()
}

func osRelease() string {
	data, err := os.ReadFile("/proc/sys/kernel/osrelease")
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
