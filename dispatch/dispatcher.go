package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/legionhq/legion-agent/protocol"
	"github.com/legionhq/legion-agent/transport"
)

// Conn is the slice of the transport a dispatcher needs.
type Conn interface {
	Subscribe(fn func(transport.Event)) func()
	Send(event string, data any) error
}

// Dispatcher binds a registry to a connection. Each request runs on its own
// goroutine; completion order across distinct request ids is unspecified.
// Exactly one response is emitted per request, synthesized from a panic if
// the handler fails to return one.
type Dispatcher struct {
	log *slog.Logger

	mu          sync.Mutex
	unsubscribe func()
	wg          sync.WaitGroup
}

// NewDispatcher creates a detached dispatcher.
func NewDispatcher(log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{log: log}
}

// Attach subscribes the dispatcher to conn's inbound events. Any previous
// attachment is fully detached first, so a handler never fires against a
// stale connection.
func (d *Dispatcher) Attach(ctx context.Context, conn Conn, registry *Registry, cc ConnContext) {
	d.Detach()

	if cc.Log == nil {
		cc.Log = d.log
	}

	d.mu.Lock()
	d.unsubscribe = conn.Subscribe(func(ev transport.Event) {
		handler, ok := registry.Get(ev.Name)
		if !ok {
			return
		}

		req, err := parseRequest(ev)
		if err != nil {
			d.log.Warn("dropping malformed request", "operation", ev.Name, "error", err)
			return
		}

		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.handle(ctx, conn, handler, req, cc)
		}()
	})
	d.mu.Unlock()
}

// Detach unsubscribes from the current connection and waits for in-flight
// handlers to finish. Safe to call when already detached.
func (d *Dispatcher) Detach() {
	d.mu.Lock()
	unsub := d.unsubscribe
	d.unsubscribe = nil
	d.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	d.wg.Wait()
}

func (d *Dispatcher) handle(ctx context.Context, conn Conn, handler Handler, req protocol.Request, cc ConnContext) {
	resp := d.invoke(ctx, handler, req, cc)

	// The correlation id is echoed verbatim no matter what the handler did
	resp.ID = req.ID

	if err := conn.Send(protocol.ResponseEvent(req.Operation), resp); err != nil {
		d.log.Warn("failed to send response", "operation", req.Operation, "id", req.ID, "error", err)
	}
}

// invoke runs the handler, converting a panic into an error response so one
// bad request cannot take down the process or starve other requests.
func (d *Dispatcher) invoke(ctx context.Context, handler Handler, req protocol.Request, cc ConnContext) (resp protocol.Response) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("handler panicked", "operation", req.Operation, "id", req.ID, "panic", r)
			resp = protocol.Error(req.ID, fmt.Sprintf("internal error: %v", r))
		}
	}()
	return handler(ctx, req, cc)
}

func parseRequest(ev transport.Event) (protocol.Request, error) {
	var head struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(ev.Data, &head); err != nil {
		return protocol.Request{}, fmt.Errorf("parse request data: %w", err)
	}
	if head.ID == "" {
		return protocol.Request{}, fmt.Errorf("request has no id")
	}
	return protocol.Request{ID: head.ID, Operation: ev.Name, Payload: ev.Data}, nil
}
