// Package router fans decoded detection events out to subscribers.
//
// Frames arrive from the transport on a single read goroutine and are
// dispatched sequentially in arrival order. Subscriptions may be added or
// removed at any time, including from inside a handler: each dispatch works
// on the handler list that was current when it started.
package router

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/c360/posturestream/errors"
	"github.com/c360/posturestream/metric"
	"github.com/c360/posturestream/wire"
)

// Handler consumes one event. A returned error is logged and does not stop
// delivery to other handlers.
type Handler func(wire.Event) error

// DiagnosticHandler receives frames that could not be decoded.
type DiagnosticHandler func(*errors.DecodeError)

// Subscription identifies one registered handler.
type Subscription struct {
	id   uint64
	kind wire.Kind
}

// Kind returns the event kind the subscription listens to.
func (s Subscription) Kind() wire.Kind { return s.kind }

type entry struct {
	id      uint64
	handler Handler
}

// Router is safe for concurrent use.
type Router struct {
	decoder *wire.Decoder
	logger  *slog.Logger
	metrics *metric.Metrics

	mu          sync.Mutex
	handlers    map[wire.Kind][]entry // replaced, never mutated in place
	diagnostics []DiagnosticHandler
	nextID      atomic.Uint64
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the router logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics records decoded events and failures.
func WithMetrics(m *metric.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

// WithDecoder replaces the default decoder.
func WithDecoder(d *wire.Decoder) Option {
	return func(r *Router) {
		if d != nil {
			r.decoder = d
		}
	}
}

// New creates a router with no subscribers.
func New(opts ...Option) *Router {
	r := &Router{
		decoder:  wire.NewDecoder(nil),
		logger:   slog.Default(),
		handlers: make(map[wire.Kind][]entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "router")
	return r
}

// Subscribe registers handler for kind. Handlers run in registration order.
func (r *Router) Subscribe(kind wire.Kind, handler Handler) Subscription {
	sub := Subscription{id: r.nextID.Add(1), kind: kind}

	r.mu.Lock()
	defer r.mu.Unlock()

	current := r.handlers[kind]
	next := make([]entry, len(current), len(current)+1)
	copy(next, current)
	r.handlers[kind] = append(next, entry{id: sub.id, handler: handler})
	return sub
}

// Unsubscribe removes the given subscriptions of kind. With no subscriptions
// it removes every handler of kind. Unknown subscriptions are ignored.
func (r *Router) Unsubscribe(kind wire.Kind, subs ...Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(subs) == 0 {
		delete(r.handlers, kind)
		return
	}

	drop := make(map[uint64]struct{}, len(subs))
	for _, s := range subs {
		if s.kind == kind {
			drop[s.id] = struct{}{}
		}
	}

	current := r.handlers[kind]
	next := make([]entry, 0, len(current))
	for _, e := range current {
		if _, ok := drop[e.id]; !ok {
			next = append(next, e)
		}
	}
	if len(next) == 0 {
		delete(r.handlers, kind)
		return
	}
	r.handlers[kind] = next
}

// SubscriberCount returns the number of handlers registered for kind.
func (r *Router) SubscriberCount(kind wire.Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handlers[kind])
}

// OnDiagnostic registers a handler for undecodable frames.
func (r *Router) OnDiagnostic(h DiagnosticHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := make([]DiagnosticHandler, len(r.diagnostics), len(r.diagnostics)+1)
	copy(next, r.diagnostics)
	r.diagnostics = append(next, h)
}

// OnFrame decodes a raw frame and dispatches the resulting event. Decode
// failures go to diagnostic handlers only; unrecognized frames are dropped.
func (r *Router) OnFrame(frame []byte) {
	ev, err := r.decoder.Decode(frame)
	if err != nil {
		var de *errors.DecodeError
		if errors.As(err, &de) {
			r.logger.Warn("Dropping undecodable frame", "shape", de.Shape, "type", de.Type, "bytes", de.Size, "error", de.Err)
			r.metrics.RecordDecodeError(de.Shape)
			r.diagnose(de)
			return
		}
		r.logger.Debug("Ignoring unrecognized frame", "bytes", len(frame), "reason", err)
		return
	}
	r.Dispatch(ev)
}

// OnLifecycle dispatches a transport lifecycle event.
func (r *Router) OnLifecycle(ev wire.ConnectionLifecycle) {
	r.Dispatch(ev)
}

// Dispatch delivers ev to every handler registered for its kind.
func (r *Router) Dispatch(ev wire.Event) {
	if ev == nil {
		return
	}
	kind := ev.Kind()
	r.metrics.RecordEvent(string(kind))

	r.mu.Lock()
	handlers := r.handlers[kind]
	r.mu.Unlock()

	for _, e := range handlers {
		if err := r.invoke(e.handler, ev); err != nil {
			r.metrics.RecordHandlerFailure(string(kind))
			r.logger.Error("Event handler failed", "kind", kind, "subscription", e.id, "error", err)
		}
	}
}

func (r *Router) invoke(h Handler, ev wire.Event) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return h(ev)
}

func (r *Router) diagnose(de *errors.DecodeError) {
	r.mu.Lock()
	handlers := r.diagnostics
	r.mu.Unlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					r.logger.Error("Diagnostic handler panicked", "panic", rec)
				}
			}()
			h(de)
		}()
	}
}
