package mcpd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

// Handler processes a single JSON-RPC method call. Implementations receive the
// request params as a raw JSON object (never nil; absent params are normalized
// to an empty object) and return either a result value to be marshalled into
// the response envelope or an application error.
//
// Handlers come in two shapes: HandlerFunc for synchronous pure functions and
// ContextHandlerFunc for functions that suspend on I/O or pacing. The Router
// treats both uniformly through this interface.
type Handler interface {
	Handle(ctx context.Context, params json.RawMessage) (any, error)
}

// HandlerFunc adapts a synchronous function to the Handler interface.
type HandlerFunc func(params json.RawMessage) (any, error)

// Handle implements Handler.
func (f HandlerFunc) Handle(_ context.Context, params json.RawMessage) (any, error) {
	return f(params)
}

// ContextHandlerFunc adapts a context-aware function to the Handler interface.
// The context is cancelled when the originating HTTP request terminates.
type ContextHandlerFunc func(ctx context.Context, params json.RawMessage) (any, error)

// Handle implements Handler.
func (f ContextHandlerFunc) Handle(ctx context.Context, params json.RawMessage) (any, error) {
	return f(ctx, params)
}

// Router maps JSON-RPC method names to handlers and dispatches decoded
// envelopes to them. Registration happens once at startup; after that the
// method table is read concurrently without locking, so Register must not be
// called concurrently with Dispatch.
type Router struct {
	handlers map[string]Handler
	logger   *slog.Logger
}

// NewRouter creates an empty method router.
func NewRouter() *Router {
	return &Router{
		handlers: make(map[string]Handler),
		logger:   slog.Default(),
	}
}

// SetLogger replaces the router's logger.
func (r *Router) SetLogger(logger *slog.Logger) {
	r.logger = logger.With(slog.String("component", "router"))
}

// Register binds a handler to a method name. Registering a name twice
// silently overwrites the previous handler; the last write wins.
func (r *Router) Register(method string, h Handler) {
	r.handlers[method] = h
}

// Methods returns the number of registered methods.
func (r *Router) Methods() int {
	return len(r.handlers)
}

var emptyParams = json.RawMessage("{}")

// Dispatch routes a decoded envelope to its handler and classifies the
// outcome. It returns the response envelope for requests, or nil for
// notifications, which never receive replies, including error replies.
//
// Handler faults never escape this boundary: application errors and panics
// alike are folded into a CodeInternalError response with the failure message
// preserved as data.
func (r *Router) Dispatch(ctx context.Context, msg JSONRPCMessage) *JSONRPCMessage {
	isNotification := msg.IsNotification()

	h, ok := r.handlers[msg.Method]
	if !ok {
		if isNotification {
			// A dropped notification is indistinguishable from a
			// successful one; accepted protocol behavior.
			r.logger.Debug("dropped notification for unknown method",
				slog.String("method", msg.Method))
			return nil
		}
		resp := NewError(msg.ID, CodeMethodNotFound, "method not found", msg.Method)
		return &resp
	}

	params := msg.Params
	if len(params) == 0 || string(params) == "null" {
		params = emptyParams
	}

	result, err := r.invoke(ctx, h, params)
	if err != nil {
		if isNotification {
			r.logger.Info("notification handler failed",
				slog.String("method", msg.Method),
				slog.String("err", err.Error()))
			return nil
		}
		resp := NewError(msg.ID, CodeInternalError, "internal error", err.Error())
		return &resp
	}

	if isNotification {
		return nil
	}

	resp, err := NewResponse(msg.ID, result)
	if err != nil {
		r.logger.Error("failed to marshal handler result",
			slog.String("method", msg.Method),
			slog.String("err", err.Error()))
		resp = NewError(msg.ID, CodeInternalError, "internal error", err.Error())
	}
	return &resp
}

// invoke runs the handler with panic containment, so a faulting handler
// degrades only its own request.
func (r *Router) invoke(ctx context.Context, h Handler, params json.RawMessage) (result any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("handler panicked", slog.Any("panic", rec))
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return h.Handle(ctx, params)
}
