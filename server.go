package mcpd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
)

// Info describes the server identity reported during initialization.
type Info struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ServerCapabilities lists the capability flags returned by initialize.
type ServerCapabilities struct {
	Logging   *LoggingCapability   `json:"logging,omitempty"`
	Prompts   *PromptsCapability   `json:"prompts,omitempty"`
	Resources *ResourcesCapability `json:"resources,omitempty"`
	Tools     *ToolsCapability     `json:"tools,omitempty"`
}

// LoggingCapability indicates logging support.
type LoggingCapability struct{}

// PromptsCapability indicates prompt management support.
type PromptsCapability struct {
	ListChanged bool `json:"listChanged"`
}

// ResourcesCapability indicates resource management support.
type ResourcesCapability struct {
	Subscribe   bool `json:"subscribe"`
	ListChanged bool `json:"listChanged"`
}

// ToolsCapability indicates tool integration support.
type ToolsCapability struct {
	ListChanged bool `json:"listChanged"`
}

const defaultProtocolVersion = "2024-11-05"

// ServerOption represents the options for the server.
type ServerOption func(*Server)

// Server wires the envelope codec, method router, stream supervisor, and SSE
// transport into the two HTTP surfaces: GET /sse for the event stream and
// POST on the announced endpoint for JSON-RPC envelopes.
//
// The builtin methods initialize, sample, and shutdown are registered at
// construction; domain handlers attach through Router before the server
// starts accepting traffic.
type Server struct {
	info            Info
	protocolVersion string
	apiPath         string
	heartbeat       time.Duration
	shutdownDelay   time.Duration
	logger          *slog.Logger

	onShutdown          func()
	sink                StreamSink
	streamNotifications bool

	router     *Router
	sse        *SSEServer
	supervisor *StreamSupervisor
}

// WithLogger sets the logger for the server and its components.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithHeartbeatInterval sets the SSE heartbeat cadence. The default is
// 30 seconds.
func WithHeartbeatInterval(interval time.Duration) ServerOption {
	return func(s *Server) {
		s.heartbeat = interval
	}
}

// WithAPIPath sets the POST endpoint path announced over SSE. The default
// is "/api".
func WithAPIPath(path string) ServerOption {
	return func(s *Server) {
		s.apiPath = path
	}
}

// WithProtocolVersion sets the protocol version offered when the client's
// initialize request does not carry one.
func WithProtocolVersion(version string) ServerOption {
	return func(s *Server) {
		s.protocolVersion = version
	}
}

// WithOnShutdown sets the callback invoked after a shutdown request has been
// answered. Without it, shutdown replies but terminates nothing.
func WithOnShutdown(fn func()) ServerOption {
	return func(s *Server) {
		s.onShutdown = fn
	}
}

// WithShutdownDelay sets the grace period between answering a shutdown
// request and invoking the shutdown callback. The default is 2 seconds.
func WithShutdownDelay(delay time.Duration) ServerOption {
	return func(s *Server) {
		s.shutdownDelay = delay
	}
}

// WithStreamSink sets the sink receiving supervised stream output. The
// default sink logs chunks.
func WithStreamSink(sink StreamSink) ServerOption {
	return func(s *Server) {
		s.sink = sink
	}
}

// WithStreamNotifications forwards supervised stream output to all connected
// SSE sessions as out-of-band notifications instead of logging it.
func WithStreamNotifications() ServerOption {
	return func(s *Server) {
		s.streamNotifications = true
	}
}

// NewServer creates a server with the builtin method set registered. Domain
// handler packages attach their methods via Router before serving.
func NewServer(info Info, options ...ServerOption) *Server {
	s := &Server{
		info:            info,
		protocolVersion: defaultProtocolVersion,
		apiPath:         "/api",
		heartbeat:       30 * time.Second,
		shutdownDelay:   2 * time.Second,
		logger:          slog.Default(),
	}
	for _, opt := range options {
		opt(s)
	}

	s.sse = NewSSEServer(s.apiPath,
		WithSSEHeartbeatInterval(s.heartbeat),
		WithSSELogger(s.logger))

	sink := s.sink
	if sink == nil && s.streamNotifications {
		sink = NewNotificationSink(s.sse, s.logger)
	}
	supervisorOpts := []StreamOption{WithStreamSupervisorLogger(s.logger)}
	if sink != nil {
		supervisorOpts = append(supervisorOpts, WithStreamSupervisorSink(sink))
	}
	s.supervisor = NewStreamSupervisor(supervisorOpts...)

	s.router = NewRouter()
	s.router.SetLogger(s.logger)
	s.registerBuiltins()

	return s
}

// Router returns the method router for handler registration.
func (s *Server) Router() *Router {
	return s.router
}

// StreamSupervisor returns the supervisor for streaming operations.
func (s *Server) StreamSupervisor() *StreamSupervisor {
	return s.supervisor
}

// SSE returns the SSE transport, for broadcasting out-of-band notifications.
func (s *Server) SSE() *SSEServer {
	return s.sse
}

// Handler returns the HTTP surface of the server: GET /sse opens the event
// stream, POST on the API path accepts JSON-RPC envelopes, and GET / reports
// liveness.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/", s.handleRoot)
	r.Method(http.MethodGet, "/sse", s.sse.HandleSSE())
	r.Post(s.apiPath, s.handleMessage)
	return r
}

// Shutdown terminates the SSE connections and cancels all supervised streams.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.sse.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown SSE server: %w", err)
	}
	if err := s.supervisor.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown stream supervisor: %w", err)
	}
	return nil
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	body := map[string]string{
		"message":      fmt.Sprintf("%s is running", s.info.Name),
		"api_endpoint": s.apiPath,
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("failed to write root response", "err", err)
	}
}

// handleMessage processes one JSON-RPC envelope per POST. Every request gets
// a syntactically valid JSON-RPC response with status 200; notifications get
// an empty object body.
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeMessage(w, NewError(nil, CodeParseError, "parse error", err.Error()))
		return
	}

	msg, rpcErr := DecodeMessage(body)
	if rpcErr != nil {
		s.writeMessage(w, NewError(nil, rpcErr.Code, rpcErr.Message, rpcErr.Data))
		return
	}

	resp := s.router.Dispatch(r.Context(), msg)
	if resp == nil {
		w.Header().Set("Content-Type", "application/json")
		if _, err := w.Write([]byte("{}")); err != nil {
			s.logger.Error("failed to write notification response", "err", err)
		}
		return
	}

	s.writeMessage(w, *resp)
}

func (s *Server) writeMessage(w http.ResponseWriter, msg JSONRPCMessage) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(msg); err != nil {
		s.logger.Error("failed to write response", "err", err)
	}
}

func (s *Server) registerBuiltins() {
	s.router.Register("initialize", HandlerFunc(s.handleInitialize))
	s.router.Register("sample", ContextHandlerFunc(s.handleSample))
	s.router.Register("shutdown", HandlerFunc(s.handleShutdown))
}

type initializeParams struct {
	ProtocolVersion string `json:"protocolVersion"`
}

type initializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      Info               `json:"serverInfo"`
}

// handleInitialize negotiates the protocol version and reports capability
// flags. Its result is treated like any other method result; there is no
// special-casing in dispatch.
func (s *Server) handleInitialize(params json.RawMessage) (any, error) {
	var p initializeParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("failed to parse initialize params: %w", err)
	}

	version := p.ProtocolVersion
	if version == "" {
		version = s.protocolVersion
	}
	s.logger.Info("received initialize request", slog.String("protocolVersion", version))

	return initializeResult{
		ProtocolVersion: version,
		Capabilities: ServerCapabilities{
			Logging:   &LoggingCapability{},
			Prompts:   &PromptsCapability{ListChanged: true},
			Resources: &ResourcesCapability{Subscribe: true, ListChanged: true},
			Tools:     &ToolsCapability{ListChanged: true},
		},
		ServerInfo: s.info,
	}, nil
}

type sampleParams struct {
	Prompt string `json:"prompt"`
}

type sampleUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type sampleResult struct {
	Content string      `json:"content"`
	Usage   sampleUsage `json:"usage"`
}

// handleSample produces a simulated completion. A real deployment would call
// a model API here.
func (s *Server) handleSample(ctx context.Context, params json.RawMessage) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var p sampleParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("failed to parse sample params: %w", err)
	}

	preview := []rune(p.Prompt)
	if len(preview) > 30 {
		preview = preview[:30]
	}
	promptTokens := len(strings.Fields(p.Prompt))

	return sampleResult{
		Content: fmt.Sprintf("This is a simulated response to the prompt %q.", string(preview)),
		Usage: sampleUsage{
			PromptTokens:     promptTokens,
			CompletionTokens: 50,
			TotalTokens:      promptTokens + 50,
		},
	}, nil
}

// handleShutdown replies immediately and schedules termination afterwards;
// the dispatch contract is unaffected since the response is already on the
// wire when teardown begins.
func (s *Server) handleShutdown(json.RawMessage) (any, error) {
	s.logger.Info("received shutdown request")

	go func() {
		time.Sleep(s.shutdownDelay)
		if s.onShutdown == nil {
			s.logger.Warn("no shutdown callback configured")
			return
		}
		s.onShutdown()
	}()

	return map[string]string{"status": "shutting_down"}, nil
}

// NotificationSink forwards supervised stream output to every connected SSE
// session as out-of-band notifications, using the methods
// "notifications/stream/chunk" and "notifications/stream/done".
type NotificationSink struct {
	sse    *SSEServer
	logger *slog.Logger
}

// NewNotificationSink creates a sink broadcasting over the given SSE server.
func NewNotificationSink(sse *SSEServer, logger *slog.Logger) *NotificationSink {
	return &NotificationSink{
		sse:    sse,
		logger: logger.With(slog.String("component", "stream-sink")),
	}
}

type streamChunkParams struct {
	StreamID string `json:"streamId"`
	Kind     string `json:"kind"`
	Content  string `json:"content"`
}

type streamDoneParams struct {
	StreamID string `json:"streamId"`
	Kind     string `json:"kind"`
	Status   string `json:"status"`
}

// StreamChunk implements StreamSink.
func (n *NotificationSink) StreamChunk(streamID, kind, content string) {
	msg, err := NewNotification("notifications/stream/chunk", streamChunkParams{
		StreamID: streamID,
		Kind:     kind,
		Content:  content,
	})
	if err != nil {
		n.logger.Error("failed to build stream chunk notification", "err", err)
		return
	}
	if err := n.sse.Broadcast(msg); err != nil {
		n.logger.Error("failed to broadcast stream chunk", "err", err)
	}
}

// StreamDone implements StreamSink.
func (n *NotificationSink) StreamDone(streamID, kind string, taskErr error) {
	status := "completed"
	switch {
	case errors.Is(taskErr, context.Canceled):
		status = "cancelled"
	case taskErr != nil:
		status = "failed"
	}

	msg, err := NewNotification("notifications/stream/done", streamDoneParams{
		StreamID: streamID,
		Kind:     kind,
		Status:   status,
	})
	if err != nil {
		n.logger.Error("failed to build stream done notification", "err", err)
		return
	}
	if err := n.sse.Broadcast(msg); err != nil {
		n.logger.Error("failed to broadcast stream done", "err", err)
	}
}
