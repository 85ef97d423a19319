package mcpd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// SSEServer owns the Server-Sent-Events side of the transport. Each accepted
// connection walks a fixed lifecycle: the stream is opened with no-cache and
// keep-alive headers, exactly one "endpoint" event announces the write-back
// URI, then "heartbeat" events are emitted at a fixed cadence until the peer
// disconnects or the server shuts down.
//
// The connection carries no other content on its own; JSON-RPC traffic flows
// over the announced POST endpoint. Broadcast lets other components push
// out-of-band notifications to every live connection.
type SSEServer struct {
	apiPath   string
	heartbeat time.Duration
	logger    *slog.Logger

	mu       sync.Mutex
	sessions map[string]*sseSession

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type sseSession struct {
	id   string
	sess *sse.Session

	// Serializes Send/Flush pairs and gates writes once the handler has
	// returned. The sse library does not allow concurrent writes on one
	// session, and net/http reclaims the response writer after the handler,
	// so no write may start after close.
	writeMu sync.Mutex
	closed  bool
}

var errSessionClosed = errors.New("session closed")

type endpointPayload struct {
	URI string `json:"uri"`
}

type heartbeatPayload struct {
	Timestamp int64 `json:"timestamp"`
}

// SSEOption represents the options for the SSEServer.
type SSEOption func(*SSEServer)

// WithSSEHeartbeatInterval sets the cadence of heartbeat events. The default
// is 30 seconds.
func WithSSEHeartbeatInterval(interval time.Duration) SSEOption {
	return func(s *SSEServer) {
		s.heartbeat = interval
	}
}

// WithSSELogger sets the logger for the SSE server.
func WithSSELogger(logger *slog.Logger) SSEOption {
	return func(s *SSEServer) {
		s.logger = logger.With(slog.String("component", "sse"))
	}
}

// NewSSEServer creates an SSE server announcing apiPath as the write-back
// endpoint. The announced URI is absolute, derived from each request's own
// base URL; clients must treat it as authoritative.
func NewSSEServer(apiPath string, options ...SSEOption) *SSEServer {
	s := &SSEServer{
		apiPath:   apiPath,
		heartbeat: 30 * time.Second,
		logger:    slog.Default(),
		sessions:  make(map[string]*sseSession),
		done:      make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// HandleSSE returns the http.Handler for GET connections. The handler blocks
// for the lifetime of the connection, emitting the endpoint event followed by
// heartbeats, and releases the session when the client disconnects.
func (s *SSEServer) HandleSSE() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-s.done:
			http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
			return
		default:
		}

		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		// Disable buffering in intermediary proxies, or heartbeats
		// would sit in their queues indefinitely.
		w.Header().Set("X-Accel-Buffering", "no")

		sess, err := sse.Upgrade(w, r)
		if err != nil {
			nErr := fmt.Errorf("failed to upgrade session: %w", err)
			s.logger.Error("failed to upgrade session", "err", nErr)
			http.Error(w, nErr.Error(), http.StatusInternalServerError)
			return
		}

		srvSession := &sseSession{
			id:   uuid.New().String(),
			sess: sess,
		}

		payload, err := json.Marshal(endpointPayload{URI: s.endpointURI(r)})
		if err != nil {
			s.logger.Error("failed to marshal endpoint payload", "err", err)
			return
		}
		if err := srvSession.send("endpoint", string(payload)); err != nil {
			s.logger.Error("failed to announce endpoint", "err", err)
			return
		}

		// Registration and the done recheck share the mutex with
		// Shutdown's close, so wg.Wait never returns before a session
		// that passed the check has been counted.
		s.mu.Lock()
		select {
		case <-s.done:
			s.mu.Unlock()
			return
		default:
		}
		s.sessions[srvSession.id] = srvSession
		s.wg.Add(1)
		s.mu.Unlock()

		defer func() {
			srvSession.close()
			s.mu.Lock()
			delete(s.sessions, srvSession.id)
			s.mu.Unlock()
			s.wg.Done()
		}()

		s.heartbeatLoop(r, srvSession)
	})
}

// heartbeatLoop emits heartbeat events until the client disconnects or the
// server shuts down. It never terminates on its own.
func (s *SSEServer) heartbeatLoop(r *http.Request, sess *sseSession) {
	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.done:
			return
		case t := <-ticker.C:
			payload, err := json.Marshal(heartbeatPayload{Timestamp: t.Unix()})
			if err != nil {
				s.logger.Error("failed to marshal heartbeat", "err", err)
				continue
			}
			if err := sess.send("heartbeat", string(payload)); err != nil {
				s.logger.Warn("failed to send heartbeat",
					slog.String("sessionID", sess.id),
					slog.String("err", err.Error()))
				return
			}
		}
	}
}

// Broadcast sends a JSON-RPC message to every connected session as a
// "message" event. Delivery is best-effort; a session that fails to accept
// the event is logged and skipped.
func (s *SSEServer) Broadcast(msg JSONRPCMessage) error {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	s.mu.Lock()
	sessions := make([]*sseSession, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		if err := sess.send("message", string(msgBs)); err != nil {
			s.logger.Warn("failed to broadcast message",
				slog.String("sessionID", sess.id),
				slog.String("err", err.Error()))
		}
	}
	return nil
}

// SessionCount returns the number of live SSE connections.
func (s *SSEServer) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Shutdown terminates all active connections and blocks until their handlers
// return or the context is cancelled.
func (s *SSEServer) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		close(s.done)
		s.mu.Unlock()
	})

	closed := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(closed)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to close SSE server: %w", ctx.Err())
	case <-closed:
	}
	return nil
}

// endpointURI derives the absolute write-back URI from the request's own base
// URL plus the fixed API path suffix.
func (s *SSEServer) endpointURI(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s%s", scheme, r.Host, s.apiPath)
}

// close marks the session unwritable. It must be called before the HTTP
// handler returns; later send attempts fail with errSessionClosed instead of
// touching the reclaimed response writer.
func (s *sseSession) close() {
	s.writeMu.Lock()
	s.closed = true
	s.writeMu.Unlock()
}

func (s *sseSession) send(eventType, data string) error {
	msg := &sse.Message{
		Type: sse.Type(eventType),
	}
	msg.AppendData(data)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.closed {
		return errSessionClosed
	}
	if err := s.sess.Send(msg); err != nil {
		return fmt.Errorf("failed to send event: %w", err)
	}
	if err := s.sess.Flush(); err != nil {
		return fmt.Errorf("failed to flush event: %w", err)
	}
	return nil
}
