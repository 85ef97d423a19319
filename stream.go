package mcpd

import (
	"context"
	"errors"
	"log/slog"
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// EmitFunc delivers one chunk of streaming output to the supervisor's sink.
type EmitFunc func(content string)

// StreamTask is the body of a supervised streaming operation. It runs
// detached from the request that started it and must observe ctx at its
// pacing checkpoints; cancellation is cooperative, never preemptive.
type StreamTask func(ctx context.Context, emit EmitFunc) error

// StreamSink receives the output of supervised streams. A full deployment
// forwards chunks to connected clients as out-of-band notifications (see
// NotificationSink); the default sink logs them.
type StreamSink interface {
	// StreamChunk is called once per emitted chunk, in emission order.
	StreamChunk(streamID, kind, content string)
	// StreamDone is called exactly once when the stream reaches a terminal
	// state. err is nil on completion and context.Canceled on cancellation.
	StreamDone(streamID, kind string, err error)
}

// StreamOption represents the options for the StreamSupervisor.
type StreamOption func(*StreamSupervisor)

// WithStreamSupervisorSink sets the sink receiving stream output.
func WithStreamSupervisorSink(sink StreamSink) StreamOption {
	return func(s *StreamSupervisor) {
		s.sink = sink
	}
}

// WithStreamSupervisorLogger sets the logger for the supervisor.
func WithStreamSupervisorLogger(logger *slog.Logger) StreamOption {
	return func(s *StreamSupervisor) {
		s.logger = logger.With(slog.String("component", "stream"))
	}
}

// StreamSupervisor starts, tracks, and cancels long-running streaming tasks.
// Every spawned task has an explicit handle in the index; completion always
// removes its entry, so no task is ever left unobserved.
type StreamSupervisor struct {
	logger *slog.Logger
	sink   StreamSink

	mu      sync.Mutex
	streams map[string]*streamHandle

	entropyMu sync.Mutex
	entropy   *ulid.MonotonicEntropy
}

type streamHandle struct {
	id     string
	kind   string
	cancel context.CancelFunc
	done   chan struct{}
}

// NewStreamSupervisor creates a supervisor with no active streams. Without a
// WithStreamSupervisorSink option, stream output is logged.
func NewStreamSupervisor(options ...StreamOption) *StreamSupervisor {
	s := &StreamSupervisor{
		logger:  slog.Default(),
		streams: make(map[string]*streamHandle),
		entropy: ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0),
	}
	for _, opt := range options {
		opt(s)
	}
	if s.sink == nil {
		s.sink = logSink{logger: s.logger}
	}
	return s
}

// Start launches task as a detached stream and returns its id immediately.
// Stream ids are ULIDs: a millisecond timestamp plus monotonic randomness, so
// ids stay unique even at high start rates.
func (s *StreamSupervisor) Start(kind string, task StreamTask) string {
	id := s.newStreamID()

	ctx, cancel := context.WithCancel(context.Background())
	h := &streamHandle{
		id:     id,
		kind:   kind,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	s.mu.Lock()
	s.streams[id] = h
	s.mu.Unlock()

	go s.run(ctx, h, task)

	return id
}

// Cancel signals cooperative cancellation of a running stream. It returns
// false when the id is unknown or the stream already reached a terminal
// state; calling it concurrently with the task's own completion is safe.
func (s *StreamSupervisor) Cancel(id string) bool {
	s.mu.Lock()
	h, ok := s.streams[id]
	s.mu.Unlock()
	if !ok {
		return false
	}
	h.cancel()
	return true
}

// Wait blocks until the stream with the given id reaches a terminal state or
// the context is cancelled. An unknown id returns immediately, since
// completed streams leave the index.
func (s *StreamSupervisor) Wait(ctx context.Context, id string) error {
	s.mu.Lock()
	h, ok := s.streams[id]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		return nil
	}
}

// Active returns the number of streams that have not yet reached a terminal
// state.
func (s *StreamSupervisor) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams)
}

// Shutdown cancels every active stream and waits for all of them to finish.
func (s *StreamSupervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	handles := make([]*streamHandle, 0, len(s.streams))
	for _, h := range s.streams {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	for _, h := range handles {
		h.cancel()
	}
	for _, h := range handles {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-h.done:
		}
	}
	return nil
}

func (s *StreamSupervisor) run(ctx context.Context, h *streamHandle, task StreamTask) {
	defer func() {
		h.cancel()
		s.mu.Lock()
		delete(s.streams, h.id)
		s.mu.Unlock()
		close(h.done)
	}()

	emit := func(content string) {
		s.sink.StreamChunk(h.id, h.kind, content)
	}

	err := task(ctx, emit)
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("stream task failed",
			slog.String("streamID", h.id),
			slog.String("kind", h.kind),
			slog.String("err", err.Error()))
	}
	s.sink.StreamDone(h.id, h.kind, err)
}

func (s *StreamSupervisor) newStreamID() string {
	s.entropyMu.Lock()
	defer s.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy).String()
}

// logSink logs stream output, mirroring what the reference handlers do when
// no forwarding sink is configured.
type logSink struct {
	logger *slog.Logger
}

func (l logSink) StreamChunk(streamID, kind, content string) {
	l.logger.Info("stream chunk",
		slog.String("streamID", streamID),
		slog.String("kind", kind),
		slog.String("content", content))
}

func (l logSink) StreamDone(streamID, kind string, err error) {
	if err != nil {
		l.logger.Info("stream ended",
			slog.String("streamID", streamID),
			slog.String("kind", kind),
			slog.String("err", err.Error()))
		return
	}
	l.logger.Info("stream completed",
		slog.String("streamID", streamID),
		slog.String("kind", kind))
}
