// Package sampling implements the model catalog and generation methods:
// sampling/list_models, sampling/get_model, sampling/generate,
// sampling/stream, and sampling/cancel. Generation is simulated; streaming
// runs under the mcpd stream supervisor so it can be cancelled independently
// of the request that started it.
package sampling

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"time"

	"github.com/MegaGrindStone/mcpd"
)

// Model describes one entry in the model catalog.
type Model struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	Capabilities []string `json:"capabilities"`
}

// Server serves the model catalog and generation requests.
type Server struct {
	logger     *slog.Logger
	supervisor *mcpd.StreamSupervisor

	generateDelay time.Duration
	chunkInterval time.Duration

	models map[string]Model
}

// Option represents the options for the sampling server.
type Option func(*Server)

// WithLogger sets the logger for the sampling server.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger.With(slog.String("component", "sampling"))
	}
}

// WithGenerateDelay sets the simulated latency of sampling/generate. The
// default is 1 second.
func WithGenerateDelay(d time.Duration) Option {
	return func(s *Server) {
		s.generateDelay = d
	}
}

// WithChunkInterval sets the pacing between streamed chunks. The default is
// 300 milliseconds.
func WithChunkInterval(d time.Duration) Option {
	return func(s *Server) {
		s.chunkInterval = d
	}
}

// NewServer creates a sampling server over the given stream supervisor,
// seeded with the sample model catalog.
func NewServer(supervisor *mcpd.StreamSupervisor, options ...Option) *Server {
	s := &Server{
		logger:        slog.Default(),
		supervisor:    supervisor,
		generateDelay: time.Second,
		chunkInterval: 300 * time.Millisecond,
		models:        make(map[string]Model),
	}
	for _, opt := range options {
		opt(s)
	}

	for _, m := range []Model{
		{
			ID:           "gpt-3.5-turbo",
			Name:         "GPT-3.5 Turbo",
			Description:  "OpenAI 的 GPT-3.5 Turbo 模型",
			Capabilities: []string{"chat", "completion"},
		},
		{
			ID:           "gpt-4",
			Name:         "GPT-4",
			Description:  "OpenAI 的 GPT-4 模型",
			Capabilities: []string{"chat", "completion", "vision"},
		},
		{
			ID:           "claude-2",
			Name:         "Claude 2",
			Description:  "Anthropic 的 Claude 2 模型",
			Capabilities: []string{"chat", "completion"},
		},
	} {
		s.models[m.ID] = m
	}

	return s
}

// Register attaches the sampling methods to the router.
func (s *Server) Register(r *mcpd.Router) {
	r.Register("sampling/list_models", mcpd.HandlerFunc(s.listModels))
	r.Register("sampling/get_model", mcpd.HandlerFunc(s.getModel))
	r.Register("sampling/generate", mcpd.ContextHandlerFunc(s.generate))
	r.Register("sampling/stream", mcpd.HandlerFunc(s.stream))
	r.Register("sampling/cancel", mcpd.HandlerFunc(s.cancel))
}

type listModelsParams struct {
	Capabilities []string `json:"capabilities"`
}

type listModelsResult struct {
	Models []Model `json:"models"`
}

func (s *Server) listModels(params json.RawMessage) (any, error) {
	var p listModelsParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("failed to parse params: %w", err)
	}

	out := make([]Model, 0, len(s.models))
	for _, m := range s.models {
		if !hasCapabilities(m, p.Capabilities) {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return listModelsResult{Models: out}, nil
}

func hasCapabilities(m Model, required []string) bool {
	for _, cap := range required {
		if !slices.Contains(m.Capabilities, cap) {
			return false
		}
	}
	return true
}

type idParams struct {
	ID string `json:"id"`
}

func (s *Server) getModel(params json.RawMessage) (any, error) {
	var p idParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("failed to parse params: %w", err)
	}
	if p.ID == "" {
		return nil, fmt.Errorf("missing model id parameter")
	}

	m, ok := s.models[p.ID]
	if !ok {
		return nil, fmt.Errorf("model id %q does not exist", p.ID)
	}
	return m, nil
}

type generateParams struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type generateUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type generateResult struct {
	ID     string        `json:"id"`
	Model  string        `json:"model"`
	Output string        `json:"output"`
	Usage  generateUsage `json:"usage"`
}

// generate simulates a one-shot completion, pacing on its context so
// in-flight requests observe cancellation of the POST that carried them.
func (s *Server) generate(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := s.parseGenerateParams(params)
	if err != nil {
		return nil, err
	}

	s.logger.Info("generating",
		slog.String("model", p.Model),
		slog.Int("promptLen", len(p.Prompt)))

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(s.generateDelay):
	}

	promptTokens := len(p.Prompt) / 4
	return generateResult{
		ID:     "gen_" + safeID(p.Model),
		Model:  p.Model,
		Output: fmt.Sprintf("这是来自 %s 模型的示例输出，基于您的提示词。", p.Model),
		Usage: generateUsage{
			PromptTokens:     promptTokens,
			CompletionTokens: 20,
			TotalTokens:      promptTokens + 20,
		},
	}, nil
}

type streamResult struct {
	StreamID string `json:"stream_id"`
	Model    string `json:"model"`
	Status   string `json:"status"`
}

// stream validates the request, hands the generation off to the supervisor,
// and returns the stream id immediately.
func (s *Server) stream(params json.RawMessage) (any, error) {
	p, err := s.parseGenerateParams(params)
	if err != nil {
		return nil, err
	}

	chunks := []string{
		"这是", "来自", fmt.Sprintf(" %s ", p.Model), "模型的", "示例", "流式", "输出，",
		"基于", "您的", "提示词。",
	}

	streamID := s.supervisor.Start(p.Model, func(ctx context.Context, emit mcpd.EmitFunc) error {
		for _, chunk := range chunks {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.chunkInterval):
			}
			emit(chunk)
		}
		return nil
	})

	s.logger.Info("started stream",
		slog.String("streamID", streamID),
		slog.String("model", p.Model))

	return streamResult{StreamID: streamID, Model: p.Model, Status: "started"}, nil
}

type cancelResult struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// cancel signals cooperative cancellation. A stream that already reached a
// terminal state reports not_found rather than erroring.
func (s *Server) cancel(params json.RawMessage) (any, error) {
	var p idParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("failed to parse params: %w", err)
	}
	if p.ID == "" {
		return nil, fmt.Errorf("missing stream id parameter")
	}

	status := "cancelled"
	if !s.supervisor.Cancel(p.ID) {
		status = "not_found"
	}
	return cancelResult{ID: p.ID, Status: status}, nil
}

func (s *Server) parseGenerateParams(params json.RawMessage) (generateParams, error) {
	var p generateParams
	if err := json.Unmarshal(params, &p); err != nil {
		return generateParams{}, fmt.Errorf("failed to parse params: %w", err)
	}
	if p.Model == "" {
		return generateParams{}, fmt.Errorf("missing model id parameter")
	}
	if _, ok := s.models[p.Model]; !ok {
		return generateParams{}, fmt.Errorf("model id %q does not exist", p.Model)
	}
	if p.Prompt == "" {
		return generateParams{}, fmt.Errorf("missing prompt parameter")
	}
	return p, nil
}

func safeID(model string) string {
	out := []rune(model)
	for i, r := range out {
		if r == '-' || r == '.' {
			out[i] = '_'
		}
	}
	return string(out)
}
