// Package prompts implements prompt template management over the
// prompts/list, prompts/get, prompts/create, prompts/update, and
// prompts/delete methods. State is kept in memory.
package prompts

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/MegaGrindStone/mcpd"
)

// Prompt is a reusable prompt template identified by id.
type Prompt struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Content     string `json:"content"`
}

// Server manages an in-memory prompt table. A mutex provides the
// single-writer discipline for create/update/delete; list/get take the read
// side.
type Server struct {
	logger *slog.Logger

	mu      sync.RWMutex
	prompts map[string]Prompt
}

// Option represents the options for the prompt server.
type Option func(*Server)

// WithLogger sets the logger for the prompt server.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger.With(slog.String("component", "prompts"))
	}
}

// NewServer creates a prompt server seeded with the sample prompt templates.
func NewServer(options ...Option) *Server {
	s := &Server{
		logger:  slog.Default(),
		prompts: make(map[string]Prompt),
	}
	for _, opt := range options {
		opt(s)
	}

	s.seed(Prompt{
		ID:          "code_review",
		Name:        "代码审查",
		Description: "用于代码审查的提示词模板",
		Content:     "你是一个专业的代码审查者。请审查以下代码并提供改进建议：\n\n{{code}}",
	})
	s.seed(Prompt{
		ID:          "documentation",
		Name:        "文档生成",
		Description: "用于生成代码文档的提示词模板",
		Content:     "请为以下代码生成详细的文档，包括函数说明、参数描述和使用示例：\n\n{{code}}",
	})

	return s
}

// Register attaches the prompt methods to the router.
func (s *Server) Register(r *mcpd.Router) {
	r.Register("prompts/list", mcpd.HandlerFunc(s.list))
	r.Register("prompts/get", mcpd.HandlerFunc(s.get))
	r.Register("prompts/create", mcpd.ContextHandlerFunc(s.create))
	r.Register("prompts/update", mcpd.HandlerFunc(s.update))
	r.Register("prompts/delete", mcpd.HandlerFunc(s.delete))
}

func (s *Server) seed(p Prompt) {
	s.prompts[p.ID] = p
}

type idParams struct {
	ID string `json:"id"`
}

type createParams struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Content     *string `json:"content"`
}

type updateParams struct {
	ID          string  `json:"id"`
	Name        *string `json:"name"`
	Description *string `json:"description"`
	Content     *string `json:"content"`
}

type listResult struct {
	Prompts []Prompt `json:"prompts"`
}

type deleteResult struct {
	ID      string `json:"id"`
	Deleted bool   `json:"deleted"`
}

func (s *Server) list(json.RawMessage) (any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Prompt, 0, len(s.prompts))
	for _, p := range s.prompts {
		out = append(out, p)
	}
	// Deterministic order so identical list requests yield identical results.
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return listResult{Prompts: out}, nil
}

func (s *Server) get(params json.RawMessage) (any, error) {
	var p idParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("failed to parse params: %w", err)
	}
	if p.ID == "" {
		return nil, fmt.Errorf("missing prompt id parameter")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	prompt, ok := s.prompts[p.ID]
	if !ok {
		return nil, fmt.Errorf("prompt id %q does not exist", p.ID)
	}
	return prompt, nil
}

func (s *Server) create(ctx context.Context, params json.RawMessage) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var p createParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("failed to parse params: %w", err)
	}
	if p.ID == "" || p.Content == nil {
		return nil, fmt.Errorf("missing required parameters")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.prompts[p.ID]; ok {
		return nil, fmt.Errorf("prompt id %q already exists", p.ID)
	}

	name := p.Name
	if name == "" {
		name = p.ID
	}
	prompt := Prompt{
		ID:          p.ID,
		Name:        name,
		Description: p.Description,
		Content:     *p.Content,
	}
	s.prompts[p.ID] = prompt
	s.logger.Info("created prompt", slog.String("id", p.ID))

	return prompt, nil
}

func (s *Server) update(params json.RawMessage) (any, error) {
	var p updateParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("failed to parse params: %w", err)
	}
	if p.ID == "" {
		return nil, fmt.Errorf("missing prompt id parameter")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prompt, ok := s.prompts[p.ID]
	if !ok {
		return nil, fmt.Errorf("prompt id %q does not exist", p.ID)
	}

	if p.Name != nil {
		prompt.Name = *p.Name
	}
	if p.Description != nil {
		prompt.Description = *p.Description
	}
	if p.Content != nil {
		prompt.Content = *p.Content
	}
	s.prompts[p.ID] = prompt
	s.logger.Info("updated prompt", slog.String("id", p.ID))

	return prompt, nil
}

func (s *Server) delete(params json.RawMessage) (any, error) {
	var p idParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("failed to parse params: %w", err)
	}
	if p.ID == "" {
		return nil, fmt.Errorf("missing prompt id parameter")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.prompts[p.ID]; !ok {
		return nil, fmt.Errorf("prompt id %q does not exist", p.ID)
	}
	delete(s.prompts, p.ID)
	s.logger.Info("deleted prompt", slog.String("id", p.ID))

	return deleteResult{ID: p.ID, Deleted: true}, nil
}
