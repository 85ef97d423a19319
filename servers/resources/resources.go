// Package resources implements resource listing, retrieval, search, and
// change subscription over the resources/list, resources/get,
// resources/search, and resources/subscribe methods.
package resources

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/MegaGrindStone/mcpd"
	"github.com/gobwas/glob"
)

// Resource describes a single addressable resource.
type Resource struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Type     string         `json:"type"`
	Path     string         `json:"path"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// SearchHit is one search result with its relevance score.
type SearchHit struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Type      string  `json:"type"`
	Path      string  `json:"path"`
	Relevance float64 `json:"relevance"`
}

const sampleCode = `
def hello_world():
    print("Hello, MCP!")

if __name__ == "__main__":
    hello_world()
`

const sampleDoc = `
# 示例文档

这是一个示例 Markdown 文档，用于演示 MCP 资源管理功能。

## 特性

- 支持多种资源类型
- 动态资源加载
- 资源生命周期管理
`

// Server serves a fixed catalog of sample resources and tracks change
// subscriptions in memory.
type Server struct {
	logger *slog.Logger

	resources map[string]Resource
	contents  map[string]string

	mu          sync.Mutex
	subscribers map[string]struct{}
}

// Option represents the options for the resource server.
type Option func(*Server)

// WithLogger sets the logger for the resource server.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger.With(slog.String("component", "resources"))
	}
}

// NewServer creates a resource server with the sample catalog.
func NewServer(options ...Option) *Server {
	s := &Server{
		logger:      slog.Default(),
		resources:   make(map[string]Resource),
		contents:    make(map[string]string),
		subscribers: make(map[string]struct{}),
	}
	for _, opt := range options {
		opt(s)
	}

	s.resources["resource1"] = Resource{
		ID:   "resource1",
		Name: "示例代码文件",
		Type: "code",
		Path: "/examples/example.py",
		Metadata: map[string]any{
			"language": "python",
			"size":     len(sampleCode),
		},
	}
	s.contents["resource1"] = sampleCode

	s.resources["resource2"] = Resource{
		ID:   "resource2",
		Name: "示例文档",
		Type: "document",
		Path: "/docs/example.md",
		Metadata: map[string]any{
			"format": "markdown",
			"size":   len(sampleDoc),
		},
	}
	s.contents["resource2"] = sampleDoc

	return s
}

// Register attaches the resource methods to the router.
func (s *Server) Register(r *mcpd.Router) {
	r.Register("resources/list", mcpd.HandlerFunc(s.list))
	r.Register("resources/get", mcpd.HandlerFunc(s.get))
	r.Register("resources/search", mcpd.ContextHandlerFunc(s.search))
	r.Register("resources/subscribe", mcpd.HandlerFunc(s.subscribe))
}

type listResult struct {
	Resources []Resource `json:"resources"`
}

func (s *Server) list(json.RawMessage) (any, error) {
	out := make([]Resource, 0, len(s.resources))
	for _, res := range s.resources {
		out = append(out, res)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return listResult{Resources: out}, nil
}

type getParams struct {
	ID string `json:"id"`
}

type getResult struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Type     string         `json:"type"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func (s *Server) get(params json.RawMessage) (any, error) {
	var p getParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("failed to parse params: %w", err)
	}
	if p.ID == "" {
		return nil, fmt.Errorf("missing resource id parameter")
	}

	res, ok := s.resources[p.ID]
	if !ok {
		return nil, fmt.Errorf("resource id %q does not exist", p.ID)
	}

	return getResult{
		ID:       res.ID,
		Name:     res.Name,
		Type:     res.Type,
		Content:  s.contents[res.ID],
		Metadata: res.Metadata,
	}, nil
}

type searchParams struct {
	Query   string `json:"query"`
	Pattern string `json:"pattern"`
}

type searchResult struct {
	Query   string      `json:"query"`
	Results []SearchHit `json:"results"`
}

// search matches resources by query keywords, optionally narrowed by a glob
// pattern over resource paths.
func (s *Server) search(ctx context.Context, params json.RawMessage) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var p searchParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("failed to parse params: %w", err)
	}
	if p.Query == "" && p.Pattern == "" {
		return nil, fmt.Errorf("missing search query parameter")
	}

	var pathGlob glob.Glob
	if p.Pattern != "" {
		g, err := glob.Compile(p.Pattern, '/')
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", p.Pattern, err)
		}
		pathGlob = g
	}

	results := make([]SearchHit, 0, len(s.resources))
	for _, res := range s.resources {
		if pathGlob != nil && !pathGlob.Match(res.Path) {
			continue
		}
		relevance, ok := s.relevance(res, p.Query)
		if !ok {
			continue
		}
		results = append(results, SearchHit{
			ID:        res.ID,
			Name:      res.Name,
			Type:      res.Type,
			Path:      res.Path,
			Relevance: relevance,
		})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Relevance > results[j].Relevance })

	return searchResult{Query: p.Query, Results: results}, nil
}

// relevance scores a resource against the query. Pure pattern searches
// (empty query) match everything the glob allowed.
func (s *Server) relevance(res Resource, query string) (float64, bool) {
	if query == "" {
		return 1, true
	}
	q := strings.ToLower(query)
	switch {
	case res.Type == "code" && strings.Contains(q, "python"):
		return 0.95, true
	case res.Type == "document" && (strings.Contains(query, "文档") || strings.Contains(q, "document")):
		return 0.85, true
	case strings.Contains(strings.ToLower(res.Name), q) || strings.Contains(strings.ToLower(res.Path), q):
		return 0.5, true
	}
	return 0, false
}

type subscribeParams struct {
	ResourceIDs []string `json:"resourceIds"`
}

type subscribeResult struct {
	Success    bool     `json:"success"`
	Subscribed []string `json:"subscribed"`
}

func (s *Server) subscribe(params json.RawMessage) (any, error) {
	var p subscribeParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("failed to parse params: %w", err)
	}
	if p.ResourceIDs == nil {
		return nil, fmt.Errorf("missing resource ids parameter")
	}

	s.mu.Lock()
	for _, id := range p.ResourceIDs {
		s.subscribers[id] = struct{}{}
	}
	s.mu.Unlock()
	s.logger.Info("subscribed to resources", slog.Any("resourceIds", p.ResourceIDs))

	return subscribeResult{Success: true, Subscribed: p.ResourceIDs}, nil
}

// Subscribed reports whether a resource id has at least one subscription.
func (s *Server) Subscribed(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.subscribers[id]
	return ok
}
