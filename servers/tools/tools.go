// Package tools implements the tool registry and execution methods:
// tools/list, tools/execute, and tools/cancel. Tool handlers are invoked
// in-process; a handler failure is folded into the execution result rather
// than a protocol error.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"github.com/MegaGrindStone/mcpd"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// Handler executes a tool with the parsed arguments.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Tool pairs tool metadata with its handler. Parameters holds the JSON
// schema advertised by tools/list.
type Tool struct {
	ID          string
	Name        string
	Description string
	Parameters  json.RawMessage
	Handler     Handler
}

// Server holds the tool registry. Registration happens at construction; the
// registry is read-only afterwards.
type Server struct {
	logger *slog.Logger
	tools  map[string]Tool
}

// Option represents the options for the tool server.
type Option func(*Server)

// WithLogger sets the logger for the tool server.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger.With(slog.String("component", "tools"))
	}
}

// NewServer creates a tool server with the builtin tools registered.
func NewServer(options ...Option) *Server {
	s := &Server{
		logger: slog.Default(),
		tools:  make(map[string]Tool),
	}
	for _, opt := range options {
		opt(s)
	}

	s.Add(searchTool())
	s.Add(fileSystemTool())
	s.Add(diffTool())

	return s
}

// Add registers a tool. A tool with the same id overwrites the previous one.
func (s *Server) Add(t Tool) {
	s.tools[t.ID] = t
}

// Register attaches the tool methods to the router.
func (s *Server) Register(r *mcpd.Router) {
	r.Register("tools/list", mcpd.HandlerFunc(s.list))
	r.Register("tools/execute", mcpd.ContextHandlerFunc(s.execute))
	r.Register("tools/cancel", mcpd.HandlerFunc(s.cancel))
}

type toolInfo struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type listResult struct {
	Tools []toolInfo `json:"tools"`
}

func (s *Server) list(json.RawMessage) (any, error) {
	out := make([]toolInfo, 0, len(s.tools))
	for _, t := range s.tools {
		out = append(out, toolInfo{
			ID:          t.ID,
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return listResult{Tools: out}, nil
}

type executeParams struct {
	ID     string         `json:"id"`
	Params map[string]any `json:"params"`
}

type executeResult struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

func (s *Server) execute(ctx context.Context, params json.RawMessage) (any, error) {
	var p executeParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("failed to parse params: %w", err)
	}
	if p.ID == "" {
		return nil, fmt.Errorf("missing tool id parameter")
	}

	t, ok := s.tools[p.ID]
	if !ok {
		return nil, fmt.Errorf("tool id %q does not exist", p.ID)
	}

	args := p.Params
	if args == nil {
		args = map[string]any{}
	}

	result, err := t.Handler(ctx, args)
	if err != nil {
		s.logger.Info("tool execution failed",
			slog.String("tool", p.ID),
			slog.String("err", err.Error()))
		return executeResult{ID: p.ID, Status: "error", Error: err.Error()}, nil
	}

	return executeResult{ID: p.ID, Status: "success", Result: result}, nil
}

type cancelResult struct {
	ID        string `json:"id"`
	Cancelled bool   `json:"cancelled"`
}

// cancel acknowledges a cancellation request. Tool executions are synchronous
// in this reference set, so there is nothing in flight to stop.
func (s *Server) cancel(params json.RawMessage) (any, error) {
	var p executeParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("failed to parse params: %w", err)
	}
	if p.ID == "" {
		return nil, fmt.Errorf("missing tool id parameter")
	}
	return cancelResult{ID: p.ID, Cancelled: true}, nil
}

func stringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

func searchTool() Tool {
	return Tool{
		ID:          "search",
		Name:        "搜索工具",
		Description: "在代码库中搜索内容",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"query": {"type": "string", "description": "搜索查询"},
				"scope": {"type": "string", "description": "搜索范围", "enum": ["all", "code", "docs"]}
			},
			"required": ["query"]
		}`),
		Handler: func(_ context.Context, args map[string]any) (any, error) {
			query := stringArg(args, "query")
			scope := stringArg(args, "scope")
			if scope == "" {
				scope = "all"
			}

			type hit struct {
				Path      string  `json:"path"`
				Snippet   string  `json:"snippet"`
				Relevance float64 `json:"relevance"`
			}
			results := []hit{}
			if scope == "all" || scope == "code" {
				results = append(results, hit{
					Path:      "/examples/example.py",
					Snippet:   "def hello_world():",
					Relevance: 0.95,
				})
			}
			if scope == "all" || scope == "docs" {
				results = append(results, hit{
					Path:      "/docs/example.md",
					Snippet:   "# 示例文档",
					Relevance: 0.85,
				})
			}

			return map[string]any{
				"query":   query,
				"scope":   scope,
				"results": results,
			}, nil
		},
	}
}

func fileSystemTool() Tool {
	return Tool{
		ID:          "fileSystem",
		Name:        "文件系统工具",
		Description: "访问和操作文件系统",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"action": {"type": "string", "description": "操作类型", "enum": ["read", "write", "list", "delete"]},
				"path": {"type": "string", "description": "文件或目录路径"},
				"content": {"type": "string", "description": "写入的内容（仅用于写入操作）"}
			},
			"required": ["action", "path"]
		}`),
		Handler: func(_ context.Context, args map[string]any) (any, error) {
			action := stringArg(args, "action")
			path := stringArg(args, "path")
			if action == "" || path == "" {
				return nil, fmt.Errorf("missing required parameters")
			}

			// Simulated filesystem; no real file access happens here.
			switch action {
			case "read":
				content := "这是模拟的文件内容"
				return map[string]any{"path": path, "content": content, "size": len(content)}, nil
			case "write":
				content := stringArg(args, "content")
				return map[string]any{"path": path, "written": true, "size": len(content)}, nil
			case "list":
				return map[string]any{
					"path": path,
					"items": []map[string]any{
						{"name": "file1.txt", "type": "file", "size": 1024},
						{"name": "file2.py", "type": "file", "size": 2048},
						{"name": "subdir", "type": "directory"},
					},
				}, nil
			case "delete":
				return map[string]any{"path": path, "deleted": true}, nil
			default:
				return nil, fmt.Errorf("unsupported action: %s", action)
			}
		},
	}
}

func diffTool() Tool {
	return Tool{
		ID:          "diff",
		Name:        "差异比较工具",
		Description: "比较两段文本并返回差异",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"old": {"type": "string", "description": "原始文本"},
				"new": {"type": "string", "description": "修改后的文本"}
			},
			"required": ["old", "new"]
		}`),
		Handler: func(_ context.Context, args map[string]any) (any, error) {
			oldText, oldOK := args["old"].(string)
			newText, newOK := args["new"].(string)
			if !oldOK || !newOK {
				return nil, fmt.Errorf("missing required parameters")
			}

			dmp := diffmatchpatch.New()
			diffs := dmp.DiffMain(oldText, newText, false)
			patches := dmp.PatchMake(oldText, diffs)

			changes := 0
			for _, d := range diffs {
				if d.Type != diffmatchpatch.DiffEqual {
					changes++
				}
			}

			return map[string]any{
				"patch":   dmp.PatchToText(patches),
				"changes": changes,
			}, nil
		},
	}
}
