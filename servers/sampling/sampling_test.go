package sampling_test

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MegaGrindStone/mcpd"
	"github.com/MegaGrindStone/mcpd/servers/sampling"
)

type recordingSink struct {
	mu     sync.Mutex
	chunks []string
	err    error
	done   bool
}

func (r *recordingSink) StreamChunk(_, _, content string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chunks = append(r.chunks, content)
}

func (r *recordingSink) StreamDone(_, _ string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
	r.done = true
}

func newTestServer(t *testing.T) (*mcpd.Router, *mcpd.StreamSupervisor, *recordingSink) {
	t.Helper()

	sink := &recordingSink{}
	sup := mcpd.NewStreamSupervisor(mcpd.WithStreamSupervisorSink(sink))
	srv := sampling.NewServer(sup,
		sampling.WithGenerateDelay(time.Millisecond),
		sampling.WithChunkInterval(time.Millisecond))

	r := mcpd.NewRouter()
	srv.Register(r)
	return r, sup, sink
}

func call(t *testing.T, r *mcpd.Router, method, params string) *mcpd.JSONRPCMessage {
	t.Helper()

	raw := `{"jsonrpc":"2.0","id":"1","method":"` + method + `","params":` + params + `}`
	msg, rpcErr := mcpd.DecodeMessage([]byte(raw))
	if rpcErr != nil {
		t.Fatalf("failed to decode request: %v", rpcErr)
	}
	resp := r.Dispatch(context.Background(), msg)
	if resp == nil {
		t.Fatal("expected a response")
	}
	return resp
}

func result[T any](t *testing.T, resp *mcpd.JSONRPCMessage) T {
	t.Helper()

	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}
	var out T
	if err := json.Unmarshal(resp.Result, &out); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	return out
}

type listModelsResult struct {
	Models []sampling.Model `json:"models"`
}

func TestListModels(t *testing.T) {
	r, _, _ := newTestServer(t)

	got := result[listModelsResult](t, call(t, r, "sampling/list_models", `{}`))
	if len(got.Models) != 3 {
		t.Fatalf("got %d models, want 3", len(got.Models))
	}
	ids := []string{got.Models[0].ID, got.Models[1].ID, got.Models[2].ID}
	want := []string{"claude-2", "gpt-3.5-turbo", "gpt-4"}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("got ids %v, want %v sorted", ids, want)
			break
		}
	}
}

func TestListModelsCapabilityFilter(t *testing.T) {
	r, _, _ := newTestServer(t)

	got := result[listModelsResult](t, call(t, r, "sampling/list_models",
		`{"capabilities":["vision"]}`))
	if len(got.Models) != 1 {
		t.Fatalf("got %d models, want 1", len(got.Models))
	}
	if got.Models[0].ID != "gpt-4" {
		t.Errorf("got id %q, want gpt-4", got.Models[0].ID)
	}
}

func TestGetModel(t *testing.T) {
	r, _, _ := newTestServer(t)

	got := result[sampling.Model](t, call(t, r, "sampling/get_model", `{"id":"claude-2"}`))
	if got.Name != "Claude 2" {
		t.Errorf("got name %q, want %q", got.Name, "Claude 2")
	}
}

func TestGetModelUnknown(t *testing.T) {
	r, _, _ := newTestServer(t)

	resp := call(t, r, "sampling/get_model", `{"id":"nope"}`)
	if resp.Error == nil || resp.Error.Code != mcpd.CodeInternalError {
		t.Fatalf("got %v, want an internal error", resp.Error)
	}
}

func TestGenerate(t *testing.T) {
	r, _, _ := newTestServer(t)

	got := result[struct {
		ID     string `json:"id"`
		Model  string `json:"model"`
		Output string `json:"output"`
		Usage  struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
			TotalTokens      int `json:"total_tokens"`
		} `json:"usage"`
	}](t, call(t, r, "sampling/generate", `{"model":"gpt-4","prompt":"你好，世界"}`))

	if got.ID != "gen_gpt_4" {
		t.Errorf("got id %q, want gen_gpt_4", got.ID)
	}
	if !strings.Contains(got.Output, "gpt-4") {
		t.Errorf("got output %q, want it to name the model", got.Output)
	}
	if got.Usage.TotalTokens != got.Usage.PromptTokens+got.Usage.CompletionTokens {
		t.Error("usage totals do not add up")
	}
}

func TestGenerateUnknownModel(t *testing.T) {
	r, _, _ := newTestServer(t)

	resp := call(t, r, "sampling/generate", `{"model":"nope","prompt":"hi"}`)
	if resp.Error == nil {
		t.Fatal("expected an error for an unknown model")
	}
}

func TestGenerateWithoutPrompt(t *testing.T) {
	r, _, _ := newTestServer(t)

	resp := call(t, r, "sampling/generate", `{"model":"gpt-4"}`)
	if resp.Error == nil {
		t.Fatal("expected an error for a missing prompt")
	}
}

func TestStream(t *testing.T) {
	r, sup, sink := newTestServer(t)

	got := result[struct {
		StreamID string `json:"stream_id"`
		Model    string `json:"model"`
		Status   string `json:"status"`
	}](t, call(t, r, "sampling/stream", `{"model":"gpt-3.5-turbo","prompt":"你好"}`))

	if got.Status != "started" {
		t.Errorf("got status %q, want started", got.Status)
	}
	if got.Model != "gpt-3.5-turbo" {
		t.Errorf("got model %q, want gpt-3.5-turbo", got.Model)
	}
	if got.StreamID == "" {
		t.Fatal("expected a non-empty stream id")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sup.Wait(ctx, got.StreamID); err != nil {
		t.Fatalf("wait failed: %v", err)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if !sink.done {
		t.Fatal("stream never reported completion")
	}
	if sink.err != nil {
		t.Errorf("unexpected terminal error: %v", sink.err)
	}
	if len(sink.chunks) == 0 {
		t.Fatal("stream emitted no chunks")
	}
	joined := strings.Join(sink.chunks, "")
	if !strings.Contains(joined, "gpt-3.5-turbo") {
		t.Errorf("got output %q, want it to name the model", joined)
	}
}

func TestStreamThenCancel(t *testing.T) {
	sink := &recordingSink{}
	sup := mcpd.NewStreamSupervisor(mcpd.WithStreamSupervisorSink(sink))
	srv := sampling.NewServer(sup,
		sampling.WithChunkInterval(time.Hour))
	r := mcpd.NewRouter()
	srv.Register(r)

	started := result[struct {
		StreamID string `json:"stream_id"`
	}](t, call(t, r, "sampling/stream", `{"model":"gpt-4","prompt":"你好"}`))

	cancelled := result[struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}](t, call(t, r, "sampling/cancel", `{"id":"`+started.StreamID+`"}`))
	if cancelled.Status != "cancelled" {
		t.Errorf("got status %q, want cancelled", cancelled.Status)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sup.Wait(ctx, started.StreamID); err != nil {
		t.Fatalf("wait failed: %v", err)
	}
}

func TestCancelUnknownStream(t *testing.T) {
	r, _, _ := newTestServer(t)

	got := result[struct {
		Status string `json:"status"`
	}](t, call(t, r, "sampling/cancel", `{"id":"no-such-stream"}`))
	if got.Status != "not_found" {
		t.Errorf("got status %q, want not_found", got.Status)
	}
}
