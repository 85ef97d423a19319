package mcpd_test

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MegaGrindStone/mcpd"
	"github.com/MegaGrindStone/mcpd/servers/prompts"
)

func postRaw(t *testing.T, httpSrv *httptest.Server, body string) (int, string) {
	t.Helper()

	resp, err := httpSrv.Client().Post(httpSrv.URL+"/api", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post failed: %v", err)
	}
	defer resp.Body.Close()

	bs, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read body: %v", err)
	}
	return resp.StatusCode, string(bs)
}

func TestPostMalformedJSON(t *testing.T) {
	_, httpSrv := newTestServer(t)

	status, body := postRaw(t, httpSrv, `{"jsonrpc":"2.0","method":`)
	if status != http.StatusOK {
		t.Fatalf("got status %d, want %d", status, http.StatusOK)
	}

	var msg mcpd.JSONRPCMessage
	if err := json.Unmarshal([]byte(body), &msg); err != nil {
		t.Fatalf("error envelope is not valid JSON: %v", err)
	}
	if msg.Error == nil || msg.Error.Code != mcpd.CodeParseError {
		t.Errorf("got %v, want a parse error", msg.Error)
	}
	if !strings.Contains(body, `"id":null`) {
		t.Errorf("got body %s, want a null id", body)
	}
}

func TestPostInvalidVersion(t *testing.T) {
	_, httpSrv := newTestServer(t)

	status, body := postRaw(t, httpSrv, `{"jsonrpc":"1.0","id":"1","method":"initialize"}`)
	if status != http.StatusOK {
		t.Fatalf("got status %d, want %d", status, http.StatusOK)
	}

	var msg mcpd.JSONRPCMessage
	if err := json.Unmarshal([]byte(body), &msg); err != nil {
		t.Fatalf("error envelope is not valid JSON: %v", err)
	}
	if msg.Error == nil || msg.Error.Code != mcpd.CodeInvalidRequest {
		t.Errorf("got %v, want an invalid request error", msg.Error)
	}
}

func TestPostNotificationGetsEmptyObject(t *testing.T) {
	_, httpSrv := newTestServer(t)

	status, body := postRaw(t, httpSrv, `{"jsonrpc":"2.0","method":"notifications/progress"}`)
	if status != http.StatusOK {
		t.Fatalf("got status %d, want %d", status, http.StatusOK)
	}
	if strings.TrimSpace(body) != "{}" {
		t.Errorf("got body %q, want an empty object", body)
	}
}

func TestPostNullIDIsNotification(t *testing.T) {
	_, httpSrv := newTestServer(t)

	status, body := postRaw(t, httpSrv, `{"jsonrpc":"2.0","id":null,"method":"does/not/exist"}`)
	if status != http.StatusOK {
		t.Fatalf("got status %d, want %d", status, http.StatusOK)
	}
	if strings.TrimSpace(body) != "{}" {
		t.Errorf("got body %q, want an empty object for a null-id envelope", body)
	}
}

func TestPostEchoesIDVerbatim(t *testing.T) {
	_, httpSrv := newTestServer(t)

	_, body := postRaw(t, httpSrv, `{"jsonrpc":"2.0","id":42,"method":"initialize","params":{}}`)
	if !strings.Contains(body, `"id":42`) {
		t.Errorf("got body %s, want the numeric id echoed", body)
	}

	_, body = postRaw(t, httpSrv, `{"jsonrpc":"2.0","id":"abc","method":"initialize","params":{}}`)
	if !strings.Contains(body, `"id":"abc"`) {
		t.Errorf("got body %s, want the string id echoed", body)
	}
}

func TestPostListIdempotent(t *testing.T) {
	srv, httpSrv := newTestServer(t)
	prompts.NewServer().Register(srv.Router())

	first := ""
	for i := range 2 {
		_, body := postRaw(t, httpSrv, `{"jsonrpc":"2.0","id":"x","method":"prompts/list","params":{}}`)
		if i == 0 {
			first = body
			continue
		}
		if body != first {
			t.Errorf("prompts/list is not idempotent:\nfirst:  %s\nsecond: %s", first, body)
		}
	}
}

func TestRootLiveness(t *testing.T) {
	_, httpSrv := newTestServer(t)

	resp, err := httpSrv.Client().Get(httpSrv.URL + "/")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("got status %d, want %d", resp.StatusCode, http.StatusOK)
	}

	var body struct {
		Message     string `json:"message"`
		APIEndpoint string `json:"api_endpoint"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if body.APIEndpoint != "/api" {
		t.Errorf("got api_endpoint %q, want %q", body.APIEndpoint, "/api")
	}
}

func TestSampleBuiltin(t *testing.T) {
	_, httpSrv := newTestServer(t)

	_, body := postRaw(t, httpSrv, `{"jsonrpc":"2.0","id":"1","method":"sample","params":{"prompt":"what is the answer"}}`)

	var msg mcpd.JSONRPCMessage
	if err := json.Unmarshal([]byte(body), &msg); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if msg.Error != nil {
		t.Fatalf("unexpected error: %v", msg.Error)
	}

	var result struct {
		Content string `json:"content"`
		Usage   struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
			TotalTokens      int `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(msg.Result, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if !strings.Contains(result.Content, "what is the answer") {
		t.Errorf("got content %q, want it to include the prompt", result.Content)
	}
	if result.Usage.PromptTokens != 4 {
		t.Errorf("got %d prompt tokens, want 4", result.Usage.PromptTokens)
	}
	if result.Usage.TotalTokens != result.Usage.PromptTokens+result.Usage.CompletionTokens {
		t.Error("usage totals do not add up")
	}
}
