package model

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"github.com/driftlock/opsagent/internal/config"
)

func completionServer(t *testing.T, respond func(w http.ResponseWriter, body map[string]any)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-key" {
			t.Errorf("authorization = %s", auth)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		respond(w, body)
	}))
}

func newTestClient(t *testing.T, baseURL string) Client {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Provider.APIKey = "test-key"
	cfg.Provider.BaseURL = baseURL + "/v1"
	cfg.Agent.Model = "gpt-4o-mini"
	c, err := NewOpenAIClient(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewOpenAIClient: %v", err)
	}
	return c
}

func TestComplete_PlainAnswer(t *testing.T) {
	srv := completionServer(t, func(w http.ResponseWriter, body map[string]any) {
		if body["model"] != "gpt-4o-mini" {
			t.Errorf("model = %v", body["model"])
		}
		msgs, _ := body["messages"].([]any)
		if len(msgs) != 2 {
			t.Errorf("messages = %d, want 2", len(msgs))
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": "Restart the pod."}},
			},
		})
	})
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	resp, err := c.Complete(context.Background(), Request{Messages: []Message{
		{Role: RoleSystem, Content: "You are a DevOps assistant."},
		{Role: RoleUser, Content: "The API pod is crash-looping."},
	}})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Message.Content != "Restart the pod." {
		t.Fatalf("content = %q", resp.Message.Content)
	}
	if len(resp.Message.ToolCalls) != 0 {
		t.Fatalf("tool calls = %d, want 0", len(resp.Message.ToolCalls))
	}
}

func TestComplete_ToolCallsRoundTrip(t *testing.T) {
	srv := completionServer(t, func(w http.ResponseWriter, body map[string]any) {
		tools, _ := body["tools"].([]any)
		if len(tools) != 1 {
			t.Errorf("tools = %d, want 1", len(tools))
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{
					"role": "assistant",
					"tool_calls": []map[string]any{
						{
							"id":   "call-1",
							"type": "function",
							"function": map[string]any{
								"name":      "list_alarms",
								"arguments": `{"region":"us-east-1"}`,
							},
						},
					},
				}},
			},
		})
	})
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	resp, err := c.Complete(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "Any alarms firing?"}},
		Tools: []ToolDef{{
			Name:        "list_alarms",
			Description: "List active alarms",
			Parameters:  json.RawMessage(`{"type":"object"}`),
		}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if len(resp.Message.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d, want 1", len(resp.Message.ToolCalls))
	}
	call := resp.Message.ToolCalls[0]
	if call.ID != "call-1" || call.Name != "list_alarms" {
		t.Fatalf("call = %+v", call)
	}
	if string(call.Arguments) != `{"region":"us-east-1"}` {
		t.Fatalf("arguments = %s", call.Arguments)
	}
}

func TestComplete_NoChoices(t *testing.T) {
	srv := completionServer(t, func(w http.ResponseWriter, body map[string]any) {
		_ = json.NewEncoder(w).Encode(map[string]any{"choices": []any{}})
	})
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.Complete(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	if err == nil {
		t.Fatal("expected error for empty choices")
	}
}

func TestNewOpenAIClient_RequiresKey(t *testing.T) {
	cfg := config.DefaultConfig()
	if _, err := NewOpenAIClient(cfg, zerolog.Nop()); err == nil {
		t.Fatal("expected error without api key")
	}
}
