package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"SprintPilot/internal/llm"
	"SprintPilot/pkg/plugin"
)

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatalf("expected error when api key is missing")
	}
}

func TestInvokeSuccess(t *testing.T) {
	var captured struct {
		Authorization string
		Body          map[string]any
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured.Authorization = r.Header.Get("Authorization")
		defer r.Body.Close()
		if err := json.NewDecoder(r.Body).Decode(&captured.Body); err != nil {
			t.Errorf("failed to decode body: %v", err)
		}
		writeJSON(w, map[string]any{
			"model": "gpt-4o-mini-2024",
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": "  改进后的描述  "}},
			},
			"usage": map[string]any{"prompt_tokens": 120, "completion_tokens": 340, "total_tokens": 460},
		})
	}))
	defer srv.Close()

	client, err := newClient(Config{APIKey: "test", BaseURL: srv.URL, Timeout: time.Second}, srv.Client())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	conv := llm.NewConversation("system", "user")
	reply, err := client.Invoke(context.Background(), conv, llm.Settings{MaxOutputTokens: 256, Temperature: 0.7}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if reply.Content != "改进后的描述" || reply.Model != "gpt-4o-mini-2024" {
		t.Fatalf("unexpected reply: %+v", reply)
	}
	if p, c, total := llm.ExtractUsage(reply); p != 120 || c != 340 || total != 460 {
		t.Fatalf("unexpected usage %d/%d/%d", p, c, total)
	}
	if !strings.HasPrefix(captured.Authorization, "Bearer ") {
		t.Fatalf("authorization header missing: %q", captured.Authorization)
	}
	if _, ok := captured.Body["tools"]; ok {
		t.Fatalf("tools must be omitted when none are supplied")
	}
}

func TestInvokeRunsToolLoop(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Messages []struct {
				Role       string `json:"role"`
				Content    string `json:"content"`
				ToolCallID string `json:"tool_call_id"`
			} `json:"messages"`
			Tools []any `json:"tools"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)

		if calls.Add(1) == 1 {
			if len(body.Tools) != 1 {
				t.Errorf("expected one tool definition, got %d", len(body.Tools))
			}
			writeJSON(w, map[string]any{
				"choices": []map[string]any{{
					"message": map[string]any{
						"role": "assistant",
						"tool_calls": []map[string]any{
							{"id": "call_1", "type": "function", "function": map[string]any{"name": "get_team_velocity", "arguments": `{"project_id":1}`}},
							{"id": "call_2", "type": "function", "function": map[string]any{"name": "missing_tool", "arguments": `{}`}},
						},
					},
				}},
			})
			return
		}

		last := body.Messages[len(body.Messages)-1]
		if last.Role != "tool" || last.ToolCallID != "call_2" {
			t.Errorf("unexpected trailing message: %+v", last)
		}
		writeJSON(w, map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"role": "assistant", "content": "plan"}}},
		})
	}))
	defer srv.Close()

	client, err := newClient(Config{APIKey: "test", BaseURL: srv.URL}, srv.Client())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var received string
	tools := []plugin.Function{{
		Name: "get_team_velocity",
		Handler: func(_ context.Context, args json.RawMessage) (string, error) {
			received = string(args)
			return `{"average":21}`, nil
		},
	}}

	reply, err := client.Invoke(context.Background(), llm.NewConversation("s", "u"), llm.Settings{ToolCallMode: llm.ToolCallAuto}, tools)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reply.Content != "plan" {
		t.Fatalf("unexpected content %q", reply.Content)
	}
	if received != `{"project_id":1}` {
		t.Fatalf("handler received %q", received)
	}
	if len(reply.ToolInvocations) != 2 || reply.ToolInvocations[1].Error == "" {
		t.Fatalf("unexpected invocations: %+v", reply.ToolInvocations)
	}
	if reply.Usage != nil {
		t.Fatalf("usage should stay nil when the backend reports none")
	}
}

func TestInvokeGatewayErrorIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client, err := newClient(Config{APIKey: "test", BaseURL: srv.URL}, srv.Client())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err = client.Invoke(context.Background(), llm.NewConversation("s", "u"), llm.Settings{}, nil)
	if !errors.Is(err, llm.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestInvokeConnectionRefusedIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	client, err := newClient(Config{APIKey: "test", BaseURL: url}, &http.Client{Timeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err = client.Invoke(context.Background(), llm.NewConversation("s", "u"), llm.Settings{}, nil)
	if !errors.Is(err, llm.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestInvokeBadRequestIsNotUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadRequest)
	}))
	defer srv.Close()

	client, err := newClient(Config{APIKey: "test", BaseURL: srv.URL}, srv.Client())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err = client.Invoke(context.Background(), llm.NewConversation("s", "u"), llm.Settings{}, nil)
	if err == nil || errors.Is(err, llm.ErrUnavailable) {
		t.Fatalf("expected non-transport error, got %v", err)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
