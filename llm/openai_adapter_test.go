package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestOpenAIAdapterCompleteWithToolCalls(t *testing.T) {
	var got openAIRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer sk-test" {
			t.Errorf("unexpected authorization header %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decoding request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1",
			"model": "gpt-4o-2024-08-06",
			"choices": [{
				"finish_reason": "tool_calls",
				"message": {
					"role": "assistant",
					"content": null,
					"tool_calls": [
						{"id": "call_a", "type": "function", "function": {"name": "list_repo_files", "arguments": "{\"path\":\"src\"}"}},
						{"id": "call_b", "type": "function", "function": {"name": "query_logs", "arguments": ""}}
					]
				}
			}],
			"usage": {"prompt_tokens": 100, "completion_tokens": 20, "total_tokens": 120}
		}`))
	}))
	defer srv.Close()

	adapter := NewOpenAIAdapter("sk-test", WithBaseURL(srv.URL+"/"))
	resp, err := adapter.Complete(context.Background(), Request{
		Model: "gpt-4o",
		Messages: []Message{
			SystemMessage("sys"),
			UserMessage("investigate"),
			AssistantMessage("", ToolCall{ID: "call_0", Name: "query_logs", Arguments: json.RawMessage(`{"filter_str":"severity>=ERROR"}`)}),
			ToolResultMessage("call_0", "[]", false),
		},
		Tools: []ToolDefinition{{
			Name:        "list_repo_files",
			Description: "List files",
			Parameters:  map[string]interface{}{"type": "object"},
		}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got.ToolChoice != "auto" {
		t.Errorf("expected tool_choice auto, got %q", got.ToolChoice)
	}
	if len(got.Messages) != 4 {
		t.Fatalf("expected 4 messages on the wire, got %d", len(got.Messages))
	}
	if got.Messages[2].Content != nil {
		t.Errorf("expected null content for a tool-calling assistant turn, got %q", *got.Messages[2].Content)
	}
	if got.Messages[3].ToolCallID != "call_0" || got.Messages[3].Role != "tool" {
		t.Errorf("unexpected tool message on the wire: %+v", got.Messages[3])
	}

	if resp.Model != "gpt-4o-2024-08-06" || resp.Provider != "openai" {
		t.Errorf("unexpected response metadata: %+v", resp)
	}
	calls := resp.ToolCalls()
	if len(calls) != 2 {
		t.Fatalf("expected 2 tool calls, got %d", len(calls))
	}
	if calls[0].ID != "call_a" || calls[0].Name != "list_repo_files" || string(calls[0].Arguments) != `{"path":"src"}` {
		t.Errorf("unexpected first call: %+v", calls[0])
	}
	if string(calls[1].Arguments) != "{}" {
		t.Errorf("expected empty arguments to become {}, got %q", calls[1].Arguments)
	}
	if resp.Usage.TotalTokens != 120 {
		t.Errorf("expected 120 total tokens, got %d", resp.Usage.TotalTokens)
	}
}

func TestOpenAIAdapterErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		header map[string]string
		body   string
		check  func(error) bool
	}{
		{
			name:   "auth",
			status: 401,
			body:   `{"error":{"message":"Incorrect API key","type":"invalid_request_error","code":"invalid_api_key"}}`,
			check:  func(e error) bool { var x *AuthenticationError; return errors.As(e, &x) },
		},
		{
			name:   "rate limit with retry-after",
			status: 429,
			header: map[string]string{"Retry-After": "2"},
			body:   `{"error":{"message":"slow down","type":"requests"}}`,
			check: func(e error) bool {
				var x *RateLimitError
				return errors.As(e, &x) && x.RetryAfter != nil && *x.RetryAfter == 2
			},
		},
		{
			name:   "context length",
			status: 400,
			body:   `{"error":{"message":"too long","type":"invalid_request_error","code":"context_length_exceeded"}}`,
			check:  func(e error) bool { var x *ContextLengthError; return errors.As(e, &x) },
		},
		{
			name:   "server",
			status: 502,
			body:   `bad gateway`,
			check:  func(e error) bool { var x *ServerError; return errors.As(e, &x) && x.Message == "bad gateway" },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				for k, v := range tt.header {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewOpenAIAdapter("k", WithBaseURL(srv.URL)).Complete(context.Background(), Request{Model: "gpt-4o"})
			if err == nil || !tt.check(err) {
				t.Errorf("unexpected error: %T %v", err, err)
			}
		})
	}
}

func TestOpenAIAdapterNoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"x","choices":[]}`))
	}))
	defer srv.Close()

	_, err := NewOpenAIAdapter("k", WithBaseURL(srv.URL)).Complete(context.Background(), Request{Model: "gpt-4o"})
	if err == nil {
		t.Fatal("expected error for empty choices")
	}
}

func TestOpenAIAdapterCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewOpenAIAdapter("k", WithBaseURL(srv.URL)).Complete(ctx, Request{Model: "gpt-4o"})
	var abort *AbortError
	if !errors.As(err, &abort) {
		t.Fatalf("expected AbortError, got %T %v", err, err)
	}
	if IsRetryable(err) {
		t.Error("cancelled requests must not be retryable")
	}
}
