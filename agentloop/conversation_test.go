package agentloop

import (
	"errors"
	"testing"

	"github.com/martinemde/debugagent/llm"
)

func TestConversationPairing(t *testing.T) {
	c, err := NewConversation(llm.SystemMessage("s"), llm.UserMessage("u"))
	if err != nil {
		t.Fatal(err)
	}

	steps := []struct {
		name    string
		msg     llm.Message
		wantErr bool
	}{
		{"assistant with calls", llm.AssistantMessage("", call("a", "x", `{}`), call("b", "y", `{}`)), false},
		{"user while pending", llm.UserMessage("hurry"), true},
		{"assistant while pending", llm.AssistantMessage("done"), true},
		{"unknown id", llm.ToolResultMessage("zzz", "r", false), true},
		{"answer b first", llm.ToolResultMessage("b", "rb", false), false},
		{"answer b twice", llm.ToolResultMessage("b", "rb", false), true},
		{"answer a", llm.ToolResultMessage("a", "ra", true), false},
		{"steering note", llm.UserMessage("try something else"), false},
		{"final answer", llm.AssistantMessage("done"), false},
		{"late tool result", llm.ToolResultMessage("a", "ra", false), true},
	}
	for _, step := range steps {
		err := c.Append(step.msg)
		if step.wantErr {
			if !errors.Is(err, ErrInvariantViolation) {
				t.Fatalf("%s: expected invariant violation, got %v", step.name, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s: unexpected error %v", step.name, err)
		}
	}

	if len(c.Messages()) != 7 {
		t.Errorf("expected 7 messages after rejected appends, got %d", len(c.Messages()))
	}
	if c.PendingCalls() != 0 {
		t.Errorf("expected no pending calls, got %d", c.PendingCalls())
	}
}

func TestConversationRejectsBadAssistantTurns(t *testing.T) {
	tests := []struct {
		name string
		msg  llm.Message
	}{
		{"missing id", llm.AssistantMessage("", call("", "x", `{}`))},
		{"duplicate id", llm.AssistantMessage("", call("a", "x", `{}`), call("a", "y", `{}`))},
		{"unknown role", llm.Message{Role: "narrator", Content: "once upon a time"}},
	}
	for _, tt := range tests {
		c, _ := NewConversation()
		if err := c.Append(tt.msg); !errors.Is(err, ErrInvariantViolation) {
			t.Errorf("%s: expected invariant violation, got %v", tt.name, err)
		}
		if len(c.Messages()) != 0 {
			t.Errorf("%s: rejected message was appended", tt.name)
		}
	}
}

func TestConversationMessagesIsSnapshot(t *testing.T) {
	c, _ := NewConversation(llm.UserMessage("first"))
	snap := c.Messages()
	snap[0].Content = "mutated"
	_ = c.Append(llm.AssistantMessage("second"))

	got := c.Messages()
	if len(snap) != 1 || len(got) != 2 {
		t.Fatalf("snapshot should not grow with the conversation: %d vs %d", len(snap), len(got))
	}
	if got[0].Content != "first" {
		t.Errorf("snapshot mutation leaked into the conversation: %q", got[0].Content)
	}
}
