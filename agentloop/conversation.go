package agentloop

import (
	"fmt"
	"sync"

	"github.com/martinemde/debugagent/llm"
)

// Conversation is the append-only history of one run. It enforces tool call
// pairing: every tool message must answer a pending call from the latest
// assistant turn, and no other turn may be added while calls are pending.
type Conversation struct {
	mu       sync.RWMutex
	messages []llm.Message
	pending  map[string]bool
}

// NewConversation creates a conversation seeded with the given messages.
func NewConversation(seed ...llm.Message) (*Conversation, error) {
	c := &Conversation{pending: make(map[string]bool)}
	for _, msg := range seed {
		if err := c.Append(msg); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Append adds msg to the end of the conversation.
func (c *Conversation) Append(msg llm.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch msg.Role {
	case llm.RoleSystem, llm.RoleUser:
		if len(c.pending) > 0 {
			return fmt.Errorf("%w: %s message appended with %d unanswered tool calls", ErrInvariantViolation, msg.Role, len(c.pending))
		}
	case llm.RoleAssistant:
		if len(c.pending) > 0 {
			return fmt.Errorf("%w: assistant message appended with %d unanswered tool calls", ErrInvariantViolation, len(c.pending))
		}
		ids := make(map[string]bool, len(msg.ToolCalls))
		for _, tc := range msg.ToolCalls {
			if tc.ID == "" {
				return fmt.Errorf("%w: tool call %q has no id", ErrInvariantViolation, tc.Name)
			}
			if ids[tc.ID] {
				return fmt.Errorf("%w: duplicate tool call id %q", ErrInvariantViolation, tc.ID)
			}
			ids[tc.ID] = true
		}
		c.pending = ids
	case llm.RoleTool:
		if !c.pending[msg.ToolCallID] {
			return fmt.Errorf("%w: tool result %q does not answer a pending tool call", ErrInvariantViolation, msg.ToolCallID)
		}
		delete(c.pending, msg.ToolCallID)
	default:
		return fmt.Errorf("%w: unknown role %q", ErrInvariantViolation, msg.Role)
	}

	msg.ToolCalls = append([]llm.ToolCall(nil), msg.ToolCalls...)
	c.messages = append(c.messages, msg)
	return nil
}

// Messages returns a snapshot of the conversation in append order.
func (c *Conversation) Messages() []llm.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]llm.Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// PendingCalls returns the number of tool calls awaiting a result.
func (c *Conversation) PendingCalls() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.pending)
}
