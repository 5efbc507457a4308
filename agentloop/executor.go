package agentloop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/martinemde/debugagent/llm"
)

// ToolResult is the outcome of one tool call. Content is what the model sees;
// Output is the untruncated payload for observers.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error"`
	Output     string `json:"-"`
}

// Message converts the result into a tool-role conversation message.
func (r ToolResult) Message() llm.Message {
	return llm.ToolResultMessage(r.ToolCallID, r.Content, r.IsError)
}

// Executor runs tool calls against a Registry. It never returns an error:
// every failure becomes an is_error ToolResult.
type Executor struct {
	registry   *Registry
	charLimits map[string]int
	lineLimits map[string]int
	logger     *slog.Logger
}

// NewExecutor creates an Executor. The limit maps override the per-tool
// defaults and may be nil.
func NewExecutor(registry *Registry, charLimits, lineLimits map[string]int, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		registry:   registry,
		charLimits: charLimits,
		lineLimits: lineLimits,
		logger:     logger,
	}
}

// Execute handles the full pipeline for one call:
// lookup -> parse -> validate -> invoke -> serialize -> truncate.
func (e *Executor) Execute(ctx context.Context, call llm.ToolCall) ToolResult {
	spec, err := e.registry.Get(call.Name)
	if err != nil {
		msg := fmt.Sprintf("Unknown tool: %s. Available tools: %s", call.Name, strings.Join(e.registry.Names(), ", "))
		return e.errorResult(call, msg)
	}

	args, err := ParseArguments(call.Arguments)
	if err == nil {
		err = ValidateArguments(spec.Parameters, args)
	}
	if err != nil {
		argErr := &ArgumentError{Tool: call.Name, Err: err}
		return e.errorResult(call, argErr.Error())
	}

	raw := call.Arguments
	if len(strings.TrimSpace(string(raw))) == 0 {
		raw = json.RawMessage("{}")
	}

	value, err := invoke(ctx, spec, raw)
	if err != nil {
		return e.errorResult(call, fmt.Sprintf("Tool error (%s): %v", call.Name, err))
	}

	output, err := serializeResult(value)
	if err != nil {
		return e.errorResult(call, fmt.Sprintf("Tool error (%s): serializing result: %v", call.Name, err))
	}

	return ToolResult{
		ToolCallID: call.ID,
		Content:    TruncateToolOutput(output, call.Name, e.charLimits, e.lineLimits),
		Output:     output,
	}
}

func (e *Executor) errorResult(call llm.ToolCall, msg string) ToolResult {
	e.logger.Debug("tool call failed", "tool", call.Name, "call_id", call.ID, "error", msg)
	return ToolResult{
		ToolCallID: call.ID,
		Content:    truncateError(msg),
		IsError:    true,
		Output:     msg,
	}
}

// invoke calls the tool, converting a panic into an error.
func invoke(ctx context.Context, spec ToolSpec, args json.RawMessage) (value any, err error) {
	if spec.Execute == nil {
		return nil, errors.New("tool has no executor")
	}
	defer func() {
		if r := recover(); r != nil {
			value = nil
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return spec.Execute(ctx, args)
}

func serializeResult(value any) (string, error) {
	switch v := value.(type) {
	case nil:
		return "null", nil
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case json.RawMessage:
		return string(v), nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
