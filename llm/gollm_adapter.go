package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/teilomillet/gollm"
)

// toolCallInstruction is appended to the system prompt when tools are
// offered, since gollm returns plain text rather than structured calls.
const toolCallInstruction = `When you need to call tools, reply with only a JSON object of the form
{"tool_calls": [{"name": "<tool name>", "arguments": {...}}]}
and nothing else. When you are finished, reply with plain text and no JSON.`

// GollmAdapter wraps a gollm.LLM and implements ProviderAdapter for the
// providers gollm supports (anthropic, groq, ollama, mistral, ...).
type GollmAdapter struct {
	provider string
	llm      gollm.LLM
	model    string

	// gollm options are set on the shared LLM, so calls are serialized.
	mu sync.Mutex
}

var _ ProviderAdapter = (*GollmAdapter)(nil)

// GollmAdapterOption configures a GollmAdapter.
type GollmAdapterOption func(*gollmAdapterConfig)

type gollmAdapterConfig struct {
	model       string
	maxTokens   int
	temperature float64
	extraOpts   []gollm.ConfigOption
}

// WithModel sets the default model for the adapter.
func WithModel(model string) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.model = model
	}
}

// WithMaxTokens sets the default max tokens.
func WithMaxTokens(n int) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.maxTokens = n
	}
}

// WithTemperature sets the default temperature.
func WithTemperature(t float64) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.temperature = t
	}
}

// WithGollmOptions adds extra gollm configuration options.
func WithGollmOptions(opts ...gollm.ConfigOption) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.extraOpts = append(c.extraOpts, opts...)
	}
}

// NewGollmAdapter creates a GollmAdapter for the given provider. If apiKey
// is empty, gollm reads it from the provider's environment variable.
func NewGollmAdapter(provider, apiKey string, opts ...GollmAdapterOption) (*GollmAdapter, error) {
	cfg := &gollmAdapterConfig{
		maxTokens:   4096,
		temperature: 0.2,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	model := cfg.model
	if model == "" {
		model = DefaultModel(provider)
	}
	if model == "" {
		return nil, &ConfigurationError{SDKError: SDKError{
			Message: fmt.Sprintf("no model configured for provider %q", provider),
		}}
	}

	gollmOpts := []gollm.ConfigOption{
		gollm.SetProvider(provider),
		gollm.SetModel(model),
		gollm.SetMaxTokens(cfg.maxTokens),
		gollm.SetTemperature(cfg.temperature),
		gollm.SetMaxRetries(0), // RetryMiddleware owns retries.
		gollm.SetLogLevel(gollm.LogLevelWarn),
	}
	if apiKey != "" {
		gollmOpts = append(gollmOpts, gollm.SetAPIKey(apiKey))
	}
	gollmOpts = append(gollmOpts, cfg.extraOpts...)

	llm, err := gollm.NewLLM(gollmOpts...)
	if err != nil {
		return nil, &ConfigurationError{SDKError: SDKError{
			Message: fmt.Sprintf("creating gollm LLM for provider %s", provider),
			Cause:   err,
		}}
	}

	return &GollmAdapter{provider: provider, llm: llm, model: model}, nil
}

// Name returns the provider identifier.
func (a *GollmAdapter) Name() string {
	return a.provider
}

// Complete renders the conversation into a single gollm prompt and parses
// any tool calls out of the reply.
func (a *GollmAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	prompt := a.translateRequest(req)

	a.mu.Lock()
	a.applyRequestOptions(req)
	text, err := a.llm.Generate(ctx, prompt)
	a.mu.Unlock()
	if err != nil {
		if ctx.Err() != nil {
			return nil, &AbortError{SDKError: SDKError{Message: "gollm request cancelled", Cause: ctx.Err()}}
		}
		return nil, classifyMessageError(a.provider, err)
	}

	return a.buildResponse(req, text), nil
}

// translateRequest flattens the conversation into a gollm Prompt. Tool
// traffic is rendered as tagged transcript lines the model can follow.
func (a *GollmAdapter) translateRequest(req Request) *gollm.Prompt {
	var systemParts []string
	var transcript []string

	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleSystem:
			systemParts = append(systemParts, msg.Content)
		case RoleUser:
			transcript = append(transcript, msg.Content)
		case RoleAssistant:
			if msg.Content != "" {
				transcript = append(transcript, "[Assistant]: "+msg.Content)
			}
			for _, tc := range msg.ToolCalls {
				transcript = append(transcript, fmt.Sprintf("[Tool Call %s]: %s %s", tc.ID, tc.Name, string(tc.Arguments)))
			}
		case RoleTool:
			prefix := "[Tool Result " + msg.ToolCallID + "]"
			if msg.IsError {
				prefix = "[Tool Error " + msg.ToolCallID + "]"
			}
			transcript = append(transcript, prefix+": "+msg.Content)
		}
	}

	if len(req.Tools) > 0 {
		systemParts = append(systemParts, toolCallInstruction)
	}

	promptOpts := []gollm.PromptOption{}
	if len(systemParts) > 0 {
		promptOpts = append(promptOpts, gollm.WithSystemPrompt(strings.TrimSpace(strings.Join(systemParts, "\n\n")), gollm.CacheTypeEphemeral))
	}
	if req.MaxTokens != nil {
		promptOpts = append(promptOpts, gollm.WithMaxLength(*req.MaxTokens))
	}
	if len(req.Tools) > 0 {
		tools := make([]gollm.Tool, 0, len(req.Tools))
		for _, t := range req.Tools {
			tools = append(tools, gollm.Tool{
				Type: "function",
				Function: gollm.Function{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  t.Parameters,
				},
			})
		}
		promptOpts = append(promptOpts, gollm.WithTools(tools))
		choice := req.ToolChoice
		if choice == "" {
			choice = "auto"
		}
		promptOpts = append(promptOpts, gollm.WithToolChoice(choice))
	}

	return gollm.NewPrompt(strings.Join(transcript, "\n"), promptOpts...)
}

func (a *GollmAdapter) applyRequestOptions(req Request) {
	model := req.Model
	if model == "" {
		model = a.model
	}
	a.llm.SetOption("model", model)
	if req.Temperature != nil {
		a.llm.SetOption("temperature", *req.Temperature)
	}
	if req.MaxTokens != nil {
		a.llm.SetOption("max_tokens", *req.MaxTokens)
	}
}

func (a *GollmAdapter) buildResponse(req Request, text string) *Response {
	model := req.Model
	if model == "" {
		model = a.model
	}

	calls, rest := parseToolCalls(text)
	msg := Message{Role: RoleAssistant, Content: strings.TrimSpace(rest), ToolCalls: calls}

	finish := "stop"
	if len(calls) > 0 {
		finish = "tool_calls"
	}

	input := estimateTokens(req)
	output := len(text) / 4
	return &Response{
		ID:           "resp_" + uuid.New().String()[:8],
		Model:        model,
		Provider:     a.provider,
		Message:      msg,
		FinishReason: finish,
		Usage: Usage{
			InputTokens:  input,
			OutputTokens: output,
			TotalTokens:  input + output,
		},
	}
}

type embeddedToolCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// parseToolCalls extracts tool calls embedded as JSON in text. The first
// JSON value in the reply that decodes as {"tool_calls": [...]}, a bare
// [{"name": ...}] array or a single {"name": ..., "arguments": ...}
// object is taken, whatever
// its whitespace or code fence. It returns the calls and the text before the
// JSON, without the fence opener.
func parseToolCalls(text string) ([]ToolCall, string) {
	for i := 0; i < len(text); i++ {
		if text[i] != '{' && text[i] != '[' {
			continue
		}
		raw, ok := decodeToolCalls(text[i:])
		if !ok {
			continue
		}

		calls := make([]ToolCall, 0, len(raw))
		for _, rc := range raw {
			args := rc.Arguments
			if len(args) == 0 || string(args) == "null" {
				args = json.RawMessage("{}")
			}
			calls = append(calls, ToolCall{
				ID:        "call_" + uuid.NewString(),
				Name:      rc.Name,
				Arguments: args,
			})
		}
		return calls, trimFenceOpener(text[:i])
	}
	return nil, text
}

// decodeToolCalls decodes the JSON value at the start of s. Every call must
// carry a name.
func decodeToolCalls(s string) ([]embeddedToolCall, bool) {
	var value json.RawMessage
	if err := json.NewDecoder(strings.NewReader(s)).Decode(&value); err != nil {
		return nil, false
	}

	var raw []embeddedToolCall
	if s[0] == '[' {
		if err := json.Unmarshal(value, &raw); err != nil {
			return nil, false
		}
	} else {
		var obj struct {
			ToolCalls []embeddedToolCall `json:"tool_calls"`
			embeddedToolCall
		}
		if err := json.Unmarshal(value, &obj); err != nil {
			return nil, false
		}
		raw = obj.ToolCalls
		if raw == nil && obj.Name != "" && len(obj.Arguments) > 0 {
			raw = []embeddedToolCall{obj.embeddedToolCall}
		}
	}

	if len(raw) == 0 {
		return nil, false
	}
	for _, rc := range raw {
		if rc.Name == "" {
			return nil, false
		}
	}
	return raw, true
}

// trimFenceOpener drops a trailing ``` or ```json marker from prefix.
func trimFenceOpener(prefix string) string {
	t := strings.TrimRight(prefix, " \t\r\n")
	for _, fence := range []string{"```json", "```JSON", "```"} {
		if strings.HasSuffix(t, fence) {
			return strings.TrimSuffix(t, fence)
		}
	}
	return prefix
}

// estimateTokens provides a rough token count from request messages.
func estimateTokens(req Request) int {
	total := 0
	for _, msg := range req.Messages {
		total += len(msg.Content) / 4
	}
	if total == 0 {
		total = 10
	}
	return total
}
