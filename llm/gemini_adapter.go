package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/google/uuid"
	"google.golang.org/api/option"
)

// GeminiAdapter talks to Google Gemini with native function calling.
type GeminiAdapter struct {
	client *genai.Client
}

var _ ProviderAdapter = (*GeminiAdapter)(nil)

// NewGeminiAdapter creates a Gemini client authenticated with apiKey.
func NewGeminiAdapter(ctx context.Context, apiKey string, opts ...option.ClientOption) (*GeminiAdapter, error) {
	if apiKey == "" {
		return nil, &ConfigurationError{SDKError: SDKError{Message: "gemini API key cannot be empty"}}
	}
	client, err := genai.NewClient(ctx, append([]option.ClientOption{option.WithAPIKey(apiKey)}, opts...)...)
	if err != nil {
		return nil, &ConfigurationError{SDKError: SDKError{Message: "creating gemini client", Cause: err}}
	}
	return &GeminiAdapter{client: client}, nil
}

// Name returns the provider identifier.
func (a *GeminiAdapter) Name() string { return "gemini" }

// Close releases the underlying client.
func (a *GeminiAdapter) Close() error { return a.client.Close() }

// Complete sends the conversation through a fresh chat session. A new
// GenerativeModel is built per request so concurrent runs never share
// model settings.
func (a *GeminiAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	model := a.client.GenerativeModel(req.Model)
	if req.Temperature != nil {
		model.SetTemperature(float32(*req.Temperature))
	}
	if req.MaxTokens != nil {
		model.SetMaxOutputTokens(int32(*req.MaxTokens))
	}
	if len(req.Tools) > 0 {
		model.Tools = toGeminiTools(req.Tools)
	}

	system, contents, err := toGeminiContents(req.Messages)
	if err != nil {
		return nil, err
	}
	if system != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(system)}}
	}

	last := contents[len(contents)-1]
	chat := model.StartChat()
	chat.History = contents[:len(contents)-1]

	resp, err := chat.SendMessage(ctx, last.Parts...)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &AbortError{SDKError: SDKError{Message: "gemini request cancelled", Cause: ctx.Err()}}
		}
		return nil, classifyMessageError("gemini", err)
	}
	return parseGeminiResponse(req.Model, resp)
}

// toGeminiContents splits out the system prompt and converts the rest of the
// conversation. Consecutive tool results merge into one user turn of
// function responses. The final content must be a user turn.
func toGeminiContents(messages []Message) (string, []*genai.Content, error) {
	var system []string
	var contents []*genai.Content
	callNames := make(map[string]string)

	appendParts := func(role string, parts ...genai.Part) {
		if n := len(contents); n > 0 && contents[n-1].Role == role {
			contents[n-1].Parts = append(contents[n-1].Parts, parts...)
			return
		}
		contents = append(contents, &genai.Content{Role: role, Parts: parts})
	}

	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			system = append(system, m.Content)
		case RoleUser:
			appendParts("user", genai.Text(m.Content))
		case RoleAssistant:
			var parts []genai.Part
			if m.Content != "" {
				parts = append(parts, genai.Text(m.Content))
			}
			for _, tc := range m.ToolCalls {
				callNames[tc.ID] = tc.Name
				args := map[string]any{}
				if len(tc.Arguments) > 0 {
					if err := json.Unmarshal(tc.Arguments, &args); err != nil {
						return "", nil, &InvalidRequestError{ProviderError: ProviderError{
							SDKError: SDKError{Message: fmt.Sprintf("tool call %s has non-object arguments", tc.ID), Cause: err},
							Provider: "gemini",
						}}
					}
				}
				parts = append(parts, genai.FunctionCall{Name: tc.Name, Args: args})
			}
			if len(parts) > 0 {
				appendParts("model", parts...)
			}
		case RoleTool:
			appendParts("user", genai.FunctionResponse{
				Name: callNames[m.ToolCallID],
				Response: map[string]any{
					"content":  m.Content,
					"is_error": m.IsError,
				},
			})
		}
	}

	if len(contents) == 0 || contents[len(contents)-1].Role != "user" {
		return "", nil, &InvalidRequestError{ProviderError: ProviderError{
			SDKError: SDKError{Message: "gemini conversation must end with a user or tool turn"},
			Provider: "gemini",
		}}
	}
	return strings.Join(system, "\n\n"), contents, nil
}

func toGeminiTools(defs []ToolDefinition) []*genai.Tool {
	decls := make([]*genai.FunctionDeclaration, 0, len(defs))
	for _, d := range defs {
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  toGeminiSchema(d.Parameters),
		})
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

// toGeminiSchema converts a JSON-schema map into the genai schema subset.
func toGeminiSchema(s map[string]interface{}) *genai.Schema {
	if s == nil {
		return nil
	}
	out := &genai.Schema{}
	if desc, ok := s["description"].(string); ok {
		out.Description = desc
	}
	switch s["type"] {
	case "object":
		out.Type = genai.TypeObject
	case "string":
		out.Type = genai.TypeString
	case "number":
		out.Type = genai.TypeNumber
	case "integer":
		out.Type = genai.TypeInteger
	case "boolean":
		out.Type = genai.TypeBoolean
	case "array":
		out.Type = genai.TypeArray
	}
	if props, ok := s["properties"].(map[string]interface{}); ok {
		out.Properties = make(map[string]*genai.Schema, len(props))
		for name, raw := range props {
			if p, ok := raw.(map[string]interface{}); ok {
				out.Properties[name] = toGeminiSchema(p)
			}
		}
	}
	if items, ok := s["items"].(map[string]interface{}); ok {
		out.Items = toGeminiSchema(items)
	}
	out.Required = stringList(s["required"])
	out.Enum = stringList(s["enum"])
	return out
}

func stringList(v interface{}) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []interface{}:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// parseGeminiResponse converts the first candidate. Gemini does not issue
// call ids, so each function call gets a synthetic one.
func parseGeminiResponse(model string, resp *genai.GenerateContentResponse) (*Response, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, &SDKError{Message: "no content returned from gemini"}
	}
	candidate := resp.Candidates[0]

	var text strings.Builder
	msg := Message{Role: RoleAssistant}
	addCall := func(name string, args map[string]any) error {
		raw, err := json.Marshal(args)
		if err != nil {
			return &SDKError{Message: "encoding gemini function call arguments", Cause: err}
		}
		msg.ToolCalls = append(msg.ToolCalls, ToolCall{
			ID:        "call_" + uuid.NewString(),
			Name:      name,
			Arguments: raw,
		})
		return nil
	}

	for _, part := range candidate.Content.Parts {
		switch v := part.(type) {
		case genai.Text:
			text.WriteString(string(v))
		case genai.FunctionCall:
			if err := addCall(v.Name, v.Args); err != nil {
				return nil, err
			}
		case *genai.FunctionCall:
			if err := addCall(v.Name, v.Args); err != nil {
				return nil, err
			}
		}
	}
	msg.Content = strings.TrimSpace(text.String())

	out := &Response{
		Model:        model,
		Provider:     "gemini",
		Message:      msg,
		FinishReason: geminiFinishReason(candidate.FinishReason),
	}
	if len(msg.ToolCalls) > 0 {
		out.FinishReason = "tool_calls"
	}
	if resp.UsageMetadata != nil {
		out.Usage = Usage{
			InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:  int(resp.UsageMetadata.TotalTokenCount),
		}
	}
	return out, nil
}

func geminiFinishReason(r genai.FinishReason) string {
	switch r {
	case genai.FinishReasonStop:
		return "stop"
	case genai.FinishReasonMaxTokens:
		return "length"
	case genai.FinishReasonSafety, genai.FinishReasonRecitation:
		return "content_filter"
	default:
		return "other"
	}
}
