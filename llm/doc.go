// Package llm is the gateway between the agent loop and a language model.
//
// It carries a flat, provider-neutral message model (Message, ToolCall,
// ToolDefinition) and routes each Request through a Client to one of the
// registered provider adapters:
//
//   - OpenAIAdapter: OpenAI-compatible chat completions over HTTP with
//     native tool calls.
//   - GeminiAdapter: Google Gemini through generative-ai-go, mapping tool
//     calls to function calls and tool results to function responses.
//   - GollmAdapter: any provider gollm supports (anthropic, groq, ollama,
//     mistral). Tool calls travel as JSON embedded in the reply text.
//
// Retry is a gateway concern and lives in RetryMiddleware; callers above
// this package never retry on their own.
//
//	client := llm.NewClient(
//	    llm.WithProvider("openai", llm.NewOpenAIAdapter(apiKey)),
//	    llm.WithMiddleware(llm.RetryMiddleware(llm.DefaultRetryPolicy())),
//	)
//	resp, err := client.Complete(ctx, llm.Request{
//	    Model:    "gpt-4o",
//	    Messages: []llm.Message{llm.UserMessage("Hello")},
//	})
package llm
