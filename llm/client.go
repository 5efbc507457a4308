package llm

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Middleware wraps a provider call. It receives the request and a next
// function that calls the downstream handler.
type Middleware func(ctx context.Context, req Request, next func(context.Context, Request) (*Response, error)) (*Response, error)

// Client sends requests to one of its registered adapters through the
// middleware chain. Adapters are fixed at construction, so a Client is safe
// for concurrent use.
type Client struct {
	providers       map[string]ProviderAdapter
	defaultProvider string
	middleware      []Middleware
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithProvider registers a provider adapter.
func WithProvider(name string, adapter ProviderAdapter) ClientOption {
	return func(c *Client) {
		c.providers[name] = adapter
	}
}

// WithDefaultProvider names the adapter used when a request names none.
func WithDefaultProvider(name string) ClientOption {
	return func(c *Client) {
		c.defaultProvider = name
	}
}

// WithMiddleware adds middleware to the client. The first registered
// middleware runs outermost.
func WithMiddleware(mw ...Middleware) ClientOption {
	return func(c *Client) {
		c.middleware = append(c.middleware, mw...)
	}
}

// NewClient creates a Client. With a single adapter and no default, that
// adapter becomes the default.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{providers: make(map[string]ProviderAdapter)}
	for _, opt := range opts {
		opt(c)
	}
	if c.defaultProvider == "" && len(c.providers) == 1 {
		for name := range c.providers {
			c.defaultProvider = name
		}
	}
	return c
}

// Complete routes req to req.Provider, or the default provider, through the
// middleware chain.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	if req.Provider == "" {
		req.Provider = c.defaultProvider
	}
	if req.Provider == "" {
		return nil, &ConfigurationError{SDKError: SDKError{Message: "no provider specified and no default provider configured"}}
	}
	adapter, ok := c.providers[req.Provider]
	if !ok {
		return nil, &ConfigurationError{SDKError: SDKError{Message: fmt.Sprintf("provider %q is not registered", req.Provider)}}
	}

	call := adapter.Complete
	for i := len(c.middleware) - 1; i >= 0; i-- {
		mw, next := c.middleware[i], call
		call = func(ctx context.Context, r Request) (*Response, error) {
			return mw(ctx, r, next)
		}
	}
	return call(ctx, req)
}

// Close releases resources held by all registered providers.
func (c *Client) Close() error {
	var firstErr error
	for _, adapter := range c.providers {
		if closer, ok := adapter.(Closer); ok {
			if err := closer.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// LoggingMiddleware logs every completion at debug level.
func LoggingMiddleware(logger *slog.Logger) Middleware {
	return func(ctx context.Context, req Request, next func(context.Context, Request) (*Response, error)) (*Response, error) {
		start := time.Now()
		resp, err := next(ctx, req)
		if err != nil {
			logger.DebugContext(ctx, "llm completion failed",
				"provider", req.Provider, "model", req.Model,
				"elapsed", time.Since(start), "error", err)
			return nil, err
		}
		logger.DebugContext(ctx, "llm completion",
			"provider", req.Provider, "model", req.Model,
			"elapsed", time.Since(start),
			"tool_calls", len(resp.Message.ToolCalls),
			"input_tokens", resp.Usage.InputTokens,
			"output_tokens", resp.Usage.OutputTokens)
		return resp, nil
	}
}
