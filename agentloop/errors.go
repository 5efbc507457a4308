package agentloop

import (
	"errors"
	"fmt"
)

var (
	// ErrRegistryFrozen is returned by Register once a Controller owns the registry.
	ErrRegistryFrozen = errors.New("tool registry is frozen")

	// ErrCancelled marks a run stopped by its context.
	ErrCancelled = errors.New("run cancelled")

	// ErrMalformedResponse marks a gateway reply that is not a usable assistant turn.
	ErrMalformedResponse = errors.New("malformed gateway response")

	// ErrNoProgress marks a run that kept requesting tools outside the catalogue.
	ErrNoProgress = errors.New("no progress: repeated unknown tool requests")

	// ErrInvariantViolation marks a conversation append that breaks tool call pairing.
	ErrInvariantViolation = errors.New("conversation invariant violated")
)

// DuplicateToolError is returned when a tool name is registered twice.
type DuplicateToolError struct {
	Name string
}

func (e *DuplicateToolError) Error() string {
	return fmt.Sprintf("tool %q is already registered", e.Name)
}

// UnknownToolError is returned when a tool name is not in the registry.
type UnknownToolError struct {
	Name string
}

func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("unknown tool: %s", e.Name)
}

// ArgumentError describes tool arguments that could not be parsed or do not
// satisfy the tool's parameter schema.
type ArgumentError struct {
	Tool string
	Err  error
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("invalid arguments for %s: %v", e.Tool, e.Err)
}

func (e *ArgumentError) Unwrap() error {
	return e.Err
}

// GatewayError wraps a failure from the LLM gateway during a round.
type GatewayError struct {
	Round int
	Err   error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway failure in round %d: %v", e.Round, e.Err)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}
