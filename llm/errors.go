package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// SDKError is the base error type for gateway errors.
type SDKError struct {
	Message string
	Cause   error
}

func (e *SDKError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *SDKError) Unwrap() error {
	return e.Cause
}

// ProviderError represents an error returned by an LLM provider.
type ProviderError struct {
	SDKError
	Provider   string
	StatusCode int
	ErrorCode  string
	Retryable  bool
	RetryAfter *float64
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("[%s] %s (status=%d, retryable=%v)", e.Provider, e.Message, e.StatusCode, e.Retryable)
}

type AuthenticationError struct{ ProviderError }
type AccessDeniedError struct{ ProviderError }
type NotFoundError struct{ ProviderError }
type InvalidRequestError struct{ ProviderError }
type RateLimitError struct{ ProviderError }
type ServerError struct{ ProviderError }
type ContentFilterError struct{ ProviderError }
type ContextLengthError struct{ ProviderError }
type QuotaExceededError struct{ ProviderError }

type RequestTimeoutError struct{ SDKError }
type AbortError struct{ SDKError }
type NetworkError struct{ SDKError }
type ConfigurationError struct{ SDKError }

// ErrorFromStatusCode maps an HTTP status code to the matching error type.
func ErrorFromStatusCode(statusCode int, message, provider, errorCode string, retryAfter *float64) error {
	pe := ProviderError{
		SDKError:   SDKError{Message: message},
		Provider:   provider,
		StatusCode: statusCode,
		ErrorCode:  errorCode,
		RetryAfter: retryAfter,
	}

	switch statusCode {
	case 400, 422:
		return &InvalidRequestError{ProviderError: pe}
	case 401:
		return &AuthenticationError{ProviderError: pe}
	case 403:
		return &AccessDeniedError{ProviderError: pe}
	case 404:
		return &NotFoundError{ProviderError: pe}
	case 408:
		return &RequestTimeoutError{SDKError: SDKError{Message: message}}
	case 413:
		return &ContextLengthError{ProviderError: pe}
	case 429:
		if errorCode == "insufficient_quota" {
			return &QuotaExceededError{ProviderError: pe}
		}
		pe.Retryable = true
		return &RateLimitError{ProviderError: pe}
	case 500, 502, 503, 504:
		pe.Retryable = true
		return &ServerError{ProviderError: pe}
	default:
		pe.Retryable = statusCode >= 500
		return &pe
	}
}

// IsRetryable reports whether err is safe to retry. Cancellation is never
// retryable; errors of unknown shape are.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var (
		auth    *AuthenticationError
		denied  *AccessDeniedError
		missing *NotFoundError
		invalid *InvalidRequestError
		ctxLen  *ContextLengthError
		quota   *QuotaExceededError
		filter  *ContentFilterError
		cfg     *ConfigurationError
		abort   *AbortError
	)
	switch {
	case errors.As(err, &auth), errors.As(err, &denied), errors.As(err, &missing),
		errors.As(err, &invalid), errors.As(err, &ctxLen), errors.As(err, &quota),
		errors.As(err, &filter), errors.As(err, &cfg), errors.As(err, &abort):
		return false
	}

	var (
		rate    *RateLimitError
		server  *ServerError
		network *NetworkError
		timeout *RequestTimeoutError
	)
	switch {
	case errors.As(err, &rate), errors.As(err, &server), errors.As(err, &network), errors.As(err, &timeout):
		return true
	}

	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return true
}

// classifyMessageError maps an error from a client library that exposes no
// status code into the error hierarchy by inspecting its message.
func classifyMessageError(provider string, err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	pe := func(status int, retryable bool) ProviderError {
		return ProviderError{
			SDKError:   SDKError{Message: msg, Cause: err},
			Provider:   provider,
			StatusCode: status,
			Retryable:  retryable,
		}
	}

	lower := strings.ToLower(msg)
	has := func(subs ...string) bool {
		for _, s := range subs {
			if strings.Contains(lower, s) {
				return true
			}
		}
		return false
	}

	switch {
	case has("401", "unauthorized", "unauthenticated", "invalid key", "invalid api key", "api key not valid"):
		return &AuthenticationError{ProviderError: pe(401, false)}
	case has("403", "forbidden", "permission denied", "permissiondenied"):
		return &AccessDeniedError{ProviderError: pe(403, false)}
	case has("404", "not found"):
		return &NotFoundError{ProviderError: pe(404, false)}
	case has("429", "rate limit", "resource exhausted", "resourceexhausted"):
		return &RateLimitError{ProviderError: pe(429, true)}
	case has("context length", "too many tokens"):
		return &ContextLengthError{ProviderError: pe(413, false)}
	case has("400", "invalid argument", "invalidargument"):
		return &InvalidRequestError{ProviderError: pe(400, false)}
	case has("500", "502", "503", "internal server", "unavailable"):
		return &ServerError{ProviderError: pe(500, true)}
	case has("timeout", "deadline"):
		return &RequestTimeoutError{SDKError: SDKError{Message: msg, Cause: err}}
	case has("content filter", "safety"):
		return &ContentFilterError{ProviderError: pe(0, false)}
	default:
		p := pe(0, true)
		return &p
	}
}
