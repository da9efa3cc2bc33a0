package llm

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"
)

// ErrCancelled marks a stream that was aborted by the caller's cancellation
// signal rather than by a provider failure.
var ErrCancelled = errors.New("llm: stream cancelled")

// LLMError is the base error type for all provider errors.
type LLMError struct {
	Code    int
	Message string
	Cause   error
}

func (e *LLMError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("llm error %d: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("llm error %d: %s", e.Code, e.Message)
}

func (e *LLMError) Unwrap() error { return e.Cause }

// RateLimitError is returned when the provider rate-limits the request.
type RateLimitError struct{ LLMError }

// OverloadedError is returned on 5xx responses from the provider.
type OverloadedError struct{ LLMError }

// AuthError is returned on authentication/authorization failures. It is the
// only provider error treated as non-recoverable: subsequent calls will keep
// failing until credentials change.
type AuthError struct{ LLMError }

// Retryable reports whether the error is transient and the request may be
// retried.
func Retryable(err error) bool {
	var rl *RateLimitError
	var ov *OverloadedError
	return errors.As(err, &rl) || errors.As(err, &ov)
}

// Cancelled reports whether the error stems from caller cancellation.
func Cancelled(err error) bool {
	return errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled)
}

// ClassifyHTTP maps an HTTP status and error body text onto the typed
// taxonomy. Status takes precedence; message sniffing covers providers that
// return 200-level statuses with error payloads or nonstandard codes.
func ClassifyHTTP(status int, message string, cause error) error {
	base := LLMError{Code: status, Message: message, Cause: cause}
	switch status {
	case 429:
		return &RateLimitError{LLMError: base}
	case 401, 403:
		return &AuthError{LLMError: base}
	case 500, 502, 503, 529:
		return &OverloadedError{LLMError: base}
	}
	lower := strings.ToLower(message)
	switch {
	case strings.Contains(lower, "rate limit"), strings.Contains(lower, "too many requests"):
		return &RateLimitError{LLMError: base}
	case strings.Contains(lower, "invalid api key"), strings.Contains(lower, "authentication"), strings.Contains(lower, "unauthorized"):
		return &AuthError{LLMError: base}
	case strings.Contains(lower, "overloaded"), strings.Contains(lower, "capacity"):
		return &OverloadedError{LLMError: base}
	}
	return &base
}

// WithRetry retries fn up to maxAttempts using exponential backoff with
// jitter. It respects context cancellation.
func WithRetry(ctx context.Context, maxAttempts int, fn func() error) error {
	var lastErr error
	for i := range maxAttempts {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !Retryable(lastErr) {
			return lastErr
		}
		if i == maxAttempts-1 {
			break
		}
		// Exponential backoff: base 1s, max 30s, ±25% jitter
		base := time.Duration(1<<uint(i)) * time.Second
		if base > 30*time.Second {
			base = 30 * time.Second
		}
		jitter := time.Duration(rand.Float64() * 0.5 * float64(base))
		wait := base/4*3 + jitter
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return fmt.Errorf("max retries (%d) exceeded: %w", maxAttempts, lastErr)
}
