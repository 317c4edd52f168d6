package openrouter

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for OpenRouter operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrTransport indicates a network failure or 5xx response.
	// The request may succeed if retried.
	ErrTransport = errors.New("openrouter: transport error")

	// ErrInvalidResponse indicates the model reply could not be parsed
	// into the expected structure. Retrying without changing the prompt
	// is unlikely to help.
	ErrInvalidResponse = errors.New("openrouter: invalid response")

	// ErrNoChoices indicates the provider returned an empty choices array.
	ErrNoChoices = errors.New("openrouter: response contains no choices")

	// ErrMissingAPIKey indicates the client was built without an API key.
	ErrMissingAPIKey = errors.New("openrouter: api key is required")
)

// RateLimitError indicates the provider rejected the request with HTTP 429.
//
// RetryAfter carries the server-suggested wait duration when the response
// included a Retry-After header, zero otherwise. Callers decide the actual
// suspension window (server hint vs. their own backoff).
type RateLimitError struct {
	// RetryAfter is the server-suggested wait, zero when not provided.
	RetryAfter time.Duration

	// Message is the provider error detail, may be empty.
	Message string
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("openrouter: rate limit exceeded (retry after %s)", e.RetryAfter)
	}
	return "openrouter: rate limit exceeded"
}

// IsRateLimited reports whether err is (or wraps) a RateLimitError,
// returning the typed error for access to RetryAfter.
func IsRateLimited(err error) (*RateLimitError, bool) {
	var rle *RateLimitError
	if errors.As(err, &rle) {
		return rle, true
	}
	return nil, false
}
