package provider

import (
	"errors"
	"fmt"
	"net/http"
)

// ProviderError is a non-2xx answer from a model API.
type ProviderError struct {
	Provider   string
	StatusCode int
	Message    string
	Retryable  bool
}

func (e *ProviderError) Error() string {
	if e.Provider == "" {
		return fmt.Sprintf("provider error %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("provider %s error %d: %s", e.Provider, e.StatusCode, e.Message)
}

func newProviderError(id string, status int, body []byte) *ProviderError {
	msg := string(body)
	if len(msg) > 512 {
		msg = msg[:512] + "..."
	}
	return &ProviderError{
		Provider:   id,
		StatusCode: status,
		Message:    msg,
		Retryable:  status == http.StatusTooManyRequests || status >= 500,
	}
}

func IsRateLimitError(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.StatusCode == http.StatusTooManyRequests
	}
	return false
}

func IsAuthError(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.StatusCode == http.StatusUnauthorized || pe.StatusCode == http.StatusForbidden
	}
	return false
}

// failureReason is a short label for logs.
func failureReason(err error) string {
	switch {
	case IsRateLimitError(err):
		return "rate_limited"
	case IsAuthError(err):
		return "auth"
	default:
		return "unavailable"
	}
}

func IsRetryable(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable || pe.StatusCode == 429 || pe.StatusCode == 500 || pe.StatusCode == 503
	}
	return false
}

// AllExhaustedError is returned when every model in a fallback chain failed.
type AllExhaustedError struct {
	Attempted []string
	Last      error
}

func (e *AllExhaustedError) Error() string {
	return fmt.Sprintf("all models exhausted, attempted: %v: %v", e.Attempted, e.Last)
}

func (e *AllExhaustedError) Unwrap() error { return e.Last }
