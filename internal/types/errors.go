package types

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingAPIKey is returned when no API key can be resolved from
	// options or the environment.
	ErrMissingAPIKey = errors.New("api key is required")

	// ErrFunctionCallingUnsupported is returned when tools are passed to a
	// model that was not configured as a function-calling model.
	ErrFunctionCallingUnsupported = errors.New("model does not support function calling")

	// ErrStreamingUnsupported is returned by bridges when the wrapped model
	// cannot stream.
	ErrStreamingUnsupported = errors.New("model does not support streaming")
)

// RetryableError represents an error that indicates the operation can be retried.
// This is typically used for transient errors like network timeouts, rate limits, or temporary server unavailability.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("retryable error: %v", e.Err)
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError wraps an existing error as a RetryableError.
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}

// IsRetryable reports whether err (or anything it wraps) is a RetryableError.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

// ConfigError is a fatal configuration problem detected while constructing a client.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error: %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// NewConfigError wraps err as a ConfigError for the named field.
func NewConfigError(field string, err error) error {
	return &ConfigError{Field: field, Err: err}
}
