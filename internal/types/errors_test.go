package types

import (
	"errors"
	"fmt"
	"testing"
)

func TestRetryableError(t *testing.T) {
	baseErr := errors.New("base error")
	retryErr := NewRetryableError(baseErr)

	// Test Error() string
	expectedMsg := "retryable error: base error"
	if retryErr.Error() != expectedMsg {
		t.Errorf("expected error message %q, got %q", expectedMsg, retryErr.Error())
	}

	// Test Unwrap()
	unwrapped := errors.Unwrap(retryErr)
	if unwrapped != baseErr {
		t.Errorf("expected unwrapped error to be %v, got %v", baseErr, unwrapped)
	}

	var target *RetryableError
	if !errors.As(retryErr, &target) {
		t.Error("expected errors.As to match RetryableError")
	}

	if !errors.Is(retryErr, baseErr) {
		t.Error("expected errors.Is to match base error")
	}

	wrapped := fmt.Errorf("chat: %w", retryErr)
	if !IsRetryable(wrapped) {
		t.Error("expected IsRetryable to see through wrapping")
	}
	if IsRetryable(baseErr) {
		t.Error("plain error must not be retryable")
	}
}

func TestConfigError(t *testing.T) {
	err := NewConfigError("api_key", ErrMissingAPIKey)

	if !errors.Is(err, ErrMissingAPIKey) {
		t.Error("expected errors.Is to match ErrMissingAPIKey")
	}

	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatal("expected errors.As to match ConfigError")
	}
	if cfgErr.Field != "api_key" {
		t.Errorf("expected field api_key, got %s", cfgErr.Field)
	}

	expected := "config error: api_key: api key is required"
	if err.Error() != expected {
		t.Errorf("expected %q, got %q", expected, err.Error())
	}
}
