package provider

import (
	"errors"
	"strings"
)

// Error codes surfaced by provider operations.
const (
	CodeProviderUnsupported   = "PROVIDER_UNSUPPORTED"
	CodeProviderNotReady      = "PROVIDER_NOT_READY"
	CodeProviderConfigMissing = "PROVIDER_CONFIG_MISSING"
	CodeProviderModelInvalid  = "PROVIDER_MODEL_INVALID"
	CodeProviderTimeout       = "PROVIDER_TIMEOUT"
	CodeProviderRateLimit     = "PROVIDER_RATE_LIMIT"
	CodeProviderUpstream      = "PROVIDER_UPSTREAM"
	CodeProviderBadStatus     = "PROVIDER_BAD_STATUS"
	CodeAPIKeyRequired        = "API_KEY_REQUIRED"
	CodeSecretKeyMissing      = "SECRET_KEY_MISSING"
)

// Error is a normalized provider failure. Retryable marks transient
// upstream conditions the generation loop may back off and retry.
type Error struct {
	Code      string
	Message   string
	Retryable bool
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

func newError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func retryableError(code, message string) *Error {
	return &Error{Code: code, Message: message, Retryable: true}
}

// IsRetryable reports whether err is a provider error marked transient.
func IsRetryable(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Retryable
}

// classifyGenerateError wraps an upstream SDK error, marking rate limits,
// timeouts and 5xx-style failures retryable.
func classifyGenerateError(err error) *Error {
	msg := err.Error()
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "rate limit") || strings.Contains(msg, "429"):
		return retryableError(CodeProviderRateLimit, msg)
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "deadline exceeded"):
		return retryableError(CodeProviderTimeout, msg)
	case strings.Contains(lower, "connection refused") || strings.Contains(lower, "connection reset") ||
		strings.Contains(lower, "no such host") || strings.Contains(lower, "eof"):
		return retryableError(CodeProviderUpstream, msg)
	case strings.Contains(msg, "500") || strings.Contains(msg, "502") ||
		strings.Contains(msg, "503") || strings.Contains(lower, "overloaded"):
		return retryableError(CodeProviderUpstream, msg)
	default:
		return newError(CodeProviderBadStatus, msg)
	}
}
