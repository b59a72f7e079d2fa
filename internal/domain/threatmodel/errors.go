package threatmodel

import (
	"errors"
	"fmt"
)

var (
	// ErrQuotaExceeded indicates the AI provider returned a quota/limit error (HTTP 429 or similar).
	ErrQuotaExceeded = errors.New("ai quota exceeded")

	// ErrMissingCredential is wrapped by ConfigurationError.
	ErrMissingCredential = errors.New("missing credential")

	// ErrExtractionFailed is returned when relationships could not be extracted at all.
	ErrExtractionFailed = errors.New("failed to extract relationships")

	// ErrMalformedOutput marks provider output that does not fit the expected schema.
	ErrMalformedOutput = errors.New("malformed stage output")
)

// ConfigurationError is fatal for a run and is raised before any stage call.
type ConfigurationError struct {
	Key     string
	Message string
}

func (e *ConfigurationError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("%s is required", e.Key)
}

func (e *ConfigurationError) Unwrap() error { return ErrMissingCredential }

// IsConfigurationError reports whether err (or anything it wraps) is a ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}
