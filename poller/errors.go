package poller

import (
	"errors"
	"strings"
)

// Error classification for poll failures. Auth failures poison the
// connection; transient failures retry on the next cycle; data failures are
// logged and the account continues.

// AuthError marks a failure caused by rejected credentials.
type AuthError struct {
	err error
}

func (e *AuthError) Error() string { return e.err.Error() }

func (e *AuthError) Unwrap() error { return e.err }

// NewAuthError wraps an error as an authentication failure.
func NewAuthError(err error) error {
	return &AuthError{err: err}
}

// IsAuthError returns true if the error chain contains an auth failure.
func IsAuthError(err error) bool {
	var auth *AuthError
	return errors.As(err, &auth)
}

// DataError marks a single malformed item; the account continues.
type DataError struct {
	err error
}

func (e *DataError) Error() string { return e.err.Error() }

func (e *DataError) Unwrap() error { return e.err }

// NewDataError wraps an error as a data failure.
func NewDataError(err error) error {
	return &DataError{err: err}
}

// IsDataError returns true if the error chain contains a data failure.
func IsDataError(err error) bool {
	var data *DataError
	return errors.As(err, &data)
}

// authMarkers are the well-known substrings that identify an auth failure in
// provider responses and git subprocess output.
var authMarkers = []string{
	"HTTP Basic: Access denied",
	"Authentication failed",
	"401",
	"403",
	"could not read Username",
	"Permission denied",
	"not found",
	"404",
}

// LooksLikeAuthFailure reports whether raw output contains any of the
// well-known auth-error markers.
func LooksLikeAuthFailure(output string) bool {
	for _, marker := range authMarkers {
		if strings.Contains(output, marker) {
			return true
		}
	}
	return false
}
