// Package auth implements bearer token validation for gateway requests.
package auth

import (
	"errors"
	"fmt"
)

// Sentinel errors for token validation. Every validation failure maps to
// exactly one of these so callers can translate them exhaustively.
var (
	// ErrMissingCredential indicates that no bearer token was provided.
	ErrMissingCredential = errors.New("missing credential")

	// ErrTokenMalformed indicates that the token could not be parsed.
	ErrTokenMalformed = errors.New("token malformed")

	// ErrSignatureInvalid indicates that the token signature did not verify.
	ErrSignatureInvalid = errors.New("signature invalid")

	// ErrTokenExpired indicates that the token has expired.
	ErrTokenExpired = errors.New("token expired")

	// ErrClaimMismatch indicates that a required claim does not match the
	// configured expected value.
	ErrClaimMismatch = errors.New("claim mismatch")

	// ErrUnsupportedAlgorithm indicates an unsupported signing algorithm.
	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")

	// ErrKeyNotFound indicates that no signing key matched the token.
	ErrKeyNotFound = errors.New("signing key not found")
)

// ValidationError carries context about a validation failure. It unwraps to
// one of the sentinel errors above.
type ValidationError struct {
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("token validation: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("token validation: %s", e.Message)
}

// Unwrap returns the underlying sentinel error.
func (e *ValidationError) Unwrap() error {
	return e.Cause
}

// NewValidationError creates a new ValidationError.
func NewValidationError(message string, cause error) *ValidationError {
	return &ValidationError{
		Message: message,
		Cause:   cause,
	}
}

// FailureReason returns a short stable label for a validation error,
// suitable for metrics and audit logs.
func FailureReason(err error) string {
	switch {
	case errors.Is(err, ErrMissingCredential):
		return "missing_credential"
	case errors.Is(err, ErrTokenExpired):
		return "expired"
	case errors.Is(err, ErrSignatureInvalid):
		return "signature_invalid"
	case errors.Is(err, ErrClaimMismatch):
		return "claim_mismatch"
	case errors.Is(err, ErrUnsupportedAlgorithm):
		return "unsupported_algorithm"
	case errors.Is(err, ErrKeyNotFound):
		return "key_not_found"
	case errors.Is(err, ErrTokenMalformed):
		return "malformed"
	default:
		return "unknown"
	}
}
