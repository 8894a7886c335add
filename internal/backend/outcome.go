// Package backend provides the mutual-TLS gRPC channel to the item service.
package backend

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrTimeout indicates that a backend call exceeded its deadline.
var ErrTimeout = errors.New("backend call timed out")

// TransportError indicates that the backend could not be reached or the
// channel failed mid-call. Transport errors count against the circuit
// breaker.
type TransportError struct {
	Op    string
	Cause error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("backend transport: %s: %v", e.Op, e.Cause)
	}
	return fmt.Sprintf("backend transport: %s", e.Op)
}

// Unwrap returns the underlying error.
func (e *TransportError) Unwrap() error {
	return e.Cause
}

// BackendError indicates that the backend was reached and returned a
// well-formed error response. It proves the backend is alive, so it does
// not count against the circuit breaker by default.
type BackendError struct {
	Code    codes.Code
	Message string
}

// Error implements the error interface.
func (e *BackendError) Error() string {
	return fmt.Sprintf("backend error: %s: %s", e.Code, e.Message)
}

// ClassifyError converts a raw gRPC call error into the gateway's error
// taxonomy. DeadlineExceeded becomes ErrTimeout; Unavailable and Canceled
// become TransportError; every other status is a BackendError carrying the
// backend's own code.
func ClassifyError(op string, err error) error {
	if err == nil {
		return nil
	}

	st, ok := status.FromError(err)
	if !ok {
		return &TransportError{Op: op, Cause: err}
	}

	switch st.Code() {
	case codes.DeadlineExceeded:
		return ErrTimeout
	case codes.Unavailable, codes.Canceled:
		return &TransportError{Op: op, Cause: err}
	default:
		return &BackendError{Code: st.Code(), Message: st.Message()}
	}
}

// IsBreakerFailure classifies an error for the circuit breaker. Timeouts
// and transport errors count; backend-reported errors do not unless
// countBackendErrors is set.
func IsBreakerFailure(countBackendErrors bool) func(error) bool {
	return func(err error) bool {
		if err == nil {
			return false
		}
		if errors.Is(err, ErrTimeout) {
			return true
		}
		var transportErr *TransportError
		if errors.As(err, &transportErr) {
			return true
		}
		var backendErr *BackendError
		if errors.As(err, &backendErr) {
			return countBackendErrors
		}
		return false
	}
}

// IsTransportError reports whether the error is a transport failure.
func IsTransportError(err error) bool {
	var transportErr *TransportError
	return errors.As(err, &transportErr)
}
