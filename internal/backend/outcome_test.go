package backend

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestClassifyError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want func(t *testing.T, got error)
	}{
		{
			name: "nil",
			err:  nil,
			want: func(t *testing.T, got error) {
				assert.NoError(t, got)
			},
		},
		{
			name: "deadline exceeded",
			err:  status.Error(codes.DeadlineExceeded, "deadline exceeded"),
			want: func(t *testing.T, got error) {
				assert.ErrorIs(t, got, ErrTimeout)
			},
		},
		{
			name: "unavailable",
			err:  status.Error(codes.Unavailable, "connection refused"),
			want: func(t *testing.T, got error) {
				assert.True(t, IsTransportError(got))
			},
		},
		{
			name: "canceled",
			err:  status.Error(codes.Canceled, "canceled"),
			want: func(t *testing.T, got error) {
				assert.True(t, IsTransportError(got))
			},
		},
		{
			name: "not found",
			err:  status.Error(codes.NotFound, "item 7 not found"),
			want: func(t *testing.T, got error) {
				var backendErr *BackendError
				assert.ErrorAs(t, got, &backendErr)
				assert.Equal(t, codes.NotFound, backendErr.Code)
				assert.Equal(t, "item 7 not found", backendErr.Message)
			},
		},
		{
			name: "invalid argument",
			err:  status.Error(codes.InvalidArgument, "name required"),
			want: func(t *testing.T, got error) {
				var backendErr *BackendError
				assert.ErrorAs(t, got, &backendErr)
				assert.Equal(t, codes.InvalidArgument, backendErr.Code)
			},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tt.want(t, ClassifyError("test", tt.err))
		})
	}
}

func TestIsBreakerFailure(t *testing.T) {
	t.Parallel()

	timeout := ErrTimeout
	transport := &TransportError{Op: "dial", Cause: errors.New("refused")}
	backendErr := &BackendError{Code: codes.NotFound, Message: "missing"}

	t.Run("backend errors excluded by default", func(t *testing.T) {
		t.Parallel()
		isFailure := IsBreakerFailure(false)

		assert.False(t, isFailure(nil))
		assert.True(t, isFailure(timeout))
		assert.True(t, isFailure(transport))
		assert.False(t, isFailure(backendErr))
		assert.False(t, isFailure(errors.New("unrelated")))
	})

	t.Run("backend errors counted when configured", func(t *testing.T) {
		t.Parallel()
		isFailure := IsBreakerFailure(true)

		assert.True(t, isFailure(backendErr))
		assert.True(t, isFailure(transport))
	})
}

func TestTransportError_Unwrap(t *testing.T) {
	t.Parallel()

	cause := errors.New("connection reset")
	err := &TransportError{Op: "call", Cause: cause}

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "call")
}
