package observability

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Endpoint(t *testing.T) {
	t.Parallel()

	m := NewMetrics("testgw")

	m.RequestStarted("GET", "/items")
	m.RecordRequest("GET", "/items", 200, 12*time.Millisecond)
	m.RequestFinished("GET", "/items")
	m.RecordAuthFailure("expired")
	m.SetBackendReachable(true)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "testgw_requests_total")
	assert.Contains(t, body, "testgw_auth_failures_total")
	assert.Contains(t, body, "testgw_backend_reachable")
}

func TestNopLogger(t *testing.T) {
	t.Parallel()

	logger := NopLogger()
	logger.Info("ignored", String("k", "v"))
	assert.NoError(t, logger.Sync())
}

func TestLogger_RequestIDContext(t *testing.T) {
	t.Parallel()

	ctx := ContextWithRequestID(context.Background(), "req-123")
	assert.Equal(t, "req-123", RequestIDFromContext(ctx))
	assert.Empty(t, RequestIDFromContext(context.Background()))
}
