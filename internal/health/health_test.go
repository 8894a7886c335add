package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmarkov/itemgw/internal/circuitbreaker"
)

// stubPinger fakes backend reachability.
type stubPinger struct {
	healthy atomic.Bool
}

func (p *stubPinger) Ping(context.Context) error {
	if p.healthy.Load() {
		return nil
	}
	return errors.New("unreachable")
}

func newTestBreaker() *circuitbreaker.Breaker {
	return circuitbreaker.New("test", &circuitbreaker.Config{
		FailureThreshold: 1,
		Cooldown:         time.Minute,
	})
}

func TestReporter_ReportHealthy(t *testing.T) {
	t.Parallel()

	pinger := &stubPinger{}
	pinger.healthy.Store(true)

	r := NewReporter(newTestBreaker(), pinger, WithProbeInterval(time.Hour))
	r.Start(context.Background())
	defer r.Stop()

	require.Eventually(t, func() bool {
		return r.Report().BackendReachable
	}, time.Second, 10*time.Millisecond)

	report := r.Report()
	assert.Equal(t, "ok", report.Status)
	assert.Equal(t, "closed", report.BreakerState)
	assert.False(t, report.LastProbe.IsZero())
}

func TestReporter_StopWithoutStart(t *testing.T) {
	t.Parallel()

	r := NewReporter(newTestBreaker(), &stubPinger{}, WithProbeInterval(time.Hour))

	done := make(chan struct{})
	go func() {
		r.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked on a reporter that was never started")
	}
}

func TestReporter_ReportDegradedWhenBreakerOpen(t *testing.T) {
	t.Parallel()

	breaker := newTestBreaker()
	breaker.RecordOutcome(errors.New("boom"))

	pinger := &stubPinger{}
	pinger.healthy.Store(true)

	r := NewReporter(breaker, pinger, WithProbeInterval(time.Hour))
	r.Start(context.Background())
	defer r.Stop()

	report := r.Report()
	assert.Equal(t, "degraded", report.Status)
	assert.Equal(t, "open", report.BreakerState)
	assert.False(t, report.LastFailure.IsZero())
}

func TestReporter_ProbeFailureDoesNotOpenBreaker(t *testing.T) {
	t.Parallel()

	breaker := newTestBreaker()
	pinger := &stubPinger{} // always unreachable

	r := NewReporter(breaker, pinger, WithProbeInterval(10*time.Millisecond))
	r.Start(context.Background())
	defer r.Stop()

	require.Eventually(t, func() bool {
		return !r.Report().LastProbe.IsZero()
	}, time.Second, 10*time.Millisecond)

	report := r.Report()
	assert.False(t, report.BackendReachable)
	assert.Equal(t, "closed", report.BreakerState,
		"reachability probes observe health, they do not drive the breaker")
}

func TestReporter_Handler(t *testing.T) {
	t.Parallel()

	pinger := &stubPinger{}
	pinger.healthy.Store(true)

	r := NewReporter(newTestBreaker(), pinger, WithProbeInterval(time.Hour))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health", nil)
	r.Handler().ServeHTTP(rec, req)

	assert.Equal(t, 200, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var report Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, "closed", report.BreakerState)
}

func TestLivenessHandler(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	LivenessHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/live", nil))

	assert.Equal(t, 200, rec.Code)
	assert.JSONEq(t, `{"status":"alive"}`, rec.Body.String())
}
