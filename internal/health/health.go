// Package health reports gateway and backend health.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dmarkov/itemgw/internal/circuitbreaker"
	"github.com/dmarkov/itemgw/internal/observability"
)

// Pinger checks backend reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Report is a point-in-time health snapshot.
type Report struct {
	Status           string    `json:"status"`
	BreakerState     string    `json:"breakerState"`
	ConsecutiveFails int       `json:"consecutiveFails"`
	LastFailure      time.Time `json:"lastFailure,omitzero"`
	BackendReachable bool      `json:"backendReachable"`
	LastProbe        time.Time `json:"lastProbe,omitzero"`
}

// Reporter aggregates circuit breaker state with a periodic backend
// reachability probe. The probe observes health without going through the
// breaker, so a probe failure never opens the circuit.
type Reporter struct {
	breaker *circuitbreaker.Breaker
	pinger  Pinger
	metrics *observability.Metrics
	logger  observability.Logger

	probeInterval time.Duration
	probeTimeout  time.Duration

	mu        sync.RWMutex
	reachable bool
	lastProbe time.Time

	started  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// ReporterOption is a functional option for the Reporter.
type ReporterOption func(*Reporter)

// WithReporterLogger sets the logger.
func WithReporterLogger(logger observability.Logger) ReporterOption {
	return func(r *Reporter) {
		r.logger = logger
	}
}

// WithReporterMetrics sets the metrics collector.
func WithReporterMetrics(m *observability.Metrics) ReporterOption {
	return func(r *Reporter) {
		r.metrics = m
	}
}

// WithProbeInterval sets how often the backend is probed.
func WithProbeInterval(interval time.Duration) ReporterOption {
	return func(r *Reporter) {
		r.probeInterval = interval
	}
}

// NewReporter creates a health reporter.
func NewReporter(breaker *circuitbreaker.Breaker, pinger Pinger, opts ...ReporterOption) *Reporter {
	r := &Reporter{
		breaker:       breaker,
		pinger:        pinger,
		logger:        observability.NopLogger(),
		probeInterval: 10 * time.Second,
		probeTimeout:  5 * time.Second,
		stopCh:        make(chan struct{}),
		done:          make(chan struct{}),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Start launches the background probe loop.
func (r *Reporter) Start(ctx context.Context) {
	r.started.Store(true)
	go func() {
		defer close(r.done)

		ticker := time.NewTicker(r.probeInterval)
		defer ticker.Stop()

		r.probe(ctx)

		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopCh:
				return
			case <-ticker.C:
				r.probe(ctx)
			}
		}
	}()
}

// Stop stops the probe loop and waits for it to exit. Stopping a reporter
// that was never started is a no-op.
func (r *Reporter) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
	})
	if r.started.Load() {
		<-r.done
	}
}

// probe checks backend reachability once.
func (r *Reporter) probe(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, r.probeTimeout)
	defer cancel()

	err := r.pinger.Ping(probeCtx)
	reachable := err == nil

	r.mu.Lock()
	wasReachable := r.reachable
	r.reachable = reachable
	r.lastProbe = time.Now()
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.SetBackendReachable(reachable)
	}

	if reachable != wasReachable {
		if reachable {
			r.logger.Info("backend is reachable")
		} else {
			r.logger.Warn("backend is unreachable", observability.Error(err))
		}
	}
}

// Report returns the current health snapshot. The gateway reports healthy
// whenever it can serve traffic, even while the circuit is open.
func (r *Reporter) Report() Report {
	stats := r.breaker.Stats()

	r.mu.RLock()
	reachable := r.reachable
	lastProbe := r.lastProbe
	r.mu.RUnlock()

	status := "ok"
	if stats.State != circuitbreaker.StateClosed || !reachable {
		status = "degraded"
	}

	return Report{
		Status:           status,
		BreakerState:     stats.State.String(),
		ConsecutiveFails: stats.ConsecutiveFails,
		LastFailure:      stats.LastFailure,
		BackendReachable: reachable,
		LastProbe:        lastProbe,
	}
}

// Handler returns the health endpoint handler.
func (r *Reporter) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		report := r.Report()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(report)
	})
}

// LivenessHandler reports process liveness.
func LivenessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"alive"}`))
	})
}

// ReadinessHandler reports readiness to serve traffic.
func (r *Reporter) ReadinessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		report := r.Report()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status":       "ready",
			"breakerState": report.BreakerState,
		})
	})
}
