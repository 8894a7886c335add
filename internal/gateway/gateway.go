package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dmarkov/itemgw/internal/auth"
	"github.com/dmarkov/itemgw/internal/circuitbreaker"
	"github.com/dmarkov/itemgw/internal/config"
	"github.com/dmarkov/itemgw/internal/health"
	"github.com/dmarkov/itemgw/internal/observability"
)

// BackendClient is the backend channel the gateway calls through.
// *backend.Client satisfies it; tests substitute stubs.
type BackendClient interface {
	Call(ctx context.Context, method string, payload []byte) ([]byte, error)
	Close() error
}

// Gateway ties the validator, breaker and backend client together behind
// the public HTTP listener, and serves operational endpoints on a separate
// admin listener.
type Gateway struct {
	cfg       *config.Config
	logger    observability.Logger
	metrics   *observability.Metrics
	tracer    *observability.Tracer
	validator *auth.Validator
	client    BackendClient
	breaker   *circuitbreaker.Breaker
	reporter  *health.Reporter

	callTimeout    time.Duration
	cooldown       time.Duration
	retryTransport bool

	server      *http.Server
	adminServer *http.Server
}

// Options holds the components a Gateway is built from.
type Options struct {
	Config    *config.Config
	Logger    observability.Logger
	Metrics   *observability.Metrics
	Tracer    *observability.Tracer
	Validator *auth.Validator
	Client    BackendClient
	Breaker   *circuitbreaker.Breaker
	Reporter  *health.Reporter
}

// New creates a Gateway from pre-built components.
func New(opts Options) (*Gateway, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if opts.Validator == nil || opts.Client == nil || opts.Breaker == nil {
		return nil, fmt.Errorf("validator, client and breaker are required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = observability.NopLogger()
	}

	g := &Gateway{
		cfg:            opts.Config,
		logger:         logger,
		metrics:        opts.Metrics,
		tracer:         opts.Tracer,
		validator:      opts.Validator,
		client:         opts.Client,
		breaker:        opts.Breaker,
		reporter:       opts.Reporter,
		callTimeout:    opts.Config.Backend.CallTimeout.Duration(),
		cooldown:       opts.Config.CircuitBreaker.Cooldown.Duration(),
		retryTransport: opts.Config.Backend.RetryTransportError,
	}

	g.server = &http.Server{
		Addr:         opts.Config.Server.Address,
		Handler:      g.buildEngine(),
		ReadTimeout:  opts.Config.Server.ReadTimeout.Duration(),
		WriteTimeout: opts.Config.Server.WriteTimeout.Duration(),
		IdleTimeout:  opts.Config.Server.IdleTimeout.Duration(),
	}

	g.adminServer = &http.Server{
		Addr:              opts.Config.Admin.Address,
		Handler:           g.buildAdminMux(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return g, nil
}

// buildEngine assembles the public gin engine with the middleware chain
// and the configured routes.
func (g *Gateway) buildEngine() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()

	engine.Use(RecoveryMiddleware(g.logger))
	engine.Use(RequestIDMiddleware())
	engine.Use(LoggingMiddleware(g.logger))
	if g.metrics != nil {
		engine.Use(MetricsMiddleware(g.metrics))
	}
	if g.cfg.RateLimit.Enabled {
		engine.Use(RateLimitMiddleware(g.cfg.RateLimit.RPS, g.cfg.RateLimit.Burst))
	}
	if g.tracer != nil {
		engine.Use(g.tracingMiddleware())
	}
	if g.cfg.Server.MaxBodyBytes > 0 {
		engine.Use(g.bodyLimitMiddleware())
	}
	engine.Use(AuthMiddleware(g.validator, g.metrics, g.logger))

	for _, route := range g.cfg.Routes {
		engine.Handle(route.Method, route.Path, g.proxyHandler(route))
	}

	return engine
}

// tracingMiddleware opens one span per gateway request.
func (g *Gateway) tracingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := g.tracer.StartSpan(c.Request.Context(), c.Request.Method+" "+c.FullPath())
		defer span.End()

		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// bodyLimitMiddleware caps inbound request body size.
func (g *Gateway) bodyLimitMiddleware() gin.HandlerFunc {
	limit := g.cfg.Server.MaxBodyBytes
	return func(c *gin.Context) {
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		}
		c.Next()
	}
}

// buildAdminMux assembles the admin listener: metrics, health and the
// manual breaker reset.
func (g *Gateway) buildAdminMux() *http.ServeMux {
	mux := http.NewServeMux()

	if g.metrics != nil {
		mux.Handle(g.cfg.Admin.MetricsPath, g.metrics.Handler())
	}
	if g.reporter != nil {
		mux.Handle("/health", g.reporter.Handler())
		mux.Handle("/ready", g.reporter.ReadinessHandler())
	}
	mux.Handle("/live", health.LivenessHandler())

	mux.HandleFunc("/admin/breaker/reset", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		g.breaker.Reset()
		g.logger.Info("circuit breaker reset via admin endpoint",
			observability.String("remoteAddr", r.RemoteAddr),
		)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"reset"}`))
	})

	return mux
}

// Start launches the public and admin listeners and the health probe loop.
// It blocks until one of the listeners fails or the context is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	if g.reporter != nil {
		g.reporter.Start(ctx)
	}

	errCh := make(chan error, 2)

	go func() {
		g.logger.Info("gateway listening", observability.String("address", g.server.Addr))
		if err := g.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("gateway listener: %w", err)
		}
	}()

	go func() {
		g.logger.Info("admin listening", observability.String("address", g.adminServer.Addr))
		if err := g.adminServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("admin listener: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the listeners, the probe loop and the backend
// channel.
func (g *Gateway) Stop(ctx context.Context) error {
	var errs []error

	if err := g.server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("gateway shutdown: %w", err))
	}
	if err := g.adminServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("admin shutdown: %w", err))
	}
	if g.reporter != nil {
		g.reporter.Stop()
	}
	if err := g.client.Close(); err != nil {
		errs = append(errs, fmt.Errorf("backend close: %w", err))
	}

	return errors.Join(errs...)
}

// Handler returns the public HTTP handler, used by tests.
func (g *Gateway) Handler() http.Handler {
	return g.server.Handler
}

// AdminHandler returns the admin HTTP handler, used by tests.
func (g *Gateway) AdminHandler() http.Handler {
	return g.adminServer.Handler
}
