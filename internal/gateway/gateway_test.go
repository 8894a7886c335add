package gateway

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"

	"github.com/dmarkov/itemgw/internal/auth"
	"github.com/dmarkov/itemgw/internal/backend"
	"github.com/dmarkov/itemgw/internal/circuitbreaker"
	"github.com/dmarkov/itemgw/internal/config"
	"github.com/dmarkov/itemgw/internal/health"
)

const (
	testSecret   = "gateway-test-secret"
	testIssuer   = "https://issuer.test"
	testAudience = "itemgw"
)

// stubBackend scripts backend call outcomes.
type stubBackend struct {
	mu      sync.Mutex
	calls   int
	methods []string
	resp    []byte
	errs    []error
}

func (s *stubBackend) Call(_ context.Context, method string, _ []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.calls
	s.calls++
	s.methods = append(s.methods, method)

	if idx < len(s.errs) && s.errs[idx] != nil {
		return nil, s.errs[idx]
	}
	return s.resp, nil
}

func (s *stubBackend) Close() error { return nil }

func (s *stubBackend) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// testGateway bundles a gateway with its scripted backend and breaker.
type testGateway struct {
	gw      *Gateway
	backend *stubBackend
	breaker *circuitbreaker.Breaker
}

func newTestGateway(t *testing.T, mutate func(*config.Config)) *testGateway {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Auth.HMACSecret = testSecret
	cfg.Auth.Algorithms = []string{auth.AlgHS256}
	cfg.Auth.Issuer = testIssuer
	cfg.Auth.Audience = []string{testAudience}
	cfg.Backend.Target = "stub:50051"
	cfg.Backend.RetryTransportError = true
	if mutate != nil {
		mutate(cfg)
	}

	validator, err := auth.NewValidator(auth.ValidatorConfig{
		Issuer:     cfg.Auth.Issuer,
		Audience:   cfg.Auth.Audience,
		Algorithms: cfg.Auth.Algorithms,
	}, auth.StaticSecret(cfg.Auth.HMACSecret))
	require.NoError(t, err)

	breaker := circuitbreaker.New("backend", &circuitbreaker.Config{
		FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
		Cooldown:         cfg.CircuitBreaker.Cooldown.Duration(),
		IsFailure:        backend.IsBreakerFailure(cfg.CircuitBreaker.CountBackendErrors),
	})

	stub := &stubBackend{resp: []byte("backend-bytes")}

	reporter := health.NewReporter(breaker, pingerFunc(func(context.Context) error { return nil }),
		health.WithProbeInterval(time.Hour))

	gw, err := New(Options{
		Config:    cfg,
		Validator: validator,
		Client:    stub,
		Breaker:   breaker,
		Reporter:  reporter,
	})
	require.NoError(t, err)

	return &testGateway{gw: gw, backend: stub, breaker: breaker}
}

// pingerFunc adapts a function to the health.Pinger interface.
type pingerFunc func(context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

// signedToken builds a valid HS256 token, optionally mutated first.
func signedToken(t *testing.T, opts ...func(jwt.Token) error) string {
	t.Helper()

	tok := jwt.New()
	require.NoError(t, tok.Set(jwt.IssuerKey, testIssuer))
	require.NoError(t, tok.Set(jwt.AudienceKey, testAudience))
	require.NoError(t, tok.Set(jwt.SubjectKey, "user-1"))
	require.NoError(t, tok.Set(jwt.ExpirationKey, time.Now().Add(time.Hour)))

	for _, opt := range opts {
		require.NoError(t, opt(tok))
	}

	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, []byte(testSecret)))
	require.NoError(t, err)

	return string(signed)
}

func doRequest(tg *testGateway, method, path, token string, body []byte) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	tg.gw.Handler().ServeHTTP(rec, req)
	return rec
}

func TestGateway_MissingCredential(t *testing.T) {
	t.Parallel()

	tg := newTestGateway(t, nil)

	rec := doRequest(tg, "GET", "/items", "", nil)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "authorization required")
	assert.Equal(t, 0, tg.backend.callCount(), "unauthenticated requests never reach the backend")
}

func TestGateway_WrongScheme(t *testing.T) {
	t.Parallel()

	tg := newTestGateway(t, nil)

	req := httptest.NewRequest("GET", "/items", nil)
	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	rec := httptest.NewRecorder()
	tg.gw.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "malformed")
}

func TestGateway_ExpiredToken(t *testing.T) {
	t.Parallel()

	tg := newTestGateway(t, nil)

	token := signedToken(t, func(tok jwt.Token) error {
		return tok.Set(jwt.ExpirationKey, time.Now().Add(-time.Minute))
	})
	rec := doRequest(tg, "GET", "/items", token, nil)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "token expired")
}

func TestGateway_SuccessPassthrough(t *testing.T) {
	t.Parallel()

	tg := newTestGateway(t, nil)

	rec := doRequest(tg, "POST", "/items", signedToken(t), []byte("item-body"))

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "backend-bytes", rec.Body.String(),
		"the backend response passes through unchanged")
	assert.Equal(t, 1, tg.backend.callCount())
	assert.Equal(t, "/items.ItemService/AddItem", tg.backend.methods[0])
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))
}

func TestGateway_ListRoute(t *testing.T) {
	t.Parallel()

	tg := newTestGateway(t, nil)

	rec := doRequest(tg, "GET", "/items", signedToken(t), nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "/items.ItemService/ListAllItems", tg.backend.methods[0])
}

func TestGateway_ItemByIDRoute(t *testing.T) {
	t.Parallel()

	tg := newTestGateway(t, nil)

	rec := doRequest(tg, "GET", "/items/42", signedToken(t), nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "/items.ItemService/GetItemById", tg.backend.methods[0])
}

func TestGateway_BackendErrorMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		code       codes.Code
		wantStatus int
	}{
		{name: "not found", code: codes.NotFound, wantStatus: http.StatusNotFound},
		{name: "invalid argument", code: codes.InvalidArgument, wantStatus: http.StatusBadRequest},
		{name: "already exists", code: codes.AlreadyExists, wantStatus: http.StatusConflict},
		{name: "internal", code: codes.Internal, wantStatus: http.StatusBadGateway},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			tg := newTestGateway(t, nil)
			tg.backend.errs = []error{&backend.BackendError{Code: tt.code, Message: "scripted"}}

			rec := doRequest(tg, "GET", "/items", signedToken(t), nil)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, 1, tg.backend.callCount(), "backend errors are not retried")
		})
	}
}

func TestGateway_TimeoutNotRetried(t *testing.T) {
	t.Parallel()

	tg := newTestGateway(t, nil)
	tg.backend.errs = []error{backend.ErrTimeout}

	rec := doRequest(tg, "GET", "/items", signedToken(t), nil)

	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.Equal(t, 1, tg.backend.callCount(), "timeouts must not be retried")
}

func TestGateway_TransportErrorRetriedOnce(t *testing.T) {
	t.Parallel()

	tg := newTestGateway(t, nil)
	tg.backend.errs = []error{
		&backend.TransportError{Op: "call"},
		&backend.TransportError{Op: "call"},
	}

	rec := doRequest(tg, "GET", "/items", signedToken(t), nil)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, 2, tg.backend.callCount(), "exactly one retry for transport failures")
}

func TestGateway_RetrySucceeds(t *testing.T) {
	t.Parallel()

	tg := newTestGateway(t, nil)
	tg.backend.errs = []error{&backend.TransportError{Op: "call"}, nil}

	rec := doRequest(tg, "GET", "/items", signedToken(t), nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "backend-bytes", rec.Body.String())
	assert.Equal(t, 2, tg.backend.callCount())
}

func TestGateway_RetryDisabled(t *testing.T) {
	t.Parallel()

	tg := newTestGateway(t, func(cfg *config.Config) {
		cfg.Backend.RetryTransportError = false
	})
	tg.backend.errs = []error{&backend.TransportError{Op: "call"}}

	rec := doRequest(tg, "GET", "/items", signedToken(t), nil)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, 1, tg.backend.callCount())
}

func TestGateway_BreakerOpens(t *testing.T) {
	t.Parallel()

	tg := newTestGateway(t, func(cfg *config.Config) {
		cfg.Backend.RetryTransportError = false
		cfg.CircuitBreaker.FailureThreshold = 3
		cfg.CircuitBreaker.Cooldown = config.Duration(time.Hour)
	})
	tg.backend.errs = []error{
		&backend.TransportError{Op: "call"},
		&backend.TransportError{Op: "call"},
		&backend.TransportError{Op: "call"},
	}

	token := signedToken(t)
	for i := 0; i < 3; i++ {
		rec := doRequest(tg, "GET", "/items", token, nil)
		assert.Equal(t, http.StatusBadGateway, rec.Code)
	}

	require.Equal(t, circuitbreaker.StateOpen, tg.breaker.State())

	rec := doRequest(tg, "GET", "/items", token, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, strconv.Itoa(3600), rec.Header().Get("Retry-After"))
	assert.Equal(t, 3, tg.backend.callCount(), "an open circuit sheds load off the backend")
}

func TestGateway_BackendErrorsDoNotTripBreaker(t *testing.T) {
	t.Parallel()

	tg := newTestGateway(t, func(cfg *config.Config) {
		cfg.CircuitBreaker.FailureThreshold = 2
	})
	tg.backend.errs = []error{
		&backend.BackendError{Code: codes.NotFound, Message: "missing"},
		&backend.BackendError{Code: codes.NotFound, Message: "missing"},
		&backend.BackendError{Code: codes.NotFound, Message: "missing"},
	}

	token := signedToken(t)
	for i := 0; i < 3; i++ {
		doRequest(tg, "GET", "/items", token, nil)
	}

	assert.Equal(t, circuitbreaker.StateClosed, tg.breaker.State(),
		"a well-formed error response proves the backend is alive")
}

func TestGateway_RateLimit(t *testing.T) {
	t.Parallel()

	tg := newTestGateway(t, func(cfg *config.Config) {
		cfg.RateLimit.Enabled = true
		cfg.RateLimit.RPS = 1
		cfg.RateLimit.Burst = 1
	})

	token := signedToken(t)
	first := doRequest(tg, "GET", "/items", token, nil)
	second := doRequest(tg, "GET", "/items", token, nil)

	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
}

func TestGateway_AdminBreakerReset(t *testing.T) {
	t.Parallel()

	tg := newTestGateway(t, nil)
	tg.breaker.RecordOutcome(&backend.TransportError{Op: "x"})
	tg.breaker.RecordOutcome(&backend.TransportError{Op: "x"})
	tg.breaker.RecordOutcome(&backend.TransportError{Op: "x"})
	require.Equal(t, circuitbreaker.StateOpen, tg.breaker.State())

	rec := httptest.NewRecorder()
	tg.gw.AdminHandler().ServeHTTP(rec, httptest.NewRequest("POST", "/admin/breaker/reset", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, circuitbreaker.StateClosed, tg.breaker.State())
}

func TestGateway_AdminBreakerResetRequiresPOST(t *testing.T) {
	t.Parallel()

	tg := newTestGateway(t, nil)

	rec := httptest.NewRecorder()
	tg.gw.AdminHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/admin/breaker/reset", nil))

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestGateway_AdminHealth(t *testing.T) {
	t.Parallel()

	tg := newTestGateway(t, nil)

	rec := httptest.NewRecorder()
	tg.gw.AdminHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "breakerState")
}
