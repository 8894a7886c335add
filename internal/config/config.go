// Package config provides configuration loading and validation for the gateway.
package config

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Config is the root gateway configuration. It is loaded once at startup;
// certificate material referenced here is never hot-reloaded mid-process.
type Config struct {
	Server         ServerConfig        `yaml:"server"`
	Admin          AdminConfig         `yaml:"admin"`
	Auth           AuthConfig          `yaml:"auth"`
	Backend        BackendConfig       `yaml:"backend"`
	CircuitBreaker BreakerConfig       `yaml:"circuitBreaker"`
	RateLimit      RateLimitConfig     `yaml:"rateLimit"`
	Routes         []RouteConfig       `yaml:"routes"`
	Observability  ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds the public HTTP listener configuration.
type ServerConfig struct {
	Address      string   `yaml:"address"`
	ReadTimeout  Duration `yaml:"readTimeout"`
	WriteTimeout Duration `yaml:"writeTimeout"`
	IdleTimeout  Duration `yaml:"idleTimeout"`

	// MaxBodyBytes limits the size of inbound request bodies. 0 disables the limit.
	MaxBodyBytes int64 `yaml:"maxBodyBytes"`
}

// AdminConfig holds the admin listener configuration (metrics, health, breaker reset).
type AdminConfig struct {
	Address     string `yaml:"address"`
	MetricsPath string `yaml:"metricsPath"`
}

// AuthConfig holds token validation configuration.
type AuthConfig struct {
	// JWKSURL is the signing-key discovery endpoint of the identity provider.
	JWKSURL string `yaml:"jwksUrl"`

	// JWKSFile is a local JWKS document, watched for key rotation.
	JWKSFile string `yaml:"jwksFile"`

	// HMACSecret enables HS256 verification for locally issued tokens.
	HMACSecret string `yaml:"hmacSecret"`

	// RefreshInterval bounds how often remote keys are re-fetched.
	RefreshInterval Duration `yaml:"refreshInterval"`

	// Issuer and Audience are the expected claim values.
	Issuer   string   `yaml:"issuer"`
	Audience []string `yaml:"audience"`

	// Algorithms restricts accepted signing algorithms. Empty means RS256 only.
	Algorithms []string `yaml:"algorithms"`

	// ClockSkew is the allowed clock skew for expiry checks. Default 0.
	ClockSkew Duration `yaml:"clockSkew"`
}

// BackendConfig holds the backend channel and call configuration.
type BackendConfig struct {
	Target string `yaml:"target"`

	// CallTimeout is the per-call deadline.
	CallTimeout Duration `yaml:"callTimeout"`

	// DialTimeout bounds connection establishment.
	DialTimeout Duration `yaml:"dialTimeout"`

	// RetryTransportError allows a single retry after a transport failure.
	RetryTransportError bool `yaml:"retryTransportError"`

	// ProbeInterval is how often the health reporter probes reachability.
	ProbeInterval Duration `yaml:"probeInterval"`

	TLS BackendTLSConfig `yaml:"tls"`
}

// BackendTLSConfig holds the mutual-TLS material for the backend channel.
// All three files are required; the channel never falls back to an
// unauthenticated connection.
type BackendTLSConfig struct {
	CAFile     string `yaml:"caFile"`
	CertFile   string `yaml:"certFile"`
	KeyFile    string `yaml:"keyFile"`
	ServerName string `yaml:"serverName"`
	MinVersion string `yaml:"minVersion"`
}

// BreakerConfig holds circuit breaker configuration.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive transport failures
	// that opens the circuit. Must be >= 1.
	FailureThreshold int `yaml:"failureThreshold"`

	// Cooldown is how long the circuit stays open before a trial call
	// is allowed. Must be > 0.
	Cooldown Duration `yaml:"cooldown"`

	// CountBackendErrors makes backend-reported application errors count
	// toward breaker health. Default false: a well-formed error response
	// proves the backend is reachable.
	CountBackendErrors bool `yaml:"countBackendErrors"`
}

// RateLimitConfig holds inbound rate limiting configuration.
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled"`
	RPS     float64 `yaml:"rps"`
	Burst   int     `yaml:"burst"`
}

// RouteConfig maps an HTTP route to a backend RPC method.
type RouteConfig struct {
	Method string `yaml:"method"`
	Path   string `yaml:"path"`

	// RPC is the full gRPC method name, e.g. "/items.ItemService/AddItem".
	RPC string `yaml:"rpc"`

	// SuccessStatus is the HTTP status returned on success. Default 200.
	SuccessStatus int `yaml:"successStatus"`
}

// ObservabilityConfig holds logging and tracing configuration.
type ObservabilityConfig struct {
	Log     LogConfig     `yaml:"log"`
	Tracing TracingConfig `yaml:"tracing"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TracingConfig holds tracing configuration.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	OTLPEndpoint string  `yaml:"otlpEndpoint"`
	SamplingRate float64 `yaml:"samplingRate"`
	ServiceName  string  `yaml:"serviceName"`
}

// DefaultConfig returns a Config with default values applied.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:      ":8080",
			ReadTimeout:  Duration(30 * time.Second),
			WriteTimeout: Duration(30 * time.Second),
			IdleTimeout:  Duration(120 * time.Second),
			MaxBodyBytes: 1 << 20,
		},
		Admin: AdminConfig{
			Address:     ":9090",
			MetricsPath: "/metrics",
		},
		Auth: AuthConfig{
			RefreshInterval: Duration(time.Hour),
			Algorithms:      []string{"RS256"},
		},
		Backend: BackendConfig{
			CallTimeout:   Duration(3 * time.Second),
			DialTimeout:   Duration(5 * time.Second),
			ProbeInterval: Duration(10 * time.Second),
		},
		CircuitBreaker: BreakerConfig{
			FailureThreshold: 3,
			Cooldown:         Duration(30 * time.Second),
		},
		Routes: DefaultRoutes(),
		Observability: ObservabilityConfig{
			Log: LogConfig{
				Level:  "info",
				Format: "json",
			},
			Tracing: TracingConfig{
				SamplingRate: 1.0,
				ServiceName:  "itemgw",
			},
		},
	}
}

// DefaultRoutes returns the item service route table.
func DefaultRoutes() []RouteConfig {
	return []RouteConfig{
		{Method: http.MethodPost, Path: "/items", RPC: "/items.ItemService/AddItem", SuccessStatus: http.StatusCreated},
		{Method: http.MethodGet, Path: "/items", RPC: "/items.ItemService/ListAllItems"},
		{Method: http.MethodGet, Path: "/items/:id", RPC: "/items.ItemService/GetItemById"},
	}
}

// applyDefaults fills zero-valued fields with defaults.
func (c *Config) applyDefaults() {
	def := DefaultConfig()

	if c.Server.Address == "" {
		c.Server.Address = def.Server.Address
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = def.Server.ReadTimeout
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = def.Server.WriteTimeout
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = def.Server.IdleTimeout
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = def.Server.MaxBodyBytes
	}
	if c.Admin.Address == "" {
		c.Admin.Address = def.Admin.Address
	}
	if c.Admin.MetricsPath == "" {
		c.Admin.MetricsPath = def.Admin.MetricsPath
	}
	if c.Auth.RefreshInterval == 0 {
		c.Auth.RefreshInterval = def.Auth.RefreshInterval
	}
	if len(c.Auth.Algorithms) == 0 {
		c.Auth.Algorithms = def.Auth.Algorithms
	}
	if c.Backend.CallTimeout == 0 {
		c.Backend.CallTimeout = def.Backend.CallTimeout
	}
	if c.Backend.DialTimeout == 0 {
		c.Backend.DialTimeout = def.Backend.DialTimeout
	}
	if c.Backend.ProbeInterval == 0 {
		c.Backend.ProbeInterval = def.Backend.ProbeInterval
	}
	if c.CircuitBreaker.FailureThreshold == 0 {
		c.CircuitBreaker.FailureThreshold = def.CircuitBreaker.FailureThreshold
	}
	if c.CircuitBreaker.Cooldown == 0 {
		c.CircuitBreaker.Cooldown = def.CircuitBreaker.Cooldown
	}
	if len(c.Routes) == 0 {
		c.Routes = DefaultRoutes()
	}
	for i := range c.Routes {
		if c.Routes[i].SuccessStatus == 0 {
			c.Routes[i].SuccessStatus = http.StatusOK
		}
	}
	if c.Observability.Log.Level == "" {
		c.Observability.Log.Level = def.Observability.Log.Level
	}
	if c.Observability.Log.Format == "" {
		c.Observability.Log.Format = def.Observability.Log.Format
	}
	if c.Observability.Tracing.SamplingRate == 0 {
		c.Observability.Tracing.SamplingRate = def.Observability.Tracing.SamplingRate
	}
	if c.Observability.Tracing.ServiceName == "" {
		c.Observability.Tracing.ServiceName = def.Observability.Tracing.ServiceName
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Auth.JWKSURL == "" && c.Auth.JWKSFile == "" && c.Auth.HMACSecret == "" {
		return fmt.Errorf("auth: at least one key source is required (jwksUrl, jwksFile or hmacSecret)")
	}
	if c.Auth.Issuer == "" {
		return fmt.Errorf("auth: issuer is required")
	}
	if len(c.Auth.Audience) == 0 {
		return fmt.Errorf("auth: audience is required")
	}
	if c.Backend.Target == "" {
		return fmt.Errorf("backend: target is required")
	}
	if c.Backend.TLS.CAFile == "" || c.Backend.TLS.CertFile == "" || c.Backend.TLS.KeyFile == "" {
		return fmt.Errorf("backend.tls: caFile, certFile and keyFile are required for mutual TLS")
	}
	if c.CircuitBreaker.FailureThreshold < 1 {
		return fmt.Errorf("circuitBreaker: failureThreshold must be >= 1, got %d",
			c.CircuitBreaker.FailureThreshold)
	}
	if c.CircuitBreaker.Cooldown <= 0 {
		return fmt.Errorf("circuitBreaker: cooldown must be > 0")
	}
	if c.RateLimit.Enabled && c.RateLimit.RPS <= 0 {
		return fmt.Errorf("rateLimit: rps must be > 0 when enabled")
	}
	for i, r := range c.Routes {
		if err := r.validate(); err != nil {
			return fmt.Errorf("routes[%d]: %w", i, err)
		}
	}
	return nil
}

// validate checks a single route entry.
func (r RouteConfig) validate() error {
	switch r.Method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch:
	default:
		return fmt.Errorf("unsupported method %q", r.Method)
	}
	if !strings.HasPrefix(r.Path, "/") {
		return fmt.Errorf("path %q must start with /", r.Path)
	}
	parts := strings.Split(strings.TrimPrefix(r.RPC, "/"), "/")
	if !strings.HasPrefix(r.RPC, "/") || len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return fmt.Errorf("rpc %q must be of the form /package.Service/Method", r.RPC)
	}
	return nil
}
