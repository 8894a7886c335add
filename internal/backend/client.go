package backend

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"github.com/dmarkov/itemgw/internal/config"
	"github.com/dmarkov/itemgw/internal/observability"
)

// Client is the gateway's channel to the backend item service. Request and
// response bodies pass through as opaque bytes; the client only classifies
// call outcomes.
type Client struct {
	target      string
	callTimeout time.Duration
	dialTimeout time.Duration
	tlsConfig   *tls.Config
	logger      observability.Logger

	mu   sync.Mutex
	conn *grpc.ClientConn
}

// ClientOption is a functional option for the Client.
type ClientOption func(*Client)

// WithClientLogger sets the logger.
func WithClientLogger(logger observability.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a backend client. The connection is established lazily
// on the first call; certificate material is validated here so that a
// misconfigured channel fails at startup.
func NewClient(cfg *config.BackendConfig, opts ...ClientOption) (*Client, error) {
	if cfg == nil || cfg.Target == "" {
		return nil, fmt.Errorf("backend target is required")
	}

	c := &Client{
		target:      cfg.Target,
		callTimeout: cfg.CallTimeout.Duration(),
		dialTimeout: cfg.DialTimeout.Duration(),
		logger:      observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(c)
	}

	tlsConfig, err := BuildTLSConfig(&cfg.TLS, c.logger)
	if err != nil {
		return nil, err
	}
	c.tlsConfig = tlsConfig

	if c.callTimeout <= 0 {
		c.callTimeout = 3 * time.Second
	}
	if c.dialTimeout <= 0 {
		c.dialTimeout = 5 * time.Second
	}

	return c, nil
}

// getConn returns the shared connection, creating it if needed. A
// connection that has shut down is replaced.
func (c *Client) getConn() (*grpc.ClientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil && c.conn.GetState() != connectivity.Shutdown {
		return c.conn, nil
	}

	conn, err := grpc.NewClient(c.target,
		grpc.WithTransportCredentials(credentials.NewTLS(c.tlsConfig)),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(rawCodec{})),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             10 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	if err != nil {
		return nil, &TransportError{Op: "dial " + c.target, Cause: err}
	}

	c.conn = conn
	c.logger.Info("backend channel created", observability.String("target", c.target))

	return conn, nil
}

// Call invokes the given fully qualified gRPC method with the payload as
// the request message and returns the raw response bytes. The call runs
// under the configured per-call deadline unless the context already carries
// an earlier one.
func (c *Client) Call(ctx context.Context, method string, payload []byte) ([]byte, error) {
	conn, err := c.getConn()
	if err != nil {
		return nil, err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
	}

	req := NewFrame(payload)
	resp := &Frame{}

	if err := conn.Invoke(ctx, method, req, resp, grpc.ForceCodec(rawCodec{})); err != nil {
		return nil, ClassifyError(method, err)
	}

	return resp.Payload(), nil
}

// Ping checks backend reachability via the standard gRPC health service.
func (c *Client) Ping(ctx context.Context) error {
	conn, err := c.getConn()
	if err != nil {
		return err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.dialTimeout)
		defer cancel()
	}

	client := grpc_health_v1.NewHealthClient(conn)
	resp, err := client.Check(ctx, &grpc_health_v1.HealthCheckRequest{})
	if err != nil {
		return ClassifyError("health check", err)
	}

	if resp.GetStatus() != grpc_health_v1.HealthCheckResponse_SERVING {
		return &TransportError{Op: fmt.Sprintf("health check: backend status %s", resp.GetStatus())}
	}

	return nil
}

// Target returns the backend target address.
func (c *Client) Target() string {
	return c.target
}

// Close tears down the backend channel.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}

	err := c.conn.Close()
	c.conn = nil
	return err
}
