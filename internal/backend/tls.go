package backend

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/dmarkov/itemgw/internal/config"
	"github.com/dmarkov/itemgw/internal/observability"
)

// BuildTLSConfig builds the mutual-TLS configuration for the backend
// channel. The CA bundle, client certificate and key are all required; a
// missing or unreadable file is a startup error. There is no plaintext or
// server-only fallback.
func BuildTLSConfig(cfg *config.BackendTLSConfig, logger observability.Logger) (*tls.Config, error) {
	if cfg == nil {
		return nil, fmt.Errorf("backend TLS configuration is required")
	}
	if cfg.CAFile == "" || cfg.CertFile == "" || cfg.KeyFile == "" {
		return nil, fmt.Errorf("caFile, certFile and keyFile are required for mutual TLS")
	}
	if logger == nil {
		logger = observability.NopLogger()
	}

	minVersion, err := parseTLSVersion(cfg.MinVersion)
	if err != nil {
		return nil, fmt.Errorf("invalid minVersion: %w", err)
	}

	caCert, err := os.ReadFile(cfg.CAFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA file %s: %w", cfg.CAFile, err)
	}

	caPool := x509.NewCertPool()
	if !caPool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to parse CA certificate from %s", cfg.CAFile)
	}

	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load client certificate: %w", err)
	}

	tlsConfig := &tls.Config{
		MinVersion:   minVersion,
		RootCAs:      caPool,
		Certificates: []tls.Certificate{cert},
		ServerName:   cfg.ServerName,
	}

	logger.Debug("built backend mTLS config",
		observability.String("caFile", cfg.CAFile),
		observability.String("certFile", cfg.CertFile),
		observability.String("serverName", cfg.ServerName),
	)

	return tlsConfig, nil
}

// parseTLSVersion parses a TLS version string to the corresponding constant.
// TLS versions below 1.2 are not accepted.
func parseTLSVersion(version string) (uint16, error) {
	switch version {
	case "", "TLS12":
		return tls.VersionTLS12, nil
	case "TLS13":
		return tls.VersionTLS13, nil
	default:
		return 0, fmt.Errorf("unknown or unsupported TLS version: %s", version)
	}
}
