package auth

import (
	"context"
	"crypto"
	"crypto/hmac"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"hash"
	"strings"
	"time"

	"github.com/dmarkov/itemgw/internal/observability"
)

// Supported signing algorithms.
const (
	AlgRS256 = "RS256"
	AlgRS384 = "RS384"
	AlgRS512 = "RS512"
	AlgHS256 = "HS256"
	AlgHS384 = "HS384"
	AlgHS512 = "HS512"
)

// ExtractBearer extracts the bearer token from an Authorization header
// value. An absent header yields ErrMissingCredential; any other scheme
// yields ErrTokenMalformed.
func ExtractBearer(header string) (string, error) {
	if header == "" {
		return "", ErrMissingCredential
	}

	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", NewValidationError("authorization header is not a bearer token", ErrTokenMalformed)
	}

	token := strings.TrimSpace(header[len(prefix):])
	if token == "" {
		return "", NewValidationError("empty bearer token", ErrTokenMalformed)
	}

	return token, nil
}

// ValidatorConfig holds token validation settings.
type ValidatorConfig struct {
	// Issuer is the expected iss claim value.
	Issuer string

	// Audience is the set of accepted aud values. The token must carry at
	// least one of them.
	Audience []string

	// Algorithms restricts accepted signing algorithms.
	Algorithms []string

	// ClockSkew is the allowed clock skew for time-based checks.
	ClockSkew time.Duration
}

// Validator validates bearer tokens against configured keys and claims.
type Validator struct {
	config ValidatorConfig
	keys   KeySource
	logger observability.Logger

	// now is injectable for tests.
	now func() time.Time
}

// ValidatorOption is a functional option for the Validator.
type ValidatorOption func(*Validator)

// WithValidatorLogger sets the logger.
func WithValidatorLogger(logger observability.Logger) ValidatorOption {
	return func(v *Validator) {
		v.logger = logger
	}
}

// WithClock sets the time source, used in tests.
func WithClock(now func() time.Time) ValidatorOption {
	return func(v *Validator) {
		v.now = now
	}
}

// NewValidator creates a new token validator.
func NewValidator(config ValidatorConfig, keys KeySource, opts ...ValidatorOption) (*Validator, error) {
	if keys == nil {
		return nil, fmt.Errorf("key source is required")
	}
	if len(config.Algorithms) == 0 {
		config.Algorithms = []string{AlgRS256}
	}

	v := &Validator{
		config: config,
		keys:   keys,
		logger: observability.NopLogger(),
		now:    time.Now,
	}

	for _, opt := range opts {
		opt(v)
	}

	return v, nil
}

// tokenHeader is the decoded JWT header.
type tokenHeader struct {
	Algorithm string `json:"alg"`
	Type      string `json:"typ"`
	KeyID     string `json:"kid"`
}

// Validate checks a raw bearer token and returns the caller identity.
// Checks run in a fixed order: structure, algorithm, signature, expiry,
// then issuer and audience. The first failure wins.
func (v *Validator) Validate(ctx context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, ErrMissingCredential
	}

	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, NewValidationError("token does not have three segments", ErrTokenMalformed)
	}

	header, err := decodeHeader(parts[0])
	if err != nil {
		return nil, NewValidationError("failed to decode header", ErrTokenMalformed)
	}

	if err := v.checkAlgorithm(header.Algorithm); err != nil {
		return nil, err
	}

	claims, err := decodePayload(parts[1])
	if err != nil {
		return nil, NewValidationError("failed to decode payload", ErrTokenMalformed)
	}

	if err := v.verifySignature(ctx, header, parts[0]+"."+parts[1], parts[2]); err != nil {
		return nil, err
	}

	if err := v.checkClaims(claims); err != nil {
		return nil, err
	}

	v.logger.Debug("token validated",
		observability.String("subject", claims.Subject),
		observability.String("issuer", claims.Issuer),
	)

	identity := &Identity{
		Subject: claims.Subject,
		Issuer:  claims.Issuer,
	}
	if claims.ExpiresAt != nil {
		identity.ExpiresAt = claims.ExpiresAt.Time
	}

	return identity, nil
}

// decodeHeader decodes the JWT header segment.
func decodeHeader(encoded string) (*tokenHeader, error) {
	data, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode header: %w", err)
	}

	var header tokenHeader
	if err := json.Unmarshal(data, &header); err != nil {
		return nil, fmt.Errorf("failed to parse header: %w", err)
	}

	return &header, nil
}

// decodePayload decodes the JWT claims segment.
func decodePayload(encoded string) (*Claims, error) {
	data, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}

	var claims Claims
	if err := json.Unmarshal(data, &claims); err != nil {
		return nil, fmt.Errorf("failed to parse payload: %w", err)
	}

	return &claims, nil
}

// checkAlgorithm rejects algorithms outside the configured allow list.
func (v *Validator) checkAlgorithm(alg string) error {
	for _, allowed := range v.config.Algorithms {
		if alg == allowed {
			return nil
		}
	}
	return NewValidationError(fmt.Sprintf("algorithm %s is not allowed", alg), ErrUnsupportedAlgorithm)
}

// verifySignature verifies the token signature against the key source.
func (v *Validator) verifySignature(ctx context.Context, header *tokenHeader, signingInput, signature string) error {
	sigBytes, err := base64.RawURLEncoding.DecodeString(signature)
	if err != nil {
		return NewValidationError("failed to decode signature", ErrTokenMalformed)
	}

	key, err := v.keys.Key(ctx, header.KeyID, header.Algorithm)
	if err != nil {
		return err
	}

	switch header.Algorithm {
	case AlgRS256:
		return verifyRSA(key, signingInput, sigBytes, crypto.SHA256)
	case AlgRS384:
		return verifyRSA(key, signingInput, sigBytes, crypto.SHA384)
	case AlgRS512:
		return verifyRSA(key, signingInput, sigBytes, crypto.SHA512)
	case AlgHS256:
		return verifyHMAC(key, signingInput, sigBytes, sha256.New)
	case AlgHS384:
		return verifyHMAC(key, signingInput, sigBytes, sha512.New384)
	case AlgHS512:
		return verifyHMAC(key, signingInput, sigBytes, sha512.New)
	default:
		return NewValidationError(fmt.Sprintf("unsupported algorithm: %s", header.Algorithm), ErrUnsupportedAlgorithm)
	}
}

// verifyRSA verifies a PKCS1v15 RSA signature.
func verifyRSA(key any, signingInput string, signature []byte, hashAlg crypto.Hash) error {
	rsaKey, ok := key.(*rsa.PublicKey)
	if !ok {
		return NewValidationError("key is not an RSA public key", ErrSignatureInvalid)
	}

	h := hashAlg.New()
	h.Write([]byte(signingInput))

	if err := rsa.VerifyPKCS1v15(rsaKey, hashAlg, h.Sum(nil), signature); err != nil {
		return NewValidationError("RSA signature verification failed", ErrSignatureInvalid)
	}

	return nil
}

// verifyHMAC verifies an HMAC signature.
func verifyHMAC(key any, signingInput string, signature []byte, hashFunc func() hash.Hash) error {
	keyBytes, ok := key.([]byte)
	if !ok {
		return NewValidationError("key is not suitable for HMAC", ErrSignatureInvalid)
	}

	mac := hmac.New(hashFunc, keyBytes)
	mac.Write([]byte(signingInput))

	if !hmac.Equal(signature, mac.Sum(nil)) {
		return NewValidationError("HMAC signature verification failed", ErrSignatureInvalid)
	}

	return nil
}

// checkClaims validates expiry and then the configured issuer and audience.
func (v *Validator) checkClaims(claims *Claims) error {
	now := v.now()
	skew := v.config.ClockSkew

	if claims.ExpiresAt == nil {
		return NewValidationError("token has no expiry", ErrClaimMismatch)
	}
	if !now.Before(claims.ExpiresAt.Time.Add(skew)) {
		return NewValidationError("token has expired", ErrTokenExpired)
	}
	if claims.NotBefore != nil && now.Before(claims.NotBefore.Time.Add(-skew)) {
		return NewValidationError("token is not yet valid", ErrTokenExpired)
	}

	if v.config.Issuer != "" && claims.Issuer != v.config.Issuer {
		return NewValidationError(
			fmt.Sprintf("issuer %q is not allowed", claims.Issuer),
			ErrClaimMismatch,
		)
	}

	if len(v.config.Audience) > 0 && !claims.Audience.ContainsAny(v.config.Audience...) {
		return NewValidationError("token audience does not match", ErrClaimMismatch)
	}

	return nil
}
