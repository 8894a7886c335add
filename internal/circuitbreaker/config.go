// Package circuitbreaker implements a circuit breaker guarding the
// backend channel.
package circuitbreaker

import "time"

// Config holds circuit breaker configuration.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens
	// the circuit. Must be >= 1.
	FailureThreshold int

	// Cooldown is how long the circuit stays open before a single trial
	// call is allowed through. Must be > 0.
	Cooldown time.Duration

	// IsFailure classifies an error as a breaker failure. A nil error is
	// never a failure. When IsFailure is nil, every non-nil error counts.
	IsFailure func(error) bool

	// OnStateChange is invoked after every state transition.
	OnStateChange func(from, to State)
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		FailureThreshold: 3,
		Cooldown:         30 * time.Second,
	}
}

// withDefaults fills invalid fields with defaults.
func (c *Config) withDefaults() *Config {
	def := DefaultConfig()
	if c == nil {
		return def
	}

	out := *c
	if out.FailureThreshold < 1 {
		out.FailureThreshold = def.FailureThreshold
	}
	if out.Cooldown <= 0 {
		out.Cooldown = def.Cooldown
	}
	return &out
}
