package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dmarkov/itemgw/internal/observability"
)

// State represents the state of the circuit breaker.
type State int

const (
	// StateClosed indicates the circuit is closed and calls flow through.
	StateClosed State = iota

	// StateOpen indicates the circuit is open and calls are rejected.
	StateOpen

	// StateHalfOpen indicates a single trial call is probing the backend.
	StateHalfOpen
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned when the circuit rejects a call without attempting it.
var ErrOpen = errors.New("circuit breaker is open")

// Breaker is a circuit breaker. In the closed state it counts consecutive
// classified failures and opens once the threshold is reached. After the
// cooldown it admits exactly one trial call; the trial's outcome decides
// whether the circuit closes again or reopens for another full cooldown.
type Breaker struct {
	name    string
	config  *Config
	logger  observability.Logger
	metrics *Metrics

	mu    sync.Mutex
	state State

	consecutiveFails int
	trialInFlight    bool

	lastFailure     time.Time
	openedAt        time.Time
	lastStateChange time.Time
}

// Option is a functional option for the Breaker.
type Option func(*Breaker)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(b *Breaker) {
		b.logger = logger
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *Metrics) Option {
	return func(b *Breaker) {
		b.metrics = m
	}
}

// New creates a new circuit breaker.
func New(name string, config *Config, opts ...Option) *Breaker {
	b := &Breaker{
		name:            name,
		config:          config.withDefaults(),
		logger:          observability.NopLogger(),
		state:           StateClosed,
		lastStateChange: time.Now(),
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

// Execute runs fn under breaker protection. When the circuit is open and
// the cooldown has not elapsed, fn is not invoked and ErrOpen is returned.
// The context is passed through to fn untouched.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if !b.Allow() {
		if b.metrics != nil {
			b.metrics.RecordRejected(b.name)
		}
		return ErrOpen
	}

	recorded := false
	defer func() {
		// A panic in fn must not leave the trial slot claimed.
		if !recorded {
			b.recordFailure()
		}
	}()

	err := fn(ctx)
	recorded = true
	b.RecordOutcome(err)
	return err
}

// Allow reports whether a call may proceed, claiming the half-open trial
// slot when the cooldown has elapsed. Callers that receive true must report
// the call's result via RecordOutcome.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true

	case StateOpen:
		if time.Since(b.openedAt) < b.config.Cooldown {
			return false
		}
		b.transitionTo(StateHalfOpen)
		b.trialInFlight = true
		return true

	case StateHalfOpen:
		// Only one trial call probes the backend at a time.
		if b.trialInFlight {
			return false
		}
		b.trialInFlight = true
		return true

	default:
		return false
	}
}

// RecordOutcome records the result of a call previously admitted by Allow.
func (b *Breaker) RecordOutcome(err error) {
	if err != nil && b.isFailure(err) {
		b.recordFailure()
	} else {
		b.recordSuccess()
	}
}

// recordSuccess resets the failure streak and closes the circuit after a
// successful trial.
func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFails = 0

	if b.state == StateHalfOpen {
		b.trialInFlight = false
		b.transitionTo(StateClosed)
	}
}

// recordFailure extends the failure streak, opening the circuit at the
// threshold or immediately after a failed trial.
func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFails++
	b.lastFailure = time.Now()

	switch b.state {
	case StateClosed:
		if b.consecutiveFails >= b.config.FailureThreshold {
			b.open()
		}

	case StateHalfOpen:
		b.trialInFlight = false
		b.open()
	}
}

// open transitions to the open state and restarts the cooldown.
func (b *Breaker) open() {
	b.openedAt = time.Now()
	b.transitionTo(StateOpen)
}

// transitionTo switches state. Callers must hold the mutex.
func (b *Breaker) transitionTo(newState State) {
	oldState := b.state
	if oldState == newState {
		return
	}
	b.state = newState
	b.lastStateChange = time.Now()

	if b.metrics != nil {
		b.metrics.RecordStateChange(b.name, oldState, newState)
	}

	b.logger.Info("circuit breaker state changed",
		observability.String("name", b.name),
		observability.String("from", oldState.String()),
		observability.String("to", newState.String()),
	)

	if b.config.OnStateChange != nil {
		go b.config.OnStateChange(oldState, newState)
	}
}

// isFailure classifies an error using the configured predicate.
func (b *Breaker) isFailure(err error) bool {
	if b.config.IsFailure != nil {
		return b.config.IsFailure(err)
	}
	return err != nil
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset forces the circuit back to closed and clears all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFails = 0
	b.trialInFlight = false
	if b.state != StateClosed {
		b.transitionTo(StateClosed)
	}

	b.logger.Info("circuit breaker reset", observability.String("name", b.name))
}

// Stats holds a point-in-time snapshot of the breaker.
type Stats struct {
	State            State
	ConsecutiveFails int
	LastFailure      time.Time
	LastStateChange  time.Time
}

// Stats returns the current statistics.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Stats{
		State:            b.state,
		ConsecutiveFails: b.consecutiveFails,
		LastFailure:      b.lastFailure,
		LastStateChange:  b.lastStateChange,
	}
}

// Name returns the breaker name.
func (b *Breaker) Name() string {
	return b.name
}
