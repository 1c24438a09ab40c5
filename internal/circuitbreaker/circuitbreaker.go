// Package circuitbreaker stops calling a payment provider that keeps failing.
package circuitbreaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State of a breaker.
//
//	Closed -> Open:      consecutive failures reach MaxFailures
//	Open -> HalfOpen:    RecoveryTimeout has passed since the last failure
//	HalfOpen -> Closed:  a probe succeeds
//	HalfOpen -> Open:    a probe fails
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

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

// ErrCircuitOpen is returned instead of calling a provider behind an open breaker.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config holds the configuration for a CircuitBreaker.
type Config struct {
	// Name labels logs and metrics, e.g. "stripe".
	Name string

	MaxFailures         int
	RecoveryTimeout     time.Duration
	HalfOpenMaxRequests int

	// OnStateChange, if set, is called with the lock held after every transition.
	OnStateChange func(name string, to State)
}

// DefaultConfig returns the settings used for the subscription checker.
func DefaultConfig(name string) Config {
	return Config{
		Name:                name,
		MaxFailures:         5,
		RecoveryTimeout:     30 * time.Second,
		HalfOpenMaxRequests: 1,
	}
}

// CircuitBreaker counts consecutive failures and rejects calls while open.
type CircuitBreaker struct {
	mu     sync.RWMutex
	config Config
	logger *zap.Logger
	now    func() time.Time

	state            State
	failureCount     int
	lastFailureTime  time.Time
	lastStateChange  time.Time
	halfOpenRequests int

	totalRequests  int64
	totalFailures  int64
	totalSuccesses int64
	totalRejected  int64
}

// New creates a closed CircuitBreaker.
func New(cfg Config, logger *zap.Logger) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMaxRequests <= 0 {
		cfg.HalfOpenMaxRequests = 1
	}

	cb := &CircuitBreaker{
		config: cfg,
		logger: logger,
		now:    time.Now,
		state:  StateClosed,
	}
	cb.lastStateChange = cb.now()

	logger.Info("circuit breaker created",
		zap.String("name", cfg.Name),
		zap.Int("max_failures", cfg.MaxFailures),
		zap.Duration("recovery_timeout", cfg.RecoveryTimeout),
	)

	return cb
}

// Name returns the configured name.
func (cb *CircuitBreaker) Name() string {
	return cb.config.Name
}

// Allow reports whether a call may proceed. An open breaker lets a probe
// through once RecoveryTimeout has passed.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalRequests++

	switch cb.state {
	case StateClosed:
		return true

	case StateOpen:
		if cb.now().Sub(cb.lastFailureTime) >= cb.config.RecoveryTimeout {
			cb.transitionTo(StateHalfOpen)
			cb.halfOpenRequests = 1
			cb.logger.Info("circuit breaker allowing probe request",
				zap.String("name", cb.config.Name),
			)
			return true
		}
		cb.totalRejected++
		return false

	case StateHalfOpen:
		if cb.halfOpenRequests < cb.config.HalfOpenMaxRequests {
			cb.halfOpenRequests++
			return true
		}
		cb.totalRejected++
		return false

	default:
		return false
	}
}

// RecordSuccess clears the failure streak and closes a half-open breaker.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalSuccesses++
	cb.failureCount = 0

	if cb.state == StateHalfOpen {
		cb.transitionTo(StateClosed)
		cb.logger.Info("circuit breaker closed, provider recovered",
			zap.String("name", cb.config.Name),
		)
	}
}

// RecordFailure extends the failure streak. A failed probe reopens at once.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalFailures++
	cb.failureCount++
	cb.lastFailureTime = cb.now()

	switch cb.state {
	case StateClosed:
		if cb.failureCount >= cb.config.MaxFailures {
			cb.transitionTo(StateOpen)
			cb.logger.Warn("circuit breaker opened",
				zap.String("name", cb.config.Name),
				zap.Int("failures", cb.failureCount),
				zap.Int("threshold", cb.config.MaxFailures),
			)
		}

	case StateHalfOpen:
		cb.transitionTo(StateOpen)
		cb.logger.Warn("circuit breaker re-opened, probe failed",
			zap.String("name", cb.config.Name),
		)
	}
}

// GetState returns the current state.
func (cb *CircuitBreaker) GetState() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Stats is a point-in-time snapshot for the health endpoint.
type Stats struct {
	Name            string `json:"name"`
	State           string `json:"state"`
	FailureCount    int    `json:"failure_count"`
	TotalRequests   int64  `json:"total_requests"`
	TotalFailures   int64  `json:"total_failures"`
	TotalSuccesses  int64  `json:"total_successes"`
	TotalRejected   int64  `json:"total_rejected"`
	LastFailure     string `json:"last_failure,omitempty"`
	LastStateChange string `json:"last_state_change"`
}

func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	s := Stats{
		Name:            cb.config.Name,
		State:           cb.state.String(),
		FailureCount:    cb.failureCount,
		TotalRequests:   cb.totalRequests,
		TotalFailures:   cb.totalFailures,
		TotalSuccesses:  cb.totalSuccesses,
		TotalRejected:   cb.totalRejected,
		LastStateChange: cb.lastStateChange.Format(time.RFC3339),
	}

	if !cb.lastFailureTime.IsZero() {
		s.LastFailure = cb.lastFailureTime.Format(time.RFC3339)
	}

	return s
}

// Reset closes the breaker and forgets the failure streak.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.transitionTo(StateClosed)
	cb.failureCount = 0
	cb.halfOpenRequests = 0

	cb.logger.Info("circuit breaker manually reset",
		zap.String("name", cb.config.Name),
	)
}

// transitionTo must be called with the lock held.
func (cb *CircuitBreaker) transitionTo(newState State) {
	if cb.state == newState {
		return
	}

	oldState := cb.state
	cb.state = newState
	cb.lastStateChange = cb.now()
	cb.halfOpenRequests = 0

	cb.logger.Debug("circuit breaker state transition",
		zap.String("name", cb.config.Name),
		zap.String("from", oldState.String()),
		zap.String("to", newState.String()),
	)

	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.config.Name, newState)
	}
}

func (cb *CircuitBreaker) String() string {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return fmt.Sprintf("CircuitBreaker[%s] state=%s failures=%d/%d",
		cb.config.Name, cb.state, cb.failureCount, cb.config.MaxFailures)
}
