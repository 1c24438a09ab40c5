package circuitbreaker

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// SubscriptionChecker mirrors ledger.SubscriptionChecker.
type SubscriptionChecker interface {
	IsActive(ctx context.Context, customerID string) (bool, error)
}

// ProtectedChecker puts a CircuitBreaker in front of a SubscriptionChecker so
// a provider outage turns into fast errors, which the sweeper treats as
// "leave pending".
type ProtectedChecker struct {
	checker   SubscriptionChecker
	breaker   *CircuitBreaker
	logger    *zap.Logger
	isFailure func(error) bool
}

// CheckerOption configures a ProtectedChecker.
type CheckerOption func(*ProtectedChecker)

// WithFailureFilter limits which errors count against the breaker. Errors the
// filter rejects are still returned, but the provider is treated as healthy.
func WithFailureFilter(fn func(error) bool) CheckerOption {
	return func(p *ProtectedChecker) { p.isFailure = fn }
}

func NewProtectedChecker(checker SubscriptionChecker, breaker *CircuitBreaker, logger *zap.Logger, opts ...CheckerOption) *ProtectedChecker {
	p := &ProtectedChecker{
		checker:   checker,
		breaker:   breaker,
		logger:    logger,
		isFailure: func(error) bool { return true },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// IsActive calls through the breaker. Caller cancellation is not counted as a
// provider failure.
func (p *ProtectedChecker) IsActive(ctx context.Context, customerID string) (bool, error) {
	if !p.breaker.Allow() {
		p.logger.Warn("circuit breaker rejected subscription check",
			zap.String("breaker", p.breaker.Name()),
			zap.String("customer_id", customerID),
			zap.String("state", p.breaker.GetState().String()),
		)
		return false, fmt.Errorf("%w: %s unavailable", ErrCircuitOpen, p.breaker.Name())
	}

	active, err := p.checker.IsActive(ctx, customerID)
	if err != nil {
		if ctx.Err() != nil {
			return false, err
		}
		if !p.isFailure(err) {
			p.breaker.RecordSuccess()
			return false, err
		}
		p.breaker.RecordFailure()
		p.logger.Debug("circuit breaker recorded failure",
			zap.String("breaker", p.breaker.Name()),
			zap.Error(err),
		)
		return false, err
	}

	p.breaker.RecordSuccess()
	return active, nil
}

// Breaker exposes the breaker for the health endpoint.
func (p *ProtectedChecker) Breaker() *CircuitBreaker {
	return p.breaker
}
