package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

// fakeClock lets tests move past RecoveryTimeout without sleeping.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(cfg Config) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)}
	cb := New(cfg, zap.NewNop())
	cb.now = clock.now
	return cb, clock
}

func trip(cb *CircuitBreaker, n int) {
	for i := 0; i < n; i++ {
		cb.Allow()
		cb.RecordFailure()
	}
}

func TestCircuitBreaker_StartsClosedAndAllows(t *testing.T) {
	cb, _ := newTestBreaker(DefaultConfig("stripe"))
	if cb.GetState() != StateClosed {
		t.Fatalf("expected StateClosed, got %s", cb.GetState())
	}
	for i := 0; i < 10; i++ {
		if !cb.Allow() {
			t.Fatalf("request %d should be allowed", i)
		}
	}
}

func TestCircuitBreaker_OpensAfterMaxFailures(t *testing.T) {
	cb, _ := newTestBreaker(Config{Name: "stripe", MaxFailures: 3, RecoveryTimeout: time.Minute})

	trip(cb, 2)
	if cb.GetState() != StateClosed {
		t.Fatalf("expected StateClosed below threshold, got %s", cb.GetState())
	}

	trip(cb, 1)
	if cb.GetState() != StateOpen {
		t.Fatalf("expected StateOpen, got %s", cb.GetState())
	}
	if cb.Allow() {
		t.Fatal("should reject when open")
	}
}

func TestCircuitBreaker_ProbeLifecycle(t *testing.T) {
	tests := []struct {
		name       string
		probeFails bool
		want       State
	}{
		{"successful probe closes", false, StateClosed},
		{"failed probe reopens", true, StateOpen},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb, clock := newTestBreaker(Config{Name: "stripe", MaxFailures: 2, RecoveryTimeout: time.Minute})
			trip(cb, 2)

			clock.advance(59 * time.Second)
			if cb.Allow() {
				t.Fatal("should reject before recovery timeout")
			}

			clock.advance(time.Second)
			if !cb.Allow() {
				t.Fatal("should allow probe after timeout")
			}
			if cb.GetState() != StateHalfOpen {
				t.Fatalf("expected StateHalfOpen, got %s", cb.GetState())
			}
			if cb.Allow() {
				t.Fatal("second half-open request should be rejected")
			}

			if tt.probeFails {
				cb.RecordFailure()
			} else {
				cb.RecordSuccess()
			}
			if cb.GetState() != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, cb.GetState())
			}
		})
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb, _ := newTestBreaker(Config{Name: "stripe", MaxFailures: 3})
	trip(cb, 2)
	cb.Allow()
	cb.RecordSuccess()
	trip(cb, 2)
	if cb.GetState() != StateClosed {
		t.Fatal("success should have reset failure count")
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb, _ := newTestBreaker(Config{Name: "stripe", MaxFailures: 2, RecoveryTimeout: time.Hour})
	trip(cb, 2)
	cb.Reset()
	if cb.GetState() != StateClosed {
		t.Fatalf("expected StateClosed after reset, got %s", cb.GetState())
	}
	if !cb.Allow() {
		t.Fatal("should allow after reset")
	}
}

func TestCircuitBreaker_Stats(t *testing.T) {
	cb, _ := newTestBreaker(Config{Name: "stats-test", MaxFailures: 5})
	cb.Allow()
	cb.RecordSuccess()
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordSuccess()

	stats := cb.Stats()
	if stats.Name != "stats-test" {
		t.Fatalf("name = %s", stats.Name)
	}
	if stats.TotalRequests != 3 || stats.TotalSuccesses != 2 || stats.TotalFailures != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.LastFailure == "" {
		t.Fatal("expected last_failure to be set")
	}
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	var seen []State
	cb, clock := newTestBreaker(Config{
		Name:            "stripe",
		MaxFailures:     1,
		RecoveryTimeout: time.Second,
		OnStateChange:   func(_ string, to State) { seen = append(seen, to) },
	})

	trip(cb, 1)
	clock.advance(time.Second)
	cb.Allow()
	cb.RecordSuccess()

	want := []State{StateOpen, StateHalfOpen, StateClosed}
	if len(seen) != len(want) {
		t.Fatalf("expected transitions %v, got %v", want, seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("transition %d: expected %s, got %s", i, want[i], seen[i])
		}
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d) = %s, want %s", tt.s, got, tt.want)
		}
	}
}

type mockChecker struct {
	active bool
	err    error
	calls  int
}

func (m *mockChecker) IsActive(ctx context.Context, customerID string) (bool, error) {
	m.calls++
	return m.active, m.err
}

func TestProtectedChecker_PassesThrough(t *testing.T) {
	mock := &mockChecker{active: true}
	cb, _ := newTestBreaker(DefaultConfig("stripe"))
	pc := NewProtectedChecker(mock, cb, zap.NewNop())

	active, err := pc.IsActive(context.Background(), "cus_1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !active {
		t.Fatal("expected active")
	}
	if pc.Breaker().Stats().TotalSuccesses != 1 {
		t.Fatal("expected success recorded")
	}
}

func TestProtectedChecker_FailFastWhenOpen(t *testing.T) {
	mock := &mockChecker{err: errors.New("stripe 503")}
	cb, _ := newTestBreaker(Config{Name: "stripe", MaxFailures: 2, RecoveryTimeout: time.Hour})
	pc := NewProtectedChecker(mock, cb, zap.NewNop())

	for i := 0; i < 2; i++ {
		if _, err := pc.IsActive(context.Background(), "cus_1"); err == nil {
			t.Fatal("expected provider error")
		}
	}

	_, err := pc.IsActive(context.Background(), "cus_1")
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if mock.calls != 2 {
		t.Fatalf("provider should not be called while open, got %d calls", mock.calls)
	}
}

func TestProtectedChecker_CancellationIsNotAFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	mock := &mockChecker{err: context.Canceled}
	cb, _ := newTestBreaker(Config{Name: "stripe", MaxFailures: 1})
	pc := NewProtectedChecker(mock, cb, zap.NewNop())

	if _, err := pc.IsActive(ctx, "cus_1"); err == nil {
		t.Fatal("expected error")
	}
	if cb.GetState() != StateClosed {
		t.Fatalf("expected StateClosed, got %s", cb.GetState())
	}
}

func TestProtectedChecker_FilteredErrorsDoNotTrip(t *testing.T) {
	errCustomer := errors.New("no such customer")
	mock := &mockChecker{err: errCustomer}
	cb, _ := newTestBreaker(Config{Name: "stripe", MaxFailures: 2, RecoveryTimeout: time.Hour})
	pc := NewProtectedChecker(mock, cb, zap.NewNop(), WithFailureFilter(func(err error) bool {
		return !errors.Is(err, errCustomer)
	}))

	for i := 0; i < 5; i++ {
		if _, err := pc.IsActive(context.Background(), "cus_gone"); !errors.Is(err, errCustomer) {
			t.Fatalf("call %d: expected customer error, got %v", i, err)
		}
	}
	if cb.GetState() != StateClosed {
		t.Fatalf("expected StateClosed, got %s", cb.GetState())
	}
	if mock.calls != 5 {
		t.Fatalf("expected every call to reach the provider, got %d", mock.calls)
	}
}
