package payments

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stripe/stripe-go/v82"
	"go.uber.org/zap"
)

func newTestChecker(t *testing.T, handler http.HandlerFunc) *StripeChecker {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:               stripe.String(srv.URL),
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
	})

	return NewStripeChecker("sk_test_123", &stripe.Backends{
		API:     backend,
		Connect: backend,
		Uploads: backend,
	}, zap.NewNop())
}

func subscriptionList(statuses ...string) string {
	body := `{"object":"list","url":"/v1/subscriptions","has_more":false,"data":[`
	for i, status := range statuses {
		if i > 0 {
			body += ","
		}
		body += `{"id":"sub_` + status + `","object":"subscription","status":"` + status + `"}`
	}
	return body + `]}`
}

func TestStripeChecker_IsActive(t *testing.T) {
	tests := []struct {
		name     string
		statuses []string
		want     bool
	}{
		{"active", []string{"active"}, true},
		{"trialing", []string{"canceled", "trialing"}, true},
		{"canceled only", []string{"canceled", "incomplete_expired"}, false},
		{"past due", []string{"past_due"}, false},
		{"no subscriptions", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotCustomer, gotStatus, gotAuth string
			checker := newTestChecker(t, func(w http.ResponseWriter, r *http.Request) {
				gotCustomer = r.URL.Query().Get("customer")
				gotStatus = r.URL.Query().Get("status")
				gotAuth = r.Header.Get("Authorization")
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(subscriptionList(tt.statuses...)))
			})

			active, err := checker.IsActive(context.Background(), "cus_1")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if active != tt.want {
				t.Errorf("expected %v, got %v", tt.want, active)
			}
			if gotCustomer != "cus_1" {
				t.Errorf("expected customer filter cus_1, got %q", gotCustomer)
			}
			if gotStatus != "all" {
				t.Errorf("expected status filter all, got %q", gotStatus)
			}
			if gotAuth != "Bearer sk_test_123" {
				t.Errorf("unexpected authorization header %q", gotAuth)
			}
		})
	}
}

func TestStripeChecker_ProviderError(t *testing.T) {
	checker := newTestChecker(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"type":"api_error","message":"boom"}}`))
	})

	active, err := checker.IsActive(context.Background(), "cus_1")
	if err == nil {
		t.Fatal("expected error from provider")
	}
	if active {
		t.Error("expected inactive on error")
	}
}

func TestStripeChecker_CustomerErrorsMeanInactive(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr bool
	}{
		{"deleted customer", http.StatusNotFound, `{"error":{"type":"invalid_request_error","code":"resource_missing","message":"No such customer: 'cus_1'"}}`, false},
		{"bad request", http.StatusBadRequest, `{"error":{"type":"invalid_request_error","message":"Invalid customer"}}`, false},
		{"rate limited", http.StatusTooManyRequests, `{"error":{"type":"invalid_request_error","code":"rate_limit","message":"slow down"}}`, true},
		{"bad key", http.StatusUnauthorized, `{"error":{"type":"invalid_request_error","message":"Invalid API Key"}}`, true},
		{"server error", http.StatusBadGateway, `{"error":{"type":"api_error","message":"upstream"}}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checker := newTestChecker(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			active, err := checker.IsActive(context.Background(), "cus_1")
			if (err != nil) != tt.wantErr {
				t.Fatalf("expected error=%v, got %v", tt.wantErr, err)
			}
			if active {
				t.Error("expected inactive")
			}
			if err != nil && !IsProviderFailure(err) {
				t.Errorf("expected %v to count as a provider failure", err)
			}
		})
	}
}

func TestIsProviderFailure(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"no customer", ErrNoCustomer, false},
		{"transport", errors.New("dial tcp: connection refused"), true},
		{"server error", fmt.Errorf("list: %w", &stripe.Error{HTTPStatusCode: http.StatusServiceUnavailable}), true},
		{"rate limited", &stripe.Error{HTTPStatusCode: http.StatusTooManyRequests}, true},
		{"missing customer", fmt.Errorf("list: %w", &stripe.Error{HTTPStatusCode: http.StatusNotFound, Code: stripe.ErrorCodeResourceMissing}), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsProviderFailure(tt.err); got != tt.want {
				t.Errorf("IsProviderFailure(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestStripeChecker_RequiresCustomer(t *testing.T) {
	checker := NewStripeChecker("sk_test_123", nil, zap.NewNop())

	if _, err := checker.IsActive(context.Background(), ""); !errors.Is(err, ErrNoCustomer) {
		t.Errorf("expected ErrNoCustomer, got %v", err)
	}
}
