package worker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/retain/internal/ledger"
	"github.com/lalithlochan/retain/internal/payments"
	"github.com/lalithlochan/retain/internal/sqs"
)

type fakeSweeper struct {
	calls []time.Time
	res   ledger.SweepResult
	err   error
}

func (f *fakeSweeper) Sweep(_ context.Context, now time.Time) (ledger.SweepResult, error) {
	f.calls = append(f.calls, now)
	return f.res, f.err
}

func TestSweepWorker_RunOnce(t *testing.T) {
	now := time.Date(2024, 3, 15, 9, 0, 0, 0, time.FixedZone("EST", -5*3600))
	sweeper := &fakeSweeper{res: ledger.SweepResult{Checked: 3, Verified: 2, Failed: 1}}
	w := NewSweepWorker(sweeper, SweeperConfig{}, zap.NewNop())
	w.now = func() time.Time { return now }

	res, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Verified != 2 || res.Failed != 1 {
		t.Errorf("unexpected result %+v", res)
	}
	if len(sweeper.calls) != 1 || !sweeper.calls[0].Equal(now) || sweeper.calls[0].Location() != time.UTC {
		t.Errorf("expected one sweep at %s in UTC, got %v", now, sweeper.calls)
	}
	if w.config.Interval != time.Hour {
		t.Errorf("expected default interval, got %s", w.config.Interval)
	}
}

func TestSweepWorker_RunOnceError(t *testing.T) {
	sweeper := &fakeSweeper{err: errors.New("db down")}
	w := NewSweepWorker(sweeper, SweeperConfig{Interval: time.Minute}, zap.NewNop())

	if _, err := w.RunOnce(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestSweepWorker_StopsOnCancel(t *testing.T) {
	w := NewSweepWorker(&fakeSweeper{}, SweeperConfig{Interval: time.Hour}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Start(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}

type fakeSource struct {
	batches    [][]sqs.Delivery
	receiveErr error
	deleted    []string
	deleteErr  error
}

func (f *fakeSource) Receive(context.Context) ([]sqs.Delivery, error) {
	if f.receiveErr != nil {
		return nil, f.receiveErr
	}
	if len(f.batches) == 0 {
		return nil, nil
	}
	batch := f.batches[0]
	f.batches = f.batches[1:]
	return batch, nil
}

func (f *fakeSource) Delete(_ context.Context, handle string) error {
	f.deleted = append(f.deleted, handle)
	return f.deleteErr
}

type call struct {
	customerID string
	eventType  string
}

type fakeReconciler struct {
	calls []call
	errs  map[string]error
}

func (f *fakeReconciler) Reconcile(_ context.Context, customerID, eventType string) (int, error) {
	f.calls = append(f.calls, call{customerID, eventType})
	if err := f.errs[customerID]; err != nil {
		return 0, err
	}
	return 1, nil
}

func delivery(handle, eventType, customerID string) sqs.Delivery {
	return sqs.Delivery{
		MessageID:     "msg-" + handle,
		ReceiptHandle: handle,
		Event:         &payments.Event{ID: "evt_" + handle, Type: eventType, CustomerID: customerID},
	}
}

func TestEventConsumer_Poll(t *testing.T) {
	source := &fakeSource{batches: [][]sqs.Delivery{{
		delivery("ok", payments.TypeInvoicePaymentSucceeded, "cus_1"),
		delivery("ignored", "customer.updated", "cus_1"),
		{MessageID: "msg-bad", ReceiptHandle: "bad", Err: errors.New("invalid message format")},
		delivery("rejected", payments.TypeInvoicePaymentSucceeded, "cus_bad"),
		delivery("retry", payments.TypeInvoicePaymentSucceeded, "cus_down"),
	}}}
	reconciler := &fakeReconciler{errs: map[string]error{
		"cus_bad":  fmt.Errorf("%w: customer_id is required", ledger.ErrInvalidInput),
		"cus_down": errors.New("connection refused"),
	}}

	c := NewEventConsumer(source, reconciler, zap.NewNop())
	if err := c.poll(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	wantDeleted := []string{"ok", "ignored", "bad", "rejected"}
	if fmt.Sprint(source.deleted) != fmt.Sprint(wantDeleted) {
		t.Errorf("expected deleted %v, got %v", wantDeleted, source.deleted)
	}

	if len(reconciler.calls) != 3 {
		t.Fatalf("expected 3 reconcile calls, got %d", len(reconciler.calls))
	}
	for _, c := range reconciler.calls {
		if c.eventType != ledger.EventPaymentSucceeded {
			t.Errorf("expected ledger event type, got %q", c.eventType)
		}
	}
}

func TestEventConsumer_DeleteErrorDoesNotStopBatch(t *testing.T) {
	source := &fakeSource{
		batches: [][]sqs.Delivery{{
			delivery("a", payments.TypeInvoicePaymentSucceeded, "cus_1"),
			delivery("b", payments.TypeInvoicePaymentSucceeded, "cus_2"),
		}},
		deleteErr: errors.New("throttled"),
	}
	reconciler := &fakeReconciler{}

	c := NewEventConsumer(source, reconciler, zap.NewNop())
	if err := c.poll(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(reconciler.calls) != 2 || len(source.deleted) != 2 {
		t.Errorf("expected both events handled, got %d calls %d deletes", len(reconciler.calls), len(source.deleted))
	}
}

func TestEventConsumer_BacksOffOnReceiveError(t *testing.T) {
	source := &fakeSource{receiveErr: errors.New("sqs unavailable")}
	c := NewEventConsumer(source, &fakeReconciler{}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	var slept []time.Duration
	c.sleep = func(_ context.Context, d time.Duration) {
		slept = append(slept, d)
		if len(slept) == 4 {
			cancel()
		}
	}

	c.Start(ctx)

	want := []time.Duration{time.Second, 5 * time.Second, 15 * time.Second, 15 * time.Second}
	if fmt.Sprint(slept) != fmt.Sprint(want) {
		t.Errorf("expected backoff %v, got %v", want, slept)
	}
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 5 * time.Second},
		{3, 15 * time.Second},
		{10, 15 * time.Second},
	}
	for _, tt := range tests {
		if got := backoff(tt.attempt); got != tt.want {
			t.Errorf("backoff(%d) = %s, want %s", tt.attempt, got, tt.want)
		}
	}
}
