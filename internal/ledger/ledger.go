// Package ledger records accepted retention offers as saves and settles them
// against payment provider signals.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/lalithlochan/retain/internal/circuitbreaker"
	"github.com/lalithlochan/retain/internal/db"
	"github.com/lalithlochan/retain/internal/metrics"
)

// EventPaymentSucceeded is the only reconciliation event that settles saves.
const EventPaymentSucceeded = "payment_succeeded"

// Ledger event types published to downstream consumers.
const (
	EventSaveRecorded       = "save.recorded"
	EventSaveVerified       = "save.verified"
	EventSaveFailed         = "save.failed"
	EventStatementGenerated = "statement.generated"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrInvalidMonth = errors.New("month must be formatted as YYYY-MM")
)

// Store is the persistence the ledger needs. Every status transition must be
// guarded by status = 'pending' so settled saves never change.
type Store interface {
	InsertSave(ctx context.Context, save *db.Save) error
	VerifyPendingSaves(ctx context.Context, customerID string) ([]*db.Save, error)
	SettleSave(ctx context.Context, id int64, status string) (bool, error)
	ListSaves(ctx context.Context, filter db.SaveFilter) ([]*db.Save, error)
	// ListStalePendingSaves lists never-checked saves first, then by oldest CheckedAt.
	ListStalePendingSaves(ctx context.Context, cutoff time.Time, limit int) ([]*db.Save, error)
	MarkSavesChecked(ctx context.Context, ids []int64, at time.Time) error
}

// AmountPolicy decides the revenue credited to a save.
type AmountPolicy interface {
	SavedAmount(ctx context.Context, projectID, offerType string) decimal.Decimal
}

// SubscriptionChecker asks the payment provider whether a customer still pays.
type SubscriptionChecker interface {
	IsActive(ctx context.Context, customerID string) (bool, error)
}

// Publisher fans ledger events out to other systems.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// StatementMailer delivers a generated monthly statement.
type StatementMailer interface {
	SendStatement(ctx context.Context, stmt *Statement) error
}

// Event is a change in the ledger.
type Event struct {
	Type       string     `json:"type"`
	Save       *db.Save   `json:"save,omitempty"`
	Statement  *Statement `json:"statement,omitempty"`
	OccurredAt time.Time  `json:"occurred_at"`
}

// Config tunes settlement and aggregation.
type Config struct {
	CommissionRate decimal.Decimal
	GracePeriod    time.Duration
	SweepBatchSize int
	// RecentLimit caps Stats.Recent; 0 returns every matching save.
	RecentLimit int
}

// Ledger is the save ledger and commission aggregator.
type Ledger struct {
	store     Store
	amounts   AmountPolicy
	checker   SubscriptionChecker
	publisher Publisher
	mailer    StatementMailer
	config    Config
	logger    *zap.Logger
	now       func() time.Time
}

// Option configures optional collaborators.
type Option func(*Ledger)

// WithSubscriptionChecker lets the sweeper ask the provider before failing a save.
func WithSubscriptionChecker(c SubscriptionChecker) Option {
	return func(l *Ledger) { l.checker = c }
}

func WithPublisher(p Publisher) Option {
	return func(l *Ledger) { l.publisher = p }
}

func WithStatementMailer(m StatementMailer) Option {
	return func(l *Ledger) { l.mailer = m }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New creates a ledger.
func New(store Store, amounts AmountPolicy, cfg Config, logger *zap.Logger, opts ...Option) *Ledger {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 30 * 24 * time.Hour
	}
	if cfg.SweepBatchSize <= 0 {
		cfg.SweepBatchSize = 50
	}
	if cfg.RecentLimit < 0 {
		cfg.RecentLimit = 0
	}

	l := &Ledger{
		store:   store,
		amounts: amounts,
		config:  cfg,
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Acceptance is a customer's acceptance of an offer.
type Acceptance struct {
	CustomerID string
	OfferType  string
	ProjectID  string
}

// RecordAcceptance appends a pending save. Repeated acceptances by the same
// customer create repeated rows.
func (l *Ledger) RecordAcceptance(ctx context.Context, in Acceptance) (*db.Save, error) {
	in.CustomerID = strings.TrimSpace(in.CustomerID)
	in.OfferType = strings.TrimSpace(in.OfferType)
	in.ProjectID = strings.TrimSpace(in.ProjectID)
	if in.CustomerID == "" || in.OfferType == "" {
		return nil, fmt.Errorf("%w: customer_id and offer_type are required", ErrInvalidInput)
	}

	save := &db.Save{
		CustomerID:  in.CustomerID,
		ProjectID:   in.ProjectID,
		OfferType:   in.OfferType,
		SavedAmount: l.amounts.SavedAmount(ctx, in.ProjectID, in.OfferType),
		Status:      db.SaveStatusPending,
	}

	if err := l.store.InsertSave(ctx, save); err != nil {
		return nil, fmt.Errorf("record acceptance: %w", err)
	}

	l.logger.Info("save recorded",
		zap.Int64("save_id", save.ID),
		zap.String("customer_id", save.CustomerID),
		zap.String("project_id", save.ProjectID),
		zap.String("offer_type", save.OfferType),
		zap.String("saved_amount", save.SavedAmount.StringFixed(2)),
	)
	metrics.RecordSaveRecorded(save.OfferType)
	l.publish(ctx, Event{Type: EventSaveRecorded, Save: save})

	return save, nil
}

// Reconcile applies a payment event for a customer. Only payment_succeeded has
// an effect: every pending save of the customer becomes verified. Applying the
// same event again verifies nothing and is not an error.
func (l *Ledger) Reconcile(ctx context.Context, customerID, eventType string) (int, error) {
	if eventType != EventPaymentSucceeded {
		l.logger.Debug("reconcile ignored event",
			zap.String("customer_id", customerID),
			zap.String("event_type", eventType),
		)
		return 0, nil
	}

	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return 0, fmt.Errorf("%w: customer_id is required", ErrInvalidInput)
	}

	verified, err := l.store.VerifyPendingSaves(ctx, customerID)
	if err != nil {
		return 0, fmt.Errorf("reconcile %s: %w", customerID, err)
	}

	if len(verified) > 0 {
		l.logger.Info("saves verified",
			zap.String("customer_id", customerID),
			zap.Int("count", len(verified)),
		)
	}
	metrics.RecordSaveSettled(db.SaveStatusVerified, "webhook", len(verified))
	for _, save := range verified {
		l.publish(ctx, Event{Type: EventSaveVerified, Save: save})
	}

	return len(verified), nil
}

// SweepResult summarises one sweep.
type SweepResult struct {
	Checked  int `json:"checked"`
	Verified int `json:"verified"`
	Failed   int `json:"failed"`
	// Deferred saves stay pending, usually because the provider could not be asked.
	Deferred int `json:"deferred"`
	// Skipped saves were settled by someone else between listing and update.
	Skipped int `json:"skipped"`
}

// Sweep settles pending saves older than the grace period. With a
// SubscriptionChecker the provider decides (active means verified); a checker
// error leaves the save pending and moves it behind saves not yet checked.
// Without a checker the save fails, since no success event arrived in time.
func (l *Ledger) Sweep(ctx context.Context, now time.Time) (SweepResult, error) {
	var res SweepResult

	cutoff := now.Add(-l.config.GracePeriod)
	stale, err := l.store.ListStalePendingSaves(ctx, cutoff, l.config.SweepBatchSize)
	if err != nil {
		return res, fmt.Errorf("list stale saves: %w", err)
	}

	var deferred []int64
	decisions := make(map[string]string, len(stale))
	for _, save := range stale {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		status, seen := decisions[save.CustomerID]
		if !seen {
			var err error
			status, err = l.decide(ctx, save.CustomerID)
			if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
				// The rest of the batch keeps its place for the next sweep.
				l.logger.Warn("subscription checks unavailable, sweep stopped early",
					zap.Int("remaining", len(stale)-res.Checked),
				)
				break
			}
			decisions[save.CustomerID] = status
		}
		res.Checked++

		if status == "" {
			res.Deferred++
			deferred = append(deferred, save.ID)
			continue
		}

		changed, err := l.store.SettleSave(ctx, save.ID, status)
		if err != nil {
			l.logger.Error("failed to settle save",
				zap.Error(err),
				zap.Int64("save_id", save.ID),
				zap.String("status", status),
			)
			res.Deferred++
			deferred = append(deferred, save.ID)
			continue
		}
		if !changed {
			res.Skipped++
			continue
		}

		settledAt := now
		save.Status = status
		save.SettledAt = &settledAt

		eventType := EventSaveFailed
		if status == db.SaveStatusVerified {
			res.Verified++
			eventType = EventSaveVerified
		} else {
			res.Failed++
		}
		l.publish(ctx, Event{Type: eventType, Save: save})
	}

	if err := l.store.MarkSavesChecked(ctx, deferred, now); err != nil {
		l.logger.Error("failed to mark deferred saves", zap.Error(err), zap.Int("count", len(deferred)))
	}

	metrics.RecordSaveSettled(db.SaveStatusVerified, "sweep", res.Verified)
	metrics.RecordSaveSettled(db.SaveStatusFailed, "sweep", res.Failed)

	if res.Checked > 0 {
		l.logger.Info("sweep completed",
			zap.Int("checked", res.Checked),
			zap.Int("verified", res.Verified),
			zap.Int("failed", res.Failed),
			zap.Int("deferred", res.Deferred),
			zap.Int("skipped", res.Skipped),
		)
	}

	return res, nil
}

// decide returns the status a stale save should settle to, or "" to keep it
// pending. The checker error is returned so the sweep can tell an open
// breaker from a single failed lookup.
func (l *Ledger) decide(ctx context.Context, customerID string) (string, error) {
	if l.checker == nil {
		return db.SaveStatusFailed, nil
	}

	active, err := l.checker.IsActive(ctx, customerID)
	if err != nil {
		l.logger.Warn("subscription check failed, leaving saves pending",
			zap.Error(err),
			zap.String("customer_id", customerID),
		)
		return "", err
	}
	if active {
		return db.SaveStatusVerified, nil
	}
	return db.SaveStatusFailed, nil
}

func (l *Ledger) publish(ctx context.Context, event Event) {
	if l.publisher == nil {
		return
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = l.now().UTC()
	}
	if err := l.publisher.Publish(ctx, event); err != nil {
		l.logger.Warn("failed to publish ledger event",
			zap.Error(err),
			zap.String("event_type", event.Type),
		)
	}
}
