// Package offers resolves which retention offer a cancelling customer sees
// and manages the per-project offer rules behind that choice.
package offers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/patrickmn/go-cache"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/lalithlochan/retain/internal/db"
	"github.com/lalithlochan/retain/internal/metrics"
)

// Where a presented offer came from.
const (
	SourceRule     = "rule"
	SourceDefault  = "default"
	SourceFallback = "fallback"
)

// ErrInvalidRule wraps validation failures on upsert.
var ErrInvalidRule = errors.New("invalid offer rule")

// RuleStore is the persistence the resolver needs.
type RuleStore interface {
	GetActiveOfferRule(ctx context.Context, projectID, trigger string) (*db.OfferRule, error)
	FindActiveRuleByOfferType(ctx context.Context, projectID, offerType string) (*db.OfferRule, error)
	UpsertOfferRule(ctx context.Context, rule *db.OfferRule) error
	ListOfferRules(ctx context.Context, projectID string) ([]*db.OfferRule, error)
	DeactivateOfferRule(ctx context.Context, projectID, trigger string) error
}

// Presentation is what the cancellation widget renders.
type Presentation struct {
	OfferType  string `json:"offer_type"`
	OfferValue int    `json:"offer_value"`
	Title      string `json:"title"`
	Body       string `json:"body"`
	CouponCode string `json:"coupon_code,omitempty"`
	Source     string `json:"source"`
}

// Fallback is shown when a project has neither a matching nor a default rule.
var Fallback = Presentation{
	OfferType:  "pause",
	OfferValue: 1,
	Title:      "Need a break instead?",
	Body:       "Pause your subscription for a month. No charge, and everything stays where you left it.",
	Source:     SourceFallback,
}

// Config tunes the resolver.
type Config struct {
	CacheTTL           time.Duration
	DefaultSavedAmount decimal.Decimal
}

// Resolver picks offers for cancellation attempts.
type Resolver struct {
	store    RuleStore
	cache    *cache.Cache
	validate *validator.Validate
	config   Config
	logger   *zap.Logger
}

// NewResolver creates a resolver. A zero CacheTTL disables caching.
func NewResolver(store RuleStore, cfg Config, logger *zap.Logger) *Resolver {
	r := &Resolver{
		store:    store,
		validate: validator.New(),
		config:   cfg,
		logger:   logger,
	}
	if cfg.CacheTTL > 0 {
		r.cache = cache.New(cfg.CacheTTL, 2*cfg.CacheTTL)
	}
	return r
}

func cacheKey(projectID, reason string) string {
	return projectID + "\x00" + reason
}

// Resolve returns the offer for a project and cancellation reason: the exact
// rule, else the project default, else Fallback. It never fails; store errors
// are logged and treated like a missing rule.
func (r *Resolver) Resolve(ctx context.Context, projectID, reason string) Presentation {
	key := cacheKey(projectID, reason)
	if r.cache != nil {
		if cached, ok := r.cache.Get(key); ok {
			p := cached.(Presentation)
			metrics.RecordOfferResolved(p.Source)
			return p
		}
	}

	p := r.resolve(ctx, projectID, reason)

	if r.cache != nil {
		r.cache.SetDefault(key, p)
	}
	metrics.RecordOfferResolved(p.Source)
	return p
}

func (r *Resolver) resolve(ctx context.Context, projectID, reason string) Presentation {
	if reason != "" && reason != db.DefaultTrigger {
		if rule := r.lookup(ctx, projectID, reason); rule != nil {
			return present(rule, SourceRule)
		}
	}

	if rule := r.lookup(ctx, projectID, db.DefaultTrigger); rule != nil {
		return present(rule, SourceDefault)
	}

	return Fallback
}

func (r *Resolver) lookup(ctx context.Context, projectID, trigger string) *db.OfferRule {
	rule, err := r.store.GetActiveOfferRule(ctx, projectID, trigger)
	if err == nil {
		return rule
	}
	if !errors.Is(err, db.ErrNotFound) {
		r.logger.Warn("offer rule lookup failed, degrading",
			zap.Error(err),
			zap.String("project_id", projectID),
			zap.String("trigger_rule", trigger),
		)
	}
	return nil
}

func present(rule *db.OfferRule, source string) Presentation {
	p := Presentation{
		OfferType:  rule.OfferType,
		OfferValue: rule.OfferValue,
		Title:      Fallback.Title,
		Body:       Fallback.Body,
		Source:     source,
	}
	if rule.Title != nil {
		p.Title = *rule.Title
	}
	if rule.Body != nil {
		p.Body = *rule.Body
	}
	if rule.CouponCode != nil {
		p.CouponCode = *rule.CouponCode
	}
	return p
}

// ruleInput carries the fields upsert checks.
type ruleInput struct {
	ProjectID   string `validate:"required"`
	TriggerRule string `validate:"required"`
	OfferType   string `validate:"required"`
	OfferValue  int    `validate:"gte=0"`
}

// Upsert stores rule keyed on (project_id, trigger_rule), replacing an
// existing rule's fields and reactivating it.
func (r *Resolver) Upsert(ctx context.Context, rule *db.OfferRule) error {
	in := ruleInput{
		ProjectID:   strings.TrimSpace(rule.ProjectID),
		TriggerRule: strings.TrimSpace(rule.TriggerRule),
		OfferType:   strings.TrimSpace(rule.OfferType),
		OfferValue:  rule.OfferValue,
	}
	if err := r.validate.Struct(in); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	if rule.SavedAmount != nil && rule.SavedAmount.IsNegative() {
		return fmt.Errorf("%w: saved_amount must not be negative", ErrInvalidRule)
	}

	rule.ProjectID, rule.TriggerRule, rule.OfferType = in.ProjectID, in.TriggerRule, in.OfferType

	if err := r.store.UpsertOfferRule(ctx, rule); err != nil {
		return err
	}

	r.evict(rule.ProjectID)
	return nil
}

// List returns all rules for a project.
func (r *Resolver) List(ctx context.Context, projectID string) ([]*db.OfferRule, error) {
	return r.store.ListOfferRules(ctx, projectID)
}

// Deactivate hides a rule from resolution without deleting it.
func (r *Resolver) Deactivate(ctx context.Context, projectID, trigger string) error {
	if err := r.store.DeactivateOfferRule(ctx, projectID, trigger); err != nil {
		return err
	}
	r.evict(projectID)
	return nil
}

// SavedAmount is the monthly revenue credited to a save of offerType: the
// saved_amount of the project's active rule for that offer, else the default.
func (r *Resolver) SavedAmount(ctx context.Context, projectID, offerType string) decimal.Decimal {
	if projectID == "" {
		return r.config.DefaultSavedAmount
	}

	rule, err := r.store.FindActiveRuleByOfferType(ctx, projectID, offerType)
	if err != nil {
		if !errors.Is(err, db.ErrNotFound) {
			r.logger.Warn("saved amount lookup failed, using default",
				zap.Error(err),
				zap.String("project_id", projectID),
				zap.String("offer_type", offerType),
			)
		}
		return r.config.DefaultSavedAmount
	}

	if rule.SavedAmount == nil {
		return r.config.DefaultSavedAmount
	}
	return *rule.SavedAmount
}

func (r *Resolver) evict(projectID string) {
	if r.cache == nil {
		return
	}
	prefix := projectID + "\x00"
	for key := range r.cache.Items() {
		if strings.HasPrefix(key, prefix) {
			r.cache.Delete(key)
		}
	}
}
