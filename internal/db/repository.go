package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// Repository handles database operations for offer rules and the save ledger
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

const offerRuleColumns = `
	id, project_id, trigger_rule, offer_type, offer_value,
	title, body, coupon_code, saved_amount, is_active,
	created_at, updated_at`

const saveColumns = `
	id, customer_id, project_id, offer_type, saved_amount,
	status, created_at, settled_at, checked_at`

func scanOfferRule(row pgx.Row) (*OfferRule, error) {
	var rule OfferRule
	err := row.Scan(
		&rule.ID,
		&rule.ProjectID,
		&rule.TriggerRule,
		&rule.OfferType,
		&rule.OfferValue,
		&rule.Title,
		&rule.Body,
		&rule.CouponCode,
		&rule.SavedAmount,
		&rule.IsActive,
		&rule.CreatedAt,
		&rule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &rule, nil
}

func scanSave(row pgx.Row) (*Save, error) {
	var save Save
	err := row.Scan(
		&save.ID,
		&save.CustomerID,
		&save.ProjectID,
		&save.OfferType,
		&save.SavedAmount,
		&save.Status,
		&save.Date,
		&save.SettledAt,
		&save.CheckedAt,
	)
	if err != nil {
		return nil, err
	}
	return &save, nil
}

func collectSaves(rows pgx.Rows) ([]*Save, error) {
	saves, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*Save, error) {
		return scanSave(row)
	})
	if err != nil {
		return nil, fmt.Errorf("scan saves: %w", err)
	}
	return saves, nil
}

// GetActiveOfferRule returns the active rule for (projectID, trigger) or ErrNotFound.
func (r *Repository) GetActiveOfferRule(ctx context.Context, projectID, trigger string) (*OfferRule, error) {
	query := `SELECT ` + offerRuleColumns + `
		FROM offer_rules
		WHERE project_id = $1 AND trigger_rule = $2 AND is_active
	`

	rule, err := scanOfferRule(r.db.Pool().QueryRow(ctx, query, projectID, trigger))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query offer rule: %w", err)
	}

	return rule, nil
}

// FindActiveRuleByOfferType returns the most recently updated active rule of a
// project that presents offerType, or ErrNotFound.
func (r *Repository) FindActiveRuleByOfferType(ctx context.Context, projectID, offerType string) (*OfferRule, error) {
	query := `SELECT ` + offerRuleColumns + `
		FROM offer_rules
		WHERE project_id = $1 AND offer_type = $2 AND is_active
		ORDER BY updated_at DESC
		LIMIT 1
	`

	rule, err := scanOfferRule(r.db.Pool().QueryRow(ctx, query, projectID, offerType))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query offer rule by type: %w", err)
	}

	return rule, nil
}

// UpsertOfferRule inserts a rule or replaces the mutable fields of the rule
// with the same (project_id, trigger_rule). The stored rule is always active
// afterwards. rule is updated in place with the stored identity and timestamps.
func (r *Repository) UpsertOfferRule(ctx context.Context, rule *OfferRule) error {
	query := `
		INSERT INTO offer_rules (
			id, project_id, trigger_rule, offer_type, offer_value,
			title, body, coupon_code, saved_amount, is_active
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, TRUE
		)
		ON CONFLICT (project_id, trigger_rule) DO UPDATE SET
			offer_type   = EXCLUDED.offer_type,
			offer_value  = EXCLUDED.offer_value,
			title        = EXCLUDED.title,
			body         = EXCLUDED.body,
			coupon_code  = EXCLUDED.coupon_code,
			saved_amount = EXCLUDED.saved_amount,
			is_active    = TRUE,
			updated_at   = NOW()
		RETURNING id, is_active, created_at, updated_at
	`

	if rule.ID == uuid.Nil {
		rule.ID = uuid.New()
	}

	err := r.db.Pool().QueryRow(
		ctx,
		query,
		rule.ID,
		rule.ProjectID,
		rule.TriggerRule,
		rule.OfferType,
		rule.OfferValue,
		rule.Title,
		rule.Body,
		rule.CouponCode,
		rule.SavedAmount,
	).Scan(&rule.ID, &rule.IsActive, &rule.CreatedAt, &rule.UpdatedAt)

	if err != nil {
		r.logger.Error("failed to upsert offer rule",
			zap.Error(err),
			zap.String("project_id", rule.ProjectID),
			zap.String("trigger_rule", rule.TriggerRule),
		)
		return fmt.Errorf("upsert offer rule: %w", err)
	}

	r.logger.Info("offer rule upserted",
		zap.String("rule_id", rule.ID.String()),
		zap.String("project_id", rule.ProjectID),
		zap.String("trigger_rule", rule.TriggerRule),
		zap.String("offer_type", rule.OfferType),
	)

	return nil
}

// ListOfferRules returns every rule of a project, active or not.
func (r *Repository) ListOfferRules(ctx context.Context, projectID string) ([]*OfferRule, error) {
	query := `SELECT ` + offerRuleColumns + `
		FROM offer_rules
		WHERE project_id = $1
		ORDER BY trigger_rule
	`

	rows, err := r.db.Pool().Query(ctx, query, projectID)
	if err != nil {
		return nil, fmt.Errorf("query offer rules: %w", err)
	}

	rules, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*OfferRule, error) {
		return scanOfferRule(row)
	})
	if err != nil {
		return nil, fmt.Errorf("scan offer rules: %w", err)
	}

	return rules, nil
}

// DeactivateOfferRule marks a rule inactive. Rules are never deleted.
func (r *Repository) DeactivateOfferRule(ctx context.Context, projectID, trigger string) error {
	query := `
		UPDATE offer_rules
		SET is_active = FALSE, updated_at = NOW()
		WHERE project_id = $1 AND trigger_rule = $2
	`

	result, err := r.db.Pool().Exec(ctx, query, projectID, trigger)
	if err != nil {
		return fmt.Errorf("deactivate offer rule: %w", err)
	}

	if result.RowsAffected() == 0 {
		return ErrNotFound
	}

	r.logger.Info("offer rule deactivated",
		zap.String("project_id", projectID),
		zap.String("trigger_rule", trigger),
	)

	return nil
}

// InsertSave appends a save to the ledger. save.ID and save.Date are assigned by the database.
func (r *Repository) InsertSave(ctx context.Context, save *Save) error {
	query := `
		INSERT INTO saves (customer_id, project_id, offer_type, saved_amount, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`

	err := r.db.Pool().QueryRow(
		ctx,
		query,
		save.CustomerID,
		save.ProjectID,
		save.OfferType,
		save.SavedAmount,
		save.Status,
	).Scan(&save.ID, &save.Date)

	if err != nil {
		r.logger.Error("failed to insert save",
			zap.Error(err),
			zap.String("customer_id", save.CustomerID),
		)
		return fmt.Errorf("insert save: %w", err)
	}

	return nil
}

// VerifyPendingSaves moves every pending save of a customer to verified and
// returns the rows that changed. Settled rows are left untouched, so a
// repeated call returns nothing.
func (r *Repository) VerifyPendingSaves(ctx context.Context, customerID string) ([]*Save, error) {
	query := `
		UPDATE saves
		SET status = $1, settled_at = NOW()
		WHERE customer_id = $2 AND status = $3
		RETURNING ` + saveColumns

	rows, err := r.db.Pool().Query(ctx, query, SaveStatusVerified, customerID, SaveStatusPending)
	if err != nil {
		return nil, fmt.Errorf("verify pending saves: %w", err)
	}

	return collectSaves(rows)
}

// SettleSave transitions one pending save to status. It reports false when the
// save was no longer pending (already settled by a webhook or another sweep).
func (r *Repository) SettleSave(ctx context.Context, id int64, status string) (bool, error) {
	query := `
		UPDATE saves
		SET status = $1, settled_at = NOW()
		WHERE id = $2 AND status = $3
	`

	result, err := r.db.Pool().Exec(ctx, query, status, id, SaveStatusPending)
	if err != nil {
		return false, fmt.Errorf("settle save %d: %w", id, err)
	}

	return result.RowsAffected() == 1, nil
}

// ListSaves returns saves matching filter, newest first.
func (r *Repository) ListSaves(ctx context.Context, filter SaveFilter) ([]*Save, error) {
	query := `SELECT ` + saveColumns + `
		FROM saves
		WHERE ($1 = '' OR to_char(created_at AT TIME ZONE 'UTC', 'YYYY-MM') = $1)
		  AND ($2 = '' OR project_id = $2)
		ORDER BY id DESC
	`

	rows, err := r.db.Pool().Query(ctx, query, filter.Month, filter.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("query saves: %w", err)
	}

	return collectSaves(rows)
}

// ListStalePendingSaves returns up to limit pending saves created before
// cutoff. Saves no sweep has looked at come first, then the ones checked
// longest ago, so saves the provider keeps failing on rotate to the back.
func (r *Repository) ListStalePendingSaves(ctx context.Context, cutoff time.Time, limit int) ([]*Save, error) {
	query := `SELECT ` + saveColumns + `
		FROM saves
		WHERE status = $1 AND created_at < $2
		ORDER BY checked_at ASC NULLS FIRST, id ASC
		LIMIT $3
	`

	rows, err := r.db.Pool().Query(ctx, query, SaveStatusPending, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("query stale saves: %w", err)
	}

	return collectSaves(rows)
}

// MarkSavesChecked stamps pending saves a sweep looked at but could not settle.
func (r *Repository) MarkSavesChecked(ctx context.Context, ids []int64, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}

	query := `
		UPDATE saves
		SET checked_at = $1
		WHERE id = ANY($2) AND status = $3
	`

	if _, err := r.db.Pool().Exec(ctx, query, at, ids, SaveStatusPending); err != nil {
		return fmt.Errorf("mark saves checked: %w", err)
	}

	return nil
}
