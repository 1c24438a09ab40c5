package ledger

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/lalithlochan/retain/internal/db"
	"github.com/lalithlochan/retain/internal/metrics"
)

const monthLayout = "2006-01"

// Stats is the commission view of a set of saves.
type Stats struct {
	Month           string          `json:"month,omitempty"`
	ProjectID       string          `json:"project_id,omitempty"`
	TotalSaved      decimal.Decimal `json:"total_saved"`
	TotalCommission decimal.Decimal `json:"total_commission"`
	CommissionRate  decimal.Decimal `json:"commission_rate"`
	VerifiedCount   int             `json:"verified_count"`
	PendingCount    int             `json:"pending_count"`
	FailedCount     int             `json:"failed_count"`
	Recent          []*db.Save      `json:"recent"`
}

// Statement is the monthly bill for retained revenue.
type Statement struct {
	Month       string          `json:"month"`
	AmountDue   decimal.Decimal `json:"amount_due"`
	Stats       *Stats          `json:"stats"`
	GeneratedAt time.Time       `json:"generated_at"`
	Emailed     bool            `json:"emailed"`
}

// ValidateMonth accepts "" (no filter) or a YYYY-MM month.
func ValidateMonth(month string) error {
	if month == "" {
		return nil
	}
	if len(month) != len(monthLayout) {
		return fmt.Errorf("%w: %q", ErrInvalidMonth, month)
	}
	if _, err := time.Parse(monthLayout, month); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidMonth, month)
	}
	return nil
}

// ComputeStats aggregates the saves matching filter. Only verified saves earn
// commission; failed saves are counted apart from pending ones.
func (l *Ledger) ComputeStats(ctx context.Context, filter db.SaveFilter) (*Stats, error) {
	if err := ValidateMonth(filter.Month); err != nil {
		return nil, err
	}

	saves, err := l.store.ListSaves(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("compute stats: %w", err)
	}

	stats := aggregate(saves, l.config.CommissionRate, l.config.RecentLimit)
	stats.Month = filter.Month
	stats.ProjectID = filter.ProjectID
	return stats, nil
}

func aggregate(saves []*db.Save, rate decimal.Decimal, recent int) *Stats {
	stats := &Stats{
		TotalSaved:     decimal.Zero,
		CommissionRate: rate,
	}

	for _, save := range saves {
		switch save.Status {
		case db.SaveStatusVerified:
			stats.TotalSaved = stats.TotalSaved.Add(save.SavedAmount)
			stats.VerifiedCount++
		case db.SaveStatusFailed:
			stats.FailedCount++
		default:
			stats.PendingCount++
		}
	}
	stats.TotalCommission = stats.TotalSaved.Mul(rate).Round(2)

	ordered := make([]*db.Save, len(saves))
	copy(ordered, saves)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].ID > ordered[j].ID })
	if recent > 0 && len(ordered) > recent {
		ordered = ordered[:recent]
	}
	stats.Recent = ordered

	return stats
}

// Statement bills one month: the amount due is that month's commission. An
// empty month bills the previous calendar month. The statement is mailed when
// a StatementMailer is configured; a delivery failure is logged and reported
// through Emailed rather than failing the run.
func (l *Ledger) Statement(ctx context.Context, month string) (*Statement, error) {
	now := l.now().UTC()
	if month == "" {
		month = previousMonth(now)
	}

	stats, err := l.ComputeStats(ctx, db.SaveFilter{Month: month})
	if err != nil {
		return nil, err
	}

	stmt := &Statement{
		Month:       month,
		AmountDue:   stats.TotalCommission,
		Stats:       stats,
		GeneratedAt: now,
	}

	if l.mailer != nil {
		if err := l.mailer.SendStatement(ctx, stmt); err != nil {
			l.logger.Error("failed to email statement",
				zap.Error(err),
				zap.String("month", month),
			)
		} else {
			stmt.Emailed = true
		}
	}

	l.logger.Info("statement generated",
		zap.String("month", month),
		zap.String("amount_due", stmt.AmountDue.StringFixed(2)),
		zap.Int("verified_count", stats.VerifiedCount),
		zap.Bool("emailed", stmt.Emailed),
	)
	metrics.SetStatementCommission(month, stmt.AmountDue.InexactFloat64())
	l.publish(ctx, Event{Type: EventStatementGenerated, Statement: stmt})

	return stmt, nil
}

func previousMonth(now time.Time) string {
	first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return first.AddDate(0, -1, 0).Format(monthLayout)
}
