// Package mailer emails monthly statements through AWS SES.
package mailer

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/retain/internal/ledger"
)

// API is the subset of the SES client used here.
type API interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

type Config struct {
	Region    string
	FromEmail string
	ToEmail   string
}

// SESMailer sends statements to the billing contact.
type SESMailer struct {
	client API
	from   string
	to     string
	logger *zap.Logger
}

func NewSESMailer(ctx context.Context, cfg Config, logger *zap.Logger) (*SESMailer, error) {
	if cfg.ToEmail == "" {
		return nil, fmt.Errorf("billing recipient is required")
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config: %w", err)
	}

	return &SESMailer{
		client: ses.NewFromConfig(awsCfg),
		from:   cfg.FromEmail,
		to:     cfg.ToEmail,
		logger: logger,
	}, nil
}

// SendStatement emails stmt as plain text.
func (m *SESMailer) SendStatement(ctx context.Context, stmt *ledger.Statement) error {
	input := &ses.SendEmailInput{
		Source: aws.String(m.from),
		Destination: &types.Destination{
			ToAddresses: []string{m.to},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(Subject(stmt)),
				Charset: aws.String("UTF-8"),
			},
			Body: &types.Body{
				Text: &types.Content{
					Data:    aws.String(Body(stmt)),
					Charset: aws.String("UTF-8"),
				},
			},
		},
	}

	result, err := m.client.SendEmail(ctx, input)
	if err != nil {
		return fmt.Errorf("ses send failed: %w", err)
	}

	m.logger.Info("statement emailed via SES",
		zap.String("month", stmt.Month),
		zap.String("to", m.to),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)

	return nil
}

func Subject(stmt *ledger.Statement) string {
	return fmt.Sprintf("Retention commission statement for %s: %s due", stmt.Month, stmt.AmountDue.StringFixed(2))
}

func Body(stmt *ledger.Statement) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Statement for %s\n\n", stmt.Month)
	if s := stmt.Stats; s != nil {
		fmt.Fprintf(&b, "Verified saves:   %d\n", s.VerifiedCount)
		fmt.Fprintf(&b, "Pending saves:    %d\n", s.PendingCount)
		fmt.Fprintf(&b, "Failed saves:     %d\n", s.FailedCount)
		fmt.Fprintf(&b, "Revenue retained: %s\n", s.TotalSaved.StringFixed(2))
		fmt.Fprintf(&b, "Commission rate:  %s%%\n", s.CommissionRate.Shift(2).String())
	}
	fmt.Fprintf(&b, "\nAmount due: %s\n", stmt.AmountDue.StringFixed(2))
	return b.String()
}
