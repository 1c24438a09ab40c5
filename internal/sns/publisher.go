// Package sns fans ledger events out to an SNS topic.
package sns

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/retain/internal/ledger"
)

// API is the subset of the SNS client used here.
type API interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

type Config struct {
	Region   string
	TopicARN string
}

// Publisher publishes ledger events. Subscribers filter on the event_type
// and project_id message attributes.
type Publisher struct {
	client   API
	topicARN string
	logger   *zap.Logger
}

// NewPublisher creates an SNS publisher for the given topic
func NewPublisher(ctx context.Context, cfg Config, logger *zap.Logger) (*Publisher, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	logger.Info("sns publisher initialized",
		zap.String("topic_arn", cfg.TopicARN),
	)

	return &Publisher{
		client:   sns.NewFromConfig(awsCfg),
		topicARN: cfg.TopicARN,
		logger:   logger,
	}, nil
}

// Publish sends one ledger event.
func (p *Publisher) Publish(ctx context.Context, event ledger.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	attrs := map[string]types.MessageAttributeValue{
		"event_type": {
			DataType:    aws.String("String"),
			StringValue: aws.String(event.Type),
		},
	}
	if event.Save != nil && event.Save.ProjectID != "" {
		attrs["project_id"] = types.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(event.Save.ProjectID),
		}
	}

	result, err := p.client.Publish(ctx, &sns.PublishInput{
		TopicArn:          aws.String(p.topicARN),
		Message:           aws.String(string(payload)),
		MessageAttributes: attrs,
	})
	if err != nil {
		return fmt.Errorf("failed to publish to SNS: %w", err)
	}

	p.logger.Debug("ledger event published",
		zap.String("event_type", event.Type),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)

	return nil
}
