// Package sqs queues payment provider events so webhooks can be acknowledged
// before the ledger is reconciled.
package sqs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/retain/internal/payments"
)

// Config holds SQS configuration.
type Config struct {
	Region   string
	QueueURL string
}

// API is the subset of the SQS client used here.
type API interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

func newClient(ctx context.Context, region string) (*sqs.Client, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return sqs.NewFromConfig(awsCfg), nil
}

// Producer sends payment events to SQS.
type Producer struct {
	client   API
	queueURL string
	logger   *zap.Logger
}

// NewProducer creates a new SQS producer.
func NewProducer(ctx context.Context, cfg Config, logger *zap.Logger) (*Producer, error) {
	client, err := newClient(ctx, cfg.Region)
	if err != nil {
		return nil, err
	}

	logger.Info("sqs producer initialized",
		zap.String("queue_url", cfg.QueueURL),
	)

	return &Producer{
		client:   client,
		queueURL: cfg.QueueURL,
		logger:   logger,
	}, nil
}

// Enqueue sends a payment event and returns the SQS message id.
func (p *Producer) Enqueue(ctx context.Context, event *payments.Event) (string, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("failed to marshal event: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"event_type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(event.Type),
			},
		},
	}

	result, err := p.client.SendMessage(ctx, input)
	if err != nil {
		p.logger.Error("failed to send message to sqs",
			zap.Error(err),
			zap.String("event_id", event.ID),
			zap.String("customer_id", event.CustomerID),
		)
		return "", fmt.Errorf("sqs send failed: %w", err)
	}

	return aws.ToString(result.MessageId), nil
}
