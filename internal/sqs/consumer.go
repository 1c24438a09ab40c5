package sqs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"go.uber.org/zap"

	"github.com/lalithlochan/retain/internal/payments"
)

const (
	maxMessagesPerReceive = 10
	waitTimeSeconds       = 20
	visibilityTimeout     = 60
)

// Delivery is one received message. Err is set when the body could not be
// decoded; such messages will never succeed and should be deleted.
type Delivery struct {
	MessageID     string
	ReceiptHandle string
	Event         *payments.Event
	Err           error
}

// Consumer reads payment events from SQS.
type Consumer struct {
	client   API
	queueURL string
	logger   *zap.Logger
}

// NewConsumer creates a new SQS consumer.
func NewConsumer(ctx context.Context, cfg Config, logger *zap.Logger) (*Consumer, error) {
	client, err := newClient(ctx, cfg.Region)
	if err != nil {
		return nil, err
	}

	logger.Info("sqs consumer initialized",
		zap.String("queue_url", cfg.QueueURL),
	)

	return &Consumer{
		client:   client,
		queueURL: cfg.QueueURL,
		logger:   logger,
	}, nil
}

// Receive long-polls for up to ten messages.
func (c *Consumer) Receive(ctx context.Context) ([]Delivery, error) {
	input := &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: maxMessagesPerReceive,
		WaitTimeSeconds:     waitTimeSeconds,
		VisibilityTimeout:   visibilityTimeout,
	}

	result, err := c.client.ReceiveMessage(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("sqs receive failed: %w", err)
	}

	deliveries := make([]Delivery, 0, len(result.Messages))
	for _, msg := range result.Messages {
		d := Delivery{
			MessageID:     aws.ToString(msg.MessageId),
			ReceiptHandle: aws.ToString(msg.ReceiptHandle),
		}

		var event payments.Event
		if err := json.Unmarshal([]byte(aws.ToString(msg.Body)), &event); err != nil {
			d.Err = fmt.Errorf("invalid message format: %w", err)
		} else if event.Type == "" {
			d.Err = fmt.Errorf("invalid message format: missing type")
		} else {
			d.Event = &event
		}

		deliveries = append(deliveries, d)
	}

	return deliveries, nil
}

// Delete removes a message after it has been handled.
func (c *Consumer) Delete(ctx context.Context, receiptHandle string) error {
	input := &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	}

	if _, err := c.client.DeleteMessage(ctx, input); err != nil {
		return fmt.Errorf("sqs delete failed: %w", err)
	}

	return nil
}
