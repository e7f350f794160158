// Package sqs mirrors recorded webhook events onto an SQS queue so that
// consumers outside the gateway can follow the event stream.
package sqs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/campus/internal/db"
)

// Config holds SQS configuration.
type Config struct {
	Region   string
	QueueURL string
	Endpoint string // LocalStack
}

// Message is the payload sent to SQS.
type Message struct {
	EventID    string          `json:"event_id"`
	EventType  string          `json:"event_type"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  time.Time       `json:"created_at"`
	EnqueuedAt int64           `json:"enqueued_at"`
}

// sendAPI is the part of *sqs.Client the producer uses.
type sendAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// Producer implements db.EventMirror.
type Producer struct {
	client   sendAPI
	queueURL string
	logger   *zap.Logger
	now      func() time.Time
}

// NewProducer creates a new SQS producer.
func NewProducer(ctx context.Context, cfg Config, logger *zap.Logger) (*Producer, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	logger.Info("sqs event mirror initialized",
		zap.String("queue_url", cfg.QueueURL),
	)

	return newProducer(client, cfg.QueueURL, logger), nil
}

func newProducer(client sendAPI, queueURL string, logger *zap.Logger) *Producer {
	return &Producer{
		client:   client,
		queueURL: queueURL,
		logger:   logger,
		now:      time.Now,
	}
}

// MirrorEvent publishes event to the queue. The event type travels as a
// message attribute for consumers that filter without decoding the body.
func (p *Producer) MirrorEvent(ctx context.Context, event *db.WebhookEvent) error {
	msg := Message{
		EventID:    event.ID,
		EventType:  event.EventType,
		Payload:    event.Payload,
		CreatedAt:  event.CreatedAt,
		EnqueuedAt: p.now().UnixNano(),
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"event_type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(event.EventType),
			},
		},
	}

	result, err := p.client.SendMessage(ctx, input)
	if err != nil {
		return fmt.Errorf("sqs send failed: %w", err)
	}

	p.logger.Debug("event mirrored to sqs",
		zap.String("event_id", event.ID),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return nil
}
