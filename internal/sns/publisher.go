package sns

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
)

// Config selects the region and, for LocalStack, a custom endpoint.
type Config struct {
	Region   string
	Endpoint string
}

// Publisher publishes webhook events to SNS topics. The topic is chosen per
// call because every webhook config names its own topic ARN.
type Publisher struct {
	client *sns.Client
}

// Message is the JSON body published to a topic.
type Message struct {
	EventID    string          `json:"event_id"`
	EventType  string          `json:"event_type"`
	DeliveryID string          `json:"delivery_id"`
	CreatedAt  string          `json:"created_at"`
	Data       json.RawMessage `json:"data"`
}

// NewPublisher creates an SNS publisher.
func NewPublisher(ctx context.Context, cfg Config, optFns ...func(*config.LoadOptions) error) (*Publisher, error) {
	if cfg.Region != "" {
		optFns = append(optFns, config.WithRegion(cfg.Region))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sns.NewFromConfig(awsCfg, func(o *sns.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	return &Publisher{client: client}, nil
}

// Publish sends msg to topicARN and returns the SNS message id.
func (p *Publisher) Publish(ctx context.Context, topicARN string, msg Message) (string, error) {
	input, err := publishInput(topicARN, msg)
	if err != nil {
		return "", err
	}

	result, err := p.client.Publish(ctx, input)
	if err != nil {
		return "", fmt.Errorf("failed to publish to SNS: %w", err)
	}

	return aws.ToString(result.MessageId), nil
}

// publishInput carries the event type as a message attribute so topic
// subscriptions can filter on it.
func publishInput(topicARN string, msg Message) (*sns.PublishInput, error) {
	if topicARN == "" {
		return nil, fmt.Errorf("topic ARN is required")
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}

	return &sns.PublishInput{
		TopicArn: aws.String(topicARN),
		Message:  aws.String(string(payload)),
		Subject:  aws.String(msg.EventType),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"event_type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(msg.EventType),
			},
			"delivery_id": {
				DataType:    aws.String("String"),
				StringValue: aws.String(msg.DeliveryID),
			},
		},
	}, nil
}
