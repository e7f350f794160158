package worker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/campus/internal/db"
	"github.com/lalithlochan/campus/internal/sns"
)

const snsTargetPrefix = "arn:aws:sns:"

// TopicPublisher is satisfied by *sns.Publisher.
type TopicPublisher interface {
	Publish(ctx context.Context, topicARN string, msg sns.Message) (string, error)
}

// SNSSender delivers events to webhook configs whose target is an SNS topic ARN.
type SNSSender struct {
	publisher TopicPublisher
	logger    *zap.Logger
}

func NewSNSSender(publisher TopicPublisher, logger *zap.Logger) *SNSSender {
	return &SNSSender{
		publisher: publisher,
		logger:    logger,
	}
}

func (s *SNSSender) Send(ctx context.Context, attempt *db.Attempt) (*db.AttemptResult, error) {
	msg := sns.Message{
		EventID:    attempt.Event.ID,
		EventType:  attempt.Event.EventType,
		DeliveryID: attempt.Delivery.ID,
		CreatedAt:  attempt.Event.CreatedAt.Format(time.RFC3339),
		Data:       attempt.Event.Payload,
	}

	messageID, err := s.publisher.Publish(ctx, attempt.Config.TargetURL, msg)
	if err != nil {
		return nil, fmt.Errorf("sns publish failed: %w", err)
	}

	s.logger.Info("webhook event published to SNS",
		zap.String("delivery_id", attempt.Delivery.ID),
		zap.String("topic_arn", attempt.Config.TargetURL),
		zap.String("message_id", messageID),
	)

	return &db.AttemptResult{StatusCode: 200, ResponseBody: messageID}, nil
}

func (s *SNSSender) SupportsTarget(target string) bool {
	return strings.HasPrefix(target, snsTargetPrefix)
}
