package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/campus/internal/db"
)

// Sender delivers one event to one webhook target.
// Implementations: HTTP(S) endpoints, SNS topics, SES email.
//
// A non-nil error means the attempt failed. The result may still be set when
// the target answered, so the status code and body can be recorded.
type Sender interface {
	Send(ctx context.Context, attempt *db.Attempt) (*db.AttemptResult, error)
	SupportsTarget(target string) bool
}

// MultiSender routes attempts to the first sender that supports the target.
type MultiSender struct {
	senders []Sender
	logger  *zap.Logger
}

// NewMultiSender creates a router over senders, tried in order.
func NewMultiSender(logger *zap.Logger, senders ...Sender) *MultiSender {
	return &MultiSender{
		senders: senders,
		logger:  logger,
	}
}

func (m *MultiSender) Send(ctx context.Context, attempt *db.Attempt) (*db.AttemptResult, error) {
	target := attempt.Config.TargetURL
	for _, sender := range m.senders {
		if sender.SupportsTarget(target) {
			m.logger.Debug("routing delivery to sender",
				zap.String("target", target),
				zap.String("delivery_id", attempt.Delivery.ID),
			)
			return sender.Send(ctx, attempt)
		}
	}

	return nil, fmt.Errorf("no sender found for target: %s", target)
}

func (m *MultiSender) SupportsTarget(target string) bool {
	for _, sender := range m.senders {
		if sender.SupportsTarget(target) {
			return true
		}
	}
	return false
}

// LogSender accepts every target and only logs the event (development mode).
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(ctx context.Context, attempt *db.Attempt) (*db.AttemptResult, error) {
	s.logger.Info("logging webhook delivery (development mode)",
		zap.String("delivery_id", attempt.Delivery.ID),
		zap.String("target", attempt.Config.TargetURL),
		zap.String("event_type", attempt.Event.EventType),
		zap.Any("payload", json.RawMessage(attempt.Event.Payload)),
	)
	return &db.AttemptResult{StatusCode: 200, ResponseBody: "logged"}, nil
}

func (s *LogSender) SupportsTarget(target string) bool {
	return true
}
