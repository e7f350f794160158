package circuitbreaker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/campus/internal/db"
)

// Sender mirrors worker.Sender to avoid an import cycle.
type Sender interface {
	Send(ctx context.Context, attempt *db.Attempt) (*db.AttemptResult, error)
	SupportsTarget(target string) bool
}

// ProtectedSender guards a Sender with one breaker per target URL.
type ProtectedSender struct {
	sender Sender
	group  *Group
	logger *zap.Logger
}

func NewProtectedSender(sender Sender, group *Group, logger *zap.Logger) *ProtectedSender {
	return &ProtectedSender{
		sender: sender,
		group:  group,
		logger: logger,
	}
}

// Send fails fast with ErrCircuitOpen while the target's breaker is open.
// Otherwise it calls through and feeds the outcome to that breaker.
func (p *ProtectedSender) Send(ctx context.Context, attempt *db.Attempt) (*db.AttemptResult, error) {
	target := attempt.Config.TargetURL
	breaker := p.group.For(target)

	if !breaker.Allow() {
		p.logger.Debug("circuit open, skipping target",
			zap.String("target", target),
			zap.String("delivery_id", attempt.Delivery.ID),
		)
		return nil, fmt.Errorf("%w: %s", ErrCircuitOpen, target)
	}

	result, err := p.sender.Send(ctx, attempt)
	if err != nil {
		breaker.RecordFailure()
		return result, err
	}

	breaker.RecordSuccess()
	return result, nil
}

func (p *ProtectedSender) SupportsTarget(target string) bool {
	return p.sender.SupportsTarget(target)
}
