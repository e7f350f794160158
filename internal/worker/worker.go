// Package worker runs the webhook delivery sweep: it claims due deliveries,
// sends them through a Sender and records each outcome.
package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/campus/internal/circuitbreaker"
	"github.com/lalithlochan/campus/internal/db"
	"github.com/lalithlochan/campus/internal/governor"
	"github.com/lalithlochan/campus/internal/metrics"
	"github.com/lalithlochan/campus/internal/redis"
	"github.com/lalithlochan/campus/internal/store"
)

const sweepLockKey = "campus:webhooks:sweep"

// errConfigPaused holds deliveries of an inactive config without spending attempts.
var errConfigPaused = errors.New("webhook config paused")

// Repository is the slice of db.Repository the sweep needs.
type Repository interface {
	ListDueDeliveries(ctx context.Context, limit int) ([]*db.WebhookDelivery, error)
	ClaimDelivery(ctx context.Context, id string, ttl time.Duration) (*db.Attempt, string, error)
	ReleaseDelivery(ctx context.Context, id, token string) error
	CompleteAttempt(ctx context.Context, id, token string, out db.Outcome) (*db.Completion, error)
}

// Locker serializes sweeps across gateway instances. *redis.Client satisfies it.
type Locker interface {
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error)
}

type Worker struct {
	repo     Repository
	sender   Sender
	config   Config
	governor *governor.Governor
	locker   Locker
	logger   *zap.Logger
	now      func() time.Time
}

type Config struct {
	// Interval between scheduled sweeps. Zero disables the internal loop;
	// sweeps then run only when triggered.
	Interval  time.Duration
	BatchSize int
	// ClaimTTL is how long a claimed delivery stays invisible to other sweeps.
	ClaimTTL time.Duration
	// RetryBackoff delays the next attempt after the n-th failure by
	// RetryBackoff[n-1] (last value repeats). Empty retries on the next sweep.
	RetryBackoff []time.Duration
}

// Summary counts what one sweep did. Processed counts recorded attempts.
type Summary struct {
	Processed    int `json:"processed"`
	Succeeded    int `json:"succeeded"`
	Failed       int `json:"failed"`
	DeadLettered int `json:"dead_lettered"`
	Skipped      int `json:"skipped"`
}

func New(repo Repository, sender Sender, cfg Config, gov *governor.Governor, logger *zap.Logger) *Worker {
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 50
	}
	if cfg.ClaimTTL == 0 {
		cfg.ClaimTTL = 2 * time.Minute
	}

	return &Worker{
		repo:     repo,
		sender:   sender,
		config:   cfg,
		governor: gov,
		logger:   logger,
		now:      time.Now,
	}
}

// SetLocker makes every sweep hold a distributed lock first.
func (w *Worker) SetLocker(l Locker) {
	w.locker = l
}

// Start runs a sweep every Interval under the WEBHOOK_PROCESS deadline until
// ctx is done.
func (w *Worker) Start(ctx context.Context) {
	if w.config.Interval <= 0 {
		w.logger.Info("webhook sweep loop disabled, sweeps run on demand")
		return
	}

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker stopping")
			return
		case <-ticker.C:
			w.runScheduled(ctx)
		}
	}
}

func (w *Worker) runScheduled(ctx context.Context) {
	summary, err := governor.Run(ctx, w.governor, "WEBHOOK_PROCESS", w.ProcessPendingDeliveries)
	switch {
	case err == nil:
		if summary.Processed > 0 || summary.Skipped > 0 {
			w.logger.Info("scheduled sweep finished", zap.Any("summary", summary))
		}
	case errors.Is(err, redis.ErrLockHeld):
		w.logger.Debug("another instance is sweeping")
	case errors.Is(err, context.Canceled):
	default:
		w.logger.Error("scheduled sweep failed", zap.Error(err))
	}
}

// ProcessPendingDeliveries runs one sweep. Failures of individual deliveries
// are recorded on the deliveries and counted, never returned.
func (w *Worker) ProcessPendingDeliveries(ctx context.Context) (Summary, error) {
	start := time.Now()
	defer func() { metrics.RecordSweep(time.Since(start)) }()

	var summary Summary

	if w.locker != nil {
		release, err := w.locker.AcquireLock(ctx, sweepLockKey, w.config.ClaimTTL)
		if err != nil {
			return summary, err
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				w.logger.Warn("failed to release sweep lock", zap.Error(err))
			}
		}()
	}

	// BatchSize caps recorded attempts. Skipped deliveries do not use it up.
	due, err := w.repo.ListDueDeliveries(ctx, 0)
	if err != nil {
		return summary, err
	}

	for _, d := range due {
		if summary.Processed >= w.config.BatchSize {
			break
		}
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		w.processDelivery(ctx, d.ID, &summary)
	}

	if len(due) > 0 {
		w.logger.Info("delivery sweep complete",
			zap.Int("due", len(due)),
			zap.Int("processed", summary.Processed),
			zap.Int("succeeded", summary.Succeeded),
			zap.Int("failed", summary.Failed),
			zap.Int("dead_lettered", summary.DeadLettered),
			zap.Int("skipped", summary.Skipped),
			zap.Duration("duration", time.Since(start)),
		)
	}
	return summary, nil
}

func (w *Worker) processDelivery(ctx context.Context, id string, summary *Summary) {
	attempt, token, err := w.repo.ClaimDelivery(ctx, id, w.config.ClaimTTL)
	if err != nil {
		summary.Skipped++
		if !errors.Is(err, db.ErrDeliveryNotDue) && !errors.Is(err, store.ErrNotFound) {
			w.logger.Error("failed to claim delivery", zap.String("delivery_id", id), zap.Error(err))
		}
		return
	}

	out, err := w.attempt(ctx, attempt)
	if err != nil {
		summary.Skipped++
		if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
			metrics.RecordDeliveryAttempt("circuit_open")
		}
		if err := w.repo.ReleaseDelivery(ctx, id, token); err != nil {
			w.logger.Warn("failed to release delivery", zap.String("delivery_id", id), zap.Error(err))
		}
		return
	}

	completion, err := w.repo.CompleteAttempt(ctx, id, token, out)
	if err != nil {
		summary.Skipped++
		if errors.Is(err, db.ErrClaimLost) {
			w.logger.Warn("claim expired before the attempt was recorded", zap.String("delivery_id", id))
		} else {
			w.logger.Error("failed to record delivery attempt", zap.String("delivery_id", id), zap.Error(err))
		}
		return
	}

	summary.Processed++
	if out.Succeeded() {
		summary.Succeeded++
		metrics.RecordDeliveryAttempt("success")
		return
	}

	summary.Failed++
	metrics.RecordDeliveryAttempt("failure")
	if completion.DeadLetter != nil {
		summary.DeadLettered++
		metrics.RecordDeadLetter()
	}

	w.logger.Warn("webhook delivery failed",
		zap.String("delivery_id", id),
		zap.String("target", attempt.Config.TargetURL),
		zap.Int("attempt_count", completion.Delivery.AttemptCount),
		zap.String("reason", out.FailureReason),
	)
}

// attempt sends one claimed delivery. An error means the delivery was not
// attempted (open circuit, paused config); every real failure is folded into
// the Outcome.
func (w *Worker) attempt(ctx context.Context, a *db.Attempt) (db.Outcome, error) {
	switch {
	case a.Config.Deleted():
		return w.failed(a, nil, "webhook config deleted: "+a.Config.ID), nil
	case !a.Config.Active:
		return db.Outcome{}, errConfigPaused
	case a.Event.Deleted():
		return w.failed(a, nil, "webhook event deleted: "+a.Event.ID), nil
	}

	result, err := w.sender.Send(ctx, a)
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		return db.Outcome{}, err
	}
	if err != nil {
		return w.failed(a, result, err.Error()), nil
	}
	if result == nil {
		result = &db.AttemptResult{}
	}

	return db.Outcome{
		StatusCode:   result.StatusCode,
		ResponseBody: result.ResponseBody,
	}, nil
}

func (w *Worker) failed(a *db.Attempt, result *db.AttemptResult, reason string) db.Outcome {
	out := db.Outcome{
		FailureReason: reason,
		RetryAt:       w.calculateNextRetry(a.Delivery.AttemptCount + 1),
	}
	if result != nil {
		out.StatusCode = result.StatusCode
		out.ResponseBody = result.ResponseBody
	}
	return out
}

// calculateNextRetry returns when the delivery may be tried again after its
// attempt-th failure, or nil for the next sweep.
func (w *Worker) calculateNextRetry(attempt int) *time.Time {
	delays := w.config.RetryBackoff
	if len(delays) == 0 {
		return nil
	}

	idx := attempt - 1
	if idx >= len(delays) {
		idx = len(delays) - 1
	}

	next := w.now().Add(delays[idx])
	return &next
}
