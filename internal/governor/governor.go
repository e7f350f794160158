// Package governor puts a deadline on every operation, chosen by the
// operation's name from a static table. An operation that overruns returns a
// TimeoutError at the deadline, and the context it was given is cancelled so
// store writes still in flight roll back instead of landing late.
package governor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/campus/internal/metrics"
)

// Timeout buckets
const (
	FastQuery           = 2000 * time.Millisecond
	StandardQuery       = 5000 * time.Millisecond
	AggregationStandard = 10000 * time.Millisecond
	AggregationComplex  = 15000 * time.Millisecond
	WriteFast           = 5000 * time.Millisecond
	WriteStandard       = 10000 * time.Millisecond
	AdminStandard       = 15000 * time.Millisecond
	AdminComplex        = 30000 * time.Millisecond
	ExternalWebhook     = 30000 * time.Millisecond
	SystemBulk          = 60000 * time.Millisecond
	HealthCheck         = 5000 * time.Millisecond
)

// DefaultLimit applies to operations missing from the table.
const DefaultLimit = StandardQuery

// Timeouts maps operation names to their deadline.
var Timeouts = map[string]time.Duration{
	"USER_GET":           FastQuery,
	"CLASS_GET":          FastQuery,
	"COURSE_GET":         FastQuery,
	"GRADE_GET":          FastQuery,
	"GRADE_LOOKUP":       FastQuery,
	"ANNOUNCEMENT_GET":   FastQuery,
	"WEBHOOK_CONFIG_GET": FastQuery,
	"WEBHOOK_EVENT_GET":  FastQuery,
	"DLQ_GET":            FastQuery,
	"BREAKER_STATS":      FastQuery,

	"USER_LIST":           StandardQuery,
	"CLASS_LIST":          StandardQuery,
	"COURSE_LIST":         StandardQuery,
	"GRADE_LIST":          StandardQuery,
	"ANNOUNCEMENT_LIST":   StandardQuery,
	"WEBHOOK_CONFIG_LIST": StandardQuery,
	"WEBHOOK_EVENT_LIST":  StandardQuery,
	"DLQ_LIST":            StandardQuery,

	"GRADES_BY_COURSE": AggregationStandard,
	"DEPENDENTS_CHECK": AggregationComplex,

	"USER_UPDATE":         WriteFast,
	"CLASS_UPDATE":        WriteFast,
	"COURSE_UPDATE":       WriteFast,
	"GRADE_UPDATE":        WriteFast,
	"ANNOUNCEMENT_UPDATE": WriteFast,

	"USER_CREATE":         WriteStandard,
	"CLASS_CREATE":        WriteStandard,
	"COURSE_CREATE":       WriteStandard,
	"GRADE_CREATE":        WriteStandard,
	"ANNOUNCEMENT_CREATE": WriteStandard,
	"USER_DELETE":         WriteStandard,
	"CLASS_DELETE":        WriteStandard,
	"COURSE_DELETE":       WriteStandard,
	"GRADE_DELETE":        WriteStandard,
	"ANNOUNCEMENT_DELETE": WriteStandard,

	"WEBHOOK_CONFIG_CREATE": AdminStandard,
	"WEBHOOK_CONFIG_UPDATE": AdminStandard,
	"WEBHOOK_CONFIG_DELETE": AdminStandard,
	"DLQ_DELETE":            AdminStandard,
	"DLQ_REQUEUE":           AdminComplex,

	"WEBHOOK_TRIGGER": ExternalWebhook,
	"WEBHOOK_PROCESS": ExternalWebhook,

	"REBUILD_INDEXES": SystemBulk,
	"HEALTH_CHECK":    HealthCheck,
}

// ErrTimeout is wrapped by every TimeoutError.
var ErrTimeout = errors.New("operation timed out")

// TimeoutError reports an operation that did not finish within its limit.
// RequestID is fresh for every breach so operators can correlate logs.
type TimeoutError struct {
	Op        string
	Limit     time.Duration
	RequestID string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Op, e.Limit)
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }

// Governor applies the timeout table.
type Governor struct {
	limits map[string]time.Duration
	logger *zap.Logger
}

// New builds a governor from the static table plus overrides.
func New(logger *zap.Logger, overrides map[string]time.Duration) *Governor {
	limits := make(map[string]time.Duration, len(Timeouts)+len(overrides))
	for op, d := range Timeouts {
		limits[op] = d
	}
	for op, d := range overrides {
		limits[op] = d
	}
	return &Governor{limits: limits, logger: logger}
}

// Limit returns the deadline for op.
func (g *Governor) Limit(op string) time.Duration {
	if d, ok := g.limits[op]; ok {
		return d
	}
	return DefaultLimit
}

// Do runs fn under op's deadline.
func (g *Governor) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	_, err := Run(ctx, g, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Run races fn against op's deadline. If the deadline wins Run returns at
// once with a *TimeoutError; fn keeps its cancelled context and is not waited for.
func Run[T any](ctx context.Context, g *Governor, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	limit := g.Limit(op)
	ctx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	type result struct {
		value T
		err   error
	}
	done := make(chan result, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("%s panicked: %v", op, r)}
			}
		}()
		v, err := fn(ctx)
		done <- result{value: v, err: err}
	}()

	select {
	case r := <-done:
		return r.value, r.err
	case <-ctx.Done():
	}

	// fn may have finished in the same instant
	select {
	case r := <-done:
		return r.value, r.err
	default:
	}

	var zero T
	if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return zero, ctx.Err()
	}

	te := &TimeoutError{Op: op, Limit: limit, RequestID: uuid.NewString()}
	metrics.RecordGovernorTimeout(op)
	g.logger.Warn("operation timed out",
		zap.String("op", op),
		zap.Duration("limit", limit),
		zap.String("request_id", te.RequestID),
	)
	return zero, te
}
