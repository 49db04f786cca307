package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/orderdesk/orderdesk/internal/jobs"
	"github.com/orderdesk/orderdesk/internal/timeline"
)

// BackfillRunner repairs orders missing their creation event.
type BackfillRunner interface {
	Run(ctx context.Context, dryRun bool) (timeline.BackfillResult, error)
}

// GapCounter counts orders whose history lacks a creation event.
type GapCounter interface {
	CountMissingCreated(ctx context.Context) (int, error)
}

// BackfillJob runs the timeline backfill from the queue.
type BackfillJob struct {
	Runner  BackfillRunner
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewBackfillJob initialises the backfill handler.
func NewBackfillJob(runner BackfillRunner, logger *slog.Logger, metrics *jobmetrics.Metrics) *BackfillJob {
	return &BackfillJob{Runner: runner, Logger: logger, Metrics: metrics}
}

// Handle executes one backfill run.
func (j *BackfillJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Runner == nil {
		return errors.New("timeline backfill: handler not configured")
	}
	var payload BackfillPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	tracker := j.Metrics.Track(TaskTimelineBackfill)
	defer func() {
		err = tracker.End(err)
	}()

	result, err := j.Runner.Run(ctx, payload.DryRun)
	if err != nil {
		loggerOrDefault(j.Logger).Error("timeline backfill failed", slog.Any("error", err))
		return err
	}
	loggerOrDefault(j.Logger).Info("timeline backfill finished",
		slog.Int("missing", result.Missing),
		slog.Int("inserted", result.Inserted),
		slog.Bool("dry_run", result.DryRun),
	)
	return nil
}

// AuditJob reports orders whose timeline is missing its creation event.
type AuditJob struct {
	Store   GapCounter
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewAuditJob initialises the audit handler.
func NewAuditJob(store GapCounter, logger *slog.Logger, metrics *jobmetrics.Metrics) *AuditJob {
	return &AuditJob{Store: store, Logger: logger, Metrics: metrics}
}

// Handle counts gaps and exports them as a metric.
func (j *AuditJob) Handle(ctx context.Context, _ *asynq.Task) (err error) {
	if j == nil || j.Store == nil {
		return errors.New("timeline audit: handler not configured")
	}
	metrics := j.Metrics
	tracker := metrics.Track(TaskTimelineAudit)
	defer func() {
		err = tracker.End(err)
	}()

	missing, err := j.Store.CountMissingCreated(ctx)
	if err != nil {
		return err
	}
	metrics.AddTimelineGaps(missing)
	if missing > 0 {
		loggerOrDefault(j.Logger).Warn("orders missing creation event", slog.Int("count", missing))
	}
	return nil
}

func loggerOrDefault(l *slog.Logger) *slog.Logger {
	if l != nil {
		return l
	}
	return slog.Default()
}
