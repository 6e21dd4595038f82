package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/expenseflow/expenseflow/internal/jobmetrics"
)

// OverdueScanJob measures how many approval tasks sit pending past their due
// date and surfaces the count through logs and metrics. It never mutates the
// workflow: stalled expenses need a human, not a timer.
type OverdueScanJob struct {
	Pool    *pgxpool.Pool
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewOverdueScanJob initialises the overdue scan handler.
func NewOverdueScanJob(pool *pgxpool.Pool, logger *slog.Logger, metrics *jobmetrics.Metrics) *OverdueScanJob {
	return &OverdueScanJob{
		Pool:    pool,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes the overdue scan.
func (j *OverdueScanJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Pool == nil {
		return errors.New("overdue scan: handler not configured")
	}
	var payload OverdueScanPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.GraceHours < 0 {
		payload.GraceHours = 0
	}

	tracker := j.metrics().Track(TaskTypeOverdueScan)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	cutoff := j.now().Add(-time.Duration(payload.GraceHours) * time.Hour)
	var overdue int
	if err := j.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM approval_tasks WHERE status='pending' AND due_at < $1`, cutoff).Scan(&overdue); err != nil {
		resultErr = err
		return resultErr
	}
	j.metrics().SetOverdue(overdue)
	logger := j.logger()
	if overdue > 0 {
		logger.Warn("approval tasks overdue", slog.Int("count", overdue))
	} else {
		logger.Info("no overdue approval tasks")
	}
	return nil
}

func (j *OverdueScanJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}

func (j *OverdueScanJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}

func (j *OverdueScanJob) metrics() *jobmetrics.Metrics {
	return j.Metrics
}
