package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/expenseflow/expenseflow/internal/jobmetrics"
)

// ReminderSweepJob finds pending approval tasks approaching or past their due
// date and enqueues one reminder email per task. Marking reminder_sent keeps
// the sweep idempotent across runs.
type ReminderSweepJob struct {
	Pool    *pgxpool.Pool
	Client  *Client
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewReminderSweepJob initialises the reminder sweep handler.
func NewReminderSweepJob(pool *pgxpool.Pool, client *Client, logger *slog.Logger, metrics *jobmetrics.Metrics) *ReminderSweepJob {
	return &ReminderSweepJob{
		Pool:    pool,
		Client:  client,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

type reminderRow struct {
	taskID    int64
	expenseID int64
	level     int
	email     string
	name      string
	dueAt     time.Time
}

// Handle executes the reminder sweep.
func (j *ReminderSweepJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Pool == nil {
		return errors.New("reminder sweep: handler not configured")
	}
	var payload ReminderSweepPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.WithinHours <= 0 {
		payload.WithinHours = 24
	}

	tracker := j.metrics().Track(TaskTypeTaskReminder)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	cutoff := j.now().Add(time.Duration(payload.WithinHours) * time.Hour)
	rows, err := j.Pool.Query(ctx, `SELECT t.id, t.expense_id, t.level, u.email, u.name, t.due_at
FROM approval_tasks t JOIN users u ON u.id = t.approver_id
WHERE t.status='pending' AND t.reminder_sent=false AND t.due_at <= $1
ORDER BY t.due_at`, cutoff)
	if err != nil {
		resultErr = err
		return resultErr
	}
	var due []reminderRow
	for rows.Next() {
		var rec reminderRow
		if err := rows.Scan(&rec.taskID, &rec.expenseID, &rec.level, &rec.email, &rec.name, &rec.dueAt); err != nil {
			rows.Close()
			resultErr = err
			return resultErr
		}
		due = append(due, rec)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		resultErr = err
		return resultErr
	}

	sent := 0
	for _, rec := range due {
		if j.Client != nil {
			_, err := j.Client.EnqueueSendEmail(ctx, SendEmailPayload{
				To:      rec.email,
				Subject: fmt.Sprintf("Expense #%d awaits your approval", rec.expenseID),
				Body:    fmt.Sprintf("Hi %s, approval task %d (level %d) was due %s.", rec.name, rec.taskID, rec.level, rec.dueAt.Format(time.RFC3339)),
			})
			if err != nil {
				j.logger().Warn("enqueue reminder", slog.Int64("task_id", rec.taskID), slog.Any("error", err))
				continue
			}
		}
		if _, err := j.Pool.Exec(ctx, `UPDATE approval_tasks SET reminder_sent=true WHERE id=$1 AND status='pending'`, rec.taskID); err != nil {
			j.logger().Warn("mark reminder sent", slog.Int64("task_id", rec.taskID), slog.Any("error", err))
			continue
		}
		sent++
	}
	j.metrics().AddReminders(sent)
	j.logger().Info("reminder sweep finished", slog.Int("due", len(due)), slog.Int("sent", sent))
	return nil
}

func (j *ReminderSweepJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}

func (j *ReminderSweepJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}

func (j *ReminderSweepJob) metrics() *jobmetrics.Metrics {
	return j.Metrics
}
