package jobs

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskTypeSendEmail is the task type for sending transactional emails.
	TaskTypeSendEmail = "mail:send"
	// TaskTypeTaskReminder sweeps due approval tasks and enqueues reminders.
	TaskTypeTaskReminder = "approval:reminder_sweep"
	// TaskTypeOverdueScan measures approval tasks sitting past their due date.
	TaskTypeOverdueScan = "approval:overdue_scan"
)

// SendEmailPayload describes the information required to send an email.
type SendEmailPayload struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// NewSendEmailTask constructs an Asynq task.
func NewSendEmailTask(payload SendEmailPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeSendEmail, data), nil
}

// HandleSendEmailTask processes TaskTypeSendEmail tasks.
func HandleSendEmailTask(ctx context.Context, t *asynq.Task) error {
	var payload SendEmailPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	// SMTP delivery is handled by the mail relay sidecar; this logs the
	// handoff for traceability.
	slog.Default().Info("send email",
		slog.String("to", payload.To),
		slog.String("subject", payload.Subject))
	return nil
}

// ReminderSweepPayload bounds the reminder sweep window.
type ReminderSweepPayload struct {
	// WithinHours widens the sweep to tasks due within this many hours.
	WithinHours int `json:"within_hours"`
}

// NewReminderSweepTask constructs the reminder sweep task.
func NewReminderSweepTask(withinHours int) (*asynq.Task, error) {
	data, err := json.Marshal(ReminderSweepPayload{WithinHours: withinHours})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeTaskReminder, data), nil
}

// OverdueScanPayload configures the overdue scan.
type OverdueScanPayload struct {
	// GraceHours delays counting a task as overdue after its due date.
	GraceHours int `json:"grace_hours"`
}

// NewOverdueScanTask constructs the overdue scan task.
func NewOverdueScanTask(graceHours int) (*asynq.Task, error) {
	data, err := json.Marshal(OverdueScanPayload{GraceHours: graceHours})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeOverdueScan, data), nil
}
