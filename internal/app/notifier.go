package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/expenseflow/expenseflow/internal/directory"
	"github.com/expenseflow/expenseflow/internal/expense"
	"github.com/expenseflow/expenseflow/jobs"
)

// TaskNotifier delivers approval task notifications through the job queue.
// Failures are logged and swallowed so the decision path never blocks on
// the queue.
type TaskNotifier struct {
	logger    *slog.Logger
	client    *jobs.Client
	directory *directory.Service
}

// NewTaskNotifier constructs a TaskNotifier.
func NewTaskNotifier(logger *slog.Logger, client *jobs.Client, dir *directory.Service) *TaskNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskNotifier{logger: logger, client: client, directory: dir}
}

// TaskAssigned enqueues an email to the approver of the new task.
func (n *TaskNotifier) TaskAssigned(ctx context.Context, task expense.ApprovalTask, exp expense.Expense) {
	if n == nil || n.client == nil || n.directory == nil {
		return
	}
	approver, err := n.directory.FindActiveByID(ctx, task.ApproverID)
	if err != nil {
		n.logger.Warn("notify task assigned: resolve approver",
			slog.Int64("approver_id", task.ApproverID),
			slog.Any("error", err))
		return
	}
	payload := jobs.SendEmailPayload{
		To:      approver.Email,
		Subject: fmt.Sprintf("Expense #%d awaits your approval", exp.ID),
		Body: fmt.Sprintf("Expense #%d (%s %.2f, level %d of %d) is pending your decision before %s.",
			exp.ID, exp.CompanyCurrency, exp.ConvertedAmount,
			task.Level, exp.TotalApprovalLevels,
			task.DueAt.Format("2006-01-02 15:04")),
	}
	if _, err := n.client.EnqueueSendEmail(ctx, payload); err != nil {
		n.logger.Warn("notify task assigned: enqueue",
			slog.Int64("task_id", task.ID),
			slog.Any("error", err))
	}
}
