package expense

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/expenseflow/expenseflow/internal/company"
	"github.com/expenseflow/expenseflow/internal/currency"
	"github.com/expenseflow/expenseflow/internal/shared"
)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetExpense(ctx context.Context, id int64) (Expense, error)
	GetTask(ctx context.Context, id int64) (ApprovalTask, error)
	ListTasksForExpense(ctx context.Context, expenseID int64) ([]ApprovalTask, error)
	ListPendingTasksFor(ctx context.Context, approverID int64) ([]ApprovalTask, error)
	CountStats(ctx context.Context, approverID int64) (Stats, error)
	ListExpenses(ctx context.Context, filters ListFilters, limit, offset int) ([]Expense, int, error)
}

// CompanyPort reads the owning company and its rule configuration.
type CompanyPort interface {
	Get(ctx context.Context, id int64) (company.Company, error)
}

// ConverterPort converts submitted amounts into company currency.
type ConverterPort interface {
	Convert(ctx context.Context, amount float64, from, to string) (currency.Conversion, error)
}

// AuditPort reused from shared.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// NotifierPort announces newly opened approval tasks. Implementations must
// not fail the decision path; delivery is best effort.
type NotifierPort interface {
	TaskAssigned(ctx context.Context, task ApprovalTask, exp Expense)
}

// DecisionMetrics counts decision outcomes.
type DecisionMetrics interface {
	ObserveDecision(outcome string)
	ObserveFallback()
}

// IdempotencyPort guards duplicate submissions.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// ServiceConfig tunes workflow behaviour.
type ServiceConfig struct {
	// TaskDueAfter is how long an approver has before the reminder sweep
	// flags the task. Zero means 72h.
	TaskDueAfter time.Duration
}

func (c ServiceConfig) dueAfter() time.Duration {
	if c.TaskDueAfter <= 0 {
		return 72 * time.Hour
	}
	return c.TaskDueAfter
}

// ServiceParams groups dependencies for NewService.
type ServiceParams struct {
	Logger      *slog.Logger
	Repo        RepositoryPort
	Companies   CompanyPort
	Directory   DirectoryPort
	Converter   ConverterPort
	Audit       AuditPort
	Idempotency IdempotencyPort
	Notifier    NotifierPort
	Metrics     DecisionMetrics
	Config      ServiceConfig
}

// Service is the expense state controller: it records decisions, asks the
// rule evaluator for the aggregate outcome, and keeps the expense, its task
// chain and its history consistent.
type Service struct {
	logger      *slog.Logger
	repo        RepositoryPort
	companies   CompanyPort
	resolver    *Resolver
	converter   ConverterPort
	audit       AuditPort
	idempotency IdempotencyPort
	notifier    NotifierPort
	metrics     DecisionMetrics
	directory   DirectoryPort
	cfg         ServiceConfig
	clock       func() time.Time
}

// NewService constructs the expense service.
func NewService(params ServiceParams) *Service {
	logger := params.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		logger:      logger,
		repo:        params.Repo,
		companies:   params.Companies,
		resolver:    NewResolver(params.Directory),
		converter:   params.Converter,
		audit:       params.Audit,
		idempotency: params.Idempotency,
		notifier:    params.Notifier,
		metrics:     params.Metrics,
		directory:   params.Directory,
		cfg:         params.Config,
		clock:       time.Now,
	}
}

// SubmitInput describes an expense submission.
type SubmitInput struct {
	EmployeeID  int64
	CompanyID   int64
	Amount      float64
	Currency    string
	Category    string
	Description string
	ExpenseDate time.Time
	Tags        []string
	// IdempotencyKey deduplicates retried submissions when non-empty.
	IdempotencyKey string
}

// SubmitExpense creates an expense in pending at level 1 and opens the
// level-1 task for the employee's direct manager when one is resolvable.
// Without a manager the expense stays pending with no approver assigned and
// waits for administrative intervention.
func (s *Service) SubmitExpense(ctx context.Context, input SubmitInput) (Expense, error) {
	if input.Amount <= 0 || input.Category == "" {
		return Expense{}, ErrValidation
	}
	employee, err := s.directory.FindActiveByID(ctx, input.EmployeeID)
	if err != nil {
		return Expense{}, fmt.Errorf("submit: employee %d: %w", input.EmployeeID, ErrNotFound)
	}
	if input.CompanyID == 0 {
		input.CompanyID = employee.CompanyID
	}
	if employee.CompanyID != input.CompanyID {
		return Expense{}, ErrValidation
	}
	comp, err := s.companies.Get(ctx, input.CompanyID)
	if err != nil {
		return Expense{}, err
	}

	conv, err := s.converter.Convert(ctx, input.Amount, input.Currency, comp.Currency)
	if err != nil {
		return Expense{}, err
	}

	inserted := false
	idemKey := ""
	if input.IdempotencyKey != "" && s.idempotency != nil {
		idemKey = fmt.Sprintf("EXPENSE:%s", input.IdempotencyKey)
		if err := s.idempotency.CheckAndInsert(ctx, idemKey, "expense.submit"); err != nil {
			return Expense{}, err
		}
		inserted = true
	}

	approver, err := s.resolver.SubmitApprover(ctx, employee)
	if err != nil {
		s.rollbackIdempotency(ctx, inserted, idemKey)
		return Expense{}, err
	}

	now := s.clock()
	if input.ExpenseDate.IsZero() {
		input.ExpenseDate = now
	}
	exp := Expense{
		EmployeeID:          employee.ID,
		CompanyID:           comp.ID,
		Amount:              input.Amount,
		Currency:            input.Currency,
		ConvertedAmount:     conv.Amount,
		CompanyCurrency:     comp.Currency,
		ExchangeRate:        conv.Rate,
		Category:            input.Category,
		Description:         input.Description,
		ExpenseDate:         input.ExpenseDate,
		Tags:                input.Tags,
		Status:              StatusPending,
		ApprovalLevel:       1,
		TotalApprovalLevels: chainCap(comp.Rules.Mode),
	}
	if approver != nil {
		exp.CurrentApproverID = approver.ID
	}

	var createdID int64
	var firstTask ApprovalTask
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		id, err := tx.CreateExpense(ctx, exp)
		if err != nil {
			return err
		}
		createdID = id
		if err := tx.InsertEvent(ctx, Event{ExpenseID: id, Kind: EventSubmit, ActorID: employee.ID, Level: 1, Note: input.Description, At: now}); err != nil {
			return err
		}
		if approver != nil {
			task := ApprovalTask{ExpenseID: id, ApproverID: approver.ID, Level: 1, Status: TaskPending, DueAt: now.Add(s.cfg.dueAfter())}
			taskID, err := tx.CreateTask(ctx, task)
			if err != nil {
				return err
			}
			task.ID = taskID
			firstTask = task
		}
		return nil
	})
	if err != nil {
		s.rollbackIdempotency(ctx, inserted, idemKey)
		return Expense{}, err
	}

	meta := map[string]any{"amount": exp.ConvertedAmount, "currency": exp.CompanyCurrency}
	if approver == nil {
		meta["stalled"] = true
		s.logger.Warn("expense submitted without resolvable approver",
			slog.Int64("expense_id", createdID),
			slog.Int64("employee_id", employee.ID))
	}
	s.recordAudit(ctx, employee.ID, "EXPENSE_SUBMIT", createdID, meta)

	if s.notifier != nil && firstTask.ID != 0 {
		exp.ID = createdID
		s.notifier.TaskAssigned(ctx, firstTask, exp)
	}
	return s.repo.GetExpense(ctx, createdID)
}

func (s *Service) rollbackIdempotency(ctx context.Context, inserted bool, key string) {
	if inserted && s.idempotency != nil {
		_ = s.idempotency.Delete(ctx, key)
	}
}

// DecisionInput describes one approve/reject action on a task.
type DecisionInput struct {
	TaskID          int64
	ActorID         int64
	Decision        Decision
	Comment         string
	RejectionReason string
}

// RecordDecision applies a decision on a pending task and settles what the
// expense does next: finalize, advance a level, or fall back to approval.
func (s *Service) RecordDecision(ctx context.Context, input DecisionInput) (Expense, error) {
	switch input.Decision {
	case DecisionApprove:
	case DecisionReject:
		if input.RejectionReason == "" {
			return Expense{}, fmt.Errorf("rejection reason required: %w", ErrValidation)
		}
	default:
		return Expense{}, fmt.Errorf("unknown decision %q: %w", input.Decision, ErrValidation)
	}

	task, err := s.repo.GetTask(ctx, input.TaskID)
	if err != nil {
		return Expense{}, err
	}
	if task.ApproverID != input.ActorID {
		return Expense{}, ErrNotApprover
	}
	if task.Status != TaskPending {
		return Expense{}, ErrConflict
	}

	exp, err := s.repo.GetExpense(ctx, task.ExpenseID)
	if err != nil {
		return Expense{}, err
	}
	if exp.Status.Terminal() {
		return Expense{}, ErrConflict
	}
	comp, err := s.companies.Get(ctx, exp.CompanyID)
	if err != nil {
		return Expense{}, err
	}

	now := s.clock()
	if input.Decision == DecisionReject {
		return s.applyRejection(ctx, exp, task, input, now)
	}
	return s.applyApproval(ctx, comp, exp, task, input, now)
}

// applyRejection terminates the expense: one rejection at any level is final.
func (s *Service) applyRejection(ctx context.Context, exp Expense, task ApprovalTask, input DecisionInput, now time.Time) (Expense, error) {
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.MarkTaskDecided(ctx, task.ID, TaskRejected, input.Comment, input.RejectionReason, now); err != nil {
			return err
		}
		if err := tx.InsertEvent(ctx, Event{ExpenseID: exp.ID, Kind: EventReject, ActorID: input.ActorID, Level: task.Level, Note: input.RejectionReason, At: now}); err != nil {
			return err
		}
		return tx.UpdateWorkflow(ctx, exp.ID, StatusRejected, 0, task.Level)
	})
	if err != nil {
		return Expense{}, err
	}
	s.observeDecision("reject")
	s.recordAudit(ctx, input.ActorID, "EXPENSE_REJECT", exp.ID, map[string]any{"level": task.Level, "reason": input.RejectionReason})
	return s.repo.GetExpense(ctx, exp.ID)
}

func (s *Service) applyApproval(ctx context.Context, comp company.Company, exp Expense, task ApprovalTask, input DecisionInput, now time.Time) (Expense, error) {
	var outcome Outcome
	var nextTask ApprovalTask
	configurationGap := false

	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.MarkTaskDecided(ctx, task.ID, TaskApproved, input.Comment, "", now); err != nil {
			return err
		}
		if err := tx.InsertEvent(ctx, Event{ExpenseID: exp.ID, Kind: EventApprove, ActorID: input.ActorID, Level: task.Level, Note: input.Comment, At: now}); err != nil {
			return err
		}

		// The evaluator works on the full task set as this transaction sees
		// it, acting task included in its decided state.
		tasks, err := tx.ListTasksForExpense(ctx, exp.ID)
		if err != nil {
			return err
		}
		acting := task
		acting.Status = TaskApproved
		for _, t := range tasks {
			if t.ID == task.ID {
				acting = t
				break
			}
		}
		outcome = Evaluate(comp.Rules, tasks, acting)

		if outcome.Kind == OutcomeAdvance {
			next, err := s.resolver.ResolveNext(ctx, comp.Rules, exp.CompanyID, outcome.NextLevel)
			if err != nil {
				return err
			}
			if next == nil {
				// Escalation has nowhere to go: the observed rule approves
				// rather than stalling. Flagged downstream via metrics and
				// audit metadata.
				configurationGap = true
				outcome = Outcome{Kind: OutcomeFallbackApprove}
			} else {
				created := ApprovalTask{ExpenseID: exp.ID, ApproverID: next.ID, Level: outcome.NextLevel, Status: TaskPending, DueAt: now.Add(s.cfg.dueAfter())}
				taskID, err := tx.CreateTask(ctx, created)
				if err != nil {
					return err
				}
				created.ID = taskID
				nextTask = created
				return tx.UpdateWorkflow(ctx, exp.ID, StatusPending, next.ID, outcome.NextLevel)
			}
		}
		return tx.UpdateWorkflow(ctx, exp.ID, StatusApproved, 0, task.Level)
	})
	if err != nil {
		return Expense{}, err
	}

	s.observeDecision(string(outcome.Kind))
	meta := map[string]any{"level": task.Level, "outcome": string(outcome.Kind)}
	if configurationGap {
		meta["configuration_gap"] = true
		if s.metrics != nil {
			s.metrics.ObserveFallback()
		}
		s.logger.Warn("approval fell back: no resolvable next approver",
			slog.Int64("expense_id", exp.ID),
			slog.Int("level", task.Level),
			slog.Any("error", ErrConfigurationGap))
	}
	s.recordAudit(ctx, input.ActorID, "EXPENSE_APPROVE", exp.ID, meta)

	if s.notifier != nil && nextTask.ID != 0 {
		s.notifier.TaskAssigned(ctx, nextTask, exp)
	}
	return s.repo.GetExpense(ctx, exp.ID)
}

// GetExpense returns the expense with history.
func (s *Service) GetExpense(ctx context.Context, id int64) (Expense, error) {
	return s.repo.GetExpense(ctx, id)
}

// ListExpenses returns a page of expenses plus the unpaged total.
func (s *Service) ListExpenses(ctx context.Context, filters ListFilters, limit, offset int) ([]Expense, int, error) {
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.ListExpenses(ctx, filters, limit, offset)
}

// ListPendingTasksFor returns the user's open approval tasks.
func (s *Service) ListPendingTasksFor(ctx context.Context, userID int64) ([]ApprovalTask, error) {
	return s.repo.ListPendingTasksFor(ctx, userID)
}

// GetApprovalStats aggregates the user's tasks by status.
func (s *Service) GetApprovalStats(ctx context.Context, userID int64) (Stats, error) {
	return s.repo.CountStats(ctx, userID)
}

// ListTasksForExpense returns the expense's full task chain.
func (s *Service) ListTasksForExpense(ctx context.Context, expenseID int64) ([]ApprovalTask, error) {
	return s.repo.ListTasksForExpense(ctx, expenseID)
}

func (s *Service) observeDecision(outcome string) {
	if s.metrics != nil {
		s.metrics.ObserveDecision(outcome)
	}
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action string, expenseID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{ActorID: actorID, Action: action, Entity: "expense", EntityID: fmt.Sprintf("%d", expenseID), Meta: meta})
}
