package expense

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/expenseflow/expenseflow/internal/company"
	"github.com/expenseflow/expenseflow/internal/currency"
	"github.com/expenseflow/expenseflow/internal/directory"
	"github.com/expenseflow/expenseflow/internal/shared"
)

// ============================================================================
// MOCK REPOSITORY
// ============================================================================

type mockRepository struct {
	mu            sync.Mutex
	expenses      map[int64]*Expense
	tasks         map[int64]*ApprovalTask
	events        []Event
	nextExpenseID int64
	nextTaskID    int64

	txError error
}

func newMockRepository() *mockRepository {
	return &mockRepository{
		expenses:      make(map[int64]*Expense),
		tasks:         make(map[int64]*ApprovalTask),
		nextExpenseID: 1,
		nextTaskID:    1,
	}
}

// WithTx holds the repository lock for the duration of the callback, which
// mirrors how the database row lock serializes two racing decision writes.
func (m *mockRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.txError != nil {
		return m.txError
	}
	return fn(ctx, &mockTxRepo{mock: m})
}

func (m *mockRepository) GetExpense(ctx context.Context, id int64) (Expense, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.expenses[id]
	if !ok {
		return Expense{}, ErrNotFound
	}
	out := *e
	out.ApprovedBy = nil
	out.RejectedBy = nil
	for _, ev := range m.events {
		if ev.ExpenseID != id {
			continue
		}
		entry := ApprovalEvent{ActorID: ev.ActorID, Level: ev.Level, Note: ev.Note, At: ev.At}
		switch ev.Kind {
		case EventApprove:
			out.ApprovedBy = append(out.ApprovedBy, entry)
		case EventReject:
			out.RejectedBy = append(out.RejectedBy, entry)
		}
	}
	return out, nil
}

func (m *mockRepository) GetTask(ctx context.Context, id int64) (ApprovalTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return ApprovalTask{}, ErrNotFound
	}
	return *t, nil
}

func (m *mockRepository) ListTasksForExpense(ctx context.Context, expenseID int64) ([]ApprovalTask, error) {
	return m.tasksFor(expenseID), nil
}

func (m *mockRepository) ListPendingTasksFor(ctx context.Context, approverID int64) ([]ApprovalTask, error) {
	var out []ApprovalTask
	for _, t := range m.tasks {
		if t.ApproverID == approverID && t.Status == TaskPending {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (m *mockRepository) CountStats(ctx context.Context, approverID int64) (Stats, error) {
	var s Stats
	for _, t := range m.tasks {
		if t.ApproverID != approverID {
			continue
		}
		switch t.Status {
		case TaskPending:
			s.Pending++
		case TaskApproved:
			s.Approved++
		case TaskRejected:
			s.Rejected++
		}
	}
	return s, nil
}

func (m *mockRepository) ListExpenses(ctx context.Context, filters ListFilters, limit, offset int) ([]Expense, int, error) {
	var out []Expense
	for _, e := range m.expenses {
		if filters.CompanyID != 0 && e.CompanyID != filters.CompanyID {
			continue
		}
		if filters.EmployeeID != 0 && e.EmployeeID != filters.EmployeeID {
			continue
		}
		if filters.Status != "" && string(e.Status) != filters.Status {
			continue
		}
		out = append(out, *e)
	}
	return out, len(out), nil
}

func (m *mockRepository) tasksFor(expenseID int64) []ApprovalTask {
	var out []ApprovalTask
	for level := 1; level <= len(m.tasks); level++ {
		for _, t := range m.tasks {
			if t.ExpenseID == expenseID && t.Level == level {
				out = append(out, *t)
			}
		}
	}
	return out
}

type mockTxRepo struct {
	mock *mockRepository
}

func (t *mockTxRepo) CreateExpense(ctx context.Context, e Expense) (int64, error) {
	id := t.mock.nextExpenseID
	t.mock.nextExpenseID++
	e.ID = id
	t.mock.expenses[id] = &e
	return id, nil
}

func (t *mockTxRepo) UpdateWorkflow(ctx context.Context, expenseID int64, status Status, currentApproverID int64, level int) error {
	e, ok := t.mock.expenses[expenseID]
	if !ok {
		return ErrNotFound
	}
	e.Status = status
	e.CurrentApproverID = currentApproverID
	e.ApprovalLevel = level
	return nil
}

func (t *mockTxRepo) CreateTask(ctx context.Context, task ApprovalTask) (int64, error) {
	for _, existing := range t.mock.tasks {
		if existing.ExpenseID == task.ExpenseID &&
			(existing.Level == task.Level || existing.Status == TaskPending) {
			return 0, ErrConflict
		}
	}
	id := t.mock.nextTaskID
	t.mock.nextTaskID++
	task.ID = id
	t.mock.tasks[id] = &task
	return id, nil
}

func (t *mockTxRepo) MarkTaskDecided(ctx context.Context, taskID int64, status TaskStatus, comment, reason string, decidedAt time.Time) error {
	task, ok := t.mock.tasks[taskID]
	if !ok || task.Status != TaskPending {
		return ErrConflict
	}
	task.Status = status
	task.Comment = comment
	task.RejectionReason = reason
	task.DecidedAt = &decidedAt
	return nil
}

func (t *mockTxRepo) ListTasksForExpense(ctx context.Context, expenseID int64) ([]ApprovalTask, error) {
	return t.mock.tasksFor(expenseID), nil
}

func (t *mockTxRepo) InsertEvent(ctx context.Context, event Event) error {
	event.ID = int64(len(t.mock.events) + 1)
	t.mock.events = append(t.mock.events, event)
	return nil
}

// ============================================================================
// COLLABORATOR MOCKS
// ============================================================================

type mockCompanies struct {
	companies map[int64]company.Company
}

func (m *mockCompanies) Get(ctx context.Context, id int64) (company.Company, error) {
	c, ok := m.companies[id]
	if !ok {
		return company.Company{}, company.ErrNotFound
	}
	return c, nil
}

type mockConverter struct {
	rate float64
	err  error
}

func (m *mockConverter) Convert(ctx context.Context, amount float64, from, to string) (currency.Conversion, error) {
	if m.err != nil {
		return currency.Conversion{}, m.err
	}
	rate := m.rate
	if rate == 0 || from == to {
		rate = 1
	}
	return currency.Conversion{Amount: amount * rate, Rate: rate}, nil
}

type mockAudit struct {
	logs []shared.AuditLog
}

func (m *mockAudit) Record(ctx context.Context, log shared.AuditLog) error {
	m.logs = append(m.logs, log)
	return nil
}

func (m *mockAudit) lastMeta() map[string]any {
	if len(m.logs) == 0 {
		return nil
	}
	return m.logs[len(m.logs)-1].Meta
}

type mockMetrics struct {
	decisions map[string]int
	fallbacks int
}

func (m *mockMetrics) ObserveDecision(outcome string) {
	if m.decisions == nil {
		m.decisions = make(map[string]int)
	}
	m.decisions[outcome]++
}

func (m *mockMetrics) ObserveFallback() { m.fallbacks++ }

type mockNotifier struct {
	assigned []ApprovalTask
}

func (m *mockNotifier) TaskAssigned(ctx context.Context, task ApprovalTask, exp Expense) {
	m.assigned = append(m.assigned, task)
}

type mockIdempotency struct {
	keys    map[string]bool
	deleted []string
}

func (m *mockIdempotency) CheckAndInsert(ctx context.Context, key, module string) error {
	if m.keys == nil {
		m.keys = make(map[string]bool)
	}
	if m.keys[key] {
		return shared.ErrIdempotencyConflict
	}
	m.keys[key] = true
	return nil
}

func (m *mockIdempotency) Delete(ctx context.Context, key string) error {
	delete(m.keys, key)
	m.deleted = append(m.deleted, key)
	return nil
}

// ============================================================================
// FIXTURE
// ============================================================================

type fixture struct {
	repo      *mockRepository
	companies *mockCompanies
	directory *mockDirectory
	audit     *mockAudit
	metrics   *mockMetrics
	notifier  *mockNotifier
	idem      *mockIdempotency
	service   *Service
}

func newFixture(t *testing.T, rules company.RuleConfig) *fixture {
	t.Helper()
	f := &fixture{
		repo:      newMockRepository(),
		directory: newMockDirectory(),
		audit:     &mockAudit{},
		metrics:   &mockMetrics{},
		notifier:  &mockNotifier{},
		idem:      &mockIdempotency{},
	}
	f.companies = &mockCompanies{companies: map[int64]company.Company{
		1: {ID: 1, Name: "Acme", Currency: "USD", Rules: rules},
	}}
	f.service = NewService(ServiceParams{
		Repo:        f.repo,
		Companies:   f.companies,
		Directory:   f.directory,
		Converter:   &mockConverter{},
		Audit:       f.audit,
		Idempotency: f.idem,
		Notifier:    f.notifier,
		Metrics:     f.metrics,
	})
	return f
}

// seedHierarchy creates employee 4 reporting to manager 2, with admin 3.
func (f *fixture) seedHierarchy() {
	f.directory.addUser(directory.User{ID: 3, CompanyID: 1, Role: directory.RoleAdmin})
	f.directory.addUser(directory.User{ID: 2, CompanyID: 1, Role: directory.RoleManager})
	f.directory.addUser(directory.User{ID: 4, CompanyID: 1, Role: directory.RoleEmployee, ManagerID: 2})
	f.directory.byRole[directory.RoleManager] = f.directory.users[2]
	f.directory.byRole[directory.RoleAdmin] = f.directory.users[3]
}

func (f *fixture) submit(t *testing.T) Expense {
	t.Helper()
	exp, err := f.service.SubmitExpense(context.Background(), SubmitInput{
		EmployeeID: 4, Amount: 100, Currency: "USD", Category: "travel",
	})
	require.NoError(t, err)
	return exp
}

func (f *fixture) pendingTask(t *testing.T, expenseID int64) ApprovalTask {
	t.Helper()
	tasks, err := f.repo.ListTasksForExpense(context.Background(), expenseID)
	require.NoError(t, err)
	for _, task := range tasks {
		if task.Status == TaskPending {
			return task
		}
	}
	t.Fatalf("no pending task for expense %d", expenseID)
	return ApprovalTask{}
}

// ============================================================================
// SUBMIT
// ============================================================================

func TestSubmitExpense(t *testing.T) {
	rules := company.RuleConfig{Mode: company.RulePercentage, PercentageThreshold: 60}

	t.Run("opens level one task for direct manager", func(t *testing.T) {
		f := newFixture(t, rules)
		f.seedHierarchy()

		exp := f.submit(t)
		assert.Equal(t, StatusPending, exp.Status)
		assert.Equal(t, int64(2), exp.CurrentApproverID)
		assert.Equal(t, 1, exp.ApprovalLevel)
		assert.Equal(t, 3, exp.TotalApprovalLevels)

		task := f.pendingTask(t, exp.ID)
		assert.Equal(t, int64(2), task.ApproverID)
		assert.Equal(t, 1, task.Level)
		require.Len(t, f.notifier.assigned, 1)
		assert.Equal(t, task.ID, f.notifier.assigned[0].ID)
	})

	t.Run("no manager leaves expense pending unassigned", func(t *testing.T) {
		f := newFixture(t, rules)
		f.directory.addUser(directory.User{ID: 4, CompanyID: 1, Role: directory.RoleEmployee})

		exp := f.submit(t)
		assert.Equal(t, StatusPending, exp.Status)
		assert.Zero(t, exp.CurrentApproverID)
		assert.Empty(t, f.notifier.assigned)
		assert.Equal(t, true, f.audit.lastMeta()["stalled"])
	})

	t.Run("rejects invalid input", func(t *testing.T) {
		f := newFixture(t, rules)
		f.seedHierarchy()

		_, err := f.service.SubmitExpense(context.Background(), SubmitInput{EmployeeID: 4, Amount: 0, Category: "travel"})
		assert.ErrorIs(t, err, ErrValidation)

		_, err = f.service.SubmitExpense(context.Background(), SubmitInput{EmployeeID: 4, Amount: 10})
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("unknown employee", func(t *testing.T) {
		f := newFixture(t, rules)
		_, err := f.service.SubmitExpense(context.Background(), SubmitInput{EmployeeID: 42, Amount: 10, Category: "meals"})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("duplicate idempotency key conflicts", func(t *testing.T) {
		f := newFixture(t, rules)
		f.seedHierarchy()

		input := SubmitInput{EmployeeID: 4, Amount: 100, Currency: "USD", Category: "travel", IdempotencyKey: "abc"}
		_, err := f.service.SubmitExpense(context.Background(), input)
		require.NoError(t, err)

		_, err = f.service.SubmitExpense(context.Background(), input)
		assert.ErrorIs(t, err, shared.ErrIdempotencyConflict)
	})

	t.Run("transaction failure releases idempotency key", func(t *testing.T) {
		f := newFixture(t, rules)
		f.seedHierarchy()
		f.repo.txError = errors.New("db down")

		_, err := f.service.SubmitExpense(context.Background(), SubmitInput{
			EmployeeID: 4, Amount: 10, Category: "travel", IdempotencyKey: "k1",
		})
		require.Error(t, err)
		assert.Contains(t, f.idem.deleted, "EXPENSE:k1")

		f.repo.txError = nil
		_, err = f.service.SubmitExpense(context.Background(), SubmitInput{
			EmployeeID: 4, Amount: 10, Category: "travel", IdempotencyKey: "k1",
		})
		assert.NoError(t, err)
	})
}

// ============================================================================
// DECISIONS
// ============================================================================

func TestRecordDecisionRejection(t *testing.T) {
	rules := company.RuleConfig{Mode: company.RulePercentage, PercentageThreshold: 60}

	t.Run("rejection at any level is terminal", func(t *testing.T) {
		f := newFixture(t, rules)
		f.seedHierarchy()
		exp := f.submit(t)
		task := f.pendingTask(t, exp.ID)

		got, err := f.service.RecordDecision(context.Background(), DecisionInput{
			TaskID: task.ID, ActorID: 2, Decision: DecisionReject, RejectionReason: "missing receipt",
		})
		require.NoError(t, err)
		assert.Equal(t, StatusRejected, got.Status)
		assert.Zero(t, got.CurrentApproverID)
		require.Len(t, got.RejectedBy, 1)
		assert.Equal(t, "missing receipt", got.RejectedBy[0].Note)
		assert.Equal(t, 1, f.metrics.decisions["reject"])

		// No decision is possible afterwards.
		_, err = f.service.RecordDecision(context.Background(), DecisionInput{
			TaskID: task.ID, ActorID: 2, Decision: DecisionApprove,
		})
		assert.ErrorIs(t, err, ErrConflict)
	})

	t.Run("rejection requires reason", func(t *testing.T) {
		f := newFixture(t, rules)
		f.seedHierarchy()
		exp := f.submit(t)
		task := f.pendingTask(t, exp.ID)

		_, err := f.service.RecordDecision(context.Background(), DecisionInput{
			TaskID: task.ID, ActorID: 2, Decision: DecisionReject,
		})
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("only the assigned approver may act", func(t *testing.T) {
		f := newFixture(t, rules)
		f.seedHierarchy()
		exp := f.submit(t)
		task := f.pendingTask(t, exp.ID)

		_, err := f.service.RecordDecision(context.Background(), DecisionInput{
			TaskID: task.ID, ActorID: 3, Decision: DecisionApprove,
		})
		assert.ErrorIs(t, err, ErrNotApprover)
	})
}

func TestRecordDecisionApproval(t *testing.T) {
	t.Run("first approval meeting threshold finalizes", func(t *testing.T) {
		f := newFixture(t, company.RuleConfig{Mode: company.RulePercentage, PercentageThreshold: 100})
		f.seedHierarchy()
		exp := f.submit(t)

		// Level 1: manager approves, 1/1 = 100% meets the threshold.
		task := f.pendingTask(t, exp.ID)
		got, err := f.service.RecordDecision(context.Background(), DecisionInput{
			TaskID: task.ID, ActorID: 2, Decision: DecisionApprove,
		})
		require.NoError(t, err)
		assert.Equal(t, StatusApproved, got.Status)
		assert.Equal(t, 1, f.metrics.decisions[string(OutcomeFinalApprove)])
	})

	t.Run("advance collides with an existing pending task", func(t *testing.T) {
		f := newFixture(t, company.RuleConfig{Mode: company.RulePercentage, PercentageThreshold: 60})
		f.seedHierarchy()
		exp := f.submit(t)
		first := f.pendingTask(t, exp.ID)

		// Reject-free path where percentage math stays below threshold is
		// only reachable with sibling tasks; force it by pre-creating the
		// later levels as pending rows.
		f.repo.tasks[98] = &ApprovalTask{ID: 98, ExpenseID: exp.ID, ApproverID: 3, Level: 2, Status: TaskPending}
		f.repo.tasks[99] = &ApprovalTask{ID: 99, ExpenseID: exp.ID, ApproverID: 3, Level: 3, Status: TaskPending}

		_, err := f.service.RecordDecision(context.Background(), DecisionInput{
			TaskID: first.ID, ActorID: 2, Decision: DecisionApprove,
		})
		// The pre-seeded pending rows collide with the advance insert, which
		// is exactly what the one-pending constraint guards.
		assert.ErrorIs(t, err, ErrConflict)
	})

	t.Run("specific mode walks to designated approver", func(t *testing.T) {
		// Index 0 designates level 1, which submission already assigned to
		// the direct manager; level 2 resolves list index 1, the admin.
		f := newFixture(t, company.RuleConfig{Mode: company.RuleSpecific, SpecificApprovers: []int64{99, 3}})
		f.seedHierarchy()
		exp := f.submit(t)

		// Level 1: manager is not designated, chain advances to the list.
		task := f.pendingTask(t, exp.ID)
		got, err := f.service.RecordDecision(context.Background(), DecisionInput{
			TaskID: task.ID, ActorID: 2, Decision: DecisionApprove,
		})
		require.NoError(t, err)
		assert.Equal(t, StatusPending, got.Status)
		assert.Equal(t, 2, got.ApprovalLevel)
		assert.Equal(t, int64(3), got.CurrentApproverID)

		// Level 2: designated approver short-circuits.
		task = f.pendingTask(t, exp.ID)
		require.Equal(t, int64(3), task.ApproverID)
		got, err = f.service.RecordDecision(context.Background(), DecisionInput{
			TaskID: task.ID, ActorID: 3, Decision: DecisionApprove,
		})
		require.NoError(t, err)
		assert.Equal(t, StatusApproved, got.Status)
		require.Len(t, got.ApprovedBy, 2)
	})

	t.Run("configuration gap falls back to approval", func(t *testing.T) {
		f := newFixture(t, company.RuleConfig{Mode: company.RuleSpecific, SpecificApprovers: []int64{99, 98}})
		f.seedHierarchy()
		exp := f.submit(t)

		// Designated approver 98 for level 2 does not exist, so advancing
		// resolves nobody.
		task := f.pendingTask(t, exp.ID)
		got, err := f.service.RecordDecision(context.Background(), DecisionInput{
			TaskID: task.ID, ActorID: 2, Decision: DecisionApprove,
		})
		require.NoError(t, err)
		assert.Equal(t, StatusApproved, got.Status)
		assert.Equal(t, 1, f.metrics.fallbacks)
		assert.Equal(t, true, f.audit.lastMeta()["configuration_gap"])
	})

	t.Run("second decision on the same task conflicts", func(t *testing.T) {
		f := newFixture(t, company.RuleConfig{Mode: company.RulePercentage, PercentageThreshold: 60})
		f.seedHierarchy()
		exp := f.submit(t)
		task := f.pendingTask(t, exp.ID)

		_, err := f.service.RecordDecision(context.Background(), DecisionInput{
			TaskID: task.ID, ActorID: 2, Decision: DecisionApprove,
		})
		require.NoError(t, err)

		_, err = f.service.RecordDecision(context.Background(), DecisionInput{
			TaskID: task.ID, ActorID: 2, Decision: DecisionApprove,
		})
		assert.ErrorIs(t, err, ErrConflict)
	})

	t.Run("concurrent decisions admit one winner", func(t *testing.T) {
		f := newFixture(t, company.RuleConfig{Mode: company.RulePercentage, PercentageThreshold: 100})
		f.seedHierarchy()
		exp := f.submit(t)
		task := f.pendingTask(t, exp.ID)

		errs := make([]error, 2)
		var wg sync.WaitGroup
		for i := range errs {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, errs[i] = f.service.RecordDecision(context.Background(), DecisionInput{
					TaskID: task.ID, ActorID: 2, Decision: DecisionApprove,
				})
			}(i)
		}
		wg.Wait()

		var wins, conflicts int
		for _, err := range errs {
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrConflict):
				conflicts++
			default:
				t.Fatalf("unexpected error: %v", err)
			}
		}
		assert.Equal(t, 1, wins)
		assert.Equal(t, 1, conflicts)

		got, err := f.repo.GetExpense(context.Background(), exp.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusApproved, got.Status)
	})

	t.Run("unknown task", func(t *testing.T) {
		f := newFixture(t, company.RuleConfig{Mode: company.RulePercentage})
		_, err := f.service.RecordDecision(context.Background(), DecisionInput{
			TaskID: 404, ActorID: 2, Decision: DecisionApprove,
		})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("unknown decision verb", func(t *testing.T) {
		f := newFixture(t, company.RuleConfig{Mode: company.RulePercentage})
		_, err := f.service.RecordDecision(context.Background(), DecisionInput{
			TaskID: 1, ActorID: 2, Decision: Decision("defer"),
		})
		assert.ErrorIs(t, err, ErrValidation)
	})
}

// ============================================================================
// QUERIES
// ============================================================================

func TestServiceQueries(t *testing.T) {
	f := newFixture(t, company.RuleConfig{Mode: company.RulePercentage, PercentageThreshold: 100})
	f.seedHierarchy()
	exp := f.submit(t)

	t.Run("pending tasks for approver", func(t *testing.T) {
		tasks, err := f.service.ListPendingTasksFor(context.Background(), 2)
		require.NoError(t, err)
		require.Len(t, tasks, 1)
		assert.Equal(t, exp.ID, tasks[0].ExpenseID)
	})

	t.Run("stats aggregate by status", func(t *testing.T) {
		stats, err := f.service.GetApprovalStats(context.Background(), 2)
		require.NoError(t, err)
		assert.Equal(t, Stats{Pending: 1}, stats)
	})

	t.Run("list filters by employee", func(t *testing.T) {
		items, total, err := f.service.ListExpenses(context.Background(), ListFilters{EmployeeID: 4}, 20, 0)
		require.NoError(t, err)
		assert.Equal(t, 1, total)
		require.Len(t, items, 1)

		_, total, err = f.service.ListExpenses(context.Background(), ListFilters{EmployeeID: 5}, 20, 0)
		require.NoError(t, err)
		assert.Zero(t, total)
	})
}
