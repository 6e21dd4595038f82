package expense

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/expenseflow/expenseflow/internal/platform/db"
)

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes the operations that must share one transaction. The
// controller applies a decision's task write, expense write, history append
// and next-task insert as a single unit.
type TxRepository interface {
	CreateExpense(ctx context.Context, e Expense) (int64, error)
	UpdateWorkflow(ctx context.Context, expenseID int64, status Status, currentApproverID int64, level int) error
	CreateTask(ctx context.Context, task ApprovalTask) (int64, error)
	// MarkTaskDecided transitions the task out of pending with a conditional
	// update. Returns ErrConflict when the task already left pending, which
	// is what serializes two concurrent decisions into one winner.
	MarkTaskDecided(ctx context.Context, taskID int64, status TaskStatus, comment, reason string, decidedAt time.Time) error
	ListTasksForExpense(ctx context.Context, expenseID int64) ([]ApprovalTask, error)
	InsertEvent(ctx context.Context, event Event) error
}

type txRepo struct {
	tx pgx.Tx
}

// WithTx wraps callback in a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return mapTxError(db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	}))
}

// mapTxError normalizes transaction aborts. Under repeatable read the loser
// of two concurrent updates on the same row fails with a serialization error
// (40001) instead of matching zero rows, so it reports the same conflict the
// conditional update does.
func mapTxError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "40001" {
		return ErrConflict
	}
	return err
}

func (t *txRepo) CreateExpense(ctx context.Context, e Expense) (int64, error) {
	var approver any
	if e.CurrentApproverID != 0 {
		approver = e.CurrentApproverID
	}
	var id int64
	err := t.tx.QueryRow(ctx, `INSERT INTO expenses
(employee_id, company_id, amount, currency, converted_amount, company_currency, exchange_rate,
 category, description, expense_date, tags, status, current_approver_id, approval_level, total_approval_levels,
 created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,NOW(),NOW()) RETURNING id`,
		e.EmployeeID, e.CompanyID, e.Amount, e.Currency, e.ConvertedAmount, e.CompanyCurrency, e.ExchangeRate,
		e.Category, e.Description, e.ExpenseDate, e.Tags, string(e.Status), approver, e.ApprovalLevel, e.TotalApprovalLevels).Scan(&id)
	return id, err
}

func (t *txRepo) UpdateWorkflow(ctx context.Context, expenseID int64, status Status, currentApproverID int64, level int) error {
	var approver any
	if currentApproverID != 0 {
		approver = currentApproverID
	}
	tag, err := t.tx.Exec(ctx, `UPDATE expenses SET status=$2, current_approver_id=$3, approval_level=$4, updated_at=NOW() WHERE id=$1`,
		expenseID, string(status), approver, level)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *txRepo) CreateTask(ctx context.Context, task ApprovalTask) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `INSERT INTO approval_tasks
(expense_id, approver_id, level, status, due_at, reminder_sent, created_at)
VALUES ($1,$2,$3,$4,$5,false,NOW()) RETURNING id`,
		task.ExpenseID, task.ApproverID, task.Level, string(task.Status), task.DueAt).Scan(&id)
	if err != nil {
		// Unique (expense_id, level) plus the single-pending partial index
		// turn racing inserts into a conflict instead of a duplicate chain.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return 0, ErrConflict
		}
		return 0, err
	}
	return id, nil
}

func (t *txRepo) MarkTaskDecided(ctx context.Context, taskID int64, status TaskStatus, comment, reason string, decidedAt time.Time) error {
	tag, err := t.tx.Exec(ctx, `UPDATE approval_tasks
SET status=$2, comment=$3, rejection_reason=$4, decided_at=$5
WHERE id=$1 AND status='pending'`,
		taskID, string(status), comment, reason, decidedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func (t *txRepo) ListTasksForExpense(ctx context.Context, expenseID int64) ([]ApprovalTask, error) {
	rows, err := t.tx.Query(ctx, taskSelect+` WHERE expense_id=$1 ORDER BY level`, expenseID)
	if err != nil {
		return nil, err
	}
	return scanTasks(rows)
}

func (t *txRepo) InsertEvent(ctx context.Context, event Event) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO expense_events (expense_id, kind, actor_id, level, note, at)
VALUES ($1,$2,$3,$4,$5,COALESCE($6, NOW()))`,
		event.ExpenseID, string(event.Kind), event.ActorID, event.Level, event.Note, event.At)
	return err
}

// Fetch helpers

const expenseSelect = `SELECT id, employee_id, company_id, amount, currency, converted_amount, company_currency, exchange_rate,
category, COALESCE(description,''), expense_date, COALESCE(tags,'{}'), status, COALESCE(current_approver_id,0), approval_level, total_approval_levels,
created_at, updated_at FROM expenses`

func scanExpense(row pgx.Row) (Expense, error) {
	var e Expense
	var status string
	err := row.Scan(&e.ID, &e.EmployeeID, &e.CompanyID, &e.Amount, &e.Currency, &e.ConvertedAmount, &e.CompanyCurrency, &e.ExchangeRate,
		&e.Category, &e.Description, &e.ExpenseDate, &e.Tags, &status, &e.CurrentApproverID, &e.ApprovalLevel, &e.TotalApprovalLevels,
		&e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Expense{}, ErrNotFound
		}
		return Expense{}, err
	}
	e.Status = Status(status)
	return e, nil
}

// GetExpense returns the expense with its history attached.
func (r *Repository) GetExpense(ctx context.Context, id int64) (Expense, error) {
	e, err := scanExpense(r.pool.QueryRow(ctx, expenseSelect+` WHERE id=$1`, id))
	if err != nil {
		return Expense{}, err
	}
	rows, err := r.pool.Query(ctx, `SELECT kind, actor_id, level, COALESCE(note,''), at FROM expense_events WHERE expense_id=$1 ORDER BY at, id`, id)
	if err != nil {
		return Expense{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var kind string
		var ev ApprovalEvent
		if err := rows.Scan(&kind, &ev.ActorID, &ev.Level, &ev.Note, &ev.At); err != nil {
			return Expense{}, err
		}
		switch EventKind(kind) {
		case EventApprove:
			e.ApprovedBy = append(e.ApprovedBy, ev)
		case EventReject:
			e.RejectedBy = append(e.RejectedBy, ev)
		}
	}
	if err := rows.Err(); err != nil {
		return Expense{}, err
	}
	return e, nil
}

// ListFilters narrows expense listings.
type ListFilters struct {
	CompanyID  int64
	EmployeeID int64
	Status     string
}

// ListExpenses returns a page of expenses plus the unpaged total.
func (r *Repository) ListExpenses(ctx context.Context, filters ListFilters, limit, offset int) ([]Expense, int, error) {
	where := ` WHERE ($1::bigint = 0 OR company_id=$1) AND ($2::bigint = 0 OR employee_id=$2) AND ($3::text = '' OR status=$3)`
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM expenses`+where, filters.CompanyID, filters.EmployeeID, filters.Status).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.pool.Query(ctx, expenseSelect+where+` ORDER BY id DESC LIMIT $4 OFFSET $5`,
		filters.CompanyID, filters.EmployeeID, filters.Status, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []Expense
	for rows.Next() {
		var e Expense
		var status string
		if err := rows.Scan(&e.ID, &e.EmployeeID, &e.CompanyID, &e.Amount, &e.Currency, &e.ConvertedAmount, &e.CompanyCurrency, &e.ExchangeRate,
			&e.Category, &e.Description, &e.ExpenseDate, &e.Tags, &status, &e.CurrentApproverID, &e.ApprovalLevel, &e.TotalApprovalLevels,
			&e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, 0, err
		}
		e.Status = Status(status)
		items = append(items, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

const taskSelect = `SELECT id, expense_id, approver_id, level, status, COALESCE(comment,''), COALESCE(rejection_reason,''), decided_at, due_at, reminder_sent, created_at
FROM approval_tasks`

func scanTasks(rows pgx.Rows) ([]ApprovalTask, error) {
	defer rows.Close()
	var tasks []ApprovalTask
	for rows.Next() {
		var t ApprovalTask
		var status string
		if err := rows.Scan(&t.ID, &t.ExpenseID, &t.ApproverID, &t.Level, &status, &t.Comment, &t.RejectionReason, &t.DecidedAt, &t.DueAt, &t.ReminderSent, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Status = TaskStatus(status)
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tasks, nil
}

// GetTask returns one approval task.
func (r *Repository) GetTask(ctx context.Context, id int64) (ApprovalTask, error) {
	var t ApprovalTask
	var status string
	err := r.pool.QueryRow(ctx, taskSelect+` WHERE id=$1`, id).
		Scan(&t.ID, &t.ExpenseID, &t.ApproverID, &t.Level, &status, &t.Comment, &t.RejectionReason, &t.DecidedAt, &t.DueAt, &t.ReminderSent, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ApprovalTask{}, ErrNotFound
		}
		return ApprovalTask{}, err
	}
	t.Status = TaskStatus(status)
	return t, nil
}

// ListTasksForExpense returns all tasks ever created for the expense.
func (r *Repository) ListTasksForExpense(ctx context.Context, expenseID int64) ([]ApprovalTask, error) {
	rows, err := r.pool.Query(ctx, taskSelect+` WHERE expense_id=$1 ORDER BY level`, expenseID)
	if err != nil {
		return nil, err
	}
	return scanTasks(rows)
}

// ListPendingTasksFor returns the approver's open tasks, oldest first.
func (r *Repository) ListPendingTasksFor(ctx context.Context, approverID int64) ([]ApprovalTask, error) {
	rows, err := r.pool.Query(ctx, taskSelect+` WHERE approver_id=$1 AND status='pending' ORDER BY created_at`, approverID)
	if err != nil {
		return nil, err
	}
	return scanTasks(rows)
}

// CountStats aggregates the approver's tasks by status.
func (r *Repository) CountStats(ctx context.Context, approverID int64) (Stats, error) {
	rows, err := r.pool.Query(ctx, `SELECT status, COUNT(*) FROM approval_tasks WHERE approver_id=$1 GROUP BY status`, approverID)
	if err != nil {
		return Stats{}, err
	}
	defer rows.Close()
	var stats Stats
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return Stats{}, err
		}
		switch TaskStatus(status) {
		case TaskPending:
			stats.Pending = count
		case TaskApproved:
			stats.Approved = count
		case TaskRejected:
			stats.Rejected = count
		}
	}
	if err := rows.Err(); err != nil {
		return Stats{}, err
	}
	return stats, nil
}
