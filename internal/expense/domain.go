package expense

import (
	"errors"
	"time"
)

// Expense lifecycle statuses.
type Status string

const (
	StatusPending Status = "pending"
	// StatusPartiallyApproved is representable for multi-branch display but
	// never produced by the decision path.
	StatusPartiallyApproved Status = "partially_approved"
	StatusApproved          Status = "approved"
	StatusRejected          Status = "rejected"
)

// Terminal reports whether no further decision can change the expense.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusRejected
}

// Approval task statuses.
type TaskStatus string

const (
	TaskPending  TaskStatus = "pending"
	TaskApproved TaskStatus = "approved"
	TaskRejected TaskStatus = "rejected"
)

// Decision names the two actions an approver can take.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// ApprovalEvent captures one entry of the expense's append-only history.
type ApprovalEvent struct {
	ActorID int64
	Level   int
	Note    string
	At      time.Time
}

// Expense represents one submitted claim.
type Expense struct {
	ID         int64
	EmployeeID int64
	CompanyID  int64

	// Amount/Currency hold the original submission; ConvertedAmount is the
	// company-currency equivalent with ConvertedAmount = Amount * ExchangeRate.
	Amount          float64
	Currency        string
	ConvertedAmount float64
	CompanyCurrency string
	ExchangeRate    float64

	Category    string
	Description string
	ExpenseDate time.Time
	Tags        []string

	Status Status
	// CurrentApproverID is zero exactly when the expense is terminal or
	// stalled without a resolvable approver.
	CurrentApproverID   int64
	ApprovalLevel       int
	TotalApprovalLevels int

	ApprovedBy []ApprovalEvent
	RejectedBy []ApprovalEvent

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ApprovalTask is the unit of work at one level of the chain. At most one
// task per expense may be pending; a task leaves pending exactly once.
type ApprovalTask struct {
	ID         int64
	ExpenseID  int64
	ApproverID int64
	Level      int

	Status          TaskStatus
	Comment         string
	RejectionReason string
	DecidedAt       *time.Time

	DueAt        time.Time
	ReminderSent bool
	CreatedAt    time.Time
}

// Event kinds recorded in expense history.
type EventKind string

const (
	EventSubmit  EventKind = "submit"
	EventApprove EventKind = "approve"
	EventReject  EventKind = "reject"
)

// Event is one persisted history row for an expense.
type Event struct {
	ID        int64
	ExpenseID int64
	Kind      EventKind
	ActorID   int64
	Level     int
	Note      string
	At        time.Time
}

// Stats aggregates a user's approval tasks by status.
type Stats struct {
	Pending  int `json:"pending"`
	Approved int `json:"approved"`
	Rejected int `json:"rejected"`
}

var (
	// ErrNotFound indicates record missing.
	ErrNotFound = errors.New("expense: not found")
	// ErrNotApprover indicates the actor is not the task's designated approver.
	ErrNotApprover = errors.New("expense: acting user is not the designated approver")
	// ErrConflict indicates the task already left pending.
	ErrConflict = errors.New("expense: task already decided")
	// ErrValidation indicates invalid input.
	ErrValidation = errors.New("expense: invalid input")
	// ErrInvalidState occurs when action violates the status workflow.
	ErrInvalidState = errors.New("expense: invalid state transition")
	// ErrConfigurationGap indicates no next approver could be resolved. The
	// decision path converts it into a fallback approval; it surfaces only
	// through audit metadata and metrics.
	ErrConfigurationGap = errors.New("expense: no resolvable approver")
)
