package expense

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/expenseflow/expenseflow/internal/company"
	"github.com/expenseflow/expenseflow/internal/currency"
	"github.com/expenseflow/expenseflow/internal/directory"
	"github.com/expenseflow/expenseflow/internal/platform/httpx"
	"github.com/expenseflow/expenseflow/internal/shared"
)

// Handler manages expense endpoints.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers expense routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/", h.submit)
	r.Get("/", h.list)
	r.Get("/tasks/pending", h.pendingTasks)
	r.Get("/tasks/stats", h.stats)
	r.Post("/tasks/{id}/approve", h.approve)
	r.Post("/tasks/{id}/reject", h.reject)
	r.Get("/{id}", h.get)
	r.Get("/{id}/tasks", h.tasksForExpense)
}

type submitPayload struct {
	EmployeeID  int64    `json:"employee_id" validate:"required"`
	CompanyID   int64    `json:"company_id"`
	Amount      float64  `json:"amount" validate:"required,gt=0"`
	Currency    string   `json:"currency" validate:"required,len=3"`
	Category    string   `json:"category" validate:"required"`
	Description string   `json:"description"`
	ExpenseDate string   `json:"expense_date"`
	Tags        []string `json:"tags"`
}

type decisionPayload struct {
	Comment         string `json:"comment"`
	RejectionReason string `json:"rejection_reason"`
}

type eventResponse struct {
	ActorID int64     `json:"actor_id"`
	Level   int       `json:"level"`
	Note    string    `json:"note,omitempty"`
	At      time.Time `json:"at"`
}

type expenseResponse struct {
	ID                  int64           `json:"id"`
	EmployeeID          int64           `json:"employee_id"`
	CompanyID           int64           `json:"company_id"`
	Amount              float64         `json:"amount"`
	Currency            string          `json:"currency"`
	ConvertedAmount     float64         `json:"converted_amount"`
	CompanyCurrency     string          `json:"company_currency"`
	ExchangeRate        float64         `json:"exchange_rate"`
	Category            string          `json:"category"`
	Description         string          `json:"description,omitempty"`
	ExpenseDate         time.Time       `json:"expense_date"`
	Tags                []string        `json:"tags,omitempty"`
	Status              string          `json:"status"`
	CurrentApproverID   int64           `json:"current_approver_id,omitempty"`
	ApprovalLevel       int             `json:"approval_level"`
	TotalApprovalLevels int             `json:"total_approval_levels"`
	ApprovedBy          []eventResponse `json:"approved_by,omitempty"`
	RejectedBy          []eventResponse `json:"rejected_by,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
}

func toEvents(events []ApprovalEvent) []eventResponse {
	out := make([]eventResponse, 0, len(events))
	for _, ev := range events {
		out = append(out, eventResponse{ActorID: ev.ActorID, Level: ev.Level, Note: ev.Note, At: ev.At})
	}
	return out
}

func toExpenseResponse(e Expense) expenseResponse {
	return expenseResponse{
		ID:                  e.ID,
		EmployeeID:          e.EmployeeID,
		CompanyID:           e.CompanyID,
		Amount:              e.Amount,
		Currency:            e.Currency,
		ConvertedAmount:     e.ConvertedAmount,
		CompanyCurrency:     e.CompanyCurrency,
		ExchangeRate:        e.ExchangeRate,
		Category:            e.Category,
		Description:         e.Description,
		ExpenseDate:         e.ExpenseDate,
		Tags:                e.Tags,
		Status:              string(e.Status),
		CurrentApproverID:   e.CurrentApproverID,
		ApprovalLevel:       e.ApprovalLevel,
		TotalApprovalLevels: e.TotalApprovalLevels,
		ApprovedBy:          toEvents(e.ApprovedBy),
		RejectedBy:          toEvents(e.RejectedBy),
		CreatedAt:           e.CreatedAt,
	}
}

type taskResponse struct {
	ID              int64      `json:"id"`
	ExpenseID       int64      `json:"expense_id"`
	ApproverID      int64      `json:"approver_id"`
	Level           int        `json:"level"`
	Status          string     `json:"status"`
	Comment         string     `json:"comment,omitempty"`
	RejectionReason string     `json:"rejection_reason,omitempty"`
	DecidedAt       *time.Time `json:"decided_at,omitempty"`
	DueAt           time.Time  `json:"due_at"`
	CreatedAt       time.Time  `json:"created_at"`
}

func toTaskResponse(t ApprovalTask) taskResponse {
	return taskResponse{
		ID:              t.ID,
		ExpenseID:       t.ExpenseID,
		ApproverID:      t.ApproverID,
		Level:           t.Level,
		Status:          string(t.Status),
		Comment:         t.Comment,
		RejectionReason: t.RejectionReason,
		DecidedAt:       t.DecidedAt,
		DueAt:           t.DueAt,
		CreatedAt:       t.CreatedAt,
	}
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request) {
	var payload submitPayload
	if err := httpx.DecodeJSON(r, &payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Payload", err.Error())
		return
	}
	if err := h.validator.Struct(payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	var expenseDate time.Time
	if payload.ExpenseDate != "" {
		parsed, err := time.Parse("2006-01-02", payload.ExpenseDate)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "expense_date must be YYYY-MM-DD")
			return
		}
		expenseDate = parsed
	}
	created, err := h.service.SubmitExpense(r.Context(), SubmitInput{
		EmployeeID:     payload.EmployeeID,
		CompanyID:      payload.CompanyID,
		Amount:         payload.Amount,
		Currency:       payload.Currency,
		Category:       payload.Category,
		Description:    payload.Description,
		ExpenseDate:    expenseDate,
		Tags:           payload.Tags,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		h.respondError(w, "submit expense", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toExpenseResponse(created))
}

func (h *Handler) decide(w http.ResponseWriter, r *http.Request, decision Decision) {
	actorID := shared.ActorFromContext(r.Context())
	if actorID == 0 {
		httpx.Problem(w, http.StatusForbidden, "Forbidden", "acting user not identified")
		return
	}
	taskID, _ := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	// An empty body is a bare decision with no comment.
	var payload decisionPayload
	if err := httpx.DecodeJSON(r, &payload); err != nil && !errors.Is(err, io.EOF) {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Payload", err.Error())
		return
	}
	updated, err := h.service.RecordDecision(r.Context(), DecisionInput{
		TaskID:          taskID,
		ActorID:         actorID,
		Decision:        decision,
		Comment:         payload.Comment,
		RejectionReason: payload.RejectionReason,
	})
	if err != nil {
		h.respondError(w, "record decision", err)
		return
	}
	httpx.JSON(w, http.StatusOK, toExpenseResponse(updated))
}

func (h *Handler) approve(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, DecisionApprove)
}

func (h *Handler) reject(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, DecisionReject)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	exp, err := h.service.GetExpense(r.Context(), id)
	if err != nil {
		h.respondError(w, "get expense", err)
		return
	}
	httpx.JSON(w, http.StatusOK, toExpenseResponse(exp))
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	limit = shared.ClampPageSize(limit)
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	companyID, _ := strconv.ParseInt(r.URL.Query().Get("company_id"), 10, 64)
	employeeID, _ := strconv.ParseInt(r.URL.Query().Get("employee_id"), 10, 64)
	filters := ListFilters{
		CompanyID:  companyID,
		EmployeeID: employeeID,
		Status:     r.URL.Query().Get("status"),
	}
	items, total, err := h.service.ListExpenses(r.Context(), filters, limit, offset)
	if err != nil {
		h.respondError(w, "list expenses", err)
		return
	}
	out := make([]expenseResponse, 0, len(items))
	for _, e := range items {
		out = append(out, toExpenseResponse(e))
	}
	page := shared.PaginationFromOffset(limit, offset, total)
	httpx.JSON(w, http.StatusOK, map[string]any{
		"items":       out,
		"total":       page.Total,
		"page":        page.Page,
		"per_page":    page.PerPage,
		"total_pages": page.TotalPages,
	})
}

func (h *Handler) tasksForExpense(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	tasks, err := h.service.ListTasksForExpense(r.Context(), id)
	if err != nil {
		h.respondError(w, "list tasks", err)
		return
	}
	out := make([]taskResponse, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, toTaskResponse(t))
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) pendingTasks(w http.ResponseWriter, r *http.Request) {
	actorID := shared.ActorFromContext(r.Context())
	if actorID == 0 {
		httpx.Problem(w, http.StatusForbidden, "Forbidden", "acting user not identified")
		return
	}
	tasks, err := h.service.ListPendingTasksFor(r.Context(), actorID)
	if err != nil {
		h.respondError(w, "pending tasks", err)
		return
	}
	out := make([]taskResponse, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, toTaskResponse(t))
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	actorID := shared.ActorFromContext(r.Context())
	if actorID == 0 {
		httpx.Problem(w, http.StatusForbidden, "Forbidden", "acting user not identified")
		return
	}
	stats, err := h.service.GetApprovalStats(r.Context(), actorID)
	if err != nil {
		h.respondError(w, "approval stats", err)
		return
	}
	httpx.JSON(w, http.StatusOK, stats)
}

func (h *Handler) respondError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, ErrValidation), errors.Is(err, currency.ErrUnknownCurrency):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, ErrNotFound), errors.Is(err, company.ErrNotFound), errors.Is(err, directory.ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrNotApprover):
		httpx.Problem(w, http.StatusForbidden, "Forbidden", err.Error())
	case errors.Is(err, ErrConflict), errors.Is(err, shared.ErrIdempotencyConflict):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, ErrInvalidState):
		httpx.Problem(w, http.StatusConflict, "Invalid State", err.Error())
	case errors.Is(err, currency.ErrRateUnavailable):
		httpx.Problem(w, http.StatusServiceUnavailable, "Rate Provider Unavailable", err.Error())
	default:
		h.logger.Error(op, slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
