package company

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/expenseflow/expenseflow/internal/platform/httpx"
	"github.com/expenseflow/expenseflow/internal/shared"
)

// DirectoryPort answers role questions for configuration endpoints.
type DirectoryPort interface {
	IsAdmin(ctx context.Context, userID int64) (bool, error)
}

// Handler manages company endpoints.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	directory DirectoryPort
	validator *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, directory DirectoryPort) *Handler {
	return &Handler{logger: logger, service: service, directory: directory, validator: validator.New()}
}

// MountRoutes registers company routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.list)
	r.Post("/", h.create)
	r.Get("/{id}/approval-config", h.getRules)
	r.Put("/{id}/approval-config", h.updateRules)
}

type ruleConfigPayload struct {
	Mode                string  `json:"approval_rules" validate:"required,oneof=percentage specific hybrid"`
	PercentageThreshold float64 `json:"percentage_threshold" validate:"gte=0,lte=100"`
	SpecificApprovers   []int64 `json:"specific_approvers"`
}

type createPayload struct {
	Name     string            `json:"name" validate:"required"`
	Currency string            `json:"currency" validate:"required,len=3"`
	Rules    ruleConfigPayload `json:"rules"`
}

type companyResponse struct {
	ID                  int64   `json:"id"`
	Name                string  `json:"name"`
	Currency            string  `json:"currency"`
	Mode                string  `json:"approval_rules"`
	PercentageThreshold float64 `json:"percentage_threshold"`
	SpecificApprovers   []int64 `json:"specific_approvers"`
}

func toResponse(c Company) companyResponse {
	return companyResponse{
		ID:                  c.ID,
		Name:                c.Name,
		Currency:            c.Currency,
		Mode:                string(c.Rules.Mode),
		PercentageThreshold: c.Rules.PercentageThreshold,
		SpecificApprovers:   c.Rules.SpecificApprovers,
	}
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	companies, err := h.service.List(r.Context())
	if err != nil {
		h.respondError(w, "list companies", err)
		return
	}
	out := make([]companyResponse, 0, len(companies))
	for _, c := range companies {
		out = append(out, toResponse(c))
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var payload createPayload
	if err := httpx.DecodeJSON(r, &payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Payload", err.Error())
		return
	}
	if payload.Rules.Mode == "" {
		payload.Rules.Mode = string(RulePercentage)
	}
	if err := h.validator.Struct(payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	created, err := h.service.Create(r.Context(), CreateInput{
		Name:     payload.Name,
		Currency: payload.Currency,
		Rules: RuleConfig{
			Mode:                RuleMode(payload.Rules.Mode),
			PercentageThreshold: payload.Rules.PercentageThreshold,
			SpecificApprovers:   payload.Rules.SpecificApprovers,
		},
	})
	if err != nil {
		h.respondError(w, "create company", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toResponse(created))
}

func (h *Handler) getRules(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	c, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.respondError(w, "get company", err)
		return
	}
	httpx.JSON(w, http.StatusOK, toResponse(c))
}

func (h *Handler) updateRules(w http.ResponseWriter, r *http.Request) {
	actorID := shared.ActorFromContext(r.Context())
	admin, err := h.directory.IsAdmin(r.Context(), actorID)
	if err != nil {
		h.respondError(w, "check admin", err)
		return
	}
	if !admin {
		httpx.Problem(w, http.StatusForbidden, "Forbidden", "approval configuration requires an admin")
		return
	}

	id, _ := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	var payload ruleConfigPayload
	if err := httpx.DecodeJSON(r, &payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Payload", err.Error())
		return
	}
	if err := h.validator.Struct(payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	err = h.service.UpdateRules(r.Context(), actorID, id, RuleConfig{
		Mode:                RuleMode(payload.Mode),
		PercentageThreshold: payload.PercentageThreshold,
		SpecificApprovers:   payload.SpecificApprovers,
	})
	if err != nil {
		h.respondError(w, "update rules", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) respondError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrValidation):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	default:
		h.logger.Error(op, slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
