package company

import (
	"context"
	"fmt"

	"github.com/expenseflow/expenseflow/internal/shared"
)

// RepositoryPort defines data access methods used by Service.
type RepositoryPort interface {
	Get(ctx context.Context, id int64) (Company, error)
	Create(ctx context.Context, c Company) (int64, error)
	UpdateRules(ctx context.Context, id int64, rules RuleConfig) error
	List(ctx context.Context) ([]Company, error)
}

// AuditPort records configuration changes.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service handles company business logic.
type Service struct {
	repo  RepositoryPort
	audit AuditPort
}

// NewService builds Service instance.
func NewService(repo RepositoryPort, audit AuditPort) *Service {
	return &Service{repo: repo, audit: audit}
}

// Get returns a company by id.
func (s *Service) Get(ctx context.Context, id int64) (Company, error) {
	return s.repo.Get(ctx, id)
}

// List returns all companies.
func (s *Service) List(ctx context.Context) ([]Company, error) {
	return s.repo.List(ctx)
}

// CreateInput describes company creation payload.
type CreateInput struct {
	Name     string
	Currency string
	Rules    RuleConfig
}

// Create validates and persists a new company.
func (s *Service) Create(ctx context.Context, input CreateInput) (Company, error) {
	if input.Name == "" || input.Currency == "" {
		return Company{}, ErrValidation
	}
	if input.Rules.Mode == "" {
		input.Rules.Mode = RulePercentage
	}
	if err := input.Rules.Validate(); err != nil {
		return Company{}, err
	}
	c := Company{Name: input.Name, Currency: input.Currency, Rules: input.Rules}
	id, err := s.repo.Create(ctx, c)
	if err != nil {
		return Company{}, err
	}
	c.ID = id
	s.recordAudit(ctx, "COMPANY_CREATE", id, map[string]any{"name": c.Name})
	return c, nil
}

// UpdateRules replaces a company's approval configuration.
func (s *Service) UpdateRules(ctx context.Context, actorID, companyID int64, rules RuleConfig) error {
	if err := rules.Validate(); err != nil {
		return err
	}
	if _, err := s.repo.Get(ctx, companyID); err != nil {
		return err
	}
	if err := s.repo.UpdateRules(ctx, companyID, rules); err != nil {
		return err
	}
	s.recordAudit(ctx, "COMPANY_RULES_UPDATE", companyID, map[string]any{
		"actor":     actorID,
		"mode":      string(rules.Mode),
		"threshold": rules.PercentageThreshold,
		"approvers": len(rules.SpecificApprovers),
	})
	return nil
}

func (s *Service) recordAudit(ctx context.Context, action string, entityID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{Action: action, Entity: "company", EntityID: fmt.Sprintf("%d", entityID), Meta: meta})
}
