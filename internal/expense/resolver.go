package expense

import (
	"context"
	"errors"

	"github.com/expenseflow/expenseflow/internal/company"
	"github.com/expenseflow/expenseflow/internal/directory"
)

// DirectoryPort exposes the user lookups the engine needs.
type DirectoryPort interface {
	FindActiveByID(ctx context.Context, id int64) (directory.User, error)
	FirstActiveByRole(ctx context.Context, companyID int64, role directory.Role) (directory.User, error)
	ManagerOf(ctx context.Context, employee directory.User) (directory.User, error)
}

// Resolver determines which user must act at a given approval level.
type Resolver struct {
	directory DirectoryPort
}

// NewResolver constructs a Resolver.
func NewResolver(dir DirectoryPort) *Resolver {
	return &Resolver{directory: dir}
}

// ResolveNext returns the approver for the target level, or nil when the
// chain is exhausted. A nil user is not an error: the caller decides how to
// treat an unresolvable level.
func (r *Resolver) ResolveNext(ctx context.Context, cfg company.RuleConfig, companyID int64, level int) (*directory.User, error) {
	if cfg.Mode == company.RuleSpecific && level >= 1 && level <= len(cfg.SpecificApprovers) {
		user, err := r.directory.FindActiveByID(ctx, cfg.SpecificApprovers[level-1])
		if err != nil {
			if errors.Is(err, directory.ErrNotFound) {
				return nil, nil
			}
			return nil, err
		}
		return &user, nil
	}

	// Default two-tier hierarchy: managers take level 2, admins everything
	// above. Which admin wins among several is unspecified.
	role := directory.RoleAdmin
	if level == 2 {
		role = directory.RoleManager
	}
	user, err := r.directory.FirstActiveByRole(ctx, companyID, role)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &user, nil
}

// SubmitApprover resolves the level-1 approver at submission time: the
// employee's direct manager. Distinct from escalation resolution.
func (r *Resolver) SubmitApprover(ctx context.Context, employee directory.User) (*directory.User, error) {
	manager, err := r.directory.ManagerOf(ctx, employee)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &manager, nil
}
