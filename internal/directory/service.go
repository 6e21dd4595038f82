package directory

import (
	"context"
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// RepositoryPort defines data access methods used by Service.
type RepositoryPort interface {
	FindByID(ctx context.Context, id int64) (User, error)
	FirstActiveByRole(ctx context.Context, companyID int64, role Role) (User, error)
	ListByCompany(ctx context.Context, companyID int64) ([]User, error)
	Create(ctx context.Context, u User, passwordHash string) (int64, error)
	SetManager(ctx context.Context, userID, managerID int64) error
}

// Service handles user directory business logic.
type Service struct {
	repo RepositoryPort
}

// NewService builds Service instance.
func NewService(repo RepositoryPort) *Service {
	return &Service{repo: repo}
}

// FindByID returns the user with the given id.
func (s *Service) FindByID(ctx context.Context, id int64) (User, error) {
	return s.repo.FindByID(ctx, id)
}

// FindActiveByID returns the user only when the account is active.
func (s *Service) FindActiveByID(ctx context.Context, id int64) (User, error) {
	u, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return User{}, err
	}
	if !u.IsActive {
		return User{}, ErrNotFound
	}
	return u, nil
}

// FirstActiveByRole returns some active user holding the role within the
// company, or ErrNotFound when none exists.
func (s *Service) FirstActiveByRole(ctx context.Context, companyID int64, role Role) (User, error) {
	return s.repo.FirstActiveByRole(ctx, companyID, role)
}

// ManagerOf returns the employee's direct manager when one is assigned and
// active; ErrNotFound otherwise.
func (s *Service) ManagerOf(ctx context.Context, employee User) (User, error) {
	if employee.ManagerID == 0 {
		return User{}, ErrNotFound
	}
	manager, err := s.repo.FindByID(ctx, employee.ManagerID)
	if err != nil {
		return User{}, err
	}
	if !manager.IsActive {
		return User{}, ErrNotFound
	}
	return manager, nil
}

// IsAdmin reports whether the user is an active admin.
func (s *Service) IsAdmin(ctx context.Context, userID int64) (bool, error) {
	if userID == 0 {
		return false, nil
	}
	u, err := s.repo.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return u.IsActive && u.Role == RoleAdmin, nil
}

// ListByCompany returns the company's users.
func (s *Service) ListByCompany(ctx context.Context, companyID int64) ([]User, error) {
	return s.repo.ListByCompany(ctx, companyID)
}

// CreateInput describes user creation payload.
type CreateInput struct {
	CompanyID int64
	Email     string
	Name      string
	Role      Role
	ManagerID int64
	Password  string
}

// Create validates and persists a new user. The password is stored as a
// bcrypt hash; session handling lives outside this service.
func (s *Service) Create(ctx context.Context, input CreateInput) (User, error) {
	input.Email = strings.ToLower(strings.TrimSpace(input.Email))
	if input.CompanyID == 0 || input.Email == "" || input.Name == "" {
		return User{}, ErrValidation
	}
	if input.Role == "" {
		input.Role = RoleEmployee
	}
	if !input.Role.Valid() {
		return User{}, ErrValidation
	}
	if len(input.Password) < 8 {
		return User{}, ErrValidation
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(input.Password), bcrypt.DefaultCost)
	if err != nil {
		return User{}, err
	}
	u := User{
		CompanyID: input.CompanyID,
		Email:     input.Email,
		Name:      input.Name,
		Role:      input.Role,
		ManagerID: input.ManagerID,
		IsActive:  true,
	}
	id, err := s.repo.Create(ctx, u, string(hash))
	if err != nil {
		return User{}, err
	}
	u.ID = id
	return u, nil
}

// AssignManager links an employee to a manager in the same company.
func (s *Service) AssignManager(ctx context.Context, userID, managerID int64) error {
	if userID == managerID {
		return ErrValidation
	}
	user, err := s.repo.FindByID(ctx, userID)
	if err != nil {
		return err
	}
	if managerID != 0 {
		manager, err := s.repo.FindByID(ctx, managerID)
		if err != nil {
			return err
		}
		if manager.CompanyID != user.CompanyID {
			return ErrValidation
		}
	}
	return s.repo.SetManager(ctx, userID, managerID)
}
