package directory

import (
	"errors"
	"time"
)

// Role classifies a user inside the approval hierarchy.
type Role string

const (
	RoleEmployee Role = "employee"
	RoleManager  Role = "manager"
	RoleAdmin    Role = "admin"
)

// Valid reports whether the role is known.
func (r Role) Valid() bool {
	switch r {
	case RoleEmployee, RoleManager, RoleAdmin:
		return true
	}
	return false
}

// User represents a user account.
type User struct {
	ID        int64
	CompanyID int64
	Email     string
	Name      string
	Role      Role
	// ManagerID points at the user's direct manager; zero means none.
	ManagerID int64
	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

var (
	// ErrNotFound indicates record missing.
	ErrNotFound = errors.New("directory: not found")
	// ErrValidation indicates invalid input.
	ErrValidation = errors.New("directory: invalid input")
	// ErrDuplicate indicates an email already in use.
	ErrDuplicate = errors.New("directory: email already registered")
)
