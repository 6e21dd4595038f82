package directory

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const userColumns = `id, company_id, email, name, role, COALESCE(manager_id, 0), is_active, created_at, updated_at`

func scanUser(row pgx.Row) (User, error) {
	var u User
	var role string
	err := row.Scan(&u.ID, &u.CompanyID, &u.Email, &u.Name, &role, &u.ManagerID, &u.IsActive, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, err
	}
	u.Role = Role(role)
	return u, nil
}

// FindByID returns the user with the given id.
func (r *Repository) FindByID(ctx context.Context, id int64) (User, error) {
	return scanUser(r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, id))
}

// FirstActiveByRole returns some active user holding the role within the
// company. Selection among several candidates is unspecified.
func (r *Repository) FirstActiveByRole(ctx context.Context, companyID int64, role Role) (User, error) {
	return scanUser(r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE company_id=$1 AND role=$2 AND is_active LIMIT 1`, companyID, string(role)))
}

// ListByCompany returns the company's users ordered by id.
func (r *Repository) ListByCompany(ctx context.Context, companyID int64) ([]User, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+userColumns+` FROM users WHERE company_id=$1 ORDER BY id`, companyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var users []User
	for rows.Next() {
		var u User
		var role string
		if err := rows.Scan(&u.ID, &u.CompanyID, &u.Email, &u.Name, &role, &u.ManagerID, &u.IsActive, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, err
		}
		u.Role = Role(role)
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

// Create inserts a user and returns its id.
func (r *Repository) Create(ctx context.Context, u User, passwordHash string) (int64, error) {
	var managerID any
	if u.ManagerID != 0 {
		managerID = u.ManagerID
	}
	var id int64
	err := r.pool.QueryRow(ctx, `INSERT INTO users (company_id, email, name, role, manager_id, password_hash, is_active, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW()) RETURNING id`,
		u.CompanyID, u.Email, u.Name, string(u.Role), managerID, passwordHash, u.IsActive).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return 0, ErrDuplicate
		}
		return 0, err
	}
	return id, nil
}

// SetManager updates a user's direct manager.
func (r *Repository) SetManager(ctx context.Context, userID, managerID int64) error {
	var value any
	if managerID != 0 {
		value = managerID
	}
	tag, err := r.pool.Exec(ctx, `UPDATE users SET manager_id=$2, updated_at=NOW() WHERE id=$1`, userID, value)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
