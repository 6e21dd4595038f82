package company

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
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

// Get returns a company with its rule configuration.
func (r *Repository) Get(ctx context.Context, id int64) (Company, error) {
	var c Company
	var mode string
	err := r.pool.QueryRow(ctx, `SELECT id, name, currency, approval_rules, percentage_threshold, COALESCE(specific_approvers, '{}'), created_at, updated_at
FROM companies WHERE id=$1`, id).
		Scan(&c.ID, &c.Name, &c.Currency, &mode, &c.Rules.PercentageThreshold, &c.Rules.SpecificApprovers, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Company{}, ErrNotFound
		}
		return Company{}, err
	}
	c.Rules.Mode = RuleMode(mode)
	return c, nil
}

// Create inserts a company and returns its id.
func (r *Repository) Create(ctx context.Context, c Company) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx, `INSERT INTO companies (name, currency, approval_rules, percentage_threshold, specific_approvers, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, NOW(), NOW()) RETURNING id`,
		c.Name, c.Currency, string(c.Rules.Mode), c.Rules.PercentageThreshold, c.Rules.SpecificApprovers).Scan(&id)
	return id, err
}

// UpdateRules replaces the approval configuration.
func (r *Repository) UpdateRules(ctx context.Context, id int64, rules RuleConfig) error {
	tag, err := r.pool.Exec(ctx, `UPDATE companies SET approval_rules=$2, percentage_threshold=$3, specific_approvers=$4, updated_at=NOW() WHERE id=$1`,
		id, string(rules.Mode), rules.PercentageThreshold, rules.SpecificApprovers)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns all companies ordered by id.
func (r *Repository) List(ctx context.Context) ([]Company, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, name, currency, approval_rules, percentage_threshold, COALESCE(specific_approvers, '{}'), created_at, updated_at
FROM companies ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var companies []Company
	for rows.Next() {
		var c Company
		var mode string
		if err := rows.Scan(&c.ID, &c.Name, &c.Currency, &mode, &c.Rules.PercentageThreshold, &c.Rules.SpecificApprovers, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		c.Rules.Mode = RuleMode(mode)
		companies = append(companies, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return companies, nil
}
