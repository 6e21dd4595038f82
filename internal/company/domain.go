package company

import (
	"errors"
	"time"
)

// RuleMode selects the policy deciding when an expense counts as approved.
type RuleMode string

const (
	// RulePercentage approves once the approved-task share reaches the threshold.
	RulePercentage RuleMode = "percentage"
	// RuleSpecific approves when any designated approver signs off.
	RuleSpecific RuleMode = "specific"
	// RuleHybrid combines the designated-approver short circuit with the
	// percentage threshold.
	RuleHybrid RuleMode = "hybrid"
)

// Valid reports whether the mode is one of the known variants.
func (m RuleMode) Valid() bool {
	switch m {
	case RulePercentage, RuleSpecific, RuleHybrid:
		return true
	}
	return false
}

// RuleConfig holds the approval policy a company configured. The engine
// reads it and never mutates it.
type RuleConfig struct {
	Mode                RuleMode
	PercentageThreshold float64
	// SpecificApprovers lists user ids; index i designates the approver for
	// level i+1.
	SpecificApprovers []int64
}

// Validate checks config bounds.
func (c RuleConfig) Validate() error {
	if !c.Mode.Valid() {
		return ErrValidation
	}
	if c.PercentageThreshold < 0 || c.PercentageThreshold > 100 {
		return ErrValidation
	}
	return nil
}

// Company domain model.
type Company struct {
	ID        int64
	Name      string
	Currency  string
	Rules     RuleConfig
	CreatedAt time.Time
	UpdatedAt time.Time
}

var (
	// ErrNotFound indicates record missing.
	ErrNotFound = errors.New("company: not found")
	// ErrValidation indicates invalid input.
	ErrValidation = errors.New("company: invalid input")
)
