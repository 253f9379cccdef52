package models

import (
	"fmt"
	"time"

	"github.com/good-yellow-bee/sentinel/internal/condition"
)

// Invariant is a boolean health rule over one metric value.
type Invariant struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name" yaml:"name" validate:"required,max=255"`
	Description string    `json:"description,omitempty" yaml:"description"`
	Query       string    `json:"query" yaml:"query" validate:"required"`
	Condition   string    `json:"condition" yaml:"condition" validate:"required"`
	Enabled     bool      `json:"enabled" yaml:"enabled"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// NewInvariant creates an enabled invariant.
func NewInvariant(name, query, cond string) *Invariant {
	now := time.Now().UTC()
	return &Invariant{
		Name:      name,
		Query:     query,
		Condition: cond,
		Enabled:   true,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Validate checks required fields and that the condition parses.
func (i *Invariant) Validate() error {
	if err := validate.Struct(i); err != nil {
		return fmt.Errorf("%w: invariant %q: %s", ErrInvalidDefinition, i.Name, describeValidation(err))
	}
	if _, err := condition.Parse(i.Condition); err != nil {
		return fmt.Errorf("%w: invariant %q: %w", ErrInvalidDefinition, i.Name, err)
	}
	return nil
}

// InvariantEvaluation is the transient result of one invariant check.
type InvariantEvaluation struct {
	InvariantID    int64     `json:"invariant_id"`
	Name           string    `json:"name"`
	Query          string    `json:"query"`
	Condition      string    `json:"condition"`
	CurrentValue   *float64  `json:"current_value,omitempty"`
	ThresholdValue *float64  `json:"threshold_value,omitempty"`
	IsPassing      bool      `json:"is_passing"`
	Error          string    `json:"error,omitempty"`
	EvaluatedAt    time.Time `json:"evaluated_at"`
}
