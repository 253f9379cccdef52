package models

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrInvalidDefinition is returned when an SLO or invariant definition is malformed.
var ErrInvalidDefinition = errors.New("invalid definition")

// DefaultWindowDays is the SLO compliance window used when none is set.
const DefaultWindowDays = 30

// BurnRateThreshold is one multi-window burn-rate alert level.
type BurnRateThreshold struct {
	BurnRate      float64  `json:"burn_rate" yaml:"burn_rate" validate:"gt=0"`
	WindowMinutes int      `json:"window_minutes" yaml:"window_minutes" validate:"gte=1"`
	Priority      Priority `json:"priority" yaml:"priority" validate:"omitempty,oneof=low medium high critical"`
}

// DefaultBurnRateThresholds returns the fast/slow burn levels used when an
// SLO does not configure its own.
func DefaultBurnRateThresholds() map[string]BurnRateThreshold {
	return map[string]BurnRateThreshold{
		"fast": {BurnRate: 14.4, WindowMinutes: 60, Priority: PriorityCritical},
		"slow": {BurnRate: 6.0, WindowMinutes: 360, Priority: PriorityHigh},
	}
}

// SLO is a service level objective evaluated by burn rate.
type SLO struct {
	ID                 int64                        `json:"id"`
	Name               string                       `json:"name" yaml:"name" validate:"required,max=255"`
	Description        string                       `json:"description,omitempty" yaml:"description"`
	Target             float64                      `json:"target" yaml:"target" validate:"gt=0,lte=1"`
	WindowDays         int                          `json:"window_days" yaml:"window_days" validate:"gte=1"`
	MetricQuery        string                       `json:"metric_query" yaml:"metric_query" validate:"required"`
	BurnRateThresholds map[string]BurnRateThreshold `json:"burn_rate_thresholds,omitempty" yaml:"burn_rate_thresholds" validate:"dive"`
	Enabled            bool                         `json:"enabled" yaml:"enabled"`
	CreatedAt          time.Time                    `json:"created_at"`
	UpdatedAt          time.Time                    `json:"updated_at"`
}

// NewSLO creates an enabled SLO with the default window.
func NewSLO(name, query string, target float64) *SLO {
	now := time.Now().UTC()
	return &SLO{
		Name:        name,
		Target:      target,
		WindowDays:  DefaultWindowDays,
		MetricQuery: query,
		Enabled:     true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// ErrorBudget is the fraction of requests allowed to fail.
func (s *SLO) ErrorBudget() float64 {
	return 1 - s.Target
}

// Thresholds returns the configured burn-rate levels, or the defaults when
// none are configured.
func (s *SLO) Thresholds() map[string]BurnRateThreshold {
	if len(s.BurnRateThresholds) == 0 {
		return DefaultBurnRateThresholds()
	}
	return s.BurnRateThresholds
}

// SeverityNames returns threshold names in a stable order.
func (s *SLO) SeverityNames() []string {
	th := s.Thresholds()
	names := make([]string, 0, len(th))
	for name := range th {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PriorityFor maps a triggered severity to a ticket priority. Unknown
// severities and unmapped levels fall back to medium.
func (s *SLO) PriorityFor(severity string) Priority {
	if th, ok := s.Thresholds()[severity]; ok && th.Priority.IsValid() {
		return th.Priority
	}
	return PriorityMedium
}

// Normalize fills defaults before validation.
func (s *SLO) Normalize() {
	if s.WindowDays == 0 {
		s.WindowDays = DefaultWindowDays
	}
}

// Validate checks the SLO against its invariants.
func (s *SLO) Validate() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("%w: slo %q: %s", ErrInvalidDefinition, s.Name, describeValidation(err))
	}
	return nil
}

// SLOEvaluation is the transient result of one SLO check.
type SLOEvaluation struct {
	SLOID                int64              `json:"slo_id"`
	Name                 string             `json:"name"`
	Target               float64            `json:"target"`
	CurrentValue         *float64           `json:"current_value,omitempty"`
	ErrorBudgetRemaining *float64           `json:"error_budget_remaining,omitempty"`
	BurnRate             *float64           `json:"burn_rate,omitempty"`
	WindowBurnRates      map[string]float64 `json:"window_burn_rates,omitempty"`
	IsViolating          bool               `json:"is_violating"`
	ViolationSeverity    string             `json:"violation_severity,omitempty"`
	ViolationPriority    Priority           `json:"violation_priority,omitempty"`
	Error                string             `json:"error,omitempty"`
	EvaluatedAt          time.Time          `json:"evaluated_at"`
}
