// Package definitions loads SLO and invariant definitions from YAML and
// keeps the store in step with the file.
package definitions

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/good-yellow-bee/sentinel/internal/models"
)

// File is the on-disk layout.
//
//	slos:
//	  - name: checkout-availability
//	    target: 0.999
//	    metric_query: 'prom:sum(rate(http_requests_total{code!~"5.."}[5m])) / sum(rate(http_requests_total[5m]))'
//	invariants:
//	  - name: subject-health
//	    query: scrape:http_status:/health
//	    condition: "== 200"
type File struct {
	SLOs       []SLODefinition       `yaml:"slos"`
	Invariants []InvariantDefinition `yaml:"invariants"`
}

// SLODefinition is one SLO entry. Enabled defaults to true.
type SLODefinition struct {
	Name               string                              `yaml:"name"`
	Description        string                              `yaml:"description"`
	Target             float64                             `yaml:"target"`
	WindowDays         int                                 `yaml:"window_days"`
	MetricQuery        string                              `yaml:"metric_query"`
	BurnRateThresholds map[string]models.BurnRateThreshold `yaml:"burn_rate_thresholds"`
	Enabled            *bool                               `yaml:"enabled"`
}

// InvariantDefinition is one invariant entry. Enabled defaults to true.
type InvariantDefinition struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Query       string `yaml:"query"`
	Condition   string `yaml:"condition"`
	Enabled     *bool  `yaml:"enabled"`
}

// SLO converts the entry to a model.
func (d SLODefinition) SLO() *models.SLO {
	slo := models.NewSLO(d.Name, d.MetricQuery, d.Target)
	slo.Description = d.Description
	slo.WindowDays = d.WindowDays
	slo.BurnRateThresholds = d.BurnRateThresholds
	if d.Enabled != nil {
		slo.Enabled = *d.Enabled
	}
	slo.Normalize()
	return slo
}

// Invariant converts the entry to a model.
func (d InvariantDefinition) Invariant() *models.Invariant {
	inv := models.NewInvariant(d.Name, d.Query, d.Condition)
	inv.Description = d.Description
	if d.Enabled != nil {
		inv.Enabled = *d.Enabled
	}
	return inv
}

// LoadFile loads definitions from a YAML file.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read definitions file: %w", err)
	}
	return LoadBytes(data)
}

// LoadBytes loads definitions from YAML bytes.
func LoadBytes(data []byte) (*File, error) {
	return Load(bytes.NewReader(data))
}

// Load parses and validates definitions. An empty document is valid.
func Load(r io.Reader) (*File, error) {
	var f File
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(&f); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to parse definitions YAML: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate checks every entry and rejects duplicate names.
func (f *File) Validate() error {
	seen := make(map[string]bool, len(f.SLOs))
	for i, d := range f.SLOs {
		if err := d.SLO().Validate(); err != nil {
			return fmt.Errorf("invalid slo at index %d: %w", i, err)
		}
		if seen[d.Name] {
			return fmt.Errorf("%w: duplicate slo name %q", models.ErrInvalidDefinition, d.Name)
		}
		seen[d.Name] = true
	}

	seen = make(map[string]bool, len(f.Invariants))
	for i, d := range f.Invariants {
		if err := d.Invariant().Validate(); err != nil {
			return fmt.Errorf("invalid invariant at index %d: %w", i, err)
		}
		if seen[d.Name] {
			return fmt.Errorf("%w: duplicate invariant name %q", models.ErrInvalidDefinition, d.Name)
		}
		seen[d.Name] = true
	}
	return nil
}
