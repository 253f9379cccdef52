// Package metricsource adapts metric backends to the single-value lookups
// the evaluators need.
package metricsource

import (
	"context"
	"fmt"
	"strings"
)

// Source answers numeric queries. A missing series is reported with
// ok == false and a nil error; transport and query failures return an error.
type Source interface {
	// Value returns the current value of query.
	Value(ctx context.Context, query string) (value float64, ok bool, err error)
	// RangeAverage returns the average of query over the trailing window.
	RangeAverage(ctx context.Context, query string, windowMinutes int) (value float64, ok bool, err error)
}

// Router dispatches queries to a named source by prefix, e.g. "prom:up" or
// "scrape:http_requests_total". Queries without a known prefix go to the
// default source.
type Router struct {
	def     Source
	sources map[string]Source
}

// NewRouter creates a router with a default source.
func NewRouter(def Source) *Router {
	return &Router{def: def, sources: make(map[string]Source)}
}

// Register adds a source under prefix.
func (r *Router) Register(prefix string, src Source) {
	r.sources[prefix] = src
}

// resolve picks the source for query and strips the prefix.
func (r *Router) resolve(query string) (Source, string, error) {
	if prefix, rest, found := strings.Cut(query, ":"); found {
		if src, ok := r.sources[prefix]; ok {
			return src, strings.TrimSpace(rest), nil
		}
	}
	if r.def == nil {
		return nil, "", fmt.Errorf("no metric source for query %q", query)
	}
	return r.def, query, nil
}

// Value implements Source.
func (r *Router) Value(ctx context.Context, query string) (float64, bool, error) {
	src, q, err := r.resolve(query)
	if err != nil {
		return 0, false, err
	}
	return src.Value(ctx, q)
}

// RangeAverage implements Source.
func (r *Router) RangeAverage(ctx context.Context, query string, windowMinutes int) (float64, bool, error) {
	src, q, err := r.resolve(query)
	if err != nil {
		return 0, false, err
	}
	return src.RangeAverage(ctx, q, windowMinutes)
}
