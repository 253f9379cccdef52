package metricsource

import (
	"context"
	"sync"
)

// StaticSource serves values set in memory. Range averages fall back to the
// instant value unless a window-specific value is set.
type StaticSource struct {
	mu      sync.RWMutex
	values  map[string]float64
	windows map[string]map[int]float64
	errs    map[string]error
	// gaps overrides single windows; a nil error means no data.
	gaps map[string]map[int]error
}

// NewStaticSource creates an empty StaticSource.
func NewStaticSource() *StaticSource {
	return &StaticSource{
		values:  make(map[string]float64),
		windows: make(map[string]map[int]float64),
		errs:    make(map[string]error),
		gaps:    make(map[string]map[int]error),
	}
}

// Set sets the instant value of query.
func (s *StaticSource) Set(query string, value float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[query] = value
}

// SetWindow sets the range average of query for one window length.
func (s *StaticSource) SetWindow(query string, windowMinutes int, value float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.windows[query] == nil {
		s.windows[query] = make(map[int]float64)
	}
	s.windows[query][windowMinutes] = value
}

// SetError makes every lookup of query fail with err.
func (s *StaticSource) SetError(query string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs[query] = err
}

// SetWindowError makes the range average of query for one window length
// fail with err. Other windows and the instant value are unaffected.
func (s *StaticSource) SetWindowError(query string, windowMinutes int, err error) {
	s.setGap(query, windowMinutes, err)
}

// SetWindowNoData makes the range average of query for one window length
// report no data.
func (s *StaticSource) SetWindowNoData(query string, windowMinutes int) {
	s.setGap(query, windowMinutes, nil)
}

func (s *StaticSource) setGap(query string, windowMinutes int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gaps[query] == nil {
		s.gaps[query] = make(map[int]error)
	}
	s.gaps[query][windowMinutes] = err
}

// Delete removes all data for query.
func (s *StaticSource) Delete(query string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, query)
	delete(s.windows, query)
	delete(s.errs, query)
	delete(s.gaps, query)
}

// Value implements Source.
func (s *StaticSource) Value(_ context.Context, query string) (float64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.errs[query]; err != nil {
		return 0, false, err
	}
	v, ok := s.values[query]
	return v, ok, nil
}

// RangeAverage implements Source.
func (s *StaticSource) RangeAverage(_ context.Context, query string, windowMinutes int) (float64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.errs[query]; err != nil {
		return 0, false, err
	}
	if err, ok := s.gaps[query][windowMinutes]; ok {
		return 0, false, err
	}
	if w, ok := s.windows[query][windowMinutes]; ok {
		return w, true, nil
	}
	v, ok := s.values[query]
	return v, ok, nil
}
