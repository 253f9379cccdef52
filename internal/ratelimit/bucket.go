// Package ratelimit provides a token bucket rate limiter and a named
// registry of buckets.
package ratelimit

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
)

// MaxWait caps the wait hint returned for denied requests.
const MaxWait = 24 * time.Hour

var (
	// ErrInvalidConfig is returned for non-positive capacity or negative refill rate.
	ErrInvalidConfig = errors.New("invalid bucket config")
	// ErrInvalidCost is returned when a request asks for zero or negative tokens.
	ErrInvalidCost = errors.New("cost must be positive")
	// ErrInvalidLevel is returned by Reset for a NaN or infinite level.
	ErrInvalidLevel = errors.New("token level must be finite")
)

// Clock supplies the current time. time.Now carries a monotonic reading, so
// elapsed time is unaffected by wall-clock adjustments.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the real clock.
var SystemClock Clock = systemClock{}

// BucketConfig configures a TokenBucket.
type BucketConfig struct {
	Capacity   float64 `json:"capacity" validate:"gt=0"`
	RefillRate float64 `json:"refill_rate" validate:"gte=0"` // tokens per second
	// InitialTokens defaults to Capacity when nil.
	InitialTokens *float64 `json:"initial_tokens,omitempty" validate:"omitempty,gte=0"`
}

// Validate checks the config invariants.
func (c BucketConfig) Validate() error {
	if !(c.Capacity > 0) || math.IsInf(c.Capacity, 0) {
		return fmt.Errorf("%w: capacity must be positive, got %v", ErrInvalidConfig, c.Capacity)
	}
	if c.RefillRate < 0 || math.IsNaN(c.RefillRate) {
		return fmt.Errorf("%w: refill rate must be non-negative, got %v", ErrInvalidConfig, c.RefillRate)
	}
	if c.InitialTokens != nil && !finite(*c.InitialTokens) {
		return fmt.Errorf("%w: initial tokens must be finite, got %v", ErrInvalidConfig, *c.InitialTokens)
	}
	return nil
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// Decision is the outcome of an acquisition attempt.
type Decision struct {
	Allowed         bool          `json:"allowed"`
	TokensRemaining float64       `json:"tokens_remaining"`
	Wait            time.Duration `json:"wait"`
}

// TokenBucket is a continuously refilling token bucket. All methods are safe
// for concurrent use and never block on I/O.
type TokenBucket struct {
	mu         sync.Mutex
	clock      Clock
	capacity   float64
	refillRate float64
	tokens     float64
	lastRefill time.Time

	total   int64
	allowed int64
	denied  int64
}

// NewTokenBucket creates a bucket using the system clock.
func NewTokenBucket(cfg BucketConfig) (*TokenBucket, error) {
	return NewTokenBucketWithClock(cfg, SystemClock)
}

// NewTokenBucketWithClock creates a bucket driven by clock.
func NewTokenBucketWithClock(cfg BucketConfig, clock Clock) (*TokenBucket, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if clock == nil {
		clock = SystemClock
	}
	tokens := cfg.Capacity
	if cfg.InitialTokens != nil {
		tokens = clamp(*cfg.InitialTokens, 0, cfg.Capacity)
	}
	return &TokenBucket{
		clock:      clock,
		capacity:   cfg.Capacity,
		refillRate: cfg.RefillRate,
		tokens:     tokens,
		lastRefill: clock.Now(),
	}, nil
}

// refill adds tokens for the time elapsed since the last observation.
// Must be called with mutex held.
func (b *TokenBucket) refill() {
	now := b.clock.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens = math.Min(b.capacity, b.tokens+elapsed*b.refillRate)
	}
	b.lastRefill = now
}

// TryAcquire attempts to take cost tokens. When denied, Wait is the time until
// enough tokens accumulate, capped at MaxWait.
func (b *TokenBucket) TryAcquire(cost float64) (Decision, error) {
	if !(cost > 0) {
		return Decision{}, fmt.Errorf("%w: got %v", ErrInvalidCost, cost)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	b.total++

	if b.tokens >= cost {
		b.tokens -= cost
		b.allowed++
		return Decision{Allowed: true, TokensRemaining: b.tokens}, nil
	}

	b.denied++
	return Decision{
		Allowed:         false,
		TokensRemaining: b.tokens,
		Wait:            b.waitFor(cost),
	}, nil
}

// Acquire reports whether cost tokens were taken.
func (b *TokenBucket) Acquire(cost float64) bool {
	d, err := b.TryAcquire(cost)
	return err == nil && d.Allowed
}

// Check reports whether cost tokens are available without taking them.
// Counters are not updated.
func (b *TokenBucket) Check(cost float64) (Decision, error) {
	if !(cost > 0) {
		return Decision{}, fmt.Errorf("%w: got %v", ErrInvalidCost, cost)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	if b.tokens >= cost {
		return Decision{Allowed: true, TokensRemaining: b.tokens}, nil
	}
	return Decision{TokensRemaining: b.tokens, Wait: b.waitFor(cost)}, nil
}

// waitFor computes the wait hint for a denied request. Must be called with
// mutex held.
func (b *TokenBucket) waitFor(cost float64) time.Duration {
	if b.refillRate <= 0 {
		return MaxWait
	}
	secs := (cost - b.tokens) / b.refillRate
	if secs >= MaxWait.Seconds() {
		return MaxWait
	}
	return time.Duration(secs * float64(time.Second))
}

// Tokens returns the current level after refilling.
func (b *TokenBucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	return b.tokens
}

// Reset sets the level to tokens (capacity when omitted) and restarts the
// refill clock. Counters are kept. A non-finite level leaves the bucket
// untouched.
func (b *TokenBucket) Reset(tokens ...float64) error {
	level := b.capacity
	if len(tokens) > 0 {
		if !finite(tokens[0]) {
			return fmt.Errorf("%w: got %v", ErrInvalidLevel, tokens[0])
		}
		level = clamp(tokens[0], 0, b.capacity)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.tokens = level
	b.lastRefill = b.clock.Now()
	return nil
}

// Refund returns tokens taken by an attempt that did not go ahead. The
// level never exceeds capacity.
func (b *TokenBucket) Refund(tokens float64) {
	if !(tokens > 0) {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	b.tokens = math.Min(b.capacity, b.tokens+tokens)
}

// Capacity returns the maximum level.
func (b *TokenBucket) Capacity() float64 { return b.capacity }

// RefillRate returns tokens added per second.
func (b *TokenBucket) RefillRate() float64 { return b.refillRate }

// Stats returns a snapshot of the bucket. Reading stats refills the bucket.
func (b *TokenBucket) Stats() BucketStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	var ratio float64
	if b.total > 0 {
		ratio = float64(b.denied) / float64(b.total)
	}
	return BucketStats{
		Tokens:        b.tokens,
		Capacity:      b.capacity,
		RefillRate:    b.refillRate,
		TotalRequests: b.total,
		Allowed:       b.allowed,
		Denied:        b.denied,
		DenialRatio:   ratio,
	}
}

// BucketStats contains token bucket statistics.
type BucketStats struct {
	Tokens        float64 `json:"tokens"`
	Capacity      float64 `json:"capacity"`
	RefillRate    float64 `json:"refill_rate"`
	TotalRequests int64   `json:"total_requests"`
	Allowed       int64   `json:"allowed"`
	Denied        int64   `json:"denied"`
	DenialRatio   float64 `json:"denial_ratio"`
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
