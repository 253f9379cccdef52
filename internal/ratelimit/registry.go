package ratelimit

import (
	"errors"
	"sort"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// ErrBucketNotFound is returned when a named bucket does not exist.
var ErrBucketNotFound = errors.New("bucket not found")

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	// Default is used by GetOrCreate for unknown names.
	Default BucketConfig
	// IdleTTL evicts buckets not touched for this long. Zero keeps buckets forever.
	IdleTTL time.Duration
	Clock   Clock
}

// DefaultRegistryConfig returns a 100-token bucket refilling at 10 tokens/s.
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		Default: BucketConfig{Capacity: 100, RefillRate: 10},
	}
}

// Registry holds named token buckets. It is owned by whoever constructs it
// and passed explicitly to the code that needs it.
type Registry struct {
	mu      sync.Mutex // serializes creation
	cfg     RegistryConfig
	buckets *gocache.Cache
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if err := cfg.Default.Validate(); err != nil {
		return nil, err
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock
	}
	expiration := gocache.NoExpiration
	cleanup := time.Duration(0)
	if cfg.IdleTTL > 0 {
		expiration = cfg.IdleTTL
		cleanup = cfg.IdleTTL
	}
	return &Registry{
		cfg:     cfg,
		buckets: gocache.New(expiration, cleanup),
	}, nil
}

// Get returns the named bucket and refreshes its idle timer.
func (r *Registry) Get(name string) (*TokenBucket, error) {
	v, ok := r.buckets.Get(name)
	if !ok {
		return nil, ErrBucketNotFound
	}
	b := v.(*TokenBucket)
	r.touch(name, b)
	return b, nil
}

// GetOrCreate returns the named bucket, creating it from the default config
// when missing.
func (r *Registry) GetOrCreate(name string) (*TokenBucket, error) {
	if b, err := r.Get(name); err == nil {
		return b, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if v, ok := r.buckets.Get(name); ok {
		return v.(*TokenBucket), nil
	}
	b, err := NewTokenBucketWithClock(r.cfg.Default, r.cfg.Clock)
	if err != nil {
		return nil, err
	}
	r.buckets.SetDefault(name, b)
	return b, nil
}

// Configure replaces the named bucket with a fresh one built from cfg.
func (r *Registry) Configure(name string, cfg BucketConfig) (*TokenBucket, error) {
	b, err := NewTokenBucketWithClock(cfg, r.cfg.Clock)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.buckets.SetDefault(name, b)
	return b, nil
}

// Delete removes the named bucket.
func (r *Registry) Delete(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.buckets.Get(name); !ok {
		return ErrBucketNotFound
	}
	r.buckets.Delete(name)
	return nil
}

// Names returns bucket names in sorted order.
func (r *Registry) Names() []string {
	items := r.buckets.Items()
	names := make([]string, 0, len(items))
	for name := range items {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Snapshot returns stats for every bucket keyed by name.
func (r *Registry) Snapshot() map[string]BucketStats {
	items := r.buckets.Items()
	out := make(map[string]BucketStats, len(items))
	for name, item := range items {
		out[name] = item.Object.(*TokenBucket).Stats()
	}
	return out
}

// Len returns the number of live buckets.
func (r *Registry) Len() int {
	return r.buckets.ItemCount()
}

func (r *Registry) touch(name string, b *TokenBucket) {
	if r.cfg.IdleTTL <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.buckets.Get(name); ok && v.(*TokenBucket) == b {
		r.buckets.SetDefault(name, b)
	}
}
