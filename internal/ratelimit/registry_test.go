package ratelimit

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func newTestRegistry(t *testing.T, cfg RegistryConfig) *Registry {
	t.Helper()
	r, err := NewRegistry(cfg)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return r
}

func TestRegistryGetOrCreate(t *testing.T) {
	r := newTestRegistry(t, DefaultRegistryConfig())

	a, err := r.GetOrCreate("api")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	b, err := r.GetOrCreate("api")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if a != b {
		t.Error("GetOrCreate returned different buckets for the same name")
	}
	if a.Capacity() != 100 || a.RefillRate() != 10 {
		t.Errorf("default bucket = %v/%v, want 100/10", a.Capacity(), a.RefillRate())
	}
}

func TestRegistryConcurrentGetOrCreate(t *testing.T) {
	r := newTestRegistry(t, DefaultRegistryConfig())

	var wg sync.WaitGroup
	results := make([]*TokenBucket, 20)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b, err := r.GetOrCreate("shared")
			if err != nil {
				t.Errorf("GetOrCreate: %v", err)
				return
			}
			results[i] = b
		}(i)
	}
	wg.Wait()

	for i, b := range results {
		if b != results[0] {
			t.Fatalf("result %d differs from result 0", i)
		}
	}
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}
}

func TestRegistryConfigureAndDelete(t *testing.T) {
	r := newTestRegistry(t, DefaultRegistryConfig())

	if _, err := r.Configure("bad", BucketConfig{Capacity: 0}); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Configure invalid err = %v, want ErrInvalidConfig", err)
	}

	b, err := r.Configure("login", BucketConfig{Capacity: 3, RefillRate: 0.5})
	if err != nil {
		t.Fatalf("Configure: %v", err)
	}
	got, err := r.Get("login")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != b {
		t.Error("Get returned a different bucket than Configure")
	}

	r.Configure("api", BucketConfig{Capacity: 1, RefillRate: 1})
	names := r.Names()
	if len(names) != 2 || names[0] != "api" || names[1] != "login" {
		t.Errorf("Names() = %v, want [api login]", names)
	}

	snap := r.Snapshot()
	if snap["login"].Capacity != 3 {
		t.Errorf("snapshot capacity = %v, want 3", snap["login"].Capacity)
	}

	if err := r.Delete("login"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := r.Get("login"); !errors.Is(err, ErrBucketNotFound) {
		t.Errorf("Get after delete err = %v, want ErrBucketNotFound", err)
	}
	if err := r.Delete("login"); !errors.Is(err, ErrBucketNotFound) {
		t.Errorf("second Delete err = %v, want ErrBucketNotFound", err)
	}
}

func TestRegistryIdleExpiry(t *testing.T) {
	r := newTestRegistry(t, RegistryConfig{
		Default: BucketConfig{Capacity: 1, RefillRate: 1},
		IdleTTL: 50 * time.Millisecond,
	})

	if _, err := r.GetOrCreate("temp"); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	time.Sleep(120 * time.Millisecond)
	if _, err := r.Get("temp"); !errors.Is(err, ErrBucketNotFound) {
		t.Errorf("Get after idle TTL err = %v, want ErrBucketNotFound", err)
	}
}

func TestNewRegistryRejectsInvalidDefault(t *testing.T) {
	if _, err := NewRegistry(RegistryConfig{}); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("err = %v, want ErrInvalidConfig", err)
	}
}
