package definitions

import (
	"context"
	"fmt"
	"maps"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/good-yellow-bee/sentinel/internal/models"
	"github.com/good-yellow-bee/sentinel/internal/storage"
)

// Result lists what one sync changed, by definition name.
type Result struct {
	Created   []string
	Updated   []string
	Unchanged []string
}

// Changed reports whether the sync wrote anything.
func (r Result) Changed() bool {
	return len(r.Created) > 0 || len(r.Updated) > 0
}

// Syncer upserts a definitions file into the store by name. Definitions
// created through the API and absent from the file are left alone.
type Syncer struct {
	path   string
	store  storage.Storage
	logger *zap.SugaredLogger
}

// NewSyncer creates a syncer for path.
func NewSyncer(path string, store storage.Storage, logger *zap.SugaredLogger) *Syncer {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Syncer{
		path:   path,
		store:  store,
		logger: logger.With("path", path),
	}
}

// SyncOnce loads the file and applies it.
func (s *Syncer) SyncOnce(ctx context.Context) (Result, error) {
	f, err := LoadFile(s.path)
	if err != nil {
		return Result{}, err
	}
	return s.Apply(ctx, f)
}

// Apply upserts every definition in f.
func (s *Syncer) Apply(ctx context.Context, f *File) (Result, error) {
	var res Result

	for _, d := range f.SLOs {
		want := d.SLO()
		existing, err := s.store.SLOs().GetByName(ctx, want.Name)
		if err != nil {
			return res, fmt.Errorf("get slo %q: %w", want.Name, err)
		}
		switch {
		case existing == nil:
			if err := s.store.SLOs().Create(ctx, want); err != nil {
				return res, fmt.Errorf("create slo %q: %w", want.Name, err)
			}
			res.Created = append(res.Created, "slo/"+want.Name)
		case sameSLO(existing, want):
			res.Unchanged = append(res.Unchanged, "slo/"+want.Name)
		default:
			want.ID = existing.ID
			want.CreatedAt = existing.CreatedAt
			if err := s.store.SLOs().Update(ctx, want); err != nil {
				return res, fmt.Errorf("update slo %q: %w", want.Name, err)
			}
			res.Updated = append(res.Updated, "slo/"+want.Name)
		}
	}

	for _, d := range f.Invariants {
		want := d.Invariant()
		existing, err := s.store.Invariants().GetByName(ctx, want.Name)
		if err != nil {
			return res, fmt.Errorf("get invariant %q: %w", want.Name, err)
		}
		switch {
		case existing == nil:
			if err := s.store.Invariants().Create(ctx, want); err != nil {
				return res, fmt.Errorf("create invariant %q: %w", want.Name, err)
			}
			res.Created = append(res.Created, "invariant/"+want.Name)
		case sameInvariant(existing, want):
			res.Unchanged = append(res.Unchanged, "invariant/"+want.Name)
		default:
			want.ID = existing.ID
			want.CreatedAt = existing.CreatedAt
			if err := s.store.Invariants().Update(ctx, want); err != nil {
				return res, fmt.Errorf("update invariant %q: %w", want.Name, err)
			}
			res.Updated = append(res.Updated, "invariant/"+want.Name)
		}
	}

	if res.Changed() {
		s.logger.Infow("definitions synced",
			"created", res.Created, "updated", res.Updated, "unchanged", len(res.Unchanged))
	}
	return res, nil
}

func sameSLO(a, b *models.SLO) bool {
	return a.Description == b.Description &&
		a.Target == b.Target &&
		a.WindowDays == b.WindowDays &&
		a.MetricQuery == b.MetricQuery &&
		a.Enabled == b.Enabled &&
		maps.Equal(a.BurnRateThresholds, b.BurnRateThresholds)
}

func sameInvariant(a, b *models.Invariant) bool {
	return a.Description == b.Description &&
		a.Query == b.Query &&
		a.Condition == b.Condition &&
		a.Enabled == b.Enabled
}

// Watch re-syncs whenever the file is written until ctx is cancelled. The
// parent directory is watched so atomic saves that replace the file are
// seen. A failed reload is logged and the store keeps the previous
// definitions.
func (s *Syncer) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	abs, err := filepath.Abs(s.path)
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	s.logger.Info("watching definitions for changes")

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if _, err := s.SyncOnce(ctx); err != nil {
				s.logger.Errorw("definitions reload failed, keeping previous definitions", "error", err)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Errorw("definitions watcher error", "error", err)
		}
	}
}
