package modelcache

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"aperture-server/services/gallery-api/internal/utils/platformerrors"
)

// Service owns the process-wide model cache. Lookups read an atomically
// published snapshot; Refresh is the only writer and replaces the whole
// snapshot in one store, so readers never observe a partially updated cache.
type Service struct {
	fetcher  Fetcher
	log      zerolog.Logger
	snapshot atomic.Value // *Snapshot
}

func NewService(fetcher Fetcher, log zerolog.Logger) *Service {
	s := &Service{
		fetcher: fetcher,
		log:     log.With().Str("component", "model-cache").Logger(),
	}
	s.snapshot.Store(&Snapshot{Models: map[string]Model{}})
	return s
}

// Refresh fetches the full model list and swaps the cache. Returns the new
// entry count and the refresh timestamp.
func (s *Service) Refresh(ctx context.Context) (int, time.Time, error) {
	models, err := s.fetcher.ListModels(ctx)
	if err != nil {
		return 0, time.Time{}, platformerrors.AsError(ctx, platformerrors.LayerDomain, err, "failed to fetch model list")
	}

	byKey := make(map[string]Model, len(models))
	for _, m := range models {
		byKey[m.Key] = m
	}

	snap := &Snapshot{Models: byKey, RefreshedAt: time.Now().UTC()}
	s.snapshot.Store(snap)
	s.log.Info().Int("models", len(byKey)).Msg("model cache refreshed")
	return len(byKey), snap.RefreshedAt, nil
}

func (s *Service) current() *Snapshot {
	return s.snapshot.Load().(*Snapshot)
}

// Primed reports whether the cache has been refreshed at least once.
func (s *Service) Primed() bool {
	return !s.current().RefreshedAt.IsZero()
}

// RefreshedAt returns the time of the last successful refresh.
func (s *Service) RefreshedAt() time.Time {
	return s.current().RefreshedAt
}

// List returns all cached models.
func (s *Service) List() []Model {
	snap := s.current()
	out := make([]Model, 0, len(snap.Models))
	for _, m := range snap.Models {
		out = append(out, m)
	}
	return out
}

// Get returns the cached model for a key.
func (s *Service) Get(ctx context.Context, key string) (*Model, error) {
	snap := s.current()
	m, ok := snap.Models[key]
	if !ok {
		return nil, platformerrors.NewError(ctx, platformerrors.LayerDomain, platformerrors.ErrorTypeNotFound, "model not found", nil, "0f5f3d0a-6a54-4a2e-9d6f-4f3e5b2a1c8d")
	}
	return &m, nil
}

// Resolve looks up a model by key and verifies the recorded content hash.
// A hash mismatch means the backend replaced the model since the step was
// created; dispatching anyway would generate with a different model.
func (s *Service) Resolve(ctx context.Context, key, hash string) (*Model, error) {
	snap := s.current()
	m, ok := snap.Models[key]
	if !ok {
		return nil, platformerrors.NewError(ctx, platformerrors.LayerDomain, platformerrors.ErrorTypeModel, "unknown model key "+key, nil, "7c1a9e2b-5d34-4f8a-b06e-9a2c4d5e6f70")
	}
	if hash != "" && m.Hash != hash {
		return nil, platformerrors.NewErrorWithContext(ctx, platformerrors.LayerDomain, platformerrors.ErrorTypeModel, "model hash mismatch for "+key, nil, "3b8d2f4c-1e6a-4c9b-8d7e-5f0a1b2c3d4e", map[string]any{
			"expected_hash": hash,
			"cached_hash":   m.Hash,
		})
	}
	return &m, nil
}
