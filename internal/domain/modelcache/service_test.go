package modelcache

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"aperture-server/services/gallery-api/internal/utils/platformerrors"
)

type staticFetcher struct {
	models []Model
	err    error
}

func (f *staticFetcher) ListModels(context.Context) ([]Model, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.models, nil
}

func testModels() []Model {
	return []Model{
		{Key: "sdxl-base", Hash: "aaa", Name: "SDXL", Type: ModelTypeMain, Base: "sdxl"},
		{Key: "sdxl-vae", Hash: "bbb", Name: "SDXL VAE", Type: ModelTypeVAE, Base: "sdxl"},
	}
}

func TestServiceStartsUnprimed(t *testing.T) {
	svc := NewService(&staticFetcher{models: testModels()}, zerolog.Nop())
	if svc.Primed() {
		t.Fatal("cache must not report primed before the first refresh")
	}
	if len(svc.List()) != 0 {
		t.Fatal("unprimed cache must list no models")
	}
}

func TestRefreshPublishesSnapshot(t *testing.T) {
	svc := NewService(&staticFetcher{models: testModels()}, zerolog.Nop())

	count, refreshedAt, err := svc.Refresh(context.Background())
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if count != 2 || refreshedAt.IsZero() {
		t.Fatalf("count = %d refreshedAt = %v", count, refreshedAt)
	}
	if !svc.Primed() {
		t.Fatal("cache must be primed after refresh")
	}
	if got := svc.RefreshedAt(); !got.Equal(refreshedAt) {
		t.Fatalf("RefreshedAt = %v, want %v", got, refreshedAt)
	}
}

func TestRefreshFailureKeepsPreviousSnapshot(t *testing.T) {
	fetcher := &staticFetcher{models: testModels()}
	svc := NewService(fetcher, zerolog.Nop())
	if _, _, err := svc.Refresh(context.Background()); err != nil {
		t.Fatalf("first refresh: %v", err)
	}

	fetcher.err = errors.New("backend down")
	if _, _, err := svc.Refresh(context.Background()); err == nil {
		t.Fatal("refresh must surface fetch errors")
	}
	if len(svc.List()) != 2 {
		t.Fatal("failed refresh must not clear the cache")
	}
}

func TestResolveVerifiesHash(t *testing.T) {
	svc := NewService(&staticFetcher{models: testModels()}, zerolog.Nop())
	svc.Refresh(context.Background())

	if _, err := svc.Resolve(context.Background(), "sdxl-base", "aaa"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	// Empty hash skips verification.
	if _, err := svc.Resolve(context.Background(), "sdxl-base", ""); err != nil {
		t.Fatalf("resolve without hash: %v", err)
	}
	if _, err := svc.Resolve(context.Background(), "sdxl-base", "stale"); !platformerrors.IsErrorType(err, platformerrors.ErrorTypeModel) {
		t.Fatalf("err = %v, want model_error on hash mismatch", err)
	}
	if _, err := svc.Resolve(context.Background(), "missing", ""); !platformerrors.IsErrorType(err, platformerrors.ErrorTypeModel) {
		t.Fatalf("err = %v, want model_error for unknown key", err)
	}
}

func TestGetUnknownKeyIsNotFound(t *testing.T) {
	svc := NewService(&staticFetcher{models: testModels()}, zerolog.Nop())
	svc.Refresh(context.Background())

	if _, err := svc.Get(context.Background(), "missing"); !platformerrors.IsErrorType(err, platformerrors.ErrorTypeNotFound) {
		t.Fatalf("err = %v, want not_found", err)
	}
}
