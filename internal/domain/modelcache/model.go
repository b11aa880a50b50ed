package modelcache

import (
	"context"
	"time"

	decimal "github.com/shopspring/decimal"
)

// ModelType distinguishes generation checkpoints from VAEs within the cache.
type ModelType string

const (
	ModelTypeMain ModelType = "main"
	ModelTypeVAE  ModelType = "vae"
)

// Model is one cache entry as reported by the generation backend. Steps
// snapshot Key+Hash at creation time and never re-resolve, so a cache refresh
// can not silently change what an in-flight step generates with.
type Model struct {
	Key            string                      `json:"key"`
	Hash           string                      `json:"hash"`
	Name           string                      `json:"name"`
	Type           ModelType                   `json:"type"`
	Base           string                      `json:"base"`
	CompatibleVAEs []string                    `json:"compatible_vaes,omitempty"`
	DefaultParams  map[string]*decimal.Decimal `json:"default_params,omitempty"`
}

// Snapshot is an immutable view of the whole cache published atomically.
type Snapshot struct {
	Models      map[string]Model
	RefreshedAt time.Time
}

// Fetcher lists the full model set from the generation backend.
type Fetcher interface {
	ListModels(ctx context.Context) ([]Model, error)
}
