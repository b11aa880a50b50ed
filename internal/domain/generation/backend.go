package generation

import (
	"context"
	"io"
	"time"

	"aperture-server/services/gallery-api/internal/domain/modelcache"
)

// InvocationRequest is the backend-specific payload produced by the
// translator. The core never inspects Payload; Token is the correlation
// token the translator embedded so the scheduler can log and track it.
type InvocationRequest struct {
	Payload any
	Token   string
}

// ImageEvent is one backend report of a produced image. Token is best-effort:
// the backend may never echo it, in which case correlation falls back to the
// timestamp window and gap heuristics.
type ImageEvent struct {
	InvokeID  string
	Token     string
	Width     int
	Height    int
	CreatedAt time.Time
}

// Backend is the opaque asynchronous job executor. Submit returns a backend
// job reference; execution happens out-of-band and produced images are
// observed via PollImages.
type Backend interface {
	Submit(ctx context.Context, req *InvocationRequest) (string, error)
	PollImages(ctx context.Context, since time.Time) ([]ImageEvent, error)
	FetchImage(ctx context.Context, invokeID string) ([]byte, error)
}

// Translator builds a backend request from a step's snapshot parameters and
// the resolved cache models. Implementations must validate parameter ranges
// before any network dispatch and embed the correlation token in at least
// two locations the backend is known to preserve.
type Translator interface {
	Build(ctx context.Context, step *Step, model, vae *modelcache.Model) (*InvocationRequest, error)
}

// Connection exposes the shared backend connection state (mode, pod status).
// It is owned by the backend-connection collaborator; the core only reads it
// to decide whether dispatch is worth attempting.
type Connection interface {
	Mode() string
	Available() bool
}

// Storage persists retrieved image bytes. Matches the gallery storage
// backends (local disk, S3).
type Storage interface {
	Upload(ctx context.Context, key string, body io.Reader, size int64, contentType string) error
	Download(ctx context.Context, key string) (io.ReadCloser, string, error)
}
