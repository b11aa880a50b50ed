package generation

import (
	"bytes"
	"context"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"aperture-server/services/gallery-api/internal/domain/modelcache"
	"aperture-server/services/gallery-api/internal/domain/query"
	"aperture-server/services/gallery-api/internal/utils/platformerrors"
)

var testLog = zerolog.Nop()

func notFound(what string) error {
	return platformerrors.NewError(context.Background(), platformerrors.LayerRepository, platformerrors.ErrorTypeNotFound, what+" not found", nil, "")
}

// memSessionRepo is an in-memory SessionRepository for tests.
type memSessionRepo struct {
	mu       sync.Mutex
	nextID   uint
	sessions map[uint]*Session
}

func newMemSessionRepo() *memSessionRepo {
	return &memSessionRepo{sessions: map[uint]*Session{}}
}

func (r *memSessionRepo) Create(_ context.Context, session *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	session.ID = r.nextID
	session.CreatedAt = time.Now().UTC()
	cp := *session
	r.sessions[session.ID] = &cp
	return nil
}

func (r *memSessionRepo) FindByID(_ context.Context, id uint) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		cp := *s
		return &cp, nil
	}
	return nil, notFound("session")
}

func (r *memSessionRepo) FindByPublicID(_ context.Context, publicID string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		if s.PublicID == publicID {
			cp := *s
			return &cp, nil
		}
	}
	return nil, notFound("session")
}

func (r *memSessionRepo) FindByFilter(_ context.Context, filter SessionFilter, _ *query.Pagination) ([]*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Session
	for _, s := range r.sessions {
		if filter.Status != nil && s.Status != *filter.Status {
			continue
		}
		cp := *s
		out = append(out, &cp)
	}
	return out, nil
}

func (r *memSessionRepo) Count(ctx context.Context, filter SessionFilter) (int64, error) {
	out, err := r.FindByFilter(ctx, filter, nil)
	return int64(len(out)), err
}

func (r *memSessionRepo) Update(_ context.Context, session *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[session.ID]; !ok {
		return notFound("session")
	}
	cp := *session
	r.sessions[session.ID] = &cp
	return nil
}

func (r *memSessionRepo) Delete(_ context.Context, id uint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
	return nil
}

// memStepRepo is an in-memory StepRepository for tests.
type memStepRepo struct {
	mu     sync.Mutex
	nextID uint
	steps  map[uint]*Step
}

func newMemStepRepo() *memStepRepo {
	return &memStepRepo{steps: map[uint]*Step{}}
}

func (r *memStepRepo) Create(_ context.Context, step *Step) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	step.ID = r.nextID
	step.CreatedAt = time.Now().UTC()
	cp := *step
	r.steps[step.ID] = &cp
	return nil
}

func (r *memStepRepo) FindByID(_ context.Context, id uint) (*Step, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.steps[id]; ok {
		cp := *s
		return &cp, nil
	}
	return nil, notFound("step")
}

func (r *memStepRepo) FindByPublicID(_ context.Context, publicID string) (*Step, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.steps {
		if s.PublicID == publicID {
			cp := *s
			return &cp, nil
		}
	}
	return nil, notFound("step")
}

func (r *memStepRepo) FindByBatchID(_ context.Context, batchID string) (*Step, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.steps {
		if s.BatchID == batchID {
			cp := *s
			return &cp, nil
		}
	}
	return nil, notFound("step")
}

func (r *memStepRepo) FindByFilter(_ context.Context, filter StepFilter, _ *query.Pagination) ([]*Step, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Step
	for _, s := range r.steps {
		if filter.SessionID != nil && s.SessionID != *filter.SessionID {
			continue
		}
		if filter.Status != nil && s.Status != *filter.Status {
			continue
		}
		if filter.BatchID != nil && s.BatchID != *filter.BatchID {
			continue
		}
		cp := *s
		out = append(out, &cp)
	}
	return out, nil
}

func (r *memStepRepo) Count(ctx context.Context, filter StepFilter) (int64, error) {
	out, err := r.FindByFilter(ctx, filter, nil)
	return int64(len(out)), err
}

func (r *memStepRepo) NextPosition(_ context.Context, sessionID uint) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	max := 0
	for _, s := range r.steps {
		if s.SessionID == sessionID && s.Position > max {
			max = s.Position
		}
	}
	return max + 1, nil
}

func (r *memStepRepo) Update(_ context.Context, step *Step) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.steps[step.ID]; !ok {
		return notFound("step")
	}
	cp := *step
	r.steps[step.ID] = &cp
	return nil
}

func (r *memStepRepo) CountActiveBySession(_ context.Context, sessionID uint) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, s := range r.steps {
		if s.SessionID == sessionID && !s.Status.IsTerminal() {
			n++
		}
	}
	return n, nil
}

// memImageRepo is an in-memory ImageRepository for tests.
type memImageRepo struct {
	mu     sync.Mutex
	nextID uint
	images map[uint]*GeneratedImage
}

func newMemImageRepo() *memImageRepo {
	return &memImageRepo{images: map[uint]*GeneratedImage{}}
}

func (r *memImageRepo) Create(_ context.Context, image *GeneratedImage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	image.ID = r.nextID
	image.CreatedAt = time.Now().UTC()
	cp := *image
	r.images[image.ID] = &cp
	return nil
}

func (r *memImageRepo) FindByID(_ context.Context, id uint) (*GeneratedImage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if img, ok := r.images[id]; ok {
		cp := *img
		return &cp, nil
	}
	return nil, notFound("image")
}

func (r *memImageRepo) FindByPublicID(_ context.Context, publicID string) (*GeneratedImage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, img := range r.images {
		if img.PublicID == publicID {
			cp := *img
			return &cp, nil
		}
	}
	return nil, notFound("image")
}

func (r *memImageRepo) FindByInvokeID(_ context.Context, invokeID string) (*GeneratedImage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, img := range r.images {
		if img.InvokeID == invokeID {
			cp := *img
			return &cp, nil
		}
	}
	return nil, notFound("image")
}

func (r *memImageRepo) FindByFilter(_ context.Context, filter ImageFilter, _ *query.Pagination) ([]*GeneratedImage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*GeneratedImage
	for _, img := range r.images {
		if filter.BatchID != nil && (img.BatchID == nil || *img.BatchID != *filter.BatchID) {
			continue
		}
		if filter.Retrieval != nil && img.Retrieval != *filter.Retrieval {
			continue
		}
		if filter.OrphanOnly && img.BatchID != nil {
			continue
		}
		cp := *img
		out = append(out, &cp)
	}
	return out, nil
}

func (r *memImageRepo) Count(ctx context.Context, filter ImageFilter) (int64, error) {
	out, err := r.FindByFilter(ctx, filter, nil)
	return int64(len(out)), err
}

func (r *memImageRepo) ListByBatch(ctx context.Context, batchID string) ([]*GeneratedImage, error) {
	return r.FindByFilter(ctx, ImageFilter{BatchID: &batchID}, nil)
}

func (r *memImageRepo) Update(_ context.Context, image *GeneratedImage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.images[image.ID]; !ok {
		return notFound("image")
	}
	cp := *image
	r.images[image.ID] = &cp
	return nil
}

func (r *memImageRepo) DeleteOrphansBefore(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, img := range r.images {
		if img.BatchID == nil && img.GeneratedAt.Before(cutoff) {
			delete(r.images, id)
			n++
		}
	}
	return n, nil
}

// fakeBackend drives Submit/Poll/Fetch from configurable funcs.
type fakeBackend struct {
	SubmitFunc     func(ctx context.Context, req *InvocationRequest) (string, error)
	PollImagesFunc func(ctx context.Context, since time.Time) ([]ImageEvent, error)
	FetchImageFunc func(ctx context.Context, invokeID string) ([]byte, error)
}

func (b *fakeBackend) Submit(ctx context.Context, req *InvocationRequest) (string, error) {
	if b.SubmitFunc != nil {
		return b.SubmitFunc(ctx, req)
	}
	return "corr-1", nil
}

func (b *fakeBackend) PollImages(ctx context.Context, since time.Time) ([]ImageEvent, error) {
	if b.PollImagesFunc != nil {
		return b.PollImagesFunc(ctx, since)
	}
	return nil, nil
}

func (b *fakeBackend) FetchImage(ctx context.Context, invokeID string) ([]byte, error) {
	if b.FetchImageFunc != nil {
		return b.FetchImageFunc(ctx, invokeID)
	}
	return []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}, nil
}

// fakeStorage records uploads in memory.
type fakeStorage struct {
	mu        sync.Mutex
	uploads   map[string][]byte
	UploadErr error
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{uploads: map[string][]byte{}}
}

func (s *fakeStorage) Upload(_ context.Context, key string, body io.Reader, _ int64, _ string) error {
	if s.UploadErr != nil {
		return s.UploadErr
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.uploads[key] = data
	s.mu.Unlock()
	return nil
}

func (s *fakeStorage) Download(_ context.Context, key string) (io.ReadCloser, string, error) {
	s.mu.Lock()
	data, ok := s.uploads[key]
	s.mu.Unlock()
	if !ok {
		return nil, "", notFound("object")
	}
	return io.NopCloser(bytes.NewReader(data)), "application/octet-stream", nil
}

type fakeConn struct {
	mode      string
	available bool
}

func (c *fakeConn) Mode() string    { return c.mode }
func (c *fakeConn) Available() bool { return c.available }

// fakeTranslator returns a canned request or error.
type fakeTranslator struct {
	BuildFunc func(ctx context.Context, step *Step, model, vae *modelcache.Model) (*InvocationRequest, error)
}

func (t *fakeTranslator) Build(ctx context.Context, step *Step, model, vae *modelcache.Model) (*InvocationRequest, error) {
	if t.BuildFunc != nil {
		return t.BuildFunc(ctx, step, model, vae)
	}
	return &InvocationRequest{Payload: map[string]any{}, Token: step.BatchID}, nil
}

// fakeFetcher serves a static model list to the cache.
type fakeFetcher struct {
	models []modelcache.Model
	err    error
}

func (f *fakeFetcher) ListModels(_ context.Context) ([]modelcache.Model, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.models, nil
}
