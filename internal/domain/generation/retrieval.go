package generation

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"

	"aperture-server/services/gallery-api/internal/utils/platformerrors"
)

// RetryPolicy tunes the retrieval backoff schedule. The constants are
// operational knobs, not a contract.
type RetryPolicy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	MaxAttempts  int
	Workers      int
}

// delayForAttempt computes the backoff delay preceding the given attempt
// number (1-based).
func (p RetryPolicy) delayForAttempt(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(p.InitialDelay),
		backoff.WithMultiplier(p.Multiplier),
		backoff.WithMaxInterval(p.MaxDelay),
		backoff.WithMaxElapsedTime(0),
		backoff.WithRandomizationFactor(0),
	)
	delay := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

// RetrievalController is the per-image retrieval state machine plus the
// backoff-scheduled retry loop. Each image moves pending -> completed or
// pending -> failed; transient fetch errors re-enter the schedule until the
// attempt budget is exhausted.
type RetrievalController struct {
	policy  RetryPolicy
	backend Backend
	storage Storage
	images  ImageRepository
	log     zerolog.Logger

	queue chan uint

	mu      sync.Mutex
	timers  map[uint]*time.Timer
	dropped map[string]struct{}

	onResolved func(ctx context.Context, batchID string)
	observer   func(status string, bytes int64)
}

func NewRetrievalController(policy RetryPolicy, backend Backend, storage Storage, images ImageRepository, log zerolog.Logger) *RetrievalController {
	return &RetrievalController{
		policy:  policy,
		backend: backend,
		storage: storage,
		images:  images,
		log:     log.With().Str("component", "retrieval-controller").Logger(),
		queue:   make(chan uint, 1024),
		timers:  make(map[uint]*time.Timer),
		dropped: make(map[string]struct{}),
	}
}

// SetResolvedHandler registers the callback fired after an image in a batch
// reaches a terminal retrieval state. The scheduler uses it to reevaluate
// step status.
func (r *RetrievalController) SetResolvedHandler(fn func(ctx context.Context, batchID string)) {
	r.onResolved = fn
}

// SetObserver registers a callback invoked once per retrieval attempt with
// its outcome, used for metrics.
func (r *RetrievalController) SetObserver(fn func(status string, bytes int64)) {
	r.observer = fn
}

func (r *RetrievalController) observe(status string, bytes int64) {
	if r.observer != nil {
		r.observer(status, bytes)
	}
}

// Run starts the worker pool and blocks until the context is cancelled.
func (r *RetrievalController) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < r.policy.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.worker(ctx)
		}()
	}
	<-ctx.Done()
	r.stopTimers()
	wg.Wait()
	return nil
}

func (r *RetrievalController) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-r.queue:
			r.process(ctx, id)
		}
	}
}

// Enqueue schedules an image for immediate fetch.
func (r *RetrievalController) Enqueue(image *GeneratedImage) {
	select {
	case r.queue <- image.ID:
	default:
		// Queue saturated; fall back to a short timer rather than blocking
		// the caller (usually the event pump).
		r.scheduleRetry(image.ID, time.Second)
	}
}

// Rehydrate re-enters all pending images into the schedule, used at startup
// after a restart dropped the in-memory timers.
func (r *RetrievalController) Rehydrate(ctx context.Context) error {
	state := RetrievalStatePending
	pending, err := r.images.FindByFilter(ctx, ImageFilter{Retrieval: &state}, nil)
	if err != nil {
		return platformerrors.AsError(ctx, platformerrors.LayerDomain, err, "failed to list pending retrievals")
	}
	for _, img := range pending {
		r.Enqueue(img)
	}
	if len(pending) > 0 {
		r.log.Info().Int("count", len(pending)).Msg("rehydrated pending retrievals")
	}
	return nil
}

// DropBatch stops accepting retry schedules for a batch. Queued retries are
// dropped in place; no remote cancellation is attempted.
func (r *RetrievalController) DropBatch(ctx context.Context, batchID string) {
	r.mu.Lock()
	r.dropped[batchID] = struct{}{}
	r.mu.Unlock()

	images, err := r.images.ListByBatch(ctx, batchID)
	if err != nil {
		r.log.Error().Err(err).Str("batch_id", batchID).Msg("failed to list batch images while dropping")
		return
	}
	r.mu.Lock()
	for _, img := range images {
		if t, ok := r.timers[img.ID]; ok {
			t.Stop()
			delete(r.timers, img.ID)
		}
	}
	r.mu.Unlock()
}

func (r *RetrievalController) batchDropped(batchID *string) bool {
	if batchID == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.dropped[*batchID]
	return ok
}

func (r *RetrievalController) scheduleRetry(imageID uint, delay time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.timers[imageID]; ok {
		t.Stop()
	}
	r.timers[imageID] = time.AfterFunc(delay, func() {
		r.mu.Lock()
		delete(r.timers, imageID)
		r.mu.Unlock()
		r.queue <- imageID
	})
}

func (r *RetrievalController) stopTimers() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, t := range r.timers {
		t.Stop()
		delete(r.timers, id)
	}
}

// retryableFetch reports whether a fetch failure may be retried. Connection
// and resource exhaustion errors are transient; everything else burns the
// image.
func retryableFetch(err error) bool {
	return platformerrors.IsErrorType(err, platformerrors.ErrorTypeRetrieval) ||
		platformerrors.IsErrorType(err, platformerrors.ErrorTypeInvokeConnection) ||
		platformerrors.IsErrorType(err, platformerrors.ErrorTypeInvokeResource)
}

func (r *RetrievalController) process(ctx context.Context, imageID uint) {
	img, err := r.images.FindByID(ctx, imageID)
	if err != nil {
		r.log.Error().Err(err).Uint("image_id", imageID).Msg("retrieval lookup failed")
		return
	}
	if img.Retrieval != RetrievalStatePending {
		return
	}
	if r.batchDropped(img.BatchID) {
		return
	}

	data, err := r.backend.FetchImage(ctx, img.InvokeID)
	if err != nil {
		r.recordFailure(ctx, img, err, retryableFetch(err))
		return
	}

	mime := mimetype.Detect(data)
	key := fmt.Sprintf("generated/%s%s", img.PublicID, mime.Extension())
	if err := r.storage.Upload(ctx, key, bytes.NewReader(data), int64(len(data)), mime.String()); err != nil {
		storageErr := platformerrors.NewError(ctx, platformerrors.LayerDomain, platformerrors.ErrorTypeStorage, "failed to persist image bytes", err, "a90d4e2f-7b61-483c-95da-2e8f0c1b6d37")
		// Local persistence failures are fatal for the operation, never retried here.
		r.recordFailure(ctx, img, storageErr, false)
		return
	}

	img.AttemptCount++
	img.Retrieval = RetrievalStateCompleted
	img.StorageKey = key
	img.MimeType = mime.String()
	img.Bytes = int64(len(data))
	img.NextAttemptAt = nil
	img.LastError = nil
	if err := r.images.Update(ctx, img); err != nil {
		r.log.Error().Err(err).Str("image", img.PublicID).Msg("failed to mark retrieval completed")
		return
	}
	r.observe("success", img.Bytes)
	r.notifyResolved(ctx, img)
}

func (r *RetrievalController) recordFailure(ctx context.Context, img *GeneratedImage, cause error, retryable bool) {
	img.AttemptCount++
	msg := cause.Error()
	img.LastError = &msg

	if retryable && img.AttemptCount < r.policy.MaxAttempts && !r.batchDropped(img.BatchID) {
		delay := r.policy.delayForAttempt(img.AttemptCount)
		next := time.Now().UTC().Add(delay)
		img.NextAttemptAt = &next
		if err := r.images.Update(ctx, img); err != nil {
			r.log.Error().Err(err).Str("image", img.PublicID).Msg("failed to record retrieval attempt")
			return
		}
		r.scheduleRetry(img.ID, delay)
		r.observe("retry", 0)
		r.log.Warn().Str("image", img.PublicID).Int("attempt", img.AttemptCount).Dur("next_in", delay).Msg("retrieval failed, retry scheduled")
		return
	}

	img.Retrieval = RetrievalStateFailed
	img.NextAttemptAt = nil
	if err := r.images.Update(ctx, img); err != nil {
		r.log.Error().Err(err).Str("image", img.PublicID).Msg("failed to mark retrieval failed")
		return
	}
	r.observe("failure", 0)
	r.log.Error().Str("image", img.PublicID).Int("attempts", img.AttemptCount).Str("last_error", msg).Msg("retrieval failed permanently")
	r.notifyResolved(ctx, img)
}

func (r *RetrievalController) notifyResolved(ctx context.Context, img *GeneratedImage) {
	if r.onResolved != nil && img.BatchID != nil {
		r.onResolved(ctx, *img.BatchID)
	}
}

// Retry resets a failed image to pending and re-enters the backoff schedule.
// The attempt count is preserved so a permanently broken image cannot be
// masked by manual retry loops.
func (r *RetrievalController) Retry(ctx context.Context, publicID string) (*GeneratedImage, error) {
	img, err := r.images.FindByPublicID(ctx, publicID)
	if err != nil {
		return nil, platformerrors.AsError(ctx, platformerrors.LayerDomain, err, "image not found")
	}
	if img.Retrieval == RetrievalStateCompleted {
		return nil, platformerrors.NewError(ctx, platformerrors.LayerDomain, platformerrors.ErrorTypeInvalidState, "image is already retrieved", nil, "6f2e8a91-3c47-4d05-b8e2-9a1f0d7c5b43")
	}
	if r.batchDropped(img.BatchID) {
		return nil, platformerrors.NewError(ctx, platformerrors.LayerDomain, platformerrors.ErrorTypeInvalidState, "session was abandoned, batch no longer accepts retries", nil, "d14b7f60-8e29-4c53-a7d1-3f5e2b90c816")
	}

	delay := r.policy.delayForAttempt(img.AttemptCount + 1)
	next := time.Now().UTC().Add(delay)
	img.Retrieval = RetrievalStatePending
	img.NextAttemptAt = &next
	if err := r.images.Update(ctx, img); err != nil {
		return nil, platformerrors.AsError(ctx, platformerrors.LayerDomain, err, "failed to reset image for retry")
	}
	r.scheduleRetry(img.ID, delay)
	return img, nil
}

// RetryBatch retries a set of images by public id. Images that cannot be
// retried are skipped; the count of scheduled retries is returned.
func (r *RetrievalController) RetryBatch(ctx context.Context, publicIDs []string) (int, error) {
	scheduled := 0
	for _, id := range publicIDs {
		if _, err := r.Retry(ctx, id); err != nil {
			if platformerrors.IsErrorType(err, platformerrors.ErrorTypeNotFound) || platformerrors.IsErrorType(err, platformerrors.ErrorTypeInvalidState) {
				continue
			}
			return scheduled, err
		}
		scheduled++
	}
	return scheduled, nil
}

// RetryFailedForBatch retries every failed image in a step's batch.
func (r *RetrievalController) RetryFailedForBatch(ctx context.Context, batchID string) (int, error) {
	images, err := r.images.ListByBatch(ctx, batchID)
	if err != nil {
		return 0, platformerrors.AsError(ctx, platformerrors.LayerDomain, err, "failed to list batch images")
	}
	scheduled := 0
	for _, img := range images {
		if img.Retrieval != RetrievalStateFailed {
			continue
		}
		if _, err := r.Retry(ctx, img.PublicID); err != nil {
			return scheduled, err
		}
		scheduled++
	}
	return scheduled, nil
}

// StatusForStep computes the live aggregate for a step's batch. Slots the
// backend has not reported yet count as pending, but only while a dispatch
// is actually outstanding: a step that failed before its submission reached
// the backend has no image slots and reports an all-zero aggregate.
func (r *RetrievalController) StatusForStep(ctx context.Context, step *Step) (RetrievalStatus, error) {
	var status RetrievalStatus
	if step.Status == StepStatusFailed && step.DispatchedAt == nil {
		return status, nil
	}
	status.Total = step.Params.BatchSize
	if step.BatchID == "" {
		return status, nil
	}

	images, err := r.images.ListByBatch(ctx, step.BatchID)
	if err != nil {
		return status, platformerrors.AsError(ctx, platformerrors.LayerDomain, err, "failed to list batch images")
	}

	now := time.Now().UTC()
	for _, img := range images {
		switch img.Retrieval {
		case RetrievalStateCompleted:
			status.Completed++
		case RetrievalStateFailed:
			status.Failed++
		case RetrievalStatePending:
			if img.AttemptCount > 0 && img.NextAttemptAt != nil && img.NextAttemptAt.After(now) {
				status.Retrying++
			}
		}
	}
	status.Pending = status.Total - status.Completed - status.Failed
	if status.Pending < 0 {
		status.Pending = 0
	}
	return status, nil
}
