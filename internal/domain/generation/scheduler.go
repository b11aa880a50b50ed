package generation

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"aperture-server/services/gallery-api/internal/domain/modelcache"
	"aperture-server/services/gallery-api/internal/domain/query"
	"aperture-server/services/gallery-api/internal/utils/functional"
	"aperture-server/services/gallery-api/internal/utils/idgen"
	"aperture-server/services/gallery-api/internal/utils/platformerrors"
)

// StepService drives the step lifecycle: parameter resolution, dispatch to
// the backend, and status reevaluation as retrievals resolve. Each step's
// transitions run under a per-batch lock so terminal status stays monotonic.
type StepService struct {
	sessions   SessionRepository
	steps      StepRepository
	images     ImageRepository
	models     *modelcache.Service
	backend    Backend
	translator Translator
	conn       Connection
	correlator *Correlator
	retrieval  *RetrievalController
	log        zerolog.Logger

	batchLocks sync.Map
}

func NewStepService(
	sessions SessionRepository,
	steps StepRepository,
	images ImageRepository,
	models *modelcache.Service,
	backend Backend,
	translator Translator,
	conn Connection,
	correlator *Correlator,
	retrieval *RetrievalController,
	log zerolog.Logger,
) *StepService {
	s := &StepService{
		sessions:   sessions,
		steps:      steps,
		images:     images,
		models:     models,
		backend:    backend,
		translator: translator,
		conn:       conn,
		correlator: correlator,
		retrieval:  retrieval,
		log:        log.With().Str("component", "step-service").Logger(),
	}
	retrieval.SetResolvedHandler(s.Reevaluate)
	return s
}

func (s *StepService) lockBatch(batchID string) func() {
	v, _ := s.batchLocks.LoadOrStore(batchID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

type CreateStepInput struct {
	SessionID      string
	ParentID       *string
	CorrelationID  string
	Prompt         string
	NegativePrompt string
	ModelKey       string
	ModelHash      string
	VAEKey         string
	VAEHash        string
	Width          int
	Height         int
	Steps          int
	GuidanceScale  decimal.Decimal
	Scheduler      string
	BatchSize      int
	Seed           *int64
}

// Create resolves parameters against the model cache, persists the step and
// dispatches it. A submission failure marks the step failed immediately; the
// step record is kept so the failure is inspectable.
func (s *StepService) Create(ctx context.Context, input CreateStepInput) (*Step, error) {
	session, err := s.sessions.FindByPublicID(ctx, input.SessionID)
	if err != nil {
		return nil, platformerrors.AsError(ctx, platformerrors.LayerDomain, err, "session not found")
	}
	if session.Status.IsTerminal() {
		return nil, platformerrors.NewError(ctx, platformerrors.LayerDomain, platformerrors.ErrorTypeInvalidState, "session is "+string(session.Status)+", no further steps accepted", nil, "2e7f9b41-5c83-4a06-bd92-18e4a7c6f053")
	}

	var parent *Step
	if input.ParentID != nil && *input.ParentID != "" {
		parent, err = s.steps.FindByPublicID(ctx, *input.ParentID)
		if err != nil {
			return nil, platformerrors.AsError(ctx, platformerrors.LayerDomain, err, "parent step not found")
		}
		if parent.SessionID != session.ID {
			return nil, platformerrors.NewError(ctx, platformerrors.LayerDomain, platformerrors.ErrorTypeValidation, "parent step belongs to another session", nil, "917c4d2a-6e50-4bf8-a3d1-c82f5b0e9764")
		}
	}

	model, err := s.models.Resolve(ctx, input.ModelKey, input.ModelHash)
	if err != nil {
		return nil, err
	}
	var vae *modelcache.Model
	if input.VAEKey != "" {
		vae, err = s.models.Resolve(ctx, input.VAEKey, input.VAEHash)
		if err != nil {
			return nil, err
		}
		if vae.Type != modelcache.ModelTypeVAE {
			return nil, platformerrors.NewError(ctx, platformerrors.LayerDomain, platformerrors.ErrorTypeModel, "vae_key does not reference a vae model", nil, "4b82f0d6-1a97-43ce-b5e8-6f0d29c17a35")
		}
		if len(model.CompatibleVAEs) > 0 && !functional.Any(model.CompatibleVAEs, func(key string) bool { return key == vae.Key }) {
			return nil, platformerrors.NewError(ctx, platformerrors.LayerDomain, platformerrors.ErrorTypeModel, "vae is not compatible with the selected model", nil, "0c5e7a28-94d3-4b61-8f07-e2a1d6b3c948")
		}
	}

	position, err := s.steps.NextPosition(ctx, session.ID)
	if err != nil {
		return nil, platformerrors.AsError(ctx, platformerrors.LayerDomain, err, "failed to sequence step")
	}

	publicID, err := idgen.GenerateSecureID("step", 20)
	if err != nil {
		return nil, platformerrors.AsError(ctx, platformerrors.LayerDomain, err, "failed to generate step id")
	}
	batchID, err := idgen.GenerateSecureID("batch", 24)
	if err != nil {
		return nil, platformerrors.AsError(ctx, platformerrors.LayerDomain, err, "failed to generate batch id")
	}

	step := &Step{
		PublicID:        publicID,
		SessionID:       session.ID,
		SessionPublicID: session.PublicID,
		Prompt:          input.Prompt,
		NegativePrompt:  input.NegativePrompt,
		Params: ResolvedParams{
			ModelKey:      model.Key,
			ModelHash:     model.Hash,
			Width:         input.Width,
			Height:        input.Height,
			Steps:         input.Steps,
			GuidanceScale: input.GuidanceScale,
			Scheduler:     input.Scheduler,
			BatchSize:     input.BatchSize,
			Seed:          input.Seed,
		},
		BatchID:  batchID,
		Status:   StepStatusPending,
		Position: position,
	}
	if input.CorrelationID != "" {
		correlationID := input.CorrelationID
		step.CorrelationID = &correlationID
	}
	if vae != nil {
		step.Params.VAEKey = vae.Key
		step.Params.VAEHash = vae.Hash
	}
	if parent != nil {
		step.ParentID = &parent.ID
		step.ParentPublicID = &parent.PublicID
	}

	// Build validates parameter ranges before anything is persisted, so a
	// malformed request never leaves a step record behind.
	req, err := s.translator.Build(ctx, step, model, vae)
	if err != nil {
		return nil, err
	}

	if err := s.steps.Create(ctx, step); err != nil {
		return nil, platformerrors.AsError(ctx, platformerrors.LayerDomain, err, "failed to create step")
	}

	return s.dispatch(ctx, step, req)
}

func (s *StepService) dispatch(ctx context.Context, step *Step, req *InvocationRequest) (*Step, error) {
	if !s.conn.Available() {
		connErr := platformerrors.NewError(ctx, platformerrors.LayerDomain, platformerrors.ErrorTypeInvokeConnection, "generation backend is not reachable", nil, "7d04c9e1-2b58-46af-93c7-f61e0a85d324")
		return step, s.failStep(ctx, step, connErr)
	}

	jobRef, err := s.backend.Submit(ctx, req)
	if err != nil {
		return step, s.failStep(ctx, step, err)
	}

	now := time.Now().UTC()
	step.Status = StepStatusProcessing
	step.DispatchedAt = &now
	if jobRef != "" {
		step.JobRef = &jobRef
	}
	if err := s.steps.Update(ctx, step); err != nil {
		return nil, platformerrors.AsError(ctx, platformerrors.LayerDomain, err, "failed to mark step processing")
	}

	s.correlator.Track(step)
	s.log.Info().
		Str("step", step.PublicID).
		Str("batch_id", step.BatchID).
		Int("batch_size", step.Params.BatchSize).
		Msg("step dispatched")
	return step, nil
}

// failStep marks the step failed with the taxonomy code of the cause and
// returns the cause so the caller can surface it.
func (s *StepService) failStep(ctx context.Context, step *Step, cause error) error {
	platformErr := platformerrors.AsError(ctx, platformerrors.LayerDomain, cause, "step dispatch failed")
	code := string(platformErr.Type)
	msg := platformErr.Message

	step.Status = StepStatusFailed
	step.FailureCode = &code
	step.FailureMessage = &msg
	if err := s.steps.Update(ctx, step); err != nil {
		s.log.Error().Err(err).Str("step", step.PublicID).Msg("failed to persist step failure")
	}
	platformerrors.LogError(s.log, platformErr)
	return platformErr
}

func (s *StepService) Get(ctx context.Context, publicID string) (*Step, error) {
	step, err := s.steps.FindByPublicID(ctx, publicID)
	if err != nil {
		return nil, platformerrors.AsError(ctx, platformerrors.LayerDomain, err, "step not found")
	}
	return step, nil
}

// ListBySession returns a session's steps in creation order.
func (s *StepService) ListBySession(ctx context.Context, sessionPublicID string, pagination *query.Pagination) ([]*Step, int64, error) {
	session, err := s.sessions.FindByPublicID(ctx, sessionPublicID)
	if err != nil {
		return nil, 0, platformerrors.AsError(ctx, platformerrors.LayerDomain, err, "session not found")
	}
	filter := StepFilter{SessionID: &session.ID}
	steps, err := s.steps.FindByFilter(ctx, filter, pagination)
	if err != nil {
		return nil, 0, platformerrors.AsError(ctx, platformerrors.LayerDomain, err, "failed to list steps")
	}
	total, err := s.steps.Count(ctx, filter)
	if err != nil {
		return nil, 0, platformerrors.AsError(ctx, platformerrors.LayerDomain, err, "failed to count steps")
	}
	return steps, total, nil
}

// Alternatives returns every image attributed to the step's batch, whatever
// its retrieval state.
func (s *StepService) Alternatives(ctx context.Context, publicID string) (*Step, []*GeneratedImage, error) {
	step, err := s.Get(ctx, publicID)
	if err != nil {
		return nil, nil, err
	}
	images, err := s.images.ListByBatch(ctx, step.BatchID)
	if err != nil {
		return nil, nil, platformerrors.AsError(ctx, platformerrors.LayerDomain, err, "failed to list step images")
	}
	return step, images, nil
}

// Status returns the step plus the live per-batch retrieval aggregate.
func (s *StepService) Status(ctx context.Context, publicID string) (*Step, RetrievalStatus, error) {
	step, err := s.Get(ctx, publicID)
	if err != nil {
		return nil, RetrievalStatus{}, err
	}
	status, err := s.retrieval.StatusForStep(ctx, step)
	if err != nil {
		return nil, RetrievalStatus{}, err
	}
	return step, status, nil
}

// Select marks one retrieved image as the step's pick and completes the
// step, even when exhausted retries already marked it failed: a step with
// retrieved candidates is always selectable. Selecting the already-selected
// image is a no-op; re-selecting a different image just moves the pick.
func (s *StepService) Select(ctx context.Context, stepPublicID, imagePublicID string) (*Step, error) {
	step, err := s.Get(ctx, stepPublicID)
	if err != nil {
		return nil, err
	}
	unlock := s.lockBatch(step.BatchID)
	defer unlock()

	if step.Status == StepStatusFailed && step.DispatchedAt == nil {
		return nil, platformerrors.NewError(ctx, platformerrors.LayerDomain, platformerrors.ErrorTypeInvalidState, "step failed before dispatch, no images exist to select", nil, "1f6a0d83-e425-47b9-8c01-3d9b7e52a4c6")
	}
	if step.SelectedImageID != nil && *step.SelectedImageID == imagePublicID {
		return step, nil
	}

	image, err := s.images.FindByPublicID(ctx, imagePublicID)
	if err != nil {
		return nil, platformerrors.AsError(ctx, platformerrors.LayerDomain, err, "image not found")
	}
	if image.BatchID == nil || *image.BatchID != step.BatchID {
		return nil, platformerrors.NewError(ctx, platformerrors.LayerDomain, platformerrors.ErrorTypeValidation, "image does not belong to this step", nil, "a3d91c58-07b6-4e24-bf83-52c0e6d7a819")
	}
	if image.Retrieval != RetrievalStateCompleted {
		return nil, platformerrors.NewError(ctx, platformerrors.LayerDomain, platformerrors.ErrorTypeInvalidState, "image has not been retrieved yet", nil, "be25f740-8c13-4d96-a072-6e4f81b9c3d5")
	}

	step.SelectedImageID = &imagePublicID
	step.Status = StepStatusCompleted
	step.FailureCode = nil
	step.FailureMessage = nil
	if err := s.steps.Update(ctx, step); err != nil {
		return nil, platformerrors.AsError(ctx, platformerrors.LayerDomain, err, "failed to record selection")
	}
	return step, nil
}

// Reevaluate recomputes a step's status after a retrieval resolved. The step
// completes when every expected slot retrieved successfully and fails when
// all slots resolved but at least one retrieval failed permanently.
func (s *StepService) Reevaluate(ctx context.Context, batchID string) {
	unlock := s.lockBatch(batchID)
	defer unlock()

	step, err := s.steps.FindByBatchID(ctx, batchID)
	if err != nil {
		s.log.Error().Err(err).Str("batch_id", batchID).Msg("reevaluate lookup failed")
		return
	}
	if step.Status.IsTerminal() {
		return
	}

	status, err := s.retrieval.StatusForStep(ctx, step)
	if err != nil {
		s.log.Error().Err(err).Str("step", step.PublicID).Msg("reevaluate aggregate failed")
		return
	}
	if !status.Resolved() {
		return
	}

	if status.Failed > 0 {
		code := string(platformerrors.ErrorTypeRetrieval)
		msg := "one or more images could not be retrieved"
		step.Status = StepStatusFailed
		step.FailureCode = &code
		step.FailureMessage = &msg
	} else {
		step.Status = StepStatusCompleted
	}
	if err := s.steps.Update(ctx, step); err != nil {
		s.log.Error().Err(err).Str("step", step.PublicID).Msg("failed to persist step resolution")
		return
	}

	s.correlator.Drop(batchID)
	s.batchLocks.Delete(batchID)
	s.log.Info().
		Str("step", step.PublicID).
		Str("status", string(step.Status)).
		Int("completed", status.Completed).
		Int("failed", status.Failed).
		Msg("step resolved")
}

// ReleaseSession drops retry schedules and correlation tracking for a
// session's in-flight steps. Called when the session is abandoned; backend
// work is never cancelled, late arrivals become orphans.
func (s *StepService) ReleaseSession(ctx context.Context, session *Session) error {
	status := StepStatusProcessing
	steps, err := s.steps.FindByFilter(ctx, StepFilter{SessionID: &session.ID, Status: &status}, nil)
	if err != nil {
		return platformerrors.AsError(ctx, platformerrors.LayerDomain, err, "failed to list in-flight steps")
	}
	for _, step := range steps {
		s.retrieval.DropBatch(ctx, step.BatchID)
		s.correlator.Drop(step.BatchID)
		s.log.Info().Str("step", step.PublicID).Str("batch_id", step.BatchID).Msg("batch released, late arrivals will be orphaned")
	}
	return nil
}

// RecoverOpenBatches restores correlation tracking for steps that were still
// processing when the process last stopped. Slot accounting resumes from the
// images already persisted for each batch.
func (s *StepService) RecoverOpenBatches(ctx context.Context) error {
	status := StepStatusProcessing
	steps, err := s.steps.FindByFilter(ctx, StepFilter{Status: &status}, nil)
	if err != nil {
		return platformerrors.AsError(ctx, platformerrors.LayerDomain, err, "failed to list open batches")
	}
	for _, step := range steps {
		batchID := step.BatchID
		assigned, err := s.images.Count(ctx, ImageFilter{BatchID: &batchID})
		if err != nil {
			return platformerrors.AsError(ctx, platformerrors.LayerDomain, err, "failed to count batch images")
		}
		s.correlator.TrackAssigned(step, int(assigned))
		// A batch may have fully resolved between the last poll and the
		// restart; reevaluate so it does not hang in processing.
		s.Reevaluate(ctx, batchID)
	}
	if len(steps) > 0 {
		s.log.Info().Int("count", len(steps)).Msg("recovered open batches")
	}
	return nil
}
