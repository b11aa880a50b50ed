package generation

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"aperture-server/services/gallery-api/internal/domain/modelcache"
	"aperture-server/services/gallery-api/internal/utils/platformerrors"
)

type stepServiceFixture struct {
	sessions   *memSessionRepo
	steps      *memStepRepo
	images     *memImageRepo
	backend    *fakeBackend
	storage    *fakeStorage
	conn       *fakeConn
	translator *fakeTranslator
	correlator *Correlator
	retrieval  *RetrievalController
	service    *StepService
	session    *Session
}

func newStepServiceFixture(t *testing.T) *stepServiceFixture {
	t.Helper()
	f := &stepServiceFixture{
		sessions:   newMemSessionRepo(),
		steps:      newMemStepRepo(),
		images:     newMemImageRepo(),
		backend:    &fakeBackend{},
		storage:    newFakeStorage(),
		conn:       &fakeConn{mode: "local", available: true},
		translator: &fakeTranslator{},
	}

	models := modelcache.NewService(&fakeFetcher{models: []modelcache.Model{
		{Key: "sdxl-base", Hash: "hash-main", Name: "SDXL", Type: modelcache.ModelTypeMain, Base: "sdxl", CompatibleVAEs: []string{"sdxl-vae"}},
		{Key: "sdxl-vae", Hash: "hash-vae", Name: "SDXL VAE", Type: modelcache.ModelTypeVAE, Base: "sdxl"},
	}}, testLog)
	if _, _, err := models.Refresh(context.Background()); err != nil {
		t.Fatalf("prime model cache: %v", err)
	}

	f.correlator = NewCorrelator(CorrelatorConfig{Window: 5 * time.Minute}, f.images, testLog)
	f.retrieval = NewRetrievalController(testPolicy(), f.backend, f.storage, f.images, testLog)
	f.service = NewStepService(f.sessions, f.steps, f.images, models, f.backend, f.translator, f.conn, f.correlator, f.retrieval, testLog)

	f.session = &Session{PublicID: "sess_test", EntryType: EntryTypeScratch, Status: SessionStatusActive, StartedAt: time.Now().UTC()}
	if err := f.sessions.Create(context.Background(), f.session); err != nil {
		t.Fatalf("seed session: %v", err)
	}
	return f
}

func validStepInput(sessionID string) CreateStepInput {
	return CreateStepInput{
		SessionID:     sessionID,
		Prompt:        "a lighthouse at dusk",
		ModelKey:      "sdxl-base",
		ModelHash:     "hash-main",
		Width:         1024,
		Height:        1024,
		Steps:         30,
		GuidanceScale: decimal.NewFromFloat(7.5),
		Scheduler:     "euler",
		BatchSize:     2,
	}
}

func TestCreateStepDispatchesAndTracksBatch(t *testing.T) {
	f := newStepServiceFixture(t)

	step, err := f.service.Create(context.Background(), validStepInput(f.session.PublicID))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if step.Status != StepStatusProcessing {
		t.Fatalf("status = %s, want processing", step.Status)
	}
	if step.DispatchedAt == nil {
		t.Fatal("dispatched_at not set")
	}
	if step.BatchID == "" || step.Position != 1 {
		t.Fatalf("batch %q position %d", step.BatchID, step.Position)
	}
	if step.JobRef == nil || *step.JobRef != "corr-1" {
		t.Fatalf("job ref = %v, want the backend submit reference", step.JobRef)
	}
	if step.CorrelationID != nil {
		t.Fatalf("correlation id = %v, must stay empty without a client token", step.CorrelationID)
	}
	if f.correlator.OpenBatches() != 1 {
		t.Fatalf("open batches = %d, want 1", f.correlator.OpenBatches())
	}
}

func TestCreateStepRefusedOnTerminalSession(t *testing.T) {
	f := newStepServiceFixture(t)
	f.session.Status = SessionStatusCompleted
	f.sessions.Update(context.Background(), f.session)

	_, err := f.service.Create(context.Background(), validStepInput(f.session.PublicID))
	if !platformerrors.IsErrorType(err, platformerrors.ErrorTypeInvalidState) {
		t.Fatalf("err = %v, want invalid_state", err)
	}
}

func TestCreateStepValidationFailureLeavesNoRecord(t *testing.T) {
	f := newStepServiceFixture(t)
	f.translator.BuildFunc = func(context.Context, *Step, *modelcache.Model, *modelcache.Model) (*InvocationRequest, error) {
		return nil, platformerrors.NewError(context.Background(), platformerrors.LayerInfrastructure, platformerrors.ErrorTypeValidation, "width must be a multiple of 8", nil, "")
	}

	_, err := f.service.Create(context.Background(), validStepInput(f.session.PublicID))
	if !platformerrors.IsErrorType(err, platformerrors.ErrorTypeValidation) {
		t.Fatalf("err = %v, want validation_error", err)
	}
	if n, _ := f.steps.Count(context.Background(), StepFilter{}); n != 0 {
		t.Fatalf("step records = %d, validation failures must not persist", n)
	}
}

func TestCreateStepUnknownModelIsModelError(t *testing.T) {
	f := newStepServiceFixture(t)
	input := validStepInput(f.session.PublicID)
	input.ModelKey = "missing"

	_, err := f.service.Create(context.Background(), input)
	if !platformerrors.IsErrorType(err, platformerrors.ErrorTypeModel) {
		t.Fatalf("err = %v, want model_error", err)
	}
}

func TestCreateStepIncompatibleVAERefused(t *testing.T) {
	f := newStepServiceFixture(t)
	input := validStepInput(f.session.PublicID)
	input.VAEKey = "sdxl-base"
	input.VAEHash = "hash-main"

	_, err := f.service.Create(context.Background(), input)
	if !platformerrors.IsErrorType(err, platformerrors.ErrorTypeModel) {
		t.Fatalf("err = %v, want model_error for non-vae key", err)
	}
}

func TestCreateStepBackendUnavailableFailsStep(t *testing.T) {
	f := newStepServiceFixture(t)
	f.conn.available = false

	step, err := f.service.Create(context.Background(), validStepInput(f.session.PublicID))
	if !platformerrors.IsErrorType(err, platformerrors.ErrorTypeInvokeConnection) {
		t.Fatalf("err = %v, want invokeai_connection_error", err)
	}
	got, findErr := f.steps.FindByPublicID(context.Background(), step.PublicID)
	if findErr != nil {
		t.Fatalf("failed step must stay inspectable: %v", findErr)
	}
	if got.Status != StepStatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.FailureCode == nil || *got.FailureCode != string(platformerrors.ErrorTypeInvokeConnection) {
		t.Fatalf("failure code = %v", got.FailureCode)
	}
}

func TestCreateStepSubmitFailureFailsStep(t *testing.T) {
	f := newStepServiceFixture(t)
	f.backend.SubmitFunc = func(context.Context, *InvocationRequest) (string, error) {
		return "", platformerrors.NewError(context.Background(), platformerrors.LayerInfrastructure, platformerrors.ErrorTypeInvokeResource, "queue full", nil, "")
	}

	step, err := f.service.Create(context.Background(), validStepInput(f.session.PublicID))
	if !platformerrors.IsErrorType(err, platformerrors.ErrorTypeInvokeResource) {
		t.Fatalf("err = %v, want invokeai_resource_error", err)
	}
	got, _ := f.steps.FindByPublicID(context.Background(), step.PublicID)
	if got.Status != StepStatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
}

func TestCreateStepParentMustShareSession(t *testing.T) {
	f := newStepServiceFixture(t)

	other := &Session{PublicID: "sess_other", EntryType: EntryTypeScratch, Status: SessionStatusActive, StartedAt: time.Now().UTC()}
	f.sessions.Create(context.Background(), other)
	foreign := &Step{PublicID: "step_foreign", SessionID: other.ID, BatchID: "batch_f", Status: StepStatusCompleted, Position: 1}
	f.steps.Create(context.Background(), foreign)

	input := validStepInput(f.session.PublicID)
	parent := foreign.PublicID
	input.ParentID = &parent

	_, err := f.service.Create(context.Background(), input)
	if !platformerrors.IsErrorType(err, platformerrors.ErrorTypeValidation) {
		t.Fatalf("err = %v, want validation_error", err)
	}
}

func TestReevaluateCompletesWhenAllRetrieved(t *testing.T) {
	f := newStepServiceFixture(t)
	step, err := f.service.Create(context.Background(), validStepInput(f.session.PublicID))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	for _, invokeID := range []string{"inv-1", "inv-2"} {
		img := &GeneratedImage{PublicID: "pic_" + invokeID, InvokeID: invokeID, BatchID: &step.BatchID, Retrieval: RetrievalStateCompleted}
		f.images.Create(context.Background(), img)
	}
	f.service.Reevaluate(context.Background(), step.BatchID)

	got, _ := f.steps.FindByPublicID(context.Background(), step.PublicID)
	if got.Status != StepStatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	if f.correlator.OpenBatches() != 0 {
		t.Fatal("resolved batch must be dropped from the correlator")
	}
}

func TestReevaluateFailsWhenAnyRetrievalFailed(t *testing.T) {
	f := newStepServiceFixture(t)
	step, err := f.service.Create(context.Background(), validStepInput(f.session.PublicID))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	ok := &GeneratedImage{PublicID: "pic_ok", InvokeID: "inv-1", BatchID: &step.BatchID, Retrieval: RetrievalStateCompleted}
	f.images.Create(context.Background(), ok)
	bad := &GeneratedImage{PublicID: "pic_bad", InvokeID: "inv-2", BatchID: &step.BatchID, Retrieval: RetrievalStateFailed}
	f.images.Create(context.Background(), bad)

	f.service.Reevaluate(context.Background(), step.BatchID)

	got, _ := f.steps.FindByPublicID(context.Background(), step.PublicID)
	if got.Status != StepStatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.FailureCode == nil || *got.FailureCode != string(platformerrors.ErrorTypeRetrieval) {
		t.Fatalf("failure code = %v, want retrieval_error", got.FailureCode)
	}
}

func TestReevaluateWaitsForOpenSlots(t *testing.T) {
	f := newStepServiceFixture(t)
	step, err := f.service.Create(context.Background(), validStepInput(f.session.PublicID))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Only one of the two expected slots arrived.
	img := &GeneratedImage{PublicID: "pic_1", InvokeID: "inv-1", BatchID: &step.BatchID, Retrieval: RetrievalStateCompleted}
	f.images.Create(context.Background(), img)
	f.service.Reevaluate(context.Background(), step.BatchID)

	got, _ := f.steps.FindByPublicID(context.Background(), step.PublicID)
	if got.Status != StepStatusProcessing {
		t.Fatalf("status = %s, step must stay processing until every slot resolves", got.Status)
	}
}

func TestSelectRequiresRetrievedImageFromOwnBatch(t *testing.T) {
	f := newStepServiceFixture(t)
	step, err := f.service.Create(context.Background(), validStepInput(f.session.PublicID))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	pending := &GeneratedImage{PublicID: "pic_pending", InvokeID: "inv-1", BatchID: &step.BatchID, Retrieval: RetrievalStatePending}
	f.images.Create(context.Background(), pending)
	if _, err := f.service.Select(context.Background(), step.PublicID, pending.PublicID); !platformerrors.IsErrorType(err, platformerrors.ErrorTypeInvalidState) {
		t.Fatalf("err = %v, want invalid_state for unretrieved image", err)
	}

	orphan := &GeneratedImage{PublicID: "pic_orphan", InvokeID: "inv-2", Retrieval: RetrievalStateCompleted}
	f.images.Create(context.Background(), orphan)
	if _, err := f.service.Select(context.Background(), step.PublicID, orphan.PublicID); !platformerrors.IsErrorType(err, platformerrors.ErrorTypeValidation) {
		t.Fatalf("err = %v, want validation_error for foreign image", err)
	}
}

func TestSelectIsIdempotentAndMovable(t *testing.T) {
	f := newStepServiceFixture(t)
	step, err := f.service.Create(context.Background(), validStepInput(f.session.PublicID))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	first := &GeneratedImage{PublicID: "pic_1", InvokeID: "inv-1", BatchID: &step.BatchID, Retrieval: RetrievalStateCompleted}
	f.images.Create(context.Background(), first)
	second := &GeneratedImage{PublicID: "pic_2", InvokeID: "inv-2", BatchID: &step.BatchID, Retrieval: RetrievalStateCompleted}
	f.images.Create(context.Background(), second)

	selected, err := f.service.Select(context.Background(), step.PublicID, first.PublicID)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if selected.Status != StepStatusCompleted || selected.SelectedImageID == nil || *selected.SelectedImageID != first.PublicID {
		t.Fatalf("selection not recorded: %+v", selected)
	}

	// Selecting the same image again is a no-op.
	if _, err := f.service.Select(context.Background(), step.PublicID, first.PublicID); err != nil {
		t.Fatalf("repeat select: %v", err)
	}

	// Moving the pick to another retrieved image is allowed.
	moved, err := f.service.Select(context.Background(), step.PublicID, second.PublicID)
	if err != nil {
		t.Fatalf("move select: %v", err)
	}
	if moved.SelectedImageID == nil || *moved.SelectedImageID != second.PublicID {
		t.Fatalf("selection not moved: %v", moved.SelectedImageID)
	}
}

func TestSelectRefusedWhenDispatchFailed(t *testing.T) {
	f := newStepServiceFixture(t)
	f.conn.available = false
	step, _ := f.service.Create(context.Background(), validStepInput(f.session.PublicID))

	if _, err := f.service.Select(context.Background(), step.PublicID, "pic_any"); !platformerrors.IsErrorType(err, platformerrors.ErrorTypeInvalidState) {
		t.Fatalf("err = %v, want invalid_state", err)
	}
}

func TestSelectRescuesStepFailedOnRetrieval(t *testing.T) {
	f := newStepServiceFixture(t)
	step, err := f.service.Create(context.Background(), validStepInput(f.session.PublicID))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	ok := &GeneratedImage{PublicID: "pic_ok", InvokeID: "inv-1", BatchID: &step.BatchID, Retrieval: RetrievalStateCompleted}
	f.images.Create(context.Background(), ok)
	bad := &GeneratedImage{PublicID: "pic_bad", InvokeID: "inv-2", BatchID: &step.BatchID, Retrieval: RetrievalStateFailed}
	f.images.Create(context.Background(), bad)
	f.service.Reevaluate(context.Background(), step.BatchID)

	got, _ := f.steps.FindByPublicID(context.Background(), step.PublicID)
	if got.Status != StepStatusFailed {
		t.Fatalf("status = %s, want failed before the rescue", got.Status)
	}

	// The user can still pick the retrieved candidate, flipping the step
	// to completed.
	selected, err := f.service.Select(context.Background(), step.PublicID, ok.PublicID)
	if err != nil {
		t.Fatalf("select on retrieval-failed step: %v", err)
	}
	if selected.Status != StepStatusCompleted {
		t.Fatalf("status = %s, want completed", selected.Status)
	}
	if selected.FailureCode != nil || selected.FailureMessage != nil {
		t.Fatalf("failure fields not cleared: %v %v", selected.FailureCode, selected.FailureMessage)
	}
}

func TestCreateStepCarriesClientCorrelationToken(t *testing.T) {
	f := newStepServiceFixture(t)
	input := validStepInput(f.session.PublicID)
	input.CorrelationID = "c1"
	input.BatchSize = 4

	step, err := f.service.Create(context.Background(), input)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if step.CorrelationID == nil || *step.CorrelationID != "c1" {
		t.Fatalf("correlation id = %v, want c1", step.CorrelationID)
	}
	if step.JobRef == nil || *step.JobRef != "corr-1" {
		t.Fatalf("job ref = %v, want corr-1", step.JobRef)
	}

	// Backend echoes the client token on every image, latest first.
	base := step.DispatchedAt.Add(time.Second)
	for i := 3; i >= 0; i-- {
		ev := ImageEvent{
			InvokeID:  "inv-" + string(rune('a'+i)),
			Token:     "c1",
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		img, rule, err := f.correlator.Assign(context.Background(), ev)
		if err != nil {
			t.Fatalf("assign %s: %v", ev.InvokeID, err)
		}
		if rule != RuleToken {
			t.Fatalf("rule = %s, want token", rule)
		}
		if img.BatchID == nil || *img.BatchID != step.BatchID {
			t.Fatalf("image batch = %v, want %s", img.BatchID, step.BatchID)
		}
		img.Retrieval = RetrievalStateCompleted
		if err := f.images.Update(context.Background(), img); err != nil {
			t.Fatalf("complete %s: %v", ev.InvokeID, err)
		}
	}

	f.service.Reevaluate(context.Background(), step.BatchID)
	got, _ := f.steps.FindByPublicID(context.Background(), step.PublicID)
	if got.Status != StepStatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	status, err := f.retrieval.StatusForStep(context.Background(), got)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	want := RetrievalStatus{Total: 4, Completed: 4}
	if status != want {
		t.Fatalf("aggregate = %+v, want %+v", status, want)
	}
}

func TestReleaseSessionDropsInFlightBatches(t *testing.T) {
	f := newStepServiceFixture(t)
	step, err := f.service.Create(context.Background(), validStepInput(f.session.PublicID))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := f.service.ReleaseSession(context.Background(), f.session); err != nil {
		t.Fatalf("release: %v", err)
	}
	if f.correlator.OpenBatches() != 0 {
		t.Fatal("released batch must no longer be tracked")
	}
	if !f.retrieval.batchDropped(&step.BatchID) {
		t.Fatal("released batch must refuse further retries")
	}
}

func TestRecoverOpenBatchesResumesSlotAccounting(t *testing.T) {
	f := newStepServiceFixture(t)
	step, err := f.service.Create(context.Background(), validStepInput(f.session.PublicID))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Simulate a restart: one slot's image was already persisted.
	img := &GeneratedImage{PublicID: "pic_1", InvokeID: "inv-1", BatchID: &step.BatchID, Retrieval: RetrievalStateCompleted}
	f.images.Create(context.Background(), img)
	f.correlator.Drop(step.BatchID)

	if err := f.service.RecoverOpenBatches(context.Background()); err != nil {
		t.Fatalf("recover: %v", err)
	}
	if f.correlator.OpenBatches() != 1 {
		t.Fatalf("open batches = %d, want 1", f.correlator.OpenBatches())
	}

	// The remaining slot fills normally afterwards.
	_, rule, err := f.correlator.Assign(context.Background(), ImageEvent{InvokeID: "inv-2", Token: step.BatchID, CreatedAt: time.Now().UTC()})
	if err != nil || rule != RuleToken {
		t.Fatalf("assign after recovery rule = %s err = %v", rule, err)
	}
	f.service.Reevaluate(context.Background(), step.BatchID)

	got, _ := f.steps.FindByPublicID(context.Background(), step.PublicID)
	if got.Status != StepStatusProcessing {
		t.Fatalf("status = %s, second slot is still pending retrieval", got.Status)
	}
}
