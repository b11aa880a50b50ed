package generation

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"aperture-server/services/gallery-api/internal/utils/photoid"
	"aperture-server/services/gallery-api/internal/utils/platformerrors"
)

// CorrelatorConfig carries the tunable heuristics. The window bounds how long
// after dispatch an untagged arrival may still be attributed to a step.
type CorrelatorConfig struct {
	Window time.Duration
}

// openBatch tracks one dispatched step's outstanding image slots. assigned
// counts every image created for the batch regardless of retrieval outcome;
// a batch stays open until assigned == expected or the step resolves.
type openBatch struct {
	stepID        uint
	batchID       string
	correlationID string
	dispatchedAt  time.Time
	expected      int
	assigned      int
	metadata      GenerationMetadata
}

func (b *openBatch) openSlots() int {
	return b.expected - b.assigned
}

// Correlator matches backend-reported images to pending batches. Rules apply
// in priority order: exact token match, timestamp window, gap detection.
// Unmatched images are stored as orphans, never discarded.
type Correlator struct {
	cfg    CorrelatorConfig
	images ImageRepository
	log    zerolog.Logger

	mu      sync.Mutex
	batches map[string]*openBatch
}

func NewCorrelator(cfg CorrelatorConfig, images ImageRepository, log zerolog.Logger) *Correlator {
	return &Correlator{
		cfg:     cfg,
		images:  images,
		log:     log.With().Str("component", "correlator").Logger(),
		batches: make(map[string]*openBatch),
	}
}

// Track registers a freshly dispatched step's batch.
func (c *Correlator) Track(step *Step) {
	if step.DispatchedAt == nil {
		return
	}
	batch := &openBatch{
		stepID:       step.ID,
		batchID:      step.BatchID,
		dispatchedAt: *step.DispatchedAt,
		expected:     step.Params.BatchSize,
		metadata: GenerationMetadata{
			Prompt:         step.Prompt,
			NegativePrompt: step.NegativePrompt,
			ModelKey:       step.Params.ModelKey,
			ModelHash:      step.Params.ModelHash,
			Scheduler:      step.Params.Scheduler,
			Steps:          step.Params.Steps,
			GuidanceScale:  step.Params.GuidanceScale,
			Seed:           step.Params.Seed,
		},
	}
	if step.CorrelationID != nil {
		batch.correlationID = *step.CorrelationID
	}

	c.mu.Lock()
	c.batches[step.BatchID] = batch
	c.mu.Unlock()
}

// TrackAssigned restores a batch from persisted state on startup, counting
// images already created for it.
func (c *Correlator) TrackAssigned(step *Step, assigned int) {
	c.Track(step)
	c.mu.Lock()
	if b, ok := c.batches[step.BatchID]; ok {
		b.assigned = assigned
	}
	c.mu.Unlock()
}

// Drop forgets a batch, e.g. when its step resolved or its session was
// abandoned. In-flight backend work is not cancelled; late arrivals for a
// dropped batch become orphans.
func (c *Correlator) Drop(batchID string) {
	c.mu.Lock()
	delete(c.batches, batchID)
	c.mu.Unlock()
}

// OpenBatches returns the number of batches still awaiting arrivals.
func (c *Correlator) OpenBatches() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.batches)
}

// CorrelationRule identifies which heuristic produced an assignment.
type CorrelationRule string

const (
	RuleToken     CorrelationRule = "token"
	RuleTimestamp CorrelationRule = "timestamp"
	RuleGap       CorrelationRule = "gap"
	RuleOrphan    CorrelationRule = "orphan"
)

// Assign attributes one reported image to a batch and persists the image
// record. Duplicate reports (same invoke id) are ignored. The returned rule
// names the heuristic used, RuleOrphan when nothing matched.
func (c *Correlator) Assign(ctx context.Context, ev ImageEvent) (*GeneratedImage, CorrelationRule, error) {
	if existing, err := c.images.FindByInvokeID(ctx, ev.InvokeID); err == nil && existing != nil {
		// duplicate delivery
		return existing, "", nil
	}

	c.mu.Lock()
	batch, rule, low := c.match(ctx, ev)
	if batch != nil {
		batch.assigned++
	}
	c.mu.Unlock()

	image := &GeneratedImage{
		PublicID:    photoid.New(),
		InvokeID:    ev.InvokeID,
		Width:       ev.Width,
		Height:      ev.Height,
		Retrieval:   RetrievalStatePending,
		GeneratedAt: ev.CreatedAt,
	}
	if ev.Token != "" {
		token := ev.Token
		image.CorrelationID = &token
	}
	if batch != nil {
		batchID := batch.batchID
		stepID := batch.stepID
		image.BatchID = &batchID
		image.StepID = &stepID
		image.LowConfidence = low
		image.Metadata = batch.metadata
	}

	if err := c.images.Create(ctx, image); err != nil {
		if batch != nil {
			c.mu.Lock()
			batch.assigned--
			c.mu.Unlock()
		}
		return nil, "", platformerrors.AsError(ctx, platformerrors.LayerDomain, err, "failed to persist reported image")
	}

	if batch == nil {
		c.log.Warn().Str("invoke_id", ev.InvokeID).Str("token", ev.Token).Msg("image stored as orphan, no batch matched")
		return image, RuleOrphan, nil
	}
	return image, rule, nil
}

// match applies the correlation rules. Caller holds c.mu.
func (c *Correlator) match(ctx context.Context, ev ImageEvent) (*openBatch, CorrelationRule, bool) {
	// Rule 1: exact correlation token match.
	if ev.Token != "" {
		var hits []*openBatch
		for _, b := range c.batches {
			if ev.Token == b.batchID || (b.correlationID != "" && ev.Token == b.correlationID) {
				hits = append(hits, b)
			}
		}
		if len(hits) > 1 {
			// Token collision across live batches is an invariant violation;
			// refuse to guess and let the image fall through to orphan storage.
			collision := platformerrors.NewErrorWithContext(ctx, platformerrors.LayerDomain, platformerrors.ErrorTypeInvalidState, "correlation token matches multiple open batches", nil, "e58a1c37-92b4-4d0f-86e3-1f7b9c04da26", map[string]any{
				"token":   ev.Token,
				"batches": len(hits),
			})
			platformerrors.LogError(c.log, collision)
			return nil, "", false
		}
		if len(hits) == 1 {
			if hits[0].openSlots() <= 0 {
				c.log.Warn().Str("batch_id", hits[0].batchID).Msg("token matched a batch with no open slots, treating as orphan")
				return nil, "", false
			}
			return hits[0], RuleToken, false
		}
		return nil, "", false
	}

	// Rule 2: timestamp window. Closest dispatch preceding the image's
	// reported creation time, among batches with open slots.
	var candidates []*openBatch
	for _, b := range c.batches {
		if b.openSlots() <= 0 {
			continue
		}
		age := ev.CreatedAt.Sub(b.dispatchedAt)
		if age < 0 || age > c.cfg.Window {
			continue
		}
		candidates = append(candidates, b)
	}
	if len(candidates) == 0 {
		return nil, "", false
	}

	var best []*openBatch
	for _, b := range candidates {
		if len(best) == 0 || b.dispatchedAt.After(best[0].dispatchedAt) {
			best = []*openBatch{b}
		} else if b.dispatchedAt.Equal(best[0].dispatchedAt) {
			best = append(best, b)
		}
	}
	if len(best) == 1 {
		return best[0], RuleTimestamp, false
	}

	// Rule 3: gap detection. Largest remaining slot deficit wins; remaining
	// ties go to the oldest still-open batch, flagged low-confidence.
	winner := best[0]
	for _, b := range best[1:] {
		if b.openSlots() > winner.openSlots() {
			winner = b
			continue
		}
		if b.openSlots() == winner.openSlots() && b.stepID < winner.stepID {
			winner = b
		}
	}
	return winner, RuleGap, true
}
