package eventpump

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"aperture-server/services/gallery-api/internal/config"
	"aperture-server/services/gallery-api/internal/domain/generation"
	"aperture-server/services/gallery-api/internal/infrastructure/metrics"
)

// Pump is the poll loop bridging the generation backend and the correlation
// engine. Each cycle lists images reported since the watermark, attributes
// them to open batches and queues the new ones for retrieval.
type Pump struct {
	cfg        *config.Config
	backend    generation.Backend
	correlator *generation.Correlator
	retrieval  *generation.RetrievalController
	steps      *generation.StepService
	log        zerolog.Logger

	watermark time.Time
}

func New(
	cfg *config.Config,
	backend generation.Backend,
	correlator *generation.Correlator,
	retrieval *generation.RetrievalController,
	steps *generation.StepService,
	log zerolog.Logger,
) *Pump {
	retrieval.SetObserver(metrics.RecordRetrieval)
	return &Pump{
		cfg:        cfg,
		backend:    backend,
		correlator: correlator,
		retrieval:  retrieval,
		steps:      steps,
		log:        log.With().Str("component", "event-pump").Logger(),
	}
}

// Run restores in-flight state and then polls until the context ends.
func (p *Pump) Run(ctx context.Context) error {
	// Open batches and pending retrievals survive restarts in the database;
	// the in-memory trackers have to be rebuilt before the first poll.
	if err := p.steps.RecoverOpenBatches(ctx); err != nil {
		return err
	}
	if err := p.retrieval.Rehydrate(ctx); err != nil {
		return err
	}

	// Start far enough back to pick up images that arrived while the
	// process was down. Anything older has either been seen (dedup by
	// backend id) or belongs to batches long resolved.
	p.watermark = time.Now().UTC().Add(-p.cfg.CorrelationWindow)

	interval := p.cfg.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.log.Info().Dur("interval", interval).Msg("event pump started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.cycle(ctx)
		}
	}
}

func (p *Pump) cycle(ctx context.Context) {
	start := time.Now()
	events, err := p.backend.PollImages(ctx, p.watermark)
	metrics.PollDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		p.log.Warn().Err(err).Msg("image poll failed")
		return
	}
	metrics.OpenBatches.Set(float64(p.correlator.OpenBatches()))

	for _, ev := range events {
		image, rule, err := p.correlator.Assign(ctx, ev)
		if err != nil {
			p.log.Error().Err(err).Str("invoke_id", ev.InvokeID).Msg("failed to record reported image")
			continue
		}
		if ev.CreatedAt.After(p.watermark) {
			p.watermark = ev.CreatedAt
		}
		if rule == "" {
			// duplicate delivery, already tracked
			continue
		}
		metrics.RecordCorrelation(string(rule))
		p.retrieval.Enqueue(image)
	}
}
