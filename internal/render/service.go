package render

import (
	"context"
	"fmt"
	"log"
	"time"

	"adreel/internal/config"
	"adreel/internal/ledger"
	"adreel/internal/models"
	"adreel/internal/provider"
	"adreel/internal/resilience"
	"adreel/internal/telemetry"
)

// Store is the slice of persistence the render service needs.
type Store interface {
	GetVariant(ctx context.Context, id string) (models.Variant, error)
	GetProject(ctx context.Context, id string) (models.Project, error)
	CreateRun(ctx context.Context, variantID, engineClass string, requestPayload map[string]any) (models.Run, error)
	MarkRunRunning(ctx context.Context, id string) error
	MarkRunSucceededIfActive(ctx context.Context, id string, responsePayload map[string]any) (bool, error)
	MarkRunFailedIfActive(ctx context.Context, id string, responsePayload map[string]any) (bool, error)
	UpdateVariantStatus(ctx context.Context, id, status string) error
}

// Debiter is the ledger slice used when a render is started.
type Debiter interface {
	DebitUsage(ctx context.Context, p ledger.TxParams) (models.CreditTransaction, error)
}

// Archiver stores a thumbnail for a finished render. Optional.
type Archiver interface {
	Archive(ctx context.Context, runID, previewURL string) (string, error)
}

// Service starts render runs and drives them to completion against the
// external provider, with retry and circuit breaking.
type Service struct {
	cfg      config.Config
	store    Store
	ledger   Debiter
	provider provider.RenderStarter
	breakers *resilience.BreakerRegistry
	thumbs   Archiver
}

// New wires the service. thumbs may be nil to skip thumbnail archiving.
func New(cfg config.Config, st Store, lg Debiter, pr provider.RenderStarter, breakers *resilience.BreakerRegistry, thumbs Archiver) *Service {
	return &Service{cfg: cfg, store: st, ledger: lg, provider: pr, breakers: breakers, thumbs: thumbs}
}

// StartRun debits one credit, persists a queued run, and kicks off the
// provider call in the background. The debit happens first so a run row
// never exists without its matching usage entry.
func (s *Service) StartRun(ctx context.Context, variantID, engineClass string, duration int, prompt string) (models.Run, error) {
	variant, err := s.store.GetVariant(ctx, variantID)
	if err != nil {
		return models.Run{}, err
	}
	project, err := s.store.GetProject(ctx, variant.ProjectID)
	if err != nil {
		return models.Run{}, err
	}

	if engineClass == "" {
		if duration == models.FinalRenderDuration {
			engineClass = "final-render"
		} else {
			engineClass = "fast-preview"
		}
	}

	// Refuse before the debit: an open circuit would fail the run
	// immediately and there is no compensation path for the credit.
	if err := s.breakers.Check("render:" + engineClass); err != nil {
		return models.Run{}, err
	}

	payload := map[string]any{
		"duration":    duration,
		"prompt":      prompt,
		"product_url": project.ProductURL,
	}

	if _, err := s.ledger.DebitUsage(ctx, ledger.TxParams{
		UserID:      project.UserID,
		Amount:      1,
		Description: fmt.Sprintf("render start for variant %s", variant.ID),
		ProjectID:   &project.ID,
		VariantID:   &variant.ID,
	}); err != nil {
		return models.Run{}, err
	}

	run, err := s.store.CreateRun(ctx, variant.ID, engineClass, payload)
	if err != nil {
		return models.Run{}, err
	}
	telemetry.RunsStarted.Inc()

	go s.Execute(run)
	return run, nil
}

// Resubmit drives a replacement run created by the timeout monitor. No
// new debit: the original charge still covers the work.
func (s *Service) Resubmit(retryRun models.Run) {
	log.Printf("[render] resubmitting run=%s (retry of %s)", retryRun.ID, deref(retryRun.RetryOf))
	go s.Execute(retryRun)
}

// Execute invokes the provider for a run and applies the outcome with
// conditional writes, so a result arriving after the monitor has already
// resolved the run is discarded rather than resurrecting state.
func (s *Service) Execute(run models.Run) {
	// The request context dies with the HTTP request; the render outlives
	// it. Bound the flow by the class timeout plus slack so the monitor
	// remains the final arbiter.
	ctx, cancel := context.WithTimeout(context.Background(), s.timeoutFor(run)+2*time.Minute)
	defer cancel()

	telemetry.InFlightRenders.Inc()
	defer telemetry.InFlightRenders.Dec()

	req := provider.RenderRequest{
		EngineClass: run.EngineClass,
		Duration:    run.RequestedDuration(),
		Prompt:      stringFrom(run.RequestPayload, "prompt"),
		ProductURL:  stringFrom(run.RequestPayload, "product_url"),
	}

	var job provider.RenderJob
	opName := "render:" + run.EngineClass
	err := s.breakers.Do(ctx, opName, func(ctx context.Context) error {
		return resilience.ExecuteWithRetry(ctx, opName, func(ctx context.Context) error {
			started, err := s.provider.StartRender(ctx, req)
			if err != nil {
				return err
			}
			job = started
			return nil
		}, resilience.WithRetryConfig(s.retryConfig()))
	})
	if err != nil {
		s.fail(ctx, run, err)
		return
	}

	if err := s.store.MarkRunRunning(ctx, run.ID); err != nil {
		log.Printf("[render] run=%s mark running failed: %v", run.ID, err)
	}

	result, err := s.provider.PollRender(ctx, job.ID, s.cfg.ProviderPollInterval, s.timeoutFor(run))
	if err != nil {
		s.fail(ctx, run, err)
		return
	}
	s.succeed(ctx, run, result)
}

func (s *Service) succeed(ctx context.Context, run models.Run, result provider.RenderJob) {
	responsePayload := map[string]any{
		"provider_job_id": result.ID,
		"video_url":       result.VideoURL,
		"preview_url":     result.PreviewURL,
	}
	updated, err := s.store.MarkRunSucceededIfActive(ctx, run.ID, responsePayload)
	if err != nil {
		log.Printf("[render] run=%s mark succeeded failed: %v", run.ID, err)
		return
	}
	if !updated {
		// The monitor already timed this run out; the late result is stale.
		telemetry.StaleResults.Inc()
		log.Printf("[render] run=%s completed after resolution, result discarded", run.ID)
		return
	}
	telemetry.RunsSucceeded.Inc()

	if err := s.store.UpdateVariantStatus(ctx, run.VariantID, models.VariantReady); err != nil {
		log.Printf("[render] run=%s variant update failed: %v", run.ID, err)
	}

	if s.thumbs != nil && result.PreviewURL != "" {
		if location, err := s.thumbs.Archive(ctx, run.ID, result.PreviewURL); err != nil {
			log.Printf("[render] run=%s thumbnail archive failed: %v", run.ID, err)
		} else {
			log.Printf("[render] run=%s thumbnail stored at %s", run.ID, location)
		}
	}
}

func (s *Service) fail(ctx context.Context, run models.Run, cause error) {
	c := resilience.Classify(cause)
	responsePayload := map[string]any{
		"error":    cause.Error(),
		"category": string(c.Category),
	}
	updated, err := s.store.MarkRunFailedIfActive(ctx, run.ID, responsePayload)
	if err != nil {
		log.Printf("[render] run=%s mark failed errored: %v", run.ID, err)
		return
	}
	if !updated {
		log.Printf("[render] run=%s failed after resolution, ignored", run.ID)
		return
	}
	telemetry.RunsFailed.Inc()
	log.Printf("[render] run=%s failed (%s): %v", run.ID, c.Category, cause)
}

func (s *Service) timeoutFor(run models.Run) time.Duration {
	if run.IsFinal() {
		return s.cfg.FinalTimeout
	}
	return s.cfg.PreviewTimeout
}

func (s *Service) retryConfig() resilience.RetryConfig {
	cfg := resilience.DefaultRetryConfig()
	if s.cfg.RetryMaxRetries > 0 {
		cfg.MaxRetries = s.cfg.RetryMaxRetries
	}
	if s.cfg.RetryBaseDelay > 0 {
		cfg.BaseDelay = s.cfg.RetryBaseDelay
	}
	if s.cfg.RetryMaxDelay > 0 {
		cfg.MaxDelay = s.cfg.RetryMaxDelay
	}
	if s.cfg.RetryExponentialBase > 0 {
		cfg.ExponentialBase = s.cfg.RetryExponentialBase
	}
	if s.cfg.RetryJitterFactor > 0 {
		cfg.JitterFactor = s.cfg.RetryJitterFactor
	}
	return cfg
}

func stringFrom(payload map[string]any, key string) string {
	if v, ok := payload[key].(string); ok {
		return v
	}
	return ""
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
