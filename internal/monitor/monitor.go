package monitor

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"adreel/internal/ledger"
	"adreel/internal/models"
	"adreel/internal/telemetry"
)

// Action names what the monitor did about a timed-out run.
type Action string

const (
	ActionNone       Action = "none"
	ActionRetry      Action = "retry"
	ActionRefund     Action = "refund"
	ActionMarkFailed Action = "mark_failed"
)

// JobStore is the slice of run/variant/project persistence the monitor needs.
type JobStore interface {
	ElapsedRuns(ctx context.Context, states []string, engineClass string, cutoff time.Time) ([]models.Run, error)
	GetRun(ctx context.Context, id string) (models.Run, error)
	GetVariant(ctx context.Context, id string) (models.Variant, error)
	GetProject(ctx context.Context, id string) (models.Project, error)
	CountRetries(ctx context.Context, runID string) (int, error)
	MarkRunFailedIfActive(ctx context.Context, id string, responsePayload map[string]any) (bool, error)
	UpdateVariantStatus(ctx context.Context, id, status string) error
	CreateRetryRun(ctx context.Context, original models.Run) (models.Run, error)
}

// CreditLedger is the slice of the ledger the monitor needs for refunds.
// Satisfied by *ledger.Ledger.
type CreditLedger interface {
	HasRefundForRun(ctx context.Context, runID string) (bool, error)
	AppendRefundOnce(ctx context.Context, p ledger.TxParams) (models.CreditTransaction, bool, error)
}

// Resubmission announces that a timed-out run was replaced and the new
// run needs the provider invoked for it.
type Resubmission struct {
	OriginalRunID string
	RetryRun      models.Run
}

// Config tunes sweep cadence and per-class timeout thresholds.
type Config struct {
	SweepInterval  time.Duration
	PreviewTimeout time.Duration
	FinalTimeout   time.Duration
	RefundAmount   int64
	EngineClass    string // optional selection filter
}

// Monitor periodically scans for runs that outlived their class threshold
// and resolves each exactly once: retry, refund, or terminal failure.
// A single monitor instance drives the sweep; there are no parallel sweepers.
type Monitor struct {
	cfg    Config
	store  JobStore
	ledger CreditLedger
	now    func() time.Time

	mu            sync.Mutex
	cancel        context.CancelFunc
	done          chan struct{}
	resubmissions chan Resubmission
}

// New builds a monitor. Zero config fields fall back to production defaults.
func New(cfg Config, store JobStore, ledger CreditLedger) *Monitor {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.PreviewTimeout <= 0 {
		cfg.PreviewTimeout = 10 * time.Minute
	}
	if cfg.FinalTimeout <= 0 {
		cfg.FinalTimeout = 20 * time.Minute
	}
	if cfg.RefundAmount <= 0 {
		cfg.RefundAmount = 1
	}
	return &Monitor{
		cfg:           cfg,
		store:         store,
		ledger:        ledger,
		now:           time.Now,
		resubmissions: make(chan Resubmission, 64),
	}
}

// Resubmissions exposes retry events for the caller layer to act on.
func (m *Monitor) Resubmissions() <-chan Resubmission {
	return m.resubmissions
}

// Start launches the periodic sweep. Starting an already-running monitor
// is a warned no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		log.Printf("[monitor] already running, start ignored")
		return
	}
	sweepCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.loop(sweepCtx, m.done)
	log.Printf("[monitor] started, interval=%s preview=%s final=%s",
		m.cfg.SweepInterval, m.cfg.PreviewTimeout, m.cfg.FinalTimeout)
}

// Stop cancels the scheduled sweep and waits for the loop to exit.
// Stopping a stopped monitor is a no-op.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel = nil
	m.done = nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	log.Printf("[monitor] stopped")
}

func (m *Monitor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Sweep(ctx); err != nil {
				// Logged, not fatal: the run stays non-terminal and the
				// next tick re-selects it.
				telemetry.SweepFailures.Inc()
				log.Printf("[monitor] sweep failed: %v", err)
			}
		}
	}
}

// SweepStats summarizes one sweep for logs and tests.
type SweepStats struct {
	Scanned    int
	Retried    int
	Refunded   int
	MarkFailed int
	Errors     int
}

// Sweep scans once and resolves every elapsed run. Per-run failures are
// counted and logged without aborting the rest of the sweep.
func (m *Monitor) Sweep(ctx context.Context) (SweepStats, error) {
	var stats SweepStats

	// Select with the shorter threshold; per-run refinement below handles
	// the longer final-render window.
	cutoff := m.now().Add(-m.minThreshold())
	runs, err := m.store.ElapsedRuns(ctx, models.ActiveRunStates, m.cfg.EngineClass, cutoff)
	if err != nil {
		return stats, fmt.Errorf("select elapsed runs: %w", err)
	}

	for _, run := range runs {
		elapsed := m.now().Sub(run.CreatedAt)
		if elapsed <= m.threshold(run) {
			continue
		}
		stats.Scanned++
		action, err := m.resolve(ctx, run, elapsed)
		if err != nil {
			stats.Errors++
			log.Printf("[monitor] resolve run=%s failed: %v", run.ID, err)
			continue
		}
		switch action {
		case ActionRetry:
			stats.Retried++
		case ActionRefund:
			stats.Refunded++
		case ActionMarkFailed:
			stats.MarkFailed++
		}
		if action != ActionNone {
			telemetry.TimeoutResolutions.WithLabelValues(string(action)).Inc()
		}
	}

	if stats.Scanned > 0 {
		log.Printf("[monitor] sweep done scanned=%d retried=%d refunded=%d failed=%d errors=%d",
			stats.Scanned, stats.Retried, stats.Refunded, stats.MarkFailed, stats.Errors)
	}
	return stats, nil
}

// resolve applies exactly one compensating action to an elapsed run.
// Final renders are always refunded; previews are retried once and then
// marked failed.
func (m *Monitor) resolve(ctx context.Context, run models.Run, elapsed time.Duration) (Action, error) {
	if run.IsFinal() {
		return m.refund(ctx, run, elapsed)
	}

	retries, err := m.store.CountRetries(ctx, run.ID)
	if err != nil {
		return ActionNone, fmt.Errorf("count retries: %w", err)
	}
	if retries > 0 {
		// A previous sweep already replaced this run but its state write
		// was lost; finish the bookkeeping without a second retry.
		return m.markFailed(ctx, run, elapsed, "timeout_already_retried")
	}
	if run.IsRetry() {
		return m.markFailed(ctx, run, elapsed, "timeout_after_retry")
	}
	return m.retry(ctx, run, elapsed)
}

// retry fails the stalled run, creates its replacement, and publishes a
// resubmission event. The provider re-invocation happens in the caller
// layer consuming Resubmissions.
func (m *Monitor) retry(ctx context.Context, run models.Run, elapsed time.Duration) (Action, error) {
	updated, err := m.store.MarkRunFailedIfActive(ctx, run.ID, timeoutPayload(run, elapsed, "timeout_retry"))
	if err != nil {
		return ActionNone, fmt.Errorf("mark run failed: %w", err)
	}
	if !updated {
		// Lost the race to a late provider result; nothing to compensate.
		return ActionNone, nil
	}

	retryRun, err := m.store.CreateRetryRun(ctx, run)
	if err != nil {
		return ActionNone, fmt.Errorf("create retry run: %w", err)
	}
	log.Printf("[monitor] run=%s timed out after %s, resubmission required (retry run=%s)", run.ID, elapsed.Truncate(time.Second), retryRun.ID)

	select {
	case m.resubmissions <- Resubmission{OriginalRunID: run.ID, RetryRun: retryRun}:
	default:
		log.Printf("[monitor] resubmission channel full, retry run=%s left queued", retryRun.ID)
	}
	return ActionRetry, nil
}

// refund fails a final render, marks the variant errored, and appends the
// compensating credit. The ledger write happens before the state write so
// a ledger failure leaves the run re-selectable instead of resolved
// without compensation.
func (m *Monitor) refund(ctx context.Context, run models.Run, elapsed time.Duration) (Action, error) {
	already, err := m.ledger.HasRefundForRun(ctx, run.ID)
	if err != nil {
		return ActionNone, fmt.Errorf("check prior refund: %w", err)
	}

	variant, err := m.store.GetVariant(ctx, run.VariantID)
	if err != nil {
		return ActionNone, fmt.Errorf("lookup variant: %w", err)
	}

	if !already {
		project, err := m.store.GetProject(ctx, variant.ProjectID)
		if err != nil {
			// Never emit a ledger entry without a valid user.
			return ActionNone, fmt.Errorf("lookup project: %w", err)
		}
		_, written, err := m.ledger.AppendRefundOnce(ctx, ledger.TxParams{
			UserID:      project.UserID,
			Amount:      m.cfg.RefundAmount,
			Description: fmt.Sprintf("refund: final render %s timed out after %s", run.ID, elapsed.Truncate(time.Second)),
			ProjectID:   &project.ID,
			VariantID:   &variant.ID,
			RunID:       &run.ID,
		})
		if err != nil {
			return ActionNone, fmt.Errorf("append refund: %w", err)
		}
		if written {
			telemetry.RefundsIssued.Inc()
			log.Printf("[monitor] refunded %d credit(s) to user=%s for run=%s", m.cfg.RefundAmount, project.UserID, run.ID)
		}
	}

	updated, err := m.store.MarkRunFailedIfActive(ctx, run.ID, timeoutPayload(run, elapsed, "timeout_refunded"))
	if err != nil {
		return ActionNone, fmt.Errorf("mark run failed: %w", err)
	}
	if !updated {
		// The monitor did not win the state transition: either an earlier
		// sweep finished the job, or a late provider success landed between
		// selection and this write. In the latter case a refund now exists
		// for a successful run; leave the variant alone and surface the
		// entry for reconciliation.
		if !already {
			log.Printf("[monitor] run=%s completed before resolution, refund left for reconciliation", run.ID)
		}
		return ActionNone, nil
	}
	if err := m.store.UpdateVariantStatus(ctx, variant.ID, models.VariantError); err != nil {
		return ActionNone, fmt.Errorf("update variant: %w", err)
	}
	return ActionRefund, nil
}

func (m *Monitor) markFailed(ctx context.Context, run models.Run, elapsed time.Duration, reason string) (Action, error) {
	updated, err := m.store.MarkRunFailedIfActive(ctx, run.ID, timeoutPayload(run, elapsed, reason))
	if err != nil {
		return ActionNone, fmt.Errorf("mark run failed: %w", err)
	}
	if !updated {
		return ActionNone, nil
	}
	if err := m.store.UpdateVariantStatus(ctx, run.VariantID, models.VariantError); err != nil {
		return ActionNone, fmt.Errorf("update variant: %w", err)
	}
	return ActionMarkFailed, nil
}

// TimeoutStatus answers an on-demand timeout check for status polling.
type TimeoutStatus struct {
	IsTimedOut  bool
	RunningTime time.Duration
	Threshold   time.Duration
	State       string
}

// CheckRunTimeout reports whether a run has outlived its threshold.
// Terminal runs are never timed out.
func (m *Monitor) CheckRunTimeout(ctx context.Context, runID string) (TimeoutStatus, error) {
	run, err := m.store.GetRun(ctx, runID)
	if err != nil {
		return TimeoutStatus{}, err
	}
	threshold := m.threshold(run)
	elapsed := m.now().Sub(run.CreatedAt)
	return TimeoutStatus{
		IsTimedOut:  !models.IsTerminalRunState(run.State) && elapsed > threshold,
		RunningTime: elapsed,
		Threshold:   threshold,
		State:       run.State,
	}, nil
}

// threshold picks the class-specific deadline: final renders get the
// longer window, previews (duration marker <= 9 or absent) the shorter.
func (m *Monitor) threshold(run models.Run) time.Duration {
	if run.IsFinal() {
		return m.cfg.FinalTimeout
	}
	return m.cfg.PreviewTimeout
}

func (m *Monitor) minThreshold() time.Duration {
	if m.cfg.FinalTimeout < m.cfg.PreviewTimeout {
		return m.cfg.FinalTimeout
	}
	return m.cfg.PreviewTimeout
}

func timeoutPayload(run models.Run, elapsed time.Duration, reason string) map[string]any {
	payload := map[string]any{
		"error":      "render timed out",
		"reason":     reason,
		"elapsed_ms": elapsed.Milliseconds(),
	}
	if run.RetryOf != nil {
		payload["retry_of"] = *run.RetryOf
	}
	return payload
}
