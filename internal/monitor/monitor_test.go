package monitor

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"adreel/internal/ledger"
	"adreel/internal/models"
)

type fakeStore struct {
	mu       sync.Mutex
	runs     map[string]*models.Run
	variants map[string]*models.Variant
	projects map[string]*models.Project
	nextID   int

	// beforeFail runs under the lock just before a failed-write attempt,
	// to interleave a late provider result with the sweep.
	beforeFail func()
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		runs:     map[string]*models.Run{},
		variants: map[string]*models.Variant{},
		projects: map[string]*models.Project{},
	}
}

func (f *fakeStore) addProject(userID string) models.Project {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	p := models.Project{ID: fmt.Sprintf("proj-%d", f.nextID), UserID: userID}
	f.projects[p.ID] = &p
	return p
}

func (f *fakeStore) addVariant(projectID string) models.Variant {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	v := models.Variant{ID: fmt.Sprintf("var-%d", f.nextID), ProjectID: projectID, Status: models.VariantPending}
	f.variants[v.ID] = &v
	return v
}

func (f *fakeStore) addRun(variantID, state string, payload map[string]any, createdAt time.Time, retryOf *string) models.Run {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	r := models.Run{
		ID:             fmt.Sprintf("run-%d", f.nextID),
		VariantID:      variantID,
		State:          state,
		RequestPayload: payload,
		RetryOf:        retryOf,
		CreatedAt:      createdAt,
	}
	f.runs[r.ID] = &r
	return r
}

func (f *fakeStore) ElapsedRuns(_ context.Context, states []string, _ string, cutoff time.Time) ([]models.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Run
	for _, r := range f.runs {
		if !contains(states, r.State) || !r.CreatedAt.Before(cutoff) {
			continue
		}
		out = append(out, *r)
	}
	return out, nil
}

func (f *fakeStore) GetRun(_ context.Context, id string) (models.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.runs[id]
	if !ok {
		return models.Run{}, fmt.Errorf("run %s: not found", id)
	}
	return *r, nil
}

func (f *fakeStore) GetVariant(_ context.Context, id string) (models.Variant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.variants[id]
	if !ok {
		return models.Variant{}, fmt.Errorf("variant %s: not found", id)
	}
	return *v, nil
}

func (f *fakeStore) GetProject(_ context.Context, id string) (models.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.projects[id]
	if !ok {
		return models.Project{}, fmt.Errorf("project %s: not found", id)
	}
	return *p, nil
}

func (f *fakeStore) CountRetries(_ context.Context, runID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.runs {
		if r.RetryOf != nil && *r.RetryOf == runID {
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) MarkRunFailedIfActive(_ context.Context, id string, responsePayload map[string]any) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.beforeFail != nil {
		f.beforeFail()
	}
	r, ok := f.runs[id]
	if !ok {
		return false, fmt.Errorf("run %s: not found", id)
	}
	if models.IsTerminalRunState(r.State) {
		return false, nil
	}
	r.State = models.RunFailed
	r.ResponsePayload = responsePayload
	return true, nil
}

func (f *fakeStore) UpdateVariantStatus(_ context.Context, id, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.variants[id]
	if !ok {
		return fmt.Errorf("variant %s: not found", id)
	}
	v.Status = status
	return nil
}

func (f *fakeStore) CreateRetryRun(_ context.Context, original models.Run) (models.Run, error) {
	return f.addRun(original.VariantID, models.RunQueued, original.RequestPayload, time.Now(), &original.ID), nil
}

type fakeLedger struct {
	mu      sync.Mutex
	refunds map[string]models.CreditTransaction
	appends int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{refunds: map[string]models.CreditTransaction{}}
}

func (f *fakeLedger) HasRefundForRun(_ context.Context, runID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.refunds[runID]
	return ok, nil
}

func (f *fakeLedger) AppendRefundOnce(_ context.Context, p ledger.TxParams) (models.CreditTransaction, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appends++
	if _, ok := f.refunds[*p.RunID]; ok {
		return models.CreditTransaction{}, false, nil
	}
	tx := models.CreditTransaction{UserID: p.UserID, Amount: p.Amount, Type: models.TxRefund, RunID: p.RunID}
	f.refunds[*p.RunID] = tx
	return tx, true, nil
}

func contains(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

func testMonitor(st *fakeStore, lg *fakeLedger, at time.Time) *Monitor {
	m := New(Config{
		SweepInterval:  time.Minute,
		PreviewTimeout: 10 * time.Minute,
		FinalTimeout:   20 * time.Minute,
		RefundAmount:   1,
	}, st, lg)
	m.now = func() time.Time { return at }
	return m
}

func TestSweepRetriesStalledPreview(t *testing.T) {
	st := newFakeStore()
	lg := newFakeLedger()
	project := st.addProject("user-1")
	variant := st.addVariant(project.ID)

	t0 := time.Now()
	// No duration marker at all: classified as a preview.
	run := st.addRun(variant.ID, models.RunQueued, map[string]any{}, t0, nil)

	m := testMonitor(st, lg, t0.Add(11*time.Minute))
	stats, err := m.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if stats.Retried != 1 || stats.Refunded != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	got, _ := st.GetRun(context.Background(), run.ID)
	if got.State != models.RunFailed {
		t.Fatalf("run state = %s, want failed", got.State)
	}
	if n, _ := st.CountRetries(context.Background(), run.ID); n != 1 {
		t.Fatalf("expected one replacement run, got %d", n)
	}
	if lg.appends != 0 {
		t.Fatalf("retry action must not touch the ledger, got %d appends", lg.appends)
	}

	select {
	case r := <-m.Resubmissions():
		if r.OriginalRunID != run.ID {
			t.Fatalf("resubmission for wrong run: %s", r.OriginalRunID)
		}
		if r.RetryRun.RetryOf == nil || *r.RetryRun.RetryOf != run.ID {
			t.Fatalf("retry run missing back-reference")
		}
	default:
		t.Fatalf("expected a resubmission event")
	}
}

func TestSweepRefundsStalledFinalExactlyOnce(t *testing.T) {
	st := newFakeStore()
	lg := newFakeLedger()
	project := st.addProject("user-7")
	variant := st.addVariant(project.ID)

	t0 := time.Now()
	run := st.addRun(variant.ID, models.RunRunning, map[string]any{"duration": float64(24)}, t0, nil)

	m := testMonitor(st, lg, t0.Add(21*time.Minute))
	stats, err := m.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if stats.Refunded != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	got, _ := st.GetRun(context.Background(), run.ID)
	if got.State != models.RunFailed {
		t.Fatalf("run state = %s, want failed", got.State)
	}
	v, _ := st.GetVariant(context.Background(), variant.ID)
	if v.Status != models.VariantError {
		t.Fatalf("variant status = %s, want error", v.Status)
	}
	tx, ok := lg.refunds[run.ID]
	if !ok || tx.Amount != 1 || tx.UserID != "user-7" {
		t.Fatalf("unexpected refund entry: %+v (ok=%v)", tx, ok)
	}

	// A second sweep observes the terminal run and writes nothing more.
	stats, err = m.Sweep(context.Background())
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if stats.Scanned != 0 {
		t.Fatalf("terminal run must not be re-selected: %+v", stats)
	}
	if len(lg.refunds) != 1 {
		t.Fatalf("expected exactly one refund, got %d", len(lg.refunds))
	}
}

func TestRefundLeavesVariantWhenLateSuccessWins(t *testing.T) {
	st := newFakeStore()
	lg := newFakeLedger()
	project := st.addProject("user-8")
	variant := st.addVariant(project.ID)

	t0 := time.Now()
	run := st.addRun(variant.ID, models.RunRunning, map[string]any{"duration": float64(24)}, t0, nil)

	// The provider reports success between the sweep's selection and its
	// failed-write attempt.
	st.beforeFail = func() {
		st.runs[run.ID].State = models.RunSucceeded
	}

	m := testMonitor(st, lg, t0.Add(21*time.Minute))
	stats, err := m.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if stats.Refunded != 0 {
		t.Fatalf("lost state transition must not count as a refund action: %+v", stats)
	}

	got, _ := st.GetRun(context.Background(), run.ID)
	if got.State != models.RunSucceeded {
		t.Fatalf("run state = %s, want succeeded", got.State)
	}
	if st.variants[variant.ID].Status == models.VariantError {
		t.Fatalf("variant of a succeeded run must not be marked errored")
	}
	// The refund landed before the race was detected; it stays in the
	// ledger for reconciliation rather than being silently reversed.
	if len(lg.refunds) != 1 {
		t.Fatalf("expected the already-appended refund to remain, got %d", len(lg.refunds))
	}
}

func TestSweepFinalWithReplacementStillRefunded(t *testing.T) {
	st := newFakeStore()
	lg := newFakeLedger()
	project := st.addProject("user-9")
	variant := st.addVariant(project.ID)

	t0 := time.Now()
	final := st.addRun(variant.ID, models.RunRunning, map[string]any{"duration": float64(24)}, t0, nil)
	// A stray replacement row must not demote a final render to a plain
	// failure: finals are always compensated with a refund.
	st.addRun(variant.ID, models.RunQueued, map[string]any{"duration": float64(24)}, t0.Add(20*time.Minute), &final.ID)

	m := testMonitor(st, lg, t0.Add(21*time.Minute))
	stats, err := m.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if stats.Refunded != 1 || stats.MarkFailed != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if _, ok := lg.refunds[final.ID]; !ok {
		t.Fatalf("expected a refund for the timed-out final render")
	}
}

func TestSweepFinalWithinThresholdUntouched(t *testing.T) {
	st := newFakeStore()
	lg := newFakeLedger()
	project := st.addProject("user-2")
	variant := st.addVariant(project.ID)

	t0 := time.Now()
	run := st.addRun(variant.ID, models.RunRunning, map[string]any{"duration": float64(24)}, t0, nil)

	// 15 minutes in: past the preview threshold but inside the final one.
	m := testMonitor(st, lg, t0.Add(15*time.Minute))
	stats, err := m.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if stats.Scanned != 0 {
		t.Fatalf("final run inside threshold must be skipped: %+v", stats)
	}
	got, _ := st.GetRun(context.Background(), run.ID)
	if got.State != models.RunRunning {
		t.Fatalf("run state changed unexpectedly: %s", got.State)
	}
}

func TestSweepFailsRetriedPreviewWithoutRefund(t *testing.T) {
	st := newFakeStore()
	lg := newFakeLedger()
	project := st.addProject("user-3")
	variant := st.addVariant(project.ID)

	t0 := time.Now()
	original := st.addRun(variant.ID, models.RunFailed, map[string]any{"duration": float64(5)}, t0.Add(-30*time.Minute), nil)
	retry := st.addRun(variant.ID, models.RunQueued, map[string]any{"duration": float64(5)}, t0, &original.ID)

	m := testMonitor(st, lg, t0.Add(11*time.Minute))
	stats, err := m.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if stats.MarkFailed != 1 || stats.Retried != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	got, _ := st.GetRun(context.Background(), retry.ID)
	if got.State != models.RunFailed {
		t.Fatalf("retry run state = %s, want failed", got.State)
	}
	v, _ := st.GetVariant(context.Background(), variant.ID)
	if v.Status != models.VariantError {
		t.Fatalf("variant status = %s, want error", v.Status)
	}
	if lg.appends != 0 {
		t.Fatalf("mark_failed must not touch the ledger")
	}
	if n, _ := st.CountRetries(context.Background(), retry.ID); n != 0 {
		t.Fatalf("a retry run must never be retried again")
	}
}

func TestSweepAlreadyRetriedRunFinishedWithoutSecondRetry(t *testing.T) {
	st := newFakeStore()
	lg := newFakeLedger()
	project := st.addProject("user-4")
	variant := st.addVariant(project.ID)

	t0 := time.Now()
	// Still active, but a replacement already exists from a prior sweep
	// whose state write was lost.
	original := st.addRun(variant.ID, models.RunQueued, map[string]any{}, t0, nil)
	st.addRun(variant.ID, models.RunQueued, map[string]any{}, t0.Add(10*time.Minute), &original.ID)

	m := testMonitor(st, lg, t0.Add(11*time.Minute))
	stats, err := m.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if stats.MarkFailed != 1 || stats.Retried != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if n, _ := st.CountRetries(context.Background(), original.ID); n != 1 {
		t.Fatalf("expected the single existing replacement, got %d", n)
	}
}

func TestRefundSkippedWhenAttributionMissing(t *testing.T) {
	st := newFakeStore()
	lg := newFakeLedger()
	// Variant exists but its project does not: lookup must fail and no
	// ledger entry may be written.
	variant := st.addVariant("missing-project")

	t0 := time.Now()
	run := st.addRun(variant.ID, models.RunRunning, map[string]any{"duration": float64(24)}, t0, nil)

	m := testMonitor(st, lg, t0.Add(21*time.Minute))
	stats, err := m.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if stats.Errors != 1 || stats.Refunded != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if lg.appends != 0 {
		t.Fatalf("no ledger entry may exist without a valid user")
	}
	// The run stays active so the next sweep re-selects it.
	got, _ := st.GetRun(context.Background(), run.ID)
	if got.State != models.RunRunning {
		t.Fatalf("run must remain unresolved, got state %s", got.State)
	}
}

func TestCheckRunTimeout(t *testing.T) {
	st := newFakeStore()
	lg := newFakeLedger()
	project := st.addProject("user-5")
	variant := st.addVariant(project.ID)

	t0 := time.Now()
	preview := st.addRun(variant.ID, models.RunQueued, map[string]any{}, t0, nil)
	final := st.addRun(variant.ID, models.RunRunning, map[string]any{"duration": float64(24)}, t0, nil)
	done := st.addRun(variant.ID, models.RunSucceeded, map[string]any{}, t0.Add(-time.Hour), nil)

	m := testMonitor(st, lg, t0.Add(11*time.Minute))

	status, err := m.CheckRunTimeout(context.Background(), preview.ID)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !status.IsTimedOut || status.Threshold != 10*time.Minute {
		t.Fatalf("unexpected preview status: %+v", status)
	}

	status, _ = m.CheckRunTimeout(context.Background(), final.ID)
	if status.IsTimedOut || status.Threshold != 20*time.Minute {
		t.Fatalf("unexpected final status: %+v", status)
	}

	status, _ = m.CheckRunTimeout(context.Background(), done.ID)
	if status.IsTimedOut {
		t.Fatalf("terminal runs are never timed out")
	}
}

func TestStartStopIdempotent(t *testing.T) {
	st := newFakeStore()
	lg := newFakeLedger()
	m := testMonitor(st, lg, time.Now())

	ctx := context.Background()
	m.Start(ctx)
	m.Start(ctx) // warned no-op
	m.Stop()
	m.Stop() // no-op
	m.Start(ctx)
	m.Stop()
}
