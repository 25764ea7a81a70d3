package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"adreel/internal/models"
)

// ErrNotFound is returned when a row lookup matches nothing.
var ErrNotFound = errors.New("not found")

// Store wraps pgxpool for Postgres persistence of projects, variants, and runs.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewWithPool wraps an existing pool, sharing it with the ledger.
func NewWithPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Pool exposes the underlying pool so the ledger can share connections.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// CreateProject inserts a project owned by a user.
func (s *Store) CreateProject(ctx context.Context, userID, productURL string) (models.Project, error) {
	p := models.Project{
		ID:         uuid.New().String(),
		UserID:     userID,
		ProductURL: productURL,
		CreatedAt:  time.Now().UTC(),
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO projects (id, user_id, product_url, created_at)
		VALUES ($1, $2, $3, $4)
	`, p.ID, p.UserID, p.ProductURL, p.CreatedAt)
	if err != nil {
		return models.Project{}, fmt.Errorf("insert project: %w", err)
	}
	return p, nil
}

// GetProject fetches a project by id.
func (s *Store) GetProject(ctx context.Context, id string) (models.Project, error) {
	var p models.Project
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, product_url, created_at FROM projects WHERE id = $1
	`, id).Scan(&p.ID, &p.UserID, &p.ProductURL, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Project{}, fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Project{}, fmt.Errorf("scan project: %w", err)
	}
	return p, nil
}

// CreateVariant inserts a pending variant under a project.
func (s *Store) CreateVariant(ctx context.Context, projectID, concept string) (models.Variant, error) {
	now := time.Now().UTC()
	v := models.Variant{
		ID:        uuid.New().String(),
		ProjectID: projectID,
		Status:    models.VariantPending,
		Concept:   concept,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO variants (id, project_id, status, concept, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
	`, v.ID, v.ProjectID, v.Status, v.Concept, now)
	if err != nil {
		return models.Variant{}, fmt.Errorf("insert variant: %w", err)
	}
	return v, nil
}

// GetVariant fetches a variant by id.
func (s *Store) GetVariant(ctx context.Context, id string) (models.Variant, error) {
	var v models.Variant
	err := s.pool.QueryRow(ctx, `
		SELECT id, project_id, status, concept, created_at, updated_at FROM variants WHERE id = $1
	`, id).Scan(&v.ID, &v.ProjectID, &v.Status, &v.Concept, &v.CreatedAt, &v.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Variant{}, fmt.Errorf("variant %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Variant{}, fmt.Errorf("scan variant: %w", err)
	}
	return v, nil
}

// UpdateVariantStatus sets the UI status mirror.
func (s *Store) UpdateVariantStatus(ctx context.Context, id, status string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE variants SET status = $2, updated_at = NOW() WHERE id = $1
	`, id, status)
	return err
}

// CreateRun inserts a queued run for a variant.
func (s *Store) CreateRun(ctx context.Context, variantID, engineClass string, requestPayload map[string]any) (models.Run, error) {
	return s.insertRun(ctx, variantID, engineClass, requestPayload, nil)
}

// CreateRetryRun inserts the replacement run for a timed-out original,
// carrying the same request and a retry_of back-reference.
func (s *Store) CreateRetryRun(ctx context.Context, original models.Run) (models.Run, error) {
	return s.insertRun(ctx, original.VariantID, original.EngineClass, original.RequestPayload, &original.ID)
}

func (s *Store) insertRun(ctx context.Context, variantID, engineClass string, requestPayload map[string]any, retryOf *string) (models.Run, error) {
	if requestPayload == nil {
		requestPayload = map[string]any{}
	}
	payloadJSON, err := json.Marshal(requestPayload)
	if err != nil {
		return models.Run{}, fmt.Errorf("marshal request payload: %w", err)
	}
	now := time.Now().UTC()
	run := models.Run{
		ID:             uuid.New().String(),
		VariantID:      variantID,
		EngineClass:    engineClass,
		State:          models.RunQueued,
		RequestPayload: requestPayload,
		RetryOf:        retryOf,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO runs (id, variant_id, engine_class, state, request_payload, retry_of, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
	`, run.ID, run.VariantID, run.EngineClass, run.State, payloadJSON, retryOf, now)
	if err != nil {
		return models.Run{}, fmt.Errorf("insert run: %w", err)
	}
	return run, nil
}

// GetRun fetches a run by id.
func (s *Store) GetRun(ctx context.Context, id string) (models.Run, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, variant_id, engine_class, state, request_payload, response_payload, retry_of, created_at, updated_at
		FROM runs WHERE id = $1
	`, id)
	run, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Run{}, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return run, err
}

// MarkRunRunning advances a queued run to running. Terminal runs are left
// untouched.
func (s *Store) MarkRunRunning(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE runs SET state = $2, updated_at = NOW()
		WHERE id = $1 AND state = $3
	`, id, models.RunRunning, models.RunQueued)
	return err
}

// MarkRunSucceededIfActive transitions a still-active run to succeeded,
// recording the provider response. Returns false when the run was already
// terminal, in which case the caller must discard its result as stale.
func (s *Store) MarkRunSucceededIfActive(ctx context.Context, id string, responsePayload map[string]any) (bool, error) {
	return s.finishRun(ctx, id, models.RunSucceeded, responsePayload)
}

// MarkRunFailedIfActive transitions a still-active run to failed with
// error metadata. Returns false when the run was already terminal.
func (s *Store) MarkRunFailedIfActive(ctx context.Context, id string, responsePayload map[string]any) (bool, error) {
	return s.finishRun(ctx, id, models.RunFailed, responsePayload)
}

func (s *Store) finishRun(ctx context.Context, id, state string, responsePayload map[string]any) (bool, error) {
	if responsePayload == nil {
		responsePayload = map[string]any{}
	}
	payloadJSON, err := json.Marshal(responsePayload)
	if err != nil {
		return false, fmt.Errorf("marshal response payload: %w", err)
	}
	// Conditional transition: whichever writer lands first wins and the
	// loser's update is a no-op, not an error.
	tag, err := s.pool.Exec(ctx, `
		UPDATE runs SET state = $2, response_payload = $3, updated_at = NOW()
		WHERE id = $1 AND state = ANY($4)
	`, id, state, payloadJSON, models.ActiveRunStates)
	if err != nil {
		return false, fmt.Errorf("finish run: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ElapsedRuns returns non-terminal runs created before the cutoff. The
// engineClass filter is optional; the monitor refines per-run thresholds
// from the request payload afterwards.
func (s *Store) ElapsedRuns(ctx context.Context, states []string, engineClass string, cutoff time.Time) ([]models.Run, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, variant_id, engine_class, state, request_payload, response_payload, retry_of, created_at, updated_at
		FROM runs
		WHERE state = ANY($1) AND created_at < $2 AND ($3 = '' OR engine_class = $3)
		ORDER BY created_at
	`, states, cutoff, engineClass)
	if err != nil {
		return nil, fmt.Errorf("query elapsed runs: %w", err)
	}
	defer rows.Close()

	var runs []models.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// CountRetries counts the runs created to replace the given run.
func (s *Store) CountRetries(ctx context.Context, runID string) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM runs WHERE retry_of = $1
	`, runID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count retries: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (models.Run, error) {
	var run models.Run
	var requestJSON []byte
	var responseJSON []byte
	var retryOf pgtype.Text

	if err := row.Scan(&run.ID, &run.VariantID, &run.EngineClass, &run.State, &requestJSON, &responseJSON, &retryOf, &run.CreatedAt, &run.UpdatedAt); err != nil {
		return models.Run{}, err
	}
	if len(requestJSON) > 0 {
		if err := json.Unmarshal(requestJSON, &run.RequestPayload); err != nil {
			return models.Run{}, fmt.Errorf("unmarshal request payload: %w", err)
		}
	}
	if len(responseJSON) > 0 {
		if err := json.Unmarshal(responseJSON, &run.ResponsePayload); err != nil {
			return models.Run{}, fmt.Errorf("unmarshal response payload: %w", err)
		}
	}
	if retryOf.Valid {
		run.RetryOf = &retryOf.String
	}
	return run, nil
}
