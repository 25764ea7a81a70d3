package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"adreel/internal/models"
)

// ErrInsufficientBalance is returned when a usage debit would take the
// user's balance below zero.
var ErrInsufficientBalance = errors.New("insufficient balance")

// Ledger is the append-only credit transaction log. Entries are never
// mutated or deleted; a user's balance is the sum of their entries.
type Ledger struct {
	pool *pgxpool.Pool
}

// New wraps a shared pgx pool.
func New(pool *pgxpool.Pool) *Ledger {
	return &Ledger{pool: pool}
}

// TxParams collects inputs for one ledger entry. Amount is signed;
// positive credits the user.
type TxParams struct {
	UserID      string
	Amount      int64
	Type        string
	Description string
	ProjectID   *string
	VariantID   *string
	RunID       *string
}

// Append inserts a ledger entry unconditionally.
func (l *Ledger) Append(ctx context.Context, p TxParams) (models.CreditTransaction, error) {
	tx := newTransaction(p)
	_, err := l.pool.Exec(ctx, `
		INSERT INTO credit_transactions (id, user_id, amount, type, description, project_id, variant_id, run_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, tx.ID, tx.UserID, tx.Amount, tx.Type, tx.Description, tx.ProjectID, tx.VariantID, tx.RunID, tx.CreatedAt)
	if err != nil {
		return models.CreditTransaction{}, fmt.Errorf("insert transaction: %w", err)
	}
	return tx, nil
}

// AppendRefundOnce inserts a refund attributed to a run, relying on the
// partial unique index so a second refund for the same run is a no-op.
// The returned flag reports whether a row was actually written.
func (l *Ledger) AppendRefundOnce(ctx context.Context, p TxParams) (models.CreditTransaction, bool, error) {
	if p.RunID == nil || *p.RunID == "" {
		return models.CreditTransaction{}, false, errors.New("refund requires a run id")
	}
	p.Type = models.TxRefund
	tx := newTransaction(p)
	tag, err := l.pool.Exec(ctx, `
		INSERT INTO credit_transactions (id, user_id, amount, type, description, project_id, variant_id, run_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (run_id) WHERE type = 'refund' DO NOTHING
	`, tx.ID, tx.UserID, tx.Amount, tx.Type, tx.Description, tx.ProjectID, tx.VariantID, tx.RunID, tx.CreatedAt)
	if err != nil {
		return models.CreditTransaction{}, false, fmt.Errorf("insert refund: %w", err)
	}
	return tx, tag.RowsAffected() > 0, nil
}

// DebitUsage appends a usage debit after verifying the balance covers it.
// The check and insert run in one transaction so two concurrent debits
// cannot both pass against the same credit.
func (l *Ledger) DebitUsage(ctx context.Context, p TxParams) (models.CreditTransaction, error) {
	if p.Amount > 0 {
		p.Amount = -p.Amount
	}
	p.Type = models.TxUsage
	tx := newTransaction(p)

	dbTx, err := l.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return models.CreditTransaction{}, fmt.Errorf("begin tx: %w", err)
	}
	defer dbTx.Rollback(ctx) // safe no-op on commit

	var balance int64
	if err := dbTx.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM credit_transactions WHERE user_id = $1
	`, p.UserID).Scan(&balance); err != nil {
		return models.CreditTransaction{}, fmt.Errorf("query balance: %w", err)
	}
	if balance+tx.Amount < 0 {
		return models.CreditTransaction{}, ErrInsufficientBalance
	}

	_, err = dbTx.Exec(ctx, `
		INSERT INTO credit_transactions (id, user_id, amount, type, description, project_id, variant_id, run_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, tx.ID, tx.UserID, tx.Amount, tx.Type, tx.Description, tx.ProjectID, tx.VariantID, tx.RunID, tx.CreatedAt)
	if err != nil {
		return models.CreditTransaction{}, fmt.Errorf("insert usage: %w", err)
	}
	if err := dbTx.Commit(ctx); err != nil {
		return models.CreditTransaction{}, fmt.Errorf("commit: %w", err)
	}
	return tx, nil
}

// Balance derives the user's balance from the transaction log.
func (l *Ledger) Balance(ctx context.Context, userID string) (int64, error) {
	var balance int64
	if err := l.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM credit_transactions WHERE user_id = $1
	`, userID).Scan(&balance); err != nil {
		return 0, fmt.Errorf("query balance: %w", err)
	}
	return balance, nil
}

// HasRefundForRun reports whether a refund entry already exists for a run.
func (l *Ledger) HasRefundForRun(ctx context.Context, runID string) (bool, error) {
	var exists bool
	if err := l.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM credit_transactions WHERE run_id = $1 AND type = 'refund')
	`, runID).Scan(&exists); err != nil {
		return false, fmt.Errorf("query refund: %w", err)
	}
	return exists, nil
}

// Transactions lists a user's ledger entries, newest first.
func (l *Ledger) Transactions(ctx context.Context, userID string, limit int) ([]models.CreditTransaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.pool.Query(ctx, `
		SELECT id, user_id, amount, type, description, project_id, variant_id, run_id, created_at
		FROM credit_transactions WHERE user_id = $1
		ORDER BY created_at DESC LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	var txs []models.CreditTransaction
	for rows.Next() {
		var tx models.CreditTransaction
		var projectID, variantID, runID pgtype.Text
		if err := rows.Scan(&tx.ID, &tx.UserID, &tx.Amount, &tx.Type, &tx.Description, &projectID, &variantID, &runID, &tx.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		tx.ProjectID = textPtr(projectID)
		tx.VariantID = textPtr(variantID)
		tx.RunID = textPtr(runID)
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

func newTransaction(p TxParams) models.CreditTransaction {
	return models.CreditTransaction{
		ID:          uuid.New().String(),
		UserID:      p.UserID,
		Amount:      p.Amount,
		Type:        p.Type,
		Description: p.Description,
		ProjectID:   p.ProjectID,
		VariantID:   p.VariantID,
		RunID:       p.RunID,
		CreatedAt:   time.Now().UTC(),
	}
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
