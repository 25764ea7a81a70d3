package models

import (
	"time"
)

// RunState enumerates render lifecycle states persisted in Postgres.
// Terminal states never change once written.
const (
	RunQueued    = "queued"
	RunRunning   = "running"
	RunSucceeded = "succeeded"
	RunFailed    = "failed"
)

// ActiveRunStates are the non-terminal states a run can still move out of.
var ActiveRunStates = []string{RunQueued, RunRunning}

// IsTerminalRunState reports whether a state admits no further transitions.
func IsTerminalRunState(state string) bool {
	return state == RunSucceeded || state == RunFailed
}

// Variant status mirror kept for UI polling.
const (
	VariantPending = "pending"
	VariantReady   = "ready"
	VariantError   = "error"
)

// Credit transaction types. Amounts are signed: positive credits the user.
const (
	TxPurchase = "purchase"
	TxUsage    = "usage"
	TxRefund   = "refund"
)

// FinalRenderDuration is the requested duration that marks a run as a
// full-length ("final") render rather than a preview.
const FinalRenderDuration = 24

// Run is one attempt to produce a video artifact for a variant.
type Run struct {
	ID              string         `json:"id"`
	VariantID       string         `json:"variant_id"`
	EngineClass     string         `json:"engine_class"`
	State           string         `json:"state"`
	RequestPayload  map[string]any `json:"request_payload"`
	ResponsePayload map[string]any `json:"response_payload,omitempty"`
	RetryOf         *string        `json:"retry_of,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// RequestedDuration extracts the duration marker from the request payload.
// Returns 0 when absent or malformed.
func (r Run) RequestedDuration() int {
	v, ok := r.RequestPayload["duration"]
	if !ok {
		return 0
	}
	switch t := v.(type) {
	case float64:
		return int(t)
	case int:
		return t
	case int64:
		return int(t)
	default:
		return 0
	}
}

// IsFinal reports whether this run is a full-length render. Final renders
// get a longer timeout and are refunded instead of retried when they stall.
func (r Run) IsFinal() bool {
	return r.RequestedDuration() == FinalRenderDuration
}

// IsRetry reports whether this run was created to replace a timed-out run.
func (r Run) IsRetry() bool {
	return r.RetryOf != nil && *r.RetryOf != ""
}

// Variant is a storyboard slot owned by a project. It may be attempted by
// multiple runs across retries.
type Variant struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	Status    string    `json:"status"`
	Concept   string    `json:"concept,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Project owns variants and carries the user for ledger attribution.
type Project struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	ProductURL string    `json:"product_url"`
	CreatedAt  time.Time `json:"created_at"`
}

// CreditTransaction is an append-only ledger entry. The user's balance is
// the sum of all their transactions; rows are never mutated or deleted.
type CreditTransaction struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Amount      int64     `json:"amount"`
	Type        string    `json:"type"`
	Description string    `json:"description"`
	ProjectID   *string   `json:"project_id,omitempty"`
	VariantID   *string   `json:"variant_id,omitempty"`
	RunID       *string   `json:"run_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
