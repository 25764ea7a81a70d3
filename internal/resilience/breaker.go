package resilience

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"adreel/internal/telemetry"
)

// ErrCircuitOpen is returned without invoking the operation while a named
// circuit is cooling down. Callers match it with errors.Is.
var ErrCircuitOpen = errors.New("circuit open")

// CircuitState is a snapshot of one named circuit.
type CircuitState struct {
	Name         string    `json:"name"`
	Open         bool      `json:"open"`
	FailureCount int       `json:"failure_count"`
	OpenedAt     time.Time `json:"opened_at,omitempty"`
}

type circuit struct {
	open          bool
	failures      int
	openedAt      time.Time
	trialInFlight bool
}

// BreakerRegistry tracks one circuit per named operation. All transitions
// on a circuit are serialized behind the registry mutex so concurrent
// failures cannot miscount or double-open.
type BreakerRegistry struct {
	mu               sync.Mutex
	circuits         map[string]*circuit
	failureThreshold int
	resetTimeout     time.Duration
	now              func() time.Time
}

// NewBreakerRegistry builds a registry with shared threshold/reset settings.
func NewBreakerRegistry(failureThreshold int, resetTimeout time.Duration) *BreakerRegistry {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if resetTimeout <= 0 {
		resetTimeout = time.Minute
	}
	return &BreakerRegistry{
		circuits:         make(map[string]*circuit),
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		now:              time.Now,
	}
}

// Do gates op behind the named circuit. An open circuit fails fast until
// the reset timeout elapses, then admits exactly one half-open trial:
// success closes the circuit, failure reopens it from now.
func (r *BreakerRegistry) Do(ctx context.Context, name string, op func(context.Context) error) error {
	trial, err := r.admit(name)
	if err != nil {
		telemetry.CircuitShortCircuits.WithLabelValues(name).Inc()
		return err
	}

	opErr := op(ctx)
	r.record(name, trial, opErr)
	return opErr
}

// admit decides whether a call may proceed. The returned flag marks the
// call as the half-open trial.
func (r *BreakerRegistry) admit(name string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := r.circuits[name]
	if c == nil {
		c = &circuit{}
		r.circuits[name] = c
	}
	if !c.open {
		return false, nil
	}
	if r.now().Sub(c.openedAt) < r.resetTimeout {
		return false, fmt.Errorf("%s: %w", name, ErrCircuitOpen)
	}
	if c.trialInFlight {
		return false, fmt.Errorf("%s: %w", name, ErrCircuitOpen)
	}
	c.trialInFlight = true
	log.Printf("[circuit] %s half-open, allowing trial call", name)
	return true, nil
}

func (r *BreakerRegistry) record(name string, trial bool, opErr error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := r.circuits[name]
	if trial {
		c.trialInFlight = false
	}

	if opErr == nil {
		if c.open || c.failures > 0 {
			log.Printf("[circuit] %s closed after success", name)
		}
		c.open = false
		c.failures = 0
		c.openedAt = time.Time{}
		return
	}

	if trial {
		// Failed trial reopens the cooldown window from now.
		c.open = true
		c.openedAt = r.now()
		telemetry.CircuitOpens.WithLabelValues(name).Inc()
		log.Printf("[circuit] %s trial failed, reopened", name)
		return
	}

	c.failures++
	if !c.open && c.failures >= r.failureThreshold {
		c.open = true
		c.openedAt = r.now()
		telemetry.CircuitOpens.WithLabelValues(name).Inc()
		log.Printf("[circuit] %s opened after %d consecutive failures", name, c.failures)
	}
}

// Check reports whether the named circuit is currently rejecting calls,
// without consuming the half-open trial slot. Callers use it to refuse
// work before taking side effects (debits, row inserts) that Do would
// not compensate.
func (r *BreakerRegistry) Check(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.circuits[name]
	if c == nil || !c.open {
		return nil
	}
	if r.now().Sub(c.openedAt) < r.resetTimeout {
		return fmt.Errorf("%s: %w", name, ErrCircuitOpen)
	}
	return nil
}

// State returns a snapshot of the named circuit for status endpoints.
func (r *BreakerRegistry) State(name string) CircuitState {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.circuits[name]
	if c == nil {
		return CircuitState{Name: name}
	}
	return CircuitState{
		Name:         name,
		Open:         c.open,
		FailureCount: c.failures,
		OpenedAt:     c.openedAt,
	}
}
