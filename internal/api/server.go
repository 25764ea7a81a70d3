package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"adreel/internal/config"
	"adreel/internal/ledger"
	"adreel/internal/models"
	"adreel/internal/monitor"
	"adreel/internal/ratelimit"
	"adreel/internal/render"
	"adreel/internal/resilience"
	"adreel/internal/store"
	"adreel/internal/telemetry"
)

// Server wires HTTP handlers for the render API.
type Server struct {
	cfg     config.Config
	store   *store.Store
	ledger  *ledger.Ledger
	render  *render.Service
	monitor *monitor.Monitor
	limiter *ratelimit.TokenBucket
}

// New constructs the API server.
func New(cfg config.Config, st *store.Store, lg *ledger.Ledger, rs *render.Service, mon *monitor.Monitor, limiter *ratelimit.TokenBucket) *Server {
	return &Server{
		cfg:     cfg,
		store:   st,
		ledger:  lg,
		render:  rs,
		monitor: mon,
		limiter: limiter,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/projects", s.handleCreateProject)
	r.Post("/projects/{id}/variants", s.handleCreateVariant)
	r.Post("/variants/{id}/runs", s.handleStartRun)
	r.Get("/runs/{id}", s.handleGetRun)
	r.Get("/runs/{id}/timeout", s.handleRunTimeout)
	r.Get("/users/{id}/balance", s.handleBalance)
	r.Get("/users/{id}/transactions", s.handleTransactions)
	r.Post("/users/{id}/credits", s.handlePurchase)
	return r
}

type createProjectRequest struct {
	UserID     string `json:"user_id"`
	ProductURL string `json:"product_url"`
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}
	project, err := s.store.CreateProject(r.Context(), req.UserID, req.ProductURL)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, project)
}

type createVariantRequest struct {
	Concept string `json:"concept"`
}

func (s *Server) handleCreateVariant(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "id")
	if _, err := s.store.GetProject(r.Context(), projectID); err != nil {
		writeStoreError(w, err)
		return
	}
	var req createVariantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	variant, err := s.store.CreateVariant(r.Context(), projectID, req.Concept)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, variant)
}

type startRunRequest struct {
	EngineClass string `json:"engine_class"`
	Duration    int    `json:"duration"`
	Prompt      string `json:"prompt"`
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	variantID := chi.URLParam(r, "id")

	var req startRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	variant, err := s.store.GetVariant(r.Context(), variantID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	project, err := s.store.GetProject(r.Context(), variant.ProjectID)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), ratelimit.RenderKey(project.UserID))
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	run, err := s.render.StartRun(r.Context(), variantID, req.EngineClass, req.Duration, req.Prompt)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrInsufficientBalance):
			http.Error(w, "insufficient credits", http.StatusPaymentRequired)
		case errors.Is(err, resilience.ErrCircuitOpen):
			http.Error(w, "render service temporarily unavailable", http.StatusServiceUnavailable)
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}
	writeJSON(w, http.StatusAccepted, run)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleRunTimeout(w http.ResponseWriter, r *http.Request) {
	status, err := s.monitor.CheckRunTimeout(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"is_timed_out":         status.IsTimedOut,
		"running_time_ms":      status.RunningTime.Milliseconds(),
		"timeout_threshold_ms": status.Threshold.Milliseconds(),
		"state":                status.State,
	})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	balance, err := s.ledger.Balance(r.Context(), userID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "balance": balance})
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	txs, err := s.ledger.Transactions(r.Context(), chi.URLParam(r, "id"), 50)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": txs})
}

type purchaseRequest struct {
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
}

func (s *Server) handlePurchase(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	var req purchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Amount <= 0 {
		http.Error(w, "amount must be positive", http.StatusBadRequest)
		return
	}
	if req.Description == "" {
		req.Description = "credit purchase"
	}
	tx, err := s.ledger.Append(r.Context(), ledger.TxParams{
		UserID:      userID,
		Amount:      req.Amount,
		Type:        models.TxPurchase,
		Description: req.Description,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, tx)
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
