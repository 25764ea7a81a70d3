package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	ProviderRetries      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "render_provider_retries_total", Help: "Retries performed against the render provider, by operation"}, []string{"operation"})
	CircuitOpens         = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "render_circuit_opens_total", Help: "Circuit breaker open transitions, by operation"}, []string{"operation"})
	CircuitShortCircuits = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "render_circuit_short_circuits_total", Help: "Calls rejected while a circuit was open, by operation"}, []string{"operation"})
	RunsStarted          = prometheus.NewCounter(prometheus.CounterOpts{Name: "render_runs_started_total", Help: "Render runs created"})
	RunsSucceeded        = prometheus.NewCounter(prometheus.CounterOpts{Name: "render_runs_succeeded_total", Help: "Render runs completed successfully"})
	RunsFailed           = prometheus.NewCounter(prometheus.CounterOpts{Name: "render_runs_failed_total", Help: "Render runs that ended in failure"})
	StaleResults         = prometheus.NewCounter(prometheus.CounterOpts{Name: "render_stale_results_total", Help: "Provider results discarded because the run was already resolved"})
	TimeoutResolutions   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "render_timeout_resolutions_total", Help: "Timed-out runs resolved by the monitor, by action"}, []string{"action"})
	RefundsIssued        = prometheus.NewCounter(prometheus.CounterOpts{Name: "render_refunds_total", Help: "Refund transactions appended for timed-out final renders"})
	SweepFailures        = prometheus.NewCounter(prometheus.CounterOpts{Name: "render_sweep_failures_total", Help: "Monitor sweeps that failed"})
	RateLimitRejects     = prometheus.NewCounter(prometheus.CounterOpts{Name: "render_rate_limit_rejects_total", Help: "Render starts rejected by the rate limiter"})
	InFlightRenders      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "render_runs_inflight", Help: "Runs currently awaiting the provider"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			ProviderRetries,
			CircuitOpens,
			CircuitShortCircuits,
			RunsStarted,
			RunsSucceeded,
			RunsFailed,
			StaleResults,
			TimeoutResolutions,
			RefundsIssued,
			SweepFailures,
			RateLimitRejects,
			InFlightRenders,
		)
	})
	return promhttp.Handler()
}
