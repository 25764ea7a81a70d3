package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"adreel/internal/artifact"
	"adreel/internal/config"
	"adreel/internal/ledger"
	"adreel/internal/monitor"
	"adreel/internal/provider"
	"adreel/internal/render"
	"adreel/internal/resilience"
	"adreel/internal/store"
	"adreel/internal/telemetry"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	lg := ledger.New(st.Pool())

	thumbs, err := artifact.NewThumbnailer(ctx, cfg)
	if err != nil {
		log.Fatalf("init thumbnailer: %v", err)
	}

	breakers := resilience.NewBreakerRegistry(cfg.CircuitFailureThreshold, cfg.CircuitResetTimeout)
	providerClient := provider.NewClient(cfg.ProviderBaseURL, cfg.ProviderAPIKey, cfg.ProviderTimeout)
	renderSvc := render.New(cfg, st, lg, providerClient, breakers, thumbs)

	mon := monitor.New(monitor.Config{
		SweepInterval:  cfg.SweepInterval,
		PreviewTimeout: cfg.PreviewTimeout,
		FinalTimeout:   cfg.FinalTimeout,
		RefundAmount:   cfg.RefundAmount,
	}, st, lg)

	// Retry actions surface as resubmission events; this process owns
	// re-invoking the provider for the replacement runs.
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case r := <-mon.Resubmissions():
				renderSvc.Resubmit(r.RetryRun)
			}
		}
	}()

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	mon.Start(ctx)
	log.Printf("monitor started with sweep=%s preview=%s final=%s", cfg.SweepInterval, cfg.PreviewTimeout, cfg.FinalTimeout)

	<-ctx.Done()
	mon.Stop()
}
