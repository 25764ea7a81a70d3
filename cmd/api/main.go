package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/redis/go-redis/v9"

	"adreel/internal/api"
	"adreel/internal/artifact"
	"adreel/internal/config"
	"adreel/internal/ledger"
	"adreel/internal/monitor"
	"adreel/internal/provider"
	"adreel/internal/ratelimit"
	"adreel/internal/render"
	"adreel/internal/resilience"
	"adreel/internal/store"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt)
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

	// The API process does not start the sweeper (the monitor service owns
	// the single sweep loop); it only answers on-demand timeout checks.
	mon := monitor.New(monitor.Config{
		SweepInterval:  cfg.SweepInterval,
		PreviewTimeout: cfg.PreviewTimeout,
		FinalTimeout:   cfg.FinalTimeout,
		RefundAmount:   cfg.RefundAmount,
	}, st, lg)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	limiter := ratelimit.NewTokenBucket(redisClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	server := api.New(cfg, st, lg, renderSvc, mon, limiter)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Printf("api listening on :%s", cfg.HTTPPort)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
