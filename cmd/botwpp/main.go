package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/IsaacDeMelo/botwpp/internal/config"
	"github.com/IsaacDeMelo/botwpp/internal/httpapi"
	"github.com/IsaacDeMelo/botwpp/internal/observability"
	"github.com/IsaacDeMelo/botwpp/internal/tasks"
	"github.com/IsaacDeMelo/botwpp/internal/wa"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	localStore, err := tasks.NewStore(cfg.TaskStoreMode, cfg.TaskDataDir)
	if err != nil {
		log.Fatalf("task store init failed: %v", err)
	}

	var store tasks.Store = localStore
	if cfg.ReplicaDatabaseURL != "" {
		replica, err := tasks.NewPostgresReplica(context.Background(), cfg.ReplicaDatabaseURL)
		if err != nil {
			log.Fatalf("task replica init failed: %v", err)
		}
		synced := tasks.NewSyncedStore(localStore, replica, metrics)
		if err := synced.SyncOnStartup(context.Background()); err != nil {
			log.Printf("task replica startup sync failed: %v", err)
		}
		store = synced
	}
	defer store.Close()

	gateway := wa.NewClient(cfg.GatewayURL, cfg.GatewayAckWait, metrics)

	runner := tasks.NewRunner(cfg.ActionTimeout)
	engine := tasks.NewEngine(store, gateway, runner, metrics, cfg.TaskDefaultTimeout, cfg.TaskDebug)
	scheduler := tasks.NewScheduler(engine, store, metrics,
		cfg.TaskSweepInterval, cfg.TaskRetention,
		cfg.TimeoutActionRetryAttempts, cfg.TimeoutActionRetryDelay)

	gateway.OnMessages(func(ctx context.Context, messages [][]byte) {
		engine.OnInbound(ctx, messages)
	})

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	if err := gateway.Start(runCtx); err != nil {
		// The gateway may be down at boot; the HTTP restart endpoint can
		// bring the connection up later.
		log.Printf("gateway start failed: %v", err)
	}
	go scheduler.Start(runCtx)

	api := httpapi.New(cfg, engine, gateway, metrics)
	api.StartAuthJanitor(runCtx)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	go func() {
		log.Printf("server listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	runCancel()
	_ = gateway.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}
