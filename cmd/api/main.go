package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"compliance-backend/internal/bootstrap"
	"compliance-backend/internal/shared/config"
	"compliance-backend/internal/shared/server"
	"compliance-backend/internal/shared/telemetry"
)

func main() {
	cfg := config.Load()

	app, err := bootstrap.Build(cfg)
	if err != nil {
		log.Fatalf("bootstrap build: %v", err)
	}
	defer app.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// EMBEDDED_WORKER runs the local dispatcher and sweeper in the API process.
	var workers sync.WaitGroup
	if cfg.EmbeddedWorker {
		if d := app.Dispatcher(ctx, "api-embedded"); d != nil {
			workers.Add(1)
			go func() {
				defer workers.Done()
				d.Run(ctx)
			}()
		} else {
			telemetry.Warn("api.embedded_worker_skipped", map[string]any{"reason": "queue backend is not local"})
		}
		if err := app.Sweeper.Start(ctx, cfg.SweepSchedule); err != nil {
			log.Fatalf("sweeper: %v", err)
		}
	}

	srv := &http.Server{Addr: server.Addr(cfg.Port), Handler: app.Router}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Printf("Starting API server on %s", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server error: %v", err)
	}
	workers.Wait()
}
