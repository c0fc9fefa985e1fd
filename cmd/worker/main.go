package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"compliance-backend/internal/bootstrap"
	"compliance-backend/internal/shared/config"
	"compliance-backend/internal/shared/telemetry"
)

func main() {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.Build(cfg)
	if err != nil {
		log.Fatalf("bootstrap build: %v", err)
	}
	defer app.Close()

	if err := run(ctx, app, workerID()); err != nil {
		log.Fatalf("worker: %v", err)
	}
}

// run consumes tasks from whichever backend is configured until ctx ends.
func run(ctx context.Context, app *bootstrap.App, id string) error {
	if app.Sweeper != nil {
		if err := app.Sweeper.Start(ctx, app.Config.SweepSchedule); err != nil {
			return err
		}
		defer app.Sweeper.Stop()
	}

	if consumer := app.Consumer(); consumer != nil {
		consumer.Run(ctx)
		return nil
	}
	if d := app.Dispatcher(ctx, id); d != nil {
		d.Run(ctx)
		telemetry.Info("worker.stopped", map[string]any{"worker_id": id})
		return nil
	}
	return errors.New("no queue backend configured")
}

func workerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
