package main

// Run database migrations:
//   go run ./cmd/migrate
//   go run ./cmd/migrate -queue   # also create the local task queue tables

import (
	"context"
	"flag"
	"log"
	"os"

	gormpostgres "gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"compliance-backend/internal/shared/config"
	"compliance-backend/internal/shared/storage/db"
	"compliance-backend/internal/shared/telemetry"
	"compliance-backend/internal/taskqueue"
)

func main() {
	withQueue := flag.Bool("queue", false, "also migrate the local task queue tables")
	flag.Parse()

	cfg := config.Load()
	ctx := context.Background()

	opts := db.OptionsFromEnv(db.DefaultOptions(db.ProfileMigrate))
	sqlDB, err := db.Connect(ctx, cfg.DatabaseURL, opts)
	if err != nil {
		log.Printf("failed to connect database: %v", err)
		os.Exit(1)
	}
	defer sqlDB.Close()

	if err := db.RunMigrations(ctx, sqlDB); err != nil {
		log.Printf("failed to run migrations: %v", err)
		os.Exit(1)
	}
	version, err := db.MigrationVersion(sqlDB)
	if err != nil {
		log.Printf("failed to read migration version: %v", err)
		os.Exit(1)
	}
	telemetry.Info("migrate.done", map[string]any{"version": version})

	if *withQueue {
		gdb, err := gorm.Open(gormpostgres.New(gormpostgres.Config{Conn: sqlDB}), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			log.Printf("failed to open queue store: %v", err)
			os.Exit(1)
		}
		if err := taskqueue.NewGormQueue(gdb, cfg.QueueName).Migrate(ctx); err != nil {
			log.Printf("failed to migrate queue tables: %v", err)
			os.Exit(1)
		}
		telemetry.Info("migrate.queue_done", map[string]any{"queue": cfg.QueueName})
	}
}
