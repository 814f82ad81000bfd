// Command apiserver runs the control-plane HTTP API: starting runs,
// inspecting them, cancelling them, resolving webhook suspensions, and
// listing a run's open suspensions. It never executes a node itself - all
// graph execution happens in cmd/worker.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/swiftgrid/worker/internal/cancellation"
	"github.com/swiftgrid/worker/internal/config"
	"github.com/swiftgrid/worker/internal/httpapi"
	"github.com/swiftgrid/worker/internal/observability"
	"github.com/swiftgrid/worker/internal/platform/db"
	"github.com/swiftgrid/worker/internal/platform/logger"
	"github.com/swiftgrid/worker/internal/pubsub"
	"github.com/swiftgrid/worker/internal/queue"
	"github.com/swiftgrid/worker/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()

	log, err := logger.New(cfg.LogMode)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gdb, err := db.Open(cfg.DatabaseURL, cfg.DBPoolSize)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	if err := gdb.AutoMigrate(store.AllModels()...); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opt)

	q := queue.New(rdb)
	bus := pubsub.New(rdb, log)
	cancelReg := cancellation.NewRegistry()

	workflowRepo := store.NewGormWorkflowRepo(gdb)
	runRepo := store.NewGormRunRepo(gdb)
	suspensionRepo := store.NewGormSuspensionRepo(gdb)

	if cfg.MetricsEnabled {
		metrics := observability.Init(log)
		metrics.PingDependencies(ctx, gdb, rdb)
	}

	srv := httpapi.New(httpapi.Config{
		Addr:        cfg.ControlAPIAddr,
		JWTSecret:   cfg.ControlAPIJWTSecret,
		OTelEnabled: cfg.OTelEnabled,
	}, log, workflowRepo, runRepo, suspensionRepo, q, bus, cancelReg)

	return srv.Run(ctx)
}
