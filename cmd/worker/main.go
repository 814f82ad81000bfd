// Command worker runs the dispatcher fleet: it claims jobs off the durable
// queue, executes node handlers, and runs the scheduler sidecar in the same
// process (delayed-job promotion, suspension expiry, stale map-batch
// recovery, cron-due workflow firing).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/swiftgrid/worker/internal/cancellation"
	"github.com/swiftgrid/worker/internal/config"
	"github.com/swiftgrid/worker/internal/dispatcher"
	"github.com/swiftgrid/worker/internal/mapengine"
	"github.com/swiftgrid/worker/internal/nodes"
	"github.com/swiftgrid/worker/internal/observability"
	"github.com/swiftgrid/worker/internal/platform/db"
	"github.com/swiftgrid/worker/internal/platform/logger"
	"github.com/swiftgrid/worker/internal/platform/openai"
	"github.com/swiftgrid/worker/internal/pubsub"
	"github.com/swiftgrid/worker/internal/queue"
	"github.com/swiftgrid/worker/internal/runtime"
	"github.com/swiftgrid/worker/internal/scheduler"
	"github.com/swiftgrid/worker/internal/store"
	"github.com/swiftgrid/worker/internal/streaming"
	"github.com/swiftgrid/worker/internal/subflow"
)

const subflowDepthLimit = 8

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
	go func() {
		if err := cancelReg.Listen(ctx, bus); err != nil && ctx.Err() == nil {
			log.Error("cancellation listener stopped", "error", err)
		}
	}()

	runRepo := store.NewGormRunRepo(gdb)
	eventRepo := store.NewGormEventRepo(gdb)
	suspensionRepo := store.NewGormSuspensionRepo(gdb)
	batchRepo := store.NewGormBatchRepo(gdb)
	chunkRepo := store.NewGormStreamChunkRepo(gdb)
	workflowRepo := store.NewGormWorkflowRepo(gdb)

	notify := streaming.New(q, chunkRepo, log)

	subflowCo := subflow.New(runRepo, suspensionRepo, q, subflowDepthLimit)
	mapCo := mapengine.New(batchRepo, runRepo, suspensionRepo, eventRepo, bus, q)

	llmClient, err := openai.NewClient(log)
	if err != nil {
		log.Warn("openai client unavailable, LLM nodes will fail at runtime", "error", err)
	}

	reg := runtime.NewRegistry()
	if err := nodes.RegisterAll(reg, nodes.Deps{
		Queue:        q,
		ScriptRunner: nodes.NewDefaultRunner(),
		CodeTimeout:  time.Duration(cfg.JSTimeoutMS) * time.Millisecond,
		LLMClient:    llmClient,
		SubflowCo:    subflowCo,
		MapCo:        mapCo,
		Log:          log,
	}); err != nil {
		return fmt.Errorf("register node executors: %w", err)
	}
	if cfg.WorkerVerbose {
		log.Info("worker starting in verbose mode",
			"concurrency", cfg.WorkerConcurrency, "js_timeout_ms", cfg.JSTimeoutMS,
			"js_memory_limit_mb", cfg.JSMemoryLimitMB)
	}

	if cfg.MetricsEnabled {
		metrics := observability.Init(log)
		metrics.StartServer(ctx, log, cfg.MetricsAddr)
		go pingDependenciesLoop(ctx, metrics, gdb, rdb)
	}

	dispCfg := dispatcher.DefaultConfig("worker")
	dispCfg.Concurrency = cfg.WorkerConcurrency
	disp := dispatcher.New(
		dispCfg,
		gdb, rdb, q, reg,
		runRepo, eventRepo, suspensionRepo, batchRepo,
		cancelReg, notify, log,
	)

	schedCfg := scheduler.DefaultConfig()
	schedCfg.Tick = cfg.SchedulerTick
	schedCfg.StaleBatchAfter = cfg.SchedulerStaleBatchAfter
	schedCfg.OrphanChildAfter = cfg.SchedulerOrphanChildAfter
	schedCfg.SuspensionGrace = cfg.SchedulerSuspensionGrace
	sched := scheduler.New(schedCfg, q, runRepo, suspensionRepo, workflowRepo, mapCo, log)

	errCh := make(chan error, 1)
	go func() { errCh <- disp.Run(ctx) }()
	go sched.Run(ctx)

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received, draining")
	case err := <-errCh:
		if err != nil {
			log.Error("dispatcher stopped", "error", err)
		}
		stop()
		return err
	}
	return <-errCh
}

func pingDependenciesLoop(ctx context.Context, m *observability.Metrics, gdb *gorm.DB, rdb *redis.Client) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.PingDependencies(ctx, gdb, rdb)
		}
	}
}
