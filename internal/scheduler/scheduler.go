// Package scheduler implements the worker fleet's sidecar ticker: one process
// that periodically promotes delayed jobs, expires overdue suspensions, kicks
// stale map batches back into progress, and fires cron-scheduled workflows.
// None of this is itself a node execution - it exists because a Redis Streams
// queue has no native concept of "run this later," so something has to turn
// time into enqueued jobs.
package scheduler

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/robfig/cron/v3"

	"github.com/swiftgrid/worker/internal/cancellation"
	"github.com/swiftgrid/worker/internal/graph"
	"github.com/swiftgrid/worker/internal/mapengine"
	"github.com/swiftgrid/worker/internal/pkg/dbctx"
	"github.com/swiftgrid/worker/internal/platform/logger"
	"github.com/swiftgrid/worker/internal/queue"
	"github.com/swiftgrid/worker/internal/store"
)

type Config struct {
	Tick               time.Duration
	StaleBatchAfter    time.Duration
	OrphanChildAfter   time.Duration
	SuspensionGrace    time.Duration
	PromoteBatchSize   int64
	ExpiredBatchSize   int
	StaleBatchListSize int
	DueWorkflowsLimit  int
}

func DefaultConfig() Config {
	return Config{
		Tick:               time.Second,
		StaleBatchAfter:    2 * time.Minute,
		OrphanChildAfter:   2 * time.Minute,
		SuspensionGrace:    0,
		PromoteBatchSize:   100,
		ExpiredBatchSize:   100,
		StaleBatchListSize: 50,
		DueWorkflowsLimit:  50,
	}
}

type Scheduler struct {
	cfg            Config
	queue          *queue.Queue
	runRepo        store.RunRepo
	suspensionRepo store.SuspensionRepo
	workflowRepo   store.WorkflowRepo
	mapCo          *mapengine.Coordinator
	log            *logger.Logger

	cronParser cron.Parser
}

func New(cfg Config, q *queue.Queue, runRepo store.RunRepo, suspensionRepo store.SuspensionRepo, workflowRepo store.WorkflowRepo, mapCo *mapengine.Coordinator, log *logger.Logger) *Scheduler {
	return &Scheduler{
		cfg:            cfg,
		queue:          q,
		runRepo:        runRepo,
		suspensionRepo: suspensionRepo,
		workflowRepo:   workflowRepo,
		mapCo:          mapCo,
		log:            log.With("component", "scheduler"),
		cronParser:     cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
	}
}

// normalizeCron accepts both a classic 5-field cron expression and a
// 6-field second-precision one, prepending a "0" seconds field to the
// former so a single parser configured for second precision handles both.
func normalizeCron(expr string) string {
	if len(strings.Fields(expr)) == 5 {
		return "0 " + expr
	}
	return expr
}

// Run blocks, ticking until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	tick := s.cfg.Tick
	if tick <= 0 {
		tick = time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	s.log.Info("scheduler started", "tick", tick.String())
	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopping")
			return
		case now := <-ticker.C:
			s.runOnce(ctx, now.UTC())
		}
	}
}

// runOnce fans its independent sub-checks out across an errgroup: none of
// them share mutable state, so there is no reason the batch-timeout sweep
// should wait on the cron sweep. Each sub-check logs its own errors and
// always returns nil, so one slow/failing check never cancels the others.
func (s *Scheduler) runOnce(ctx context.Context, now time.Time) {
	var g errgroup.Group

	g.Go(func() error {
		if n, err := s.queue.PromoteDelayed(ctx, now); err != nil {
			s.log.Error("promote delayed jobs failed", "error", err)
		} else if n > 0 {
			s.log.Debug("promoted delayed jobs", "count", n)
		}
		return nil
	})

	g.Go(func() error {
		if err := s.expireSuspensions(ctx, now); err != nil {
			s.log.Error("expire suspensions failed", "error", err)
		}
		return nil
	})

	g.Go(func() error {
		if err := s.recoverStaleBatches(ctx, now); err != nil {
			s.log.Error("recover stale batches failed", "error", err)
		}
		return nil
	})

	g.Go(func() error {
		if err := s.checkBatchTimeouts(ctx, now); err != nil {
			s.log.Error("check batch timeouts failed", "error", err)
		}
		return nil
	})

	g.Go(func() error {
		if err := s.fireDueWorkflows(ctx, now); err != nil {
			s.log.Error("fire due workflows failed", "error", err)
		}
		return nil
	})

	_ = g.Wait()
}

// expireSuspensions finds unresolved suspensions past their expiry and
// enqueues their resume job with a timeout marker so the node executor can
// fail deterministically instead of waiting forever.
func (s *Scheduler) expireSuspensions(ctx context.Context, now time.Time) error {
	cutoff := now.Add(-s.cfg.SuspensionGrace)
	expired, err := s.suspensionRepo.ListExpired(dbctx.Context{Ctx: ctx}, cutoff, s.cfg.ExpiredBatchSize)
	if err != nil {
		return err
	}
	for _, susp := range expired {
		resumeKind := resumeKindFor(susp.Kind)
		if resumeKind == "" {
			continue
		}
		if susp.Kind == store.SuspensionSubflow {
			s.cancelTimedOutSubflowChild(ctx, &susp)
		}
		data, _ := json.Marshal(map[string]any{"timed_out": true})
		job := queue.Job{
			ID:    susp.NodeID,
			RunID: susp.RunID.String(),
			Node:  queue.JobNode{Type: resumeKind, Data: data},
		}
		if err := s.queue.Enqueue(ctx, job); err != nil {
			s.log.Error("enqueue expired suspension resume failed", "suspension_id", susp.ID, "error", err)
			continue
		}
		if _, err := s.suspensionRepo.ResolveByID(dbctx.Context{Ctx: ctx}, susp.ID, "scheduler_timeout", data); err != nil && err != gorm.ErrRecordNotFound {
			s.log.Error("resolve expired suspension failed", "suspension_id", susp.ID, "error", err)
		}
		// The parent node resumes from a "suspended" wait state back into
		// "running" the moment its resume job is picked up by a worker; there
		// is no separate run-status flip to undo here, since a suspended
		// parent's Run row never leaves RunStatusRunning in the first place.
	}
	return nil
}

// cancelTimedOutSubflowChild publishes a cancel for a timed-out sub-flow's
// still-running child run, so a parent moving on from the wait doesn't leave
// an orphaned child run working forever in the background.
func (s *Scheduler) cancelTimedOutSubflowChild(ctx context.Context, susp *store.Suspension) {
	if s.mapCo == nil || s.mapCo.Bus == nil {
		return
	}
	var execCtx struct {
		ChildRunID uuid.UUID `json:"child_run_id"`
	}
	if err := json.Unmarshal(susp.ExecutionContext, &execCtx); err != nil || execCtx.ChildRunID == uuid.Nil {
		return
	}
	if err := cancellation.PublishCancel(ctx, s.mapCo.Bus, execCtx.ChildRunID); err != nil {
		s.log.Error("publish cancel for timed-out subflow child failed", "child_run_id", execCtx.ChildRunID, "error", err)
	}
}

func resumeKindFor(suspensionKind string) string {
	switch suspensionKind {
	case store.SuspensionDelay:
		return "DELAY_RESUME"
	case store.SuspensionWebhook:
		return "WEBHOOKRESUME"
	case store.SuspensionSubflow:
		return "SUBFLOWRESUME"
	case store.SuspensionMap:
		return "MAPSTEP"
	default:
		return ""
	}
}

// recoverStaleBatches inspects map batches whose updated_at has gone stale
// and routes each to one of three recovery paths, mirroring the reference
// scheduler's stale-batch handling: (1) every item already has a result but
// the MAPSTEP notification was lost, so force a finalize check; (2) items
// remain unspawned, so reconcile spawns them into any free slots
// (concurrency minus active_count); (3) every item has been spawned but the batch still hasn't
// finished, meaning one or more active children are stuck, so fail the
// orphans directly and force a finalize check.
func (s *Scheduler) recoverStaleBatches(ctx context.Context, now time.Time) error {
	if s.mapCo == nil {
		return nil
	}
	stale, err := s.mapCo.BatchRepo.ListStaleRunning(dbctx.Context{Ctx: ctx}, now.Add(-s.cfg.StaleBatchAfter), s.cfg.StaleBatchListSize)
	if err != nil {
		return err
	}
	for _, b := range stale {
		if err := s.recoverStaleBatch(ctx, &b, now); err != nil {
			s.log.Error("recover stale batch failed", "batch_id", b.ID, "error", err)
		}
	}
	return nil
}

func (s *Scheduler) recoverStaleBatch(ctx context.Context, b *store.BatchOperation, now time.Time) error {
	finished := b.CompletedCount + b.FailedCount
	switch {
	case finished >= b.TotalItems:
		return s.mapCo.ForceFinalize(ctx, b.ID)
	case b.CurrentIndex < b.TotalItems:
		_, err := s.mapCo.Reconcile(ctx, b.ID)
		return err
	default:
		cutoff := now.Add(-s.cfg.OrphanChildAfter)
		n, err := s.mapCo.FailOrphanedChildren(ctx, b, cutoff)
		if err != nil {
			return err
		}
		if n > 0 {
			s.log.Warn("marked orphaned map children failed", "batch_id", b.ID, "count", n)
		}
		return nil
	}
}

// checkBatchTimeouts force-finalizes map batches whose configured
// timeout_seconds has elapsed, cancelling their still-active children.
func (s *Scheduler) checkBatchTimeouts(ctx context.Context, now time.Time) error {
	if s.mapCo == nil {
		return nil
	}
	timedOut, err := s.mapCo.BatchRepo.ListTimedOut(dbctx.Context{Ctx: ctx}, now, s.cfg.StaleBatchListSize)
	if err != nil {
		return err
	}
	for _, b := range timedOut {
		if err := s.mapCo.Timeout(ctx, &b); err != nil {
			s.log.Error("batch timeout handling failed", "batch_id", b.ID, "error", err)
		}
	}
	return nil
}

// fireDueWorkflows claims cron-scheduled workflows whose next run time has
// passed (FOR UPDATE SKIP LOCKED keeps concurrent scheduler replicas from
// double-firing), spawns a fresh run, and advances schedule_next_run.
func (s *Scheduler) fireDueWorkflows(ctx context.Context, now time.Time) error {
	return s.workflowRepo.ListDue(dbctx.Context{Ctx: ctx}, now, s.cfg.DueWorkflowsLimit, func(tx *gorm.DB, w *store.Workflow) error {
		next, err := s.nextRunTime(w, now)
		if err != nil {
			s.log.Error("parse cron failed", "workflow_id", w.ID, "cron", w.ScheduleCron, "error", err)
			return nil
		}
		if err := tx.Model(&store.Workflow{}).Where("id = ?", w.ID).
			Update("schedule_next_run", next).Error; err != nil {
			return err
		}
		if w.ScheduleOverlapMode == "skip" {
			active, err := s.runRepo.CountActiveByWorkflow(dbctx.Context{Ctx: ctx}, w.ID)
			if err != nil {
				return err
			}
			if active > 0 {
				s.log.Info("skipping cron fire, a run is already active", "workflow_id", w.ID, "active_runs", active)
				return nil
			}
		}
		if w.ActiveVersionID == nil {
			return nil
		}
		var v store.WorkflowVersion
		if err := tx.First(&v, "id = ?", *w.ActiveVersionID).Error; err != nil {
			return err
		}
		return s.spawnScheduledRun(ctx, tx, w, &v)
	})
}

func (s *Scheduler) nextRunTime(w *store.Workflow, now time.Time) (time.Time, error) {
	loc := time.UTC
	if w.ScheduleTimezone != "" {
		if l, err := time.LoadLocation(w.ScheduleTimezone); err == nil {
			loc = l
		}
	}
	sched, err := s.cronParser.Parse(normalizeCron(w.ScheduleCron))
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(now.In(loc)).UTC(), nil
}

func (s *Scheduler) spawnScheduledRun(ctx context.Context, tx *gorm.DB, w *store.Workflow, v *store.WorkflowVersion) error {
	run := &store.Run{
		ID:            uuid.New(),
		WorkflowID:    w.ID,
		VersionID:     v.ID,
		GraphSnapshot: v.GraphSnapshot,
		Status:        store.RunStatusRunning,
		InputData:     datatypes.JSON([]byte(`{}`)),
	}
	if err := tx.Create(run).Error; err != nil {
		return err
	}
	snap, err := graph.Parse(v.GraphSnapshot)
	if err != nil {
		return err
	}
	var jobs []queue.Job
	for _, n := range snap.StartingNodes() {
		if j, ok := graph.BuildJob(n, run.ID.String(), 3, nil); ok {
			jobs = append(jobs, j)
		}
	}
	return s.queue.EnqueueBatch(ctx, jobs)
}
