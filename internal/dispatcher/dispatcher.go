// Package dispatcher implements the worker pool: N goroutines claiming jobs
// off the Redis Streams consumer group, running them through the handler
// registry, and applying the at-least-once ACK/retry/suspend/cancel
// discipline. This is the processor every node executor in internal/nodes
// was written against.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/swiftgrid/worker/internal/cancellation"
	"github.com/swiftgrid/worker/internal/graph"
	"github.com/swiftgrid/worker/internal/pkg/dbctx"
	"github.com/swiftgrid/worker/internal/platform/logger"
	"github.com/swiftgrid/worker/internal/queue"
	"github.com/swiftgrid/worker/internal/retry"
	"github.com/swiftgrid/worker/internal/runtime"
	"github.com/swiftgrid/worker/internal/store"

	"github.com/redis/go-redis/v9"
)

type Config struct {
	Concurrency  int
	ClaimBatch   int64
	BlockFor     time.Duration
	ConsumerName string
	HeartbeatKey string
	HeartbeatTTL time.Duration
}

func DefaultConfig(consumerName string) Config {
	return Config{
		Concurrency:  8,
		ClaimBatch:   10,
		BlockFor:     5 * time.Second,
		ConsumerName: consumerName,
		HeartbeatKey: "swiftgrid_worker_heartbeats",
		HeartbeatTTL: 30 * time.Second,
	}
}

// Dispatcher is the worker pool's handle onto everything a node attempt
// needs: the registry, the repositories, and the cross-cutting concerns
// (cancellation, retry backoff, notification) every executor expects to be
// available via runtime.Context.
type Dispatcher struct {
	cfg Config

	db     *gorm.DB
	rdb    *redis.Client
	q      *queue.Queue
	reg    *runtime.Registry
	log    *logger.Logger
	notify runtime.Notifier

	runRepo        store.RunRepo
	eventRepo      store.EventRepo
	suspensionRepo store.SuspensionRepo
	batchRepo      store.BatchRepo

	cancelRegistry *cancellation.Registry

	wg sync.WaitGroup
}

func New(cfg Config, db *gorm.DB, rdb *redis.Client, q *queue.Queue, reg *runtime.Registry,
	runRepo store.RunRepo, eventRepo store.EventRepo, suspensionRepo store.SuspensionRepo, batchRepo store.BatchRepo,
	cancelRegistry *cancellation.Registry, notify runtime.Notifier, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		cfg:            cfg,
		db:             db,
		rdb:            rdb,
		q:              q,
		reg:            reg,
		log:            log.With("component", "dispatcher"),
		notify:         notify,
		runRepo:        runRepo,
		eventRepo:      eventRepo,
		suspensionRepo: suspensionRepo,
		batchRepo:      batchRepo,
		cancelRegistry: cancelRegistry,
	}
}

// Run starts the worker pool and blocks until ctx is cancelled, then waits
// for in-flight attempts to drain.
func (d *Dispatcher) Run(ctx context.Context) error {
	if err := d.q.EnsureGroup(ctx); err != nil {
		return fmt.Errorf("dispatcher: ensure consumer group: %w", err)
	}
	n := d.cfg.Concurrency
	if n <= 0 {
		n = 1
	}
	d.log.Info("dispatcher starting", "workers", n, "consumer", d.cfg.ConsumerName)
	for i := 0; i < n; i++ {
		d.wg.Add(1)
		go d.worker(ctx, i)
	}
	d.wg.Add(1)
	go d.heartbeat(ctx)
	d.wg.Wait()
	d.log.Info("dispatcher stopped")
	return nil
}

func (d *Dispatcher) worker(ctx context.Context, idx int) {
	defer d.wg.Done()
	consumer := fmt.Sprintf("%s-%d", d.cfg.ConsumerName, idx)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		msgs, err := d.q.Claim(ctx, consumer, d.cfg.ClaimBatch, d.cfg.BlockFor)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d.log.Error("claim failed", "consumer", consumer, "error", err)
			time.Sleep(time.Second)
			continue
		}
		for _, m := range msgs {
			d.handle(ctx, m)
		}
	}
}

func (d *Dispatcher) heartbeat(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.cfg.HeartbeatTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			_ = d.rdb.HSet(ctx, d.cfg.HeartbeatKey, d.cfg.ConsumerName, now.UTC().Format(time.RFC3339)).Err()
			_ = d.rdb.Expire(ctx, d.cfg.HeartbeatKey, d.cfg.HeartbeatTTL*2).Err()
		}
	}
}

// handle processes one claimed stream entry end to end: idempotency check,
// execution, event bookkeeping, and ACK. A panic inside a handler is
// recovered and treated as a failed attempt rather than crashing the worker.
func (d *Dispatcher) handle(ctx context.Context, msg queue.Message) {
	job := msg.Job
	runID, err := uuid.Parse(job.RunID)
	if err != nil {
		d.log.Error("malformed run id, dropping", "stream_id", msg.StreamID, "run_id", job.RunID)
		_ = d.q.Ack(ctx, msg.StreamID)
		return
	}

	run, err := d.runRepo.Get(dbctx.Context{Ctx: ctx}, runID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			d.log.Error("run not found, dropping", "run_id", runID)
			_ = d.q.Ack(ctx, msg.StreamID)
			return
		}
		// Transient store error: leave unacked so this job is redelivered
		// instead of silently dropping a job we just failed to look up.
		d.log.Error("load run failed, leaving unacked for redelivery", "run_id", runID, "error", err)
		return
	}

	if run.Status == store.RunStatusCancelled || run.Status == store.RunStatusFailed {
		_ = d.q.Ack(ctx, msg.StreamID)
		return
	}

	done, err := d.eventRepo.HasTerminal(dbctx.Context{Ctx: ctx}, runID, job.ID, job.RetryCount)
	if err != nil {
		d.log.Error("idempotency check failed, leaving unacked for redelivery", "run_id", runID, "node_id", job.ID, "error", err)
		return
	}
	if done {
		// Already recorded terminal for this (run, node, attempt): ACK and
		// move on without re-running, the defining at-least-once guard.
		_ = d.q.Ack(ctx, msg.StreamID)
		return
	}

	handler, ok := d.reg.Get(job.Node.Type)
	if !ok {
		d.log.Error("no handler registered for node type, failing node", "node_type", job.Node.Type, "run_id", runID, "node_id", job.ID)
		errMsg := fmt.Sprintf("no handler registered for node type %q", job.Node.Type)
		rc := runtime.NewContext(ctx, d.db, run, job, d.runRepo, d.eventRepo, d.suspensionRepo, d.notify, d.log, d.cancelRegistry.GetOrCreate(runID))
		_ = rc.RecordFailed(errMsg)
		d.onNodeTerminal(ctx, run, job.ID, store.RunStatusFailed, nil, errMsg)
		_ = d.q.Ack(ctx, msg.StreamID)
		return
	}

	token := d.cancelRegistry.GetOrCreate(runID)
	rc := runtime.NewContext(ctx, d.db, run, job, d.runRepo, d.eventRepo, d.suspensionRepo, d.notify, d.log, token)

	result := d.runSafely(handler, rc)

	switch result.Outcome {
	case runtime.OutcomeSuccess:
		if err := rc.RecordCompleted(result.Output); err != nil {
			d.log.Error("record completed failed", "run_id", runID, "node_id", job.ID, "error", err)
			return // leave unacked, retry the bookkeeping on redelivery
		}
		d.onNodeTerminal(ctx, run, job.ID, store.RunStatusCompleted, result.Output, "")
		_ = d.q.Ack(ctx, msg.StreamID)

	case runtime.OutcomeFail:
		errMsg := errString(result.Err)
		if err := rc.RecordFailed(errMsg); err != nil {
			d.log.Error("record failed failed", "run_id", runID, "node_id", job.ID, "error", err)
			return
		}
		d.onNodeTerminal(ctx, run, job.ID, store.RunStatusFailed, nil, errMsg)
		_ = d.q.Ack(ctx, msg.StreamID)

	case runtime.OutcomeCancel:
		_ = rc.RecordCancelled()
		d.onNodeTerminal(ctx, run, job.ID, store.RunStatusCancelled, nil, "cancelled")
		_ = d.q.Ack(ctx, msg.StreamID)

	case runtime.OutcomeSuspend:
		// Suspension state (if any) was already recorded by the executor
		// itself (delay/webhook/sub-flow/map); nothing terminal to write.
		_ = d.q.Ack(ctx, msg.StreamID)

	case runtime.OutcomeRetry:
		d.retryOrFail(ctx, msg, rc, result)

	default:
		d.log.Error("unknown outcome, failing node", "outcome", result.Outcome, "run_id", runID, "node_id", job.ID)
		_ = rc.RecordFailed("unknown outcome")
		_ = d.q.Ack(ctx, msg.StreamID)
	}
}

func (d *Dispatcher) runSafely(h runtime.Handler, rc *runtime.Context) (result runtime.Result) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("node handler panicked", "run_id", rc.Run.ID, "node_id", rc.NodeID, "panic", r)
			result = runtime.Result{Outcome: runtime.OutcomeFail, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	return h.Run(rc)
}

func (d *Dispatcher) retryOrFail(ctx context.Context, msg queue.Message, rc *runtime.Context, result runtime.Result) {
	job := msg.Job
	if retry.ExceededMaxRetries(job.RetryCount, job.MaxRetries) {
		errMsg := errString(result.Err)
		_ = rc.RecordFailed(errMsg)
		d.onNodeTerminal(ctx, rc.Run, job.ID, store.RunStatusFailed, nil, errMsg)
		_ = d.q.Ack(ctx, msg.StreamID)
		return
	}

	delay := result.RetryAfter
	if delay <= 0 {
		delay = retry.Backoff(job.RetryCount)
	}
	nextAttempt := job.RetryCount + 1
	_ = rc.RecordRetryScheduled(nextAttempt, delay)

	retryJob := job
	retryJob.RetryCount = nextAttempt
	if err := d.q.EnqueueDelayed(ctx, retryJob, time.Now().UTC().Add(delay)); err != nil {
		d.log.Error("schedule retry failed, leaving unacked for redelivery", "run_id", rc.Run.ID, "node_id", job.ID, "error", err)
		return
	}
	_ = d.q.Ack(ctx, msg.StreamID)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// onNodeTerminal marks the run terminal (for a failure/cancellation, or a
// success at a leaf node with no outgoing edge) and, if this run is a
// sub-flow or map child, notifies its parent by enqueueing the matching
// resume job.
func (d *Dispatcher) onNodeTerminal(ctx context.Context, run *store.Run, nodeID, status string, output interface{}, errMsg string) {
	runTerminal := status != store.RunStatusCompleted
	if !runTerminal {
		snap, err := graph.Parse(run.GraphSnapshot)
		if err == nil {
			runTerminal = !snap.HasOutgoing(nodeID)
		}
	}
	if !runTerminal {
		return
	}

	now := time.Now().UTC()
	updates := map[string]interface{}{"status": status, "completed_at": now}
	if errMsg != "" {
		updates["error"] = errMsg
	}
	if b, err := json.Marshal(output); err == nil && output != nil {
		updates["result"] = b
	}
	if _, err := d.runRepo.UpdateFieldsUnlessStatus(dbctx.Context{Ctx: ctx}, run.ID,
		[]string{store.RunStatusCancelled, store.RunStatusCompleted, store.RunStatusFailed}, updates); err != nil {
		d.log.Error("mark run terminal failed", "run_id", run.ID, "error", err)
	}
	d.cancelRegistry.Remove(run.ID)

	if run.ParentRunID == nil {
		return
	}
	d.notifyParent(ctx, run, status, output, errMsg)
}

func (d *Dispatcher) notifyParent(ctx context.Context, run *store.Run, status string, output interface{}, errMsg string) {
	parentRunID := *run.ParentRunID

	if batchID, itemIndex, ok := parseMapChildNode(run.ParentNodeID); ok {
		batch, err := d.batchRepo.Get(dbctx.Context{Ctx: ctx}, batchID)
		if err != nil {
			d.log.Error("notify parent: load batch failed", "batch_id", batchID, "error", err)
			return
		}
		data, _ := json.Marshal(map[string]any{
			"batch_id":     batchID.String(),
			"item_index":   itemIndex,
			"child_run_id": run.ID.String(),
			"status":       status,
			"output":       output,
			"error":        errMsg,
		})
		job := queue.Job{ID: batch.NodeID, RunID: parentRunID.String(), Node: queue.JobNode{Type: "MAPCHILDCOMPLETE", Data: data}}
		if err := d.q.Enqueue(ctx, job); err != nil {
			d.log.Error("notify parent: enqueue MAPCHILDCOMPLETE failed", "run_id", run.ID, "error", err)
		}
		return
	}

	routeEdge := ""
	if m, ok := output.(map[string]interface{}); ok {
		if e, ok := m["edge"].(string); ok {
			routeEdge = e
		}
	}
	payload, _ := json.Marshal(map[string]any{
		"ChildRunID": run.ID,
		"Status":     status,
		"Output":     output,
		"RouteEdge":  routeEdge,
	})
	susp, err := d.suspensionRepo.GetByRunNode(dbctx.Context{Ctx: ctx}, parentRunID, run.ParentNodeID)
	if err != nil {
		d.log.Error("notify parent: find suspension failed", "parent_run_id", parentRunID, "node_id", run.ParentNodeID, "error", err)
		return
	}
	if _, err := d.suspensionRepo.ResolveByID(dbctx.Context{Ctx: ctx}, susp.ID, "child_run", payload); err != nil {
		d.log.Error("notify parent: resolve suspension failed", "suspension_id", susp.ID, "error", err)
		return
	}
	job := queue.Job{ID: run.ParentNodeID, RunID: parentRunID.String(), Node: queue.JobNode{Type: "SUBFLOWRESUME"}}
	if err := d.q.Enqueue(ctx, job); err != nil {
		d.log.Error("notify parent: enqueue SUBFLOWRESUME failed", "run_id", run.ID, "error", err)
	}
}

// parseMapChildNode splits a map child's "<batch_id>:<item_index>" encoded
// ParentNodeID. A sub-flow child's ParentNodeID is a plain node id with no
// colon, so this is also how the two parent kinds are told apart.
func parseMapChildNode(parentNodeID string) (uuid.UUID, int, bool) {
	idx := strings.LastIndex(parentNodeID, ":")
	if idx < 0 {
		return uuid.Nil, 0, false
	}
	batchID, err := uuid.Parse(parentNodeID[:idx])
	if err != nil {
		return uuid.Nil, 0, false
	}
	itemIndex, err := strconv.Atoi(parentNodeID[idx+1:])
	if err != nil {
		return uuid.Nil, 0, false
	}
	return batchID, itemIndex, true
}
