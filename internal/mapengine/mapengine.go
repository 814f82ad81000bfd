// Package mapengine implements the fan-out/map-node engine: spawning one
// child run per input item up to a concurrency limit, recording each child's
// result idempotently, and resuming the parent node once every item has
// reached a terminal state. Grounded in the reference map engine's two spawn
// paths: a cold path that starts a freshly created batch (spawn_children) and
// a cached/recovery path that reconciles an already-running batch against its
// current claimed-slot state (spawn_children_cached), used by the scheduler
// sidecar to resume spawning for stale batches that still have unspawned
// items.
package mapengine

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/swiftgrid/worker/internal/cancellation"
	"github.com/swiftgrid/worker/internal/graph"
	"github.com/swiftgrid/worker/internal/pkg/dbctx"
	"github.com/swiftgrid/worker/internal/pubsub"
	"github.com/swiftgrid/worker/internal/queue"
	"github.com/swiftgrid/worker/internal/store"
)

// DefaultConcurrency bounds how many child runs may be active at once when a
// map node does not specify one explicitly.
const DefaultConcurrency = 5

// maxSpawnParallelism bounds how many child-run creations (each its own
// insert + graph parse + enqueue) a single Start/Reconcile call may run
// concurrently, independent of the batch's own item concurrency limit.
const maxSpawnParallelism = 8

type Coordinator struct {
	BatchRepo      store.BatchRepo
	RunRepo        store.RunRepo
	SuspensionRepo store.SuspensionRepo
	EventRepo      store.EventRepo
	Queue          *queue.Queue
	Bus            *pubsub.Bus

	spawnSem *semaphore.Weighted
}

func New(batchRepo store.BatchRepo, runRepo store.RunRepo, suspensionRepo store.SuspensionRepo, eventRepo store.EventRepo, bus *pubsub.Bus, q *queue.Queue) *Coordinator {
	return &Coordinator{
		BatchRepo:      batchRepo,
		RunRepo:        runRepo,
		SuspensionRepo: suspensionRepo,
		EventRepo:      eventRepo,
		Bus:            bus,
		Queue:          q,
		spawnSem:       semaphore.NewWeighted(maxSpawnParallelism),
	}
}

// StartRequest describes a freshly encountered MAP node.
type StartRequest struct {
	ParentRun    *store.Run
	ParentNodeID string
	Items        []interface{}
	Concurrency  int
	FailFast     bool
	TimeoutSecs  int
	ChildGraph   datatypes.JSON
}

// Start creates the batch row, suspends the parent node, and spawns the
// initial wave of children up to the concurrency limit.
func (co *Coordinator) Start(ctx context.Context, req StartRequest) (*store.BatchOperation, error) {
	concurrency := req.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	itemsJSON, err := json.Marshal(req.Items)
	if err != nil {
		return nil, fmt.Errorf("mapengine: encode items: %w", err)
	}

	batch := &store.BatchOperation{
		ID:                 uuid.New(),
		RunID:              req.ParentRun.ID,
		NodeID:             req.ParentNodeID,
		TotalItems:         len(req.Items),
		Concurrency:        concurrency,
		FailFast:           req.FailFast,
		TimeoutSeconds:     req.TimeoutSecs,
		Status:             store.BatchRunning,
		ChildGraphSnapshot: req.ChildGraph,
		ChildDepth:         req.ParentRun.Depth + 1,
		InputItems:         datatypes.JSON(itemsJSON),
	}
	if err := co.BatchRepo.Create(dbctx.Context{Ctx: ctx}, batch); err != nil {
		return nil, fmt.Errorf("mapengine: create batch: %w", err)
	}

	var expiresAt *time.Time
	if req.TimeoutSecs > 0 {
		t := time.Now().UTC().Add(time.Duration(req.TimeoutSecs) * time.Second)
		expiresAt = &t
	}
	execCtx, _ := json.Marshal(map[string]any{"batch_id": batch.ID.String()})
	if err := co.SuspensionRepo.Create(dbctx.Context{Ctx: ctx}, &store.Suspension{
		RunID:            req.ParentRun.ID,
		NodeID:           req.ParentNodeID,
		Kind:             store.SuspensionMap,
		ExecutionContext: datatypes.JSON(execCtx),
		ExpiresAt:        expiresAt,
	}); err != nil {
		return nil, fmt.Errorf("mapengine: record parent suspension: %w", err)
	}

	if batch.TotalItems == 0 {
		if err := co.finalizeStatus(ctx, batch); err != nil {
			return nil, err
		}
		return batch, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < concurrency; i++ {
		claimed, ok, err := co.BatchRepo.ClaimSlotFast(dbctx.Context{Ctx: ctx}, batch.ID)
		if err != nil {
			return nil, fmt.Errorf("mapengine: claim initial slot: %w", err)
		}
		if !ok {
			break
		}
		idx := claimed.CurrentIndex - 1
		if err := co.spawnSem.Acquire(ctx, 1); err != nil {
			return nil, fmt.Errorf("mapengine: acquire spawn slot: %w", err)
		}
		g.Go(func() error {
			defer co.spawnSem.Release(1)
			return co.spawnChild(gctx, claimed, idx)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("mapengine: spawn child: %w", err)
	}

	return batch, nil
}

// spawnChild creates and enqueues the child run for one batch item.
func (co *Coordinator) spawnChild(ctx context.Context, batch *store.BatchOperation, itemIndex int) error {
	var items []interface{}
	if err := json.Unmarshal(batch.InputItems, &items); err != nil {
		return fmt.Errorf("mapengine: decode input items: %w", err)
	}
	if itemIndex < 0 || itemIndex >= len(items) {
		return fmt.Errorf("mapengine: item index %d out of range", itemIndex)
	}
	item, _ := items[itemIndex].(map[string]any)
	if item == nil {
		item = map[string]any{"value": items[itemIndex]}
	}

	inputJSON, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("mapengine: encode item %d: %w", itemIndex, err)
	}

	child := &store.Run{
		ID:            uuid.New(),
		WorkflowID:    uuid.Nil,
		GraphSnapshot: batch.ChildGraphSnapshot,
		Status:        store.RunStatusRunning,
		InputData:     datatypes.JSON(inputJSON),
		ParentRunID:   &batch.RunID,
		ParentNodeID:  fmt.Sprintf("%s:%d", batch.ID.String(), itemIndex),
		Depth:         batch.ChildDepth,
	}
	if err := co.RunRepo.Create(dbctx.Context{Ctx: ctx}, child); err != nil {
		return fmt.Errorf("mapengine: create child run: %w", err)
	}

	snap, err := graph.Parse(batch.ChildGraphSnapshot)
	if err != nil {
		return fmt.Errorf("mapengine: parse child graph: %w", err)
	}
	var jobs []queue.Job
	for _, n := range snap.StartingNodes() {
		if j, ok := graph.BuildJob(n, child.ID.String(), 3, item); ok {
			jobs = append(jobs, j)
		}
	}
	return co.Queue.EnqueueBatch(ctx, jobs)
}

// ChildComplete records one item's terminal result, releases its slot, and
// either claims+spawns the next item or enqueues a MAPSTEP job to finalize
// the batch once nothing remains active.
func (co *Coordinator) ChildComplete(ctx context.Context, batchID uuid.UUID, itemIndex int, childRunID uuid.UUID, status string, output datatypes.JSON, errMsg string) error {
	if itemIndex < 0 {
		// A scheduler-injected finalize marker (e.g. a batch timeout already
		// forced the batch terminal): skip per-item bookkeeping entirely and
		// go straight to MAPSTEP so Finalize can aggregate and resume the
		// parent.
		batch, err := co.BatchRepo.Get(dbctx.Context{Ctx: ctx}, batchID)
		if err != nil {
			return fmt.Errorf("mapengine: reload batch: %w", err)
		}
		return co.Queue.Enqueue(ctx, mapStepJob(batch))
	}

	inserted, err := co.BatchRepo.InsertResult(dbctx.Context{Ctx: ctx}, &store.BatchResult{
		BatchID:    batchID,
		ItemIndex:  itemIndex,
		ChildRunID: childRunID,
		Status:     status,
		Output:     output,
		Error:      errMsg,
	})
	if err != nil {
		return fmt.Errorf("mapengine: insert result: %w", err)
	}
	if !inserted {
		// Already recorded by a previous delivery of this notification.
		return nil
	}

	success := status == store.RunStatusCompleted
	if err := co.BatchRepo.RecordItemResult(dbctx.Context{Ctx: ctx}, batchID, success); err != nil {
		return fmt.Errorf("mapengine: record item result: %w", err)
	}

	batch, err := co.BatchRepo.Get(dbctx.Context{Ctx: ctx}, batchID)
	if err != nil {
		return fmt.Errorf("mapengine: reload batch: %w", err)
	}

	if batch.FailFast && !success {
		return co.Queue.Enqueue(ctx, mapStepJob(batch))
	}

	claimed, ok, err := co.BatchRepo.ClaimSlotFast(dbctx.Context{Ctx: ctx}, batchID)
	if err != nil {
		return fmt.Errorf("mapengine: claim next slot: %w", err)
	}
	if ok {
		return co.spawnChild(ctx, claimed, claimed.CurrentIndex-1)
	}

	done := batch.CompletedCount+batch.FailedCount >= batch.TotalItems
	if done {
		return co.Queue.Enqueue(ctx, mapStepJob(batch))
	}
	return nil
}

func mapStepJob(batch *store.BatchOperation) queue.Job {
	data, _ := json.Marshal(map[string]any{"batch_id": batch.ID.String()})
	return queue.Job{
		ID:    batch.NodeID,
		RunID: batch.RunID.String(),
		Node:  queue.JobNode{Type: "MAPSTEP", Data: data},
	}
}

// Reconcile is the recovery path (spawn_children_cached): called by the
// scheduler for batches whose updated_at has gone stale, it locks the row,
// spawns unspawned items into the free slots (concurrency minus
// active_count), and returns the fresh batch state. Children that died
// without reporting back still count in active_count, so their slots are
// not freed here.
func (co *Coordinator) Reconcile(ctx context.Context, batchID uuid.UUID) (*store.BatchOperation, error) {
	var result *store.BatchOperation
	err := co.BatchRepo.ClaimSlotForUpdate(dbctx.Context{Ctx: ctx}, batchID, func(tx *gorm.DB, b *store.BatchOperation) error {
		result = b
		if b.Status != store.BatchRunning {
			return nil
		}
		slotsFree := b.Concurrency - b.ActiveCount
		itemsLeft := b.TotalItems - b.CurrentIndex
		n := slotsFree
		if n > itemsLeft {
			n = itemsLeft
		}
		g, gctx := errgroup.WithContext(ctx)
		for i := 0; i < n; i++ {
			idx := b.CurrentIndex
			if err := tx.Model(&store.BatchOperation{}).Where("id = ?", b.ID).
				UpdateColumns(map[string]interface{}{
					"current_index": gorm.Expr("current_index + 1"),
					"active_count":  gorm.Expr("active_count + 1"),
				}).Error; err != nil {
				return err
			}
			b.CurrentIndex++
			b.ActiveCount++
			if err := co.spawnSem.Acquire(ctx, 1); err != nil {
				return err
			}
			g.Go(func() error {
				defer co.spawnSem.Release(1)
				return co.spawnChild(gctx, b, idx)
			})
		}
		return g.Wait()
	})
	return result, err
}

// BatchStats summarizes one finalized batch's throughput and latency,
// derived from Little's Law (latency = concurrency / throughput) the same
// way the reference map engine's complete_batch does.
type BatchStats struct {
	Total                int     `json:"total"`
	Completed            int     `json:"completed"`
	Failed               int     `json:"failed"`
	DurationMS           int64   `json:"duration_ms"`
	DurationSecs         float64 `json:"duration_secs"`
	ItemsPerSec          float64 `json:"items_per_sec"`
	AvgLatencyMS         int64   `json:"avg_latency_ms"`
	ConcurrencyUsed      int     `json:"concurrency_used"`
	SuggestedConcurrency int     `json:"suggested_concurrency"`
}

// FinalizeResult is everything a finalized MAP node needs to resume its
// parent: the positional per-item results, the collected errors, throughput
// stats, and which edge to route to.
type FinalizeResult struct {
	Status  string
	Results []interface{}
	Errors  []map[string]interface{}
	Stats   BatchStats
	RouteTo string
}

// Finalize inspects a batch and, if every item has reached a terminal state
// (fail-fast tripped, or the batch was already forced terminal by a
// batch-timeout), marks the batch terminal, resolves the parent's
// suspension, and aggregates every item result in index order. Returns
// ok=false if the batch is not yet ready to finalize.
func (co *Coordinator) Finalize(ctx context.Context, batchID uuid.UUID) (*FinalizeResult, bool, error) {
	batch, err := co.BatchRepo.Get(dbctx.Context{Ctx: ctx}, batchID)
	if err != nil {
		return nil, false, fmt.Errorf("mapengine: get batch: %w", err)
	}

	var finalStatus string
	switch batch.Status {
	case store.BatchTimedOut, store.BatchCancelled:
		// Already forced terminal (by Timeout or an external cancel); just
		// aggregate what was recorded.
		finalStatus = batch.Status
	default:
		failFastTripped := batch.FailFast && batch.FailedCount > 0
		allDone := batch.CompletedCount+batch.FailedCount >= batch.TotalItems
		if !allDone && !failFastTripped {
			return nil, false, nil
		}

		finalStatus = store.BatchCompleted
		if failFastTripped || batch.FailedCount > 0 {
			finalStatus = store.BatchFailed
		}
		if err := co.finalizeStatus(ctx, batch); err != nil {
			return nil, false, err
		}
		if err := co.BatchRepo.UpdateStatus(dbctx.Context{Ctx: ctx}, batch.ID, finalStatus); err != nil {
			return nil, false, fmt.Errorf("mapengine: update batch status: %w", err)
		}
	}

	susp, err := co.SuspensionRepo.GetByRunNode(dbctx.Context{Ctx: ctx}, batch.RunID, batch.NodeID)
	if err != nil {
		return nil, false, fmt.Errorf("mapengine: find parent suspension: %w", err)
	}
	payload, _ := json.Marshal(map[string]any{"batch_id": batch.ID.String(), "status": finalStatus})
	if _, err := co.SuspensionRepo.ResolveByID(dbctx.Context{Ctx: ctx}, susp.ID, "mapengine", payload); err != nil && err != gorm.ErrRecordNotFound {
		return nil, false, fmt.Errorf("mapengine: resolve parent suspension: %w", err)
	}

	results, aggErrors, err := co.aggregateResults(ctx, batch)
	if err != nil {
		return nil, false, err
	}

	routeTo := "success"
	if finalStatus != store.BatchCompleted {
		routeTo = "error"
	}

	return &FinalizeResult{
		Status:  finalStatus,
		Results: results,
		Errors:  aggErrors,
		Stats:   computeBatchStats(batch),
		RouteTo: routeTo,
	}, true, nil
}

// aggregateResults reads every recorded item result in index order and
// builds the positional results array (nil for failed/missing indices) and
// the errors array, mirroring the reference complete_batch function.
func (co *Coordinator) aggregateResults(ctx context.Context, batch *store.BatchOperation) ([]interface{}, []map[string]interface{}, error) {
	rows, err := co.BatchRepo.ListResultsOrdered(dbctx.Context{Ctx: ctx}, batch.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("mapengine: list batch results: %w", err)
	}

	results := make([]interface{}, batch.TotalItems)
	var errs []map[string]interface{}
	for _, r := range rows {
		if r.ItemIndex < 0 || r.ItemIndex >= batch.TotalItems {
			continue
		}
		if r.Status == store.RunStatusCompleted {
			var out interface{}
			if len(r.Output) > 0 {
				_ = json.Unmarshal(r.Output, &out)
			}
			results[r.ItemIndex] = out
			continue
		}
		msg := r.Error
		if msg == "" {
			msg = "unknown error"
		}
		errs = append(errs, map[string]interface{}{"index": r.ItemIndex, "error": msg})
	}
	return results, errs, nil
}

// computeBatchStats derives throughput and latency from the batch's elapsed
// wall-clock time and configured concurrency, via Little's Law.
func computeBatchStats(batch *store.BatchOperation) BatchStats {
	durationMS := time.Since(batch.CreatedAt).Milliseconds()
	if durationMS < 0 {
		durationMS = 0
	}
	durationSecs := float64(durationMS) / 1000.0

	var itemsPerSec float64
	if durationSecs > 0 {
		itemsPerSec = math.Round(float64(batch.TotalItems) / durationSecs)
	}

	concurrency := batch.Concurrency
	var avgLatencyMS int64
	if itemsPerSec > 0 {
		avgLatencyMS = int64(math.Round((float64(concurrency) / itemsPerSec) * 1000.0))
	}

	suggested := concurrency
	if avgLatencyMS > 1000 {
		suggested = concurrency * 2
		if suggested > 200 {
			suggested = 200
		}
	}

	return BatchStats{
		Total:                batch.TotalItems,
		Completed:            batch.CompletedCount,
		Failed:               batch.FailedCount,
		DurationMS:           durationMS,
		DurationSecs:         durationSecs,
		ItemsPerSec:          itemsPerSec,
		AvgLatencyMS:         avgLatencyMS,
		ConcurrencyUsed:      concurrency,
		SuggestedConcurrency: suggested,
	}
}

// Timeout force-finalizes a batch whose TimeoutSeconds has elapsed: it marks
// the batch timed_out, cancels any still-active children, records a
// NODE_FAILED event against the parent node, and injects a map-child-complete
// finalize marker (item_index=-1) so the normal ChildComplete/Finalize path
// produces the aggregated output and resumes the parent.
func (co *Coordinator) Timeout(ctx context.Context, batch *store.BatchOperation) error {
	if err := co.BatchRepo.UpdateStatus(dbctx.Context{Ctx: ctx}, batch.ID, store.BatchTimedOut); err != nil {
		return fmt.Errorf("mapengine: mark batch timed out: %w", err)
	}

	if co.Bus != nil {
		childIDs, err := co.RunRepo.ListActiveByParentPrefix(dbctx.Context{Ctx: ctx}, batch.RunID, batch.ID.String()+":")
		if err != nil {
			return fmt.Errorf("mapengine: list active children: %w", err)
		}
		for _, childID := range childIDs {
			if err := cancellation.PublishCancel(ctx, co.Bus, childID); err != nil {
				return fmt.Errorf("mapengine: publish cancel for child %s: %w", childID, err)
			}
		}
	}

	if co.EventRepo != nil {
		data, _ := json.Marshal(map[string]any{"batch_id": batch.ID.String(), "reason": "timeout"})
		if err := co.EventRepo.Append(dbctx.Context{Ctx: ctx}, &store.RunEvent{
			ID:      uuid.New(),
			RunID:   batch.RunID,
			NodeID:  batch.NodeID,
			Attempt: 0,
			Kind:    store.EventFailed,
			Data:    datatypes.JSON(data),
		}); err != nil {
			return fmt.Errorf("mapengine: record batch timeout event: %w", err)
		}
	}

	return co.ChildComplete(ctx, batch.ID, -1, uuid.Nil, "", nil, "")
}

// ForceFinalize enqueues a MAPSTEP job for a batch the scheduler determined
// is already fully finished but whose completion notification never made it
// through (e.g. the worker that would have enqueued it died mid-flight).
func (co *Coordinator) ForceFinalize(ctx context.Context, batchID uuid.UUID) error {
	batch, err := co.BatchRepo.Get(dbctx.Context{Ctx: ctx}, batchID)
	if err != nil {
		return fmt.Errorf("mapengine: get batch: %w", err)
	}
	return co.Queue.Enqueue(ctx, mapStepJob(batch))
}

// FailOrphanedChildren handles the scheduler's third stale-batch case: every
// item has been spawned and some are still active, but the batch has made no
// progress for a while, meaning one or more children died without reporting
// back. It marks children still pending/running past cutoff failed directly,
// then injects a finalize marker so the batch completes with partial results
// instead of hanging forever. Returns how many children it failed.
func (co *Coordinator) FailOrphanedChildren(ctx context.Context, batch *store.BatchOperation, cutoff time.Time) (int64, error) {
	n, err := co.RunRepo.FailStaleChildren(dbctx.Context{Ctx: ctx}, batch.RunID, batch.ID.String()+":", cutoff)
	if err != nil {
		return 0, fmt.Errorf("mapengine: fail orphaned children: %w", err)
	}
	if n == 0 {
		return 0, nil
	}
	if err := co.ChildComplete(ctx, batch.ID, -1, uuid.Nil, "", nil, ""); err != nil {
		return n, err
	}
	return n, nil
}

// finalizeStatus marks a zero-item batch complete immediately (nothing to
// wait for).
func (co *Coordinator) finalizeStatus(ctx context.Context, batch *store.BatchOperation) error {
	if batch.TotalItems != 0 {
		return nil
	}
	return co.BatchRepo.UpdateStatus(dbctx.Context{Ctx: ctx}, batch.ID, store.BatchCompleted)
}
