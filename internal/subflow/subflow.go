// Package subflow implements the sub-flow coordinator: spawning a child run
// for a "SUBFLOW" node, suspending the parent until the child finishes, and
// resuming the parent with the child's result (or routing to an error edge
// on the HTTP-like 299 "success but error route" status).
package subflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/swiftgrid/worker/internal/graph"
	"github.com/swiftgrid/worker/internal/pkg/dbctx"
	"github.com/swiftgrid/worker/internal/queue"
	"github.com/swiftgrid/worker/internal/store"
)

// StatusRouteToError is the HTTP-like "success but route to error edge"
// marker a child run's result can carry, mirroring a 299 status code.
const StatusRouteToError = 299

// DefaultDepthLimit bounds sub-flow recursion when New is given no positive
// limit. The map engine does not check it: map children are spawned at the
// batch's child depth without any depth limit.
const DefaultDepthLimit = 10

var ErrDepthLimitExceeded = fmt.Errorf("sub-flow depth limit exceeded")

type Coordinator struct {
	RunRepo        store.RunRepo
	SuspensionRepo store.SuspensionRepo
	Queue          *queue.Queue
	DepthLimit     int
}

func New(runRepo store.RunRepo, suspensionRepo store.SuspensionRepo, q *queue.Queue, depthLimit int) *Coordinator {
	if depthLimit <= 0 {
		depthLimit = DefaultDepthLimit
	}
	return &Coordinator{RunRepo: runRepo, SuspensionRepo: suspensionRepo, Queue: q, DepthLimit: depthLimit}
}

// SpawnRequest describes the sub-flow a SUBFLOW node wants started.
type SpawnRequest struct {
	ParentRun     *store.Run
	ParentNodeID  string
	WorkflowID    uuid.UUID
	VersionID     uuid.UUID
	ChildGraph    datatypes.JSON
	Input         map[string]any
	TimeoutSecond int
}

// Spawn creates the child run, enqueues its starting nodes, and suspends the
// parent node pending the child's completion. Returns the child run.
func (co *Coordinator) Spawn(ctx context.Context, req SpawnRequest) (*store.Run, error) {
	if req.ParentRun.Depth+1 > co.DepthLimit {
		return nil, ErrDepthLimitExceeded
	}

	inputJSON, err := json.Marshal(req.Input)
	if err != nil {
		return nil, fmt.Errorf("subflow: encode input: %w", err)
	}

	child := &store.Run{
		ID:            uuid.New(),
		WorkflowID:    req.WorkflowID,
		VersionID:     req.VersionID,
		GraphSnapshot: req.ChildGraph,
		Status:        store.RunStatusRunning,
		InputData:     datatypes.JSON(inputJSON),
		ParentRunID:   &req.ParentRun.ID,
		ParentNodeID:  req.ParentNodeID,
		Depth:         req.ParentRun.Depth + 1,
	}
	if err := co.RunRepo.Create(dbctx.Context{Ctx: ctx}, child); err != nil {
		return nil, fmt.Errorf("subflow: create child run: %w", err)
	}

	snap, err := graph.Parse(req.ChildGraph)
	if err != nil {
		return nil, fmt.Errorf("subflow: parse child graph: %w", err)
	}
	var jobs []queue.Job
	for _, n := range snap.StartingNodes() {
		if j, ok := graph.BuildJob(n, child.ID.String(), 3, req.Input); ok {
			jobs = append(jobs, j)
		}
	}
	if err := co.Queue.EnqueueBatch(ctx, jobs); err != nil {
		return nil, fmt.Errorf("subflow: enqueue child starting nodes: %w", err)
	}

	var expiresAt *time.Time
	if req.TimeoutSecond > 0 {
		t := time.Now().UTC().Add(time.Duration(req.TimeoutSecond) * time.Second)
		expiresAt = &t
	}
	execCtx, _ := json.Marshal(map[string]any{"child_run_id": child.ID.String()})
	if err := co.SuspensionRepo.Create(dbctx.Context{Ctx: ctx}, &store.Suspension{
		RunID:            req.ParentRun.ID,
		NodeID:           req.ParentNodeID,
		Kind:             store.SuspensionSubflow,
		ExecutionContext: datatypes.JSON(execCtx),
		ExpiresAt:        expiresAt,
	}); err != nil {
		return nil, fmt.Errorf("subflow: record parent suspension: %w", err)
	}

	return child, nil
}

// ResumeResult is what SUBFLOWRESUME reports back once a child completes.
type ResumeResult struct {
	ChildRunID uuid.UUID
	Status     string // store.RunStatus*
	Output     interface{}
	RouteEdge  string // the "edge" field of the child's final node output, if any
}

// Resolve marks the parent's sub-flow suspension resolved now that the child
// run has reached a terminal state, returning the suspension so the caller
// can build the SUBFLOWRESUME job's output payload.
func (co *Coordinator) Resolve(ctx context.Context, parentRunID uuid.UUID, parentNodeID string, result ResumeResult) (*store.Suspension, error) {
	susp, err := co.SuspensionRepo.GetByRunNode(dbctx.Context{Ctx: ctx}, parentRunID, parentNodeID)
	if err != nil {
		return nil, fmt.Errorf("subflow: find parent suspension: %w", err)
	}
	payload, _ := json.Marshal(result)
	return co.SuspensionRepo.ResolveByID(dbctx.Context{Ctx: ctx}, susp.ID, "child_run", payload)
}
