package nodes

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/swiftgrid/worker/internal/mapengine"
	"github.com/swiftgrid/worker/internal/runtime"
	"github.com/swiftgrid/worker/internal/store"
)

// MapExecutor handles the "MAP" node kind: fan out one child run per input
// item, up to a concurrency limit, and suspend until every item finishes.
type MapExecutor struct {
	Coordinator *mapengine.Coordinator
}

func NewMapExecutor(co *mapengine.Coordinator) *MapExecutor { return &MapExecutor{Coordinator: co} }

func (e *MapExecutor) Type() string { return "MAP" }

func (e *MapExecutor) Run(c *runtime.Context) runtime.Result {
	p := c.Payload()
	rawItems, _ := p["items"].([]interface{})
	if rawItems == nil {
		return runtime.Result{Outcome: runtime.OutcomeFail, Err: fmt.Errorf("map node: missing items")}
	}
	concurrency := 0
	switch v := p["concurrency"].(type) {
	case float64:
		concurrency = int(v)
	case int:
		concurrency = v
	}
	failFast, _ := p["fail_fast"].(bool)
	timeoutSecs := 0
	switch v := p["timeout_seconds"].(type) {
	case float64:
		timeoutSecs = int(v)
	case int:
		timeoutSecs = v
	}
	childGraphRaw := p["child_graph"]
	childGraphJSON, err := json.Marshal(childGraphRaw)
	if err != nil {
		return runtime.Result{Outcome: runtime.OutcomeFail, Err: fmt.Errorf("map node: encode child graph: %w", err)}
	}

	_, err = e.Coordinator.Start(c.Ctx, mapengine.StartRequest{
		ParentRun:    c.Run,
		ParentNodeID: c.NodeID,
		Items:        rawItems,
		Concurrency:  concurrency,
		FailFast:     failFast,
		TimeoutSecs:  timeoutSecs,
		ChildGraph:   datatypes.JSON(childGraphJSON),
	})
	if err != nil {
		return runtime.Result{Outcome: runtime.OutcomeRetry, Err: fmt.Errorf("map node: %w", err)}
	}
	return runtime.Result{Outcome: runtime.OutcomeSuspend}
}

// MapStepExecutor handles the "MAPSTEP" node kind: re-entry into the MAP
// node to check whether the batch has finished (enqueued by the map engine
// once every item is terminal) or to reconcile a stale batch (enqueued by
// the scheduler's stale-batch recovery check).
type MapStepExecutor struct {
	Coordinator *mapengine.Coordinator
}

func NewMapStepExecutor(co *mapengine.Coordinator) *MapStepExecutor {
	return &MapStepExecutor{Coordinator: co}
}

func (e *MapStepExecutor) Type() string { return "MAPSTEP" }

func (e *MapStepExecutor) Run(c *runtime.Context) runtime.Result {
	batchID, ok := c.PayloadUUID("batch_id")
	if !ok {
		return runtime.Result{Outcome: runtime.OutcomeFail, Err: fmt.Errorf("mapstep node: missing batch_id")}
	}

	result, ready, err := e.Coordinator.Finalize(c.Ctx, batchID)
	if err != nil {
		return runtime.Result{Outcome: runtime.OutcomeRetry, Err: fmt.Errorf("mapstep node: %w", err)}
	}
	if !ready {
		if _, err := e.Coordinator.Reconcile(c.Ctx, batchID); err != nil {
			return runtime.Result{Outcome: runtime.OutcomeRetry, Err: fmt.Errorf("mapstep node: reconcile: %w", err)}
		}
		return runtime.Result{Outcome: runtime.OutcomeSuspend}
	}

	output := map[string]interface{}{
		"batch_id": batchID.String(),
		"status":   result.Status,
		"results":  result.Results,
		"errors":   result.Errors,
		"stats":    result.Stats,
		"route_to": result.RouteTo,
	}
	if result.Status == store.BatchFailed || result.Status == store.BatchTimedOut {
		return runtime.Result{Outcome: runtime.OutcomeFail, Err: fmt.Errorf("mapstep node: batch %s %s", batchID, result.Status), Output: output}
	}
	return runtime.Result{Outcome: runtime.OutcomeSuccess, Output: output}
}

// MapChildCompleteExecutor handles the "MAPCHILDCOMPLETE" node kind: an
// internal job the dispatcher enqueues (against the parent run, addressed to
// the MAP node's id) whenever a map-spawned child run reaches a terminal
// state. It is never the node's final outcome by itself — RecordCompleted/
// RecordFailed for the MAP node happens later, from MAPSTEP, once every item
// is accounted for.
type MapChildCompleteExecutor struct {
	Coordinator *mapengine.Coordinator
}

func NewMapChildCompleteExecutor(co *mapengine.Coordinator) *MapChildCompleteExecutor {
	return &MapChildCompleteExecutor{Coordinator: co}
}

func (e *MapChildCompleteExecutor) Type() string { return "MAPCHILDCOMPLETE" }

func (e *MapChildCompleteExecutor) Run(c *runtime.Context) runtime.Result {
	p := c.Payload()
	batchID, ok := c.PayloadUUID("batch_id")
	if !ok {
		return runtime.Result{Outcome: runtime.OutcomeFail, Err: fmt.Errorf("mapchildcomplete node: missing batch_id")}
	}
	itemIndex := 0
	switch v := p["item_index"].(type) {
	case float64:
		itemIndex = int(v)
	case int:
		itemIndex = v
	}

	// item_index < 0 is a scheduler-injected finalize marker (e.g. a batch
	// timeout); it carries no child run to record, it just forces Finalize.
	if itemIndex < 0 {
		if err := e.Coordinator.ChildComplete(c.Ctx, batchID, itemIndex, uuid.Nil, "", nil, ""); err != nil {
			return runtime.Result{Outcome: runtime.OutcomeRetry, Err: fmt.Errorf("mapchildcomplete node: %w", err)}
		}
		return runtime.Result{Outcome: runtime.OutcomeSuspend}
	}

	childRunID, ok := c.PayloadUUID("child_run_id")
	if !ok {
		return runtime.Result{Outcome: runtime.OutcomeFail, Err: fmt.Errorf("mapchildcomplete node: missing child_run_id")}
	}
	status := c.PayloadString("status")
	errMsg := c.PayloadString("error")

	var outputJSON datatypes.JSON
	if out, ok := p["output"]; ok && out != nil {
		b, err := json.Marshal(out)
		if err == nil {
			outputJSON = datatypes.JSON(b)
		}
	}

	if err := e.Coordinator.ChildComplete(c.Ctx, batchID, itemIndex, childRunID, status, outputJSON, errMsg); err != nil {
		return runtime.Result{Outcome: runtime.OutcomeRetry, Err: fmt.Errorf("mapchildcomplete node: %w", err)}
	}
	return runtime.Result{Outcome: runtime.OutcomeSuspend}
}
