package nodes

import (
	"encoding/json"
	"fmt"

	"github.com/swiftgrid/worker/internal/runtime"
	"github.com/swiftgrid/worker/internal/store"
	"github.com/swiftgrid/worker/internal/subflow"
)

// SubflowExecutor handles the "SUBFLOW" node kind.
type SubflowExecutor struct {
	Coordinator *subflow.Coordinator
}

func NewSubflowExecutor(co *subflow.Coordinator) *SubflowExecutor { return &SubflowExecutor{Coordinator: co} }

func (e *SubflowExecutor) Type() string { return "SUBFLOW" }

func (e *SubflowExecutor) Run(c *runtime.Context) runtime.Result {
	p := c.Payload()
	workflowID, ok := c.PayloadUUID("workflow_id")
	if !ok {
		return runtime.Result{Outcome: runtime.OutcomeFail, Err: fmt.Errorf("subflow node: missing workflow_id")}
	}
	versionID, _ := c.PayloadUUID("version_id")
	input, _ := p["input"].(map[string]any)
	timeoutSeconds := 0
	switch v := p["timeout_seconds"].(type) {
	case float64:
		timeoutSeconds = int(v)
	case int:
		timeoutSeconds = v
	}

	childGraphRaw, _ := p["child_graph"]
	childGraphJSON, err := json.Marshal(childGraphRaw)
	if err != nil {
		return runtime.Result{Outcome: runtime.OutcomeFail, Err: fmt.Errorf("subflow node: encode child graph: %w", err)}
	}

	child, err := e.Coordinator.Spawn(c.Ctx, subflow.SpawnRequest{
		ParentRun:     c.Run,
		ParentNodeID:  c.NodeID,
		WorkflowID:    workflowID,
		VersionID:     versionID,
		ChildGraph:    childGraphJSON,
		Input:         input,
		TimeoutSecond: timeoutSeconds,
	})
	if err != nil {
		if err == subflow.ErrDepthLimitExceeded {
			return runtime.Result{Outcome: runtime.OutcomeFail, Err: err}
		}
		return runtime.Result{Outcome: runtime.OutcomeRetry, Err: err}
	}

	return runtime.Result{Outcome: runtime.OutcomeSuspend, Output: map[string]interface{}{"child_run_id": child.ID.String()}}
}

// SubflowResumeExecutor handles the "SUBFLOWRESUME" node kind: the job
// pushed back onto the stream once the child run reaches a terminal state.
type SubflowResumeExecutor struct{}

func NewSubflowResumeExecutor() *SubflowResumeExecutor { return &SubflowResumeExecutor{} }

func (e *SubflowResumeExecutor) Type() string { return "SUBFLOWRESUME" }

func (e *SubflowResumeExecutor) Run(c *runtime.Context) runtime.Result {
	susp, err := c.SuspensionRepo.GetByRunNode(c.DC(), c.Run.ID, c.NodeID)
	if err != nil {
		return runtime.Result{Outcome: runtime.OutcomeFail, Err: fmt.Errorf("subflow resume: no matching suspension: %w", err)}
	}
	var result subflow.ResumeResult
	if len(susp.ResumePayload) > 0 {
		_ = json.Unmarshal(susp.ResumePayload, &result)
	}

	switch result.Status {
	case store.RunStatusCompleted:
		return runtime.Result{Outcome: runtime.OutcomeSuccess, Output: result.Output}
	case store.RunStatusCancelled:
		return runtime.Result{Outcome: runtime.OutcomeCancel}
	default:
		if result.RouteEdge != "" {
			// HTTP-like 299: success, but route to the named error edge.
			return runtime.Result{Outcome: runtime.OutcomeSuccess, Output: map[string]interface{}{
				"edge":   result.RouteEdge,
				"output": result.Output,
			}}
		}
		return runtime.Result{Outcome: runtime.OutcomeFail, Err: fmt.Errorf("subflow resume: child run failed")}
	}
}
