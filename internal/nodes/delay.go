package nodes

import (
	"fmt"
	"time"

	"github.com/swiftgrid/worker/internal/queue"
	"github.com/swiftgrid/worker/internal/runtime"
	"github.com/swiftgrid/worker/internal/store"
)

// DelayExecutor handles the "DELAY" node kind: it suspends the run and
// schedules its own resumption job on the delayed sorted set, to be promoted
// back onto the primary stream by the scheduler sidecar once due.
type DelayExecutor struct {
	Queue *queue.Queue
}

func NewDelayExecutor(q *queue.Queue) *DelayExecutor { return &DelayExecutor{Queue: q} }

func (e *DelayExecutor) Type() string { return "DELAY" }

func (e *DelayExecutor) Run(c *runtime.Context) runtime.Result {
	p := c.Payload()
	seconds := 0
	switch v := p["delay_seconds"].(type) {
	case float64:
		seconds = int(v)
	case int:
		seconds = v
	}
	if seconds <= 0 {
		return runtime.Result{Outcome: runtime.OutcomeFail, Err: fmt.Errorf("delay node: missing or non-positive delay_seconds")}
	}
	wakeAt := time.Now().UTC().Add(time.Duration(seconds) * time.Second)

	resumeJob := queue.Job{
		ID:         c.NodeID,
		RunID:      c.Run.ID.String(),
		Node:       queue.JobNode{Type: "DELAY_RESUME", Data: c.Job.Node.Data},
		RetryCount: 0,
		MaxRetries: c.Job.MaxRetries,
		Isolated:   c.Job.Isolated,
	}
	if err := e.Queue.EnqueueDelayed(c.Ctx, resumeJob, wakeAt); err != nil {
		return runtime.Result{Outcome: runtime.OutcomeRetry, Err: fmt.Errorf("delay node: schedule resume: %w", err)}
	}

	if _, err := c.RecordSuspended(&runtime.SuspendRequest{
		Kind:        store.SuspensionDelay,
		ResumeAfter: &wakeAt,
		ExpiresAt:   &wakeAt,
	}); err != nil {
		return runtime.Result{Outcome: runtime.OutcomeRetry, Err: fmt.Errorf("delay node: record suspension: %w", err)}
	}

	return runtime.Result{Outcome: runtime.OutcomeSuspend}
}

// DelayResumeExecutor handles the "DELAY_RESUME" node kind: the job the
// scheduler promoted off the delayed set once its wake time passed. It
// resolves the matching suspension and completes the node.
type DelayResumeExecutor struct{}

func NewDelayResumeExecutor() *DelayResumeExecutor { return &DelayResumeExecutor{} }

func (e *DelayResumeExecutor) Type() string { return "DELAY_RESUME" }

func (e *DelayResumeExecutor) Run(c *runtime.Context) runtime.Result {
	susp, err := c.SuspensionRepo.GetByRunNode(c.DC(), c.Run.ID, c.NodeID)
	if err == nil && !susp.Resolved() {
		if _, err := c.SuspensionRepo.ResolveByID(c.DC(), susp.ID, "scheduler", nil); err != nil {
			return runtime.Result{Outcome: runtime.OutcomeRetry, Err: fmt.Errorf("delay resume: resolve suspension: %w", err)}
		}
	}
	return runtime.Result{Outcome: runtime.OutcomeSuccess, Output: map[string]interface{}{"resumed": true}}
}
