package runtime

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"

	"github.com/swiftgrid/worker/internal/store"
)

// Outcome classifies what a node executor decided happened, feeding directly
// into the processor's ACK/retry/suspend/cancel decision.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeRetry   Outcome = "retry"
	OutcomeSuspend Outcome = "suspend"
	OutcomeCancel  Outcome = "cancel"
	OutcomeFail    Outcome = "fail"
)

// SuspendRequest describes the suspension a node executor wants recorded
// when it returns OutcomeSuspend.
type SuspendRequest struct {
	Kind             string
	ResumeToken      string
	ResumeAfter      *time.Time
	ExecutionContext map[string]any
	ExpiresAt        *time.Time
}

// Result is the uniform contract every node executor returns, regardless of
// kind (HTTP, script, delay, webhook, router, LLM, sub-flow, map).
type Result struct {
	Outcome    Outcome
	Output     interface{}
	Err        error
	RetryAfter time.Duration // optional override of the default backoff formula
	Suspension *SuspendRequest
}

// RecordCompleted appends a COMPLETED event for this attempt and notifies.
// It appends unconditionally; idempotency comes from callers checking
// HasTerminal before invoking execution.
func (c *Context) RecordCompleted(output interface{}) error {
	var data datatypes.JSON
	if output != nil {
		b, err := json.Marshal(output)
		if err == nil {
			data = datatypes.JSON(b)
		}
	}
	if err := c.EventRepo.Append(c.dc(), &store.RunEvent{
		RunID:   c.Run.ID,
		NodeID:  c.NodeID,
		Attempt: c.Attempt,
		Kind:    store.EventCompleted,
		Data:    data,
	}); err != nil {
		return err
	}
	if c.Notify != nil {
		c.Notify.JobSucceeded(c.Run.ID, c.NodeID, output)
	}
	return nil
}

// RecordFailed appends a FAILED event for this attempt and notifies.
func (c *Context) RecordFailed(errMsg string) error {
	b, _ := json.Marshal(map[string]string{"error": errMsg})
	if err := c.EventRepo.Append(c.dc(), &store.RunEvent{
		RunID:   c.Run.ID,
		NodeID:  c.NodeID,
		Attempt: c.Attempt,
		Kind:    store.EventFailed,
		Data:    datatypes.JSON(b),
	}); err != nil {
		return err
	}
	if c.Notify != nil {
		c.Notify.JobFailed(c.Run.ID, c.NodeID, errMsg)
	}
	return nil
}

// RecordRetryScheduled appends a RETRY_SCHEDULED event; used by the processor
// after computing the next backoff delay.
func (c *Context) RecordRetryScheduled(nextAttempt int, delay time.Duration) error {
	b, _ := json.Marshal(map[string]interface{}{"next_attempt": nextAttempt, "delay_ms": delay.Milliseconds()})
	return c.EventRepo.Append(c.dc(), &store.RunEvent{
		RunID:   c.Run.ID,
		NodeID:  c.NodeID,
		Attempt: c.Attempt,
		Kind:    store.EventRetryScheduled,
		Data:    datatypes.JSON(b),
	})
}

// RecordCancelled appends a CANCELLED event for this attempt.
func (c *Context) RecordCancelled() error {
	if err := c.EventRepo.Append(c.dc(), &store.RunEvent{
		RunID:   c.Run.ID,
		NodeID:  c.NodeID,
		Attempt: c.Attempt,
		Kind:    store.EventCancelled,
	}); err != nil {
		return err
	}
	if c.Notify != nil {
		c.Notify.JobFailed(c.Run.ID, c.NodeID, "cancelled")
	}
	return nil
}

// RecordSuspended persists a Suspension row and a SUSPENDED event. This is
// the durable-pause primitive shared by delay and webhook-wait nodes (the
// sub-flow and map coordinators write their suspension rows directly): it records what the run is waiting for and how to recognize the
// resumption.
func (c *Context) RecordSuspended(req *SuspendRequest) (*store.Suspension, error) {
	var execCtx datatypes.JSON
	if req.ExecutionContext != nil {
		b, err := json.Marshal(req.ExecutionContext)
		if err == nil {
			execCtx = datatypes.JSON(b)
		}
	}
	s := &store.Suspension{
		RunID:            c.Run.ID,
		NodeID:           c.NodeID,
		Kind:             req.Kind,
		ResumeToken:      req.ResumeToken,
		ResumeAfter:      req.ResumeAfter,
		ExecutionContext: execCtx,
		ExpiresAt:        req.ExpiresAt,
	}
	if err := c.SuspensionRepo.Create(c.dc(), s); err != nil {
		return nil, err
	}
	b, _ := json.Marshal(map[string]string{"kind": req.Kind})
	if err := c.EventRepo.Append(c.dc(), &store.RunEvent{
		RunID:   c.Run.ID,
		NodeID:  c.NodeID,
		Attempt: c.Attempt,
		Kind:    store.EventSuspended,
		Data:    datatypes.JSON(b),
	}); err != nil {
		return nil, err
	}
	if c.Notify != nil {
		c.Notify.JobProgress(c.Run.ID, c.NodeID, 0, "suspended: "+req.Kind)
	}
	return s, nil
}
