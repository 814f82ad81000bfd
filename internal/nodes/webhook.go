package nodes

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/swiftgrid/worker/internal/runtime"
	"github.com/swiftgrid/worker/internal/store"
)

// WebhookWaitExecutor handles the "WEBHOOKWAIT" node kind: it suspends the
// run until an external caller resolves the suspension via its resume token
// (through the control API's POST /api/v1/webhooks/:resume_token route), or
// until the scheduler expires it.
type WebhookWaitExecutor struct {
	DefaultTimeout time.Duration
}

func NewWebhookWaitExecutor() *WebhookWaitExecutor {
	return &WebhookWaitExecutor{DefaultTimeout: 24 * time.Hour}
}

func (e *WebhookWaitExecutor) Type() string { return "WEBHOOKWAIT" }

func (e *WebhookWaitExecutor) Run(c *runtime.Context) runtime.Result {
	token := c.PayloadString("resume_token")
	if token == "" {
		token = uuid.NewString()
	}
	timeoutSeconds := 0
	switch v := c.Payload()["timeout_seconds"].(type) {
	case float64:
		timeoutSeconds = int(v)
	case int:
		timeoutSeconds = v
	}
	timeout := e.DefaultTimeout
	if timeoutSeconds > 0 {
		timeout = time.Duration(timeoutSeconds) * time.Second
	}
	expiresAt := time.Now().UTC().Add(timeout)

	if _, err := c.RecordSuspended(&runtime.SuspendRequest{
		Kind:             store.SuspensionWebhook,
		ResumeToken:      token,
		ExpiresAt:        &expiresAt,
		ExecutionContext: map[string]any{"resume_token": token},
	}); err != nil {
		return runtime.Result{Outcome: runtime.OutcomeRetry, Err: fmt.Errorf("webhook wait: record suspension: %w", err)}
	}

	return runtime.Result{Outcome: runtime.OutcomeSuspend, Output: map[string]interface{}{"resume_token": token}}
}

// WebhookResumeExecutor handles the "WEBHOOKRESUME" node kind: the job
// pushed back onto the stream once the control API resolved the suspension.
// The resume payload the caller supplied is carried forward as this node's
// output. A resume job enqueued by the scheduler for an expired suspension
// (job data {"timed_out": true}) fails the node instead.
type WebhookResumeExecutor struct{}

func NewWebhookResumeExecutor() *WebhookResumeExecutor { return &WebhookResumeExecutor{} }

func (e *WebhookResumeExecutor) Type() string { return "WEBHOOKRESUME" }

func (e *WebhookResumeExecutor) Run(c *runtime.Context) runtime.Result {
	if timedOut, _ := c.Payload()["timed_out"].(bool); timedOut {
		return runtime.Result{Outcome: runtime.OutcomeFail, Err: fmt.Errorf("webhook resume: suspension timeout expired")}
	}
	susp, err := c.SuspensionRepo.GetByRunNode(c.DC(), c.Run.ID, c.NodeID)
	if err != nil {
		return runtime.Result{Outcome: runtime.OutcomeFail, Err: fmt.Errorf("webhook resume: no matching suspension: %w", err)}
	}
	var payload interface{}
	if len(susp.ResumePayload) > 0 {
		payload = susp.ResumePayload
	}
	return runtime.Result{Outcome: runtime.OutcomeSuccess, Output: map[string]interface{}{"resume_payload": payload}}
}
