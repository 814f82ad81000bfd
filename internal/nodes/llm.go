package nodes

import (
	"fmt"
	"strings"

	"github.com/swiftgrid/worker/internal/platform/logger"
	"github.com/swiftgrid/worker/internal/platform/openai"
	"github.com/swiftgrid/worker/internal/runtime"
)

// LLMExecutor handles the "LLM" node kind: a streamed completion whose
// deltas are surfaced as progress chunks and whose accumulated text is the
// node's output. Streaming is raced against the run's cancellation token so
// a cancelled run stops consuming tokens immediately instead of waiting for
// the upstream call to finish; any content accumulated before cancellation
// is returned as a partial result rather than discarded.
type LLMExecutor struct {
	Client openai.Client
	Log    *logger.Logger
}

func NewLLMExecutor(client openai.Client, log *logger.Logger) *LLMExecutor {
	return &LLMExecutor{Client: client, Log: log.With("component", "llm_node")}
}

func (e *LLMExecutor) Type() string { return "LLM" }

func (e *LLMExecutor) Run(c *runtime.Context) runtime.Result {
	system := c.PayloadString("system")
	user := c.PayloadString("prompt")
	if user == "" {
		return runtime.Result{Outcome: runtime.OutcomeFail, Err: fmt.Errorf("llm node: missing prompt")}
	}

	var sb strings.Builder
	cancelled := false

	doneCh := make(chan struct{})
	var streamErr error
	var final string

	go func() {
		defer close(doneCh)
		final, streamErr = e.Client.StreamText(c.Ctx, system, user, func(delta string) {
			sb.WriteString(delta)
			c.Progress(0, delta)
		})
	}()

	if c.CancelToken != nil {
		select {
		case <-doneCh:
		case <-c.CancelToken.Done():
			cancelled = true
			<-doneCh // the in-flight call observes c.Ctx cancellation via the token's derived context and unwinds
		}
	} else {
		<-doneCh
	}

	if cancelled {
		// The dispatcher records the CANCELLED event for every executor's
		// OutcomeCancel uniformly; this executor only reports the outcome.
		return runtime.Result{Outcome: runtime.OutcomeCancel, Output: map[string]interface{}{"partial_content": sb.String()}}
	}

	if streamErr != nil {
		return runtime.Result{Outcome: runtime.OutcomeRetry, Err: fmt.Errorf("llm node: %w", streamErr)}
	}
	if final == "" {
		final = sb.String()
	}
	return runtime.Result{Outcome: runtime.OutcomeSuccess, Output: map[string]interface{}{"text": final}}
}
