package nodes

import (
	"fmt"
	"time"

	"github.com/swiftgrid/worker/internal/mapengine"
	"github.com/swiftgrid/worker/internal/platform/logger"
	"github.com/swiftgrid/worker/internal/platform/openai"
	"github.com/swiftgrid/worker/internal/queue"
	"github.com/swiftgrid/worker/internal/runtime"
	"github.com/swiftgrid/worker/internal/subflow"
)

// Deps bundles every collaborator the node executors need. RegisterAll wires
// one instance of every node kind into reg; callers building cmd/worker are
// expected to construct Deps once at startup.
type Deps struct {
	Queue        *queue.Queue
	ScriptRunner ScriptRunner
	CodeTimeout  time.Duration // JS_TIMEOUT_MS; zero uses CodeExecutor's own default
	LLMClient    openai.Client
	SubflowCo    *subflow.Coordinator
	MapCo        *mapengine.Coordinator
	Log          *logger.Logger
}

// RegisterAll registers every node executor this worker supports. It fails
// fast (mirroring Registry.Register's own philosophy) if any registration
// collides, since that always indicates a wiring bug, not a runtime
// condition.
func RegisterAll(reg *runtime.Registry, d Deps) error {
	codeExec := NewCodeExecutor(d.ScriptRunner)
	if d.CodeTimeout > 0 {
		codeExec.Timeout = d.CodeTimeout
	}
	handlers := []runtime.Handler{
		NewHTTPExecutor(),
		codeExec,
		NewDelayExecutor(d.Queue),
		NewDelayResumeExecutor(),
		NewWebhookWaitExecutor(),
		NewWebhookResumeExecutor(),
		NewRouterExecutor(),
		NewLLMExecutor(d.LLMClient, d.Log),
		NewSubflowExecutor(d.SubflowCo),
		NewSubflowResumeExecutor(),
		NewMapExecutor(d.MapCo),
		NewMapStepExecutor(d.MapCo),
		NewMapChildCompleteExecutor(d.MapCo),
	}
	for _, h := range handlers {
		if err := reg.Register(h); err != nil {
			return fmt.Errorf("nodes: register %s: %w", h.Type(), err)
		}
	}
	return nil
}
