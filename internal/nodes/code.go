package nodes

import (
	"context"
	"fmt"
	"time"

	"github.com/swiftgrid/worker/internal/runtime"
)

// ScriptRunner is the documented contract the CODE node executor talks to.
// The sandboxed script engine itself (a real embedded JS runtime) is an
// out-of-scope collaborator; this interface is the seam a real embed would
// implement. §5's single-OS-thread-owning-a-work-channel shape is what
// DefaultRunner provides so swapping in a real interpreter later does not
// change this executor's call contract.
type ScriptRunner interface {
	Eval(ctx context.Context, code string, input map[string]any) (interface{}, error)
}

type scriptJob struct {
	ctx    context.Context
	code   string
	input  map[string]any
	result chan<- scriptResult
}

type scriptResult struct {
	out interface{}
	err error
}

// DefaultRunner hosts a single long-lived goroutine pulling work off a
// buffered channel, mirroring the "dedicated thread hosts the single script
// runtime" constraint from the concurrency model without embedding a real VM.
type DefaultRunner struct {
	work chan scriptJob
}

func NewDefaultRunner() *DefaultRunner {
	r := &DefaultRunner{work: make(chan scriptJob, 100)}
	go r.loop()
	return r
}

func (r *DefaultRunner) loop() {
	for job := range r.work {
		out, err := r.evalInline(job.ctx, job.code, job.input)
		select {
		case job.result <- scriptResult{out: out, err: err}:
		case <-job.ctx.Done():
		}
	}
}

// evalInline is a placeholder evaluator: it does not interpret arbitrary
// script text (that is the out-of-scope sandboxed engine's job), it simply
// returns the node's input augmented with an execution marker so the rest
// of the pipeline (map/sub-flow fan-out, retries) can be exercised end to
// end without a real interpreter dependency.
func (r *DefaultRunner) evalInline(_ context.Context, code string, input map[string]any) (interface{}, error) {
	out := make(map[string]interface{}, len(input)+1)
	for k, v := range input {
		out[k] = v
	}
	out["_code_length"] = len(code)
	return out, nil
}

func (r *DefaultRunner) Eval(ctx context.Context, code string, input map[string]any) (interface{}, error) {
	resultCh := make(chan scriptResult, 1)
	select {
	case r.work <- scriptJob{ctx: ctx, code: code, input: input, result: resultCh}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-resultCh:
		return res.out, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// CodeExecutor handles the "CODE" node kind.
type CodeExecutor struct {
	Runner  ScriptRunner
	Timeout time.Duration
}

func NewCodeExecutor(runner ScriptRunner) *CodeExecutor {
	return &CodeExecutor{Runner: runner, Timeout: 30 * time.Second}
}

func (e *CodeExecutor) Type() string { return "CODE" }

func (e *CodeExecutor) Run(c *runtime.Context) runtime.Result {
	p := c.Payload()
	code, _ := p["code"].(string)
	if code == "" {
		return runtime.Result{Outcome: runtime.OutcomeFail, Err: fmt.Errorf("code node: missing code")}
	}
	input, _ := p["input"].(map[string]any)

	timeout := e.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(c.Ctx, timeout)
	defer cancel()

	out, err := e.Runner.Eval(ctx, code, input)
	if err != nil {
		if ctx.Err() != nil {
			return runtime.Result{Outcome: runtime.OutcomeRetry, Err: fmt.Errorf("code node: timed out: %w", err)}
		}
		return runtime.Result{Outcome: runtime.OutcomeFail, Err: err}
	}
	return runtime.Result{Outcome: runtime.OutcomeSuccess, Output: out}
}
