package runtime

import (
	"fmt"
	"sync"
)

/*
The handler registry is the dispatch table for the job execution system.

Purpose:
	- Map a node kind tag (e.g. "HTTP", "CODE", "MAP") to a concrete executor
	- Enforce a one-to-one relationship between node kind and handler
	- Provide a safe, concurrent lookup mechanism for dispatcher goroutines

Idea:
	The registry is the *only* place where node-kind -> code binding happens.
	The dispatcher does not know about node executors directly; it only asks
	the registry for a handler that claims responsibility for a given kind.

Indirection is intentional:
	- It decouples queue consumption from node execution logic
	- It makes misconfiguration (missing or duplicate handlers) explicit and fatal
*/

/*
Handler is the minimal contract required to execute one node attempt.
Every node executor must implement this interface.

Semantics:
	- Type() returns the node-kind tag this handler is responsible for. Must
	  exactly match the "node.type" values carried on job payloads.
	- Run(ctx) performs the node's work and returns a Result classifying the
	  outcome (success/retry/suspend/cancel/fail); it never ACKs or retries
	  the queue entry itself, that is the processor's job.

IMPORTANT:
	- Handlers must be side-effect safe under retries.
	- Handlers must assume they can be re-run after partial execution.
*/
type Handler interface {
	Type() string
	Run(ctx *Context) Result
}

/*
Registry is a concurrency-safe map of job_type -> handler.

Invariants:
	- At most one handler may be registered per job_type
	- Registration is expected to happen at process startup
	- Lookups may happen concurrently from many worker goroutines
*/
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

/*
NewRegistry constructs an empty handler registry.

Typical usage:
	reg := runtime.NewRegistry()
	reg.Register(httpExecutor)
	reg.Register(codeExecutor)
	d := dispatcher.New(cfg, db, rdb, q, reg, ...)
*/
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

/*
Register adds a handler to the registry.

Safety checks:
	- Handler must not be nil
	- Handler.Type() must return a non-empty string
	- No other handler may already be registered for the same job_type

Why duplicate registration is forbidden:
	- job_type ambiguity would make execution non-deterministic
	- It is almost always a wiring/configuration error
	- Failing fast at startup is far better than silently picking one
*/
func (r *Registry) Register(h Handler) error {
	if h == nil {
		return fmt.Errorf("nil handler")
	}
	t := h.Type()
	if t == "" {
		return fmt.Errorf("handler Type() is empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[t]; exists {
		return fmt.Errorf("handler already registered for job_type=%s", t)
	}
	r.handlers[t] = h
	return nil
}

/*
Get retrieves the handler responsible for a given job_type.

Returns:
	- (handler, true) if a handler is registered
	- (nil, false) if no handler exists for job_type

Concurrency:
	- Uses a read lock so lookups can scale across many workers

Worker behavior on miss:
	- The worker treats a missing handler as a fatal job error,
	  because it indicates a deployment or wiring issue, not a retryable
	  condition.
*/
func (r *Registry) Get(jobType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[jobType]
	return h, ok
}
