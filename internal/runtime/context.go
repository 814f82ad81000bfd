package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/swiftgrid/worker/internal/cancellation"
	"github.com/swiftgrid/worker/internal/pkg/dbctx"
	"github.com/swiftgrid/worker/internal/platform/ctxutil"
	"github.com/swiftgrid/worker/internal/platform/logger"
	"github.com/swiftgrid/worker/internal/queue"
	"github.com/swiftgrid/worker/internal/store"
)

/*
The execution contract between the dispatcher and all node executors.
runtime.Context is a capability-scoped execution handle for a single node
attempt. It wraps:
  - The database handle,
  - The run this attempt belongs to,
  - The notification side-effects,
  - And the only sanctioned way to read the node's input payload.

Executors never touch store rows directly. They go through this object so
idempotency, retry, and cancellation concerns stay centralized in the
processor rather than duplicated per node kind.
*/

// Notifier is the side-channel used to tell observers about node progress
// and terminal outcomes. It is implemented by internal/streaming.
type Notifier interface {
	JobProgress(runID uuid.UUID, nodeID string, pct int, msg string)
	JobSucceeded(runID uuid.UUID, nodeID string, output interface{})
	JobFailed(runID uuid.UUID, nodeID string, errMsg string)
}

type Context struct {
	Ctx context.Context
	DB  *gorm.DB

	RunRepo        store.RunRepo
	EventRepo      store.EventRepo
	SuspensionRepo store.SuspensionRepo

	Run     *store.Run
	Job     queue.Job
	NodeID  string
	Attempt int

	Notify      Notifier
	Log         *logger.Logger
	CancelToken *cancellation.Token

	payload map[string]any
}

// NewContext constructs a runtime.Context for one claimed node attempt.
// It eagerly decodes the node's JSON data so handlers can access inputs via
// Payload()/PayloadUUID()/PayloadString(). cancelToken may be nil in tests
// that do not exercise cooperative cancellation.
func NewContext(ctx context.Context, db *gorm.DB, run *store.Run, job queue.Job, runRepo store.RunRepo, eventRepo store.EventRepo, suspensionRepo store.SuspensionRepo, notify Notifier, log *logger.Logger, cancelToken *cancellation.Token) *Context {
	if cancelToken != nil {
		ctx = withCancelToken(ctx, cancelToken)
	}
	c := &Context{
		Ctx:            ctx,
		DB:             db,
		RunRepo:        runRepo,
		EventRepo:      eventRepo,
		SuspensionRepo: suspensionRepo,
		Run:            run,
		Job:            job,
		NodeID:         job.ID,
		Attempt:        job.RetryCount,
		Notify:         notify,
		Log:            log,
		CancelToken:    cancelToken,
	}
	_ = c.decodePayload()
	c.applyTraceData()
	return c
}

// Cancelled reports whether this attempt's run has been cancelled.
func (c *Context) Cancelled() bool {
	return c.CancelToken != nil && c.CancelToken.Cancelled()
}

// withCancelToken derives a context that is done when either the parent
// context or the cancellation token fires, so blocking calls made with
// c.Ctx (outbound HTTP, LLM streaming) abort as soon as the run's run-level
// cancellation token is triggered, without node executors needing to select
// on two channels themselves.
func withCancelToken(parent context.Context, tok *cancellation.Token) context.Context {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case <-ctx.Done():
		case <-tok.Done():
			cancel()
		}
	}()
	return ctx
}

/*
decodePayload parses Job.Node.Data JSON into a map for access.
Invariants / behavior:
  - If Data is empty: sets payload to an empty map.
  - On unmarshal error: sets payload to an empty map and returns the error,
    letting the caller decide whether malformed input should fail the node.
*/
func (c *Context) decodePayload() error {
	if len(c.Job.Node.Data) == 0 {
		c.payload = map[string]any{}
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(c.Job.Node.Data, &m); err != nil {
		c.payload = map[string]any{}
		return err
	}
	c.payload = m
	return nil
}

func (c *Context) applyTraceData() {
	if c == nil || c.Ctx == nil {
		return
	}
	payload := c.Payload()
	traceID := strings.TrimSpace(fmt.Sprint(payload["trace_id"]))
	reqID := strings.TrimSpace(fmt.Sprint(payload["request_id"]))
	if traceID == "" && reqID == "" {
		return
	}
	c.Ctx = ctxutil.WithTraceData(c.Ctx, &ctxutil.TraceData{
		TraceID:   traceID,
		RequestID: reqID,
	})
}

/*
Payload returns the decoded node-data map for this attempt.
Guarantees:
  - Never returns nil (an empty map if Data is unset/unparseable).
  - Represents Job.Node.Data, not any prior node's output.
*/
func (c *Context) Payload() map[string]any {
	if c.payload == nil {
		c.payload = map[string]any{}
	}
	return c.payload
}

// PayloadUUID reads a payload field by key and attempts to parse it as a UUID.
func (c *Context) PayloadUUID(key string) (uuid.UUID, bool) {
	v, ok := c.Payload()[key]
	if !ok || v == nil {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(fmt.Sprint(v))
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// PayloadString reads a payload field as a string, defaulting to "".
func (c *Context) PayloadString(key string) string {
	v, ok := c.Payload()[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// dc builds a dbctx.Context bound to this attempt's request context, with no
// open transaction (repo methods fall back to their own *gorm.DB handle).
func (c *Context) dc() dbctx.Context { return dbctx.Context{Ctx: c.Ctx} }

// DC exposes dc() to node executors in other packages that need to call
// repo methods directly (e.g. resolving a suspension on resume).
func (c *Context) DC() dbctx.Context { return c.dc() }

// Progress emits a non-terminal progress notification. It deliberately does
// not touch persisted run state: a node's progress is not a lifecycle event.
func (c *Context) Progress(pct int, msg string) {
	if c == nil || c.Notify == nil || c.Run == nil {
		return
	}
	c.Notify.JobProgress(c.Run.ID, c.NodeID, pct, msg)
}
