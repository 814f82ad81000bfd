// Package streaming implements the per-run chunk fan-out: every progress,
// token, data, error, or completion event is dual-written to Redis (the
// latency-critical live-fan-out path) and Postgres (the replay path), with
// the Postgres write treated as best-effort since Redis is what matters for
// a live viewer.
package streaming

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/swiftgrid/worker/internal/pkg/dbctx"
	"github.com/swiftgrid/worker/internal/platform/logger"
	"github.com/swiftgrid/worker/internal/queue"
	"github.com/swiftgrid/worker/internal/store"
)

// Chunk is the wire shape pushed onto the chunks stream and persisted for
// replay.
type Chunk struct {
	RunID      string    `json:"run_id"`
	NodeID     string     `json:"node_id"`
	ChunkIndex int        `json:"chunk_index"`
	Kind       string     `json:"kind"`
	Content    string     `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
}

// Result is the shape pushed onto the results stream for terminal/progress
// receipts the orchestrator and control API consume.
type Result struct {
	RunID  string      `json:"run_id"`
	NodeID string      `json:"node_id"`
	Status string      `json:"status"`
	Output interface{} `json:"output,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// Context is a per-run chunk-index counter plus the dual-write plumbing. It
// implements runtime.Notifier so node executors' Progress/RecordCompleted/
// RecordFailed calls automatically fan out here.
type Context struct {
	q         *queue.Queue
	chunkRepo store.StreamChunkRepo
	log       *logger.Logger

	mu      sync.Mutex
	cursors map[string]int // key: runID+":"+nodeID
}

func New(q *queue.Queue, chunkRepo store.StreamChunkRepo, log *logger.Logger) *Context {
	return &Context{
		q:         q,
		chunkRepo: chunkRepo,
		log:       log.With("component", "streaming"),
		cursors:   make(map[string]int),
	}
}

func (c *Context) nextIndex(runID uuid.UUID, nodeID string) int {
	key := runID.String() + ":" + nodeID
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := c.cursors[key]
	c.cursors[key] = idx + 1
	return idx
}

// Emit writes one chunk: Redis first (fatal on error, it is the live path),
// then Postgres (logged, not fatal, it is the replay path).
func (c *Context) Emit(ctx context.Context, runID uuid.UUID, nodeID, kind, content string) error {
	idx := c.nextIndex(runID, nodeID)
	now := time.Now().UTC()
	chunk := Chunk{
		RunID:      runID.String(),
		NodeID:     nodeID,
		ChunkIndex: idx,
		Kind:       kind,
		Content:    content,
		Timestamp:  now,
	}
	if err := c.q.PushChunk(ctx, chunk); err != nil {
		return err
	}
	if c.chunkRepo != nil {
		if err := c.chunkRepo.Append(dbctx.Context{Ctx: ctx}, &store.StreamChunk{
			RunID:      runID,
			NodeID:     nodeID,
			ChunkIndex: idx,
			Kind:       kind,
			Content:    content,
			CreatedAt:  now,
		}); err != nil {
			c.log.Warn("stream chunk replay write failed", "run_id", runID, "node_id", nodeID, "error", err)
		}
	}
	return nil
}

// JobProgress implements runtime.Notifier.
func (c *Context) JobProgress(runID uuid.UUID, nodeID string, pct int, msg string) {
	_ = c.Emit(context.Background(), runID, nodeID, store.ChunkProgress, msg)
}

// JobSucceeded implements runtime.Notifier.
func (c *Context) JobSucceeded(runID uuid.UUID, nodeID string, output interface{}) {
	_ = c.Emit(context.Background(), runID, nodeID, store.ChunkComplete, "")
	_ = c.q.PushResult(context.Background(), Result{
		RunID:  runID.String(),
		NodeID: nodeID,
		Status: "success",
		Output: output,
	})
}

// JobFailed implements runtime.Notifier.
func (c *Context) JobFailed(runID uuid.UUID, nodeID string, errMsg string) {
	_ = c.Emit(context.Background(), runID, nodeID, store.ChunkError, errMsg)
	_ = c.q.PushResult(context.Background(), Result{
		RunID:  runID.String(),
		NodeID: nodeID,
		Status: "failed",
		Error:  errMsg,
	})
}
