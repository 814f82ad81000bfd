// Package cancellation implements the cross-process cancellation fabric: a
// per-run token shared by every concurrent goroutine executing that run, and
// a pub/sub listener that propagates an external cancel signal into the
// local registry so in-flight operations abort cooperatively.
package cancellation

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/swiftgrid/worker/internal/pubsub"
)

// Token is a cancellable handle shared by every job attempt belonging to one
// run. Cancel is idempotent: triggering it twice is a no-op the second time.
type Token struct {
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

func newToken(parent context.Context) *Token {
	ctx, cancel := context.WithCancel(parent)
	return &Token{ctx: ctx, cancel: cancel}
}

// Cancelled reports whether this token has been triggered.
func (t *Token) Cancelled() bool {
	select {
	case <-t.ctx.Done():
		return true
	default:
		return false
	}
}

// Done returns a channel closed when the token is triggered, suitable for
// select-based cancellation racing in node executors (e.g. the LLM
// streaming loop).
func (t *Token) Done() <-chan struct{} { return t.ctx.Done() }

// Context returns a context.Context derived from the token, for passing to
// blocking calls that should abort on cancellation.
func (t *Token) Context() context.Context { return t.ctx }

func (t *Token) trigger() {
	t.once.Do(t.cancel)
}

// Registry is the process-wide map of run_id -> Token. Reads are expected to
// vastly outnumber writes (every job attempt looks up its run's token, but
// tokens are only created once per run and removed once the run reaches a
// terminal status), so GetOrCreate takes the read-fast path first.
type Registry struct {
	mu     sync.RWMutex
	tokens map[uuid.UUID]*Token
}

func NewRegistry() *Registry {
	return &Registry{tokens: make(map[uuid.UUID]*Token)}
}

// GetOrCreate returns the token for runID, creating one if absent. Double
// checked locking: a read lock serves the common case where the token
// already exists; only a miss escalates to the write lock, and the presence
// check is repeated under that lock in case another goroutine won the race.
func (r *Registry) GetOrCreate(runID uuid.UUID) *Token {
	r.mu.RLock()
	if tok, ok := r.tokens[runID]; ok {
		r.mu.RUnlock()
		return tok
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if tok, ok := r.tokens[runID]; ok {
		return tok
	}
	tok := newToken(context.Background())
	r.tokens[runID] = tok
	return tok
}

// Trigger cancels the token for runID if one exists. Idempotent: triggering
// an already-cancelled or nonexistent run's token is a harmless no-op.
func (r *Registry) Trigger(runID uuid.UUID) {
	r.mu.RLock()
	tok, ok := r.tokens[runID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	tok.trigger()
}

// Remove drops the token for a run once it reaches a terminal status. This
// is removal on terminal status, not a refcount: any goroutine still holding
// a *Token reference after Remove keeps working against that (now orphaned)
// token, it simply will never be looked up again by run_id.
func (r *Registry) Remove(runID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tokens, runID)
}

// cancelChannelPrefix is the pub/sub channel prefix cancellation signals are
// published on: "cancel:<run_id>".
const cancelChannelPrefix = "cancel:"

// ChannelFor returns the pub/sub channel name for a run's cancel signal.
func ChannelFor(runID uuid.UUID) string {
	return fmt.Sprintf("%s%s", cancelChannelPrefix, runID.String())
}

// PublishCancel broadcasts a cancellation signal for runID. Any process
// subscribed via Listen will trigger its local token for that run, including
// the process that published it.
func PublishCancel(ctx context.Context, bus *pubsub.Bus, runID uuid.UUID) error {
	return bus.PublishRaw(ctx, ChannelFor(runID), "cancel")
}

// Listen subscribes to the "cancel:*" pattern and triggers the local
// registry's token whenever a cancellation is published for a run, no
// matter which process published it.
func (r *Registry) Listen(ctx context.Context, bus *pubsub.Bus) error {
	return bus.PSubscribe(ctx, cancelChannelPrefix+"*", func(channel, _ string) {
		idStr := strings.TrimPrefix(channel, cancelChannelPrefix)
		runID, err := uuid.Parse(idStr)
		if err != nil {
			return
		}
		r.Trigger(runID)
	})
}
