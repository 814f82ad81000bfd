package cancellation

import (
	"testing"

	"github.com/google/uuid"
)

func TestGetOrCreateReturnsSameTokenForSameRun(t *testing.T) {
	r := NewRegistry()
	id := uuid.New()
	a := r.GetOrCreate(id)
	b := r.GetOrCreate(id)
	if a != b {
		t.Fatal("expected the same token instance for repeated lookups of one run")
	}
}

func TestTriggerIsIdempotentAndObservable(t *testing.T) {
	r := NewRegistry()
	id := uuid.New()
	tok := r.GetOrCreate(id)
	if tok.Cancelled() {
		t.Fatal("fresh token should not be cancelled")
	}
	r.Trigger(id)
	r.Trigger(id) // second trigger must not panic
	if !tok.Cancelled() {
		t.Fatal("token should be cancelled after Trigger")
	}
	select {
	case <-tok.Done():
	default:
		t.Fatal("Done() channel should be closed after cancellation")
	}
}

func TestTriggerUnknownRunIsNoop(t *testing.T) {
	r := NewRegistry()
	r.Trigger(uuid.New()) // must not panic
}

func TestRemoveDropsTokenButDoesNotCancelIt(t *testing.T) {
	r := NewRegistry()
	id := uuid.New()
	tok := r.GetOrCreate(id)
	r.Remove(id)
	if tok.Cancelled() {
		t.Fatal("removing a run's token must not cancel it out from under in-flight holders")
	}
	fresh := r.GetOrCreate(id)
	if fresh == tok {
		t.Fatal("expected a fresh token after removal")
	}
}

func TestChannelForFormatsRunID(t *testing.T) {
	id := uuid.New()
	want := "cancel:" + id.String()
	if got := ChannelFor(id); got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}
