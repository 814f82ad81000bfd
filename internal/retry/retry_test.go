package retry

import (
	"errors"
	"testing"
	"time"
)

func TestBackoffGrowsExponentiallyWithJitterBound(t *testing.T) {
	for attempt := 0; attempt < 6; attempt++ {
		d := Backoff(attempt)
		lower := time.Duration(1) << uint(attempt) * time.Second
		upper := lower + 500*time.Millisecond
		if d < lower || d > upper {
			t.Fatalf("attempt %d: backoff %v out of bounds [%v, %v]", attempt, d, lower, upper)
		}
	}
}

func TestBackoffNegativeAttemptClampsToZero(t *testing.T) {
	d := Backoff(-3)
	if d < time.Second || d > time.Second+500*time.Millisecond {
		t.Fatalf("expected attempt -3 to behave like attempt 0, got %v", d)
	}
}

func TestIsRetryableHTTPStatus(t *testing.T) {
	cases := map[int]bool{
		200: false,
		400: false,
		404: false,
		408: true,
		429: true,
		500: true,
		503: true,
		599: true,
	}
	for code, want := range cases {
		if got := IsRetryableHTTPStatus(code); got != want {
			t.Errorf("status %d: got %v want %v", code, got, want)
		}
	}
}

type transientErr struct{}

func (transientErr) Error() string  { return "transient" }
func (transientErr) Transient() bool { return true }

func TestIsTransientUsesMarkerInterface(t *testing.T) {
	if !IsTransient(transientErr{}) {
		t.Fatal("expected transientErr to be classified transient")
	}
	if IsTransient(errors.New("plain error")) {
		t.Fatal("plain error should not be transient")
	}
	if IsTransient(nil) {
		t.Fatal("nil error should not be transient")
	}
}

func TestExceededMaxRetries(t *testing.T) {
	if ExceededMaxRetries(2, 3) {
		t.Fatal("2 of 3 should not be exceeded")
	}
	if !ExceededMaxRetries(3, 3) {
		t.Fatal("3 of 3 should be exceeded")
	}
}
