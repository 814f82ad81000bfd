package scheduler

import (
	"testing"
	"time"

	"github.com/swiftgrid/worker/internal/platform/logger"
	"github.com/swiftgrid/worker/internal/store"
)

func testScheduler(t *testing.T) *Scheduler {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("init logger: %v", err)
	}
	return New(DefaultConfig(), nil, nil, nil, nil, nil, log)
}

func TestResumeKindForEveryKnownSuspensionKind(t *testing.T) {
	cases := map[string]string{
		store.SuspensionDelay:   "DELAY_RESUME",
		store.SuspensionWebhook: "WEBHOOKRESUME",
		store.SuspensionSubflow: "SUBFLOWRESUME",
		store.SuspensionMap:     "MAPSTEP",
		"unknown":               "",
	}
	for kind, want := range cases {
		if got := resumeKindFor(kind); got != want {
			t.Errorf("resumeKindFor(%q) = %q, want %q", kind, got, want)
		}
	}
}

func TestNextRunTimeUsesCronAndTimezone(t *testing.T) {
	s := testScheduler(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	w := &store.Workflow{ScheduleCron: "0 9 * * *", ScheduleTimezone: "America/New_York"}

	next, err := s.nextRunTime(w, now)
	if err != nil {
		t.Fatalf("nextRunTime: %v", err)
	}
	if next.Location() != time.UTC {
		t.Fatalf("expected nextRunTime to return UTC, got %v", next.Location())
	}
	// 9am America/New_York in January (EST, UTC-5) is 14:00 UTC.
	if next.Hour() != 14 {
		t.Fatalf("expected 14:00 UTC, got %v", next)
	}
}

func TestNextRunTimeInvalidCronErrors(t *testing.T) {
	s := testScheduler(t)
	w := &store.Workflow{ScheduleCron: "not a cron expression"}
	if _, err := s.nextRunTime(w, time.Now().UTC()); err == nil {
		t.Fatal("expected an error for an invalid cron expression")
	}
}

func TestNextRunTimeUnknownTimezoneFallsBackToUTC(t *testing.T) {
	s := testScheduler(t)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	w := &store.Workflow{ScheduleCron: "0 9 * * *", ScheduleTimezone: "Not/ARealZone"}

	next, err := s.nextRunTime(w, now)
	if err != nil {
		t.Fatalf("nextRunTime: %v", err)
	}
	if next.Hour() != 9 {
		t.Fatalf("expected fallback to UTC 9am, got %v", next)
	}
}
