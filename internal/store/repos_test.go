package store_test

// Deliberately an external test package (not "package store"): testutil
// imports store itself, and repos_test.go exercises store purely through
// its public API, so there is no need for unexported access here.

import (
	"testing"

	"github.com/google/uuid"

	"github.com/swiftgrid/worker/internal/pkg/dbctx"
	"github.com/swiftgrid/worker/internal/store"
	"github.com/swiftgrid/worker/internal/store/testutil"
)

func TestRecordItemResultAdjustsActiveAndOutcomeCounters(t *testing.T) {
	gdb := testutil.DB(t)
	tx := testutil.Tx(t, gdb)
	dc := dbctx.Context{Ctx: t.Context(), Tx: tx}

	repo := store.NewGormBatchRepo(gdb)
	runID := uuid.New()
	batch := &store.BatchOperation{
		ID:          uuid.New(),
		RunID:       runID,
		NodeID:      "map-1",
		TotalItems:  2,
		Concurrency: 2,
		ActiveCount: 2,
		Status:      store.BatchRunning,
	}
	if err := repo.Create(dc, batch); err != nil {
		t.Fatalf("create batch: %v", err)
	}

	if err := repo.RecordItemResult(dc, batch.ID, true); err != nil {
		t.Fatalf("record success result: %v", err)
	}
	got, err := repo.Get(dc, batch.ID)
	if err != nil {
		t.Fatalf("get batch: %v", err)
	}
	if got.ActiveCount != 1 || got.CompletedCount != 1 || got.FailedCount != 0 {
		t.Fatalf("after success: got active=%d completed=%d failed=%d, want 1/1/0",
			got.ActiveCount, got.CompletedCount, got.FailedCount)
	}

	if err := repo.RecordItemResult(dc, batch.ID, false); err != nil {
		t.Fatalf("record failure result: %v", err)
	}
	got, err = repo.Get(dc, batch.ID)
	if err != nil {
		t.Fatalf("get batch: %v", err)
	}
	if got.ActiveCount != 0 || got.CompletedCount != 1 || got.FailedCount != 1 {
		t.Fatalf("after failure: got active=%d completed=%d failed=%d, want 0/1/1",
			got.ActiveCount, got.CompletedCount, got.FailedCount)
	}
}

func TestInsertResultIsIdempotentPerItemIndex(t *testing.T) {
	gdb := testutil.DB(t)
	tx := testutil.Tx(t, gdb)
	dc := dbctx.Context{Ctx: t.Context(), Tx: tx}

	batchRepo := store.NewGormBatchRepo(gdb)
	batch := &store.BatchOperation{ID: uuid.New(), RunID: uuid.New(), NodeID: "map-1", TotalItems: 1, Status: store.BatchRunning}
	if err := batchRepo.Create(dc, batch); err != nil {
		t.Fatalf("create batch: %v", err)
	}

	first, err := batchRepo.InsertResult(dc, &store.BatchResult{BatchID: batch.ID, ItemIndex: 0, Status: "completed"})
	if err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if !first {
		t.Fatal("expected the first insert for item 0 to report inserted=true")
	}

	second, err := batchRepo.InsertResult(dc, &store.BatchResult{BatchID: batch.ID, ItemIndex: 0, Status: "completed"})
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if second {
		t.Fatal("expected the duplicate insert for item 0 to report inserted=false")
	}
}
