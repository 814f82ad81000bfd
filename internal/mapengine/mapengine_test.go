package mapengine

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"

	"github.com/swiftgrid/worker/internal/store"
)

func TestMapStepJobEncodesBatchIDAsMapStepJob(t *testing.T) {
	batch := &store.BatchOperation{
		ID:     uuid.New(),
		RunID:  uuid.New(),
		NodeID: "map-node-1",
	}
	job := mapStepJob(batch)

	if job.ID != batch.NodeID {
		t.Fatalf("got job.ID %q, want %q", job.ID, batch.NodeID)
	}
	if job.RunID != batch.RunID.String() {
		t.Fatalf("got job.RunID %q, want %q", job.RunID, batch.RunID.String())
	}
	if job.Node.Type != "MAPSTEP" {
		t.Fatalf("got node type %q, want MAPSTEP", job.Node.Type)
	}

	var data map[string]any
	if err := json.Unmarshal(job.Node.Data, &data); err != nil {
		t.Fatalf("unmarshal job data: %v", err)
	}
	if data["batch_id"] != batch.ID.String() {
		t.Fatalf("got batch_id %v, want %v", data["batch_id"], batch.ID.String())
	}
}
