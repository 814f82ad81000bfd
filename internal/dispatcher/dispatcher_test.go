package dispatcher

import (
	"testing"

	"github.com/google/uuid"
)

func TestParseMapChildNodeDecodesBatchAndItemIndex(t *testing.T) {
	batchID := uuid.New()
	parentNodeID := batchID.String() + ":3"

	gotBatch, gotIndex, ok := parseMapChildNode(parentNodeID)
	if !ok {
		t.Fatal("expected ok=true for a valid map-child ParentNodeID")
	}
	if gotBatch != batchID {
		t.Fatalf("got batch %v, want %v", gotBatch, batchID)
	}
	if gotIndex != 3 {
		t.Fatalf("got item index %d, want 3", gotIndex)
	}
}

func TestParseMapChildNodeRejectsPlainNodeID(t *testing.T) {
	if _, _, ok := parseMapChildNode("node-42"); ok {
		t.Fatal("expected ok=false for a sub-flow-style plain node id")
	}
}

func TestParseMapChildNodeRejectsMalformedUUID(t *testing.T) {
	if _, _, ok := parseMapChildNode("not-a-uuid:3"); ok {
		t.Fatal("expected ok=false when the prefix is not a valid UUID")
	}
}

func TestParseMapChildNodeRejectsNonIntegerSuffix(t *testing.T) {
	batchID := uuid.New()
	if _, _, ok := parseMapChildNode(batchID.String() + ":notanumber"); ok {
		t.Fatal("expected ok=false when the suffix is not an integer")
	}
}
