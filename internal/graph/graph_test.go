package graph

import (
	"encoding/json"
	"testing"

	"gorm.io/datatypes"
)

func mustSnapshot(t *testing.T, s Snapshot) *Snapshot {
	t.Helper()
	raw, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("marshal snapshot: %v", err)
	}
	parsed, err := Parse(datatypes.JSON(raw))
	if err != nil {
		t.Fatalf("parse snapshot: %v", err)
	}
	return parsed
}

func TestParseEmptyRawReturnsEmptySnapshot(t *testing.T) {
	s, err := Parse(datatypes.JSON(nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(s.Nodes) != 0 || len(s.Edges) != 0 {
		t.Fatal("expected an empty snapshot for nil raw input")
	}
}

func TestStartingNodesReturnsOnlyNodesWithNoIncomingEdge(t *testing.T) {
	s := mustSnapshot(t, Snapshot{
		Nodes: []Node{{ID: "a", Type: "HTTP"}, {ID: "b", Type: "CODE"}, {ID: "c", Type: "DELAY"}},
		Edges: []Edge{{Source: "a", Target: "b"}, {Source: "b", Target: "c"}},
	})
	starts := s.StartingNodes()
	if len(starts) != 1 || starts[0].ID != "a" {
		t.Fatalf("expected exactly node 'a' to start, got %+v", starts)
	}
}

func TestHasOutgoingDistinguishesLeafFromInteriorNode(t *testing.T) {
	s := mustSnapshot(t, Snapshot{
		Nodes: []Node{{ID: "a"}, {ID: "b"}},
		Edges: []Edge{{Source: "a", Target: "b"}},
	})
	if !s.HasOutgoing("a") {
		t.Fatal("expected node 'a' to have an outgoing edge")
	}
	if s.HasOutgoing("b") {
		t.Fatal("expected node 'b' (a leaf) to have no outgoing edge")
	}
	if s.HasOutgoing("missing") {
		t.Fatal("expected a node absent from the graph to report no outgoing edge")
	}
}

func TestBuildJobSubstitutesTriggerTemplatesInStringFields(t *testing.T) {
	n := Node{ID: "n1", Type: "HTTP", Data: json.RawMessage(`{"url":"{{$trigger.url}}","method":"GET"}`)}
	job, ok := BuildJob(n, "run-1", 3, map[string]any{"url": "https://example.com"})
	if !ok {
		t.Fatal("expected HTTP node type to build a job")
	}
	var data map[string]any
	if err := json.Unmarshal(job.Node.Data, &data); err != nil {
		t.Fatalf("unmarshal job data: %v", err)
	}
	if data["url"] != "https://example.com" {
		t.Fatalf("expected substituted url, got %v", data["url"])
	}
	if data["method"] != "GET" {
		t.Fatalf("expected untouched method field, got %v", data["method"])
	}
}

func TestBuildJobUnknownNodeTypeReturnsFalse(t *testing.T) {
	n := Node{ID: "n1", Type: "SOMETHING_UNKNOWN"}
	if _, ok := BuildJob(n, "run-1", 3, nil); ok {
		t.Fatal("expected an unrecognized node type to not build a job")
	}
}
