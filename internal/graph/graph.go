// Package graph parses the workflow graph snapshot stored on a run/version
// and builds the starting-node job set for a freshly spawned child run
// (sub-flow or map item). Grounded in the reference map engine's
// find_starting_nodes/build_child_job behavior: nodes with no incoming edge
// are where a child graph begins, and only a node's string fields get the
// "{{$trigger.<key>}}" template substitution, not a deep JSON walk.
package graph

import (
	"encoding/json"
	"strings"

	"gorm.io/datatypes"

	"github.com/swiftgrid/worker/internal/queue"
)

type Node struct {
	ID   string          `json:"id"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type Edge struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

type Snapshot struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// Parse decodes a graph snapshot stored as JSON on a run, version, or batch
// operation row.
func Parse(raw datatypes.JSON) (*Snapshot, error) {
	var s Snapshot
	if len(raw) == 0 {
		return &Snapshot{}, nil
	}
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// StartingNodes returns every node with no incoming edge: where a child
// graph begins execution once spawned.
func (s *Snapshot) StartingNodes() []Node {
	hasIncoming := make(map[string]bool, len(s.Nodes))
	for _, e := range s.Edges {
		hasIncoming[e.Target] = true
	}
	var out []Node
	for _, n := range s.Nodes {
		if !hasIncoming[n.ID] {
			out = append(out, n)
		}
	}
	return out
}

// HasOutgoing reports whether nodeID has at least one outgoing edge. A node
// with none is a leaf: its completion ends that branch of the graph.
func (s *Snapshot) HasOutgoing(nodeID string) bool {
	for _, e := range s.Edges {
		if e.Source == nodeID {
			return true
		}
	}
	return false
}

// BuildJob maps a single graph node into a queue job, substituting
// "{{$trigger.<key>}}" in the node's string-valued data fields with values
// from trigger. Only top-level string fields participate in substitution;
// nested objects/arrays are passed through unchanged, matching the original
// engine's shallow template behavior.
func BuildJob(n Node, runID string, maxRetries int, trigger map[string]any) (queue.Job, bool) {
	switch strings.ToUpper(n.Type) {
	case "HTTP", "HTTP-REQUEST":
		return buildJob(n, "HTTP", runID, maxRetries, trigger), true
	case "CODE", "CODE-EXECUTION":
		return buildJob(n, "CODE", runID, maxRetries, trigger), true
	case "LLM":
		return buildJob(n, "LLM", runID, maxRetries, trigger), true
	case "ROUTER":
		return buildJob(n, "ROUTER", runID, maxRetries, trigger), true
	case "DELAY":
		return buildJob(n, "DELAY", runID, maxRetries, trigger), true
	case "WEBHOOKWAIT", "WEBHOOK-WAIT":
		return buildJob(n, "WEBHOOKWAIT", runID, maxRetries, trigger), true
	case "SUBFLOW":
		return buildJob(n, "SUBFLOW", runID, maxRetries, trigger), true
	case "MAP":
		return buildJob(n, "MAP", runID, maxRetries, trigger), true
	default:
		return queue.Job{}, false
	}
}

func buildJob(n Node, kind, runID string, maxRetries int, trigger map[string]any) queue.Job {
	data := substituteTemplate(n.Data, trigger)
	return queue.Job{
		ID:         n.ID,
		RunID:      runID,
		Node:       queue.JobNode{Type: kind, Data: data},
		RetryCount: 0,
		MaxRetries: maxRetries,
	}
}

func substituteTemplate(raw json.RawMessage, trigger map[string]any) json.RawMessage {
	if len(raw) == 0 || trigger == nil {
		return raw
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return raw
	}
	for k, v := range m {
		s, ok := v.(string)
		if !ok {
			continue
		}
		m[k] = substituteString(s, trigger)
	}
	out, err := json.Marshal(m)
	if err != nil {
		return raw
	}
	return out
}

func substituteString(s string, trigger map[string]any) string {
	if !strings.Contains(s, "{{$trigger.") {
		return s
	}
	out := s
	for k, v := range trigger {
		token := "{{$trigger." + k + "}}"
		if strings.Contains(out, token) {
			out = strings.ReplaceAll(out, token, toTemplateString(v))
		}
	}
	return out
}

func toTemplateString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
