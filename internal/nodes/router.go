package nodes

import (
	"fmt"

	"github.com/swiftgrid/worker/internal/runtime"
)

// RouterExecutor handles the "ROUTER" node kind. Condition evaluation itself
// is worker-side (each condition is a simple {field, op, value, edge} tuple
// evaluated against the node payload's "input" map); which downstream nodes
// actually run next is the external orchestrator's job, so this executor's
// only output is the selected edge name.
type RouterExecutor struct{}

func NewRouterExecutor() *RouterExecutor { return &RouterExecutor{} }

func (e *RouterExecutor) Type() string { return "ROUTER" }

type routerCondition struct {
	Field string      `json:"field"`
	Op    string      `json:"op"`
	Value interface{} `json:"value"`
	Edge  string      `json:"edge"`
}

func (e *RouterExecutor) Run(c *runtime.Context) runtime.Result {
	p := c.Payload()
	input, _ := p["input"].(map[string]any)
	defaultEdge := c.PayloadString("default_edge")

	rawConditions, _ := p["conditions"].([]any)
	for _, rc := range rawConditions {
		m, ok := rc.(map[string]any)
		if !ok {
			continue
		}
		cond := routerCondition{
			Field: fmt.Sprint(m["field"]),
			Op:    fmt.Sprint(m["op"]),
			Value: m["value"],
			Edge:  fmt.Sprint(m["edge"]),
		}
		if evalCondition(input, cond) {
			return runtime.Result{Outcome: runtime.OutcomeSuccess, Output: map[string]interface{}{"edge": cond.Edge}}
		}
	}
	if defaultEdge == "" {
		return runtime.Result{Outcome: runtime.OutcomeFail, Err: fmt.Errorf("router node: no condition matched and no default_edge configured")}
	}
	return runtime.Result{Outcome: runtime.OutcomeSuccess, Output: map[string]interface{}{"edge": defaultEdge}}
}

func evalCondition(input map[string]any, cond routerCondition) bool {
	if input == nil {
		return false
	}
	actual, ok := input[cond.Field]
	if !ok {
		return false
	}
	switch cond.Op {
	case "eq", "":
		return fmt.Sprint(actual) == fmt.Sprint(cond.Value)
	case "neq":
		return fmt.Sprint(actual) != fmt.Sprint(cond.Value)
	case "gt":
		a, aok := toFloat(actual)
		b, bok := toFloat(cond.Value)
		return aok && bok && a > b
	case "lt":
		a, aok := toFloat(actual)
		b, bok := toFloat(cond.Value)
		return aok && bok && a < b
	case "contains":
		return stringContains(fmt.Sprint(actual), fmt.Sprint(cond.Value))
	default:
		return false
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	default:
		return 0, false
	}
}

func stringContains(haystack, needle string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return needle == ""
}
