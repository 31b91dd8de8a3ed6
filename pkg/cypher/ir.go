package cypher

import (
	"encoding/json"

	"github.com/askrdb/askr/pkg/graph"
)

// OpName identifies an IR operator.
type OpName string

const (
	OpScanAll        OpName = "ScanAllNodes"
	OpScanByLabel    OpName = "ScanByLabel"
	OpExpand         OpName = "Expand"
	OpOptionalExpand OpName = "OptionalExpand"
	OpFilter         OpName = "Filter"
	OpProject        OpName = "Project"
	OpDistinct       OpName = "Distinct"
	OpOrderBy        OpName = "OrderBy"
	OpSkip           OpName = "Skip"
	OpLimit          OpName = "Limit"
	OpCreateNode     OpName = "CreateNode"
	OpCreateRel      OpName = "CreateRelationship"
	OpSetProperty    OpName = "SetProperty"
	OpSetLabel       OpName = "SetLabel"
	OpDelete         OpName = "Delete"
)

// Direction strings used in the IR. They map onto graph.Direction at
// execution time; the IR keeps strings so serialized plans stay
// readable.
const (
	DirOut = "outgoing"
	DirIn  = "incoming"
	DirAny = "both"
)

// ProjectItem is one output column of a Project operator.
type ProjectItem struct {
	Expr  Expr   `json:"expr"`
	Alias string `json:"alias"`
}

// SortKey is one ORDER BY key.
type SortKey struct {
	Expr Expr `json:"expr"`
	Desc bool `json:"desc,omitempty"`
}

// Operator is a single step in a compiled plan. One struct covers all
// operator shapes; Op selects which fields are meaningful. The plan is
// a linear pipeline: each operator consumes its upstream neighbor.
type Operator struct {
	Op OpName `json:"op"`

	// Scans bind Variable; ScanByLabel filters on Label.
	Variable string `json:"variable,omitempty"`
	Label    string `json:"label,omitempty"`

	// Expand walks relationships from the node bound to From, binding
	// the far node to To and, when RelVariable is set, the relationship
	// itself. OptionalExpand emits one null-extended row on zero
	// matches instead of dropping the input row.
	From        string   `json:"from,omitempty"`
	To          string   `json:"to,omitempty"`
	RelVariable string   `json:"relVariable,omitempty"`
	RelTypes    []string `json:"relTypes,omitempty"`
	Direction   string   `json:"direction,omitempty"`

	// Filter drops rows whose predicate is not true.
	Predicate Expr `json:"predicate,omitempty"`

	// Project replaces the row with the listed columns.
	Items []ProjectItem `json:"items,omitempty"`

	// OrderBy sorts; Skip/Limit bound the stream. Count may be a
	// parameter, so it stays an expression until execution.
	Keys  []SortKey `json:"keys,omitempty"`
	Count Expr      `json:"count,omitempty"`

	// Mutations. CreateNode/CreateRel bind their variable like a scan.
	Labels  []string        `json:"labels,omitempty"`
	Props   map[string]Expr `json:"props,omitempty"`
	Key     string          `json:"key,omitempty"`
	Value   Expr            `json:"value,omitempty"`
	Detach  bool            `json:"detach,omitempty"`
	Targets []Expr          `json:"targets,omitempty"`
}

// Plan is a compiled, parameter-free pipeline. Plans are immutable and
// safe to cache and share: parameters are resolved per execution, never
// baked in.
type Plan struct {
	Ops      []*Operator `json:"ops"`
	Columns  []string    `json:"columns,omitempty"`
	ReadOnly bool        `json:"readOnly"`
}

// Explain renders the plan as indented JSON. Expressions serialize to
// their Cypher text.
func (p *Plan) Explain() string {
	out, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return "plan: " + err.Error()
	}
	return string(out)
}

// graphDirection maps an IR direction string to the engine enum.
func graphDirection(s string) graph.Direction {
	switch s {
	case DirOut:
		return graph.Outgoing
	case DirIn:
		return graph.Incoming
	default:
		return graph.Both
	}
}
