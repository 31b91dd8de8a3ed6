package cypher

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/askrdb/askr/pkg/graph"
)

// Row is one set of variable bindings flowing through the pipeline.
type Row map[string]any

func (r Row) clone() Row {
	out := make(Row, len(r)+2)
	for k, v := range r {
		out[k] = v
	}
	return out
}

// summary renders a short, deterministic description of the row for
// error messages.
func (r Row) summary() string {
	if len(r) == 0 {
		return "{}"
	}
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s: %v", k, r[k])
	}
	b.WriteByte('}')
	return b.String()
}

// QueryStats counts the work one execution performed.
type QueryStats struct {
	RowsProduced         int64
	NodesScanned         int64
	Expansions           int64
	NodesCreated         int64
	RelationshipsCreated int64
	PropertiesSet        int64
	LabelsSet            int64
	NodesDeleted         int64
	RelationshipsDeleted int64
	Elapsed              time.Duration
}

// ExecutionContext carries everything one execution call needs. The
// executor itself holds no per-query state; two goroutines can run the
// same plan concurrently with their own contexts.
type ExecutionContext struct {
	Params map[string]any
	// MaxRows bounds how many rows the pipeline may produce in total,
	// across all operators. Zero means no bound.
	MaxRows int64
	// Deadline bounds wall-clock execution. Zero means no deadline.
	Deadline time.Time
	Stats    QueryStats

	produced int64
	start    time.Time
}

// budget enforces the row count and deadline limits.
func (ec *ExecutionContext) budget() error {
	ec.produced++
	if ec.MaxRows > 0 && ec.produced > ec.MaxRows {
		return &QueryTimeout{Msg: fmt.Sprintf("row budget of %d exceeded", ec.MaxRows)}
	}
	if !ec.Deadline.IsZero() && time.Now().After(ec.Deadline) {
		return &QueryTimeout{Msg: "deadline exceeded"}
	}
	return nil
}

// Rows is a lazily produced result stream. Next returns a nil row once
// the stream is exhausted. Close releases nothing today but is part of
// the contract so callers do not bake in eagerness.
type Rows interface {
	Columns() []string
	Next() (Row, error)
	Close() error
}

// Executor interprets compiled plans. It is stateless and safe for
// concurrent use; per-call state lives in the ExecutionContext.
type Executor struct {
	Registry *Registry
}

// NewExecutor returns an executor using the given function registry.
func NewExecutor(registry *Registry) *Executor {
	return &Executor{Registry: registry}
}

// Execute runs a plan against a graph. Rows are produced lazily: a
// LIMIT near the head of the tail stops pulling from upstream scans.
// Mutation operators run as their rows are pulled, so callers that
// discard the result stream must still drain it; ExecuteAll does.
func (ex *Executor) Execute(ctx context.Context, plan *Plan, g graph.Graph, ec *ExecutionContext) (Rows, error) {
	if ec == nil {
		ec = &ExecutionContext{}
	}
	ec.start = time.Now()
	ev := &Evaluator{Params: ec.Params, Registry: ex.Registry}
	var it rowIter = &unitIter{}
	for _, op := range plan.Ops {
		next, err := buildIter(ctx, op, it, g, ev, ec)
		if err != nil {
			return nil, err
		}
		it = next
	}
	return &resultRows{cols: plan.Columns, it: it, ec: ec}, nil
}

// ExecuteAll runs a plan to completion and returns the materialized
// rows. Write-only plans return no rows but still perform their
// mutations.
func (ex *Executor) ExecuteAll(ctx context.Context, plan *Plan, g graph.Graph, ec *ExecutionContext) ([]Row, error) {
	rows, err := ex.Execute(ctx, plan, g, ec)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Row
	for {
		row, err := rows.Next()
		if err != nil {
			return nil, err
		}
		if row == nil {
			return out, nil
		}
		if len(rows.Columns()) > 0 {
			out = append(out, row)
		}
	}
}

type resultRows struct {
	cols   []string
	it     rowIter
	ec     *ExecutionContext
	closed bool
}

func (r *resultRows) Columns() []string { return r.cols }

func (r *resultRows) Next() (Row, error) {
	if r.closed {
		return nil, nil
	}
	row, ok, err := r.it.next()
	if err != nil {
		r.closed = true
		r.ec.Stats.Elapsed = time.Since(r.ec.start)
		return nil, err
	}
	if !ok {
		r.closed = true
		r.ec.Stats.Elapsed = time.Since(r.ec.start)
		return nil, nil
	}
	r.ec.Stats.RowsProduced++
	return row, nil
}

func (r *resultRows) Close() error {
	r.closed = true
	return nil
}

// rowIter is the internal pull iterator each operator implements.
type rowIter interface {
	next() (Row, bool, error)
}

// unitIter yields a single empty row: the seed for the pipeline.
type unitIter struct{ done bool }

func (u *unitIter) next() (Row, bool, error) {
	if u.done {
		return nil, false, nil
	}
	u.done = true
	return Row{}, true, nil
}

func buildIter(ctx context.Context, op *Operator, in rowIter, g graph.Graph, ev *Evaluator, ec *ExecutionContext) (rowIter, error) {
	switch op.Op {
	case OpScanAll, OpScanByLabel:
		return &scanIter{ctx: ctx, op: op, in: in, g: g, ec: ec}, nil
	case OpExpand:
		return &expandIter{ctx: ctx, op: op, in: in, g: g, ev: ev, ec: ec}, nil
	case OpOptionalExpand:
		return &expandIter{ctx: ctx, op: op, in: in, g: g, ev: ev, ec: ec, optional: true}, nil
	case OpFilter:
		return &filterIter{op: op, in: in, ev: ev, ec: ec}, nil
	case OpProject:
		return &projectIter{op: op, in: in, ev: ev, ec: ec}, nil
	case OpDistinct:
		return &distinctIter{in: in, seen: map[string]struct{}{}}, nil
	case OpOrderBy:
		return &orderIter{op: op, in: in, ev: ev}, nil
	case OpSkip, OpLimit:
		return newBoundIter(op, in, ev)
	case OpCreateNode, OpCreateRel, OpSetProperty, OpSetLabel, OpDelete:
		return &mutateIter{ctx: ctx, op: op, in: in, g: g, ev: ev, ec: ec}, nil
	}
	return nil, compileErrorf("unknown operator %s", op.Op)
}

// scanIter joins each upstream row with every node the label index
// yields. Only candidate ids are snapshotted per upstream row; each
// node is resolved from storage when its row is pulled, so a downstream
// limit stops the walk before the remaining candidates are ever loaded.
type scanIter struct {
	ctx  context.Context
	op   *Operator
	in   rowIter
	g    graph.Graph
	ec   *ExecutionContext
	base Row
	ids  []graph.NodeID
	pos  int
	live bool
}

func (s *scanIter) next() (Row, bool, error) {
	for {
		for s.live && s.pos < len(s.ids) {
			id := s.ids[s.pos]
			s.pos++
			node, err := s.g.GetNode(s.ctx, id)
			if err == graph.ErrNotFound {
				// Retired id or a candidate outside the snapshot.
				continue
			}
			if err != nil {
				return nil, false, err
			}
			s.ec.Stats.NodesScanned++
			if s.op.Label != "" && !node.HasLabel(s.op.Label) {
				continue
			}
			if err := s.ec.budget(); err != nil {
				return nil, false, err
			}
			row := s.base.clone()
			row[s.op.Variable] = node
			return row, true, nil
		}
		base, ok, err := s.in.next()
		if err != nil || !ok {
			return nil, false, err
		}
		ids, err := s.g.NodeIDsByLabel(s.ctx, s.op.Label)
		if err != nil {
			return nil, false, err
		}
		s.base = base
		s.ids = ids
		s.pos = 0
		s.live = true
	}
}

// expandIter walks relationships from the bound start node. In optional
// mode a row with zero accepted matches yields one null-extended row.
type expandIter struct {
	ctx      context.Context
	op       *Operator
	in       rowIter
	g        graph.Graph
	ev       *Evaluator
	ec       *ExecutionContext
	optional bool

	base Row
	buf  []expansion
	pos  int
	live bool
}

type expansion struct {
	rel  *graph.Relationship
	node *graph.Node
}

func (e *expandIter) next() (Row, bool, error) {
	for {
		if e.live && e.pos < len(e.buf) {
			hit := e.buf[e.pos]
			e.pos++
			if err := e.ec.budget(); err != nil {
				return nil, false, err
			}
			row := e.base.clone()
			row[e.op.To] = hit.node
			if e.op.RelVariable != "" {
				row[e.op.RelVariable] = hit.rel
			}
			return row, true, nil
		}
		base, ok, err := e.in.next()
		if err != nil || !ok {
			return nil, false, err
		}
		matches, err := e.collect(base)
		if err != nil {
			return nil, false, err
		}
		if len(matches) == 0 {
			if e.optional {
				if err := e.ec.budget(); err != nil {
					return nil, false, err
				}
				row := base.clone()
				row[e.op.To] = nil
				if e.op.RelVariable != "" {
					row[e.op.RelVariable] = nil
				}
				e.live = false
				return row, true, nil
			}
			continue
		}
		e.base = base
		e.buf = matches
		e.pos = 0
		e.live = true
	}
}

func (e *expandIter) collect(base Row) ([]expansion, error) {
	start, err := boundNode(base, e.op.From)
	if err != nil {
		return nil, err
	}
	if start == nil {
		// A null start (from an upstream OPTIONAL MATCH) expands to
		// nothing.
		return nil, nil
	}
	relType := ""
	if len(e.op.RelTypes) == 1 {
		relType = e.op.RelTypes[0]
	}
	var out []expansion
	err = e.g.Expand(e.ctx, start.ID, graphDirection(e.op.Direction), relType, func(rel *graph.Relationship, far *graph.Node) error {
		e.ec.Stats.Expansions++
		if len(e.op.RelTypes) > 1 && !containsString(e.op.RelTypes, rel.Type) {
			return nil
		}
		if e.op.Predicate != nil {
			trial := base.clone()
			trial[e.op.To] = far
			if e.op.RelVariable != "" {
				trial[e.op.RelVariable] = rel
			}
			pass, err := e.ev.Eval(e.op.Predicate, trial)
			if err != nil {
				return err
			}
			if b, ok := pass.(bool); !ok || !b {
				return nil
			}
		}
		out = append(out, expansion{rel: rel, node: far})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

type filterIter struct {
	op *Operator
	in rowIter
	ev *Evaluator
	ec *ExecutionContext
}

func (f *filterIter) next() (Row, bool, error) {
	for {
		row, ok, err := f.in.next()
		if err != nil || !ok {
			return nil, false, err
		}
		pass, err := f.ev.Eval(f.op.Predicate, row)
		if err != nil {
			return nil, false, err
		}
		// Three-valued WHERE: only true keeps the row.
		if b, ok := pass.(bool); ok && b {
			return row, true, nil
		}
	}
}

type projectIter struct {
	op *Operator
	in rowIter
	ev *Evaluator
	ec *ExecutionContext
}

func (p *projectIter) next() (Row, bool, error) {
	row, ok, err := p.in.next()
	if err != nil || !ok {
		return nil, false, err
	}
	out := make(Row, len(p.op.Items))
	for _, item := range p.op.Items {
		val, err := p.ev.Eval(item.Expr, row)
		if err != nil {
			return nil, false, err
		}
		// Later items win on alias collision.
		out[item.Alias] = val
	}
	return out, true, nil
}

type distinctIter struct {
	in   rowIter
	seen map[string]struct{}
}

func (d *distinctIter) next() (Row, bool, error) {
	for {
		row, ok, err := d.in.next()
		if err != nil || !ok {
			return nil, false, err
		}
		key := row.summary()
		if _, dup := d.seen[key]; dup {
			continue
		}
		d.seen[key] = struct{}{}
		return row, true, nil
	}
}

// orderIter materializes its input and stable-sorts it. Sorting is the
// one unavoidable pipeline breaker.
type orderIter struct {
	op     *Operator
	in     rowIter
	ev     *Evaluator
	sorted []Row
	pos    int
	ready  bool
}

func (o *orderIter) next() (Row, bool, error) {
	if !o.ready {
		for {
			row, ok, err := o.in.next()
			if err != nil {
				return nil, false, err
			}
			if !ok {
				break
			}
			o.sorted = append(o.sorted, row)
		}
		if err := sortRows(o.sorted, o.op.Keys, o.ev); err != nil {
			return nil, false, err
		}
		o.ready = true
	}
	if o.pos >= len(o.sorted) {
		return nil, false, nil
	}
	row := o.sorted[o.pos]
	o.pos++
	return row, true, nil
}

// boundIter implements SKIP and LIMIT. Limit stops pulling upstream
// once satisfied.
type boundIter struct {
	in      rowIter
	skip    int64
	limit   int64
	isLimit bool
	emitted int64
	skipped int64
}

func newBoundIter(op *Operator, in rowIter, ev *Evaluator) (rowIter, error) {
	val, err := ev.Eval(op.Count, Row{})
	if err != nil {
		return nil, err
	}
	n, ok := asInt(val)
	if !ok || n < 0 {
		return nil, runtimeErrorf(op.Count, nil, "%s requires a non-negative integer", op.Op)
	}
	b := &boundIter{in: in}
	if op.Op == OpLimit {
		b.isLimit = true
		b.limit = n
	} else {
		b.skip = n
	}
	return b, nil
}

func (b *boundIter) next() (Row, bool, error) {
	if b.isLimit && b.emitted >= b.limit {
		return nil, false, nil
	}
	for {
		row, ok, err := b.in.next()
		if err != nil || !ok {
			return nil, false, err
		}
		if !b.isLimit && b.skipped < b.skip {
			b.skipped++
			continue
		}
		b.emitted++
		return row, true, nil
	}
}

// mutateIter performs one mutation per upstream row and passes the row
// through, with create operators binding their new entity.
type mutateIter struct {
	ctx context.Context
	op  *Operator
	in  rowIter
	g   graph.Graph
	ev  *Evaluator
	ec  *ExecutionContext
}

func (m *mutateIter) next() (Row, bool, error) {
	row, ok, err := m.in.next()
	if err != nil || !ok {
		return nil, false, err
	}
	if err := m.ec.budget(); err != nil {
		return nil, false, err
	}
	switch m.op.Op {
	case OpCreateNode:
		props, err := m.evalProps(row)
		if err != nil {
			return nil, false, err
		}
		node, err := m.g.CreateNode(m.ctx, m.op.Labels, props)
		if err != nil {
			return nil, false, err
		}
		m.ec.Stats.NodesCreated++
		row = row.clone()
		row[m.op.Variable] = node
	case OpCreateRel:
		props, err := m.evalProps(row)
		if err != nil {
			return nil, false, err
		}
		start, err := boundNode(row, m.op.From)
		if err != nil {
			return nil, false, err
		}
		end, err := boundNode(row, m.op.To)
		if err != nil {
			return nil, false, err
		}
		if start == nil || end == nil {
			return nil, false, runtimeErrorf(nil, row, "cannot create a relationship from a null node")
		}
		rel, err := m.g.CreateRelationship(m.ctx, start.ID, end.ID, m.op.RelTypes[0], props)
		if err != nil {
			return nil, false, err
		}
		m.ec.Stats.RelationshipsCreated++
		row = row.clone()
		row[m.op.Variable] = rel
	case OpSetProperty:
		val, err := m.ev.Eval(m.op.Value, row)
		if err != nil {
			return nil, false, err
		}
		if err := m.setProperty(row, val); err != nil {
			return nil, false, err
		}
		m.ec.Stats.PropertiesSet++
	case OpSetLabel:
		node, err := boundNode(row, m.op.Variable)
		if err != nil {
			return nil, false, err
		}
		if node == nil {
			return nil, false, runtimeErrorf(nil, row, "cannot set a label on null")
		}
		if err := m.g.SetNodeLabel(m.ctx, node.ID, m.op.Label); err != nil {
			return nil, false, err
		}
		m.ec.Stats.LabelsSet++
	case OpDelete:
		if err := m.delete(row); err != nil {
			return nil, false, err
		}
	}
	return row, true, nil
}

func (m *mutateIter) evalProps(row Row) (map[string]any, error) {
	if len(m.op.Props) == 0 {
		return nil, nil
	}
	props := make(map[string]any, len(m.op.Props))
	for k, e := range m.op.Props {
		val, err := m.ev.Eval(e, row)
		if err != nil {
			return nil, err
		}
		if val != nil {
			props[k] = val
		}
	}
	return props, nil
}

func (m *mutateIter) setProperty(row Row, val any) error {
	switch target := row[m.op.Variable].(type) {
	case *graph.Node:
		return m.g.SetNodeProperty(m.ctx, target.ID, m.op.Key, val)
	case *graph.Relationship:
		return m.g.SetRelProperty(m.ctx, target.ID, m.op.Key, val)
	case nil:
		return runtimeErrorf(nil, row, "cannot set a property on null")
	default:
		return runtimeErrorf(nil, row, "SET target %s is not a node or relationship", m.op.Variable)
	}
}

func (m *mutateIter) delete(row Row) error {
	for _, target := range m.op.Targets {
		v := target.(*Variable)
		switch entity := row[v.Name].(type) {
		case *graph.Node:
			if err := m.g.DeleteNode(m.ctx, entity.ID, m.op.Detach); err != nil {
				return err
			}
			m.ec.Stats.NodesDeleted++
		case *graph.Relationship:
			if err := m.g.DeleteRelationship(m.ctx, entity.ID); err != nil {
				return err
			}
			m.ec.Stats.RelationshipsDeleted++
		case nil:
			// DELETE null is a no-op, matching how OPTIONAL MATCH
			// feeds unmatched rows through.
		default:
			return runtimeErrorf(target, row, "DELETE target is not a node or relationship")
		}
	}
	return nil
}

func boundNode(row Row, name string) (*graph.Node, error) {
	switch v := row[name].(type) {
	case *graph.Node:
		return v, nil
	case nil:
		return nil, nil
	default:
		return nil, runtimeErrorf(&Variable{Name: name}, row, "expected a node, got %T", v)
	}
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
