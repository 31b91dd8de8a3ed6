package cypher

import (
	"fmt"
	"sort"
)

// compiler lowers a parsed statement to a Plan. It tracks which
// variables each pipeline position has bound so WHERE conjuncts can be
// pushed to the earliest operator that can evaluate them.
type compiler struct {
	registry *Registry
	ops      []*Operator
	bound    map[string]bool
	// boundAt[i] is the set of variables bound after ops[i] runs.
	boundAt []map[string]bool
	anonSeq int
	writes  bool
}

// Compile lowers a statement to an executable plan. All unknown
// functions, unbound variables, and unsupported constructs surface here,
// before any execution begins.
func Compile(stmt *Statement, registry *Registry) (*Plan, error) {
	c := &compiler{registry: registry, bound: map[string]bool{}}
	var ret *ReturnClause
	for _, cl := range stmt.Clauses {
		switch x := cl.(type) {
		case *MatchClause:
			if err := c.lowerMatch(x); err != nil {
				return nil, err
			}
		case *CreateClause:
			if err := c.lowerCreate(x); err != nil {
				return nil, err
			}
		case *SetClause:
			if err := c.lowerSet(x); err != nil {
				return nil, err
			}
		case *DeleteClause:
			if err := c.lowerDelete(x); err != nil {
				return nil, err
			}
		case *ReturnClause:
			ret = x
		}
	}
	plan := &Plan{ReadOnly: !c.writes}
	if ret == nil && !c.writes {
		return nil, compileErrorf("query has no RETURN and no writing clause")
	}
	if ret != nil {
		if err := c.lowerReturn(ret, plan); err != nil {
			return nil, err
		}
	}
	plan.Ops = c.ops
	return plan, nil
}

func (c *compiler) push(op *Operator, binds ...string) {
	c.ops = append(c.ops, op)
	for _, v := range binds {
		c.bound[v] = true
	}
	snapshot := make(map[string]bool, len(c.bound))
	for v := range c.bound {
		snapshot[v] = true
	}
	c.boundAt = append(c.boundAt, snapshot)
}

func (c *compiler) anon(prefix string) string {
	c.anonSeq++
	return fmt.Sprintf("_%s%d", prefix, c.anonSeq)
}

// checkExpr validates that every variable an expression references is
// bound and every function it calls is registered.
func (c *compiler) checkExpr(e Expr) error {
	for _, v := range exprVariables(e) {
		if !c.bound[v] {
			return compileErrorf("variable %s is not defined", v)
		}
	}
	var bad error
	walkExpr(e, func(sub Expr) {
		if fc, ok := sub.(*FunctionCall); ok && bad == nil {
			if _, found := c.registry.Lookup(fc.Name); !found {
				bad = compileErrorf("unknown function %s", fc.Name)
			}
		}
	})
	return bad
}

func (c *compiler) lowerMatch(m *MatchClause) error {
	if m.Optional {
		return c.lowerOptionalMatch(m)
	}
	var conjuncts []Expr
	for _, part := range m.Patterns {
		extra, err := c.lowerPatternMatch(part)
		if err != nil {
			return err
		}
		conjuncts = append(conjuncts, extra...)
	}
	if m.Where != nil {
		conjuncts = append(conjuncts, splitConjuncts(m.Where)...)
	}
	return c.placeFilters(conjuncts)
}

// lowerPatternMatch emits scans and expands for one pattern part and
// returns the residual predicates (inline props, extra labels, rejoin
// equalities) for pushdown.
func (c *compiler) lowerPatternMatch(part *PatternPart) ([]Expr, error) {
	var conjuncts []Expr

	bindNode := func(np *NodePattern) (string, error) {
		name := np.Variable
		if name != "" && c.bound[name] {
			// Re-match of a bound variable: no scan, constraints
			// become predicates.
			conjuncts = append(conjuncts, nodeConstraints(name, np)...)
			return name, nil
		}
		if name == "" {
			name = c.anon("v")
		}
		op := &Operator{Op: OpScanAll, Variable: name}
		labels := np.Labels
		if len(labels) > 0 {
			op.Op = OpScanByLabel
			op.Label = labels[0]
			labels = labels[1:]
		}
		c.push(op, name)
		conjuncts = append(conjuncts, nodeConstraints(name, &NodePattern{Labels: labels, Props: np.Props})...)
		return name, nil
	}

	expandTo := func(from string, rp *RelPattern, np *NodePattern) (string, error) {
		relVar := rp.Variable
		if relVar == "" && len(rp.Props) > 0 {
			relVar = c.anon("r")
		}
		if relVar != "" && c.bound[relVar] {
			return "", compileErrorf("relationship variable %s is already bound", relVar)
		}
		to := np.Variable
		if to == "" {
			to = c.anon("v")
		} else if c.bound[to] {
			// Cycle back to an already-bound node: bind a fresh
			// variable and rejoin by equality.
			fresh := c.anon("v")
			conjuncts = append(conjuncts, &Binary{Op: "=", L: &Variable{Name: fresh}, R: &Variable{Name: to}})
			to = fresh
		}
		op := &Operator{
			Op:          OpExpand,
			From:        from,
			To:          to,
			RelVariable: relVar,
			RelTypes:    rp.Types,
			Direction:   patternDir(rp.Direction),
		}
		binds := []string{to}
		if relVar != "" {
			binds = append(binds, relVar)
		}
		c.push(op, binds...)
		conjuncts = append(conjuncts, nodeConstraints(to, np)...)
		if relVar != "" {
			conjuncts = append(conjuncts, propConstraints(relVar, rp.Props)...)
		}
		return to, nil
	}

	from, err := bindNode(part.Nodes[0])
	if err != nil {
		return nil, err
	}
	for i, rp := range part.Rels {
		next := part.Nodes[i+1]
		to, err := expandTo(from, rp, next)
		if err != nil {
			return nil, err
		}
		from = to
	}
	for _, e := range conjuncts {
		if err := c.checkExprDeferred(e); err != nil {
			return nil, err
		}
	}
	return conjuncts, nil
}

// checkExprDeferred validates functions only; variable binding for
// pushdown predicates is rechecked at placement.
func (c *compiler) checkExprDeferred(e Expr) error {
	var bad error
	walkExpr(e, func(sub Expr) {
		if fc, ok := sub.(*FunctionCall); ok && bad == nil {
			if _, found := c.registry.Lookup(fc.Name); !found {
				bad = compileErrorf("unknown function %s", fc.Name)
			}
		}
	})
	return bad
}

func (c *compiler) lowerOptionalMatch(m *MatchClause) error {
	if len(m.Patterns) != 1 {
		return compileErrorf("OPTIONAL MATCH supports a single pattern")
	}
	part := m.Patterns[0]
	if len(part.Rels) == 0 {
		return compileErrorf("OPTIONAL MATCH requires a relationship pattern")
	}
	first := part.Nodes[0]
	if first.Variable == "" || !c.bound[first.Variable] {
		return compileErrorf("OPTIONAL MATCH must start from a bound variable")
	}
	if len(first.Labels) > 0 || len(first.Props) > 0 {
		return compileErrorf("OPTIONAL MATCH cannot constrain its bound starting node")
	}

	from := first.Variable
	var lastOp *Operator
	var localPreds []Expr
	for i, rp := range part.Rels {
		next := part.Nodes[i+1]
		relVar := rp.Variable
		if relVar == "" && len(rp.Props) > 0 {
			relVar = c.anon("r")
		}
		to := next.Variable
		if to == "" {
			to = c.anon("v")
		}
		if c.bound[to] || (relVar != "" && c.bound[relVar]) {
			return compileErrorf("OPTIONAL MATCH cannot rebind %s", to)
		}
		op := &Operator{
			Op:          OpOptionalExpand,
			From:        from,
			To:          to,
			RelVariable: relVar,
			RelTypes:    rp.Types,
			Direction:   patternDir(rp.Direction),
		}
		binds := []string{to}
		if relVar != "" {
			binds = append(binds, relVar)
		}
		c.push(op, binds...)
		localPreds = append(localPreds, nodeConstraints(to, next)...)
		if relVar != "" {
			localPreds = append(localPreds, propConstraints(relVar, rp.Props)...)
		}
		lastOp = op
		from = to
	}
	if m.Where != nil {
		localPreds = append(localPreds, splitConjuncts(m.Where)...)
	}
	// Optional predicates gate the match itself: a candidate failing
	// them counts as no match and yields the null-extended row, rather
	// than a dropped row.
	if len(localPreds) > 0 {
		for _, e := range localPreds {
			if err := c.checkExpr(e); err != nil {
				return err
			}
		}
		lastOp.Predicate = andAll(localPreds)
	}
	return nil
}

// placeFilters inserts each conjunct after the earliest operator that
// binds all of its variables.
func (c *compiler) placeFilters(conjuncts []Expr) error {
	byIndex := map[int][]Expr{}
	for _, e := range conjuncts {
		if err := c.checkExpr(e); err != nil {
			return err
		}
		vars := exprVariables(e)
		at := -1
		for i := range c.ops {
			ok := true
			for _, v := range vars {
				if !c.boundAt[i][v] {
					ok = false
					break
				}
			}
			if ok {
				at = i
				break
			}
		}
		if at < 0 {
			at = len(c.ops) - 1
		}
		byIndex[at] = append(byIndex[at], e)
	}
	if len(byIndex) == 0 {
		return nil
	}
	var rebuilt []*Operator
	var rebuiltBound []map[string]bool
	for i, op := range c.ops {
		rebuilt = append(rebuilt, op)
		rebuiltBound = append(rebuiltBound, c.boundAt[i])
		if preds := byIndex[i]; len(preds) > 0 {
			rebuilt = append(rebuilt, &Operator{Op: OpFilter, Predicate: andAll(preds)})
			rebuiltBound = append(rebuiltBound, c.boundAt[i])
		}
	}
	c.ops = rebuilt
	c.boundAt = rebuiltBound
	return nil
}

func (c *compiler) lowerCreate(cl *CreateClause) error {
	c.writes = true
	for _, part := range cl.Patterns {
		names := make([]string, len(part.Nodes))
		for i, np := range part.Nodes {
			name := np.Variable
			if name != "" && c.bound[name] {
				if len(np.Labels) > 0 || len(np.Props) > 0 {
					return compileErrorf("cannot re-create bound variable %s with labels or properties", name)
				}
				names[i] = name
				continue
			}
			if name == "" {
				name = c.anon("v")
			}
			for _, props := range np.Props {
				if err := c.checkExpr(props); err != nil {
					return err
				}
			}
			c.push(&Operator{
				Op:       OpCreateNode,
				Variable: name,
				Labels:   np.Labels,
				Props:    np.Props,
			}, name)
			names[i] = name
		}
		for i, rp := range part.Rels {
			if rp.Direction == DirBoth {
				return compileErrorf("CREATE requires a directed relationship")
			}
			if len(rp.Types) != 1 {
				return compileErrorf("CREATE requires exactly one relationship type")
			}
			from, to := names[i], names[i+1]
			if rp.Direction == DirLeft {
				from, to = to, from
			}
			relVar := rp.Variable
			if relVar == "" {
				relVar = c.anon("r")
			} else if c.bound[relVar] {
				return compileErrorf("relationship variable %s is already bound", relVar)
			}
			for _, props := range rp.Props {
				if err := c.checkExpr(props); err != nil {
					return err
				}
			}
			c.push(&Operator{
				Op:       OpCreateRel,
				Variable: relVar,
				From:     from,
				To:       to,
				RelTypes: rp.Types,
				Props:    rp.Props,
			}, relVar)
		}
	}
	return nil
}

func (c *compiler) lowerSet(cl *SetClause) error {
	c.writes = true
	for _, item := range cl.Items {
		if !c.bound[item.Variable] {
			return compileErrorf("variable %s is not defined", item.Variable)
		}
		if item.Label != "" {
			c.push(&Operator{Op: OpSetLabel, Variable: item.Variable, Label: item.Label})
			continue
		}
		if err := c.checkExpr(item.Value); err != nil {
			return err
		}
		c.push(&Operator{
			Op:       OpSetProperty,
			Variable: item.Variable,
			Key:      item.Key,
			Value:    item.Value,
		})
	}
	return nil
}

func (c *compiler) lowerDelete(cl *DeleteClause) error {
	c.writes = true
	targets := make([]Expr, 0, len(cl.Exprs))
	for _, e := range cl.Exprs {
		v, ok := e.(*Variable)
		if !ok {
			return compileErrorf("DELETE requires a variable, got %s", e.String())
		}
		if !c.bound[v.Name] {
			return compileErrorf("variable %s is not defined", v.Name)
		}
		targets = append(targets, v)
	}
	c.push(&Operator{Op: OpDelete, Detach: cl.Detach, Targets: targets})
	return nil
}

// lowerReturn emits the plan tail. ORDER BY runs before Project so its
// keys can reference pre-projection variables; keys naming a projected
// alias are rewritten to the aliased expression. SKIP and LIMIT run
// before Project when no DISTINCT is present, and after the Distinct
// operator otherwise, since deduplication changes which rows survive.
func (c *compiler) lowerReturn(ret *ReturnClause, plan *Plan) error {
	items := make([]ProjectItem, 0, len(ret.Items))
	seen := map[string]bool{}
	aliased := map[string]Expr{}
	for _, it := range ret.Items {
		if err := c.checkExpr(it.Expr); err != nil {
			return err
		}
		if seen[it.Alias] {
			return compileErrorf("duplicate column name %s", it.Alias)
		}
		seen[it.Alias] = true
		items = append(items, ProjectItem{Expr: it.Expr, Alias: it.Alias})
		aliased[it.Alias] = it.Expr
	}

	if len(ret.OrderBy) > 0 {
		keys := make([]SortKey, 0, len(ret.OrderBy))
		for _, oi := range ret.OrderBy {
			key := oi.Expr
			if v, ok := key.(*Variable); ok && !c.bound[v.Name] {
				if sub, ok := aliased[v.Name]; ok {
					key = sub
				}
			}
			if err := c.checkExpr(key); err != nil {
				return err
			}
			keys = append(keys, SortKey{Expr: key, Desc: oi.Desc})
		}
		c.push(&Operator{Op: OpOrderBy, Keys: keys})
	}

	pushBound := func(op OpName, count Expr) error {
		if count == nil {
			return nil
		}
		if err := c.checkExpr(count); err != nil {
			return err
		}
		c.push(&Operator{Op: op, Count: count})
		return nil
	}

	if !ret.Distinct {
		if err := pushBound(OpSkip, ret.Skip); err != nil {
			return err
		}
		if err := pushBound(OpLimit, ret.Limit); err != nil {
			return err
		}
	}

	c.push(&Operator{Op: OpProject, Items: items})

	if ret.Distinct {
		c.push(&Operator{Op: OpDistinct})
		if err := pushBound(OpSkip, ret.Skip); err != nil {
			return err
		}
		if err := pushBound(OpLimit, ret.Limit); err != nil {
			return err
		}
	}

	for _, it := range items {
		plan.Columns = append(plan.Columns, it.Alias)
	}
	return nil
}

// nodeConstraints turns a node pattern's labels and inline props into
// predicates over the bound variable.
func nodeConstraints(name string, np *NodePattern) []Expr {
	var out []Expr
	for _, label := range np.Labels {
		out = append(out, &Binary{
			Op: "IN",
			L:  &Literal{Value: label},
			R:  &FunctionCall{Name: "labels", Args: []Expr{&Variable{Name: name}}},
		})
	}
	out = append(out, propConstraints(name, np.Props)...)
	return out
}

func propConstraints(name string, props map[string]Expr) []Expr {
	if len(props) == 0 {
		return nil
	}
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	// Deterministic predicate order keeps compiled plans stable for
	// caching and EXPLAIN output.
	sort.Strings(keys)
	out := make([]Expr, 0, len(keys))
	for _, k := range keys {
		out = append(out, &Binary{
			Op: "=",
			L:  &PropertyAccess{Subject: &Variable{Name: name}, Key: k},
			R:  props[k],
		})
	}
	return out
}

func andAll(preds []Expr) Expr {
	out := preds[0]
	for _, p := range preds[1:] {
		out = &Binary{Op: "AND", L: out, R: p}
	}
	return out
}

func patternDir(d PatternDirection) string {
	switch d {
	case DirRight:
		return DirOut
	case DirLeft:
		return DirIn
	default:
		return DirAny
	}
}
