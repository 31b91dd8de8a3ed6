package cypher

import (
	"fmt"
	"sort"
	"strings"

	"github.com/askrdb/askr/pkg/graph"
)

// Evaluator evaluates expressions against a binding row. It is a pure
// function of (row, params): no graph access, no side effects, no state
// between calls. Filter, Project, sort keys, and inline property
// predicates all share it.
type Evaluator struct {
	Params   map[string]any
	Registry *Registry
}

// Eval evaluates an expression against a row. A nil result is Cypher
// null. Type mismatches return *RuntimeError; they are never folded into
// null or an empty result.
func (ev *Evaluator) Eval(e Expr, row Row) (any, error) {
	switch x := e.(type) {
	case *Literal:
		return x.Value, nil

	case *Parameter:
		val, ok := ev.Params[x.Name]
		if !ok {
			return nil, runtimeErrorf(x, row, "missing parameter $%s", x.Name)
		}
		return val, nil

	case *Variable:
		val, ok := row[x.Name]
		if !ok {
			return nil, runtimeErrorf(x, row, "unbound variable %s", x.Name)
		}
		return val, nil

	case *PropertyAccess:
		subject, err := ev.Eval(x.Subject, row)
		if err != nil {
			return nil, err
		}
		return propertyOf(subject, x.Key, x, row)

	case *Unary:
		return ev.evalUnary(x, row)

	case *Binary:
		return ev.evalBinary(x, row)

	case *FunctionCall:
		fn, ok := ev.Registry.Lookup(x.Name)
		if !ok {
			return nil, runtimeErrorf(x, row, "unknown function %s", x.Name)
		}
		args := make([]any, len(x.Args))
		for i, a := range x.Args {
			val, err := ev.Eval(a, row)
			if err != nil {
				return nil, err
			}
			args[i] = val
		}
		out, err := fn.Call(args)
		if err != nil {
			return nil, runtimeErrorf(x, row, "%v", err)
		}
		return out, nil

	case *CaseExpr:
		return ev.evalCase(x, row)

	case *ListExpr:
		items := make([]any, len(x.Items))
		for i, item := range x.Items {
			val, err := ev.Eval(item, row)
			if err != nil {
				return nil, err
			}
			items[i] = val
		}
		return items, nil
	}
	return nil, runtimeErrorf(e, row, "unsupported expression")
}

func propertyOf(subject any, key string, e Expr, row Row) (any, error) {
	switch s := subject.(type) {
	case nil:
		return nil, nil // null propagates
	case *graph.Node:
		if s.Properties == nil {
			return nil, nil
		}
		return s.Properties[key], nil
	case *graph.Relationship:
		if s.Properties == nil {
			return nil, nil
		}
		return s.Properties[key], nil
	case map[string]any:
		return s[key], nil
	default:
		return nil, runtimeErrorf(e, row, "cannot read property %q of %T", key, subject)
	}
}

func (ev *Evaluator) evalUnary(x *Unary, row Row) (any, error) {
	val, err := ev.Eval(x.Operand, row)
	if err != nil {
		return nil, err
	}
	switch x.Op {
	case "IS NULL":
		return val == nil, nil
	case "IS NOT NULL":
		return val != nil, nil
	case "NOT":
		if val == nil {
			return nil, nil
		}
		b, ok := val.(bool)
		if !ok {
			return nil, runtimeErrorf(x, row, "NOT requires a boolean, got %T", val)
		}
		return !b, nil
	case "-":
		switch n := val.(type) {
		case nil:
			return nil, nil
		case int64:
			return -n, nil
		case float64:
			return -n, nil
		default:
			return nil, runtimeErrorf(x, row, "cannot negate %T", val)
		}
	}
	return nil, runtimeErrorf(x, row, "unknown unary operator %s", x.Op)
}

func (ev *Evaluator) evalBinary(x *Binary, row Row) (any, error) {
	// Boolean connectives use Kleene three-valued logic and must not
	// shortcut past runtime errors on the evaluated side.
	switch x.Op {
	case "AND", "OR", "XOR":
		return ev.evalBool(x, row)
	}

	l, err := ev.Eval(x.L, row)
	if err != nil {
		return nil, err
	}
	r, err := ev.Eval(x.R, row)
	if err != nil {
		return nil, err
	}

	switch x.Op {
	case "=":
		return equalVals(l, r), nil
	case "<>":
		eq := equalVals(l, r)
		if eq == nil {
			return nil, nil
		}
		return !eq.(bool), nil
	case "<", "<=", ">", ">=":
		if l == nil || r == nil {
			return nil, nil
		}
		cmp, ok := compareVals(l, r)
		if !ok {
			return nil, nil // incomparable types compare to null
		}
		switch x.Op {
		case "<":
			return cmp < 0, nil
		case "<=":
			return cmp <= 0, nil
		case ">":
			return cmp > 0, nil
		default:
			return cmp >= 0, nil
		}
	case "+", "-", "*", "/", "%":
		return arith(x, l, r, row)
	case "CONTAINS", "STARTS WITH", "ENDS WITH":
		if l == nil || r == nil {
			return nil, nil
		}
		ls, lok := l.(string)
		rs, rok := r.(string)
		if !lok || !rok {
			return nil, runtimeErrorf(x, row, "%s requires strings, got %T and %T", x.Op, l, r)
		}
		switch x.Op {
		case "CONTAINS":
			return strings.Contains(ls, rs), nil
		case "STARTS WITH":
			return strings.HasPrefix(ls, rs), nil
		default:
			return strings.HasSuffix(ls, rs), nil
		}
	case "IN":
		if r == nil {
			return nil, nil
		}
		list, ok := r.([]any)
		if !ok {
			return nil, runtimeErrorf(x, row, "IN requires a list, got %T", r)
		}
		if l == nil {
			return nil, nil
		}
		sawNull := false
		for _, item := range list {
			eq := equalVals(l, item)
			if eq == nil {
				sawNull = true
			} else if eq.(bool) {
				return true, nil
			}
		}
		if sawNull {
			return nil, nil
		}
		return false, nil
	}
	return nil, runtimeErrorf(x, row, "unknown operator %s", x.Op)
}

// evalBool implements Kleene logic for AND/OR/XOR.
func (ev *Evaluator) evalBool(x *Binary, row Row) (any, error) {
	l, err := ev.toBool(x.L, row)
	if err != nil {
		return nil, err
	}
	r, err := ev.toBool(x.R, row)
	if err != nil {
		return nil, err
	}
	switch x.Op {
	case "AND":
		if l != nil && !*l {
			return false, nil
		}
		if r != nil && !*r {
			return false, nil
		}
		if l == nil || r == nil {
			return nil, nil
		}
		return true, nil
	case "OR":
		if l != nil && *l {
			return true, nil
		}
		if r != nil && *r {
			return true, nil
		}
		if l == nil || r == nil {
			return nil, nil
		}
		return false, nil
	default: // XOR
		if l == nil || r == nil {
			return nil, nil
		}
		return *l != *r, nil
	}
}

func (ev *Evaluator) toBool(e Expr, row Row) (*bool, error) {
	val, err := ev.Eval(e, row)
	if err != nil {
		return nil, err
	}
	if val == nil {
		return nil, nil
	}
	b, ok := val.(bool)
	if !ok {
		return nil, runtimeErrorf(e, row, "expected boolean, got %T", val)
	}
	return &b, nil
}

func (ev *Evaluator) evalCase(x *CaseExpr, row Row) (any, error) {
	var subject any
	var err error
	if x.Subject != nil {
		subject, err = ev.Eval(x.Subject, row)
		if err != nil {
			return nil, err
		}
	}
	for _, w := range x.Whens {
		cond, err := ev.Eval(w.When, row)
		if err != nil {
			return nil, err
		}
		matched := false
		if x.Subject != nil {
			eq := equalVals(subject, cond)
			matched = eq != nil && eq.(bool)
		} else {
			b, ok := cond.(bool)
			matched = ok && b
		}
		if matched {
			return ev.Eval(w.Then, row)
		}
	}
	if x.Else != nil {
		return ev.Eval(x.Else, row)
	}
	return nil, nil
}

func arith(x *Binary, l, r any, row Row) (any, error) {
	if l == nil || r == nil {
		return nil, nil
	}
	// String concatenation rides on +.
	if x.Op == "+" {
		if ls, ok := l.(string); ok {
			rs, ok := r.(string)
			if !ok {
				return nil, runtimeErrorf(x, row, "cannot add %T to a string", r)
			}
			return ls + rs, nil
		}
		if la, ok := l.([]any); ok {
			if ra, ok := r.([]any); ok {
				return append(append([]any{}, la...), ra...), nil
			}
			return append(append([]any{}, la...), r), nil
		}
	}

	li, lIsInt := asInt(l)
	ri, rIsInt := asInt(r)
	if lIsInt && rIsInt {
		switch x.Op {
		case "+":
			return li + ri, nil
		case "-":
			return li - ri, nil
		case "*":
			return li * ri, nil
		case "/":
			if ri == 0 {
				return nil, runtimeErrorf(x, row, "division by zero")
			}
			return li / ri, nil
		case "%":
			if ri == 0 {
				return nil, runtimeErrorf(x, row, "modulo by zero")
			}
			return li % ri, nil
		}
	}

	lf, lok := asFloat(l)
	rf, rok := asFloat(r)
	if !lok || !rok {
		return nil, runtimeErrorf(x, row, "arithmetic on non-numeric values %T and %T", l, r)
	}
	switch x.Op {
	case "+":
		return lf + rf, nil
	case "-":
		return lf - rf, nil
	case "*":
		return lf * rf, nil
	case "/":
		if rf == 0 {
			return nil, runtimeErrorf(x, row, "division by zero")
		}
		return lf / rf, nil
	case "%":
		if rf == 0 {
			return nil, runtimeErrorf(x, row, "modulo by zero")
		}
		return float64(int64(lf) % int64(rf)), nil
	}
	return nil, runtimeErrorf(x, row, "unknown arithmetic operator %s", x.Op)
}

func asInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	}
	return 0, false
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// equalVals implements Cypher equality: nil result means null.
// Numbers compare across int/float; entities compare by logical id.
func equalVals(l, r any) any {
	if l == nil || r == nil {
		return nil
	}
	if lf, ok := asFloat(l); ok {
		if rf, ok := asFloat(r); ok {
			return lf == rf
		}
		return false
	}
	switch lv := l.(type) {
	case string:
		rv, ok := r.(string)
		return ok && lv == rv
	case bool:
		rv, ok := r.(bool)
		return ok && lv == rv
	case []any:
		rv, ok := r.([]any)
		if !ok || len(lv) != len(rv) {
			return false
		}
		sawNull := false
		for i := range lv {
			eq := equalVals(lv[i], rv[i])
			if eq == nil {
				sawNull = true
			} else if !eq.(bool) {
				return false
			}
		}
		if sawNull {
			return nil
		}
		return true
	case *graph.Node:
		rv, ok := r.(*graph.Node)
		return ok && lv.ID == rv.ID
	case *graph.Relationship:
		rv, ok := r.(*graph.Relationship)
		return ok && lv.ID == rv.ID
	}
	return false
}

// compareVals orders two non-null values. ok is false when the types are
// incomparable (which comparisons surface as null).
func compareVals(l, r any) (int, bool) {
	if lf, lok := asFloat(l); lok {
		if rf, rok := asFloat(r); rok {
			switch {
			case lf < rf:
				return -1, true
			case lf > rf:
				return 1, true
			default:
				return 0, true
			}
		}
		return 0, false
	}
	if ls, ok := l.(string); ok {
		if rs, ok := r.(string); ok {
			return strings.Compare(ls, rs), true
		}
		return 0, false
	}
	if lb, ok := l.(bool); ok {
		if rb, ok := r.(bool); ok {
			switch {
			case lb == rb:
				return 0, true
			case rb:
				return -1, true
			default:
				return 1, true
			}
		}
		return 0, false
	}
	return 0, false
}

// typeRank orders value kinds for sorting across mixed types.
func typeRank(v any) int {
	switch v.(type) {
	case bool:
		return 0
	case string:
		return 1
	case int64, int, float64:
		return 2
	case []any:
		return 3
	case *graph.Node:
		return 4
	case *graph.Relationship:
		return 5
	case nil:
		return 7 // nulls sort last
	default:
		return 6
	}
}

// orderCompare is the total order used by ORDER BY: comparable values
// use compareVals, mixed kinds order by type rank, nulls always last.
func orderCompare(l, r any) int {
	lRank, rRank := typeRank(l), typeRank(r)
	if lRank != rRank {
		return lRank - rRank
	}
	if l == nil {
		return 0
	}
	if cmp, ok := compareVals(l, r); ok {
		return cmp
	}
	// Same rank but incomparable (entities, lists): order by rendering
	// so the sort stays deterministic.
	return strings.Compare(fmt.Sprint(l), fmt.Sprint(r))
}

// sortRows stable-sorts rows by the given keys.
func sortRows(rows []Row, keys []SortKey, ev *Evaluator) error {
	type keyed struct {
		row  Row
		vals []any
	}
	decorated := make([]keyed, len(rows))
	for i, row := range rows {
		vals := make([]any, len(keys))
		for j, key := range keys {
			val, err := ev.Eval(key.Expr, row)
			if err != nil {
				return err
			}
			vals[j] = val
		}
		decorated[i] = keyed{row: row, vals: vals}
	}
	sort.SliceStable(decorated, func(a, b int) bool {
		for j, key := range keys {
			cmp := orderCompare(decorated[a].vals[j], decorated[b].vals[j])
			if key.Desc {
				// Nulls stay last even under DESC.
				if decorated[a].vals[j] == nil || decorated[b].vals[j] == nil {
					if cmp != 0 {
						return cmp < 0
					}
					continue
				}
				cmp = -cmp
			}
			if cmp != 0 {
				return cmp < 0
			}
		}
		return false
	})
	for i := range decorated {
		rows[i] = decorated[i].row
	}
	return nil
}
