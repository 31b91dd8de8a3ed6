package cypher

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Expr is a Cypher expression node. Expressions are pure: evaluation
// depends only on the row and the parameters, never on the graph or on
// executor state, which is what lets Filter, Project, and sort keys share
// one evaluator.
//
// Expressions marshal to their Cypher rendition in JSON, which keeps IR
// plans serializable for EXPLAIN-style introspection.
type Expr interface {
	String() string
}

// Literal is a constant: string, int64, float64, bool, or nil.
type Literal struct {
	Value any
}

func (l *Literal) String() string {
	switch v := l.Value.(type) {
	case nil:
		return "null"
	case string:
		return strconv.Quote(v)
	case bool:
		return strconv.FormatBool(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// Parameter references a query parameter ($name).
type Parameter struct {
	Name string
}

func (p *Parameter) String() string { return "$" + p.Name }

// Variable references a bound pattern variable.
type Variable struct {
	Name string
}

func (v *Variable) String() string { return v.Name }

// PropertyAccess reads a property off a node, relationship, or map.
type PropertyAccess struct {
	Subject Expr
	Key     string
}

func (p *PropertyAccess) String() string { return p.Subject.String() + "." + p.Key }

// Unary applies NOT, unary minus, IS NULL, or IS NOT NULL.
type Unary struct {
	Op      string // "NOT", "-", "IS NULL", "IS NOT NULL"
	Operand Expr
}

func (u *Unary) String() string {
	switch u.Op {
	case "IS NULL", "IS NOT NULL":
		return u.Operand.String() + " " + u.Op
	case "NOT":
		return "NOT " + u.Operand.String()
	default:
		return u.Op + u.Operand.String()
	}
}

// Binary applies an infix operator. Comparison, arithmetic, boolean
// connectives, string predicates, and IN all share this node.
type Binary struct {
	Op string // = <> < <= > >= + - * / % AND OR XOR IN CONTAINS "STARTS WITH" "ENDS WITH"
	L  Expr
	R  Expr
}

func (b *Binary) String() string {
	return "(" + b.L.String() + " " + b.Op + " " + b.R.String() + ")"
}

// FunctionCall invokes a registered function.
type FunctionCall struct {
	Name string
	Args []Expr
}

func (f *FunctionCall) String() string {
	args := make([]string, len(f.Args))
	for i, a := range f.Args {
		args[i] = a.String()
	}
	return f.Name + "(" + strings.Join(args, ", ") + ")"
}

// CaseWhen is one WHEN ... THEN ... arm.
type CaseWhen struct {
	When Expr
	Then Expr
}

// CaseExpr models both forms of CASE. With Subject set it is the simple
// form (CASE x WHEN v THEN ...); otherwise each When is a predicate.
type CaseExpr struct {
	Subject Expr
	Whens   []CaseWhen
	Else    Expr
}

func (c *CaseExpr) String() string {
	var sb strings.Builder
	sb.WriteString("CASE")
	if c.Subject != nil {
		sb.WriteString(" " + c.Subject.String())
	}
	for _, w := range c.Whens {
		sb.WriteString(" WHEN " + w.When.String() + " THEN " + w.Then.String())
	}
	if c.Else != nil {
		sb.WriteString(" ELSE " + c.Else.String())
	}
	sb.WriteString(" END")
	return sb.String()
}

// ListExpr is a literal list.
type ListExpr struct {
	Items []Expr
}

func (l *ListExpr) String() string {
	items := make([]string, len(l.Items))
	for i, item := range l.Items {
		items[i] = item.String()
	}
	return "[" + strings.Join(items, ", ") + "]"
}

// exprJSON renders any expression as its Cypher text for plan output.
func exprJSON(e Expr) ([]byte, error) {
	if e == nil {
		return []byte("null"), nil
	}
	return json.Marshal(e.String())
}

func (l *Literal) MarshalJSON() ([]byte, error)        { return exprJSON(l) }
func (p *Parameter) MarshalJSON() ([]byte, error)      { return exprJSON(p) }
func (v *Variable) MarshalJSON() ([]byte, error)       { return exprJSON(v) }
func (p *PropertyAccess) MarshalJSON() ([]byte, error) { return exprJSON(p) }
func (u *Unary) MarshalJSON() ([]byte, error)          { return exprJSON(u) }
func (b *Binary) MarshalJSON() ([]byte, error)         { return exprJSON(b) }
func (f *FunctionCall) MarshalJSON() ([]byte, error)   { return exprJSON(f) }
func (c *CaseExpr) MarshalJSON() ([]byte, error)       { return exprJSON(c) }
func (l *ListExpr) MarshalJSON() ([]byte, error)       { return exprJSON(l) }

// variablesIn collects the pattern variables an expression references.
// The compiler uses this for filter pushdown.
func variablesIn(e Expr, into map[string]struct{}) {
	switch x := e.(type) {
	case nil:
	case *Variable:
		into[x.Name] = struct{}{}
	case *PropertyAccess:
		variablesIn(x.Subject, into)
	case *Unary:
		variablesIn(x.Operand, into)
	case *Binary:
		variablesIn(x.L, into)
		variablesIn(x.R, into)
	case *FunctionCall:
		for _, a := range x.Args {
			variablesIn(a, into)
		}
	case *CaseExpr:
		if x.Subject != nil {
			variablesIn(x.Subject, into)
		}
		for _, w := range x.Whens {
			variablesIn(w.When, into)
			variablesIn(w.Then, into)
		}
		if x.Else != nil {
			variablesIn(x.Else, into)
		}
	case *ListExpr:
		for _, item := range x.Items {
			variablesIn(item, into)
		}
	}
}

// exprVariables returns the variables an expression references.
func exprVariables(e Expr) []string {
	set := map[string]struct{}{}
	variablesIn(e, set)
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	return out
}

// walkExpr visits every subexpression in evaluation order.
func walkExpr(e Expr, visit func(Expr)) {
	if e == nil {
		return
	}
	visit(e)
	switch x := e.(type) {
	case *PropertyAccess:
		walkExpr(x.Subject, visit)
	case *Unary:
		walkExpr(x.Operand, visit)
	case *Binary:
		walkExpr(x.L, visit)
		walkExpr(x.R, visit)
	case *FunctionCall:
		for _, a := range x.Args {
			walkExpr(a, visit)
		}
	case *CaseExpr:
		walkExpr(x.Subject, visit)
		for _, w := range x.Whens {
			walkExpr(w.When, visit)
			walkExpr(w.Then, visit)
		}
		walkExpr(x.Else, visit)
	case *ListExpr:
		for _, item := range x.Items {
			walkExpr(item, visit)
		}
	}
}

// splitConjuncts flattens nested ANDs so each conjunct can be pushed to
// the earliest operator that binds its variables.
func splitConjuncts(e Expr) []Expr {
	if b, ok := e.(*Binary); ok && b.Op == "AND" {
		return append(splitConjuncts(b.L), splitConjuncts(b.R)...)
	}
	return []Expr{e}
}
