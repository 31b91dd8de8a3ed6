package cypher

// Statement is a parsed query: an ordered list of clauses. The parser
// validates clause ordering (reading clauses before writing clauses
// before RETURN) but leaves semantic checks to compilation.
type Statement struct {
	Explain bool
	Clauses []Clause
}

// Clause is a single top-level query clause.
type Clause interface {
	clause()
}

// MatchClause is MATCH or OPTIONAL MATCH with an optional WHERE.
type MatchClause struct {
	Optional bool
	Patterns []*PatternPart
	Where    Expr
}

// CreateClause introduces new nodes and relationships.
type CreateClause struct {
	Patterns []*PatternPart
}

// SetClause assigns properties or adds labels.
type SetClause struct {
	Items []SetItem
}

// SetItem is one assignment in a SET clause. Exactly one of Property or
// Label forms is used: `v.key = expr` or `v:Label`.
type SetItem struct {
	Variable string
	Key      string // property key; empty for a label set
	Label    string // label to add; empty for a property set
	Value    Expr
}

// DeleteClause removes entities. Detach cascades to attached
// relationships when deleting nodes.
type DeleteClause struct {
	Detach bool
	Exprs  []Expr
}

// ReturnClause projects the final columns.
type ReturnClause struct {
	Distinct bool
	Items    []ReturnItem
	OrderBy  []OrderItem
	Skip     Expr
	Limit    Expr
}

// ReturnItem is one projection: expression plus its column alias. Alias
// is never empty; the parser derives it from the expression text when
// no AS is given.
type ReturnItem struct {
	Expr  Expr
	Alias string
}

// OrderItem is one ORDER BY key.
type OrderItem struct {
	Expr Expr
	Desc bool
}

func (*MatchClause) clause()  {}
func (*CreateClause) clause() {}
func (*SetClause) clause()    {}
func (*DeleteClause) clause() {}
func (*ReturnClause) clause() {}

// PatternPart is one comma-separated path pattern: a node followed by
// zero or more (relationship, node) hops.
type PatternPart struct {
	Nodes []*NodePattern // len(Nodes) == len(Rels)+1
	Rels  []*RelPattern
}

// NodePattern is `(v:Label {key: expr})`. All parts are optional.
type NodePattern struct {
	Variable string
	Labels   []string
	Props    map[string]Expr
}

// RelPattern is `-[v:TYPE {key: expr}]->`. Direction is from the
// pattern's left node toward its right node; DirBoth means undirected.
type RelPattern struct {
	Variable  string
	Types     []string
	Props     map[string]Expr
	Direction PatternDirection
}

// PatternDirection is the arrow orientation in a relationship pattern.
type PatternDirection int

const (
	DirRight PatternDirection = iota // -[]->
	DirLeft                          // <-[]-
	DirBoth                          // -[]-
)
