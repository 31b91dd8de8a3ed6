package cypher

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/askrdb/askr/pkg/graph"
	"github.com/askrdb/askr/pkg/storage"
)

func newTestGraph(t *testing.T) *graph.View {
	t.Helper()
	eng := graph.NewEngine(storage.NewMemoryBlockstore())
	return graph.NewView(eng, graph.ViewOpts{Seq: graph.LatestSeq})
}

func run(t *testing.T, g graph.Graph, query string, params map[string]any) ([]Row, *Plan) {
	t.Helper()
	rows, plan, err := tryRun(g, query, params)
	require.NoError(t, err)
	return rows, plan
}

func tryRun(g graph.Graph, query string, params map[string]any) ([]Row, *Plan, error) {
	p, err := Prepare(query, NewRegistry())
	if err != nil {
		return nil, nil, err
	}
	ex := NewExecutor(NewRegistry())
	rows, err := ex.ExecuteAll(context.Background(), p.Plan, g, &ExecutionContext{Params: params})
	if err != nil {
		return nil, nil, err
	}
	return rows, p.Plan, nil
}

func seedPeople(t *testing.T, g *graph.View) {
	t.Helper()
	ctx := context.Background()
	alice, err := g.CreateNode(ctx, []string{"Person"}, map[string]any{"name": "Alice", "age": int64(34)})
	require.NoError(t, err)
	bob, err := g.CreateNode(ctx, []string{"Person"}, map[string]any{"name": "Bob", "age": int64(41)})
	require.NoError(t, err)
	carol, err := g.CreateNode(ctx, []string{"Person", "Admin"}, map[string]any{"name": "Carol"})
	require.NoError(t, err)
	_, err = g.CreateRelationship(ctx, alice.ID, bob.ID, "KNOWS", map[string]any{"since": int64(2019)})
	require.NoError(t, err)
	_, err = g.CreateRelationship(ctx, bob.ID, carol.ID, "KNOWS", nil)
	require.NoError(t, err)
}

func TestIsCypher(t *testing.T) {
	assert.True(t, IsCypher("MATCH (n) RETURN n"))
	assert.True(t, IsCypher("  explain match (n) return n"))
	assert.True(t, IsCypher("CREATE (n:Person)"))
	assert.True(t, IsCypher("MERGE (n)"))
	assert.False(t, IsCypher("SELECT * FROM people"))
	assert.False(t, IsCypher(""))
	assert.False(t, IsCypher("(not a clause)"))
}

func TestSyntaxErrorPosition(t *testing.T) {
	_, err := Parse("MATCH (n:Person RETURN n")
	require.Error(t, err)
	var se *SyntaxError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 1, se.Line)
	assert.Greater(t, se.Column, 1)
}

func TestParseRelationshipDirections(t *testing.T) {
	stmt, err := Parse("MATCH (a)-[r:KNOWS]->(b), (a)<-[:LIKES]-(c), (a)-[]-(d) RETURN a")
	require.NoError(t, err)
	m := stmt.Clauses[0].(*MatchClause)
	require.Len(t, m.Patterns, 3)
	assert.Equal(t, DirRight, m.Patterns[0].Rels[0].Direction)
	assert.Equal(t, "r", m.Patterns[0].Rels[0].Variable)
	assert.Equal(t, DirLeft, m.Patterns[1].Rels[0].Direction)
	assert.Equal(t, DirBoth, m.Patterns[2].Rels[0].Direction)
}

func TestParseRejectsMerge(t *testing.T) {
	_, err := Parse("MERGE (n:Person {name: 'x'}) RETURN n")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MERGE is not supported")
}

func TestCompileUnknownFunction(t *testing.T) {
	stmt, err := Parse("MATCH (n) RETURN shout(n.name)")
	require.NoError(t, err)
	_, err = Compile(stmt, NewRegistry())
	require.Error(t, err)
	var ce *CompileError
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, ce.Msg, "shout")
}

func TestCompileUnboundVariable(t *testing.T) {
	stmt, err := Parse("MATCH (n) RETURN m.name")
	require.NoError(t, err)
	_, err = Compile(stmt, NewRegistry())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "m is not defined")
}

func TestCompileFilterPushdown(t *testing.T) {
	stmt, err := Parse("MATCH (a:Person)-[:KNOWS]->(b) WHERE a.age > 30 AND b.name = 'Carol' RETURN a")
	require.NoError(t, err)
	plan, err := Compile(stmt, NewRegistry())
	require.NoError(t, err)

	// The a-only conjunct lands right after the scan, before the
	// expand; the b conjunct lands after the expand.
	var order []OpName
	for _, op := range plan.Ops {
		order = append(order, op.Op)
	}
	require.Equal(t, []OpName{OpScanByLabel, OpFilter, OpExpand, OpFilter, OpProject}, order)
	assert.Contains(t, plan.Ops[1].Predicate.String(), "a.age")
	assert.Contains(t, plan.Ops[3].Predicate.String(), "b.name")
}

func TestCompileOptionalMatchRequiresBoundStart(t *testing.T) {
	stmt, err := Parse("OPTIONAL MATCH (a)-[:KNOWS]->(b) RETURN a")
	require.NoError(t, err)
	_, err = Compile(stmt, NewRegistry())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bound variable")
}

func TestPlanExplainRoundTrips(t *testing.T) {
	stmt, err := Parse("MATCH (n:Person) WHERE n.age >= 21 RETURN n.name AS name ORDER BY name LIMIT 5")
	require.NoError(t, err)
	plan, err := Compile(stmt, NewRegistry())
	require.NoError(t, err)
	out := plan.Explain()
	assert.Contains(t, out, "ScanByLabel")
	assert.Contains(t, out, "n.age")
	assert.Contains(t, out, "OrderBy")
}

func TestEvaluatorThreeValuedLogic(t *testing.T) {
	ev := &Evaluator{Registry: NewRegistry()}
	null := &Literal{Value: nil}
	yes := &Literal{Value: true}
	no := &Literal{Value: false}

	cases := []struct {
		expr Expr
		want any
	}{
		{&Binary{Op: "AND", L: null, R: no}, false},
		{&Binary{Op: "AND", L: null, R: yes}, nil},
		{&Binary{Op: "OR", L: null, R: yes}, true},
		{&Binary{Op: "OR", L: null, R: no}, nil},
		{&Binary{Op: "XOR", L: null, R: yes}, nil},
		{&Unary{Op: "NOT", Operand: null}, nil},
		{&Binary{Op: "=", L: null, R: null}, nil},
		{&Binary{Op: "<", L: &Literal{Value: int64(1)}, R: null}, nil},
		{&Unary{Op: "IS NULL", Operand: null}, true},
		{&Unary{Op: "IS NOT NULL", Operand: null}, false},
	}
	for _, tc := range cases {
		got, err := ev.Eval(tc.expr, Row{})
		require.NoError(t, err, tc.expr.String())
		assert.Equal(t, tc.want, got, tc.expr.String())
	}
}

func TestEvaluatorNumericCoercion(t *testing.T) {
	ev := &Evaluator{Registry: NewRegistry()}
	got, err := ev.Eval(&Binary{Op: "=", L: &Literal{Value: int64(2)}, R: &Literal{Value: 2.0}}, Row{})
	require.NoError(t, err)
	assert.Equal(t, true, got)

	got, err = ev.Eval(&Binary{Op: "+", L: &Literal{Value: int64(1)}, R: &Literal{Value: 0.5}}, Row{})
	require.NoError(t, err)
	assert.Equal(t, 1.5, got)

	got, err = ev.Eval(&Binary{Op: "/", L: &Literal{Value: int64(7)}, R: &Literal{Value: int64(2)}}, Row{})
	require.NoError(t, err)
	assert.Equal(t, int64(3), got)
}

func TestEvaluatorTypeErrors(t *testing.T) {
	ev := &Evaluator{Registry: NewRegistry()}
	_, err := ev.Eval(&Binary{Op: "+", L: &Literal{Value: int64(1)}, R: &Literal{Value: true}}, Row{"x": int64(1)})
	require.Error(t, err)
	var re *RuntimeError
	require.ErrorAs(t, err, &re)
	assert.Contains(t, re.Row, "x")

	_, err = ev.Eval(&Binary{Op: "/", L: &Literal{Value: int64(1)}, R: &Literal{Value: int64(0)}}, Row{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "division by zero")
}

func TestEvaluatorInList(t *testing.T) {
	ev := &Evaluator{Registry: NewRegistry()}
	list := &ListExpr{Items: []Expr{&Literal{Value: int64(1)}, &Literal{Value: nil}}}

	got, err := ev.Eval(&Binary{Op: "IN", L: &Literal{Value: int64(1)}, R: list}, Row{})
	require.NoError(t, err)
	assert.Equal(t, true, got)

	// No match plus a null element is null, not false.
	got, err = ev.Eval(&Binary{Op: "IN", L: &Literal{Value: int64(2)}, R: list}, Row{})
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestExecuteMatchFilterProject(t *testing.T) {
	g := newTestGraph(t)
	seedPeople(t, g)

	rows, plan := run(t, g, "MATCH (p:Person) WHERE p.age > 35 RETURN p.name AS name", nil)
	require.True(t, plan.ReadOnly)
	require.Len(t, rows, 1)
	assert.Equal(t, "Bob", rows[0]["name"])
}

func TestExecuteExpand(t *testing.T) {
	g := newTestGraph(t)
	seedPeople(t, g)

	rows, _ := run(t, g, "MATCH (a:Person {name: 'Alice'})-[r:KNOWS]->(b) RETURN b.name AS who, r.since AS since", nil)
	require.Len(t, rows, 1)
	assert.Equal(t, "Bob", rows[0]["who"])
	assert.Equal(t, int64(2019), rows[0]["since"])

	// Incoming direction from Bob's side finds the same edge.
	rows, _ = run(t, g, "MATCH (b:Person {name: 'Bob'})<-[:KNOWS]-(a) RETURN a.name AS who", nil)
	require.Len(t, rows, 1)
	assert.Equal(t, "Alice", rows[0]["who"])
}

func TestExecuteOptionalMatch(t *testing.T) {
	g := newTestGraph(t)
	seedPeople(t, g)

	rows, _ := run(t, g, "MATCH (p:Person) OPTIONAL MATCH (p)-[:KNOWS]->(f) RETURN p.name AS name, f.name AS friend ORDER BY name", nil)
	require.Len(t, rows, 3)
	assert.Equal(t, "Alice", rows[0]["name"])
	assert.Equal(t, "Bob", rows[0]["friend"])
	// Carol knows nobody: the row survives with a null friend.
	assert.Equal(t, "Carol", rows[2]["name"])
	assert.Nil(t, rows[2]["friend"])
}

func TestExecuteOrderSkipLimit(t *testing.T) {
	g := newTestGraph(t)
	seedPeople(t, g)

	rows, _ := run(t, g, "MATCH (p:Person) RETURN p.name AS name ORDER BY name DESC SKIP 1 LIMIT 1", nil)
	require.Len(t, rows, 1)
	assert.Equal(t, "Bob", rows[0]["name"])
}

func TestExecuteOrderByNullsLast(t *testing.T) {
	g := newTestGraph(t)
	seedPeople(t, g)

	// Carol has no age; she sorts last under both ASC and DESC.
	rows, _ := run(t, g, "MATCH (p:Person) RETURN p.name AS name, p.age AS age ORDER BY age", nil)
	require.Len(t, rows, 3)
	assert.Equal(t, "Carol", rows[2]["name"])

	rows, _ = run(t, g, "MATCH (p:Person) RETURN p.name AS name, p.age AS age ORDER BY age DESC", nil)
	require.Len(t, rows, 3)
	assert.Equal(t, "Bob", rows[0]["name"])
	assert.Equal(t, "Carol", rows[2]["name"])
}

func TestExecuteDistinct(t *testing.T) {
	g := newTestGraph(t)
	seedPeople(t, g)

	rows, _ := run(t, g, "MATCH (p:Person)-[:KNOWS]-(q) RETURN DISTINCT p.name AS name ORDER BY name", nil)
	require.Len(t, rows, 3)
}

func TestExecuteParameters(t *testing.T) {
	g := newTestGraph(t)
	seedPeople(t, g)

	rows, _ := run(t, g, "MATCH (p:Person) WHERE p.name = $name RETURN p.age AS age",
		map[string]any{"name": "Alice"})
	require.Len(t, rows, 1)
	assert.Equal(t, int64(34), rows[0]["age"])

	_, _, err := tryRun(g, "MATCH (p:Person) WHERE p.name = $name RETURN p", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing parameter")
}

func TestExecuteCreateAndReturn(t *testing.T) {
	g := newTestGraph(t)

	rows, plan := run(t, g, "CREATE (a:City {name: 'Oslo'})-[:IN]->(b:Country {name: 'Norway'}) RETURN a.name AS a, b.name AS b", nil)
	require.False(t, plan.ReadOnly)
	require.Len(t, rows, 1)
	assert.Equal(t, "Oslo", rows[0]["a"])

	// The created pattern is visible to a later read through the view.
	rows, _ = run(t, g, "MATCH (c:City)-[:IN]->(n) RETURN n.name AS country", nil)
	require.Len(t, rows, 1)
	assert.Equal(t, "Norway", rows[0]["country"])
}

func TestExecuteMatchCreate(t *testing.T) {
	g := newTestGraph(t)
	seedPeople(t, g)

	run(t, g, "MATCH (a:Person {name: 'Alice'}), (b:Person {name: 'Carol'}) CREATE (a)-[:KNOWS {since: 2024}]->(b)", nil)
	rows, _ := run(t, g, "MATCH (:Person {name: 'Alice'})-[:KNOWS]->(f) RETURN f.name AS name ORDER BY name", nil)
	require.Len(t, rows, 2)
	assert.Equal(t, "Bob", rows[0]["name"])
	assert.Equal(t, "Carol", rows[1]["name"])
}

func TestExecuteSetAndDelete(t *testing.T) {
	g := newTestGraph(t)
	seedPeople(t, g)

	run(t, g, "MATCH (p:Person {name: 'Alice'}) SET p.age = 35, p:Verified", nil)
	rows, _ := run(t, g, "MATCH (p:Verified) RETURN p.age AS age", nil)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(35), rows[0]["age"])

	// Plain DELETE on a connected node fails; DETACH DELETE cascades.
	_, _, err := tryRun(g, "MATCH (p:Person {name: 'Alice'}) DELETE p", nil)
	require.ErrorIs(t, err, graph.ErrHasRelations)

	run(t, g, "MATCH (p:Person {name: 'Alice'}) DETACH DELETE p", nil)
	rows, _ = run(t, g, "MATCH (p:Person) RETURN p.name AS name", nil)
	require.Len(t, rows, 2)
}

func TestExecuteRowBudget(t *testing.T) {
	g := newTestGraph(t)
	seedPeople(t, g)

	p, err := Prepare("MATCH (a:Person), (b:Person) RETURN a.name, b.name", NewRegistry())
	require.NoError(t, err)
	ex := NewExecutor(NewRegistry())
	_, err = ex.ExecuteAll(context.Background(), p.Plan, g, &ExecutionContext{MaxRows: 4})
	require.Error(t, err)
	var qt *QueryTimeout
	require.ErrorAs(t, err, &qt)
}

func TestExecuteDeadline(t *testing.T) {
	g := newTestGraph(t)
	seedPeople(t, g)

	p, err := Prepare("MATCH (a:Person) RETURN a", NewRegistry())
	require.NoError(t, err)
	ex := NewExecutor(NewRegistry())
	_, err = ex.ExecuteAll(context.Background(), p.Plan, g, &ExecutionContext{
		Deadline: time.Now().Add(-time.Second),
	})
	require.Error(t, err)
	var qt *QueryTimeout
	require.ErrorAs(t, err, &qt)
}

func TestExecuteLimitShortCircuits(t *testing.T) {
	g := newTestGraph(t)
	seedPeople(t, g)

	p, err := Prepare("MATCH (p:Person) RETURN p.name AS name LIMIT 1", NewRegistry())
	require.NoError(t, err)
	ex := NewExecutor(NewRegistry())
	ec := &ExecutionContext{}
	rows, err := ex.ExecuteAll(context.Background(), p.Plan, g, ec)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	// Only one node was pulled through the scan.
	assert.Equal(t, int64(1), ec.Stats.NodesScanned)
}

// countingBlockstore counts reads so tests can see how much storage
// work an execution really did.
type countingBlockstore struct {
	storage.Blockstore
	gets atomic.Int64
}

func (c *countingBlockstore) Get(ctx context.Context, cid storage.CID) ([]byte, error) {
	c.gets.Add(1)
	return c.Blockstore.Get(ctx, cid)
}

func TestLimitStopsStorageReads(t *testing.T) {
	ctx := context.Background()
	blocks := &countingBlockstore{Blockstore: storage.NewMemoryBlockstore()}
	eng := graph.NewEngine(blocks)
	seq := eng.NextCommitSeq()
	for i := 0; i < 100; i++ {
		node := &graph.Node{
			ID:         graph.NewNodeID(),
			Labels:     []string{"Person"},
			Properties: map[string]any{"i": int64(i)},
		}
		require.NoError(t, eng.ApplyNodeVersion(ctx, node, 1, seq))
	}
	blocks.gets.Store(0)
	g := graph.NewView(eng, graph.ViewOpts{Seq: graph.LatestSeq})

	p, err := Prepare("MATCH (p:Person) RETURN p.i AS i LIMIT 5", NewRegistry())
	require.NoError(t, err)
	ex := NewExecutor(NewRegistry())
	ec := &ExecutionContext{}
	rows, err := ex.ExecuteAll(ctx, p.Plan, g, ec)
	require.NoError(t, err)
	require.Len(t, rows, 5)
	assert.Equal(t, int64(5), ec.Stats.NodesScanned)
	// The other 95 candidates were never loaded from storage.
	assert.Equal(t, int64(5), blocks.gets.Load())
}

func TestExecutorReuseAcrossCalls(t *testing.T) {
	g := newTestGraph(t)
	seedPeople(t, g)
	ex := NewExecutor(NewRegistry())

	// First call fails mid-stream on a type error.
	p, err := Prepare("MATCH (p:Person) RETURN p.name + p.age AS broken", NewRegistry())
	require.NoError(t, err)
	_, err = ex.ExecuteAll(context.Background(), p.Plan, g, &ExecutionContext{})
	require.Error(t, err)

	// The same executor serves the next call with untouched results and
	// fresh stats.
	p2, err := Prepare("MATCH (p:Person) WHERE p.age > 40 RETURN p.name AS name", NewRegistry())
	require.NoError(t, err)
	ec := &ExecutionContext{}
	rows, err := ex.ExecuteAll(context.Background(), p2.Plan, g, ec)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Bob", rows[0]["name"])
	assert.Equal(t, int64(1), ec.Stats.RowsProduced)
	assert.Equal(t, int64(3), ec.Stats.NodesScanned)
}

func TestExecuteBuiltins(t *testing.T) {
	g := newTestGraph(t)
	seedPeople(t, g)

	rows, _ := run(t, g, "MATCH (p:Person {name: 'Alice'}) RETURN toUpper(p.name) AS up, size(labels(p)) AS n, coalesce(p.nickname, 'none') AS nick", nil)
	require.Len(t, rows, 1)
	assert.Equal(t, "ALICE", rows[0]["up"])
	assert.Equal(t, int64(1), rows[0]["n"])
	assert.Equal(t, "none", rows[0]["nick"])
}

func TestExecuteRuntimeErrorNotSwallowed(t *testing.T) {
	g := newTestGraph(t)
	seedPeople(t, g)

	_, _, err := tryRun(g, "MATCH (p:Person) RETURN p.name + p.age", nil)
	require.Error(t, err)
	var re *RuntimeError
	require.ErrorAs(t, err, &re)
}

func TestExecuteReturnOnly(t *testing.T) {
	g := newTestGraph(t)
	rows, _ := run(t, g, "RETURN 1 + 2 AS three, 'a' + 'b' AS ab", nil)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(3), rows[0]["three"])
	assert.Equal(t, "ab", rows[0]["ab"])
}

func TestExecuteCaseExpression(t *testing.T) {
	g := newTestGraph(t)
	seedPeople(t, g)

	rows, _ := run(t, g, `MATCH (p:Person) RETURN p.name AS name,
		CASE WHEN p.age > 40 THEN 'old' WHEN p.age IS NULL THEN 'unknown' ELSE 'young' END AS bucket
		ORDER BY name`, nil)
	require.Len(t, rows, 3)
	assert.Equal(t, "young", rows[0]["bucket"])
	assert.Equal(t, "old", rows[1]["bucket"])
	assert.Equal(t, "unknown", rows[2]["bucket"])
}

func TestPlanCache(t *testing.T) {
	pc, err := NewPlanCache(8)
	require.NoError(t, err)
	reg := NewRegistry()

	p1, err := pc.Prepare("MATCH (n) RETURN n", reg)
	require.NoError(t, err)
	p2, err := pc.Prepare("MATCH (n) RETURN n", reg)
	require.NoError(t, err)
	assert.Same(t, p1, p2)

	hits, misses := pc.Stats()
	assert.Equal(t, int64(1), hits)
	assert.Equal(t, int64(1), misses)

	// EXPLAIN statements compile but never occupy a slot.
	_, err = pc.Prepare("EXPLAIN MATCH (n) RETURN n", reg)
	require.NoError(t, err)
	assert.Equal(t, 1, pc.Len())
}
