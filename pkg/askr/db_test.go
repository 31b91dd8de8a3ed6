package askr

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/askrdb/askr/pkg/config"
	"github.com/askrdb/askr/pkg/cypher"
	"github.com/askrdb/askr/pkg/txn"
)

func openMemDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), config.Default())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func openDiskDB(t *testing.T, dir string) *DB {
	t.Helper()
	cfg := config.Default()
	cfg.Database.DataDir = dir
	db, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	return db
}

func TestCreateThenMatch(t *testing.T) {
	db := openMemDB(t)
	ctx := context.Background()

	res, err := db.ExecuteQuery(ctx, "CREATE (p:Person {name: 'Bob', age: 30})", nil, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Stats.NodesCreated)

	res, err = db.ExecuteQuery(ctx, "MATCH (p:Person {name: 'Bob'}) RETURN p.age AS age", nil, 0)
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, int64(30), res.Rows[0]["age"])
	assert.Equal(t, []string{"age"}, res.Columns)
}

func TestExplicitTransactionIsolation(t *testing.T) {
	db := openMemDB(t)
	ctx := context.Background()

	txID, err := db.Begin(ctx, txn.ReadCommitted)
	require.NoError(t, err)
	_, err = db.ExecuteQuery(ctx, "CREATE (:Secret {v: 1})", nil, txID)
	require.NoError(t, err)

	// Uncommitted writes are invisible outside the transaction.
	res, err := db.ExecuteQuery(ctx, "MATCH (s:Secret) RETURN s.v AS v", nil, 0)
	require.NoError(t, err)
	assert.Empty(t, res.Rows)

	// But visible within it.
	res, err = db.ExecuteQuery(ctx, "MATCH (s:Secret) RETURN s.v AS v", nil, txID)
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)

	require.NoError(t, db.Commit(ctx, txID))
	res, err = db.ExecuteQuery(ctx, "MATCH (s:Secret) RETURN s.v AS v", nil, 0)
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
}

func TestRollbackDiscards(t *testing.T) {
	db := openMemDB(t)
	ctx := context.Background()

	txID, err := db.Begin(ctx, txn.ReadCommitted)
	require.NoError(t, err)
	_, err = db.ExecuteQuery(ctx, "CREATE (:Draft)", nil, txID)
	require.NoError(t, err)
	require.NoError(t, db.Rollback(txID))

	res, err := db.ExecuteQuery(ctx, "MATCH (d:Draft) RETURN d", nil, 0)
	require.NoError(t, err)
	assert.Empty(t, res.Rows)

	// The id is gone after rollback.
	err = db.Commit(ctx, txID)
	require.Error(t, err)
}

func TestExplainDoesNotExecute(t *testing.T) {
	db := openMemDB(t)
	ctx := context.Background()

	res, err := db.ExecuteQuery(ctx, "EXPLAIN CREATE (:Person {name: 'x'})", nil, 0)
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Contains(t, res.Rows[0]["plan"], "CreateNode")

	check, err := db.ExecuteQuery(ctx, "MATCH (p:Person) RETURN p", nil, 0)
	require.NoError(t, err)
	assert.Empty(t, check.Rows)

	plan, err := db.Explain("MATCH (n:Person) WHERE n.age > 1 RETURN n")
	require.NoError(t, err)
	assert.Contains(t, plan, "ScanByLabel")
}

func TestNotCypherDispatch(t *testing.T) {
	db := openMemDB(t)
	_, err := db.ExecuteQuery(context.Background(), "SELECT 1", nil, 0)
	require.ErrorIs(t, err, cypher.ErrNotCypher)
}

func TestStats(t *testing.T) {
	db := openMemDB(t)
	ctx := context.Background()

	_, err := db.ExecuteQuery(ctx, "CREATE (:A)-[:R]->(:B)", nil, 0)
	require.NoError(t, err)
	// Same text twice exercises the plan cache.
	_, err = db.ExecuteQuery(ctx, "MATCH (a:A) RETURN a", nil, 0)
	require.NoError(t, err)
	_, err = db.ExecuteQuery(ctx, "MATCH (a:A) RETURN a", nil, 0)
	require.NoError(t, err)

	stats, err := db.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Nodes)
	assert.Equal(t, int64(1), stats.Relationships)
	assert.Equal(t, int64(1), stats.Txn.Committed)
	assert.GreaterOrEqual(t, stats.PlanHits, int64(1))
}

func TestPersistenceAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	db := openDiskDB(t, dir)
	_, err := db.ExecuteQuery(ctx, "CREATE (:City {name: 'Oslo'})", nil, 0)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db2 := openDiskDB(t, dir)
	defer db2.Close()
	res, err := db2.ExecuteQuery(ctx, "MATCH (c:City) RETURN c.name AS name", nil, 0)
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "Oslo", res.Rows[0]["name"])
}

func TestQueryParameters(t *testing.T) {
	db := openMemDB(t)
	ctx := context.Background()

	_, err := db.ExecuteQuery(ctx, "CREATE (:Person {name: $name})", map[string]any{"name": "Ada"}, 0)
	require.NoError(t, err)
	res, err := db.ExecuteQuery(ctx, "MATCH (p:Person) WHERE p.name = $name RETURN p.name AS name",
		map[string]any{"name": "Ada"}, 0)
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
}
