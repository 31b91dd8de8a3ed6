// Package askr is the embedded database facade: it wires the block
// store, graph engine, transaction manager, and Cypher front end into
// one handle.
package askr

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/askrdb/askr/pkg/config"
	"github.com/askrdb/askr/pkg/cypher"
	"github.com/askrdb/askr/pkg/graph"
	"github.com/askrdb/askr/pkg/storage"
	"github.com/askrdb/askr/pkg/txn"
)

// DB is an open database. Safe for concurrent use; each query or
// transaction gets its own view and execution context.
type DB struct {
	cfg    *config.Config
	blocks storage.Blockstore
	eng    *graph.Engine
	mgr    *txn.Manager

	registry *cypher.Registry
	exec     *cypher.Executor
	plans    *cypher.PlanCache

	mu     sync.Mutex
	txs    map[uint64]*txn.Transaction
	closed bool
}

// Result is one executed query: projected columns, materialized rows,
// and the work counters the execution accumulated.
type Result struct {
	Columns []string
	Rows    []cypher.Row
	Stats   cypher.QueryStats
}

// Open builds the stack described by cfg. An empty data_dir opens a
// fully in-memory database without a WAL.
func Open(ctx context.Context, cfg *config.Config) (*DB, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var blocks storage.Blockstore
	var wal *txn.WAL
	if cfg.Database.DataDir == "" {
		blocks = storage.NewMemoryBlockstore()
	} else {
		if err := os.MkdirAll(cfg.Database.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("askr: create data dir: %w", err)
		}
		b, err := storage.NewBadgerBlockstore(filepath.Join(cfg.Database.DataDir, "blocks"))
		if err != nil {
			return nil, err
		}
		blocks = b
		walPath := cfg.Database.WALPath
		if walPath == "" {
			walPath = filepath.Join(cfg.Database.DataDir, "askr.wal")
		}
		wal, err = txn.OpenWAL(walPath)
		if err != nil {
			blocks.Close()
			return nil, err
		}
	}
	if cfg.Database.BlockCacheSize > 0 {
		cached, err := storage.NewCachedBlockstore(blocks, cfg.Database.BlockCacheSize)
		if err != nil {
			blocks.Close()
			return nil, err
		}
		blocks = cached
	}

	eng := graph.NewEngine(blocks)
	mgr, err := txn.NewManager(ctx, eng, wal, txn.ManagerOpts{})
	if err != nil {
		blocks.Close()
		return nil, err
	}

	plans, err := cypher.NewPlanCache(cfg.Database.PlanCacheSize)
	if err != nil {
		mgr.Close()
		blocks.Close()
		return nil, err
	}

	registry := cypher.NewRegistry()
	db := &DB{
		cfg:      cfg,
		blocks:   blocks,
		eng:      eng,
		mgr:      mgr,
		registry: registry,
		exec:     cypher.NewExecutor(registry),
		plans:    plans,
		txs:      make(map[uint64]*txn.Transaction),
	}
	if cfg.Database.DataDir != "" {
		log.Printf("[askr] opened %s", cfg.Database.DataDir)
	}
	return db, nil
}

// Begin starts an explicit transaction and returns its id for use with
// ExecuteQuery, Commit, and Rollback.
func (db *DB) Begin(ctx context.Context, level txn.IsolationLevel) (uint64, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return 0, storage.ErrStorageClosed
	}
	t, err := db.mgr.Begin(ctx, level)
	if err != nil {
		return 0, err
	}
	db.txs[t.ID()] = t
	return t.ID(), nil
}

// Commit commits an explicit transaction.
func (db *DB) Commit(ctx context.Context, txID uint64) error {
	t, err := db.takeTx(txID)
	if err != nil {
		return err
	}
	return t.Commit(ctx)
}

// Rollback discards an explicit transaction.
func (db *DB) Rollback(txID uint64) error {
	t, err := db.takeTx(txID)
	if err != nil {
		return err
	}
	return t.Rollback()
}

func (db *DB) takeTx(txID uint64) (*txn.Transaction, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	t, ok := db.txs[txID]
	if !ok {
		return nil, fmt.Errorf("askr: unknown transaction %d", txID)
	}
	delete(db.txs, txID)
	return t, nil
}

func (db *DB) lookupTx(txID uint64) (*txn.Transaction, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	t, ok := db.txs[txID]
	if !ok {
		return nil, fmt.Errorf("askr: unknown transaction %d", txID)
	}
	return t, nil
}

// ExecuteQuery runs one Cypher statement. A zero txID wraps the
// statement in its own transaction: reads run against a snapshot view
// and writes auto-commit at the configured default isolation. A
// non-zero txID runs inside that open transaction without committing
// it.
func (db *DB) ExecuteQuery(ctx context.Context, query string, params map[string]any, txID uint64) (*Result, error) {
	prepared, err := db.plans.Prepare(query, db.registry)
	if err != nil {
		return nil, err
	}
	if prepared.Explain {
		return &Result{
			Columns: []string{"plan"},
			Rows:    []cypher.Row{{"plan": prepared.Plan.Explain()}},
		}, nil
	}

	if txID != 0 {
		t, err := db.lookupTx(txID)
		if err != nil {
			return nil, err
		}
		return db.runPlan(ctx, prepared.Plan, t.View(), params)
	}

	if prepared.Plan.ReadOnly {
		view := graph.NewView(db.eng, graph.ViewOpts{Seq: db.eng.CurrentSeq(), ReadOnly: true})
		return db.runPlan(ctx, prepared.Plan, view, params)
	}

	var res *Result
	err = db.mgr.Run(ctx, db.cfg.DefaultIsolation(), func(t *txn.Transaction) error {
		r, err := db.runPlan(ctx, prepared.Plan, t.View(), params)
		if err != nil {
			return err
		}
		res = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (db *DB) runPlan(ctx context.Context, plan *cypher.Plan, view *graph.View, params map[string]any) (*Result, error) {
	ec := &cypher.ExecutionContext{
		Params:  params,
		MaxRows: db.cfg.Query.MaxRows,
	}
	if db.cfg.Query.Timeout > 0 {
		ec.Deadline = time.Now().Add(db.cfg.Query.Timeout)
	}
	rows, err := db.exec.ExecuteAll(ctx, plan, view, ec)
	if err != nil {
		return nil, err
	}
	return &Result{Columns: plan.Columns, Rows: rows, Stats: ec.Stats}, nil
}

// Explain compiles a query and renders its plan without executing it.
func (db *DB) Explain(query string) (string, error) {
	prepared, err := cypher.Prepare(query, db.registry)
	if err != nil {
		return "", err
	}
	return prepared.Plan.Explain(), nil
}

// DBStats aggregates counters across the stack.
type DBStats struct {
	Nodes         int64
	Relationships int64
	Txn           txn.Stats
	PlanHits      int64
	PlanMisses    int64
}

// Stats returns current database counters.
func (db *DB) Stats(ctx context.Context) (DBStats, error) {
	nodes, err := db.eng.NodeCount(ctx)
	if err != nil {
		return DBStats{}, err
	}
	rels, err := db.eng.RelCount(ctx)
	if err != nil {
		return DBStats{}, err
	}
	hits, misses := db.plans.Stats()
	return DBStats{
		Nodes:         nodes,
		Relationships: rels,
		Txn:           db.mgr.Stats(),
		PlanHits:      hits,
		PlanMisses:    misses,
	}, nil
}

// Close rolls back open transactions and shuts the stack down.
func (db *DB) Close() error {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil
	}
	db.closed = true
	open := make([]*txn.Transaction, 0, len(db.txs))
	for _, t := range db.txs {
		open = append(open, t)
	}
	db.txs = make(map[uint64]*txn.Transaction)
	db.mu.Unlock()

	for _, t := range open {
		t.Rollback()
	}
	if err := db.mgr.Close(); err != nil {
		return err
	}
	if err := db.eng.Close(); err != nil {
		return err
	}
	return db.blocks.Close()
}
