package txn

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/askrdb/askr/pkg/graph"
	"github.com/askrdb/askr/pkg/storage"
)

func newManager(t *testing.T) (*Manager, *graph.Engine, string) {
	t.Helper()
	walPath := filepath.Join(t.TempDir(), "askr.wal")
	eng := graph.NewEngine(storage.NewMemoryBlockstore())
	wal, err := OpenWAL(walPath)
	require.NoError(t, err)
	mgr, err := NewManager(context.Background(), eng, wal, ManagerOpts{})
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Close() })
	return mgr, eng, walPath
}

func createPerson(t *testing.T, mgr *Manager, name string) graph.NodeID {
	t.Helper()
	ctx := context.Background()
	tx, err := mgr.Begin(ctx, ReadCommitted)
	require.NoError(t, err)
	node, err := tx.View().CreateNode(ctx, []string{"Person"}, map[string]any{"name": name})
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))
	return node.ID
}

func TestIsolationLevelRoundTrip(t *testing.T) {
	for _, level := range []IsolationLevel{ReadUncommitted, ReadCommitted, RepeatableRead, Serializable} {
		parsed, err := ParseIsolationLevel(level.String())
		require.NoError(t, err)
		assert.Equal(t, level, parsed)
	}
	_, err := ParseIsolationLevel("chaos")
	require.Error(t, err)
}

func TestCommitMakesWritesVisible(t *testing.T) {
	mgr, eng, _ := newManager(t)
	ctx := context.Background()

	tx, err := mgr.Begin(ctx, ReadCommitted)
	require.NoError(t, err)
	node, err := tx.View().CreateNode(ctx, []string{"Person"}, map[string]any{"name": "Alice"})
	require.NoError(t, err)

	// Uncommitted writes stay private.
	_, err = eng.GetNode(ctx, node.ID)
	require.ErrorIs(t, err, graph.ErrNotFound)

	require.NoError(t, tx.Commit(ctx))
	assert.Equal(t, StateCommitted, tx.State())

	got, err := eng.GetNode(ctx, node.ID)
	require.NoError(t, err)
	assert.Equal(t, "Alice", got.Properties["name"])
}

func TestRollbackDiscardsWrites(t *testing.T) {
	mgr, eng, _ := newManager(t)
	ctx := context.Background()

	tx, err := mgr.Begin(ctx, ReadCommitted)
	require.NoError(t, err)
	node, err := tx.View().CreateNode(ctx, nil, map[string]any{"name": "ghost"})
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())

	_, err = eng.GetNode(ctx, node.ID)
	require.ErrorIs(t, err, graph.ErrNotFound)

	// A finished transaction rejects further commits.
	require.ErrorIs(t, tx.Commit(ctx), ErrTxClosed)
}

func TestEmptyCommitSkipsWAL(t *testing.T) {
	mgr, _, _ := newManager(t)
	ctx := context.Background()

	tx, err := mgr.Begin(ctx, Serializable)
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))
	assert.Equal(t, int64(0), mgr.Stats().WALBytes)
}

func TestReadCommittedSeesLaterCommits(t *testing.T) {
	mgr, _, _ := newManager(t)
	ctx := context.Background()

	reader, err := mgr.Begin(ctx, ReadCommitted)
	require.NoError(t, err)

	id := createPerson(t, mgr, "Alice")

	// A ReadCommitted view resolves at the latest sequence per call, so
	// the commit that happened after Begin is visible.
	got, err := reader.View().GetNode(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Alice", got.Properties["name"])
	require.NoError(t, reader.Rollback())
}

func TestRepeatableReadPinsSnapshot(t *testing.T) {
	mgr, _, _ := newManager(t)
	ctx := context.Background()
	id := createPerson(t, mgr, "Alice")

	reader, err := mgr.Begin(ctx, RepeatableRead)
	require.NoError(t, err)
	before, err := reader.View().GetNode(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Alice", before.Properties["name"])

	// Another transaction renames Alice after the snapshot.
	require.NoError(t, mgr.Run(ctx, ReadCommitted, func(tx *Transaction) error {
		return tx.View().SetNodeProperty(ctx, id, "name", "Alicia")
	}))

	// The pinned snapshot still reads the old version.
	after, err := reader.View().GetNode(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Alice", after.Properties["name"])
	require.NoError(t, reader.Rollback())
}

func TestRepeatableReadConflict(t *testing.T) {
	mgr, _, _ := newManager(t)
	ctx := context.Background()
	id := createPerson(t, mgr, "Alice")

	tx, err := mgr.Begin(ctx, RepeatableRead)
	require.NoError(t, err)
	_, err = tx.View().GetNode(ctx, id)
	require.NoError(t, err)

	// A concurrent writer bumps the node's version between our read
	// and our commit.
	require.NoError(t, mgr.Run(ctx, ReadCommitted, func(other *Transaction) error {
		return other.View().SetNodeProperty(ctx, id, "age", int64(40))
	}))

	// Our write based on the stale read must not commit.
	require.NoError(t, tx.View().SetNodeProperty(ctx, id, "name", "Alicia"))
	err = tx.Commit(ctx)
	var conflict *Conflict
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, StateAborted, tx.State())
	assert.Equal(t, int64(1), mgr.Stats().Conflicts)
}

func TestSerializableWriteOverlapConflict(t *testing.T) {
	mgr, _, _ := newManager(t)
	ctx := context.Background()
	a := createPerson(t, mgr, "A")
	b := createPerson(t, mgr, "B")

	// Two transactions write disjoint reads but overlapping writes:
	// both blind-write node a.
	tx1, err := mgr.Begin(ctx, Serializable)
	require.NoError(t, err)
	tx2, err := mgr.Begin(ctx, Serializable)
	require.NoError(t, err)

	require.NoError(t, tx1.View().SetNodeProperty(ctx, a, "x", int64(1)))
	require.NoError(t, tx2.View().SetNodeProperty(ctx, a, "x", int64(2)))
	require.NoError(t, tx2.View().SetNodeProperty(ctx, b, "x", int64(2)))

	require.NoError(t, tx1.Commit(ctx))
	err = tx2.Commit(ctx)
	var conflict *Conflict
	require.ErrorAs(t, err, &conflict)
	assert.Contains(t, conflict.Reason, "changed")
}

func TestSerializableSnapshotOutrunsCommitWindow(t *testing.T) {
	ctx := context.Background()
	eng := graph.NewEngine(storage.NewMemoryBlockstore())
	mgr, err := NewManager(ctx, eng, nil, ManagerOpts{RecentCommitWindow: 1})
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Close() })

	// A bare creation carries no reads, so nothing in the read set can
	// catch commits that landed after this snapshot.
	tx, err := mgr.Begin(ctx, Serializable)
	require.NoError(t, err)
	_, err = tx.View().CreateNode(ctx, []string{"Person"}, map[string]any{"name": "early"})
	require.NoError(t, err)

	// Two commits land meanwhile; a window of one forgets the first.
	createPerson(t, mgr, "B")
	createPerson(t, mgr, "C")

	err = tx.Commit(ctx)
	var conflict *Conflict
	require.ErrorAs(t, err, &conflict)
	assert.Contains(t, conflict.Reason, "window")
	assert.Equal(t, StateAborted, tx.State())
}

func TestRunRetriesConflicts(t *testing.T) {
	mgr, eng, _ := newManager(t)
	ctx := context.Background()
	id := createPerson(t, mgr, "Counter")

	attempts := 0
	err := mgr.Run(ctx, RepeatableRead, func(tx *Transaction) error {
		attempts++
		node, err := tx.View().GetNode(ctx, id)
		if err != nil {
			return err
		}
		if attempts == 1 {
			// Invalidate our own read before the first commit attempt.
			if err := mgr.Run(ctx, ReadCommitted, func(other *Transaction) error {
				return other.View().SetNodeProperty(ctx, id, "bump", true)
			}); err != nil {
				return err
			}
		}
		n, _ := node.Properties["n"].(int64)
		return tx.View().SetNodeProperty(ctx, id, "n", n+1)
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)

	got, err := eng.GetNode(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Properties["n"])
}

func TestWALRecoveryRestoresCommits(t *testing.T) {
	walPath := filepath.Join(t.TempDir(), "askr.wal")
	ctx := context.Background()

	eng := graph.NewEngine(storage.NewMemoryBlockstore())
	wal, err := OpenWAL(walPath)
	require.NoError(t, err)
	mgr, err := NewManager(ctx, eng, wal, ManagerOpts{})
	require.NoError(t, err)

	var alice, bob graph.NodeID
	require.NoError(t, mgr.Run(ctx, ReadCommitted, func(tx *Transaction) error {
		a, err := tx.View().CreateNode(ctx, []string{"Person"}, map[string]any{"name": "Alice"})
		if err != nil {
			return err
		}
		b, err := tx.View().CreateNode(ctx, []string{"Person"}, map[string]any{"name": "Bob"})
		if err != nil {
			return err
		}
		_, err = tx.View().CreateRelationship(ctx, a.ID, b.ID, "KNOWS", nil)
		alice, bob = a.ID, b.ID
		return err
	}))
	require.NoError(t, mgr.Close())

	// Simulate the crash: a fresh engine with an empty blockstore,
	// rebuilt purely from the log.
	eng2 := graph.NewEngine(storage.NewMemoryBlockstore())
	wal2, err := OpenWAL(walPath)
	require.NoError(t, err)
	mgr2, err := NewManager(ctx, eng2, wal2, ManagerOpts{})
	require.NoError(t, err)
	defer mgr2.Close()

	got, err := eng2.GetNode(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, "Alice", got.Properties["name"])
	trav, err := eng2.Expand(ctx, alice, graph.Outgoing, "")
	require.NoError(t, err)
	require.Len(t, trav, 1)
	assert.Equal(t, bob, trav[0].Neighbor.ID)

	// New commits continue after the replayed sequence.
	id := createPersonWith(t, mgr2, "Carol")
	_, err = eng2.GetNode(ctx, id)
	require.NoError(t, err)
}

func createPersonWith(t *testing.T, mgr *Manager, name string) graph.NodeID {
	t.Helper()
	ctx := context.Background()
	var id graph.NodeID
	require.NoError(t, mgr.Run(ctx, ReadCommitted, func(tx *Transaction) error {
		node, err := tx.View().CreateNode(ctx, []string{"Person"}, map[string]any{"name": name})
		id = node.ID
		return err
	}))
	return id
}

func TestWALReplayIsIdempotent(t *testing.T) {
	mgr, eng, walPath := newManager(t)
	ctx := context.Background()
	id := createPerson(t, mgr, "Alice")
	require.NoError(t, mgr.Run(ctx, ReadCommitted, func(tx *Transaction) error {
		return tx.View().SetNodeProperty(ctx, id, "age", int64(30))
	}))

	// Replaying the log into the live engine must change nothing:
	// every (id, version) pair is already present.
	wal2, err := OpenWAL(walPath)
	require.NoError(t, err)
	defer wal2.Close()
	n, err := Recover(ctx, eng, wal2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := eng.GetNode(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(30), got.Properties["age"])
	ver, ok := eng.NodeVersion(id)
	require.True(t, ok)
	assert.Equal(t, uint64(2), ver)
}

func TestWALTruncatesTornTail(t *testing.T) {
	mgr, _, walPath := newManager(t)
	createPerson(t, mgr, "Alice")
	require.NoError(t, mgr.Close())

	// Append garbage that looks like the start of a record.
	f, err := os.OpenFile(walPath, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	var torn [16]byte
	binary.LittleEndian.PutUint32(torn[0:], walMagic)
	torn[4] = walFormatVersion
	binary.LittleEndian.PutUint32(torn[5:], 4096) // length with no body behind it
	_, err = f.Write(torn[:])
	require.NoError(t, err)
	require.NoError(t, f.Close())

	wal, err := OpenWAL(walPath)
	require.NoError(t, err)
	defer wal.Close()
	count := 0
	require.NoError(t, wal.Replay(func(*CommitRecord) error {
		count++
		return nil
	}))
	assert.Equal(t, 1, count)

	// The torn bytes are gone; a fresh replay sees a clean log.
	info, err := os.Stat(walPath)
	require.NoError(t, err)
	assert.Equal(t, info.Size(), wal.Size())
	count2 := 0
	require.NoError(t, wal.Replay(func(*CommitRecord) error {
		count2++
		return nil
	}))
	assert.Equal(t, 1, count2)
}

func TestWALRecordRoundTrip(t *testing.T) {
	walPath := filepath.Join(t.TempDir(), "w.wal")
	wal, err := OpenWAL(walPath)
	require.NoError(t, err)
	defer wal.Close()

	rec := &CommitRecord{
		Seq:  7,
		TxID: 3,
		Ops: []WALOp{
			{Kind: WALPutNode, Version: 1, Node: &graph.Node{ID: "n-1", Labels: []string{"X"}, Properties: map[string]any{"k": "v"}}},
			{Kind: WALDeleteRel, Version: 2, RelID: "r-9"},
		},
	}
	require.NoError(t, wal.Append(rec))

	var got *CommitRecord
	require.NoError(t, wal.Replay(func(r *CommitRecord) error {
		got = r
		return nil
	}))
	require.NotNil(t, got)
	assert.Equal(t, uint64(7), got.Seq)
	require.Len(t, got.Ops, 2)
	assert.Equal(t, WALPutNode, got.Ops[0].Kind)
	assert.Equal(t, graph.NodeID("n-1"), got.Ops[0].Node.ID)
	assert.Equal(t, graph.RelID("r-9"), got.Ops[1].RelID)
	// Records are 8-byte aligned.
	assert.Zero(t, wal.Size()%8)
}
