// Package txn provides transactions over the graph engine: buffered
// write-sets, snapshot reads, commit-time validation per isolation
// level, and a write-ahead log that makes committed transactions
// durable before they touch the engine.
package txn

import (
	"context"
	"errors"
	"fmt"

	"github.com/askrdb/askr/pkg/graph"
)

// IsolationLevel selects how much a transaction is allowed to observe
// of concurrent activity.
//
// Writes are always buffered privately until commit, so uncommitted
// data from other transactions is never observable; ReadUncommitted
// therefore behaves identically to ReadCommitted and exists for
// protocol compatibility.
type IsolationLevel uint8

const (
	ReadUncommitted IsolationLevel = iota
	ReadCommitted
	RepeatableRead
	Serializable
)

func (l IsolationLevel) String() string {
	switch l {
	case ReadUncommitted:
		return "read_uncommitted"
	case ReadCommitted:
		return "read_committed"
	case RepeatableRead:
		return "repeatable_read"
	case Serializable:
		return "serializable"
	}
	return fmt.Sprintf("isolation(%d)", uint8(l))
}

// ParseIsolationLevel parses the textual form used in configuration.
func ParseIsolationLevel(s string) (IsolationLevel, error) {
	switch s {
	case "read_uncommitted":
		return ReadUncommitted, nil
	case "read_committed", "":
		return ReadCommitted, nil
	case "repeatable_read":
		return RepeatableRead, nil
	case "serializable":
		return Serializable, nil
	}
	return ReadCommitted, fmt.Errorf("unknown isolation level %q", s)
}

// State tracks a transaction through its lifecycle.
type State uint8

const (
	StateActive State = iota
	StateCommitting
	StateCommitted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateCommitting:
		return "committing"
	case StateCommitted:
		return "committed"
	case StateAborted:
		return "aborted"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// ErrTxClosed is returned when using a transaction after Commit or
// Rollback.
var ErrTxClosed = errors.New("txn: transaction is closed")

// Conflict is returned when commit-time validation fails. The
// transaction has been rolled back; the caller may retry from scratch.
type Conflict struct {
	TxID   uint64
	Reason string
}

func (c *Conflict) Error() string {
	return fmt.Sprintf("txn: transaction %d conflicts: %s", c.TxID, c.Reason)
}

// Transaction is one unit of work. It is not safe for concurrent use;
// each transaction belongs to one goroutine.
type Transaction struct {
	id       uint64
	level    IsolationLevel
	state    State
	beginSeq uint64
	view     *graph.View
	mgr      *Manager
}

// ID returns the transaction's id, unique within this manager.
func (t *Transaction) ID() uint64 { return t.id }

// Level returns the isolation level the transaction runs at.
func (t *Transaction) Level() IsolationLevel { return t.level }

// State returns the current lifecycle state.
func (t *Transaction) State() State { return t.state }

// View returns the graph view queries in this transaction run against.
func (t *Transaction) View() *graph.View { return t.view }

// Commit validates and durably applies the transaction's writes.
// On a Conflict the transaction is rolled back and all its buffered
// writes are discarded.
func (t *Transaction) Commit(ctx context.Context) error {
	if t.state != StateActive {
		return ErrTxClosed
	}
	return t.mgr.commit(ctx, t)
}

// Rollback discards the transaction's buffered writes. Rolling back a
// finished transaction is a no-op.
func (t *Transaction) Rollback() error {
	if t.state != StateActive {
		return nil
	}
	t.state = StateAborted
	t.mgr.finish(t)
	return nil
}
