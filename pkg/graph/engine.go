package graph

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/askrdb/askr/pkg/storage"
)

// LatestSeq resolves reads against the newest committed state.
const LatestSeq = uint64(math.MaxUint64)

// headVersion is one entry in a logical id's version history.
type headVersion struct {
	Version   uint64      // monotonically increasing per logical id, starting at 1
	CID       storage.CID // undefined for tombstones
	CommitSeq uint64      // global commit sequence that introduced this version
	Deleted   bool        // tombstone: the logical id is retired, never reused
}

// Engine is the committed graph state: a head table over an immutable,
// content-addressed blockstore.
//
// The engine itself never decides what to write. Mutations arrive as
// already-versioned apply calls from the transaction manager (at commit)
// or from WAL recovery, both of which are idempotent: re-applying a
// (logical id, version) pair that is already present is a no-op.
//
// Label and adjacency indexes are additive. A node stays in a label's
// index for its whole life; reads re-check the resolved record, so stale
// index entries cost a lookup but never a wrong answer. This keeps
// snapshot reads correct without versioning the indexes themselves.
type Engine struct {
	mu     sync.RWMutex
	blocks storage.Blockstore

	nodeHeads map[NodeID][]headVersion
	relHeads  map[RelID][]headVersion

	byLabel map[string]map[NodeID]struct{}
	out     map[NodeID]map[RelID]struct{}
	in      map[NodeID]map[RelID]struct{}

	commitSeq uint64
	closed    bool
}

// NewEngine creates an empty engine over the given blockstore.
func NewEngine(blocks storage.Blockstore) *Engine {
	return &Engine{
		blocks:    blocks,
		nodeHeads: make(map[NodeID][]headVersion),
		relHeads:  make(map[RelID][]headVersion),
		byLabel:   make(map[string]map[NodeID]struct{}),
		out:       make(map[NodeID]map[RelID]struct{}),
		in:        make(map[NodeID]map[RelID]struct{}),
	}
}

// Blocks returns the underlying blockstore.
func (e *Engine) Blocks() storage.Blockstore { return e.blocks }

// CurrentSeq returns the newest committed sequence number.
func (e *Engine) CurrentSeq() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.commitSeq
}

// NextCommitSeq advances and returns the global commit sequence.
// Called by the transaction manager inside its commit critical section.
func (e *Engine) NextCommitSeq() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.commitSeq++
	return e.commitSeq
}

// ObserveSeq raises the commit sequence to at least seq.
// Used by WAL recovery so fresh commits continue after replayed ones.
func (e *Engine) ObserveSeq(seq uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if seq > e.commitSeq {
		e.commitSeq = seq
	}
}

// resolveAt returns the newest head entry visible at seq, or nil.
func resolveAt(history []headVersion, seq uint64) *headVersion {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].CommitSeq <= seq {
			return &history[i]
		}
	}
	return nil
}

// GetNodeAt resolves a node at a commit sequence. Returns the node and
// the version observed, which callers tracking a read-set record.
func (e *Engine) GetNodeAt(ctx context.Context, id NodeID, seq uint64) (*Node, uint64, error) {
	if id == "" {
		return nil, 0, ErrInvalidID
	}
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return nil, 0, ErrEngineClosed
	}
	head := resolveAt(e.nodeHeads[id], seq)
	e.mu.RUnlock()

	if head == nil || head.Deleted {
		return nil, 0, ErrNotFound
	}
	data, err := e.blocks.Get(ctx, head.CID)
	if err != nil {
		return nil, 0, fmt.Errorf("graph: loading node %s: %w", id, err)
	}
	node, err := DecodeNode(data)
	if err != nil {
		return nil, 0, err
	}
	return node, head.Version, nil
}

// GetNode resolves a node against the newest committed state.
func (e *Engine) GetNode(ctx context.Context, id NodeID) (*Node, error) {
	node, _, err := e.GetNodeAt(ctx, id, LatestSeq)
	return node, err
}

// GetRelationshipAt resolves a relationship at a commit sequence.
func (e *Engine) GetRelationshipAt(ctx context.Context, id RelID, seq uint64) (*Relationship, uint64, error) {
	if id == "" {
		return nil, 0, ErrInvalidID
	}
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return nil, 0, ErrEngineClosed
	}
	head := resolveAt(e.relHeads[id], seq)
	e.mu.RUnlock()

	if head == nil || head.Deleted {
		return nil, 0, ErrNotFound
	}
	data, err := e.blocks.Get(ctx, head.CID)
	if err != nil {
		return nil, 0, fmt.Errorf("graph: loading relationship %s: %w", id, err)
	}
	rel, err := DecodeRelationship(data)
	if err != nil {
		return nil, 0, err
	}
	return rel, head.Version, nil
}

// GetRelationship resolves a relationship against the newest committed state.
func (e *Engine) GetRelationship(ctx context.Context, id RelID) (*Relationship, error) {
	rel, _, err := e.GetRelationshipAt(ctx, id, LatestSeq)
	return rel, err
}

// NodeVersion returns the newest version recorded for a logical node id,
// including tombstones. Used for commit-time read-set validation.
func (e *Engine) NodeVersion(id NodeID) (uint64, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	history := e.nodeHeads[id]
	if len(history) == 0 {
		return 0, false
	}
	return history[len(history)-1].Version, true
}

// RelVersion returns the newest version recorded for a logical
// relationship id, including tombstones.
func (e *Engine) RelVersion(id RelID) (uint64, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	history := e.relHeads[id]
	if len(history) == 0 {
		return 0, false
	}
	return history[len(history)-1].Version, true
}

// nodeCandidates snapshots the ids currently indexed under a label.
func (e *Engine) nodeCandidates(label string) []NodeID {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var ids []NodeID
	if label == "" {
		ids = make([]NodeID, 0, len(e.nodeHeads))
		for id := range e.nodeHeads {
			ids = append(ids, id)
		}
		return ids
	}
	ids = make([]NodeID, 0, len(e.byLabel[label]))
	for id := range e.byLabel[label] {
		ids = append(ids, id)
	}
	return ids
}

// NodesByLabelAt enumerates nodes carrying a label, visible at seq.
// Order is storage-defined and not stable across versions.
func (e *Engine) NodesByLabelAt(ctx context.Context, label string, seq uint64, fn func(node *Node, version uint64) error) error {
	for _, id := range e.nodeCandidates(label) {
		node, version, err := e.GetNodeAt(ctx, id, seq)
		if err == ErrNotFound || err == nil && label != "" && !node.HasLabel(label) {
			continue
		}
		if err != nil {
			return err
		}
		if err := fn(node, version); err != nil {
			return err
		}
	}
	return nil
}

// NodesByLabel collects nodes carrying a label at the newest state.
func (e *Engine) NodesByLabel(ctx context.Context, label string) ([]*Node, error) {
	var nodes []*Node
	err := e.NodesByLabelAt(ctx, label, LatestSeq, func(n *Node, _ uint64) error {
		nodes = append(nodes, n)
		return nil
	})
	return nodes, err
}

// AllNodes collects every live node at the newest state.
func (e *Engine) AllNodes(ctx context.Context) ([]*Node, error) {
	return e.NodesByLabel(ctx, "")
}

// relCandidates snapshots the relationship ids adjacent to a node.
func (e *Engine) relCandidates(id NodeID, dir Direction) []RelID {
	e.mu.RLock()
	defer e.mu.RUnlock()
	seen := make(map[RelID]struct{})
	var ids []RelID
	if dir == Outgoing || dir == Both {
		for rid := range e.out[id] {
			seen[rid] = struct{}{}
			ids = append(ids, rid)
		}
	}
	if dir == Incoming || dir == Both {
		for rid := range e.in[id] {
			if _, dup := seen[rid]; dup {
				continue
			}
			ids = append(ids, rid)
		}
	}
	return ids
}

// ExpandAt enumerates relationships of the given direction and type from
// a node, visible at seq. An empty relType matches any type. The callback
// receives the relationship, the far-end node, and their observed
// versions. Nodes with no matching relationships yield zero calls.
func (e *Engine) ExpandAt(ctx context.Context, id NodeID, dir Direction, relType string, seq uint64, fn func(rel *Relationship, relVersion uint64, neighbor *Node, nodeVersion uint64) error) error {
	for _, rid := range e.relCandidates(id, dir) {
		rel, relVersion, err := e.GetRelationshipAt(ctx, rid, seq)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return err
		}
		if relType != "" && rel.Type != relType {
			continue
		}
		far := rel.End
		if rel.Start != id {
			far = rel.Start
		}
		neighbor, nodeVersion, err := e.GetNodeAt(ctx, far, seq)
		if err == ErrNotFound {
			continue // endpoint tombstoned after the relationship
		}
		if err != nil {
			return err
		}
		if err := fn(rel, relVersion, neighbor, nodeVersion); err != nil {
			return err
		}
	}
	return nil
}

// Expand collects traversals from a node at the newest state.
func (e *Engine) Expand(ctx context.Context, id NodeID, dir Direction, relType string) ([]Traversal, error) {
	var out []Traversal
	err := e.ExpandAt(ctx, id, dir, relType, LatestSeq, func(rel *Relationship, _ uint64, neighbor *Node, _ uint64) error {
		out = append(out, Traversal{Rel: rel, Neighbor: neighbor})
		return nil
	})
	return out, err
}

// OutDegree counts live outgoing relationships at the newest state.
func (e *Engine) OutDegree(ctx context.Context, id NodeID) (int, error) {
	trs, err := e.Expand(ctx, id, Outgoing, "")
	return len(trs), err
}

// InDegree counts live incoming relationships at the newest state.
func (e *Engine) InDegree(ctx context.Context, id NodeID) (int, error) {
	trs, err := e.Expand(ctx, id, Incoming, "")
	return len(trs), err
}

// NodeCount counts live nodes at the newest state.
func (e *Engine) NodeCount(ctx context.Context) (int64, error) {
	var count int64
	err := e.NodesByLabelAt(ctx, "", LatestSeq, func(*Node, uint64) error {
		count++
		return nil
	})
	return count, err
}

// RelCount counts live relationships at the newest state.
func (e *Engine) RelCount(ctx context.Context) (int64, error) {
	e.mu.RLock()
	ids := make([]RelID, 0, len(e.relHeads))
	for id := range e.relHeads {
		ids = append(ids, id)
	}
	e.mu.RUnlock()

	var count int64
	for _, id := range ids {
		if _, _, err := e.GetRelationshipAt(ctx, id, LatestSeq); err == nil {
			count++
		} else if err != ErrNotFound {
			return 0, err
		}
	}
	return count, nil
}

// hasVersion reports whether a history already contains a version.
func hasVersion(history []headVersion, version uint64) bool {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Version == version {
			return true
		}
		if history[i].Version < version {
			break
		}
	}
	return false
}

// ApplyNodeVersion writes a node record block and installs it as the
// given version. Idempotent on (id, version): re-applying is a no-op.
func (e *Engine) ApplyNodeVersion(ctx context.Context, node *Node, version, commitSeq uint64) error {
	data, err := EncodeNode(node)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	if hasVersion(e.nodeHeads[node.ID], version) {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	cid, err := e.blocks.Put(ctx, storage.CodecStruct, data)
	if err != nil {
		return fmt.Errorf("graph: storing node %s: %w", node.ID, err)
	}
	if err := e.blocks.Pin(ctx, cid); err != nil {
		return fmt.Errorf("graph: pinning node %s: %w", node.ID, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if hasVersion(e.nodeHeads[node.ID], version) {
		return nil
	}
	e.nodeHeads[node.ID] = append(e.nodeHeads[node.ID], headVersion{
		Version:   version,
		CID:       cid,
		CommitSeq: commitSeq,
	})
	for _, label := range normalizeLabels(node.Labels) {
		if e.byLabel[label] == nil {
			e.byLabel[label] = make(map[NodeID]struct{})
		}
		e.byLabel[label][node.ID] = struct{}{}
	}
	return nil
}

// ApplyNodeTombstone retires a logical node id at the given version.
// The id is never reused; the tombstone stays for the storage generation.
func (e *Engine) ApplyNodeTombstone(_ context.Context, id NodeID, version, commitSeq uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEngineClosed
	}
	if hasVersion(e.nodeHeads[id], version) {
		return nil
	}
	e.nodeHeads[id] = append(e.nodeHeads[id], headVersion{
		Version:   version,
		CommitSeq: commitSeq,
		Deleted:   true,
	})
	return nil
}

// ApplyRelVersion writes a relationship record block and installs it as
// the given version. Idempotent on (id, version).
func (e *Engine) ApplyRelVersion(ctx context.Context, rel *Relationship, version, commitSeq uint64) error {
	data, err := EncodeRelationship(rel)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	if hasVersion(e.relHeads[rel.ID], version) {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	cid, err := e.blocks.Put(ctx, storage.CodecStruct, data)
	if err != nil {
		return fmt.Errorf("graph: storing relationship %s: %w", rel.ID, err)
	}
	if err := e.blocks.Pin(ctx, cid); err != nil {
		return fmt.Errorf("graph: pinning relationship %s: %w", rel.ID, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if hasVersion(e.relHeads[rel.ID], version) {
		return nil
	}
	e.relHeads[rel.ID] = append(e.relHeads[rel.ID], headVersion{
		Version:   version,
		CID:       cid,
		CommitSeq: commitSeq,
	})
	if e.out[rel.Start] == nil {
		e.out[rel.Start] = make(map[RelID]struct{})
	}
	e.out[rel.Start][rel.ID] = struct{}{}
	if e.in[rel.End] == nil {
		e.in[rel.End] = make(map[RelID]struct{})
	}
	e.in[rel.End][rel.ID] = struct{}{}
	return nil
}

// ApplyRelTombstone retires a logical relationship id at the given version.
func (e *Engine) ApplyRelTombstone(_ context.Context, id RelID, version, commitSeq uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEngineClosed
	}
	if hasVersion(e.relHeads[id], version) {
		return nil
	}
	e.relHeads[id] = append(e.relHeads[id], headVersion{
		Version:   version,
		CommitSeq: commitSeq,
		Deleted:   true,
	})
	return nil
}

// Close marks the engine closed. The blockstore is not closed; the caller
// owns it.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}
