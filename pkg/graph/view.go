package graph

import (
	"context"
	"fmt"
)

// Graph is the capability surface the query executor runs against.
// Both Engine-backed views and test fakes implement it.
type Graph interface {
	GetNode(ctx context.Context, id NodeID) (*Node, error)
	GetRelationship(ctx context.Context, id RelID) (*Relationship, error)

	// NodesByLabel streams nodes carrying label, in storage-defined order.
	// An empty label streams every node.
	NodesByLabel(ctx context.Context, label string, fn func(*Node) error) error

	// NodeIDsByLabel snapshots candidate logical ids for a label scan
	// without touching the blockstore. The result may overapproximate:
	// callers resolve each id and re-check the label, so a retired id or
	// a stale index entry costs a lookup, never a wrong answer. An empty
	// label snapshots every candidate.
	NodeIDsByLabel(ctx context.Context, label string) ([]NodeID, error)

	// Expand streams (relationship, far node) pairs from a node.
	// An empty relType matches any type.
	Expand(ctx context.Context, id NodeID, dir Direction, relType string, fn func(*Relationship, *Node) error) error

	CreateNode(ctx context.Context, labels []string, props map[string]any) (*Node, error)
	CreateRelationship(ctx context.Context, start, end NodeID, relType string, props map[string]any) (*Relationship, error)
	SetNodeProperty(ctx context.Context, id NodeID, key string, value any) error
	SetRelProperty(ctx context.Context, id RelID, key string, value any) error
	SetNodeLabel(ctx context.Context, id NodeID, label string) error
	DeleteNode(ctx context.Context, id NodeID, detach bool) error
	DeleteRelationship(ctx context.Context, id RelID) error
}

// OpKind distinguishes buffered mutations in a view's write-set.
type OpKind uint8

const (
	// OpPutNode installs a new node version (create or update).
	OpPutNode OpKind = iota
	// OpDeleteNode tombstones a node.
	OpDeleteNode
	// OpPutRel installs a new relationship version.
	OpPutRel
	// OpDeleteRel tombstones a relationship.
	OpDeleteRel
)

// Op is one buffered mutation. For puts, the entity holds the complete
// record state as of the end of the transaction.
type Op struct {
	Kind   OpKind
	Node   *Node
	Rel    *Relationship
	NodeID NodeID
	RelID  RelID
	New    bool // entity was created in this transaction
}

// TargetID returns the logical id the op touches, as a plain string
// usable across node and relationship namespaces.
func (op Op) TargetID() string {
	switch op.Kind {
	case OpPutNode:
		return string(op.Node.ID)
	case OpDeleteNode:
		return string(op.NodeID)
	case OpPutRel:
		return string(op.Rel.ID)
	case OpDeleteRel:
		return string(op.RelID)
	}
	return ""
}

// View is a transaction-scoped window onto the engine.
//
// Reads see the committed state as of the view's snapshot sequence,
// overlaid with the transaction's own uncommitted writes
// (read-your-writes). Writes are buffered; nothing reaches the engine or
// the blockstore until the transaction manager applies the write-set at
// commit.
//
// A view is not safe for concurrent use; each transaction owns one.
type View struct {
	eng        *Engine
	seq        uint64
	trackReads bool
	readOnly   bool

	nodeReads map[NodeID]uint64
	relReads  map[RelID]uint64

	pendingNodes map[NodeID]*Node
	pendingRels  map[RelID]*Relationship
	deletedNodes map[NodeID]struct{}
	deletedRels  map[RelID]struct{}
	pendingOut   map[NodeID][]RelID
	pendingIn    map[NodeID][]RelID
	newEntities  map[string]struct{}

	ops []Op
}

// ViewOpts configure a transaction-scoped view.
type ViewOpts struct {
	// Seq pins reads to a commit sequence; LatestSeq reads the newest
	// committed state at each call.
	Seq uint64
	// TrackReads records (logical id, version) pairs for commit-time
	// validation.
	TrackReads bool
	// ReadOnly rejects all mutation calls.
	ReadOnly bool
}

// NewView creates a view over the engine.
func NewView(eng *Engine, opts ViewOpts) *View {
	return &View{
		eng:          eng,
		seq:          opts.Seq,
		trackReads:   opts.TrackReads,
		readOnly:     opts.ReadOnly,
		nodeReads:    make(map[NodeID]uint64),
		relReads:     make(map[RelID]uint64),
		pendingNodes: make(map[NodeID]*Node),
		pendingRels:  make(map[RelID]*Relationship),
		deletedNodes: make(map[NodeID]struct{}),
		deletedRels:  make(map[RelID]struct{}),
		pendingOut:   make(map[NodeID][]RelID),
		pendingIn:    make(map[NodeID][]RelID),
		newEntities:  make(map[string]struct{}),
	}
}

// Seq returns the snapshot sequence the view reads at.
func (v *View) Seq() uint64 { return v.seq }

func (v *View) recordNodeRead(id NodeID, version uint64) {
	if !v.trackReads {
		return
	}
	if _, own := v.newEntities[string(id)]; own {
		return // own writes cannot conflict
	}
	if _, seen := v.nodeReads[id]; !seen {
		v.nodeReads[id] = version
	}
}

func (v *View) recordRelRead(id RelID, version uint64) {
	if !v.trackReads {
		return
	}
	if _, own := v.newEntities[string(id)]; own {
		return
	}
	if _, seen := v.relReads[id]; !seen {
		v.relReads[id] = version
	}
}

// GetNode resolves a node, preferring this transaction's pending state.
func (v *View) GetNode(ctx context.Context, id NodeID) (*Node, error) {
	if _, gone := v.deletedNodes[id]; gone {
		return nil, ErrNotFound
	}
	if pending, ok := v.pendingNodes[id]; ok {
		return copyNode(pending), nil
	}
	node, version, err := v.eng.GetNodeAt(ctx, id, v.seq)
	if err != nil {
		return nil, err
	}
	v.recordNodeRead(id, version)
	return node, nil
}

// GetRelationship resolves a relationship, preferring pending state.
func (v *View) GetRelationship(ctx context.Context, id RelID) (*Relationship, error) {
	if _, gone := v.deletedRels[id]; gone {
		return nil, ErrNotFound
	}
	if pending, ok := v.pendingRels[id]; ok {
		return copyRel(pending), nil
	}
	rel, version, err := v.eng.GetRelationshipAt(ctx, id, v.seq)
	if err != nil {
		return nil, err
	}
	v.recordRelRead(id, version)
	return rel, nil
}

// NodeIDsByLabel snapshots candidate ids: the engine's label index plus
// this transaction's pending nodes. Resolution and the label re-check
// stay with the caller, so candidates the caller never pulls are never
// loaded.
func (v *View) NodeIDsByLabel(_ context.Context, label string) ([]NodeID, error) {
	ids := v.eng.nodeCandidates(label)
	indexed := make(map[NodeID]struct{}, len(ids))
	for _, id := range ids {
		indexed[id] = struct{}{}
	}
	for id, pending := range v.pendingNodes {
		if _, dup := indexed[id]; dup {
			continue
		}
		if label == "" || pending.HasLabel(label) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// NodesByLabel streams committed nodes visible at the snapshot, then the
// transaction's own pending nodes that carry the label.
func (v *View) NodesByLabel(ctx context.Context, label string, fn func(*Node) error) error {
	emitted := make(map[NodeID]struct{})
	err := v.eng.NodesByLabelAt(ctx, label, v.seq, func(node *Node, version uint64) error {
		if _, gone := v.deletedNodes[node.ID]; gone {
			return nil
		}
		if pending, ok := v.pendingNodes[node.ID]; ok {
			// Pending update shadows the committed version; emit it only
			// if it still carries the label.
			emitted[node.ID] = struct{}{}
			if label == "" || pending.HasLabel(label) {
				return fn(copyNode(pending))
			}
			return nil
		}
		v.recordNodeRead(node.ID, version)
		emitted[node.ID] = struct{}{}
		return fn(node)
	})
	if err != nil {
		return err
	}
	// Pending nodes the index pass missed: creations, and updates that
	// gained the label in this transaction.
	for id, pending := range v.pendingNodes {
		if _, done := emitted[id]; done {
			continue
		}
		if label == "" || pending.HasLabel(label) {
			if err := fn(copyNode(pending)); err != nil {
				return err
			}
		}
	}
	return nil
}

// Expand streams traversals from a node: committed relationships visible
// at the snapshot (with pending shadowing) followed by relationships
// created in this transaction.
func (v *View) Expand(ctx context.Context, id NodeID, dir Direction, relType string, fn func(*Relationship, *Node) error) error {
	if _, gone := v.deletedNodes[id]; gone {
		return nil
	}
	err := v.eng.ExpandAt(ctx, id, dir, relType, v.seq, func(rel *Relationship, relVersion uint64, neighbor *Node, nodeVersion uint64) error {
		if _, gone := v.deletedRels[rel.ID]; gone {
			return nil
		}
		if pending, ok := v.pendingRels[rel.ID]; ok {
			rel = copyRel(pending)
			if relType != "" && rel.Type != relType {
				return nil
			}
		} else {
			v.recordRelRead(rel.ID, relVersion)
		}
		far := rel.End
		if rel.Start != id {
			far = rel.Start
		}
		if _, gone := v.deletedNodes[far]; gone {
			return nil
		}
		if pendingNode, ok := v.pendingNodes[far]; ok {
			neighbor = copyNode(pendingNode)
		} else {
			v.recordNodeRead(neighbor.ID, nodeVersion)
		}
		return fn(rel, neighbor)
	})
	if err != nil {
		return err
	}

	var candidates []RelID
	if dir == Outgoing || dir == Both {
		candidates = append(candidates, v.pendingOut[id]...)
	}
	if dir == Incoming || dir == Both {
		for _, rid := range v.pendingIn[id] {
			rel := v.pendingRels[rid]
			if rel != nil && rel.Start == id && (dir == Both) {
				continue // self-loop already seen via pendingOut
			}
			candidates = append(candidates, rid)
		}
	}
	for _, rid := range candidates {
		if _, gone := v.deletedRels[rid]; gone {
			continue
		}
		rel, ok := v.pendingRels[rid]
		if !ok {
			continue
		}
		if relType != "" && rel.Type != relType {
			continue
		}
		far := rel.End
		if rel.Start != id {
			far = rel.Start
		}
		neighbor, err := v.GetNode(ctx, far)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return err
		}
		if err := fn(copyRel(rel), neighbor); err != nil {
			return err
		}
	}
	return nil
}

// CreateNode buffers a node creation and returns the pending node.
func (v *View) CreateNode(_ context.Context, labels []string, props map[string]any) (*Node, error) {
	if v.readOnly {
		return nil, ErrViewForbidden
	}
	node := &Node{
		ID:         NewNodeID(),
		Labels:     normalizeLabels(labels),
		Properties: props,
	}
	stored := copyNode(node)
	v.pendingNodes[node.ID] = stored
	v.newEntities[string(node.ID)] = struct{}{}
	v.ops = append(v.ops, Op{Kind: OpPutNode, Node: stored, New: true})
	return copyNode(stored), nil
}

// CreateRelationship buffers a relationship creation between two nodes
// that must be visible to this view.
func (v *View) CreateRelationship(ctx context.Context, start, end NodeID, relType string, props map[string]any) (*Relationship, error) {
	if v.readOnly {
		return nil, ErrViewForbidden
	}
	if relType == "" {
		return nil, fmt.Errorf("%w: relationship type required", ErrInvalidData)
	}
	if _, err := v.GetNode(ctx, start); err != nil {
		return nil, fmt.Errorf("%w: start %s", ErrDanglingEdge, start)
	}
	if _, err := v.GetNode(ctx, end); err != nil {
		return nil, fmt.Errorf("%w: end %s", ErrDanglingEdge, end)
	}
	rel := &Relationship{
		ID:         NewRelID(),
		Type:       relType,
		Start:      start,
		End:        end,
		Properties: props,
	}
	stored := copyRel(rel)
	v.pendingRels[rel.ID] = stored
	v.newEntities[string(rel.ID)] = struct{}{}
	v.pendingOut[start] = append(v.pendingOut[start], rel.ID)
	v.pendingIn[end] = append(v.pendingIn[end], rel.ID)
	v.ops = append(v.ops, Op{Kind: OpPutRel, Rel: stored, New: true})
	return copyRel(stored), nil
}

// SetNodeProperty buffers a property write. A nil value removes the key.
func (v *View) SetNodeProperty(ctx context.Context, id NodeID, key string, value any) error {
	if v.readOnly {
		return ErrViewForbidden
	}
	node, err := v.GetNode(ctx, id)
	if err != nil {
		return err
	}
	if node.Properties == nil {
		node.Properties = make(map[string]any)
	}
	if value == nil {
		delete(node.Properties, key)
	} else {
		node.Properties[key] = value
	}
	v.pendingNodes[id] = node
	v.ops = append(v.ops, Op{Kind: OpPutNode, Node: copyNode(node)})
	return nil
}

// SetRelProperty buffers a relationship property write.
func (v *View) SetRelProperty(ctx context.Context, id RelID, key string, value any) error {
	if v.readOnly {
		return ErrViewForbidden
	}
	rel, err := v.GetRelationship(ctx, id)
	if err != nil {
		return err
	}
	if rel.Properties == nil {
		rel.Properties = make(map[string]any)
	}
	if value == nil {
		delete(rel.Properties, key)
	} else {
		rel.Properties[key] = value
	}
	v.pendingRels[id] = rel
	v.ops = append(v.ops, Op{Kind: OpPutRel, Rel: copyRel(rel)})
	return nil
}

// SetNodeLabel buffers adding a label to a node.
func (v *View) SetNodeLabel(ctx context.Context, id NodeID, label string) error {
	if v.readOnly {
		return ErrViewForbidden
	}
	if label == "" {
		return ErrInvalidData
	}
	node, err := v.GetNode(ctx, id)
	if err != nil {
		return err
	}
	node.Labels = normalizeLabels(append(node.Labels, label))
	v.pendingNodes[id] = node
	v.ops = append(v.ops, Op{Kind: OpPutNode, Node: copyNode(node)})
	return nil
}

// DeleteNode buffers a node tombstone. Without detach, a node that still
// has visible relationships cannot be deleted; with detach, those
// relationships are tombstoned too.
func (v *View) DeleteNode(ctx context.Context, id NodeID, detach bool) error {
	if v.readOnly {
		return ErrViewForbidden
	}
	if _, err := v.GetNode(ctx, id); err != nil {
		return err
	}
	var attached []RelID
	err := v.Expand(ctx, id, Both, "", func(rel *Relationship, _ *Node) error {
		attached = append(attached, rel.ID)
		return nil
	})
	if err != nil {
		return err
	}
	if len(attached) > 0 && !detach {
		return fmt.Errorf("%w: node %s", ErrHasRelations, id)
	}
	for _, rid := range attached {
		if err := v.DeleteRelationship(ctx, rid); err != nil && err != ErrNotFound {
			return err
		}
	}
	delete(v.pendingNodes, id)
	v.deletedNodes[id] = struct{}{}
	v.ops = append(v.ops, Op{Kind: OpDeleteNode, NodeID: id})
	return nil
}

// DeleteRelationship buffers a relationship tombstone.
func (v *View) DeleteRelationship(ctx context.Context, id RelID) error {
	if v.readOnly {
		return ErrViewForbidden
	}
	if _, err := v.GetRelationship(ctx, id); err != nil {
		return err
	}
	delete(v.pendingRels, id)
	v.deletedRels[id] = struct{}{}
	v.ops = append(v.ops, Op{Kind: OpDeleteRel, RelID: id})
	return nil
}

// HasWrites reports whether the view buffered any mutations.
func (v *View) HasWrites() bool { return len(v.ops) > 0 }

// ReadSet returns the (logical id, version) pairs observed by tracked
// reads. Only meaningful when the view was created with TrackReads.
func (v *View) ReadSet() (map[NodeID]uint64, map[RelID]uint64) {
	nodes := make(map[NodeID]uint64, len(v.nodeReads))
	for id, ver := range v.nodeReads {
		nodes[id] = ver
	}
	rels := make(map[RelID]uint64, len(v.relReads))
	for id, ver := range v.relReads {
		rels[id] = ver
	}
	return nodes, rels
}

// WriteSet returns the buffered mutations coalesced per logical id:
// each id appears once, at its first write position, carrying its final
// state. A create followed by a delete in the same transaction cancels
// out to just the delete (the id is still burned).
func (v *View) WriteSet() []Op {
	latest := make(map[string]int, len(v.ops))
	for i, op := range v.ops {
		latest[op.TargetID()] = i
	}
	out := make([]Op, 0, len(latest))
	emitted := make(map[string]struct{}, len(latest))
	for i, op := range v.ops {
		id := op.TargetID()
		if _, done := emitted[id]; done {
			continue
		}
		if latest[id] != i {
			final := v.ops[latest[id]]
			final.New = final.New || op.New
			out = append(out, final)
		} else {
			out = append(out, op)
		}
		emitted[id] = struct{}{}
	}
	return out
}
