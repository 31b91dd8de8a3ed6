// Package graph implements the Askr graph engine: node and relationship
// CRUD plus traversal over a content-addressed blockstore.
//
// Identity is split in two, and the two must never be conflated:
//
//   - Logical ids (NodeID, RelID) name a mutable graph entity across its
//     whole life. They are allocated once and never reused, even after
//     the entity is deleted (deletion writes a tombstone).
//   - Content ids (storage.CID) name one immutable record version. Every
//     mutation produces a new record block with a new CID under the same
//     logical id.
//
// The engine maintains a head table mapping each logical id to its
// version history (version, CID, commit sequence). Reads resolve a
// logical id at a commit sequence, which is what gives transactions their
// snapshots: a view pinned at sequence S sees exactly the versions that
// had committed by S.
package graph

import (
	"errors"
	"sort"

	"github.com/google/uuid"
)

// Common graph errors.
var (
	ErrNotFound      = errors.New("graph: not found")
	ErrDeleted       = errors.New("graph: entity deleted")
	ErrInvalidID     = errors.New("graph: invalid id")
	ErrInvalidData   = errors.New("graph: invalid data")
	ErrHasRelations  = errors.New("graph: node still has relationships")
	ErrDanglingEdge  = errors.New("graph: relationship endpoint not found")
	ErrEngineClosed  = errors.New("graph: engine closed")
	ErrViewForbidden = errors.New("graph: write on read-only view")
)

// NodeID is the logical identifier of a node. Stable across versions.
type NodeID string

// RelID is the logical identifier of a relationship. Stable across versions.
type RelID string

// NewNodeID allocates a fresh logical node id.
func NewNodeID() NodeID { return NodeID("n-" + uuid.NewString()) }

// NewRelID allocates a fresh logical relationship id.
func NewRelID() RelID { return RelID("r-" + uuid.NewString()) }

// Direction selects which relationships Expand follows.
type Direction uint8

const (
	// Outgoing follows relationships starting at the node.
	Outgoing Direction = iota
	// Incoming follows relationships ending at the node.
	Incoming
	// Both follows relationships in either direction.
	Both
)

// String returns the direction's name.
func (d Direction) String() string {
	switch d {
	case Outgoing:
		return "outgoing"
	case Incoming:
		return "incoming"
	case Both:
		return "both"
	default:
		return "direction(?)"
	}
}

// Node is a labeled property vertex.
//
// Labels are an unordered, unique set; the engine keeps them sorted so a
// node's canonical encoding is deterministic. Properties map string keys
// to scalars or arrays of scalars. Node values handed out by the engine
// are copies; mutating them does not touch storage.
type Node struct {
	ID         NodeID         `json:"id"`
	Labels     []string       `json:"labels"`
	Properties map[string]any `json:"properties"`
}

// HasLabel reports whether the node carries the given label.
func (n *Node) HasLabel(label string) bool {
	for _, l := range n.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// Relationship is a directed, typed edge between two nodes.
// Start and End are logical node ids, never content ids.
type Relationship struct {
	ID         RelID          `json:"id"`
	Type       string         `json:"type"`
	Start      NodeID         `json:"start"`
	End        NodeID         `json:"end"`
	Properties map[string]any `json:"properties"`
}

// Path is an alternating sequence of nodes and relationships.
// A zero-length path is a single node.
type Path struct {
	Nodes []*Node
	Rels  []*Relationship
}

// Length returns the number of relationships in the path.
func (p *Path) Length() int { return len(p.Rels) }

// Traversal is one expansion step: the relationship followed and the node
// on its far end.
type Traversal struct {
	Rel      *Relationship
	Neighbor *Node
}

// normalizeLabels sorts and dedups a label set in place, returning the
// canonical slice. Empty labels are dropped.
func normalizeLabels(labels []string) []string {
	seen := make(map[string]struct{}, len(labels))
	out := make([]string, 0, len(labels))
	for _, l := range labels {
		if l == "" {
			continue
		}
		if _, dup := seen[l]; dup {
			continue
		}
		seen[l] = struct{}{}
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

// copyNode deep-copies a node.
func copyNode(n *Node) *Node {
	if n == nil {
		return nil
	}
	out := &Node{
		ID:     n.ID,
		Labels: append([]string(nil), n.Labels...),
	}
	if n.Properties != nil {
		out.Properties = make(map[string]any, len(n.Properties))
		for k, v := range n.Properties {
			out.Properties[k] = copyValue(v)
		}
	}
	return out
}

// copyRel deep-copies a relationship.
func copyRel(r *Relationship) *Relationship {
	if r == nil {
		return nil
	}
	out := &Relationship{
		ID:    r.ID,
		Type:  r.Type,
		Start: r.Start,
		End:   r.End,
	}
	if r.Properties != nil {
		out.Properties = make(map[string]any, len(r.Properties))
		for k, v := range r.Properties {
			out.Properties[k] = copyValue(v)
		}
	}
	return out
}

// copyValue copies property values. Scalars are immutable; slices are the
// only mutable shape the codec admits.
func copyValue(v any) any {
	if list, ok := v.([]any); ok {
		out := make([]any, len(list))
		for i, item := range list {
			out[i] = copyValue(item)
		}
		return out
	}
	return v
}
