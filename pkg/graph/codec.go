package graph

import (
	"encoding/json"
	"fmt"

	"github.com/askrdb/askr/pkg/storage"
)

// Canonical record encoding.
//
// Records are JSON with struct fields in declaration order and map keys
// sorted (encoding/json sorts map keys), so a given logical content always
// encodes to identical bytes and therefore the identical CID. Labels are
// normalized (sorted, deduped) before encoding for the same reason.
//
// The record carries the logical id but never the version: two versions
// of a node that happen to hold the same labels and properties dedup to
// one block. Versions live in the head table and the WAL.

type recordKind string

const (
	recordNode recordKind = "node"
	recordRel  recordKind = "rel"
)

type nodeRecord struct {
	Kind       recordKind     `json:"kind"`
	ID         NodeID         `json:"id"`
	Labels     []string       `json:"labels"`
	Properties map[string]any `json:"properties,omitempty"`
}

type relRecord struct {
	Kind       recordKind     `json:"kind"`
	ID         RelID          `json:"id"`
	Type       string         `json:"type"`
	Start      NodeID         `json:"start"`
	End        NodeID         `json:"end"`
	Properties map[string]any `json:"properties,omitempty"`
}

// EncodeNode renders a node to its canonical struct-codec payload.
func EncodeNode(n *Node) ([]byte, error) {
	if n == nil || n.ID == "" {
		return nil, ErrInvalidData
	}
	rec := nodeRecord{
		Kind:       recordNode,
		ID:         n.ID,
		Labels:     normalizeLabels(n.Labels),
		Properties: n.Properties,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("graph: encoding node %s: %w", n.ID, err)
	}
	return data, nil
}

// DecodeNode parses a canonical node payload.
func DecodeNode(data []byte) (*Node, error) {
	var rec nodeRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("graph: decoding node record: %w", err)
	}
	if rec.Kind != recordNode || rec.ID == "" {
		return nil, fmt.Errorf("graph: decoding node record: %w", ErrInvalidData)
	}
	return &Node{ID: rec.ID, Labels: rec.Labels, Properties: rec.Properties}, nil
}

// EncodeRelationship renders a relationship to its canonical payload.
func EncodeRelationship(r *Relationship) ([]byte, error) {
	if r == nil || r.ID == "" || r.Start == "" || r.End == "" {
		return nil, ErrInvalidData
	}
	rec := relRecord{
		Kind:       recordRel,
		ID:         r.ID,
		Type:       r.Type,
		Start:      r.Start,
		End:        r.End,
		Properties: r.Properties,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("graph: encoding relationship %s: %w", r.ID, err)
	}
	return data, nil
}

// DecodeRelationship parses a canonical relationship payload.
func DecodeRelationship(data []byte) (*Relationship, error) {
	var rec relRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("graph: decoding relationship record: %w", err)
	}
	if rec.Kind != recordRel || rec.ID == "" {
		return nil, fmt.Errorf("graph: decoding relationship record: %w", ErrInvalidData)
	}
	return &Relationship{
		ID:         rec.ID,
		Type:       rec.Type,
		Start:      rec.Start,
		End:        rec.End,
		Properties: rec.Properties,
	}, nil
}

// NodeCID computes the CID a node record would be stored under, without
// touching the blockstore.
func NodeCID(n *Node) (storage.CID, error) {
	data, err := EncodeNode(n)
	if err != nil {
		return storage.CID{}, err
	}
	return storage.Sum(storage.CodecStruct, data), nil
}
