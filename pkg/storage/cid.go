// Package storage provides the content-addressed block layer for Askr.
//
// Unlike conventional page-based graph stores, Askr persists every node and
// relationship record as an immutable, hash-addressed block. A block is
// identified by its CID: a deterministic hash of (codec, payload). Identical
// content always yields the identical CID, which gives deduplication for
// free and makes blocks safe to cache forever.
//
// Two codecs are in use:
//   - CodecStruct: canonical JSON records (nodes, relationships)
//   - CodecRaw: opaque byte payloads
//
// Example:
//
//	bs := storage.NewMemoryBlockstore()
//	defer bs.Close()
//
//	cid, err := bs.Put(ctx, storage.CodecStruct, data)
//	if err != nil {
//		log.Fatal(err)
//	}
//	back, _ := bs.Get(ctx, cid)
package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Codec identifies how a block's payload is encoded.
type Codec uint8

const (
	// CodecStruct is the structured codec for node/relationship records.
	// Payloads are canonical JSON so identical logical content always
	// produces identical bytes.
	CodecStruct Codec = 0x01

	// CodecRaw is the raw codec for opaque blobs.
	CodecRaw Codec = 0x02
)

// String returns the codec's wire name.
func (c Codec) String() string {
	switch c {
	case CodecStruct:
		return "struct"
	case CodecRaw:
		return "raw"
	default:
		return fmt.Sprintf("codec(0x%02x)", uint8(c))
	}
}

// Valid reports whether the codec is one the graph engine understands.
func (c Codec) Valid() bool {
	return c == CodecStruct || c == CodecRaw
}

// CID is a content identifier: a deterministic digest of (codec, payload).
//
// CIDs are value types and safe to use as map keys. A CID says nothing
// about where a block lives, only what it contains; the same CID may be
// resolvable from a cache, a local Badger store, or not at all.
//
// CIDs must never be compared against logical ids. A logical id names a
// mutable graph entity across versions; a CID names one immutable byte
// payload.
type CID struct {
	codec  Codec
	digest [sha256.Size]byte
}

// Sum computes the CID for a payload under the given codec.
// The codec byte is folded into the hash so the same bytes stored under
// different codecs yield different CIDs.
func Sum(codec Codec, data []byte) CID {
	h := sha256.New()
	h.Write([]byte{byte(codec)})
	h.Write(data)
	var c CID
	c.codec = codec
	copy(c.digest[:], h.Sum(nil))
	return c
}

// Codec returns the codec the block was stored under.
func (c CID) Codec() Codec { return c.codec }

// Defined reports whether the CID is non-zero.
func (c CID) Defined() bool { return c.codec != 0 }

// String renders the CID as "<codec>-<hex digest>".
func (c CID) String() string {
	return c.codec.String() + "-" + hex.EncodeToString(c.digest[:])
}

// Bytes returns the binary form: codec byte followed by the digest.
// Used as the storage key in persistent backends.
func (c CID) Bytes() []byte {
	out := make([]byte, 1+sha256.Size)
	out[0] = byte(c.codec)
	copy(out[1:], c.digest[:])
	return out
}

// ParseCID parses the string form produced by String.
func ParseCID(s string) (CID, error) {
	i := strings.IndexByte(s, '-')
	if i < 0 {
		return CID{}, fmt.Errorf("%w: missing codec separator in %q", ErrInvalidCID, s)
	}
	var codec Codec
	switch s[:i] {
	case "struct":
		codec = CodecStruct
	case "raw":
		codec = CodecRaw
	default:
		return CID{}, fmt.Errorf("%w: unknown codec %q", ErrInvalidCID, s[:i])
	}
	raw, err := hex.DecodeString(s[i+1:])
	if err != nil {
		return CID{}, fmt.Errorf("%w: %v", ErrInvalidCID, err)
	}
	if len(raw) != sha256.Size {
		return CID{}, fmt.Errorf("%w: digest length %d", ErrInvalidCID, len(raw))
	}
	var c CID
	c.codec = codec
	copy(c.digest[:], raw)
	return c, nil
}

// CIDFromBytes parses the binary form produced by Bytes.
func CIDFromBytes(b []byte) (CID, error) {
	if len(b) != 1+sha256.Size {
		return CID{}, fmt.Errorf("%w: key length %d", ErrInvalidCID, len(b))
	}
	codec := Codec(b[0])
	if !codec.Valid() {
		return CID{}, fmt.Errorf("%w: codec byte 0x%02x", ErrInvalidCID, b[0])
	}
	var c CID
	c.codec = codec
	copy(c.digest[:], b[1:])
	return c, nil
}
