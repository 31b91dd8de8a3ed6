package txn

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"log"
	"os"
	"sync"

	"github.com/askrdb/askr/pkg/graph"
)

const (
	// walMagic identifies the start of a WAL record.
	walMagic uint32 = 0x4C415741 // "AWAL" little-endian

	// walFormatVersion guards against reading a future format.
	walFormatVersion uint8 = 1

	// walTrailer is written after every record so an incomplete write
	// is detectable even when the length field itself survived.
	walTrailer uint64 = 0xDEADBEEFFEEDFACE

	// walMaxPayload caps a single record. A length above this is
	// corruption, not a real record.
	walMaxPayload = 64 << 20
)

// alignUp rounds n to the next 8-byte boundary. Records are aligned so
// a torn write never leaves a header split across a sector boundary in
// a way that parses as a smaller valid record.
func alignUp(n int64) int64 { return (n + 7) &^ 7 }

// WALOpKind tags one operation inside a commit record.
type WALOpKind string

const (
	WALPutNode    WALOpKind = "put_node"
	WALDeleteNode WALOpKind = "delete_node"
	WALPutRel     WALOpKind = "put_rel"
	WALDeleteRel  WALOpKind = "delete_rel"
)

// WALOp is one durable operation. Puts carry the full entity state and
// the version the commit assigned; deletes carry the id and the
// tombstone version.
type WALOp struct {
	Kind    WALOpKind           `json:"kind"`
	Version uint64              `json:"version"`
	Node    *graph.Node         `json:"node,omitempty"`
	Rel     *graph.Relationship `json:"rel,omitempty"`
	NodeID  graph.NodeID        `json:"nodeId,omitempty"`
	RelID   graph.RelID         `json:"relId,omitempty"`
}

// CommitRecord is the unit of WAL appends: one committed transaction.
// Records appear in commit-sequence order and replay is idempotent, so
// a crash between the WAL fsync and the engine apply is repaired by
// replaying the tail.
type CommitRecord struct {
	Seq  uint64  `json:"seq"`
	TxID uint64  `json:"txId"`
	Ops  []WALOp `json:"ops"`
}

// WAL is an append-only write-ahead log of commit records.
//
// Record format:
//
//	[magic:4][version:1][length:4][payload:N][crc:4][trailer:8][padding:0-7]
//
// Each record is 8-byte aligned. Append fsyncs before returning;
// a commit is durable the moment Append returns nil.
type WAL struct {
	mu   sync.Mutex
	path string
	f    *os.File
	size int64
}

// OpenWAL opens or creates the log at path.
func OpenWAL(path string) (*WAL, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("txn: open wal: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("txn: stat wal: %w", err)
	}
	return &WAL{path: path, f: f, size: info.Size()}, nil
}

// Append durably writes one commit record.
func (w *WAL) Append(rec *CommitRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("txn: encode wal record: %w", err)
	}

	rawLen := int64(4 + 1 + 4 + len(payload) + 4 + 8)
	alignedLen := alignUp(rawLen)
	buf := make([]byte, alignedLen)
	off := 0
	binary.LittleEndian.PutUint32(buf[off:], walMagic)
	off += 4
	buf[off] = walFormatVersion
	off++
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(payload)))
	off += 4
	copy(buf[off:], payload)
	off += len(payload)
	binary.LittleEndian.PutUint32(buf[off:], crc32.ChecksumIEEE(payload))
	off += 4
	binary.LittleEndian.PutUint64(buf[off:], walTrailer)
	// padding stays zeroed

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return fmt.Errorf("txn: wal is closed")
	}
	if _, err := w.f.WriteAt(buf, w.size); err != nil {
		return fmt.Errorf("txn: append wal record: %w", err)
	}
	if err := w.f.Sync(); err != nil {
		return fmt.Errorf("txn: sync wal: %w", err)
	}
	w.size += alignedLen
	return nil
}

// Replay streams every intact record from the start of the log. A torn
// or corrupt tail is truncated away: everything after the last intact
// record is discarded, which matches what an interrupted Append left
// behind.
func (w *WAL) Replay(fn func(*CommitRecord) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return fmt.Errorf("txn: wal is closed")
	}

	var offset int64
	for offset < w.size {
		rec, recLen, err := w.readRecordAt(offset)
		if err != nil {
			log.Printf("[wal] truncating torn tail at offset %d: %v", offset, err)
			if terr := w.f.Truncate(offset); terr != nil {
				return fmt.Errorf("txn: truncate wal tail: %w", terr)
			}
			w.size = offset
			return nil
		}
		if err := fn(rec); err != nil {
			return err
		}
		offset += recLen
	}
	return nil
}

func (w *WAL) readRecordAt(offset int64) (*CommitRecord, int64, error) {
	var header [9]byte
	if _, err := io.ReadFull(io.NewSectionReader(w.f, offset, 9), header[:]); err != nil {
		return nil, 0, fmt.Errorf("short header: %w", err)
	}
	magic := binary.LittleEndian.Uint32(header[0:])
	if magic != walMagic {
		return nil, 0, fmt.Errorf("bad magic 0x%08x", magic)
	}
	if header[4] != walFormatVersion {
		return nil, 0, fmt.Errorf("unsupported format version %d", header[4])
	}
	payloadLen := int64(binary.LittleEndian.Uint32(header[5:]))
	if payloadLen > walMaxPayload {
		return nil, 0, fmt.Errorf("implausible payload length %d", payloadLen)
	}
	rawLen := 9 + payloadLen + 4 + 8
	alignedLen := alignUp(rawLen)
	if offset+alignedLen > w.size {
		return nil, 0, fmt.Errorf("record extends past end of file")
	}

	body := make([]byte, payloadLen+4+8)
	if _, err := io.ReadFull(io.NewSectionReader(w.f, offset+9, int64(len(body))), body); err != nil {
		return nil, 0, fmt.Errorf("short body: %w", err)
	}
	payload := body[:payloadLen]
	crc := binary.LittleEndian.Uint32(body[payloadLen:])
	trailer := binary.LittleEndian.Uint64(body[payloadLen+4:])
	if trailer != walTrailer {
		return nil, 0, fmt.Errorf("missing trailer")
	}
	if crc32.ChecksumIEEE(payload) != crc {
		return nil, 0, fmt.Errorf("crc mismatch")
	}

	rec := &CommitRecord{}
	if err := json.Unmarshal(payload, rec); err != nil {
		return nil, 0, fmt.Errorf("decode payload: %w", err)
	}
	return rec, alignedLen, nil
}

// Size returns the current log size in bytes.
func (w *WAL) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

// Close closes the underlying file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}
