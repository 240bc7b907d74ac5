// Package snapshot lets diagnostic tools read the tracked records of one
// shard at a time without disturbing traffic on the other shards.
//
// A snapshot is a little-endian byte stream: a header holding the entry
// count and the entry size, followed by fixed-size entries. Retrieval follows
// a size-then-fill protocol. A buffer that is too small gets
// ErrBufferTooSmall together with the size it needs to be.
package snapshot

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/sarchlab/iotrack/priority"
	"github.com/sarchlab/iotrack/tracking"
)

// Layout of a snapshot.
const (
	HeaderSize = 8
	EntrySize  = 72
)

var (
	// ErrBufferTooSmall is returned by RetrieveSnapshot when the buffer cannot
	// hold the snapshot. It is part of the size negotiation, not a failure.
	ErrBufferTooSmall = errors.New("snapshot: buffer too small")

	// ErrMalformed is returned by Decode for a stream that is not a snapshot.
	ErrMalformed = errors.New("snapshot: malformed stream")

	// ErrShardHeld is returned by DeleteLogsFor while the reader holds a
	// shard lock. Purging needs every shard.
	ErrShardHeld = errors.New("snapshot: reader holds a shard lock")
)

// Summary is a decoded snapshot entry.
type Summary struct {
	Identity       tracking.Identity  `json:"identity"`
	Operation      tracking.Operation `json:"operation"`
	Flags          tracking.Flags     `json:"flags"`
	ReferenceCount int32              `json:"reference_count"`
	PointerCount   int32              `json:"pointer_count"`
	StackDepth     uint32             `json:"stack_depth"`
	Violations     uint32             `json:"violations"`
	ChainHead      tracking.Identity  `json:"chain_head"`
	Args           [4]uint64          `json:"args"`
}

// Reader retrieves snapshots from a tracking database.
type Reader struct {
	db    *tracking.Database
	level priority.Level
	held  atomic.Int32
}

// NewReader creates a reader that locks shards at the given level.
func NewReader(db *tracking.Database, level priority.Level) *Reader {
	return &Reader{db: db, level: level}
}

// ShardCount returns the number of shards that can be read.
func (r *Reader) ShardCount() int {
	return r.db.ShardCount()
}

// LockDatabase locks shard n. Traffic on shard n waits until UnlockDatabase.
func (r *Reader) LockDatabase(n int) error {
	if err := r.db.LockShard(n, r.level); err != nil {
		return fmt.Errorf("locking shard for snapshot: %w", err)
	}

	r.held.Add(1)

	return nil
}

// UnlockDatabase unlocks shard n.
func (r *Reader) UnlockDatabase(n int) error {
	if _, err := r.db.UnlockShard(n); err != nil {
		return fmt.Errorf("unlocking shard after snapshot: %w", err)
	}

	r.held.Add(-1)

	return nil
}

// RetrieveSnapshot encodes the records of the locked shard n into buf and
// returns the number of bytes the snapshot takes. If buf is too small,
// nothing is written, and the required size is returned with
// ErrBufferTooSmall.
func (r *Reader) RetrieveSnapshot(n int, buf []byte) (int, error) {
	summaries, err := r.db.SnapshotShard(n)
	if err != nil {
		return 0, fmt.Errorf("retrieving snapshot: %w", err)
	}

	required := HeaderSize + len(summaries)*EntrySize
	if len(buf) < required {
		return required, ErrBufferTooSmall
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].Identity < summaries[j].Identity
	})

	binary.LittleEndian.PutUint32(buf[0:], uint32(len(summaries)))
	binary.LittleEndian.PutUint32(buf[4:], EntrySize)

	for i, s := range summaries {
		encodeEntry(buf[HeaderSize+i*EntrySize:], s)
	}

	return required, nil
}

func encodeEntry(b []byte, s tracking.Summary) {
	le := binary.LittleEndian

	le.PutUint64(b[0:], uint64(s.Identity))
	b[8] = s.Operation.Major
	b[9] = s.Operation.Minor
	le.PutUint16(b[10:], 0)
	le.PutUint32(b[12:], uint32(s.Flags))
	le.PutUint32(b[16:], uint32(s.ReferenceCount))
	le.PutUint32(b[20:], uint32(s.PointerCount))
	le.PutUint32(b[24:], uint32(s.StackDepth))
	le.PutUint32(b[28:], s.Violations)
	le.PutUint64(b[32:], uint64(s.ChainHead))

	for i, a := range s.Args {
		le.PutUint64(b[40+8*i:], a)
	}
}

// Decode parses a snapshot produced by RetrieveSnapshot.
func Decode(buf []byte) ([]Summary, error) {
	le := binary.LittleEndian

	if len(buf) < HeaderSize {
		return nil, fmt.Errorf("%d byte stream: %w", len(buf), ErrMalformed)
	}

	count := int(le.Uint32(buf[0:]))
	size := int(le.Uint32(buf[4:]))

	if size != EntrySize {
		return nil, fmt.Errorf("entry size %d: %w", size, ErrMalformed)
	}

	if len(buf) < HeaderSize+count*EntrySize {
		return nil, fmt.Errorf("%d entries in %d bytes: %w", count, len(buf), ErrMalformed)
	}

	out := make([]Summary, count)
	for i := range out {
		b := buf[HeaderSize+i*EntrySize:]

		s := Summary{
			Identity:       tracking.Identity(le.Uint64(b[0:])),
			Operation:      tracking.Operation{Major: b[8], Minor: b[9]},
			Flags:          tracking.Flags(le.Uint32(b[12:])),
			ReferenceCount: int32(le.Uint32(b[16:])),
			PointerCount:   int32(le.Uint32(b[20:])),
			StackDepth:     le.Uint32(b[24:]),
			Violations:     le.Uint32(b[28:]),
			ChainHead:      tracking.Identity(le.Uint64(b[32:])),
		}

		for j := range s.Args {
			s.Args[j] = le.Uint64(b[40+8*j:])
		}

		out[i] = s
	}

	return out, nil
}

// Shard runs the whole lock, size, fill and unlock sequence on shard n and
// returns the decoded snapshot.
func (r *Reader) Shard(n int) ([]Summary, error) {
	if err := r.LockDatabase(n); err != nil {
		return nil, err
	}

	required, err := r.RetrieveSnapshot(n, nil)
	if err != nil && !errors.Is(err, ErrBufferTooSmall) {
		_ = r.UnlockDatabase(n)
		return nil, err
	}

	buf := make([]byte, required)
	_, err = r.RetrieveSnapshot(n, buf)

	if uerr := r.UnlockDatabase(n); uerr != nil && err == nil {
		err = uerr
	}

	if err != nil {
		return nil, err
	}

	return Decode(buf)
}

// DeleteLogsFor purges every record left behind by the unloading layer
// named node and returns how many were purged. It fails with ErrShardHeld
// between LockDatabase and UnlockDatabase.
func (r *Reader) DeleteLogsFor(node string) (int, error) {
	if r.held.Load() > 0 {
		return 0, fmt.Errorf("purging %s: %w", node, ErrShardHeld)
	}

	return r.db.DeleteLogsFor(node), nil
}
