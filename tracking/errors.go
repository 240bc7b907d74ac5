package tracking

import "errors"

var (
	// ErrOutOfMemory is returned when the record slab has no free slot.
	ErrOutOfMemory = errors.New("tracking: out of record slots")

	// ErrCounterUnderflow is returned when a counter that is already zero is
	// dereferenced. The counter stays at zero and the record is flagged.
	ErrCounterUnderflow = errors.New("tracking: counter underflow")

	// ErrRecordFreed is returned by operations on a record that has already
	// been released.
	ErrRecordFreed = errors.New("tracking: record already freed")

	// ErrIdentityReleased is returned when an identity reference is taken on
	// a record that is no longer findable by its identity.
	ErrIdentityReleased = errors.New("tracking: identity already released")

	// ErrStaleHandle is returned when a handle refers to a slab slot that has
	// been recycled.
	ErrStaleHandle = errors.New("tracking: stale record handle")

	// ErrShardIndex is returned for a shard number out of range.
	ErrShardIndex = errors.New("tracking: shard index out of range")

	// ErrShardNotLocked is returned when a shard query is made without the
	// shard being locked by the caller.
	ErrShardNotLocked = errors.New("tracking: shard not locked")

	// ErrNotInChain is returned when a record that is not part of a chain is
	// removed from one.
	ErrNotInChain = errors.New("tracking: record is not chained")
)
