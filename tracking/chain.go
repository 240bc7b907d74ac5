package tracking

import (
	"errors"
	"fmt"

	"github.com/sarchlab/iotrack/priority"
)

// ErrAlreadyChained is returned when a record that already belongs to a
// chain is appended to another one.
var ErrAlreadyChained = errors.New("tracking: record already chained")

// A chain is rooted at a primary record, which is its own chain head. The
// derived surrogate records follow the head in attach order. All links are
// guarded by the database chain lock, a leaf lock that is only held for the
// duration of a single link operation.

// AppendToChain attaches added at the end of the chain existing belongs to.
// The caller must hold the lock of added. A record that is already chained,
// heads a chain of its own, or heads the chain of existing cannot be added.
// Appending to a chain whose head has been freed fails with ErrRecordFreed.
func (db *Database) AppendToChain(existing, added *Record) error {
	db.chainLock.Acquire(priority.Dispatch)
	defer db.chainLock.Release()

	head := existing.chainHead

	if added == head || added.chainHead != added || added.chainNext != nil {
		return fmt.Errorf("appending %s: %w", added.identity, ErrAlreadyChained)
	}

	if head.freed.Load() {
		return fmt.Errorf("appending %s to %s: %w",
			added.identity, head.identity, ErrRecordFreed)
	}

	tail := head
	for tail.chainNext != nil {
		tail = tail.chainNext
	}

	tail.chainNext = added
	added.chainPrev = tail
	added.chainHead = head

	return nil
}

// RemoveFromChain detaches a record from its chain. Removing a chain head
// dissolves the chain: every member becomes the head of its own chain.
func (db *Database) RemoveFromChain(r *Record) error {
	db.chainLock.Acquire(priority.Dispatch)
	defer db.chainLock.Release()

	if r.chainHead == r && r.chainNext == nil {
		return fmt.Errorf("removing %s: %w", r.identity, ErrNotInChain)
	}

	db.removeFromChain(r)

	return nil
}

func (db *Database) unchainLocked(r *Record) {
	db.chainLock.Acquire(priority.Dispatch)
	defer db.chainLock.Release()

	if r.chainHead == r && r.chainNext == nil {
		return
	}

	db.removeFromChain(r)
}

func (db *Database) removeFromChain(r *Record) {
	if r.chainHead == r {
		m := r.chainNext
		for m != nil {
			next := m.chainNext
			m.chainHead = m
			m.chainPrev = nil
			m.chainNext = nil
			m = next
		}

		r.chainNext = nil

		return
	}

	if r.chainPrev != nil {
		r.chainPrev.chainNext = r.chainNext
	}

	if r.chainNext != nil {
		r.chainNext.chainPrev = r.chainPrev
	}

	r.chainHead = r
	r.chainPrev = nil
	r.chainNext = nil
}

// ChainHead returns the primary record of the chain r belongs to. A record
// that is not chained is its own head.
func (db *Database) ChainHead(r *Record) *Record {
	return db.chainHeadOf(r)
}

func (db *Database) chainHeadOf(r *Record) *Record {
	db.chainLock.Acquire(priority.Dispatch)
	defer db.chainLock.Release()

	return r.chainHead
}

// ChainNext returns the record after r in its chain, or nil.
func (db *Database) ChainNext(r *Record) *Record {
	db.chainLock.Acquire(priority.Dispatch)
	defer db.chainLock.Release()

	return r.chainNext
}

// ChainPrevious returns the record before r in its chain, or nil for a
// chain head.
func (db *Database) ChainPrevious(r *Record) *Record {
	db.chainLock.Acquire(priority.Dispatch)
	defer db.chainLock.Release()

	return r.chainPrev
}

// ChainMembers returns the records chained under the head of r's chain, in
// attach order. The head itself is not included.
func (db *Database) ChainMembers(r *Record) []*Record {
	db.chainLock.Acquire(priority.Dispatch)
	defer db.chainLock.Release()

	var members []*Record
	for m := r.chainHead.chainNext; m != nil; m = m.chainNext {
		members = append(members, m)
	}

	return members
}

// ChainTail returns the last record of r's chain, which is the head itself
// when nothing is chained.
func (db *Database) ChainTail(r *Record) *Record {
	db.chainLock.Acquire(priority.Dispatch)
	defer db.chainLock.Release()

	tail := r.chainHead
	for tail.chainNext != nil {
		tail = tail.chainNext
	}

	return tail
}
