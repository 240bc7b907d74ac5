package tracking

import (
	"encoding/binary"
	"fmt"
	"log"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"github.com/sarchlab/iotrack/eventlog"
	"github.com/sarchlab/iotrack/hooking"
	"github.com/sarchlab/iotrack/priority"
	"github.com/sarchlab/iotrack/spinlock"
)

// Hook positions raised by a Database.
var (
	// HookPosRecordCreate is raised with the new *Record while it is locked.
	HookPosRecordCreate = &hooking.HookPos{Name: "RecordCreate"}

	// HookPosRecordFree is raised with the Dump of a released record after
	// all locks have been dropped.
	HookPosRecordFree = &hooking.HookPos{Name: "RecordFree"}

	// HookPosViolation is raised with a Violation.
	HookPosViolation = &hooking.HookPos{Name: "Violation"}

	// HookPosNotify is raised with the *Record and, as detail, the
	// NotifyReason after the record notifier ran.
	HookPosNotify = &hooking.HookPos{Name: "Notify"}
)

// Default sizes of a Database.
const (
	DefaultShardCount = 16
	DefaultCapacity   = 1 << 20
)

// A DatabaseBuilder can build tracking databases.
type DatabaseBuilder struct {
	shardCount   int
	capacity     int
	timeTeller   TimeTeller
	threadTeller ThreadTeller
}

// MakeDatabaseBuilder creates a builder with default parameters.
func MakeDatabaseBuilder() DatabaseBuilder {
	return DatabaseBuilder{
		shardCount: DefaultShardCount,
		capacity:   DefaultCapacity,
	}
}

// WithShardCount sets the number of independently lockable shards.
func (b DatabaseBuilder) WithShardCount(n int) DatabaseBuilder {
	b.shardCount = n
	return b
}

// WithCapacity sets the maximum number of records alive at the same time.
// Insertions beyond the capacity fail with ErrOutOfMemory.
func (b DatabaseBuilder) WithCapacity(n int) DatabaseBuilder {
	b.capacity = n
	return b
}

// WithTimeTeller sets where event timestamps come from.
func (b DatabaseBuilder) WithTimeTeller(t TimeTeller) DatabaseBuilder {
	b.timeTeller = t
	return b
}

// WithThreadTeller sets how the logging execution context is identified.
func (b DatabaseBuilder) WithThreadTeller(t ThreadTeller) DatabaseBuilder {
	b.threadTeller = t
	return b
}

// Build creates a new Database.
func (b DatabaseBuilder) Build(name string) *Database {
	if b.shardCount <= 0 {
		log.Panicf("tracking: shard count must be positive, got %d", b.shardCount)
	}

	if b.capacity <= 0 {
		log.Panicf("tracking: capacity must be positive, got %d", b.capacity)
	}

	db := &Database{
		name:         name,
		shards:       make([]*shard, b.shardCount),
		slab:         newSlab(b.capacity),
		timeTeller:   b.timeTeller,
		threadTeller: b.threadTeller,
	}

	if db.timeTeller == nil {
		db.timeTeller = wallClock{}
	}

	if db.threadTeller == nil {
		db.threadTeller = goroutineTeller{}
	}

	for i := range db.shards {
		db.shards[i] = &shard{
			live:    make(map[Identity]*Record),
			members: make(map[*Record]struct{}),
		}
	}

	return db
}

// shard is one silo of the hash space. Its lock guards the two maps only.
// Lookups take the record lock before the shard lock is released. A record
// lock is never held while waiting on a shard lock.
type shard struct {
	lock         spinlock.Lock
	readerLocked atomic.Bool

	// live indexes the findable record of each identity.
	live map[Identity]*Record

	// members holds every record of the shard that has not been freed,
	// including records no longer findable by identity.
	members map[*Record]struct{}
}

// Database maps request-object identities to tracking records.
type Database struct {
	hooking.HookableBase

	name         string
	shards       []*shard
	slab         *slab
	timeTeller   TimeTeller
	threadTeller ThreadTeller
	chainLock    spinlock.Lock

	live       atomic.Int64
	created    atomic.Uint64
	released   atomic.Uint64
	violations atomic.Uint64
}

// Name returns the name of the database.
func (db *Database) Name() string {
	return db.name
}

// ShardCount returns the number of shards.
func (db *Database) ShardCount() int {
	return len(db.shards)
}

// ShardOf returns the shard an identity belongs to.
func (db *Database) ShardOf(id Identity) int {
	var buf [8]byte

	binary.LittleEndian.PutUint64(buf[:], uint64(id))

	return int(xxhash.Sum64(buf[:]) % uint64(len(db.shards)))
}

// Stats is a point-in-time view of database counters.
type Stats struct {
	Live       int64  `json:"live"`
	Created    uint64 `json:"created"`
	Released   uint64 `json:"released"`
	Violations uint64 `json:"violations"`
	SlotsInUse int    `json:"slots_in_use"`
}

// Stats returns the database counters.
func (db *Database) Stats() Stats {
	return Stats{
		Live:       db.live.Load(),
		Created:    db.created.Load(),
		Released:   db.released.Load(),
		Violations: db.violations.Load(),
		SlotsInUse: db.slab.inUse(),
	}
}

// InsertAndLock returns the record of id with its lock held. If no live
// record exists, one is created with a pointer count of one and the second
// return value is true. The notifier is only installed on new records.
func (db *Database) InsertAndLock(
	id Identity,
	n Notifier,
	level priority.Level,
) (*Record, bool, error) {
	sh := db.shards[db.ShardOf(id)]

	sh.lock.Acquire(level)

	if existing := sh.live[id]; existing != nil {
		existing.lock.Acquire(level)
		if existing.alive() {
			sh.lock.Release()
			return existing, false, nil
		}

		existing.lock.Release()
	}

	r, err := db.newRecord(id, n)
	if err != nil {
		sh.lock.Release()
		return nil, false, err
	}

	if !r.lock.TryAcquire(level) {
		panic("tracking: fresh record is locked")
	}

	sh.live[id] = r
	sh.members[r] = struct{}{}
	sh.lock.Release()

	db.live.Add(1)
	db.created.Add(1)
	r.publish()

	if db.NumHooks() > 0 {
		db.InvokeHook(hooking.HookCtx{
			Domain: db,
			Pos:    HookPosRecordCreate,
			Item:   r,
		})
	}

	return r, true, nil
}

func (db *Database) newRecord(id Identity, n Notifier) (*Record, error) {
	r := &Record{
		db:        db,
		identity:  id,
		shard:     db.ShardOf(id),
		createdAt: db.timeTeller.Now(),
		notifier:  n,
		flags:     FlagActive,
		trace:     captureTrace(3),
	}
	r.chainHead = r
	r.pointerCount.Store(1)

	h, err := db.slab.alloc(r)
	if err != nil {
		return nil, fmt.Errorf("inserting %s: %w", id, err)
	}

	r.handle = h

	return r, nil
}

// FindAndLock returns the record of id with its lock held. It misses when no
// record exists or the record is no longer findable by identity.
func (db *Database) FindAndLock(id Identity, level priority.Level) (*Record, bool) {
	sh := db.shards[db.ShardOf(id)]

	sh.lock.Acquire(level)
	defer sh.lock.Release()

	r := sh.live[id]
	if r == nil {
		return nil, false
	}

	r.lock.Acquire(level)
	if !r.alive() {
		r.lock.Release()
		return nil, false
	}

	return r, true
}

// Resolve returns the record a handle refers to with its lock held. A
// handle whose slot has been recycled is reported and ErrStaleHandle is
// returned.
func (db *Database) Resolve(h Handle, level priority.Level) (*Record, error) {
	r, ok := db.slab.lookup(h)
	if ok {
		r.lock.Acquire(level)
		if !r.freed.Load() && r.handle == h {
			return r, nil
		}

		r.lock.Release()
	}

	db.report(nil, ViolationStaleHandle,
		fmt.Sprintf("handle %s no longer refers to a live record", h))

	return nil, fmt.Errorf("resolving %s: %w", h, ErrStaleHandle)
}

// AcquireLock locks a record the caller already references.
func (db *Database) AcquireLock(r *Record, level priority.Level) {
	r.lock.Acquire(level)
}

// ReleaseLock publishes the summary of the record, unlocks it and returns
// the level that was saved when the lock was acquired.
func (db *Database) ReleaseLock(r *Record) priority.Level {
	if !r.freed.Load() {
		r.publish()
	}

	return r.lock.Release()
}

func (r *Record) counter(kind RefKind) *atomic.Int32 {
	if kind == RefIdentity {
		return &r.pointerCount
	}

	return &r.referenceCount
}

// Reference increments the counter selected by kind. The record lock must be
// held.
func (db *Database) Reference(r *Record, kind RefKind) error {
	if r.freed.Load() {
		return fmt.Errorf("referencing %s: %w", r.identity, ErrRecordFreed)
	}

	if kind == RefIdentity && r.pointerCount.Load() == 0 {
		return fmt.Errorf("referencing %s: %w", r.identity, ErrIdentityReleased)
	}

	r.counter(kind).Add(1)

	return nil
}

// Dereference decrements the counter selected by kind. The record lock must
// be held.
//
// When the counter reaches zero the notifier runs with the lock still held.
// When both counters are zero the record is released: its lock is dropped,
// it is removed from its shard and freed is true. The caller must not touch
// the record afterwards and must not release its lock.
//
// Dereferencing a counter that is already zero is reported as a violation;
// the counter stays at zero and ErrCounterUnderflow is returned.
func (db *Database) Dereference(r *Record, kind RefKind) (freed bool, err error) {
	if r.freed.Load() {
		return false, fmt.Errorf("dereferencing %s: %w", r.identity, ErrRecordFreed)
	}

	c := r.counter(kind)
	if c.Load() == 0 {
		r.flags |= FlagCounterUnderflow
		db.report(r, ViolationCounterUnderflow,
			fmt.Sprintf("%s counter dereferenced at zero", kind))

		return false, fmt.Errorf("dereferencing %s: %w", r.identity, ErrCounterUnderflow)
	}

	if c.Add(-1) == 0 {
		reason := ReferenceCountZero
		if kind == RefIdentity {
			reason = PointerCountZero
		}

		db.notify(r, reason)
	}

	if r.notifyDepth > 0 || r.freed.Load() {
		return false, nil
	}

	if r.referenceCount.Load() == 0 && r.pointerCount.Load() == 0 {
		db.free(r)
		return true, nil
	}

	return false, nil
}

// Notify runs the notifier of a record for reason. The record lock must be
// held.
func (db *Database) Notify(r *Record, reason NotifyReason) {
	db.notify(r, reason)
}

func (db *Database) notify(r *Record, reason NotifyReason) {
	r.notifyDepth++

	if r.notifier != nil {
		r.notifier.Notify(r, reason)
	}

	if db.NumHooks() > 0 {
		db.InvokeHook(hooking.HookCtx{
			Domain: db,
			Pos:    HookPosNotify,
			Item:   r,
			Detail: reason,
		})
	}

	r.notifyDepth--
}

// free releases a locked record whose counters are both zero.
func (db *Database) free(r *Record) {
	r.freed.Store(true)
	db.unchainLocked(r)

	r.flags = (r.flags | FlagFreed) &^ FlagActive
	d := r.dump()

	r.lock.Release()

	db.unlink(r)

	d.ReleasedAt = db.timeTeller.Now()
	db.released.Add(1)

	if db.NumHooks() > 0 {
		db.InvokeHook(hooking.HookCtx{
			Domain: db,
			Pos:    HookPosRecordFree,
			Item:   d,
		})
	}
}

func (db *Database) unlink(r *Record) {
	sh := db.shards[r.shard]

	sh.lock.Acquire(priority.Dispatch)
	delete(sh.members, r)
	if sh.live[r.identity] == r {
		delete(sh.live, r.identity)
	}
	sh.lock.Release()

	db.slab.release(r.handle)
	db.live.Add(-1)
}

// Report records a violation against r, which may be nil when the violation
// cannot be attributed to a live record. When r is not nil its lock must be
// held.
func (db *Database) Report(r *Record, kind ViolationKind, detail string) {
	db.report(r, kind, detail)
}

func (db *Database) report(r *Record, kind ViolationKind, detail string) {
	v := Violation{Kind: kind, Detail: detail}

	if r != nil {
		r.flags |= FlagViolation
		r.violations++
		r.log.Append(eventlog.Entry{
			Kind:      eventlog.KindViolation,
			Thread:    db.threadTeller.Thread(),
			Data:      uint64(kind),
			Timestamp: db.timeTeller.Now(),
		})

		v.Identity = r.identity
		v.Handle = r.handle
		v.Node = r.position.LastLocation
		v.Trace = r.trace
	}

	db.violations.Add(1)

	if db.NumHooks() > 0 {
		db.InvokeHook(hooking.HookCtx{
			Domain: db,
			Pos:    HookPosViolation,
			Item:   v,
		})
	}
}

// Inspect returns the full state of the live record of id without changing
// it.
func (db *Database) Inspect(id Identity) (Dump, bool) {
	r, ok := db.FindAndLock(id, priority.Passive)
	if !ok {
		return Dump{}, false
	}

	d := r.dump()
	db.ReleaseLock(r)

	return d, true
}

// DeleteLogsFor purges the records whose top or last location is node, as
// done when the layer named node unloads. Every purged record is reported
// as leaked, since a well-behaved layer releases its requests before it
// unloads. Notifiers are not invoked. It returns the number of records
// purged. The caller must not hold a shard lock.
func (db *Database) DeleteLogsFor(node string) int {
	var victims []*Record

	for _, sh := range db.shards {
		sh.lock.Acquire(priority.Passive)
		for r := range sh.members {
			s := r.Summary()
			if s.TopLocation == node || s.LastLocation == node {
				victims = append(victims, r)
			}
		}
		sh.lock.Release()
	}

	purged := 0

	for _, r := range victims {
		r.lock.Acquire(priority.Passive)

		if r.freed.Load() {
			r.lock.Release()
			continue
		}

		pos := r.position
		if pos.TopLocation != node && pos.LastLocation != node {
			r.lock.Release()
			continue
		}

		ref, ptr := r.Counts()
		db.report(r, ViolationLeakedAtUnload, fmt.Sprintf(
			"%s unloaded with references %d/%d outstanding", node, ref, ptr))

		r.flags |= FlagAbandoned
		r.referenceCount.Store(0)
		r.pointerCount.Store(0)
		db.free(r)

		purged++
	}

	return purged
}

// LockShard locks shard n on behalf of a diagnostic reader. While the shard
// is locked, inserts, lookups and releases in that shard wait; other shards
// are not affected.
func (db *Database) LockShard(n int, level priority.Level) error {
	sh, err := db.shardAt(n)
	if err != nil {
		return err
	}

	sh.lock.Acquire(level)
	sh.readerLocked.Store(true)

	return nil
}

// UnlockShard unlocks a shard locked with LockShard.
func (db *Database) UnlockShard(n int) (priority.Level, error) {
	sh, err := db.shardAt(n)
	if err != nil {
		return priority.Passive, err
	}

	if !sh.readerLocked.Load() {
		return priority.Passive, fmt.Errorf("unlocking shard %d: %w", n, ErrShardNotLocked)
	}

	sh.readerLocked.Store(false)

	return sh.lock.Release(), nil
}

// SnapshotShard returns the summaries of every record in shard n. The shard
// must be locked with LockShard. No record lock and no other shard lock is
// taken.
func (db *Database) SnapshotShard(n int) ([]Summary, error) {
	sh, err := db.shardAt(n)
	if err != nil {
		return nil, err
	}

	if !sh.readerLocked.Load() {
		return nil, fmt.Errorf("snapshot of shard %d: %w", n, ErrShardNotLocked)
	}

	out := make([]Summary, 0, len(sh.members))
	for r := range sh.members {
		if s := r.summary.Load(); s != nil {
			out = append(out, *s)
		}
	}

	return out, nil
}

func (db *Database) shardAt(n int) (*shard, error) {
	if n < 0 || n >= len(db.shards) {
		return nil, fmt.Errorf("shard %d of %d: %w", n, len(db.shards), ErrShardIndex)
	}

	return db.shards[n], nil
}
