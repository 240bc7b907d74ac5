package tracking

import (
	"fmt"
	"sync/atomic"

	"github.com/sarchlab/iotrack/eventlog"
	"github.com/sarchlab/iotrack/priority"
	"github.com/sarchlab/iotrack/spinlock"
)

// Operation is the major/minor class of the operation a request object
// carries.
type Operation struct {
	Major uint8 `json:"major"`
	Minor uint8 `json:"minor"`
}

// Position describes how far a request object has progressed through the
// handler stack.
type Position struct {
	StackDepth   int    `json:"stack_depth"`
	TopLocation  string `json:"top_location"`
	LastLocation string `json:"last_location"`
}

// SavedCompletion is the downstream completion a layer intercepted and must
// invoke and restore later.
type SavedCompletion struct {
	Routine func(ctx any)
	Context any
	Control uint8
}

// Result is the completion result of the operation.
type Result struct {
	Status      int32  `json:"status"`
	Information uint64 `json:"information"`
}

// Record is the tracking entry of one request object or surrogate.
//
// Unless stated otherwise, methods of Record must be called with the record
// lock held, i.e. between InsertAndLock, FindAndLock, Resolve or AcquireLock
// and the matching ReleaseLock or freeing Dereference.
type Record struct {
	lock spinlock.Lock
	db   *Database

	identity  Identity
	handle    Handle
	shard     int
	createdAt int64

	// The counters are only written under the record lock. They are atomic
	// so that insertion can tell a dead entry apart without locking it.
	referenceCount atomic.Int32
	pointerCount   atomic.Int32
	freed          atomic.Bool
	notifyDepth    int

	flags      Flags
	violations uint32
	notifier   Notifier

	// Chain links are guarded by the database chain lock.
	chainHead *Record
	chainPrev *Record
	chainNext *Record

	position          Position
	arrivalPriority   priority.Level
	departurePriority priority.Level

	savedCompletion    SavedCompletion
	hasSavedCompletion bool

	quotaOwner   string
	quotaCharged int64

	operation Operation
	args      [4]uint64
	result    Result

	trace       AllocationTrace
	log         eventlog.Log
	sessionData any

	summary atomic.Pointer[Summary]
}

// Identity returns the key of the request object. It is safe to call
// without the lock.
func (r *Record) Identity() Identity {
	return r.identity
}

// Handle returns the slab handle of the record. It is safe to call without
// the lock.
func (r *Record) Handle() Handle {
	return r.handle
}

// Shard returns the shard the record belongs to. It is safe to call without
// the lock.
func (r *Record) Shard() int {
	return r.shard
}

// Freed tells if the record has been released. It is safe to call without
// the lock.
func (r *Record) Freed() bool {
	return r.freed.Load()
}

// Summary returns the last published summary. It is safe to call without
// the lock.
func (r *Record) Summary() Summary {
	s := r.summary.Load()
	if s == nil {
		return Summary{}
	}

	return *s
}

// Counts returns the semantic and identity counters.
func (r *Record) Counts() (referenceCount, pointerCount int32) {
	return r.referenceCount.Load(), r.pointerCount.Load()
}

func (r *Record) alive() bool {
	return r.pointerCount.Load() > 0 && !r.freed.Load()
}

// Flags returns the flag set.
func (r *Record) Flags() Flags {
	return r.flags
}

// SetFlags sets the given flags.
func (r *Record) SetFlags(f Flags) {
	r.flags |= f
}

// ClearFlags clears the given flags.
func (r *Record) ClearFlags(f Flags) {
	r.flags &^= f
}

// Examine returns the examine tri-state.
func (r *Record) Examine() Examine {
	return r.flags.Examine()
}

// SetExamine updates the examine tri-state.
func (r *Record) SetExamine(e Examine) {
	r.flags = r.flags.withExamine(e)
}

// Violations returns how many violations were reported on the record.
func (r *Record) Violations() uint32 {
	return r.violations
}

// SetOperation records the operation class of the request.
func (r *Record) SetOperation(op Operation) {
	r.operation = op
}

// Operation returns the operation class of the request.
func (r *Record) Operation() Operation {
	return r.operation
}

// SetArgs records the operation arguments shown by the snapshot.
func (r *Record) SetArgs(args [4]uint64) {
	r.args = args
}

// Args returns the operation arguments.
func (r *Record) Args() [4]uint64 {
	return r.args
}

// SetResult records the completion result.
func (r *Record) SetResult(res Result) {
	r.result = res
}

// Result returns the completion result.
func (r *Record) Result() Result {
	return r.result
}

// SetSessionData attaches the owning session.
func (r *Record) SetSessionData(s any) {
	r.sessionData = s
}

// SessionData returns the owning session, if any.
func (r *Record) SessionData() any {
	return r.sessionData
}

// SetNotifier replaces the notification callback.
func (r *Record) SetNotifier(n Notifier) {
	r.notifier = n
}

// Trace returns the call path captured when the record was created.
func (r *Record) Trace() AllocationTrace {
	return r.trace
}

// Events returns the logged events, oldest first.
func (r *Record) Events() []eventlog.Entry {
	return r.log.Entries()
}

// Position returns the position of the request in the handler stack.
func (r *Record) Position() Position {
	return r.position
}

// Advance moves the request one layer down to the named location.
func (r *Record) Advance(location string) {
	if r.position.StackDepth == 0 {
		r.position.TopLocation = location
	}

	r.position.StackDepth++
	r.position.LastLocation = location
}

// Retreat moves the request one layer back up after the lower layer
// returned.
func (r *Record) Retreat(location string) {
	if r.position.StackDepth > 0 {
		r.position.StackDepth--
	}

	r.position.LastLocation = location
}

// SetArrivalPriority records the level the request arrived at the current
// layer.
func (r *Record) SetArrivalPriority(l priority.Level) {
	r.arrivalPriority = l
	r.departurePriority = l
}

// ArrivalPriority returns the level recorded on arrival.
func (r *Record) ArrivalPriority() priority.Level {
	return r.arrivalPriority
}

// SetDeparturePriority records the level the next layer is invoked at. A
// level different from the arrival level is reported.
func (r *Record) SetDeparturePriority(l priority.Level) {
	r.departurePriority = l

	if l != r.arrivalPriority {
		r.db.report(r, ViolationPriorityMismatch, fmt.Sprintf(
			"arrived at %s, forwarded at %s", r.arrivalPriority, l))
	}
}

// DeparturePriority returns the level recorded on departure.
func (r *Record) DeparturePriority() priority.Level {
	return r.departurePriority
}

// InterceptCompletion saves the downstream completion. It returns false if a
// completion is already saved.
func (r *Record) InterceptCompletion(c SavedCompletion) bool {
	if r.hasSavedCompletion {
		return false
	}

	r.savedCompletion = c
	r.hasSavedCompletion = true

	return true
}

// RestoreCompletion returns the saved completion and clears it.
func (r *Record) RestoreCompletion() (SavedCompletion, bool) {
	if !r.hasSavedCompletion {
		return SavedCompletion{}, false
	}

	c := r.savedCompletion
	r.savedCompletion = SavedCompletion{}
	r.hasSavedCompletion = false

	return c, true
}

// ChargeQuota charges amount to owner. A record is charged to one owner only.
func (r *Record) ChargeQuota(owner string, amount int64) {
	if r.quotaOwner != "" && r.quotaOwner != owner {
		r.db.report(r, ViolationQuotaMismatch, fmt.Sprintf(
			"charged to %q while owned by %q", owner, r.quotaOwner))
		return
	}

	r.quotaOwner = owner
	r.quotaCharged += amount
}

// UnchargeQuota returns amount to owner. Uncharging another owner or more
// than was charged is reported.
func (r *Record) UnchargeQuota(owner string, amount int64) {
	if owner != r.quotaOwner {
		r.db.report(r, ViolationQuotaMismatch, fmt.Sprintf(
			"uncharged by %q while owned by %q", owner, r.quotaOwner))
		return
	}

	if amount > r.quotaCharged {
		r.db.report(r, ViolationQuotaMismatch, fmt.Sprintf(
			"uncharged %d with %d outstanding", amount, r.quotaCharged))
		amount = r.quotaCharged
	}

	r.quotaCharged -= amount
	if r.quotaCharged == 0 {
		r.quotaOwner = ""
	}
}

// QuotaCharged returns the owner and the outstanding charge.
func (r *Record) QuotaCharged() (string, int64) {
	return r.quotaOwner, r.quotaCharged
}

// LogEntry appends an event to the record's event log. It never blocks and
// never fails. Events that break the lifecycle order are reported as
// violations on the spot.
func (r *Record) LogEntry(kind eventlog.Kind, address, data uint64) {
	r.log.Append(eventlog.Entry{
		Kind:      kind,
		Thread:    r.db.threadTeller.Thread(),
		Address:   address,
		Data:      data,
		Timestamp: r.db.timeTeller.Now(),
	})

	r.checkEvent(kind)
}

func (r *Record) checkEvent(kind eventlog.Kind) {
	if r.flags.Has(FlagFreed) && kind != eventlog.KindViolation {
		r.db.report(r, ViolationUseAfterFree,
			fmt.Sprintf("%s logged after free", kind))
		return
	}

	switch kind {
	case eventlog.KindCallDriver:
		if r.flags.Has(FlagCompleted) {
			r.db.report(r, ViolationCompletedRequestForwarded,
				"request forwarded after completion")
		}

		r.flags |= FlagForwarded
	case eventlog.KindCompletionRoutine:
		if !r.flags.Has(FlagForwarded) {
			r.db.report(r, ViolationCompletionOutOfOrder,
				"completion routine ran before the request was forwarded")
		}
	case eventlog.KindCompleteRequest:
		if r.flags.Has(FlagCompleted) {
			r.db.report(r, ViolationDoubleCompletion,
				"request completed twice")
		}

		r.flags |= FlagCompleted
	case eventlog.KindCancelRequest:
		r.flags |= FlagCancelled
	case eventlog.KindFreeRequest:
		if r.referenceCount.Load() > 0 {
			r.db.report(r, ViolationPrematureFree, fmt.Sprintf(
				"freed with %d outstanding references", r.referenceCount.Load()))
		}

		if r.quotaCharged > 0 {
			r.db.report(r, ViolationQuotaMismatch, fmt.Sprintf(
				"freed with %d charged to %q", r.quotaCharged, r.quotaOwner))
		}
	}
}

func (r *Record) publish() {
	ref, ptr := r.Counts()

	var head Identity
	if h := r.db.chainHeadOf(r); h != nil {
		head = h.identity
	}

	s := &Summary{
		Identity:       r.identity,
		Handle:         r.handle,
		Shard:          r.shard,
		Operation:      r.operation,
		Flags:          r.flags,
		ReferenceCount: ref,
		PointerCount:   ptr,
		StackDepth:     r.position.StackDepth,
		TopLocation:    r.position.TopLocation,
		LastLocation:   r.position.LastLocation,
		Args:           r.args,
		ChainHead:      head,
		Violations:     r.violations,
		CreatedAt:      r.createdAt,
	}

	r.summary.Store(s)
}

// Summary is an immutable, published view of a record. Snapshot readers only
// ever see whole summaries.
type Summary struct {
	Identity       Identity  `json:"identity"`
	Handle         Handle    `json:"handle"`
	Shard          int       `json:"shard"`
	Operation      Operation `json:"operation"`
	Flags          Flags     `json:"flags"`
	ReferenceCount int32     `json:"reference_count"`
	PointerCount   int32     `json:"pointer_count"`
	StackDepth     int       `json:"stack_depth"`
	TopLocation    string    `json:"top_location"`
	LastLocation   string    `json:"last_location"`
	Args           [4]uint64 `json:"args"`
	ChainHead      Identity  `json:"chain_head"`
	Violations     uint32    `json:"violations"`
	CreatedAt      int64     `json:"created_at"`
}

// Dump is the full state of a record, captured when it is released or
// inspected.
type Dump struct {
	Summary
	Events         []eventlog.Entry `json:"events"`
	Trace          []string         `json:"trace"`
	Result         Result           `json:"result"`
	ArrivalLevel   string           `json:"arrival_level"`
	DepartureLevel string           `json:"departure_level"`
	QuotaOwner     string           `json:"quota_owner"`
	QuotaCharged   int64            `json:"quota_charged"`
	ReleasedAt     int64            `json:"released_at"`
}

func (r *Record) dump() Dump {
	r.publish()

	return Dump{
		Summary:        r.Summary(),
		Events:         r.Events(),
		Trace:          r.trace.Frames(),
		Result:         r.result,
		ArrivalLevel:   r.arrivalPriority.String(),
		DepartureLevel: r.departurePriority.String(),
		QuotaOwner:     r.quotaOwner,
		QuotaCharged:   r.quotaCharged,
	}
}

// Dump captures the full state of the record.
func (r *Record) Dump() Dump {
	return r.dump()
}
