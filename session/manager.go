// Package session decides how request objects are tracked at each layer of
// the handler stack and manages the surrogate records used to double-buffer
// direct transfers.
package session

import (
	"errors"
	"fmt"
	"log"
	"sort"

	"github.com/rs/xid"

	"github.com/sarchlab/iotrack/eventlog"
	"github.com/sarchlab/iotrack/hooking"
	"github.com/sarchlab/iotrack/priority"
	"github.com/sarchlab/iotrack/spinlock"
	"github.com/sarchlab/iotrack/tracking"
)

// Hook positions raised by a Manager.
var (
	// HookPosSessionCreate is raised with the new *Session.
	HookPosSessionCreate = &hooking.HookPos{Name: "SessionCreate"}

	// HookPosSessionClose is raised with the *Session when its last
	// reference is dropped.
	HookPosSessionClose = &hooking.HookPos{Name: "SessionClose"}

	// HookPosSurrogateSpawn is raised with the new surrogate *tracking.Record
	// and, as detail, the *Session.
	HookPosSurrogateSpawn = &hooking.HookPos{Name: "SurrogateSpawn"}

	// HookPosSurrogateFinalize is raised with the *Session and, as detail,
	// the identity of the finalized surrogate.
	HookPosSurrogateFinalize = &hooking.HookPos{Name: "SurrogateFinalize"}
)

// DefaultSurrogateBase is the first identity given to surrogates. Request
// objects are expected to use identities below it.
const DefaultSurrogateBase = tracking.Identity(1 << 63)

// A ManagerBuilder can build session managers.
type ManagerBuilder struct {
	db            *tracking.Database
	surrogates    bool
	surrogateBase tracking.Identity
}

// MakeManagerBuilder creates a builder with surrogates enabled.
func MakeManagerBuilder() ManagerBuilder {
	return ManagerBuilder{
		surrogates:    true,
		surrogateBase: DefaultSurrogateBase,
	}
}

// WithDatabase sets the tracking database the manager works on.
func (b ManagerBuilder) WithDatabase(db *tracking.Database) ManagerBuilder {
	b.db = db
	return b
}

// WithSurrogates enables or disables surrogates. Without surrogates, direct
// transfers are tracked but not double-buffered.
func (b ManagerBuilder) WithSurrogates(enabled bool) ManagerBuilder {
	b.surrogates = enabled
	return b
}

// WithSurrogateBase sets the first identity given to surrogates.
func (b ManagerBuilder) WithSurrogateBase(base tracking.Identity) ManagerBuilder {
	b.surrogateBase = base
	return b
}

// Build creates a new Manager.
func (b ManagerBuilder) Build(name string) *Manager {
	if b.db == nil {
		log.Panicf("session: manager %s has no database", name)
	}

	m := &Manager{
		name:       name,
		db:         b.db,
		surrogates: b.surrogates,
		sessions:   make(map[string]*Session),
	}
	m.nextSurrogate = uint64(b.surrogateBase)

	return m
}

// Manager creates sessions and the surrogates attached to them.
type Manager struct {
	hooking.HookableBase

	name       string
	db         *tracking.Database
	surrogates bool

	// lock is a leaf lock guarding the fields below it.
	lock          spinlock.Lock
	nextSurrogate uint64
	sessions      map[string]*Session
}

// Name returns the name of the manager.
func (m *Manager) Name() string {
	return m.name
}

// Database returns the tracking database of the manager.
func (m *Manager) Database() *tracking.Database {
	return m.db
}

func (m *Manager) policy(r *tracking.Record, node StackNode) Policy {
	p := DeterminePolicy(r, node)
	if !m.surrogates {
		p.UseSurrogate = false
	}

	return p
}

func (m *Manager) invoke(pos *hooking.HookPos, item, detail any) {
	if m.NumHooks() == 0 {
		return
	}

	m.InvokeHook(hooking.HookCtx{
		Domain: m,
		Pos:    pos,
		Item:   item,
		Detail: detail,
	})
}

// CreateSession starts a session when the request of r first arrives at a
// protected layer. r must be locked.
//
// If the request is not trackable at node, r is marked as not tracked and the
// returned session is nil. If node needs a surrogate, one is spawned and
// returned locked in place of r, whose lock is released; the third return
// value is then true. Otherwise r is returned as is.
func (m *Manager) CreateSession(
	node StackNode,
	r *tracking.Record,
	level priority.Level,
) (*Session, *tracking.Record, bool, error) {
	p := m.policy(r, node)
	if !p.Trackable {
		r.SetExamine(tracking.ExamineNotTracked)
		return nil, r, false, nil
	}

	r.SetExamine(tracking.ExamineTracked)

	s := &Session{
		id:      xid.New().String(),
		primary: r.Identity(),
		node:    node,
	}
	s.refCount.Store(1)
	r.SetSessionData(s)

	m.lock.Acquire(level)
	m.sessions[s.id] = s
	m.lock.Release()

	m.invoke(HookPosSessionCreate, s, nil)

	if !p.UseSurrogate {
		return s, r, false, nil
	}

	current, spawned, err := m.AttachSurrogate(r, s, level)
	if err != nil {
		r.SetSessionData(nil)
		if cerr := m.CloseSession(s); cerr != nil {
			err = errors.Join(err, cerr)
		}

		return nil, r, false, err
	}

	return s, current, spawned, nil
}

// AdvanceSession is called each time the request moves to the next layer.
// The policy is evaluated again for node; a surrogate is spawned the same
// way as in CreateSession if node needs one and none is attached. r must be
// locked. A nil session leaves r untouched.
func (m *Manager) AdvanceSession(
	node StackNode,
	s *Session,
	r *tracking.Record,
	level priority.Level,
) (*tracking.Record, bool, error) {
	if s == nil {
		return r, false, nil
	}

	s.lock.Acquire(level)
	if s.closed {
		s.lock.Release()
		return r, false, fmt.Errorf("advancing session %s: %w", s.id, ErrSessionClosed)
	}
	s.node = node
	s.lock.Release()

	p := m.policy(r, node)
	if !p.Trackable || !p.UseSurrogate {
		return r, false, nil
	}

	return m.AttachSurrogate(r, s, level)
}

// AttachSurrogate spawns a surrogate for the primary record r, chains it
// under r and returns it locked while the lock of r is released. If a
// surrogate is already attached, nothing happens and r is returned with
// false. r must be locked.
//
// The lock of r is released before the surrogate is inserted, so no record
// lock is held while the shard of the surrogate is locked. On error r is
// locked again before returning.
func (m *Manager) AttachSurrogate(
	r *tracking.Record,
	s *Session,
	level priority.Level,
) (*tracking.Record, bool, error) {
	s.lock.Acquire(level)
	closed, attached := s.closed, s.surrogate != nil
	node := s.node
	s.lock.Release()

	if closed {
		return r, false, fmt.Errorf("attaching to session %s: %w", s.id, ErrSessionClosed)
	}

	if attached {
		return r, false, nil
	}

	m.lock.Acquire(level)
	m.nextSurrogate++
	id := tracking.Identity(m.nextSurrogate)
	m.lock.Release()

	primary := r.Identity()
	op, args := r.Operation(), r.Args()

	r.LogEntry(eventlog.KindSurrogateSpawn, uint64(id), 0)
	m.db.ReleaseLock(r)

	sr, created, err := m.db.InsertAndLock(id, nil, level)
	if err != nil {
		m.db.AcquireLock(r, level)
		return r, false, fmt.Errorf("spawning surrogate of %s: %w", primary, err)
	}

	if !created {
		m.db.ReleaseLock(sr)
		m.db.AcquireLock(r, level)

		return r, false, fmt.Errorf("spawning surrogate %s: %w", id, ErrSurrogateIdentityInUse)
	}

	sr.SetFlags(tracking.FlagSurrogate)
	sr.SetExamine(tracking.ExamineTracked)
	sr.SetOperation(op)
	sr.SetArgs(args)
	sr.SetSessionData(s)
	sr.SetArrivalPriority(level)
	if node != nil {
		sr.Advance(node.Name())
	}

	if err := m.db.Reference(sr, tracking.RefSemantic); err != nil {
		panic(err)
	}

	sr.LogEntry(eventlog.KindAllocate, uint64(primary), 0)

	if err := m.db.AppendToChain(r, sr); err != nil {
		m.releaseSurrogate(sr)
		m.db.AcquireLock(r, level)

		return r, false, fmt.Errorf("chaining surrogate %s: %w", id, err)
	}

	s.lock.Acquire(level)
	s.surrogate = sr
	s.usesSurrogate = true
	s.lock.Release()

	m.invoke(HookPosSurrogateSpawn, sr, s)

	return sr, true, nil
}

// FinalizeSurrogate ends the surrogate sr of session s once its operation
// completed. A buffered transfer is unbuffered, the result is propagated to
// the primary record original, the surrogate is removed from the chain and
// released, and the notifier of the primary is told with
// SurrogateCompleted.
//
// sr must be locked. On success the primary record is returned locked in its
// place.
func (m *Manager) FinalizeSurrogate(
	s *Session,
	sr *tracking.Record,
	original tracking.Identity,
	level priority.Level,
) (*tracking.Record, error) {
	if !sr.Flags().Has(tracking.FlagSurrogate) {
		return nil, fmt.Errorf("finalizing %s: %w", sr.Identity(), ErrNotSurrogate)
	}

	s.lock.Acquire(level)
	attached := s.surrogate == sr
	buffered := s.buffered
	s.lock.Release()

	if !attached {
		return nil, fmt.Errorf("finalizing %s in session %s: %w",
			sr.Identity(), s.id, ErrNotAttached)
	}

	if buffered != nil {
		if err := m.UnbufferIO(sr, buffered.transfer); err != nil {
			return nil, err
		}
	}

	head := m.db.ChainHead(sr)
	mismatch := head.Identity() != original
	if mismatch {
		m.db.Report(sr, tracking.ViolationChainMismatch, fmt.Sprintf(
			"chained under %s, finalized for %s", head.Identity(), original))
	}

	if err := m.db.RemoveFromChain(sr); err != nil && !mismatch {
		m.db.Report(sr, tracking.ViolationChainMismatch, err.Error())
	}

	s.lock.Acquire(level)
	s.surrogate = nil
	s.usesSurrogate = false
	s.lock.Release()

	id := sr.Identity()
	result := sr.Result()

	sr.SetSessionData(nil)
	sr.LogEntry(eventlog.KindSurrogateFinalize, uint64(original), 0)
	m.releaseSurrogate(sr)

	m.invoke(HookPosSurrogateFinalize, s, id)

	primary, ok := m.db.FindAndLock(original, level)
	if !ok {
		return nil, fmt.Errorf("finalizing surrogate %s: %w", id, ErrPrimaryGone)
	}

	primary.SetResult(result)
	primary.LogEntry(eventlog.KindSurrogateFinalize, uint64(id), 0)
	m.db.Notify(primary, tracking.SurrogateCompleted)

	return primary, nil
}

// releaseSurrogate completes and frees a locked surrogate. The registry holds
// one reference of each kind on a surrogate.
func (m *Manager) releaseSurrogate(sr *tracking.Record) {
	sr.LogEntry(eventlog.KindCompleteRequest, 0, 0)
	if freed, _ := m.db.Dereference(sr, tracking.RefSemantic); freed {
		return
	}

	sr.LogEntry(eventlog.KindFreeRequest, 0, 0)
	if freed, _ := m.db.Dereference(sr, tracking.RefIdentity); freed {
		return
	}

	m.db.ReleaseLock(sr)
}

// DereferenceSession drops a reference to s. The session is forgotten when
// its last reference is dropped, which is reported by the boolean return
// value.
func (m *Manager) DereferenceSession(s *Session) (bool, error) {
	last, err := s.dereference()
	if err != nil || !last {
		return false, err
	}

	m.lock.Acquire(priority.Dispatch)
	delete(m.sessions, s.id)
	m.lock.Release()

	m.invoke(HookPosSessionClose, s, nil)

	return true, nil
}

// CloseSession closes s and drops the reference taken when it was created.
// A surrogate still attached is reported as leaked. Closing a session twice
// fails with ErrSessionClosed.
func (m *Manager) CloseSession(s *Session) error {
	s.lock.Acquire(priority.Dispatch)
	if s.closed {
		s.lock.Release()
		return fmt.Errorf("closing session %s: %w", s.id, ErrSessionClosed)
	}

	s.closed = true
	sr := s.surrogate
	s.lock.Release()

	if sr != nil {
		m.db.AcquireLock(sr, priority.Dispatch)
		if !sr.Freed() {
			m.db.Report(sr, tracking.ViolationSurrogateLeaked, fmt.Sprintf(
				"session %s closed with surrogate attached", s.id))
		}
		m.db.ReleaseLock(sr)
	}

	_, err := m.DereferenceSession(s)

	return err
}

// Sessions returns a view of every session that has not been forgotten,
// ordered by ID.
func (m *Manager) Sessions() []Info {
	m.lock.Acquire(priority.Passive)
	list := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	m.lock.Release()

	infos := make([]Info, 0, len(list))
	for _, s := range list {
		infos = append(infos, s.Info())
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].ID < infos[j].ID
	})

	return infos
}
