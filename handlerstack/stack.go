package handlerstack

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/sarchlab/iotrack/eventlog"
	"github.com/sarchlab/iotrack/priority"
	"github.com/sarchlab/iotrack/session"
	"github.com/sarchlab/iotrack/tracking"
)

// Faults make a request misbehave on purpose so that the registry has
// something to detect.
type Faults struct {
	// DoubleCompletion completes the request twice.
	DoubleCompletion bool

	// PrematureFree frees the request before its last semantic reference
	// is dropped.
	PrematureFree bool

	// PriorityMismatch forwards the request from the top layer at a level
	// other than the one it arrived at.
	PriorityMismatch bool

	// BufferOverrun makes the bottom layer write one byte past the end of
	// the transfer.
	BufferOverrun bool

	// LeakIdentity keeps the identity reference of the request after it
	// completed, so the record stays until the stack unloads.
	LeakIdentity bool
}

// A Builder can build stacks.
type Builder struct {
	db      *tracking.Database
	manager *session.Manager
	layers  []*Layer
}

// MakeBuilder creates a Builder.
func MakeBuilder() Builder {
	return Builder{}
}

// WithDatabase sets the tracking database requests are reported to.
func (b Builder) WithDatabase(db *tracking.Database) Builder {
	b.db = db
	return b
}

// WithManager sets the session manager. If not set, a manager with
// surrogates enabled is created on the database.
func (b Builder) WithManager(m *session.Manager) Builder {
	b.manager = m
	return b
}

// WithLayers appends layers to the stack, from the top down.
func (b Builder) WithLayers(layers ...*Layer) Builder {
	b.layers = append(append([]*Layer(nil), b.layers...), layers...)
	return b
}

// Build creates a stack.
func (b Builder) Build(name string) *Stack {
	if b.db == nil && b.manager == nil {
		log.Panicf("handlerstack: stack %s has no database", name)
	}

	if b.manager == nil {
		b.manager = session.MakeManagerBuilder().
			WithDatabase(b.db).
			Build(name + ".Sessions")
	}

	if b.db == nil {
		b.db = b.manager.Database()
	}

	return &Stack{
		name:    name,
		db:      b.db,
		manager: b.manager,
		layers:  b.layers,
	}
}

// Stack is an ordered list of layers that requests are passed down through
// and completed back up.
type Stack struct {
	name    string
	db      *tracking.Database
	manager *session.Manager
	layers  []*Layer
}

// Name returns the name of the stack.
func (s *Stack) Name() string {
	return s.name
}

// Layers returns the layers of the stack, from the top down.
func (s *Stack) Layers() []*Layer {
	return s.layers
}

// Manager returns the session manager of the stack.
func (s *Stack) Manager() *session.Manager {
	return s.manager
}

// Submit passes req down the stack and completes it. Each step is logged on
// the tracking record of req, or on its surrogate while one is attached.
// The record is released when Submit returns, unless a fault keeps it.
//
// The returned error is about the tracking of req. A layer failing or the
// context being cancelled completes the request with a matching status.
func (s *Stack) Submit(
	ctx context.Context,
	req *Request,
	faults Faults,
) (Completion, error) {
	if len(s.layers) == 0 {
		return Completion{}, ErrNoLayers
	}

	n := &requestNotifier{}

	r, created, err := s.db.InsertAndLock(req.Identity, n, req.Level)
	if err != nil {
		return Completion{}, fmt.Errorf("submitting %s: %w", req.Identity, err)
	}

	if !created {
		s.db.ReleaseLock(r)
		return Completion{}, fmt.Errorf("submitting %s: %w", req.Identity, ErrRequestInFlight)
	}

	r.SetOperation(req.Operation)
	r.SetArgs(req.args())
	r.SetArrivalPriority(req.Level)

	if err := s.db.Reference(r, tracking.RefSemantic); err != nil {
		panic(err)
	}

	r.LogEntry(eventlog.KindAllocate, uint64(req.Identity), 0)

	w := &walk{
		stack:       s,
		req:         req,
		faults:      faults,
		current:     r,
		surrogateAt: -1,
		io: &IO{
			Request: req,
			Transfer: &session.Transfer{
				Direction: req.Direction,
				Buffer:    req.Buffer,
				Data:      req.Buffer,
			},
		},
	}

	w.descend(ctx)

	err = w.ascend()
	c := w.complete(n)
	err = errors.Join(err, w.closeErr)

	if err != nil {
		c.Status = StatusFailed
		c.Err = err

		return c, err
	}

	return c, nil
}

// Unload purges whatever the layers of the stack left behind in the
// registry and returns how many records were purged.
func (s *Stack) Unload() int {
	purged := 0
	for _, l := range s.layers {
		purged += s.db.DeleteLogsFor(l.Name())
	}

	return purged
}

// requestNotifier counts the surrogates that completed on behalf of a
// request. It only runs under the record lock.
type requestNotifier struct {
	surrogates int
}

func (n *requestNotifier) Notify(_ *tracking.Record, reason tracking.NotifyReason) {
	if reason == tracking.SurrogateCompleted {
		n.surrogates++
	}
}

// walk is the progress of one request through a stack. current is the
// record the request is tracked on and is locked, except while a layer
// handles the request.
type walk struct {
	stack  *Stack
	req    *Request
	faults Faults
	io     *IO

	current     *tracking.Record
	sess        *session.Session
	surrogateAt int
	depth       int

	status   Status
	err      error
	closeErr error
}

func (w *walk) level() priority.Level {
	return w.req.Level
}

func (w *walk) descend(ctx context.Context) {
	db := w.stack.db
	bottom := len(w.stack.layers) - 1

	for i, l := range w.stack.layers {
		if err := ctx.Err(); err != nil {
			w.current.LogEntry(eventlog.KindCancelRequest, uint64(i), 0)
			w.fail(StatusCancelled, err)

			return
		}

		w.current.Advance(l.Name())

		if err := w.enter(i, l); err != nil {
			w.fail(StatusFailed, err)
			if w.current.Freed() {
				w.reattach()
			}

			return
		}

		departure := w.level()
		if w.faults.PriorityMismatch && i == 0 {
			departure = otherLevel(departure)
		}

		w.current.SetDeparturePriority(departure)
		w.current.LogEntry(eventlog.KindCallDriver, uint64(i), 0)
		w.depth = i + 1

		db.ReleaseLock(w.current)

		err := l.handler.Handle(ctx, w.io)
		if w.faults.BufferOverrun && i == bottom {
			t := w.io.Transfer
			t.Data = append(t.Data, 0xff)
		}

		db.AcquireLock(w.current, w.level())

		if w.current.Freed() {
			w.fail(StatusFailed, fmt.Errorf("returning from %s: %w", l.Name(), ErrPurged))
			w.reattach()

			return
		}

		w.current.LogEntry(eventlog.KindCallDriverUnwind, uint64(i), 0)

		if err != nil {
			status := StatusFailed
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				status = StatusCancelled
				w.current.LogEntry(eventlog.KindCancelRequest, uint64(i), 0)
			}

			w.fail(status, err)

			return
		}
	}
}

func (w *walk) fail(status Status, err error) {
	w.status = status
	w.err = err
}

// enter runs the session protocol for the arrival of the request at layer
// i. A session starts at the first tracked layer.
func (w *walk) enter(i int, l *Layer) error {
	m := w.stack.manager

	var (
		current *tracking.Record
		spawned bool
		err     error
	)

	if w.sess == nil {
		if l.Attributes().Has(session.AttrUntracked) {
			return nil
		}

		var s *session.Session
		s, current, spawned, err = m.CreateSession(l, w.current, w.level())
		w.sess = s
	} else {
		current, spawned, err = m.AdvanceSession(l, w.sess, w.current, w.level())
	}

	if err != nil {
		return err
	}

	w.current = current

	if spawned {
		w.surrogateAt = i
		return m.BufferIO(w.current, w.io.Transfer)
	}

	return nil
}

// reattach drops the lock of a purged record. If the record was a
// surrogate, the walk continues on the primary when it is still tracked,
// as deep as the primary itself was forwarded. Otherwise nothing is left to
// track and current becomes nil.
func (w *walk) reattach() {
	db := w.stack.db
	db.ReleaseLock(w.current)
	w.current = nil

	if w.surrogateAt < 0 {
		return
	}

	w.depth = w.surrogateAt
	w.surrogateAt = -1

	if p, ok := db.FindAndLock(w.req.Identity, w.level()); ok {
		w.current = p
	}
}

func (w *walk) ascend() error {
	if w.current == nil {
		return nil
	}

	w.current.SetResult(tracking.Result{
		Status:      int32(w.status),
		Information: w.io.Information,
	})

	for i := w.depth - 1; i >= 0; i-- {
		l := w.stack.layers[i]

		w.current.LogEntry(eventlog.KindCompletionRoutine, uint64(i), 0)
		w.current.Retreat(l.Name())

		if i == w.surrogateAt {
			if err := w.finalize(); err != nil {
				return err
			}
		}
	}

	if w.surrogateAt >= 0 {
		return w.finalize()
	}

	return nil
}

// finalize hands the request back from its surrogate to the primary. If
// that fails, the surrogate is left to the session, which reports it when
// closed, and the walk continues on the primary if it is still tracked.
func (w *walk) finalize() error {
	db := w.stack.db

	sr := w.current

	primary, err := w.stack.manager.FinalizeSurrogate(
		w.sess, sr, w.req.Identity, w.level())

	w.surrogateAt = -1

	if err == nil {
		w.current = primary
		return nil
	}

	w.current = nil

	if !errors.Is(err, session.ErrPrimaryGone) {
		db.ReleaseLock(sr)
		w.current, _ = db.FindAndLock(w.req.Identity, w.level())
	}

	return fmt.Errorf("completing %s: %w", w.req.Identity, err)
}

func (w *walk) completion(n *requestNotifier) Completion {
	return Completion{
		Identity:    w.req.Identity,
		Status:      w.status,
		Information: w.io.Information,
		Surrogates:  n.surrogates,
		Err:         w.err,
	}
}

func (w *walk) closeSession() {
	if w.sess == nil {
		return
	}

	if err := w.stack.manager.CloseSession(w.sess); err != nil {
		w.closeErr = fmt.Errorf("completing %s: %w", w.req.Identity, err)
	}
}

func (w *walk) complete(n *requestNotifier) Completion {
	db := w.stack.db
	r := w.current

	if r == nil {
		w.closeSession()
		return w.completion(n)
	}

	r.LogEntry(eventlog.KindCompleteRequest, 0, 0)
	if w.faults.DoubleCompletion {
		r.LogEntry(eventlog.KindCompleteRequest, 0, 0)
	}

	if w.sess != nil {
		r.SetSessionData(nil)
		w.closeSession()
	}

	if w.faults.PrematureFree {
		r.LogEntry(eventlog.KindFreeRequest, 0, 0)
	}

	res := r.Result()
	c := w.completion(n)
	c.Status = Status(res.Status)
	c.Information = res.Information
	c.Violations = r.Violations()

	if _, err := db.Dereference(r, tracking.RefSemantic); err != nil {
		if errors.Is(err, tracking.ErrRecordFreed) {
			db.ReleaseLock(r)
			return c
		}

		panic(err)
	}

	if !w.faults.PrematureFree {
		r.LogEntry(eventlog.KindFreeRequest, 0, 0)
	}

	if w.faults.LeakIdentity {
		db.ReleaseLock(r)
		return c
	}

	if freed, _ := db.Dereference(r, tracking.RefIdentity); !freed {
		db.ReleaseLock(r)
	}

	return c
}

func otherLevel(l priority.Level) priority.Level {
	if l == priority.Passive {
		return priority.Dispatch
	}

	return priority.Passive
}
