// Package verifier reports what the registry detects through structured
// logging.
package verifier

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/sarchlab/iotrack/hooking"
	"github.com/sarchlab/iotrack/session"
	"github.com/sarchlab/iotrack/tracking"
)

// LogHook logs violations as warnings and lifecycle events at debug level.
// When a record is released, its event log is audited once more and the
// findings are logged as well.
//
// The hook is raised under record locks, so Func only queues the context.
// The logging happens on a goroutine started with Start. Contexts that do
// not fit in the queue are dropped and counted.
type LogHook struct {
	logger  *zap.Logger
	queue   chan hooking.HookCtx
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
	started atomic.Bool
	dropped atomic.Uint64
}

// NewLogHook creates a LogHook writing to logger with a queue of the given
// depth.
func NewLogHook(logger *zap.Logger, depth int) *LogHook {
	return &LogHook{
		logger: logger,
		queue:  make(chan hooking.HookCtx, depth),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Func queues the hook context if it is something to log.
func (h *LogHook) Func(ctx hooking.HookCtx) {
	switch ctx.Pos {
	case tracking.HookPosViolation,
		tracking.HookPosRecordFree,
		session.HookPosSurrogateSpawn,
		session.HookPosSurrogateFinalize,
		session.HookPosSessionClose:
	default:
		return
	}

	select {
	case h.queue <- ctx:
	default:
		h.dropped.Add(1)
	}
}

// Dropped returns how many contexts did not fit in the queue.
func (h *LogHook) Dropped() uint64 {
	return h.dropped.Load()
}

// Start starts logging queued contexts in the background.
func (h *LogHook) Start() {
	if h.started.CompareAndSwap(false, true) {
		go h.run()
	}
}

// Close logs what is still queued and stops the background goroutine.
func (h *LogHook) Close() {
	h.once.Do(func() { close(h.stop) })

	if h.started.CompareAndSwap(false, true) {
		h.run()
	}

	<-h.done
}

func (h *LogHook) run() {
	defer close(h.done)

	for {
		select {
		case ctx := <-h.queue:
			h.log(ctx)
		case <-h.stop:
			for {
				select {
				case ctx := <-h.queue:
					h.log(ctx)
				default:
					return
				}
			}
		}
	}
}

func (h *LogHook) log(ctx hooking.HookCtx) {
	switch ctx.Pos {
	case tracking.HookPosViolation:
		h.logViolation(ctx.Item.(tracking.Violation))
	case tracking.HookPosRecordFree:
		h.logFree(ctx.Item.(tracking.Dump))
	case session.HookPosSurrogateSpawn:
		sr := ctx.Item.(*tracking.Record)
		s := ctx.Detail.(*session.Session)
		h.logger.Debug("surrogate spawned",
			zap.Stringer("surrogate", sr.Identity()),
			zap.Stringer("primary", s.Primary()),
			zap.String("session", s.ID()))
	case session.HookPosSurrogateFinalize:
		s := ctx.Item.(*session.Session)
		h.logger.Debug("surrogate finalized",
			zap.Any("surrogate", ctx.Detail),
			zap.Stringer("primary", s.Primary()),
			zap.String("session", s.ID()))
	case session.HookPosSessionClose:
		s := ctx.Item.(*session.Session)
		h.logger.Debug("session closed", zap.String("session", s.ID()))
	}
}

func (h *LogHook) logViolation(v tracking.Violation) {
	fields := []zap.Field{
		zap.Stringer("kind", v.Kind),
		zap.String("detail", v.Detail),
	}

	if v.Handle.Valid() {
		fields = append(fields,
			zap.Stringer("identity", v.Identity),
			zap.Stringer("handle", v.Handle),
			zap.String("node", v.Node),
			zap.Strings("trace", v.Trace.Frames()))
	}

	h.logger.Warn("protocol violation", fields...)
}

func (h *LogHook) logFree(d tracking.Dump) {
	h.logger.Debug("record released",
		zap.Stringer("identity", d.Identity),
		zap.Stringer("flags", d.Flags),
		zap.Uint32("violations", d.Violations),
		zap.Int64("lifetime", d.ReleasedAt-d.CreatedAt))

	for _, f := range tracking.Audit(d.Events) {
		h.logger.Debug("audit finding",
			zap.Stringer("identity", d.Identity),
			zap.Stringer("kind", f.Kind),
			zap.Stringer("event", d.Events[f.Index].Kind),
			zap.Int("index", f.Index))
	}
}
