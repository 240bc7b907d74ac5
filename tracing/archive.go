// Package tracing keeps a postmortem archive of released records and of the
// violations reported against them.
package tracing

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/sarchlab/iotrack/hooking"
	"github.com/sarchlab/iotrack/tracking"
)

// ArchiveWriter stores archived items.
type ArchiveWriter interface {
	WriteRecord(d tracking.Dump) error
	WriteViolation(v tracking.Violation) error
	Flush() error
}

// ArchiveHook forwards released records and violations to an ArchiveWriter.
//
// Hooks run under busy-wait locks, so the hook itself only queues the item.
// A background goroutine started with Start does the writing. Items that do
// not fit in the queue are dropped and counted.
type ArchiveHook struct {
	writer  ArchiveWriter
	queue   chan any
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
	started atomic.Bool
	dropped atomic.Uint64

	errMu sync.Mutex
	errs  []error
}

// NewArchiveHook creates an ArchiveHook with a queue of the given depth.
func NewArchiveHook(w ArchiveWriter, depth int) *ArchiveHook {
	return &ArchiveHook{
		writer: w,
		queue:  make(chan any, depth),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Func queues the item of the hook context if it is a released record or a
// violation.
func (h *ArchiveHook) Func(ctx hooking.HookCtx) {
	if ctx.Pos != tracking.HookPosRecordFree && ctx.Pos != tracking.HookPosViolation {
		return
	}

	select {
	case h.queue <- ctx.Item:
	default:
		h.dropped.Add(1)
	}
}

// Dropped returns how many items did not fit in the queue.
func (h *ArchiveHook) Dropped() uint64 {
	return h.dropped.Load()
}

// Start starts writing queued items in the background.
func (h *ArchiveHook) Start() {
	if h.started.CompareAndSwap(false, true) {
		go h.run()
	}
}

func (h *ArchiveHook) run() {
	defer close(h.done)

	for {
		select {
		case item := <-h.queue:
			h.write(item)
		case <-h.stop:
			for {
				select {
				case item := <-h.queue:
					h.write(item)
				default:
					return
				}
			}
		}
	}
}

func (h *ArchiveHook) write(item any) {
	var err error

	switch item := item.(type) {
	case tracking.Dump:
		err = h.writer.WriteRecord(item)
	case tracking.Violation:
		err = h.writer.WriteViolation(item)
	}

	if err != nil {
		h.errMu.Lock()
		h.errs = append(h.errs, err)
		h.errMu.Unlock()
	}
}

// Close writes what is still queued, stops the background goroutine and
// flushes the writer. It returns every write error seen so far.
func (h *ArchiveHook) Close() error {
	h.once.Do(func() { close(h.stop) })

	if h.started.CompareAndSwap(false, true) {
		h.run()
	}

	<-h.done

	h.errMu.Lock()
	defer h.errMu.Unlock()

	return errors.Join(append(h.errs, h.writer.Flush())...)
}
