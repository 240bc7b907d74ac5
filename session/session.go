package session

import (
	"fmt"
	"sync/atomic"

	"github.com/sarchlab/iotrack/priority"
	"github.com/sarchlab/iotrack/spinlock"
	"github.com/sarchlab/iotrack/tracking"
)

// A Session follows one request object through the layers of the handler
// stack for the duration of one logical operation.
type Session struct {
	id      string
	primary tracking.Identity

	// lock is a leaf lock guarding the fields below it.
	lock          spinlock.Lock
	node          StackNode
	usesSurrogate bool
	surrogate     *tracking.Record
	buffered      *bufferedTransfer
	closed        bool

	refCount atomic.Int32
}

// ID returns the unique ID of the session.
func (s *Session) ID() string {
	return s.id
}

// Primary returns the identity of the request object the session follows.
func (s *Session) Primary() tracking.Identity {
	return s.primary
}

// Node returns the layer the request was last seen at.
func (s *Session) Node() StackNode {
	s.lock.Acquire(priority.Dispatch)
	defer s.lock.Release()

	return s.node
}

// Surrogate returns the attached surrogate record, or nil.
func (s *Session) Surrogate() *tracking.Record {
	s.lock.Acquire(priority.Dispatch)
	defer s.lock.Release()

	return s.surrogate
}

// UsesSurrogate tells if a surrogate is attached.
func (s *Session) UsesSurrogate() bool {
	s.lock.Acquire(priority.Dispatch)
	defer s.lock.Release()

	return s.usesSurrogate
}

// Closed tells if the session has been closed.
func (s *Session) Closed() bool {
	s.lock.Acquire(priority.Dispatch)
	defer s.lock.Release()

	return s.closed
}

// References returns the reference count of the session.
func (s *Session) References() int32 {
	return s.refCount.Load()
}

// Reference takes a reference on the session. A session whose count already
// reached zero cannot be revived.
func (s *Session) Reference() error {
	for {
		c := s.refCount.Load()
		if c <= 0 {
			return fmt.Errorf("referencing session %s: %w", s.id, ErrSessionClosed)
		}

		if s.refCount.CompareAndSwap(c, c+1) {
			return nil
		}
	}
}

// dereference drops a reference and returns true when it was the last one.
func (s *Session) dereference() (bool, error) {
	for {
		c := s.refCount.Load()
		if c <= 0 {
			return false, fmt.Errorf("dereferencing session %s: %w", s.id, ErrSessionUnderflow)
		}

		if s.refCount.CompareAndSwap(c, c-1) {
			return c == 1, nil
		}
	}
}

// Info is a read-only view of a session.
type Info struct {
	ID            string            `json:"id"`
	Primary       tracking.Identity `json:"primary"`
	Node          string            `json:"node"`
	UsesSurrogate bool              `json:"uses_surrogate"`
	Surrogate     tracking.Identity `json:"surrogate,omitempty"`
	Buffered      bool              `json:"buffered"`
	References    int32             `json:"references"`
}

// Info returns a view of the session.
func (s *Session) Info() Info {
	s.lock.Acquire(priority.Dispatch)
	defer s.lock.Release()

	info := Info{
		ID:            s.id,
		Primary:       s.primary,
		UsesSurrogate: s.usesSurrogate,
		Buffered:      s.buffered != nil,
		References:    s.refCount.Load(),
	}

	if s.node != nil {
		info.Node = s.node.Name()
	}

	if s.surrogate != nil {
		info.Surrogate = s.surrogate.Identity()
	}

	return info
}
