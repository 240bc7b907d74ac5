package session

import "errors"

var (
	// ErrSessionClosed is returned when a closed session is used.
	ErrSessionClosed = errors.New("session: session closed")

	// ErrSessionUnderflow is returned when a session without references is
	// dereferenced.
	ErrSessionUnderflow = errors.New("session: reference count underflow")

	// ErrNotSurrogate is returned when a surrogate operation is given a
	// record that is not a surrogate.
	ErrNotSurrogate = errors.New("session: record is not a surrogate")

	// ErrNotAttached is returned when a surrogate is finalized through a
	// session it is not attached to.
	ErrNotAttached = errors.New("session: surrogate not attached to session")

	// ErrAlreadyBuffered is returned when a surrogate already buffers a
	// transfer.
	ErrAlreadyBuffered = errors.New("session: transfer already buffered")

	// ErrNotBuffered is returned when a transfer that was never buffered is
	// unbuffered.
	ErrNotBuffered = errors.New("session: transfer not buffered")

	// ErrPrimaryGone is returned when the primary record of a finalized
	// surrogate can no longer be found.
	ErrPrimaryGone = errors.New("session: primary record no longer tracked")

	// ErrSurrogateIdentityInUse is returned when the identity picked for a
	// new surrogate is already tracked.
	ErrSurrogateIdentityInUse = errors.New("session: surrogate identity in use")
)
