// Package handlerstack drives request objects through a stack of layers the
// way a driver stack does, and reports every step to the tracking registry.
package handlerstack

import (
	"errors"

	"github.com/sarchlab/iotrack/priority"
	"github.com/sarchlab/iotrack/session"
	"github.com/sarchlab/iotrack/tracking"
)

var (
	// ErrRequestInFlight is returned when a request is submitted while a
	// request with the same identity is still tracked.
	ErrRequestInFlight = errors.New("handlerstack: request identity already in flight")

	// ErrNoLayers is returned by stacks built without layers.
	ErrNoLayers = errors.New("handlerstack: stack has no layers")

	// ErrPurged completes a request whose tracking record was purged by an
	// unloading layer while the request was in flight.
	ErrPurged = errors.New("handlerstack: request purged while in flight")
)

// Status is the completion status of a request.
type Status int32

// A list of completion statuses.
const (
	StatusSuccess Status = iota
	StatusFailed
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "Success"
	case StatusFailed:
		return "Failed"
	case StatusCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// Request is a request object submitted to a Stack.
type Request struct {
	Identity  tracking.Identity
	Operation tracking.Operation
	Direction session.Direction

	// Offset is where on the device the transfer starts.
	Offset uint64

	// Buffer is the caller's buffer. Reads fill it, writes consume it.
	Buffer []byte

	// Level is the priority level the request is submitted at.
	Level priority.Level
}

func (r *Request) args() [4]uint64 {
	return [4]uint64{r.Offset, uint64(len(r.Buffer)), uint64(r.Direction), 0}
}

// Completion is what the submitter learns when a request completes.
type Completion struct {
	Identity    tracking.Identity
	Status      Status
	Information uint64

	// Violations is the number of violations reported against the request
	// object itself. Violations on surrogates are only seen by hooks.
	Violations uint32

	// Surrogates is the number of surrogates that completed on behalf of
	// the request.
	Surrogates int

	// Err is the error returned by the layer that failed, if any.
	Err error
}
