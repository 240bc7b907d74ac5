package session

import "github.com/sarchlab/iotrack/tracking"

// NodeAttributes are the static properties of a layer of the handler stack.
type NodeAttributes uint32

// A list of layer attributes that drive the tracking policy.
const (
	// AttrDirectIO marks a layer that transfers data straight to and from
	// the caller's buffer.
	AttrDirectIO NodeAttributes = 1 << iota

	// AttrBufferedIO marks a layer that copies data into its own buffers.
	AttrBufferedIO

	// AttrUntracked marks a layer whose requests are not verified.
	AttrUntracked
)

// Has returns true if every attribute of a2 is set.
func (a NodeAttributes) Has(a2 NodeAttributes) bool {
	return a&a2 == a2
}

// A StackNode is a layer of the handler stack.
type StackNode interface {
	Name() string
	Attributes() NodeAttributes
}

// Policy is how a request is tracked at one layer.
type Policy struct {
	Trackable    bool
	UseSurrogate bool
}

// DeterminePolicy decides whether the request of r is tracked at node and
// whether its data transfer must be double-buffered through a surrogate.
//
// Layers that do direct transfers get a surrogate unless they also buffer on
// their own. A surrogate never gets another surrogate. DeterminePolicy has no
// side effects; r must be locked.
func DeterminePolicy(r *tracking.Record, node StackNode) Policy {
	attrs := node.Attributes()

	if attrs.Has(AttrUntracked) || r.Examine() == tracking.ExamineNotTracked {
		return Policy{}
	}

	p := Policy{Trackable: true}

	if attrs.Has(AttrDirectIO) &&
		!attrs.Has(AttrBufferedIO) &&
		!r.Flags().Has(tracking.FlagSurrogate) {
		p.UseSurrogate = true
	}

	return p
}
