package tracking

import "fmt"

// Identity is the opaque key of a request object. The registry only hashes
// and compares it.
type Identity uint64

func (id Identity) String() string {
	return fmt.Sprintf("%#x", uint64(id))
}

// RefKind selects one of the two counters of a record.
type RefKind uint8

const (
	// RefSemantic counts reasons the record must stay alive, for example an
	// operation that is still in progress.
	RefSemantic RefKind = iota

	// RefIdentity counts reasons the record must stay findable by its
	// identity, for example a layer that still holds the raw handle.
	RefIdentity
)

// The packet/pointer reference kinds of the original verifier map onto the
// two counters as below. The mapping is an assumption kept in one place so
// it can be corrected without touching call sites.
const (
	PacketRefKind  = RefSemantic
	PointerRefKind = RefIdentity
)

func (k RefKind) String() string {
	switch k {
	case RefSemantic:
		return "Semantic"
	case RefIdentity:
		return "Identity"
	default:
		return fmt.Sprintf("RefKind(%d)", uint8(k))
	}
}

// NotifyReason tells a Notifier why it is invoked.
type NotifyReason uint8

// A list of reasons a record notifies its owner.
const (
	ReferenceCountZero NotifyReason = iota + 1
	PointerCountZero
	SurrogateCompleted
)

func (r NotifyReason) String() string {
	switch r {
	case ReferenceCountZero:
		return "ReferenceCountZero"
	case PointerCountZero:
		return "PointerCountZero"
	case SurrogateCompleted:
		return "SurrogateCompleted"
	default:
		return fmt.Sprintf("NotifyReason(%d)", uint8(r))
	}
}

// A Notifier is told when a counter of a record reaches zero and when a
// surrogate chained under the record completes.
//
// Notify runs while the record lock is held. It may call Dereference on the
// same record; it must not acquire the record lock again.
type Notifier interface {
	Notify(r *Record, reason NotifyReason)
}
