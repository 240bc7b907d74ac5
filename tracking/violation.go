package tracking

import "fmt"

// ViolationKind names a protocol violation committed by a collaborator.
type ViolationKind uint8

// A list of violations the registry detects.
const (
	ViolationCounterUnderflow ViolationKind = iota + 1
	ViolationDoubleCompletion
	ViolationPrematureFree
	ViolationCompletedRequestForwarded
	ViolationCompletionOutOfOrder
	ViolationUseAfterFree
	ViolationPriorityMismatch
	ViolationQuotaMismatch
	ViolationStaleHandle
	ViolationBufferOverrun
	ViolationCallerBufferModified
	ViolationWriteBufferModified
	ViolationLeakedAtUnload
	ViolationChainMismatch
	ViolationSurrogateLeaked
)

var violationNames = map[ViolationKind]string{
	ViolationCounterUnderflow:          "CounterUnderflow",
	ViolationDoubleCompletion:          "DoubleCompletion",
	ViolationPrematureFree:             "PrematureFree",
	ViolationCompletedRequestForwarded: "CompletedRequestForwarded",
	ViolationCompletionOutOfOrder:      "CompletionOutOfOrder",
	ViolationUseAfterFree:              "UseAfterFree",
	ViolationPriorityMismatch:          "PriorityMismatch",
	ViolationQuotaMismatch:             "QuotaMismatch",
	ViolationStaleHandle:               "StaleHandle",
	ViolationBufferOverrun:             "BufferOverrun",
	ViolationCallerBufferModified:      "CallerBufferModified",
	ViolationWriteBufferModified:       "WriteBufferModified",
	ViolationLeakedAtUnload:            "LeakedAtUnload",
	ViolationChainMismatch:             "ChainMismatch",
	ViolationSurrogateLeaked:           "SurrogateLeaked",
}

func (k ViolationKind) String() string {
	if name, ok := violationNames[k]; ok {
		return name
	}

	return fmt.Sprintf("ViolationKind(%d)", uint8(k))
}

// AllViolationKinds returns every violation kind, in declaration order.
func AllViolationKinds() []ViolationKind {
	kinds := make([]ViolationKind, 0, len(violationNames))
	for k := ViolationCounterUnderflow; k <= ViolationSurrogateLeaked; k++ {
		kinds = append(kinds, k)
	}

	return kinds
}

// Violation is a detected protocol violation. It is delivered to hooks at
// HookPosViolation.
type Violation struct {
	Kind     ViolationKind
	Identity Identity
	Handle   Handle
	Node     string
	Detail   string
	Trace    AllocationTrace
}

func (v Violation) Error() string {
	return fmt.Sprintf("%s on %s: %s", v.Kind, v.Identity, v.Detail)
}
