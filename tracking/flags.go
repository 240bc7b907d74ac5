package tracking

import "strings"

// Flags is the flag set of a record.
type Flags uint32

// A list of record flags.
const (
	FlagActive Flags = 1 << iota
	FlagSurrogate
	FlagBuffered
	FlagForwarded
	FlagCompleted
	FlagCancelled
	FlagFreed
	FlagCounterUnderflow
	FlagViolation
	FlagAbandoned

	examineShift = 12
	examineMask  = Flags(3) << examineShift
)

var flagNames = []struct {
	flag Flags
	name string
}{
	{FlagActive, "Active"},
	{FlagSurrogate, "Surrogate"},
	{FlagBuffered, "Buffered"},
	{FlagForwarded, "Forwarded"},
	{FlagCompleted, "Completed"},
	{FlagCancelled, "Cancelled"},
	{FlagFreed, "Freed"},
	{FlagCounterUnderflow, "CounterUnderflow"},
	{FlagViolation, "Violation"},
	{FlagAbandoned, "Abandoned"},
}

// Has returns true if every bit of f2 is set in f.
func (f Flags) Has(f2 Flags) bool {
	return f&f2 == f2
}

// Examine returns the examine state encoded in the flags.
func (f Flags) Examine() Examine {
	return Examine((f & examineMask) >> examineShift)
}

func (f Flags) withExamine(e Examine) Flags {
	return (f &^ examineMask) | (Flags(e) << examineShift)
}

func (f Flags) String() string {
	names := make([]string, 0, len(flagNames)+1)

	for _, fn := range flagNames {
		if f.Has(fn.flag) {
			names = append(names, fn.name)
		}
	}

	names = append(names, f.Examine().String())

	return strings.Join(names, "|")
}

// Examine is the tri-state that records whether a request object is being
// examined by the verifier.
type Examine uint8

// The examine states.
const (
	ExamineUnmarked Examine = iota
	ExamineTracked
	ExamineNotTracked
)

func (e Examine) String() string {
	switch e {
	case ExamineTracked:
		return "Tracked"
	case ExamineNotTracked:
		return "NotTracked"
	default:
		return "Unmarked"
	}
}
