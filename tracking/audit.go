package tracking

import "github.com/sarchlab/iotrack/eventlog"

// Finding is a violation found by Audit, located by the index of the event
// that exposes it.
type Finding struct {
	Index int
	Kind  ViolationKind
}

// Audit replays an event log and returns the lifecycle violations it shows.
// The expected order is Allocate, any number of CallDriver and
// CallDriverUnwind pairs with their completion routines, one
// CompleteRequest, and finally FreeRequest.
//
// The log is bounded, so a log whose oldest entries were overwritten may
// start in the middle of a lifecycle. Audit only judges what it sees.
func Audit(entries []eventlog.Entry) []Finding {
	var (
		findings  []Finding
		forwarded bool
		completed bool
		freed     bool
	)

	truncated := len(entries) == eventlog.Capacity &&
		entries[0].Kind != eventlog.KindAllocate

	for i, e := range entries {
		if freed && e.Kind != eventlog.KindViolation {
			findings = append(findings, Finding{i, ViolationUseAfterFree})
			continue
		}

		switch e.Kind {
		case eventlog.KindCallDriver:
			if completed {
				findings = append(findings,
					Finding{i, ViolationCompletedRequestForwarded})
			}

			forwarded = true
		case eventlog.KindCompletionRoutine:
			if !forwarded && !truncated {
				findings = append(findings,
					Finding{i, ViolationCompletionOutOfOrder})
			}
		case eventlog.KindCompleteRequest:
			if completed {
				findings = append(findings, Finding{i, ViolationDoubleCompletion})
			}

			completed = true
		case eventlog.KindFreeRequest:
			if forwarded && !completed && !truncated {
				findings = append(findings, Finding{i, ViolationPrematureFree})
			}

			freed = true
		}
	}

	return findings
}
