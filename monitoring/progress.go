package monitoring

import (
	"sync/atomic"
	"time"
)

// ProgressBar counts the requests of a run as they are submitted and
// completed. It is safe for concurrent use.
type ProgressBar struct {
	id    string
	name  string
	start time.Time
	total uint64

	inFlight  atomic.Int64
	completed atomic.Uint64
	failed    atomic.Uint64
}

// Progress is what the monitor reports about a ProgressBar.
type Progress struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	StartTime time.Time     `json:"start_time"`
	Elapsed   time.Duration `json:"elapsed"`
	Total     uint64        `json:"total"`
	InFlight  int64         `json:"in_flight"`
	Completed uint64        `json:"completed"`
	Failed    uint64        `json:"failed"`
}

// Submitted counts a request entering the stack.
func (b *ProgressBar) Submitted() {
	b.inFlight.Add(1)
}

// Completed counts a request leaving the stack. Requests that did not
// succeed are also counted as failed.
func (b *ProgressBar) Completed(succeeded bool) {
	b.inFlight.Add(-1)
	b.completed.Add(1)

	if !succeeded {
		b.failed.Add(1)
	}
}

// Progress returns the current counts.
func (b *ProgressBar) Progress() Progress {
	return Progress{
		ID:        b.id,
		Name:      b.name,
		StartTime: b.start,
		Elapsed:   time.Since(b.start),
		Total:     b.total,
		InFlight:  b.inFlight.Load(),
		Completed: b.completed.Load(),
		Failed:    b.failed.Load(),
	}
}
