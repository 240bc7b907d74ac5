// Package eventlog implements the bounded per-record event log that is kept
// for postmortem diagnosis of a tracked request object.
package eventlog

import "fmt"

// Capacity is the number of entries an event log keeps.
const Capacity = 16

// Kind identifies what happened to a request object.
type Kind uint8

// A list of event kinds that a collaborator or the registry may log.
const (
	KindNone Kind = iota
	KindAllocate
	KindCallDriver
	KindCallDriverUnwind
	KindCompletionRoutine
	KindCompleteRequest
	KindCancelRequest
	KindFreeRequest
	KindSurrogateSpawn
	KindSurrogateFinalize
	KindViolation
)

var kindNames = [...]string{
	KindNone:              "None",
	KindAllocate:          "Allocate",
	KindCallDriver:        "CallDriver",
	KindCallDriverUnwind:  "CallDriverUnwind",
	KindCompletionRoutine: "CompletionRoutine",
	KindCompleteRequest:   "CompleteRequest",
	KindCancelRequest:     "CancelRequest",
	KindFreeRequest:       "FreeRequest",
	KindSurrogateSpawn:    "SurrogateSpawn",
	KindSurrogateFinalize: "SurrogateFinalize",
	KindViolation:         "Violation",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}

	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Entry is one logged event.
type Entry struct {
	Kind      Kind   `json:"kind"`
	Thread    uint64 `json:"thread"`
	Address   uint64 `json:"address"`
	Data      uint64 `json:"data"`
	Timestamp int64  `json:"timestamp"`
}

// Log is a fixed-capacity ring of entries. When the ring is full, appending
// overwrites the oldest entry. A Log is not safe for concurrent use; the
// owning record's lock protects it.
type Log struct {
	entries [Capacity]Entry
	head    int
	tail    int
	full    bool
}

// Append adds an entry, overwriting the oldest one if the log is full.
func (l *Log) Append(e Entry) {
	l.entries[l.tail] = e
	l.tail = (l.tail + 1) % Capacity

	if l.full {
		l.head = l.tail
		return
	}

	if l.tail == l.head {
		l.full = true
	}
}

// Len returns the number of entries currently held.
func (l *Log) Len() int {
	if l.full {
		return Capacity
	}

	return (l.tail - l.head + Capacity) % Capacity
}

// Capacity returns the maximum number of entries.
func (l *Log) Capacity() int {
	return Capacity
}

// Entries returns the held entries, oldest first.
func (l *Log) Entries() []Entry {
	n := l.Len()
	out := make([]Entry, n)

	for i := 0; i < n; i++ {
		out[i] = l.entries[(l.head+i)%Capacity]
	}

	return out
}

// Last returns the most recent entry.
func (l *Log) Last() (Entry, bool) {
	if l.Len() == 0 {
		return Entry{}, false
	}

	return l.entries[(l.tail-1+Capacity)%Capacity], true
}

// Reset removes all entries.
func (l *Log) Reset() {
	*l = Log{}
}
