package tracking

import (
	"bytes"
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// TraceDepth is the number of frames kept in an allocation trace.
const TraceDepth = 8

// AllocationTrace is the call path captured when a record is created.
type AllocationTrace struct {
	PC [TraceDepth]uintptr
}

// captureTrace records the stack of the caller, skipping skip frames above
// captureTrace itself.
func captureTrace(skip int) AllocationTrace {
	var t AllocationTrace

	runtime.Callers(skip+2, t.PC[:])

	return t
}

// Frames returns "function file:line" strings for the captured frames.
func (t AllocationTrace) Frames() []string {
	n := 0
	for n < TraceDepth && t.PC[n] != 0 {
		n++
	}

	if n == 0 {
		return nil
	}

	frames := runtime.CallersFrames(t.PC[:n])
	out := make([]string, 0, n)

	for {
		frame, more := frames.Next()
		if frame.PC != 0 {
			out = append(out,
				fmt.Sprintf("%s %s:%d", frame.Function, frame.File, frame.Line))
		}

		if !more {
			break
		}
	}

	return out
}

func (t AllocationTrace) String() string {
	frames := t.Frames()
	if len(frames) == 0 {
		return "<unknown>"
	}

	return strings.Join(frames, "\n")
}

// A TimeTeller tells the current time in nanoseconds.
type TimeTeller interface {
	Now() int64
}

type wallClock struct{}

func (wallClock) Now() int64 {
	return time.Now().UnixNano()
}

// A ThreadTeller identifies the execution context that logs an event.
type ThreadTeller interface {
	Thread() uint64
}

type goroutineTeller struct{}

// Thread returns the id of the calling goroutine, parsed from the header of
// its stack dump ("goroutine 123 [running]:").
func (goroutineTeller) Thread() uint64 {
	var buf [64]byte

	n := runtime.Stack(buf[:], false)
	line := bytes.TrimPrefix(buf[:n], []byte("goroutine "))

	end := bytes.IndexByte(line, ' ')
	if end < 0 {
		return 0
	}

	id, err := strconv.ParseUint(string(line[:end]), 10, 64)
	if err != nil {
		return 0
	}

	return id
}
