package session

import (
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/sarchlab/iotrack/priority"
	"github.com/sarchlab/iotrack/tracking"
)

// GuardSize is the number of guard bytes placed on each side of the
// registry copy of a transfer.
const GuardSize = 16

// Direction is the direction of a data transfer, seen from the caller.
type Direction uint8

// The transfer directions.
const (
	DirectionRead Direction = iota
	DirectionWrite
)

func (d Direction) String() string {
	if d == DirectionWrite {
		return "Write"
	}

	return "Read"
}

// Transfer is the data transfer of a request.
type Transfer struct {
	Direction Direction

	// Buffer is the caller's buffer.
	Buffer []byte

	// Data is the buffer lower layers work on. While the transfer is
	// buffered it is the registry copy; its capacity reaches into the
	// trailing guard.
	Data []byte
}

type bufferedTransfer struct {
	transfer  *Transfer
	storage   []byte
	callerSum uint64
	dataSum   uint64
}

func (b *bufferedTransfer) data() []byte {
	return b.storage[GuardSize : len(b.storage)-GuardSize]
}

func guardByte(i int) byte {
	return 0xa5 ^ byte(i)
}

func fillGuard(g []byte) {
	for i := range g {
		g[i] = guardByte(i)
	}
}

func guardIntact(g []byte) bool {
	for i, b := range g {
		if b != guardByte(i) {
			return false
		}
	}

	return true
}

func sessionOf(sr *tracking.Record) (*Session, error) {
	if !sr.Flags().Has(tracking.FlagSurrogate) {
		return nil, fmt.Errorf("record %s: %w", sr.Identity(), ErrNotSurrogate)
	}

	s, ok := sr.SessionData().(*Session)
	if !ok || s == nil {
		return nil, fmt.Errorf("surrogate %s has no session: %w", sr.Identity(), ErrNotSurrogate)
	}

	return s, nil
}

// BufferIO copies the caller's buffer of t into registry storage and points
// t.Data at the copy, so that lower layers never touch the caller's memory.
// sr must be a locked surrogate.
func (m *Manager) BufferIO(sr *tracking.Record, t *Transfer) error {
	s, err := sessionOf(sr)
	if err != nil {
		return err
	}

	n := len(t.Buffer)
	storage := make([]byte, GuardSize+n+GuardSize)
	fillGuard(storage[:GuardSize])
	fillGuard(storage[GuardSize+n:])
	copy(storage[GuardSize:], t.Buffer)

	sum := xxhash.Sum64(t.Buffer)
	b := &bufferedTransfer{
		transfer:  t,
		storage:   storage,
		callerSum: sum,
		dataSum:   sum,
	}

	s.lock.Acquire(priority.Dispatch)
	if s.buffered != nil {
		s.lock.Release()
		return fmt.Errorf("buffering on %s: %w", sr.Identity(), ErrAlreadyBuffered)
	}
	s.buffered = b
	s.lock.Release()

	t.Data = storage[GuardSize : GuardSize+n]
	sr.SetFlags(tracking.FlagBuffered)

	return nil
}

// UnbufferIO ends the buffering of t. Reads are copied back to the caller's
// buffer. For writes, the caller's buffer and the registry copy must both be
// unchanged. Damaged guard bytes are reported as a buffer overrun. sr must
// be a locked surrogate.
func (m *Manager) UnbufferIO(sr *tracking.Record, t *Transfer) error {
	s, err := sessionOf(sr)
	if err != nil {
		return err
	}

	s.lock.Acquire(priority.Dispatch)
	b := s.buffered
	if b == nil || b.transfer != t {
		s.lock.Release()
		return fmt.Errorf("unbuffering on %s: %w", sr.Identity(), ErrNotBuffered)
	}
	s.buffered = nil
	s.lock.Release()

	data := b.data()

	if !guardIntact(b.storage[:GuardSize]) ||
		!guardIntact(b.storage[len(b.storage)-GuardSize:]) {
		m.db.Report(sr, tracking.ViolationBufferOverrun, fmt.Sprintf(
			"guard around %d byte %s buffer damaged", len(data), t.Direction))
	}

	switch t.Direction {
	case DirectionRead:
		copy(t.Buffer, data)
	case DirectionWrite:
		if xxhash.Sum64(t.Buffer) != b.callerSum {
			m.db.Report(sr, tracking.ViolationCallerBufferModified,
				"caller buffer changed while the write was in flight")
		}

		if xxhash.Sum64(data) != b.dataSum {
			m.db.Report(sr, tracking.ViolationWriteBufferModified,
				"lower layer changed the data of a write")
		}
	}

	t.Data = nil
	sr.ClearFlags(tracking.FlagBuffered)

	return nil
}
