package tracking

import (
	"fmt"

	"github.com/sarchlab/iotrack/priority"
	"github.com/sarchlab/iotrack/spinlock"
)

// Handle is a generation-checked reference to a record slot. A handle kept
// after its record is freed no longer resolves, even when the slot has been
// reused by another record.
type Handle struct {
	Index      uint32 `json:"index"`
	Generation uint32 `json:"generation"`
}

// Valid returns false for the zero handle.
func (h Handle) Valid() bool {
	return h.Generation != 0
}

func (h Handle) String() string {
	return fmt.Sprintf("%d#%d", h.Index, h.Generation)
}

type slot struct {
	record     *Record
	generation uint32
}

// slab owns the slots records live in. Its lock is a leaf: nothing else is
// acquired while it is held.
type slab struct {
	lock     spinlock.Lock
	slots    []slot
	free     []uint32
	capacity int
}

func newSlab(capacity int) *slab {
	return &slab{capacity: capacity}
}

func (s *slab) alloc(r *Record) (Handle, error) {
	s.lock.Acquire(priority.Dispatch)
	defer s.lock.Release()

	var index uint32

	switch {
	case len(s.free) > 0:
		index = s.free[len(s.free)-1]
		s.free = s.free[:len(s.free)-1]
	case len(s.slots) < s.capacity:
		s.slots = append(s.slots, slot{generation: 1})
		index = uint32(len(s.slots) - 1)
	default:
		return Handle{}, ErrOutOfMemory
	}

	sl := &s.slots[index]
	sl.record = r

	return Handle{Index: index, Generation: sl.generation}, nil
}

func (s *slab) release(h Handle) {
	s.lock.Acquire(priority.Dispatch)
	defer s.lock.Release()

	sl := &s.slots[h.Index]
	if sl.generation != h.Generation || sl.record == nil {
		panic(fmt.Sprintf("tracking: slot %s released twice", h))
	}

	sl.record = nil
	sl.generation++
	if sl.generation == 0 {
		sl.generation = 1
	}

	s.free = append(s.free, h.Index)
}

func (s *slab) lookup(h Handle) (*Record, bool) {
	s.lock.Acquire(priority.Dispatch)
	defer s.lock.Release()

	if int(h.Index) >= len(s.slots) {
		return nil, false
	}

	sl := s.slots[h.Index]
	if sl.generation != h.Generation || sl.record == nil {
		return nil, false
	}

	return sl.record, true
}

func (s *slab) inUse() int {
	s.lock.Acquire(priority.Dispatch)
	defer s.lock.Release()

	return len(s.slots) - len(s.free)
}
