package handlerstack

import (
	"context"
	"sync"

	"github.com/sarchlab/iotrack/session"
)

// MemoryDevice is a Handler that stores written data in memory and serves
// reads from it. Unwritten bytes read as zero.
type MemoryDevice struct {
	mu   sync.Mutex
	data map[uint64]byte
}

// NewMemoryDevice creates an empty MemoryDevice.
func NewMemoryDevice() *MemoryDevice {
	return &MemoryDevice{data: make(map[uint64]byte)}
}

// Handle performs the transfer of io on the device.
func (d *MemoryDevice) Handle(ctx context.Context, io *IO) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	t := io.Transfer
	base := io.Request.Offset

	switch t.Direction {
	case session.DirectionRead:
		for i := range t.Data {
			t.Data[i] = d.data[base+uint64(i)]
		}
	case session.DirectionWrite:
		for i, b := range t.Data {
			d.data[base+uint64(i)] = b
		}
	}

	io.Information = uint64(len(t.Data))

	return nil
}

// Peek returns n bytes stored at offset.
func (d *MemoryDevice) Peek(offset uint64, n int) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]byte, n)
	for i := range out {
		out[i] = d.data[offset+uint64(i)]
	}

	return out
}
