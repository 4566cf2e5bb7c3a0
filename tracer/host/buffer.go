package host

import (
	"github.com/achilleasa/procrt/accel"
	"github.com/gogpu/gputypes"
)

// A Buffer is a host-memory allocation placed in the backend's simulated
// device address space.
type Buffer struct {
	label    string
	usage    gputypes.BufferUsage
	address  accel.Address
	data     []byte
	mapState gputypes.BufferMapState
}

func (b *Buffer) Label() string {
	return b.label
}

func (b *Buffer) Size() uint64 {
	return uint64(len(b.data))
}

func (b *Buffer) Usage() gputypes.BufferUsage {
	return b.usage
}

func (b *Buffer) Address() accel.Address {
	return b.address
}

func (b *Buffer) MapState() gputypes.BufferMapState {
	return b.mapState
}

// Returns true if addr falls inside the buffer.
func (b *Buffer) contains(addr accel.Address) bool {
	return addr >= b.address && uint64(addr-b.address) < b.Size()
}

// A view of a top-level structure.
type View struct {
	location accel.Address
}

func (v *View) Location() accel.Address {
	return v.location
}
