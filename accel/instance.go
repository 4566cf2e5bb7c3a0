package accel

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/achilleasa/procrt/asset/scene"
)

// Largest value that fits the 24-bit instance id and hit group fields.
const maxInstanceField = 1<<24 - 1

// An instance record consumed by top-level builds.
//
// Packed layout (64 bytes, little-endian):
//
//	[0:48]  3x4 row-major transform
//	[48:52] id (24 bits) | mask << 24
//	[52:56] hit group contribution (24 bits) | flags << 24
//	[56:64] bottom-level structure address
type InstanceDesc struct {
	Transform                   [12]float32
	InstanceID                  uint32
	InstanceMask                uint8
	ContributionToHitGroupIndex uint32
	Flags                       scene.InstanceFlags
	AccelerationStructure       Address
}

// InstanceAssembler generates the instance stream for top-level builds. The
// record slice is reused between calls.
type InstanceAssembler struct {
	descs []InstanceDesc
}

// Generate one record per (Blas, Instance) pair in scene order. All instances
// of a Blas share a hit group contribution equal to rayTypeCount times the
// number of geometries in the preceding Blas groups. The returned slice is
// only valid until the next call.
func (a *InstanceAssembler) Assemble(sc *scene.Scene, blasAddresses []Address, rayTypeCount uint32) ([]InstanceDesc, error) {
	tlas := sc.Tlas()
	if len(blasAddresses) != len(tlas) {
		return nil, fmt.Errorf("%w: got %d blas addresses for %d blas", ErrInvalidBuffer, len(blasAddresses), len(tlas))
	}
	if sc.InstanceCount() == 0 {
		return nil, ErrNoInstances
	}

	a.descs = a.descs[:0]
	var contribution uint64
	for blasIndex, blas := range tlas {
		if contribution > maxInstanceField {
			return nil, fmt.Errorf("%w: hit group contribution %d for blas %d", ErrFieldOverflow, contribution, blasIndex)
		}

		for _, inst := range blas.Instances {
			if inst.ID > maxInstanceField {
				return nil, fmt.Errorf("%w: instance id %d", ErrFieldOverflow, inst.ID)
			}
			a.descs = append(a.descs, InstanceDesc{
				Transform:                   inst.Transform.RowMajor3x4(),
				InstanceID:                  inst.ID,
				InstanceMask:                inst.Mask,
				ContributionToHitGroupIndex: uint32(contribution),
				Flags:                       inst.Flags,
				AccelerationStructure:       blasAddresses[blasIndex],
			})
		}

		contribution += uint64(rayTypeCount) * uint64(len(blas.Geometries))
	}

	return a.descs, nil
}

// Pack instance records into their 64-byte device layout.
func EncodeInstances(descs []InstanceDesc) []byte {
	data := make([]byte, len(descs)*InstanceDescByteSize)
	for index, desc := range descs {
		rec := data[index*InstanceDescByteSize:]
		for i, v := range desc.Transform {
			binary.LittleEndian.PutUint32(rec[i*4:], math.Float32bits(v))
		}
		binary.LittleEndian.PutUint32(rec[48:], desc.InstanceID&maxInstanceField|uint32(desc.InstanceMask)<<24)
		binary.LittleEndian.PutUint32(rec[52:], desc.ContributionToHitGroupIndex&maxInstanceField|uint32(desc.Flags)<<24)
		binary.LittleEndian.PutUint64(rec[56:], uint64(desc.AccelerationStructure))
	}
	return data
}

// Unpack instance records produced by EncodeInstances.
func DecodeInstances(data []byte) ([]InstanceDesc, error) {
	if len(data)%InstanceDescByteSize != 0 {
		return nil, fmt.Errorf("%w: instance data length %d is not a multiple of %d", ErrInvalidBuffer, len(data), InstanceDescByteSize)
	}

	descs := make([]InstanceDesc, len(data)/InstanceDescByteSize)
	for index := range descs {
		rec := data[index*InstanceDescByteSize:]
		desc := &descs[index]
		for i := range desc.Transform {
			desc.Transform[i] = math.Float32frombits(binary.LittleEndian.Uint32(rec[i*4:]))
		}
		idMask := binary.LittleEndian.Uint32(rec[48:])
		desc.InstanceID = idMask & maxInstanceField
		desc.InstanceMask = uint8(idMask >> 24)
		hitFlags := binary.LittleEndian.Uint32(rec[52:])
		desc.ContributionToHitGroupIndex = hitFlags & maxInstanceField
		desc.Flags = scene.InstanceFlags(hitFlags >> 24)
		desc.AccelerationStructure = Address(binary.LittleEndian.Uint64(rec[56:]))
	}
	return descs, nil
}
