package accel

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/achilleasa/procrt/asset/scene"
	"github.com/gogpu/gputypes"
)

// Label of the buffer holding the AABBs of all scene primitives.
const GeometryBufferLabel = "ProceduralGeometryBuffer"

// GeometryLayout tracks the shared AABB buffer and the geometry descriptors
// that reference it. AABBs are stored Blas-major, Geometry-minor.
type GeometryLayout struct {
	buffer Buffer

	// Geometry descriptors per Blas.
	descs [][]GeometryDesc

	// Byte offset of each geometry inside buffer.
	offsets [][]uint64
}

// Flatten all scene primitives into a single geometry buffer and generate
// the geometry descriptors for each Blas.
func BuildGeometry(b Backend, sc *scene.Scene) (*GeometryLayout, error) {
	tlas := sc.Tlas()

	layout := &GeometryLayout{
		descs:   make([][]GeometryDesc, len(tlas)),
		offsets: make([][]uint64, len(tlas)),
	}

	var totalPrims uint64
	for blasIndex, blas := range tlas {
		if len(blas.Geometries) == 0 {
			return nil, fmt.Errorf("%w: blas %d has no geometries", ErrEmptyBuildInput, blasIndex)
		}
		for geomIndex, geom := range blas.Geometries {
			if len(geom.Primitives) == 0 {
				return nil, fmt.Errorf("%w: blas %d geometry %d (%q) has no primitives", ErrEmptyBuildInput, blasIndex, geomIndex, geom.Name)
			}
			totalPrims += uint64(len(geom.Primitives))
		}
	}
	if totalPrims == 0 {
		return nil, ErrEmptyScene
	}

	data := make([]byte, 0, totalPrims*AABBByteSize)
	for blasIndex, blas := range tlas {
		for _, geom := range blas.Geometries {
			layout.offsets[blasIndex] = append(layout.offsets[blasIndex], uint64(len(data)))
			data = appendAABBs(data, geom.Primitives)
		}
	}

	buf, err := b.CreateBuffer(&gputypes.BufferDescriptor{
		Label: GeometryBufferLabel,
		Size:  uint64(len(data)),
		Usage: gputypes.BufferUsageStorage | gputypes.BufferUsageCopyDst,
	}, data)
	if err != nil {
		return nil, fmt.Errorf("accel: could not create geometry buffer: %w", err)
	}
	b.Barrier(buf, BarrierShaderResource)
	layout.buffer = buf

	for blasIndex, blas := range tlas {
		for geomIndex, geom := range blas.Geometries {
			layout.descs[blasIndex] = append(layout.descs[blasIndex], GeometryDesc{
				Flags:     GeometryFlagNone,
				AABBCount: uint64(len(geom.Primitives)),
				AABBs: StridedRange{
					Start:  buf.Address() + Address(layout.offsets[blasIndex][geomIndex]),
					Stride: AABBByteSize,
				},
			})
		}
	}

	return layout, nil
}

// Get the geometry buffer.
func (l *GeometryLayout) Buffer() Buffer {
	return l.buffer
}

// Get the number of Blas groups covered by the layout.
func (l *GeometryLayout) BlasCount() int {
	return len(l.descs)
}

// Get the geometry descriptors of a Blas.
func (l *GeometryLayout) Descs(blasIndex int) []GeometryDesc {
	return l.descs[blasIndex]
}

// Upload new AABBs for a geometry. The primitive count must match the one
// the layout was built with.
func (l *GeometryLayout) WritePrimitives(b Backend, blasIndex, geomIndex int, prims []scene.BoundingBox) error {
	if blasIndex < 0 || blasIndex >= len(l.descs) || geomIndex < 0 || geomIndex >= len(l.descs[blasIndex]) {
		return fmt.Errorf("%w: no geometry %d in blas %d", ErrInvalidBuffer, geomIndex, blasIndex)
	}
	if uint64(len(prims)) != l.descs[blasIndex][geomIndex].AABBCount {
		return fmt.Errorf("%w: blas %d geometry %d expects %d primitives; got %d",
			ErrPrimitiveCountMismatch, blasIndex, geomIndex, l.descs[blasIndex][geomIndex].AABBCount, len(prims))
	}

	data := appendAABBs(make([]byte, 0, len(prims)*AABBByteSize), prims)
	return b.WriteBuffer(l.buffer, l.offsets[blasIndex][geomIndex], data)
}

// Release the geometry buffer.
func (l *GeometryLayout) Release(b Backend) {
	if l.buffer != nil {
		b.Release(l.buffer)
		l.buffer = nil
	}
}

// Append the min/max corners of each primitive as little-endian float32s.
func appendAABBs(data []byte, prims []scene.BoundingBox) []byte {
	var rec [AABBByteSize]byte
	for _, prim := range prims {
		min, max := prim.Min(), prim.Max()
		for axis := 0; axis < 3; axis++ {
			binary.LittleEndian.PutUint32(rec[axis*4:], math.Float32bits(min[axis]))
			binary.LittleEndian.PutUint32(rec[12+axis*4:], math.Float32bits(max[axis]))
		}
		data = append(data, rec[:]...)
	}
	return data
}
