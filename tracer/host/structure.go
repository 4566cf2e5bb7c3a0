package host

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/achilleasa/procrt/accel"
	"github.com/achilleasa/procrt/tracer/host/bvh"
	"github.com/achilleasa/procrt/types"
)

// Serialized structure layout (little-endian):
//
//	header   32 bytes
//	nodes    nodeCount * bvh.NodeByteSize
//	items    itemCount * blasItemByteSize or tlasItemByteSize
//
// Sizes reported by prebuild queries assume the worst case of 2N-1 nodes.
const (
	structureMagic uint32 = 0x53415250

	headerByteSize   = 32
	blasItemByteSize = 32
	tlasItemByteSize = 8 + accel.InstanceDescByteSize

	scratchBaseSize           = 64
	scratchBytesPerItem       = 32
	updateScratchBytesPerItem = 16
)

// StructureInfo is the decoded header of a structure stored in device memory.
type StructureInfo struct {
	Type          accel.StructureType
	Flags         accel.BuildFlags
	NodeCount     uint32
	ItemCount     uint32
	GeometryCount uint32

	// Bytes occupied by the header, nodes and items.
	UsedSize uint64

	// Bytes reserved for the structure at its address.
	AllocSize uint64
}

// A primitive reference stored in bottom-level leafs.
type primRef struct {
	geometry  uint32
	primitive uint32
	bbox      [2]types.Vec3
}

func (r primRef) BBox() [2]types.Vec3 {
	return r.bbox
}

func (r primRef) Center() types.Vec3 {
	return r.bbox[0].Add(r.bbox[1]).Mul(0.5)
}

// An instance reference stored in top-level leafs. The world-space bbox is
// derived from the referenced Blas and is not serialized.
type instanceRef struct {
	index uint32
	desc  accel.InstanceDesc
	bbox  [2]types.Vec3
}

func (r instanceRef) BBox() [2]types.Vec3 {
	return r.bbox
}

func (r instanceRef) Center() types.Vec3 {
	return r.bbox[0].Add(r.bbox[1]).Mul(0.5)
}

// A decoded structure.
type structure struct {
	info      StructureInfo
	nodes     []bvh.Node
	prims     []primRef
	instances []instanceRef
}

// Get the root bounds of the structure.
func (s *structure) rootBBox() [2]types.Vec3 {
	if len(s.nodes) == 0 {
		return types.EmptyBBox()
	}
	return s.nodes[0].BBox()
}

// Recompute node bounds from the leaf items. Children are always stored
// after their parents so a reverse sweep visits them first.
func (s *structure) refitNodes() {
	for index := len(s.nodes) - 1; index >= 0; index-- {
		node := &s.nodes[index]
		bbox := types.EmptyBBox()
		if node.IsLeaf() {
			first, count := node.Items()
			for item := first; item < first+count; item++ {
				bbox = types.MergeBBox(bbox, s.itemBBox(item))
			}
		} else {
			left, right := node.Children()
			bbox = types.MergeBBox(s.nodes[left].BBox(), s.nodes[right].BBox())
		}
		node.SetBBox(bbox)
	}
}

func (s *structure) itemBBox(index uint32) [2]types.Vec3 {
	if s.info.Type == accel.TopLevel {
		return s.instances[index].bbox
	}
	return s.prims[index].bbox
}

func itemByteSize(structType accel.StructureType) uint64 {
	if structType == accel.TopLevel {
		return tlasItemByteSize
	}
	return blasItemByteSize
}

// Calculate the memory requirements for a structure with itemCount items.
func prebuildSizes(structType accel.StructureType, itemCount uint64) accel.PrebuildInfo {
	return accel.PrebuildInfo{
		ResultDataMaxSize:     headerByteSize + (2*itemCount-1)*bvh.NodeByteSize + itemCount*itemByteSize(structType),
		ScratchDataSize:       scratchBaseSize + itemCount*scratchBytesPerItem,
		UpdateScratchDataSize: scratchBaseSize + itemCount*updateScratchBytesPerItem,
	}
}

// Count the items referenced by a set of build inputs.
func inputItemCount(inputs *accel.BuildInputs) uint64 {
	if inputs.Type == accel.TopLevel {
		return uint64(inputs.InstanceCount)
	}
	var count uint64
	for _, geom := range inputs.Geometries {
		count += geom.AABBCount
	}
	return count
}

// Serialize the structure. The returned slice is exactly UsedSize bytes.
func (s *structure) encode() []byte {
	s.info.NodeCount = uint32(len(s.nodes))
	if s.info.Type == accel.TopLevel {
		s.info.ItemCount = uint32(len(s.instances))
	} else {
		s.info.ItemCount = uint32(len(s.prims))
	}
	s.info.UsedSize = headerByteSize + uint64(s.info.NodeCount)*bvh.NodeByteSize + uint64(s.info.ItemCount)*itemByteSize(s.info.Type)

	data := make([]byte, s.info.UsedSize)
	encodeHeader(data, s.info)

	offset := headerByteSize
	for _, node := range s.nodes {
		encodeNode(data[offset:], node)
		offset += bvh.NodeByteSize
	}

	if s.info.Type == accel.TopLevel {
		for _, ref := range s.instances {
			binary.LittleEndian.PutUint32(data[offset:], ref.index)
			copy(data[offset+8:], accel.EncodeInstances([]accel.InstanceDesc{ref.desc}))
			offset += tlasItemByteSize
		}
		return data
	}

	for _, ref := range s.prims {
		binary.LittleEndian.PutUint32(data[offset:], ref.geometry)
		binary.LittleEndian.PutUint32(data[offset+4:], ref.primitive)
		encodeVec3(data[offset+8:], ref.bbox[0])
		encodeVec3(data[offset+20:], ref.bbox[1])
		offset += blasItemByteSize
	}
	return data
}

// Decode a structure from data holding at least UsedSize bytes.
func decodeStructure(data []byte) (*structure, error) {
	info, err := decodeHeader(data)
	if err != nil {
		return nil, err
	}
	if uint64(len(data)) < info.UsedSize {
		return nil, fmt.Errorf("%w: truncated structure data", ErrInvalidStructure)
	}

	s := &structure{
		info:  info,
		nodes: make([]bvh.Node, info.NodeCount),
	}
	offset := headerByteSize
	for index := range s.nodes {
		s.nodes[index] = decodeNode(data[offset:])
		offset += bvh.NodeByteSize
	}

	if info.Type == accel.TopLevel {
		s.instances = make([]instanceRef, info.ItemCount)
		for index := range s.instances {
			ref := &s.instances[index]
			ref.index = binary.LittleEndian.Uint32(data[offset:])
			descs, err := accel.DecodeInstances(data[offset+8 : offset+tlasItemByteSize])
			if err != nil {
				return nil, err
			}
			ref.desc = descs[0]
			offset += tlasItemByteSize
		}
		return s, nil
	}

	s.prims = make([]primRef, info.ItemCount)
	for index := range s.prims {
		ref := &s.prims[index]
		ref.geometry = binary.LittleEndian.Uint32(data[offset:])
		ref.primitive = binary.LittleEndian.Uint32(data[offset+4:])
		ref.bbox[0] = decodeVec3(data[offset+8:])
		ref.bbox[1] = decodeVec3(data[offset+20:])
		offset += blasItemByteSize
	}
	return s, nil
}

func encodeHeader(data []byte, info StructureInfo) {
	binary.LittleEndian.PutUint32(data[0:], structureMagic)
	binary.LittleEndian.PutUint32(data[4:], uint32(info.Type))
	binary.LittleEndian.PutUint32(data[8:], uint32(info.Flags))
	binary.LittleEndian.PutUint32(data[12:], info.NodeCount)
	binary.LittleEndian.PutUint32(data[16:], info.ItemCount)
	binary.LittleEndian.PutUint32(data[20:], info.GeometryCount)
	binary.LittleEndian.PutUint32(data[24:], uint32(info.UsedSize))
	binary.LittleEndian.PutUint32(data[28:], uint32(info.AllocSize))
}

func decodeHeader(data []byte) (StructureInfo, error) {
	if len(data) < headerByteSize || binary.LittleEndian.Uint32(data) != structureMagic {
		return StructureInfo{}, ErrInvalidStructure
	}
	return StructureInfo{
		Type:          accel.StructureType(binary.LittleEndian.Uint32(data[4:])),
		Flags:         accel.BuildFlags(binary.LittleEndian.Uint32(data[8:])),
		NodeCount:     binary.LittleEndian.Uint32(data[12:]),
		ItemCount:     binary.LittleEndian.Uint32(data[16:]),
		GeometryCount: binary.LittleEndian.Uint32(data[20:]),
		UsedSize:      uint64(binary.LittleEndian.Uint32(data[24:])),
		AllocSize:     uint64(binary.LittleEndian.Uint32(data[28:])),
	}, nil
}

func encodeNode(data []byte, node bvh.Node) {
	encodeVec3(data[0:], node.Min)
	binary.LittleEndian.PutUint32(data[12:], uint32(node.LData))
	encodeVec3(data[16:], node.Max)
	binary.LittleEndian.PutUint32(data[28:], uint32(node.RData))
}

func decodeNode(data []byte) bvh.Node {
	return bvh.Node{
		Min:   decodeVec3(data[0:]),
		LData: int32(binary.LittleEndian.Uint32(data[12:])),
		Max:   decodeVec3(data[16:]),
		RData: int32(binary.LittleEndian.Uint32(data[28:])),
	}
}

func encodeVec3(data []byte, v types.Vec3) {
	for axis := 0; axis < 3; axis++ {
		binary.LittleEndian.PutUint32(data[axis*4:], math.Float32bits(v[axis]))
	}
}

func decodeVec3(data []byte) types.Vec3 {
	var v types.Vec3
	for axis := 0; axis < 3; axis++ {
		v[axis] = math.Float32frombits(binary.LittleEndian.Uint32(data[axis*4:]))
	}
	return v
}

// Transform the bounds of a Blas into world space.
func instanceBBox(desc accel.InstanceDesc, local [2]types.Vec3) [2]types.Vec3 {
	return types.Mat4FromRowMajor3x4(desc.Transform).TransformBBox(local)
}
