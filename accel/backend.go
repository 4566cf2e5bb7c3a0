package accel

import (
	"github.com/gogpu/gputypes"
)

// Alignment and record sizes shared with the device.
const (
	// Byte alignment required for structure results and scratch regions.
	StructureByteAlignment = 256

	// Size of a procedural AABB record: min xyz, max xyz as float32.
	AABBByteSize = 24

	// Size of a packed instance descriptor.
	InstanceDescByteSize = 64

	// Size of a single post-build info record.
	PostbuildInfoByteSize = 8
)

// Buffer usage bit for buffers holding acceleration structures. It sits
// above the bits defined by gputypes.
const UsageAccelerationStructure gputypes.BufferUsage = 1 << 32

// A device virtual address.
type Address uint64

// A Buffer is a device allocation created by a Backend.
type Buffer interface {
	Label() string
	Size() uint64
	Usage() gputypes.BufferUsage
	Address() Address
}

// A View is a shader-visible read-only handle for a top-level structure.
type View interface {
	Location() Address
}

// The kind of barrier to insert for a buffer.
type BarrierKind uint8

const (
	// Wait for unordered writes (builds, copies) to a buffer to complete.
	BarrierUnorderedAccess BarrierKind = iota

	// Transition a buffer so shaders and builds can read it.
	BarrierShaderResource
)

func (k BarrierKind) String() string {
	switch k {
	case BarrierUnorderedAccess:
		return "uav"
	case BarrierShaderResource:
		return "srv"
	}
	return "unknown"
}

type StructureType uint8

const (
	BottomLevel StructureType = iota
	TopLevel
)

func (t StructureType) String() string {
	if t == TopLevel {
		return "tlas"
	}
	return "blas"
}

// Structure build flags.
type BuildFlags uint32

const (
	BuildFlagNone            BuildFlags = 0
	BuildFlagAllowUpdate     BuildFlags = 1 << 0
	BuildFlagAllowCompaction BuildFlags = 1 << 1
	BuildFlagPreferFastTrace BuildFlags = 1 << 2
	BuildFlagPreferFastBuild BuildFlags = 1 << 3
	BuildFlagMinimizeMemory  BuildFlags = 1 << 4
	BuildFlagPerformUpdate   BuildFlags = 1 << 5
)

// Returns true if all bits of flag are set.
func (f BuildFlags) Has(flag BuildFlags) bool {
	return f&flag == flag
}

type GeometryFlags uint32

const (
	GeometryFlagNone                        GeometryFlags = 0
	GeometryFlagOpaque                      GeometryFlags = 1 << 0
	GeometryFlagNoDuplicateAnyHitInvocation GeometryFlags = 1 << 1
)

// A strided range of AABB records.
type StridedRange struct {
	Start  Address
	Stride uint64
}

// Describes one procedural geometry of a bottom-level build.
type GeometryDesc struct {
	Flags     GeometryFlags
	AABBCount uint64
	AABBs     StridedRange
}

// The inputs of a structure build. Bottom-level builds use Geometries; top
// level builds read InstanceCount packed descriptors from InstanceDescs.
type BuildInputs struct {
	Type  StructureType
	Flags BuildFlags

	Geometries []GeometryDesc

	InstanceCount uint32
	InstanceDescs Address
}

// Memory requirements reported for a set of build inputs.
type PrebuildInfo struct {
	ResultDataMaxSize     uint64
	ScratchDataSize       uint64
	UpdateScratchDataSize uint64
}

// A structure build or update command. Source is only used when Inputs.Flags
// contains BuildFlagPerformUpdate.
type BuildDesc struct {
	Inputs  BuildInputs
	Dest    Address
	Source  Address
	Scratch Address
}

type PostbuildInfoType uint8

const (
	PostbuildCompactedSize PostbuildInfoType = iota
	PostbuildCurrentSize
)

// Requests a post-build size to be written as a little-endian uint64 at Dest.
type PostbuildInfoDesc struct {
	Type PostbuildInfoType
	Dest Address
}

type CopyMode uint8

const (
	CopyModeClone CopyMode = iota
	CopyModeCompact
)

func (m CopyMode) String() string {
	if m == CopyModeCompact {
		return "compact"
	}
	return "clone"
}

// A ray tracing program. The hit group count equals the number of ray types
// the program traces.
type Program interface {
	Name() string
	HitGroupCount() uint32
}

// Per-dispatch resources bound to a program.
type Vars struct {
	// The top-level structure to trace against.
	Scene View

	// Per-frame constant read by shaders to index hit groups.
	HitProgramCount uint32

	// The scene generation the vars were bound against.
	SceneGeneration uint64
}

// The Backend interface exposes the device operations required to build and
// trace acceleration structures. All commands are recorded on a single stream
// and execute in submission order; Flush is the only blocking call.
type Backend interface {
	// Create a buffer. If initial is non-nil it is copied into the buffer.
	CreateBuffer(desc *gputypes.BufferDescriptor, initial []byte) (Buffer, error)

	// Release a buffer once all commands referencing it have executed.
	Release(Buffer)

	// Insert a memory barrier for a buffer.
	Barrier(Buffer, BarrierKind)

	// Query memory requirements for a build.
	PrebuildInfo(inputs *BuildInputs) (PrebuildInfo, error)

	// Record a structure build along with optional post-build size queries.
	BuildStructure(desc *BuildDesc, postbuild []PostbuildInfoDesc) error

	// Record a structure copy.
	CopyStructure(dst, src Address, mode CopyMode) error

	// Record a write of data into a buffer at the given offset.
	WriteBuffer(buf Buffer, offset uint64, data []byte) error

	// Create a read-only view over a top-level structure buffer.
	CreateStructureView(Buffer) (View, error)

	// Block until all recorded commands complete.
	Flush()

	// Map a buffer for host reads. The buffer must be unmapped afterwards.
	MapRead(Buffer) ([]byte, error)
	Unmap(Buffer)

	// Dispatch a ray tracing program.
	DispatchRays(program Program, vars *Vars, width, height, depth uint32) error
}

// Round size up to a multiple of alignment.
func alignTo(alignment, size uint64) uint64 {
	return (size + alignment - 1) / alignment * alignment
}
