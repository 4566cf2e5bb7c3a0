package host

import (
	"encoding/binary"
	"fmt"
	"runtime"
	"sort"

	"github.com/achilleasa/procrt/accel"
	"github.com/achilleasa/procrt/log"
	"github.com/achilleasa/procrt/tracer/host/bvh"
	"github.com/achilleasa/procrt/types"
	"github.com/gogpu/gputypes"
)

const (
	// Address of the first allocation. Keeping zero unused lets a zero
	// address act as "no buffer".
	baseAddress accel.Address = 0x10000

	// Unused space left between allocations so that out-of-bounds
	// accesses never land in a neighbouring buffer.
	guardBytes = accel.StructureByteAlignment
)

// Options configures a host backend.
type Options struct {
	// Maximum number of bytes that may be allocated at the same time. Zero
	// means unlimited.
	MemoryLimit uint64

	// Number of goroutines used for ray dispatches. Defaults to the number
	// of CPUs.
	Workers int
}

// Backend is an accel.Backend that executes every command immediately on
// host memory and keeps a log of the commands it received. It is not safe
// for concurrent use; ray dispatches parallelize internally.
type Backend struct {
	logger log.Logger
	opts   Options

	// Live buffers sorted by address.
	buffers     []*Buffer
	nextAddress accel.Address
	allocated   uint64

	commands []Command
	flushes  int

	scheduler *blockScheduler
}

// Create a new host backend.
func NewBackend(opts Options) *Backend {
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	return &Backend{
		logger:      log.New("host backend"),
		opts:        opts,
		nextAddress: baseAddress,
		scheduler:   newBlockScheduler(),
	}
}

// Get a copy of the command log.
func (b *Backend) Commands() []Command {
	out := make([]Command, len(b.commands))
	copy(out, b.commands)
	return out
}

// Clear the command log.
func (b *Backend) ResetCommands() {
	b.commands = b.commands[:0]
}

// Get the number of bytes currently allocated.
func (b *Backend) AllocatedBytes() uint64 {
	return b.allocated
}

// Get the live buffers in address order.
func (b *Backend) Buffers() []*Buffer {
	out := make([]*Buffer, len(b.buffers))
	copy(out, b.buffers)
	return out
}

// Get the number of Flush calls.
func (b *Backend) Flushes() int {
	return b.flushes
}

// Decode the header of the structure stored at addr.
func (b *Backend) Structure(addr accel.Address) (StructureInfo, error) {
	data, _, err := b.slice(addr, headerByteSize)
	if err != nil {
		return StructureInfo{}, err
	}
	return decodeHeader(data)
}

func (b *Backend) CreateBuffer(desc *gputypes.BufferDescriptor, initial []byte) (accel.Buffer, error) {
	if desc == nil {
		return nil, fmt.Errorf("%w: missing buffer descriptor", ErrInvalidUsage)
	}
	if uint64(len(initial)) > desc.Size {
		return nil, fmt.Errorf("%w: %d bytes of initial data for %q (%d bytes)", ErrOutOfRange, len(initial), desc.Label, desc.Size)
	}
	if b.opts.MemoryLimit != 0 && b.allocated+desc.Size > b.opts.MemoryLimit {
		return nil, fmt.Errorf("%w: allocating %d bytes for %q; %d of %d bytes in use", ErrOutOfMemory, desc.Size, desc.Label, b.allocated, b.opts.MemoryLimit)
	}

	buf := &Buffer{
		label:   desc.Label,
		usage:   desc.Usage,
		address: b.nextAddress,
		data:    make([]byte, desc.Size),
	}
	copy(buf.data, initial)
	if desc.MappedAtCreation {
		buf.mapState = gputypes.BufferMapStateMapped
	}

	b.nextAddress += accel.Address(alignTo(accel.StructureByteAlignment, desc.Size) + guardBytes)
	b.allocated += desc.Size
	b.buffers = append(b.buffers, buf)

	b.record(Command{Kind: CmdCreateBuffer, Label: buf.label, Size: desc.Size, Usage: desc.Usage, Dest: buf.address})
	return buf, nil
}

func (b *Backend) Release(buffer accel.Buffer) {
	buf, index := b.lookup(buffer)
	if buf == nil {
		b.logger.Warningf("ignoring release of unknown buffer %q", labelOf(buffer))
		return
	}

	b.buffers = append(b.buffers[:index], b.buffers[index+1:]...)
	b.allocated -= buf.Size()
	b.record(Command{Kind: CmdRelease, Label: buf.label, Size: buf.Size(), Dest: buf.address})
}

func (b *Backend) Barrier(buffer accel.Buffer, kind accel.BarrierKind) {
	b.record(Command{Kind: CmdBarrier, Label: labelOf(buffer), Barrier: kind})
}

func (b *Backend) PrebuildInfo(inputs *accel.BuildInputs) (accel.PrebuildInfo, error) {
	itemCount := inputItemCount(inputs)
	if itemCount == 0 {
		return accel.PrebuildInfo{}, fmt.Errorf("%w: %s prebuild query", ErrEmptyInput, inputs.Type)
	}
	info := prebuildSizes(inputs.Type, itemCount)
	b.record(Command{Kind: CmdPrebuild, Type: inputs.Type, Flags: inputs.Flags, Items: itemCount})
	return info, nil
}

func (b *Backend) BuildStructure(desc *accel.BuildDesc, postbuild []accel.PostbuildInfoDesc) error {
	inputs := &desc.Inputs
	itemCount := inputItemCount(inputs)
	if itemCount == 0 {
		return fmt.Errorf("%w: %s build", ErrEmptyInput, inputs.Type)
	}
	sizes := prebuildSizes(inputs.Type, itemCount)

	var (
		s   *structure
		err error
	)
	update := inputs.Flags.Has(accel.BuildFlagPerformUpdate)
	if update {
		if _, _, err = b.slice(desc.Scratch, sizes.UpdateScratchDataSize); err != nil {
			return fmt.Errorf("update scratch: %w", err)
		}
		s, err = b.refit(desc)
	} else {
		if _, _, err = b.slice(desc.Scratch, sizes.ScratchDataSize); err != nil {
			return fmt.Errorf("build scratch: %w", err)
		}
		s, err = b.build(inputs)
		if s != nil {
			s.info.AllocSize = sizes.ResultDataMaxSize
		}
	}
	if err != nil {
		return err
	}

	data := s.encode()
	dst, buf, err := b.slice(desc.Dest, s.info.AllocSize)
	if err != nil {
		return fmt.Errorf("build destination: %w", err)
	}
	if !buf.usage.Contains(accel.UsageAccelerationStructure) {
		return fmt.Errorf("%w: %q cannot hold acceleration structures", ErrInvalidUsage, buf.label)
	}
	copy(dst, data)

	cmd := Command{
		Kind:    CmdBuild,
		Label:   buf.label,
		Type:    inputs.Type,
		Flags:   inputs.Flags,
		Items:   itemCount,
		Dest:    desc.Dest,
		Source:  desc.Source,
		Scratch: desc.Scratch,
	}

	for _, query := range postbuild {
		out, queryBuf, err := b.slice(query.Dest, accel.PostbuildInfoByteSize)
		if err != nil {
			return fmt.Errorf("post-build query: %w", err)
		}
		if !queryBuf.usage.Contains(gputypes.BufferUsageQueryResolve) {
			return fmt.Errorf("%w: %q cannot receive query results", ErrInvalidUsage, queryBuf.label)
		}

		var value uint64
		switch query.Type {
		case accel.PostbuildCompactedSize:
			if !s.info.Flags.Has(accel.BuildFlagAllowCompaction) {
				return ErrCompactionNotAllowed
			}
			value = s.info.UsedSize
		case accel.PostbuildCurrentSize:
			value = s.info.AllocSize
		}
		binary.LittleEndian.PutUint64(out, value)
		cmd.Postbuild = append(cmd.Postbuild, query.Type)
	}

	b.record(cmd)
	return nil
}

// Build a new structure from scratch.
func (b *Backend) build(inputs *accel.BuildInputs) (*structure, error) {
	s := &structure{
		info: StructureInfo{
			Type:          inputs.Type,
			Flags:         inputs.Flags,
			GeometryCount: uint32(len(inputs.Geometries)),
		},
	}

	leafItems := 1
	if inputs.Flags.Has(accel.BuildFlagPreferFastBuild) {
		leafItems = 4
	}

	if inputs.Type == accel.TopLevel {
		refs, err := b.readInstances(inputs)
		if err != nil {
			return nil, err
		}
		workList := make([]bvh.BoundedVolume, len(refs))
		for index, ref := range refs {
			workList[index] = ref
		}
		s.nodes = bvh.Build(workList, leafItems, func(leaf *bvh.Node, items []bvh.BoundedVolume) {
			leaf.SetItems(uint32(len(s.instances)), uint32(len(items)))
			for _, item := range items {
				s.instances = append(s.instances, item.(instanceRef))
			}
		}, bvh.SurfaceAreaHeuristic)
		return s, nil
	}

	refs, err := b.readPrimitives(inputs)
	if err != nil {
		return nil, err
	}
	workList := make([]bvh.BoundedVolume, len(refs))
	for index, ref := range refs {
		workList[index] = ref
	}
	s.nodes = bvh.Build(workList, leafItems, func(leaf *bvh.Node, items []bvh.BoundedVolume) {
		leaf.SetItems(uint32(len(s.prims)), uint32(len(items)))
		for _, item := range items {
			s.prims = append(s.prims, item.(primRef))
		}
	}, bvh.SurfaceAreaHeuristic)
	return s, nil
}

// Update the bounds of an existing structure using new inputs while keeping
// its topology.
func (b *Backend) refit(desc *accel.BuildDesc) (*structure, error) {
	inputs := &desc.Inputs
	s, err := b.loadStructure(desc.Source)
	if err != nil {
		return nil, fmt.Errorf("update source: %w", err)
	}
	if !s.info.Flags.Has(accel.BuildFlagAllowUpdate) {
		return nil, ErrUpdateNotAllowed
	}
	if s.info.Type != inputs.Type || uint64(s.info.ItemCount) != inputItemCount(inputs) {
		return nil, fmt.Errorf("%w: %s with %d items updated with %s inputs of %d items", ErrInputMismatch, s.info.Type, s.info.ItemCount, inputs.Type, inputItemCount(inputs))
	}

	if inputs.Type == accel.TopLevel {
		refs, err := b.readInstances(inputs)
		if err != nil {
			return nil, err
		}
		for index := range s.instances {
			ref := &s.instances[index]
			*ref = refs[ref.index]
		}
	} else {
		if s.info.GeometryCount != uint32(len(inputs.Geometries)) {
			return nil, fmt.Errorf("%w: %d geometries updated with %d", ErrInputMismatch, s.info.GeometryCount, len(inputs.Geometries))
		}
		for index := range s.prims {
			ref := &s.prims[index]
			geom := inputs.Geometries[ref.geometry]
			if uint64(ref.primitive) >= geom.AABBCount {
				return nil, fmt.Errorf("%w: geometry %d lost primitive %d", ErrInputMismatch, ref.geometry, ref.primitive)
			}
			if ref.bbox, err = b.readAABB(geom, uint64(ref.primitive)); err != nil {
				return nil, err
			}
		}
	}

	s.refitNodes()
	return s, nil
}

func (b *Backend) readPrimitives(inputs *accel.BuildInputs) ([]primRef, error) {
	refs := make([]primRef, 0, inputItemCount(inputs))
	for geomIndex, geom := range inputs.Geometries {
		for primIndex := uint64(0); primIndex < geom.AABBCount; primIndex++ {
			bbox, err := b.readAABB(geom, primIndex)
			if err != nil {
				return nil, err
			}
			refs = append(refs, primRef{geometry: uint32(geomIndex), primitive: uint32(primIndex), bbox: bbox})
		}
	}
	return refs, nil
}

func (b *Backend) readAABB(geom accel.GeometryDesc, primIndex uint64) ([2]types.Vec3, error) {
	if geom.AABBs.Stride < accel.AABBByteSize {
		return [2]types.Vec3{}, fmt.Errorf("%w: stride %d", ErrInvalidStride, geom.AABBs.Stride)
	}
	data, _, err := b.slice(geom.AABBs.Start+accel.Address(primIndex*geom.AABBs.Stride), accel.AABBByteSize)
	if err != nil {
		return [2]types.Vec3{}, fmt.Errorf("aabb %d: %w", primIndex, err)
	}
	return [2]types.Vec3{decodeVec3(data[0:]), decodeVec3(data[12:])}, nil
}

// Read the instance stream of a top-level build and resolve the world-space
// bounds of each instance.
func (b *Backend) readInstances(inputs *accel.BuildInputs) ([]instanceRef, error) {
	data, _, err := b.slice(inputs.InstanceDescs, uint64(inputs.InstanceCount)*accel.InstanceDescByteSize)
	if err != nil {
		return nil, fmt.Errorf("instance descriptors: %w", err)
	}
	descs, err := accel.DecodeInstances(data)
	if err != nil {
		return nil, err
	}

	refs := make([]instanceRef, len(descs))
	for index, desc := range descs {
		blas, err := b.loadStructure(desc.AccelerationStructure)
		if err != nil {
			return nil, fmt.Errorf("instance %d: %w", index, err)
		}
		if blas.info.Type != accel.BottomLevel {
			return nil, fmt.Errorf("%w: instance %d references a top-level structure", ErrInvalidStructure, index)
		}
		refs[index] = instanceRef{
			index: uint32(index),
			desc:  desc,
			bbox:  instanceBBox(desc, blas.rootBBox()),
		}
	}
	return refs, nil
}

// Decode the structure stored at addr.
func (b *Backend) loadStructure(addr accel.Address) (*structure, error) {
	info, err := b.Structure(addr)
	if err != nil {
		return nil, err
	}
	data, _, err := b.slice(addr, info.UsedSize)
	if err != nil {
		return nil, err
	}
	return decodeStructure(data)
}

func (b *Backend) CopyStructure(dst, src accel.Address, mode accel.CopyMode) error {
	info, err := b.Structure(src)
	if err != nil {
		return fmt.Errorf("copy source: %w", err)
	}

	size := info.AllocSize
	if mode == accel.CopyModeCompact {
		if !info.Flags.Has(accel.BuildFlagAllowCompaction) {
			return ErrCompactionNotAllowed
		}
		size = info.UsedSize
	}

	from, _, err := b.slice(src, size)
	if err != nil {
		return fmt.Errorf("copy source: %w", err)
	}
	to, buf, err := b.slice(dst, size)
	if err != nil {
		return fmt.Errorf("copy destination: %w", err)
	}
	if !buf.usage.Contains(accel.UsageAccelerationStructure) {
		return fmt.Errorf("%w: %q cannot hold acceleration structures", ErrInvalidUsage, buf.label)
	}
	copy(to, from)

	if mode == accel.CopyModeCompact {
		info.AllocSize = info.UsedSize
		encodeHeader(to, info)
	}

	b.record(Command{Kind: CmdCopy, Label: buf.label, Type: info.Type, Flags: info.Flags, Dest: dst, Source: src, CopyMode: mode, Size: size})
	return nil
}

func (b *Backend) WriteBuffer(buffer accel.Buffer, offset uint64, data []byte) error {
	buf, _ := b.lookup(buffer)
	if buf == nil {
		return fmt.Errorf("%w: write to %q", ErrUnknownAddress, labelOf(buffer))
	}
	if !buf.usage.Contains(gputypes.BufferUsageCopyDst) && !buf.usage.Contains(gputypes.BufferUsageMapWrite) {
		return fmt.Errorf("%w: %q is not writable", ErrInvalidUsage, buf.label)
	}
	if offset+uint64(len(data)) > buf.Size() {
		return fmt.Errorf("%w: writing %d bytes at offset %d of %q (%d bytes)", ErrOutOfRange, len(data), offset, buf.label, buf.Size())
	}
	copy(buf.data[offset:], data)

	b.record(Command{Kind: CmdWrite, Label: buf.label, Offset: offset, Size: uint64(len(data))})
	return nil
}

func (b *Backend) CreateStructureView(buffer accel.Buffer) (accel.View, error) {
	buf, _ := b.lookup(buffer)
	if buf == nil {
		return nil, fmt.Errorf("%w: view of %q", ErrUnknownAddress, labelOf(buffer))
	}
	if !buf.usage.Contains(accel.UsageAccelerationStructure) {
		return nil, fmt.Errorf("%w: %q cannot hold acceleration structures", ErrInvalidUsage, buf.label)
	}
	info, err := decodeHeader(buf.data)
	if err != nil {
		return nil, err
	}
	if info.Type != accel.TopLevel {
		return nil, fmt.Errorf("%w: %q does not hold a top-level structure", ErrInvalidStructure, buf.label)
	}

	b.record(Command{Kind: CmdCreateView, Label: buf.label, Dest: buf.address})
	return &View{location: buf.address}, nil
}

// Commands execute eagerly so a flush only marks a synchronization point.
func (b *Backend) Flush() {
	b.flushes++
	b.record(Command{Kind: CmdFlush})
}

func (b *Backend) MapRead(buffer accel.Buffer) ([]byte, error) {
	buf, _ := b.lookup(buffer)
	if buf == nil {
		return nil, fmt.Errorf("%w: map of %q", ErrUnknownAddress, labelOf(buffer))
	}
	if !buf.usage.Contains(gputypes.BufferUsageMapRead) {
		return nil, fmt.Errorf("%w: %q is not readable by the host", ErrInvalidUsage, buf.label)
	}
	if buf.mapState != gputypes.BufferMapStateUnmapped {
		return nil, fmt.Errorf("%w: %q", ErrBufferMapped, buf.label)
	}
	buf.mapState = gputypes.BufferMapStateMapped

	b.record(Command{Kind: CmdMap, Label: buf.label, Size: buf.Size()})
	return buf.data, nil
}

func (b *Backend) Unmap(buffer accel.Buffer) {
	buf, _ := b.lookup(buffer)
	if buf == nil {
		return
	}
	buf.mapState = gputypes.BufferMapStateUnmapped
	b.record(Command{Kind: CmdUnmap, Label: buf.label})
}

// Find the live buffer behind a handle and its index.
func (b *Backend) lookup(buffer accel.Buffer) (*Buffer, int) {
	buf, ok := buffer.(*Buffer)
	if !ok || buf == nil {
		return nil, -1
	}
	index := b.search(buf.address)
	if index < 0 || b.buffers[index] != buf {
		return nil, -1
	}
	return buf, index
}

// Find the index of the live buffer whose range contains addr.
func (b *Backend) search(addr accel.Address) int {
	index := sort.Search(len(b.buffers), func(i int) bool {
		return b.buffers[i].address > addr
	}) - 1
	if index < 0 || b.buffers[index].address != addr && !b.buffers[index].contains(addr) {
		return -1
	}
	return index
}

// Get the bytes at [addr, addr+length) and the buffer holding them.
func (b *Backend) slice(addr accel.Address, length uint64) ([]byte, *Buffer, error) {
	index := b.search(addr)
	if index < 0 {
		return nil, nil, fmt.Errorf("%w: 0x%x", ErrUnknownAddress, uint64(addr))
	}
	buf := b.buffers[index]
	offset := uint64(addr - buf.address)
	if offset+length > buf.Size() {
		return nil, nil, fmt.Errorf("%w: %d bytes at offset %d of %q (%d bytes)", ErrOutOfRange, length, offset, buf.label, buf.Size())
	}
	return buf.data[offset : offset+length], buf, nil
}

func (b *Backend) record(cmd Command) {
	b.logger.Debugf("%s", cmd)
	b.commands = append(b.commands, cmd)
}

func labelOf(buffer accel.Buffer) string {
	if buffer == nil {
		return "<nil>"
	}
	return buffer.Label()
}

func alignTo(alignment, size uint64) uint64 {
	return (size + alignment - 1) / alignment * alignment
}
