package accel

import (
	"encoding/binary"
	"fmt"

	"github.com/achilleasa/procrt/asset/scene"
	"github.com/achilleasa/procrt/log"
	"github.com/gogpu/gputypes"
)

// Buffer labels used by the bottom-level builder.
const (
	BlasScratchLabel      = "BlasScratch"
	BlasIntermediateLabel = "BlasIntermediate"
	BlasPostbuildLabel    = "BlasPostbuildInfo"
	BlasResultLabel       = "BlasResult"
)

// Per-Blas build state.
type BlasBuildRecord struct {
	Inputs   BuildInputs
	Prebuild PrebuildInfo

	// Size reported by the post-build query; compacted size when compacting,
	// current size otherwise.
	PostbuildSize uint64

	// Bytes reserved for the structure in the final result buffer.
	ByteSize uint64

	// Offsets into the final result buffer and the shared scratch buffer.
	ResultOffset  uint64
	ScratchOffset uint64

	Dynamic    bool
	Compacted  bool
	UpdateMode UpdateMode
	State      BlasState

	intermediateOffset uint64
}

// Bottom-level build policy.
type BlasOptions struct {
	// How dynamic Blas are maintained after the one-time pass.
	UpdateMode UpdateMode

	// Use clone copies for every Blas.
	DisableCompaction bool

	// Ask the backend to favour trace speed for static Blas.
	PreferFastTrace bool
}

// BlasBuilder sizes, builds and compacts all bottom-level structures in a
// single one-time pass and then maintains the dynamic ones in place.
type BlasBuilder struct {
	logger log.Logger
	opts   BlasOptions

	records []BlasBuildRecord

	// The final result buffer; it only ever grows.
	result Buffer

	// Shared scratch buffer; retained only while dynamic content exists.
	scratch Buffer

	// Set until the one-time pass completes.
	pending bool

	// Set if any Blas contains dynamic content.
	hasDynamic bool

	stats Stats
}

// Create a new bottom-level builder.
func NewBlasBuilder(opts BlasOptions) *BlasBuilder {
	return &BlasBuilder{
		logger:  log.New("blas builder"),
		opts:    opts,
		pending: true,
	}
}

// Returns true if the one-time pass has not run yet.
func (bb *BlasBuilder) Pending() bool {
	return bb.pending
}

// Returns true if any Blas contains dynamic content.
func (bb *BlasBuilder) HasDynamicContent() bool {
	return bb.hasDynamic
}

// Get a copy of the build records.
func (bb *BlasBuilder) Records() []BlasBuildRecord {
	out := make([]BlasBuildRecord, len(bb.records))
	copy(out, bb.records)
	return out
}

// Get the statistics computed by the last one-time pass.
func (bb *BlasBuilder) Stats() Stats {
	return bb.stats
}

// Get the final result buffer.
func (bb *BlasBuilder) ResultBuffer() Buffer {
	return bb.result
}

// Get the scratch buffer or nil if it has been released.
func (bb *BlasBuilder) ScratchBuffer() Buffer {
	return bb.scratch
}

// Get the device address of each Blas in the final result buffer.
func (bb *BlasBuilder) Addresses() ([]Address, error) {
	if bb.pending || bb.result == nil {
		return nil, fmt.Errorf("%w: bottom-level structures have not been built", ErrInvalidBuffer)
	}

	addrs := make([]Address, len(bb.records))
	for index, rec := range bb.records {
		addrs[index] = bb.result.Address() + Address(rec.ResultOffset)
	}
	return addrs, nil
}

// Build and compact all bottom-level structures.
func (bb *BlasBuilder) BuildOnce(b Backend, sc *scene.Scene, layout *GeometryLayout) error {
	if !bb.pending {
		return nil
	}

	tlas := sc.Tlas()
	if len(tlas) == 0 || layout == nil || layout.BlasCount() != len(tlas) {
		return fmt.Errorf("%w: geometry layout does not match the scene", ErrEmptyBuildInput)
	}

	// Query sizes and assign intermediate/scratch regions
	bb.records = make([]BlasBuildRecord, len(tlas))
	bb.hasDynamic = false
	var totalMaxSize, totalScratchSize uint64
	for index, blas := range tlas {
		rec := &bb.records[index]
		rec.Dynamic = blas.Dynamic
		rec.UpdateMode = bb.opts.UpdateMode
		rec.Compacted = (!rec.Dynamic || rec.UpdateMode != UpdateModeRebuild) && !bb.opts.DisableCompaction
		rec.Inputs = BuildInputs{
			Type:       BottomLevel,
			Flags:      bb.buildFlags(rec),
			Geometries: layout.Descs(index),
		}
		if len(rec.Inputs.Geometries) == 0 {
			return fmt.Errorf("%w: blas %d", ErrEmptyBuildInput, index)
		}

		info, err := b.PrebuildInfo(&rec.Inputs)
		if err != nil {
			return fmt.Errorf("accel: prebuild query for blas %d failed: %w", index, err)
		}
		rec.Prebuild = info

		rec.intermediateOffset = totalMaxSize
		totalMaxSize += alignTo(StructureByteAlignment, info.ResultDataMaxSize)

		scratchSize := info.ScratchDataSize
		if info.UpdateScratchDataSize > scratchSize {
			scratchSize = info.UpdateScratchDataSize
		}
		rec.ScratchOffset = totalScratchSize
		totalScratchSize += alignTo(StructureByteAlignment, scratchSize)

		if rec.Dynamic {
			bb.hasDynamic = true
		}
		bb.logger.Debugf("blas %d: max size %d, scratch %d, dynamic %t, compacted %t", index, info.ResultDataMaxSize, scratchSize, rec.Dynamic, rec.Compacted)
	}

	if bb.scratch == nil || bb.scratch.Size() < totalScratchSize {
		if bb.scratch != nil {
			b.Release(bb.scratch)
			bb.scratch = nil
		}
		scratch, err := b.CreateBuffer(&gputypes.BufferDescriptor{
			Label: BlasScratchLabel,
			Size:  totalScratchSize,
			Usage: gputypes.BufferUsageStorage,
		}, nil)
		if err != nil {
			return fmt.Errorf("accel: could not allocate blas scratch buffer: %w", err)
		}
		bb.scratch = scratch
	}

	intermediate, err := b.CreateBuffer(&gputypes.BufferDescriptor{
		Label: BlasIntermediateLabel,
		Size:  totalMaxSize,
		Usage: UsageAccelerationStructure | gputypes.BufferUsageStorage,
	}, nil)
	if err != nil {
		return fmt.Errorf("accel: could not allocate intermediate blas buffer: %w", err)
	}
	defer b.Release(intermediate)

	postbuild, err := b.CreateBuffer(&gputypes.BufferDescriptor{
		Label: BlasPostbuildLabel,
		Size:  uint64(len(bb.records)) * PostbuildInfoByteSize,
		Usage: gputypes.BufferUsageQueryResolve | gputypes.BufferUsageMapRead,
	}, nil)
	if err != nil {
		return fmt.Errorf("accel: could not allocate post-build info buffer: %w", err)
	}
	defer b.Release(postbuild)

	// Record all builds; disjoint scratch regions let them share the stream
	// without barriers in between.
	for index := range bb.records {
		rec := &bb.records[index]
		query := PostbuildInfoDesc{
			Type: PostbuildCurrentSize,
			Dest: postbuild.Address() + Address(uint64(index)*PostbuildInfoByteSize),
		}
		if rec.Compacted {
			query.Type = PostbuildCompactedSize
		}

		desc := &BuildDesc{
			Inputs:  rec.Inputs,
			Dest:    intermediate.Address() + Address(rec.intermediateOffset),
			Scratch: bb.scratch.Address() + Address(rec.ScratchOffset),
		}
		if err = b.BuildStructure(desc, []PostbuildInfoDesc{query}); err != nil {
			return fmt.Errorf("accel: build of blas %d failed: %w", index, err)
		}
	}
	b.Barrier(intermediate, BarrierUnorderedAccess)

	if !bb.hasDynamic {
		b.Release(bb.scratch)
		bb.scratch = nil
	}

	// The only point where the host waits for the device
	b.Flush()
	data, err := b.MapRead(postbuild)
	if err != nil {
		return fmt.Errorf("accel: could not map post-build info buffer: %w", err)
	}
	if uint64(len(data)) < uint64(len(bb.records))*PostbuildInfoByteSize {
		b.Unmap(postbuild)
		return fmt.Errorf("%w: post-build info buffer is too small", ErrInvalidBuffer)
	}
	for index := range bb.records {
		bb.records[index].PostbuildSize = binary.LittleEndian.Uint64(data[index*PostbuildInfoByteSize:])
	}
	b.Unmap(postbuild)

	// Lay out the final buffer
	var totalSize uint64
	for index := range bb.records {
		rec := &bb.records[index]
		if rec.PostbuildSize == 0 || rec.PostbuildSize > rec.Prebuild.ResultDataMaxSize {
			return fmt.Errorf("%w: blas %d reported %d bytes; max %d", ErrCompactedSizeExceedsMax, index, rec.PostbuildSize, rec.Prebuild.ResultDataMaxSize)
		}

		// Uncompacted structures keep their full size so they can be
		// rebuilt in place.
		rec.ByteSize = rec.PostbuildSize
		if !rec.Compacted {
			rec.ByteSize = rec.Prebuild.ResultDataMaxSize
		}
		rec.ResultOffset = totalSize
		totalSize += alignTo(StructureByteAlignment, rec.ByteSize)
	}

	if bb.result == nil || bb.result.Size() < totalSize {
		if bb.result != nil {
			b.Release(bb.result)
			bb.result = nil
		}
		result, err := b.CreateBuffer(&gputypes.BufferDescriptor{
			Label: BlasResultLabel,
			Size:  totalSize,
			Usage: UsageAccelerationStructure | gputypes.BufferUsageStorage,
		}, nil)
		if err != nil {
			return fmt.Errorf("accel: could not allocate blas result buffer: %w", err)
		}
		bb.result = result
	}

	for index := range bb.records {
		rec := &bb.records[index]
		mode := CopyModeClone
		if rec.Compacted {
			mode = CopyModeCompact
		}
		err = b.CopyStructure(
			bb.result.Address()+Address(rec.ResultOffset),
			intermediate.Address()+Address(rec.intermediateOffset),
			mode,
		)
		if err != nil {
			return fmt.Errorf("accel: %s copy of blas %d failed: %w", mode, index, err)
		}
		rec.State = BlasBuiltCompacted
	}
	b.Barrier(bb.result, BarrierUnorderedAccess)

	bb.pending = false
	bb.updateStats()
	bb.logger.Infof("built %d bottom-level structures (%d compacted, %d bytes)", bb.stats.BlasCount, bb.stats.BlasCompactedCount, bb.stats.BlasMemoryInBytes)
	return nil
}

// Refit or rebuild dynamic bottom-level structures in place. This is a
// no-op for scenes without dynamic content.
func (bb *BlasBuilder) Maintain(b Backend) error {
	if bb.pending {
		return fmt.Errorf("%w: one-time blas pass has not run", ErrInvalidBuffer)
	}
	if !bb.hasDynamic {
		return nil
	}
	if bb.scratch == nil {
		return ErrMissingScratch
	}
	if bb.result == nil {
		return fmt.Errorf("%w: missing blas result buffer", ErrInvalidBuffer)
	}

	b.Barrier(bb.result, BarrierUnorderedAccess)
	b.Barrier(bb.scratch, BarrierUnorderedAccess)

	for index := range bb.records {
		rec := &bb.records[index]
		if !rec.Dynamic {
			continue
		}

		dest := bb.result.Address() + Address(rec.ResultOffset)
		desc := &BuildDesc{
			Inputs:  rec.Inputs,
			Dest:    dest,
			Scratch: bb.scratch.Address() + Address(rec.ScratchOffset),
		}

		switch rec.UpdateMode {
		case UpdateModeRefit:
			desc.Inputs.Flags |= BuildFlagPerformUpdate
			desc.Source = dest
		case UpdateModeRebuild:
			if rec.ByteSize != rec.Prebuild.ResultDataMaxSize {
				return fmt.Errorf("%w: blas %d has %d bytes; max %d", ErrRebuildSizeMismatch, index, rec.ByteSize, rec.Prebuild.ResultDataMaxSize)
			}
		}

		if err := b.BuildStructure(desc, nil); err != nil {
			return fmt.Errorf("accel: %s of blas %d failed: %w", rec.UpdateMode, index, err)
		}
		rec.State = BlasSteadyState
	}

	b.Barrier(bb.result, BarrierUnorderedAccess)
	return nil
}

// Release all buffers owned by the builder.
func (bb *BlasBuilder) Release(b Backend) {
	if bb.scratch != nil {
		b.Release(bb.scratch)
		bb.scratch = nil
	}
	if bb.result != nil {
		b.Release(bb.result)
		bb.result = nil
	}
}

func (bb *BlasBuilder) buildFlags(rec *BlasBuildRecord) BuildFlags {
	flags := BuildFlagNone
	if rec.Compacted {
		flags |= BuildFlagAllowCompaction
	}
	if rec.Dynamic && rec.UpdateMode == UpdateModeRefit {
		flags |= BuildFlagAllowUpdate
	}
	if !rec.Dynamic && bb.opts.PreferFastTrace {
		flags |= BuildFlagPreferFastTrace
	}
	return flags
}

func (bb *BlasBuilder) updateStats() {
	bb.stats = Stats{BlasCount: uint32(len(bb.records))}
	for _, rec := range bb.records {
		if rec.Compacted {
			bb.stats.BlasCompactedCount++
		}
		bb.stats.BlasMemoryInBytes += rec.ByteSize
	}
}
