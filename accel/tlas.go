package accel

import (
	"fmt"
	"sort"

	"github.com/achilleasa/procrt/log"
	"github.com/gogpu/gputypes"
)

// Buffer label of the scratch buffer shared by all top-level builds.
const TlasScratchLabel = "TlasScratch"

// InstanceSource produces the instance stream for a ray type count.
type InstanceSource interface {
	Instances(rayTypeCount uint32) ([]InstanceDesc, error)
}

// A cached top-level structure.
type TlasEntry struct {
	Result        Buffer
	InstanceDescs Buffer
	View          View

	// The update mode the entry was created with.
	UpdateMode UpdateMode

	// Number of instance records the instance buffer was allocated for.
	InstanceCapacity uint32

	// Number of builds issued for this entry.
	Builds int
}

// TlasCache maintains one top-level structure per ray type count. Entries
// are never evicted: the number of keys is bounded by the distinct ray type
// configurations of the programs in use.
type TlasCache struct {
	logger     log.Logger
	updateMode UpdateMode

	entries map[uint32]*TlasEntry

	// Scratch buffer shared by all entries.
	scratch Buffer

	// Prebuild info and the instance count it was queried for.
	prebuild          PrebuildInfo
	prebuildInstances uint32
	hasPrebuild       bool
}

// Create a new cache whose entries use the given update mode.
func NewTlasCache(updateMode UpdateMode) *TlasCache {
	return &TlasCache{
		logger:     log.New("tlas cache"),
		updateMode: updateMode,
		entries:    make(map[uint32]*TlasEntry),
	}
}

// Get the view for a ray type count, building the structure on a miss.
func (c *TlasCache) Get(b Backend, rayTypeCount uint32, src InstanceSource) (View, error) {
	if entry, exists := c.entries[rayTypeCount]; exists {
		if entry.View == nil {
			return nil, fmt.Errorf("%w: cached entry for ray type count %d has no view", ErrCacheInsertFailed, rayTypeCount)
		}
		return entry.View, nil
	}

	if err := c.Build(b, rayTypeCount, src); err != nil {
		return nil, err
	}

	entry, exists := c.entries[rayTypeCount]
	if !exists || entry.View == nil {
		return nil, fmt.Errorf("%w: ray type count %d", ErrCacheInsertFailed, rayTypeCount)
	}
	return entry.View, nil
}

// Build or update the structure for a ray type count and store it in the
// cache. Existing entries are updated in place when their update mode is
// refit and the instance count is unchanged; otherwise they are rebuilt.
// A failed build leaves the cached entry untouched.
func (c *TlasCache) Build(b Backend, rayTypeCount uint32, src InstanceSource) error {
	if rayTypeCount == 0 {
		return ErrInvalidRayTypeCount
	}

	descs, err := src.Instances(rayTypeCount)
	if err != nil {
		return err
	}
	if len(descs) == 0 {
		return ErrNoInstances
	}
	instanceData := EncodeInstances(descs)
	instanceCount := uint32(len(descs))

	// Work on a copy so that a failed build leaves the cached entry intact.
	entry := TlasEntry{UpdateMode: c.updateMode}
	if cached, exists := c.entries[rayTypeCount]; exists {
		entry = *cached
	}

	// Buffers replaced by this build are released once it succeeds; buffers
	// allocated by it are released if it fails.
	var replaced, allocated []Buffer
	committed := false
	defer func() {
		release := allocated
		if committed {
			release = replaced
		}
		for _, buf := range release {
			b.Release(buf)
		}
	}()

	inputs := BuildInputs{
		Type:          TopLevel,
		InstanceCount: instanceCount,
	}
	if entry.UpdateMode == UpdateModeRefit {
		inputs.Flags |= BuildFlagAllowUpdate
	}

	// Prebuild info stays valid while the instance count is unchanged
	if !c.hasPrebuild || c.prebuildInstances != instanceCount {
		info, err := b.PrebuildInfo(&inputs)
		if err != nil {
			return fmt.Errorf("accel: tlas prebuild query failed: %w", err)
		}
		if info.UpdateScratchDataSize > info.ScratchDataSize {
			return fmt.Errorf("%w: %d > %d", ErrUpdateScratchTooLarge, info.UpdateScratchDataSize, info.ScratchDataSize)
		}
		c.prebuild = info
		c.prebuildInstances = instanceCount
		c.hasPrebuild = true
	}

	if c.scratch == nil || c.scratch.Size() < c.prebuild.ScratchDataSize {
		if c.scratch != nil {
			b.Release(c.scratch)
			c.scratch = nil
		}
		scratch, err := b.CreateBuffer(&gputypes.BufferDescriptor{
			Label: TlasScratchLabel,
			Size:  c.prebuild.ScratchDataSize,
			Usage: gputypes.BufferUsageStorage,
		}, nil)
		if err != nil {
			return fmt.Errorf("accel: could not allocate tlas scratch buffer: %w", err)
		}
		c.scratch = scratch
	}

	performUpdate := false
	if entry.Result == nil {
		if entry.InstanceDescs != nil {
			return fmt.Errorf("%w: instance buffer without a result buffer", ErrInvalidBuffer)
		}
		if err = c.allocResult(b, rayTypeCount, &entry); err != nil {
			return err
		}
		allocated = append(allocated, entry.Result)
		if err = c.allocInstances(b, rayTypeCount, &entry, instanceData, instanceCount); err != nil {
			return err
		}
		allocated = append(allocated, entry.InstanceDescs)
	} else {
		b.Barrier(entry.Result, BarrierUnorderedAccess)
		b.Barrier(c.scratch, BarrierUnorderedAccess)

		switch {
		case entry.InstanceCapacity != instanceCount:
			// A different instance count needs a new instance buffer and
			// a full build.
			replaced = append(replaced, entry.InstanceDescs)
			if err = c.allocInstances(b, rayTypeCount, &entry, instanceData, instanceCount); err != nil {
				return err
			}
			allocated = append(allocated, entry.InstanceDescs)
			if entry.Result.Size() < c.prebuild.ResultDataMaxSize {
				replaced = append(replaced, entry.Result)
				entry.View = nil
				if err = c.allocResult(b, rayTypeCount, &entry); err != nil {
					return err
				}
				allocated = append(allocated, entry.Result)
			}
		default:
			if err = b.WriteBuffer(entry.InstanceDescs, 0, instanceData); err != nil {
				return fmt.Errorf("accel: could not update tlas instance buffer: %w", err)
			}
			performUpdate = entry.UpdateMode == UpdateModeRefit
		}
	}

	if entry.Result == nil || entry.InstanceDescs == nil || c.scratch == nil {
		return fmt.Errorf("%w: tlas buffers for ray type count %d", ErrInvalidBuffer, rayTypeCount)
	}

	inputs.InstanceDescs = entry.InstanceDescs.Address()
	desc := &BuildDesc{
		Inputs:  inputs,
		Dest:    entry.Result.Address(),
		Scratch: c.scratch.Address(),
	}
	if performUpdate {
		desc.Inputs.Flags |= BuildFlagPerformUpdate
		desc.Source = desc.Dest
	}

	b.Barrier(entry.InstanceDescs, BarrierShaderResource)
	if err = b.BuildStructure(desc, nil); err != nil {
		return fmt.Errorf("accel: tlas build for ray type count %d failed: %w", rayTypeCount, err)
	}
	b.Barrier(entry.Result, BarrierUnorderedAccess)
	entry.Builds++

	if entry.View == nil {
		view, err := b.CreateStructureView(entry.Result)
		if err != nil {
			return fmt.Errorf("accel: could not create tlas view: %w", err)
		}
		if view == nil {
			return fmt.Errorf("%w: no view for ray type count %d", ErrCacheInsertFailed, rayTypeCount)
		}
		entry.View = view
	}

	c.entries[rayTypeCount] = &entry
	committed = true
	c.logger.Debugf("built tlas for ray type count %d (%d instances, update %t)", rayTypeCount, instanceCount, performUpdate)
	return nil
}

func (c *TlasCache) allocResult(b Backend, rayTypeCount uint32, entry *TlasEntry) error {
	result, err := b.CreateBuffer(&gputypes.BufferDescriptor{
		Label: fmt.Sprintf("Tlas[%d]", rayTypeCount),
		Size:  c.prebuild.ResultDataMaxSize,
		Usage: UsageAccelerationStructure | gputypes.BufferUsageStorage,
	}, nil)
	if err != nil {
		return fmt.Errorf("accel: could not allocate tlas buffer: %w", err)
	}
	entry.Result = result
	return nil
}

func (c *TlasCache) allocInstances(b Backend, rayTypeCount uint32, entry *TlasEntry, data []byte, count uint32) error {
	instances, err := b.CreateBuffer(&gputypes.BufferDescriptor{
		Label: fmt.Sprintf("TlasInstanceDescs[%d]", rayTypeCount),
		Size:  uint64(len(data)),
		Usage: gputypes.BufferUsageStorage | gputypes.BufferUsageCopyDst | gputypes.BufferUsageMapWrite,
	}, data)
	if err != nil {
		return fmt.Errorf("accel: could not allocate tlas instance buffer: %w", err)
	}
	entry.InstanceDescs = instances
	entry.InstanceCapacity = count
	return nil
}

// Get a copy of the entry for a ray type count.
func (c *TlasCache) Entry(rayTypeCount uint32) (TlasEntry, bool) {
	entry, exists := c.entries[rayTypeCount]
	if !exists {
		return TlasEntry{}, false
	}
	return *entry, true
}

// Get the cached ray type counts in ascending order.
func (c *TlasCache) Keys() []uint32 {
	keys := make([]uint32, 0, len(c.entries))
	for key := range c.entries {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Release all buffers owned by the cache and drop every entry.
func (c *TlasCache) Release(b Backend) {
	for key, entry := range c.entries {
		if entry.Result != nil {
			b.Release(entry.Result)
		}
		if entry.InstanceDescs != nil {
			b.Release(entry.InstanceDescs)
		}
		delete(c.entries, key)
	}
	if c.scratch != nil {
		b.Release(c.scratch)
		c.scratch = nil
	}
	c.hasPrebuild = false
}
