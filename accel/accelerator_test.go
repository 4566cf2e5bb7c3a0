package accel_test

import (
	"encoding/binary"
	"testing"

	"github.com/achilleasa/procrt/accel"
	"github.com/achilleasa/procrt/asset/scene"
	"github.com/achilleasa/procrt/tracer/host"
	"github.com/achilleasa/procrt/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSingleBlasBuild(t *testing.T) {
	b := newBackend()
	sc := scene.New([]scene.Blas{makeBlas(1, 2, 1, false)})
	acc, _ := bind(t, b, sc, accel.DefaultOptions(), 1)

	cmds := b.Commands()
	assert.Equal(t, 1, b.Flushes(), "the one-time pass must synchronize exactly once")
	assert.Len(t, commandsFor(cmds, host.CmdMap, accel.BlasPostbuildLabel), 1)
	assert.Len(t, commandsFor(cmds, host.CmdBuild, accel.BlasIntermediateLabel), 1)

	copies := commandsFor(cmds, host.CmdCopy, accel.BlasResultLabel)
	require.Len(t, copies, 1)
	assert.Equal(t, accel.CopyModeCompact, copies[0].CopyMode)

	descs, err := acc.Instances(1)
	require.NoError(t, err)
	require.Len(t, descs, 1)
	assert.Equal(t, uint32(0), descs[0].ContributionToHitGroupIndex)

	records := acc.BlasRecords()
	require.Len(t, records, 1)
	assert.Equal(t, accel.BlasBuiltCompacted, records[0].State)
	assert.True(t, records[0].Compacted)

	stats := acc.Stats()
	assert.Equal(t, uint32(1), stats.BlasCount)
	assert.Equal(t, uint32(1), stats.BlasCompactedCount)
	assert.Equal(t, records[0].ByteSize, stats.BlasMemoryInBytes)
	assert.Contains(t, stats.Table(), "BLAS count")

	// Binding again must not repeat the one-time pass
	_, err = acc.Bind(b, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, b.Flushes())
	assert.Len(t, host.FilterCommands(b.Commands(), host.CmdBuild), 2, "one blas build and one tlas build")
}

func TestTwoBlasContribution(t *testing.T) {
	b := newBackend()
	sc := scene.New([]scene.Blas{makeBlas(1, 1, 1, false), makeBlas(1, 1, 1, false)})
	acc, _ := bind(t, b, sc, accel.DefaultOptions(), 2)

	descs, err := acc.Instances(2)
	require.NoError(t, err)
	require.Len(t, descs, 2)
	assert.Equal(t, uint32(0), descs[0].ContributionToHitGroupIndex)
	assert.Equal(t, uint32(2), descs[1].ContributionToHitGroupIndex)

	addrs, err := acc.BlasBuilder().Addresses()
	require.NoError(t, err)
	assert.Equal(t, addrs[0], descs[0].AccelerationStructure)
	assert.Equal(t, addrs[1], descs[1].AccelerationStructure)
}

func TestResultOffsets(t *testing.T) {
	b := newBackend()
	sc := scene.New([]scene.Blas{
		makeBlas(3, 5, 1, false),
		makeBlas(1, 1, 2, true),
		makeBlas(2, 7, 1, false),
		makeBlas(1, 3, 1, true),
	})
	opts := accel.DefaultOptions()
	opts.BlasUpdateMode = accel.UpdateModeRebuild
	acc, _ := bind(t, b, sc, opts, 1)

	records := acc.BlasRecords()
	require.Len(t, records, 4)

	var end uint64
	for index, rec := range records {
		assert.Zero(t, rec.ResultOffset%accel.StructureByteAlignment, "blas %d offset must be aligned", index)
		assert.Zero(t, rec.ScratchOffset%accel.StructureByteAlignment, "blas %d scratch offset must be aligned", index)
		assert.GreaterOrEqual(t, rec.ResultOffset, end, "blas %d overlaps its predecessor", index)
		if index > 0 {
			assert.Greater(t, rec.ResultOffset, records[index-1].ResultOffset)
		}
		end = rec.ResultOffset + rec.ByteSize

		assert.LessOrEqual(t, rec.PostbuildSize, rec.Prebuild.ResultDataMaxSize, "blas %d", index)
		if rec.Compacted {
			assert.Equal(t, rec.PostbuildSize, rec.ByteSize)
		} else {
			assert.Equal(t, rec.Prebuild.ResultDataMaxSize, rec.ByteSize)
		}

		info, err := b.Structure(acc.BlasBuilder().ResultBuffer().Address() + accel.Address(rec.ResultOffset))
		require.NoError(t, err)
		assert.Equal(t, rec.ByteSize, info.AllocSize)
	}
	assert.LessOrEqual(t, end, acc.BlasBuilder().ResultBuffer().Size())

	// Dynamic Blas maintained by rebuilding are never compacted
	assert.True(t, records[0].Compacted)
	assert.False(t, records[1].Compacted)
	assert.True(t, records[2].Compacted)
	assert.False(t, records[3].Compacted)
	assert.Equal(t, uint32(2), acc.Stats().BlasCompactedCount)
}

func TestDynamicRefit(t *testing.T) {
	b := newBackend()
	sc := scene.New([]scene.Blas{makeBlas(1, 4, 2, true), makeBlas(1, 2, 1, false)})
	opts := accel.Options{BlasUpdateMode: accel.UpdateModeRefit, TlasUpdateMode: accel.UpdateModeRefit}
	acc, view := bind(t, b, sc, opts, 1)

	scratch := acc.BlasBuilder().ScratchBuffer()
	require.NotNil(t, scratch, "scratch must be retained for dynamic content")
	records := acc.BlasRecords()
	assert.True(t, records[0].Inputs.Flags.Has(accel.BuildFlagAllowUpdate))
	assert.False(t, records[1].Inputs.Flags.Has(accel.BuildFlagAllowUpdate))

	// Animate the dynamic geometry
	prims := sc.Tlas()[0].Geometries[0].Primitives
	moved := make([]scene.BoundingBox, len(prims))
	for index, prim := range prims {
		moved[index] = scene.BoundingBox{Center: prim.Center.Add(types.XYZ(0, 3, 0)), Extent: prim.Extent}
	}
	require.NoError(t, sc.UpdatePrimitives(0, 0, moved))

	b.ResetCommands()
	flushes := b.Flushes()
	require.NoError(t, acc.Update(b))
	cmds := b.Commands()

	assert.Equal(t, flushes, b.Flushes(), "maintenance must not synchronize")
	assert.NotEmpty(t, commandsFor(cmds, host.CmdWrite, accel.GeometryBufferLabel))

	blasBuilds := commandsFor(cmds, host.CmdBuild, accel.BlasResultLabel)
	require.Len(t, blasBuilds, 1, "only the dynamic blas is maintained")
	assert.True(t, blasBuilds[0].IsUpdate())
	assert.Equal(t, blasBuilds[0].Dest, blasBuilds[0].Source)
	assert.Equal(t, scratch.Address()+accel.Address(records[0].ScratchOffset), blasBuilds[0].Scratch)

	barriers := commandsFor(cmds, host.CmdBarrier, accel.BlasResultLabel)
	assert.GreaterOrEqual(t, len(barriers), 2, "result buffer must be fenced before and after maintenance")

	// The instance buffer is reused and the tlas updated in place
	assert.Empty(t, commandsFor(cmds, host.CmdCreateBuffer, "TlasInstanceDescs[1]"))
	assert.Len(t, commandsFor(cmds, host.CmdWrite, "TlasInstanceDescs[1]"), 1)
	tlasBuilds := commandsFor(cmds, host.CmdBuild, "Tlas[1]")
	require.Len(t, tlasBuilds, 1)
	assert.True(t, tlasBuilds[0].IsUpdate())
	assert.Equal(t, tlasBuilds[0].Dest, tlasBuilds[0].Source)

	entry, ok := acc.TlasEntry(1)
	require.True(t, ok)
	assert.True(t, entry.View == view, "view must survive maintenance")
	assert.Equal(t, 2, entry.Builds)

	records = acc.BlasRecords()
	assert.Equal(t, accel.BlasSteadyState, records[0].State)
	assert.Equal(t, accel.BlasBuiltCompacted, records[1].State)

	// Refit bounds follow the moved primitives
	info, err := b.Structure(acc.BlasBuilder().ResultBuffer().Address() + accel.Address(records[0].ResultOffset))
	require.NoError(t, err)
	assert.Equal(t, records[0].ByteSize, info.AllocSize)
	tr, err := b.NewTracer(view.Location())
	require.NoError(t, err)
	hit, found := tr.Trace(host.Ray{Origin: types.XYZ(0, 3, 0), Dir: types.XYZ(0, 0, -1), TMax: 100}, host.TraceParams{InstanceMask: 0xFF})
	require.True(t, found)
	assert.Equal(t, uint32(0), hit.InstanceIndex)
}

func TestDynamicRebuild(t *testing.T) {
	b := newBackend()
	sc := scene.New([]scene.Blas{makeBlas(2, 3, 1, true)})
	opts := accel.DefaultOptions()
	opts.BlasUpdateMode = accel.UpdateModeRebuild
	acc, _ := bind(t, b, sc, opts, 1)

	rec := acc.BlasRecords()[0]
	assert.False(t, rec.Compacted)
	assert.False(t, rec.Inputs.Flags.Has(accel.BuildFlagAllowCompaction))
	assert.False(t, rec.Inputs.Flags.Has(accel.BuildFlagAllowUpdate))
	assert.Equal(t, rec.Prebuild.ResultDataMaxSize, rec.ByteSize)

	copies := commandsFor(b.Commands(), host.CmdCopy, accel.BlasResultLabel)
	require.Len(t, copies, 1)
	assert.Equal(t, accel.CopyModeClone, copies[0].CopyMode)

	b.ResetCommands()
	require.NoError(t, acc.Update(b))
	builds := commandsFor(b.Commands(), host.CmdBuild, accel.BlasResultLabel)
	require.Len(t, builds, 1)
	assert.False(t, builds[0].IsUpdate())
	assert.Equal(t, acc.BlasBuilder().ResultBuffer().Address()+accel.Address(rec.ResultOffset), builds[0].Dest)

	// The default tlas mode rebuilds into the same buffers
	tlasBuilds := commandsFor(b.Commands(), host.CmdBuild, "Tlas[1]")
	require.Len(t, tlasBuilds, 1)
	assert.False(t, tlasBuilds[0].IsUpdate())
	assert.Empty(t, commandsFor(b.Commands(), host.CmdCreateBuffer, "Tlas[1]"))
}

func TestStaticSceneMaintenance(t *testing.T) {
	b := newBackend()
	sc := scene.New([]scene.Blas{makeBlas(1, 3, 2, false), makeBlas(2, 1, 1, false)})
	acc, _ := bind(t, b, sc, accel.DefaultOptions(), 1)

	assert.Nil(t, acc.BlasBuilder().ScratchBuffer())
	assert.Len(t, commandsFor(b.Commands(), host.CmdRelease, accel.BlasScratchLabel), 1)
	assert.Len(t, commandsFor(b.Commands(), host.CmdRelease, accel.BlasIntermediateLabel), 1)
	assert.Len(t, commandsFor(b.Commands(), host.CmdRelease, accel.BlasPostbuildLabel), 1)

	b.ResetCommands()
	for frame := 0; frame < 3; frame++ {
		require.NoError(t, acc.Update(b))
	}
	assert.Empty(t, b.Commands(), "static scenes need no maintenance")

	for _, rec := range acc.BlasRecords() {
		assert.Equal(t, accel.BlasBuiltCompacted, rec.State)
	}
}

func TestUpdateBeforeBind(t *testing.T) {
	b := newBackend()
	sc := scene.New([]scene.Blas{makeBlas(1, 2, 1, true)})
	acc := accel.New(sc, accel.DefaultOptions())

	require.NoError(t, acc.Update(b))
	assert.False(t, acc.BlasBuilder().Pending())
	assert.Empty(t, acc.TlasKeys())
	assert.Equal(t, 1, b.Flushes())
}

func TestBuildPolicy(t *testing.T) {
	type spec struct {
		opts      accel.Options
		dynamic   bool
		compacted bool
		flags     accel.BuildFlags
	}

	specs := []spec{
		{accel.Options{BlasUpdateMode: accel.UpdateModeRefit}, false, true, accel.BuildFlagAllowCompaction},
		{accel.Options{BlasUpdateMode: accel.UpdateModeRefit}, true, true, accel.BuildFlagAllowCompaction | accel.BuildFlagAllowUpdate},
		{accel.Options{BlasUpdateMode: accel.UpdateModeRebuild}, false, true, accel.BuildFlagAllowCompaction},
		{accel.Options{BlasUpdateMode: accel.UpdateModeRebuild}, true, false, accel.BuildFlagNone},
		{accel.Options{BlasUpdateMode: accel.UpdateModeRefit, DisableCompaction: true}, false, false, accel.BuildFlagNone},
		{accel.Options{BlasUpdateMode: accel.UpdateModeRefit, DisableCompaction: true}, true, false, accel.BuildFlagAllowUpdate},
		{accel.Options{BlasUpdateMode: accel.UpdateModeRefit, PreferFastTrace: true}, false, true, accel.BuildFlagAllowCompaction | accel.BuildFlagPreferFastTrace},
		{accel.Options{BlasUpdateMode: accel.UpdateModeRefit, PreferFastTrace: true}, true, true, accel.BuildFlagAllowCompaction | accel.BuildFlagAllowUpdate},
	}

	for index, s := range specs {
		b := newBackend()
		sc := scene.New([]scene.Blas{makeBlas(1, 2, 1, s.dynamic)})
		acc, _ := bind(t, b, sc, s.opts, 1)

		rec := acc.BlasRecords()[0]
		assert.Equal(t, s.compacted, rec.Compacted, "[spec %d] compaction", index)
		assert.Equal(t, s.flags, rec.Inputs.Flags, "[spec %d] build flags", index)

		expCopy := accel.CopyModeClone
		if s.compacted {
			expCopy = accel.CopyModeCompact
		}
		copies := commandsFor(b.Commands(), host.CmdCopy, accel.BlasResultLabel)
		require.Len(t, copies, 1, "[spec %d]", index)
		assert.Equal(t, expCopy, copies[0].CopyMode, "[spec %d] copy mode", index)
	}
}

func TestStaleScene(t *testing.T) {
	b := newBackend()
	sc := scene.New([]scene.Blas{makeBlas(1, 2, 1, true)})
	acc, _ := bind(t, b, sc, accel.DefaultOptions(), 1)
	assert.Equal(t, sc.Generation(), acc.Generation())

	sc.AddBlas(makeBlas(1, 1, 1, false))
	require.ErrorIs(t, acc.Update(b), accel.ErrStaleScene)
	_, err := acc.Bind(b, 1)
	require.ErrorIs(t, err, accel.ErrStaleScene)
	require.ErrorIs(t, acc.RebuildTlas(b), accel.ErrStaleScene)

	// A fresh accelerator picks up the new generation
	acc.Release(b)
	acc, _ = bind(t, b, sc, accel.DefaultOptions(), 1)
	assert.Len(t, acc.BlasRecords(), 2)
}

func TestAcceleratorErrors(t *testing.T) {
	b := newBackend()

	_, err := accel.New(scene.New(nil), accel.DefaultOptions()).Bind(b, 1)
	require.ErrorIs(t, err, accel.ErrEmptyScene)

	emptyGeom := makeBlas(1, 1, 1, false)
	emptyGeom.Geometries[0].Primitives = nil
	_, err = accel.New(scene.New([]scene.Blas{emptyGeom}), accel.DefaultOptions()).Bind(b, 1)
	require.ErrorIs(t, err, accel.ErrEmptyBuildInput)

	_, err = accel.New(scene.New([]scene.Blas{makeBlas(1, 1, 1, false)}), accel.DefaultOptions()).Bind(b, 0)
	require.ErrorIs(t, err, accel.ErrInvalidRayTypeCount)

	_, err = accel.New(scene.New([]scene.Blas{makeBlas(1, 1, 0, false)}), accel.DefaultOptions()).Bind(b, 1)
	require.ErrorIs(t, err, accel.ErrNoInstances)

	bigID := makeBlas(1, 1, 1, false)
	bigID.Instances[0].ID = 1 << 24
	_, err = accel.New(scene.New([]scene.Blas{bigID}), accel.DefaultOptions()).Bind(b, 1)
	require.ErrorIs(t, err, accel.ErrFieldOverflow)

	_, err = accel.New(scene.New([]scene.Blas{makeBlas(1, 1, 1, false), makeBlas(1, 1, 1, false)}), accel.DefaultOptions()).Bind(b, 1<<24)
	require.ErrorIs(t, err, accel.ErrFieldOverflow)
}

func TestOutOfMemory(t *testing.T) {
	b := host.NewBackend(host.Options{MemoryLimit: 512})
	sc := scene.New([]scene.Blas{makeBlas(2, 8, 1, false)})
	_, err := accel.New(sc, accel.DefaultOptions()).Bind(b, 1)
	require.ErrorIs(t, err, host.ErrOutOfMemory)
}

func TestMissingScratch(t *testing.T) {
	b := newBackend()
	sc := scene.New([]scene.Blas{makeBlas(1, 2, 1, true)})
	acc, _ := bind(t, b, sc, accel.DefaultOptions(), 1)

	builder := acc.BlasBuilder()
	builder.Release(b)
	require.ErrorIs(t, builder.Maintain(b), accel.ErrMissingScratch)
}

func TestCompactedSizeExceedsMax(t *testing.T) {
	b := &hookedBackend{
		Backend: newBackend(),
		mapRead: func(data []byte) {
			binary.LittleEndian.PutUint64(data, 1<<40)
		},
	}
	sc := scene.New([]scene.Blas{makeBlas(1, 2, 1, false)})
	_, err := accel.New(sc, accel.DefaultOptions()).Bind(b, 1)
	require.ErrorIs(t, err, accel.ErrCompactedSizeExceedsMax)
}

func TestDynamicRebuildReservesMaxSize(t *testing.T) {
	b := newBackend()
	sc := scene.New([]scene.Blas{makeBlas(1, 2, 1, true)})
	opts := accel.DefaultOptions()
	opts.BlasUpdateMode = accel.UpdateModeRebuild
	acc, _ := bind(t, b, sc, opts, 1)
	require.NoError(t, acc.Update(b))

	// Dynamic rebuild structures always reserve their maximum size
	rec := acc.BlasRecords()[0]
	assert.Equal(t, rec.Prebuild.ResultDataMaxSize, rec.ByteSize)
	assert.Equal(t, accel.BlasSteadyState, rec.State)
}
