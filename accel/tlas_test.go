package accel_test

import (
	"testing"

	"github.com/achilleasa/procrt/accel"
	"github.com/achilleasa/procrt/asset/scene"
	"github.com/achilleasa/procrt/tracer/host"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTlasGetIsIdempotent(t *testing.T) {
	b := newBackend()
	sc := scene.New([]scene.Blas{makeBlas(1, 2, 3, false)})
	acc, view := bind(t, b, sc, accel.DefaultOptions(), 2)

	b.ResetCommands()
	again, err := acc.Bind(b, 2)
	require.NoError(t, err)
	assert.True(t, view == again, "cache hits must return the cached view")
	assert.Empty(t, b.Commands())
}

func TestTlasCacheKeysAreIndependent(t *testing.T) {
	b := newBackend()
	sc := scene.New([]scene.Blas{makeBlas(2, 2, 1, false), makeBlas(1, 3, 2, false)})
	acc := accel.New(sc, accel.DefaultOptions())
	require.NoError(t, acc.Update(b))

	cache := accel.NewTlasCache(accel.UpdateModeRebuild)
	view1, err := cache.Get(b, 1, acc)
	require.NoError(t, err)
	view2, err := cache.Get(b, 2, acc)
	require.NoError(t, err)
	assert.False(t, view1 == view2)
	assert.Equal(t, []uint32{1, 2}, cache.Keys())

	first, ok := cache.Entry(1)
	require.True(t, ok)
	firstInfo, err := b.Structure(first.Result.Address())
	require.NoError(t, err)

	// Rebuilding one key leaves the other untouched
	b.ResetCommands()
	require.NoError(t, cache.Build(b, 2, acc))
	for _, cmd := range host.FilterCommands(b.Commands(), host.CmdBuild) {
		assert.NotEqual(t, first.Result.Address(), cmd.Dest)
	}

	after, ok := cache.Entry(1)
	require.True(t, ok)
	assert.True(t, first.View == after.View)
	assert.True(t, first.Result == after.Result)
	assert.Equal(t, first.Builds, after.Builds)
	afterInfo, err := b.Structure(after.Result.Address())
	require.NoError(t, err)
	assert.Equal(t, firstInfo, afterInfo)

	second, ok := cache.Entry(2)
	require.True(t, ok)
	assert.Equal(t, 2, second.Builds)

	// Contributions differ per ray type count
	descs1, err := acc.Instances(1)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), descs1[1].ContributionToHitGroupIndex)
	descs2, err := acc.Instances(2)
	require.NoError(t, err)
	assert.Equal(t, uint32(4), descs2[1].ContributionToHitGroupIndex)

	cache.Release(b)
}

func TestTlasSharedScratch(t *testing.T) {
	b := newBackend()
	sc := scene.New([]scene.Blas{makeBlas(1, 2, 2, false)})
	acc, _ := bind(t, b, sc, accel.DefaultOptions(), 1)
	_, err := acc.Bind(b, 2)
	require.NoError(t, err)
	_, err = acc.Bind(b, 3)
	require.NoError(t, err)

	cmds := b.Commands()
	assert.Len(t, commandsFor(cmds, host.CmdCreateBuffer, accel.TlasScratchLabel), 1)
	assert.Len(t, commandsFor(cmds, host.CmdCreateBuffer, "Tlas[3]"), 1)
	assert.Len(t, commandsFor(cmds, host.CmdCreateBuffer, "TlasInstanceDescs[3]"), 1)

	// Prebuild info is reused while the instance count stays the same
	prebuilds := 0
	for _, cmd := range host.FilterCommands(cmds, host.CmdPrebuild) {
		if cmd.Type == accel.TopLevel {
			prebuilds++
		}
	}
	assert.Equal(t, 1, prebuilds)
}

func TestTlasInstanceCountChange(t *testing.T) {
	b := newBackend()
	sc := scene.New([]scene.Blas{makeBlas(1, 2, 3, false)})
	acc := accel.New(sc, accel.DefaultOptions())
	require.NoError(t, acc.Update(b))

	cache := accel.NewTlasCache(accel.UpdateModeRefit)
	_, err := cache.Get(b, 1, trimmedSource{acc, 1})
	require.NoError(t, err)
	small, _ := cache.Entry(1)
	assert.Equal(t, uint32(1), small.InstanceCapacity)

	// Growing needs new instance and result buffers and a full build
	b.ResetCommands()
	require.NoError(t, cache.Build(b, 1, acc))
	cmds := b.Commands()
	assert.Len(t, commandsFor(cmds, host.CmdRelease, "TlasInstanceDescs[1]"), 1)
	assert.Len(t, commandsFor(cmds, host.CmdCreateBuffer, "TlasInstanceDescs[1]"), 1)
	assert.Len(t, commandsFor(cmds, host.CmdCreateBuffer, "Tlas[1]"), 1)
	builds := commandsFor(cmds, host.CmdBuild, "Tlas[1]")
	require.Len(t, builds, 1)
	assert.False(t, builds[0].IsUpdate())

	large, _ := cache.Entry(1)
	assert.Equal(t, uint32(3), large.InstanceCapacity)
	assert.False(t, small.View == large.View, "a reallocated result needs a new view")

	// Shrinking reuses the result buffer but not the instance buffer
	b.ResetCommands()
	require.NoError(t, cache.Build(b, 1, trimmedSource{acc, 2}))
	cmds = b.Commands()
	assert.Len(t, commandsFor(cmds, host.CmdCreateBuffer, "TlasInstanceDescs[1]"), 1)
	assert.Empty(t, commandsFor(cmds, host.CmdCreateBuffer, "Tlas[1]"))
	builds = commandsFor(cmds, host.CmdBuild, "Tlas[1]")
	require.Len(t, builds, 1)
	assert.False(t, builds[0].IsUpdate())

	shrunk, _ := cache.Entry(1)
	assert.True(t, large.View == shrunk.View)

	// Same count again refits in place
	b.ResetCommands()
	require.NoError(t, cache.Build(b, 1, trimmedSource{acc, 2}))
	cmds = b.Commands()
	assert.Empty(t, host.FilterCommands(cmds, host.CmdCreateBuffer))
	builds = commandsFor(cmds, host.CmdBuild, "Tlas[1]")
	require.Len(t, builds, 1)
	assert.True(t, builds[0].IsUpdate())

	cache.Release(b)
	assert.Empty(t, cache.Keys())
}

func TestTlasUpdateScratchTooLarge(t *testing.T) {
	b := &hookedBackend{Backend: newBackend()}
	sc := scene.New([]scene.Blas{makeBlas(1, 2, 1, false)})
	acc := accel.New(sc, accel.DefaultOptions())
	require.NoError(t, acc.Update(b))

	b.prebuild = func(info accel.PrebuildInfo) accel.PrebuildInfo {
		info.UpdateScratchDataSize = info.ScratchDataSize + 1
		return info
	}
	_, err := acc.Bind(b, 1)
	require.ErrorIs(t, err, accel.ErrUpdateScratchTooLarge)
}

func TestTlasCacheInsertFailed(t *testing.T) {
	b := &hookedBackend{Backend: newBackend(), noViews: true}
	sc := scene.New([]scene.Blas{makeBlas(1, 2, 1, false)})
	_, err := accel.New(sc, accel.DefaultOptions()).Bind(b, 1)
	require.ErrorIs(t, err, accel.ErrCacheInsertFailed)
}

func TestTlasInvalidRayTypeCount(t *testing.T) {
	cache := accel.NewTlasCache(accel.UpdateModeRebuild)
	require.ErrorIs(t, cache.Build(newBackend(), 0, trimmedSource{}), accel.ErrInvalidRayTypeCount)
}

func TestTlasFailedRebuildKeepsEntry(t *testing.T) {
	for _, failLabel := range []string{"TlasInstanceDescs[1]", "Tlas[1]"} {
		t.Run(failLabel, func(t *testing.T) {
			b := &hookedBackend{Backend: newBackend()}
			sc := scene.New([]scene.Blas{makeBlas(1, 2, 3, false)})
			acc := accel.New(sc, accel.DefaultOptions())
			require.NoError(t, acc.Update(b))

			cache := accel.NewTlasCache(accel.UpdateModeRefit)
			view, err := cache.Get(b, 1, trimmedSource{acc, 1})
			require.NoError(t, err)
			before, ok := cache.Entry(1)
			require.True(t, ok)
			liveBuffers := len(b.Buffers())

			// Growing to 3 instances needs both buffers to be reallocated
			b.failLabel = failLabel
			require.ErrorIs(t, cache.Build(b, 1, acc), host.ErrOutOfMemory)

			after, ok := cache.Entry(1)
			require.True(t, ok)
			assert.Equal(t, before, after)
			assert.Len(t, b.Buffers(), liveBuffers, "buffers allocated by the failed build must be released")
			_, err = b.Structure(after.Result.Address())
			require.NoError(t, err)

			again, err := cache.Get(b, 1, acc)
			require.NoError(t, err)
			assert.True(t, view == again)

			// Once allocations succeed the entry is rebuilt and the old
			// buffers are released
			b.failLabel = ""
			b.ResetCommands()
			require.NoError(t, cache.Build(b, 1, acc))
			grown, _ := cache.Entry(1)
			assert.Equal(t, uint32(3), grown.InstanceCapacity)
			assert.Equal(t, before.Builds+1, grown.Builds)
			assert.Len(t, commandsFor(b.Commands(), host.CmdRelease, "Tlas[1]"), 1)
			assert.Len(t, commandsFor(b.Commands(), host.CmdRelease, "TlasInstanceDescs[1]"), 1)
			assert.Len(t, b.Buffers(), liveBuffers)
		})
	}
}

func TestTlasCachedEntryWithoutView(t *testing.T) {
	b := &hookedBackend{Backend: newBackend(), noViews: true}
	sc := scene.New([]scene.Blas{makeBlas(1, 2, 1, false)})
	acc := accel.New(sc, accel.DefaultOptions())
	require.NoError(t, acc.Update(b))

	cache := accel.NewTlasCache(accel.UpdateModeRebuild)
	_, err := cache.Get(b, 1, acc)
	require.ErrorIs(t, err, accel.ErrCacheInsertFailed)

	_, ok := cache.Entry(1)
	assert.False(t, ok, "a build without a view must not insert an entry")
	_, err = cache.Get(b, 1, acc)
	require.ErrorIs(t, err, accel.ErrCacheInsertFailed)
}
