package renderer

import (
	"bytes"
	"os"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/achilleasa/procrt/accel"
	"github.com/achilleasa/procrt/asset/scene"
	"github.com/achilleasa/procrt/log"
	"github.com/achilleasa/procrt/tracer/host"
	"github.com/achilleasa/procrt/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBlas(center types.Vec3, geomCount int, dynamic bool) scene.Blas {
	blas := scene.Blas{Dynamic: dynamic}
	for g := 0; g < geomCount; g++ {
		blas.Geometries = append(blas.Geometries, scene.Geometry{
			Name: "box",
			Primitives: []scene.BoundingBox{
				{Center: types.XYZ(0, 0, float32(-2*g)), Extent: types.XYZ(0.5, 0.5, 0.5)},
			},
		})
	}
	blas.Instances = []scene.Instance{
		{ID: 1, Mask: 0xFF, Transform: types.Translate4(center)},
	}
	return blas
}

func testRenderer(t *testing.T, sc *scene.Scene) (*Renderer, *host.Backend) {
	t.Helper()
	b := host.NewBackend(host.Options{Workers: 2})
	r, err := New(sc, b, DefaultOptions())
	require.NoError(t, err)
	return r, b
}

// A program that records the hit group of the closest hit for each pixel.
func hitGroupProgram(hitGroups uint32, width int, out []int32) *host.Program {
	return &host.Program{
		ProgramName: "hit groups",
		HitGroups:   hitGroups,
		RayGen: func(launch *host.Launch) {
			ray := host.Ray{
				Origin: types.XYZ(float32(launch.X)*3, 0, 0),
				Dir:    types.XYZ(0, 0, -1),
				TMax:   100,
			}
			params := host.TraceParams{
				InstanceMask:       0xFF,
				RayContribution:    hitGroups - 1,
				GeometryMultiplier: launch.Vars.HitProgramCount,
			}
			value := int32(-1)
			if hit, ok := launch.Tracer.Trace(ray, params); ok {
				value = int32(hit.HitGroupIndex)
			}
			atomic.StoreInt32(&out[int(launch.Y)*width+int(launch.X)], value)
		},
	}
}

func TestNewRendererErrors(t *testing.T) {
	_, err := New(nil, host.NewBackend(host.Options{}), DefaultOptions())
	require.ErrorIs(t, err, ErrSceneNotDefined)
	_, err = New(scene.New(nil), nil, DefaultOptions())
	require.ErrorIs(t, err, ErrBackendNotDefined)
}

func TestRaytrace(t *testing.T) {
	sc := scene.New([]scene.Blas{
		testBlas(types.XYZ(0, 0, -5), 1, false),
		testBlas(types.XYZ(3, 0, -5), 2, false),
	})
	r, b := testRenderer(t, sc)
	defer r.Close()

	assert.Equal(t, uint32(3), r.MeshCount())
	assert.Equal(t, uint32(2), r.InstanceCount())

	const width = 3
	out := make([]int32, width)
	var vars accel.Vars
	require.NoError(t, r.Raytrace(hitGroupProgram(2, width, out), &vars, width, 1, 1))

	assert.Equal(t, uint32(2), vars.HitProgramCount)
	assert.Equal(t, sc.Generation(), vars.SceneGeneration)
	require.NotNil(t, vars.Scene)

	// Second Blas contributes 2 ray types x 1 geometry of the first one
	assert.Equal(t, []int32{1, 3, -1}, out)

	stats := r.RaytracingStats()
	assert.Equal(t, uint32(2), stats.BlasCount)
	assert.Equal(t, []uint32{2}, stats.RayTypeCounts)
	assert.Equal(t, uint32(1), stats.Dispatches)
	assert.Contains(t, stats.Table(), "TLAS ray types")

	assert.Len(t, host.FilterCommands(b.Commands(), host.CmdDispatch), 1)
}

func TestRaytraceErrors(t *testing.T) {
	r, _ := testRenderer(t, scene.New([]scene.Blas{testBlas(types.XYZ(0, 0, -5), 1, false)}))
	defer r.Close()

	prog := hitGroupProgram(1, 1, make([]int32, 1))
	require.ErrorIs(t, r.Raytrace(nil, &accel.Vars{}, 1, 1, 1), ErrNoProgram)
	require.ErrorIs(t, r.Raytrace(prog, nil, 1, 1, 1), ErrNoVars)
	require.ErrorIs(t, r.SetRaytracingShaderData(nil, 1), ErrNoVars)
	require.ErrorIs(t, r.Raytrace(prog, &accel.Vars{}, 0, 1, 1), ErrInvalidFrameDims)
	require.ErrorIs(t, r.Raytrace(hitGroupProgram(0, 1, nil), &accel.Vars{}, 1, 1, 1), ErrNoHitGroups)
}

func TestSceneChangeRecreatesStructures(t *testing.T) {
	sc := scene.New([]scene.Blas{testBlas(types.XYZ(0, 0, -5), 1, false)})
	r, b := testRenderer(t, sc)
	defer r.Close()

	var vars accel.Vars
	require.NoError(t, r.SetRaytracingShaderData(&vars, 1))
	oldView, oldGeneration := vars.Scene, vars.SceneGeneration
	oldAccel := r.Accelerator()

	sc.AddBlas(testBlas(types.XYZ(3, 0, -5), 1, false))
	require.NoError(t, r.SetRaytracingShaderData(&vars, 1))

	assert.False(t, oldAccel == r.Accelerator())
	assert.False(t, oldView == vars.Scene)
	assert.Greater(t, vars.SceneGeneration, oldGeneration)
	assert.Equal(t, uint32(2), r.RaytracingStats().BlasCount)
	assert.Equal(t, uint32(1), r.RaytracingStats().Rebuilds)
	assert.Equal(t, 2, b.Flushes(), "each generation runs its own one-time pass")

	// The stale accelerator refuses to work on the new scene
	require.ErrorIs(t, oldAccel.Update(b), accel.ErrStaleScene)
}

func TestUpdateAnimatedScene(t *testing.T) {
	sc := scene.New([]scene.Blas{testBlas(types.XYZ(0, 0, -5), 1, true)})
	r, b := testRenderer(t, sc)
	defer r.Close()

	// The first update runs the one-time pass
	require.NoError(t, r.Update())
	assert.Equal(t, 1, b.Flushes())

	var vars accel.Vars
	require.NoError(t, r.SetRaytracingShaderData(&vars, 1))

	moved := []scene.BoundingBox{{Center: types.XYZ(0, 2, 0), Extent: types.XYZ(0.5, 0.5, 0.5)}}
	require.NoError(t, sc.UpdatePrimitives(0, 0, moved))

	b.ResetCommands()
	require.NoError(t, r.Update())
	assert.NotEmpty(t, host.FilterCommands(b.Commands(), host.CmdBuild))
	assert.Equal(t, 1, b.Flushes())
	assert.Equal(t, uint32(2), r.RaytracingStats().Frames)

	require.NoError(t, sc.SetInstanceTransform(0, 0, types.Translate4(types.XYZ(0, 0, -8))))
	b.ResetCommands()
	require.NoError(t, r.UpdateInstances())
	assert.Len(t, host.FilterCommands(b.Commands(), host.CmdBuild), 1)
}

func TestPreviewWarns(t *testing.T) {
	var buf bytes.Buffer
	log.SetSink(&buf)
	defer log.SetSink(os.Stdout)

	r, _ := testRenderer(t, scene.New(nil))
	r.Preview()
	assert.True(t, strings.Contains(buf.String(), "preview of procedural bounds not implemented"), buf.String())
}

func TestClose(t *testing.T) {
	r, b := testRenderer(t, scene.New([]scene.Blas{testBlas(types.XYZ(0, 0, -5), 2, true)}))

	var vars accel.Vars
	require.NoError(t, r.SetRaytracingShaderData(&vars, 1))
	require.NotZero(t, b.AllocatedBytes())

	r.Close()
	assert.Zero(t, b.AllocatedBytes())
	assert.Empty(t, b.Buffers())

	require.ErrorIs(t, r.Update(), ErrClosed)
	require.ErrorIs(t, r.SetRaytracingShaderData(&vars, 1), ErrClosed)
	r.Close()
}
