package cmd

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"time"

	"github.com/achilleasa/procrt/accel"
	"github.com/achilleasa/procrt/asset/scene"
	"github.com/achilleasa/procrt/tracer/host"
	"github.com/achilleasa/procrt/types"
	"github.com/urfave/cli"
)

// Colors assigned to hit groups; indices wrap around.
var hitGroupPalette = []color.RGBA{
	{230, 25, 75, 255},
	{60, 180, 75, 255},
	{255, 225, 25, 255},
	{0, 130, 200, 255},
	{245, 130, 48, 255},
	{145, 30, 180, 255},
	{70, 240, 240, 255},
	{240, 50, 230, 255},
}

// Render a still frame colored by hit group index using an orthographic
// camera that looks down the -Z axis and frames the scene bounds.
func RenderFrame(ctx *cli.Context) error {
	setupLogging(ctx)

	r, _, opts, err := setupRenderer(ctx)
	if err != nil {
		return err
	}
	defer r.Close()

	bounds := sceneBounds(r.Scene())
	frame := image.NewRGBA(image.Rect(0, 0, int(opts.FrameW), int(opts.FrameH)))
	prog := &host.Program{
		ProgramName: "hit group preview",
		HitGroups:   opts.RayTypeCount,
		RayGen:      hitGroupRayGen(frame, bounds),
	}

	logger.Notice("rendering frame")
	start := time.Now()
	var vars accel.Vars
	if err = r.Raytrace(prog, &vars, opts.FrameW, opts.FrameH, 1); err != nil {
		return err
	}
	logger.Noticef("rendered frame in %d ms", time.Since(start).Nanoseconds()/1000000)

	imgFile := ctx.String("out")
	f, err := os.Create(imgFile)
	if err != nil {
		return err
	}
	defer f.Close()

	if err = png.Encode(f, frame); err != nil {
		return err
	}
	logger.Noticef("wrote frame to %s", imgFile)
	logger.Infof("raytracing statistics\n%s", r.RaytracingStats().Table())
	return nil
}

// Generate a ray per pixel and shade hits by hit group, darkening with
// distance.
func hitGroupRayGen(frame *image.RGBA, bounds [2]types.Vec3) func(*host.Launch) {
	extent := bounds[1].Sub(bounds[0])
	depth := extent[2] + 2
	return func(launch *host.Launch) {
		u := (float32(launch.X) + 0.5) / float32(launch.Dims[0])
		v := (float32(launch.Y) + 0.5) / float32(launch.Dims[1])
		ray := host.Ray{
			Origin: types.XYZ(bounds[0][0]+u*extent[0], bounds[1][1]-v*extent[1], bounds[1][2]+1),
			Dir:    types.XYZ(0, 0, -1),
			TMax:   depth,
		}

		hit, ok := launch.Tracer.Trace(ray, host.TraceParams{
			InstanceMask:       0xFF,
			GeometryMultiplier: launch.Vars.HitProgramCount,
		})
		if !ok {
			frame.SetRGBA(int(launch.X), int(launch.Y), color.RGBA{0, 0, 0, 255})
			return
		}

		base := hitGroupPalette[int(hit.HitGroupIndex)%len(hitGroupPalette)]
		shade := 1 - 0.75*hit.T/depth
		frame.SetRGBA(int(launch.X), int(launch.Y), color.RGBA{
			R: uint8(float32(base.R) * shade),
			G: uint8(float32(base.G) * shade),
			B: uint8(float32(base.B) * shade),
			A: 255,
		})
	}
}

// Get the world space bounds of all instances.
func sceneBounds(sc *scene.Scene) [2]types.Vec3 {
	bounds := types.EmptyBBox()
	for _, blas := range sc.Tlas() {
		local := types.EmptyBBox()
		for _, geom := range blas.Geometries {
			for _, prim := range geom.Primitives {
				local = types.MergeBBox(local, prim.BBox())
			}
		}
		if local[0][0] > local[1][0] {
			continue
		}
		for _, inst := range blas.Instances {
			bounds = types.MergeBBox(bounds, inst.Transform.TransformBBox(local))
		}
	}
	if bounds[0][0] > bounds[1][0] {
		return [2]types.Vec3{}
	}
	return bounds
}
