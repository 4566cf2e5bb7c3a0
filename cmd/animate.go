package cmd

import (
	"bytes"
	"fmt"
	"time"

	"github.com/achilleasa/procrt/accel"
	"github.com/achilleasa/procrt/asset/scene"
	"github.com/achilleasa/procrt/tracer/host"
	"github.com/achilleasa/procrt/types"
	"github.com/chewxy/math32"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli"
)

// Per-frame vertical displacement of animated primitives.
const animationAmplitude float32 = 0.5

type frameStat struct {
	frame      int
	blasBuilds int
	tlasBuilds int
	updates    int
	uploaded   uint64
	updateTime time.Duration
}

// Animate the dynamic geometry of a scene and run maintenance for each frame.
func AnimateScene(ctx *cli.Context) error {
	setupLogging(ctx)

	r, backend, opts, err := setupRenderer(ctx)
	if err != nil {
		return err
	}
	defer r.Close()

	sc := r.Scene()
	if !sc.HasDynamicContent() {
		logger.Warning("scene has no dynamic content; frames will not issue any work")
	}

	for rayTypeCount := uint32(1); rayTypeCount <= opts.RayTypeCount; rayTypeCount++ {
		var vars accel.Vars
		if err = r.SetRaytracingShaderData(&vars, rayTypeCount); err != nil {
			return err
		}
	}

	rest := snapshotPrimitives(sc)
	frames := ctx.Int("frames")
	stats := make([]frameStat, 0, frames)
	for frame := 0; frame < frames; frame++ {
		if err = animatePrimitives(sc, rest, frame); err != nil {
			return err
		}

		backend.ResetCommands()
		if err = r.Update(); err != nil {
			return err
		}
		stats = append(stats, collectFrameStat(frame, backend, r.RaytracingStats().UpdateTime))
	}

	displayFrameStats(stats)
	logger.Noticef("raytracing statistics\n%s", r.RaytracingStats().Table())
	return nil
}

// Copy the primitives of every dynamic geometry.
func snapshotPrimitives(sc *scene.Scene) map[[2]int][]scene.BoundingBox {
	rest := make(map[[2]int][]scene.BoundingBox)
	for blasIndex, blas := range sc.Tlas() {
		if !blas.Dynamic {
			continue
		}
		for geomIndex, geom := range blas.Geometries {
			prims := make([]scene.BoundingBox, len(geom.Primitives))
			copy(prims, geom.Primitives)
			rest[[2]int{blasIndex, geomIndex}] = prims
		}
	}
	return rest
}

// Offset each animated primitive along the Y axis by a phase-shifted sine.
func animatePrimitives(sc *scene.Scene, rest map[[2]int][]scene.BoundingBox, frame int) error {
	for key, prims := range rest {
		moved := make([]scene.BoundingBox, len(prims))
		for index, prim := range prims {
			phase := float32(frame)*0.25 + float32(index)*0.5
			offset := types.XYZ(0, animationAmplitude*math32.Sin(phase), 0)
			moved[index] = scene.BoundingBox{Center: prim.Center.Add(offset), Extent: prim.Extent}
		}
		if err := sc.UpdatePrimitives(key[0], key[1], moved); err != nil {
			return err
		}
	}
	return nil
}

func collectFrameStat(frame int, backend *host.Backend, updateTime time.Duration) frameStat {
	stat := frameStat{frame: frame, updateTime: updateTime}
	for _, cmd := range backend.Commands() {
		switch cmd.Kind {
		case host.CmdBuild:
			if cmd.Type == accel.TopLevel {
				stat.tlasBuilds++
			} else {
				stat.blasBuilds++
			}
			if cmd.IsUpdate() {
				stat.updates++
			}
		case host.CmdWrite:
			stat.uploaded += cmd.Size
		}
	}
	return stat
}

func displayFrameStats(stats []frameStat) {
	var buf bytes.Buffer
	table := tablewriter.NewWriter(&buf)
	table.SetAutoFormatHeaders(false)
	table.SetAutoWrapText(false)
	table.SetHeader([]string{"Frame", "BLAS builds", "TLAS builds", "Refits", "Uploaded bytes", "Update time"})

	var total time.Duration
	for _, stat := range stats {
		table.Append([]string{
			fmt.Sprintf("%d", stat.frame),
			fmt.Sprintf("%d", stat.blasBuilds),
			fmt.Sprintf("%d", stat.tlasBuilds),
			fmt.Sprintf("%d", stat.updates),
			fmt.Sprintf("%d", stat.uploaded),
			stat.updateTime.String(),
		})
		total += stat.updateTime
	}
	table.SetFooter([]string{"", "", "", "", "TOTAL", total.String()})

	table.Render()
	logger.Noticef("frame statistics\n%s", buf.String())
}
