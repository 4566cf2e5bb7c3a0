package cmd

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/achilleasa/procrt/accel"
	"github.com/achilleasa/procrt/asset/scene/reader"
	"github.com/achilleasa/procrt/renderer"
	"github.com/achilleasa/procrt/tracer/host"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli"
)

// Build the acceleration structures for a scene and report statistics.
func BuildScene(ctx *cli.Context) error {
	setupLogging(ctx)

	r, backend, opts, err := setupRenderer(ctx)
	if err != nil {
		return err
	}
	defer r.Close()

	for rayTypeCount := uint32(1); rayTypeCount <= opts.RayTypeCount; rayTypeCount++ {
		var vars accel.Vars
		if err = r.SetRaytracingShaderData(&vars, rayTypeCount); err != nil {
			return err
		}
	}

	logger.Noticef("raytracing statistics\n%s", r.RaytracingStats().Table())
	displayCommandStats(backend)
	return nil
}

// Load the scene and options and create a renderer backed by the host
// backend. Command line flags override values from the options file.
func setupRenderer(ctx *cli.Context) (*renderer.Renderer, *host.Backend, renderer.Options, error) {
	if ctx.NArg() != 1 {
		return nil, nil, renderer.Options{}, errors.New("missing scene file argument")
	}

	opts := renderer.DefaultOptions()
	if optFile := ctx.String("options"); optFile != "" {
		var err error
		if opts, err = renderer.LoadOptions(optFile); err != nil {
			return nil, nil, opts, err
		}
	}
	if err := applyFlags(ctx, &opts); err != nil {
		return nil, nil, opts, err
	}

	sc, err := reader.ReadScene(ctx.Args().First())
	if err != nil {
		return nil, nil, opts, err
	}
	logger.Infof("scene information:\n%s", sc.Stats())

	backend := host.NewBackend(host.Options{
		MemoryLimit: opts.MemoryLimit,
		Workers:     opts.Workers,
	})
	r, err := renderer.New(sc, backend, opts)
	if err != nil {
		return nil, nil, opts, err
	}
	return r, backend, opts, nil
}

func applyFlags(ctx *cli.Context, opts *renderer.Options) error {
	if ctx.IsSet("ray-types") {
		opts.RayTypeCount = uint32(ctx.Int("ray-types"))
		if opts.RayTypeCount == 0 {
			return accel.ErrInvalidRayTypeCount
		}
	}
	if ctx.IsSet("blas-update") {
		if err := opts.BlasUpdateMode.UnmarshalText([]byte(ctx.String("blas-update"))); err != nil {
			return err
		}
	}
	if ctx.IsSet("tlas-update") {
		if err := opts.TlasUpdateMode.UnmarshalText([]byte(ctx.String("tlas-update"))); err != nil {
			return err
		}
	}
	if ctx.Bool("no-compaction") {
		opts.DisableCompaction = true
	}
	if ctx.Bool("fast-trace") {
		opts.PreferFastTrace = true
	}
	if ctx.IsSet("width") {
		opts.FrameW = uint32(ctx.Int("width"))
	}
	if ctx.IsSet("height") {
		opts.FrameH = uint32(ctx.Int("height"))
	}
	if opts.FrameW == 0 || opts.FrameH == 0 {
		return fmt.Errorf("%w: %dx%d", renderer.ErrInvalidFrameDims, opts.FrameW, opts.FrameH)
	}
	return nil
}

// Summarize the commands recorded by the backend.
func displayCommandStats(backend *host.Backend) {
	var buf bytes.Buffer
	table := tablewriter.NewWriter(&buf)
	table.SetAutoFormatHeaders(false)
	table.SetAutoWrapText(false)
	table.SetHeader([]string{"Command", "Count", "Bytes"})

	cmds := backend.Commands()
	for kind := host.CmdCreateBuffer; kind <= host.CmdDispatch; kind++ {
		filtered := host.FilterCommands(cmds, kind)
		if len(filtered) == 0 {
			continue
		}
		var size uint64
		for _, cmd := range filtered {
			size += cmd.Size
		}
		table.Append([]string{kind.String(), fmt.Sprintf("%d", len(filtered)), fmt.Sprintf("%d", size)})
	}
	table.SetFooter([]string{"ALLOCATED", fmt.Sprintf("%d buffers", len(backend.Buffers())), fmt.Sprintf("%d", backend.AllocatedBytes())})

	table.Render()
	logger.Noticef("command statistics\n%s", buf.String())
}
