package main

import (
	"fmt"
	"os"

	"github.com/achilleasa/procrt/cmd"
	"github.com/urfave/cli"
)

func main() {
	cli.VersionFlag = cli.BoolFlag{
		Name:  "version",
		Usage: "print only the version",
	}

	optionFlags := []cli.Flag{
		cli.StringFlag{
			Name:  "options",
			Usage: "load options from a TOML file",
		},
		cli.IntFlag{
			Name:  "ray-types",
			Value: 1,
			Usage: "number of ray types (hit groups per geometry)",
		},
		cli.StringFlag{
			Name:  "blas-update",
			Value: "refit",
			Usage: "maintenance of animated bottom-level structures (refit or rebuild)",
		},
		cli.StringFlag{
			Name:  "tlas-update",
			Value: "rebuild",
			Usage: "maintenance of top-level structures (refit or rebuild)",
		},
		cli.BoolFlag{
			Name:  "no-compaction",
			Usage: "never compact bottom-level structures",
		},
		cli.BoolFlag{
			Name:  "fast-trace",
			Usage: "prefer trace performance over build time for static structures",
		},
	}

	app := cli.NewApp()
	app.Name = "procrt"
	app.Usage = "build and trace acceleration structures for procedural geometry"
	app.Version = "0.0.1"
	app.Flags = []cli.Flag{
		cli.BoolFlag{
			Name:  "v",
			Usage: "enable verbose logging",
		},
		cli.BoolFlag{
			Name:  "vv",
			Usage: "enable even more verbose logging",
		},
	}
	app.Commands = []cli.Command{
		{
			Name:  "compile",
			Usage: "compile text scene representations into a binary compressed format",
			Description: `
Parse a scene definition from a wavefront obj or yaml file and package the
procedural primitives of each Blas group with their instances.

The compiled scene is written to a zip archive which can be supplied as an
argument to the other commands.`,
			ArgsUsage: "scene_file1.obj scene_file2.yaml ...",
			Action:    cmd.CompileScene,
		},
		{
			Name:      "info",
			Usage:     "display scene information",
			ArgsUsage: "scene_file",
			Action:    cmd.ShowSceneInfo,
		},
		{
			Name:        "build",
			Usage:       "build acceleration structures for a scene",
			Description: `Build the bottom-level structures and one top-level structure per ray type count up to --ray-types and display statistics.`,
			ArgsUsage:   "scene_file",
			Flags:       optionFlags,
			Action:      cmd.BuildScene,
		},
		{
			Name:        "animate",
			Usage:       "animate dynamic geometry and maintain acceleration structures",
			Description: `Move the primitives of dynamic Blas groups for a number of frames and display per-frame maintenance statistics.`,
			ArgsUsage:   "scene_file",
			Flags: append([]cli.Flag{
				cli.IntFlag{
					Name:  "frames",
					Value: 10,
					Usage: "number of frames to animate",
				},
			}, optionFlags...),
			Action: cmd.AnimateScene,
		},
		{
			Name:        "render",
			Usage:       "render a frame colored by hit group index",
			Description: `Trace one ray per pixel with an orthographic camera looking down the -Z axis.`,
			ArgsUsage:   "scene_file",
			Flags: append([]cli.Flag{
				cli.IntFlag{
					Name:  "width",
					Value: 512,
					Usage: "frame width",
				},
				cli.IntFlag{
					Name:  "height",
					Value: 512,
					Usage: "frame height",
				},
				cli.StringFlag{
					Name:  "out, o",
					Value: "frame.png",
					Usage: "image filename for the rendered frame",
				},
			}, optionFlags...),
			Action: cmd.RenderFrame,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err.Error())
		os.Exit(1)
	}
}
