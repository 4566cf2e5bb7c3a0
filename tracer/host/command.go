package host

import (
	"fmt"

	"github.com/achilleasa/procrt/accel"
	"github.com/gogpu/gputypes"
)

type CommandKind uint8

const (
	CmdCreateBuffer CommandKind = iota
	CmdRelease
	CmdBarrier
	CmdPrebuild
	CmdBuild
	CmdCopy
	CmdWrite
	CmdCreateView
	CmdFlush
	CmdMap
	CmdUnmap
	CmdDispatch
)

var commandNames = map[CommandKind]string{
	CmdCreateBuffer: "create-buffer",
	CmdRelease:      "release",
	CmdBarrier:      "barrier",
	CmdPrebuild:     "prebuild",
	CmdBuild:        "build",
	CmdCopy:         "copy",
	CmdWrite:        "write",
	CmdCreateView:   "create-view",
	CmdFlush:        "flush",
	CmdMap:          "map",
	CmdUnmap:        "unmap",
	CmdDispatch:     "dispatch",
}

func (k CommandKind) String() string {
	if name, ok := commandNames[k]; ok {
		return name
	}
	return "unknown"
}

// A Command is an entry in the backend's command log. Only the fields
// relevant to Kind are populated.
type Command struct {
	Kind CommandKind

	// Label of the buffer the command operates on or writes to.
	Label string

	Size   uint64
	Offset uint64
	Usage  gputypes.BufferUsage

	Barrier accel.BarrierKind

	Type      accel.StructureType
	Flags     accel.BuildFlags
	Items     uint64
	Postbuild []accel.PostbuildInfoType

	Dest    accel.Address
	Source  accel.Address
	Scratch accel.Address

	CopyMode accel.CopyMode

	Program string
	Dims    [3]uint32
}

func (c Command) String() string {
	switch c.Kind {
	case CmdCreateBuffer:
		return fmt.Sprintf("%s %q size=%d usage=0x%x addr=0x%x", c.Kind, c.Label, c.Size, uint64(c.Usage), uint64(c.Dest))
	case CmdRelease:
		return fmt.Sprintf("%s %q size=%d", c.Kind, c.Label, c.Size)
	case CmdBarrier:
		return fmt.Sprintf("%s %s %q", c.Kind, c.Barrier, c.Label)
	case CmdPrebuild:
		return fmt.Sprintf("%s %s items=%d flags=0x%x", c.Kind, c.Type, c.Items, uint32(c.Flags))
	case CmdBuild:
		return fmt.Sprintf("%s %s %q items=%d flags=0x%x dst=0x%x src=0x%x queries=%d", c.Kind, c.Type, c.Label, c.Items, uint32(c.Flags), uint64(c.Dest), uint64(c.Source), len(c.Postbuild))
	case CmdCopy:
		return fmt.Sprintf("%s %s %q size=%d dst=0x%x src=0x%x", c.Kind, c.CopyMode, c.Label, c.Size, uint64(c.Dest), uint64(c.Source))
	case CmdWrite:
		return fmt.Sprintf("%s %q offset=%d size=%d", c.Kind, c.Label, c.Offset, c.Size)
	case CmdDispatch:
		return fmt.Sprintf("%s %q %dx%dx%d", c.Kind, c.Program, c.Dims[0], c.Dims[1], c.Dims[2])
	}
	if c.Label != "" {
		return fmt.Sprintf("%s %q", c.Kind, c.Label)
	}
	return c.Kind.String()
}

// Returns true if the build was an in-place or copying update.
func (c Command) IsUpdate() bool {
	return c.Kind == CmdBuild && c.Flags.Has(accel.BuildFlagPerformUpdate)
}

// Filter the commands of a log by kind.
func FilterCommands(commands []Command, kind CommandKind) []Command {
	var out []Command
	for _, cmd := range commands {
		if cmd.Kind == kind {
			out = append(out, cmd)
		}
	}
	return out
}
