package renderer

import (
	"fmt"
	"os"

	"github.com/achilleasa/procrt/accel"
	"github.com/pelletier/go-toml/v2"
)

type Options struct {
	// Frame dims.
	FrameW uint32 `toml:"frame_width"`
	FrameH uint32 `toml:"frame_height"`

	// Number of ray types traced by the render command.
	RayTypeCount uint32 `toml:"ray_types"`

	// How animated structures are maintained between frames.
	BlasUpdateMode accel.UpdateMode `toml:"blas_update_mode"`
	TlasUpdateMode accel.UpdateMode `toml:"tlas_update_mode"`

	// Build policy hints.
	DisableCompaction bool `toml:"disable_compaction"`
	PreferFastTrace   bool `toml:"prefer_fast_trace"`

	// Host backend settings. A zero memory limit disables the limit and a
	// zero worker count uses all available CPUs.
	MemoryLimit uint64 `toml:"memory_limit"`
	Workers     int    `toml:"workers"`
}

// Get the default options.
func DefaultOptions() Options {
	policy := accel.DefaultOptions()
	return Options{
		FrameW:         512,
		FrameH:         512,
		RayTypeCount:   1,
		BlasUpdateMode: policy.BlasUpdateMode,
		TlasUpdateMode: policy.TlasUpdateMode,
	}
}

// Load options from a TOML file. Keys missing from the file keep their
// default values.
func LoadOptions(path string) (Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Options{}, err
	}
	return ParseOptions(data)
}

// Parse TOML-encoded options on top of the defaults.
func ParseOptions(data []byte) (Options, error) {
	opts := DefaultOptions()
	if err := toml.Unmarshal(data, &opts); err != nil {
		return Options{}, fmt.Errorf("renderer: could not parse options: %w", err)
	}
	if opts.FrameW == 0 || opts.FrameH == 0 {
		return Options{}, fmt.Errorf("%w: %dx%d", ErrInvalidFrameDims, opts.FrameW, opts.FrameH)
	}
	if opts.RayTypeCount == 0 {
		return Options{}, accel.ErrInvalidRayTypeCount
	}
	return opts, nil
}

// Encode options as TOML.
func (o Options) Marshal() ([]byte, error) {
	return toml.Marshal(o)
}

// Get the acceleration structure build policy.
func (o Options) AccelOptions() accel.Options {
	return accel.Options{
		BlasUpdateMode:    o.BlasUpdateMode,
		TlasUpdateMode:    o.TlasUpdateMode,
		DisableCompaction: o.DisableCompaction,
		PreferFastTrace:   o.PreferFastTrace,
	}
}
