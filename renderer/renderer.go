package renderer

import (
	"fmt"
	"time"

	"github.com/achilleasa/procrt/accel"
	"github.com/achilleasa/procrt/asset/scene"
	"github.com/achilleasa/procrt/log"
)

// Renderer owns the acceleration structures of a scene and dispatches ray
// tracing programs against them. It is not safe for concurrent use.
type Renderer struct {
	logger log.Logger

	backend accel.Backend
	scene   *scene.Scene
	options Options

	// Recreated whenever the scene topology changes.
	accel *accel.Accelerator

	stats  RaytracingStats
	closed bool
}

// Create a renderer for a scene. Structures are built lazily on the first
// call to Update or Raytrace.
func New(sc *scene.Scene, backend accel.Backend, opts Options) (*Renderer, error) {
	if sc == nil {
		return nil, ErrSceneNotDefined
	}
	if backend == nil {
		return nil, ErrBackendNotDefined
	}

	return &Renderer{
		logger:  log.New("renderer"),
		backend: backend,
		scene:   sc,
		options: opts,
		accel:   accel.New(sc, opts.AccelOptions()),
	}, nil
}

// Get the scene.
func (r *Renderer) Scene() *scene.Scene {
	return r.scene
}

// Get the accelerator for the current scene generation.
func (r *Renderer) Accelerator() *accel.Accelerator {
	return r.accel
}

// Get the total number of geometries in the scene.
func (r *Renderer) MeshCount() uint32 {
	return r.scene.MeshCount()
}

// Get the total number of instances in the scene.
func (r *Renderer) InstanceCount() uint32 {
	return r.scene.InstanceCount()
}

// Bind the top-level structure for rayTypeCount to vars. Vars bound against
// an older scene generation are re-tagged with the current one.
func (r *Renderer) SetRaytracingShaderData(vars *accel.Vars, rayTypeCount uint32) error {
	if vars == nil {
		return ErrNoVars
	}
	if r.closed {
		return ErrClosed
	}
	r.refreshAccelerator()

	view, err := r.accel.Bind(r.backend, rayTypeCount)
	if err != nil {
		return err
	}

	if vars.SceneGeneration != r.accel.Generation() && vars.Scene != nil {
		r.logger.Debugf("rebinding vars from scene generation %d to %d", vars.SceneGeneration, r.accel.Generation())
	}
	vars.Scene = view
	vars.SceneGeneration = r.accel.Generation()
	return nil
}

// Trace program over a width x height x depth launch grid. The ray type
// count is the program's hit group count.
func (r *Renderer) Raytrace(program accel.Program, vars *accel.Vars, width, height, depth uint32) error {
	if program == nil {
		return ErrNoProgram
	}
	if vars == nil {
		return fmt.Errorf("%w: program %q", ErrNoVars, program.Name())
	}
	if width == 0 || height == 0 || depth == 0 {
		return fmt.Errorf("%w: %dx%dx%d", ErrInvalidFrameDims, width, height, depth)
	}

	rayTypeCount := program.HitGroupCount()
	if rayTypeCount == 0 {
		return fmt.Errorf("%w: %q", ErrNoHitGroups, program.Name())
	}
	if err := r.SetRaytracingShaderData(vars, rayTypeCount); err != nil {
		return err
	}
	vars.HitProgramCount = rayTypeCount

	start := time.Now()
	if err := r.backend.DispatchRays(program, vars, width, height, depth); err != nil {
		return err
	}
	r.stats.TraceTime = time.Since(start)
	r.stats.Dispatches++
	return nil
}

// Run per-frame maintenance for animated geometry.
func (r *Renderer) Update() error {
	if r.closed {
		return ErrClosed
	}
	r.refreshAccelerator()

	start := time.Now()
	if err := r.accel.Update(r.backend); err != nil {
		return err
	}
	r.stats.UpdateTime = time.Since(start)
	r.stats.Frames++
	return nil
}

// Rebuild the cached top-level structures after instance transforms change.
func (r *Renderer) UpdateInstances() error {
	if r.closed {
		return ErrClosed
	}
	r.refreshAccelerator()
	return r.accel.RebuildTlas(r.backend)
}

// Draw a preview of the scene.
func (r *Renderer) Preview() {
	r.logger.Warning("preview of procedural bounds not implemented")
}

// Get ray tracing statistics.
func (r *Renderer) RaytracingStats() RaytracingStats {
	stats := r.stats
	stats.Stats = r.accel.Stats()
	stats.RayTypeCounts = r.accel.TlasKeys()
	return stats
}

// Release all device resources. The renderer cannot be used afterwards.
func (r *Renderer) Close() {
	if r.closed {
		return
	}
	r.accel.Release(r.backend)
	r.closed = true
}

// Replace the accelerator if the scene topology changed since it was created.
func (r *Renderer) refreshAccelerator() {
	if r.accel.Generation() == r.scene.Generation() {
		return
	}

	r.logger.Noticef("scene changed (generation %d -> %d); recreating acceleration structures", r.accel.Generation(), r.scene.Generation())
	r.accel.Release(r.backend)
	r.accel = accel.New(r.scene, r.options.AccelOptions())
	r.stats.Rebuilds++
}
