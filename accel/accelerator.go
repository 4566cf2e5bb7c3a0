package accel

import (
	"fmt"

	"github.com/achilleasa/procrt/asset/scene"
	"github.com/achilleasa/procrt/log"
)

// Build policy.
type Options struct {
	BlasUpdateMode UpdateMode
	TlasUpdateMode UpdateMode

	DisableCompaction bool
	PreferFastTrace   bool
}

// Get the default build policy: refit animated Blas, rebuild the Tlas.
func DefaultOptions() Options {
	return Options{
		BlasUpdateMode: UpdateModeRefit,
		TlasUpdateMode: UpdateModeRebuild,
	}
}

// Accelerator ties together the geometry layout, the bottom-level builder,
// the instance assembler and the top-level cache for a single scene
// generation.
type Accelerator struct {
	logger log.Logger

	scene      *scene.Scene
	generation uint64

	layout    *GeometryLayout
	blas      *BlasBuilder
	assembler InstanceAssembler
	tlas      *TlasCache
}

// Create an accelerator for a scene. No device work happens until the first
// call to Bind or Update.
func New(sc *scene.Scene, opts Options) *Accelerator {
	return &Accelerator{
		logger:     log.New("accel"),
		scene:      sc,
		generation: sc.Generation(),
		blas: NewBlasBuilder(BlasOptions{
			UpdateMode:        opts.BlasUpdateMode,
			DisableCompaction: opts.DisableCompaction,
			PreferFastTrace:   opts.PreferFastTrace,
		}),
		tlas: NewTlasCache(opts.TlasUpdateMode),
	}
}

// Get the scene generation the accelerator was created for.
func (a *Accelerator) Generation() uint64 {
	return a.generation
}

// Get the view of the top-level structure for a ray type count, running
// the one-time build and the top-level build as needed.
func (a *Accelerator) Bind(b Backend, rayTypeCount uint32) (View, error) {
	if rayTypeCount == 0 {
		return nil, ErrInvalidRayTypeCount
	}
	if err := a.ensureBuilt(b); err != nil {
		return nil, err
	}
	return a.tlas.Get(b, rayTypeCount, a)
}

// Run per-frame maintenance. Dynamic primitives are uploaded, dynamic Blas
// are refit or rebuilt and every cached top-level structure is rebuilt.
// Scenes without dynamic content are left untouched.
func (a *Accelerator) Update(b Backend) error {
	if a.blas.Pending() {
		return a.ensureBuilt(b)
	}
	if err := a.checkGeneration(); err != nil {
		return err
	}
	if !a.blas.HasDynamicContent() {
		return nil
	}

	if err := a.uploadDynamicPrimitives(b); err != nil {
		return err
	}
	if err := a.blas.Maintain(b); err != nil {
		return err
	}
	return a.RebuildTlas(b)
}

// Request a new build for every cached top-level structure. This is needed
// after instance transforms change.
func (a *Accelerator) RebuildTlas(b Backend) error {
	if err := a.checkGeneration(); err != nil {
		return err
	}
	for _, rayTypeCount := range a.tlas.Keys() {
		if err := a.tlas.Build(b, rayTypeCount, a); err != nil {
			return err
		}
	}
	return nil
}

// Generate the instance stream for a ray type count.
func (a *Accelerator) Instances(rayTypeCount uint32) ([]InstanceDesc, error) {
	addrs, err := a.blas.Addresses()
	if err != nil {
		return nil, err
	}
	return a.assembler.Assemble(a.scene, addrs, rayTypeCount)
}

// Get bottom-level statistics.
func (a *Accelerator) Stats() Stats {
	return a.blas.Stats()
}

// Get a copy of the bottom-level build records.
func (a *Accelerator) BlasRecords() []BlasBuildRecord {
	return a.blas.Records()
}

// Get a copy of the cached top-level entry for a ray type count.
func (a *Accelerator) TlasEntry(rayTypeCount uint32) (TlasEntry, bool) {
	return a.tlas.Entry(rayTypeCount)
}

// Get the cached ray type counts.
func (a *Accelerator) TlasKeys() []uint32 {
	return a.tlas.Keys()
}

// Get the geometry layout or nil if it has not been built yet.
func (a *Accelerator) Layout() *GeometryLayout {
	return a.layout
}

// Get the bottom-level builder.
func (a *Accelerator) BlasBuilder() *BlasBuilder {
	return a.blas
}

// Release all device buffers.
func (a *Accelerator) Release(b Backend) {
	a.tlas.Release(b)
	a.blas.Release(b)
	if a.layout != nil {
		a.layout.Release(b)
		a.layout = nil
	}
}

func (a *Accelerator) ensureBuilt(b Backend) error {
	if err := a.checkGeneration(); err != nil {
		return err
	}

	if a.layout == nil {
		layout, err := BuildGeometry(b, a.scene)
		if err != nil {
			return err
		}
		a.layout = layout
	}

	if a.blas.Pending() {
		if err := a.blas.BuildOnce(b, a.scene, a.layout); err != nil {
			return err
		}
		a.logger.Noticef("acceleration structures ready:\n%s", a.blas.Stats().Table())
	}
	return nil
}

func (a *Accelerator) uploadDynamicPrimitives(b Backend) error {
	for blasIndex, blas := range a.scene.Tlas() {
		if !blas.Dynamic {
			continue
		}
		for geomIndex, geom := range blas.Geometries {
			if err := a.layout.WritePrimitives(b, blasIndex, geomIndex, geom.Primitives); err != nil {
				return err
			}
		}
	}
	b.Barrier(a.layout.Buffer(), BarrierShaderResource)
	return nil
}

func (a *Accelerator) checkGeneration() error {
	if a.scene.Generation() != a.generation {
		return fmt.Errorf("%w: built for %d, scene is at %d", ErrStaleScene, a.generation, a.scene.Generation())
	}
	return nil
}
