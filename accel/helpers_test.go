package accel_test

import (
	"fmt"
	"testing"

	"github.com/achilleasa/procrt/accel"
	"github.com/achilleasa/procrt/asset/scene"
	"github.com/achilleasa/procrt/tracer/host"
	"github.com/achilleasa/procrt/types"
	"github.com/gogpu/gputypes"
	"github.com/stretchr/testify/require"
)

// Create a Blas with geomCount geometries of primsPerGeom boxes each and
// instCount instances. Boxes are laid out along the X axis.
func makeBlas(geomCount, primsPerGeom, instCount int, dynamic bool) scene.Blas {
	blas := scene.Blas{Dynamic: dynamic}
	for g := 0; g < geomCount; g++ {
		geom := scene.Geometry{Name: "geom"}
		for p := 0; p < primsPerGeom; p++ {
			geom.Primitives = append(geom.Primitives, scene.BoundingBox{
				Center: types.XYZ(float32(p)*2, float32(g)*2, 0),
				Extent: types.XYZ(0.5, 0.5, 0.5),
			})
		}
		blas.Geometries = append(blas.Geometries, geom)
	}
	for i := 0; i < instCount; i++ {
		blas.Instances = append(blas.Instances, scene.Instance{
			ID:        uint32(i),
			Mask:      0xFF,
			Transform: types.Translate4(types.XYZ(0, 0, float32(-10*(i+1)))),
		})
	}
	return blas
}

func newBackend() *host.Backend {
	return host.NewBackend(host.Options{Workers: 2})
}

func bind(t *testing.T, b accel.Backend, sc *scene.Scene, opts accel.Options, rayTypeCount uint32) (*accel.Accelerator, accel.View) {
	t.Helper()
	acc := accel.New(sc, opts)
	view, err := acc.Bind(b, rayTypeCount)
	require.NoError(t, err)
	require.NotNil(t, view)
	return acc, view
}

// Select commands of a kind that operate on a buffer label.
func commandsFor(commands []host.Command, kind host.CommandKind, label string) []host.Command {
	var out []host.Command
	for _, cmd := range host.FilterCommands(commands, kind) {
		if cmd.Label == label {
			out = append(out, cmd)
		}
	}
	return out
}

// A backend whose individual calls can be intercepted.
type hookedBackend struct {
	*host.Backend

	prebuild func(info accel.PrebuildInfo) accel.PrebuildInfo
	mapRead  func(data []byte)
	noViews  bool

	// Buffer label whose allocation fails with an out of memory error.
	failLabel string
}

func (h *hookedBackend) CreateBuffer(desc *gputypes.BufferDescriptor, initial []byte) (accel.Buffer, error) {
	if h.failLabel != "" && desc.Label == h.failLabel {
		return nil, fmt.Errorf("%w: %s", host.ErrOutOfMemory, desc.Label)
	}
	return h.Backend.CreateBuffer(desc, initial)
}

func (h *hookedBackend) PrebuildInfo(inputs *accel.BuildInputs) (accel.PrebuildInfo, error) {
	info, err := h.Backend.PrebuildInfo(inputs)
	if err == nil && h.prebuild != nil {
		info = h.prebuild(info)
	}
	return info, err
}

func (h *hookedBackend) MapRead(buf accel.Buffer) ([]byte, error) {
	data, err := h.Backend.MapRead(buf)
	if err == nil && h.mapRead != nil {
		h.mapRead(data)
	}
	return data, err
}

func (h *hookedBackend) CreateStructureView(buf accel.Buffer) (accel.View, error) {
	if h.noViews {
		return nil, nil
	}
	return h.Backend.CreateStructureView(buf)
}

// An instance source that only returns the first count records of another
// source.
type trimmedSource struct {
	src   accel.InstanceSource
	count int
}

func (s trimmedSource) Instances(rayTypeCount uint32) ([]accel.InstanceDesc, error) {
	descs, err := s.src.Instances(rayTypeCount)
	if err != nil {
		return nil, err
	}
	if s.count < len(descs) {
		descs = descs[:s.count]
	}
	return descs, nil
}
