package scene

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"reflect"

	"github.com/achilleasa/procrt/types"
	"github.com/olekukonko/tablewriter"
)

// A procedural primitive described by an axis-aligned box.
type BoundingBox struct {
	Center types.Vec3
	Extent types.Vec3
}

// Get the min corner of the box.
func (bb BoundingBox) Min() types.Vec3 {
	return bb.Center.Sub(bb.Extent)
}

// Get the max corner of the box.
func (bb BoundingBox) Max() types.Vec3 {
	return bb.Center.Add(bb.Extent)
}

// Get the min/max corners of the box.
func (bb BoundingBox) BBox() [2]types.Vec3 {
	return [2]types.Vec3{bb.Min(), bb.Max()}
}

// Create a bounding box from its min and max corners.
func BoundingBoxFromMinMax(min, max types.Vec3) BoundingBox {
	return BoundingBox{
		Center: min.Add(max).Mul(0.5),
		Extent: max.Sub(min).Mul(0.5),
	}
}

// A named list of primitives.
type Geometry struct {
	Name       string
	Primitives []BoundingBox
}

// Flags applied to an instance when it is traversed.
type InstanceFlags uint8

const (
	InstanceFlagNone                InstanceFlags = 0
	InstanceFlagTriangleCullDisable InstanceFlags = 1 << 0
	InstanceFlagTriangleFrontCCW    InstanceFlags = 1 << 1
	InstanceFlagForceOpaque         InstanceFlags = 1 << 2
	InstanceFlagForceNonOpaque      InstanceFlags = 1 << 3
)

// Parse a flag name as it appears in scene descriptions.
func ParseInstanceFlag(name string) (InstanceFlags, error) {
	switch name {
	case "none":
		return InstanceFlagNone, nil
	case "triangle_cull_disable":
		return InstanceFlagTriangleCullDisable, nil
	case "triangle_front_ccw":
		return InstanceFlagTriangleFrontCCW, nil
	case "force_opaque":
		return InstanceFlagForceOpaque, nil
	case "force_non_opaque":
		return InstanceFlagForceNonOpaque, nil
	}
	return InstanceFlagNone, fmt.Errorf("unknown instance flag %q", name)
}

// An Instance places the geometries of the Blas that owns it inside the
// scene. The transform uses the column-major authoring convention.
type Instance struct {
	ID        uint32
	Mask      uint8
	Flags     InstanceFlags
	Transform types.Mat4
}

// A group of geometries that share a bottom-level structure together with
// the instances that reference it.
type Blas struct {
	Geometries []Geometry
	Instances  []Instance

	// Set if the geometries of this group are animated.
	Dynamic bool
}

// Get the number of primitives over all geometries.
func (b *Blas) PrimitiveCount() int {
	count := 0
	for _, geom := range b.Geometries {
		count += len(geom.Primitives)
	}
	return count
}

// The scene is an ordered list of Blas groups. Changing the list bumps the
// scene generation so that anything derived from a previous list can detect
// that it is stale.
type Scene struct {
	tlas []Blas

	meshCount     uint32
	instanceCount uint32
	generation    uint64
}

// Create a new scene from a list of Blas groups.
func New(tlas []Blas) *Scene {
	sc := &Scene{}
	sc.SetTlas(tlas)
	return sc
}

// Replace the Blas list.
func (sc *Scene) SetTlas(tlas []Blas) {
	sc.tlas = tlas
	sc.recount()
}

// Append a Blas group.
func (sc *Scene) AddBlas(blas Blas) {
	sc.tlas = append(sc.tlas, blas)
	sc.recount()
}

func (sc *Scene) recount() {
	sc.meshCount = 0
	sc.instanceCount = 0
	for _, blas := range sc.tlas {
		sc.meshCount += uint32(len(blas.Geometries))
		sc.instanceCount += uint32(len(blas.Instances))
	}
	sc.generation++
}

// Get the Blas list. Callers must not modify it.
func (sc *Scene) Tlas() []Blas {
	return sc.tlas
}

// Get the total number of geometries.
func (sc *Scene) MeshCount() uint32 {
	return sc.meshCount
}

// Get the total number of instances.
func (sc *Scene) InstanceCount() uint32 {
	return sc.instanceCount
}

// Get the current scene generation.
func (sc *Scene) Generation() uint64 {
	return sc.generation
}

// Returns true if any Blas contains animated geometry.
func (sc *Scene) HasDynamicContent() bool {
	for _, blas := range sc.tlas {
		if blas.Dynamic {
			return true
		}
	}
	return false
}

// Get the shader defines required by programs tracing this scene.
func (sc *Scene) SceneDefines() map[string]string {
	return map[string]string{
		"MATERIAL_COUNT":   "1",
		"INDEXED_VERTICES": "0",
	}
}

// Replace the primitives of an animated geometry. The primitive count must
// not change as device buffers are sized for the original count.
func (sc *Scene) UpdatePrimitives(blasIndex, geomIndex int, prims []BoundingBox) error {
	geom, err := sc.geometry(blasIndex, geomIndex)
	if err != nil {
		return err
	}
	if !sc.tlas[blasIndex].Dynamic {
		return fmt.Errorf("scene: blas %d is not dynamic", blasIndex)
	}
	if len(prims) != len(geom.Primitives) {
		return fmt.Errorf("scene: geometry %q expects %d primitives; got %d", geom.Name, len(geom.Primitives), len(prims))
	}
	copy(geom.Primitives, prims)
	return nil
}

// Update the transform of an instance.
func (sc *Scene) SetInstanceTransform(blasIndex, instIndex int, transform types.Mat4) error {
	if blasIndex < 0 || blasIndex >= len(sc.tlas) {
		return fmt.Errorf("scene: blas index %d out of range", blasIndex)
	}
	blas := &sc.tlas[blasIndex]
	if instIndex < 0 || instIndex >= len(blas.Instances) {
		return fmt.Errorf("scene: instance index %d out of range for blas %d", instIndex, blasIndex)
	}
	blas.Instances[instIndex].Transform = transform
	return nil
}

func (sc *Scene) geometry(blasIndex, geomIndex int) (*Geometry, error) {
	if blasIndex < 0 || blasIndex >= len(sc.tlas) {
		return nil, fmt.Errorf("scene: blas index %d out of range", blasIndex)
	}
	blas := &sc.tlas[blasIndex]
	if geomIndex < 0 || geomIndex >= len(blas.Geometries) {
		return nil, fmt.Errorf("scene: geometry index %d out of range for blas %d", geomIndex, blasIndex)
	}
	return &blas.Geometries[geomIndex], nil
}

// Encode the Blas list. Counters are rebuilt when decoding.
func (sc *Scene) GobEncode() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(sc.tlas); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode a Blas list produced by GobEncode.
func (sc *Scene) GobDecode(data []byte) error {
	var tlas []Blas
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&tlas); err != nil {
		return err
	}
	sc.SetTlas(tlas)
	return nil
}

// Build a tabular representation of scene statistics.
func (sc *Scene) Stats() string {
	var buf bytes.Buffer
	table := tablewriter.NewWriter(&buf)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoFormatHeaders(false)
	table.SetHeader([]string{"Blas", "Dynamic", "Geometries", "Primitives", "Instances", "AABB data"})

	var totalPrims int
	var allBoxes [][]BoundingBox
	for index, blas := range sc.tlas {
		var boxes []BoundingBox
		for _, geom := range blas.Geometries {
			boxes = append(boxes, geom.Primitives...)
		}
		allBoxes = append(allBoxes, boxes)
		totalPrims += len(boxes)

		table.Append([]string{
			fmt.Sprintf("%d", index),
			fmt.Sprintf("%t", blas.Dynamic),
			fmt.Sprintf("%d", len(blas.Geometries)),
			fmt.Sprintf("%d", len(boxes)),
			fmt.Sprintf("%d", len(blas.Instances)),
			fmtSize(boxes),
		})
	}

	sizeArgs := make([]interface{}, len(allBoxes))
	for index, boxes := range allBoxes {
		sizeArgs[index] = boxes
	}
	table.SetFooter([]string{
		"Total", " ",
		fmt.Sprintf("%d", sc.meshCount),
		fmt.Sprintf("%d", totalPrims),
		fmt.Sprintf("%d", sc.instanceCount),
		fmtSize(sizeArgs...),
	})

	table.Render()
	return buf.String()
}

// Sum the total space used by a set of slices and return back a formatted
// value with the appropriate byte/kb/mb unit.
func fmtSize(items ...interface{}) string {
	var totalBytes float32 = 0.0
	for _, item := range items {
		t := reflect.TypeOf(item)
		v := reflect.ValueOf(item)
		if v.Len() == 0 {
			continue
		}

		totalBytes += float32(int(t.Elem().Size()) * v.Len())
	}

	if totalBytes < 1e3 {
		return fmt.Sprintf("%3d bytes", int(totalBytes))
	} else if totalBytes < 1e6 {
		return fmt.Sprintf("%3.1f kb", totalBytes/1e3)
	}
	return fmt.Sprintf("%5.1f mb", totalBytes/1e6)
}
