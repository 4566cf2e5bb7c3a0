package reader

import (
	"fmt"
	"time"

	"github.com/achilleasa/procrt/asset"
	"github.com/achilleasa/procrt/asset/scene"
	"github.com/achilleasa/procrt/log"
	"github.com/achilleasa/procrt/types"
	"gopkg.in/yaml.v3"
)

type yamlScene struct {
	Blas []yamlBlas `yaml:"blas"`
}

type yamlBlas struct {
	Dynamic    bool           `yaml:"dynamic"`
	Geometries []yamlGeometry `yaml:"geometries"`
	Instances  []yamlInstance `yaml:"instances"`
}

type yamlGeometry struct {
	Name string `yaml:"name"`

	// Primitives may be listed inline or loaded from the faces of an obj file.
	Primitives []yamlPrimitive `yaml:"primitives"`
	Source     string          `yaml:"source"`
}

type yamlPrimitive struct {
	Center *types.Vec3 `yaml:"center"`
	Extent *types.Vec3 `yaml:"extent"`
	Min    *types.Vec3 `yaml:"min"`
	Max    *types.Vec3 `yaml:"max"`
}

type yamlRotation struct {
	Axis  types.Vec3 `yaml:"axis"`
	Angle float32    `yaml:"angle"`
}

type yamlInstance struct {
	ID    *uint32  `yaml:"id"`
	Mask  *uint8   `yaml:"mask"`
	Flags []string `yaml:"flags"`

	// Either a full column-major matrix or a T * R * S decomposition.
	Transform []float32     `yaml:"transform"`
	Translate *types.Vec3   `yaml:"translate"`
	Rotate    *yamlRotation `yaml:"rotate"`
	Scale     *types.Vec3   `yaml:"scale"`
}

type yamlSceneReader struct {
	logger log.Logger
}

// Create a new yaml scene reader.
func newYamlReader() *yamlSceneReader {
	return &yamlSceneReader{
		logger: log.New("yaml reader"),
	}
}

// Read scene definition.
func (r *yamlSceneReader) Read(sceneRes *asset.Resource) (*scene.Scene, error) {
	r.logger.Noticef(`parsing scene from "%s"`, sceneRes.Path())
	start := time.Now()

	var desc yamlScene
	dec := yaml.NewDecoder(sceneRes)
	dec.KnownFields(true)
	if err := dec.Decode(&desc); err != nil {
		return nil, fmt.Errorf("yamlSceneReader: could not decode %s: %s", sceneRes.Path(), err.Error())
	}

	tlas := make([]scene.Blas, 0, len(desc.Blas))
	nextID := uint32(0)
	for blasIndex, yb := range desc.Blas {
		blas := scene.Blas{Dynamic: yb.Dynamic}

		for geomIndex, yg := range yb.Geometries {
			geom, err := r.parseGeometry(sceneRes, yg)
			if err != nil {
				return nil, fmt.Errorf("yamlSceneReader: blas %d geometry %d: %s", blasIndex, geomIndex, err.Error())
			}
			blas.Geometries = append(blas.Geometries, geom)
		}
		if len(blas.Geometries) == 0 {
			r.logger.Warningf("dropping blas %d as it contains no geometries", blasIndex)
			continue
		}

		for instIndex, yi := range yb.Instances {
			inst, err := parseYamlInstance(yi, nextID)
			if err != nil {
				return nil, fmt.Errorf("yamlSceneReader: blas %d instance %d: %s", blasIndex, instIndex, err.Error())
			}
			blas.Instances = append(blas.Instances, inst)
			nextID = inst.ID + 1
		}
		if len(blas.Instances) == 0 {
			blas.Instances = append(blas.Instances, scene.Instance{ID: nextID, Mask: 0xFF, Transform: types.Ident4()})
			nextID++
		}

		tlas = append(tlas, blas)
	}

	r.logger.Noticef("parsed scene in %d ms", time.Since(start).Nanoseconds()/1e6)
	return scene.New(tlas), nil
}

func (r *yamlSceneReader) parseGeometry(sceneRes *asset.Resource, yg yamlGeometry) (scene.Geometry, error) {
	geom := scene.Geometry{Name: yg.Name}

	if yg.Source != "" {
		srcRes, err := asset.NewResource(yg.Source, sceneRes)
		if err != nil {
			return geom, err
		}
		defer srcRes.Close()

		prims, err := newWavefrontReader().readPrimitives(srcRes)
		if err != nil {
			return geom, err
		}
		geom.Primitives = append(geom.Primitives, prims...)
	}

	for primIndex, yp := range yg.Primitives {
		switch {
		case yp.Center != nil && yp.Extent != nil:
			geom.Primitives = append(geom.Primitives, scene.BoundingBox{Center: *yp.Center, Extent: *yp.Extent})
		case yp.Min != nil && yp.Max != nil:
			geom.Primitives = append(geom.Primitives, scene.BoundingBoxFromMinMax(*yp.Min, *yp.Max))
		default:
			return geom, fmt.Errorf("primitive %d must define either center/extent or min/max", primIndex)
		}
	}

	if len(geom.Primitives) == 0 {
		return geom, fmt.Errorf("geometry %q defines no primitives", geom.Name)
	}
	return geom, nil
}

func parseYamlInstance(yi yamlInstance, defaultID uint32) (scene.Instance, error) {
	inst := scene.Instance{
		ID:        defaultID,
		Mask:      0xFF,
		Transform: types.Ident4(),
	}

	if yi.ID != nil {
		inst.ID = *yi.ID
	}
	if yi.Mask != nil {
		inst.Mask = *yi.Mask
	}
	for _, name := range yi.Flags {
		flag, err := scene.ParseInstanceFlag(name)
		if err != nil {
			return inst, err
		}
		inst.Flags |= flag
	}

	if len(yi.Transform) != 0 {
		if len(yi.Transform) != 16 {
			return inst, fmt.Errorf("transform must contain 16 values; got %d", len(yi.Transform))
		}
		if yi.Translate != nil || yi.Rotate != nil || yi.Scale != nil {
			return inst, fmt.Errorf("transform cannot be combined with translate/rotate/scale")
		}
		copy(inst.Transform[:], yi.Transform)
		return inst, nil
	}

	trans := types.Ident4()
	if yi.Translate != nil {
		trans = types.Translate4(*yi.Translate)
	}
	rot := types.Ident4()
	if yi.Rotate != nil {
		rot = types.QuatFromAxisAngle(yi.Rotate.Axis, yi.Rotate.Angle).Normalize().Mat4()
	}
	scale := types.Ident4()
	if yi.Scale != nil {
		scale = types.Scale4(*yi.Scale)
	}
	inst.Transform = trans.Mul4(rot).Mul4(scale)
	return inst, nil
}
