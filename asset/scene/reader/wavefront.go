package reader

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/achilleasa/procrt/asset"
	"github.com/achilleasa/procrt/asset/scene"
	"github.com/achilleasa/procrt/log"
	"github.com/achilleasa/procrt/types"
)

// A Blas under construction along with the name used to reference it.
type wavefrontObject struct {
	name string
	blas scene.Blas
}

// The wavefront reader maps each object ("o") to a Blas and each group ("g")
// to a geometry of the current object. Every face becomes a single procedural
// primitive enclosing its vertices.
//
// In addition to the standard statements the reader understands:
// - call file.obj                                   : include another obj file
// - dynamic object_name                             : flag object as animated
// - instance object_name tX tY tZ yaw pitch roll sX sY sZ [id]
type wavefrontSceneReader struct {
	logger log.Logger

	objects      []*wavefrontObject
	objNameToIdx map[string]int

	vertexList []types.Vec3

	// An error stack that provides additional error information when
	// scene files include other files.
	errStack []string
}

// Create a new wavefront scene reader.
func newWavefrontReader() *wavefrontSceneReader {
	return &wavefrontSceneReader{
		logger:       log.New("wavefront reader"),
		objNameToIdx: make(map[string]int),
		vertexList:   make([]types.Vec3, 0),
		errStack:     make([]string, 0),
	}
}

// Read scene definition.
func (r *wavefrontSceneReader) Read(sceneRes *asset.Resource) (*scene.Scene, error) {
	r.logger.Noticef(`parsing scene from "%s"`, sceneRes.Path())
	start := time.Now()

	err := r.parse(sceneRes)
	if err != nil {
		return nil, err
	}

	tlas := make([]scene.Blas, 0, len(r.objects))
	for _, obj := range r.objects {
		if len(obj.blas.Geometries) == 0 {
			r.logger.Warningf(`dropping object "%s" as it contains no faces`, obj.name)
			continue
		}
		if len(obj.blas.Instances) == 0 {
			obj.blas.Instances = append(obj.blas.Instances, scene.Instance{
				ID:        uint32(len(tlas)),
				Mask:      0xFF,
				Transform: types.Ident4(),
			})
		}
		tlas = append(tlas, obj.blas)
	}

	r.logger.Noticef("parsed scene in %d ms", time.Since(start).Nanoseconds()/1e6)
	return scene.New(tlas), nil
}

// Read all faces from a resource and return them as a flat primitive list.
func (r *wavefrontSceneReader) readPrimitives(res *asset.Resource) ([]scene.BoundingBox, error) {
	if err := r.parse(res); err != nil {
		return nil, err
	}

	prims := make([]scene.BoundingBox, 0)
	for _, obj := range r.objects {
		for _, geom := range obj.blas.Geometries {
			prims = append(prims, geom.Primitives...)
		}
	}
	return prims, nil
}

// Generate an error message that also includes any data in the error stack.
func (r *wavefrontSceneReader) emitError(file string, line int, msgFormat string, args ...interface{}) error {
	msg := fmt.Sprintf(msgFormat, args...)

	var errMsg string
	if file != "" {
		errMsg = strings.Trim(
			fmt.Sprintf("[%s: %d] error: %s\n%s", file, line, msg, strings.Join(r.errStack, "\n")),
			"\n",
		)
	} else {
		errMsg = strings.Trim(
			fmt.Sprintf("error: %s\n%s", msg, strings.Join(r.errStack, "\n")),
			"\n",
		)
	}

	return fmt.Errorf("%s", errMsg)
}

// Push a frame to the error stack.
func (r *wavefrontSceneReader) pushFrame(msg string) {
	r.errStack = append([]string{msg}, r.errStack...)
}

// Pop a frame from the error stack.
func (r *wavefrontSceneReader) popFrame() {
	r.errStack = r.errStack[1:]
}

// Get the object currently receiving faces, creating a default one if needed.
func (r *wavefrontSceneReader) currentObject() *wavefrontObject {
	if len(r.objects) == 0 {
		r.addObject("default")
	}
	return r.objects[len(r.objects)-1]
}

func (r *wavefrontSceneReader) addObject(name string) {
	r.objects = append(r.objects, &wavefrontObject{name: name})
	r.objNameToIdx[name] = len(r.objects) - 1
}

// Parse wavefront object scene format.
func (r *wavefrontSceneReader) parse(res *asset.Resource) error {
	var lineNum int = 0

	// Positive face indices are relative to the vertices of the file that
	// declares them.
	relVertexOffset := len(r.vertexList)

	scanner := bufio.NewScanner(res)
	for scanner.Scan() {
		lineNum++
		lineTokens := strings.Fields(scanner.Text())
		if len(lineTokens) == 0 || strings.HasPrefix(lineTokens[0], "#") {
			continue
		}

		switch lineTokens[0] {
		case "call":
			if len(lineTokens) != 2 {
				return r.emitError(res.Path(), lineNum, `unsupported syntax for "%s"; expected 1 argument; got %d`, lineTokens[0], len(lineTokens)-1)
			}

			r.pushFrame(fmt.Sprintf("referenced from %s:%d [%s]", res.Path(), lineNum, lineTokens[0]))
			incRes, err := asset.NewResource(lineTokens[1], res)
			if err != nil {
				return r.emitError(res.Path(), lineNum, "%s", err.Error())
			}
			err = r.parse(incRes)
			incRes.Close()
			if err != nil {
				return err
			}
			r.popFrame()
		case "v":
			v, err := parseVec3(lineTokens)
			if err != nil {
				return r.emitError(res.Path(), lineNum, "%s", err.Error())
			}
			r.vertexList = append(r.vertexList, v)
		case "o":
			if len(lineTokens) < 2 {
				return r.emitError(res.Path(), lineNum, `unsupported syntax for "%s"; expected 1 argument for object name; got %d`, lineTokens[0], len(lineTokens)-1)
			}
			if _, exists := r.objNameToIdx[lineTokens[1]]; exists {
				return r.emitError(res.Path(), lineNum, `object "%s" already defined`, lineTokens[1])
			}
			r.addObject(lineTokens[1])
		case "g":
			if len(lineTokens) < 2 {
				return r.emitError(res.Path(), lineNum, `unsupported syntax for "%s"; expected 1 argument for group name; got %d`, lineTokens[0], len(lineTokens)-1)
			}
			obj := r.currentObject()
			obj.blas.Geometries = append(obj.blas.Geometries, scene.Geometry{Name: lineTokens[1]})
		case "f":
			prim, err := r.parseFace(lineTokens, relVertexOffset)
			if err != nil {
				return r.emitError(res.Path(), lineNum, "%s", err.Error())
			}

			obj := r.currentObject()
			if len(obj.blas.Geometries) == 0 {
				obj.blas.Geometries = append(obj.blas.Geometries, scene.Geometry{Name: obj.name})
			}
			geom := &obj.blas.Geometries[len(obj.blas.Geometries)-1]
			geom.Primitives = append(geom.Primitives, prim)
		case "dynamic":
			if len(lineTokens) != 2 {
				return r.emitError(res.Path(), lineNum, `unsupported syntax for "%s"; expected 1 argument; got %d`, lineTokens[0], len(lineTokens)-1)
			}
			objIndex, exists := r.objNameToIdx[lineTokens[1]]
			if !exists {
				return r.emitError(res.Path(), lineNum, `unknown object with name "%s"`, lineTokens[1])
			}
			r.objects[objIndex].blas.Dynamic = true
		case "instance":
			objIndex, inst, err := r.parseInstance(lineTokens)
			if err != nil {
				return r.emitError(res.Path(), lineNum, "%s", err.Error())
			}
			r.objects[objIndex].blas.Instances = append(r.objects[objIndex].blas.Instances, inst)
		}
	}

	return scanner.Err()
}

// Parse instance definition. Definitions use the following format:
// instance object_name tX tY tZ yaw pitch roll sX sY sZ [id]
// where:
// - tX, tY, tZ       : translation vector
// - yaw, pitch, roll : rotation angles in degrees
// - sX, sY, sZ	      : scale
// - id               : optional instance id; defaults to the instance index
func (r *wavefrontSceneReader) parseInstance(lineTokens []string) (int, scene.Instance, error) {
	if len(lineTokens) != 11 && len(lineTokens) != 12 {
		return -1, scene.Instance{}, fmt.Errorf(`unsupported syntax for "instance"; expected 10 or 11 arguments: object_name tX tY tZ yaw pitch roll sX sY sZ [id]; got %d`, len(lineTokens)-1)
	}

	objIndex, exists := r.objNameToIdx[lineTokens[1]]
	if !exists {
		return -1, scene.Instance{}, fmt.Errorf(`unknown object with name "%s"`, lineTokens[1])
	}

	var args [9]float32
	for index := 2; index < 11; index++ {
		v, err := strconv.ParseFloat(lineTokens[index], 32)
		if err != nil {
			return -1, scene.Instance{}, err
		}
		args[index-2] = float32(v)
	}

	id := uint32(0)
	for _, obj := range r.objects {
		id += uint32(len(obj.blas.Instances))
	}
	if len(lineTokens) == 12 {
		v, err := strconv.ParseUint(lineTokens[11], 10, 24)
		if err != nil {
			return -1, scene.Instance{}, err
		}
		id = uint32(v)
	}

	return objIndex, scene.Instance{
		ID:        id,
		Mask:      0xFF,
		Transform: composeTransform(types.Vec3{args[0], args[1], args[2]}, types.Vec3{args[3], args[4], args[5]}, types.Vec3{args[6], args[7], args[8]}),
	}, nil
}

// Compose a T * R * S transform from a translation, yaw/pitch/roll angles in
// degrees and a scale.
func composeTransform(translation, angles, scale types.Vec3) types.Mat4 {
	yawQuat := types.QuatFromAxisAngle(types.Vec3{1, 0, 0}, angles[0])
	pitchQuat := types.QuatFromAxisAngle(types.Vec3{0, 1, 0}, angles[1])
	rollQuat := types.QuatFromAxisAngle(types.Vec3{0, 0, 1}, angles[2])
	rotMat := rollQuat.Mat4().Mul4(pitchQuat.Mat4()).Mul4(yawQuat.Mat4())

	return types.Translate4(translation).Mul4(rotMat).Mul4(types.Scale4(scale))
}

// Parse a face definition into a bounding box enclosing its vertices. Each
// face argument may use the v, v/vt, v//vn or v/vt/vn formats; only the
// vertex index is used. Indices start from 1 and may be negative to indicate
// an offset off the end of the vertex list.
func (r *wavefrontSceneReader) parseFace(lineTokens []string, relVertexOffset int) (scene.BoundingBox, error) {
	if len(lineTokens) < 4 {
		return scene.BoundingBox{}, fmt.Errorf(`unsupported syntax for "f"; expected at least 3 arguments; got %d`, len(lineTokens)-1)
	}

	bbox := types.EmptyBBox()
	for arg := 1; arg < len(lineTokens); arg++ {
		vTokens := strings.Split(lineTokens[arg], "/")
		if vTokens[0] == "" {
			return scene.BoundingBox{}, fmt.Errorf("face argument %d does not include a vertex index", arg-1)
		}

		vOffset, err := selectFaceCoordIndex(vTokens[0], len(r.vertexList), relVertexOffset)
		if err != nil {
			return scene.BoundingBox{}, fmt.Errorf("could not parse vertex coord for face argument %d: %s", arg-1, err.Error())
		}
		v := r.vertexList[vOffset]
		bbox = types.MergeBBox(bbox, [2]types.Vec3{v, v})
	}

	return scene.BoundingBoxFromMinMax(bbox[0], bbox[1]), nil
}

// Given a face vertex index calculate the proper offset into the vertex
// list. Wavefront format can also use negative indices to reference elements
// from the end of the list.
func selectFaceCoordIndex(indexToken string, coordListLen int, relOffset int) (int, error) {
	index, err := strconv.ParseInt(indexToken, 10, 32)
	if err != nil {
		return -1, err
	}

	var vOffset int = 0
	if index < 0 {
		vOffset = coordListLen + int(index)
	} else {
		vOffset = relOffset + int(index-1)
	}
	if vOffset < 0 || vOffset >= coordListLen {
		return -1, fmt.Errorf("index out of bounds")
	}
	return vOffset, nil
}

// Parse a Vec3 row.
func parseVec3(lineTokens []string) (types.Vec3, error) {
	if len(lineTokens) < 4 {
		return types.Vec3{}, fmt.Errorf(`unsupported syntax for "%s"; expected 3 arguments; got %d`, lineTokens[0], len(lineTokens)-1)
	}

	v := types.Vec3{}
	for tokIdx := 1; tokIdx <= 3; tokIdx++ {
		coord, err := strconv.ParseFloat(lineTokens[tokIdx], 32)
		if err != nil {
			return v, err
		}
		v[tokIdx-1] = float32(coord)
	}
	return v, nil
}
