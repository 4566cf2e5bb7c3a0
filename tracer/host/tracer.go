package host

import (
	"fmt"
	"sync"
	"time"

	"github.com/achilleasa/procrt/accel"
	"github.com/achilleasa/procrt/types"
	"github.com/chewxy/math32"
)

// Initial capacity of the traversal stack.
const traversalStackSize = 64

// A Program runs RayGen once per launch index of a dispatch. HitGroups is
// the number of ray types the program traces.
type Program struct {
	ProgramName string
	HitGroups   uint32
	RayGen      func(launch *Launch)
}

func (p *Program) Name() string {
	return p.ProgramName
}

func (p *Program) HitGroupCount() uint32 {
	return p.HitGroups
}

// Launch describes a single ray generation invocation. RayGen callbacks run
// concurrently and must not retain the Launch.
type Launch struct {
	X, Y, Z uint32
	Dims    [3]uint32

	Vars   *accel.Vars
	Tracer *Tracer
}

// A Ray in world space. Hits are reported for TMin <= t <= TMax.
type Ray struct {
	Origin types.Vec3
	Dir    types.Vec3
	TMin   float32
	TMax   float32
}

// TraceParams select the instances a ray can hit and how hit groups are
// indexed.
type TraceParams struct {
	// Instances whose mask shares no bits with this value are skipped.
	InstanceMask uint8

	// Offset added to the hit group index for the traced ray type.
	RayContribution uint32

	// Stride between the hit groups of consecutive geometries; normally
	// the number of ray types.
	GeometryMultiplier uint32
}

// The closest procedural primitive hit by a ray.
type Hit struct {
	InstanceID     uint32
	InstanceIndex  uint32
	GeometryIndex  uint32
	PrimitiveIndex uint32
	HitGroupIndex  uint32
	T              float32
}

// Tracer traverses a top-level structure and the bottom-level structures
// it references. It is read-only and safe for concurrent use.
type Tracer struct {
	tlas *structure
	blas map[accel.Address]*structure

	// World to object transform per top-level item; nil for instances
	// with a singular transform.
	worldToObject []*types.Mat4
}

// Create a tracer for the top-level structure at addr.
func (b *Backend) NewTracer(addr accel.Address) (*Tracer, error) {
	tlas, err := b.loadStructure(addr)
	if err != nil {
		return nil, err
	}
	if tlas.info.Type != accel.TopLevel {
		return nil, fmt.Errorf("%w: 0x%x does not hold a top-level structure", ErrInvalidStructure, uint64(addr))
	}

	tr := &Tracer{
		tlas:          tlas,
		blas:          make(map[accel.Address]*structure),
		worldToObject: make([]*types.Mat4, len(tlas.instances)),
	}
	for index, ref := range tlas.instances {
		blasAddr := ref.desc.AccelerationStructure
		if _, exists := tr.blas[blasAddr]; !exists {
			blas, err := b.loadStructure(blasAddr)
			if err != nil {
				return nil, fmt.Errorf("instance %d: %w", ref.index, err)
			}
			tr.blas[blasAddr] = blas
		}

		if inv, ok := types.Mat4FromRowMajor3x4(ref.desc.Transform).InverseAffine(); ok {
			tr.worldToObject[index] = &inv
		}
	}
	return tr, nil
}

// Find the closest primitive hit by ray.
func (tr *Tracer) Trace(ray Ray, params TraceParams) (Hit, bool) {
	var (
		hit   Hit
		found bool
	)
	closest := ray.TMax
	invDir := reciprocal(ray.Dir)

	stack := make([]uint32, 1, traversalStackSize)
	for len(stack) > 0 {
		nodeIndex := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		node := &tr.tlas.nodes[nodeIndex]
		if _, ok := intersectBBox(ray.Origin, invDir, node.BBox(), ray.TMin, closest); !ok {
			continue
		}
		if !node.IsLeaf() {
			left, right := node.Children()
			stack = append(stack, right, left)
			continue
		}

		first, count := node.Items()
		for item := first; item < first+count; item++ {
			inst := &tr.tlas.instances[item]
			xform := tr.worldToObject[item]
			if inst.desc.InstanceMask&params.InstanceMask == 0 || xform == nil {
				continue
			}

			origin := xform.MulPoint(ray.Origin)
			dir := xform.MulDir(ray.Dir)
			t, ref, ok := traverseBlas(tr.blas[inst.desc.AccelerationStructure], origin, dir, ray.TMin, closest)
			if !ok {
				continue
			}

			closest = t
			found = true
			hit = Hit{
				InstanceID:     inst.desc.InstanceID,
				InstanceIndex:  inst.index,
				GeometryIndex:  ref.geometry,
				PrimitiveIndex: ref.primitive,
				HitGroupIndex:  inst.desc.ContributionToHitGroupIndex + params.GeometryMultiplier*ref.geometry + params.RayContribution,
				T:              t,
			}
		}
	}
	return hit, found
}

// Find the closest primitive of a bottom-level structure along an object
// space ray. The ray direction is not normalized so t matches world space.
func traverseBlas(blas *structure, origin, dir types.Vec3, tMin, tMax float32) (float32, primRef, bool) {
	var (
		best  primRef
		found bool
	)
	if blas == nil || len(blas.nodes) == 0 {
		return 0, best, false
	}

	closest := tMax
	invDir := reciprocal(dir)
	stack := make([]uint32, 1, traversalStackSize)
	for len(stack) > 0 {
		nodeIndex := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		node := &blas.nodes[nodeIndex]
		if _, ok := intersectBBox(origin, invDir, node.BBox(), tMin, closest); !ok {
			continue
		}
		if !node.IsLeaf() {
			left, right := node.Children()
			stack = append(stack, right, left)
			continue
		}

		first, count := node.Items()
		for item := first; item < first+count; item++ {
			ref := blas.prims[item]
			if t, ok := intersectBBox(origin, invDir, ref.bbox, tMin, closest); ok {
				closest = t
				best = ref
				found = true
			}
		}
	}
	return closest, best, found
}

// Slab test. Returns the entry distance clamped to tMin.
func intersectBBox(origin, invDir types.Vec3, bbox [2]types.Vec3, tMin, tMax float32) (float32, bool) {
	t0, t1 := tMin, tMax
	for axis := 0; axis < 3; axis++ {
		tNear := (bbox[0][axis] - origin[axis]) * invDir[axis]
		tFar := (bbox[1][axis] - origin[axis]) * invDir[axis]
		if tNear > tFar {
			tNear, tFar = tFar, tNear
		}
		// NaNs from 0*Inf fail both comparisons and leave the interval as is
		if tNear > t0 {
			t0 = tNear
		}
		if tFar < t1 {
			t1 = tFar
		}
		if t0 > t1 {
			return 0, false
		}
	}
	return t0, true
}

func reciprocal(v types.Vec3) types.Vec3 {
	var out types.Vec3
	for axis := 0; axis < 3; axis++ {
		if v[axis] == 0 {
			out[axis] = math32.Copysign(math32.Inf(1), v[axis])
			continue
		}
		out[axis] = 1 / v[axis]
	}
	return out
}

func (b *Backend) DispatchRays(program accel.Program, vars *accel.Vars, width, height, depth uint32) error {
	prog, ok := program.(*Program)
	if !ok || prog == nil || prog.RayGen == nil {
		return ErrInvalidProgram
	}
	if vars == nil || vars.Scene == nil {
		return ErrMissingView
	}

	tr, err := b.NewTracer(vars.Scene.Location())
	if err != nil {
		return err
	}

	b.record(Command{Kind: CmdDispatch, Program: prog.ProgramName, Dims: [3]uint32{width, height, depth}})

	dims := [3]uint32{width, height, depth}
	for z := uint32(0); z < depth && width > 0; z++ {
		var wg sync.WaitGroup
		var firstRow uint32
		for worker, rows := range b.scheduler.Schedule(b.opts.Workers, height) {
			wg.Add(1)
			go func(worker int, firstRow, rows uint32) {
				defer wg.Done()
				start := time.Now()
				launch := Launch{Z: z, Dims: dims, Vars: vars, Tracer: tr}
				for y := firstRow; y < firstRow+rows; y++ {
					for x := uint32(0); x < width; x++ {
						launch.X, launch.Y = x, y
						prog.RayGen(&launch)
					}
				}
				b.scheduler.Record(worker, time.Since(start))
			}(worker, firstRow, rows)
			firstRow += rows
		}
		wg.Wait()
	}
	return nil
}
