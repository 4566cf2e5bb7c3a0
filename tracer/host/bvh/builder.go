package bvh

import (
	"math"
	"time"

	"github.com/achilleasa/procrt/log"
	"github.com/achilleasa/procrt/types"
)

type Axis uint8

const (
	XAxis Axis = iota
	YAxis
	ZAxis

	// The builder will not attempt to calculate split candidates
	// if the node bbox along an axis is less than this threshold.
	minSideLength float32 = 1e-3

	// If the split step (calculated as side length / (1024 / depth+1))
	// is less than this threshold the builder will not evaluate
	// split candidates.
	minSplitStep float32 = 1e-5
)

var (
	// A split scoring strategy that uses the surface area heuristic (SAH).
	SurfaceAreaHeuristic = surfaceAreaHeuristic{}
)

// The BoundedVolume interface is implemented by all items that can be
// partitioned by the builder.
type BoundedVolume interface {
	BBox() [2]types.Vec3
	Center() types.Vec3
}

// A callback that is called whenever the builder creates a new leaf. It is
// responsible for assigning the leaf item range.
type LeafCallback func(leaf *Node, itemList []BoundedVolume)

// A split scoring strategy.
type ScoreStrategy interface {
	// Calculate a score for splitting workList at splitPoint along a particular Axis.
	ScoreSplit(workList []BoundedVolume, splitAxis Axis, splitPoint float32) (leftCount, rightCount int, score float32)

	// Calculate a score for all items in workList.
	ScorePartition(workList []BoundedVolume) (score float32)
}

type splitScore struct {
	axis       Axis
	splitPoint float32

	leftCount, rightCount int
	score                 float32
}

// Returns true if s should be preferred over other. Candidates arrive in
// arbitrary order so ties are broken by axis and split point to keep the
// generated trees stable.
func (s *splitScore) betterThan(other *splitScore) bool {
	if s.score != other.score {
		return s.score < other.score
	}
	if s.axis != other.axis {
		return s.axis < other.axis
	}
	return s.splitPoint < other.splitPoint
}

type stats struct {
	partitionedItems int
	totalItems       int
	nodes            int
	leafs            int
	maxDepth         int
}

type builder struct {
	logger log.Logger

	// Nodes stored as a contiguous list in depth-first order.
	nodes []Node

	leafCb LeafCallback

	// The maximum number of items that may be grouped in a leaf without
	// attempting a split.
	minLeafItems int

	// A channel for receiving score results.
	scoreChan chan splitScore

	scoreStrategy ScoreStrategy

	stats stats
}

// Construct a BVH from a set of bounded volumes.
//
// The minLeafItems param specifies the number of items at or below which
// the builder emits a leaf without evaluating splits. Split candidates of
// each node are scored concurrently.
func Build(workList []BoundedVolume, minLeafItems int, leafCb LeafCallback, scoreStrategy ScoreStrategy) []Node {
	if minLeafItems < 1 {
		minLeafItems = 1
	}

	b := &builder{
		logger:        log.New("bvh builder"),
		nodes:         make([]Node, 0, 2*len(workList)),
		leafCb:        leafCb,
		minLeafItems:  minLeafItems,
		scoreChan:     make(chan splitScore),
		scoreStrategy: scoreStrategy,
		stats: stats{
			totalItems: len(workList),
		},
	}

	if len(workList) == 0 {
		return b.nodes
	}

	start := time.Now()
	b.partition(workList, 0)
	b.logger.Debugf(
		"bvh build time: %d ms, items: %d, maxDepth: %d, nodes: %d, leafs: %d",
		time.Since(start).Nanoseconds()/1e6,
		b.stats.totalItems, b.stats.maxDepth, b.stats.nodes, b.stats.leafs,
	)
	return b.nodes
}

// Partition worklist and return node index.
func (b *builder) partition(workList []BoundedVolume, depth int) uint32 {
	if depth > b.stats.maxDepth {
		b.stats.maxDepth = depth
	}

	node := Node{}
	bbox := types.EmptyBBox()
	for _, item := range workList {
		bbox = types.MergeBBox(bbox, item.BBox())
	}
	node.SetBBox(bbox)

	if len(workList) <= b.minLeafItems {
		return b.createLeaf(&node, workList)
	}

	nodeScore := b.scoreStrategy.ScorePartition(workList)
	var bestSplit *splitScore

	pendingScores := 0
	side := node.Max.Sub(node.Min)
	for axis := XAxis; axis <= ZAxis; axis++ {
		if side[axis] < minSideLength {
			continue
		}

		// Split steps become more granular the deeper we go
		splitStep := side[axis] / (1024.0 / float32(depth+1))
		if splitStep < minSplitStep {
			continue
		}

		for splitPoint := node.Min[axis]; splitPoint < node.Max[axis]; splitPoint += splitStep {
			pendingScores++
			go func(axis Axis, splitPoint float32) {
				lCount, rCount, score := b.scoreStrategy.ScoreSplit(workList, axis, splitPoint)
				b.scoreChan <- splitScore{
					axis:       axis,
					splitPoint: splitPoint,
					leftCount:  lCount,
					rightCount: rCount,
					score:      score,
				}
			}(axis, splitPoint)
		}
	}

	for ; pendingScores > 0; pendingScores-- {
		candidate := <-b.scoreChan
		if candidate.score >= nodeScore {
			continue
		}
		if bestSplit == nil || candidate.betterThan(bestSplit) {
			c := candidate
			bestSplit = &c
		}
	}

	// No split improves the current node score
	if bestSplit == nil || bestSplit.leftCount == 0 || bestSplit.rightCount == 0 {
		return b.createLeaf(&node, workList)
	}

	leftWorkList := make([]BoundedVolume, 0, bestSplit.leftCount)
	rightWorkList := make([]BoundedVolume, 0, bestSplit.rightCount)
	for _, item := range workList {
		if item.Center()[bestSplit.axis] < bestSplit.splitPoint {
			leftWorkList = append(leftWorkList, item)
		} else {
			rightWorkList = append(rightWorkList, item)
		}
	}

	nodeIndex := len(b.nodes)
	b.nodes = append(b.nodes, node)
	b.stats.nodes++

	leftNodeIndex := b.partition(leftWorkList, depth+1)
	rightNodeIndex := b.partition(rightWorkList, depth+1)
	b.nodes[nodeIndex].SetChildNodes(leftNodeIndex, rightNodeIndex)

	return uint32(nodeIndex)
}

// Setup node as a leaf containing all items in the work list and return its
// index in the node array.
func (b *builder) createLeaf(node *Node, workList []BoundedVolume) uint32 {
	b.leafCb(node, workList)

	nodeIndex := len(b.nodes)
	b.nodes = append(b.nodes, *node)

	b.stats.nodes++
	b.stats.leafs++
	b.stats.partitionedItems += len(workList)

	return uint32(nodeIndex)
}

// A score implementation that uses surface area heuristic for calculating split scores.
type surfaceAreaHeuristic struct{}

// Score a split using the formula (lower score is better):
//
// left count * left BBOX area + rightCount * right BBOX area.
//
// Splits that generate empty partitions get the worst possible score
// (MaxFloat32).
func (h surfaceAreaHeuristic) ScoreSplit(workList []BoundedVolume, axis Axis, splitPoint float32) (leftCount, rightCount int, score float32) {
	lbox := types.EmptyBBox()
	rbox := types.EmptyBBox()

	for _, item := range workList {
		if item.Center()[axis] < splitPoint {
			leftCount++
			lbox = types.MergeBBox(lbox, item.BBox())
		} else {
			rightCount++
			rbox = types.MergeBBox(rbox, item.BBox())
		}
	}

	if leftCount == 0 || rightCount == 0 {
		return leftCount, rightCount, math.MaxFloat32
	}

	return leftCount, rightCount, float32(leftCount)*halfArea(lbox) + float32(rightCount)*halfArea(rbox)
}

// Calculate score for a partitioned workList using formula:
// count * BBOX area
//
// An empty workList gets the worst possible score (MaxFloat32).
func (h surfaceAreaHeuristic) ScorePartition(workList []BoundedVolume) (score float32) {
	if len(workList) == 0 {
		return math.MaxFloat32
	}

	bbox := types.EmptyBBox()
	for _, item := range workList {
		bbox = types.MergeBBox(bbox, item.BBox())
	}
	return float32(len(workList)) * halfArea(bbox)
}

func halfArea(bbox [2]types.Vec3) float32 {
	side := bbox[1].Sub(bbox[0])
	return side[0]*side[1] + side[1]*side[2] + side[0]*side[2]
}
