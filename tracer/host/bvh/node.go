package bvh

import "github.com/achilleasa/procrt/types"

// Size of an encoded Node.
const NodeByteSize = 32

// A BVH node. Interior nodes store the indices of their children; leaf nodes
// store the first item index negated and the item count. Children always come
// after their parent so a non-positive LData marks a leaf.
type Node struct {
	Min   types.Vec3
	LData int32
	Max   types.Vec3
	RData int32
}

// Set node bounding box.
func (n *Node) SetBBox(bbox [2]types.Vec3) {
	n.Min = bbox[0]
	n.Max = bbox[1]
}

// Get node bounding box.
func (n *Node) BBox() [2]types.Vec3 {
	return [2]types.Vec3{n.Min, n.Max}
}

// Set left and right child node indices.
func (n *Node) SetChildNodes(left, right uint32) {
	n.LData = int32(left)
	n.RData = int32(right)
}

// Set first item index and count.
func (n *Node) SetItems(first, count uint32) {
	n.LData = -int32(first)
	n.RData = int32(count)
}

func (n *Node) IsLeaf() bool {
	return n.LData <= 0
}

// Get the child node indices of an interior node.
func (n *Node) Children() (left, right uint32) {
	return uint32(n.LData), uint32(n.RData)
}

// Get the item range of a leaf node.
func (n *Node) Items() (first, count uint32) {
	return uint32(-n.LData), uint32(n.RData)
}
