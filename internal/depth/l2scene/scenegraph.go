package l2scene

import (
	"errors"
	"fmt"
	"math"

	"github.com/banshee-data/depthpose/internal/depth/l1transform"
)

var (
	// ErrInvalidEdge is returned for out-of-range node or face indices.
	ErrInvalidEdge = errors.New("invalid scene graph edge")
	// ErrCycle is returned when parent links do not form a forest.
	ErrCycle = errors.New("scene graph has a cycle")
)

// NoParent marks a root node whose pose is given rather than derived.
const NoParent = -1

// ContactPlanes returns the six contact planes of a box with full side
// lengths dims, in face order (+y, -y, +z, -z, -x, +x). Each plane's z axis
// is the outward normal of its face.
func ContactPlanes(dims l1transform.Vec3) [NumFaces]l1transform.Pose {
	xAxis := l1transform.Vec3{1, 0, 0}
	yAxis := l1transform.Vec3{0, 1, 0}
	at := func(t l1transform.Vec3, axis l1transform.Vec3, angle float64) l1transform.Pose {
		return l1transform.Compose(l1transform.FromTranslation(t), l1transform.FromAxisAngle(axis, angle))
	}
	return [NumFaces]l1transform.Pose{
		at(l1transform.Vec3{0, dims[1] / 2, 0}, xAxis, -math.Pi/2),
		at(l1transform.Vec3{0, -dims[1] / 2, 0}, xAxis, math.Pi/2),
		at(l1transform.Vec3{0, 0, dims[2] / 2}, xAxis, 0),
		at(l1transform.Vec3{0, 0, -dims[2] / 2}, xAxis, math.Pi),
		at(l1transform.Vec3{-dims[0] / 2, 0, 0}, yAxis, -math.Pi/2),
		at(l1transform.Vec3{dims[0] / 2, 0, 0}, yAxis, math.Pi/2),
	}
}

// Contact places a child face on a parent face: X/Y is the offset within the
// parent face and Angle the rotation about the shared normal.
type Contact struct {
	X, Y, Angle float64
}

// ContactTransform returns the transform from a parent contact plane to the
// child's contact plane. The half turn about (1,1,0) flips the child so the
// two faces touch with opposing normals.
func ContactTransform(c Contact) l1transform.Pose {
	flip := l1transform.FromAxisAngle(l1transform.Vec3{1, 1, 0}, math.Pi)
	spin := l1transform.FromAxisAngle(l1transform.Vec3{0, 0, 1}, c.Angle)
	return l1transform.Compose(
		l1transform.FromTranslation(l1transform.Vec3{c.X, c.Y, 0}),
		l1transform.Compose(flip, spin),
	)
}

// RelativePoseFromContact returns the child's pose in the parent's frame
// when childFace of the child rests on parentFace of the parent.
func RelativePoseFromContact(parentDims, childDims l1transform.Vec3, parentFace, childFace int, c Contact) (l1transform.Pose, error) {
	if parentFace < 0 || parentFace >= NumFaces || childFace < 0 || childFace >= NumFaces {
		return l1transform.Identity(), fmt.Errorf("%w: faces %d/%d", ErrInvalidEdge, parentFace, childFace)
	}
	parentPlane := ContactPlanes(parentDims)[parentFace]
	childPlane := ContactPlanes(childDims)[childFace]
	return l1transform.Compose(
		l1transform.Compose(parentPlane, ContactTransform(c)),
		childPlane.Inverse(),
	), nil
}

// Node is one box in a scene graph. Root nodes (Parent == NoParent) use
// Pose directly; every other node is placed by its contact with Parent.
type Node struct {
	Dims       l1transform.Vec3
	Pose       l1transform.Pose
	Parent     int
	ParentFace int
	ChildFace  int
	Contact    Contact
}

// Graph is a forest of boxes related by face contacts, addressed by index.
type Graph struct {
	Nodes []Node
}

// AddRoot appends a node with a fixed pose and returns its index.
func (g *Graph) AddRoot(dims l1transform.Vec3, pose l1transform.Pose) int {
	g.Nodes = append(g.Nodes, Node{Dims: dims, Pose: pose, Parent: NoParent})
	return len(g.Nodes) - 1
}

// AddChild appends a node resting on parent and returns its index.
func (g *Graph) AddChild(parent int, dims l1transform.Vec3, parentFace, childFace int, c Contact) int {
	g.Nodes = append(g.Nodes, Node{
		Dims:       dims,
		Pose:       l1transform.Identity(),
		Parent:     parent,
		ParentFace: parentFace,
		ChildFace:  childFace,
		Contact:    c,
	})
	return len(g.Nodes) - 1
}

// Validate checks indices, rejects cycles and requires every root pose to
// be a rigid transform.
func (g *Graph) Validate() error {
	n := len(g.Nodes)
	for i, node := range g.Nodes {
		if node.Parent == NoParent {
			if err := l1transform.Validate(node.Pose); err != nil {
				return fmt.Errorf("root node %d: %w", i, err)
			}
			continue
		}
		if node.Parent < 0 || node.Parent >= n || node.Parent == i {
			return fmt.Errorf("%w: node %d has parent %d", ErrInvalidEdge, i, node.Parent)
		}
		if node.ParentFace < 0 || node.ParentFace >= NumFaces || node.ChildFace < 0 || node.ChildFace >= NumFaces {
			return fmt.Errorf("%w: node %d faces %d/%d", ErrInvalidEdge, i, node.ParentFace, node.ChildFace)
		}
	}
	for i := range g.Nodes {
		cur, steps := i, 0
		for g.Nodes[cur].Parent != NoParent {
			cur = g.Nodes[cur].Parent
			steps++
			if steps > n {
				return fmt.Errorf("%w: reached from node %d", ErrCycle, i)
			}
		}
	}
	return nil
}

// Solve returns the absolute pose of every node. Each round recomputes
// every child from its parent's pose of the previous round; after one
// round per node every chain in the forest has settled.
func (g *Graph) Solve() ([]l1transform.Pose, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	rel := make([]l1transform.Pose, len(g.Nodes))
	poses := make([]l1transform.Pose, len(g.Nodes))
	for i, node := range g.Nodes {
		poses[i] = node.Pose
		if node.Parent == NoParent {
			continue
		}
		r, err := RelativePoseFromContact(g.Nodes[node.Parent].Dims, node.Dims, node.ParentFace, node.ChildFace, node.Contact)
		if err != nil {
			return nil, err
		}
		rel[i] = r
	}

	next := make([]l1transform.Pose, len(poses))
	for round := 0; round < len(g.Nodes); round++ {
		for i, node := range g.Nodes {
			if node.Parent == NoParent {
				next[i] = node.Pose
				continue
			}
			next[i] = l1transform.Compose(poses[node.Parent], rel[i])
		}
		poses, next = next, poses
	}
	return poses, nil
}
