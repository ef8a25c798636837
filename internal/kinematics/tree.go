// Package kinematics holds the joint tree snapshot the solver works on.
//
// A Tree is an arena of joints addressed by position. Positions follow a
// depth-first preorder of the host bone hierarchy, so every joint's parent
// sits at a smaller position and every subtree occupies a contiguous range
// [pos, subtreeEnd(pos)).
package kinematics

import (
	"errors"
	"fmt"

	"github.com/go-gl/mathgl/mgl64"
)

// NoParent marks a root joint.
const NoParent = -1

var (
	ErrInvalidParent    = errors.New("bone parent out of range")
	ErrCyclicHierarchy  = errors.New("bone hierarchy contains a cycle")
	ErrEmptyHierarchy   = errors.New("bone hierarchy is empty")
	ErrZeroRotationAxis = errors.New("joint rotation axis has zero length")
)

// DefaultAxis is the local axis every joint rotates about (+Z).
var DefaultAxis = mgl64.Vec3{0, 0, 1}

// BoneSource is the read side of a host skeleton.
type BoneSource interface {
	BoneCount() int
	BoneName(idx int) string
	BoneParent(idx int) int
	IsBoneEnabled(idx int) bool
	BonePose(idx int) mgl64.Mat4
	FindBone(name string) int
}

// Joint is one node of the tree. ID is the host bone index.
type Joint struct {
	ID     int
	Parent int
	Name   string
	Local  mgl64.Mat4
	Depth  int

	Effector          bool
	OrientationTarget bool
	Active            bool
}

// Tree is an immutable-after-build snapshot of the host hierarchy.
type Tree struct {
	Joints []Joint
	Axis   mgl64.Vec3

	position  []int // bone id -> position
	parentPos []int
	end       []int
}

// NewTree snapshots src in preorder. Bones are visited root first, children
// in ascending bone index.
func NewTree(src BoneSource, axis mgl64.Vec3) (*Tree, error) {
	n := src.BoneCount()
	if n == 0 {
		return nil, ErrEmptyHierarchy
	}
	if axis.Len() < 1e-9 {
		return nil, ErrZeroRotationAxis
	}

	children := make([][]int, n)
	var roots []int
	for idx := 0; idx < n; idx++ {
		p := src.BoneParent(idx)
		switch {
		case p == NoParent:
			roots = append(roots, idx)
		case p < 0 || p >= n || p == idx:
			return nil, fmt.Errorf("%w: bone %d has parent %d", ErrInvalidParent, idx, p)
		default:
			children[p] = append(children[p], idx)
		}
	}

	t := &Tree{
		Joints:    make([]Joint, 0, n),
		Axis:      axis.Normalize(),
		position:  make([]int, n),
		parentPos: make([]int, 0, n),
		end:       make([]int, n),
	}
	for i := range t.position {
		t.position[i] = -1
	}

	type frame struct{ id, depth int }
	for _, root := range roots {
		stack := []frame{{root, 0}}
		for len(stack) > 0 {
			f := stack[len(stack)-1]
			stack = stack[:len(stack)-1]

			parent := src.BoneParent(f.id)
			pp := NoParent
			if parent != NoParent {
				pp = t.position[parent]
			}
			t.position[f.id] = len(t.Joints)
			t.parentPos = append(t.parentPos, pp)
			t.Joints = append(t.Joints, Joint{
				ID:     f.id,
				Parent: parent,
				Name:   src.BoneName(f.id),
				Local:  src.BonePose(f.id),
				Depth:  f.depth,
			})

			kids := children[f.id]
			for i := len(kids) - 1; i >= 0; i-- {
				stack = append(stack, frame{kids[i], f.depth + 1})
			}
		}
	}

	// Bones on a parent cycle are unreachable from any root.
	if len(t.Joints) != n {
		return nil, fmt.Errorf("%w: reached %d of %d bones", ErrCyclicHierarchy, len(t.Joints), n)
	}

	for pos := len(t.Joints) - 1; pos >= 0; pos-- {
		if t.end[pos] < pos+1 {
			t.end[pos] = pos + 1
		}
		if pp := t.parentPos[pos]; pp != NoParent && t.end[pp] < t.end[pos] {
			t.end[pp] = t.end[pos]
		}
	}
	return t, nil
}

// Len returns the number of joints.
func (t *Tree) Len() int { return len(t.Joints) }

// Position returns the tree position of a bone id.
func (t *Tree) Position(id int) (int, bool) {
	if id < 0 || id >= len(t.position) {
		return 0, false
	}
	pos := t.position[id]
	return pos, pos >= 0
}

// ParentPosition returns the position of the joint's parent or NoParent.
func (t *Tree) ParentPosition(pos int) int { return t.parentPos[pos] }

// subtreeEnd returns the exclusive end of the subtree rooted at pos.
func (t *Tree) subtreeEnd(pos int) int { return t.end[pos] }

// InSubtree reports whether position pos lies in the subtree rooted at root.
func (t *Tree) InSubtree(root, pos int) bool {
	return pos >= root && pos < t.end[root]
}

// Effectors returns the positions of joints flagged as effectors, in tree order.
func (t *Tree) Effectors() []int {
	var out []int
	for pos := range t.Joints {
		if t.Joints[pos].Effector {
			out = append(out, pos)
		}
	}
	return out
}
