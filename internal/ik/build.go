package ik

import (
	"errors"
	"fmt"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/normanking/mannequin/internal/kinematics"
	"github.com/normanking/mannequin/internal/solver"
)

var (
	// ErrNoSkeleton is returned when a rebuild runs without a skeleton.
	ErrNoSkeleton = errors.New("no skeleton found")
	// ErrEffectorNotFound is returned when the main effector name does not
	// resolve to a bone.
	ErrEffectorNotFound = errors.New("effector not found in skeleton")
)

// Skeleton is the host side the modifier reads from and writes to.
type Skeleton interface {
	kinematics.BoneSource
	SetBonePose(idx int, pose mgl64.Mat4)
	// GlobalTransform places the skeleton root in world space.
	GlobalTransform() mgl64.Mat4
}

// Structure is the result of one structural rebuild.
type Structure struct {
	Tree *kinematics.Tree
	// Active holds the enabled bone ids in ascending order; it is the
	// Jacobian column order.
	Active []int
	// Effectors are in tree order, the order of the Jacobian row blocks.
	Effectors []kinematics.EffectorSpec

	Main int
	// Mode is the method the effectors were flagged for; ticks solve with it.
	Mode solver.Mode
	// Secondary is the resolved secondary bone or -1. It is resolved in
	// every mode but only becomes an effector in secondary mode.
	Secondary int
}

// BuildStructure snapshots src and flags effectors and orientation targets
// for mode. A main effector that does not resolve is an error; a missing
// secondary effector leaves Secondary at -1.
func BuildStructure(src kinematics.BoneSource, axis mgl64.Vec3, mainName, secondaryName string, mode solver.Mode) (*Structure, error) {
	mainIdx := src.FindBone(mainName)
	if mainIdx < 0 {
		return nil, fmt.Errorf("%w: %q", ErrEffectorNotFound, mainName)
	}
	secondaryIdx := -1
	if secondaryName != "" {
		secondaryIdx = src.FindBone(secondaryName)
	}

	tree, err := kinematics.NewTree(src, axis)
	if err != nil {
		return nil, err
	}

	s := &Structure{
		Tree:      tree,
		Main:      mainIdx,
		Mode:      mode,
		Secondary: secondaryIdx,
	}

	for id := 0; id < src.BoneCount(); id++ {
		if src.IsBoneEnabled(id) {
			s.Active = append(s.Active, id)
		}
	}

	for pos := range tree.Joints {
		j := &tree.Joints[pos]
		j.Active = src.IsBoneEnabled(j.ID)
		// Orientation mode flags every joint; only effectors produce outputs.
		j.OrientationTarget = mode.UsesOrientation()
		j.Effector = j.ID == mainIdx ||
			(mode.UsesSecondaryEffector() && secondaryIdx >= 0 && j.ID == secondaryIdx)
	}

	for _, pos := range tree.Effectors() {
		j := tree.Joints[pos]
		dim := kinematics.PositionDim
		if j.OrientationTarget {
			dim = kinematics.OrientationDim
		}
		s.Effectors = append(s.Effectors, kinematics.EffectorSpec{ID: j.ID, Dim: dim})
	}
	return s, nil
}

// Rows returns the Jacobian row count of the structure.
func (s *Structure) Rows() int {
	rows := 0
	for _, e := range s.Effectors {
		rows += e.Dim
	}
	return rows
}

// SecondaryPrecedesMain reports whether the secondary effector comes first in
// tree order, the layout secondary mode's output pairing expects.
func (s *Structure) SecondaryPrecedesMain() bool {
	if s.Secondary < 0 {
		return false
	}
	sp, ok := s.Tree.Position(s.Secondary)
	if !ok {
		return false
	}
	mp, _ := s.Tree.Position(s.Main)
	return sp < mp
}
