// Package differentiable evaluates effector outputs of a joint tree and their
// Jacobian with respect to the active joint angles.
//
// Derivatives are central finite differences, ordered along the tree. A
// rotation of joint j by a small angle h moves every node k of j's subtree by
// the same rigid transform
//
//	D(h) = G_j · R(h) · G_j⁻¹,  G'_k = D(h) · G_k
//
// while nodes outside the subtree keep their transforms. One forward pass
// therefore serves every column: column j only re-evaluates the effectors
// inside the subtree of j, and all other rows are exactly zero. The result
// equals naive per-column differencing of full forward kinematics.
package differentiable

import (
	"fmt"
	"sort"

	"github.com/go-gl/mathgl/mgl64"
	"gonum.org/v1/gonum/mat"

	"github.com/normanking/mannequin/internal/kinematics"
)

// DefaultStep is the finite-difference step in radians.
const DefaultStep = 1e-6

// Selection chooses which effectors Compute evaluates.
type Selection int

const (
	// SelectAll evaluates every effector.
	SelectAll Selection = iota
)

type effector struct {
	spec   kinematics.EffectorSpec
	pos    int
	offset int
}

// Model owns the structural configuration and the last evaluation.
type Model struct {
	step float64

	tree      *kinematics.Tree
	active    []int
	activePos []int
	effectors []effector
	rows      int

	globals  []mgl64.Mat4
	outputs  [][]float64
	jacobian []float64
	plus     []float64
	minus    []float64
	computed bool
}

// New creates an empty model.
func New() *Model {
	return &Model{step: DefaultStep}
}

// SetStep overrides the finite-difference step.
func (m *Model) SetStep(h float64) {
	if h > 0 {
		m.step = h
	}
}

// Setup binds a tree, the active joint ids (column order) and the effectors.
// Effector outputs are stacked in tree order. Any previous evaluation is
// invalidated.
func (m *Model) Setup(tree *kinematics.Tree, active []int, effectors []kinematics.EffectorSpec) {
	m.tree = tree
	m.active = append([]int(nil), active...)
	m.activePos = make([]int, len(active))
	for i, id := range active {
		pos, ok := tree.Position(id)
		if !ok {
			panic(fmt.Sprintf("differentiable: active joint %d not in tree", id))
		}
		m.activePos[i] = pos
	}

	m.effectors = make([]effector, len(effectors))
	for i, spec := range effectors {
		pos, ok := tree.Position(spec.ID)
		if !ok {
			panic(fmt.Sprintf("differentiable: effector %d not in tree", spec.ID))
		}
		m.effectors[i] = effector{spec: spec, pos: pos}
	}
	sort.SliceStable(m.effectors, func(a, b int) bool {
		return m.effectors[a].pos < m.effectors[b].pos
	})

	m.rows = 0
	for i := range m.effectors {
		m.effectors[i].offset = m.rows
		m.rows += m.effectors[i].spec.Dim
	}

	m.globals = make([]mgl64.Mat4, tree.Len())
	m.outputs = make([][]float64, len(m.effectors))
	m.jacobian = make([]float64, m.rows*len(m.active))
	m.plus = make([]float64, 0, kinematics.OrientationDim)
	m.minus = make([]float64, 0, kinematics.OrientationDim)
	m.computed = false
}

// Compute evaluates forward kinematics at angles (indexed by bone id) and
// fills the effector outputs and the Jacobian.
func (m *Model) Compute(tree *kinematics.Tree, angles []float64, sel Selection) {
	if sel != SelectAll {
		panic(fmt.Sprintf("differentiable: unsupported selection %d", sel))
	}
	if tree != m.tree {
		panic("differentiable: compute called with a tree that was not set up")
	}

	kinematics.ForwardKinematicsInto(tree, angles, m.globals)

	for i, e := range m.effectors {
		m.outputs[i] = kinematics.Output(m.outputs[i][:0], m.globals[e.pos], e.spec.Dim)
	}

	for i := range m.jacobian {
		m.jacobian[i] = 0
	}

	h := m.step
	for col, jpos := range m.activePos {
		first := sort.Search(len(m.effectors), func(i int) bool {
			return m.effectors[i].pos >= jpos
		})
		if first == len(m.effectors) || !tree.InSubtree(jpos, m.effectors[first].pos) {
			continue
		}

		g := m.globals[jpos]
		gInv := g.Inv()
		dPlus := g.Mul4(kinematics.JointRotation(tree.Axis, h)).Mul4(gInv)
		dMinus := g.Mul4(kinematics.JointRotation(tree.Axis, -h)).Mul4(gInv)

		column := m.jacobian[col*m.rows : (col+1)*m.rows]
		for _, e := range m.effectors[first:] {
			if !tree.InSubtree(jpos, e.pos) {
				break
			}
			m.plus = kinematics.Output(m.plus[:0], dPlus.Mul4(m.globals[e.pos]), e.spec.Dim)
			m.minus = kinematics.Output(m.minus[:0], dMinus.Mul4(m.globals[e.pos]), e.spec.Dim)
			for r := range m.plus {
				column[e.offset+r] = (m.plus[r] - m.minus[r]) / (2 * h)
			}
		}
	}
	m.computed = true
}

// Shape returns the Jacobian dimensions (rows, cols).
func (m *Model) Shape() (int, int) {
	return m.rows, len(m.active)
}

// Jacobian returns the column-major Jacobian of the last Compute.
func (m *Model) Jacobian() []float64 {
	m.mustBeComputed()
	return m.jacobian
}

// JacobianMatrix returns a rows x cols view of the Jacobian.
func (m *Model) JacobianMatrix() mat.Matrix {
	m.mustBeComputed()
	if m.rows == 0 || len(m.active) == 0 {
		return nil
	}
	// Column-major rows x cols is row-major cols x rows.
	return mat.NewDense(len(m.active), m.rows, m.jacobian).T()
}

// Effectors returns one output vector per effector, in tree order.
func (m *Model) Effectors() [][]float64 {
	m.mustBeComputed()
	return m.outputs
}

// EffectorSpecs returns the effectors in output order.
func (m *Model) EffectorSpecs() []kinematics.EffectorSpec {
	out := make([]kinematics.EffectorSpec, len(m.effectors))
	for i, e := range m.effectors {
		out[i] = e.spec
	}
	return out
}

// Active returns the active joint ids in column order.
func (m *Model) Active() []int {
	return m.active
}

func (m *Model) mustBeComputed() {
	if !m.computed {
		panic("differentiable: model has not been computed since setup")
	}
}
