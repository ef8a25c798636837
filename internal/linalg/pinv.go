// Package linalg holds the dense linear algebra behind the solver strategies:
// regularized pseudo-inverses, null-space projection, damped least squares
// and step clamping.
package linalg

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Epsilon is the Tikhonov term of RegularizedPseudoInverse and the norm
// below which ClampMagnitude leaves a vector alone.
const Epsilon = 1e-5

// ErrSingular is returned when a regularized system still fails to factorize.
var ErrSingular = errors.New("linalg: singular system")

// RegularizedPseudoInverse returns Mᵀ(MMᵀ + εI)⁻¹, the right pseudo-inverse
// of an underdetermined matrix.
func RegularizedPseudoInverse(m mat.Matrix) (*mat.Dense, error) {
	return dampedRightInverse(m, Epsilon)
}

// dampedRightInverse returns Mᵀ(MMᵀ + λI)⁻¹.
func dampedRightInverse(m mat.Matrix, lambda float64) (*mat.Dense, error) {
	rows, _ := m.Dims()

	var square mat.Dense
	square.Mul(m, m.T())
	for i := 0; i < rows; i++ {
		square.Set(i, i, square.At(i, i)+lambda)
	}

	var lu mat.LU
	lu.Factorize(&square)

	var inv mat.Dense
	if err := lu.SolveTo(&inv, false, eye(rows)); err != nil {
		var cond mat.Condition
		if !errors.As(err, &cond) {
			return nil, fmt.Errorf("%w: %v", ErrSingular, err)
		}
	}

	var pinv mat.Dense
	pinv.Mul(m.T(), &inv)
	return &pinv, nil
}

// NullSpaceProjector returns I − pinv·M. Applied to a joint update it removes
// the part that would change M's output to first order.
func NullSpaceProjector(m, pinv mat.Matrix) *mat.Dense {
	_, cols := m.Dims()

	var proj mat.Dense
	proj.Mul(pinv, m)
	proj.Scale(-1, &proj)
	for i := 0; i < cols; i++ {
		proj.Set(i, i, proj.At(i, i)+1)
	}
	return &proj
}

// ClampMagnitude rescales v in place so that its Euclidean norm is at most
// limit. Vectors with a norm below Epsilon are left untouched.
func ClampMagnitude(v []float64, limit float64) {
	if limit < 0 {
		limit = 0
	}
	norm := floats.Norm(v, 2)
	if norm <= Epsilon || norm <= limit {
		return
	}
	floats.Scale(limit/norm, v)
}

func eye(n int) *mat.Dense {
	id := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		id.Set(i, i, 1)
	}
	return id
}
