package linalg

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// SolveDamped solves J·Δ ≈ e by damped least squares,
//
//	Δ = Jᵀ(JJᵀ + max(λ², ε)I)⁻¹ e,
//
// and clamps the result to a norm of at most λ. λ is the per-tick step limit.
func SolveDamped(j mat.Matrix, e []float64, lambda float64) ([]float64, error) {
	rows, cols := j.Dims()
	if len(e) != rows {
		panic(fmt.Sprintf("linalg: error has %d rows, Jacobian %d", len(e), rows))
	}

	pinv, err := dampedRightInverse(j, math.Max(lambda*lambda, Epsilon))
	if err != nil {
		return nil, err
	}

	delta := mat.NewVecDense(cols, nil)
	delta.MulVec(pinv, mat.NewVecDense(rows, append([]float64(nil), e...)))

	out := delta.RawVector().Data
	ClampMagnitude(out, lambda)
	return out, nil
}

// Row blocks of the stacked Jacobian used by SolveSecondary.
const (
	primaryBlockStart   = 3
	secondaryBlockStart = 0
	blockRows           = 3
)

// SolveSecondary blends a secondary goal into the null space of a primary
// goal. The stacked Jacobian carries two 3-row effector blocks; the primary
// block is rows 3..6 and pairs with primary, the secondary block is rows 0..3
// and pairs with secondary:
//
//	Δ = J₁⁺e₁ + (I − J₁⁺J₁)·J₂⁺e₂
//
// The result is clamped to a norm of at most limit.
func SolveSecondary(j mat.Matrix, primary, secondary []float64, limit float64) ([]float64, error) {
	rows, cols := j.Dims()
	if rows < primaryBlockStart+blockRows {
		panic(fmt.Sprintf("linalg: secondary goals need %d Jacobian rows, got %d", primaryBlockStart+blockRows, rows))
	}
	if len(primary) != blockRows || len(secondary) != blockRows {
		panic("linalg: secondary goal errors must be 3-vectors")
	}

	j1 := mat.DenseCopyOf(j).Slice(primaryBlockStart, primaryBlockStart+blockRows, 0, cols)
	j2 := mat.DenseCopyOf(j).Slice(secondaryBlockStart, secondaryBlockStart+blockRows, 0, cols)

	pinv1, err := RegularizedPseudoInverse(j1)
	if err != nil {
		return nil, fmt.Errorf("primary block: %w", err)
	}
	pinv2, err := RegularizedPseudoInverse(j2)
	if err != nil {
		return nil, fmt.Errorf("secondary block: %w", err)
	}

	update := mat.NewVecDense(cols, nil)
	update.MulVec(pinv1, mat.NewVecDense(blockRows, append([]float64(nil), primary...)))

	var secondaryStep mat.VecDense
	secondaryStep.MulVec(pinv2, mat.NewVecDense(blockRows, append([]float64(nil), secondary...)))

	var projected mat.VecDense
	projected.MulVec(NullSpaceProjector(j1, pinv1), &secondaryStep)
	update.AddVec(update, &projected)

	out := update.RawVector().Data
	ClampMagnitude(out, limit)
	return out, nil
}
