package solver

import (
	"github.com/normanking/mannequin/internal/linalg"
	"github.com/normanking/mannequin/internal/targets"
)

// DampedLeastSquares solves J·Δ = e for the main effector position with the
// per-tick limit as damping and step bound.
type DampedLeastSquares struct{}

func (DampedLeastSquares) Solve(in *Input) ([]float64, error) {
	cols := in.Cols()

	diff, err := positionError(in, targets.SlotMain, targets.SlotDefaultMain, in.Effectors[0])
	if err != nil {
		return make([]float64, cols), err
	}

	delta, err := linalg.SolveDamped(in.Jacobian, diff[:], in.LimitRadians())
	if err != nil {
		return make([]float64, cols), err
	}
	return delta, nil
}
