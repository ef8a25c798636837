package solver

import (
	"github.com/go-gl/mathgl/mgl64"

	"github.com/normanking/mannequin/internal/linalg"
	"github.com/normanking/mannequin/internal/targets"
)

// Gradient steps along Jᵀe, scaled by the velocity gain. The whole delta is
// then clamped to a norm of at most the gain.
type Gradient struct{}

func (Gradient) Solve(in *Input) ([]float64, error) {
	cols := in.Cols()
	delta := make([]float64, cols)

	diff, err := positionError(in, targets.SlotMain, targets.SlotDefaultMain, in.Effectors[0])
	if err != nil {
		return delta, err
	}

	for c := 0; c < cols; c++ {
		column := mgl64.Vec3{in.Jacobian.At(0, c), in.Jacobian.At(1, c), in.Jacobian.At(2, c)}
		delta[c] = diff.Dot(column) * in.Velocity
	}
	linalg.ClampMagnitude(delta, in.Velocity)
	return delta, nil
}
