package solver

import (
	"github.com/normanking/mannequin/internal/kinematics"
	"github.com/normanking/mannequin/internal/linalg"
	"github.com/normanking/mannequin/internal/targets"
)

// Orientation matches position and rotation of the main effector. The
// target is expressed relative to the orientation reference, a skeleton-space
// frame attached near the effector:
//
//	relative = reference⁻¹ · skeleton⁻¹ · target
//
// The error is [translation, scaled axis] of relative, solved by damped least
// squares against the effector's 6-D Jacobian rows.
type Orientation struct{}

func (Orientation) Solve(in *Input) ([]float64, error) {
	cols := in.Cols()
	zero := make([]float64, cols)

	reference, ok := in.Targets.Target(targets.SlotOrientation)
	if !ok {
		return zero, &MissingInputError{Slot: targets.SlotOrientation, Reason: "no orientation reference attached to the effector"}
	}
	target, ok := in.Targets.Target(targets.SlotMain)
	if !ok {
		return zero, missing(targets.SlotMain)
	}

	toReference := reference.Inv().Mul4(in.SkeletonInverse)
	relative := toReference.Mul4(target)

	if dist := kinematics.Translation(relative).Len(); dist > in.DistanceThreshold {
		if def, ok := in.Targets.Target(targets.SlotDefaultMain); ok {
			relative = toReference.Mul4(def)
		} else {
			in.Logger.Warn().
				Float64("distance", dist).
				Float64("threshold", in.DistanceThreshold).
				Msg("Orientation target beyond threshold and no default main target set")
		}
	}

	translation := kinematics.Translation(relative)
	scaledAxis := kinematics.ScaledAxis(kinematics.Rotation(relative))

	in.Logger.Debug().
		Floats64("translation", translation[:]).
		Floats64("scaled_axis", scaledAxis[:]).
		Msg("Orientation error")

	diff := []float64{
		translation[0], translation[1], translation[2],
		scaledAxis[0], scaledAxis[1], scaledAxis[2],
	}
	delta, err := linalg.SolveDamped(in.Jacobian, diff, in.LimitRadians())
	if err != nil {
		return zero, err
	}
	return delta, nil
}
