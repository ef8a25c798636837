// Package solver turns a Jacobian and the current targets into a joint-angle
// update. Each Mode has one Strategy; all of them return a delta with one
// entry per active joint.
package solver

import (
	"errors"
	"math"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/mat"

	"github.com/normanking/mannequin/internal/targets"
)

// ErrMissingInput marks an optional input a strategy needed but did not get.
// The delta returned alongside it is all zeros.
var ErrMissingInput = errors.New("missing solver input")

// Targets provides target transforms by slot.
type Targets interface {
	Target(slot targets.Slot) (mgl64.Mat4, bool)
}

// Input is everything a strategy sees for one tick.
type Input struct {
	// Jacobian is rows x cols, cols being the active joint count.
	Jacobian mat.Matrix
	// Effectors holds one output per effector in tree order.
	Effectors [][]float64
	Targets   Targets
	// SkeletonInverse maps world space into the skeleton root frame.
	SkeletonInverse mgl64.Mat4

	// Velocity is the gradient gain and, in degrees, the per-tick step limit
	// of the other strategies.
	Velocity float64
	// DistanceThreshold triggers the fallback to the default targets.
	DistanceThreshold float64

	Logger zerolog.Logger
}

// Cols returns the active joint count.
func (in *Input) Cols() int {
	_, c := in.Jacobian.Dims()
	return c
}

// LimitRadians is the per-tick angular step limit.
func (in *Input) LimitRadians() float64 {
	return in.Velocity * math.Pi / 180
}

// Strategy computes a joint-angle delta.
type Strategy interface {
	Solve(in *Input) ([]float64, error)
}

// StrategyFunc adapts a function to Strategy.
type StrategyFunc func(in *Input) ([]float64, error)

// Solve calls f.
func (f StrategyFunc) Solve(in *Input) ([]float64, error) { return f(in) }

// Table returns the strategy of every mode.
func Table() map[Mode]Strategy {
	return map[Mode]Strategy{
		ModeGradient:    Gradient{},
		ModeSolve:       DampedLeastSquares{},
		ModeSecondary:   SecondaryGoal{},
		ModeOrientation: Orientation{},
	}
}

// positionError returns target − effector in the skeleton frame. When the
// distance exceeds the threshold the fallback slot is used instead; without a
// fallback the raw error is kept and a warning is logged.
func positionError(in *Input, slot, fallback targets.Slot, effector []float64) (mgl64.Vec3, error) {
	target, ok := in.Targets.Target(slot)
	if !ok {
		return mgl64.Vec3{}, missing(slot)
	}

	current := mgl64.Vec3{effector[0], effector[1], effector[2]}
	diff := skeletonPoint(in.SkeletonInverse, target).Sub(current)

	if diff.Len() > in.DistanceThreshold {
		if def, ok := in.Targets.Target(fallback); ok {
			diff = skeletonPoint(in.SkeletonInverse, def).Sub(current)
		} else {
			in.Logger.Warn().
				Str("slot", fallback.String()).
				Float64("distance", diff.Len()).
				Float64("threshold", in.DistanceThreshold).
				Msg("Target beyond threshold and no default target set")
		}
	}
	return diff, nil
}

func skeletonPoint(inv, world mgl64.Mat4) mgl64.Vec3 {
	return mgl64.TransformCoordinate(world.Col(3).Vec3(), inv)
}

func missing(slot targets.Slot) error {
	return &MissingInputError{Slot: slot}
}

// MissingInputError names the absent slot. It matches ErrMissingInput.
type MissingInputError struct {
	Slot   targets.Slot
	Reason string
}

func (e *MissingInputError) Error() string {
	if e.Reason != "" {
		return "missing solver input: " + e.Reason
	}
	return "missing solver input: no " + e.Slot.String() + " target set"
}

// Is reports whether target is ErrMissingInput.
func (e *MissingInputError) Is(target error) bool { return target == ErrMissingInput }
