package solver

import (
	"github.com/normanking/mannequin/internal/linalg"
	"github.com/normanking/mannequin/internal/targets"
)

// SecondaryGoal reaches the main target and spends the remaining freedom on
// the secondary target, projected into the null space of the main task.
//
// Effector outputs are in tree order. The main target is compared against
// output 1 and the secondary target against output 0, matching the Jacobian
// blocks of linalg.SolveSecondary. This pairing holds when the secondary
// effector precedes the main effector in the tree (an elbow before its hand).
type SecondaryGoal struct{}

func (SecondaryGoal) Solve(in *Input) ([]float64, error) {
	cols := in.Cols()
	zero := make([]float64, cols)

	if len(in.Effectors) < 2 {
		return zero, &MissingInputError{Slot: targets.SlotSecondary, Reason: "secondary effector not in tree"}
	}
	if _, ok := in.Targets.Target(targets.SlotSecondary); !ok {
		return zero, missing(targets.SlotSecondary)
	}

	primary, err := positionError(in, targets.SlotMain, targets.SlotDefaultMain, in.Effectors[1])
	if err != nil {
		return zero, err
	}
	secondary, err := positionError(in, targets.SlotSecondary, targets.SlotDefaultSecondary, in.Effectors[0])
	if err != nil {
		return zero, err
	}

	delta, err := linalg.SolveSecondary(in.Jacobian, primary[:], secondary[:], in.LimitRadians())
	if err != nil {
		return zero, err
	}
	return delta, nil
}
