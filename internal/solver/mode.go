package solver

import (
	"fmt"
	"strings"
)

// Mode selects how the error vector is built and how it is solved.
type Mode int

const (
	ModeGradient Mode = iota // first mode is the default
	ModeSolve
	ModeSecondary
	ModeOrientation
)

// Modes lists every mode in declaration order.
var Modes = []Mode{ModeGradient, ModeSolve, ModeSecondary, ModeOrientation}

func (m Mode) String() string {
	switch m {
	case ModeGradient:
		return "gradient"
	case ModeSolve:
		return "solve"
	case ModeSecondary:
		return "secondary"
	case ModeOrientation:
		return "orientation"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode accepts the mode names and their long aliases, case-insensitive.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "gradient":
		return ModeGradient, nil
	case "solve", "dampedleastsquares", "damped_least_squares", "dls":
		return ModeSolve, nil
	case "secondary", "secondarygoal", "secondary_goal":
		return ModeSecondary, nil
	case "orientation":
		return ModeOrientation, nil
	default:
		return 0, fmt.Errorf("unknown solver method %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Mode) UnmarshalText(b []byte) error {
	parsed, err := ParseMode(string(b))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// UsesSecondaryEffector reports whether the mode adds the secondary effector
// to the tree.
func (m Mode) UsesSecondaryEffector() bool { return m == ModeSecondary }

// UsesOrientation reports whether the mode flags joints for 6-D outputs.
func (m Mode) UsesOrientation() bool { return m == ModeOrientation }
