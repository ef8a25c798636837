package kinematics

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

// EffectorSpec names an effector joint and the width of its output.
type EffectorSpec struct {
	ID  int
	Dim int
}

// Output dimensions of an effector.
const (
	PositionDim    = 3
	OrientationDim = 6
)

// axisEpsilon guards the axis normalisation of near-identity rotations.
const axisEpsilon = 1e-5

// JointRotation is the rotation of a single joint by angle about axis.
func JointRotation(axis mgl64.Vec3, angle float64) mgl64.Mat4 {
	return mgl64.HomogRotate3D(angle, axis)
}

// ForwardKinematics returns the root-frame transform of every joint, indexed
// by tree position. angles is indexed by bone id.
func ForwardKinematics(t *Tree, angles []float64) []mgl64.Mat4 {
	globals := make([]mgl64.Mat4, t.Len())
	ForwardKinematicsInto(t, angles, globals)
	return globals
}

// ForwardKinematicsInto is ForwardKinematics writing into a caller buffer.
func ForwardKinematicsInto(t *Tree, angles []float64, globals []mgl64.Mat4) {
	for pos := range t.Joints {
		j := &t.Joints[pos]
		local := j.Local.Mul4(JointRotation(t.Axis, angles[j.ID]))
		if pp := t.parentPos[pos]; pp != NoParent {
			globals[pos] = globals[pp].Mul4(local)
		} else {
			globals[pos] = local
		}
	}
}

// Translation returns the origin of a transform.
func Translation(m mgl64.Mat4) mgl64.Vec3 {
	return m.Col(3).Vec3()
}

// Rotation returns the rotation of a rigid transform as a unit quaternion.
func Rotation(m mgl64.Mat4) mgl64.Quat {
	return mgl64.Mat4ToQuat(m).Normalize()
}

// ScaledAxis converts a rotation to its rotation vector (axis * angle).
// Near-identity rotations, whose axis is undefined, map to the zero vector.
func ScaledAxis(q mgl64.Quat) mgl64.Vec3 {
	// q and -q are the same rotation; pick the short way round.
	if q.W < 0 {
		q = mgl64.Quat{W: -q.W, V: q.V.Mul(-1)}
	}
	w := math.Max(-1, math.Min(1, q.W))

	angle := 2 * math.Acos(w)
	denominator := math.Sqrt(1 - w*w)
	if denominator < axisEpsilon {
		return mgl64.Vec3{}
	}
	return q.V.Mul(angle / denominator)
}

// LogMap is the rotation vector of q without the near-identity cutoff of
// ScaledAxis, so it stays differentiable at the identity.
func LogMap(q mgl64.Quat) mgl64.Vec3 {
	if q.W < 0 {
		q = mgl64.Quat{W: -q.W, V: q.V.Mul(-1)}
	}
	s := q.V.Len()
	if s < 1e-12 {
		return q.V.Mul(2)
	}
	return q.V.Mul(2 * math.Atan2(s, q.W) / s)
}

// Output appends the effector output of a joint transform to dst.
func Output(dst []float64, m mgl64.Mat4, dim int) []float64 {
	p := Translation(m)
	dst = append(dst, p[0], p[1], p[2])
	if dim == OrientationDim {
		r := LogMap(Rotation(m))
		dst = append(dst, r[0], r[1], r[2])
	}
	return dst
}
