// Package skeleton is an in-memory bone store: the reference host for the IK
// modifier and the rig the CLI loads from glTF skins.
package skeleton

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-gl/mathgl/mgl64"
)

// NoParent marks a root bone.
const NoParent = -1

var (
	ErrDuplicateBone = errors.New("duplicate bone name")
	ErrUnknownParent = errors.New("unknown parent bone")
	ErrBoneIndex     = errors.New("bone index out of range")
)

// Bone is one entry of the bone array.
type Bone struct {
	Name    string
	Parent  int
	Enabled bool
	// Rest is the local transform the pose is reset to every frame.
	Rest mgl64.Mat4
}

// Skeleton stores bones, their current local poses and the root transform.
type Skeleton struct {
	mu    sync.RWMutex
	name  string
	bones []Bone
	poses []mgl64.Mat4
	// presented holds the poses of the last finished frame.
	presented []mgl64.Mat4
	index     map[string]int
	global    mgl64.Mat4
}

// New creates an empty skeleton at the world origin.
func New(name string) *Skeleton {
	return &Skeleton{
		name:   name,
		index:  make(map[string]int),
		global: mgl64.Ident4(),
	}
}

// FromBones creates a skeleton from a complete bone array. Parents may point
// forward; hierarchy problems surface when the tree is built.
func FromBones(name string, bones []Bone) (*Skeleton, error) {
	s := New(name)
	for i, b := range bones {
		if _, dup := s.index[b.Name]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateBone, b.Name)
		}
		s.index[b.Name] = i
	}
	s.bones = append([]Bone(nil), bones...)
	s.poses = make([]mgl64.Mat4, len(bones))
	s.presented = make([]mgl64.Mat4, len(bones))
	for i, b := range bones {
		s.poses[i] = b.Rest
		s.presented[i] = b.Rest
	}
	return s, nil
}

// AddBone appends an enabled bone whose parent already exists.
func (s *Skeleton) AddBone(name string, parent int, rest mgl64.Mat4) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.index[name]; dup {
		return -1, fmt.Errorf("%w: %q", ErrDuplicateBone, name)
	}
	if parent != NoParent && (parent < 0 || parent >= len(s.bones)) {
		return -1, fmt.Errorf("%w: %d", ErrUnknownParent, parent)
	}

	idx := len(s.bones)
	s.bones = append(s.bones, Bone{Name: name, Parent: parent, Enabled: true, Rest: rest})
	s.poses = append(s.poses, rest)
	s.presented = append(s.presented, rest)
	s.index[name] = idx
	return idx, nil
}

// Name returns the skeleton name.
func (s *Skeleton) Name() string { return s.name }

// BoneCount returns the number of bones.
func (s *Skeleton) BoneCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.bones)
}

// BoneName returns the name of a bone.
func (s *Skeleton) BoneName(idx int) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bones[idx].Name
}

// BoneParent returns the parent index or NoParent.
func (s *Skeleton) BoneParent(idx int) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bones[idx].Parent
}

// IsBoneEnabled reports whether a bone takes part in the solve.
func (s *Skeleton) IsBoneEnabled(idx int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bones[idx].Enabled
}

// SetBoneEnabled toggles a bone.
func (s *Skeleton) SetBoneEnabled(idx int, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx < 0 || idx >= len(s.bones) {
		return fmt.Errorf("%w: %d", ErrBoneIndex, idx)
	}
	s.bones[idx].Enabled = enabled
	return nil
}

// FindBone returns the index of a bone by name or -1.
func (s *Skeleton) FindBone(name string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if idx, ok := s.index[name]; ok {
		return idx
	}
	return -1
}

// BonePose returns the current local pose.
func (s *Skeleton) BonePose(idx int) mgl64.Mat4 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.poses[idx]
}

// SetBonePose overwrites the current local pose.
func (s *Skeleton) SetBonePose(idx int, pose mgl64.Mat4) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.poses[idx] = pose
}

// BoneRest returns the rest pose.
func (s *Skeleton) BoneRest(idx int) mgl64.Mat4 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bones[idx].Rest
}

// ResetPoses ends the previous frame: its poses become the presented poses
// and every pose is restored to rest. Call it at the start of a frame so
// modifiers compose on a clean pose.
func (s *Skeleton) ResetPoses() {
	s.mu.Lock()
	defer s.mu.Unlock()
	copy(s.presented, s.poses)
	for i := range s.bones {
		s.poses[i] = s.bones[i].Rest
	}
}

// GlobalTransform returns the skeleton root transform in world space.
func (s *Skeleton) GlobalTransform() mgl64.Mat4 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.global
}

// SetGlobalTransform places the skeleton in world space.
func (s *Skeleton) SetGlobalTransform(m mgl64.Mat4) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.global = m
}

// BoneGlobalPose composes the current poses from the root down to idx. The
// result is in skeleton space.
func (s *Skeleton) BoneGlobalPose(idx int) mgl64.Mat4 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.compose(s.poses, idx)
}

// PresentedGlobalPose is BoneGlobalPose over the poses of the last finished
// frame.
func (s *Skeleton) PresentedGlobalPose(idx int) mgl64.Mat4 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.compose(s.presented, idx)
}

func (s *Skeleton) compose(poses []mgl64.Mat4, idx int) mgl64.Mat4 {
	pose := mgl64.Ident4()
	// Bound the walk so a malformed parent cycle cannot spin forever.
	for steps := 0; idx != NoParent && steps <= len(s.bones); steps++ {
		pose = poses[idx].Mul4(pose)
		idx = s.bones[idx].Parent
	}
	return pose
}

// Attachment returns a function tracking the skeleton-space pose a bone had
// in the last finished frame, suitable for binding as a target. Like an
// attached scene node it lags the pose being solved by one frame.
func (s *Skeleton) Attachment(idx int) func() mgl64.Mat4 {
	return func() mgl64.Mat4 { return s.PresentedGlobalPose(idx) }
}

// ConcatenatedBoneNames joins every bone name with commas.
func (s *Skeleton) ConcatenatedBoneNames() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, len(s.bones))
	for i, b := range s.bones {
		names[i] = b.Name
	}
	return strings.Join(names, ",")
}

// Poses returns a copy of every current local pose.
func (s *Skeleton) Poses() []mgl64.Mat4 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]mgl64.Mat4(nil), s.poses...)
}

// Bones returns a copy of the bone array.
func (s *Skeleton) Bones() []Bone {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Bone(nil), s.bones...)
}
