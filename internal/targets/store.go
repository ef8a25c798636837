// Package targets provides the target transforms an IK modifier chases: a
// thread-safe store, a websocket feed that writes into it, and a procedural
// animator for demos.
package targets

import (
	"fmt"
	"strings"
	"sync"

	"github.com/go-gl/mathgl/mgl64"
)

// Slot identifies one target provider.
type Slot int

const (
	SlotMain Slot = iota
	SlotDefaultMain
	SlotSecondary
	SlotDefaultSecondary
	SlotOrientation
	slotCount
)

var slotNames = [slotCount]string{
	SlotMain:             "main",
	SlotDefaultMain:      "default_main",
	SlotSecondary:        "secondary",
	SlotDefaultSecondary: "default_secondary",
	SlotOrientation:      "orientation",
}

func (s Slot) String() string {
	if s < 0 || s >= slotCount {
		return fmt.Sprintf("slot(%d)", int(s))
	}
	return slotNames[s]
}

// ParseSlot converts a slot name back to a Slot.
func ParseSlot(name string) (Slot, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for i, n := range slotNames {
		if n == name {
			return Slot(i), nil
		}
	}
	return 0, fmt.Errorf("unknown target slot %q", name)
}

// Store holds one optional transform per slot. Main, default and secondary
// targets are world-space; the orientation reference is skeleton-space.
type Store struct {
	mu    sync.RWMutex
	set   [slotCount]bool
	value [slotCount]mgl64.Mat4
	dyn   [slotCount]func() mgl64.Mat4
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{}
}

// Target returns the transform of a slot, if one is set.
func (s *Store) Target(slot Slot) (mgl64.Mat4, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if slot < 0 || slot >= slotCount || !s.set[slot] {
		return mgl64.Mat4{}, false
	}
	if fn := s.dyn[slot]; fn != nil {
		return fn(), true
	}
	return s.value[slot], true
}

// Set stores a transform in a slot.
func (s *Store) Set(slot Slot, m mgl64.Mat4) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.set[slot] = true
	s.value[slot] = m
	s.dyn[slot] = nil
}

// SetPosition stores a pure translation in a slot.
func (s *Store) SetPosition(slot Slot, p mgl64.Vec3) {
	s.Set(slot, mgl64.Translate3D(p[0], p[1], p[2]))
}

// Bind makes a slot follow fn, evaluated on every read. It is used for bone
// attachments whose transform changes as the rig moves.
func (s *Store) Bind(slot Slot, fn func() mgl64.Mat4) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.set[slot] = true
	s.dyn[slot] = fn
}

// Clear empties a slot.
func (s *Store) Clear(slot Slot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.set[slot] = false
	s.dyn[slot] = nil
}
