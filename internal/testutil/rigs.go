// Package testutil builds rigs and loggers shared by package tests.
package testutil

import (
	"bytes"
	"fmt"
	"sync"
	"testing"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/rs/zerolog"

	"github.com/normanking/mannequin/internal/skeleton"
)

// Chain builds a serial chain. Bone i is named "b<i>" and is a child of bone
// i-1 with local rest transform locals[i].
func Chain(t testing.TB, locals ...mgl64.Mat4) *skeleton.Skeleton {
	t.Helper()
	bones := make([]skeleton.Bone, len(locals))
	for i, local := range locals {
		bones[i] = skeleton.Bone{
			Name:    fmt.Sprintf("b%d", i),
			Parent:  i - 1,
			Enabled: true,
			Rest:    local,
		}
	}
	s, err := skeleton.FromBones("chain", bones)
	if err != nil {
		t.Fatalf("build chain: %v", err)
	}
	return s
}

// PlanarArm builds an n-bone chain in the XY plane. The root sits at the
// origin; every other bone is offset by length along the parent's X axis and
// pre-bent by bend radians about Z, so the arm is never fully stretched.
func PlanarArm(t testing.TB, n int, length, bend float64) *skeleton.Skeleton {
	t.Helper()
	locals := make([]mgl64.Mat4, n)
	locals[0] = mgl64.HomogRotate3DZ(bend)
	for i := 1; i < n; i++ {
		locals[i] = mgl64.Translate3D(length, 0, 0).Mul4(mgl64.HomogRotate3DZ(bend))
	}
	return Chain(t, locals...)
}

// Fork builds a root with two branches of two bones each:
//
//	root ─ l1 ─ l2
//	     └ r1 ─ r2
//
// The right branch is declared first so that index order differs from
// preorder.
func Fork(t testing.TB) *skeleton.Skeleton {
	t.Helper()
	s, err := skeleton.FromBones("fork", []skeleton.Bone{
		{Name: "root", Parent: skeleton.NoParent, Enabled: true, Rest: mgl64.Ident4()},
		{Name: "r1", Parent: 0, Enabled: true, Rest: mgl64.Translate3D(1, -0.5, 0)},
		{Name: "r2", Parent: 1, Enabled: true, Rest: mgl64.Translate3D(1, 0, 0)},
		{Name: "l2", Parent: 4, Enabled: true, Rest: mgl64.Translate3D(1, 0, 0)},
		{Name: "l1", Parent: 0, Enabled: true, Rest: mgl64.Translate3D(1, 0.5, 0).Mul4(mgl64.HomogRotate3DX(0.4))},
	})
	if err != nil {
		t.Fatalf("build fork: %v", err)
	}
	return s
}

// BufferLogger returns a JSON logger writing into a synchronized buffer.
func BufferLogger() (zerolog.Logger, *SyncBuffer) {
	buf := &SyncBuffer{}
	return zerolog.New(buf).Level(zerolog.DebugLevel), buf
}

// SyncBuffer is a bytes.Buffer safe for concurrent writers.
type SyncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *SyncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *SyncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// Vec3InDelta fails unless a and b agree component-wise within delta.
func Vec3InDelta(t testing.TB, want, got mgl64.Vec3, delta float64) {
	t.Helper()
	for i := range want {
		if d := want[i] - got[i]; d > delta || d < -delta {
			t.Errorf("component %d: want %g, got %g (delta %g)", i, want[i], got[i], delta)
		}
	}
}
