package ik

import (
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/mannequin/internal/bus"
	"github.com/normanking/mannequin/internal/kinematics"
	"github.com/normanking/mannequin/internal/metrics"
	"github.com/normanking/mannequin/internal/skeleton"
	"github.com/normanking/mannequin/internal/solver"
	"github.com/normanking/mannequin/internal/targets"
	"github.com/normanking/mannequin/internal/testutil"
)

// recordingSkeleton counts pose writes.
type recordingSkeleton struct {
	*skeleton.Skeleton
	writes atomic.Int64
}

func (r *recordingSkeleton) SetBonePose(idx int, pose mgl64.Mat4) {
	r.writes.Add(1)
	r.Skeleton.SetBonePose(idx, pose)
}

func tipPosition(s *skeleton.Skeleton, idx int) mgl64.Vec3 {
	return kinematics.Translation(s.GlobalTransform().Mul4(s.BoneGlobalPose(idx)))
}

func newTestModifier(t *testing.T, sk Skeleton, store *targets.Store, configure func(*Config)) *Modifier {
	t.Helper()
	cfg := DefaultConfig()
	configure(cfg)
	mod := NewModifier(cfg, sk, store, nil, zerolog.Nop())
	require.NoError(t, mod.Rebuild())
	return mod
}

func TestModifier_TargetAtEffectorGivesZeroDelta(t *testing.T) {
	for _, mode := range []solver.Mode{solver.ModeGradient, solver.ModeSolve, solver.ModeOrientation} {
		t.Run(mode.String(), func(t *testing.T) {
			sk := testutil.PlanarArm(t, 2, 1, 0.3)
			store := targets.NewStore()
			store.Set(targets.SlotMain, sk.BoneGlobalPose(1))
			store.Bind(targets.SlotOrientation, sk.Attachment(1))

			mod := newTestModifier(t, sk, store, func(c *Config) {
				c.MainEffector = "b1"
				c.Method = mode
				c.Velocity = 1
			})

			sk.ResetPoses()
			report := mod.Process()
			require.Equal(t, OutcomeApplied, report.Outcome, "err: %v", report.Err)
			assert.Len(t, report.Delta, 2)
			assert.InDelta(t, 0, report.DeltaNorm(), 1e-9)
		})
	}
}

func TestModifier_SecondaryGoalUsesNullSpace(t *testing.T) {
	// Three active joints drive a planar tip: one redundant degree of freedom.
	sk := testutil.PlanarArm(t, 4, 1, 0.4)
	require.NoError(t, sk.SetBoneEnabled(3, false))

	elbow := tipPosition(sk, 2)
	tip := tipPosition(sk, 3)

	// With the tip pinned the elbow can only swing about it; aim the
	// secondary target along that swing.
	radial := elbow.Sub(tip)
	swing := mgl64.Vec3{-radial[1], radial[0], 0}.Normalize()
	secondaryTarget := elbow.Add(swing.Mul(0.1))

	store := targets.NewStore()
	store.SetPosition(targets.SlotMain, tip)
	store.SetPosition(targets.SlotSecondary, secondaryTarget)

	mod := newTestModifier(t, sk, store, func(c *Config) {
		c.MainEffector = "b3"
		c.SecondaryEffector = "b2"
		c.Method = solver.ModeSecondary
		c.Velocity = 0.2
	})
	require.True(t, mod.Structure().SecondaryPrecedesMain())
	rows, cols := mod.Shape()
	assert.Equal(t, 6, rows)
	assert.Equal(t, 3, cols)

	prev := elbow.Sub(secondaryTarget).Len()
	for tick := 0; tick < 10; tick++ {
		sk.ResetPoses()
		report := mod.Process()
		require.Equal(t, OutcomeApplied, report.Outcome, "tick %d: %v", tick, report.Err)

		secondaryErr := tipPosition(sk, 2).Sub(secondaryTarget).Len()
		assert.Less(t, secondaryErr, prev, "tick %d", tick)
		prev = secondaryErr

		primaryErr := tipPosition(sk, 3).Sub(tip).Len()
		assert.Less(t, primaryErr, 1e-3, "tick %d", tick)
	}
}

func TestModifier_ThresholdWithoutDefaultKeepsRawError(t *testing.T) {
	run := func(minDist float64) (TickReport, string) {
		sk := testutil.PlanarArm(t, 3, 1, 0.3)
		store := targets.NewStore()
		store.SetPosition(targets.SlotMain, tipPosition(sk, 2).Add(mgl64.Vec3{5, 0, 0}))

		logger, buf := testutil.BufferLogger()
		cfg := DefaultConfig()
		cfg.MainEffector = "b2"
		cfg.MinDist = minDist
		mod := NewModifier(cfg, sk, store, nil, logger)
		require.NoError(t, mod.Rebuild())

		sk.ResetPoses()
		return mod.Process(), buf.String()
	}

	far, farLog := run(1.2)
	near, nearLog := run(100)

	assert.Equal(t, OutcomeApplied, far.Outcome)
	assert.Contains(t, farLog, "Target beyond threshold and no default target set")
	assert.NotContains(t, nearLog, "Target beyond threshold")
	assert.InDeltaSlice(t, near.Delta, far.Delta, 1e-12)
}

func TestModifier_DefaultTargetTakesOver(t *testing.T) {
	sk := testutil.PlanarArm(t, 3, 1, 0.3)
	tip := tipPosition(sk, 2)

	store := targets.NewStore()
	store.SetPosition(targets.SlotMain, tip.Add(mgl64.Vec3{5, 0, 0}))
	store.SetPosition(targets.SlotDefaultMain, tip)

	mod := newTestModifier(t, sk, store, func(c *Config) { c.MainEffector = "b2" })
	sk.ResetPoses()
	report := mod.Process()
	assert.Equal(t, OutcomeApplied, report.Outcome)
	assert.InDelta(t, 0, report.DeltaNorm(), 1e-9)
}

func TestModifier_Converges(t *testing.T) {
	for _, mode := range []solver.Mode{solver.ModeGradient, solver.ModeSolve} {
		t.Run(mode.String(), func(t *testing.T) {
			sk := testutil.PlanarArm(t, 4, 1, 0.3)
			sk.SetGlobalTransform(mgl64.Translate3D(0, 1, 0))
			goal := tipPosition(sk, 3).Add(mgl64.Vec3{0.1, -0.15, 0})

			store := targets.NewStore()
			store.SetPosition(targets.SlotMain, goal)

			mod := newTestModifier(t, sk, store, func(c *Config) {
				c.MainEffector = "b3"
				c.Method = mode
				c.Velocity = 2
				if mode == solver.ModeGradient {
					c.Velocity = 0.1
				}
			})

			start := tipPosition(sk, 3).Sub(goal).Len()
			for tick := 0; tick < 300; tick++ {
				sk.ResetPoses()
				mod.Process()
			}
			end := tipPosition(sk, 3).Sub(goal).Len()
			assert.Less(t, end, start/10)
		})
	}
}

func TestModifier_SkipsWithoutMainTarget(t *testing.T) {
	sk := &recordingSkeleton{Skeleton: testutil.PlanarArm(t, 3, 1, 0.3)}
	mod := newTestModifier(t, sk, targets.NewStore(), func(c *Config) { c.MainEffector = "b2" })

	report := mod.Process()
	assert.Equal(t, OutcomeSkipped, report.Outcome)
	assert.NoError(t, report.Err)
	assert.Zero(t, sk.writes.Load(), "skipped ticks write nothing")
}

func TestModifier_NoSkeleton(t *testing.T) {
	mod := NewModifier(nil, nil, nil, nil, zerolog.Nop())
	assert.ErrorIs(t, mod.Rebuild(), ErrNoSkeleton)

	report := mod.Process()
	assert.Equal(t, OutcomeSkipped, report.Outcome)
	assert.ErrorIs(t, report.Err, ErrNoSkeleton)
	assert.Equal(t, "", mod.BoneNameHint())
}

func TestModifier_ProcessBeforeRebuild(t *testing.T) {
	sk := testutil.PlanarArm(t, 2, 1, 0)
	store := targets.NewStore()
	store.SetPosition(targets.SlotMain, mgl64.Vec3{1, 1, 0})

	mod := NewModifier(nil, sk, store, nil, zerolog.Nop())
	assert.Nil(t, mod.Structure())
	assert.Equal(t, OutcomeSkipped, mod.Process().Outcome)
}

func TestModifier_DegradesOnMissingInput(t *testing.T) {
	sk := &recordingSkeleton{Skeleton: testutil.PlanarArm(t, 4, 1, 0.3)}
	store := targets.NewStore()
	store.SetPosition(targets.SlotMain, tipPosition(sk.Skeleton, 3).Add(mgl64.Vec3{0.1, 0, 0}))

	logger, buf := testutil.BufferLogger()
	cfg := DefaultConfig()
	cfg.MainEffector = "b3"
	cfg.SecondaryEffector = "b1"
	cfg.Method = solver.ModeSecondary
	mod := NewModifier(cfg, sk, store, nil, logger)
	require.NoError(t, mod.Rebuild())
	before := sk.writes.Load()

	report := mod.Process()
	assert.Equal(t, OutcomeDegraded, report.Outcome)
	assert.ErrorIs(t, report.Err, solver.ErrMissingInput)
	assert.Equal(t, make([]float64, 4), report.Delta)
	assert.Equal(t, int64(4), sk.writes.Load()-before, "poses are still written back")
	assert.Contains(t, buf.String(), "Skipping update")
}

func TestModifier_FailedSolveWritesZeroDelta(t *testing.T) {
	sk := &recordingSkeleton{Skeleton: testutil.PlanarArm(t, 3, 1, 0.3)}
	store := targets.NewStore()
	store.SetPosition(targets.SlotMain, mgl64.Vec3{1, 1, 0})

	mod := newTestModifier(t, sk, store, func(c *Config) { c.MainEffector = "b2" })
	boom := errors.New("boom")
	mod.SetStrategy(solver.ModeGradient, solver.StrategyFunc(func(in *solver.Input) ([]float64, error) {
		return []float64{1, 1, 1}, boom
	}))

	report := mod.Process()
	assert.Equal(t, OutcomeFailed, report.Outcome)
	assert.ErrorIs(t, report.Err, boom)
	assert.Equal(t, []float64{0, 0, 0}, report.Delta)
	assert.Equal(t, []float64{0, 0, 0}, mod.Angles())
	assert.Equal(t, int64(3), sk.writes.Load())
}

func TestModifier_DeltaLengthMismatchPanics(t *testing.T) {
	sk := testutil.PlanarArm(t, 3, 1, 0.3)
	store := targets.NewStore()
	store.SetPosition(targets.SlotMain, mgl64.Vec3{1, 1, 0})

	mod := newTestModifier(t, sk, store, func(c *Config) { c.MainEffector = "b2" })
	mod.SetStrategy(solver.ModeGradient, solver.StrategyFunc(func(in *solver.Input) ([]float64, error) {
		return []float64{1}, nil
	}))
	assert.Panics(t, func() { mod.Process() })
}

func TestModifier_WriteBackComposesOnPose(t *testing.T) {
	sk := testutil.PlanarArm(t, 3, 1, 0.3)
	store := targets.NewStore()
	store.SetPosition(targets.SlotMain, tipPosition(sk, 2).Add(mgl64.Vec3{0, 0.2, 0}))

	mod := newTestModifier(t, sk, store, func(c *Config) {
		c.MainEffector = "b2"
		c.Method = solver.ModeSolve
		c.Velocity = 1
	})

	sk.ResetPoses()
	report := mod.Process()
	require.Equal(t, OutcomeApplied, report.Outcome)

	angles := mod.Angles()
	for idx := 0; idx < sk.BoneCount(); idx++ {
		want := sk.BoneRest(idx).Mul4(kinematics.JointRotation(kinematics.DefaultAxis, angles[idx]))
		assert.True(t, want.ApproxEqualThreshold(sk.BonePose(idx), 1e-12), "bone %d", idx)
	}
	assert.InDeltaSlice(t, report.Delta, angles, 1e-15)
}

func TestModifier_RebuildIsIdempotent(t *testing.T) {
	sk := testutil.Fork(t)
	store := targets.NewStore()
	store.SetPosition(targets.SlotMain, mgl64.Vec3{2, 1, 0})

	mod := newTestModifier(t, sk, store, func(c *Config) {
		c.MainEffector = "l2"
		c.SecondaryEffector = "r2"
		c.Method = solver.ModeSecondary
	})
	store.SetPosition(targets.SlotSecondary, mgl64.Vec3{2, -1, 0})
	sk.ResetPoses()
	mod.Process()
	require.NotEqual(t, make([]float64, 5), mod.Angles())

	first := mod.Structure()
	sk.ResetPoses()
	require.NoError(t, mod.Rebuild())
	second := mod.Structure()

	assert.Equal(t, first.Effectors, second.Effectors)
	assert.Equal(t, first.Active, second.Active)
	assert.Equal(t, first.Tree.Joints, second.Tree.Joints)
	assert.Equal(t, make([]float64, 5), mod.Angles(), "rebuild resets the accumulated angles")
}

func TestModifier_FailedRebuildKeepsState(t *testing.T) {
	sk := testutil.PlanarArm(t, 3, 1, 0.3)
	store := targets.NewStore()
	store.SetPosition(targets.SlotMain, tipPosition(sk, 2).Add(mgl64.Vec3{0, 0.2, 0}))

	mod := newTestModifier(t, sk, store, func(c *Config) { c.MainEffector = "b2" })
	sk.ResetPoses()
	mod.Process()

	structure := mod.Structure()
	angles := mod.Angles()

	err := mod.SetMainEffector("nope")
	assert.ErrorIs(t, err, ErrEffectorNotFound)
	assert.Same(t, structure, mod.Structure())
	assert.Equal(t, angles, mod.Angles())
	assert.Equal(t, "b2", mod.Config().MainEffector, "the rejected name is not kept")

	// Ticks keep running on the previous structure.
	sk.ResetPoses()
	assert.Equal(t, OutcomeApplied, mod.Process().Outcome)
}

func TestModifier_Reconfigure(t *testing.T) {
	sk := testutil.Fork(t)
	store := targets.NewStore()
	store.SetPosition(targets.SlotMain, mgl64.Vec3{2, 1, 0})

	mod := newTestModifier(t, sk, store, func(c *Config) { c.MainEffector = "l2" })
	first := mod.Structure()

	cfg := mod.Config()
	cfg.Velocity = 0.5
	cfg.MinDist = 3
	require.NoError(t, mod.Reconfigure(cfg))
	assert.Same(t, first, mod.Structure(), "tunables do not rebuild")
	assert.Equal(t, 0.5, mod.Config().Velocity)

	cfg.Method = solver.ModeOrientation
	require.NoError(t, mod.Reconfigure(cfg))
	assert.NotSame(t, first, mod.Structure())
	assert.Equal(t, 6, mod.Structure().Rows())

	bad := cfg
	bad.MainEffector = "nope"
	bad.Velocity = 9
	assert.ErrorIs(t, mod.Reconfigure(bad), ErrEffectorNotFound)
	assert.Equal(t, cfg, mod.Config(), "failed reconfigure restores the tunables")

	mod.SetVelocity(0.25)
	mod.SetMinDist(0.5)
	assert.Equal(t, 0.25, mod.Config().Velocity)
	assert.Equal(t, 0.5, mod.Config().MinDist)
}

func TestModifier_SettersRebuild(t *testing.T) {
	sk := testutil.Fork(t)
	mod := newTestModifier(t, sk, targets.NewStore(), func(c *Config) { c.MainEffector = "l2" })

	require.NoError(t, mod.SetSecondaryEffector("r2"))
	assert.Len(t, mod.Structure().Effectors, 1)

	require.NoError(t, mod.SetMethod(solver.ModeSecondary))
	assert.Len(t, mod.Structure().Effectors, 2)
	assert.Equal(t, solver.ModeSecondary, mod.Structure().Mode)

	require.NoError(t, mod.SetMainEffector("r1"))
	assert.Equal(t, sk.FindBone("r1"), mod.Structure().Main)

	other := testutil.PlanarArm(t, 3, 1, 0)
	assert.ErrorIs(t, mod.SetSkeleton(other), ErrEffectorNotFound)
	assert.Equal(t, "root,r1,r2,l2,l1", mod.BoneNameHint(), "a rejected skeleton is not attached")
	assert.ErrorIs(t, mod.SetMainEffector("b2"), ErrEffectorNotFound)

	cfg := mod.Config()
	cfg.MainEffector = "b2"
	cfg.SecondaryEffector = "b1"
	require.NoError(t, mod.Retarget(other, cfg))
	assert.Equal(t, "b0,b1,b2", mod.BoneNameHint())
	assert.Len(t, mod.Angles(), 3)
}

func TestModifier_FailedMethodChangeKeepsTicking(t *testing.T) {
	sk := testutil.PlanarArm(t, 3, 1, 0.3)
	store := targets.NewStore()
	store.SetPosition(targets.SlotMain, tipPosition(sk, 2).Add(mgl64.Vec3{0.1, 0, 0}))

	mod := newTestModifier(t, sk, store, func(c *Config) {
		c.MainEffector = "b2"
		c.Method = solver.ModeSolve
	})

	require.Error(t, mod.SetMainEffector("b2x"))
	require.Error(t, mod.Reconfigure(Config{MainEffector: "b2x", Method: solver.ModeOrientation, Axis: kinematics.DefaultAxis, Step: 1e-6}))
	assert.Equal(t, solver.ModeSolve, mod.Config().Method)

	var report TickReport
	sk.ResetPoses()
	require.NotPanics(t, func() { report = mod.Process() })
	assert.Equal(t, OutcomeApplied, report.Outcome)
	assert.Equal(t, solver.ModeSolve, report.Mode)

	// The method alone is valid, so it rebuilds to six rows.
	require.NoError(t, mod.SetMethod(solver.ModeOrientation))
	rows, _ := mod.Shape()
	assert.Equal(t, 6, rows)
	sk.ResetPoses()
	require.NotPanics(t, func() { report = mod.Process() })
	assert.Equal(t, OutcomeDegraded, report.Outcome, "no orientation reference is bound")
}

func TestModifier_FailedSkeletonSwapKeepsTicking(t *testing.T) {
	sk := &recordingSkeleton{Skeleton: testutil.Fork(t)}
	store := targets.NewStore()
	store.SetPosition(targets.SlotMain, mgl64.Vec3{2, 1, 0})

	mod := newTestModifier(t, sk, store, func(c *Config) { c.MainEffector = "l2" })
	smaller := &recordingSkeleton{Skeleton: testutil.PlanarArm(t, 3, 1, 0)}

	assert.ErrorIs(t, mod.SetSkeleton(smaller), ErrEffectorNotFound)
	assert.Len(t, mod.Angles(), 5)

	var report TickReport
	sk.ResetPoses()
	require.NotPanics(t, func() { report = mod.Process() })
	assert.Equal(t, OutcomeApplied, report.Outcome)
	assert.Equal(t, int64(5), sk.writes.Load(), "ticks keep driving the attached skeleton")
	assert.Zero(t, smaller.writes.Load())

	assert.ErrorIs(t, mod.SetSkeleton(nil), ErrNoSkeleton)
	assert.Equal(t, OutcomeApplied, mod.Process().Outcome)
}

// plainHost hides the skeleton's own bone name listing.
type plainHost struct{ Skeleton }

func TestModifier_BoneNameHintWithoutHostListing(t *testing.T) {
	mod := NewModifier(nil, plainHost{testutil.PlanarArm(t, 2, 1, 0)}, nil, nil, zerolog.Nop())
	assert.Equal(t, "b0,b1", mod.BoneNameHint())
}

func TestModifier_SecondaryOrderWarning(t *testing.T) {
	sk := testutil.Fork(t)
	logger, buf := testutil.BufferLogger()

	cfg := DefaultConfig()
	cfg.MainEffector = "r2"
	cfg.SecondaryEffector = "l2"
	cfg.Method = solver.ModeSecondary
	mod := NewModifier(cfg, sk, nil, nil, logger)
	require.NoError(t, mod.Rebuild())

	out := buf.String()
	assert.Contains(t, out, "Secondary effector follows main in tree order")
	assert.Contains(t, out, "Setup. Jacobian shape")
	assert.Contains(t, out, "Active bones (joints)")
	assert.Equal(t, 5, strings.Count(out, "Created node"))
}

func TestModifier_MetricsAndEvents(t *testing.T) {
	sk := testutil.PlanarArm(t, 3, 1, 0.3)
	store := targets.NewStore()

	eventBus := bus.NewEventBus()
	rebuilt := make(chan bus.Event, 4)
	eventBus.Subscribe(bus.EventTypeRebuilt, func(e bus.Event) { rebuilt <- e })

	reg := prometheus.NewRegistry()
	cfg := DefaultConfig()
	cfg.MainEffector = "b2"
	mod := NewModifier(cfg, sk, store, eventBus, zerolog.Nop())
	mod.SetMetrics(metrics.New(reg))
	require.NoError(t, mod.Rebuild())

	select {
	case e := <-rebuilt:
		assert.Equal(t, 3, e.Data["rows"])
		assert.Equal(t, 3, e.Data["cols"])
		assert.Equal(t, mod.ID(), e.Data["modifier"])
	case <-time.After(time.Second):
		t.Fatal("no rebuilt event")
	}

	mod.Process()
	store.SetPosition(targets.SlotMain, mgl64.Vec3{1, 1, 0})
	mod.Process()
	mod.Process()

	expected := `
# HELP mannequin_ticks_total IK ticks by mode and outcome
# TYPE mannequin_ticks_total counter
mannequin_ticks_total{mode="gradient",outcome="applied"} 2
mannequin_ticks_total{mode="gradient",outcome="skipped"} 1
`
	assert.NoError(t, promtest.GatherAndCompare(reg, strings.NewReader(expected), "mannequin_ticks_total"))

	expected = `
# HELP mannequin_rebuilds_total Structural rebuilds by result
# TYPE mannequin_rebuilds_total counter
mannequin_rebuilds_total{result="ok"} 1
`
	assert.NoError(t, promtest.GatherAndCompare(reg, strings.NewReader(expected), "mannequin_rebuilds_total"))
	assert.Len(t, mod.ID(), 36)
}
