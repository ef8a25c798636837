// Package ik runs a Jacobian IK solve against a host skeleton once per tick.
//
// A Modifier owns the structural snapshot (tree, active joints, effectors)
// and the accumulated joint angles. Rebuild replaces the snapshot; Process
// computes the Jacobian, asks the strategy of the current method for a delta,
// integrates it and writes every bone pose back to the host.
package ik

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/floats"

	"github.com/normanking/mannequin/internal/bus"
	"github.com/normanking/mannequin/internal/differentiable"
	"github.com/normanking/mannequin/internal/kinematics"
	"github.com/normanking/mannequin/internal/metrics"
	"github.com/normanking/mannequin/internal/solver"
	"github.com/normanking/mannequin/internal/targets"
)

// Config holds the modifier tunables.
type Config struct {
	// Velocity is the gradient gain and, in degrees, the per-tick step limit.
	Velocity          float64
	MainEffector      string
	SecondaryEffector string
	Method            solver.Mode
	// MinDist is the distance beyond which default targets take over.
	MinDist float64
	Axis    mgl64.Vec3
	// Step is the finite-difference step in radians.
	Step float64
}

// DefaultConfig returns the stock tunables.
func DefaultConfig() *Config {
	return &Config{
		Velocity: 0.01,
		Method:   solver.ModeGradient,
		MinDist:  1.2, // meters
		Axis:     kinematics.DefaultAxis,
		Step:     differentiable.DefaultStep,
	}
}

// Outcome classifies a tick.
type Outcome string

const (
	// OutcomeApplied means a delta was integrated and poses were written.
	OutcomeApplied Outcome = metrics.OutcomeApplied
	// OutcomeDegraded means an optional input was missing; poses were written
	// with a zero delta.
	OutcomeDegraded Outcome = metrics.OutcomeDegraded
	// OutcomeSkipped means nothing was written.
	OutcomeSkipped Outcome = metrics.OutcomeSkipped
	// OutcomeFailed means the solve failed numerically; poses were written
	// with a zero delta.
	OutcomeFailed Outcome = metrics.OutcomeFailed
)

// TickReport describes one Process call.
type TickReport struct {
	Outcome Outcome
	Mode    solver.Mode
	Delta   []float64
	Err     error
	Took    time.Duration
}

// DeltaNorm returns the Euclidean norm of the applied delta.
func (r TickReport) DeltaNorm() float64 {
	if len(r.Delta) == 0 {
		return 0
	}
	return floats.Norm(r.Delta, 2)
}

// Modifier is one rig's IK solver. Rebuild and Process are serialized.
type Modifier struct {
	id       string
	config   Config
	skeleton Skeleton
	targets  solver.Targets
	eventBus *bus.EventBus
	metrics  *metrics.Metrics
	logger   zerolog.Logger

	strategies map[solver.Mode]solver.Strategy

	mu        sync.Mutex
	structure *Structure
	model     *differentiable.Model
	angles    []float64
}

// NewModifier creates a modifier. It does not build; call Rebuild once the
// skeleton is attached.
func NewModifier(config *Config, skeleton Skeleton, tgts solver.Targets, eventBus *bus.EventBus, logger zerolog.Logger) *Modifier {
	if config == nil {
		config = DefaultConfig()
	}
	if tgts == nil {
		tgts = targets.NewStore()
	}
	id := uuid.NewString()

	return &Modifier{
		id:         id,
		config:     *config,
		skeleton:   skeleton,
		targets:    tgts,
		eventBus:   eventBus,
		logger:     logger.With().Str("component", "ik").Str("modifier", id[:8]).Logger(),
		strategies: solver.Table(),
		model:      differentiable.New(),
	}
}

// SetMetrics attaches prometheus collectors.
func (m *Modifier) SetMetrics(mt *metrics.Metrics) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics = mt
}

// SetStrategy overrides the strategy of a mode.
func (m *Modifier) SetStrategy(mode solver.Mode, s solver.Strategy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.strategies[mode] = s
}

// ID returns the instance id.
func (m *Modifier) ID() string { return m.id }

// Rebuild re-reads the skeleton and replaces the structure. On error the
// previous structure and angles are kept.
func (m *Modifier) Rebuild() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rebuildLocked(m.config, m.skeleton)
}

// rebuildLocked builds a structure for config and sk and commits all of
// them together. On error nothing is committed, so the structure, the
// tunables, the skeleton and the angles always belong together.
func (m *Modifier) rebuildLocked(config Config, sk Skeleton) error {
	m.logger.Info().
		Str("main", config.MainEffector).
		Str("secondary", config.SecondaryEffector).
		Str("method", config.Method.String()).
		Msg("Rebuilding")

	s, model, err := m.build(config, sk)
	if err != nil {
		m.logger.Error().Err(err).Msg("Rebuild aborted")
		m.metrics.ObserveRebuild(err, 0, 0)
		m.publish(bus.EventTypeRebuildFailed, map[string]any{"error": err.Error()})
		return err
	}

	m.config = config
	m.skeleton = sk
	m.structure = s
	m.model = model
	// Angles cover every bone, not just the active ones.
	m.angles = make([]float64, sk.BoneCount())

	rows, cols := model.Shape()
	m.logger.Info().Int("rows", rows).Int("cols", cols).Msg("Setup. Jacobian shape")
	m.metrics.ObserveRebuild(nil, rows, cols)
	m.publish(bus.EventTypeRebuilt, map[string]any{
		"rows":   rows,
		"cols":   cols,
		"method": config.Method.String(),
	})
	return nil
}

func (m *Modifier) build(config Config, sk Skeleton) (*Structure, *differentiable.Model, error) {
	if sk == nil {
		return nil, nil, ErrNoSkeleton
	}

	s, err := BuildStructure(sk, config.Axis, config.MainEffector, config.SecondaryEffector, config.Method)
	if err != nil {
		return nil, nil, err
	}

	m.logger.Info().Int("index", s.Main).Msg("Main effector")
	if s.Secondary >= 0 {
		m.logger.Info().Int("index", s.Secondary).Msg("Secondary effector")
		if config.Method.UsesSecondaryEffector() && !s.SecondaryPrecedesMain() {
			m.logger.Warn().
				Str("main", config.MainEffector).
				Str("secondary", config.SecondaryEffector).
				Msg("Secondary effector follows main in tree order; goals pair with swapped outputs")
		}
	} else {
		m.logger.Warn().Str("bone", config.SecondaryEffector).Msg("Could not find secondary effector in skeleton")
	}

	names := make([]string, len(s.Active))
	for i, id := range s.Active {
		names[i] = sk.BoneName(id)
	}
	m.logger.Info().Strs("bones", names).Msg("Active bones (joints)")

	for _, j := range s.Tree.Joints {
		m.logger.Debug().
			Int("depth", j.Depth).
			Int("id", j.ID).
			Str("name", j.Name).
			Bool("effector", j.Effector).
			Bool("orientation", j.OrientationTarget).
			Msg("Created node")
	}

	model := differentiable.New()
	model.SetStep(config.Step)
	model.Setup(s.Tree, s.Active, s.Effectors)
	return s, model, nil
}

// Process runs one tick. It never fails; the report says what happened.
func (m *Modifier) Process() TickReport {
	m.mu.Lock()
	defer m.mu.Unlock()

	start := time.Now()
	report := m.process()
	report.Took = time.Since(start)

	m.metrics.ObserveTick(report.Mode.String(), string(report.Outcome), report.Took, report.DeltaNorm())
	return report
}

func (m *Modifier) process() TickReport {
	if m.structure == nil {
		return TickReport{Mode: m.config.Method, Outcome: OutcomeSkipped, Err: ErrNoSkeleton}
	}
	mode := m.structure.Mode
	report := TickReport{Mode: mode}

	if _, ok := m.targets.Target(targets.SlotMain); !ok {
		report.Outcome = OutcomeSkipped
		return report
	}

	m.model.Compute(m.structure.Tree, m.angles, differentiable.SelectAll)
	jacobian := m.model.JacobianMatrix()
	if jacobian == nil {
		report.Outcome = OutcomeSkipped
		m.publish(bus.EventTypeTickSkipped, map[string]any{"reason": "empty jacobian"})
		return report
	}

	strategy, ok := m.strategies[mode]
	if !ok {
		panic("ik: no strategy for mode " + mode.String())
	}

	in := &solver.Input{
		Jacobian:          jacobian,
		Effectors:         m.model.Effectors(),
		Targets:           m.targets,
		SkeletonInverse:   m.skeleton.GlobalTransform().Inv(),
		Velocity:          m.config.Velocity,
		DistanceThreshold: m.config.MinDist,
		Logger:            m.logger,
	}

	delta, err := strategy.Solve(in)
	switch {
	case err == nil:
		report.Outcome = OutcomeApplied
	case errors.Is(err, solver.ErrMissingInput):
		m.logger.Warn().Err(err).Str("method", mode.String()).Msg("Skipping update")
		report.Outcome = OutcomeDegraded
		m.publish(bus.EventTypeTickWarning, map[string]any{"error": err.Error()})
	default:
		m.logger.Error().Err(err).Str("method", mode.String()).Msg("Solve failed")
		report.Outcome = OutcomeFailed
		m.publish(bus.EventTypeTickWarning, map[string]any{"error": err.Error()})
	}
	report.Err = err

	active := m.model.Active()
	if delta == nil {
		delta = make([]float64, len(active))
	}
	if len(delta) != len(active) {
		panic("ik: strategy returned a delta that does not match the active joint count")
	}
	if err != nil {
		for i := range delta {
			delta[i] = 0
		}
	}
	report.Delta = delta

	for i, id := range active {
		m.angles[id] += delta[i]
	}
	m.writeBack()
	return report
}

// writeBack applies the accumulated angle of every bone on top of the host's
// current pose.
func (m *Modifier) writeBack() {
	axis := m.structure.Tree.Axis
	for idx, angle := range m.angles {
		pose := m.skeleton.BonePose(idx)
		m.skeleton.SetBonePose(idx, pose.Mul4(kinematics.JointRotation(axis, angle)))
	}
}

func (m *Modifier) publish(t bus.EventType, data map[string]any) {
	if m.eventBus == nil {
		return
	}
	data["modifier"] = m.id
	m.eventBus.Publish(bus.Event{Type: t, Source: m.id, Data: data})
}

// SetMainEffector changes the main effector and rebuilds. A failed rebuild
// leaves the previous effector in place.
func (m *Modifier) SetMainEffector(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	config := m.config
	config.MainEffector = name
	return m.rebuildLocked(config, m.skeleton)
}

// SetSecondaryEffector changes the secondary effector and rebuilds.
func (m *Modifier) SetSecondaryEffector(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	config := m.config
	config.SecondaryEffector = name
	return m.rebuildLocked(config, m.skeleton)
}

// SetMethod changes the solving method and rebuilds.
func (m *Modifier) SetMethod(mode solver.Mode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	config := m.config
	config.Method = mode
	if err := m.rebuildLocked(config, m.skeleton); err != nil {
		return err
	}
	m.logger.Info().Str("method", mode.String()).Msg("Updated method")
	return nil
}

// SetSkeleton swaps the host skeleton and rebuilds. On error the modifier
// keeps driving the previous skeleton.
func (m *Modifier) SetSkeleton(s Skeleton) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rebuildLocked(m.config, s)
}

// Retarget swaps the skeleton and every tunable in one rebuild, for hosts
// whose new skeleton uses different effector names.
func (m *Modifier) Retarget(s Skeleton, config Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rebuildLocked(config, s)
}

// Reconfigure replaces every tunable. It rebuilds only when a structural
// field (effectors, method, axis, step) changed; on a failed rebuild the
// previous tunables are kept.
func (m *Modifier) Reconfigure(config Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.config
	structural := prev.MainEffector != config.MainEffector ||
		prev.SecondaryEffector != config.SecondaryEffector ||
		prev.Method != config.Method ||
		prev.Axis != config.Axis ||
		prev.Step != config.Step
	if !structural && m.structure != nil {
		m.config = config
		return nil
	}
	return m.rebuildLocked(config, m.skeleton)
}

// SetVelocity changes the gain. It takes effect on the next tick.
func (m *Modifier) SetVelocity(v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.config.Velocity = v
}

// SetMinDist changes the fallback distance. It takes effect on the next tick.
func (m *Modifier) SetMinDist(d float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.config.MinDist = d
}

// Config returns a copy of the current tunables.
func (m *Modifier) Config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.config
}

// Angles returns a copy of the accumulated joint angles, indexed by bone.
func (m *Modifier) Angles() []float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]float64(nil), m.angles...)
}

// Structure returns the current structure or nil before the first successful
// rebuild.
func (m *Modifier) Structure() *Structure {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.structure
}

// Shape returns the Jacobian shape of the current structure.
func (m *Modifier) Shape() (rows, cols int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.model.Shape()
}

// boneNamer is implemented by hosts that list their own bone names.
type boneNamer interface {
	ConcatenatedBoneNames() string
}

// BoneNameHint returns every bone name joined by commas, the choice list for
// the effector fields of a host editor.
func (m *Modifier) BoneNameHint() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.skeleton == nil {
		return ""
	}
	if n, ok := m.skeleton.(boneNamer); ok {
		return n.ConcatenatedBoneNames()
	}
	names := make([]string, m.skeleton.BoneCount())
	for i := range names {
		names[i] = m.skeleton.BoneName(i)
	}
	return strings.Join(names, ",")
}
