package main

import (
	"fmt"
	"slices"
	"sync"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/rs/zerolog"

	"github.com/normanking/mannequin/internal/bus"
	"github.com/normanking/mannequin/internal/config"
	"github.com/normanking/mannequin/internal/ik"
	"github.com/normanking/mannequin/internal/skeleton"
	"github.com/normanking/mannequin/internal/targets"
)

// Demo arm used when no skeleton file is configured.
const (
	demoMain      = "tip"
	demoSecondary = "elbow"
)

var demoTarget = mgl64.Vec3{0.5, 1.9, 0}

// rig wires a skeleton, its targets and one modifier.
type rig struct {
	mu       sync.Mutex
	cfg      *config.Config
	path     string
	skel     *skeleton.Skeleton
	store    *targets.Store
	animator *targets.Animator
	mod      *ik.Modifier
	logger   zerolog.Logger
}

func newRig(c *config.Config, configPath string, eventBus *bus.EventBus, logger zerolog.Logger) (*rig, error) {
	r := &rig{
		cfg:    c,
		path:   configPath,
		store:  targets.NewStore(),
		logger: logger,
	}

	skel, err := r.loadSkeleton(c)
	if err != nil {
		return nil, err
	}
	modCfg, err := modifierConfig(c)
	if err != nil {
		return nil, err
	}
	plan, err := planTargets(c, skel)
	if err != nil {
		return nil, err
	}

	r.mod = ik.NewModifier(modCfg, skel, r.store, eventBus, logger)
	if err := r.mod.Rebuild(); err != nil {
		return nil, err
	}
	r.skel = skel
	r.applyTargets(plan)
	return r, nil
}

func (r *rig) loadSkeleton(c *config.Config) (*skeleton.Skeleton, error) {
	var (
		skel *skeleton.Skeleton
		err  error
	)
	if path := c.ResolvePath(r.path); path != "" {
		skel, err = skeleton.LoadGLTF(path, c.Skeleton.Skin)
		if err != nil {
			return nil, err
		}
	} else {
		skel, err = demoArm()
		if err != nil {
			return nil, err
		}
	}

	for _, name := range c.Skeleton.DisabledBones {
		idx := skel.FindBone(name)
		if idx < 0 {
			r.logger.Warn().Str("bone", name).Msg("Disabled bone not found in skeleton")
			continue
		}
		if err := skel.SetBoneEnabled(idx, false); err != nil {
			return nil, err
		}
	}
	skel.SetGlobalTransform(c.RootTransform())

	r.logger.Info().
		Str("skeleton", skel.Name()).
		Int("bones", skel.BoneCount()).
		Msg("Skeleton loaded")
	return skel, nil
}

func modifierConfig(c *config.Config) (*ik.Config, error) {
	modCfg, err := c.Modifier()
	if err != nil {
		return nil, err
	}
	if c.Skeleton.Path == "" {
		if modCfg.MainEffector == "" {
			modCfg.MainEffector = demoMain
		}
		if modCfg.SecondaryEffector == "" {
			modCfg.SecondaryEffector = demoSecondary
		}
	}
	return modCfg, nil
}

// targetPlan is the target setup of one config, checked against a skeleton
// before anything is written to the store.
type targetPlan struct {
	static      map[targets.Slot][]float64
	main        mgl64.Vec3
	hasMain     bool
	skel        *skeleton.Skeleton
	orientation int
	animate     bool
	amplitude   float64
	rate        float64
}

func planTargets(c *config.Config, skel *skeleton.Skeleton) (*targetPlan, error) {
	p := &targetPlan{
		static: map[targets.Slot][]float64{
			targets.SlotDefaultMain:      c.Targets.DefaultMain,
			targets.SlotSecondary:        c.Targets.Secondary,
			targets.SlotDefaultSecondary: c.Targets.DefaultSecondary,
		},
		skel:        skel,
		orientation: -1,
		animate:     c.Targets.Animate,
		amplitude:   c.Targets.Amplitude,
		rate:        c.Targets.Rate,
	}

	p.main, p.hasMain = config.Vec3(c.Targets.Main)
	if !p.hasMain && c.Skeleton.Path == "" {
		p.main = c.RootTransform().Mul4x1(demoTarget.Vec4(1)).Vec3()
		p.hasMain = true
	}

	if name := c.Targets.OrientationBone; name != "" {
		p.orientation = skel.FindBone(name)
		if p.orientation < 0 {
			return nil, fmt.Errorf("orientation bone %q not found", name)
		}
	}
	if p.animate && !p.hasMain {
		return nil, fmt.Errorf("targets.animate needs a main target")
	}
	return p, nil
}

// applyTargets loads static targets, the orientation attachment and the
// animator. Slots the plan leaves empty are cleared.
func (r *rig) applyTargets(p *targetPlan) {
	for slot, pos := range p.static {
		if v, ok := config.Vec3(pos); ok {
			r.store.SetPosition(slot, v)
		} else {
			r.store.Clear(slot)
		}
	}
	if p.hasMain {
		r.store.SetPosition(targets.SlotMain, p.main)
	} else {
		r.store.Clear(targets.SlotMain)
	}

	r.store.Clear(targets.SlotOrientation)
	if p.orientation >= 0 {
		r.store.Bind(targets.SlotOrientation, p.skel.Attachment(p.orientation))
	}

	r.animator = nil
	if p.animate {
		r.animator = targets.NewAnimator(p.main, p.amplitude, p.rate, 1)
		r.store.Bind(targets.SlotMain, r.animator.Transform)
	}
}

// tick runs one frame: reset poses, advance the animator, solve.
func (r *rig) tick(dt float64) ik.TickReport {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.skel.ResetPoses()
	if r.animator != nil {
		r.animator.Update(dt)
	}
	return r.mod.Process()
}

// reloadConfig re-reads the config file and applies it. A file that fails to
// load, names a missing bone or does not rebuild leaves the rig as it was.
func (r *rig) reloadConfig() error {
	c, err := config.Load(r.path)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	skel := r.skel
	swap := c.Skeleton.Path != r.cfg.Skeleton.Path ||
		c.Skeleton.Skin != r.cfg.Skeleton.Skin ||
		!slices.Equal(c.Skeleton.DisabledBones, r.cfg.Skeleton.DisabledBones)
	if swap {
		if skel, err = r.loadSkeleton(c); err != nil {
			return err
		}
	}
	modCfg, err := modifierConfig(c)
	if err != nil {
		return err
	}
	plan, err := planTargets(c, skel)
	if err != nil {
		return err
	}

	if swap {
		err = r.mod.Retarget(skel, *modCfg)
	} else {
		err = r.mod.Reconfigure(*modCfg)
	}
	if err != nil {
		return err
	}

	r.cfg = c
	r.skel = skel
	skel.SetGlobalTransform(c.RootTransform())
	r.applyTargets(plan)
	return nil
}

// reloadSkeleton re-reads the skeleton file and rebuilds. On error the
// modifier keeps driving the current skeleton.
func (r *rig) reloadSkeleton() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	skel, err := r.loadSkeleton(r.cfg)
	if err != nil {
		return err
	}
	plan, err := planTargets(r.cfg, skel)
	if err != nil {
		return err
	}
	if err := r.mod.SetSkeleton(skel); err != nil {
		return err
	}
	r.skel = skel
	r.applyTargets(plan)
	return nil
}

// effectorDistance returns the world distance between the main effector and
// the main target, or -1 when either is missing.
func (r *rig) effectorDistance() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := r.skel.FindBone(r.mod.Config().MainEffector)
	target, ok := r.store.Target(targets.SlotMain)
	if idx < 0 || !ok {
		return -1
	}
	effector := r.skel.GlobalTransform().Mul4(r.skel.BoneGlobalPose(idx)).Col(3).Vec3()
	return effector.Sub(target.Col(3).Vec3()).Len()
}

// demoArm is a planar five-bone arm standing on +Y and bending about +Z.
func demoArm() (*skeleton.Skeleton, error) {
	return skeleton.FromBones("demo_arm", []skeleton.Bone{
		{Name: "root", Parent: skeleton.NoParent, Enabled: true, Rest: mgl64.Ident4()},
		{Name: "shoulder", Parent: 0, Enabled: true, Rest: mgl64.Translate3D(0, 1, 0)},
		{Name: "elbow", Parent: 1, Enabled: true, Rest: mgl64.Translate3D(0, 0.6, 0).Mul4(mgl64.HomogRotate3DZ(0.3))},
		{Name: "wrist", Parent: 2, Enabled: true, Rest: mgl64.Translate3D(0, 0.5, 0).Mul4(mgl64.HomogRotate3DZ(0.2))},
		{Name: "tip", Parent: 3, Enabled: true, Rest: mgl64.Translate3D(0, 0.2, 0)},
	})
}
