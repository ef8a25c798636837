// Package config provides configuration management for mannequin rigs
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/spf13/viper"

	"github.com/normanking/mannequin/internal/ik"
	"github.com/normanking/mannequin/internal/solver"
)

// Config holds all application configuration
type Config struct {
	Solver   SolverConfig   `mapstructure:"solver" yaml:"solver"`
	Skeleton SkeletonConfig `mapstructure:"skeleton" yaml:"skeleton"`
	Targets  TargetsConfig  `mapstructure:"targets" yaml:"targets"`
	Run      RunConfig      `mapstructure:"run" yaml:"run"`
	Logging  LoggingConfig  `mapstructure:"logging" yaml:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics" yaml:"metrics"`
}

// SolverConfig holds the modifier tunables
type SolverConfig struct {
	Velocity          float64   `mapstructure:"velocity" yaml:"velocity"`
	MainEffector      string    `mapstructure:"main_effector" yaml:"main_effector"`
	SecondaryEffector string    `mapstructure:"secondary_effector" yaml:"secondary_effector"`
	Method            string    `mapstructure:"method" yaml:"method"` // gradient, solve, secondary, orientation
	MinDist           float64   `mapstructure:"min_dist" yaml:"min_dist"`
	Axis              []float64 `mapstructure:"axis" yaml:"axis"`
	Step              float64   `mapstructure:"step" yaml:"step"`
}

// SkeletonConfig locates the rig
type SkeletonConfig struct {
	Path          string    `mapstructure:"path" yaml:"path"` // glTF file
	Skin          string    `mapstructure:"skin" yaml:"skin"`
	Position      []float64 `mapstructure:"position" yaml:"position"` // root placement in world space
	DisabledBones []string  `mapstructure:"disabled_bones" yaml:"disabled_bones"`
}

// TargetsConfig holds static targets and the live feed
type TargetsConfig struct {
	Main             []float64 `mapstructure:"main" yaml:"main"`
	DefaultMain      []float64 `mapstructure:"default_main" yaml:"default_main"`
	Secondary        []float64 `mapstructure:"secondary" yaml:"secondary"`
	DefaultSecondary []float64 `mapstructure:"default_secondary" yaml:"default_secondary"`
	// OrientationBone attaches the orientation reference to a bone.
	OrientationBone string `mapstructure:"orientation_bone" yaml:"orientation_bone"`
	FeedURL         string `mapstructure:"feed_url" yaml:"feed_url"`
	// Animate wanders the main target around its position.
	Animate   bool    `mapstructure:"animate" yaml:"animate"`
	Amplitude float64 `mapstructure:"amplitude" yaml:"amplitude"`
	Rate      float64 `mapstructure:"rate" yaml:"rate"`
}

// RunConfig paces the tick loop
type RunConfig struct {
	Hz    float64 `mapstructure:"hz" yaml:"hz"`
	Ticks int     `mapstructure:"ticks" yaml:"ticks"` // 0 runs until interrupted
	// ReloadDebounce coalesces bursts of file events.
	ReloadDebounce time.Duration `mapstructure:"reload_debounce" yaml:"reload_debounce"`
}

// LoggingConfig configures logging
type LoggingConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
	Dir   string `mapstructure:"dir" yaml:"dir"`
}

// MetricsConfig configures the prometheus endpoint
type MetricsConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"` // empty disables
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		Solver: SolverConfig{
			Velocity: 0.01,
			Method:   solver.ModeGradient.String(),
			MinDist:  1.2, // meters
			Axis:     []float64{0, 0, 1},
			Step:     1e-6,
		},
		Skeleton: SkeletonConfig{
			Position: []float64{0, 0, 0},
		},
		Targets: TargetsConfig{
			Amplitude: 0.2,
			Rate:      0.5,
		},
		Run: RunConfig{
			Hz:             60,
			ReloadDebounce: 200 * time.Millisecond,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads defaults, then path (if not empty), then MANNEQUIN_* env vars.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	setDefaults(v, cfg)

	v.SetEnvPrefix("MANNEQUIN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers every key so env overrides apply without a file.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("solver.velocity", cfg.Solver.Velocity)
	v.SetDefault("solver.main_effector", cfg.Solver.MainEffector)
	v.SetDefault("solver.secondary_effector", cfg.Solver.SecondaryEffector)
	v.SetDefault("solver.method", cfg.Solver.Method)
	v.SetDefault("solver.min_dist", cfg.Solver.MinDist)
	v.SetDefault("solver.axis", cfg.Solver.Axis)
	v.SetDefault("solver.step", cfg.Solver.Step)

	v.SetDefault("skeleton.path", cfg.Skeleton.Path)
	v.SetDefault("skeleton.skin", cfg.Skeleton.Skin)
	v.SetDefault("skeleton.position", cfg.Skeleton.Position)
	v.SetDefault("skeleton.disabled_bones", cfg.Skeleton.DisabledBones)

	v.SetDefault("targets.orientation_bone", cfg.Targets.OrientationBone)
	v.SetDefault("targets.feed_url", cfg.Targets.FeedURL)
	v.SetDefault("targets.animate", cfg.Targets.Animate)
	v.SetDefault("targets.amplitude", cfg.Targets.Amplitude)
	v.SetDefault("targets.rate", cfg.Targets.Rate)

	v.SetDefault("run.hz", cfg.Run.Hz)
	v.SetDefault("run.ticks", cfg.Run.Ticks)
	v.SetDefault("run.reload_debounce", cfg.Run.ReloadDebounce)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.dir", cfg.Logging.Dir)
	v.SetDefault("metrics.addr", cfg.Metrics.Addr)
}

// Validate rejects values the modifier cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Solver.Velocity < 0 {
		errs = append(errs, fmt.Errorf("solver.velocity must not be negative, got %g", c.Solver.Velocity))
	}
	if c.Solver.MinDist < 0 {
		errs = append(errs, fmt.Errorf("solver.min_dist must not be negative, got %g", c.Solver.MinDist))
	}
	if c.Solver.Step <= 0 {
		errs = append(errs, fmt.Errorf("solver.step must be positive, got %g", c.Solver.Step))
	}
	if _, err := solver.ParseMode(c.Solver.Method); err != nil {
		errs = append(errs, fmt.Errorf("solver.method: %w", err))
	}
	if axis, err := vec3(c.Solver.Axis); err != nil {
		errs = append(errs, fmt.Errorf("solver.axis: %w", err))
	} else if axis.Len() < 1e-9 {
		errs = append(errs, errors.New("solver.axis must not be zero"))
	}
	if _, err := vec3(c.Skeleton.Position); err != nil && len(c.Skeleton.Position) != 0 {
		errs = append(errs, fmt.Errorf("skeleton.position: %w", err))
	}
	for name, p := range map[string][]float64{
		"targets.main":              c.Targets.Main,
		"targets.default_main":      c.Targets.DefaultMain,
		"targets.secondary":         c.Targets.Secondary,
		"targets.default_secondary": c.Targets.DefaultSecondary,
	} {
		if len(p) != 0 && len(p) != 3 {
			errs = append(errs, fmt.Errorf("%s must have 3 components, got %d", name, len(p)))
		}
	}
	if c.Run.Hz <= 0 {
		errs = append(errs, fmt.Errorf("run.hz must be positive, got %g", c.Run.Hz))
	}
	return errors.Join(errs...)
}

// Modifier converts the solver section to modifier tunables.
func (c *Config) Modifier() (*ik.Config, error) {
	mode, err := solver.ParseMode(c.Solver.Method)
	if err != nil {
		return nil, err
	}
	axis, err := vec3(c.Solver.Axis)
	if err != nil {
		return nil, fmt.Errorf("solver.axis: %w", err)
	}
	return &ik.Config{
		Velocity:          c.Solver.Velocity,
		MainEffector:      c.Solver.MainEffector,
		SecondaryEffector: c.Solver.SecondaryEffector,
		Method:            mode,
		MinDist:           c.Solver.MinDist,
		Axis:              axis,
		Step:              c.Solver.Step,
	}, nil
}

// RootTransform returns the skeleton placement in world space.
func (c *Config) RootTransform() mgl64.Mat4 {
	p, err := vec3(c.Skeleton.Position)
	if err != nil {
		return mgl64.Ident4()
	}
	return mgl64.Translate3D(p[0], p[1], p[2])
}

// ResolvePath makes a relative skeleton path relative to the config file.
func (c *Config) ResolvePath(configPath string) string {
	if c.Skeleton.Path == "" || filepath.IsAbs(c.Skeleton.Path) || configPath == "" {
		return c.Skeleton.Path
	}
	return filepath.Join(filepath.Dir(configPath), c.Skeleton.Path)
}

// Vec3 converts an optional 3-component list.
func Vec3(p []float64) (mgl64.Vec3, bool) {
	v, err := vec3(p)
	return v, err == nil
}

func vec3(p []float64) (mgl64.Vec3, error) {
	if len(p) != 3 {
		return mgl64.Vec3{}, fmt.Errorf("want 3 components, got %d", len(p))
	}
	return mgl64.Vec3{p[0], p[1], p[2]}, nil
}

// Exists reports whether a config file is present.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
