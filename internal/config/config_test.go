// Package config tests
package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/normanking/mannequin/internal/solver"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rig.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Solver.Velocity != 0.01 {
		t.Errorf("expected Solver.Velocity=0.01, got %g", cfg.Solver.Velocity)
	}
	if cfg.Solver.MinDist != 1.2 {
		t.Errorf("expected Solver.MinDist=1.2, got %g", cfg.Solver.MinDist)
	}
	if cfg.Solver.Method != "gradient" {
		t.Errorf("expected Solver.Method='gradient', got %q", cfg.Solver.Method)
	}
	if cfg.Run.Hz != 60 {
		t.Errorf("expected Run.Hz=60, got %g", cfg.Run.Hz)
	}
	if cfg.Run.ReloadDebounce != 200*time.Millisecond {
		t.Errorf("expected Run.ReloadDebounce=200ms, got %s", cfg.Run.ReloadDebounce)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoad_NoFile(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Solver.Velocity != 0.01 {
		t.Errorf("expected default velocity, got %g", cfg.Solver.Velocity)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("expected Logging.Level='info', got %q", cfg.Logging.Level)
	}
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
solver:
  velocity: 2.5
  main_effector: hand
  secondary_effector: elbow
  method: secondary_goal
  min_dist: 3
skeleton:
  path: rigs/arm.gltf
  position: [0, 1, 0]
  disabled_bones: [root]
targets:
  main: [0.5, 1.5, 0]
  secondary: [0, 1, 0.5]
run:
  hz: 30
  ticks: 90
  reload_debounce: 50ms
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Solver.Velocity != 2.5 {
		t.Errorf("expected velocity 2.5, got %g", cfg.Solver.Velocity)
	}
	if cfg.Solver.MainEffector != "hand" || cfg.Solver.SecondaryEffector != "elbow" {
		t.Errorf("unexpected effectors %q / %q", cfg.Solver.MainEffector, cfg.Solver.SecondaryEffector)
	}
	if cfg.Solver.Step != 1e-6 {
		t.Errorf("unset keys should keep defaults, got step %g", cfg.Solver.Step)
	}
	if len(cfg.Skeleton.DisabledBones) != 1 || cfg.Skeleton.DisabledBones[0] != "root" {
		t.Errorf("unexpected disabled bones %v", cfg.Skeleton.DisabledBones)
	}
	if p, ok := Vec3(cfg.Targets.Main); !ok || p != (mgl64.Vec3{0.5, 1.5, 0}) {
		t.Errorf("unexpected main target %v", cfg.Targets.Main)
	}
	if cfg.Run.Ticks != 90 || cfg.Run.ReloadDebounce != 50*time.Millisecond {
		t.Errorf("unexpected run section %+v", cfg.Run)
	}

	if got := cfg.RootTransform(); got != mgl64.Translate3D(0, 1, 0) {
		t.Errorf("unexpected root transform %v", got)
	}
	want := filepath.Join(filepath.Dir(path), "rigs", "arm.gltf")
	if got := cfg.ResolvePath(path); got != want {
		t.Errorf("expected resolved path %q, got %q", want, got)
	}

	mod, err := cfg.Modifier()
	if err != nil {
		t.Fatalf("Modifier() failed: %v", err)
	}
	if mod.Method != solver.ModeSecondary {
		t.Errorf("expected secondary mode, got %s", mod.Method)
	}
	if mod.Axis != (mgl64.Vec3{0, 0, 1}) {
		t.Errorf("expected default axis, got %v", mod.Axis)
	}
	if mod.MinDist != 3 || mod.Velocity != 2.5 {
		t.Errorf("unexpected tunables %+v", mod)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("MANNEQUIN_SOLVER_VELOCITY", "0.5")
	t.Setenv("MANNEQUIN_SOLVER_METHOD", "solve")
	t.Setenv("MANNEQUIN_RUN_HZ", "120")

	path := writeConfig(t, "solver:\n  velocity: 2\n  main_effector: hand\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Solver.Velocity != 0.5 {
		t.Errorf("env should win over the file, got velocity %g", cfg.Solver.Velocity)
	}
	if cfg.Solver.Method != "solve" {
		t.Errorf("expected method 'solve', got %q", cfg.Solver.Method)
	}
	if cfg.Run.Hz != 120 {
		t.Errorf("expected hz 120, got %g", cfg.Run.Hz)
	}
	if cfg.Solver.MainEffector != "hand" {
		t.Errorf("file values without env should survive, got %q", cfg.Solver.MainEffector)
	}
}

func TestLoad_Errors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for a missing file")
	}

	path := writeConfig(t, "solver:\n  method: ccd\n  velocity: -1\n")
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"solver.method", "solver.velocity"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("expected %q in %q", want, err.Error())
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"negative min dist", func(c *Config) { c.Solver.MinDist = -1 }, "solver.min_dist"},
		{"zero step", func(c *Config) { c.Solver.Step = 0 }, "solver.step"},
		{"short axis", func(c *Config) { c.Solver.Axis = []float64{0, 1} }, "solver.axis"},
		{"zero axis", func(c *Config) { c.Solver.Axis = []float64{0, 0, 0} }, "solver.axis must not be zero"},
		{"bad position", func(c *Config) { c.Skeleton.Position = []float64{1} }, "skeleton.position"},
		{"bad target", func(c *Config) { c.Targets.DefaultMain = []float64{1, 2} }, "targets.default_main"},
		{"zero hz", func(c *Config) { c.Run.Hz = 0 }, "run.hz"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected %q in %q", tt.want, err.Error())
			}
		})
	}

	cfg := DefaultConfig()
	cfg.Skeleton.Position = nil
	if err := cfg.Validate(); err != nil {
		t.Errorf("an empty position is allowed: %v", err)
	}
	if got := cfg.RootTransform(); got != mgl64.Ident4() {
		t.Errorf("empty position should place the root at the origin, got %v", got)
	}
}

func TestResolvePath(t *testing.T) {
	cfg := DefaultConfig()
	if got := cfg.ResolvePath("/etc/rig.yaml"); got != "" {
		t.Errorf("no skeleton path should stay empty, got %q", got)
	}

	cfg.Skeleton.Path = "/abs/arm.gltf"
	if got := cfg.ResolvePath("/etc/rig.yaml"); got != "/abs/arm.gltf" {
		t.Errorf("absolute paths are kept, got %q", got)
	}

	cfg.Skeleton.Path = "arm.gltf"
	if got := cfg.ResolvePath(""); got != "arm.gltf" {
		t.Errorf("without a config file the path is kept, got %q", got)
	}
}

func TestExists(t *testing.T) {
	path := writeConfig(t, "run:\n  hz: 10\n")
	if !Exists(path) {
		t.Error("expected written file to exist")
	}
	if Exists(filepath.Join(t.TempDir(), "nope.yaml")) {
		t.Error("expected missing file not to exist")
	}
}
