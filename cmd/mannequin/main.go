// Package main is the entry point for the mannequin CLI.
// mannequin drives a skeletal rig toward targets with a Jacobian IK solver,
// either headless for a fixed number of ticks or as a live loop.
package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/normanking/mannequin/internal/config"
	"github.com/normanking/mannequin/internal/logging"
)

var (
	version = "0.1.0"
	cfgPath string
	verbose bool

	cfg *config.Config
	log *logging.Logger
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "mannequin",
		Short: "mannequin - Jacobian inverse kinematics for skeletal rigs",
		Long: `mannequin solves inverse kinematics over a bone hierarchy, one tick at a time.

List the bones of a rig:     mannequin bones --skeleton rig.gltf
Solve headless:              mannequin solve --config rig.yaml --ticks 500
Run a live loop:             mannequin run --config rig.yaml`,
		PersistentPreRunE:  initRuntime,
		PersistentPostRunE: closeRuntime,
		SilenceUsage:       true,
	}

	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "rig config file (yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("mannequin v%s\n", version)
		},
	})
	rootCmd.AddCommand(bonesCmd())
	rootCmd.AddCommand(solveCmd())
	rootCmd.AddCommand(runCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// initRuntime loads the config and sets up logging for every command.
func initRuntime(cmd *cobra.Command, args []string) error {
	var err error
	cfg, err = config.Load(cfgPath)
	if err != nil {
		return err
	}

	level := logging.LogLevel(cfg.Logging.Level)
	if verbose {
		level = logging.LevelDebug
	}
	log, err = logging.New(&logging.Config{
		LogDir:  cfg.Logging.Dir,
		Level:   level,
		Console: true,
		Out:     os.Stderr,
	})
	if err != nil {
		return err
	}
	return nil
}

func closeRuntime(cmd *cobra.Command, args []string) error {
	if log != nil {
		return log.Close()
	}
	return nil
}

func component(name string) zerolog.Logger {
	if log == nil {
		return zerolog.Nop()
	}
	return log.Component(name)
}
