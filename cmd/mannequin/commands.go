package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/normanking/mannequin/internal/bus"
	"github.com/normanking/mannequin/internal/ik"
	"github.com/normanking/mannequin/internal/kinematics"
	"github.com/normanking/mannequin/internal/metrics"
	"github.com/normanking/mannequin/internal/skeleton"
	"github.com/normanking/mannequin/internal/targets"
	"github.com/normanking/mannequin/internal/watch"
)

func bonesCmd() *cobra.Command {
	var skelPath, skin string

	cmd := &cobra.Command{
		Use:   "bones",
		Short: "List the bones of a rig",
		RunE: func(cmd *cobra.Command, args []string) error {
			if skelPath != "" {
				cfg.Skeleton.Path = skelPath
				cfg.Skeleton.Skin = skin
			}
			r := &rig{cfg: cfg, path: cfgPath, logger: component("rig")}
			skel, err := r.loadSkeleton(cfg)
			if err != nil {
				return err
			}
			return writeBones(cmd.OutOrStdout(), skel)
		},
	}
	cmd.Flags().StringVar(&skelPath, "skeleton", "", "glTF file (overrides skeleton.path)")
	cmd.Flags().StringVar(&skin, "skin", "", "skin name (default first skin)")
	return cmd
}

func writeBones(w io.Writer, skel *skeleton.Skeleton) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "INDEX\tNAME\tPARENT\tENABLED")
	for i, b := range skel.Bones() {
		parent := "-"
		if b.Parent != skeleton.NoParent {
			parent = skel.BoneName(b.Parent)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%t\n", i, b.Name, parent, b.Enabled)
	}
	return tw.Flush()
}

// PoseDump is the solve command output.
type PoseDump struct {
	Skeleton string     `yaml:"skeleton"`
	Method   string     `yaml:"method"`
	Ticks    int        `yaml:"ticks"`
	Outcomes outcomeMap `yaml:"outcomes"`
	Distance float64    `yaml:"effector_distance"`
	Bones    []BoneDump `yaml:"bones"`
}

type outcomeMap map[ik.Outcome]int

// BoneDump is one bone of a PoseDump.
type BoneDump struct {
	Name        string     `yaml:"name"`
	Angle       float64    `yaml:"angle"`
	Translation [3]float64 `yaml:"translation,flow"`
	Rotation    [4]float64 `yaml:"rotation,flow"` // x, y, z, w
}

func solveCmd() *cobra.Command {
	var (
		ticks int
		out   string
	)

	cmd := &cobra.Command{
		Use:   "solve",
		Short: "Run a fixed number of ticks headless and dump the final pose",
		RunE: func(cmd *cobra.Command, args []string) error {
			if ticks <= 0 {
				ticks = cfg.Run.Ticks
			}
			if ticks <= 0 {
				return errors.New("--ticks must be positive")
			}

			r, err := newRig(cfg, cfgPath, nil, component("ik"))
			if err != nil {
				return err
			}

			dt := 1 / cfg.Run.Hz
			dump := PoseDump{
				Skeleton: r.skel.Name(),
				Method:   r.mod.Config().Method.String(),
				Ticks:    ticks,
				Outcomes: outcomeMap{},
			}
			for i := 0; i < ticks; i++ {
				report := r.tick(dt)
				dump.Outcomes[report.Outcome]++
			}
			dump.Distance = r.effectorDistance()
			dump.Bones = boneDumps(r.skel, r.mod.Angles())

			w := cmd.OutOrStdout()
			if out != "" {
				f, err := os.Create(out)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			enc := yaml.NewEncoder(w)
			enc.SetIndent(2)
			if err := enc.Encode(dump); err != nil {
				return err
			}
			return enc.Close()
		},
	}
	cmd.Flags().IntVar(&ticks, "ticks", 0, "number of ticks (default run.ticks)")
	cmd.Flags().StringVarP(&out, "out", "o", "", "write the pose dump to a file")
	return cmd
}

func boneDumps(skel *skeleton.Skeleton, angles []float64) []BoneDump {
	poses := skel.Poses()
	dumps := make([]BoneDump, len(poses))
	for i, pose := range poses {
		t := kinematics.Translation(pose)
		q := kinematics.Rotation(pose)
		dumps[i] = BoneDump{
			Name:        skel.BoneName(i),
			Translation: [3]float64{t[0], t[1], t[2]},
			Rotation:    [4]float64{q.V[0], q.V[1], q.V[2], q.W},
		}
		if i < len(angles) {
			dumps[i].Angle = angles[i]
		}
	}
	return dumps
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Tick the solver at run.hz until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runLoop(ctx)
		},
	}
	return cmd
}

func runLoop(ctx context.Context) error {
	logger := component("run")
	eventBus := bus.NewEventBus()

	eventBus.SubscribeMultiple([]bus.EventType{
		bus.EventTypeRebuilt,
		bus.EventTypeRebuildFailed,
		bus.EventTypeSourceChanged,
		bus.EventTypeFeedConnected,
		bus.EventTypeFeedLost,
	}, func(e bus.Event) {
		logger.Debug().Str("event", string(e.Type)).Interface("data", e.Data).Msg("Event")
	})

	r, err := newRig(cfg, cfgPath, eventBus, component("ik"))
	if err != nil {
		return err
	}

	status := &runStatus{}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	r.mod.SetMetrics(metrics.New(reg))
	if addr := cfg.Metrics.Addr; addr != "" {
		srv := serveMetrics(addr, reg, statusHandler(r, status, logHistory))
		defer srv.Shutdown(context.Background())
		logger.Info().Str("addr", addr).Msg("Serving metrics and status")
	}

	if url := cfg.Targets.FeedURL; url != "" {
		feed := targets.NewFeed(url, r.store, eventBus, component("targets"))
		if err := feed.Connect(ctx); err != nil {
			return err
		}
		defer feed.Disconnect()
	}

	w, err := watch.New(cfg.Run.ReloadDebounce, eventBus, component("watch"))
	if err != nil {
		return err
	}
	defer w.Close()
	if cfgPath != "" {
		if err := w.Watch(cfgPath, r.reloadConfig); err != nil {
			return err
		}
	}
	if path := cfg.ResolvePath(cfgPath); path != "" {
		if err := w.Watch(path, r.reloadSkeleton); err != nil {
			return err
		}
	}

	interval := time.Duration(float64(time.Second) / cfg.Run.Hz)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	statusTicker := time.NewTicker(time.Second)
	defer statusTicker.Stop()

	logger.Info().Float64("hz", cfg.Run.Hz).Str("modifier", r.mod.ID()).Msg("Running")

	for {
		select {
		case <-ctx.Done():
			logger.Info().Int("ticks", status.report(r, logHistory).Ticks).Msg("Stopped")
			return nil
		case <-ticker.C:
			ticks := status.record(r.tick(interval.Seconds()), interval)
			if cfg.Run.Ticks > 0 && ticks >= cfg.Run.Ticks {
				logger.Info().Int("ticks", ticks).Msg("Tick budget reached")
				return nil
			}
		case <-statusTicker.C:
			rep := status.report(r, logHistory)
			logger.Info().
				Int("ticks", rep.Ticks).
				Str("outcome", string(rep.Outcome)).
				Float64("distance", rep.Distance).
				Int64("took_us", rep.TookMicros).
				Int("over_budget", rep.OverBudget).
				Int("warnings", len(rep.Warnings)).
				Msg("Status")
		}
	}
}

func serveMetrics(addr string, reg *prometheus.Registry, status http.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/status", status)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger := component("metrics")
			logger.Error().Err(err).Msg("Metrics server failed")
		}
	}()
	return srv
}
