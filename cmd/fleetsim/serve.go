package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/3cpo-dev/fleetsim/internal/api"
	"github.com/3cpo-dev/fleetsim/internal/core"
	"github.com/3cpo-dev/fleetsim/internal/demo"
	"github.com/3cpo-dev/fleetsim/internal/events"
	"github.com/3cpo-dev/fleetsim/internal/sim"
	"github.com/3cpo-dev/fleetsim/internal/storage"
	"github.com/3cpo-dev/fleetsim/internal/telemetry"
)

// app is a fully wired simulator: orchestrator, sinks and API server.
type app struct {
	cfg     core.Config
	orch    *sim.Orchestrator
	server  *api.Server
	journal *core.Journal
	store   *storage.BadgerStore
	pub     *events.Publisher
	closers []func()
}

// newApp builds every component enabled in cfg. The caller must Close it.
func newApp(ctx context.Context, cfg core.Config) (*app, error) {
	strategy, err := sim.NewRegistry().Get(cfg.Simulation.Strategy)
	if err != nil {
		return nil, err
	}
	orch, err := sim.New(cfg.Topology,
		sim.WithStrategy(strategy),
		sim.WithTimeScale(cfg.Simulation.TimeScale),
		sim.WithEventLogSize(cfg.Simulation.EventLogSize),
		sim.WithLogger(log.Logger),
	)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, orch: orch}

	health := telemetry.NewHealth()
	health.Register("capacity", telemetry.CapacityCheck(orch))

	apiCfg := api.Config{
		Orchestrator: orch,
		Health:       health,
		Token:        cfg.Server.Token,
		Version:      version,
	}

	if cfg.Telemetry.Enabled {
		metrics := telemetry.NewMetrics(orch)
		a.closers = append(a.closers, orch.OnEvent(metrics.Listener()))
		a.closers = append(a.closers, orch.OnPlacementFailure(metrics.PlacementFailureListener()))
		apiCfg.Metrics = metrics
	}

	if path := cfg.Storage.JournalPath; path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			a.Close()
			return nil, fmt.Errorf("create journal dir: %w", err)
		}
		j, err := core.OpenJournal(path)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("open journal: %w", err)
		}
		a.journal = j
		a.closers = append(a.closers, func() { _ = j.Close() })
		a.closers = append(a.closers, orch.OnEvent(j.Listener()))
		health.Register("journal", telemetry.PingCheck(j))
		apiCfg.Journal = j
		log.Info().Str("path", path).Msg("Event journal enabled")
	}

	if dir := cfg.Storage.SnapshotDir; dir != "" {
		store, err := storage.NewBadgerStore(dir)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.store = store
		a.closers = append(a.closers, func() { _ = store.Close() })
		if cfg.Storage.Restore {
			ms, err := store.ListMachines(ctx)
			if err != nil {
				a.Close()
				return nil, fmt.Errorf("load machines: %w", err)
			}
			n := orch.Restore(ms)
			log.Info().Int("restored", n).Int("stored", len(ms)).Msg("Restored machines")
		}
		a.closers = append(a.closers, orch.OnTransition(store.Tracker()))
	}

	if cfg.NATS.Enabled {
		pub, err := events.NewPublisher(cfg.NATS.URL, cfg.NATS.Subject)
		if err != nil {
			// the simulator is still useful without the event feed
			log.Warn().Err(err).Msg("NATS publishing disabled")
		} else {
			a.pub = pub
			a.closers = append(a.closers, pub.Close)
			a.closers = append(a.closers, orch.OnEvent(pub.Listener()))
			log.Info().Str("url", cfg.NATS.URL).Str("subject", pub.Subject()).Msg("Publishing events to NATS")
		}
	}

	a.server = api.NewServer(apiCfg)
	return a, nil
}

// Close stops lifecycle timers, then releases components in reverse order
// of construction.
func (a *app) Close() {
	a.orch.Close()
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// Run serves the API and the optional demo workload until ctx is done.
func (a *app) Run(ctx context.Context) error {
	var tlsCfg *tls.Config
	if tc := a.tlsConfig(); tc.Enabled() {
		built, err := tc.Build()
		if err != nil {
			return err
		}
		tlsCfg = built
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if a.cfg.Demo.Enabled {
		gen := demo.New(a.orch, demo.Config{
			Interval:    a.cfg.Demo.Interval(),
			MaxMachines: a.cfg.Demo.MaxMachines,
			Seed:        a.cfg.Demo.Seed,
		})
		go func() { _ = gen.Run(ctx) }()
	}

	errc := make(chan error, 1)
	go func() { errc <- a.server.ListenAndServe(a.cfg.Server.Addr, tlsCfg) }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	log.Info().Msg("Shutting down")
	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := a.server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return <-errc
}

func (a *app) tlsConfig() api.TLSConfig {
	return api.TLSConfig{
		CertFile:          a.cfg.Server.TLSCert,
		KeyFile:           a.cfg.Server.TLSKey,
		ClientCAFile:      a.cfg.Server.ClientCA,
		RequireClientCert: a.cfg.Server.RequireMTLS,
	}
}

// Serve the simulator
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the simulator and its HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			cfg, err := core.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.Server.Addr, _ = cmd.Flags().GetString("addr")
			}
			if cmd.Flags().Changed("demo") {
				cfg.Demo.Enabled, _ = cmd.Flags().GetBool("demo")
			}
			if cmd.Flags().Changed("strategy") {
				cfg.Simulation.Strategy, _ = cmd.Flags().GetString("strategy")
			}
			if cmd.Flags().Changed("time-scale") {
				cfg.Simulation.TimeScale, _ = cmd.Flags().GetFloat64("time-scale")
			}
			if cmd.Flags().Changed("restore") {
				cfg.Storage.Restore, _ = cmd.Flags().GetBool("restore")
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			gin.SetMode(gin.ReleaseMode)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			log.Info().
				Str("strategy", a.orch.Strategy()).
				Float64("time_scale", cfg.Simulation.TimeScale).
				Int("nodes", len(a.orch.Nodes())).
				Msg("Simulator ready")
			return a.Run(ctx)
		},
	}
	cmd.Flags().String("addr", "", "listen address (overrides server.addr)")
	cmd.Flags().Bool("demo", false, "run the demo workload generator")
	cmd.Flags().String("strategy", "", "placement strategy: best-fit or bin-pack")
	cmd.Flags().Float64("time-scale", 1, "lifecycle speed factor; 0.1 runs ten times faster")
	cmd.Flags().Bool("restore", false, "re-place machines saved in the snapshot store")
	return cmd
}
