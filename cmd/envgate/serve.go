package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/envgate/envgate/internal/backend"
	"github.com/envgate/envgate/internal/config"
	"github.com/envgate/envgate/internal/connect"
	"github.com/envgate/envgate/internal/gateway"
	"github.com/envgate/envgate/internal/provision"
	"github.com/envgate/envgate/internal/simreg"
)

func newServeCmd() *cobra.Command {
	var watchConfig bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Expose configured simulators and serve trainer commands",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newCLILogger()
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			if len(cfg.Simulators) == 0 {
				return fmt.Errorf("no simulators configured in %s", configFile)
			}
			return runServe(cmd.Context(), cfg, logger, watchConfig)
		},
	}
	cmd.Flags().BoolVar(&watchConfig, "watch", false, "Reload configuration on change")
	return cmd
}

// exposure is one port's worth of running machinery.
type exposure struct {
	simulator string
	manager   *connect.Manager
}

func runServe(ctx context.Context, cfg config.Config, logger *slog.Logger, watch bool) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	registry := simreg.NewRegistry()
	grace := time.Duration(cfg.GraceSecs) * time.Second

	var exposures []exposure
	var cloud []provision.Placement
	provisioner := provision.NewKubectlProvisioner("")

	for _, sc := range cfg.Simulators {
		registry.Register(simreg.SimulatorEntry{
			Name: sc.Name,
			Spec: backend.EnvironmentSpec{
				ID:         sc.EnvID,
				Backend:    sc.Backend,
				EntryPoint: sc.EntryPoint,
			},
			Hosting:       connect.HostingMode(sc.Hosting),
			AgentCapacity: sc.TotalAgents,
		})

		agents := sc.AgentsPerPort()
		for i, port := range sc.Ports {
			if connect.HostingMode(sc.Hosting) == connect.HostingCloud {
				placement, err := provisioner.Provision(ctx, provision.Request{
					Name:      fmt.Sprintf("%s-%d", sc.Name, i),
					Image:     sc.EntryPoint,
					Port:      port,
					NumAgents: agents[i],
					EnvID:     sc.EnvID,
				})
				if err != nil {
					return fmt.Errorf("provisioning %s: %w", sc.Name, err)
				}
				cloud = append(cloud, placement)
				registry.Reconcile(cloudDescriptor(sc, placement, port, agents[i]))
				logger.Info("cloud host provisioned", "simulator", sc.Name, "endpoint", placement.Endpoint)
				continue
			}

			mgr, err := startExposure(ctx, sc, i, port, agents[i], grace, cfg.APIKey, logger, registry)
			if err != nil {
				teardown(exposures, cloud, provisioner, logger)
				return err
			}
			exposures = append(exposures, exposure{simulator: sc.Name, manager: mgr})
		}
	}

	sweeper := startHealthSweep(ctx, cfg.HealthSweep, exposures, logger)
	if sweeper != nil {
		defer sweeper.Stop()
	}

	if watch {
		go func() {
			err := config.Watch(ctx, configFile, logger, func(next config.Config) {
				logger.Warn("simulator changes take effect on restart",
					"simulators", len(next.Simulators))
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("config watch stopped", "error", err)
			}
		}()
	}

	logger.Info("serving", "exposures", len(exposures), "cloud_hosts", len(cloud))
	<-ctx.Done()
	logger.Info("shutting down")

	if err := teardown(exposures, cloud, provisioner, logger); err != nil {
		return fmt.Errorf("shutdown incomplete: %w", err)
	}
	return nil
}

// startExposure brings one gateway up on one port and exposes it.
func startExposure(ctx context.Context, sc config.SimulatorConfig, idx, port, agents int, grace time.Duration, apiKey string, logger *slog.Logger, registry *simreg.Registry) (*connect.Manager, error) {
	var mgr *connect.Manager
	gw := gateway.New(
		gateway.WithLogger(logger.With("simulator", sc.Name, "port", port)),
		gateway.WithPairHook(func() {
			if mgr != nil {
				mgr.Paired()
			}
		}),
	)
	srv := gateway.NewServer(gw,
		gateway.WithServerLogger(logger),
		gateway.WithAPIKey(apiKey))

	seed := connect.Descriptor{
		Simulator: sc.Name,
		Hosting:   connect.HostingMode(sc.Hosting),
		Mode:      connect.Mode(orDefault(sc.Mode, "direct")),
		Agents:    agents,
	}
	opts := []connect.ManagerOption{
		connect.WithManagerLogger(logger),
		connect.WithReconcile(registry.Reconcile),
		connect.WithGracePeriod(grace),
		connect.WithPublicHost(sc.PublicHost),
	}
	if seed.Mode == connect.ModeTunnel {
		provider, err := connect.NewTunnelProvider(sc.Tunnel.Provider, "")
		if err != nil {
			return nil, err
		}
		opts = append(opts, connect.WithTunnelProvider(provider))
		if sc.Tunnel.MaxAttempts > 0 {
			opts = append(opts, connect.WithTunnelAttempts(sc.Tunnel.MaxAttempts))
		}
	}
	if seed.Mode == connect.ModeChannel {
		opts = append(opts, connect.WithRendezvous(sc.Channel.RendezvousURL, connect.RegisterInfo{
			TrainingKey: sc.Channel.TrainingKey,
			EnvID:       sc.EnvID,
			NumEnvs:     len(sc.Ports),
			EnvIdx:      idx,
			NumAgents:   agents,
			Seed:        sc.Launch.Seed,
		}))
	}

	mgr = connect.NewManager(seed, gw, srv, opts...)
	if err := mgr.Bind(port); err != nil {
		return nil, err
	}
	if err := mgr.Expose(ctx); err != nil {
		closeCtx, ccancel := context.WithTimeout(context.Background(), 10*time.Second)
		_ = mgr.Close(closeCtx)
		ccancel()
		return nil, err
	}
	return mgr, nil
}

// cloudDescriptor records one provisioned host. Every port gets its own
// descriptor identity; reconciliation is keyed by ID.
func cloudDescriptor(sc config.SimulatorConfig, p provision.Placement, port, agents int) connect.Descriptor {
	d := connect.Descriptor{
		ID:        uuid.New(),
		Simulator: sc.Name,
		Hosting:   connect.HostingCloud,
		Mode:      connect.ModeDirect,
		Port:      port,
		Endpoint:  p.Endpoint,
		State:     connect.StateExposed,
		Agents:    agents,
	}
	return d
}

func startHealthSweep(ctx context.Context, schedule string, exposures []exposure, logger *slog.Logger) *cron.Cron {
	if schedule == "" || len(exposures) == 0 {
		return nil
	}
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		for _, e := range exposures {
			go func(e exposure) {
				probeCtx, pcancel := context.WithTimeout(ctx, 10*time.Second)
				defer pcancel()
				_ = e.manager.Probe(probeCtx)
			}(e)
		}
	})
	if err != nil {
		logger.Warn("health sweep disabled", "schedule", schedule, "error", err)
		return nil
	}
	c.Start()
	return c
}

// teardown closes everything and reports the first category of failure; a
// non-nil return drives the process exit code.
func teardown(exposures []exposure, cloud []provision.Placement, provisioner provision.Provisioner, logger *slog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var errs []error
	for _, e := range exposures {
		if err := e.manager.Close(ctx); err != nil {
			logger.Error("exposure teardown failed", "simulator", e.simulator, "error", err)
			errs = append(errs, err)
		}
	}
	for _, p := range cloud {
		if err := provisioner.Teardown(ctx, p.Name); err != nil {
			logger.Error("cloud teardown failed", "host", p.Name, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
