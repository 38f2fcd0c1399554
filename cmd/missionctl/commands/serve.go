package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openfroyo/missionctl/pkg/config"
	"github.com/openfroyo/missionctl/pkg/engine"
	"github.com/openfroyo/missionctl/pkg/registry"
	"github.com/openfroyo/missionctl/pkg/rollout"
	"github.com/openfroyo/missionctl/pkg/telemetry"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// spoolActor is recorded in the audit log for work submitted through the spool.
const spoolActor = "spool"

// maxPurgeInterval caps the time between journal purges.
const maxPurgeInterval = time.Hour

func newServeCommand() *cobra.Command {
	var (
		spoolDir  string
		unhealthy []string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the mission registry",
		Long: `Run the mission registry until interrupted.

serve:
  - Executes queued missions and rollouts on a pool of workers
  - Submits spec files dropped into the spool directory
  - Reloads admission policies when their files change (policy.watch)
  - Exposes Prometheus metrics (telemetry.metrics) and /healthz
  - Purges journal entries older than journal.retention

On interrupt it stops accepting work and drains the queue within
registry.shutdown_timeout before cancelling what is still running.`,
		Example: `  # Serve with a spool directory
  missionctl serve --spool /var/spool/missionctl

  # Serve with a config file
  missionctl serve -c /etc/missionctl/missionctl.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if spoolDir != "" {
				cfg.Spool.Enabled = true
				cfg.Spool.Dir = spoolDir
			}
			return serve(cmd.Context(), cfg, unhealthy)
		},
	}

	cmd.Flags().StringVar(&spoolDir, "spool", "", "watch this directory for spec files")
	cmd.Flags().StringSliceVar(&unhealthy, "unhealthy", nil, "regions whose health checks fail")

	return cmd
}

// serve runs the registry and its helpers until ctx is cancelled.
func serve(ctx context.Context, cfg *config.Config, unhealthy []string) error {
	rt, err := newRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close(context.WithoutCancel(ctx))
	logger := rt.logger

	eng, err := rt.newLocalEngine()
	if err != nil {
		return err
	}

	opts := []registry.Option{
		registry.WithRolloutCoordinator(rt.newCoordinator(unhealthy)),
		registry.WithMetrics(rt.tel.Metrics),
	}
	if rt.store != nil {
		opts = append(opts, registry.WithAuditLogger(rt.store))
	}
	reg, err := registry.New(eng, cfg.Registry, logger, opts...)
	if err != nil {
		return err
	}
	reg.Start()

	var health telemetry.HealthChecker
	if rt.store != nil {
		health = rt.store
	}
	srv, err := rt.tel.Metrics.StartMetricsServer(logger, health)
	if err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	if rt.policy != nil && cfg.Policy.Watch && len(cfg.Policy.Paths) > 0 {
		if err := rt.policy.Watch(ctx, cfg.Policy.Paths); err != nil {
			return fmt.Errorf("failed to watch policies: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Spool.Enabled {
		spool := config.NewSpool(cfg.Spool.Dir, config.NewParser(), submitter(reg, logger), logger,
			config.WithSettleDelay(cfg.Spool.SettleDelay))
		g.Go(func() error {
			return spool.Run(gctx)
		})
	}

	if cfg.Journal.Retention > 0 {
		g.Go(func() error {
			purgeLoop(gctx, rt, eng, reg, logger)
			return nil
		})
	}

	logger.Info().
		Int("workers", cfg.Registry.Workers).
		Str("journal", cfg.Journal.Backend).
		Bool("spool", cfg.Spool.Enabled).
		Msg("missionctl serving")

	<-gctx.Done()
	runErr := g.Wait()

	logger.Info().Int("queued", reg.QueueLen()).Msg("Shutting down")
	timeout := cfg.Registry.ShutdownTimeout
	if timeout <= 0 {
		timeout = registry.DefaultShutdownTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	var errs []error
	if runErr != nil {
		errs = append(errs, runErr)
	}
	if err := reg.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("registry shutdown: %w", err))
	}
	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("metrics server shutdown: %w", err))
		}
	}
	return errors.Join(errs...)
}

// submitter queues spool documents on the registry.
func submitter(reg *registry.Registry, logger zerolog.Logger) config.SpoolHandler {
	return func(ctx context.Context, doc *config.Document) error {
		ctx = registry.WithActor(ctx, spoolActor)

		if doc.Kind == config.KindRollout {
			ro, err := reg.SubmitRollout(ctx, *doc.Rollout, doc.Priority)
			if err != nil {
				return err
			}
			logger.Info().Str("rollout_id", ro.ID).Str("source", doc.Source).Msg("Rollout queued from spool")
			return nil
		}

		m, err := reg.Submit(ctx, doc.Mission, doc.Priority)
		if err != nil {
			return err
		}
		logger.Info().Str("mission_id", m.ID).Str("source", doc.Source).Msg("Mission queued from spool")
		return nil
	}
}

// purgeLoop periodically deletes journal entries older than the retention,
// keeping the streams of work that is still running.
func purgeLoop(ctx context.Context, rt *runtime, eng *engine.Engine, reg *registry.Registry, logger zerolog.Logger) {
	retention := rt.cfg.Journal.Retention
	interval := min(retention, maxPurgeInterval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := rt.journal.Purge(ctx, retention, activeStreams(eng, reg))
			if err != nil {
				logger.Error().Err(err).Msg("Journal purge failed")
				continue
			}
			if removed > 0 {
				logger.Info().Int64("entries", removed).Dur("retention", retention).Msg("Journal purged")
			}
		}
	}
}

// activeStreams lists the journal streams still being written: active missions,
// unfinished rollouts and their regional missions.
func activeStreams(eng *engine.Engine, reg *registry.Registry) []string {
	keep := eng.ActiveIDs()
	for _, ro := range reg.ListRollouts() {
		if ro.Status != rollout.StatusPending && ro.Status != rollout.StatusRunning {
			continue
		}
		keep = append(keep, ro.ID)
		for _, rr := range ro.Regions {
			if rr.MissionID != "" {
				keep = append(keep, rr.MissionID)
			}
		}
	}
	return keep
}
