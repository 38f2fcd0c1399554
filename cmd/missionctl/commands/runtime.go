package commands

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/openfroyo/missionctl/pkg/config"
	"github.com/openfroyo/missionctl/pkg/engine"
	"github.com/openfroyo/missionctl/pkg/journal"
	"github.com/openfroyo/missionctl/pkg/notify"
	"github.com/openfroyo/missionctl/pkg/policy"
	"github.com/openfroyo/missionctl/pkg/recovery"
	"github.com/openfroyo/missionctl/pkg/rollout"
	"github.com/openfroyo/missionctl/pkg/stores"
	"github.com/openfroyo/missionctl/pkg/telemetry"
	"github.com/rs/zerolog"
)

// runtime holds the collaborators shared by the commands.
type runtime struct {
	cfg     *config.Config
	tel     *telemetry.Telemetry
	logger  zerolog.Logger
	journal *journal.Journal
	store   stores.Store   // nil with the memory backend
	policy  *policy.Engine // nil when admission is disabled
	sink    engine.NotificationSink
	closers []func() error
}

// loadConfig reads the configuration named by --config and applies the
// global flags.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}
	return cfg, nil
}

// newRuntime builds the shared collaborators. Logs go to stderr unless the
// configuration names a file, since stdout carries command output.
func newRuntime(ctx context.Context, cfg *config.Config) (*runtime, error) {
	if cfg.Telemetry.Logging.Output == "stdout" {
		cfg.Telemetry.Logging.Output = "stderr"
	}

	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	rt := &runtime{
		cfg:    cfg,
		tel:    tel,
		logger: tel.Logger.Zerolog(),
	}

	if err := rt.openJournal(ctx); err != nil {
		rt.Close(ctx)
		return nil, err
	}
	if err := rt.openPolicy(ctx); err != nil {
		rt.Close(ctx)
		return nil, err
	}
	if err := rt.openNotify(ctx); err != nil {
		rt.Close(ctx)
		return nil, err
	}
	return rt, nil
}

func (rt *runtime) openJournal(ctx context.Context) error {
	var store engine.JournalStore
	switch rt.cfg.Journal.Backend {
	case config.JournalSQLite:
		s, err := stores.NewSQLiteStore(rt.cfg.Journal.StoreConfig())
		if err != nil {
			return fmt.Errorf("failed to create journal store: %w", err)
		}
		if err := s.Init(ctx); err != nil {
			return fmt.Errorf("failed to open journal store: %w", err)
		}
		rt.closers = append(rt.closers, s.Close)
		if err := s.Migrate(ctx); err != nil {
			return fmt.Errorf("failed to migrate journal store: %w", err)
		}
		rt.store = s
		store = s
	default:
		store = journal.NewMemoryStore()
	}

	rt.journal = journal.New(store, rt.logger, journal.WithHashing(rt.cfg.Journal.Hashing))
	return nil
}

func (rt *runtime) openPolicy(ctx context.Context) error {
	if !rt.cfg.Policy.Enabled {
		return nil
	}
	pe, err := newPolicyEngine(ctx, rt.cfg, rt.logger)
	if err != nil {
		return err
	}
	rt.policy = pe
	return nil
}

func (rt *runtime) openNotify(ctx context.Context) error {
	var sinks notify.MultiSink
	if rt.cfg.Notify.Log {
		sinks = append(sinks, notify.NewLogSink(rt.logger))
	}

	if r := rt.cfg.Notify.Redis; r.Enabled {
		sink, err := notify.NewRedisClientSink(ctx, notify.RedisOptions{
			Addr:     r.Addr,
			Password: r.Password,
			DB:       r.DB,
			Channel:  r.Channel,
			Timeout:  r.Timeout,
		}, rt.logger)
		if err != nil {
			return err
		}
		rt.closers = append(rt.closers, sink.Close)
		// Operators subscribe to the channel for pages, not for every retry.
		sinks = append(sinks, notify.MinSeverity(engine.SeverityHigh, sink))
	}

	if len(sinks) > 0 {
		rt.sink = sinks
	}
	return nil
}

// newEngine builds a mission engine over adapters.
func (rt *runtime) newEngine(adapters engine.AdapterResolver, logger zerolog.Logger) (*engine.Engine, *recovery.Manager, error) {
	opts := []recovery.Option{recovery.WithTracer(rt.tel.Tracer)}
	if rt.sink != nil {
		opts = append(opts, recovery.WithNotificationSink(rt.sink))
	}
	rec := recovery.NewManager(adapters, logger, opts...)

	deps := engine.Dependencies{
		Adapters: adapters,
		Recovery: rec,
		Journal:  rt.journal,
		Metrics:  rt.tel.Metrics,
		Tracer:   rt.tel.Tracer,
	}
	if rt.policy != nil {
		deps.Policy = rt.policy
	}

	eng, err := engine.NewEngine(rt.cfg.Engine, deps, logger)
	if err != nil {
		return nil, nil, err
	}
	return eng, rec, nil
}

// newLocalEngine builds an engine over the dry-run adapter.
func (rt *runtime) newLocalEngine() (*engine.Engine, error) {
	adapters := &dryRunResolver{adapter: newDryRunAdapter("", rollout.EnvironmentPrimary, false, rt.logger)}
	eng, _, err := rt.newEngine(adapters, rt.logger)
	return eng, err
}

// newCoordinator builds a rollout coordinator that runs one dry-run engine per
// region environment. Regions in unhealthy fail their health checks.
func (rt *runtime) newCoordinator(unhealthy []string) *rollout.Coordinator {
	factory := func(region string, env rollout.Environment) (*rollout.RegionRuntime, error) {
		logger := rt.tel.Logger.ForRegion(region, string(env))
		adapters := &dryRunResolver{
			adapter: newDryRunAdapter(region, env, slices.Contains(unhealthy, region), rt.logger),
		}
		eng, _, err := rt.newEngine(adapters, logger)
		if err != nil {
			return nil, err
		}
		return &rollout.RegionRuntime{Engine: eng, Health: adapters}, nil
	}

	return rollout.NewCoordinator(
		rollout.NewEngineDeployer(factory, rt.logger),
		rt.logger,
		rollout.WithTrafficManager(&loggingTrafficManager{logger: rt.logger}),
		rollout.WithJournal(rt.journal),
		rollout.WithMetrics(rt.tel.Metrics),
		rollout.WithTracer(rt.tel.Tracer),
		rollout.WithRetention(rt.cfg.Engine.HistoryRetention),
	)
}

// requireStore returns the SQLite store; journal commands read a persistent journal.
func (rt *runtime) requireStore() (stores.Store, error) {
	if rt.store == nil {
		return nil, engine.NewPermanentError(
			"journal commands need journal.backend sqlite; the memory journal lives only as long as one process", nil).
			WithCode(engine.ErrCodeValidation)
	}
	return rt.store, nil
}

// Close releases the stores and sinks and flushes telemetry.
func (rt *runtime) Close(ctx context.Context) error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	if err := rt.tel.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
