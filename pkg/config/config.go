package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/openfroyo/missionctl/pkg/engine"
	"github.com/openfroyo/missionctl/pkg/registry"
	"github.com/openfroyo/missionctl/pkg/stores"
	"github.com/openfroyo/missionctl/pkg/telemetry"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. MISSIONCTL_ENGINE_AUTO_ROLLBACK.
const EnvPrefix = "MISSIONCTL"

// Journal backends.
const (
	JournalMemory = "memory"
	JournalSQLite = "sqlite"
)

// Config holds the configuration of a missionctl process.
type Config struct {
	Engine    engine.EngineConfig `mapstructure:"engine"`
	Registry  registry.Config     `mapstructure:"registry"`
	Journal   JournalConfig       `mapstructure:"journal"`
	Policy    PolicyConfig        `mapstructure:"policy"`
	Spool     SpoolConfig         `mapstructure:"spool"`
	Notify    NotifyConfig        `mapstructure:"notify"`
	Telemetry telemetry.Config    `mapstructure:"telemetry"`

	// Source is the config file that was read, if any.
	Source string `mapstructure:"-"`
}

// JournalConfig selects where journal entries are stored.
type JournalConfig struct {
	// Backend is memory or sqlite.
	Backend string `mapstructure:"backend" validate:"oneof=memory sqlite"`

	// Path is the SQLite database file.
	Path string `mapstructure:"path" validate:"required_if=Backend sqlite"`

	// Hashing chains entry hashes so Verify can detect tampering.
	Hashing bool `mapstructure:"hashing"`

	// Retention is how long entries of finished missions are kept. Zero keeps
	// them forever.
	Retention time.Duration `mapstructure:"retention" validate:"min=0"`

	// MaxOpenConns bounds the SQLite connection pool.
	MaxOpenConns int `mapstructure:"max_open_conns" validate:"min=0"`
}

// StoreConfig returns the SQLite store configuration.
func (j JournalConfig) StoreConfig() stores.Config {
	return stores.Config{
		Path:         j.Path,
		MaxOpenConns: j.MaxOpenConns,
	}
}

// PolicyConfig configures plan admission.
type PolicyConfig struct {
	// Enabled turns the admission gate on.
	Enabled bool `mapstructure:"enabled"`

	// Paths are .rego or JSON policy files and directories.
	Paths []string `mapstructure:"paths"`

	// Watch reloads policies when the files change.
	Watch bool `mapstructure:"watch"`
}

// SpoolConfig configures the spool directory watched by serve.
type SpoolConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Dir     string `mapstructure:"dir" validate:"required_if=Enabled true"`

	// SettleDelay waits for writes to a new file to finish.
	SettleDelay time.Duration `mapstructure:"settle_delay" validate:"min=0"`
}

// NotifyConfig configures escalation sinks.
type NotifyConfig struct {
	// Log writes escalations to the process log.
	Log   bool        `mapstructure:"log"`
	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig configures the Redis pub/sub sink.
type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Addr     string        `mapstructure:"addr" validate:"required_if=Enabled true"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db" validate:"min=0"`
	Channel  string        `mapstructure:"channel" validate:"required_if=Enabled true"`
	Timeout  time.Duration `mapstructure:"timeout" validate:"min=0"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Engine:   engine.DefaultEngineConfig(),
		Registry: registry.DefaultConfig(),
		Journal: JournalConfig{
			Backend: JournalMemory,
			Hashing: true,
		},
		Policy: PolicyConfig{
			Enabled: true,
		},
		Spool: SpoolConfig{
			SettleDelay: DefaultSettleDelay,
		},
		Notify: NotifyConfig{
			Log: true,
			Redis: RedisConfig{
				Channel: "missionctl.escalations",
				Timeout: 5 * time.Second,
			},
		},
		Telemetry: *telemetry.DefaultConfig(),
	}
}

// Load reads the configuration. Values come, in increasing precedence, from
// the defaults, the config file and MISSIONCTL_* environment variables. When
// path is empty, missionctl.yaml is looked up in the working directory and in
// $HOME/.missionctl; a missing file is not an error then.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	} else {
		v.SetConfigName("missionctl")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.missionctl")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.Source = v.ConfigFileUsed()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var msgs []string
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
			}
		} else {
			msgs = append(msgs, err.Error())
		}
		return engine.NewPermanentError("invalid configuration: "+strings.Join(msgs, "; "), err).
			WithCode(engine.ErrCodeValidation)
	}

	if err := c.Telemetry.Validate(); err != nil {
		return engine.NewPermanentError("invalid configuration: telemetry: "+err.Error(), err).
			WithCode(engine.ErrCodeValidation)
	}
	return nil
}

// setDefaults registers every default with viper. AutomaticEnv only overrides
// keys viper knows about, so each key must be listed.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("engine.max_concurrent_steps", d.Engine.MaxConcurrentSteps)
	v.SetDefault("engine.default_strategy", string(d.Engine.DefaultStrategy))
	v.SetDefault("engine.auto_rollback", d.Engine.AutoRollback)
	v.SetDefault("engine.mission_timeout", d.Engine.MissionTimeout)
	v.SetDefault("engine.step_timeout", d.Engine.StepTimeout)
	v.SetDefault("engine.retry.max_attempts", d.Engine.Retry.MaxAttempts)
	v.SetDefault("engine.retry.base_delay", d.Engine.Retry.BaseDelay)
	v.SetDefault("engine.retry.backoff", string(d.Engine.Retry.Backoff))
	v.SetDefault("engine.retry.max_delay", d.Engine.Retry.MaxDelay)
	v.SetDefault("engine.recovery_retry", d.Engine.RecoveryRetry)
	v.SetDefault("engine.history_retention", d.Engine.HistoryRetention)
	v.SetDefault("engine.circuit_breaker.enabled", d.Engine.CircuitBreaker.Enabled)
	v.SetDefault("engine.circuit_breaker.failure_threshold", d.Engine.CircuitBreaker.FailureThreshold)
	v.SetDefault("engine.circuit_breaker.open_timeout", d.Engine.CircuitBreaker.OpenTimeout)
	v.SetDefault("engine.circuit_breaker.half_open_requests", d.Engine.CircuitBreaker.HalfOpenRequests)
	v.SetDefault("engine.circuit_breaker.interval", d.Engine.CircuitBreaker.Interval)

	v.SetDefault("registry.workers", d.Registry.Workers)
	v.SetDefault("registry.queue_size", d.Registry.QueueSize)
	v.SetDefault("registry.shutdown_timeout", d.Registry.ShutdownTimeout)

	v.SetDefault("journal.backend", d.Journal.Backend)
	v.SetDefault("journal.path", d.Journal.Path)
	v.SetDefault("journal.hashing", d.Journal.Hashing)
	v.SetDefault("journal.retention", d.Journal.Retention)
	v.SetDefault("journal.max_open_conns", d.Journal.MaxOpenConns)

	v.SetDefault("policy.enabled", d.Policy.Enabled)
	v.SetDefault("policy.paths", d.Policy.Paths)
	v.SetDefault("policy.watch", d.Policy.Watch)

	v.SetDefault("spool.enabled", d.Spool.Enabled)
	v.SetDefault("spool.dir", d.Spool.Dir)
	v.SetDefault("spool.settle_delay", d.Spool.SettleDelay)

	v.SetDefault("notify.log", d.Notify.Log)
	v.SetDefault("notify.redis.enabled", d.Notify.Redis.Enabled)
	v.SetDefault("notify.redis.addr", d.Notify.Redis.Addr)
	v.SetDefault("notify.redis.password", d.Notify.Redis.Password)
	v.SetDefault("notify.redis.db", d.Notify.Redis.DB)
	v.SetDefault("notify.redis.channel", d.Notify.Redis.Channel)
	v.SetDefault("notify.redis.timeout", d.Notify.Redis.Timeout)

	t := d.Telemetry
	v.SetDefault("telemetry.service_name", t.ServiceName)
	v.SetDefault("telemetry.service_version", t.ServiceVersion)
	v.SetDefault("telemetry.environment", t.Environment)
	v.SetDefault("telemetry.logging.level", t.Logging.Level)
	v.SetDefault("telemetry.logging.format", t.Logging.Format)
	v.SetDefault("telemetry.logging.output", t.Logging.Output)
	v.SetDefault("telemetry.logging.enable_caller", t.Logging.EnableCaller)
	v.SetDefault("telemetry.logging.enable_sampling", t.Logging.EnableSampling)
	v.SetDefault("telemetry.logging.sampling_initial", t.Logging.SamplingInitial)
	v.SetDefault("telemetry.logging.sampling_thereafter", t.Logging.SamplingThereafter)
	v.SetDefault("telemetry.logging.time_format", t.Logging.TimeFormat)
	v.SetDefault("telemetry.tracing.enabled", t.Tracing.Enabled)
	v.SetDefault("telemetry.tracing.exporter", t.Tracing.Exporter)
	v.SetDefault("telemetry.tracing.endpoint", t.Tracing.Endpoint)
	v.SetDefault("telemetry.tracing.sampling_rate", t.Tracing.SamplingRate)
	v.SetDefault("telemetry.tracing.max_export_batch_size", t.Tracing.MaxExportBatchSize)
	v.SetDefault("telemetry.tracing.export_timeout", t.Tracing.ExportTimeout)
	v.SetDefault("telemetry.tracing.insecure", t.Tracing.Insecure)
	v.SetDefault("telemetry.metrics.enabled", t.Metrics.Enabled)
	v.SetDefault("telemetry.metrics.listen_address", t.Metrics.ListenAddress)
	v.SetDefault("telemetry.metrics.path", t.Metrics.Path)
	v.SetDefault("telemetry.metrics.namespace", t.Metrics.Namespace)
	v.SetDefault("telemetry.metrics.default_histogram_buckets", t.Metrics.DefaultHistogramBuckets)
}
