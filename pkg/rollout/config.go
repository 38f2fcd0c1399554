package rollout

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/openfroyo/missionctl/pkg/engine"
)

// Default rollout settings.
const (
	DefaultMaxConcurrentRegions = 3
	DefaultHealthCheckTimeout   = 30 * time.Second
)

// Config controls how a rollout walks its regions.
type Config struct {
	// Strategy selects the rollout algorithm.
	Strategy Strategy `json:"strategy" yaml:"strategy" mapstructure:"strategy" validate:"required,oneof=sequential parallel canary blue-green"`

	// Regions lists every target region in declaration order.
	Regions []string `json:"regions" yaml:"regions" mapstructure:"regions" validate:"required,min=1,unique,dive,required"`

	// CanaryRegions is the subset deployed first by the canary strategy.
	CanaryRegions []string `json:"canary_regions,omitempty" yaml:"canary_regions,omitempty" mapstructure:"canary_regions" validate:"required_if=Strategy canary,unique,dive,required"`

	// ValidationPeriod is how long canaries bake before their health check.
	ValidationPeriod time.Duration `json:"validation_period,omitempty" yaml:"validation_period,omitempty" mapstructure:"validation_period" validate:"min=0"`

	// MaxConcurrentRegions bounds concurrently deploying regions.
	MaxConcurrentRegions int `json:"max_concurrent_regions,omitempty" yaml:"max_concurrent_regions,omitempty" mapstructure:"max_concurrent_regions" validate:"min=0"`

	// HealthCheckTimeout bounds each health check call.
	HealthCheckTimeout time.Duration `json:"health_check_timeout,omitempty" yaml:"health_check_timeout,omitempty" mapstructure:"health_check_timeout" validate:"min=0"`

	// RollbackOnFailure compensates a region whose deployment failed.
	RollbackOnFailure bool `json:"rollback_on_failure,omitempty" yaml:"rollback_on_failure,omitempty" mapstructure:"rollback_on_failure"`

	// HaltOnBatchFailure skips the remaining batches once a batch had a failure.
	HaltOnBatchFailure bool `json:"halt_on_batch_failure,omitempty" yaml:"halt_on_batch_failure,omitempty" mapstructure:"halt_on_batch_failure"`
}

// withDefaults fills zero values.
func (c Config) withDefaults() Config {
	if c.MaxConcurrentRegions == 0 {
		c.MaxConcurrentRegions = DefaultMaxConcurrentRegions
	}
	if c.HealthCheckTimeout == 0 {
		c.HealthCheckTimeout = DefaultHealthCheckTimeout
	}
	return c
}

// IsCanary reports whether region belongs to the canary subset.
func (c Config) IsCanary(region string) bool {
	for _, r := range c.CanaryRegions {
		if r == region {
			return true
		}
	}
	return false
}

var configValidate = newConfigValidator()

func newConfigValidator() *validator.Validate {
	v := validator.New()
	v.RegisterStructValidation(validateCanarySubset, Config{})
	return v
}

// validateCanarySubset requires every canary region to be a declared region and
// leaves at least one region outside the canary set.
func validateCanarySubset(sl validator.StructLevel) {
	cfg := sl.Current().Interface().(Config)
	if cfg.Strategy != StrategyCanary {
		return
	}

	declared := make(map[string]struct{}, len(cfg.Regions))
	for _, r := range cfg.Regions {
		declared[r] = struct{}{}
	}
	for _, r := range cfg.CanaryRegions {
		if _, ok := declared[r]; !ok {
			sl.ReportError(cfg.CanaryRegions, "CanaryRegions", "canary_regions", "subset", r)
			return
		}
	}
	if len(cfg.CanaryRegions) >= len(cfg.Regions) {
		sl.ReportError(cfg.CanaryRegions, "CanaryRegions", "canary_regions", "proper_subset", "")
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	return validateStruct(c)
}

// Validate checks the configuration and the mission components.
func (r Request) Validate() error {
	return validateStruct(r)
}

func validateStruct(v interface{}) error {
	if err := configValidate.Struct(v); err != nil {
		return engine.NewPermanentError(describeValidation(err), err).
			WithCode(engine.ErrCodeValidation).
			WithOperation("rollout.validate")
	}
	return nil
}

func describeValidation(err error) string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return fmt.Sprintf("invalid rollout config: %v", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "subset":
			msgs = append(msgs, fmt.Sprintf("canary region %q is not a declared region", fe.Param()))
		case "proper_subset":
			msgs = append(msgs, "canary regions must leave at least one region outside the canary set")
		case "required_if":
			msgs = append(msgs, "canary strategy requires canary_regions")
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
		}
	}
	return "invalid rollout config: " + strings.Join(msgs, "; ")
}
