package engine

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// BreakerConfig configures the optional per-layer circuit breaker.
type BreakerConfig struct {
	// Enabled turns the breaker on. It is off by default.
	Enabled bool `mapstructure:"enabled"`

	// FailureThreshold is the number of consecutive failed attempts that opens the circuit.
	FailureThreshold uint32 `mapstructure:"failure_threshold"`

	// OpenTimeout is how long the circuit stays open before a half-open trial request.
	OpenTimeout time.Duration `mapstructure:"open_timeout"`

	// HalfOpenRequests is the number of trial requests allowed while half-open.
	HalfOpenRequests uint32 `mapstructure:"half_open_requests"`

	// Interval clears the closed-state counts periodically. Zero never clears.
	Interval time.Duration `mapstructure:"interval"`
}

// breakerSet lazily creates one circuit breaker per component type.
type breakerSet struct {
	mu       sync.Mutex
	cfg      BreakerConfig
	breakers map[string]*gobreaker.CircuitBreaker
	logger   zerolog.Logger
}

func newBreakerSet(cfg BreakerConfig, logger zerolog.Logger) *breakerSet {
	if !cfg.Enabled {
		return nil
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if cfg.HalfOpenRequests == 0 {
		cfg.HalfOpenRequests = 1
	}
	return &breakerSet{
		cfg:      cfg,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		logger:   logger,
	}
}

// get returns the breaker for a component type. A nil set yields nil.
func (b *breakerSet) get(componentType string) *gobreaker.CircuitBreaker {
	if b == nil {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if cb, ok := b.breakers[componentType]; ok {
		return cb
	}

	threshold := b.cfg.FailureThreshold
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        componentType,
		MaxRequests: b.cfg.HalfOpenRequests,
		Interval:    b.cfg.Interval,
		Timeout:     b.cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.logger.Warn().
				Str("layer", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state changed")
		},
	})
	b.breakers[componentType] = cb
	return cb
}

// isBreakerRejection reports whether err came from an open or saturated breaker.
func isBreakerRejection(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
