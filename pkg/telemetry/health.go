package telemetry

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// HealthPath is where the metrics server reports liveness.
const HealthPath = "/healthz"

// healthTimeout bounds one health check.
const healthTimeout = 2 * time.Second

// HealthChecker reports whether a backing service is usable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// HealthHandler answers 200 when health passes and 503 with the error otherwise.
func HealthHandler(health HealthChecker, logger zerolog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")

		if health != nil {
			ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
			defer cancel()
			if err := health.HealthCheck(ctx); err != nil {
				logger.Warn().Err(err).Msg("Health check failed")
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte("unhealthy: " + err.Error() + "\n"))
				return
			}
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
}
