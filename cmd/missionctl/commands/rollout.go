package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/openfroyo/missionctl/pkg/config"
	"github.com/openfroyo/missionctl/pkg/rollout"
	"github.com/spf13/cobra"
)

// rolloutFlags override or supply the rollout section of a spec.
type rolloutFlags struct {
	strategy          string
	regions           []string
	canary            []string
	validationPeriod  time.Duration
	maxConcurrent     int
	healthTimeout     time.Duration
	rollbackOnFailure bool
	haltOnBatch       bool
}

func newRolloutCommand() *cobra.Command {
	var (
		flags     rolloutFlags
		unhealthy []string
	)

	cmd := &cobra.Command{
		Use:   "rollout <spec>",
		Short: "Roll a mission out across regions",
		Long: `Roll a mission out across regions with the dry-run adapter.

The spec may be a rollout spec or a plain mission; flags override or supply
the rollout section. Strategies:
  sequential  one region at a time, halting at the first failure
  parallel    concurrent batches of --max-concurrent regions
  canary      the --canary regions first, the rest only if they stay healthy
  blue-green  deploy green, verify, switch traffic, decommission blue`,
		Example: `  # Canary rollout of a mission spec
  missionctl rollout mission.yaml --strategy canary --regions eu-west,us-east,ap-south --canary eu-west

  # Blue-green rollout with a failing health check in one region
  missionctl rollout mission.yaml --strategy blue-green --regions eu,us --unhealthy us`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			doc, err := config.NewParser().ParseFile(args[0])
			if err != nil {
				return err
			}
			req, err := rolloutRequest(doc, flags, cmd.Flags().Changed)
			if err != nil {
				return err
			}

			rt, err := newRuntime(ctx, cfg)
			if err != nil {
				return err
			}
			defer rt.Close(context.WithoutCancel(ctx))

			ro, err := rt.newCoordinator(unhealthy).Execute(ctx, req)
			if err != nil {
				return err
			}
			if err := printRollout(cmd.OutOrStdout(), ro); err != nil {
				return err
			}
			if !ro.Success {
				return fmt.Errorf("rollout %s did not succeed", ro.ID)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&flags.strategy, "strategy", "s", "", "sequential, parallel, canary or blue-green")
	cmd.Flags().StringSliceVarP(&flags.regions, "regions", "r", nil, "target regions in deployment order")
	cmd.Flags().StringSliceVar(&flags.canary, "canary", nil, "canary regions (canary strategy)")
	cmd.Flags().DurationVar(&flags.validationPeriod, "validation-period", 0, "how long canaries bake before their health check (0 checks at once)")
	cmd.Flags().IntVar(&flags.maxConcurrent, "max-concurrent", 0, "maximum regions deploying at once")
	cmd.Flags().DurationVar(&flags.healthTimeout, "health-timeout", 0, "timeout of each health check")
	cmd.Flags().BoolVar(&flags.rollbackOnFailure, "rollback-on-failure", false, "roll back regions whose deployment failed")
	cmd.Flags().BoolVar(&flags.haltOnBatch, "halt-on-batch-failure", false, "skip remaining batches after a failed batch")
	cmd.Flags().StringSliceVar(&unhealthy, "unhealthy", nil, "regions whose health checks fail")

	return cmd
}

// rolloutRequest builds the rollout request for doc. Flags the user set take
// precedence over the spec's rollout section.
func rolloutRequest(doc *config.Document, f rolloutFlags, changed func(string) bool) (rollout.Request, error) {
	var req rollout.Request
	if doc.Rollout != nil {
		req = *doc.Rollout
	} else {
		req = rollout.Request{Name: doc.Name(), Mission: doc.Mission}
	}

	c := &req.Config
	if changed("strategy") {
		c.Strategy = rollout.Strategy(f.strategy)
	}
	if changed("regions") {
		c.Regions = f.regions
	}
	if changed("canary") {
		c.CanaryRegions = f.canary
	}
	if changed("validation-period") {
		c.ValidationPeriod = f.validationPeriod
	}
	if changed("max-concurrent") {
		c.MaxConcurrentRegions = f.maxConcurrent
	}
	if changed("health-timeout") {
		c.HealthCheckTimeout = f.healthTimeout
	}
	if changed("rollback-on-failure") {
		c.RollbackOnFailure = f.rollbackOnFailure
	}
	if changed("halt-on-batch-failure") {
		c.HaltOnBatchFailure = f.haltOnBatch
	}

	if err := req.Validate(); err != nil {
		return rollout.Request{}, err
	}
	return req, nil
}
