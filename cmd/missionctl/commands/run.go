package commands

import (
	"context"
	"fmt"
	"io"

	"github.com/openfroyo/missionctl/pkg/config"
	"github.com/openfroyo/missionctl/pkg/engine"
	"github.com/spf13/cobra"
)

func newRunCommand() *cobra.Command {
	var (
		simulate  bool
		unhealthy []string
	)

	cmd := &cobra.Command{
		Use:   "run <spec...>",
		Short: "Execute missions and rollouts locally",
		Long: `Execute mission and rollout specs in this process against the dry-run adapter.

The dry-run adapter deploys nothing. Component parameters steer it:
  fail           fail every attempt with the given message
  fail_attempts  fail the first n attempts, then succeed
  fail_regions   fail only in the listed regions
  delay          wait before answering, e.g. "2s"
  invalid        reject the step in the simulation pass

Specs run one after another; the command fails when any of them does.`,
		Example: `  # Run a mission
  missionctl run mission.yaml

  # Run a canary rollout whose canary region reports unhealthy
  missionctl run rollout.yaml --unhealthy eu-west

  # Print the full mission records
  missionctl run --json mission.yaml`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			docs, err := loadDocuments(config.NewParser(), args)
			if err != nil {
				return err
			}

			rt, err := newRuntime(ctx, cfg)
			if err != nil {
				return err
			}
			defer rt.Close(context.WithoutCancel(ctx))

			failed := 0
			for _, doc := range docs {
				if simulate {
					doc.Mission.Simulate = true
					if doc.Rollout != nil {
						doc.Rollout.Mission.Simulate = true
					}
				}

				ok, err := runDocument(ctx, rt, doc, unhealthy, cmd.OutOrStdout())
				if err != nil {
					return err
				}
				if !ok {
					failed++
				}
			}

			if failed > 0 {
				return fmt.Errorf("%d of %d specs did not succeed", failed, len(docs))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&simulate, "simulate", false, "run a simulation pass before executing")
	cmd.Flags().StringSliceVar(&unhealthy, "unhealthy", nil, "regions whose health checks fail")

	return cmd
}

// runDocument executes one spec and prints its outcome. It reports whether the
// mission or rollout succeeded.
func runDocument(ctx context.Context, rt *runtime, doc *config.Document, unhealthy []string, w io.Writer) (bool, error) {
	logger := rt.logger.With().Str("source", doc.Source).Logger()

	if doc.Kind == config.KindRollout {
		coordinator := rt.newCoordinator(unhealthy)
		ro, err := coordinator.Execute(ctx, *doc.Rollout)
		if err != nil {
			return false, err
		}
		logger.Info().
			Str("rollout_id", ro.ID).
			Str("status", string(ro.Status)).
			Bool("success", ro.Success).
			Msg("Rollout finished")
		return ro.Success, printRollout(w, ro)
	}

	eng, err := rt.newLocalEngine()
	if err != nil {
		return false, err
	}
	m, err := eng.Run(ctx, doc.Mission)
	if err != nil && m == nil {
		return false, err
	}
	if err != nil {
		// Rejected at submission; the mission record explains why.
		logger.Warn().Err(err).Msg("Mission rejected")
	}
	logger.Info().
		Str("mission_id", m.ID).
		Str("status", string(m.Status)).
		Msg("Mission finished")
	return m.Status == engine.MissionStatusSucceeded, printMission(w, m)
}
