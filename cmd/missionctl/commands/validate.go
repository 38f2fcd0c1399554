package commands

import (
	"context"
	"fmt"
	"io"

	"github.com/openfroyo/missionctl/pkg/config"
	"github.com/openfroyo/missionctl/pkg/engine"
	"github.com/openfroyo/missionctl/pkg/policy"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// validation is the verdict on one spec document.
type validation struct {
	Source     string                   `json:"source"`
	Name       string                   `json:"name"`
	Kind       config.Kind              `json:"kind"`
	Valid      bool                     `json:"valid"`
	Steps      int                      `json:"steps,omitempty"`
	Stages     int                      `json:"stages,omitempty"`
	Violations []engine.PolicyViolation `json:"violations,omitempty"`
	Warnings   []string                 `json:"warnings,omitempty"`
	Error      string                   `json:"error,omitempty"`
}

func newValidateCommand() *cobra.Command {
	var noPolicy bool

	cmd := &cobra.Command{
		Use:   "validate [path...]",
		Short: "Validate mission and rollout specs",
		Long: `Validate mission and rollout spec files without executing them.

This command checks:
  - YAML, JSON, CUE or Starlark (.star) syntax
  - Schema conformance
  - Dependency references and cycles
  - Admission policies (built-in and configured Rego)`,
		Example: `  # Validate every spec in a directory
  missionctl validate ./missions

  # Validate one file, schema and graph only
  missionctl validate --no-policy mission.yaml`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if noPolicy {
				cfg.Policy.Enabled = false
			}

			results, err := validateSpecs(cmd.Context(), cfg, args, log.Logger)
			if err != nil {
				return err
			}
			if err := printValidations(cmd.OutOrStdout(), results); err != nil {
				return err
			}

			failed := 0
			for _, r := range results {
				if !r.Valid {
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d specs failed validation", failed, len(results))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&noPolicy, "no-policy", false, "skip admission policies")

	return cmd
}

// validateSpecs parses, plans and admits every spec in paths. A spec that fails
// to parse aborts validation; planning and policy failures are reported per spec.
func validateSpecs(ctx context.Context, cfg *config.Config, paths []string, logger zerolog.Logger) ([]validation, error) {
	docs, err := loadDocuments(config.NewParser(), paths)
	if err != nil {
		return nil, err
	}

	var pe *policy.Engine
	if cfg.Policy.Enabled {
		if pe, err = newPolicyEngine(ctx, cfg, logger); err != nil {
			return nil, err
		}
	}

	resolver := newResolver(cfg)
	results := make([]validation, 0, len(docs))
	for _, doc := range docs {
		res := validation{Source: doc.Source, Name: doc.Name(), Kind: doc.Kind}

		plan, err := resolver.Resolve(doc.Mission.Components, strategyFor(cfg, doc.Mission))
		if err != nil {
			res.Error = err.Error()
			results = append(results, res)
			continue
		}
		res.Steps = len(plan.Steps)
		res.Stages = len(plan.Stages)
		res.Valid = true

		if pe != nil {
			decision, err := pe.ValidatePlan(ctx, &engine.Mission{
				Name:     doc.Mission.Name,
				Request:  doc.Mission,
				Priority: doc.Priority,
				Plan:     plan,
				Status:   engine.MissionStatusPending,
			})
			if err != nil {
				return nil, err
			}
			res.Valid = decision.Allowed
			res.Violations = decision.Violations
			res.Warnings = decision.Warnings
		}

		logger.Debug().
			Str("source", doc.Source).
			Bool("valid", res.Valid).
			Int("steps", res.Steps).
			Msg("Validated spec")
		results = append(results, res)
	}
	return results, nil
}

func printValidations(w io.Writer, results []validation) error {
	if jsonOutput {
		return writeJSON(w, results)
	}

	for _, r := range results {
		if r.Valid {
			fmt.Fprintf(w, "OK    %s (%s %s): %d steps in %d stages\n", r.Source, r.Kind, r.Name, r.Steps, r.Stages)
		} else {
			fmt.Fprintf(w, "FAIL  %s (%s %s)\n", r.Source, r.Kind, r.Name)
		}
		if r.Error != "" {
			fmt.Fprintf(w, "      %s\n", r.Error)
		}
		for _, v := range r.Violations {
			fmt.Fprintf(w, "      [%s] %s: %s\n", v.Severity, v.Policy, v.Message)
		}
		for _, warn := range r.Warnings {
			fmt.Fprintf(w, "      warning: %s\n", warn)
		}
	}
	return nil
}

// newPolicyEngine creates the admission engine with the configured policies loaded.
func newPolicyEngine(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*policy.Engine, error) {
	pe, err := policy.NewEngine(logger, policy.WithDefaultAutoRollback(cfg.Engine.AutoRollback))
	if err != nil {
		return nil, fmt.Errorf("failed to create policy engine: %w", err)
	}
	if len(cfg.Policy.Paths) > 0 {
		if err := pe.LoadPolicies(ctx, cfg.Policy.Paths); err != nil {
			return nil, err
		}
	}
	return pe, nil
}

func newResolver(cfg *config.Config) *engine.DependencyResolver {
	return engine.NewDependencyResolver(engine.StepDefaults{
		Timeout: cfg.Engine.StepTimeout,
		Retry:   cfg.Engine.Retry,
	})
}

// strategyFor is the strategy the engine would plan req with.
func strategyFor(cfg *config.Config, req engine.MissionRequest) engine.Strategy {
	if req.Strategy != "" {
		return req.Strategy
	}
	if cfg.Engine.DefaultStrategy != "" {
		return cfg.Engine.DefaultStrategy
	}
	return engine.StrategyParallel
}
