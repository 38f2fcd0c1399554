package commands

import (
	"fmt"
	"io"
	"os"

	"github.com/openfroyo/missionctl/pkg/config"
	"github.com/openfroyo/missionctl/pkg/engine"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// Plan output formats.
const (
	formatJSON = "json"
	formatYAML = "yaml"
	formatDOT  = "dot"
)

func newPlanCommand() *cobra.Command {
	var (
		outFile  string
		format   string
		strategy string
	)

	cmd := &cobra.Command{
		Use:   "plan <spec>",
		Short: "Generate an execution plan",
		Long: `Resolve the dependencies of a mission into a staged execution plan.

The plan:
  - Validates component references and rejects cycles
  - Groups components into stages by the selected strategy
  - Records the effective timeout and retry policy of every step
  - Renders as JSON, YAML or a Graphviz DOT graph`,
		Example: `  # Print the plan as JSON
  missionctl plan mission.yaml

  # Write a DOT graph of the plan
  missionctl plan mission.yaml --format dot --out plan.dot

  # Plan with a different strategy
  missionctl plan mission.yaml --strategy hybrid --format yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			doc, err := config.NewParser().ParseFile(args[0])
			if err != nil {
				return err
			}

			req := doc.Mission
			if strategy != "" {
				req.Strategy = engine.Strategy(strategy)
				if err := req.Strategy.Validate(); err != nil {
					return err
				}
			}

			plan, err := newResolver(cfg).Resolve(req.Components, strategyFor(cfg, req))
			if err != nil {
				return err
			}

			log.Debug().
				Str("spec", args[0]).
				Str("strategy", string(plan.Strategy)).
				Int("steps", len(plan.Steps)).
				Int("stages", len(plan.Stages)).
				Msg("Plan generated")

			w := cmd.OutOrStdout()
			if outFile != "" {
				f, err := os.Create(outFile)
				if err != nil {
					return fmt.Errorf("failed to create %s: %w", outFile, err)
				}
				defer f.Close()
				w = f
			}
			return writePlan(w, plan, format)
		},
	}

	cmd.Flags().StringVarP(&outFile, "out", "o", "", "write the plan to a file instead of stdout")
	cmd.Flags().StringVarP(&format, "format", "f", formatJSON, "output format: json, yaml or dot")
	cmd.Flags().StringVarP(&strategy, "strategy", "s", "", "override the mission strategy: sequential, parallel or hybrid")

	return cmd
}

func writePlan(w io.Writer, plan *engine.ExecutionPlan, format string) error {
	switch format {
	case formatJSON:
		return writeJSON(w, plan)
	case formatYAML:
		return writeYAML(w, plan)
	case formatDOT:
		_, err := io.WriteString(w, plan.ToDOT())
		return err
	default:
		return fmt.Errorf("unknown plan format %q", format)
	}
}
