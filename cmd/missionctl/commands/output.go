package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/openfroyo/missionctl/pkg/config"
	"github.com/openfroyo/missionctl/pkg/engine"
	"github.com/openfroyo/missionctl/pkg/rollout"
	"gopkg.in/yaml.v3"
)

// loadDocuments parses every spec file and directory in paths.
func loadDocuments(parser *config.Parser, paths []string) ([]*config.Document, error) {
	var docs []*config.Document
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("failed to stat %s: %w", path, err)
		}

		if info.IsDir() {
			found, err := parser.ParseDir(path)
			if err != nil {
				return nil, err
			}
			docs = append(docs, found...)
			continue
		}

		doc, err := parser.ParseFile(path)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeYAML(w io.Writer, v interface{}) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

// printMission writes a mission summary, or the full record with --json.
func printMission(w io.Writer, m *engine.Mission) error {
	if jsonOutput {
		return writeJSON(w, m)
	}

	fmt.Fprintf(w, "Mission %s (%s)\n", m.Name, m.ID)
	fmt.Fprintf(w, "Status:  %s\n", m.Status)
	if m.Plan != nil {
		fmt.Fprintf(w, "Plan:    %d steps in %d stages (%s)\n", len(m.Plan.Steps), len(m.Plan.Stages), m.Plan.Strategy)
	}

	if len(m.StepResults) > 0 {
		ids := make([]string, 0, len(m.StepResults))
		for id := range m.StepResults {
			ids = append(ids, id)
		}
		if m.Plan != nil {
			ids = ids[:0]
			for _, s := range m.Plan.Steps {
				if _, ok := m.StepResults[s.ID]; ok {
					ids = append(ids, s.ID)
				}
			}
		} else {
			sort.Strings(ids)
		}

		fmt.Fprintln(w)
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "STEP\tSTATUS\tATTEMPTS\tDURATION\tERROR")
		for _, id := range ids {
			r := m.StepResults[id]
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", id, r.Status, r.Attempts, r.Duration.Round(time.Millisecond), r.Error)
		}
		tw.Flush()
	}

	if len(m.RollbackResults) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Rollback:")
		for _, r := range m.RollbackResults {
			line := fmt.Sprintf("  %s %s", r.StepID, r.Status)
			if r.Error != "" {
				line += ": " + r.Error
			}
			fmt.Fprintln(w, line)
		}
	}

	if m.Classification != nil {
		fmt.Fprintf(w, "\nFailure: %s (severity %s, recoverable %t)\n",
			m.Classification.Category, m.Classification.Severity, m.Classification.Recoverable)
		for _, s := range m.Suggestions {
			fmt.Fprintf(w, "  - %s: %s\n", s.Strategy, s.Description)
		}
	}

	writeMessages(w, "Errors", m.Errors)
	writeMessages(w, "Warnings", m.Warnings)
	return nil
}

// printRollout writes a rollout summary, or the full record with --json.
func printRollout(w io.Writer, r *rollout.Rollout) error {
	if jsonOutput {
		return writeJSON(w, r)
	}

	fmt.Fprintf(w, "Rollout %s (%s)\n", r.Name, r.ID)
	fmt.Fprintf(w, "Strategy: %s\n", r.Strategy)
	fmt.Fprintf(w, "Status:   %s\n", r.Status)
	if r.CanaryFailed {
		fmt.Fprintln(w, "Canary:   failed")
	}

	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "REGION\tSTATUS\tENV\tMISSION\tDETAIL")
	for _, rr := range r.Regions {
		region := rr.Region
		if rr.Canary {
			region += " (canary)"
		}
		detail := rr.Error
		if detail == "" {
			detail = rr.SkipReason
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", region, rr.Status, rr.Environment, rr.MissionID, detail)
	}
	tw.Flush()

	if r.Error != "" {
		fmt.Fprintf(w, "\nError: %s\n", r.Error)
	}
	return nil
}

func writeMessages(w io.Writer, title string, msgs []string) {
	if len(msgs) == 0 {
		return
	}
	fmt.Fprintf(w, "\n%s:\n  %s\n", title, strings.Join(msgs, "\n  "))
}
