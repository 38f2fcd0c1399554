package commands

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/openfroyo/missionctl/pkg/engine"
	"github.com/openfroyo/missionctl/pkg/journal"
	"github.com/spf13/cobra"
)

// maxPayloadWidth truncates payloads in the table output.
const maxPayloadWidth = 80

func newJournalCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Inspect the mission journal",
		Long: `Inspect the append-only mission journal.

Journal commands read the SQLite journal configured with journal.backend sqlite.`,
	}

	cmd.AddCommand(newJournalQueryCommand())
	cmd.AddCommand(newJournalReconstructCommand())
	cmd.AddCommand(newJournalVerifyCommand())
	cmd.AddCommand(newJournalPurgeCommand())
	cmd.AddCommand(newJournalStreamsCommand())
	cmd.AddCommand(newJournalAuditCommand())

	return cmd
}

// withJournal opens a runtime over the SQLite journal and hands it to fn.
func withJournal(cmd *cobra.Command, fn func(ctx context.Context, rt *runtime) error) error {
	ctx := cmd.Context()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	// Reading the journal never needs admission policies.
	cfg.Policy.Enabled = false

	rt, err := newRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close(context.WithoutCancel(ctx))

	if _, err := rt.requireStore(); err != nil {
		return err
	}
	return fn(ctx, rt)
}

func newJournalQueryCommand() *cobra.Command {
	var (
		missionID  string
		eventTypes []string
		since      time.Duration
		limit      int
		offset     int
		descending bool
	)

	cmd := &cobra.Command{
		Use:   "query",
		Short: "List journal entries",
		Example: `  # Entries of one mission
  missionctl journal query --mission 6f1c...

  # The 20 most recent status changes of the last day
  missionctl journal query --type status_changed --since 24h --desc --limit 20`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := journal.Query{
				MissionID:  missionID,
				Descending: descending,
				Offset:     offset,
				Limit:      limit,
			}
			for _, t := range eventTypes {
				q.EventTypes = append(q.EventTypes, engine.JournalEventType(t))
			}
			if since > 0 {
				q.Since = time.Now().Add(-since)
			}

			return withJournal(cmd, func(ctx context.Context, rt *runtime) error {
				entries, err := rt.journal.Query(ctx, q)
				if err != nil {
					return err
				}
				return printEntries(cmd.OutOrStdout(), entries)
			})
		},
	}

	cmd.Flags().StringVarP(&missionID, "mission", "m", "", "mission or rollout ID")
	cmd.Flags().StringSliceVarP(&eventTypes, "type", "t", nil, "event types to include")
	cmd.Flags().DurationVar(&since, "since", 0, "only entries newer than this")
	cmd.Flags().IntVarP(&limit, "limit", "n", 100, "maximum entries to print (0 for all)")
	cmd.Flags().IntVar(&offset, "offset", 0, "entries to skip")
	cmd.Flags().BoolVar(&descending, "desc", false, "newest entries first")

	return cmd
}

func newJournalReconstructCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reconstruct <mission-id>",
		Short: "Rebuild a mission from its journal stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withJournal(cmd, func(ctx context.Context, rt *runtime) error {
				m, err := rt.journal.Reconstruct(ctx, args[0])
				if err != nil {
					return err
				}
				return printMission(cmd.OutOrStdout(), m)
			})
		},
	}
}

func newJournalVerifyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <mission-id>",
		Short: "Check the hash chain of a journal stream",
		Long: `Check that every entry of a stream hashes to its recorded hash and links
to its predecessor. Streams written with journal.hashing off cannot be verified.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withJournal(cmd, func(ctx context.Context, rt *runtime) error {
				n, err := rt.journal.Verify(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d entries verified\n", args[0], n)
				return nil
			})
		},
	}
}

func newJournalPurgeCommand() *cobra.Command {
	var (
		olderThan time.Duration
		keep      []string
	)

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete old journal entries",
		Long: `Delete journal entries older than --older-than. Streams named with --keep
are left untouched. Defaults to journal.retention.`,
		Example: `  missionctl journal purge --older-than 720h --keep 6f1c...`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withJournal(cmd, func(ctx context.Context, rt *runtime) error {
				retention := olderThan
				if retention <= 0 {
					retention = rt.cfg.Journal.Retention
				}
				if retention <= 0 {
					return engine.NewPermanentError("purge needs --older-than or journal.retention", nil).
						WithCode(engine.ErrCodeValidation)
				}

				removed, err := rt.journal.Purge(ctx, retention, keep)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d entries removed\n", removed)
				return nil
			})
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "delete entries older than this")
	cmd.Flags().StringSliceVar(&keep, "keep", nil, "mission or rollout IDs to keep")

	return cmd
}

func newJournalStreamsCommand() *cobra.Command {
	var limit, offset int

	cmd := &cobra.Command{
		Use:   "streams",
		Short: "List journal streams, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withJournal(cmd, func(ctx context.Context, rt *runtime) error {
				streams, err := rt.store.ListStreams(ctx, limit, offset)
				if err != nil {
					return err
				}

				w := cmd.OutOrStdout()
				if jsonOutput {
					return writeJSON(w, streams)
				}
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tENTRIES\tLAST SEQ\tFIRST\tLAST")
				for _, s := range streams {
					fmt.Fprintf(tw, "%s\t%d\t%d\t%s\t%s\n", s.MissionID, s.Entries, s.LastSequence,
						s.FirstAt.Format(time.RFC3339), s.LastAt.Format(time.RFC3339))
				}
				return tw.Flush()
			})
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum streams to list")
	cmd.Flags().IntVar(&offset, "offset", 0, "streams to skip")

	return cmd
}

func newJournalAuditCommand() *cobra.Command {
	var (
		action string
		actor  string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "List operator actions recorded by serve",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withJournal(cmd, func(ctx context.Context, rt *runtime) error {
				var actionFilter, actorFilter *string
				if action != "" {
					actionFilter = &action
				}
				if actor != "" {
					actorFilter = &actor
				}

				entries, err := rt.store.ListAuditEntries(ctx, actionFilter, actorFilter, limit, 0)
				if err != nil {
					return err
				}

				w := cmd.OutOrStdout()
				if jsonOutput {
					return writeJSON(w, entries)
				}
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "TIME\tACTION\tACTOR\tTARGET")
				for _, e := range entries {
					target := ""
					if e.TargetID != nil {
						target = *e.TargetID
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.Timestamp.Format(time.RFC3339), e.Action, e.Actor, target)
				}
				return tw.Flush()
			})
		},
	}

	cmd.Flags().StringVar(&action, "action", "", "only this action, e.g. mission.cancelled")
	cmd.Flags().StringVar(&actor, "actor", "", "only this actor")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum entries to list")

	return cmd
}

func printEntries(w io.Writer, entries []*engine.JournalEntry) error {
	if jsonOutput {
		return writeJSON(w, entries)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tMISSION\tSEQ\tEVENT\tPAYLOAD")
	for _, e := range entries {
		payload := string(e.Payload)
		if len(payload) > maxPayloadWidth {
			payload = payload[:maxPayloadWidth-3] + "..."
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
			e.Timestamp.Format(time.RFC3339), e.MissionID, e.Sequence, e.EventType, payload)
	}
	return tw.Flush()
}
