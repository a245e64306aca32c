package cli

import (
	"bufio"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"geo-content-pipeline/internal/models"
)

func newStatsCmd(s *state) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show work items by type and status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			stats, err := s.app.Backend.Stats(cmd.Context())
			if err != nil {
				return fmt.Errorf("stats: %w", err)
			}
			if s.jsonOut {
				return s.printJSON(cmd.OutOrStdout(), stats)
			}

			statuses := []string{models.StatusPending, models.StatusProcessing, models.StatusDone, models.StatusError}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "TYPE\t%s\tTOTAL\n", strings.ToUpper(strings.Join(statuses, "\t")))
			types := make([]string, 0, len(stats.Counts))
			for typ := range stats.Counts {
				types = append(types, typ)
			}
			sort.Strings(types)
			for _, typ := range types {
				fmt.Fprint(tw, typ)
				for _, st := range statuses {
					fmt.Fprintf(tw, "\t%d", stats.Counts[typ][st])
				}
				fmt.Fprintf(tw, "\t%d\n", stats.ByType[typ])
			}
			fmt.Fprint(tw, "all")
			for _, st := range statuses {
				fmt.Fprintf(tw, "\t%d", stats.ByStatus[st])
			}
			fmt.Fprintf(tw, "\t%d\n", stats.Total)
			return tw.Flush()
		},
	}
}

func newRetryFailedCmd(s *state) *cobra.Command {
	return &cobra.Command{
		Use:   "retry-failed",
		Short: "Return every failed item to pending",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			n, err := s.app.Backend.RetryFailed(cmd.Context())
			if err != nil {
				return fmt.Errorf("retry failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d item(s) back to pending\n", n)
			return nil
		},
	}
}

func newResetStuckCmd(s *state) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "reset-stuck",
		Short: "Return items stuck in processing to pending",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			n, err := s.app.Backend.ResetStuck(cmd.Context(), timeout)
			if err != nil {
				return fmt.Errorf("reset stuck: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d item(s) reset\n", n)
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "older-than", 30*time.Minute, "only reset items processing for longer than this")
	return cmd
}

func newClearCmd(s *state) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every work item",
		Long: `Delete every work item. Locations are kept.

Requires confirmation unless --force is used.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !force {
				fmt.Fprint(cmd.OutOrStdout(), "Delete all work items? [y/N]: ")
				answer, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && answer == "" {
					return fmt.Errorf("read input: %w", err)
				}
				answer = strings.ToLower(strings.TrimSpace(answer))
				if answer != "y" && answer != "yes" {
					fmt.Fprintln(cmd.OutOrStdout(), "Cancelled.")
					return nil
				}
			}
			if err := s.app.Backend.Clear(cmd.Context()); err != nil {
				return fmt.Errorf("clear: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Work items deleted.")
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "skip confirmation")
	return cmd
}
