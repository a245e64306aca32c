package cli

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"geo-content-pipeline/internal/models"
	"geo-content-pipeline/internal/worker"
)

func newImportCmd(s *state) *cobra.Command {
	var (
		req       models.ImportRequest
		process   bool
		maxRounds int
	)
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Start an import of continents, countries and cities",
		Long: `Start an import. Without --continents or --countries the whole
dataset is imported.

Examples:
  geoctl import --file s3://geodata/cities500.zip --countries NP,DK
  geoctl import --file ./cities500.zip --continents OC --min-population 5000
  geoctl --memory import --file ./cities500.zip --countries NP --process`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts, err := models.NewImportOptions(req)
			if err != nil {
				return err
			}
			plan, err := s.app.Planner.Start(cmd.Context(), opts)
			if err != nil {
				return fmt.Errorf("start import: %w", err)
			}
			out := cmd.OutOrStdout()
			if s.jsonOut {
				if err := s.printJSON(out, plan); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(out, "Planned %d continent(s) and %d countries: %d enqueued, %d already present.\n",
					len(plan.Continents), len(plan.Countries), plan.Enqueued, plan.Skipped)
				if plan.Deleted > 0 {
					fmt.Fprintf(out, "Deleted %d existing location(s).\n", plan.Deleted)
				}
			}
			if !process {
				return nil
			}
			return drain(cmd.Context(), out, s.app.Scheduler, maxRounds)
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.FilePath, "file", "", "dataset path or URL (file, http(s), s3)")
	f.StringSliceVar(&req.Continents, "continents", nil, "continent codes to import")
	f.StringSliceVar(&req.Countries, "countries", nil, "ISO country codes to import")
	f.Int64Var(&req.MinPopulation, "min-population", 0, "skip cities below this population")
	f.IntVar(&req.MaxCitiesPerCountry, "max-per-country", 0, "cap cities per country (0 means no cap)")
	f.BoolVar(&req.ClearExisting, "clear", false, "delete existing locations and work items first")
	f.BoolVar(&process, "process", false, "run processor batches until the queue is idle")
	f.IntVar(&maxRounds, "max-rounds", 100, "stop --process after this many rounds")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

// Runner runs processor batches by name.
type Runner interface {
	Processors() []string
	RunOnce(ctx context.Context, name string) (worker.Report, error)
}

func newRunCmd(s *state) *cobra.Command {
	var repeat int
	cmd := &cobra.Command{
		Use:   "run-batch <processor>",
		Short: "Run batches of one processor",
		Long: `Run batches of one processor (structure, timezone or content).

Examples:
  geoctl run-batch structure
  geoctl run-batch timezone --repeat 5`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			if !known(s.app.Scheduler, name) {
				return fmt.Errorf("unknown processor %q (have %s)", name, strings.Join(s.app.Scheduler.Processors(), ", "))
			}
			for i := 0; i < repeat; i++ {
				rep, err := s.app.Scheduler.RunOnce(cmd.Context(), name)
				if err != nil {
					return fmt.Errorf("run %s: %w", name, err)
				}
				if s.jsonOut {
					if err := s.printJSON(cmd.OutOrStdout(), rep); err != nil {
						return err
					}
				} else {
					printReport(cmd.OutOrStdout(), rep)
				}
				if rep.Locked {
					return nil
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&repeat, "repeat", 1, "number of batches to run")
	return cmd
}

func known(r Runner, name string) bool {
	for _, p := range r.Processors() {
		if p == name {
			return true
		}
	}
	return false
}

// drain runs every processor in turn until a full round handles nothing.
func drain(ctx context.Context, out io.Writer, r Runner, maxRounds int) error {
	for round := 1; round <= maxRounds; round++ {
		handled := 0
		for _, name := range r.Processors() {
			rep, err := r.RunOnce(ctx, name)
			if err != nil {
				return fmt.Errorf("run %s: %w", name, err)
			}
			for _, n := range rep.Outcomes {
				handled += n
			}
			if len(rep.Outcomes) > 0 {
				printReport(out, rep)
			}
		}
		if handled == 0 {
			fmt.Fprintf(out, "Idle after %d round(s).\n", round)
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	fmt.Fprintf(out, "Stopped after %d round(s) with work remaining.\n", maxRounds)
	return nil
}

func printReport(w io.Writer, rep worker.Report) {
	if rep.Locked {
		fmt.Fprintf(w, "%s: another run holds the lock\n", rep.Processor)
		return
	}
	keys := make([]string, 0, len(rep.Outcomes))
	for k := range rep.Outcomes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, rep.Outcomes[k]))
	}
	if len(parts) == 0 {
		parts = append(parts, "nothing to do")
	}
	suffix := ""
	if rep.Stopped {
		suffix = " (stopped early)"
	}
	fmt.Fprintf(w, "%s: %s in %s%s\n", rep.Processor, strings.Join(parts, " "), rep.Duration.Round(time.Millisecond), suffix)
}
