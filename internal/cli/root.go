// Package cli provides the geoctl command-line interface.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"geo-content-pipeline/internal/app"
)

// Version is set at build time.
var Version = "0.1.0"

// Builder assembles the pipeline for a command.
type Builder func(ctx context.Context, opts app.Options) (*app.App, error)

type state struct {
	build   Builder
	opts    app.Options
	jsonOut bool
	app     *app.App
}

// NewRootCmd returns the geoctl root command.
func NewRootCmd(build Builder) *cobra.Command {
	s := &state{build: build}

	root := &cobra.Command{
		Use:   "geoctl",
		Short: "Operate the geodata content pipeline",
		Long: `geoctl starts imports and inspects or repairs the work-item queue.

Most commands talk to the Postgres store from POSTGRES_DSN. With --memory
everything runs in-process, which is useful for a dry run of an import:

  geoctl --memory import --countries NP --file ./cities500.zip --process`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "help" || cmd.Name() == "version" {
				return nil
			}
			a, err := s.build(cmd.Context(), s.opts)
			if err != nil {
				return err
			}
			s.app = a
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if s.app != nil {
				s.app.Close()
				s.app = nil
			}
		},
	}

	root.PersistentFlags().BoolVar(&s.opts.Memory, "memory", false, "use the in-memory store")
	root.PersistentFlags().BoolVar(&s.opts.SkipMigrations, "skip-migrations", false, "do not apply schema migrations")
	root.PersistentFlags().BoolVar(&s.jsonOut, "json", false, "print results as JSON")

	root.AddCommand(
		newStatsCmd(s),
		newImportCmd(s),
		newRetryFailedCmd(s),
		newResetStuckCmd(s),
		newClearCmd(s),
		newRunCmd(s),
	)
	return root
}

func (s *state) printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
