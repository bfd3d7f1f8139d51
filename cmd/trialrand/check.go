package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"trialrand/internal/randomization/healthcheck"
	"trialrand/internal/randomization/models"
)

func newCheckCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Run the list health check once",
		Long: `Verifies every stored list against its scheme and source, and checks where
the source lives on disk. Exits with status 2 when a strict scheme has
findings.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := opts.app(ctx)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			if err := a.registerAll(ctx, false, true); err != nil {
				return err
			}
			report := a.checker().Run(ctx, a.registry)
			if asJSON {
				err = writeReportJSON(cmd.OutOrStdout(), report)
			} else {
				writeReport(cmd.OutOrStdout(), report)
			}
			if err != nil {
				return err
			}
			if len(report.Blocking()) > 0 {
				return errBlocking
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	return cmd
}

func writeReport(w io.Writer, report healthcheck.Report) {
	for _, s := range report.Schemes {
		mode := "lenient"
		if s.Strict {
			mode = "strict"
		}
		if len(s.Findings) == 0 {
			fmt.Fprintf(w, "%s (%s): ok\n", s.Scheme, mode)
			continue
		}
		fmt.Fprintf(w, "%s (%s): %d findings\n", s.Scheme, mode, len(s.Findings))
		for _, f := range s.Findings {
			fmt.Fprintf(w, "  %s\n", f)
		}
	}
}

type findingJSON struct {
	ID       string `json:"id"`
	Check    string `json:"check,omitempty"`
	Scheme   string `json:"scheme"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

func writeReportJSON(w io.Writer, report healthcheck.Report) error {
	convert := func(in []models.Finding) []findingJSON {
		out := make([]findingJSON, 0, len(in))
		for _, f := range in {
			out = append(out, findingJSON{
				ID:       f.ID,
				Check:    f.Check,
				Scheme:   f.Scheme,
				Severity: string(f.Severity),
				Message:  f.Message,
			})
		}
		return out
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]any{
		"findings": convert(report.Findings()),
		"blocking": convert(report.Blocking()),
	})
}
