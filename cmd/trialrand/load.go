package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"trialrand/internal/platform/config"
)

func newLoadCmd(opts *rootOptions) *cobra.Command {
	var schemes []string
	cmd := &cobra.Command{
		Use:   "load",
		Short: "Ingest randomization lists into the configured store",
		Long: `Reads each scheme's list from its source, checks the declared digest and
inserts every row unclaimed. Loading a list twice fails on the duplicate rows.`,
		Example: `  trialrand load -c trialrand.yaml
  trialrand load -c trialrand.yaml --scheme main`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := opts.app(ctx)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			selected, err := selectSchemes(a.cfg, schemes)
			if err != nil {
				return err
			}
			for _, sc := range selected {
				n, err := a.loadList(ctx, sc)
				if err != nil {
					return fmt.Errorf("load %s: %w", sc.Name, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: loaded %d rows from %s\n", sc.Name, n, sc.Source)
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&schemes, "scheme", nil, "schemes to load (default all)")
	return cmd
}

func selectSchemes(cfg *config.Config, names []string) ([]config.SchemeConfig, error) {
	if len(names) == 0 {
		return cfg.Schemes, nil
	}
	out := make([]config.SchemeConfig, 0, len(names))
	for _, name := range names {
		found := false
		for _, sc := range cfg.Schemes {
			if sc.Name == name {
				out = append(out, sc)
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("scheme %s is not configured", name)
		}
	}
	return out, nil
}
