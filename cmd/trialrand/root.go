package main

import (
	"context"
	"io"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

// rootOptions are shared by every subcommand.
type rootOptions struct {
	cfgFile string
	logOut  io.Writer
}

func newRootCmd(out, errOut io.Writer) *cobra.Command {
	opts := &rootOptions{logOut: errOut}

	cmd := &cobra.Command{
		Use:     "trialrand",
		Short:   "Blinded allocation from pre-generated randomization lists",
		Version: version,
		Long: `trialrand hands out treatment assignments from pre-generated randomization
lists. Each list row is claimed at most once, per site and in sequence order.

Configuration is read from --config (default $TRIALRAND_CONFIG) with
TRIALRAND_* environment overrides, e.g. TRIALRAND_STORE_BACKEND=sqlite.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	cmd.PersistentFlags().StringVarP(&opts.cfgFile, "config", "c", os.Getenv("TRIALRAND_CONFIG"),
		"config file (YAML)")

	cmd.AddCommand(
		newServeCmd(opts),
		newLoadCmd(opts),
		newCheckCmd(opts),
		newAllocateCmd(opts),
		newLookupCmd(opts),
		newVerifyCmd(opts),
		newTokenCmd(opts),
		newConfigCmd(),
	)
	return cmd
}

func (o *rootOptions) app(ctx context.Context) (*app, error) {
	return newApp(ctx, o.cfgFile, o.logOut)
}
