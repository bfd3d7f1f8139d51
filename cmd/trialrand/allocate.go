package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"trialrand/internal/randomization/models"
	"trialrand/pkg/requestcontext"
)

const cliClient = "trialrand-cli"

// operatorFlags are shared by the commands that act on one scheme.
type operatorFlags struct {
	scheme  string
	actor   string
	unblind bool
}

func (f *operatorFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.scheme, "scheme", "", "scheme name")
	cmd.Flags().StringVar(&f.actor, "actor", os.Getenv("USER"), "operator recorded on claims and audit events")
	_ = cmd.MarkFlagRequired("scheme")
}

// open builds the app and registers the selected scheme, loading its list
// if the store is empty.
func (f *operatorFlags) open(ctx context.Context, opts *rootOptions) (*app, context.Context, error) {
	a, err := opts.app(ctx)
	if err != nil {
		return nil, nil, err
	}
	sc, err := a.schemeConfig(f.scheme)
	if err == nil {
		err = a.register(ctx, sc, true, false)
	}
	if err != nil {
		a.Close(ctx)
		return nil, nil, err
	}
	ctx = requestcontext.WithActor(ctx, f.actor)
	ctx = requestcontext.WithClient(ctx, cliClient)
	ctx = requestcontext.WithRequestID(ctx, uuid.NewString())
	ctx = requestcontext.WithTime(ctx, time.Now().UTC())
	return a, ctx, nil
}

func newAllocateCmd(opts *rootOptions) *cobra.Command {
	var flags operatorFlags
	var siteName, subject string
	cmd := &cobra.Command{
		Use:   "allocate",
		Short: "Allocate the next list row at a site to a subject",
		Example: `  trialrand allocate -c trialrand.yaml --scheme main --site SiteA --subject S-001
  trialrand allocate -c trialrand.yaml --scheme main --site SiteA --subject S-001 --unblind`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, ctx, err := flags.open(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.Close(cmd.Context())

			res, err := a.registry.Allocate(ctx, flags.scheme, siteName, subject, flags.actor, requestcontext.Now(ctx))
			if err != nil {
				return err
			}
			writeAllocation(cmd.OutOrStdout(), res, flags.unblind)
			return nil
		},
	}
	flags.bind(cmd)
	cmd.Flags().StringVar(&siteName, "site", "", "enrolling site")
	cmd.Flags().StringVar(&subject, "subject", "", "subject identifier")
	cmd.Flags().BoolVar(&flags.unblind, "unblind", false, "print the assignment")
	_ = cmd.MarkFlagRequired("site")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func newLookupCmd(opts *rootOptions) *cobra.Command {
	var flags operatorFlags
	var subject string
	cmd := &cobra.Command{
		Use:   "lookup",
		Short: "Show the allocation held by a subject",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, ctx, err := flags.open(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.Close(cmd.Context())

			res, err := a.registry.Lookup(ctx, flags.scheme, subject)
			if err != nil {
				return err
			}
			writeAllocation(cmd.OutOrStdout(), res, flags.unblind)
			return nil
		},
	}
	flags.bind(cmd)
	cmd.Flags().StringVar(&subject, "subject", "", "subject identifier")
	cmd.Flags().BoolVar(&flags.unblind, "unblind", false, "print the assignment")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func newVerifyCmd(opts *rootOptions) *cobra.Command {
	var flags operatorFlags
	var siteName string
	cmd := &cobra.Command{
		Use:   "verify SEQUENCE_ID",
		Short: "Mark an allocated row as verified",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sid, err := strconv.Atoi(args[0])
			if err != nil || sid <= 0 {
				return fmt.Errorf("sequence id must be a positive integer, got %q", args[0])
			}
			a, ctx, err := flags.open(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.Close(cmd.Context())

			rec, err := a.registry.Verify(ctx, flags.scheme, siteName, sid, flags.actor, requestcontext.Now(ctx))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s/%d verified by %s for %s\n",
				flags.scheme, rec.SiteName, rec.SequenceID, rec.VerifiedBy, rec.SubjectIdentifier)
			return nil
		},
	}
	flags.bind(cmd)
	cmd.Flags().StringVar(&siteName, "site", "", "site the row belongs to")
	_ = cmd.MarkFlagRequired("site")
	return cmd
}

func writeAllocation(w io.Writer, res *models.AllocationResult, unblind bool) {
	assignment := "blinded"
	if unblind {
		assignment = string(res.Assignment)
		if res.Description != "" {
			assignment += " (" + res.Description + ")"
		}
	}
	fmt.Fprintf(w, "%s %s/%d subject=%s assignment=%s allocated_at=%s\n",
		res.Scheme, res.SiteName, res.SequenceID, res.SubjectIdentifier, assignment,
		res.AllocatedAt.UTC().Format(time.RFC3339))
}
