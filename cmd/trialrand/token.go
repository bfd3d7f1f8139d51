package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	jwttoken "trialrand/internal/jwt_token"
	"trialrand/internal/platform/config"
	"trialrand/pkg/platform/middleware/auth"
)

func newTokenCmd(opts *rootOptions) *cobra.Command {
	var (
		subject string
		unblind bool
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API access token",
		Long: `Signs a bearer token with server.jwt_signing_key. Tokens issued with
--unblind carry the display_assignment permission and see assignments in
API responses; all others get blinded responses.`,
		Example: `  trialrand token -c trialrand.yaml --subject coordinator@site-a
  trialrand token -c trialrand.yaml --subject pharmacist --unblind --ttl 8h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.cfgFile)
			if err != nil {
				return err
			}
			if err := cfg.Server.ValidateSigningKey(); err != nil {
				return err
			}
			var perms []string
			if unblind {
				perms = append(perms, auth.PermissionDisplayAssignment)
			}
			svc := jwttoken.NewJWTService(cfg.Server.JWTSigningKey, cfg.Server.JWTIssuer, cfg.Server.JWTAudience)
			token, err := svc.GenerateAccessToken(subject, perms, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "operator identity recorded as the actor")
	cmd.Flags().BoolVar(&unblind, "unblind", false, "grant the display_assignment permission")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}
