package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	jwttoken "trialrand/internal/jwt_token"
	"trialrand/internal/platform/config"
	"trialrand/internal/platform/httpserver"
	"trialrand/internal/randomization/handler"
	"trialrand/internal/randomization/healthcheck"
	"trialrand/pkg/platform/httputil"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(opts *rootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the allocation API",
		Long: `Registers every configured scheme, loading empty stores from their source,
then serves the allocation API, /metrics and /healthz. The health check runs
on health.interval and scheme policies are reloaded when the config file
changes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			a, err := opts.app(ctx)
			if err != nil {
				return err
			}
			defer a.Close(context.WithoutCancel(ctx))
			if addr != "" {
				a.cfg.Server.Addr = addr
			}
			return serve(ctx, a)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}

func serve(ctx context.Context, a *app) error {
	if err := a.cfg.Server.ValidateSigningKey(); err != nil {
		return err
	}
	if err := a.registerAll(ctx, true, false); err != nil {
		return err
	}

	runner := healthcheck.NewRunner(a.checker(), a.registry, a.registry, a.cfg.Health.Interval, a.logger)
	runner.RunOnce(ctx)
	if a.cfg.Health.Interval > 0 {
		go func() {
			_ = runner.Run(ctx)
		}()
	}

	if a.loader.File() != "" {
		a.loader.Watch(a.logger, func(cfg *config.Config) {
			config.ApplyPolicies(ctx, cfg, a.registry, a.logger)
		})
	}

	srv := httpserver.New(a.cfg.Server.Addr, a.router(runner))
	a.logger.InfoContext(ctx, "starting trialrand",
		"addr", a.cfg.Server.Addr,
		"schemes", a.registry.Names(),
		"store", a.cfg.Store.Backend,
	)
	return httpserver.Run(ctx, srv, shutdownTimeout, a.logger)
}

func (a *app) router(checks handler.CheckReporter) http.Handler {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(a.promReg, promhttp.HandlerOpts{}))
	r.Get("/healthz", a.handleHealthz)

	validator := jwttoken.NewJWTServiceAdapter(jwttoken.NewJWTService(
		a.cfg.Server.JWTSigningKey,
		a.cfg.Server.JWTIssuer,
		a.cfg.Server.JWTAudience,
	))
	handler.New(a.registry, checks, a.logger, validator).Register(r)
	return r
}

func (a *app) handleHealthz(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"status": "ok"}
	if a.redis != nil {
		if err := a.redis.Health(r.Context()); err != nil {
			status["status"] = "degraded"
			status["redis"] = err.Error()
			httputil.WriteJSON(w, http.StatusServiceUnavailable, status)
			return
		}
	}
	if a.db != nil {
		if err := a.db.PingContext(r.Context()); err != nil {
			status["status"] = "degraded"
			status["database"] = err.Error()
			httputil.WriteJSON(w, http.StatusServiceUnavailable, status)
			return
		}
	}
	httputil.WriteJSON(w, http.StatusOK, status)
}
