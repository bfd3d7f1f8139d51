package config

import (
	"context"
	"log/slog"

	"github.com/fsnotify/fsnotify"

	"trialrand/internal/randomization/models"
)

// PolicyUpdater receives hot-reloaded scheme policies.
type PolicyUpdater interface {
	UpdatePolicy(name string, policy models.Policy) error
}

// Watch re-reads the file on every write and hands the decoded config to
// onChange. Invalid edits are logged and ignored.
func (l *Loader) Watch(logger *slog.Logger, onChange func(*Config)) {
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := l.Load()
		if err != nil {
			logger.Error("ignoring invalid config change", "file", e.Name, "error", err)
			return
		}
		logger.Info("config reloaded", "file", e.Name)
		onChange(cfg)
	})
	l.v.WatchConfig()
}

// ApplyPolicies pushes each scheme's policy to the registry. Schemes added
// to the file after startup are reported, not registered; lists are only
// loaded at startup.
func ApplyPolicies(ctx context.Context, cfg *Config, reg PolicyUpdater, logger *slog.Logger) {
	for _, s := range cfg.Schemes {
		if err := reg.UpdatePolicy(s.Name, s.Policy()); err != nil {
			logger.WarnContext(ctx, "cannot apply scheme policy", "scheme", s.Name, "error", err)
			continue
		}
		logger.InfoContext(ctx, "scheme policy applied",
			"scheme", s.Name,
			"strict", s.Strict,
			"skip_path_checks", s.SkipPathChecks,
		)
	}
}
