// Package registry maps scheme names to their list store and Randomizer.
// A Registry is built once at startup and passed to whoever allocates; there
// is no package-level instance.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync"

	"trialrand/internal/randomization/metrics"
	"trialrand/internal/randomization/models"
	"trialrand/internal/randomization/ports"
	"trialrand/internal/randomization/service"
	"trialrand/internal/randomization/store"
	"trialrand/internal/randomization/verifier"
	dErrors "trialrand/pkg/domain-errors"
	"trialrand/pkg/platform/audit"
	"trialrand/pkg/requestcontext"
)

// Registration describes one scheme to register.
type Registration struct {
	Store *store.ListStore
	// Source, when set, is compared row by row with the stored list.
	Source []models.Row
	// Options configure the scheme's Randomizer.
	Options []service.Option
}

// Entry is a snapshot of a registered scheme.
type Entry struct {
	Scheme     models.Scheme
	Store      *store.ListStore
	Randomizer *service.Randomizer
	// Findings from the most recent list verification.
	Findings []models.Finding
}

type entry struct {
	scheme     models.Scheme
	store      *store.ListStore
	randomizer *service.Randomizer
	findings   []models.Finding
}

func (e *entry) snapshot() Entry {
	return Entry{
		Scheme:     e.scheme,
		Store:      e.store,
		Randomizer: e.randomizer,
		Findings:   slices.Clone(e.findings),
	}
}

// Registry is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	logger  *slog.Logger
	metrics *metrics.Metrics
	audit   ports.AuditPublisher
}

type Option func(*Registry)

func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) {
		r.metrics = m
	}
}

// WithAuditPublisher records the outcome of every registration-time list
// verification.
func WithAuditPublisher(publisher ports.AuditPublisher) Option {
	return func(r *Registry) {
		r.audit = publisher
	}
}

func New(opts ...Option) *Registry {
	r := &Registry{
		entries: make(map[string]*entry),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register verifies the scheme's list and builds its Randomizer. Under a
// strict policy any finding rejects the list.
func (r *Registry) Register(ctx context.Context, reg Registration) (*service.Randomizer, error) {
	if reg.Store == nil {
		return nil, errors.New("store is required")
	}
	scheme := reg.Store.Scheme()

	r.mu.RLock()
	_, exists := r.entries[scheme.Name]
	r.mu.RUnlock()
	if exists {
		return nil, dErrors.Newf(dErrors.CodeDuplicateScheme, "scheme %s is already registered", scheme.Name)
	}

	findings, err := verifier.VerifyStore(ctx, reg.Store, scheme, reg.Source)
	if err != nil {
		return nil, err
	}
	r.report(ctx, scheme.Name, findings)
	if scheme.Policy.Strict && len(findings) > 0 {
		r.emitVerified(ctx, scheme, findings, "rejected")
		return nil, rejected(scheme.Name, findings)
	}

	randomizer, err := service.New(scheme, reg.Store, reg.Options...)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if _, exists := r.entries[scheme.Name]; exists {
		r.mu.Unlock()
		return nil, dErrors.Newf(dErrors.CodeDuplicateScheme, "scheme %s is already registered", scheme.Name)
	}
	r.entries[scheme.Name] = &entry{
		scheme:     scheme,
		store:      reg.Store,
		randomizer: randomizer,
		findings:   findings,
	}
	r.mu.Unlock()

	r.emitVerified(ctx, scheme, findings, "accepted")
	r.logger.InfoContext(ctx, "randomization scheme registered",
		"scheme", scheme.Name,
		"strict", scheme.Policy.Strict,
		"findings", len(findings),
	)
	return randomizer, nil
}

// Get returns the scheme's Randomizer. A strict scheme whose last
// verification reported findings is refused.
func (r *Registry) Get(name string) (*service.Randomizer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, dErrors.Newf(dErrors.CodeUnknownScheme, "unknown randomization scheme %q", name)
	}
	if e.scheme.Policy.Strict && len(e.findings) > 0 {
		return nil, rejected(name, e.findings)
	}
	return e.randomizer, nil
}

// Entry returns a snapshot of one registered scheme.
func (r *Registry) Entry(name string) (Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return Entry{}, dErrors.Newf(dErrors.CodeUnknownScheme, "unknown randomization scheme %q", name)
	}
	return e.snapshot(), nil
}

// Names lists registered schemes in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.entries))
}

// Entries returns snapshots of every scheme, ordered by name.
func (r *Registry) Entries() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.entries))
	for _, name := range slices.Sorted(maps.Keys(r.entries)) {
		out = append(out, r.entries[name].snapshot())
	}
	return out
}

// UpdatePolicy swaps the verification policy of a registered scheme.
func (r *Registry) UpdatePolicy(name string, policy models.Policy) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok {
		return dErrors.Newf(dErrors.CodeUnknownScheme, "unknown randomization scheme %q", name)
	}
	if e.scheme.Policy != policy {
		r.logger.Info("randomization policy updated",
			"scheme", name,
			"strict", policy.Strict,
			"skip_path_checks", policy.SkipPathChecks,
		)
	}
	e.scheme.Policy = policy
	return nil
}

// RecordFindings replaces the scheme's list findings, typically after a
// periodic health run.
func (r *Registry) RecordFindings(ctx context.Context, name string, findings []models.Finding) error {
	r.mu.Lock()
	e, ok := r.entries[name]
	var previous []models.Finding
	if ok {
		previous = e.findings
		e.findings = slices.Clone(findings)
	}
	r.mu.Unlock()
	if !ok {
		return dErrors.Newf(dErrors.CodeUnknownScheme, "unknown randomization scheme %q", name)
	}
	for _, f := range previous {
		r.metrics.SetFindings(name, f.ID, 0)
	}
	r.report(ctx, name, findings)
	return nil
}

func (r *Registry) report(ctx context.Context, scheme string, findings []models.Finding) {
	counts := make(map[string]int)
	for _, f := range findings {
		counts[f.ID]++
		r.logger.WarnContext(ctx, "randomization list finding",
			"scheme", scheme,
			"id", f.ID,
			"message", f.Message,
		)
	}
	for id, n := range counts {
		r.metrics.SetFindings(scheme, id, n)
	}
}

// emitVerified publishes a list verification outcome. Failure is logged and
// counted only.
func (r *Registry) emitVerified(ctx context.Context, scheme models.Scheme, findings []models.Finding, outcome string) {
	if r.audit == nil {
		return
	}
	ids := make([]string, 0, len(findings))
	for _, f := range findings {
		if !slices.Contains(ids, f.ID) {
			ids = append(ids, f.ID)
		}
	}
	err := r.audit.Emit(ctx, audit.Event{
		Timestamp: requestcontext.Now(ctx),
		Scheme:    scheme.Name,
		Action:    audit.ActionListVerified,
		Actor:     requestcontext.Actor(ctx),
		FieldChanges: map[string]string{
			"outcome":  outcome,
			"strict":   strconv.FormatBool(scheme.Policy.Strict),
			"findings": strconv.Itoa(len(findings)),
			"checks":   strings.Join(ids, ","),
		},
	})
	if err != nil {
		r.metrics.IncrementAuditFailure(string(audit.ActionListVerified))
		r.logger.ErrorContext(ctx, "audit emission failed",
			"scheme", scheme.Name,
			"action", string(audit.ActionListVerified),
			"error", err,
		)
	}
}

func rejected(scheme string, findings []models.Finding) error {
	msgs := make([]string, 0, len(findings))
	for _, f := range findings {
		msgs = append(msgs, f.ID+": "+f.Message)
	}
	return dErrors.Newf(dErrors.CodeListRejected, "scheme %s list rejected: %s", scheme, strings.Join(msgs, "; "))
}
