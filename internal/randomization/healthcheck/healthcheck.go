// Package healthcheck re-verifies every registered scheme and checks that
// list files are stored where operators cannot tamper with them. Findings
// are warnings; Report.Blocking promotes those of strict schemes.
package healthcheck

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"trialrand/internal/randomization/ingest"
	"trialrand/internal/randomization/metrics"
	"trialrand/internal/randomization/models"
	"trialrand/internal/randomization/registry"
	"trialrand/internal/randomization/verifier"
)

const (
	// IDListFinding wraps a verifier finding.
	IDListFinding = "randomization.W001"
	// IDInsecureLocation: the list lives outside the secure directory.
	IDInsecureLocation = "randomization.W002"
	// IDWritableList: the running user can write the list.
	IDWritableList = "randomization.W003"
	// IDDigestMismatch: the list no longer matches its declared digest.
	IDDigestMismatch = "randomization.W004"
	// IDSourceUnreadable: the list could not be read for comparison.
	IDSourceUnreadable = "randomization.W005"
)

// Registry is the view of the scheme registry the checker needs.
type Registry interface {
	Entries() []registry.Entry
}

// SourceOpener resolves a scheme's configured list location.
type SourceOpener func(location string) (ingest.Source, error)

// Checker runs the checks.
type Checker struct {
	secureDir   string
	openSource  SourceOpener
	writable    func(path string) bool
	concurrency int
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

type Option func(*Checker)

// WithSourceOpener enables digest and source comparison checks.
func WithSourceOpener(open SourceOpener) Option {
	return func(c *Checker) {
		c.openSource = open
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Checker) {
		c.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Checker) {
		c.metrics = m
	}
}

// WithConcurrency bounds how many schemes are checked at once.
func WithConcurrency(n int) Option {
	return func(c *Checker) {
		c.concurrency = n
	}
}

// WithWritableCheck replaces the access(2) check.
func WithWritableCheck(fn func(path string) bool) Option {
	return func(c *Checker) {
		c.writable = fn
	}
}

// New returns a Checker. Lists must live under secureDir; an empty secureDir
// disables the location check.
func New(secureDir string, opts ...Option) *Checker {
	c := &Checker{
		secureDir:   secureDir,
		writable:    writableByCurrentUser,
		concurrency: 4,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func writableByCurrentUser(path string) bool {
	return unix.Access(path, unix.W_OK) == nil
}

// SchemeResult holds the findings for one scheme.
type SchemeResult struct {
	Scheme   string
	Strict   bool
	Findings []models.Finding
	// ListFindings are the raw verifier findings behind W001.
	ListFindings []models.Finding
}

// Report is the outcome of one run.
type Report struct {
	Schemes []SchemeResult
}

// Findings returns every finding as a warning.
func (r Report) Findings() []models.Finding {
	var out []models.Finding
	for _, s := range r.Schemes {
		out = append(out, s.Findings...)
	}
	return out
}

// Blocking returns the findings of strict schemes promoted to errors.
func (r Report) Blocking() []models.Finding {
	var out []models.Finding
	for _, s := range r.Schemes {
		if !s.Strict {
			continue
		}
		for _, f := range s.Findings {
			f.Severity = models.SeverityError
			out = append(out, f)
		}
	}
	return out
}

// Run checks every registered scheme concurrently. A check that cannot run
// becomes a finding rather than an error.
func (c *Checker) Run(ctx context.Context, reg Registry) Report {
	entries := reg.Entries()
	results := make([]SchemeResult, len(entries))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(c.concurrency, 1))
	for i, e := range entries {
		g.Go(func() error {
			results[i] = c.checkScheme(gctx, e)
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		counts := map[string]int{IDListFinding: 0, IDInsecureLocation: 0, IDWritableList: 0, IDDigestMismatch: 0, IDSourceUnreadable: 0}
		for _, f := range r.Findings {
			counts[f.ID]++
		}
		for id, n := range counts {
			c.metrics.SetFindings(r.Scheme, id, n)
		}
	}
	return Report{Schemes: results}
}

func (c *Checker) checkScheme(ctx context.Context, e registry.Entry) SchemeResult {
	scheme := e.Scheme
	res := SchemeResult{Scheme: scheme.Name, Strict: scheme.Policy.Strict}
	add := func(id, check, format string, args ...any) {
		res.Findings = append(res.Findings, models.Finding{
			ID:       id,
			Check:    check,
			Scheme:   scheme.Name,
			Severity: models.SeverityWarning,
			Message:  fmt.Sprintf(format, args...),
		})
	}

	var source []models.Row
	var src ingest.Source
	if c.openSource != nil && scheme.Source != "" {
		var err error
		if src, err = c.openSource(scheme.Source); err == nil {
			var digest string
			source, digest, err = ingest.Read(ctx, src, scheme.Columns)
			if err == nil && scheme.Digest != "" && digest != scheme.Digest {
				add(IDDigestMismatch, "digest", "list %s has digest %s, declared %s", src.Location(), digest, scheme.Digest)
			}
		}
		if err != nil {
			source = nil
			add(IDSourceUnreadable, "source", "cannot read list %s: %v", scheme.Source, err)
		}
	}

	records, err := e.Store.Records(ctx)
	if err != nil {
		add(IDListFinding, "verify", "cannot read stored list: %v", err)
	} else {
		res.ListFindings = verifier.Verify(records, scheme, source)
		for _, f := range res.ListFindings {
			add(IDListFinding, f.ID, "%s", f.Message)
		}
		c.reportUnclaimed(scheme.Name, records)
	}

	if !scheme.Policy.SkipPathChecks {
		path := ""
		if src != nil {
			path = src.LocalPath()
		} else if !strings.HasPrefix(scheme.Source, "s3://") {
			path = scheme.Source
		}
		if path != "" {
			if c.secureDir != "" && !within(c.secureDir, path) {
				add(IDInsecureLocation, "location",
					"insecure configuration: list must be stored under %s, got %s", c.secureDir, path)
			}
			if c.writable(path) {
				add(IDWritableList, "permissions",
					"insecure configuration: list is writable by this user, got %s", path)
			}
		}
	}
	return res
}

func (c *Checker) reportUnclaimed(scheme string, records []models.ListRecord) {
	unclaimed := make(map[string]int)
	for _, r := range records {
		if _, ok := unclaimed[r.SiteName]; !ok {
			unclaimed[r.SiteName] = 0
		}
		if !r.Allocated {
			unclaimed[r.SiteName]++
		}
	}
	for site, n := range unclaimed {
		c.metrics.SetUnclaimed(scheme, site, n)
	}
}

// within reports whether path lies inside dir once both are cleaned and
// their symlinks resolved.
func within(dir, path string) bool {
	absDir, err := resolve(dir)
	if err != nil {
		return false
	}
	absPath, err := resolve(path)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(absDir, absPath)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && rel != "."
}

// resolve returns the absolute path with symlinks followed. A path that does
// not exist yet is only cleaned.
func resolve(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if errors.Is(err, fs.ErrNotExist) {
		return abs, nil
	}
	return resolved, err
}
