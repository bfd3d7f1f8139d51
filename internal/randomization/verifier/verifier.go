// Package verifier checks a loaded randomization list against its scheme's
// declared distribution. It never mutates the list; whether findings block
// allocation is the caller's policy.
package verifier

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"

	"trialrand/internal/randomization/models"
)

// Check identifiers, one per rule.
const (
	CheckTotal              = "randomization.L001"
	CheckArmCounts          = "randomization.L002"
	CheckSiteCoverage       = "randomization.L003"
	CheckDuplicateKey       = "randomization.L004"
	CheckDuplicateValue     = "randomization.L005"
	CheckUnknownAssignment  = "randomization.L006"
	CheckUndeclaredSite     = "randomization.L007"
	CheckSourceMismatch     = "randomization.L008"
	CheckDistributionConfig = "randomization.L009"
)

// RecordReader is the read-only view the verifier needs.
type RecordReader interface {
	Records(ctx context.Context) ([]models.ListRecord, error)
}

// VerifyStore reads every record and verifies them. source may be nil.
func VerifyStore(ctx context.Context, store RecordReader, scheme models.Scheme, source []models.Row) ([]models.Finding, error) {
	records, err := store.Records(ctx)
	if err != nil {
		return nil, err
	}
	return Verify(records, scheme, source), nil
}

// Verify returns one finding per violated rule instance. An empty result
// means the list is usable. Distribution rules are skipped when the scheme
// leaves them undeclared.
func Verify(records []models.ListRecord, scheme models.Scheme, source []models.Row) []models.Finding {
	v := &run{scheme: scheme}
	dist := scheme.Distribution

	if dist.Total > 0 && len(records) != dist.Total {
		v.add(CheckTotal, "expected %d rows, found %d", dist.Total, len(records))
	}

	arms := make(map[models.Assignment]int)
	sites := make(map[string]int)
	keys := make(map[models.RecordKey]int)
	values := make(map[string]int)
	for _, r := range records {
		arms[r.Assignment]++
		sites[r.SiteName]++
		keys[r.Key()]++
		if r.AllocationValue != "" {
			values[r.AllocationValue]++
		}
	}

	if len(dist.Ratios) > 0 {
		v.checkArms(arms)
	}
	for _, arm := range sortedKeys(arms) {
		if !scheme.Allows(arm) {
			v.add(CheckUnknownAssignment, "%d rows carry assignment %q outside the enumeration", arms[arm], arm)
		}
	}

	if len(dist.Sites) > 0 {
		for _, site := range sortedKeys(dist.Sites) {
			want, got := dist.Sites[site], sites[site]
			switch {
			case got == want:
			case got == 0:
				v.add(CheckSiteCoverage, "site %s is declared but has no rows", site)
			default:
				v.add(CheckSiteCoverage, "site %s: expected %d rows, found %d", site, want, got)
			}
		}
		for _, site := range sortedKeys(sites) {
			if _, ok := dist.Sites[site]; !ok {
				v.add(CheckUndeclaredSite, "site %s has %d rows but is not declared", site, sites[site])
			}
		}
	}

	for _, key := range sortedRecordKeys(keys) {
		if n := keys[key]; n > 1 {
			v.add(CheckDuplicateKey, "%s appears %d times", key, n)
		}
	}
	for _, value := range sortedKeys(values) {
		if n := values[value]; n > 1 {
			// the value itself is sensitive
			v.add(CheckDuplicateValue, "an allocation value is shared by %d rows", n)
		}
	}

	if source != nil {
		v.compareSource(records, source)
	}
	return v.findings
}

type run struct {
	scheme   models.Scheme
	findings []models.Finding
}

func (v *run) add(check, format string, args ...any) {
	v.findings = append(v.findings, models.Finding{
		ID:       check,
		Check:    checkNames[check],
		Scheme:   v.scheme.Name,
		Severity: models.SeverityWarning,
		Message:  fmt.Sprintf(format, args...),
	})
}

var checkNames = map[string]string{
	CheckTotal:              "total",
	CheckArmCounts:          "arm_counts",
	CheckSiteCoverage:       "site_coverage",
	CheckDuplicateKey:       "duplicate_key",
	CheckDuplicateValue:     "duplicate_allocation_value",
	CheckUnknownAssignment:  "unknown_assignment",
	CheckUndeclaredSite:     "undeclared_site",
	CheckSourceMismatch:     "source_mismatch",
	CheckDistributionConfig: "distribution_config",
}

func (v *run) checkArms(got map[models.Assignment]int) {
	total := v.scheme.Distribution.Total
	if total == 0 {
		// without a declared total the ratios apply to what was loaded
		for _, n := range got {
			total += n
		}
	}
	want, err := models.Distribution{Total: total, Ratios: v.scheme.Distribution.Ratios}.ExpectedArmCounts()
	if err != nil {
		v.add(CheckDistributionConfig, "declared ratios cannot be applied: %v", err)
		return
	}
	for _, arm := range sortedKeys(want) {
		if got[arm] != want[arm] {
			v.add(CheckArmCounts, "assignment %s: expected %d rows, found %d", arm, want[arm], got[arm])
		}
	}
}

// compareSource re-reads the list the store was loaded from and checks that
// every row is present with the same assignment and allocation value.
func (v *run) compareSource(records []models.ListRecord, source []models.Row) {
	byKey := make(map[models.RecordKey]models.ListRecord, len(records))
	for _, r := range records {
		byKey[r.Key()] = r
	}
	var missing, changed []string
	inSource := make(map[models.RecordKey]struct{}, len(source))
	for _, row := range source {
		inSource[row.Key()] = struct{}{}
		rec, ok := byKey[row.Key()]
		if !ok {
			missing = append(missing, row.Key().String())
			continue
		}
		if rec.Assignment != row.Assignment || rec.AllocationValue != row.AllocationValue {
			changed = append(changed, row.Key().String())
		}
	}
	var extra []string
	for _, r := range records {
		if _, ok := inSource[r.Key()]; !ok {
			extra = append(extra, r.Key().String())
		}
	}
	if len(missing) > 0 {
		v.add(CheckSourceMismatch, "%d source rows missing from the store: %s", len(missing), summarize(missing))
	}
	if len(changed) > 0 {
		v.add(CheckSourceMismatch, "%d rows differ from the source: %s", len(changed), summarize(changed))
	}
	if len(extra) > 0 {
		v.add(CheckSourceMismatch, "%d stored rows are not in the source: %s", len(extra), summarize(extra))
	}
}

const maxListed = 5

func summarize(keys []string) string {
	if len(keys) <= maxListed {
		return strings.Join(keys, ", ")
	}
	return strings.Join(keys[:maxListed], ", ") + fmt.Sprintf(" and %d more", len(keys)-maxListed)
}

func sortedKeys[K ~string, V any](m map[K]V) []K {
	return slices.Sorted(maps.Keys(m))
}

func sortedRecordKeys(m map[models.RecordKey]int) []models.RecordKey {
	keys := slices.Collect(maps.Keys(m))
	slices.SortFunc(keys, func(a, b models.RecordKey) int {
		if c := strings.Compare(a.SiteName, b.SiteName); c != 0 {
			return c
		}
		return a.SequenceID - b.SequenceID
	})
	return keys
}
