package models

import (
	"fmt"
	"slices"
)

// DefaultMaxClaimRetries bounds how often Allocate re-reads the next row after
// losing a claim race.
const DefaultMaxClaimRetries = 3

// Distribution is the expected shape of a list.
type Distribution struct {
	// Total is the declared number of rows.
	Total int
	// Ratios are relative arm weights, e.g. {active: 1, placebo: 1}.
	Ratios map[Assignment]int
	// Sites maps each declared site to its expected row count.
	Sites map[string]int
}

// ExpectedArmCounts derives per-arm counts from Total and Ratios. It fails
// when the ratios cannot divide the total evenly.
func (d Distribution) ExpectedArmCounts() (map[Assignment]int, error) {
	weight := 0
	for _, w := range d.Ratios {
		if w < 0 {
			return nil, fmt.Errorf("negative ratio weight %d", w)
		}
		weight += w
	}
	if weight == 0 {
		return nil, fmt.Errorf("ratios sum to zero")
	}
	if d.Total%weight != 0 {
		return nil, fmt.Errorf("total %d is not divisible by ratio weight %d", d.Total, weight)
	}
	unit := d.Total / weight
	out := make(map[Assignment]int, len(d.Ratios))
	for arm, w := range d.Ratios {
		out[arm] = w * unit
	}
	return out, nil
}

// Policy is the verification policy of a scheme. It may be hot-reloaded.
type Policy struct {
	// Strict promotes every finding to a blocking error.
	Strict bool
	// SkipPathChecks disables storage location checks (development only).
	SkipPathChecks bool
}

// Columns names the ingestion columns; the exact names are a deployment
// contract.
type Columns struct {
	SiteName        string
	SequenceID      string
	Assignment      string
	AllocationValue string
}

// DefaultColumns matches the column names of the original list exports.
func DefaultColumns() Columns {
	return Columns{
		SiteName:        "site_name",
		SequenceID:      "sid",
		Assignment:      "assignment",
		AllocationValue: "orig_allocation",
	}
}

// Scheme is a named randomization scheme.
type Scheme struct {
	Name            string
	Assignments     []Assignment
	Descriptions    map[Assignment]string
	Distribution    Distribution
	Policy          Policy
	Source          string
	Columns         Columns
	Digest          string
	MaxClaimRetries int
}

// Validate checks the scheme declaration itself, not its list.
func (s Scheme) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("scheme name is required")
	}
	if len(s.Assignments) == 0 {
		return fmt.Errorf("scheme %s: assignments are required", s.Name)
	}
	for arm := range s.Distribution.Ratios {
		if !slices.Contains(s.Assignments, arm) {
			return fmt.Errorf("scheme %s: ratio for undeclared assignment %q", s.Name, arm)
		}
	}
	for arm := range s.Descriptions {
		if !slices.Contains(s.Assignments, arm) {
			return fmt.Errorf("scheme %s: description for undeclared assignment %q", s.Name, arm)
		}
	}
	if s.MaxClaimRetries < 0 {
		return fmt.Errorf("scheme %s: max claim retries must not be negative", s.Name)
	}
	return nil
}

// WithDefaults fills unset fields.
func (s Scheme) WithDefaults() Scheme {
	if len(s.Assignments) == 0 {
		s.Assignments = slices.Clone(DefaultAssignments)
	}
	if s.MaxClaimRetries == 0 {
		s.MaxClaimRetries = DefaultMaxClaimRetries
	}
	if s.Columns == (Columns{}) {
		s.Columns = DefaultColumns()
	}
	return s
}

// Allows reports whether a is in the scheme's enumeration.
func (s Scheme) Allows(a Assignment) bool {
	return slices.Contains(s.Assignments, a)
}
