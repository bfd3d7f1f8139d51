package models

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	dErrors "trialrand/pkg/domain-errors"
)

// Describer maps an assignment to the description handed back to callers.
// Schemes with arms other than active/placebo inject their own.
type Describer interface {
	Describe(a Assignment) (string, error)
}

// DescriberFunc adapts a function to Describer.
type DescriberFunc func(a Assignment) (string, error)

func (f DescriberFunc) Describe(a Assignment) (string, error) { return f(a) }

// DescriptionMap is a Describer backed by a lookup table.
type DescriptionMap map[Assignment]string

// DefaultDescriptions covers the two-arm active/placebo enumeration.
func DefaultDescriptions() DescriptionMap {
	return DescriptionMap{
		AssignmentActive:  "active",
		AssignmentPlacebo: "placebo",
	}
}

// SchemeDescriptions describes every assignment in the scheme's enumeration:
// the declared description, else the active/placebo default, else the
// assignment's own name. Assignments outside the enumeration stay undescribed.
func SchemeDescriptions(s Scheme) DescriptionMap {
	defaults := DefaultDescriptions()
	out := make(DescriptionMap, len(s.Assignments))
	for _, a := range s.Assignments {
		switch {
		case s.Descriptions[a] != "":
			out[a] = s.Descriptions[a]
		case defaults[a] != "":
			out[a] = defaults[a]
		default:
			out[a] = string(a)
		}
	}
	return out
}

// CheckDescriber fails when d cannot describe one of the assignments.
func CheckDescriber(d Describer, assignments []Assignment) error {
	for _, a := range assignments {
		if _, err := d.Describe(a); err != nil {
			return fmt.Errorf("no description for assignment %q: %w", a, err)
		}
	}
	return nil
}

func (m DescriptionMap) Describe(a Assignment) (string, error) {
	if d, ok := m[a]; ok {
		return d, nil
	}
	known := slices.Sorted(maps.Keys(m))
	names := make([]string, len(known))
	for i, k := range known {
		names[i] = string(k)
	}
	return "", dErrors.New(dErrors.CodeInvalidAssignment,
		fmt.Sprintf("invalid assignment: expected one of [%s], got %q", strings.Join(names, ", "), a))
}
