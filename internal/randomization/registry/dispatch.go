package registry

import (
	"context"
	"time"

	"trialrand/internal/randomization/models"
)

// Allocate claims the next row for subject at site in the named scheme.
// Strict schemes with open findings refuse allocation.
func (r *Registry) Allocate(ctx context.Context, scheme, site, subject, actor string, at time.Time) (*models.AllocationResult, error) {
	randomizer, err := r.Get(scheme)
	if err != nil {
		return nil, err
	}
	return randomizer.Allocate(ctx, site, subject, actor, at)
}

// Lookup returns an existing allocation. Reads stay available while a
// strict scheme is blocked so enrolled subjects can still be resolved.
func (r *Registry) Lookup(ctx context.Context, scheme, subject string) (*models.AllocationResult, error) {
	e, err := r.Entry(scheme)
	if err != nil {
		return nil, err
	}
	return e.Randomizer.Lookup(ctx, subject)
}

// Verify marks the allocated row site.sequenceID as verified.
func (r *Registry) Verify(ctx context.Context, scheme, site string, sequenceID int, actor string, at time.Time) (*models.ListRecord, error) {
	e, err := r.Entry(scheme)
	if err != nil {
		return nil, err
	}
	return e.Randomizer.Verify(ctx, site, sequenceID, actor, at)
}
