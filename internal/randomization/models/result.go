package models

import "time"

// AllocationResult is returned to the enrollment workflow after a claim.
// The workflow persists the link between subject and result in its own
// records; the claimed ListRecord is the engine's only durable side effect.
type AllocationResult struct {
	Scheme            string
	SiteName          string
	SequenceID        int
	Assignment        Assignment
	Description       string
	SubjectIdentifier string
	AllocatedAt       time.Time
}

// NewAllocationResult builds a result from a claimed record.
func NewAllocationResult(scheme string, rec ListRecord, description string) *AllocationResult {
	res := &AllocationResult{
		Scheme:            scheme,
		SiteName:          rec.SiteName,
		SequenceID:        rec.SequenceID,
		Assignment:        rec.Assignment,
		Description:       description,
		SubjectIdentifier: rec.SubjectIdentifier,
	}
	if rec.AllocatedAt != nil {
		res.AllocatedAt = *rec.AllocatedAt
	}
	return res
}
