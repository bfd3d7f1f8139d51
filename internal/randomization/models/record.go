package models

import (
	"fmt"
	"strconv"
	"time"
)

// Assignment is a treatment arm code from a scheme's enumeration.
type Assignment string

const (
	AssignmentActive  Assignment = "active"
	AssignmentPlacebo Assignment = "placebo"
)

// DefaultAssignments is the two-arm enumeration used when a scheme declares none.
var DefaultAssignments = []Assignment{AssignmentActive, AssignmentPlacebo}

// RecordKey is the natural key of a list row.
type RecordKey struct {
	SiteName   string
	SequenceID int
}

func (k RecordKey) String() string {
	return k.SiteName + "." + strconv.Itoa(k.SequenceID)
}

// Row is one line of a randomization list as ingested, before it becomes a
// ListRecord.
type Row struct {
	SiteName        string
	SequenceID      int
	Assignment      Assignment
	AllocationValue string
}

func (r Row) Key() RecordKey {
	return RecordKey{SiteName: r.SiteName, SequenceID: r.SequenceID}
}

// ListRecord is a row of the randomization list together with its allocation
// and verification state.
//
// Assignment and AllocationValue are sensitive; they must not leave the
// engine except through callers holding the display permission.
type ListRecord struct {
	ID              string
	SiteName        string
	SequenceID      int
	Assignment      Assignment
	AllocationValue string

	Allocated         bool
	SubjectIdentifier string
	AllocatedAt       *time.Time
	AllocatedBy       string
	AllocatedSite     string

	Verified   bool
	VerifiedAt *time.Time
	VerifiedBy string
}

// NewListRecord builds an unclaimed record from an ingested row.
func NewListRecord(id string, row Row) ListRecord {
	return ListRecord{
		ID:              id,
		SiteName:        row.SiteName,
		SequenceID:      row.SequenceID,
		Assignment:      row.Assignment,
		AllocationValue: row.AllocationValue,
	}
}

func (r ListRecord) Key() RecordKey {
	return RecordKey{SiteName: r.SiteName, SequenceID: r.SequenceID}
}

func (r ListRecord) String() string {
	return fmt.Sprintf("%s subject=%s", r.Key(), r.SubjectIdentifier)
}

// ShortLabel is the label shown to readers allowed to see the assignment.
func (r ListRecord) ShortLabel() string {
	return fmt.Sprintf("%s SID:%s", r.Assignment, r.Key())
}

// Claim carries the allocation metadata written atomically with Allocated.
type Claim struct {
	SubjectIdentifier string
	Actor             string
	Site              string
	At                time.Time
}

// Apply marks the record allocated. Callers must have checked the record is
// unclaimed.
func (r *ListRecord) Apply(c Claim) {
	at := c.At
	r.Allocated = true
	r.SubjectIdentifier = c.SubjectIdentifier
	r.AllocatedAt = &at
	r.AllocatedBy = c.Actor
	r.AllocatedSite = c.Site
}

// MarkVerified sets the verification fields.
func (r *ListRecord) MarkVerified(actor string, at time.Time) {
	r.Verified = true
	r.VerifiedAt = &at
	r.VerifiedBy = actor
}

// Clone returns a copy that shares no pointers with r.
func (r ListRecord) Clone() ListRecord {
	out := r
	if r.AllocatedAt != nil {
		t := *r.AllocatedAt
		out.AllocatedAt = &t
	}
	if r.VerifiedAt != nil {
		t := *r.VerifiedAt
		out.VerifiedAt = &t
	}
	return out
}
