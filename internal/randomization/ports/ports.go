// Package ports declares the collaborators the randomization engine depends on.
package ports

import (
	"context"
	"time"

	"trialrand/internal/randomization/models"
	"trialrand/pkg/platform/audit"
)

// RecordStore is the persistence contract every list backend implements.
//
// Backends report infrastructure facts through pkg/platform/sentinel:
//   - Insert: ErrConflict when a (site, sequence id) pair already exists.
//     Inserts are all-or-nothing.
//   - NextUnclaimed, FindBySubject, FindBySID: ErrNotFound.
//   - Claim: ErrAlreadyUsed when the record is no longer unclaimed at commit,
//     ErrConflict when the subject already holds a record, ErrNotFound.
//   - MarkVerified: ErrInvalidState when the record is not allocated,
//     ErrConflict when it is already verified, ErrNotFound.
type RecordStore interface {
	Insert(ctx context.Context, records []models.ListRecord) error
	NextUnclaimed(ctx context.Context, siteName string) (*models.ListRecord, error)
	Claim(ctx context.Context, recordID string, claim models.Claim) (*models.ListRecord, error)
	MarkVerified(ctx context.Context, recordID, actor string, at time.Time) (*models.ListRecord, error)
	FindBySubject(ctx context.Context, subject string) (*models.ListRecord, error)
	FindBySID(ctx context.Context, siteName string, sequenceID int) (*models.ListRecord, error)
	Records(ctx context.Context) ([]models.ListRecord, error)
}

// SiteDirectory resolves enrollment sites. Site management itself lives
// outside the engine.
type SiteDirectory interface {
	Exists(ctx context.Context, name string) (bool, error)
	ID(ctx context.Context, name string) (string, error)
}

// AuditPublisher receives one event per record state transition.
type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}
