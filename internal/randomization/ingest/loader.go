package ingest

import (
	"context"
	"log/slog"

	"trialrand/internal/randomization/models"
	dErrors "trialrand/pkg/domain-errors"
)

// ListLoader is the store side of a load.
type ListLoader interface {
	Scheme() models.Scheme
	Load(ctx context.Context, rows []models.Row) error
}

// Load reads the scheme's list from src, checks the declared digest and
// loads the rows. The parsed rows are returned for source comparison.
func Load(ctx context.Context, store ListLoader, src Source, logger *slog.Logger) ([]models.Row, error) {
	scheme := store.Scheme()
	rows, digest, err := Read(ctx, src, scheme.Columns)
	if err != nil {
		return nil, err
	}
	if scheme.Digest != "" && scheme.Digest != digest {
		return nil, dErrors.Newf(dErrors.CodeListRejected,
			"list %s digest %s does not match the declared digest", src.Location(), digest)
	}
	if err := store.Load(ctx, rows); err != nil {
		return nil, err
	}
	logger.InfoContext(ctx, "list ingested",
		"scheme", scheme.Name,
		"location", src.Location(),
		"rows", len(rows),
		"digest", digest,
	)
	return rows, nil
}
