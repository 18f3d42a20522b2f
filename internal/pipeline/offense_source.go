package pipeline

import (
	"context"
	"time"

	"offensesync/pkg/models"
)

// OffenseSource fetches open offenses from the SIEM.
type OffenseSource interface {
	FetchOffensesAfter(ctx context.Context, cursor int64) ([]*models.Offense, error)
	FetchOffensesInWindow(ctx context.Context, start, end time.Time) ([]*models.Offense, error)
}

// Enricher resolves offense context before mapping.
type Enricher interface {
	Enrich(ctx context.Context, offense *models.Offense) (*models.EnrichedOffense, error)
}
