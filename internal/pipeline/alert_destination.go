package pipeline

import (
	"context"

	"offensesync/pkg/models"
)

// AlertDestination looks up and creates case-management alerts.
type AlertDestination interface {
	FindAlerts(ctx context.Context, sourceRef string) ([]*models.Alert, error)
	CreateAlert(ctx context.Context, alert *models.Alert) (string, error)
}

// AlertMapper builds an alert from an enriched offense.
type AlertMapper interface {
	Map(offense *models.EnrichedOffense) *models.Alert
}
