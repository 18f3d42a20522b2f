package rules

import "offensesync/pkg/models"

// Engine tags offenses with the names of matching rules.
type Engine interface {
	Apply(offense *models.Offense) []string
}

// NoopEngine returns no tags.
type NoopEngine struct{}

// Apply returns an empty tag list.
func (n *NoopEngine) Apply(offense *models.Offense) []string {
	return nil
}
