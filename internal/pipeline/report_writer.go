package pipeline

import "offensesync/pkg/models"

// ReportWriter writes run reports.
type ReportWriter interface {
	WriteReport(report *models.Report) error
	Close() error
}

// Recorder receives per-offense and per-run counts.
type Recorder interface {
	OffenseCreated()
	OffenseSkipped()
	OffenseFailed(stage string)
	RunFinished(report *models.Report)
}

type noopRecorder struct{}

func (noopRecorder) OffenseCreated()            {}
func (noopRecorder) OffenseSkipped()            {}
func (noopRecorder) OffenseFailed(string)       {}
func (noopRecorder) RunFinished(*models.Report) {}
