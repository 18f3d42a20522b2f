package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"offensesync/pkg/models"
)

// Recorder collects sync metrics on a private registry. Metrics are
// exported through a node exporter textfile after each run.
type Recorder struct {
	registry *prometheus.Registry

	offenses    *prometheus.CounterVec
	failures    *prometheus.CounterVec
	degraded    *prometheus.CounterVec
	runDuration *prometheus.HistogramVec
	runSuccess  *prometheus.GaugeVec
	lastRun     *prometheus.GaugeVec
	cursor      prometheus.Gauge
	fetched     *prometheus.GaugeVec
}

// NewRecorder creates a recorder with all metrics registered.
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		offenses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "offensesync_offenses_total",
				Help: "Offenses processed by outcome",
			},
			[]string{"outcome"},
		),
		failures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "offensesync_offense_failures_total",
				Help: "Per-offense failures by pipeline stage",
			},
			[]string{"stage"},
		),
		degraded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "offensesync_enrichment_degraded_total",
				Help: "Address resolutions abandoned or failed, by side",
			},
			[]string{"side"},
		),
		runDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "offensesync_run_duration_seconds",
				Help:    "Duration of sync runs in seconds",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"mode"},
		),
		runSuccess: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "offensesync_last_run_success",
				Help: "1 if the last run succeeded, 0 otherwise",
			},
			[]string{"mode"},
		),
		lastRun: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "offensesync_last_run_timestamp_seconds",
				Help: "Unix time the last run finished",
			},
			[]string{"mode"},
		),
		cursor: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "offensesync_cursor",
				Help: "Highest offense id converted so far",
			},
		),
		fetched: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "offensesync_last_run_fetched",
				Help: "Offenses fetched by the last run",
			},
			[]string{"mode"},
		),
	}
}

// OffenseCreated counts a created alert.
func (r *Recorder) OffenseCreated() {
	r.offenses.WithLabelValues("created").Inc()
}

// OffenseSkipped counts an offense that was already imported.
func (r *Recorder) OffenseSkipped() {
	r.offenses.WithLabelValues("skipped").Inc()
}

// OffenseFailed counts a per-offense failure at stage.
func (r *Recorder) OffenseFailed(stage string) {
	r.offenses.WithLabelValues("failed").Inc()
	r.failures.WithLabelValues(stage).Inc()
}

// EnrichmentDegraded counts an address lookup that fell back to an empty set.
func (r *Recorder) EnrichmentDegraded(side string) {
	r.degraded.WithLabelValues(side).Inc()
}

// RunFinished records the run level metrics of report.
func (r *Recorder) RunFinished(report *models.Report) {
	mode := report.Mode
	r.runDuration.WithLabelValues(mode).Observe(report.FinishedAt.Sub(report.StartedAt).Seconds())
	success := 0.0
	if report.Success {
		success = 1
	}
	r.runSuccess.WithLabelValues(mode).Set(success)
	r.lastRun.WithLabelValues(mode).Set(float64(report.FinishedAt.Unix()))
	r.fetched.WithLabelValues(mode).Set(float64(report.Fetched))
	if mode == models.ModeCursor {
		r.cursor.Set(float64(report.CursorAfter))
	}
}

// WriteTextfile writes all metrics in the text exposition format. The file is
// replaced atomically.
func (r *Recorder) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
