package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"offensesync/internal/logger"
	"offensesync/pkg/models"
)

// GuardHeldMessage is reported when another run holds the run guard.
const GuardHeldMessage = "another instance is running"

// GuardLostMessage is reported when the run guard is taken over mid-run.
const GuardLostMessage = "run guard taken over by another instance"

// Per-offense stages, used in failure messages and metrics.
const (
	StageDedup  = "dedup"
	StageEnrich = "enrich"
	StageMap    = "map"
	StageCreate = "create"
)

// Config wires the sync pipeline dependencies.
type Config struct {
	Source      OffenseSource
	Enricher    Enricher
	Mapper      AlertMapper
	Destination AlertDestination
	Cursor      CursorStore
	Guard       RunGuard
	Writers     []ReportWriter
	Recorder    Recorder
	Now         func() time.Time
}

// SyncPipeline converts SIEM offenses into case-management alerts.
type SyncPipeline struct {
	source      OffenseSource
	enricher    Enricher
	mapper      AlertMapper
	destination AlertDestination
	cursor      CursorStore
	guard       RunGuard
	writers     []ReportWriter
	recorder    Recorder
	now         func() time.Time

	guardHeld atomic.Bool
}

// NewSyncPipeline creates a sync pipeline. Cursor and Guard are only
// required by Run and RunGuarded respectively.
func NewSyncPipeline(cfg Config) (*SyncPipeline, error) {
	if cfg.Source == nil {
		return nil, fmt.Errorf("offense source is required")
	}
	if cfg.Enricher == nil {
		return nil, fmt.Errorf("enricher is required")
	}
	if cfg.Mapper == nil {
		return nil, fmt.Errorf("alert mapper is required")
	}
	if cfg.Destination == nil {
		return nil, fmt.Errorf("alert destination is required")
	}
	if cfg.Recorder == nil {
		cfg.Recorder = noopRecorder{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &SyncPipeline{
		source:      cfg.Source,
		enricher:    cfg.Enricher,
		mapper:      cfg.Mapper,
		destination: cfg.Destination,
		cursor:      cfg.Cursor,
		guard:       cfg.Guard,
		writers:     cfg.Writers,
		recorder:    cfg.Recorder,
		now:         cfg.Now,
	}, nil
}

// Run converts every open offense newer than the persisted cursor and
// persists the new cursor once the batch is done.
func (p *SyncPipeline) Run(ctx context.Context) models.Report {
	report := p.newReport(models.ModeCursor)

	if p.cursor == nil {
		return p.finish(batchFailure(report, errors.New("no cursor store configured"), "failed to load cursor"))
	}
	cursor, err := p.cursor.LoadCursor(ctx)
	if err != nil {
		logger.Errorf("Failed to load cursor: %v", err)
		return p.finish(batchFailure(report, err, "failed to load cursor"))
	}
	report.CursorBefore = cursor
	report.CursorAfter = cursor

	offenses, err := p.source.FetchOffensesAfter(ctx, cursor)
	if err != nil {
		logger.Errorf("Failed to create alert from offense (retrieving offenses failed): %v", err)
		return p.finish(batchFailure(report, err, "failed to fetch offenses"))
	}
	logger.Infof("Fetched %d offenses after id %d", len(offenses), cursor)

	candidate := p.processBatch(ctx, offenses, cursor, &report)

	if ctx.Err() != nil {
		logger.Warnf("Run cancelled, cursor stays at %d", cursor)
		report.Success = false
		report.Message = fmt.Sprintf("%v: run cancelled, cursor not persisted", ctx.Err())
		return p.finish(report)
	}

	if err := p.cursor.SaveCursor(ctx, candidate); err != nil {
		logger.Errorf("Failed to persist cursor %d: %v", candidate, err)
		report.Success = false
		report.Message = fmt.Sprintf("%v: failed to persist cursor", err)
		return p.finish(report)
	}
	report.CursorAfter = candidate
	return p.finish(report)
}

// RunWindow converts open offenses updated within the trailing window. The
// cursor is neither read nor written.
func (p *SyncPipeline) RunWindow(ctx context.Context, window time.Duration) models.Report {
	report := p.newReport(models.ModeWindow)

	end := report.StartedAt
	start := end.Add(-window)
	offenses, err := p.source.FetchOffensesInWindow(ctx, start, end)
	if err != nil {
		logger.Errorf("Failed to fetch offenses updated in the last %s: %v", window, err)
		return p.finish(batchFailure(report, err, "failed to fetch offenses"))
	}
	logger.Infof("Fetched %d offenses updated in the last %s", len(offenses), window)

	p.processBatch(ctx, offenses, 0, &report)
	return p.finish(report)
}

// RunGuarded executes run while holding the run guard. When another run
// holds the guard nothing is executed.
func (p *SyncPipeline) RunGuarded(ctx context.Context, mode string, run func(context.Context) models.Report) models.Report {
	if p.guard == nil {
		return run(ctx)
	}

	acquired, err := p.guard.Acquire(ctx)
	if err != nil {
		logger.Errorf("Failed to acquire run guard: %v", err)
		return p.finish(batchFailure(p.newReport(mode), err, "failed to acquire run guard"))
	}
	if !acquired {
		logger.Infof("Sync skipped: %s", GuardHeldMessage)
		report := p.newReport(mode)
		report.Message = GuardHeldMessage
		return p.finish(report)
	}

	p.guardHeld.Store(true)
	defer func() {
		p.guardHeld.Store(false)
		// The run context may be cancelled by now.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := p.guard.Release(releaseCtx); err != nil {
			logger.Errorf("Failed to release run guard: %v", err)
		}
	}()
	return run(ctx)
}

// Close releases report writers.
func (p *SyncPipeline) Close() error {
	var errs []error
	for _, w := range p.writers {
		if err := w.Close(); err != nil {
			logger.Errorf("Failed to close report writer: %v", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *SyncPipeline) processBatch(ctx context.Context, offenses []*models.Offense, cursor int64, report *models.Report) int64 {
	report.Fetched = len(offenses)
	candidate := cursor

	for _, offense := range offenses {
		if ctx.Err() != nil {
			logger.Warnf("Run cancelled, %d offenses left unprocessed", len(offenses)-len(report.Offenses)-len(report.Skipped))
			break
		}
		if !p.refreshGuard(ctx) {
			logger.Errorf("Run guard lost, %d offenses left unprocessed", len(offenses)-len(report.Offenses)-len(report.Skipped))
			report.Success = false
			report.Message = GuardLostMessage
			break
		}

		outcome, skipped := p.processOffense(ctx, offense)
		if skipped {
			report.Skipped = append(report.Skipped, offense.ID)
			p.recorder.OffenseSkipped()
			continue
		}

		report.Offenses = append(report.Offenses, outcome)
		if !outcome.Success {
			report.Success = false
			continue
		}
		p.recorder.OffenseCreated()
		if offense.ID > candidate {
			candidate = offense.ID
		}
	}
	return candidate
}

// refreshGuard extends the run guard when this run holds it. A failed
// refresh keeps going; only a guard owned by someone else stops the batch.
func (p *SyncPipeline) refreshGuard(ctx context.Context) bool {
	if p.guard == nil || !p.guardHeld.Load() {
		return true
	}
	held, err := p.guard.Refresh(ctx)
	if err != nil {
		logger.Warnf("Failed to refresh run guard: %v", err)
		return true
	}
	return held
}

// processOffense runs dedup, enrich, map and create for one offense. Any
// error or panic is turned into a failed outcome.
func (p *SyncPipeline) processOffense(ctx context.Context, offense *models.Offense) (outcome models.OffenseOutcome, skipped bool) {
	outcome.OffenseID = offense.ID
	stage := StageDedup

	fail := func(err error) {
		logger.Errorf("Failed to create alert from offense %d (%s): %v", offense.ID, stage, err)
		outcome.Success = false
		outcome.Message = fmt.Sprintf("offense %d: %s: %v", offense.ID, stage, err)
		p.recorder.OffenseFailed(stage)
	}
	defer func() {
		if r := recover(); r != nil {
			skipped = false
			fail(fmt.Errorf("panic: %v", r))
		}
	}()

	sourceRef := strconv.FormatInt(offense.ID, 10)
	existing, err := p.destination.FindAlerts(ctx, sourceRef)
	if err != nil {
		fail(err)
		return outcome, false
	}
	if len(existing) > 0 {
		logger.Infof("Offense %d already imported as alert", offense.ID)
		return outcome, true
	}

	stage = StageEnrich
	enriched, err := p.enricher.Enrich(ctx, offense)
	if err != nil {
		fail(err)
		return outcome, false
	}

	stage = StageMap
	alert := p.mapper.Map(enriched)

	stage = StageCreate
	alertID, err := p.destination.CreateAlert(ctx, alert)
	if err != nil {
		fail(err)
		return outcome, false
	}

	logger.Infof("Offense %d imported as alert %s", offense.ID, alertID)
	outcome.AlertID = alertID
	outcome.Success = true
	return outcome, false
}

func (p *SyncPipeline) newReport(mode string) models.Report {
	return models.Report{
		RunID:     uuid.NewString(),
		Mode:      mode,
		StartedAt: p.now(),
		Success:   true,
		Offenses:  []models.OffenseOutcome{},
	}
}

func batchFailure(report models.Report, err error, what string) models.Report {
	report.Success = false
	report.Message = fmt.Sprintf("%v: %s", err, what)
	return report
}

// finish stamps the report and hands it to the writers and the recorder.
// Writer failures are logged and do not change the outcome.
func (p *SyncPipeline) finish(report models.Report) models.Report {
	report.FinishedAt = p.now()

	for _, w := range p.writers {
		if err := w.WriteReport(&report); err != nil {
			logger.Errorf("Failed to write report %s: %v", report.RunID, err)
		}
	}
	p.recorder.RunFinished(&report)

	if report.Success {
		logger.Infof("Run %s finished: fetched=%d created=%d skipped=%d cursor=%d",
			report.RunID, report.Fetched, report.Created(), len(report.Skipped), report.CursorAfter)
	} else {
		logger.Warnf("Run %s finished with errors: fetched=%d created=%d failed=%d message=%q",
			report.RunID, report.Fetched, report.Created(), report.Failed(), report.Message)
	}
	return report
}
