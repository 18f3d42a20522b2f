package pipeline

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"offensesync/pkg/models"
)

type fakeSource struct {
	offenses    []*models.Offense
	err         error
	afterCalls  []int64
	windowStart time.Time
	windowEnd   time.Time
}

func (f *fakeSource) FetchOffensesAfter(_ context.Context, cursor int64) ([]*models.Offense, error) {
	f.afterCalls = append(f.afterCalls, cursor)
	return f.offenses, f.err
}

func (f *fakeSource) FetchOffensesInWindow(_ context.Context, start, end time.Time) ([]*models.Offense, error) {
	f.windowStart, f.windowEnd = start, end
	return f.offenses, f.err
}

type fakeEnricher struct {
	EnrichFunc func(ctx context.Context, offense *models.Offense) (*models.EnrichedOffense, error)
}

func (f *fakeEnricher) Enrich(ctx context.Context, offense *models.Offense) (*models.EnrichedOffense, error) {
	if f.EnrichFunc != nil {
		return f.EnrichFunc(ctx, offense)
	}
	return &models.EnrichedOffense{Offense: *offense.Clone()}, nil
}

type fakeMapper struct {
	MapFunc func(offense *models.EnrichedOffense) *models.Alert
}

func (f *fakeMapper) Map(offense *models.EnrichedOffense) *models.Alert {
	if f.MapFunc != nil {
		return f.MapFunc(offense)
	}
	return &models.Alert{Title: offense.Description, SourceRef: strconv.FormatInt(offense.ID, 10)}
}

// fakeDestination keeps created alerts by sourceRef.
type fakeDestination struct {
	mu          sync.Mutex
	alerts      map[string][]*models.Alert
	findErr     error
	failCreates map[string]error
	created     int
}

func newFakeDestination() *fakeDestination {
	return &fakeDestination{alerts: map[string][]*models.Alert{}, failCreates: map[string]error{}}
}

func (f *fakeDestination) FindAlerts(_ context.Context, sourceRef string) ([]*models.Alert, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.findErr != nil {
		return nil, f.findErr
	}
	return f.alerts[sourceRef], nil
}

func (f *fakeDestination) CreateAlert(_ context.Context, alert *models.Alert) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failCreates[alert.SourceRef]; err != nil {
		return "", err
	}
	f.created++
	id := "alert-" + alert.SourceRef
	stored := *alert
	stored.ID = id
	f.alerts[alert.SourceRef] = append(f.alerts[alert.SourceRef], &stored)
	return id, nil
}

type fakeCursor struct {
	cursor  int64
	loadErr error
	saveErr error
	saves   []int64
}

func (f *fakeCursor) LoadCursor(context.Context) (int64, error) {
	return f.cursor, f.loadErr
}

func (f *fakeCursor) SaveCursor(_ context.Context, cursor int64) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	f.saves = append(f.saves, cursor)
	f.cursor = cursor
	return nil
}

type fakeGuard struct {
	held      bool
	err       error
	released  int
	refreshed int
	loseAfter int // refreshes that succeed before the guard is taken over; 0 never loses it
}

func (f *fakeGuard) Acquire(context.Context) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	if f.held {
		return false, nil
	}
	f.held = true
	return true, nil
}

func (f *fakeGuard) Refresh(context.Context) (bool, error) {
	f.refreshed++
	if f.loseAfter > 0 && f.refreshed > f.loseAfter {
		return false, nil
	}
	return true, nil
}

func (f *fakeGuard) Release(context.Context) error {
	f.held = false
	f.released++
	return nil
}

type captureWriter struct {
	reports []models.Report
	closed  bool
}

func (w *captureWriter) WriteReport(report *models.Report) error {
	w.reports = append(w.reports, *report)
	return nil
}

func (w *captureWriter) Close() error {
	w.closed = true
	return nil
}

type countingRecorder struct {
	created, skipped int
	failed           map[string]int
	runs             int
}

func (r *countingRecorder) OffenseCreated() { r.created++ }
func (r *countingRecorder) OffenseSkipped() { r.skipped++ }
func (r *countingRecorder) OffenseFailed(stage string) {
	if r.failed == nil {
		r.failed = map[string]int{}
	}
	r.failed[stage]++
}
func (r *countingRecorder) RunFinished(*models.Report) { r.runs++ }

func offenses(ids ...int64) []*models.Offense {
	out := make([]*models.Offense, 0, len(ids))
	for _, id := range ids {
		out = append(out, &models.Offense{ID: id, Description: "offense " + strconv.FormatInt(id, 10)})
	}
	return out
}

type harness struct {
	source      *fakeSource
	enricher    *fakeEnricher
	mapper      *fakeMapper
	destination *fakeDestination
	cursor      *fakeCursor
	guard       *fakeGuard
	writer      *captureWriter
	recorder    *countingRecorder
	pipeline    *SyncPipeline
}

func newHarness(t *testing.T, ids ...int64) *harness {
	t.Helper()
	h := &harness{
		source:      &fakeSource{offenses: offenses(ids...)},
		enricher:    &fakeEnricher{},
		mapper:      &fakeMapper{},
		destination: newFakeDestination(),
		cursor:      &fakeCursor{cursor: -1},
		guard:       &fakeGuard{},
		writer:      &captureWriter{},
		recorder:    &countingRecorder{},
	}
	p, err := NewSyncPipeline(Config{
		Source:      h.source,
		Enricher:    h.enricher,
		Mapper:      h.mapper,
		Destination: h.destination,
		Cursor:      h.cursor,
		Guard:       h.guard,
		Writers:     []ReportWriter{h.writer},
		Recorder:    h.recorder,
	})
	require.NoError(t, err)
	h.pipeline = p
	return h
}

func TestRunCreatesAlertsAndAdvancesCursor(t *testing.T) {
	h := newHarness(t, 1, 2, 3)

	report := h.pipeline.Run(context.Background())

	assert.True(t, report.Success)
	assert.Equal(t, models.ModeCursor, report.Mode)
	assert.NotEmpty(t, report.RunID)
	assert.Equal(t, 3, report.Fetched)
	assert.Equal(t, int64(-1), report.CursorBefore)
	assert.Equal(t, int64(3), report.CursorAfter)
	assert.Equal(t, []int64{3}, h.cursor.saves)
	require.Len(t, report.Offenses, 3)
	for i, outcome := range report.Offenses {
		assert.True(t, outcome.Success)
		assert.Equal(t, int64(i+1), outcome.OffenseID)
		assert.Equal(t, "alert-"+strconv.Itoa(i+1), outcome.AlertID)
	}
	assert.Equal(t, []int64{-1}, h.source.afterCalls)
	assert.Equal(t, 3, h.recorder.created)
	assert.Equal(t, 1, h.recorder.runs)
	require.Len(t, h.writer.reports, 1)
	assert.Equal(t, report.RunID, h.writer.reports[0].RunID)
}

func TestRunIsIdempotent(t *testing.T) {
	h := newHarness(t, 1, 2, 3)

	first := h.pipeline.Run(context.Background())
	require.True(t, first.Success)
	require.Equal(t, 3, h.destination.created)

	// The source ignores the cursor so every offense reaches dedup again.
	second := h.pipeline.Run(context.Background())
	assert.True(t, second.Success)
	assert.Equal(t, 3, h.destination.created)
	assert.Empty(t, second.Offenses)
	assert.Equal(t, []int64{1, 2, 3}, second.Skipped)
	assert.Equal(t, int64(3), second.CursorAfter)
	assert.Equal(t, 3, h.recorder.skipped)
	for ref, alerts := range h.destination.alerts {
		assert.Len(t, alerts, 1, "sourceRef %s", ref)
	}
}

func TestRunCursorIsMaxOfSuccesses(t *testing.T) {
	h := newHarness(t, 5, 3, 7)
	h.destination.failCreates["7"] = errors.New("http 500")

	report := h.pipeline.Run(context.Background())

	assert.False(t, report.Success)
	assert.Equal(t, int64(5), report.CursorAfter)
	assert.Equal(t, []int64{5}, h.cursor.saves)
}

func TestRunCursorHandlesOutOfOrderIDs(t *testing.T) {
	h := newHarness(t, 7, 3, 5)

	report := h.pipeline.Run(context.Background())

	assert.True(t, report.Success)
	assert.Equal(t, int64(7), report.CursorAfter)
}

func TestRunCursorNeverDecreases(t *testing.T) {
	h := newHarness(t, 3, 4)
	h.cursor.cursor = 10

	report := h.pipeline.Run(context.Background())

	assert.True(t, report.Success)
	assert.Equal(t, int64(10), report.CursorAfter)
	assert.Equal(t, []int64{10}, h.cursor.saves)
}

func TestRunIsolatesItemFailures(t *testing.T) {
	h := newHarness(t, 1, 2, 3)
	h.enricher.EnrichFunc = func(_ context.Context, offense *models.Offense) (*models.EnrichedOffense, error) {
		if offense.ID == 2 {
			return nil, errors.New("search failed")
		}
		return &models.EnrichedOffense{Offense: *offense}, nil
	}

	report := h.pipeline.Run(context.Background())

	assert.False(t, report.Success)
	assert.Empty(t, report.Message)
	require.Len(t, report.Offenses, 3)
	assert.True(t, report.Offenses[0].Success)
	assert.False(t, report.Offenses[1].Success)
	assert.Equal(t, "offense 2: enrich: search failed", report.Offenses[1].Message)
	assert.True(t, report.Offenses[2].Success)
	assert.Equal(t, int64(3), report.CursorAfter)
	assert.Equal(t, 2, report.Created())
	assert.Equal(t, 1, report.Failed())
	assert.Equal(t, 1, h.recorder.failed[StageEnrich])
}

func TestRunRecoversFromPanics(t *testing.T) {
	h := newHarness(t, 1, 2)
	h.mapper.MapFunc = func(offense *models.EnrichedOffense) *models.Alert {
		if offense.ID == 1 {
			panic("nil field")
		}
		return &models.Alert{SourceRef: strconv.FormatInt(offense.ID, 10)}
	}

	report := h.pipeline.Run(context.Background())

	require.Len(t, report.Offenses, 2)
	assert.False(t, report.Offenses[0].Success)
	assert.Equal(t, "offense 1: map: panic: nil field", report.Offenses[0].Message)
	assert.True(t, report.Offenses[1].Success)
	assert.Equal(t, int64(2), report.CursorAfter)
}

func TestRunDedupErrorIsItemFailure(t *testing.T) {
	h := newHarness(t, 1)
	h.destination.findErr = errors.New("connection refused")

	report := h.pipeline.Run(context.Background())

	assert.False(t, report.Success)
	require.Len(t, report.Offenses, 1)
	assert.Equal(t, "offense 1: dedup: connection refused", report.Offenses[0].Message)
	assert.Equal(t, []int64{-1}, h.cursor.saves)
}

func TestRunFetchFailureLeavesCursorUntouched(t *testing.T) {
	h := newHarness(t)
	h.source.err = errors.New("qradar unreachable")

	report := h.pipeline.Run(context.Background())

	assert.False(t, report.Success)
	assert.Equal(t, "qradar unreachable: failed to fetch offenses", report.Message)
	assert.Empty(t, report.Offenses)
	assert.Empty(t, h.cursor.saves)
	require.Len(t, h.writer.reports, 1)
}

func TestRunCursorLoadFailure(t *testing.T) {
	h := newHarness(t, 1)
	h.cursor.loadErr = errors.New("state file corrupt")

	report := h.pipeline.Run(context.Background())

	assert.False(t, report.Success)
	assert.Equal(t, "state file corrupt: failed to load cursor", report.Message)
	assert.Empty(t, h.source.afterCalls)
}

func TestRunCursorSaveFailure(t *testing.T) {
	h := newHarness(t, 1)
	h.cursor.saveErr = errors.New("disk full")

	report := h.pipeline.Run(context.Background())

	assert.False(t, report.Success)
	assert.Equal(t, "disk full: failed to persist cursor", report.Message)
	assert.Equal(t, int64(-1), report.CursorAfter)
}

func TestRunCancelledDoesNotPersist(t *testing.T) {
	h := newHarness(t, 1, 2)
	ctx, cancel := context.WithCancel(context.Background())
	h.enricher.EnrichFunc = func(_ context.Context, offense *models.Offense) (*models.EnrichedOffense, error) {
		cancel()
		return &models.EnrichedOffense{Offense: *offense}, nil
	}

	report := h.pipeline.Run(ctx)

	assert.False(t, report.Success)
	assert.Empty(t, h.cursor.saves)
	assert.Len(t, report.Offenses, 1)
}

func TestRunWindowDoesNotTouchCursor(t *testing.T) {
	h := newHarness(t, 4, 9)
	now := time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)
	h.pipeline.now = func() time.Time { return now }

	report := h.pipeline.RunWindow(context.Background(), 15*time.Minute)

	assert.True(t, report.Success)
	assert.Equal(t, models.ModeWindow, report.Mode)
	assert.Equal(t, now.Add(-15*time.Minute), h.source.windowStart)
	assert.Equal(t, now, h.source.windowEnd)
	assert.Len(t, report.Offenses, 2)
	assert.Empty(t, h.cursor.saves)
	assert.Empty(t, h.source.afterCalls)
}

func TestRunGuardedSkipsWhenHeld(t *testing.T) {
	h := newHarness(t, 1)
	h.guard.held = true

	called := false
	report := h.pipeline.RunGuarded(context.Background(), models.ModeCursor, func(ctx context.Context) models.Report {
		called = true
		return h.pipeline.Run(ctx)
	})

	assert.False(t, called)
	assert.True(t, report.Success)
	assert.Equal(t, GuardHeldMessage, report.Message)
	assert.Equal(t, 0, h.guard.released)
	assert.Zero(t, h.destination.created)
}

func TestRunGuardedReleasesAfterRun(t *testing.T) {
	h := newHarness(t, 1)

	report := h.pipeline.RunGuarded(context.Background(), models.ModeCursor, h.pipeline.Run)

	assert.True(t, report.Success)
	assert.Equal(t, 1, h.guard.released)
	assert.False(t, h.guard.held)
}

func TestRunGuardedRefreshesPerOffense(t *testing.T) {
	h := newHarness(t, 1, 2, 3)

	report := h.pipeline.RunGuarded(context.Background(), models.ModeCursor, h.pipeline.Run)

	assert.True(t, report.Success)
	assert.Equal(t, 3, h.guard.refreshed)
}

func TestRunWithoutGuardDoesNotRefresh(t *testing.T) {
	h := newHarness(t, 1, 2)

	report := h.pipeline.Run(context.Background())

	assert.True(t, report.Success)
	assert.Zero(t, h.guard.refreshed)
}

func TestRunGuardedStopsWhenGuardIsTakenOver(t *testing.T) {
	h := newHarness(t, 1, 2, 3)
	h.guard.loseAfter = 1

	report := h.pipeline.RunGuarded(context.Background(), models.ModeCursor, h.pipeline.Run)

	assert.False(t, report.Success)
	assert.Equal(t, GuardLostMessage, report.Message)
	require.Len(t, report.Offenses, 1)
	assert.Equal(t, int64(1), report.Offenses[0].OffenseID)
	assert.Equal(t, 1, h.destination.created)
	// Work done before the takeover is still recorded.
	assert.Equal(t, []int64{1}, h.cursor.saves)
	assert.Equal(t, 1, h.guard.released)
}

func TestRunGuardedAcquireError(t *testing.T) {
	h := newHarness(t, 1)
	h.guard.err = errors.New("redis down")

	report := h.pipeline.RunGuarded(context.Background(), models.ModeCursor, h.pipeline.Run)

	assert.False(t, report.Success)
	assert.Equal(t, "redis down: failed to acquire run guard", report.Message)
	assert.Zero(t, h.destination.created)
}

func TestNewSyncPipelineRequiresDependencies(t *testing.T) {
	_, err := NewSyncPipeline(Config{})
	assert.Error(t, err)
}

func TestCloseClosesWriters(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.pipeline.Close())
	assert.True(t, h.writer.closed)
}
