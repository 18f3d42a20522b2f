package enrich

import (
	"context"
	"fmt"
	"time"

	"offensesync/pkg/models"
)

const searchTimeLayout = "2006-01-02 15:04:05"

// The search window is padded because events on the exact window edges are
// sometimes not returned.
const (
	logWindowBefore = 1 * time.Minute
	logWindowAfter  = 5 * time.Minute
)

// LogQuery builds the AQL returning the first raw logs of an offense around
// its start time.
func LogQuery(offenseID, startTimeMillis int64, limit int, loc *time.Location) string {
	start := time.UnixMilli(startTimeMillis).Add(-logWindowBefore).In(loc).Format(searchTimeLayout)
	stop := time.UnixMilli(startTimeMillis).Add(logWindowAfter).In(loc).Format(searchTimeLayout)
	return fmt.Sprintf("select DATEFORMAT(starttime,'YYYY-MM-dd HH:mm:ss') as Date, UTF8(payload) "+
		"from events where INOFFENSE('%d') ORDER BY Date ASC LIMIT %d START '%s' STOP '%s';",
		offenseID, limit, start, stop)
}

func (e *Enricher) offenseLogs(ctx context.Context, offense *models.Offense) ([]models.LogEvent, error) {
	// Freshly raised offenses may not be searchable yet.
	if e.logDelay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(e.logDelay):
		}
	}

	if e.searchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.searchTimeout)
		defer cancel()
	}

	result, err := e.source.RunAnalyticQuery(ctx, LogQuery(offense.ID, offense.StartTime, e.logLimit, e.location))
	if err != nil {
		return nil, err
	}

	logs := make([]models.LogEvent, 0, len(result.Events))
	for _, event := range result.Events {
		logs = append(logs, models.LogEvent{
			Date:    asString(event["Date"]),
			Payload: asString(event["utf8_payload"]),
		})
	}
	return logs, nil
}

func asString(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	default:
		return fmt.Sprint(val)
	}
}
