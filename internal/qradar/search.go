package qradar

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"offensesync/internal/logger"
	"offensesync/pkg/models"
)

// Ariel search statuses.
const (
	StatusWait      = "WAIT"
	StatusExecute   = "EXECUTE"
	StatusSorting   = "SORTING"
	StatusCompleted = "COMPLETED"
)

// ErrSearchFailed is returned when a search ends in a non-completed state.
var ErrSearchFailed = errors.New("ariel search failed")

type searchStatus struct {
	SearchID string `json:"search_id"`
	Status   string `json:"status"`
}

// RunAnalyticQuery submits an AQL search, polls it until it completes and
// returns its results. The caller bounds the loop through ctx.
func (c *Client) RunAnalyticQuery(ctx context.Context, aql string) (*models.SearchResult, error) {
	params := url.Values{}
	params.Set("query_expression", aql)

	var status searchStatus
	if err := c.do(ctx, http.MethodPost, "/ariel/searches", params, "", &status); err != nil {
		return nil, fmt.Errorf("create search: %w", err)
	}
	if status.SearchID == "" {
		return nil, fmt.Errorf("create search: empty search id")
	}
	logger.Debugf("Ariel search %s created (status=%s)", status.SearchID, status.Status)

	path := "/ariel/searches/" + url.PathEscape(status.SearchID)
	for status.Status != StatusCompleted {
		switch status.Status {
		case StatusWait, StatusExecute, StatusSorting:
		default:
			return nil, fmt.Errorf("%w: search %s status %q", ErrSearchFailed, status.SearchID, status.Status)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("search %s did not complete: %w", status.SearchID, ctx.Err())
		case <-time.After(c.pollInterval):
		}

		id := status.SearchID
		if err := c.do(ctx, http.MethodGet, path, nil, "", &status); err != nil {
			return nil, fmt.Errorf("poll search %s: %w", id, err)
		}
		if status.SearchID == "" {
			status.SearchID = id
		}
	}

	var result models.SearchResult
	if err := c.do(ctx, http.MethodGet, path+"/results", nil, "application/json", &result); err != nil {
		return nil, fmt.Errorf("fetch search %s results: %w", status.SearchID, err)
	}
	return &result, nil
}
