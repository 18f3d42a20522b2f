package models

import "time"

// Sync run modes.
const (
	ModeCursor = "cursor"
	ModeWindow = "window"
)

// OffenseOutcome records what happened to one offense in a run.
type OffenseOutcome struct {
	OffenseID int64  `json:"offense_id"`
	AlertID   string `json:"alert_id,omitempty"`
	Success   bool   `json:"success"`
	Message   string `json:"message,omitempty"`
}

// Report summarizes one sync run.
type Report struct {
	RunID        string           `json:"run_id"`
	Mode         string           `json:"mode"`
	StartedAt    time.Time        `json:"started_at"`
	FinishedAt   time.Time        `json:"finished_at"`
	Success      bool             `json:"success"`
	Message      string           `json:"message,omitempty"`
	CursorBefore int64            `json:"cursor_before"`
	CursorAfter  int64            `json:"cursor_after"`
	Fetched      int              `json:"fetched"`
	Skipped      []int64          `json:"skipped,omitempty"`
	Offenses     []OffenseOutcome `json:"offenses"`
}

// Created returns the number of alerts created in the run.
func (r *Report) Created() int {
	n := 0
	for _, o := range r.Offenses {
		if o.Success {
			n++
		}
	}
	return n
}

// Failed returns the number of per-offense failures in the run.
func (r *Report) Failed() int {
	return len(r.Offenses) - r.Created()
}
