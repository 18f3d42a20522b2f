package outcomeclickhouse

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"offensesync/pkg/models"
)

// Config configures the ClickHouse HTTP writer.
type Config struct {
	URL      string
	Database string
	Table    string
	Username string
	Password string
	Timeout  time.Duration
	Headers  map[string]string
}

// Row is one offense outcome flattened with its run metadata.
type Row struct {
	RunID      string `json:"run_id"`
	Mode       string `json:"mode"`
	FinishedAt string `json:"finished_at"`
	OffenseID  int64  `json:"offense_id"`
	AlertID    string `json:"alert_id"`
	Outcome    string `json:"outcome"`
	Message    string `json:"message"`
}

// Writer inserts per-offense outcomes into ClickHouse via HTTP JSONEachRow.
type Writer struct {
	endpoint string
	headers  map[string]string
	client   *http.Client
}

// NewWriter creates a ClickHouse HTTP writer.
func NewWriter(cfg Config) (*Writer, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("clickhouse URL is empty")
	}
	if cfg.Database == "" {
		cfg.Database = "default"
	}
	if cfg.Table == "" {
		cfg.Table = "offense_outcomes"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	q := fmt.Sprintf("INSERT INTO %s.%s FORMAT JSONEachRow", quoteIdent(cfg.Database), quoteIdent(cfg.Table))
	base := strings.TrimRight(cfg.URL, "/")
	endpoint := base + "/?query=" + url.QueryEscape(q)

	headers := map[string]string{}
	for k, v := range cfg.Headers {
		headers[k] = v
	}
	if cfg.Username != "" {
		headers["X-ClickHouse-User"] = cfg.Username
	}
	if cfg.Password != "" {
		headers["X-ClickHouse-Key"] = cfg.Password
	}

	return &Writer{
		endpoint: endpoint,
		headers:  headers,
		client:   &http.Client{Timeout: timeout},
	}, nil
}

// Rows flattens a report into one row per created, failed or skipped offense.
func Rows(report *models.Report) []Row {
	finished := report.FinishedAt.UTC().Format("2006-01-02 15:04:05")
	rows := make([]Row, 0, len(report.Offenses)+len(report.Skipped))
	for _, o := range report.Offenses {
		outcome := "created"
		if !o.Success {
			outcome = "failed"
		}
		rows = append(rows, Row{
			RunID:      report.RunID,
			Mode:       report.Mode,
			FinishedAt: finished,
			OffenseID:  o.OffenseID,
			AlertID:    o.AlertID,
			Outcome:    outcome,
			Message:    o.Message,
		})
	}
	for _, id := range report.Skipped {
		rows = append(rows, Row{
			RunID:      report.RunID,
			Mode:       report.Mode,
			FinishedAt: finished,
			OffenseID:  id,
			Outcome:    "skipped",
		})
	}
	return rows
}

// WriteReport inserts the outcomes of one run. Runs without offenses write nothing.
func (w *Writer) WriteReport(report *models.Report) error {
	rows := Rows(report)
	if len(rows) == 0 {
		return nil
	}

	var body bytes.Buffer
	enc := json.NewEncoder(&body)
	for _, row := range rows {
		if err := enc.Encode(row); err != nil {
			return fmt.Errorf("failed to marshal outcome row: %w", err)
		}
	}

	req, err := http.NewRequest(http.MethodPost, w.endpoint, &body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("clickhouse request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("clickhouse request failed with status %s: %s", resp.Status, strings.TrimSpace(string(respBody)))
	}
	return nil
}

// Close releases resources.
func (w *Writer) Close() error {
	return nil
}

func quoteIdent(v string) string {
	if v == "" {
		return ""
	}
	v = strings.ReplaceAll(v, "`", "")
	return "`" + v + "`"
}
