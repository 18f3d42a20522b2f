package reporthttp

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"offensesync/internal/logger"
	"offensesync/pkg/models"
)

// RunIDHeader carries the run id so receivers can drop redelivered reports.
const RunIDHeader = "X-Offensesync-Run-Id"

// Config configures the report webhook.
type Config struct {
	URL      string
	Timeout  time.Duration
	Headers  map[string]string
	Attempts int
	Backoff  time.Duration
}

// Writer posts run reports to a webhook, retrying server-side failures.
type Writer struct {
	url      string
	headers  map[string]string
	attempts int
	backoff  time.Duration
	client   *http.Client
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("report webhook returned http %d", e.code)
	}
	return fmt.Sprintf("report webhook returned http %d: %s", e.code, e.body)
}

// NewWriter creates a webhook writer.
func NewWriter(cfg Config) (*Writer, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("http report URL is empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 500 * time.Millisecond
	}
	return &Writer{
		url:      cfg.URL,
		headers:  cfg.Headers,
		attempts: cfg.Attempts,
		backoff:  cfg.Backoff,
		client:   &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// WriteReport posts one report. Transport errors, 429 and 5xx answers are
// retried with a linear backoff; other answers fail at once.
func (w *Writer) WriteReport(report *models.Report) error {
	body, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal report %s: %w", report.RunID, err)
	}

	for attempt := 1; ; attempt++ {
		err = w.post(report.RunID, body)
		if err == nil || attempt >= w.attempts || !retryable(err) {
			break
		}
		logger.Warnf("Posting report %s failed (attempt %d/%d): %v", report.RunID, attempt, w.attempts, err)
		time.Sleep(time.Duration(attempt) * w.backoff)
	}
	if err != nil {
		return fmt.Errorf("post report %s: %w", report.RunID, err)
	}
	return nil
}

func (w *Writer) post(runID string, body []byte) error {
	req, err := http.NewRequest(http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(RunIDHeader, runID)
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(raw))}
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

func retryable(err error) bool {
	var se *statusError
	if !errors.As(err, &se) {
		return true
	}
	return se.code == http.StatusTooManyRequests || se.code >= 500
}

// Close releases idle connections.
func (w *Writer) Close() error {
	w.client.CloseIdleConnections()
	return nil
}
