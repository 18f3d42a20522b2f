package reportjson

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"offensesync/internal/logger"
	"offensesync/pkg/models"
)

// Line is one JSON line: the run report with its outcome counts inlined so
// the file can be summarized without walking the outcome list.
type Line struct {
	*models.Report
	Created      int `json:"created"`
	Failed       int `json:"failed"`
	SkippedCount int `json:"skipped_count"`
}

// Writer appends run reports to a JSON lines file. The file is opened for
// each report, so a rotated file is picked up by the next run.
type Writer struct {
	mu   sync.Mutex
	path string
}

// NewWriter checks that path can be appended to, creating it if needed.
func NewWriter(path string) (*Writer, error) {
	if path == "" {
		return nil, fmt.Errorf("report file path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	f, err := openAppend(path)
	if err != nil {
		return nil, err
	}
	f.Close()

	logger.Debugf("Report JSON writer initialized: %s", path)
	return &Writer{path: path}, nil
}

// WriteReport appends one line in a single write.
func (w *Writer) WriteReport(report *models.Report) error {
	data, err := json.Marshal(Line{
		Report:       report,
		Created:      report.Created(),
		Failed:       report.Failed(),
		SkippedCount: len(report.Skipped),
	})
	if err != nil {
		return fmt.Errorf("failed to encode report %s: %w", report.RunID, err)
	}
	data = append(data, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()

	f, err := openAppend(w.path)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("failed to append report %s: %w", report.RunID, err)
	}
	return f.Close()
}

// Close is a no-op; no file is held open between reports.
func (w *Writer) Close() error {
	return nil
}

func openAppend(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open report file: %w", err)
	}
	return f, nil
}
