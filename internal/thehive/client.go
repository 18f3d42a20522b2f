package thehive

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"offensesync/pkg/models"
)

// APIError is returned when the case-management API answers with a non-2xx status.
type APIError struct {
	StatusCode int
	Type       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("thehive returned http %d: %s: %s", e.StatusCode, e.Type, e.Message)
	}
	return fmt.Sprintf("thehive returned http %d: %s", e.StatusCode, e.Message)
}

// Config configures the case-management client.
type Config struct {
	URL      string
	APIKey   string
	Timeout  time.Duration
	Insecure bool
	Headers  map[string]string
}

// Client looks up and creates alerts.
type Client struct {
	url     string
	apiKey  string
	headers map[string]string
	client  *http.Client
}

// NewClient creates a case-management client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("thehive URL is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.Insecure {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &Client{
		url:     strings.TrimRight(cfg.URL, "/"),
		apiKey:  cfg.APIKey,
		headers: cfg.Headers,
		client:  &http.Client{Timeout: timeout, Transport: transport},
	}, nil
}

// FindAlerts returns alerts whose sourceRef equals ref.
func (c *Client) FindAlerts(ctx context.Context, sourceRef string) ([]*models.Alert, error) {
	query := map[string]interface{}{
		"query": map[string]interface{}{
			"_field": "sourceRef",
			"_value": sourceRef,
		},
	}

	var alerts []*models.Alert
	if err := c.post(ctx, "/api/alert/_search?range=all", query, &alerts); err != nil {
		return nil, fmt.Errorf("find alerts with sourceRef %s: %w", sourceRef, err)
	}
	return alerts, nil
}

// CreateAlert creates an alert and returns its id.
func (c *Client) CreateAlert(ctx context.Context, alert *models.Alert) (string, error) {
	var created struct {
		ID string `json:"id"`
	}
	if err := c.post(ctx, "/api/alert", alert, &created); err != nil {
		return "", fmt.Errorf("create alert for sourceRef %s: %w", alert.SourceRef, err)
	}
	if created.ID == "" {
		return "", fmt.Errorf("create alert for sourceRef %s: response has no id", alert.SourceRef)
	}
	return created.ID, nil
}

func (c *Client) post(ctx context.Context, path string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
		var structured struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		}
		if json.Unmarshal(raw, &structured) == nil && structured.Message != "" {
			apiErr.Type = structured.Type
			apiErr.Message = structured.Message
		}
		return apiErr
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
