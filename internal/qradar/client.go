package qradar

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"offensesync/internal/logger"
	"offensesync/pkg/models"
)

// AddressKind selects which address endpoint to resolve ids against.
type AddressKind string

const (
	SourceAddresses           AddressKind = "source_addresses"
	LocalDestinationAddresses AddressKind = "local_destination_addresses"
)

// field returns the response field holding the literal address.
func (k AddressKind) field() string {
	switch k {
	case SourceAddresses:
		return "source_ip"
	case LocalDestinationAddresses:
		return "local_destination_ip"
	default:
		return ""
	}
}

// APIError is returned when the SIEM answers with a non-2xx status.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("qradar %s %s returned http %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// Config configures the SIEM client.
type Config struct {
	Server             string
	AuthToken          string
	APIVersion         string
	CertFilePath       string
	Insecure           bool
	Timeout            time.Duration
	PollInterval       time.Duration
	AddressConcurrency int // parallel lookups per ResolveAddresses call
}

// Client talks to the SIEM REST and Ariel search APIs.
type Client struct {
	baseURL            string
	token              string
	version            string
	pollInterval       time.Duration
	addressConcurrency int
	client             *http.Client
}

// NewClient creates a SIEM client.
func NewClient(cfg Config) (*Client, error) {
	server := strings.TrimSpace(cfg.Server)
	if server == "" {
		return nil, fmt.Errorf("qradar server is empty")
	}
	if cfg.AuthToken == "" {
		return nil, fmt.Errorf("qradar auth token is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	concurrency := cfg.AddressConcurrency
	if concurrency <= 0 {
		concurrency = 4
	}

	tlsCfg := &tls.Config{InsecureSkipVerify: cfg.Insecure}
	if cfg.CertFilePath != "" {
		pem, err := os.ReadFile(cfg.CertFilePath)
		if err != nil {
			return nil, fmt.Errorf("read qradar certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", cfg.CertFilePath)
		}
		tlsCfg.RootCAs = pool
	}

	baseURL := server
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		baseURL = "https://" + baseURL
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = tlsCfg

	return &Client{
		baseURL:            strings.TrimRight(baseURL, "/") + "/api",
		token:              cfg.AuthToken,
		version:            cfg.APIVersion,
		pollInterval:       pollInterval,
		addressConcurrency: concurrency,
		client:             &http.Client{Timeout: timeout, Transport: transport},
	}, nil
}

// FetchOffensesAfter returns open offenses with an id greater than cursor, sorted by id.
func (c *Client) FetchOffensesAfter(ctx context.Context, cursor int64) ([]*models.Offense, error) {
	params := url.Values{}
	params.Set("sort", "+id")
	params.Set("filter", fmt.Sprintf("id>%d and status=OPEN", cursor))

	var offenses []*models.Offense
	if err := c.getJSON(ctx, "/siem/offenses", params, &offenses); err != nil {
		return nil, fmt.Errorf("fetch offenses after %d: %w", cursor, err)
	}
	return offenses, nil
}

// FetchOffensesInWindow returns open offenses last updated within (start, end).
func (c *Client) FetchOffensesInWindow(ctx context.Context, start, end time.Time) ([]*models.Offense, error) {
	params := url.Values{}
	params.Set("filter", fmt.Sprintf("last_updated_time>%d and last_updated_time<%d and status=OPEN",
		start.UnixMilli(), end.UnixMilli()))

	var offenses []*models.Offense
	if err := c.getJSON(ctx, "/siem/offenses", params, &offenses); err != nil {
		return nil, fmt.Errorf("fetch offenses in window: %w", err)
	}
	return offenses, nil
}

// OffenseTypeName resolves an offense type id. found is false when the
// lookup returns no match, which happens for some built-in type ids.
func (c *Client) OffenseTypeName(ctx context.Context, typeID int) (string, bool, error) {
	params := url.Values{}
	params.Set("filter", fmt.Sprintf("id=%d", typeID))

	var types []struct {
		ID   int    `json:"id"`
		Name string `json:"name"`
	}
	if err := c.getJSON(ctx, "/siem/offense_types", params, &types); err != nil {
		return "", false, fmt.Errorf("lookup offense type %d: %w", typeID, err)
	}
	if len(types) == 0 {
		return "", false, nil
	}
	return types[0].Name, true, nil
}

// ResolveAddresses turns address ids into literal IPs, preserving id order.
// Ids the SIEM cannot resolve are skipped.
func (c *Client) ResolveAddresses(ctx context.Context, kind AddressKind, ids []int64) ([]string, error) {
	if kind.field() == "" {
		return nil, fmt.Errorf("unknown address kind %q", kind)
	}

	resolved := make([]string, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.addressConcurrency)
	for i, id := range ids {
		g.Go(func() error {
			ip, err := c.ResolveAddress(gctx, kind, id)
			if err != nil {
				var apiErr *APIError
				if errors.As(err, &apiErr) {
					logger.Warnf("Couldn't get id %d from path %s (response code %d)", id, kind, apiErr.StatusCode)
					return nil
				}
				return fmt.Errorf("resolve %s %d: %w", kind, id, err)
			}
			resolved[i] = ip
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]string, 0, len(resolved))
	for _, ip := range resolved {
		if ip != "" {
			out = append(out, ip)
		}
	}
	return out, nil
}

// ResolveAddress resolves a single address id.
func (c *Client) ResolveAddress(ctx context.Context, kind AddressKind, id int64) (string, error) {
	field := kind.field()
	if field == "" {
		return "", fmt.Errorf("unknown address kind %q", kind)
	}
	var body map[string]interface{}
	path := fmt.Sprintf("/siem/%s/%d", kind, id)
	if err := c.getJSON(ctx, path, nil, &body); err != nil {
		return "", err
	}
	ip, _ := body[field].(string)
	return ip, nil
}

// RuleName resolves an analytics rule id.
func (c *Client) RuleName(ctx context.Context, ruleID int64) (string, bool, error) {
	var rule struct {
		Name string `json:"name"`
	}
	err := c.getJSON(ctx, fmt.Sprintf("/analytics/rules/%d", ruleID), nil, &rule)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return "", false, nil
		}
		return "", false, fmt.Errorf("lookup rule %d: %w", ruleID, err)
	}
	return rule.Name, rule.Name != "", nil
}

// IsOpen reports whether an offense is still open.
func (c *Client) IsOpen(ctx context.Context, offenseID int64) (bool, error) {
	params := url.Values{}
	params.Set("filter", fmt.Sprintf("id=%d", offenseID))

	var offenses []struct {
		Status string `json:"status"`
	}
	if err := c.getJSON(ctx, "/siem/offenses", params, &offenses); err != nil {
		return false, fmt.Errorf("check offense %d status: %w", offenseID, err)
	}
	if len(offenses) == 0 {
		return false, fmt.Errorf("offense %d not found", offenseID)
	}
	return offenses[0].Status == "OPEN", nil
}

// Close closes an offense with the default closing reason.
func (c *Client) Close(ctx context.Context, offenseID int64) error {
	params := url.Values{}
	params.Set("status", "CLOSED")
	params.Set("closing_reason_id", "1")

	path := "/siem/offenses/" + strconv.FormatInt(offenseID, 10)
	if err := c.do(ctx, http.MethodPost, path, params, "", nil); err != nil {
		return fmt.Errorf("close offense %d: %w", offenseID, err)
	}
	logger.Infof("Offense %d successfully closed", offenseID)
	return nil
}

func (c *Client) getJSON(ctx context.Context, path string, params url.Values, out interface{}) error {
	return c.do(ctx, http.MethodGet, path, params, "", out)
}

func (c *Client) do(ctx context.Context, method, path string, params url.Values, accept string, out interface{}) error {
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("SEC", c.token)
	if c.version != "" {
		req.Header.Set("Version", c.version)
	}
	if accept == "" {
		accept = "application/json"
	}
	req.Header.Set("Accept", accept)

	logger.Debugf("qradar %s %s", method, path)
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("qradar request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{Method: method, Path: path, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
