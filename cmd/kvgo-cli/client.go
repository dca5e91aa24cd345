package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/hupe1980/kvgo/model"
)

// ErrNotFound is returned when the server has no value for a key.
var ErrNotFound = errors.New("key not found")

// Entry is a key with its value.
type Entry struct {
	Key   string      `json:"key"`
	Value model.Value `json:"value"`
}

// APIError is the error body returned by kvgo-server.
type APIError struct {
	Status    int    `json:"-"`
	Message   string `json:"error"`
	Kind      string `json:"kind,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("%d %s: %s", e.Status, e.Kind, e.Message)
	}
	return fmt.Sprintf("%d: %s", e.Status, e.Message)
}

// BatchOp is one operation of a batch request.
type BatchOp struct {
	Op    string       `json:"op"`
	Key   string       `json:"key"`
	Value *model.Value `json:"value,omitempty"`
	Text  *string      `json:"text,omitempty"`
}

// BatchResult is the response to a batch request.
type BatchResult struct {
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
	Duration  string `json:"duration"`
	Results   []struct {
		Index int       `json:"index"`
		Key   string    `json:"key"`
		Error *APIError `json:"error,omitempty"`
	} `json:"results"`
}

// CompactionReport is the response to a compaction request.
type CompactionReport struct {
	SegmentsCompacted int
	SegmentsCreated   int
	BytesReclaimed    int64
	RecordsMoved      int
	Duration          time.Duration
}

// Health holds the fields of the health report printed by the CLI.
type Health struct {
	IsHealthy          bool
	DiskUsageBytes     int64
	LiveBytes          int64
	Segments           int
	Keys               int
	FragmentationRatio float64
	ActiveTransactions int
	Operations         uint64
	ErrorRate          float64
	IndexCacheHitRatio float64
	Uptime             time.Duration
}

// Client talks to kvgo-server.
type Client struct {
	http *resty.Client
}

// NewClient returns a client for the server at baseURL.
func NewClient(baseURL string) *Client {
	c := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(30*time.Second).
		SetHeader("User-Agent", "kvgo-cli")
	c.JSONMarshal = json.Marshal
	c.JSONUnmarshal = json.Unmarshal
	c.OnBeforeRequest(func(_ *resty.Client, r *resty.Request) error {
		r.SetHeader("X-Request-Id", uuid.NewString())
		return nil
	})
	return &Client{http: c}
}

// Get returns the value stored under key.
func (c *Client) Get(ctx context.Context, key string) (Entry, error) {
	var e Entry
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("key", key).
		SetResult(&e).
		SetError(&APIError{}).
		Get("/v1/kv/{key}")
	if err := check(resp, err); err != nil {
		return Entry{}, err
	}
	return e, nil
}

// Set stores value under key. A JSON value becomes a structured record.
func (c *Client) Set(ctx context.Context, key string, value []byte, asJSON bool) error {
	contentType := "application/octet-stream"
	if asJSON {
		contentType = "application/json"
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("key", key).
		SetHeader("Content-Type", contentType).
		SetBody(value).
		SetError(&APIError{}).
		Put("/v1/kv/{key}")
	return check(resp, err)
}

// Delete removes key.
func (c *Client) Delete(ctx context.Context, key string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("key", key).
		SetError(&APIError{}).
		Delete("/v1/kv/{key}")
	return check(resp, err)
}

// Scan returns up to limit entries with start <= key < end.
func (c *Client) Scan(ctx context.Context, start, end string, limit int) ([]Entry, error) {
	var entries []Entry
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"start": start,
			"end":   end,
			"limit": strconv.Itoa(limit),
		}).
		SetResult(&entries).
		SetError(&APIError{}).
		Get("/v1/scan")
	if err := check(resp, err); err != nil {
		return nil, err
	}
	return entries, nil
}

// Batch executes ops in the given mode.
func (c *Client) Batch(ctx context.Context, mode string, maxConcurrency int, ops []BatchOp) (BatchResult, error) {
	var res BatchResult
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"mode":            mode,
			"max_concurrency": maxConcurrency,
			"ops":             ops,
		}).
		SetResult(&res).
		SetError(&APIError{}).
		Post("/v1/batch")
	if err := check(resp, err); err != nil {
		return BatchResult{}, err
	}
	return res, nil
}

// Compact triggers a compaction cycle.
func (c *Client) Compact(ctx context.Context) (CompactionReport, error) {
	var report CompactionReport
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&report).
		SetError(&APIError{}).
		Post("/v1/compact")
	if err := check(resp, err); err != nil {
		return CompactionReport{}, err
	}
	return report, nil
}

// Health returns the server health report. An unhealthy server is not an
// error.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var h Health
	resp, err := c.http.R().
		SetContext(ctx).
		SetError(&APIError{}).
		Get("/health")
	if err != nil {
		return Health{}, err
	}
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusServiceUnavailable {
		return Health{}, check(resp, nil)
	}
	if err := json.Unmarshal(resp.Body(), &h); err != nil {
		return Health{}, fmt.Errorf("decode health: %w", err)
	}
	return h, nil
}

func check(resp *resty.Response, err error) error {
	if err != nil {
		return err
	}
	if !resp.IsError() {
		return nil
	}
	apiErr, ok := resp.Error().(*APIError)
	if !ok || apiErr == nil {
		apiErr = &APIError{Message: resp.Status()}
	}
	apiErr.Status = resp.StatusCode()
	if apiErr.Status == http.StatusNotFound {
		return fmt.Errorf("%w: %w", ErrNotFound, apiErr)
	}
	return apiErr
}
