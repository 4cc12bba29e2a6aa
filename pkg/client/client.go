// Package client is the official Go SDK for the diagq server.
//
// # Quick start
//
//	c := client.New("http://localhost:8080")
//
//	// Register a file and let the server analyze its unit in the background.
//	_, err := c.OpenDocument(ctx, "app/main.go", "app", src)
//
//	// Block until the unit has been analyzed.
//	ok, err := c.Wait(ctx, []string{"app"}, 5*time.Second)
//
//	// Analyze synchronously.
//	files, err := c.CodeCheck(ctx, "app/main.go")
//
// # Error handling
//
// All methods return an *APIError when the server responds with a non-2xx
// status code. Check errors.As(err, &client.APIError{}) to inspect the HTTP
// status and server message.
//
// # Connection reuse
//
// Client is safe for concurrent use. It shares a single http.Client internally
// so connections are reused across goroutines.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ─── Error type ───────────────────────────────────────────────────────────────

// APIError is returned when the diagq server responds with a non-2xx status.
type APIError struct {
	StatusCode int    // HTTP status code
	Message    string // "error" field from the JSON response body
}

func (e *APIError) Error() string {
	return fmt.Sprintf("diagq: server returned %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether the error is a 404 from the server.
func IsNotFound(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusNotFound
}

// IsConflict reports whether the error is a 409 (already open) from the server.
func IsConflict(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusConflict
}

// ─── Client options ───────────────────────────────────────────────────────────

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithAPIKey sets the API key sent in every request as the X-Api-Key header.
// Required when the server has auth.enabled = true.
func WithAPIKey(key string) ClientOption {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient replaces the default http.Client.
// Use this to configure TLS, proxies, or request tracing.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithTimeout sets the per-request timeout.
// The default is 90 seconds so that Wait can use the server's full window.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.http.Timeout = d }
}

// ─── Client ───────────────────────────────────────────────────────────────────

// Client is the diagq API client. It is safe for concurrent use.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// New creates a new Client that connects to the diagq server at baseURL.
//
//	c := client.New("http://localhost:8080")
//	c := client.New("http://diagq.internal:8080", client.WithAPIKey("secret"))
func New(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 90 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ─── Domain types ─────────────────────────────────────────────────────────────

// Position is a 1-based line/column location.
type Position struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// Span is a source range.
type Span struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

// Diagnostic is one finding. Severity is one of "error", "warning", "info"
// or "hint".
type Diagnostic struct {
	Span     Span   `json:"span"`
	Severity string `json:"severity"`
	Code     string `json:"code,omitempty"`
	Message  string `json:"message"`
}

// FileResult carries every diagnostic for one file. An empty Diagnostics
// slice means the file is clean.
type FileResult struct {
	File        string       `json:"file"`
	Unit        string       `json:"unit"`
	Diagnostics []Diagnostic `json:"diagnostics"`
}

// UnitFailure names a unit whose analysis failed in a cycle.
type UnitFailure struct {
	Unit  string `json:"unit"`
	Error string `json:"error"`
}

// Batch is the output of one server drain cycle.
type Batch struct {
	ID        string        `json:"id"`
	Kind      string        `json:"kind"`
	Cycle     uint64        `json:"cycle"`
	CreatedAt time.Time     `json:"created_at"`
	Files     []FileResult  `json:"files"`
	Failures  []UnitFailure `json:"failures,omitempty"`
}

// BatchRecord is a journaled batch.
type BatchRecord struct {
	Kind  string `json:"kind"`
	Batch Batch  `json:"batch"`
}

// Document describes an open file.
type Document struct {
	File      string
	Unit      string
	Version   int64
	UpdatedAt time.Time
}

// Unit lists the open files that belong to one analyzable unit.
type Unit struct {
	Unit  string   `json:"unit"`
	Files []string `json:"files"`
}

// Failure is a unit whose most recent analysis failed.
type Failure struct {
	Unit        string
	LastError   string
	Attempts    int
	FirstFailed time.Time
	LastFailed  time.Time
}

// Subscription is a registered webhook.
type Subscription struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	CreatedAt time.Time `json:"created_at"`
}

// Stats is the server state reported by /health.
type Stats struct {
	NodeID           string `json:"node_id"`
	Documents        int    `json:"documents"`
	Units            int    `json:"units"`
	Pending          int    `json:"pending"`
	InFlight         int    `json:"in_flight"`
	Cycles           uint64 `json:"cycles"`
	FailedUnits      int    `json:"failed_units"`
	Subscribers      int    `json:"subscribers"`
	ForwarderEnabled bool   `json:"forwarder_enabled"`
	ThrottleMs       int64  `json:"throttle_ms"`
}

// HealthInfo is returned by Health.
type HealthInfo struct {
	Status  string
	Uptime  time.Duration
	Version string
	Stats   Stats
}

// ─── Documents ────────────────────────────────────────────────────────────────

// OpenDocument registers file under unit with the given text and schedules
// the unit for analysis.
func (c *Client) OpenDocument(ctx context.Context, file, unit, text string) (*Document, error) {
	var resp wireDocument
	err := c.do(ctx, http.MethodPost, "/documents", openDocumentPayload{File: file, Unit: unit, Text: text}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.toDocument(), nil
}

// UpdateDocument replaces the text of an open file.
func (c *Client) UpdateDocument(ctx context.Context, file, text string) (*Document, error) {
	var resp wireDocument
	if err := c.do(ctx, http.MethodPut, "/documents/"+escapeFile(file), updateDocumentPayload{Text: text}, &resp); err != nil {
		return nil, err
	}
	return resp.toDocument(), nil
}

// CloseDocument removes file from the workspace.
func (c *Client) CloseDocument(ctx context.Context, file string) error {
	return c.do(ctx, http.MethodDelete, "/documents/"+escapeFile(file), nil, nil)
}

// Units returns every unit with at least one open file.
func (c *Client) Units(ctx context.Context) ([]Unit, error) {
	var resp struct {
		Units []Unit `json:"units"`
	}
	if err := c.do(ctx, http.MethodGet, "/units", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Units, nil
}

// ─── Diagnostics ──────────────────────────────────────────────────────────────

// CodeCheck analyzes the unit containing file synchronously and returns the
// result for every file in that unit.
func (c *Client) CodeCheck(ctx context.Context, file string) ([]FileResult, error) {
	var resp struct {
		Files []FileResult `json:"files"`
	}
	if err := c.do(ctx, http.MethodPost, "/codecheck/"+escapeFile(file), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Files, nil
}

// StartDiagnostics enables delivery and schedules every unit. It returns the
// number of units scheduled.
func (c *Client) StartDiagnostics(ctx context.Context) (int, error) {
	var resp struct {
		Units int `json:"units"`
	}
	if err := c.do(ctx, http.MethodPost, "/diagnostics", nil, &resp); err != nil {
		return 0, err
	}
	return resp.Units, nil
}

// ReAnalyze schedules every unit without changing delivery.
func (c *Client) ReAnalyze(ctx context.Context) (int, error) {
	var resp struct {
		Units int `json:"units"`
	}
	if err := c.do(ctx, http.MethodPost, "/reanalyze", nil, &resp); err != nil {
		return 0, err
	}
	return resp.Units, nil
}

// Wait blocks until none of units is pending or in flight, or until timeout.
// It reports false on timeout or when a unit was never scheduled.
func (c *Client) Wait(ctx context.Context, units []string, timeout time.Duration) (bool, error) {
	var resp struct {
		Completed bool `json:"completed"`
	}
	payload := waitPayload{Units: units, TimeoutMs: timeout.Milliseconds()}
	if err := c.do(ctx, http.MethodPost, "/wait", payload, &resp); err != nil {
		return false, err
	}
	return resp.Completed, nil
}

// ─── Failures ─────────────────────────────────────────────────────────────────

// Failures lists units whose most recent analysis failed.
func (c *Client) Failures(ctx context.Context) ([]Failure, error) {
	var resp struct {
		Failures []wireFailure `json:"failures"`
	}
	if err := c.do(ctx, http.MethodGet, "/failures", nil, &resp); err != nil {
		return nil, err
	}
	out := make([]Failure, 0, len(resp.Failures))
	for _, f := range resp.Failures {
		out = append(out, Failure{
			Unit:        f.Unit,
			LastError:   f.LastError,
			Attempts:    f.Attempts,
			FirstFailed: time.UnixMilli(f.FirstFailed).UTC(),
			LastFailed:  time.UnixMilli(f.LastFailed).UTC(),
		})
	}
	return out, nil
}

// ReplayFailures reschedules every failed unit and returns how many were
// rescheduled.
func (c *Client) ReplayFailures(ctx context.Context) (int, error) {
	var resp struct {
		Replayed int `json:"replayed"`
	}
	if err := c.do(ctx, http.MethodPost, "/failures/replay", nil, &resp); err != nil {
		return 0, err
	}
	return resp.Replayed, nil
}

// ─── Delivery ─────────────────────────────────────────────────────────────────

// RecentBatches returns up to limit journaled batches, newest first.
// limit <= 0 uses the server default.
func (c *Client) RecentBatches(ctx context.Context, limit int) ([]BatchRecord, error) {
	path := "/batches"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var resp struct {
		Batches []BatchRecord `json:"batches"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Batches, nil
}

// ForwarderEnabled reports whether the server currently delivers batches.
func (c *Client) ForwarderEnabled(ctx context.Context) (bool, error) {
	var resp forwarderPayload
	if err := c.do(ctx, http.MethodGet, "/forwarder", nil, &resp); err != nil {
		return false, err
	}
	return resp.Enabled, nil
}

// SetForwarderEnabled turns batch delivery on or off.
func (c *Client) SetForwarderEnabled(ctx context.Context, enabled bool) error {
	return c.do(ctx, http.MethodPut, "/forwarder", forwarderPayload{Enabled: enabled}, nil)
}

// Subscribe registers a webhook that receives every emitted batch. When secret
// is non-empty deliveries carry an HMAC-SHA256 signature header.
func (c *Client) Subscribe(ctx context.Context, webhookURL, secret string) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/subscriptions", subscribePayload{URL: webhookURL, Secret: secret}, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// Subscriptions lists registered webhooks.
func (c *Client) Subscriptions(ctx context.Context) ([]Subscription, error) {
	var resp struct {
		Subscriptions []Subscription `json:"subscriptions"`
	}
	if err := c.do(ctx, http.MethodGet, "/subscriptions", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Subscriptions, nil
}

// Unsubscribe removes a webhook.
func (c *Client) Unsubscribe(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/subscriptions/"+url.PathEscape(id), nil, nil)
}

// Health returns server liveness and state.
func (c *Client) Health(ctx context.Context) (*HealthInfo, error) {
	var resp struct {
		Status   string `json:"status"`
		UptimeMs int64  `json:"uptime_ms"`
		Version  string `json:"version"`
		Stats    Stats  `json:"stats"`
	}
	if err := c.do(ctx, http.MethodGet, "/health", nil, &resp); err != nil {
		return nil, err
	}
	return &HealthInfo{
		Status:  resp.Status,
		Uptime:  time.Duration(resp.UptimeMs) * time.Millisecond,
		Version: resp.Version,
		Stats:   resp.Stats,
	}, nil
}

// ─── HTTP transport ───────────────────────────────────────────────────────────

// do performs a single HTTP request.
// body is encoded as JSON when non-nil, resp is decoded from JSON when non-nil.
// A 204 No Content response is treated as success with no body.
func (c *Client) do(ctx context.Context, method, path string, body, resp any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("diagq: marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("diagq: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	httpResp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("diagq: request %s %s: %w", method, path, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode == http.StatusNoContent {
		return nil
	}

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("diagq: read response body: %w", err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(respBody, &errResp)
		msg := errResp.Error
		if msg == "" {
			msg = http.StatusText(httpResp.StatusCode)
		}
		return &APIError{StatusCode: httpResp.StatusCode, Message: msg}
	}

	if resp != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, resp); err != nil {
			return fmt.Errorf("diagq: decode response: %w", err)
		}
	}
	return nil
}

// escapeFile escapes each segment of a slash-separated file path so that the
// separators survive as route segments.
func escapeFile(file string) string {
	parts := strings.Split(file, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

// ─── Internal wire types ──────────────────────────────────────────────────────

type openDocumentPayload struct {
	File string `json:"file"`
	Unit string `json:"unit"`
	Text string `json:"text"`
}

type updateDocumentPayload struct {
	Text string `json:"text"`
}

type waitPayload struct {
	Units     []string `json:"units"`
	TimeoutMs int64    `json:"timeout_ms"`
}

type forwarderPayload struct {
	Enabled bool `json:"enabled"`
}

type subscribePayload struct {
	URL    string `json:"url"`
	Secret string `json:"secret,omitempty"`
}

type wireDocument struct {
	File      string `json:"file"`
	Unit      string `json:"unit"`
	Version   int64  `json:"version"`
	UpdatedAt int64  `json:"updated_at"` // UTC milliseconds
}

func (w *wireDocument) toDocument() *Document {
	return &Document{
		File:      w.File,
		Unit:      w.Unit,
		Version:   w.Version,
		UpdatedAt: time.UnixMilli(w.UpdatedAt).UTC(),
	}
}

type wireFailure struct {
	Unit        string `json:"unit"`
	LastError   string `json:"last_error"`
	Attempts    int    `json:"attempts"`
	FirstFailed int64  `json:"first_failed"`
	LastFailed  int64  `json:"last_failed"`
}
