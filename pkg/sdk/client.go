// Package sdk provides the remote transport for the sync core: an HTTP
// client for queries and mutations plus a server-sent-events subscriber for
// the change feed. It implements the core's Transport contract against the
// reference backend.
package sdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mikeangelocasono/expert-dashboard/pkg/schema"
	core "github.com/mikeangelocasono/expert-dashboard/pkg/sync"
)

// DefaultAddr is used when EXPERT_STORE_ADDR is not set.
const DefaultAddr = "http://localhost:7001"

// Client talks to the reference backend. It implements core.Transport.
type Client struct {
	base   string
	http   *http.Client
	token  func() string
	logger *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithTokenSource supplies the bearer token attached to mutating calls,
// typically the session gate's Token method.
func WithTokenSource(fn func() string) Option {
	return func(c *Client) { c.token = fn }
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a client for the given base address. An empty addr falls back
// to EXPERT_STORE_ADDR, then DefaultAddr.
func New(addr string, opts ...Option) *Client {
	if addr == "" {
		addr = os.Getenv("EXPERT_STORE_ADDR")
	}
	if addr == "" {
		addr = DefaultAddr
	}
	c := &Client{
		base:   strings.TrimRight(addr, "/"),
		http:   &http.Client{Timeout: 30 * time.Second},
		token:  func() string { return "" },
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Login exchanges an expert handle for a sealed token and profile.
func (c *Client) Login(ctx context.Context, handle string) (string, schema.ExpertProfile, error) {
	var out struct {
		Token   string               `json:"token"`
		Profile schema.ExpertProfile `json:"profile"`
	}
	err := c.do(ctx, http.MethodPost, "/auth/login", map[string]string{"handle": handle}, &out)
	if err != nil {
		return "", schema.ExpertProfile{}, err
	}
	return out.Token, out.Profile, nil
}

// --- core.Querier ---

func (c *Client) FetchScans(ctx context.Context) ([]schema.Scan, error) {
	var out []schema.Scan
	if err := c.do(ctx, http.MethodGet, "/api/scans", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) FetchValidations(ctx context.Context) ([]schema.ValidationRecord, error) {
	var out []schema.ValidationRecord
	if err := c.do(ctx, http.MethodGet, "/api/validations", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) FetchScan(ctx context.Context, id int64) (schema.Scan, error) {
	var out schema.Scan
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/scans/%d", id), nil, &out)
	return out, err
}

func (c *Client) FetchValidation(ctx context.Context, id int64) (schema.ValidationRecord, error) {
	var out schema.ValidationRecord
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/validations/%d", id), nil, &out)
	return out, err
}

func (c *Client) FetchProfiles(ctx context.Context, ids []int64) ([]schema.ExpertProfile, error) {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	var out []schema.ExpertProfile
	err := c.do(ctx, http.MethodGet, "/api/profiles?ids="+strings.Join(parts, ","), nil, &out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) CountProfiles(ctx context.Context) (int, error) {
	var out struct {
		Count int `json:"count"`
	}
	err := c.do(ctx, http.MethodGet, "/api/profiles/count", nil, &out)
	return out.Count, err
}

func (c *Client) UpdateScanStatus(ctx context.Context, id int64, status schema.Status) error {
	return c.do(ctx, http.MethodPatch, fmt.Sprintf("/api/scans/%d/status", id),
		map[string]schema.Status{"status": status}, nil)
}

func (c *Client) InsertValidation(ctx context.Context, rec schema.ValidationRecord) (schema.ValidationRecord, error) {
	var out schema.ValidationRecord
	err := c.do(ctx, http.MethodPost, "/api/validations", validationPayload(rec), &out)
	return out, err
}

func (c *Client) UpdateValidation(ctx context.Context, scanID, expertID int64, rec schema.ValidationRecord) error {
	return c.do(ctx, http.MethodPut,
		fmt.Sprintf("/api/scans/%d/validations/%d", scanID, expertID),
		validationPayload(rec), nil)
}

// validationPayload strips server-owned fields (id, expert id, joins) from
// the outgoing record.
func validationPayload(rec schema.ValidationRecord) map[string]any {
	return map[string]any{
		"scan_id":           rec.ScanID,
		"ai_prediction":     rec.Prediction,
		"expert_validation": rec.Determination,
		"status":            rec.Status,
		"validated_at":      rec.ValidatedAt,
		"note":              rec.Note,
	}
}

// do runs one JSON round trip and maps HTTP status codes onto the core's
// error taxonomy.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok := c.token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", core.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusConflict:
		return core.ErrConflict
	case resp.StatusCode == http.StatusNotFound:
		return core.ErrNotFound
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: server returned %d", core.ErrUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400:
		var msg struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&msg)
		return fmt.Errorf("request rejected (%d): %s", resp.StatusCode, msg.Error)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
