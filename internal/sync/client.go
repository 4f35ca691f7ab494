package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/formworks/fieldsync/internal/model"
	"github.com/sethvargo/go-retry"
)

// Client is the HTTP client for the sync protocol. Transient failures
// (connection errors, 5xx) are retried with fibonacci backoff inside each
// call; anything surviving the retry budget surfaces as a per-batch or
// per-page failure to the caller.
type Client struct {
	sctx       *SyncContext
	http       *http.Client
	maxRetries uint64
}

// APIError is a non-2xx response from the server.
type APIError struct {
	Status int
	Detail string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Detail)
}

// Transient reports whether the error class is worth retrying.
func (e *APIError) Transient() bool {
	return e.Status >= 500 || e.Status == http.StatusTooManyRequests
}

// NewClient creates a protocol client for the session.
func NewClient(sctx *SyncContext) *Client {
	return &Client{
		sctx:       sctx,
		http:       &http.Client{Timeout: 30 * time.Second},
		maxRetries: 3,
	}
}

// Push sends one batch of submissions to POST /responses/sync.
func (c *Client) Push(ctx context.Context, req model.PushRequest) (*model.PushResponse, error) {
	var resp model.PushResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/responses/sync", nil, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DeltaQuery parameterizes one page request of a delta pull.
type DeltaQuery struct {
	TableID        string
	PerPage        int
	Cursor         string
	UpdatedSince   time.Time // zero means full (initial) sync
	IncludeDeleted bool
}

func (q DeltaQuery) values() url.Values {
	v := url.Values{}
	if q.TableID != "" {
		v.Set("table_id", q.TableID)
	}
	if q.PerPage > 0 {
		v.Set("per_page", strconv.Itoa(q.PerPage))
	}
	v.Set("use_cursor", "true")
	if q.Cursor != "" {
		v.Set("cursor", q.Cursor)
	}
	if !q.UpdatedSince.IsZero() {
		v.Set("updated_since", q.UpdatedSince.UTC().Format(time.RFC3339Nano))
	}
	if q.IncludeDeleted {
		v.Set("include_deleted", "1")
	}
	return v
}

// PullAssignments fetches one page of the work item delta.
func (c *Client) PullAssignments(ctx context.Context, q DeltaQuery) (*model.DeltaEnvelope, error) {
	var env model.DeltaEnvelope
	if err := c.do(ctx, http.MethodGet, "/api/v1/assignments", q.values(), nil, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// PullResponses fetches one page of the submission delta.
func (c *Client) PullResponses(ctx context.Context, q DeltaQuery) (*model.DeltaEnvelope, error) {
	var env model.DeltaEnvelope
	if err := c.do(ctx, http.MethodGet, "/api/v1/responses", q.values(), nil, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// PullTables fetches one page of table metadata with embedded current
// schema versions.
func (c *Client) PullTables(ctx context.Context, q DeltaQuery) (*model.DeltaEnvelope, error) {
	var env model.DeltaEnvelope
	if err := c.do(ctx, http.MethodGet, "/api/v1/tables", q.values(), nil, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// GetSchemaVersion fetches one historical schema version. Used to cache a
// version the server demands before a migration.
func (c *Client) GetSchemaVersion(ctx context.Context, tableID string, version int) (*model.SchemaVersion, error) {
	path := fmt.Sprintf("/api/v1/tables/%s/versions/%d", url.PathEscape(tableID), version)
	var v model.SchemaVersion
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// do executes one request with retry on transient failures.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	backoff := retry.WithMaxRetries(c.maxRetries, retry.NewFibonacci(500*time.Millisecond))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		u := c.sctx.BaseURL + path
		if len(query) > 0 {
			u += "?" + query.Encode()
		}

		var reqBody io.Reader
		if payload != nil {
			reqBody = bytes.NewReader(payload)
		}

		req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.sctx.APIKey)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			// Connection-level failure: transient by definition.
			return retry.RetryableError(fmt.Errorf("request %s %s: %w", method, path, err))
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			apiErr := &APIError{Status: resp.StatusCode, Detail: readProblemDetail(resp.Body)}
			if apiErr.Transient() {
				return retry.RetryableError(apiErr)
			}
			return apiErr
		}

		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	})
}

// readProblemDetail extracts the detail from an RFC 7807 body, falling
// back to the raw text.
func readProblemDetail(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(raw) == 0 {
		return ""
	}
	var p struct {
		Detail string `json:"detail"`
	}
	if json.Unmarshal(raw, &p) == nil && p.Detail != "" {
		return p.Detail
	}
	return string(raw)
}
