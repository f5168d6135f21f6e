package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kimhsiao/driftsync/internal/errors"
	"github.com/kimhsiao/driftsync/internal/models"
)

// HTTPConfig holds REST client configuration.
type HTTPConfig struct {
	BaseURL   string
	AuthToken string
	Timeout   time.Duration
}

// HTTPClient implements Client against a REST-like authority keyed by
// (entityType, entityID):
//
//	GET    {base}/entities/{type}/{id}
//	POST   {base}/entities/{type}/{id}
//	PUT    {base}/entities/{type}/{id}
//	DELETE {base}/entities/{type}/{id}
//	GET    {base}/changes?since={unix_ms}
//	HEAD   {base}/health
type HTTPClient struct {
	config     *HTTPConfig
	httpClient *http.Client
}

// NewHTTPClient creates a new HTTPClient.
func NewHTTPClient(config *HTTPConfig) *HTTPClient {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		config: config,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
	}
}

func (c *HTTPClient) entityURL(entityType, entityID string) string {
	return fmt.Sprintf("%s/entities/%s/%s",
		strings.TrimRight(c.config.BaseURL, "/"),
		url.PathEscape(entityType), url.PathEscape(entityID))
}

// Fetch returns the current remote snapshot, or (nil, nil) when absent.
func (c *HTTPClient) Fetch(ctx context.Context, entityType, entityID string) (*models.EntitySnapshot, error) {
	resp, err := c.do(ctx, http.MethodGet, c.entityURL(entityType, entityID), "", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.FromHTTPStatus(resp.StatusCode, "fetch failed")
	}

	return decodeSnapshot(resp.Body)
}

// Create creates an entity remotely.
func (c *HTTPClient) Create(ctx context.Context, idempotencyKey, entityType, entityID string, data map[string]interface{}) (*models.EntitySnapshot, error) {
	return c.write(ctx, http.MethodPost, idempotencyKey, entityType, entityID, data)
}

// Update writes an entity's full state.
func (c *HTTPClient) Update(ctx context.Context, idempotencyKey, entityType, entityID string, data map[string]interface{}) (*models.EntitySnapshot, error) {
	return c.write(ctx, http.MethodPut, idempotencyKey, entityType, entityID, data)
}

func (c *HTTPClient) write(ctx context.Context, method, idempotencyKey, entityType, entityID string, data map[string]interface{}) (*models.EntitySnapshot, error) {
	body, err := json.Marshal(data)
	if err != nil {
		return nil, errors.Wrap(errors.ErrInvalid, "payload not serializable", err)
	}

	resp, err := c.do(ctx, method, c.entityURL(entityType, entityID), idempotencyKey, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, errors.FromHTTPStatus(resp.StatusCode, fmt.Sprintf("%s failed", strings.ToLower(method)))
	}

	return decodeSnapshot(resp.Body)
}

// Delete removes an entity remotely. A 404 counts as success: the entity
// is gone either way and deletes must stay idempotent across retries.
func (c *HTTPClient) Delete(ctx context.Context, idempotencyKey, entityType, entityID string) error {
	resp, err := c.do(ctx, http.MethodDelete, c.entityURL(entityType, entityID), idempotencyKey, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusNotFound:
		return nil
	default:
		return errors.FromHTTPStatus(resp.StatusCode, "delete failed")
	}
}

// Changes returns snapshots modified after the watermark.
func (c *HTTPClient) Changes(ctx context.Context, sinceMillis int64) ([]*models.EntitySnapshot, error) {
	u := fmt.Sprintf("%s/changes?since=%s",
		strings.TrimRight(c.config.BaseURL, "/"),
		strconv.FormatInt(sinceMillis, 10))

	resp, err := c.do(ctx, http.MethodGet, u, "", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.FromHTTPStatus(resp.StatusCode, "changes fetch failed")
	}

	var snapshots []*models.EntitySnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snapshots); err != nil {
		return nil, errors.Wrap(errors.ErrRemote, "changes response malformed", err)
	}
	return snapshots, nil
}

// Ping performs a lightweight reachability check against the health
// endpoint.
func (c *HTTPClient) Ping(ctx context.Context) error {
	u := strings.TrimRight(c.config.BaseURL, "/") + "/health"
	resp, err := c.do(ctx, http.MethodHead, u, "", nil)
	if err != nil {
		return err
	}
	resp.Body.Close()

	if resp.StatusCode >= 500 {
		return errors.FromHTTPStatus(resp.StatusCode, "health check failed")
	}
	return nil
}

func (c *HTTPClient) do(ctx context.Context, method, url, idempotencyKey string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, errors.Wrap(errors.ErrInvalid, "request construction failed", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	if c.config.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.AuthToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Transport errors (DNS, refused connections, timeouts) are
		// transient from the queue's point of view.
		return nil, errors.Wrap(errors.ErrRemoteUnavailable, "request failed", err).Retryable()
	}
	return resp, nil
}

func decodeSnapshot(r io.Reader) (*models.EntitySnapshot, error) {
	var snapshot models.EntitySnapshot
	if err := json.NewDecoder(r).Decode(&snapshot); err != nil {
		return nil, errors.Wrap(errors.ErrRemote, "snapshot response malformed", err)
	}
	return &snapshot, nil
}
