// Package hubrest is the one-shot REST side of the hub integration,
// distinct from the persistent websocket
// channel internal/hubsession drives: automation CRUD and service calls
// the Automation Test Harness needs don't fit the subscribe/event model.
// One shared *http.Client per the REDESIGN FLAGS note on splitting
// external endpoints out of request handlers, following the retry
// posture internal/context/weather.Provider already uses for its own
// external endpoint.
package hubrest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// Client calls the hub's config/automation and services REST endpoints.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	log        *zap.Logger
}

// New creates a Client. baseURL is the hub's HTTP(S) origin, e.g.
// "http://homeassistant.local:8123".
func New(baseURL, token string, log *zap.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		baseURL:    baseURL,
		token:      token,
		log:        log.Named("hubrest"),
	}
}

// CreateAutomation issues POST /api/config/automation/config/{id} with the
// automation body rendered as JSON.
func (c *Client) CreateAutomation(ctx context.Context, id, bodyJSON string) error {
	return c.doWithRetry(ctx, http.MethodPost, "/api/config/automation/config/"+url.PathEscape(id), []byte(bodyJSON))
}

// DeleteAutomation issues DELETE /api/config/automation/config/{id}.
func (c *Client) DeleteAutomation(ctx context.Context, id string) error {
	return c.doWithRetry(ctx, http.MethodDelete, "/api/config/automation/config/"+url.PathEscape(id), nil)
}

// FireService issues POST /api/services/{domain}/{service} with data as
// the JSON body; the harness uses it to trigger the test automation.
func (c *Client) FireService(ctx context.Context, domain, service string, data map[string]any) error {
	body, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode service call data: %w", err)
	}
	path := fmt.Sprintf("/api/services/%s/%s", url.PathEscape(domain), url.PathEscape(service))
	return c.doWithRetry(ctx, http.MethodPost, path, body)
}

// States fetches GET /api/states and returns the raw JSON entity
// snapshot.
func (c *Client) States(ctx context.Context) ([]byte, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/states", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch states: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("states api status %d", resp.StatusCode)
	}
	var raw bytes.Buffer
	if _, err := raw.ReadFrom(resp.Body); err != nil {
		return nil, fmt.Errorf("read states response: %w", err)
	}
	return raw.Bytes(), nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build %s %s request: %w", method, path, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// doWithRetry makes up to 3 attempts, retrying transient (5xx / network)
// failures with exponential backoff; a 4xx response is treated as
// permanent and returned immediately, matching the harness's need to fail
// fast on a malformed automation body rather than resend it.
func (c *Client) doWithRetry(ctx context.Context, method, path string, body []byte) error {
	op := func() (struct{}, error) {
		req, err := c.newRequest(ctx, method, path, body)
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return struct{}{}, err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return struct{}{}, fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return struct{}{}, backoff.Permanent(fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode))
		}
		return struct{}{}, nil
	}

	_, err := backoff.Retry(ctx, op,
		backoff.WithMaxTries(3),
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
	)
	if err != nil {
		c.log.Warn("hub rest call failed", zap.String("method", method), zap.String("path", path), zap.Error(err))
	}
	return err
}
