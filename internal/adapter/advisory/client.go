// Package advisory provides the HTTP pull client for the external
// advisory backend. It implements the backend.Client port.
package advisory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/WoodrowLove/advisorygate/internal/domain/request"
	"github.com/WoodrowLove/advisorygate/internal/port/backend"
	"github.com/WoodrowLove/advisorygate/internal/resilience"
)

// Client talks to the advisory backend's HTTP API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	breaker    *resilience.Breaker
}

// NewClient creates a new advisory backend client.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// SetBreaker attaches a circuit breaker to all outgoing HTTP calls.
func (c *Client) SetBreaker(b *resilience.Breaker) {
	c.breaker = b
}

// Fetch returns the backend's response for a correlation id. A 404 or
// 202 means the backend is still working and maps to backend.ErrNotReady.
func (c *Client) Fetch(ctx context.Context, correlationID string) (*request.AdvisoryResponse, error) {
	data, status, err := c.doRequest(ctx, http.MethodGet, "/v1/advisories/"+correlationID, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch advisory %s: %w", correlationID, err)
	}
	if status == http.StatusNotFound || status == http.StatusAccepted {
		return nil, backend.ErrNotReady
	}

	var resp request.AdvisoryResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal advisory %s: %w", correlationID, err)
	}
	if resp.CorrelationID == "" {
		resp.CorrelationID = correlationID
	}
	return &resp, nil
}

// Healthy reports whether the backend answers its health probe. The
// probe bypasses the breaker so a recovering backend can be observed
// without spending half-open probes.
func (c *Client) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode < 400
}

func (c *Client) doRequest(ctx context.Context, method, path string, body []byte) ([]byte, int, error) {
	var (
		result []byte
		status int
	)
	call := func() error {
		var bodyReader io.Reader
		if body != nil {
			bodyReader = bytes.NewReader(body)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}

		req.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("http request: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}

		// 404 and 202 are expected poll outcomes, not backend failures;
		// they must not trip the breaker.
		if resp.StatusCode >= 400 && resp.StatusCode != http.StatusNotFound {
			return fmt.Errorf("advisory API error %d: %s", resp.StatusCode, string(data))
		}

		result = data
		status = resp.StatusCode
		return nil
	}

	if c.breaker != nil {
		if err := c.breaker.Execute(call); err != nil {
			return nil, 0, err
		}
		return result, status, nil
	}

	if err := call(); err != nil {
		return nil, 0, err
	}
	return result, status, nil
}
