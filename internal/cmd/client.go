package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/adamancini/kioskd/internal/httputil"
)

const maxResponseSize = 1 << 20

// requestError is an error response from the service.
type requestError struct {
	Status int
	httputil.ErrorResponse
}

func (e *requestError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Details != "" {
		msg += " (" + e.Details + ")"
	}
	if len(e.Hints) > 0 {
		msg += "\n  hint: " + strings.Join(e.Hints, "\n  hint: ")
	}
	return msg
}

// apiClient talks to a running kioskd service.
type apiClient struct {
	base      string
	userAgent string
	client    *http.Client
}

func newAPIClient(base string) *apiClient {
	return &apiClient{
		base:      strings.TrimRight(base, "/"),
		userAgent: "kioskd-cli/" + buildVersion,
		client: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

func (c *apiClient) get(ctx context.Context, path string, out interface{}) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *apiClient) post(ctx context.Context, path string, out interface{}) error {
	return c.do(ctx, http.MethodPost, path, strings.NewReader("{}"), out)
}

func (c *apiClient) do(ctx context.Context, method, path string, body io.Reader, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach kioskd at %s: %w", c.base, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		reqErr := &requestError{Status: resp.StatusCode}
		if err := json.Unmarshal(data, &reqErr.ErrorResponse); err != nil || reqErr.Code == "" {
			reqErr.Code = fmt.Sprintf("HTTP_%d", resp.StatusCode)
			reqErr.Message = http.StatusText(resp.StatusCode)
		}
		return reqErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
