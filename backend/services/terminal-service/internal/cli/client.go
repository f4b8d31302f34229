package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// apiClient talks to the terminal service HTTP API.
type apiClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func newAPIClient(baseURL, token string, timeout time.Duration) *apiClient {
	return &apiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

type apiResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// call sends body as JSON and returns the raw response. Non-2xx answers become
// errors carrying the service's message.
func (c *apiClient) call(ctx context.Context, method, path string, body interface{}) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		var parsed apiResponse
		if json.Unmarshal(data, &parsed) == nil && parsed.Message != "" {
			return nil, fmt.Errorf("%s (status %d)", parsed.Message, resp.StatusCode)
		}
		return nil, fmt.Errorf("request failed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return data, nil
}
