// Package update asks the version-check service whether a newer build of a
// container image tag is available.
package update

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const requestTimeout = 30 * time.Second

// Request describes the locally installed image.
type Request struct {
	ID                   string   `json:"id"`
	CurrentImage         string   `json:"currentImage"`
	CurrentVersionHashes []string `json:"currentVersionHashes"`
}

// Response is the answer of the version-check service.
type Response struct {
	TagUpdateAvailable bool `json:"tagUpdateAvailable"`
}

// Checker queries a version-check service.
type Checker interface {
	Check(ctx context.Context, req Request) (Response, error)
}

// Client is a Checker talking JSON over HTTP to a single endpoint.
type Client struct {
	url  string
	http *http.Client
}

// NewClient returns a Client posting to url. A nil httpClient uses a client
// with a default timeout.
func NewClient(url string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: requestTimeout}
	}
	return &Client{url: url, http: httpClient}
}

func (c *Client) Check(ctx context.Context, req Request) (Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("update check: encode: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("update check: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("update check: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Response{}, fmt.Errorf("update check: status %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}

	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Response{}, fmt.Errorf("update check: decode: %w", err)
	}
	return out, nil
}

// Ensure Client implements Checker at compile time.
var _ Checker = (*Client)(nil)
