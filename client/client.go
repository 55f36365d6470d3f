// Package client provides a Go client for a remote cutout service.
//
// Usage:
//
//	c := client.New("https://cutouts.example.org")
//
//	j, err := c.Submit(ctx, job.Request{
//	    DatasetID: "butler://dp02/visit/12345",
//	    Stencils:  stencils,
//	})
//
//	// Block until the job settles or the window elapses.
//	j, err = c.Wait(ctx, j.ID, 30*time.Second)
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	cutout "github.com/lsst-sqre/ivoa-cutout-poc"
)

// Client talks to the cutout service HTTP API.
type Client struct {
	baseURL string
	httpc   *http.Client
	token   string
	logger  *slog.Logger
}

// New creates a client for the service at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   http.DefaultClient,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// apiError is the JSON error body the server sends on non-2xx responses.
type apiError struct {
	Error string `json:"error"`
}

// do issues a request and decodes the JSON response into out. Non-2xx
// responses are mapped back to the service's sentinel errors where the
// status code identifies one.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("cutout/client: marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("cutout/client: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("cutout/client: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 300 {
		return c.decodeError(resp)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("cutout/client: decode response: %w", err)
		}
	}
	return nil
}

func (c *Client) decodeError(resp *http.Response) error {
	var body apiError
	msg := resp.Status
	if json.NewDecoder(resp.Body).Decode(&body) == nil && body.Error != "" {
		msg = body.Error
	}

	switch resp.StatusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%s: %w", msg, cutout.ErrJobNotFound)
	case http.StatusBadRequest:
		return fmt.Errorf("%s: %w", msg, cutout.ErrInvalidRequest)
	case http.StatusConflict:
		return fmt.Errorf("%s: %w", msg, cutout.ErrTerminalState)
	default:
		return fmt.Errorf("cutout/client: %s", msg)
	}
}
