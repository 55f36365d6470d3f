package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/lsst-sqre/ivoa-cutout-poc/job"
)

// HTTPCutter delegates the pixel operation to a backend cutout service:
// the request is POSTed as JSON and the backend answers with a result
// reference once the artifact is in object storage. The backend is
// expected to be synchronous; asynchrony lives in this service, not
// there.
type HTTPCutter struct {
	baseURL string
	httpc   *http.Client
}

// HTTPCutterOption configures an HTTPCutter.
type HTTPCutterOption func(*HTTPCutter)

// WithCutterHTTPClient sets the underlying HTTP client.
func WithCutterHTTPClient(httpc *http.Client) HTTPCutterOption {
	return func(c *HTTPCutter) { c.httpc = httpc }
}

// NewHTTPCutter creates a cutter that calls the backend at baseURL.
func NewHTTPCutter(baseURL string, opts ...HTTPCutterOption) *HTTPCutter {
	c := &HTTPCutter{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ Cutter = (*HTTPCutter)(nil)

// Cut posts the request to the backend's /cutout endpoint and decodes
// the result reference. Context cancellation aborts the call; the
// engine's timeout sweep handles a backend that never answers.
func (c *HTTPCutter) Cut(ctx context.Context, req job.Request) (job.Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return job.Result{}, fmt.Errorf("cutter: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/cutout", bytes.NewReader(body))
	if err != nil {
		return job.Result{}, fmt.Errorf("cutter: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(httpReq)
	if err != nil {
		return job.Result{}, fmt.Errorf("cutter: backend call: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512)) //nolint:errcheck
		return job.Result{}, fmt.Errorf("cutter: backend returned %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	var res job.Result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return job.Result{}, fmt.Errorf("cutter: decode result: %w", err)
	}
	if res.URL == "" {
		return job.Result{}, fmt.Errorf("cutter: backend result has no url")
	}
	return res, nil
}
