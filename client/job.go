package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/lsst-sqre/ivoa-cutout-poc/id"
	"github.com/lsst-sqre/ivoa-cutout-poc/job"
)

// Counts is the per-state job census returned by the service.
type Counts struct {
	Pending   int64 `json:"pending"`
	Queued    int64 `json:"queued"`
	Executing int64 `json:"executing"`
	Completed int64 `json:"completed"`
	Error     int64 `json:"error"`
	Cancelled int64 `json:"cancelled"`
	Total     int64 `json:"total"`
}

// Submit creates a new cutout job. The returned record reflects the
// state the submission reached on the server, normally queued.
func (c *Client) Submit(ctx context.Context, req job.Request) (*job.Job, error) {
	var j job.Job
	if err := c.do(ctx, http.MethodPost, "/v1/jobs", req, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

// Get returns the current job record.
func (c *Client) Get(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	var j job.Job
	if err := c.do(ctx, http.MethodGet, "/v1/jobs/"+jobID.String(), nil, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

// Wait long-polls the job until it leaves the active phases or the
// timeout elapses, returning the latest record either way. The server
// caps the per-request window, so long timeouts are split into
// consecutive polls.
func (c *Client) Wait(ctx context.Context, jobID id.JobID, timeout time.Duration) (*job.Job, error) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return c.Get(ctx, jobID)
		}

		var j job.Job
		path := fmt.Sprintf("/v1/jobs/%s?wait=%s", jobID, remaining.Round(time.Millisecond))
		if err := c.do(ctx, http.MethodGet, path, nil, &j); err != nil {
			return nil, err
		}
		if !j.State.Active() {
			return &j, nil
		}
	}
}

// Cancel soft-cancels the job and returns the cancelled record.
// Cancelling a completed or errored job fails with
// cutout.ErrTerminalState.
func (c *Client) Cancel(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	var j job.Job
	if err := c.do(ctx, http.MethodPost, "/v1/jobs/"+jobID.String()+"/cancel", nil, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

// List returns jobs matching the options.
func (c *Client) List(ctx context.Context, opts job.ListOpts) ([]*job.Job, error) {
	q := url.Values{}
	if opts.State != "" {
		q.Set("state", string(opts.State))
	}
	if opts.RunID != "" {
		q.Set("run_id", opts.RunID)
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		q.Set("offset", strconv.Itoa(opts.Offset))
	}

	path := "/v1/jobs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var jobs []*job.Job
	if err := c.do(ctx, http.MethodGet, path, nil, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

// Counts returns the per-state job census.
func (c *Client) Counts(ctx context.Context) (Counts, error) {
	var counts Counts
	err := c.do(ctx, http.MethodGet, "/v1/jobs/counts", nil, &counts)
	return counts, err
}
