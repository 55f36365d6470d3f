package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	cutout "github.com/lsst-sqre/ivoa-cutout-poc"
	"github.com/lsst-sqre/ivoa-cutout-poc/id"
	"github.com/lsst-sqre/ivoa-cutout-poc/job"
)

// errorBody is the JSON shape of every non-2xx response.
type errorBody struct {
	Error string `json:"error"`
}

// jobCountsBody is the response of GET /v1/jobs/counts.
type jobCountsBody struct {
	Pending   int64 `json:"pending"`
	Queued    int64 `json:"queued"`
	Executing int64 `json:"executing"`
	Completed int64 `json:"completed"`
	Error     int64 `json:"error"`
	Cancelled int64 `json:"cancelled"`
	Total     int64 `json:"total"`
}

func (s *Server) submitJob(c *gin.Context) {
	var req job.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: "invalid request body: " + err.Error()})
		return
	}

	j, err := s.eng.Submit(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err)
		return
	}

	c.Header("Location", "/v1/jobs/"+j.ID.String())
	c.JSON(http.StatusCreated, j)
}

func (s *Server) listJobs(c *gin.Context) {
	opts := job.ListOpts{
		State: job.State(c.Query("state")),
		RunID: c.Query("run_id"),
	}
	var err error
	if opts.Limit, err = intQuery(c, "limit"); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	if opts.Offset, err = intQuery(c, "offset"); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}

	jobs, err := s.eng.List(c.Request.Context(), opts)
	if err != nil {
		s.fail(c, err)
		return
	}
	if jobs == nil {
		jobs = []*job.Job{}
	}
	c.JSON(http.StatusOK, jobs)
}

// getJob returns the job record. With ?wait=<duration> it long-polls
// until the job leaves the active phases or the window elapses, and
// returns the latest record either way.
func (s *Server) getJob(c *gin.Context) {
	jobID, err := id.ParseJobID(c.Param("jobId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: "invalid job id: " + err.Error()})
		return
	}

	ctx := c.Request.Context()

	if waitStr := c.Query("wait"); waitStr != "" {
		wait, parseErr := time.ParseDuration(waitStr)
		if parseErr != nil {
			c.JSON(http.StatusBadRequest, errorBody{Error: "invalid wait duration: " + parseErr.Error()})
			return
		}
		if wait > maxWait {
			wait = maxWait
		}
		j, waitErr := s.eng.Wait(ctx, jobID, wait)
		if waitErr != nil {
			s.fail(c, waitErr)
			return
		}
		c.JSON(http.StatusOK, j)
		return
	}

	j, err := s.eng.GetStatus(ctx, jobID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, j)
}

func (s *Server) cancelJob(c *gin.Context) {
	jobID, err := id.ParseJobID(c.Param("jobId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: "invalid job id: " + err.Error()})
		return
	}

	j, err := s.eng.Cancel(c.Request.Context(), jobID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, j)
}

func (s *Server) jobCounts(c *gin.Context) {
	ctx := c.Request.Context()

	var resp jobCountsBody
	for _, st := range []struct {
		state job.State
		dst   *int64
	}{
		{job.StatePending, &resp.Pending},
		{job.StateQueued, &resp.Queued},
		{job.StateExecuting, &resp.Executing},
		{job.StateCompleted, &resp.Completed},
		{job.StateError, &resp.Error},
		{job.StateCancelled, &resp.Cancelled},
	} {
		n, err := s.eng.Counts(ctx, job.CountOpts{State: st.state})
		if err != nil {
			s.fail(c, err)
			return
		}
		*st.dst = n
		resp.Total += n
	}

	c.JSON(http.StatusOK, resp)
}

// fail maps sentinel errors to status codes. Anything unrecognized is a
// 500 with a generic body; the detail goes to the log, not the client.
func (s *Server) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, cutout.ErrJobNotFound), errors.Is(err, cutout.ErrArchiveNotFound):
		c.JSON(http.StatusNotFound, errorBody{Error: err.Error()})
	case errors.Is(err, cutout.ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, errorBody{Error: err.Error()})
	case errors.Is(err, cutout.ErrTerminalState):
		c.JSON(http.StatusConflict, errorBody{Error: err.Error()})
	default:
		s.logger.Error("request failed",
			slog.String("path", c.FullPath()),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, errorBody{Error: "internal error"})
	}
}

func intQuery(c *gin.Context, name string) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New("invalid " + name + " parameter")
	}
	return n, nil
}
