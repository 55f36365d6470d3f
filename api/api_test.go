package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/lsst-sqre/ivoa-cutout-poc/api"
	"github.com/lsst-sqre/ivoa-cutout-poc/archive"
	"github.com/lsst-sqre/ivoa-cutout-poc/engine"
	"github.com/lsst-sqre/ivoa-cutout-poc/id"
	"github.com/lsst-sqre/ivoa-cutout-poc/job"
	"github.com/lsst-sqre/ivoa-cutout-poc/queue"
	"github.com/lsst-sqre/ivoa-cutout-poc/region"
	"github.com/lsst-sqre/ivoa-cutout-poc/store/memory"
)

var discard = slog.New(slog.DiscardHandler)

const submitBody = `{
	"dataset_id": "butler://dp02/visit/12345",
	"run_id": "night-17",
	"stencils": [
		{"type": "circle", "center": {"ra": 128.5, "dec": -42.1}, "radius": 0.5}
	]
}`

type fixture struct {
	store   *memory.Store
	queue   *queue.Memory
	eng     *engine.Engine
	arc     *archive.Service
	handler http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	s := memory.New()
	q := queue.NewMemory()
	eng, err := engine.New(s, q,
		engine.WithArchive(s),
		engine.WithLogger(discard),
	)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	arc := archive.NewService(s, eng)

	srv := api.New(eng,
		api.WithArchive(arc),
		api.WithLogger(discard),
	)
	return &fixture{store: s, queue: q, eng: eng, arc: arc, handler: srv.Handler()}
}

// do runs a request through the handler and decodes the JSON response
// into out (when out is non-nil).
func (f *fixture) do(t *testing.T, method, path, body string, out any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	if out != nil && rec.Code < 300 {
		if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
			t.Fatalf("decode %s %s response: %v\nbody: %s", method, path, err, rec.Body.String())
		}
	}
	return rec
}

// submit creates a job through the API and returns the decoded record.
func (f *fixture) submit(t *testing.T) *job.Job {
	t.Helper()

	var j job.Job
	rec := f.do(t, http.MethodPost, "/v1/jobs", submitBody, &j)
	if rec.Code != http.StatusCreated {
		t.Fatalf("submit status = %d, body = %s", rec.Code, rec.Body.String())
	}
	return &j
}

// completeNext drains one queue delivery and reports success for it.
func (f *fixture) completeNext(t *testing.T) *job.Job {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	d, err := f.queue.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	j, err := f.eng.Claim(ctx, d.Message)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if err := d.Ack(ctx); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	res := job.Result{ResultID: "cutout", URL: "s3://bucket/cutout123.fits"}
	if err := f.eng.ReportSuccess(ctx, j.ID, d.Message.DeliveryToken, res); err != nil {
		t.Fatalf("ReportSuccess: %v", err)
	}
	return j
}

func TestAPI_Health(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestAPI_SubmitJob(t *testing.T) {
	f := newFixture(t)

	j := f.submit(t)
	if j.State != job.StateQueued {
		t.Errorf("state = %s, want queued", j.State)
	}
	if j.Request.RunID != "night-17" {
		t.Errorf("run_id = %s", j.Request.RunID)
	}
	if j.ID.IsNil() {
		t.Error("no job id assigned")
	}
}

func TestAPI_SubmitJob_LocationHeader(t *testing.T) {
	f := newFixture(t)

	var j job.Job
	rec := f.do(t, http.MethodPost, "/v1/jobs", submitBody, &j)
	loc := rec.Header().Get("Location")
	if loc != "/v1/jobs/"+j.ID.String() {
		t.Errorf("Location = %q", loc)
	}
}

func TestAPI_SubmitJob_BadBody(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/jobs", `{not json`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestAPI_SubmitJob_InvalidRequest(t *testing.T) {
	f := newFixture(t)

	// Valid JSON, but no dataset_id.
	rec := f.do(t, http.MethodPost, "/v1/jobs", `{"stencils": []}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "dataset_id") {
		t.Errorf("body = %s, want mention of dataset_id", rec.Body.String())
	}
}

func TestAPI_GetJob(t *testing.T) {
	f := newFixture(t)
	j := f.submit(t)

	var got job.Job
	rec := f.do(t, http.MethodGet, "/v1/jobs/"+j.ID.String(), "", &got)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got.ID.String() != j.ID.String() {
		t.Errorf("id = %s, want %s", got.ID, j.ID)
	}
}

func TestAPI_GetJob_NotFound(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/v1/jobs/"+id.NewJobID().String(), "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestAPI_GetJob_BadID(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/v1/jobs/not-a-typeid", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestAPI_GetJob_WaitReturnsTerminal(t *testing.T) {
	f := newFixture(t)
	j := f.submit(t)
	f.completeNext(t)

	var got job.Job
	rec := f.do(t, http.MethodGet, "/v1/jobs/"+j.ID.String()+"?wait=2s", "", &got)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got.State != job.StateCompleted {
		t.Errorf("state = %s, want completed", got.State)
	}
	if got.Result == nil || got.Result.URL != "s3://bucket/cutout123.fits" {
		t.Errorf("result = %+v", got.Result)
	}
}

func TestAPI_GetJob_WaitTimeoutReturnsActive(t *testing.T) {
	f := newFixture(t)
	j := f.submit(t)

	var got job.Job
	rec := f.do(t, http.MethodGet, "/v1/jobs/"+j.ID.String()+"?wait=1ms", "", &got)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got.State != job.StateQueued {
		t.Errorf("state = %s, want queued", got.State)
	}
}

func TestAPI_GetJob_BadWait(t *testing.T) {
	f := newFixture(t)
	j := f.submit(t)

	rec := f.do(t, http.MethodGet, "/v1/jobs/"+j.ID.String()+"?wait=soon", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestAPI_CancelJob(t *testing.T) {
	f := newFixture(t)
	j := f.submit(t)

	var got job.Job
	rec := f.do(t, http.MethodPost, "/v1/jobs/"+j.ID.String()+"/cancel", "", &got)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got.State != job.StateCancelled {
		t.Errorf("state = %s, want cancelled", got.State)
	}
}

func TestAPI_CancelJob_TerminalConflict(t *testing.T) {
	f := newFixture(t)
	j := f.submit(t)
	f.completeNext(t)

	rec := f.do(t, http.MethodPost, "/v1/jobs/"+j.ID.String()+"/cancel", "", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestAPI_ListJobs(t *testing.T) {
	f := newFixture(t)
	f.submit(t)
	f.submit(t)
	f.submit(t)

	var jobs []*job.Job
	rec := f.do(t, http.MethodGet, "/v1/jobs", "", &jobs)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(jobs) != 3 {
		t.Fatalf("len = %d, want 3", len(jobs))
	}

	var page []*job.Job
	f.do(t, http.MethodGet, "/v1/jobs?limit=2&offset=1", "", &page)
	if len(page) != 2 {
		t.Fatalf("page len = %d, want 2", len(page))
	}

	var byState []*job.Job
	f.do(t, http.MethodGet, "/v1/jobs?state=completed", "", &byState)
	if len(byState) != 0 {
		t.Fatalf("completed len = %d, want 0", len(byState))
	}
}

func TestAPI_ListJobs_BadLimit(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/v1/jobs?limit=many", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestAPI_JobCounts(t *testing.T) {
	f := newFixture(t)
	f.submit(t)
	f.submit(t)
	f.completeNext(t)

	var counts struct {
		Queued    int64 `json:"queued"`
		Completed int64 `json:"completed"`
		Total     int64 `json:"total"`
	}
	rec := f.do(t, http.MethodGet, "/v1/jobs/counts", "", &counts)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if counts.Queued != 1 || counts.Completed != 1 || counts.Total != 2 {
		t.Errorf("counts = %+v", counts)
	}
}

// ── archive routes ──────────────────────────────────

func pushFailedEntry(t *testing.T, f *fixture) *archive.Entry {
	t.Helper()

	ctx := context.Background()
	j, err := f.eng.Submit(ctx, job.Request{
		DatasetID: "butler://dp02/visit/777",
		Stencils:  mustStencils(t),
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	failure := job.Failure{Code: job.CodeWorkerFailed, Message: "cutout execution failed"}
	if err := f.arc.Push(ctx, j, failure); err != nil {
		t.Fatalf("Push: %v", err)
	}

	entries, err := f.store.ListEntries(ctx, archive.ListOpts{})
	if err != nil || len(entries) == 0 {
		t.Fatalf("ListEntries: %v (%d)", err, len(entries))
	}
	return entries[0]
}

func mustStencils(t *testing.T) region.List {
	t.Helper()
	var stencils region.List
	if err := json.Unmarshal([]byte(`[{"type": "circle", "center": {"ra": 1, "dec": 2}, "radius": 0.1}]`), &stencils); err != nil {
		t.Fatalf("stencils: %v", err)
	}
	return stencils
}

func TestAPI_ArchiveListAndGet(t *testing.T) {
	f := newFixture(t)
	entry := pushFailedEntry(t, f)

	var entries []*archive.Entry
	rec := f.do(t, http.MethodGet, "/v1/archive", "", &entries)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(entries) != 1 {
		t.Fatalf("len = %d, want 1", len(entries))
	}

	var got archive.Entry
	rec = f.do(t, http.MethodGet, "/v1/archive/"+entry.ID.String(), "", &got)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got.Failure.Code != job.CodeWorkerFailed {
		t.Errorf("failure code = %s", got.Failure.Code)
	}
}

func TestAPI_ArchiveGet_NotFound(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/v1/archive/"+id.NewArchiveID().String(), "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestAPI_ArchiveReplay(t *testing.T) {
	f := newFixture(t)
	entry := pushFailedEntry(t, f)

	var replayed job.Job
	rec := f.do(t, http.MethodPost, "/v1/archive/"+entry.ID.String()+"/replay", "", &replayed)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if replayed.State != job.StateQueued {
		t.Errorf("state = %s, want queued", replayed.State)
	}
	if replayed.ID.String() == entry.JobID.String() {
		t.Error("replay reused the original job id")
	}
}

func TestAPI_ArchiveCountAndPurge(t *testing.T) {
	f := newFixture(t)
	pushFailedEntry(t, f)

	var count struct {
		Count int64 `json:"count"`
	}
	rec := f.do(t, http.MethodGet, "/v1/archive/count", "", &count)
	if rec.Code != http.StatusOK || count.Count != 1 {
		t.Fatalf("status = %d count = %d", rec.Code, count.Count)
	}

	var purge struct {
		Purged int64 `json:"purged"`
	}
	rec = f.do(t, http.MethodPost, "/v1/archive/purge", `{"older_than": "-1m"}`, &purge)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if purge.Purged != 1 {
		t.Errorf("purged = %d, want 1", purge.Purged)
	}
}
