package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/sylvestre/lando-api/internal/config"
	"github.com/sylvestre/lando-api/internal/domain/landing"
	"github.com/sylvestre/lando-api/internal/infra/ratelimit"
	"github.com/sylvestre/lando-api/internal/usecase"
)

type fakeSource struct {
	data usecase.StackData
	err  error
}

func (f *fakeSource) FetchStack(context.Context, int64) (usecase.StackData, error) {
	return f.data, f.err
}

type fakeJobRepo struct {
	mu   sync.Mutex
	jobs map[string]landing.LandingJob
}

func newFakeJobRepo() *fakeJobRepo {
	return &fakeJobRepo{jobs: make(map[string]landing.LandingJob)}
}

func (f *fakeJobRepo) Create(_ context.Context, job landing.LandingJob) (landing.LandingJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.jobs {
		if existing.Status.Terminal() {
			continue
		}
		if overlaps(existing.RevisionIDs, job.RevisionIDs) {
			return landing.LandingJob{}, landing.ErrAlreadyLanding
		}
	}
	f.jobs[job.ID] = job
	return job, nil
}

func (f *fakeJobRepo) RecordRequestID(_ context.Context, jobID, requestID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok {
		return landing.ErrNotFound
	}
	job.RequestID = requestID
	f.jobs[jobID] = job
	return nil
}

func (f *fakeJobRepo) GetByID(_ context.Context, jobID string) (landing.LandingJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok {
		return landing.LandingJob{}, landing.ErrNotFound
	}
	return job, nil
}

func (f *fakeJobRepo) ListByRevisions(_ context.Context, revisionIDs []int64) ([]landing.LandingJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []landing.LandingJob
	for _, job := range f.jobs {
		if overlaps(job.RevisionIDs, revisionIDs) {
			out = append(out, job)
		}
	}
	return out, nil
}

func overlaps(a, b []int64) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}

func (f *fakeJobRepo) Cancel(_ context.Context, jobID string) (landing.LandingJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok {
		return landing.LandingJob{}, landing.ErrNotFound
	}
	if job.Status != landing.JobSubmitted {
		return landing.LandingJob{}, landing.ErrNotCancellable
	}
	job.Status = landing.JobCancelled
	f.jobs[jobID] = job
	return job, nil
}

func (f *fakeJobRepo) TransitionByID(_ context.Context, jobID string, next landing.JobStatus, landedCommit, errorMsg string) (landing.LandingJob, bool, error) {
	return f.transition(func(job landing.LandingJob) bool { return job.ID == jobID }, next, landedCommit, errorMsg)
}

func (f *fakeJobRepo) TransitionByRequestID(_ context.Context, requestID string, next landing.JobStatus, landedCommit, errorMsg string) (landing.LandingJob, bool, error) {
	return f.transition(func(job landing.LandingJob) bool { return job.RequestID != "" && job.RequestID == requestID }, next, landedCommit, errorMsg)
}

func (f *fakeJobRepo) transition(match func(landing.LandingJob) bool, next landing.JobStatus, landedCommit, errorMsg string) (landing.LandingJob, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, job := range f.jobs {
		if !match(job) {
			continue
		}
		if job.Status.Terminal() {
			return job, false, nil
		}
		if next == landing.JobInProgress && job.Status != landing.JobSubmitted {
			return job, false, nil
		}
		job.Status = next
		job.LandedCommitID = landedCommit
		job.ErrorMessage = errorMsg
		f.jobs[id] = job
		return job, true, nil
	}
	return landing.LandingJob{}, false, landing.ErrNotFound
}

type fakeWorker struct {
	mu        sync.Mutex
	nextID    int
	abandoned []string
}

func (f *fakeWorker) Enqueue(context.Context, usecase.EnqueueRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	return fmt.Sprintf("req-%d", f.nextID), nil
}

func (f *fakeWorker) Abandon(_ context.Context, requestID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.abandoned = append(f.abandoned, requestID)
	return nil
}

type fakeNotifier struct{}

func (fakeNotifier) LandingFailed(context.Context, string, string, string) error { return nil }

func stackData() usecase.StackData {
	repo := landing.Repository{
		PHID:             "PHID-REPO-central",
		ShortName:        "mozilla-central",
		URL:              "https://hg.example.com/mozilla-central",
		LandingSupported: true,
	}
	d1 := landing.Revision{
		ID:             1,
		PHID:           "PHID-DREV-1",
		Title:          "part one",
		Status:         landing.RevisionStatus{Value: "accepted", Display: "Accepted"},
		RepositoryPHID: repo.PHID,
		BugID:          "1111",
		Diff:           landing.Diff{ID: 11, AuthorName: "dev", AuthorEmail: "dev@example.com"},
		Reviewers: []landing.Reviewer{
			{PHID: "PHID-USER-r1", Status: landing.ReviewerAccepted, Identifier: "reviewer"},
		},
	}
	d2 := d1
	d2.ID = 2
	d2.PHID = "PHID-DREV-2"
	d2.Title = "part two"
	d2.BugID = "2222"
	d2.Diff = landing.Diff{ID: 22, AuthorName: "dev", AuthorEmail: "dev@example.com"}
	return usecase.StackData{
		Revisions:    []landing.Revision{d1, d2},
		Repositories: []landing.Repository{repo},
		Edges:        []landing.StackEdge{{Child: "PHID-DREV-2", Parent: "PHID-DREV-1"}},
	}
}

type testEnv struct {
	server *Server
	jobs   *fakeJobRepo
	worker *fakeWorker
}

func newTestEnv(t *testing.T, cfg config.Config) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	jobs := newFakeJobRepo()
	worker := &fakeWorker{}
	service := usecase.NewLandingService(&fakeSource{data: stackData()}, jobs, worker, fakeNotifier{})
	server := NewServerWithDeps(cfg, ServerDeps{
		Service: service,
		Limiter: ratelimit.NewMemoryLimiter(ratelimit.MemoryLimiterConfig{}),
	})
	return &testEnv{server: server, jobs: jobs, worker: worker}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	rec := httptest.NewRecorder()
	e.server.r.ServeHTTP(rec, req)
	return rec
}

func userHeaders(scopes string) map[string]string {
	return map[string]string{
		"X-Principal-Subject": "user-1",
		"X-Principal-Email":   "dev@example.com",
		"X-Principal-Scopes":  scopes,
	}
}

func TestGetStack(t *testing.T) {
	env := newTestEnv(t, config.Config{})
	rec := env.do(t, http.MethodGet, "/v1/stacks/D1", nil, userHeaders("landing:read"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Edges         [][2]string `json:"edges"`
		LandablePaths [][]string  `json:"landable_paths"`
		Revisions     []struct {
			RevisionID string `json:"revision_id"`
		} `json:"revisions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Revisions) != 2 || len(resp.Edges) != 1 {
		t.Fatalf("stack = %+v", resp)
	}
	if len(resp.LandablePaths) != 1 || len(resp.LandablePaths[0]) != 2 {
		t.Fatalf("landable paths = %v", resp.LandablePaths)
	}
}

func TestGetStackRequiresReadScope(t *testing.T) {
	env := newTestEnv(t, config.Config{})
	rec := env.do(t, http.MethodGet, "/v1/stacks/D1", nil, userHeaders("landing:write"))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func dryrunToken(t *testing.T, env *testEnv, path []map[string]int64) string {
	t.Helper()
	rec := env.do(t, http.MethodPost, "/v1/transplants/dryrun",
		map[string]any{"landing_path": path}, userHeaders("landing:read"))
	if rec.Code != http.StatusOK {
		t.Fatalf("dryrun status = %d body %s", rec.Code, rec.Body.String())
	}
	var assessment struct {
		ConfirmationToken *string `json:"confirmation_token"`
		Blocker           *string `json:"blocker"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &assessment); err != nil {
		t.Fatalf("decode assessment: %v", err)
	}
	if assessment.Blocker != nil {
		t.Fatalf("unexpected blocker: %s", *assessment.Blocker)
	}
	if assessment.ConfirmationToken == nil {
		t.Fatalf("missing confirmation token")
	}
	return *assessment.ConfirmationToken
}

func fullPath() []map[string]int64 {
	return []map[string]int64{
		{"revision_id": 1, "diff_id": 11},
		{"revision_id": 2, "diff_id": 22},
	}
}

func TestDryrunThenSubmit(t *testing.T) {
	env := newTestEnv(t, config.Config{})
	token := dryrunToken(t, env, fullPath())

	rec := env.do(t, http.MethodPost, "/v1/transplants", map[string]any{
		"landing_path":       fullPath(),
		"confirmation_token": token,
	}, userHeaders("landing:write"))
	if rec.Code != http.StatusCreated {
		t.Fatalf("submit status = %d body %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Job struct {
			ID        string `json:"id"`
			Status    string `json:"status"`
			RequestID string `json:"request_id"`
		} `json:"job"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Job.Status != "SUBMITTED" || resp.Job.RequestID == "" {
		t.Fatalf("job = %+v", resp.Job)
	}

	// A second submission for the same revisions conflicts.
	rec = env.do(t, http.MethodPost, "/v1/transplants", map[string]any{
		"landing_path":       fullPath(),
		"confirmation_token": token,
	}, userHeaders("landing:write"))
	if rec.Code != http.StatusConflict {
		t.Fatalf("second submit status = %d, want 409", rec.Code)
	}
}

func TestSubmitRejectsStaleToken(t *testing.T) {
	env := newTestEnv(t, config.Config{})
	rec := env.do(t, http.MethodPost, "/v1/transplants", map[string]any{
		"landing_path":       fullPath(),
		"confirmation_token": "stale",
	}, userHeaders("landing:write"))
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestCancelJob(t *testing.T) {
	env := newTestEnv(t, config.Config{})
	token := dryrunToken(t, env, fullPath())
	rec := env.do(t, http.MethodPost, "/v1/transplants", map[string]any{
		"landing_path":       fullPath(),
		"confirmation_token": token,
	}, userHeaders("landing:write"))
	var created struct {
		Job struct {
			ID        string `json:"id"`
			RequestID string `json:"request_id"`
		} `json:"job"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}

	rec = env.do(t, http.MethodPut, "/v1/landing_jobs/"+created.Job.ID,
		map[string]any{"status": "CANCELLED"}, userHeaders("landing:write"))
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel status = %d body %s", rec.Code, rec.Body.String())
	}
	if len(env.worker.abandoned) != 1 || env.worker.abandoned[0] != created.Job.RequestID {
		t.Fatalf("worker abandon calls = %v", env.worker.abandoned)
	}

	rec = env.do(t, http.MethodPut, "/v1/landing_jobs/"+created.Job.ID,
		map[string]any{"status": "LANDED"}, userHeaders("landing:write"))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("non-cancel update status = %d, want 400", rec.Code)
	}
}

func TestWorkerUpdateRequiresKey(t *testing.T) {
	env := newTestEnv(t, config.Config{TransplantAPIKey: "worker-key"})
	rec := env.do(t, http.MethodPost, "/v1/transplants/update",
		map[string]any{"request_id": 1, "landed": true}, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestWorkerUpdateLifecycle(t *testing.T) {
	env := newTestEnv(t, config.Config{TransplantAPIKey: "worker-key"})
	token := dryrunToken(t, env, fullPath())
	rec := env.do(t, http.MethodPost, "/v1/transplants", map[string]any{
		"landing_path":       fullPath(),
		"confirmation_token": token,
	}, userHeaders("landing:write"))
	var created struct {
		Job struct {
			RequestID string `json:"request_id"`
		} `json:"job"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	workerHeaders := map[string]string{"X-Transplant-API-Key": "worker-key"}

	rec = env.do(t, http.MethodPost, "/v1/transplants/update",
		map[string]any{"request_id": created.Job.RequestID, "started": true}, workerHeaders)
	if rec.Code != http.StatusOK {
		t.Fatalf("started update status = %d body %s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodPost, "/v1/transplants/update",
		map[string]any{"request_id": created.Job.RequestID, "landed": true, "result": "abc123"}, workerHeaders)
	if rec.Code != http.StatusOK {
		t.Fatalf("landed update status = %d body %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Job struct {
			Status         string `json:"status"`
			LandedCommitID string `json:"landed_commit_id"`
		} `json:"job"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Job.Status != "LANDED" || resp.Job.LandedCommitID != "abc123" {
		t.Fatalf("job = %+v", resp.Job)
	}

	rec = env.do(t, http.MethodGet, "/v1/transplants/D2", nil, userHeaders("landing:read"))
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var list struct {
		Transplants []struct {
			Status string `json:"status"`
		} `json:"transplants"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list.Transplants) != 1 || list.Transplants[0].Status != "LANDED" {
		t.Fatalf("transplants = %+v", list.Transplants)
	}
}

func TestRateLimitedDryrun(t *testing.T) {
	env := newTestEnv(t, config.Config{RateLimit: 2, RateLimitSecs: 60})
	for i := 0; i < 2; i++ {
		rec := env.do(t, http.MethodPost, "/v1/transplants/dryrun",
			map[string]any{"landing_path": fullPath()}, userHeaders("landing:read"))
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d", i, rec.Code)
		}
	}
	rec := env.do(t, http.MethodPost, "/v1/transplants/dryrun",
		map[string]any{"landing_path": fullPath()}, userHeaders("landing:read"))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatalf("missing Retry-After header")
	}
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, config.Config{})
	rec := env.do(t, http.MethodGet, "/healthz", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, config.Config{})
	rec := env.do(t, http.MethodGet, "/metrics", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}
