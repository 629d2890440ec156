package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"courseforge/internal/artifact"
	"courseforge/internal/config"
	"courseforge/internal/models"
	"courseforge/internal/store"
)

type fakeStore struct {
	jobs      map[string]models.Job
	failEnq   bool
	failed    map[string]models.JobError
	cancelled []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{jobs: map[string]models.Job{}, failed: map[string]models.JobError{}}
}

func (f *fakeStore) CreateJob(_ context.Context, p store.CreateJobParams) (models.Job, error) {
	priority := p.Priority
	if priority == "" {
		priority = "default"
	}
	now := time.Now()
	job := models.Job{
		ID:        uuid.NewString(),
		Title:     p.Title,
		Source:    p.Source,
		Priority:  priority,
		Status:    models.StatusPending,
		Attempts:  map[string]int{},
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	f.jobs[job.ID] = job
	return job, nil
}

func (f *fakeStore) GetJob(_ context.Context, id string) (models.Job, error) {
	job, ok := f.jobs[id]
	if !ok {
		return models.Job{}, store.ErrNotFound
	}
	return job, nil
}

func (f *fakeStore) CancelPending(_ context.Context, id string) error {
	job, ok := f.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	if job.Status != models.StatusPending {
		return store.ErrNotCancellable
	}
	job.Status = models.StatusFailed
	job.Error = &models.JobError{Kind: models.ErrKindCancelled, Message: "cancelled before execution"}
	f.jobs[id] = job
	f.cancelled = append(f.cancelled, id)
	return nil
}

func (f *fakeStore) MarkFailed(_ context.Context, id string, _ int, jobErr models.JobError) error {
	f.failed[id] = jobErr
	return nil
}

func (f *fakeStore) AppendAudit(context.Context, string, string, string) error { return nil }

type fakeQueue struct {
	enqueued []string
	runAts   map[string]time.Time
	removed  []string
	failErr  error
	failedID []string
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{runAts: map[string]time.Time{}}
}

func (f *fakeQueue) Enqueue(_ context.Context, jobID, _ string, runAt time.Time) error {
	if f.failErr != nil {
		return f.failErr
	}
	f.enqueued = append(f.enqueued, jobID)
	f.runAts[jobID] = runAt
	return nil
}

func (f *fakeQueue) Remove(_ context.Context, jobID string) error {
	f.removed = append(f.removed, jobID)
	return nil
}

func (f *fakeQueue) FailedPeek(context.Context, int64) ([]string, error) {
	return f.failedID, nil
}

type fakeArtifacts struct {
	courses map[string]models.Course
}

func (f *fakeArtifacts) Get(_ context.Context, id string) (models.Course, error) {
	c, ok := f.courses[id]
	if !ok {
		return models.Course{}, artifact.ErrNotFound
	}
	return c, nil
}

type fakeLimiter struct {
	allowed bool
}

func (f *fakeLimiter) Allow(context.Context, string) (bool, float64, error) {
	return f.allowed, 1, nil
}

func newTestServer(st *fakeStore, q *fakeQueue, arts *fakeArtifacts, lim *fakeLimiter) http.Handler {
	if arts == nil {
		arts = &fakeArtifacts{courses: map[string]models.Course{}}
	}
	var limiter RateLimiter
	if lim != nil {
		limiter = lim
	}
	srv := New(config.Config{}, st, q, arts, limiter, nil)
	return srv.Router()
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestSubmitAcceptsTextJob(t *testing.T) {
	st, q := newFakeStore(), newFakeQueue()
	h := newTestServer(st, q, nil, nil)

	rec := doJSON(t, h, http.MethodPost, "/jobs", map[string]any{
		"title":  "Intro to Compilers",
		"source": map[string]string{"kind": "text", "payload": "lecture notes"},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp pollResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.JobID)
	require.Equal(t, models.StatusPending, resp.Status)
	require.Zero(t, resp.Progress)
	require.Equal(t, []string{resp.JobID}, q.enqueued)
}

func TestSubmitValidation(t *testing.T) {
	cases := []struct {
		name string
		body map[string]any
	}{
		{"missing title", map[string]any{
			"source": map[string]string{"kind": "text", "payload": "x"},
		}},
		{"text without payload", map[string]any{
			"title": "t", "source": map[string]string{"kind": "text"},
		}},
		{"pdf without payload_ref", map[string]any{
			"title": "t", "source": map[string]string{"kind": "pdf"},
		}},
		{"unknown kind", map[string]any{
			"title": "t", "source": map[string]string{"kind": "docx", "payload_ref": "uploads/a"},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			st, q := newFakeStore(), newFakeQueue()
			h := newTestServer(st, q, nil, nil)
			rec := doJSON(t, h, http.MethodPost, "/jobs", tc.body)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			// Rejected submissions must leave no trace.
			require.Empty(t, st.jobs)
			require.Empty(t, q.enqueued)
		})
	}
}

func TestSubmitRateLimited(t *testing.T) {
	st, q := newFakeStore(), newFakeQueue()
	h := newTestServer(st, q, nil, &fakeLimiter{allowed: false})

	rec := doJSON(t, h, http.MethodPost, "/jobs", map[string]any{
		"title":  "t",
		"source": map[string]string{"kind": "text", "payload": "x"},
	})
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Empty(t, st.jobs)
}

func TestSubmitDeferred(t *testing.T) {
	st, q := newFakeStore(), newFakeQueue()
	h := newTestServer(st, q, nil, nil)

	rec := doJSON(t, h, http.MethodPost, "/jobs", map[string]any{
		"title":         "t",
		"source":        map[string]string{"kind": "text", "payload": "x"},
		"delay_seconds": 120,
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp pollResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	runAt := q.runAts[resp.JobID]
	require.WithinDuration(t, time.Now().Add(2*time.Minute), runAt, 5*time.Second)
}

func TestSubmitEnqueueFailureMarksJobFailed(t *testing.T) {
	st, q := newFakeStore(), newFakeQueue()
	q.failErr = context.DeadlineExceeded
	h := newTestServer(st, q, nil, nil)

	rec := doJSON(t, h, http.MethodPost, "/jobs", map[string]any{
		"title":  "t",
		"source": map[string]string{"kind": "text", "payload": "x"},
	})
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Len(t, st.failed, 1)
	for _, jobErr := range st.failed {
		require.Equal(t, models.ErrKindRecoverable, jobErr.Kind)
	}
}

func TestPollJob(t *testing.T) {
	st, q := newFakeStore(), newFakeQueue()
	job, err := st.CreateJob(context.Background(), store.CreateJobParams{
		Title:  "t",
		Source: models.Source{Kind: models.SourceText, Payload: "x"},
	})
	require.NoError(t, err)
	h := newTestServer(st, q, nil, nil)

	rec := doJSON(t, h, http.MethodGet, "/jobs/"+job.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp pollResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, job.ID, resp.JobID)
	require.Equal(t, models.StatusPending, resp.Status)

	rec = doJSON(t, h, http.MethodGet, "/jobs/"+uuid.NewString(), nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelPendingJob(t *testing.T) {
	st, q := newFakeStore(), newFakeQueue()
	job, err := st.CreateJob(context.Background(), store.CreateJobParams{
		Title:  "t",
		Source: models.Source{Kind: models.SourceText, Payload: "x"},
	})
	require.NoError(t, err)
	h := newTestServer(st, q, nil, nil)

	rec := doJSON(t, h, http.MethodPost, "/jobs/"+job.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []string{job.ID}, q.removed)

	got := st.jobs[job.ID]
	require.Equal(t, models.StatusFailed, got.Status)
	require.NotNil(t, got.Error)
	require.Equal(t, models.ErrKindCancelled, got.Error.Kind)

	// Cancelling again conflicts: the job is already terminal.
	rec = doJSON(t, h, http.MethodPost, "/jobs/"+job.ID+"/cancel", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestCancelRunningJobConflicts(t *testing.T) {
	st, q := newFakeStore(), newFakeQueue()
	job, err := st.CreateJob(context.Background(), store.CreateJobParams{
		Title:  "t",
		Source: models.Source{Kind: models.SourceText, Payload: "x"},
	})
	require.NoError(t, err)
	running := st.jobs[job.ID]
	running.Status = models.StatusRunning
	st.jobs[job.ID] = running
	h := newTestServer(st, q, nil, nil)

	rec := doJSON(t, h, http.MethodPost, "/jobs/"+job.ID+"/cancel", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Empty(t, q.removed)

	rec = doJSON(t, h, http.MethodPost, "/jobs/"+uuid.NewString()+"/cancel", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetCourse(t *testing.T) {
	courseID := uuid.NewString()
	arts := &fakeArtifacts{courses: map[string]models.Course{
		courseID: {
			ID:    courseID,
			Title: "Intro to Compilers",
			Modules: []models.Module{
				{Title: "Lexing", Topics: []models.Topic{{Title: "Tokens", Content: "..."}}},
			},
		},
	}}
	h := newTestServer(newFakeStore(), newFakeQueue(), arts, nil)

	rec := doJSON(t, h, http.MethodGet, "/courses/"+courseID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var course models.Course
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &course))
	require.Equal(t, "Intro to Compilers", course.Title)
	require.Len(t, course.Modules, 1)

	rec = doJSON(t, h, http.MethodGet, "/courses/"+uuid.NewString(), nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFailedList(t *testing.T) {
	st, q := newFakeStore(), newFakeQueue()
	q.failedID = []string{"job-1", "job-2"}
	h := newTestServer(st, q, nil, nil)

	rec := doJSON(t, h, http.MethodGet, "/jobs/failed", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Items []string `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, []string{"job-1", "job-2"}, resp.Items)
}
