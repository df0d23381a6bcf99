package api

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/brettdup/trainstate/internal/auth"
	"github.com/brettdup/trainstate/internal/domain"
	"github.com/brettdup/trainstate/internal/importer"
)

type stubRepo struct {
	workouts map[string]domain.Workout
	routes   map[string][]domain.TrackPoint
	notes    map[string]string
	page     []domain.Workout
	next     *domain.Cursor
}

func newStubRepo() *stubRepo {
	return &stubRepo{
		workouts: make(map[string]domain.Workout),
		routes:   make(map[string][]domain.TrackPoint),
		notes:    make(map[string]string),
	}
}

func (r *stubRepo) Get(_ context.Context, workoutID string) (*domain.Workout, error) {
	if w, ok := r.workouts[workoutID]; ok {
		return &w, nil
	}
	return nil, nil
}

func (r *stubRepo) List(_ context.Context, _ *domain.Cursor, _ int) ([]domain.Workout, *domain.Cursor, error) {
	return r.page, r.next, nil
}

func (r *stubRepo) GetRoute(_ context.Context, workoutID string) ([]domain.TrackPoint, error) {
	return r.routes[workoutID], nil
}

func (r *stubRepo) UpdateNote(_ context.Context, workoutID, note string) error {
	if _, ok := r.workouts[workoutID]; !ok {
		return domain.ErrWorkoutNotFound
	}
	r.notes[workoutID] = note
	return nil
}

type stubRunner struct {
	mu      sync.Mutex
	runs    int
	started chan struct{}
	release chan struct{}
}

func (r *stubRunner) Run(context.Context) (importer.RunStats, error) {
	r.mu.Lock()
	r.runs++
	r.mu.Unlock()
	if r.started != nil {
		r.started <- struct{}{}
	}
	if r.release != nil {
		<-r.release
	}
	return importer.RunStats{RunID: "run-1"}, nil
}

func (r *stubRunner) runCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs
}

func testGate(runner importer.Runner) *importer.Gate {
	return importer.NewGate(runner, nil,
		importer.GateConfig{MinRefreshInterval: time.Millisecond},
		importer.WithGateLogger(log.New(io.Discard, "", 0)))
}

func testHandler(repo *stubRepo, gate *importer.Gate) http.Handler {
	h := NewHandler(domain.NewService(repo), gate, context.Background())
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return mux
}

func authedRequest(method, target string, body io.Reader, scopes ...string) *http.Request {
	req := httptest.NewRequest(method, target, body)
	claims := &auth.Claims{Subject: "user-1", Scopes: make(map[string]struct{})}
	for _, s := range scopes {
		claims.Scopes[s] = struct{}{}
	}
	return req.WithContext(auth.WithClaims(req.Context(), claims))
}

func sampleWorkout(id string) domain.Workout {
	started := time.Date(2026, time.May, 10, 18, 0, 0, 0, time.UTC)
	return domain.Workout{
		ID:        id,
		RemoteID:  "hk-" + id,
		Kind:      domain.KindRunning,
		StartedAt: started,
		Duration:  1830 * time.Second,
		CreatedAt: started.Add(time.Minute),
		UpdatedAt: started.Add(time.Minute),
	}
}

func TestListWorkouts(t *testing.T) {
	repo := newStubRepo()
	repo.page = []domain.Workout{sampleWorkout("w-1"), sampleWorkout("w-2")}
	repo.next = &domain.Cursor{StartedAt: repo.page[1].StartedAt, ID: "w-2"}

	handler := testHandler(repo, testGate(&stubRunner{}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, authedRequest(http.MethodGet, "/v1/workouts?limit=2", nil, auth.ScopeWorkoutsRead))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp ListWorkoutsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Items, 2)
	require.Equal(t, "w-1", resp.Items[0].ID)
	require.Equal(t, 1830.0, resp.Items[0].DurationSecs)
	require.NotEmpty(t, resp.NextCursor)
}

func TestListWorkoutsRequiresAuth(t *testing.T) {
	handler := testHandler(newStubRepo(), testGate(&stubRunner{}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/workouts", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, authedRequest(http.MethodGet, "/v1/workouts", nil, auth.ScopeImportsRun))
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestGetWorkout(t *testing.T) {
	repo := newStubRepo()
	repo.workouts["w-1"] = sampleWorkout("w-1")

	handler := testHandler(repo, testGate(&stubRunner{}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, authedRequest(http.MethodGet, "/v1/workouts/w-1", nil, auth.ScopeWorkoutsRead))
	require.Equal(t, http.StatusOK, rec.Code)

	var view WorkoutView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	require.Equal(t, "hk-w-1", view.RemoteID)
	require.Equal(t, "running", view.Kind)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, authedRequest(http.MethodGet, "/v1/workouts/missing", nil, auth.ScopeWorkoutsRead))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPatchWorkoutNote(t *testing.T) {
	repo := newStubRepo()
	repo.workouts["w-1"] = sampleWorkout("w-1")

	handler := testHandler(repo, testGate(&stubRunner{}))

	rec := httptest.NewRecorder()
	body := strings.NewReader(`{"note":"evening tempo run"}`)
	handler.ServeHTTP(rec, authedRequest(http.MethodPatch, "/v1/workouts/w-1", body, auth.ScopeWorkoutsWrite))
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "evening tempo run", repo.notes["w-1"])

	// The note field must be present, read scope is not enough.
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, authedRequest(http.MethodPatch, "/v1/workouts/w-1", strings.NewReader(`{}`), auth.ScopeWorkoutsWrite))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	body = strings.NewReader(`{"note":"x"}`)
	handler.ServeHTTP(rec, authedRequest(http.MethodPatch, "/v1/workouts/w-1", body, auth.ScopeWorkoutsRead))
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestGetRoute(t *testing.T) {
	repo := newStubRepo()
	repo.workouts["w-1"] = sampleWorkout("w-1")
	repo.routes["w-1"] = []domain.TrackPoint{
		{Latitude: 47.36, Longitude: 8.54, Time: time.Date(2026, time.May, 10, 18, 0, 1, 0, time.UTC)},
	}

	handler := testHandler(repo, testGate(&stubRunner{}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, authedRequest(http.MethodGet, "/v1/workouts/w-1/route", nil, auth.ScopeWorkoutsRead))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp RouteResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "w-1", resp.WorkoutID)
	require.Len(t, resp.Points, 1)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, authedRequest(http.MethodGet, "/v1/workouts/w-2/route", nil, auth.ScopeWorkoutsRead))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTriggerImport(t *testing.T) {
	runner := &stubRunner{}
	handler := testHandler(newStubRepo(), testGate(runner))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, authedRequest(http.MethodPost, "/v1/imports", nil, auth.ScopeImportsRun))
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp ImportTriggerResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.Requested)
	require.Equal(t, "started", resp.Status)

	// The run itself continues past the response.
	require.Eventually(t, func() bool {
		return runner.runCount() == 1
	}, time.Second, 5*time.Millisecond)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, authedRequest(http.MethodPost, "/v1/imports", nil, auth.ScopeWorkoutsRead))
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestTriggerImportReportsDroppedRequests(t *testing.T) {
	runner := &stubRunner{
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	handler := testHandler(newStubRepo(), testGate(runner))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, authedRequest(http.MethodPost, "/v1/imports", nil, auth.ScopeImportsRun))
	require.Equal(t, http.StatusAccepted, rec.Code)
	<-runner.started

	// A trigger while a run is in flight is a conflict, not a silent 202.
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, authedRequest(http.MethodPost, "/v1/imports", nil, auth.ScopeImportsRun))
	require.Equal(t, http.StatusConflict, rec.Code)

	var resp ImportTriggerResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.False(t, resp.Requested)
	require.Equal(t, "dropped_busy", resp.Status)

	close(runner.release)
	require.Eventually(t, func() bool {
		return runner.runCount() == 1
	}, time.Second, 5*time.Millisecond)
}

func TestImportStatus(t *testing.T) {
	runner := &stubRunner{}
	gate := testGate(runner)
	handler := testHandler(newStubRepo(), gate)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, authedRequest(http.MethodGet, "/v1/imports/status", nil, auth.ScopeWorkoutsRead))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ImportStatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "idle", resp.State)
	require.Nil(t, resp.LastRun)

	gate.Request(context.Background())

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, authedRequest(http.MethodGet, "/v1/imports/status", nil, auth.ScopeWorkoutsRead))
	require.Equal(t, http.StatusOK, rec.Code)

	resp = ImportStatusResponse{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.LastRun)
	require.Equal(t, "run-1", resp.LastRun.RunID)
}

func TestHealthz(t *testing.T) {
	handler := testHandler(newStubRepo(), testGate(&stubRunner{}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", rec.Body.String())
}
