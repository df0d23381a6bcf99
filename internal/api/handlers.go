// Package api exposes the TrainState HTTP surface.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/brettdup/trainstate/internal/auth"
	"github.com/brettdup/trainstate/internal/domain"
	"github.com/brettdup/trainstate/internal/importer"
	"github.com/brettdup/trainstate/internal/persistence"
)

// Handler coordinates HTTP requests with the query service and the import
// gate.
type Handler struct {
	service *domain.Service
	gate    *importer.Gate

	// runCtx outlives the triggering request so an import keeps running
	// after the client disconnects.
	runCtx context.Context
}

// NewHandler builds a Handler. runCtx is the process lifetime context that
// triggered imports run under.
func NewHandler(service *domain.Service, gate *importer.Gate, runCtx context.Context) *Handler {
	return &Handler{service: service, gate: gate, runCtx: runCtx}
}

// RegisterRoutes wires endpoints to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/workouts", h.workouts)
	mux.HandleFunc("/v1/workouts/", h.workoutByID)
	mux.HandleFunc("/v1/imports", h.triggerImport)
	mux.HandleFunc("/v1/imports/status", h.importStatus)
	mux.HandleFunc("/healthz", healthz)
}

// healthz reports a simple OK status for container health checks.
func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) workouts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.listWorkouts(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
	}
}

func (h *Handler) workoutByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/workouts/")
	id, sub, _ := strings.Cut(rest, "/")
	if id == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "missing workout id")
		return
	}

	switch {
	case sub == "" && r.Method == http.MethodGet:
		h.getWorkout(w, r, id)
	case sub == "" && r.Method == http.MethodPatch:
		h.patchWorkout(w, r, id)
	case sub == "route" && r.Method == http.MethodGet:
		h.getRoute(w, r, id)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
	}
}

func (h *Handler) listWorkouts(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireScope(w, r, auth.ScopeWorkoutsRead, auth.ScopeWorkoutsWrite); !ok {
		return
	}

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 200 {
			limit = parsed
		}
	}

	cursor, err := persistence.DecodeCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", "invalid cursor")
		return
	}

	workouts, next, err := h.service.ListWorkouts(r.Context(), cursor, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	items := make([]WorkoutView, 0, len(workouts))
	for _, workout := range workouts {
		items = append(items, toWorkoutView(workout))
	}
	writeJSON(w, http.StatusOK, ListWorkoutsResponse{
		Items:      items,
		NextCursor: persistence.EncodeCursor(next),
	})
}

func (h *Handler) getWorkout(w http.ResponseWriter, r *http.Request, id string) {
	if _, ok := requireScope(w, r, auth.ScopeWorkoutsRead, auth.ScopeWorkoutsWrite); !ok {
		return
	}

	workout, err := h.service.GetWorkout(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrWorkoutNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "workout not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, toWorkoutView(*workout))
}

func (h *Handler) patchWorkout(w http.ResponseWriter, r *http.Request, id string) {
	if _, ok := requireScope(w, r, auth.ScopeWorkoutsWrite); !ok {
		return
	}

	var req UpdateWorkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}
	if req.Note == nil {
		writeError(w, http.StatusBadRequest, "validation_failed", "note is required")
		return
	}

	if err := h.service.UpdateNote(r.Context(), id, *req.Note); err != nil {
		if errors.Is(err, domain.ErrWorkoutNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "workout not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) getRoute(w http.ResponseWriter, r *http.Request, id string) {
	if _, ok := requireScope(w, r, auth.ScopeWorkoutsRead, auth.ScopeWorkoutsWrite); !ok {
		return
	}

	points, err := h.service.GetRoute(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrRouteNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "no route attached")
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, RouteResponse{WorkoutID: id, Points: points})
}

// triggerImport asks the gate for a run. The admission decision is returned
// synchronously; an admitted run continues on the process context after the
// response is written. Dropped requests answer 409 with the drop reason so
// callers never mistake a no-op for a started run.
func (h *Handler) triggerImport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	if _, ok := requireScope(w, r, auth.ScopeImportsRun); !ok {
		return
	}

	status := h.gate.Start(h.runCtx)
	if status != importer.StatusStarted {
		writeJSON(w, http.StatusConflict, ImportTriggerResponse{Requested: false, Status: string(status)})
		return
	}
	writeJSON(w, http.StatusAccepted, ImportTriggerResponse{Requested: true, Status: string(status)})
}

func (h *Handler) importStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	if _, ok := requireScope(w, r, auth.ScopeImportsRun, auth.ScopeWorkoutsRead); !ok {
		return
	}

	resp := ImportStatusResponse{State: string(h.gate.State())}
	if stats, ok := h.gate.LastRun(); ok {
		resp.LastRun = toRunView(stats)
	}
	writeJSON(w, http.StatusOK, resp)
}

func requireScope(w http.ResponseWriter, r *http.Request, scopes ...string) (*auth.Claims, bool) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return nil, false
	}
	for _, scope := range scopes {
		if claims.HasScope(scope) {
			return claims, true
		}
	}
	writeError(w, http.StatusForbidden, "forbidden", "scope "+strings.Join(scopes, " or ")+" required")
	return nil, false
}

// WorkoutView is the API representation of a stored workout.
type WorkoutView struct {
	ID             string    `json:"id"`
	RemoteID       string    `json:"remote_id,omitempty"`
	Kind           string    `json:"kind"`
	StartedAt      time.Time `json:"started_at"`
	DurationSecs   float64   `json:"duration_s"`
	EnergyKcal     *float64  `json:"energy_kcal,omitempty"`
	DistanceMeters *float64  `json:"distance_m,omitempty"`
	Note           string    `json:"note,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ListWorkoutsResponse wraps a page of workouts.
type ListWorkoutsResponse struct {
	Items      []WorkoutView `json:"items"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

// UpdateWorkoutRequest carries the editable workout fields.
type UpdateWorkoutRequest struct {
	Note *string `json:"note"`
}

// RouteResponse carries a decoded route.
type RouteResponse struct {
	WorkoutID string              `json:"workout_id"`
	Points    []domain.TrackPoint `json:"points"`
}

// ImportTriggerResponse reports the gate's admission decision for an import
// request.
type ImportTriggerResponse struct {
	Requested bool   `json:"requested"`
	Status    string `json:"status"`
}

// RunView is the API representation of one finished import run.
type RunView struct {
	RunID          string    `json:"run_id"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
	Candidates     int       `json:"candidates"`
	Accepted       int       `json:"accepted"`
	Skipped        int       `json:"skipped"`
	RoutesAttached int       `json:"routes_attached"`
	Failed         bool      `json:"failed"`
	Error          string    `json:"error,omitempty"`
}

// ImportStatusResponse reports the gate state and last run, if any.
type ImportStatusResponse struct {
	State   string   `json:"state"`
	LastRun *RunView `json:"last_run,omitempty"`
}

func toRunView(stats importer.RunStats) *RunView {
	return &RunView{
		RunID:          stats.RunID,
		StartedAt:      stats.StartedAt,
		FinishedAt:     stats.FinishedAt,
		Candidates:     stats.Candidates,
		Accepted:       stats.Accepted,
		Skipped:        stats.Skipped,
		RoutesAttached: stats.RoutesAttached,
		Failed:         stats.Failed,
		Error:          stats.Error,
	}
}

func toWorkoutView(w domain.Workout) WorkoutView {
	return WorkoutView{
		ID:             w.ID,
		RemoteID:       w.RemoteID,
		Kind:           string(w.Kind),
		StartedAt:      w.StartedAt,
		DurationSecs:   w.Duration.Seconds(),
		EnergyKcal:     w.EnergyKcal,
		DistanceMeters: w.DistanceMeters,
		Note:           w.Note,
		CreatedAt:      w.CreatedAt,
		UpdatedAt:      w.UpdatedAt,
	}
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	writeJSON(w, status, map[string]string{
		"error":  code,
		"detail": detail,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
