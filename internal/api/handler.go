package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/goat-community/goat-core/internal/auth"
	"github.com/goat-community/goat-core/internal/domain"
	"github.com/goat-community/goat-core/internal/jobs"
	"github.com/goat-community/goat-core/internal/repository"
	"github.com/goat-community/goat-core/internal/tools"
)

// Handler exposes the tool endpoints and the job lifecycle over plain HTTP.
type Handler struct {
	service *tools.Service
}

func NewHTTPHandler(service *tools.Service) http.Handler {
	return &Handler{service: service}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/tools/aggregate-point"):
		h.handleAggregate(w, r, domain.GeometryPoint)
		return
	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/tools/aggregate-polygon"):
		h.handleAggregate(w, r, domain.GeometryPolygon)
		return
	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/tools/origin-destination"):
		h.handleODMatrix(w, r)
		return
	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/tools/isochrone"):
		h.handleIsochrone(w, r)
		return
	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/cancel"):
		h.handleCancelJob(w, r)
		return
	case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/status"):
		h.handleJobStatus(w, r)
		return
	case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/jobs"):
		h.handleListJobs(w, r)
		return
	case r.Method == http.MethodGet && strings.Contains(r.URL.Path, "/jobs/"):
		h.handleGetJob(w, r)
		return
	default:
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
}

type aggregatePayload struct {
	UserID    string  `json:"user_id"`
	ProjectID *string `json:"project_id,omitempty"`
	tools.AggregateParams
}

type odMatrixPayload struct {
	UserID    string  `json:"user_id"`
	ProjectID *string `json:"project_id,omitempty"`
	tools.ODMatrixParams
}

type isochronePayload struct {
	UserID    string  `json:"user_id"`
	ProjectID *string `json:"project_id,omitempty"`
	tools.IsochroneParams
}

func (h *Handler) handleAggregate(w http.ResponseWriter, r *http.Request, geometry domain.FeatureGeometryType) {
	defer r.Body.Close()
	var payload aggregatePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
		return
	}
	userID, projectID, ok := h.scope(w, r, payload.UserID, payload.ProjectID)
	if !ok {
		return
	}
	var job domain.Job
	var err error
	if geometry == domain.GeometryPolygon {
		job, err = h.service.RunAggregatePolygon(r.Context(), userID, projectID, payload.AggregateParams)
	} else {
		job, err = h.service.RunAggregatePoint(r.Context(), userID, projectID, payload.AggregateParams)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (h *Handler) handleODMatrix(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var payload odMatrixPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
		return
	}
	userID, projectID, ok := h.scope(w, r, payload.UserID, payload.ProjectID)
	if !ok {
		return
	}
	job, err := h.service.RunODMatrix(r.Context(), userID, projectID, payload.ODMatrixParams)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (h *Handler) handleIsochrone(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var payload isochronePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
		return
	}
	userID, projectID, ok := h.scope(w, r, payload.UserID, payload.ProjectID)
	if !ok {
		return
	}
	job, err := h.service.RunIsochrone(r.Context(), userID, projectID, payload.IsochroneParams)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (h *Handler) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := jobIDFromPath(w, r.URL.Path, "")
	if !ok {
		return
	}
	job, err := h.service.GetJob(r.Context(), jobID)
	if err != nil {
		http.Error(w, fmt.Sprintf("job not found: %v", err), http.StatusNotFound)
		return
	}
	if err := auth.EnforceUserScope(r.Context(), job.UserID); err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *Handler) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID, ok := jobIDFromPath(w, r.URL.Path, "/status")
	if !ok {
		return
	}
	status, err := h.service.GetJobStatus(r.Context(), jobID)
	if err != nil {
		http.Error(w, fmt.Sprintf("job not found: %v", err), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]domain.JobStatus{"status": status})
}

func (h *Handler) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := jobIDFromPath(w, r.URL.Path, "/cancel")
	if !ok {
		return
	}
	job, err := h.service.GetJob(r.Context(), jobID)
	if err != nil {
		http.Error(w, fmt.Sprintf("job not found: %v", err), http.StatusNotFound)
		return
	}
	if err := auth.EnforceUserScope(r.Context(), job.UserID); err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}
	job, err = h.service.CancelJob(r.Context(), jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *Handler) handleListJobs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	var userID *uuid.UUID
	if raw := strings.TrimSpace(query.Get("user_id")); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid user_id: %v", err), http.StatusBadRequest)
			return
		}
		if err := auth.EnforceUserScope(r.Context(), id); err != nil {
			http.Error(w, err.Error(), http.StatusForbidden)
			return
		}
		userID = &id
	} else if id, ok := auth.UserIDFromContext(r.Context()); ok {
		userID = &id
	}
	statuses := parseStatuses(query["status"])
	limit := 20
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = parsed
	}
	offset := 0
	if raw := strings.TrimSpace(query.Get("offset")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			http.Error(w, "offset must be zero or positive", http.StatusBadRequest)
			return
		}
		offset = parsed
	}
	list, err := h.service.ListJobs(r.Context(), userID, statuses, limit, offset)
	if err != nil {
		http.Error(w, fmt.Sprintf("list jobs: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// scope parses the user and project identity of a tool request and checks
// them against the authenticated scope.
func (h *Handler) scope(w http.ResponseWriter, r *http.Request, rawUser string, rawProject *string) (uuid.UUID, *uuid.UUID, bool) {
	userID, err := uuid.Parse(strings.TrimSpace(rawUser))
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid user_id: %v", err), http.StatusBadRequest)
		return uuid.Nil, nil, false
	}
	if err := auth.EnforceUserScope(r.Context(), userID); err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return uuid.Nil, nil, false
	}
	var projectID *uuid.UUID
	if rawProject != nil && strings.TrimSpace(*rawProject) != "" {
		id, err := uuid.Parse(strings.TrimSpace(*rawProject))
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid project_id: %v", err), http.StatusBadRequest)
			return uuid.Nil, nil, false
		}
		projectID = &id
	}
	return userID, projectID, true
}

func jobIDFromPath(w http.ResponseWriter, path, suffix string) (uuid.UUID, bool) {
	trimmed := strings.TrimSuffix(strings.TrimSuffix(path, "/"), suffix)
	trimmed = strings.TrimSuffix(trimmed, "/")
	idx := strings.LastIndex(trimmed, "/")
	if idx == -1 || idx == len(trimmed)-1 {
		http.Error(w, "missing job identifier", http.StatusBadRequest)
		return uuid.Nil, false
	}
	jobID, err := uuid.Parse(trimmed[idx+1:])
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid job identifier: %v", err), http.StatusBadRequest)
		return uuid.Nil, false
	}
	return jobID, true
}

func parseStatuses(values []string) []domain.JobStatus {
	if len(values) == 0 {
		return nil
	}
	result := make([]domain.JobStatus, 0, len(values))
	for _, raw := range values {
		for _, part := range strings.Split(raw, ",") {
			trimmed := strings.ToLower(strings.TrimSpace(part))
			switch domain.JobStatus(trimmed) {
			case domain.JobStatusPending,
				domain.JobStatusRunning,
				domain.JobStatusFinished,
				domain.JobStatusFailed,
				domain.JobStatusTimeout,
				domain.JobStatusKilled:
				result = append(result, domain.JobStatus(trimmed))
			}
		}
	}
	return result
}

// writeError maps sentinel errors onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrValidation),
		errors.Is(err, domain.ErrColumnNotFound),
		errors.Is(err, domain.ErrColumnTypeMismatch),
		errors.Is(err, domain.ErrLayerTypeMismatch):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrLayerNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrResourceLimitExceeded),
		errors.Is(err, domain.ErrOutOfServiceArea):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, jobs.ErrTooManyJobs):
		status = http.StatusTooManyRequests
	case errors.Is(err, repository.ErrJobStatusConflict):
		status = http.StatusConflict
	}
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}
