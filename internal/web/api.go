package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/vibecc/vibecc/pipeline"
)

// envelope is the uniform response shape for every JSON endpoint (spec
// §4.9): exactly one of data/error is populated.
type envelope struct {
	Data  any    `json:"data"`
	Error string `json:"error,omitempty"`
}

func (s *Server) writeData(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Data: data}); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Error: message}); err != nil {
		s.logger.Error("failed to encode error response", "error", err)
	}
}

// mapStoreError maps a StateStore sentinel error to an HTTP status and
// writes the envelope; returns true if err was handled.
func (s *Server) mapStoreError(w http.ResponseWriter, err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, pipeline.ErrProjectNotFound), errors.Is(err, pipeline.ErrPipelineNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, pipeline.ErrProjectExists), errors.Is(err, pipeline.ErrPipelineExists), errors.Is(err, pipeline.ErrProjectHasActivePipeline):
		s.writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("internal error", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
	return true
}

// --- Projects ---

type createProjectRequest struct {
	Name             string `json:"name"`
	Repo             string `json:"repo"`
	BaseBranch       string `json:"base_branch"`
	KanbanBoardRef   string `json:"kanban_board_ref"`
	MaxRetriesCI     int    `json:"max_retries_ci"`
	MaxRetriesReview int    `json:"max_retries_review"`
	MaxConcurrent    int    `json:"max_concurrent"`
}

func (s *Server) apiListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.store.ListProjects()
	if s.mapStoreError(w, err) {
		return
	}
	s.writeData(w, http.StatusOK, projects)
}

func (s *Server) apiCreateProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" || req.Repo == "" {
		s.writeError(w, http.StatusBadRequest, "name and repo are required")
		return
	}
	if req.BaseBranch == "" {
		req.BaseBranch = "main"
	}
	if req.MaxRetriesCI <= 0 {
		req.MaxRetriesCI = 3
	}
	if req.MaxRetriesReview <= 0 {
		req.MaxRetriesReview = 2
	}
	if req.MaxConcurrent <= 0 {
		req.MaxConcurrent = 1
	}

	p := &pipeline.Project{
		ID:               uuid.NewString(),
		Name:             req.Name,
		Repo:             req.Repo,
		BaseBranch:       req.BaseBranch,
		KanbanBoardRef:   req.KanbanBoardRef,
		MaxRetriesCI:     req.MaxRetriesCI,
		MaxRetriesReview: req.MaxRetriesReview,
		MaxConcurrent:    req.MaxConcurrent,
	}
	if err := s.store.CreateProject(p); s.mapStoreError(w, err) {
		return
	}
	s.writeData(w, http.StatusCreated, p)
}

func (s *Server) apiGetProject(w http.ResponseWriter, r *http.Request) {
	p, err := s.store.GetProject(r.PathValue("id"))
	if s.mapStoreError(w, err) {
		return
	}
	s.writeData(w, http.StatusOK, p)
}

func (s *Server) apiUpdateProject(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	existing, err := s.store.GetProject(id)
	if s.mapStoreError(w, err) {
		return
	}

	var req createProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name != "" {
		existing.Name = req.Name
	}
	if req.BaseBranch != "" {
		existing.BaseBranch = req.BaseBranch
	}
	if req.KanbanBoardRef != "" {
		existing.KanbanBoardRef = req.KanbanBoardRef
	}
	if req.MaxRetriesCI > 0 {
		existing.MaxRetriesCI = req.MaxRetriesCI
	}
	if req.MaxRetriesReview > 0 {
		existing.MaxRetriesReview = req.MaxRetriesReview
	}
	if req.MaxConcurrent > 0 {
		existing.MaxConcurrent = req.MaxConcurrent
	}

	if err := s.store.UpdateProject(existing); s.mapStoreError(w, err) {
		return
	}
	s.writeData(w, http.StatusOK, existing)
}

func (s *Server) apiDeleteProject(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteProject(r.PathValue("id")); s.mapStoreError(w, err) {
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Pipelines (read-only) ---

func (s *Server) apiListPipelines(w http.ResponseWriter, r *http.Request) {
	filter := pipeline.PipelineFilter{
		ProjectID: r.URL.Query().Get("project_id"),
		State:     pipeline.State(r.URL.Query().Get("state")),
	}
	pipelines, err := s.store.ListPipelines(filter)
	if s.mapStoreError(w, err) {
		return
	}
	s.writeData(w, http.StatusOK, pipelines)
}

func (s *Server) apiGetPipeline(w http.ResponseWriter, r *http.Request) {
	p, err := s.store.GetPipeline(r.PathValue("id"))
	if s.mapStoreError(w, err) {
		return
	}
	s.writeData(w, http.StatusOK, p)
}

func (s *Server) apiGetPipelineByTicket(w http.ResponseWriter, r *http.Request) {
	p, err := s.store.GetPipelineByTicket(r.PathValue("id"), r.PathValue("ticket_id"))
	if s.mapStoreError(w, err) {
		return
	}
	s.writeData(w, http.StatusOK, p)
}

// --- History (read-only) ---

func (s *Server) apiListHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := pipeline.HistoryFilter{
		ProjectID:  q.Get("project_id"),
		FinalState: pipeline.State(q.Get("final_state")),
	}
	if limit, err := strconv.Atoi(q.Get("limit")); err == nil {
		filter.Limit = limit
	}
	if offset, err := strconv.Atoi(q.Get("offset")); err == nil {
		filter.Offset = offset
	}

	history, err := s.store.ListHistory(filter)
	if s.mapStoreError(w, err) {
		return
	}
	s.writeData(w, http.StatusOK, history)
}

func (s *Server) apiHistoryStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetHistoryStats(r.URL.Query().Get("project_id"))
	if s.mapStoreError(w, err) {
		return
	}
	s.writeData(w, http.StatusOK, stats)
}

// --- Autopilot ---

func (s *Server) apiGetAutopilotStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.orchestrator.GetAutopilotStatus(r.PathValue("id"))
	if s.mapStoreError(w, err) {
		return
	}
	s.writeData(w, http.StatusOK, status)
}

func (s *Server) apiStartAutopilot(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	project, err := s.store.GetProject(id)
	if s.mapStoreError(w, err) {
		return
	}

	s.orchestrator.StartAutopilot(id)
	if s.launch != nil {
		s.launch(context.Background(), project)
	}
	status, err := s.orchestrator.GetAutopilotStatus(id)
	if s.mapStoreError(w, err) {
		return
	}
	s.writeData(w, http.StatusOK, status)
}

func (s *Server) apiStopAutopilot(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.GetProject(id); s.mapStoreError(w, err) {
		return
	}

	s.orchestrator.StopAutopilot(id, "manual")
	status, err := s.orchestrator.GetAutopilotStatus(id)
	if s.mapStoreError(w, err) {
		return
	}
	s.writeData(w, http.StatusOK, status)
}
