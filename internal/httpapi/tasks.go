package httpapi

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/IsaacDeMelo/botwpp/internal/tasks"
)

type createCommandRequest struct {
	To       string                `json:"to"`
	Trigger  string                `json:"trigger,omitempty"`
	Expected []tasks.ExpectedEntry `json:"expected,omitempty"`
	Action   *tasks.Action         `json:"action,omitempty"`
	Notes    string                `json:"notes,omitempty"`
}

func (s *Server) handleCreateCommand(w http.ResponseWriter, r *http.Request) {
	var req createCommandRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	expected := req.Expected
	if len(expected) == 0 && strings.TrimSpace(req.Trigger) != "" {
		// Shorthand: a bare trigger word becomes a single keyed entry
		// aliased to itself.
		trigger := strings.TrimSpace(req.Trigger)
		expected = []tasks.ExpectedEntry{{Key: trigger, Aliases: []string{trigger}}}
	}

	task, err := s.engine.CreatePersistentCommand(r.Context(), req.To, expected, req.Action, req.Notes)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{
		"status": "created",
		"task":   task,
	})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	filter := tasks.Filter{
		Status: tasks.TaskStatus(strings.TrimSpace(r.URL.Query().Get("status"))),
		To:     strings.TrimSpace(r.URL.Query().Get("to")),
	}
	items, err := s.engine.List(r.Context(), filter)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"total": len(items),
		"items": items,
	})
}

func (s *Server) handleTaskStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.Stats(r.Context())
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "INVALID_TASK_ID", "missing task id")
		return
	}
	task, err := s.engine.Get(r.Context(), id)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, task)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "INVALID_TASK_ID", "missing task id")
		return
	}
	task, err := s.engine.Cancel(r.Context(), id)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, task)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "INVALID_TASK_ID", "missing task id")
		return
	}
	if err := s.engine.Remove(r.Context(), id); err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "deleted"})
}
