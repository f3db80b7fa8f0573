package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/foremanlabs/foreman/internal/fault"
	"github.com/foremanlabs/foreman/internal/runs"
	"github.com/foremanlabs/foreman/internal/storage"
	"github.com/foremanlabs/foreman/pkg/models"
)

// createRunRequest is the POST /runs body. ThreadID zero starts a fresh
// thread; model and reasoning effort fall back to the configured defaults.
type createRunRequest struct {
	Task            string `json:"task"`
	ThreadID        int64  `json:"thread_id,omitempty"`
	Model           string `json:"model,omitempty"`
	ReasoningEffort string `json:"reasoning_effort,omitempty"`
}

// createRunResponse hands the client its stream coordinates: the public id
// and the event high-water mark to stream from.
type createRunResponse struct {
	RunPublicID string           `json:"run_public_id"`
	EventID     int64            `json:"event_id"`
	Status      models.RunStatus `json:"status"`
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	owner, err := ownerID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req createRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fault.Errorf(models.KindInvalidInput, "gateway.create", "invalid request body: %v", err))
		return
	}

	run, err := s.runs.Create(r.Context(), runs.StartRequest{
		OwnerID:         owner,
		ThreadID:        req.ThreadID,
		Task:            req.Task,
		Model:           req.Model,
		ReasoningEffort: req.ReasoningEffort,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	// The segment outlives this request; the client follows progress on
	// the event stream.
	s.runs.Launch(run, req.Task)

	writeJSON(w, http.StatusCreated, createRunResponse{
		RunPublicID: run.PublicID,
		EventID:     run.LastEventID,
		Status:      run.Status,
	})
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	owner, err := ownerID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	run, err := s.runs.Cancel(r.Context(), r.PathValue("id"), owner)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	owner, err := ownerID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	snap, err := s.runs.Snapshot(r.Context(), r.PathValue("id"), owner)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps classified errors onto HTTP statuses. Unknown runs and
// cross-owner lookups both surface as 404, so the response never confirms
// that a run exists for some other owner.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
	case fault.KindOf(err) == models.KindInvalidInput:
		status = http.StatusBadRequest
	case fault.KindOf(err) == models.KindCancelled:
		status = http.StatusConflict
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Kind: string(fault.KindOf(err))})
}
