package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/me/taskgraph/pkg/model"
)

type runDetail struct {
	*model.RunRecord
	Events []*model.StepEvent `json:"events"`
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	if s.history == nil {
		respondError(w, reqID, http.StatusServiceUnavailable, model.NewUnavailableError("run history"))
		return
	}

	opts := listOptions(r)
	runs, total, err := s.history.ListRuns(r.Context(), opts)
	if err != nil {
		s.logger.Error("list runs", "error", err)
		respondError(w, reqID, http.StatusInternalServerError, model.NewInternalError("failed to list runs"))
		return
	}
	if runs == nil {
		runs = []*model.RunRecord{}
	}
	respondList(w, reqID, runs, opts.Page(len(runs), total))
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	if s.history == nil {
		respondError(w, reqID, http.StatusServiceUnavailable, model.NewUnavailableError("run history"))
		return
	}

	id := chi.URLParam(r, "id")
	run, err := s.history.GetRun(r.Context(), id)
	if err != nil {
		s.logger.Error("get run", "run_id", id, "error", err)
		respondError(w, reqID, http.StatusInternalServerError, model.NewInternalError("failed to load run"))
		return
	}
	if run == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("run", id))
		return
	}

	events, err := s.history.ListStepEvents(r.Context(), id)
	if err != nil {
		s.logger.Error("list step events", "run_id", id, "error", err)
		respondError(w, reqID, http.StatusInternalServerError, model.NewInternalError("failed to load step events"))
		return
	}
	if events == nil {
		events = []*model.StepEvent{}
	}
	respondOK(w, reqID, runDetail{RunRecord: run, Events: events})
}
