package server

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/me/taskgraph/pkg/model"
)

type checkpointDetail struct {
	Metadata       model.CheckpointMetadata `json:"metadata"`
	Snapshot       *model.Snapshot          `json:"snapshot"`
	WorkspaceFiles int                      `json:"workspace_files"`
}

func (s *Server) handleListCheckpoints(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	if s.checkpoints == nil {
		respondError(w, reqID, http.StatusServiceUnavailable, model.NewUnavailableError("checkpoint store"))
		return
	}

	metas, err := s.checkpoints.List(r.Context())
	if err != nil {
		s.logger.Error("list checkpoints", "error", err)
		respondError(w, reqID, http.StatusInternalServerError, model.NewInternalError("failed to list checkpoints"))
		return
	}
	respondList(w, reqID, metas, &model.Pagination{Total: len(metas), Limit: len(metas)})
}

func (s *Server) handleGetCheckpoint(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	if s.checkpoints == nil {
		respondError(w, reqID, http.StatusServiceUnavailable, model.NewUnavailableError("checkpoint store"))
		return
	}

	id := chi.URLParam(r, "id")
	cp, err := s.checkpoints.Load(r.Context(), id)
	if errors.Is(err, model.ErrNotFound) {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("checkpoint", id))
		return
	}
	if err != nil {
		s.logger.Error("load checkpoint", "id", id, "error", err)
		respondError(w, reqID, http.StatusInternalServerError, model.NewInternalError("failed to load checkpoint"))
		return
	}

	snap, err := cp.Snapshot()
	if err != nil {
		s.logger.Warn("decode checkpoint snapshot", "id", id, "error", err)
		respondError(w, reqID, http.StatusUnprocessableEntity, &model.APIError{
			Code:    model.ErrValidation,
			Message: "checkpoint state cannot be decoded: " + err.Error(),
		})
		return
	}
	respondOK(w, reqID, checkpointDetail{
		Metadata:       cp.Metadata,
		Snapshot:       snap,
		WorkspaceFiles: len(cp.WorkspaceFingerprint),
	})
}
