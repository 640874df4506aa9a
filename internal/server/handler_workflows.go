package server

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/me/taskgraph/internal/parser"
	"github.com/me/taskgraph/pkg/model"
)

// maxWorkflowBytes bounds the request body of the validation endpoint.
const maxWorkflowBytes = 1 << 20

type validateResponse struct {
	Valid      bool               `json:"valid"`
	WorkflowID string             `json:"workflow_id,omitempty"`
	Steps      int                `json:"steps"`
	Order      []string           `json:"order,omitempty"`
	Batches    [][]string         `json:"batches,omitempty"`
	Errors     []model.FieldError `json:"errors"`
}

// handleValidateWorkflow checks a YAML or JSON workflow document. Documents
// that parse but fail validation get 200 with valid=false; bodies that do not
// parse get 400.
func (s *Server) handleValidateWorkflow(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWorkflowBytes))
	if err != nil {
		respondError(w, reqID, http.StatusBadRequest, model.NewValidationError("cannot read body: "+err.Error()))
		return
	}
	wf, err := s.parser.Parse(body)
	if err != nil {
		respondError(w, reqID, http.StatusBadRequest, model.NewValidationError(err.Error()))
		return
	}

	resp := validateResponse{WorkflowID: wf.ID, Steps: len(wf.Steps), Errors: []model.FieldError{}}
	dag, err := parser.BuildDAG(wf)
	if err == nil && s.registry != nil {
		_, err = s.registry.Resolve(wf)
	}
	if err != nil {
		resp.Errors = fieldErrors(err)
		respondOK(w, reqID, resp)
		return
	}

	resp.Valid = true
	resp.Order = dag.Order
	resp.Batches = dag.Levels
	respondOK(w, reqID, resp)
}

func fieldErrors(err error) []model.FieldError {
	var verr *model.ValidationError
	if errors.As(err, &verr) {
		return verr.Problems
	}
	var cerr *model.CycleError
	if errors.As(err, &cerr) {
		return []model.FieldError{{
			Field:   "dependencies",
			Message: "dependency cycle: " + strings.Join(cerr.StepIDs, " -> "),
		}}
	}
	return []model.FieldError{{Message: err.Error()}}
}
