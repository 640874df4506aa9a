package server

import "net/http"

type endpointInfo struct {
	Path        string   `json:"path"`
	Methods     []string `json:"methods"`
	Description string   `json:"description"`
}

type discoveryResponse struct {
	Name        string         `json:"name"`
	Version     string         `json:"version"`
	Description string         `json:"description"`
	Endpoints   []endpointInfo `json:"endpoints"`
}

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	endpoints := []endpointInfo{
		{"/api/v1/workflows/validate", []string{"POST"}, "Validate a YAML or JSON workflow and return its batch plan"},
		{"/api/v1/runs", []string{"GET"}, "Run history, newest first. Accepts limit, offset and status"},
		{"/api/v1/runs/{id}", []string{"GET"}, "Single run with its step events"},
		{"/api/v1/checkpoints", []string{"GET"}, "Checkpoint metadata, newest first"},
		{"/api/v1/checkpoints/{id}", []string{"GET"}, "Single checkpoint with its decoded run snapshot"},
		{"/api/v1/health", []string{"GET"}, "Server health and version"},
	}
	if s.metrics != nil {
		endpoints = append(endpoints, endpointInfo{"/metrics", []string{"GET"}, "Prometheus metrics"})
	}
	respondOK(w, reqID, discoveryResponse{
		Name:        "taskgraph API",
		Version:     "v1",
		Description: "taskgraph scheduler: run history, checkpoints and workflow validation",
		Endpoints:   endpoints,
	})
}
