package server

import (
	"net/http"
	"runtime"
	"time"
)

type healthResponse struct {
	Status      string   `json:"status"`
	Version     string   `json:"version"`
	GoVersion   string   `json:"go_version"`
	Uptime      string   `json:"uptime"`
	History     string   `json:"history"`
	Checkpoints string   `json:"checkpoints"`
	Metrics     string   `json:"metrics"`
	Workers     []string `json:"workers"`
}

func enabled(ok bool) string {
	if ok {
		return "enabled"
	}
	return "disabled"
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	workers := []string{}
	if s.registry != nil {
		workers = s.registry.Names()
	}
	respondOK(w, reqID, healthResponse{
		Status:      "healthy",
		Version:     Version,
		GoVersion:   runtime.Version(),
		Uptime:      time.Since(s.startTime).Round(time.Second).String(),
		History:     enabled(s.history != nil),
		Checkpoints: enabled(s.checkpoints != nil),
		Metrics:     enabled(s.metrics != nil),
		Workers:     workers,
	})
}
