package server

import (
	"context"
	"net/http"
	"runtime"
	"time"
)

// Version is the server version reported by health and discovery.
var Version = "0.1.0"

type healthResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	GoVersion   string `json:"go_version"`
	Uptime      string `json:"uptime"`
	Store       string `json:"store"`
	Driver      string `json:"driver"`
	Subscribers int    `json:"event_subscribers"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := healthResponse{
		Status:      "healthy",
		Version:     Version,
		GoVersion:   runtime.Version(),
		Uptime:      time.Since(s.startTime).Round(time.Second).String(),
		Store:       "ok",
		Driver:      s.config.Database.Driver,
		Subscribers: s.engine.Events().SubscriptionCount(),
	}
	status := http.StatusOK
	if err := s.store.Ping(ctx); err != nil {
		s.logger.Warn("health check: store unreachable", "error", err)
		resp.Status = "unhealthy"
		resp.Store = err.Error()
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, reqID, resp, nil, nil)
}
