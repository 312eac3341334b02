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
	respondOK(w, reqID, discoveryResponse{
		Name:        "tskmgr API",
		Version:     "v1",
		Description: "Task dispatch for polling runners: runs, task batches, claims and outcomes",
		Endpoints: []endpointInfo{
			{"/api/v1/runs", []string{"GET", "POST"}, "Run management. GET accepts ?status=, ?limit= and ?offset="},
			{"/api/v1/runs/{id}", []string{"GET"}, "Single Run with task counts"},
			{"/api/v1/runs/{id}/close", []string{"PUT"}, "Stop a Run from accepting tasks"},
			{"/api/v1/runs/{id}/abort", []string{"PUT"}, "Abort a Run"},
			{"/api/v1/runs/{id}/tasks", []string{"GET", "POST"}, "List Tasks of a Run, or add a batch of Tasks"},
			{"/api/v1/runs/{id}/tasks/claim", []string{"PUT"}, "Claim the next Task for a runner"},
			{"/api/v1/runs/{id}/events", []string{"GET"}, "WebSocket stream of Run and Task events"},
			{"/api/v1/sse/runs", []string{"GET"}, "Server-Sent Events stream of every Run and Task event"},
			{"/api/v1/sse/runs/{id}", []string{"GET"}, "Server-Sent Events stream of Run and Task events"},
			{"/api/v1/tasks/{id}", []string{"GET"}, "Single Task detail"},
			{"/api/v1/tasks/{id}/complete", []string{"PUT"}, "Report a Task completed"},
			{"/api/v1/tasks/{id}/fail", []string{"PUT"}, "Report a Task failed; aborts its Run"},
			{"/api/v1/health", []string{"GET"}, "Server health and version"},
		},
	})
}
