package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/me/tskmgr/pkg/model"
)

func (s *Server) handleCreateTasks(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	runID := chi.URLParam(r, "id")

	var req struct {
		Tasks []model.TaskSpec `json:"tasks"`
	}
	if apiErr := decodeBody(r, &req, false); apiErr != nil {
		respondError(w, reqID, http.StatusBadRequest, apiErr)
		return
	}

	tasks, err := s.engine.CreateBatch(r.Context(), runID, req.Tasks)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []*model.Task{}
	}
	respondCreated(w, reqID, tasks)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	tasks, err := s.engine.ListTasks(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []*model.Task{}
	}
	respondList(w, reqID, tasks, &model.Pagination{
		Total:  len(tasks),
		Limit:  len(tasks),
		Offset: 0,
	})
}

func (s *Server) handleClaimTask(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	var req struct {
		RunnerID   string `json:"runner_id"`
		RunnerHost string `json:"runner_host"`
	}
	if apiErr := decodeBody(r, &req, false); apiErr != nil {
		respondError(w, reqID, http.StatusBadRequest, apiErr)
		return
	}

	res, err := s.engine.Claim(r.Context(), chi.URLParam(r, "id"), req.RunnerID, req.RunnerHost)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondOK(w, reqID, res)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.engine.GetTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondOK(w, RequestIDFromContext(r.Context()), task)
}

func (s *Server) handleCompleteTask(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	var req struct {
		Cached bool `json:"cached"`
	}
	if apiErr := decodeBody(r, &req, true); apiErr != nil {
		respondError(w, reqID, http.StatusBadRequest, apiErr)
		return
	}

	task, err := s.engine.ReportCompletion(r.Context(), chi.URLParam(r, "id"), req.Cached)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondOK(w, reqID, task)
}

func (s *Server) handleFailTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.engine.ReportFailure(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondOK(w, RequestIDFromContext(r.Context()), task)
}
