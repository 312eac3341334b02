package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/me/tskmgr/pkg/model"
)

// runDetail is a run with counts of its tasks by status.
type runDetail struct {
	*model.Run
	Tasks model.TaskSummary `json:"tasks"`
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	var req struct {
		Name        string `json:"name"`
		ChangeSetID string `json:"change_set_id"`
	}
	if apiErr := decodeBody(r, &req, true); apiErr != nil {
		respondError(w, reqID, http.StatusBadRequest, apiErr)
		return
	}

	run, err := s.engine.CreateRun(r.Context(), req.Name, req.ChangeSetID)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondCreated(w, reqID, run)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	opts := model.DefaultListOptions()
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			respondError(w, reqID, http.StatusBadRequest, model.NewValidationError("invalid query parameter",
				model.FieldError{Field: "limit", Message: "must be an integer"}))
			return
		}
		opts.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			respondError(w, reqID, http.StatusBadRequest, model.NewValidationError("invalid query parameter",
				model.FieldError{Field: "offset", Message: "must be an integer"}))
			return
		}
		opts.Offset = n
	}
	opts.Status = strings.ToUpper(q.Get("status"))
	opts.Clamp()

	runs, total, err := s.engine.ListRuns(r.Context(), opts)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	if runs == nil {
		runs = []*model.Run{}
	}
	respondList(w, reqID, runs, &model.Pagination{
		Total:   total,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
		HasMore: opts.Offset+len(runs) < total,
	})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	run, err := s.engine.GetRun(r.Context(), id)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	tasks, err := s.engine.ListTasks(r.Context(), id)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondOK(w, reqID, runDetail{Run: run, Tasks: model.Summarize(tasks)})
}

func (s *Server) handleCloseRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.engine.CloseRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondOK(w, RequestIDFromContext(r.Context()), run)
}

func (s *Server) handleAbortRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.engine.AbortRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondOK(w, RequestIDFromContext(r.Context()), run)
}
