package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/quantumlife/knowledgebase/internal/scheduler"
)

// JobsAPI exposes the daemon's maintenance jobs.
type JobsAPI struct {
	server    *Server
	scheduler *scheduler.Scheduler
}

// NewJobsAPI creates a jobs API
func NewJobsAPI(s *Server, sched *scheduler.Scheduler) *JobsAPI {
	return &JobsAPI{server: s, scheduler: sched}
}

// RegisterRoutes registers job routes
func (api *JobsAPI) RegisterRoutes(r chi.Router) {
	r.Route("/jobs", func(r chi.Router) {
		r.Get("/", api.handleList)
		r.Post("/{id}/run", api.handleRun)
	})
}

func (api *JobsAPI) handleList(w http.ResponseWriter, r *http.Request) {
	api.server.respondJSON(w, http.StatusOK, map[string]interface{}{
		"jobs": api.scheduler.Jobs(),
	})
}

// handleRun executes a job immediately. A failing handler is reported in
// the body with 200; only an unknown job is an HTTP error.
func (api *JobsAPI) handleRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := api.scheduler.RunNow(r.Context(), id)
	if err != nil {
		if _, known := api.find(id); !known {
			api.server.respondErr(w, err)
			return
		}
	}

	status, _ := api.find(id)
	resp := map[string]interface{}{"ok": err == nil, "job": status}
	if err != nil {
		resp["error"] = err.Error()
	}
	api.server.Broadcast("job.ran", resp)
	api.server.respondJSON(w, http.StatusOK, resp)
}

func (api *JobsAPI) find(id string) (scheduler.Status, bool) {
	for _, st := range api.scheduler.Jobs() {
		if st.ID == id {
			return st, true
		}
	}
	return scheduler.Status{}, false
}
