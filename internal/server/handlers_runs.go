package server

import (
	"net/http"
	"strings"

	"github.com/ashita-ai/assay/internal/model"
	"github.com/ashita-ai/assay/internal/pagination"
	"github.com/ashita-ai/assay/internal/service/trace"
)

// HandleGetRun handles GET /v1/runs/{run_id}.
func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.db.GetRun(r.Context(), r.PathValue("run_id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, run)
}

// HandleGetRunOutput handles GET /v1/runs/{run_id}/output. Only completed
// runs have output; any other status is a conflict that reports the status.
func (h *Handlers) HandleGetRunOutput(w http.ResponseWriter, r *http.Request) {
	run, err := h.db.GetRun(r.Context(), r.PathValue("run_id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if run.Status != model.StatusCompleted || run.Output == nil {
		h.writeServiceError(w, r, model.NewError(model.ErrConflict,
			map[string]any{"status": run.Status}, "run %s has no output", run.ID))
		return
	}
	writeJSON(w, r, http.StatusOK, run.Output)
}

// HandleListEvents handles
// GET /v1/runs/{run_id}/events?cursor=&limit=&type=&include_payload=.
func (h *Handlers) HandleListEvents(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", pagination.DefaultLimit)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	include, err := queryBool(r, "include_payload")
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	var types []model.EventType
	for _, t := range queryList(r, "type") {
		types = append(types, model.EventType(t))
	}

	page, err := h.trace.List(r.Context(), r.PathValue("run_id"), trace.ListParams{
		Cursor:         r.URL.Query().Get("cursor"),
		Limit:          limit,
		Types:          types,
		IncludePayload: include,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writePage(w, r, page)
}

// HandleGetEvent handles GET /v1/runs/{run_id}/events/{event_id}.
func (h *Handlers) HandleGetEvent(w http.ResponseWriter, r *http.Request) {
	ev, err := h.trace.Get(r.Context(), r.PathValue("run_id"), r.PathValue("event_id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, ev)
}

// HandleListCitations handles GET /v1/runs/{run_id}/citations.
func (h *Handlers) HandleListCitations(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	if _, err := h.db.GetRun(r.Context(), runID); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	aliases, err := h.citations.List(r.Context(), runID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if aliases == nil {
		aliases = []model.CitationAlias{}
	}
	writeJSON(w, r, http.StatusOK, aliases)
}

// HandleGetCitation handles GET /v1/runs/{run_id}/citations/{alias}. The
// alias may be given bare ("C3") or as it appears in text ("[C3]").
func (h *Handlers) HandleGetCitation(w http.ResponseWriter, r *http.Request) {
	alias := strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(r.PathValue("alias")), "["), "]")
	if alias == "" {
		h.writeServiceError(w, r, model.InvalidArgument("alias is required"))
		return
	}
	ev, err := h.citations.Evidence(r.Context(), r.PathValue("run_id"), alias)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, ev)
}

// HandlePutFeedback handles PUT /v1/runs/{run_id}/feedback. Recording
// feedback on a completed run queues a learning pass for it.
func (h *Handlers) HandlePutFeedback(w http.ResponseWriter, r *http.Request) {
	var req model.FeedbackRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes, false); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if err := model.Validate(req); err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	run, err := h.completedRun(r)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	fb, err := h.db.UpsertFeedback(r.Context(), model.Feedback{
		RunID:      run.ID,
		Score:      req.Score,
		Pros:       req.Pros,
		Cons:       req.Cons,
		Other:      req.Other,
		Extensible: model.NewExtensible(nil),
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	job, err := h.queue.EnqueueJob(r.Context(), run.ID, model.JobKindLearn, "feedback_updated")
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"feedback": fb, "job": job})
}

// HandleGetFeedback handles GET /v1/runs/{run_id}/feedback.
func (h *Handlers) HandleGetFeedback(w http.ResponseWriter, r *http.Request) {
	fb, err := h.db.GetFeedback(r.Context(), r.PathValue("run_id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, fb)
}

// HandleEnqueueJob handles POST /v1/runs/{run_id}/jobs.
func (h *Handlers) HandleEnqueueJob(w http.ResponseWriter, r *http.Request) {
	var req model.EnqueueJobRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes, false); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if err := model.Validate(req); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	run, err := h.completedRun(r)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	job, err := h.queue.EnqueueJob(r.Context(), run.ID, req.Kind, req.Reason)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusAccepted, job)
}

// HandleListJobs handles GET /v1/runs/{run_id}/jobs.
func (h *Handlers) HandleListJobs(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	if _, err := h.db.GetRun(r.Context(), runID); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	jobs, err := h.db.ListJobsByRun(r.Context(), runID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []model.Job{}
	}
	writeJSON(w, r, http.StatusOK, jobs)
}

// completedRun loads the path's run and requires it to be completed; learning
// from an unfinished or failed run is a conflict.
func (h *Handlers) completedRun(r *http.Request) (model.Run, error) {
	run, err := h.db.GetRun(r.Context(), r.PathValue("run_id"))
	if err != nil {
		return model.Run{}, err
	}
	if run.Status != model.StatusCompleted {
		return model.Run{}, model.NewError(model.ErrConflict,
			map[string]any{"status": run.Status}, "run %s is not completed", run.ID)
	}
	return run, nil
}
