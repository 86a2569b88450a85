package server

import (
	"net/http"
	"strings"

	"github.com/ashita-ai/assay/internal/model"
	"github.com/ashita-ai/assay/internal/pagination"
	"github.com/ashita-ai/assay/internal/storage"
)

// HandleCreateBatch handles POST /v1/batches. An empty body submits a batch
// with default parameters. Repeating a request with the same Idempotency-Key
// replays the original response with 200 instead of 201.
func (h *Handlers) HandleCreateBatch(w http.ResponseWriter, r *http.Request) {
	req := model.NewBatchRequest()
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes, true); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if req.Extra == nil {
		req.Extra = map[string]any{}
	}

	res, err := h.queue.CreateBatch(r.Context(), req, r.Header.Get("Idempotency-Key"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	status := http.StatusCreated
	if res.Replayed {
		w.Header().Set("Idempotent-Replayed", "true")
		status = http.StatusOK
	}
	writeJSON(w, r, status, model.CreateBatchResponse{Batch: res.Batch, Runs: res.Runs})
}

// HandleListBatches handles GET /v1/batches?status=&cursor=&limit=.
func (h *Handlers) HandleListBatches(w http.ResponseWriter, r *http.Request) {
	after, err := pagination.Decode(r.URL.Query().Get("cursor"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit", pagination.DefaultLimit)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	var statuses []model.Status
	for _, s := range queryList(r, "status") {
		st := model.Status(strings.ToLower(s))
		if !st.Valid() {
			h.writeServiceError(w, r, model.InvalidArgument("unknown status %q", s))
			return
		}
		statuses = append(statuses, st)
	}

	page, err := h.db.ListBatches(r.Context(), storage.ListBatchesParams{
		After:    after,
		Limit:    limit,
		Statuses: statuses,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writePage(w, r, page)
}

// HandleGetBatch handles GET /v1/batches/{batch_id}.
func (h *Handlers) HandleGetBatch(w http.ResponseWriter, r *http.Request) {
	batch, err := h.db.GetBatch(r.Context(), r.PathValue("batch_id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, batch)
}

// HandleListBatchRuns handles GET /v1/batches/{batch_id}/runs.
func (h *Handlers) HandleListBatchRuns(w http.ResponseWriter, r *http.Request) {
	after, err := pagination.Decode(r.URL.Query().Get("cursor"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit", pagination.DefaultLimit)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	page, err := h.db.ListRunsByBatch(r.Context(), storage.ListRunsParams{
		BatchID: r.PathValue("batch_id"),
		After:   after,
		Limit:   limit,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writePage(w, r, page)
}

// HandleCancelBatch handles POST /v1/batches/{batch_id}/cancel. The request
// is recorded and the worker honors it at its next checkpoint, so the
// response is 202.
func (h *Handlers) HandleCancelBatch(w http.ResponseWriter, r *http.Request) {
	h.cancel(w, r, model.CancelTargetBatch, r.PathValue("batch_id"))
}

// HandleCancelRun handles POST /v1/runs/{run_id}/cancel.
func (h *Handlers) HandleCancelRun(w http.ResponseWriter, r *http.Request) {
	h.cancel(w, r, model.CancelTargetRun, r.PathValue("run_id"))
}

func (h *Handlers) cancel(w http.ResponseWriter, r *http.Request, target model.CancelTarget, id string) {
	var body model.CancelBody
	if err := decodeJSON(w, r, &body, h.maxRequestBodyBytes, true); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if err := model.Validate(body); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	req, err := h.queue.RequestCancel(r.Context(), target, id, body.Reason)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusAccepted, req)
}
