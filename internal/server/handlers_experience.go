package server

import (
	"errors"
	"net/http"

	"github.com/ashita-ai/assay/internal/model"
	"github.com/ashita-ai/assay/internal/pagination"
	"github.com/ashita-ai/assay/internal/storage"
)

// HandleListDeltas handles GET /v1/runs/{run_id}/deltas?applied=. Deltas are
// returned newest first.
func (h *Handlers) HandleListDeltas(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	appliedOnly, err := queryBool(r, "applied")
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if _, err := h.db.GetRun(r.Context(), runID); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	deltas, err := h.db.ListDeltasByRun(r.Context(), runID, appliedOnly)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if deltas == nil {
		deltas = []model.Delta{}
	}
	writeJSON(w, r, http.StatusOK, deltas)
}

// HandleRollbackDelta handles POST /v1/deltas/{delta_id}/rollback.
func (h *Handlers) HandleRollbackDelta(w http.ResponseWriter, r *http.Request) {
	reason, ok := h.rollbackReason(w, r)
	if !ok {
		return
	}
	d, err := h.engine.Rollback(r.Context(), r.PathValue("delta_id"), reason)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, d)
}

// HandleRollbackLatest handles POST /v1/runs/{run_id}/deltas/latest/rollback:
// it rolls back the run's newest applied delta.
func (h *Handlers) HandleRollbackLatest(w http.ResponseWriter, r *http.Request) {
	reason, ok := h.rollbackReason(w, r)
	if !ok {
		return
	}
	runID := r.PathValue("run_id")
	if _, err := h.db.GetRun(r.Context(), runID); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	d, err := h.engine.RollbackLatest(r.Context(), runID, reason)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, d)
}

func (h *Handlers) rollbackReason(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req model.RollbackRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes, true); err != nil {
		h.writeServiceError(w, r, err)
		return "", false
	}
	if err := model.Validate(req); err != nil {
		h.writeServiceError(w, r, err)
		return "", false
	}
	return req.Reason, true
}

// HandleListMemories handles GET /v1/memories?status=&role=&cursor=&limit=.
func (h *Handlers) HandleListMemories(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	after, err := pagination.Decode(q.Get("cursor"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit", pagination.DefaultLimit)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	params := storage.ListMemoriesParams{After: after, Limit: limit}
	if s := q.Get("status"); s != "" {
		params.Status = model.MemoryStatus(s)
		if params.Status != model.MemoryActive && params.Status != model.MemoryArchived {
			h.writeServiceError(w, r, model.InvalidArgument("unknown memory status %q", s))
			return
		}
	}
	if role := q.Get("role"); role != "" {
		params.Role = model.MemoryRole(role)
		if !params.Role.Valid() {
			h.writeServiceError(w, r, model.InvalidArgument("unknown memory role %q", role))
			return
		}
	}

	page, err := h.db.ListMemories(r.Context(), params)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writePage(w, r, page)
}

type memoryDetail struct {
	Index model.MemoryIndexEntry `json:"index"`
	Item  *model.MemoryItem      `json:"item,omitempty"`
	Edits []model.MemoryEdit     `json:"edits"`
}

// HandleGetMemory handles GET /v1/memories/{mem_id}: the browse entry, its
// edit history and, when the content store still has it, the full item.
func (h *Handlers) HandleGetMemory(w http.ResponseWriter, r *http.Request) {
	memID := r.PathValue("mem_id")
	entry, err := h.db.GetMemoryIndex(r.Context(), memID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	edits, err := h.db.ListMemoryEdits(r.Context(), memID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	out := memoryDetail{Index: entry, Edits: edits}

	item, err := h.engine.Store().Get(r.Context(), memID)
	switch {
	case err == nil:
		out.Item = &item
	case errors.Is(err, model.ErrNotFound):
	default:
		h.logger.Warn("content store read failed", "mem_id", memID, "error", err)
	}
	writeJSON(w, r, http.StatusOK, out)
}

// HandleCreateMemory handles POST /v1/memories: an operator-written note.
func (h *Handlers) HandleCreateMemory(w http.ResponseWriter, r *http.Request) {
	var req model.CreateMemoryRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes, false); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if err := model.Validate(req); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	item, err := h.engine.CreateNote(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, item)
}

// HandlePatchMemory handles PATCH /v1/memories/{mem_id}.
func (h *Handlers) HandlePatchMemory(w http.ResponseWriter, r *http.Request) {
	var req model.PatchMemoryRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes, false); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if err := model.Validate(req); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	item, err := h.engine.Edit(r.Context(), r.PathValue("mem_id"), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, item)
}

// HandleArchiveMemory handles POST /v1/memories/{mem_id}/archive.
func (h *Handlers) HandleArchiveMemory(w http.ResponseWriter, r *http.Request) {
	var req model.ArchiveMemoryRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes, true); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if err := model.Validate(req); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	item, err := h.engine.Archive(r.Context(), r.PathValue("mem_id"), req.Reason)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, item)
}
