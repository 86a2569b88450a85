package experience

import (
	"context"
	"fmt"
	"strings"

	"github.com/ashita-ai/assay/internal/model"
)

// ActorUser marks edit log rows written by an operator outside any delta.
const ActorUser = "user"

// CreateNote stores a new operator-written note and records its creation in
// the edit log. The note has no source run and is not part of any delta, so
// no rollback removes it.
func (e *Engine) CreateNote(ctx context.Context, req model.CreateMemoryRequest) (model.MemoryItem, error) {
	if req.Kind != model.KindManualNote {
		return model.MemoryItem{}, model.InvalidArgument("only %s items can be created by hand", model.KindManualNote)
	}
	if !req.Role.Valid() {
		return model.MemoryItem{}, model.InvalidArgument("invalid role %q", req.Role)
	}
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return model.MemoryItem{}, model.InvalidArgument("content must be non-empty")
	}

	now := e.now()
	item := model.MemoryItem{
		ID:         model.NewMemoryID(),
		Status:     model.MemoryActive,
		Role:       req.Role,
		Kind:       model.KindManualNote,
		Content:    content,
		CreatedAt:  now,
		UpdatedAt:  now,
		Extensible: model.NewExtensible(req.Extra),
	}
	if err := e.store.Put(ctx, item); err != nil {
		return model.MemoryItem{}, fmt.Errorf("experience: create note: %w", err)
	}
	if err := e.recordUserEdit(ctx, nil, item, "create_manual_note"); err != nil {
		return model.MemoryItem{}, err
	}
	return item, nil
}

// Edit applies an operator patch to an existing item. CreatedAt and the
// source run are kept. A later rollback of a delta that touched the item
// still restores that delta's before snapshot over this edit.
func (e *Engine) Edit(ctx context.Context, memID string, req model.PatchMemoryRequest) (model.MemoryItem, error) {
	before, err := e.store.Get(ctx, memID)
	if err != nil {
		return model.MemoryItem{}, fmt.Errorf("experience: edit %s: %w", memID, err)
	}
	after := before
	if req.Status != nil {
		after.Status = *req.Status
	}
	if req.Role != nil {
		after.Role = *req.Role
	}
	if req.Kind != nil {
		after.Kind = *req.Kind
	}
	if req.Content != nil {
		after.Content = strings.TrimSpace(*req.Content)
	}
	if req.Extra != nil {
		after.Extra = req.Extra
	}
	after.UpdatedAt = e.now()
	if err := after.Validate(); err != nil {
		return model.MemoryItem{}, err
	}

	if err := e.store.Put(ctx, after); err != nil {
		return model.MemoryItem{}, fmt.Errorf("experience: edit %s: %w", memID, err)
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "patch"
	}
	if err := e.recordUserEdit(ctx, &before, after, reason); err != nil {
		return model.MemoryItem{}, err
	}
	return after, nil
}

// Archive hides an item from retrieval at an operator's request. Archiving an
// archived item changes nothing and writes no edit log row.
func (e *Engine) Archive(ctx context.Context, memID, reason string) (model.MemoryItem, error) {
	before, err := e.store.Get(ctx, memID)
	if err != nil {
		return model.MemoryItem{}, fmt.Errorf("experience: archive %s: %w", memID, err)
	}
	if before.Status == model.MemoryArchived {
		return before, nil
	}
	if err := e.store.Archive(ctx, memID); err != nil {
		return model.MemoryItem{}, fmt.Errorf("experience: archive %s: %w", memID, err)
	}
	after, err := e.store.Get(ctx, memID)
	if err != nil {
		return model.MemoryItem{}, fmt.Errorf("experience: archive %s: %w", memID, err)
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "archive"
	}
	if err := e.recordUserEdit(ctx, &before, after, reason); err != nil {
		return model.MemoryItem{}, err
	}
	return after, nil
}

// recordUserEdit writes the edit log row and index update for a change
// already made in the content store. If the ledger write fails the content
// store is put back to before (a created note is archived).
func (e *Engine) recordUserEdit(ctx context.Context, before *model.MemoryItem, after model.MemoryItem, reason string) error {
	err := e.db.RecordMemoryEdit(ctx, model.MemoryEdit{
		ID:        model.NewID(model.PrefixMemEdit),
		MemID:     after.ID,
		CreatedAt: e.now(),
		Actor:     ActorUser,
		Reason:    reason,
		Before:    before,
		After:     &after,
	})
	if err == nil {
		e.logger.Info("experience: manual edit", "mem_id", after.ID, "reason", reason)
		return nil
	}

	var undoErr error
	if before == nil {
		undoErr = e.store.Archive(ctx, after.ID)
	} else {
		undoErr = e.store.Put(ctx, *before)
	}
	if undoErr != nil {
		e.logger.Error("experience: compensation failed", "mem_id", after.ID, "error", undoErr)
	}
	return fmt.Errorf("experience: record edit %s: %w", after.ID, err)
}
