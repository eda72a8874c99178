package memstore

import (
	"context"
	"fmt"
	"sort"

	"github.com/rpattn/chronicle/internal/domain"

	"github.com/google/uuid"
)

type editorRepository struct {
	store *Store
}

func (r *editorRepository) Upsert(_ context.Context, editor domain.Editor) (domain.Editor, error) {
	st, release := r.store.query()
	defer release()

	if editor.ID == uuid.Nil {
		editor.ID = uuid.New()
	}
	st.editors[editor.ID] = editor
	return editor, nil
}

func (r *editorRepository) GetByIDs(_ context.Context, ids []uuid.UUID) ([]domain.Editor, error) {
	st, release := r.store.query()
	defer release()

	out := make([]domain.Editor, 0, len(ids))
	seen := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		if editor, ok := st.editors[id]; ok {
			out = append(out, editor)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Delete removes the editor and nulls the editor stamp of its versions.
func (r *editorRepository) Delete(_ context.Context, id uuid.UUID) error {
	st, release := r.store.query()
	defer release()

	if _, ok := st.editors[id]; !ok {
		return fmt.Errorf("failed to delete editor %s: %w", id, domain.ErrNotFound)
	}
	delete(st.editors, id)
	for versionID, version := range st.versions {
		if version.EditedByID != nil && *version.EditedByID == id {
			version.EditedByID = nil
			st.versions[versionID] = version
		}
	}
	return nil
}
