package repository

import (
	"context"
	"fmt"

	"github.com/rpattn/chronicle/internal/db"
	"github.com/rpattn/chronicle/internal/domain"

	"github.com/google/uuid"
)

type editorRepository struct {
	db db.DBTX
}

// NewEditorRepository creates a pgx-backed editor repository.
func NewEditorRepository(exec db.DBTX) EditorRepository {
	return &editorRepository{db: exec}
}

func (r *editorRepository) Upsert(ctx context.Context, editor domain.Editor) (domain.Editor, error) {
	if editor.ID == uuid.Nil {
		editor.ID = uuid.New()
	}
	_, err := r.db.Exec(ctx,
		`INSERT INTO editors (id, name) VALUES ($1::uuid, $2)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name`,
		editor.ID.String(), editor.Name,
	)
	if err != nil {
		return domain.Editor{}, fmt.Errorf("failed to upsert editor: %w", err)
	}
	return editor, nil
}

func (r *editorRepository) GetByIDs(ctx context.Context, ids []uuid.UUID) ([]domain.Editor, error) {
	if len(ids) == 0 {
		return []domain.Editor{}, nil
	}
	rows, err := r.db.Query(ctx,
		`SELECT id::text, name FROM editors WHERE id = ANY($1::uuid[]) ORDER BY name`,
		uuidStrings(ids),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get editors: %w", err)
	}
	defer rows.Close()

	editors := make([]domain.Editor, 0, len(ids))
	for rows.Next() {
		var (
			rawID string
			name  string
		)
		if err := rows.Scan(&rawID, &name); err != nil {
			return nil, fmt.Errorf("failed to scan editor: %w", err)
		}
		id, err := uuid.Parse(rawID)
		if err != nil {
			return nil, fmt.Errorf("invalid editor id %q: %w", rawID, err)
		}
		editors = append(editors, domain.Editor{ID: id, Name: name})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate editors: %w", err)
	}
	return editors, nil
}

func (r *editorRepository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM editors WHERE id = $1::uuid`, id.String())
	if err != nil {
		return fmt.Errorf("failed to delete editor: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("failed to delete editor %s: %w", id, domain.ErrNotFound)
	}
	return nil
}
