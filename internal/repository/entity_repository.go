package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rpattn/chronicle/internal/db"
	"github.com/rpattn/chronicle/internal/domain"

	"github.com/jackc/pgx/v5"
)

type entityRepository struct {
	db db.DBTX
}

// NewEntityRepository creates a pgx-backed entity repository.
func NewEntityRepository(exec db.DBTX) EntityRepository {
	return &entityRepository{db: exec}
}

const entityColumns = `e.id, e.entity_type, e.properties, e.created_at, e.updated_at,
	COALESCE((
		SELECT jsonb_object_agg(g.field, g.ids)
		FROM (
			SELECT m.field, jsonb_agg(m.related_id ORDER BY m.related_id) AS ids
			FROM entity_memberships m
			WHERE m.entity_id = e.id
			GROUP BY m.field
		) g
	), '{}'::jsonb)`

func (r *entityRepository) Create(ctx context.Context, entity domain.Entity) (domain.Entity, error) {
	properties := entity.Properties
	if properties == nil {
		properties = map[string]any{}
	}

	var (
		id        int64
		createdAt time.Time
		updatedAt time.Time
	)
	err := r.db.QueryRow(ctx,
		`INSERT INTO entities (entity_type, properties) VALUES ($1, $2) RETURNING id, created_at, updated_at`,
		entity.EntityType, properties,
	).Scan(&id, &createdAt, &updatedAt)
	if err != nil {
		return domain.Entity{}, fmt.Errorf("failed to create entity: %w", err)
	}

	for field, ids := range entity.Members {
		if err := r.AddMembers(ctx, id, field, ids); err != nil {
			return domain.Entity{}, err
		}
	}

	created := entity.Clone()
	created.ID = id
	created.CreatedAt = createdAt
	created.UpdatedAt = updatedAt
	for field, ids := range created.Members {
		created.Members[field] = domain.SortedUniqueIDs(ids)
	}
	return created, nil
}

func (r *entityRepository) Update(ctx context.Context, entity domain.Entity) (domain.Entity, error) {
	properties := entity.Properties
	if properties == nil {
		properties = map[string]any{}
	}

	var updatedAt time.Time
	err := r.db.QueryRow(ctx,
		`UPDATE entities SET properties = $3, updated_at = now() WHERE id = $1 AND entity_type = $2 RETURNING updated_at`,
		entity.ID, entity.EntityType, properties,
	).Scan(&updatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Entity{}, fmt.Errorf("failed to update entity %d: %w", entity.ID, domain.ErrNotFound)
		}
		return domain.Entity{}, fmt.Errorf("failed to update entity: %w", err)
	}

	updated := entity.Clone()
	updated.UpdatedAt = updatedAt
	return updated, nil
}

func (r *entityRepository) GetByID(ctx context.Context, entityType string, id int64) (domain.Entity, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+entityColumns+` FROM entities e WHERE e.entity_type = $1 AND e.id = $2`,
		entityType, id,
	)
	entity, err := scanEntity(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Entity{}, fmt.Errorf("failed to get %s %d: %w", entityType, id, domain.ErrNotFound)
		}
		return domain.Entity{}, fmt.Errorf("failed to get entity: %w", err)
	}
	return entity, nil
}

func (r *entityRepository) GetByIDs(ctx context.Context, entityType string, ids []int64) ([]domain.Entity, error) {
	if len(ids) == 0 {
		return []domain.Entity{}, nil
	}

	rows, err := r.db.Query(ctx,
		`SELECT `+entityColumns+` FROM entities e WHERE e.entity_type = $1 AND e.id = ANY($2) ORDER BY e.id`,
		entityType, ids,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get entities by ids: %w", err)
	}
	defer rows.Close()

	var entities []domain.Entity
	for rows.Next() {
		entity, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entity: %w", err)
		}
		entities = append(entities, entity)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate entities: %w", err)
	}
	return entities, nil
}

func (r *entityRepository) Delete(ctx context.Context, entityType string, id int64) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM entities WHERE id = $1 AND entity_type = $2`, id, entityType)
	if err != nil {
		return fmt.Errorf("failed to delete entity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("failed to delete %s %d: %w", entityType, id, domain.ErrNotFound)
	}
	return nil
}

func (r *entityRepository) AddMembers(ctx context.Context, entityID int64, field string, relatedIDs []int64) error {
	if len(relatedIDs) == 0 {
		return nil
	}
	_, err := r.db.Exec(ctx,
		`INSERT INTO entity_memberships (entity_id, field, related_id)
		SELECT $1, $2, unnest($3::bigint[])
		ON CONFLICT DO NOTHING`,
		entityID, field, relatedIDs,
	)
	if err != nil {
		return fmt.Errorf("failed to add members: %w", err)
	}
	return nil
}

func (r *entityRepository) RemoveMembers(ctx context.Context, entityID int64, field string, relatedIDs []int64) error {
	if len(relatedIDs) == 0 {
		return nil
	}
	_, err := r.db.Exec(ctx,
		`DELETE FROM entity_memberships WHERE entity_id = $1 AND field = $2 AND related_id = ANY($3)`,
		entityID, field, relatedIDs,
	)
	if err != nil {
		return fmt.Errorf("failed to remove members: %w", err)
	}
	return nil
}

func (r *entityRepository) ListReferencing(ctx context.Context, entityType, field string, targetID int64) ([]int64, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id FROM entities WHERE entity_type = $1 AND properties -> $2::text = to_jsonb($3::bigint) ORDER BY id`,
		entityType, field, targetID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list referencing entities: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("failed to scan referencing entities: %w", err)
	}
	return ids, nil
}

func (r *entityRepository) ClearReference(ctx context.Context, entityType, field string, targetID int64) error {
	_, err := r.db.Exec(ctx,
		`UPDATE entities
		SET properties = jsonb_set(properties, ARRAY[$2::text], 'null'::jsonb), updated_at = now()
		WHERE entity_type = $1 AND properties -> $2::text = to_jsonb($3::bigint)`,
		entityType, field, targetID,
	)
	if err != nil {
		return fmt.Errorf("failed to clear entity references: %w", err)
	}
	return nil
}

func scanEntity(row pgx.Row) (domain.Entity, error) {
	var (
		entity  domain.Entity
		members map[string][]int64
	)
	if err := row.Scan(
		&entity.ID,
		&entity.EntityType,
		&entity.Properties,
		&entity.CreatedAt,
		&entity.UpdatedAt,
		&members,
	); err != nil {
		return domain.Entity{}, err
	}
	if entity.Properties == nil {
		entity.Properties = map[string]any{}
	}
	if members == nil {
		members = map[string][]int64{}
	}
	entity.Members = members
	return entity, nil
}
