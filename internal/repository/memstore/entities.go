package memstore

import (
	"context"
	"fmt"
	"sort"

	"github.com/rpattn/chronicle/internal/domain"
)

type entityRepository struct {
	store *Store
}

func (r *entityRepository) Create(_ context.Context, entity domain.Entity) (domain.Entity, error) {
	st, release := r.store.query()
	defer release()

	for field, ids := range entity.Members {
		if err := ensureEntitiesExist(st, ids); err != nil {
			return domain.Entity{}, fmt.Errorf("failed to add members to %s: %w", field, err)
		}
	}

	st.nextEntityID++
	created := entity.Clone()
	created.ID = st.nextEntityID
	now := r.store.db.now()
	created.CreatedAt = now
	created.UpdatedAt = now
	for field, ids := range created.Members {
		created.Members[field] = domain.SortedUniqueIDs(ids)
	}
	st.entities[created.ID] = created.Clone()
	return created, nil
}

func (r *entityRepository) Update(_ context.Context, entity domain.Entity) (domain.Entity, error) {
	st, release := r.store.query()
	defer release()

	existing, ok := st.entities[entity.ID]
	if !ok || existing.EntityType != entity.EntityType {
		return domain.Entity{}, fmt.Errorf("failed to update entity %d: %w", entity.ID, domain.ErrNotFound)
	}
	updated := existing.Clone()
	updated.Properties = entity.Clone().Properties
	updated.UpdatedAt = r.store.db.now()
	st.entities[entity.ID] = updated
	return updated.Clone(), nil
}

func (r *entityRepository) GetByID(_ context.Context, entityType string, id int64) (domain.Entity, error) {
	st, release := r.store.query()
	defer release()

	entity, ok := st.entities[id]
	if !ok || entity.EntityType != entityType {
		return domain.Entity{}, fmt.Errorf("failed to get %s %d: %w", entityType, id, domain.ErrNotFound)
	}
	return entity.Clone(), nil
}

func (r *entityRepository) GetByIDs(_ context.Context, entityType string, ids []int64) ([]domain.Entity, error) {
	st, release := r.store.query()
	defer release()

	out := make([]domain.Entity, 0, len(ids))
	for _, id := range domain.SortedUniqueIDs(ids) {
		entity, ok := st.entities[id]
		if !ok || entity.EntityType != entityType {
			continue
		}
		out = append(out, entity.Clone())
	}
	return out, nil
}

func (r *entityRepository) Delete(_ context.Context, entityType string, id int64) error {
	st, release := r.store.query()
	defer release()

	entity, ok := st.entities[id]
	if !ok || entity.EntityType != entityType {
		return fmt.Errorf("failed to delete %s %d: %w", entityType, id, domain.ErrNotFound)
	}
	delete(st.entities, id)

	for _, other := range st.entities {
		for field, members := range other.Members {
			other.Members[field] = subtractIDs(members, []int64{id})
		}
	}

	for versionID, version := range st.versions {
		if version.EternalID == id {
			delete(st.versions, versionID)
		}
	}
	return nil
}

func (r *entityRepository) AddMembers(_ context.Context, entityID int64, field string, relatedIDs []int64) error {
	st, release := r.store.query()
	defer release()

	entity, ok := st.entities[entityID]
	if !ok {
		return fmt.Errorf("failed to add members to entity %d: %w", entityID, domain.ErrNotFound)
	}
	if err := ensureEntitiesExist(st, relatedIDs); err != nil {
		return fmt.Errorf("failed to add members: %w", err)
	}
	if entity.Members == nil {
		entity.Members = map[string][]int64{}
	}
	entity.Members[field] = domain.SortedUniqueIDs(append(append([]int64{}, entity.Members[field]...), relatedIDs...))
	st.entities[entityID] = entity
	return nil
}

func (r *entityRepository) RemoveMembers(_ context.Context, entityID int64, field string, relatedIDs []int64) error {
	st, release := r.store.query()
	defer release()

	entity, ok := st.entities[entityID]
	if !ok {
		return fmt.Errorf("failed to remove members from entity %d: %w", entityID, domain.ErrNotFound)
	}
	if entity.Members == nil {
		entity.Members = map[string][]int64{}
	}
	entity.Members[field] = subtractIDs(entity.Members[field], relatedIDs)
	st.entities[entityID] = entity
	return nil
}

func (r *entityRepository) ListReferencing(_ context.Context, entityType, field string, targetID int64) ([]int64, error) {
	st, release := r.store.query()
	defer release()

	var ids []int64
	for id, entity := range st.entities {
		if entity.EntityType != entityType {
			continue
		}
		if ref, ok := domain.ReferenceID(entity.Properties[field]); ok && ref == targetID {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (r *entityRepository) ClearReference(_ context.Context, entityType, field string, targetID int64) error {
	st, release := r.store.query()
	defer release()

	now := r.store.db.now()
	for id, entity := range st.entities {
		if entity.EntityType != entityType {
			continue
		}
		if ref, ok := domain.ReferenceID(entity.Properties[field]); ok && ref == targetID {
			entity.Properties[field] = nil
			entity.UpdatedAt = now
			st.entities[id] = entity
		}
	}
	return nil
}

func ensureEntitiesExist(st *memoryState, ids []int64) error {
	for _, id := range ids {
		if _, ok := st.entities[id]; !ok {
			return fmt.Errorf("entity %d: %w", id, domain.ErrNotFound)
		}
	}
	return nil
}

func subtractIDs(ids, remove []int64) []int64 {
	drop := make(map[int64]struct{}, len(remove))
	for _, id := range remove {
		drop[id] = struct{}{}
	}
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := drop[id]; ok {
			continue
		}
		out = append(out, id)
	}
	return out
}
