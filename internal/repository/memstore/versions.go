package memstore

import (
	"context"
	"fmt"
	"sort"

	"github.com/rpattn/chronicle/internal/domain"
	"github.com/rpattn/chronicle/internal/repository"

	"github.com/google/uuid"
)

type versionRepository struct {
	store *Store
}

func (r *versionRepository) Insert(_ context.Context, version domain.Version) (domain.Version, error) {
	st, release := r.store.query()
	defer release()

	if _, ok := st.entities[version.EternalID]; !ok {
		return domain.Version{}, fmt.Errorf("failed to insert version for entity %d: %w", version.EternalID, domain.ErrNotFound)
	}
	if version.EditedByID != nil {
		if _, ok := st.editors[*version.EditedByID]; !ok {
			return domain.Version{}, fmt.Errorf("failed to insert version edited by %s: %w", *version.EditedByID, domain.ErrNotFound)
		}
	}

	st.nextVersionID++
	inserted := version.Clone()
	inserted.ID = st.nextVersionID
	if inserted.Relations == nil {
		inserted.Relations = map[string][]int64{}
	}
	st.versions[inserted.ID] = inserted.Clone()
	return inserted, nil
}

func (r *versionRepository) Amend(_ context.Context, versionID int64, values map[string]any, editedBy *uuid.UUID) error {
	st, release := r.store.query()
	defer release()

	version, ok := st.versions[versionID]
	if !ok {
		return &domain.VersioningInvariantError{Reason: fmt.Sprintf("amending version %d touched 0 rows", versionID)}
	}
	version.Values = make(map[string]any, len(values))
	for key, value := range values {
		version.Values[key] = value
	}
	if editedBy != nil {
		editor := *editedBy
		version.EditedByID = &editor
	}
	st.versions[versionID] = version
	return nil
}

func (r *versionRepository) SetRelation(_ context.Context, versionID int64, field string, ids []int64) error {
	st, release := r.store.query()
	defer release()

	version, ok := st.versions[versionID]
	if !ok {
		return &domain.VersioningInvariantError{Reason: fmt.Sprintf("updating relation %s of version %d touched 0 rows", field, versionID)}
	}
	if version.Relations == nil {
		version.Relations = map[string][]int64{}
	}
	version.Relations[field] = domain.SortedUniqueIDs(ids)
	st.versions[versionID] = version
	return nil
}

func (r *versionRepository) GetByIDs(_ context.Context, entityType string, ids []int64) ([]domain.Version, error) {
	st, release := r.store.query()
	defer release()

	out := make([]domain.Version, 0, len(ids))
	for _, id := range domain.SortedUniqueIDs(ids) {
		version, ok := st.versions[id]
		if !ok || version.EntityType != entityType {
			continue
		}
		out = append(out, version.Clone())
	}
	return out, nil
}

func (r *versionRepository) ListForEntity(_ context.Context, entityID int64) ([]domain.Version, error) {
	st, release := r.store.query()
	defer release()

	return historyOf(st, entityID), nil
}

func (r *versionRepository) PreviousVersionID(_ context.Context, version domain.Version) (*int64, error) {
	st, release := r.store.query()
	defer release()

	return previousOf(historyOf(st, version.EternalID), version), nil
}

func (r *versionRepository) MostRecentVersionID(_ context.Context, entityID int64) (*int64, error) {
	st, release := r.store.query()
	defer release()

	history := historyOf(st, entityID)
	if len(history) == 0 {
		return nil, nil
	}
	id := history[0].ID
	return &id, nil
}

func (r *versionRepository) MostRecentVersionsForEntities(_ context.Context, entityIDs []int64) ([]domain.Version, error) {
	st, release := r.store.query()
	defer release()

	out := make([]domain.Version, 0, len(entityIDs))
	for _, entityID := range domain.SortedUniqueIDs(entityIDs) {
		history := historyOf(st, entityID)
		if len(history) == 0 {
			continue
		}
		out = append(out, history[0])
	}
	return out, nil
}

func (r *versionRepository) ListConsecutive(_ context.Context, query repository.ConsecutiveQuery) ([]domain.VersionRow, int, error) {
	st, release := r.store.query()
	defer release()

	editors := make(map[uuid.UUID]struct{}, len(query.EditorIDs))
	for _, id := range query.EditorIDs {
		editors[id] = struct{}{}
	}

	rows := make([]domain.VersionRow, 0)
	for _, filter := range query.Types {
		for _, version := range st.versions {
			if version.EntityType != filter.EntityType {
				continue
			}
			if query.EntityID != nil && version.EternalID != *query.EntityID {
				continue
			}
			if len(editors) > 0 {
				if version.EditedByID == nil {
					continue
				}
				if _, ok := editors[*version.EditedByID]; !ok {
					continue
				}
			}
			if query.StartDate != nil && version.BusinessDate.Before(*query.StartDate) {
				continue
			}
			if query.EndDate != nil && version.BusinessDate.After(*query.EndDate) {
				continue
			}

			previousID := previousOf(historyOf(st, version.EternalID), version)
			if (query.ExcludeCreations || len(filter.ChangedFields) > 0) && previousID == nil {
				continue
			}
			if query.OnlyCreations && previousID != nil {
				continue
			}
			if len(filter.ChangedFields) > 0 && !anyFieldChanged(filter.ChangedFields, st.versions[*previousID], version) {
				continue
			}

			rows = append(rows, domain.VersionRow{
				ID:                version.ID,
				EntityID:          version.EternalID,
				EntityType:        version.EntityType,
				PreviousVersionID: previousID,
				BusinessDate:      version.BusinessDate,
				SystemDate:        version.SystemDate,
			})
		}
	}

	repository.SortVersionRows(rows)
	total := len(rows)

	limit := query.Limit
	if limit <= 0 {
		limit = 50
	}
	offset := query.Offset
	if offset < 0 {
		offset = 0
	}
	if offset >= total {
		return []domain.VersionRow{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return rows[offset:end], total, nil
}

func (r *versionRepository) Difference(_ context.Context, pairs []domain.PairQuery) ([]domain.VersionComparisonPair, error) {
	st, release := r.store.query()
	defer release()

	left := map[repository.SelectedVersion]struct{}{}
	right := map[repository.SelectedVersion]struct{}{}
	for _, pair := range pairs {
		for _, selected := range selectVersions(st, pair.EntityType, pair.Left) {
			left[selected] = struct{}{}
		}
		for _, selected := range selectVersions(st, pair.EntityType, pair.Right) {
			right[selected] = struct{}{}
		}
	}

	return repository.PairDifferences(minus(left, right), minus(right, left)), nil
}

func (r *versionRepository) ClearReference(_ context.Context, entityType, field string, targetID int64) error {
	st, release := r.store.query()
	defer release()

	for id, version := range st.versions {
		if version.EntityType != entityType {
			continue
		}
		if ref, ok := domain.ReferenceID(version.Values[field]); ok && ref == targetID {
			version.Values[field] = nil
			st.versions[id] = version
		}
	}
	return nil
}

func (r *versionRepository) RemoveRelationMember(_ context.Context, entityType, field string, targetID int64) error {
	st, release := r.store.query()
	defer release()

	for id, version := range st.versions {
		if version.EntityType != entityType {
			continue
		}
		ids, ok := version.Relations[field]
		if !ok {
			continue
		}
		version.Relations[field] = subtractIDs(ids, []int64{targetID})
		st.versions[id] = version
	}
	return nil
}

// historyOf returns the versions of an entity, most recent first.
func historyOf(st *memoryState, entityID int64) []domain.Version {
	var history []domain.Version
	for _, version := range st.versions {
		if version.EternalID == entityID {
			history = append(history, version.Clone())
		}
	}
	repository.SortVersionsDesc(history)
	return history
}

func previousOf(history []domain.Version, version domain.Version) *int64 {
	for _, candidate := range history {
		if repository.VersionPrecedes(candidate, version) {
			id := candidate.ID
			return &id
		}
	}
	return nil
}

func anyFieldChanged(fields []domain.FieldDefinition, previous, current domain.Version) bool {
	for _, field := range fields {
		if domain.FieldChanged(field, previous, current) {
			return true
		}
	}
	return false
}

func selectVersions(st *memoryState, entityType string, selector domain.VersionSelector) []repository.SelectedVersion {
	entityFilter := idSet(selector.EntityIDs)
	versionFilter := idSet(selector.VersionIDs)
	editorFilter := make(map[uuid.UUID]struct{}, len(selector.EditorIDs))
	for _, id := range selector.EditorIDs {
		editorFilter[id] = struct{}{}
	}

	candidates := make([]domain.Version, 0)
	for _, version := range st.versions {
		if version.EntityType != entityType {
			continue
		}
		if len(entityFilter) > 0 {
			if _, ok := entityFilter[version.EternalID]; !ok {
				continue
			}
		}
		if len(editorFilter) > 0 {
			if version.EditedByID == nil {
				continue
			}
			if _, ok := editorFilter[*version.EditedByID]; !ok {
				continue
			}
		}
		if len(versionFilter) > 0 {
			if _, ok := versionFilter[version.ID]; !ok {
				continue
			}
		} else if selector.AsOf != nil && version.BusinessDate.After(*selector.AsOf) {
			continue
		}
		candidates = append(candidates, version)
	}

	if len(versionFilter) > 0 {
		return toSelected(candidates)
	}

	repository.SortVersionsDesc(candidates)
	latest := make([]domain.Version, 0)
	seen := map[int64]struct{}{}
	for _, version := range candidates {
		if _, ok := seen[version.EternalID]; ok {
			continue
		}
		seen[version.EternalID] = struct{}{}
		latest = append(latest, version)
	}
	return toSelected(latest)
}

func toSelected(versions []domain.Version) []repository.SelectedVersion {
	out := make([]repository.SelectedVersion, 0, len(versions))
	for _, version := range versions {
		out = append(out, repository.SelectedVersion{EntityType: version.EntityType, ID: version.ID, EternalID: version.EternalID})
	}
	return out
}

func minus(a, b map[repository.SelectedVersion]struct{}) []repository.SelectedVersion {
	out := make([]repository.SelectedVersion, 0)
	for row := range a {
		if _, ok := b[row]; ok {
			continue
		}
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func idSet(ids []int64) map[int64]struct{} {
	set := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}
