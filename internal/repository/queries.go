package repository

import (
	"sort"
	"time"

	"github.com/rpattn/chronicle/internal/domain"

	"github.com/google/uuid"
)

// TypeFilter selects the versions of one entity type. When ChangedFields is
// set, only versions where at least one of those fields differs from the
// previous version are kept.
type TypeFilter struct {
	EntityType    string
	ChangedFields []domain.FieldDefinition
}

// ConsecutiveQuery is the store-level form of a consecutive-versions request.
type ConsecutiveQuery struct {
	Types            []TypeFilter
	EntityID         *int64
	EditorIDs        []uuid.UUID
	OnlyCreations    bool
	ExcludeCreations bool
	StartDate        *time.Time
	EndDate          *time.Time
	Limit            int
	Offset           int
}

// SelectedVersion is one row of a selector projection.
type SelectedVersion struct {
	EntityType string
	ID         int64
	EternalID  int64
}

type pairKey struct {
	entityType string
	entityID   int64
}

// PairDifferences folds the two one-sided differences into comparison pairs,
// one per entity, ordered by type and entity id. When a side holds several
// versions of one entity the highest version id wins.
func PairDifferences(leftMinusRight, rightMinusLeft []SelectedVersion) []domain.VersionComparisonPair {
	left := indexSelected(leftMinusRight)
	right := indexSelected(rightMinusLeft)

	keys := make([]pairKey, 0, len(left)+len(right))
	for key := range left {
		keys = append(keys, key)
	}
	for key := range right {
		if _, ok := left[key]; !ok {
			keys = append(keys, key)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].entityType != keys[j].entityType {
			return keys[i].entityType < keys[j].entityType
		}
		return keys[i].entityID < keys[j].entityID
	})

	pairs := make([]domain.VersionComparisonPair, 0, len(keys))
	for _, key := range keys {
		pair := domain.VersionComparisonPair{EntityType: key.entityType, EntityID: key.entityID}
		if id, ok := left[key]; ok {
			leftID := id
			pair.LeftVersionID = &leftID
		}
		if id, ok := right[key]; ok {
			rightID := id
			pair.RightVersionID = &rightID
		}
		if pair.LeftVersionID != nil && pair.RightVersionID != nil && *pair.LeftVersionID == *pair.RightVersionID {
			continue
		}
		pairs = append(pairs, pair)
	}
	return pairs
}

func indexSelected(rows []SelectedVersion) map[pairKey]int64 {
	indexed := make(map[pairKey]int64, len(rows))
	for _, row := range rows {
		key := pairKey{entityType: row.EntityType, entityID: row.EternalID}
		if current, ok := indexed[key]; !ok || row.ID > current {
			indexed[key] = row.ID
		}
	}
	return indexed
}

// SortVersionRows orders rows by business date descending, then entity type,
// then id descending.
func SortVersionRows(rows []domain.VersionRow) {
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if !a.BusinessDate.Equal(b.BusinessDate) {
			return a.BusinessDate.After(b.BusinessDate)
		}
		if a.EntityType != b.EntityType {
			return a.EntityType < b.EntityType
		}
		return a.ID > b.ID
	})
}

// VersionPrecedes reports whether a sorts before b in an entity's history:
// an earlier business date, or the same business date and a lower id.
func VersionPrecedes(a, b domain.Version) bool {
	if !a.BusinessDate.Equal(b.BusinessDate) {
		return a.BusinessDate.Before(b.BusinessDate)
	}
	return a.ID < b.ID
}

// SortVersionsDesc orders versions most recent first.
func SortVersionsDesc(versions []domain.Version) {
	sort.SliceStable(versions, func(i, j int) bool {
		return VersionPrecedes(versions[j], versions[i])
	})
}
