package domain

import (
	"time"

	"github.com/google/uuid"
)

// Version is an append-only snapshot of an entity at a point in business time.
type Version struct {
	ID int64 `json:"id"`
	// EternalID is the id of the entity this version snapshots. It is never zero.
	EternalID  int64  `json:"eternalId"`
	EntityType string `json:"entityType"`
	// Values holds tracked scalar, json and reference values.
	Values map[string]any `json:"values"`
	// Relations holds the sorted, deduplicated id list of every tracked
	// many-to-many field at BusinessDate.
	Relations    map[string][]int64 `json:"relations"`
	BusinessDate time.Time          `json:"businessDate"`
	SystemDate   time.Time          `json:"systemDate"`
	EditedByID   *uuid.UUID         `json:"editedById,omitempty"`
}

// Value returns the stored value of a tracked field.
func (v Version) Value(field string) any {
	if v.Values == nil {
		return nil
	}
	return v.Values[field]
}

// RelationIDs returns the id list of a tracked many-to-many field.
func (v Version) RelationIDs(field string) []int64 {
	ids := v.Relations[field]
	if ids == nil {
		return []int64{}
	}
	return ids
}

// Clone returns a deep copy of the version.
func (v Version) Clone() Version {
	clone := v
	clone.Values = copyProperties(v.Values)
	clone.Relations = make(map[string][]int64, len(v.Relations))
	for field, ids := range v.Relations {
		clone.Relations[field] = append([]int64{}, ids...)
	}
	if v.EditedByID != nil {
		editor := *v.EditedByID
		clone.EditedByID = &editor
	}
	return clone
}

// Editor is the user a version edit is attributed to.
type Editor struct {
	ID   uuid.UUID `json:"id"`
	Name string    `json:"name"`
}
