package domain

import (
	"time"
)

// Entity represents a live, mutable record of a registered entity type.
type Entity struct {
	ID         int64          `json:"id"`
	EntityType string         `json:"entityType"`
	Properties map[string]any `json:"properties"`
	// Members holds many-to-many membership as related entity ids per field.
	Members   map[string][]int64 `json:"members,omitempty"`
	CreatedAt time.Time          `json:"createdAt"`
	UpdatedAt time.Time          `json:"updatedAt"`

	reconstructed bool
}

// NewEntity creates an unsaved entity of the given type.
func NewEntity(entityType string, properties map[string]any) Entity {
	return Entity{
		EntityType: entityType,
		Properties: copyProperties(properties),
		Members:    map[string][]int64{},
	}
}

// WithProperty returns a copy of the entity with the property set.
func (e Entity) WithProperty(key string, value any) Entity {
	clone := e.Clone()
	clone.Properties[key] = value
	return clone
}

// IsReconstruction reports whether the entity was rebuilt from a version and
// must therefore never be persisted.
func (e Entity) IsReconstruction() bool {
	return e.reconstructed
}

// MemberIDs returns the sorted, deduplicated membership of a many-to-many field.
func (e Entity) MemberIDs(field string) []int64 {
	return SortedUniqueIDs(e.Members[field])
}

// Clone returns a deep copy of the entity.
func (e Entity) Clone() Entity {
	clone := e
	clone.Properties = copyProperties(e.Properties)
	clone.Members = make(map[string][]int64, len(e.Members))
	for field, ids := range e.Members {
		clone.Members[field] = append([]int64{}, ids...)
	}
	return clone
}

func copyProperties(input map[string]any) map[string]any {
	if input == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(input))
	for key, value := range input {
		out[key] = value
	}
	return out
}
