package domain

import "time"

// VersionSchema is the version-side mirror of a live entity type, built once
// at startup.
type VersionSchema struct {
	Live EntityType
	// Eternal is the mirrored identity field: a non-null reference back to the
	// live entity, cascading on delete.
	Eternal FieldDefinition
	// Fields are the mirrored scalar, json and reference fields in declaration order.
	Fields []FieldDefinition
	// ManyToMany are the tracked many-to-many fields, each stored as an id list.
	ManyToMany []FieldDefinition
}

// EntityType returns the live type name.
func (s *VersionSchema) EntityType() string {
	return s.Live.Name
}

// Field looks up a tracked field by name.
func (s *VersionSchema) Field(name string) (FieldDefinition, bool) {
	for _, field := range s.Fields {
		if field.Name == name {
			return field, true
		}
	}
	for _, field := range s.ManyToMany {
		if field.Name == name {
			return field, true
		}
	}
	return FieldDefinition{}, false
}

// DiffableFields lists the fields that take part in diffs: every tracked field
// except the excluded ones, with many-to-many fields last.
func (s *VersionSchema) DiffableFields() []FieldDefinition {
	fields := make([]FieldDefinition, 0, len(s.Fields)+len(s.ManyToMany))
	for _, field := range s.Fields {
		if s.Live.IsExcludedFromDiff(field.Name) {
			continue
		}
		fields = append(fields, field)
	}
	for _, field := range s.ManyToMany {
		if s.Live.IsExcludedFromDiff(field.Name) {
			continue
		}
		fields = append(fields, field)
	}
	return fields
}

// ReferenceFields returns the tracked single-valued reference fields pointing at targetType.
func (s *VersionSchema) ReferenceFields(targetType string) []FieldDefinition {
	var out []FieldDefinition
	for _, field := range s.Fields {
		if field.IsReference() && field.RelatedType == targetType {
			out = append(out, field)
		}
	}
	return out
}

// ManyToManyFields returns the tracked many-to-many fields pointing at targetType.
func (s *VersionSchema) ManyToManyFields(targetType string) []FieldDefinition {
	var out []FieldDefinition
	for _, field := range s.ManyToMany {
		if field.RelatedType == targetType {
			out = append(out, field)
		}
	}
	return out
}

// TrackedValues copies the tracked scalar, json and reference values of the entity.
func (s *VersionSchema) TrackedValues(entity Entity) map[string]any {
	values := make(map[string]any, len(s.Fields))
	for _, field := range s.Fields {
		value, ok := entity.Properties[field.Name]
		if !ok {
			value = field.Default
		}
		if field.IsReference() {
			if id, isRef := ReferenceID(value); isRef {
				value = id
			} else {
				value = nil
			}
		}
		values[field.Name] = value
	}
	return values
}

// BuildVersion builds a full snapshot of the entity. The id is left unset.
func (s *VersionSchema) BuildVersion(entity Entity, businessDate, systemDate time.Time) Version {
	relations := make(map[string][]int64, len(s.ManyToMany))
	for _, field := range s.ManyToMany {
		relations[field.Name] = entity.MemberIDs(field.Name)
	}
	return Version{
		EternalID:    entity.ID,
		EntityType:   s.Live.Name,
		Values:       s.TrackedValues(entity),
		Relations:    relations,
		BusinessDate: businessDate,
		SystemDate:   systemDate,
	}
}

// RecreateOriginal rebuilds a read-only live entity from a version.
func (s *VersionSchema) RecreateOriginal(version Version) Entity {
	entity := Entity{
		ID:         version.EternalID,
		EntityType: s.Live.Name,
		Properties: copyProperties(version.Values),
		Members:    make(map[string][]int64, len(version.Relations)),
		CreatedAt:  version.BusinessDate,
		UpdatedAt:  version.BusinessDate,
	}
	for field, ids := range version.Relations {
		entity.Members[field] = append([]int64{}, ids...)
	}
	entity.reconstructed = true
	return entity
}
