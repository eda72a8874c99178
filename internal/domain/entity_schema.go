package domain

import (
	"fmt"
	"strings"
)

// FieldKind classifies how a field is stored and diffed.
type FieldKind string

const (
	FieldKindIdentity   FieldKind = "identity"
	FieldKindScalar     FieldKind = "scalar"
	FieldKindJSON       FieldKind = "json"
	FieldKindForeignKey FieldKind = "foreign_key"
	FieldKindOneToOne   FieldKind = "one_to_one"
	FieldKindManyToMany FieldKind = "many_to_many"
	// FieldKindEternal only appears on version schemas: the back-reference
	// from a version to the entity it snapshots.
	FieldKindEternal FieldKind = "eternal"
)

// OnDelete describes what happens to a reference when its target is deleted.
type OnDelete string

const (
	OnDeleteSetNull OnDelete = "set_null"
	OnDeleteCascade OnDelete = "cascade"
	OnDeleteProtect OnDelete = "protect"
)

// VersionsRelationName is the relation name under which an entity exposes its versions.
const VersionsRelationName = "versions"

// Choice maps a stored code to its display label.
type Choice struct {
	Value any    `json:"value"`
	Label string `json:"label"`
}

// FieldDefinition declares one field of an entity type.
type FieldDefinition struct {
	Name        string    `json:"name"`
	VerboseName string    `json:"verboseName,omitempty"`
	Kind        FieldKind `json:"kind"`
	Unique      bool      `json:"unique,omitempty"`
	Nullable    bool      `json:"nullable,omitempty"`
	Default     any       `json:"default,omitempty"`
	Choices     []Choice  `json:"choices,omitempty"`
	// RelatedType names the entity type a relational field points at.
	RelatedType string   `json:"relatedType,omitempty"`
	RelatedName string   `json:"relatedName,omitempty"`
	OnDelete    OnDelete `json:"onDelete,omitempty"`
}

// Label returns the human readable field name.
func (f FieldDefinition) Label() string {
	if f.VerboseName != "" {
		return f.VerboseName
	}
	return humanize(f.Name)
}

// IsRelational reports whether the field references other entities.
func (f FieldDefinition) IsRelational() bool {
	switch f.Kind {
	case FieldKindForeignKey, FieldKindOneToOne, FieldKindManyToMany, FieldKindEternal:
		return true
	default:
		return false
	}
}

// IsReference reports whether the field holds a single entity id.
func (f FieldDefinition) IsReference() bool {
	return f.Kind == FieldKindForeignKey || f.Kind == FieldKindOneToOne
}

// IsStructured reports whether values must be compared structurally rather
// than with the null/empty-string collapse applied to plain scalars.
func (f FieldDefinition) IsStructured() bool {
	return f.Kind == FieldKindJSON || f.Kind == FieldKindManyToMany
}

// HasChoices reports whether stored codes should be mapped to labels for display.
func (f FieldDefinition) HasChoices() bool {
	return len(f.Choices) > 0
}

// ChoiceLabel resolves a stored code to its label.
func (f FieldDefinition) ChoiceLabel(value any) (string, bool) {
	if value == nil {
		for _, choice := range f.Choices {
			if choice.Value == nil {
				return choice.Label, true
			}
		}
		return "", false
	}
	key := CanonicalJSON(value)
	for _, choice := range f.Choices {
		if choice.Value == nil {
			continue
		}
		if CanonicalJSON(choice.Value) == key {
			return choice.Label, true
		}
	}
	return "", false
}

// EntityType declares a live entity type and its fields.
type EntityType struct {
	Name        string            `json:"name"`
	VerboseName string            `json:"verboseName,omitempty"`
	Fields      []FieldDefinition `json:"fields"`
	// DisplayFields are joined with a space to name an entity in changelogs.
	DisplayFields []string `json:"displayFields,omitempty"`
	// ExcludedDiffFields never show up as field diffs or field entries.
	ExcludedDiffFields []string `json:"excludedDiffFields,omitempty"`
}

// Label returns the human readable type name.
func (t EntityType) Label() string {
	if t.VerboseName != "" {
		return t.VerboseName
	}
	return humanize(t.Name)
}

// Field looks up a field by name.
func (t EntityType) Field(name string) (FieldDefinition, bool) {
	for _, field := range t.Fields {
		if field.Name == name {
			return field, true
		}
	}
	return FieldDefinition{}, false
}

// IdentityField returns the declared identity field, or an implicit "id".
func (t EntityType) IdentityField() FieldDefinition {
	for _, field := range t.Fields {
		if field.Kind == FieldKindIdentity {
			return field
		}
	}
	return FieldDefinition{Name: "id", Kind: FieldKindIdentity}
}

// IsExcludedFromDiff reports whether the field is hidden from diffs.
func (t EntityType) IsExcludedFromDiff(name string) bool {
	for _, excluded := range t.ExcludedDiffFields {
		if excluded == name {
			return true
		}
	}
	return false
}

// DisplayName renders the human readable name of an entity of this type.
func (t EntityType) DisplayName(entity Entity) string {
	fields := t.DisplayFields
	if len(fields) == 0 {
		if _, ok := t.Field("name"); ok {
			fields = []string{"name"}
		}
	}

	parts := make([]string, 0, len(fields))
	for _, name := range fields {
		value, ok := entity.Properties[name]
		if !ok || IsBlank(value) {
			continue
		}
		parts = append(parts, StringValue(value))
	}
	if len(parts) == 0 {
		return fmt.Sprintf("%s %d", t.Label(), entity.ID)
	}
	return strings.Join(parts, " ")
}

func humanize(name string) string {
	if name == "" {
		return ""
	}
	words := strings.Fields(strings.ReplaceAll(name, "_", " "))
	if len(words) == 0 {
		return name
	}
	words[0] = strings.ToUpper(words[0][:1]) + words[0][1:]
	return strings.Join(words, " ")
}
